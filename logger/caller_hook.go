package logger

import (
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
)

// skipped packages never count as the call site of a log line.
var callerSkipPrefixes = []string{
	"github.com/sirupsen/logrus",
	"venuesync/logger.",
}

// callerHook rewrites entry.Caller to the first frame outside logrus and the
// Entry wrappers in this package.
type callerHook struct{}

func (h *callerHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *callerHook) Fire(entry *logrus.Entry) error {
	pcs := make([]uintptr, 24)
	n := runtime.Callers(4, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()
		if !skipCaller(frame.Function) {
			entry.Caller = &frame
			return nil
		}
		if !more {
			return nil
		}
	}
}

func skipCaller(function string) bool {
	for _, prefix := range callerSkipPrefixes {
		if strings.HasPrefix(function, prefix) {
			return true
		}
	}
	return false
}
