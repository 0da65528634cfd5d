package session

import (
	"time"

	"github.com/jpillora/backoff"

	"venuesync/config"
)

const (
	defaultBackoffMin    = time.Second
	defaultBackoffMax    = 16 * time.Second
	defaultBackoffFactor = 2
)

// Backoff maps the number of consecutive connection failures to the delay
// before the next attempt. An explicit schedule is indexed directly and
// its last entry repeats; otherwise the delay grows exponentially.
type Backoff struct {
	schedule []time.Duration
	exp      *backoff.Backoff
}

func NewBackoff(cfg config.BackoffConfig) *Backoff {
	if len(cfg.Schedule) > 0 {
		schedule := make([]time.Duration, len(cfg.Schedule))
		copy(schedule, cfg.Schedule)
		return &Backoff{schedule: schedule}
	}

	exp := &backoff.Backoff{
		Min:    cfg.Min,
		Max:    cfg.Max,
		Factor: cfg.Factor,
	}
	if exp.Min <= 0 {
		exp.Min = defaultBackoffMin
	}
	if exp.Max <= 0 {
		exp.Max = defaultBackoffMax
	}
	if exp.Factor <= 0 {
		exp.Factor = defaultBackoffFactor
	}
	return &Backoff{exp: exp}
}

// Delay returns the wait before the attempt following `failures`
// consecutive failures. Negative counts are treated as zero.
func (b *Backoff) Delay(failures int) time.Duration {
	if failures < 0 {
		failures = 0
	}
	if len(b.schedule) > 0 {
		if failures >= len(b.schedule) {
			return b.schedule[len(b.schedule)-1]
		}
		return b.schedule[failures]
	}
	return b.exp.ForAttempt(float64(failures))
}
