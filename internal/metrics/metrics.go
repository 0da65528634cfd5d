package metrics

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"venuesync/logger"
)

// PrometheusSink mirrors emitted metrics into Prometheus collectors. Counter
// metrics are added, gauges are set. Collectors are created lazily per metric
// name with the label set seen on first use; later emissions with a
// different label set are skipped.
type PrometheusSink struct {
	registry  *prometheus.Registry
	mu        sync.Mutex
	counters  map[string]*prometheus.CounterVec
	gauges    map[string]*prometheus.GaugeVec
	labels    map[string][]string
	handlerID MetricHandlerID
	log       *logger.Entry
}

func NewPrometheusSink() *PrometheusSink {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return &PrometheusSink{
		registry: registry,
		counters: make(map[string]*prometheus.CounterVec),
		gauges:   make(map[string]*prometheus.GaugeVec),
		labels:   make(map[string][]string),
		log:      logger.GetLogger().WithComponent("prometheus"),
	}
}

// Register subscribes the sink to EmitMetric.
func (s *PrometheusSink) Register() {
	s.handlerID = RegisterMetricHandler(s.handle)
}

func (s *PrometheusSink) Unregister() {
	UnregisterMetricHandler(s.handlerID)
}

func (s *PrometheusSink) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is done.
func (s *PrometheusSink) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	s.log.WithField("address", addr).Info("serving prometheus metrics")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *PrometheusSink) handle(m Metric) {
	labels := m.Labels()
	labels["component"] = m.Component
	names := make([]string, 0, len(labels))
	for k := range labels {
		names = append(names, k)
	}
	sort.Strings(names)

	metricName := prometheusName(m.Name)

	s.mu.Lock()
	defer s.mu.Unlock()

	if known, ok := s.labels[metricName]; ok && strings.Join(known, ",") != strings.Join(names, ",") {
		s.log.WithField("metric", metricName).Debug("label set changed; metric skipped")
		return
	}

	switch m.Type {
	case TypeGauge:
		vec, ok := s.gauges[metricName]
		if !ok {
			vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: metricName, Help: m.Name}, names)
			if err := s.registry.Register(vec); err != nil {
				s.log.WithError(err).WithField("metric", metricName).Debug("gauge registration failed")
				return
			}
			s.gauges[metricName] = vec
			s.labels[metricName] = names
		}
		vec.With(labels).Set(m.Value)
	default:
		vec, ok := s.counters[metricName]
		if !ok {
			vec = prometheus.NewCounterVec(prometheus.CounterOpts{Name: metricName, Help: m.Name}, names)
			if err := s.registry.Register(vec); err != nil {
				s.log.WithError(err).WithField("metric", metricName).Debug("counter registration failed")
				return
			}
			s.counters[metricName] = vec
			s.labels[metricName] = names
		}
		if m.Value >= 0 {
			vec.With(labels).Add(m.Value)
		}
	}
}

func prometheusName(name string) string {
	var b strings.Builder
	b.WriteString("venuesync_")
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
