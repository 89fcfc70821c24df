package observability

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusObserver turns events into metrics:
//
//	<namespace>_events_total{type, level}
//	<namespace>_event_duration_seconds{type}
//
// The histogram is observed only for events whose Data carries a
// time.Duration under "duration".
type PrometheusObserver struct {
	events    *prometheus.CounterVec
	durations *prometheus.HistogramVec
}

// NewPrometheusObserver creates the collectors and registers them with reg.
func NewPrometheusObserver(reg prometheus.Registerer, namespace string) (*PrometheusObserver, error) {
	o := &PrometheusObserver{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Observability events by type and level.",
		}, []string{"type", "level"}),
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "event_duration_seconds",
			Help:      "Durations reported by events, by type.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"type"}),
	}

	for _, c := range []prometheus.Collector{o.events, o.durations} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register metrics: %w", err)
		}
	}
	return o, nil
}

func (o *PrometheusObserver) OnEvent(ctx context.Context, event Event) {
	o.events.WithLabelValues(string(event.Type), event.Level.String()).Inc()

	if d, ok := event.Data["duration"].(time.Duration); ok {
		o.durations.WithLabelValues(string(event.Type)).Observe(d.Seconds())
	}
}

// Events returns the event counter, mainly for tests and custom exporters.
func (o *PrometheusObserver) Events() *prometheus.CounterVec {
	return o.events
}
