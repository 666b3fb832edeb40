// Package metrics exports bus events and counters to Prometheus.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/trickstertwo/xrelay"
)

// Observer turns xrelay events into Prometheus metrics. Register it on a bus
// with BusBuilder.WithObserver or Bus.AddObserver.
type Observer struct {
	events      *prometheus.CounterVec
	errors      *prometheus.CounterVec
	deadLetters *prometheus.CounterVec
	duration    *prometheus.HistogramVec
}

var _ xrelay.Observer = (*Observer)(nil)

// NewObserver creates the collectors under namespace and registers them with reg.
func NewObserver(reg prometheus.Registerer, namespace string) (*Observer, error) {
	if namespace == "" {
		namespace = "xrelay"
	}
	o := &Observer{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Bus events by type and queue",
		}, []string{"type", "queue"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Failed operations by event type",
		}, []string{"type"}),
		deadLetters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dead_letters_total",
			Help:      "Messages moved to a dead-letter directory",
		}, []string{"queue"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "processing_duration_seconds",
			Help:      "Time spent sending or handling messages",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 5.0},
		}, []string{"type"}),
	}
	for _, c := range []prometheus.Collector{o.events, o.errors, o.deadLetters, o.duration} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return o, nil
}

// OnEvent records e.
func (o *Observer) OnEvent(e xrelay.Event) {
	o.events.WithLabelValues(string(e.Type), e.Queue).Inc()
	if e.Err != nil {
		o.errors.WithLabelValues(string(e.Type)).Inc()
	}
	if e.Type == xrelay.MessageDeadLettered {
		o.deadLetters.WithLabelValues(e.Queue).Inc()
	}
	if e.Duration > 0 {
		o.duration.WithLabelValues(string(e.Type)).Observe(e.Duration.Seconds())
	}
}

// BusSource is the part of *xrelay.Bus the gauges read.
type BusSource interface {
	GetMetrics() xrelay.Metrics
	State() xrelay.State
}

// RegisterBus exposes bus counters as gauges evaluated at scrape time.
func RegisterBus(reg prometheus.Registerer, namespace string, bus BusSource) error {
	if namespace == "" {
		namespace = "xrelay"
	}
	gauge := func(name, help string, fn func(m xrelay.Metrics) float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      name,
			Help:      help,
		}, func() float64 { return fn(bus.GetMetrics()) })
	}
	collectors := []prometheus.Collector{
		gauge("sent", "Messages sent", func(m xrelay.Metrics) float64 { return float64(m.Sent) }),
		gauge("published", "Messages published", func(m xrelay.Metrics) float64 { return float64(m.Published) }),
		gauge("received", "Messages received", func(m xrelay.Metrics) float64 { return float64(m.Received) }),
		gauge("replies", "Replies correlated to sent messages", func(m xrelay.Metrics) float64 { return float64(m.Replies) }),
		gauge("errors", "Failed bus operations", func(m xrelay.Metrics) float64 { return float64(m.Errors) }),
		gauge("events_dropped", "Observer events dropped", func(m xrelay.Metrics) float64 { return float64(m.EventsDropped) }),
		gauge("pending_replies", "Sent messages awaiting replies", func(m xrelay.Metrics) float64 { return float64(m.PendingReplies) }),
		gauge("avg_processing_ms", "Moving average of processing time", func(m xrelay.Metrics) float64 { return m.AvgProcessingTimeMs }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "running",
			Help:      "1 while the bus is running",
		}, func() float64 {
			if bus.State() == xrelay.StateRunning {
				return 1
			}
			return 0
		}),
	}
	var errs []error
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
