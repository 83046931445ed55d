// Package metrics exports call lifecycle counters to Prometheus. A nil
// *Collector is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/dkeye/telecall/internal/domain"
)

const namespace = "telecall"

type Collector struct {
	started     *prometheus.CounterVec
	ended       *prometheus.CounterVec
	active      prometheus.Gauge
	duration    prometheus.Histogram
	dropped     *prometheus.CounterVec
	transitions *prometheus.CounterVec
	subscribers prometheus.Gauge
}

// New registers the call metrics on reg.
func New(reg prometheus.Registerer) *Collector {
	f := promauto.With(reg)
	return &Collector{
		started: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "calls",
			Name:      "started_total",
			Help:      "Sessions created, by kind and direction.",
		}, []string{"kind", "direction"}),
		ended: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "calls",
			Name:      "ended_total",
			Help:      "Sessions that reached a terminal phase, by phase and end reason.",
		}, []string{"phase", "reason"}),
		active: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "calls",
			Name:      "live",
			Help:      "Sessions not yet in a terminal phase.",
		}),
		duration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "calls",
			Name:      "connected_seconds",
			Help:      "Connected time of sessions that became active.",
			Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1200, 1800, 3600},
		}),
		dropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "signaling",
			Name:      "dropped_total",
			Help:      "Inbound signaling messages dropped, by reason.",
		}, []string{"reason"}),
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "calls",
			Name:      "transitions_total",
			Help:      "Phase transitions applied.",
		}, []string{"from", "to"}),
		subscribers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "subscribers",
			Help:      "Connected notification subscribers.",
		}),
	}
}

func (c *Collector) CallStarted(s domain.Session) {
	if c == nil {
		return
	}
	c.started.WithLabelValues(string(s.Kind), string(s.Direction)).Inc()
	c.active.Inc()
}

func (c *Collector) CallEnded(s domain.Session) {
	if c == nil {
		return
	}
	c.ended.WithLabelValues(string(s.Phase), string(s.EndReason)).Inc()
	c.active.Dec()
	if d := s.Duration(); d > 0 {
		c.duration.Observe(d.Seconds())
	}
}

func (c *Collector) Transition(from, to domain.Phase) {
	if c == nil {
		return
	}
	c.transitions.WithLabelValues(string(from), string(to)).Inc()
}

func (c *Collector) SignalingDropped(reason string) {
	if c == nil {
		return
	}
	c.dropped.WithLabelValues(reason).Inc()
}

func (c *Collector) SubscriberAdded() {
	if c == nil {
		return
	}
	c.subscribers.Inc()
}

func (c *Collector) SubscriberRemoved() {
	if c == nil {
		return
	}
	c.subscribers.Dec()
}
