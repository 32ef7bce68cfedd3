package execution

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for execution activity.
type Metrics struct {
	started  *prometheus.CounterVec
	finished *prometheus.CounterVec
	duration *prometheus.HistogramVec
	active   prometheus.Gauge
}

// NewMetrics registers the execution collectors with reg. Collectors that are
// already registered are reused, so several sessions may share a registry.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		started: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cardflow",
			Subsystem: "execution",
			Name:      "started_total",
			Help:      "Executions started, by execution type.",
		}, []string{"type"}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cardflow",
			Subsystem: "execution",
			Name:      "finished_total",
			Help:      "Executions finished, by execution type and outcome.",
		}, []string{"type", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "cardflow",
			Subsystem: "execution",
			Name:      "duration_seconds",
			Help:      "Wall-clock duration of finished executions.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"type", "status"}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cardflow",
			Subsystem: "execution",
			Name:      "active",
			Help:      "Executions currently in flight.",
		}),
	}

	var err error
	if m.started, err = register(reg, m.started); err != nil {
		return nil, err
	}
	if m.finished, err = register(reg, m.finished); err != nil {
		return nil, err
	}
	if m.duration, err = register(reg, m.duration); err != nil {
		return nil, err
	}
	if m.active, err = register(reg, m.active); err != nil {
		return nil, err
	}
	return m, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

func (m *Metrics) observeStart(typ string) {
	if m == nil {
		return
	}
	m.started.WithLabelValues(typ).Inc()
	m.active.Inc()
}

func (m *Metrics) observeFinish(typ, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.finished.WithLabelValues(typ, status).Inc()
	m.duration.WithLabelValues(typ, status).Observe(d.Seconds())
	m.active.Dec()
}

func (m *Metrics) observeDrop(n int) {
	if m == nil {
		return
	}
	m.active.Sub(float64(n))
}
