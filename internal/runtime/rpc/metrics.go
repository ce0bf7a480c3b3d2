package rpc

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts served requests by method and result kind.
type Metrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewMetrics creates request collectors and registers them with reg. A nil
// reg leaves them unregistered. Collectors already registered by another
// server on the same registry are reused.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "outrigger",
			Subsystem: "rpc",
			Name:      "requests_total",
			Help:      "Requests served by the sidecar, by method and result.",
		}, []string{"method", "result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "outrigger",
			Subsystem: "rpc",
			Name:      "request_duration_seconds",
			Help:      "Time spent serving a request.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
	}
	if reg == nil {
		return m, nil
	}

	var err error
	if m.requests, err = registerOrReuse(reg, m.requests); err != nil {
		return nil, err
	}
	if m.duration, err = registerOrReuse(reg, m.duration); err != nil {
		return nil, err
	}
	return m, nil
}

func registerOrReuse[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

func (m *Metrics) observe(req Request, status *Status, elapsed time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	if status != nil {
		result = string(status.Kind)
	}
	m.requests.WithLabelValues(req.Method(), result).Inc()
	m.duration.WithLabelValues(req.Method()).Observe(elapsed.Seconds())
}
