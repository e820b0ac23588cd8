package uplink

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for uplink activity. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	attempts      *prometheus.CounterVec
	transmissions *prometheus.CounterVec
	resets        prometheus.Counter
	bytes         prometheus.Counter
	duration      *prometheus.HistogramVec
}

// MustNewMetrics registers the uplink collectors on reg. Collectors already
// registered under the same names are reused; any other registration error
// panics.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "januswm",
			Subsystem: "uplink",
			Name:      "attempts_total",
			Help:      "Session attempts by modem variant and result.",
		}, []string{"variant", "result"}),
		transmissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "januswm",
			Subsystem: "uplink",
			Name:      "transmissions_total",
			Help:      "Transmissions after retry by kind (file, control) and result.",
		}, []string{"kind", "result"}),
		resets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "januswm",
			Subsystem: "uplink",
			Name:      "resets_total",
			Help:      "Modem reset pulses issued before session attempts.",
		}),
		bytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "januswm",
			Subsystem: "uplink",
			Name:      "bytes_total",
			Help:      "File bytes delivered to the collection server.",
		}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "januswm",
			Subsystem: "uplink",
			Name:      "attempt_duration_seconds",
			Help:      "Wall time of one session attempt.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"variant"}),
	}

	for _, c := range []prometheus.Collector{m.attempts, m.transmissions, m.resets, m.bytes, m.duration} {
		if err := reg.Register(c); err != nil {
			already, ok := err.(prometheus.AlreadyRegisteredError)
			if !ok {
				panic(err)
			}
			switch existing := already.ExistingCollector.(type) {
			case *prometheus.HistogramVec:
				m.duration = existing
			case *prometheus.CounterVec:
				if c == prometheus.Collector(m.attempts) {
					m.attempts = existing
				} else {
					m.transmissions = existing
				}
			case prometheus.Counter:
				if c == prometheus.Collector(m.resets) {
					m.resets = existing
				} else {
					m.bytes = existing
				}
			}
		}
	}
	return m
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

// ObserveAttempt records one session attempt.
func (m *Metrics) ObserveAttempt(variant string, ok bool, d time.Duration) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(variant, result(ok)).Inc()
	m.duration.WithLabelValues(variant).Observe(d.Seconds())
}

// ObserveTransmission records the verdict of a retried transmission.
func (m *Metrics) ObserveTransmission(kind string, ok bool) {
	if m == nil {
		return
	}
	m.transmissions.WithLabelValues(kind, result(ok)).Inc()
}

// IncReset counts a reset pulse.
func (m *Metrics) IncReset() {
	if m == nil {
		return
	}
	m.resets.Inc()
}

// AddBytes counts delivered file bytes.
func (m *Metrics) AddBytes(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.bytes.Add(float64(n))
}
