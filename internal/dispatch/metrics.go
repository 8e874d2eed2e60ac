package dispatch

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts dispatcher activity. A nil *Metrics is a no-op.
type Metrics struct {
	Batches *prometheus.CounterVec
	Retries *prometheus.CounterVec
	Records *prometheus.CounterVec
}

// NewMetrics registers dispatcher counters on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "linkline_dispatch_batches_total",
			Help: "Write batches by operation and terminal state.",
		}, []string{"op", "outcome"}),
		Retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "linkline_dispatch_retries_total",
			Help: "Batch retries by operation and reason.",
		}, []string{"op", "reason"}),
		Records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "linkline_dispatch_records_total",
			Help: "Records written successfully by operation.",
		}, []string{"op"}),
	}
	if reg != nil {
		reg.MustRegister(m.Batches, m.Retries, m.Records)
	}
	return m
}

func (m *Metrics) batch(op Op, state State) {
	if m == nil {
		return
	}
	m.Batches.WithLabelValues(string(op), string(state)).Inc()
}

func (m *Metrics) retry(op Op, reason string) {
	if m == nil {
		return
	}
	m.Retries.WithLabelValues(string(op), reason).Inc()
}

func (m *Metrics) records(op Op, n int) {
	if m == nil {
		return
	}
	m.Records.WithLabelValues(string(op)).Add(float64(n))
}
