package buffer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes buffer activity to prometheus
type Metrics struct {
	inserted prometheus.Counter
	rejected *prometheus.CounterVec
	evicted  *prometheus.CounterVec
	occupied prometheus.Gauge
	elements prometheus.Gauge
	capacity prometheus.Gauge
}

// NewMetrics registers the buffer collectors on reg. A nil reg creates
// unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		inserted: factory.NewCounter(prometheus.CounterOpts{
			Name: "cmr_buffer_inserted_total",
			Help: "Elements accepted into the buffer",
		}),
		rejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cmr_buffer_rejected_total",
			Help: "Elements refused by the buffer by reason",
		}, []string{"reason"}),
		evicted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cmr_buffer_evicted_total",
			Help: "Elements evicted by trigger",
		}, []string{"trigger"}),
		occupied: factory.NewGauge(prometheus.GaugeOpts{
			Name: "cmr_buffer_occupied_bytes",
			Help: "Estimated bytes held by buffered elements",
		}),
		elements: factory.NewGauge(prometheus.GaugeOpts{
			Name: "cmr_buffer_elements",
			Help: "Elements currently buffered",
		}),
		capacity: factory.NewGauge(prometheus.GaugeOpts{
			Name: "cmr_buffer_max_bytes",
			Help: "Configured byte budget",
		}),
	}
}

// Eviction triggers
const (
	triggerInsert    = "insert"
	triggerCompactor = "compactor"
	triggerManual    = "manual"
)

// Rejection reasons
const (
	reasonDuplicate = "duplicate"
	reasonInvalid   = "invalid"
	reasonOverflow  = "overflow"
	reasonTooLarge  = "too_large"
)

func (m *Metrics) observe(occupied uint64, elements int) {
	if m == nil {
		return
	}
	m.occupied.Set(float64(occupied))
	m.elements.Set(float64(elements))
}

func (m *Metrics) insertedOne() {
	if m != nil {
		m.inserted.Inc()
	}
}

func (m *Metrics) rejectedOne(reason string) {
	if m != nil {
		m.rejected.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) evictedN(trigger string, n int) {
	if m != nil && n > 0 {
		m.evicted.WithLabelValues(trigger).Add(float64(n))
	}
}
