package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hackgods/consultation-scheduling/internal/appointment"
)

// SchedulingMetrics exposes counters/histograms for the scheduling engine.
type SchedulingMetrics struct {
	operationsTotal   *prometheus.CounterVec
	operationLatency  *prometheus.HistogramVec
	violationsTotal   *prometheus.CounterVec
	interventionsOpen prometheus.Counter
	slotCacheTotal    *prometheus.CounterVec
}

var _ appointment.Recorder = (*SchedulingMetrics)(nil)

func NewSchedulingMetrics(reg prometheus.Registerer) *SchedulingMetrics {
	m := &SchedulingMetrics{
		operationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "consultation",
			Subsystem: "scheduling",
			Name:      "operations_total",
			Help:      "Scheduling operations by outcome",
		}, []string{"operation", "outcome"}),
		operationLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "consultation",
			Subsystem: "scheduling",
			Name:      "operation_latency_seconds",
			Help:      "Latency of scheduling operations",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		violationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "consultation",
			Subsystem: "scheduling",
			Name:      "violations_total",
			Help:      "Rule violations reported by the validator",
		}, []string{"operation", "kind", "code"}),
		interventionsOpen: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "consultation",
			Subsystem: "scheduling",
			Name:      "interventions_opened_total",
			Help:      "Admin intervention requests opened by the escalation policy",
		}),
		slotCacheTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "consultation",
			Subsystem: "scheduling",
			Name:      "slot_cache_lookups_total",
			Help:      "Slot cache lookups by result",
		}, []string{"hit"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.operationsTotal, m.operationLatency, m.violationsTotal, m.interventionsOpen, m.slotCacheTotal)
	return m
}

func (m *SchedulingMetrics) ObserveOperation(op, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.operationsTotal.WithLabelValues(op, outcome).Inc()
	m.operationLatency.WithLabelValues(op).Observe(elapsed.Seconds())
}

func (m *SchedulingMetrics) ObserveViolations(op string, vs []appointment.Violation) {
	if m == nil {
		return
	}
	for _, v := range vs {
		m.violationsTotal.WithLabelValues(op, string(v.Kind), v.Code).Inc()
	}
}

func (m *SchedulingMetrics) InterventionOpened() {
	if m == nil {
		return
	}
	m.interventionsOpen.Inc()
}

func (m *SchedulingMetrics) SlotCacheLookup(hit bool) {
	if m == nil {
		return
	}
	m.slotCacheTotal.WithLabelValues(strconv.FormatBool(hit)).Inc()
}
