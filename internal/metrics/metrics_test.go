package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/consultation-scheduling/internal/appointment"
)

func TestSchedulingMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewSchedulingMetrics(reg)

	m.ObserveOperation("create appointment", "ok", 12*time.Millisecond)
	m.ObserveOperation("create appointment", "SCHEDULING_CONFLICT", 3*time.Millisecond)
	m.ObserveOperation("create appointment", "ok", 5*time.Millisecond)
	m.ObserveViolations("create appointment", []appointment.Violation{
		{Kind: appointment.KindValidation, Code: appointment.CodeStartInPast},
		{Kind: appointment.KindValidation, Code: appointment.CodeClosedWeekday},
	})
	m.InterventionOpened()
	m.SlotCacheLookup(true)
	m.SlotCacheLookup(false)
	m.SlotCacheLookup(true)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.operationsTotal.WithLabelValues("create appointment", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.violationsTotal.WithLabelValues("create appointment", "VALIDATION", "closed_weekday")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.interventionsOpen))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.slotCacheTotal.WithLabelValues("true")))

	expected := `
# HELP consultation_scheduling_interventions_opened_total Admin intervention requests opened by the escalation policy
# TYPE consultation_scheduling_interventions_opened_total counter
consultation_scheduling_interventions_opened_total 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "consultation_scheduling_interventions_opened_total"))
	assert.Equal(t, 1, testutil.CollectAndCount(m.operationLatency))
}

func TestSchedulingMetrics_NilSafe(t *testing.T) {
	var m *SchedulingMetrics
	assert.NotPanics(t, func() {
		m.ObserveOperation("x", "ok", time.Second)
		m.ObserveViolations("x", []appointment.Violation{{Code: "c"}})
		m.InterventionOpened()
		m.SlotCacheLookup(true)
	})
}

func TestSchedulingMetrics_AsServiceRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewSchedulingMetrics(reg)
	store := appointment.NewMemoryStore()
	svc := appointment.NewService(store, store, store, appointment.DefaultPolicy(), appointment.WithMetrics(m))

	_, err := svc.GetAvailableSlots(t.Context(), uuid.New(), time.Now(), time.Now(), 60)
	require.Error(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.operationsTotal.WithLabelValues("get available slots", "NOT_FOUND")))
}
