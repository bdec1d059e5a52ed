package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/consultation-scheduling/internal/appointment"
	"github.com/hackgods/consultation-scheduling/internal/logging"
)

type fakeSlots struct {
	slots []time.Time
	err   error

	providerID  uuid.UUID
	from, to    time.Time
	slotMinutes int
}

func (f *fakeSlots) GetAvailableSlots(_ context.Context, providerID uuid.UUID, from, to time.Time, slotMinutes int) ([]time.Time, error) {
	f.providerID, f.from, f.to, f.slotMinutes = providerID, from, to, slotMinutes
	return f.slots, f.err
}

func serve(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestLiveness(t *testing.T) {
	h := NewRouter(RouterConfig{Logger: zerolog.Nop(), Env: "test", Version: "1.2.3"})

	rec := serve(t, h, "/health/live")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	var body LivenessResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, LivenessResponse{Status: "ok", Version: "1.2.3", Env: "test"}, body)
}

func TestReadiness(t *testing.T) {
	up := PingFunc(func(context.Context) error { return nil })
	down := PingFunc(func(context.Context) error { return errors.New("dial tcp: refused") })

	cases := []struct {
		name   string
		deps   []Dependency
		code   int
		status string
		states map[string]string
	}{
		{
			name:   "all up",
			deps:   []Dependency{{Name: "postgres", Check: up, Required: true}, {Name: "redis", Check: up}},
			code:   http.StatusOK,
			status: "ok",
			states: map[string]string{"postgres": "ok", "redis": "ok"},
		},
		{
			name:   "optional down",
			deps:   []Dependency{{Name: "postgres", Check: up, Required: true}, {Name: "redis", Check: down}},
			code:   http.StatusOK,
			status: "degraded",
			states: map[string]string{"postgres": "ok", "redis": "down"},
		},
		{
			name:   "required down",
			deps:   []Dependency{{Name: "redis", Check: down}, {Name: "postgres", Check: down, Required: true}},
			code:   http.StatusServiceUnavailable,
			status: "error",
			states: map[string]string{"postgres": "down", "redis": "down"},
		},
		{
			name:   "disabled",
			deps:   []Dependency{{Name: "redis"}},
			code:   http.StatusOK,
			status: "ok",
			states: map[string]string{"redis": "disabled"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := NewRouter(RouterConfig{Dependencies: tc.deps, Logger: zerolog.Nop()})

			rec := serve(t, h, "/health/ready")

			require.Equal(t, tc.code, rec.Code)
			var body ReadinessResponse
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
			assert.Equal(t, tc.status, body.Status)
			assert.Equal(t, tc.states, body.Dependencies)
		})
	}
}

func TestSlots(t *testing.T) {
	provider := uuid.New()
	slot := time.Date(2025, 6, 9, 9, 0, 0, 0, time.UTC)
	finder := &fakeSlots{slots: []time.Time{slot}}
	h := NewRouter(RouterConfig{Slots: finder, Logger: zerolog.Nop()})

	rec := serve(t, h, "/providers/"+provider.String()+"/slots?from=2025-06-09&to=2025-06-15&slot_minutes=30")

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var body SlotsResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, provider, body.ProviderID)
	assert.Equal(t, "2025-06-09", body.From)
	assert.Equal(t, "2025-06-15", body.To)
	assert.Equal(t, 30, body.SlotMinutes)
	require.Len(t, body.Slots, 1)
	assert.True(t, slot.Equal(body.Slots[0]))

	assert.Equal(t, provider, finder.providerID)
	assert.Equal(t, 30, finder.slotMinutes)
	assert.Equal(t, time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC), finder.to)
}

func TestSlots_Defaults(t *testing.T) {
	finder := &fakeSlots{}
	h := NewRouter(RouterConfig{Slots: finder, Logger: zerolog.Nop()})

	rec := serve(t, h, "/providers/"+uuid.NewString()+"/slots?from=2025-06-09")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"slots":[]`)
	assert.Equal(t, finder.from, finder.to)
	assert.Equal(t, 60, finder.slotMinutes)
}

func TestSlots_BadRequests(t *testing.T) {
	h := NewRouter(RouterConfig{Slots: &fakeSlots{}, Logger: zerolog.Nop()})
	id := uuid.NewString()

	for _, target := range []string{
		"/providers/nope/slots?from=2025-06-09",
		"/providers/" + id + "/slots",
		"/providers/" + id + "/slots?from=09.06.2025",
		"/providers/" + id + "/slots?from=2025-06-09&to=tomorrow",
		"/providers/" + id + "/slots?from=2025-06-09&slot_minutes=hour",
	} {
		rec := serve(t, h, target)
		assert.Equal(t, http.StatusBadRequest, rec.Code, target)
	}
}

func TestSlots_ErrorMapping(t *testing.T) {
	store := appointment.NewMemoryStore()
	svc := appointment.NewService(store, store, store, appointment.DefaultPolicy())
	h := NewRouter(RouterConfig{Slots: svc, Logger: zerolog.Nop()})

	rec := serve(t, h, "/providers/"+uuid.NewString()+"/slots?from=2025-06-09")
	require.Equal(t, http.StatusNotFound, rec.Code)
	var body ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "NOT_FOUND", body.Kind)
	require.Len(t, body.Violations, 1)
	assert.Equal(t, appointment.CodeNotFound, body.Violations[0].Code)

	provider := uuid.New()
	store.AddProvider(provider, true)
	rec = serve(t, h, "/providers/"+provider.String()+"/slots?from=2025-06-10&to=2025-06-09")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), appointment.CodeInvalidRange)

	finder := &fakeSlots{err: errors.New("pq: connection refused")}
	h = NewRouter(RouterConfig{Slots: finder, Logger: zerolog.Nop()})
	rec = serve(t, h, "/providers/"+uuid.NewString()+"/slots?from=2025-06-09")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "connection refused")
}

func TestStatusFor(t *testing.T) {
	cases := map[appointment.ErrorKind]int{
		appointment.KindValidation:  http.StatusBadRequest,
		appointment.KindNotFound:    http.StatusNotFound,
		appointment.KindConflict:    http.StatusConflict,
		appointment.KindState:       http.StatusConflict,
		appointment.KindOutOfPolicy: http.StatusUnprocessableEntity,
		appointment.KindPermission:  http.StatusForbidden,
	}
	for kind, want := range cases {
		err := &appointment.Error{Kind: kind}
		assert.Equal(t, want, statusFor(err), string(kind))
	}
	assert.Equal(t, http.StatusInternalServerError, statusFor(errors.New("boom")))
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "scheduler_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Inc()
	h := NewRouter(RouterConfig{Gatherer: reg, Logger: zerolog.Nop()})

	rec := serve(t, h, "/metrics")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "scheduler_test_total 1")
}

func TestLoggingMiddleware(t *testing.T) {
	var buf bytes.Buffer
	h := NewRouter(RouterConfig{Logger: zerolog.New(&buf)})

	req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))
	assert.Contains(t, buf.String(), `"request_id":"req-42"`)
	assert.Contains(t, buf.String(), `"status":200`)
}

func TestRequestContextCarriesID(t *testing.T) {
	var buf bytes.Buffer
	var seen context.Context
	h := NewRouter(RouterConfig{
		Slots: slotFinderFunc(func(ctx context.Context, _ uuid.UUID, _, _ time.Time, _ int) ([]time.Time, error) {
			seen = ctx
			return nil, errors.New("pq: connection refused")
		}),
		Logger: zerolog.New(&buf),
	})

	req := httptest.NewRequest(http.MethodGet, "/providers/"+uuid.NewString()+"/slots?from=2025-06-09", nil)
	req.Header.Set("X-Request-ID", "req-7")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.NotNil(t, seen)
	assert.Equal(t, "req-7", logging.RequestID(seen))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"message":"slot lookup failed"`)
	assert.Contains(t, lines[0], "connection refused")
	for _, line := range lines {
		assert.Equal(t, 1, strings.Count(line, `"request_id":"req-7"`), line)
	}
	assert.Contains(t, lines[1], `"level":"error"`)
}

type slotFinderFunc func(ctx context.Context, providerID uuid.UUID, from, to time.Time, slotMinutes int) ([]time.Time, error)

func (f slotFinderFunc) GetAvailableSlots(ctx context.Context, providerID uuid.UUID, from, to time.Time, slotMinutes int) ([]time.Time, error) {
	return f(ctx, providerID, from, to, slotMinutes)
}
