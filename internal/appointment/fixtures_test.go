package appointment

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// testClock is a settable clock shared by the service under test.
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock(t time.Time) *testClock { return &testClock{t: t} }

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// recordingHandler keeps every published event in order.
type recordingHandler struct {
	mu     sync.Mutex
	events []Event
}

func (h *recordingHandler) Handle(_ context.Context, ev Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, ev)
	return nil
}

func (h *recordingHandler) Types() []EventType {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]EventType, 0, len(h.events))
	for _, ev := range h.events {
		out = append(out, ev.Type)
	}
	return out
}

type recordingAudit struct {
	mu      sync.Mutex
	actions []AdminAction
}

func (a *recordingAudit) Record(_ context.Context, action AdminAction) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.actions = append(a.actions, action)
	return nil
}

type fixture struct {
	t        *testing.T
	ctx      context.Context
	store    *MemoryStore
	clock    *testClock
	bus      *Bus
	events   *recordingHandler
	audit    *recordingAudit
	svc      *Service
	provider uuid.UUID
	client   uuid.UUID
	admin    Actor
}

// mondayMorning is 2025-06-02, a Monday, 08:00 UTC.
var mondayMorning = time.Date(2025, 6, 2, 8, 0, 0, 0, time.UTC)

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	return newFixtureWithPolicy(t, DefaultPolicy(), opts...)
}

func newFixtureWithPolicy(t *testing.T, policy Policy, opts ...Option) *fixture {
	t.Helper()

	f := &fixture{
		t:        t,
		ctx:      context.Background(),
		store:    NewMemoryStore(),
		clock:    newTestClock(mondayMorning),
		events:   &recordingHandler{},
		audit:    &recordingAudit{},
		provider: uuid.New(),
		client:   uuid.New(),
		admin:    AdminActor(uuid.New()),
	}
	f.bus = NewBus(zerolog.Nop())
	f.bus.Subscribe("recorder", f.events)

	f.store.AddProvider(f.provider, true)
	f.store.AddClient(f.client)

	base := []Option{
		WithClock(f.clock.Now),
		WithBus(f.bus),
		WithAdminActionLog(f.audit),
	}
	f.svc = NewService(f.store, f.store, f.store, policy, append(base, opts...)...)
	return f
}

func (f *fixture) addProvider(windows ...TemplateInput) uuid.UUID {
	f.t.Helper()
	id := uuid.New()
	f.store.AddProvider(id, true)
	if len(windows) > 0 {
		f.templates(id, windows...)
	}
	return id
}

func (f *fixture) addClient() uuid.UUID {
	id := uuid.New()
	f.store.AddClient(id)
	return id
}

func (f *fixture) templates(providerID uuid.UUID, windows ...TemplateInput) {
	f.t.Helper()
	_, err := f.svc.ReplaceTemplates(f.ctx, ProviderActor(providerID), providerID, windows)
	require.NoError(f.t, err)
}

func (f *fixture) book(providerID, clientID uuid.UUID, at time.Time) *Appointment {
	f.t.Helper()
	appt, err := f.svc.CreateAppointment(f.ctx, providerID, clientID, at, SessionPaid)
	require.NoError(f.t, err)
	return appt
}

func (f *fixture) stored(id uuid.UUID) Appointment {
	f.t.Helper()
	for _, a := range f.store.Appointments() {
		if a.ID == id {
			return a
		}
	}
	f.t.Fatalf("appointment %s not stored", id)
	return Appointment{}
}

func window(wd Weekday, startHour, endHour int) TemplateInput {
	return TemplateInput{Weekday: wd, StartTime: Clock(startHour, 0), EndTime: Clock(endHour, 0)}
}

func at(day, hour, minute int) time.Time {
	return time.Date(2025, 6, day, hour, minute, 0, 0, time.UTC)
}

func tod(hour, minute int) *TimeOfDay {
	t := Clock(hour, minute)
	return &t
}

func requireKind(t *testing.T, err error, kind ErrorKind, code string) *Error {
	t.Helper()
	require.Error(t, err)
	var se *Error
	require.ErrorAs(t, err, &se)
	require.Equal(t, kind, se.Kind, "error: %v", err)
	if code != "" {
		require.True(t, se.HasCode(code), "expected code %s in %v", code, se.Violations)
	}
	return se
}
