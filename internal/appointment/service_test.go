package appointment

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/hackgods/consultation-scheduling/internal/logging"
)

// Monday 09:00-12:00 template: 10:00 next Monday books, 10:30 collides with
// the booking plus its buffer.
func TestCreateAppointment_OverlapPlusBuffer(t *testing.T) {
	f := newFixture(t)
	f.templates(f.provider, window(Monday, 9, 12))

	appt, err := f.svc.CreateAppointment(f.ctx, f.provider, f.client, at(9, 10, 0), SessionIntro)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, appt.Status)
	assert.Equal(t, SessionIntro, appt.Type)
	assert.Equal(t, time.Hour, appt.Duration)
	assert.Equal(t, mondayMorning, appt.CreatedAt)

	_, err = f.svc.CreateAppointment(f.ctx, f.provider, f.addClient(), at(9, 10, 30), SessionPaid)
	se := requireKind(t, err, KindConflict, CodeProviderConflict)
	assert.ErrorIs(t, err, KindConflict)
	assert.Equal(t, "create appointment", se.Op)

	assert.Equal(t, []EventType{EventAppointmentCreated}, f.events.Types())
	assert.Len(t, f.store.Appointments(), 1)
}

func TestCreateAppointment_ClientConflict(t *testing.T) {
	f := newFixture(t)
	f.templates(f.provider, window(Monday, 9, 12))
	other := f.addProvider(window(Monday, 9, 12))
	f.book(f.provider, f.client, at(9, 10, 0))

	_, err := f.svc.CreateAppointment(f.ctx, other, f.client, at(9, 10, 30), SessionPaid)

	se := requireKind(t, err, KindConflict, CodeClientConflict)
	assert.False(t, se.HasCode(CodeProviderConflict))
}

func TestCreateAppointment_UnknownParties(t *testing.T) {
	f := newFixture(t)
	f.templates(f.provider, window(Monday, 9, 12))
	pending := uuid.New()
	f.store.AddProvider(pending, false)

	_, err := f.svc.CreateAppointment(f.ctx, uuid.New(), f.client, at(9, 10, 0), SessionPaid)
	requireKind(t, err, KindNotFound, CodeNotFound)
	assert.ErrorIs(t, err, ErrProviderNotFound)

	_, err = f.svc.CreateAppointment(f.ctx, pending, f.client, at(9, 10, 0), SessionPaid)
	requireKind(t, err, KindNotFound, CodeNotFound)

	_, err = f.svc.CreateAppointment(f.ctx, f.provider, uuid.New(), at(9, 10, 0), SessionPaid)
	requireKind(t, err, KindNotFound, CodeNotFound)
	assert.ErrorIs(t, err, ErrClientNotFound)

	_, err = f.svc.CreateAppointment(f.ctx, f.provider, f.client, at(9, 10, 0), SessionType("GROUP"))
	requireKind(t, err, KindValidation, CodeInvalidInput)
}

func TestCreateAppointment_RecordsEventLog(t *testing.T) {
	f := newFixture(t)
	f.templates(f.provider, window(Monday, 9, 12))
	appt := f.book(f.provider, f.client, at(9, 10, 0))

	logs := f.store.Events()
	require.Len(t, logs, 1)
	assert.Equal(t, string(EventAppointmentCreated), logs[0].EventType)
	require.NotNil(t, logs[0].AppointmentID)
	assert.Equal(t, appt.ID, *logs[0].AppointmentID)
	assert.Contains(t, string(logs[0].Payload), f.provider.String())
}

func TestCreateAppointment_ConcurrentSameSlot(t *testing.T) {
	f := newFixture(t)
	f.templates(f.provider, window(Monday, 9, 12))

	const n = 20
	clients := make([]uuid.UUID, n)
	for i := range clients {
		clients[i] = f.addClient()
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		conflicts int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(client uuid.UUID) {
			defer wg.Done()
			_, err := f.svc.CreateAppointment(f.ctx, f.provider, client, at(9, 10, 0), SessionPaid)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case KindOf(err) == KindConflict:
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(clients[i])
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, n-1, conflicts)
	assert.Len(t, f.store.Appointments(), 1)
}

func TestConfirmAppointment(t *testing.T) {
	f := newFixture(t)
	f.templates(f.provider, window(Monday, 9, 12))
	appt := f.book(f.provider, f.client, at(9, 10, 0))

	_, err := f.svc.ConfirmAppointment(f.ctx, appt.ID, ClientActor(f.client))
	requireKind(t, err, KindPermission, CodeNotPermitted)

	_, err = f.svc.ConfirmAppointment(f.ctx, appt.ID, ProviderActor(uuid.New()))
	requireKind(t, err, KindPermission, CodeNotPermitted)

	confirmed, err := f.svc.ConfirmAppointment(f.ctx, appt.ID, ProviderActor(f.provider))
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, confirmed.Status)
	require.NotNil(t, confirmed.ConfirmedAt)
	assert.Equal(t, mondayMorning, *confirmed.ConfirmedAt)

	_, err = f.svc.ConfirmAppointment(f.ctx, appt.ID, f.admin)
	requireKind(t, err, KindState, CodeInvalidTransition)

	_, err = f.svc.ConfirmAppointment(f.ctx, uuid.New(), f.admin)
	requireKind(t, err, KindNotFound, CodeNotFound)

	assert.Equal(t, []EventType{EventAppointmentCreated, EventAppointmentConfirmed}, f.events.Types())
}

func TestCompleteAppointment(t *testing.T) {
	f := newFixture(t)
	f.templates(f.provider, window(Monday, 9, 12))
	appt := f.book(f.provider, f.client, at(9, 10, 0))

	_, err := f.svc.CompleteAppointment(f.ctx, appt.ID, ProviderActor(f.provider), "")
	requireKind(t, err, KindState, CodeInvalidTransition)

	_, err = f.svc.ConfirmAppointment(f.ctx, appt.ID, f.admin)
	require.NoError(t, err)

	_, err = f.svc.CompleteAppointment(f.ctx, appt.ID, f.admin, "")
	requireKind(t, err, KindPermission, CodeNotPermitted)

	f.clock.Set(at(9, 11, 5))
	done, err := f.svc.CompleteAppointment(f.ctx, appt.ID, ProviderActor(f.provider), "follow up in two weeks")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)
	assert.Equal(t, "Completion note: follow up in two weeks", done.Notes)
	require.NotNil(t, done.CompletedAt)
	assert.Equal(t, at(9, 11, 5), *done.CompletedAt)
}

func TestCompleteAppointment_BeforeScheduledTimeIsAccepted(t *testing.T) {
	f := newFixture(t)
	f.templates(f.provider, window(Monday, 9, 12))
	appt := f.book(f.provider, f.client, at(9, 10, 0))
	_, err := f.svc.ConfirmAppointment(f.ctx, appt.ID, ProviderActor(f.provider))
	require.NoError(t, err)

	done, err := f.svc.CompleteAppointment(f.ctx, appt.ID, ProviderActor(f.provider), "")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)
	assert.Empty(t, done.Notes)
}

func TestCancelAppointment(t *testing.T) {
	f := newFixture(t)
	f.templates(f.provider, window(Monday, 9, 12))
	appt := f.book(f.provider, f.client, at(9, 10, 0))

	_, err := f.svc.CancelAppointment(f.ctx, appt.ID, ClientActor(uuid.New()), "")
	requireKind(t, err, KindPermission, CodeNotPermitted)

	cancelled, err := f.svc.CancelAppointment(f.ctx, appt.ID, ClientActor(f.client), "travel")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)
	require.NotNil(t, cancelled.CancelledByRole)
	assert.Equal(t, RoleClient, *cancelled.CancelledByRole)
	require.NotNil(t, cancelled.CancelledAt)
	assert.Equal(t, mondayMorning, *cancelled.CancelledAt)
	assert.Equal(t, "travel", cancelled.CancellationReason)

	last := f.events.events[len(f.events.events)-1]
	assert.Equal(t, EventAppointmentCancelled, last.Type)
	assert.Equal(t, "travel", last.Reason)
	assert.Equal(t, RoleClient, last.Actor.Role)

	// The freed slot can be booked again.
	f.book(f.provider, f.addClient(), at(9, 10, 0))
}

func TestCancelAppointment_Notice(t *testing.T) {
	f := newFixture(t)
	f.templates(f.provider, window(Monday, 9, 12))
	appt := f.book(f.provider, f.client, at(9, 10, 0))

	f.clock.Set(at(9, 8, 30))
	_, err := f.svc.CancelAppointment(f.ctx, appt.ID, ClientActor(f.client), "")
	requireKind(t, err, KindValidation, CodeCancelNotice)

	_, err = f.svc.CancelAppointment(f.ctx, appt.ID, ProviderActor(f.provider), "")
	requireKind(t, err, KindValidation, CodeCancelNotice)

	cancelled, err := f.svc.CancelAppointment(f.ctx, appt.ID, f.admin, "provider sick")
	require.NoError(t, err)
	assert.Equal(t, RoleAdmin, *cancelled.CancelledByRole)
}

func TestCancelAppointment_FrequencyLimit(t *testing.T) {
	f := newFixture(t)
	f.templates(f.provider, window(Monday, 9, 18), window(Tuesday, 9, 18))

	var appts []*Appointment
	for _, d := range []int{9, 10} {
		for _, h := range []int{9, 11, 13} {
			appts = append(appts, f.book(f.provider, f.client, at(d, h, 0)))
		}
	}

	for _, a := range appts[:5] {
		_, err := f.svc.CancelAppointment(f.ctx, a.ID, ClientActor(f.client), "")
		require.NoError(t, err)
	}

	_, err := f.svc.CancelAppointment(f.ctx, appts[5].ID, ClientActor(f.client), "")
	requireKind(t, err, KindOutOfPolicy, CodeCancellationLimit)

	// Once the cancellations age out of the window the guard lifts.
	f.clock.Advance(30*24*time.Hour + time.Minute)
	later := f.book(f.provider, f.client, time.Date(2025, 7, 7, 9, 0, 0, 0, time.UTC))
	_, err = f.svc.CancelAppointment(f.ctx, later.ID, ClientActor(f.client), "")
	require.NoError(t, err)

	// Admins are never limited.
	_, err = f.svc.CancelAppointment(f.ctx, appts[5].ID, f.admin, "")
	require.NoError(t, err)
}

// An appointment 3 hours away cannot be moved, one 5 hours away can.
func TestModifyAppointment_Notice(t *testing.T) {
	f := newFixture(t)
	f.templates(f.provider, window(Monday, 9, 18))
	soon := f.book(f.provider, f.client, at(9, 12, 0))
	later := f.book(f.provider, f.addClient(), at(9, 14, 0))

	f.clock.Set(at(9, 9, 0))

	_, err := f.svc.ModifyAppointment(f.ctx, soon.ID, ProviderActor(f.provider), at(9, 16, 30))
	requireKind(t, err, KindValidation, CodeModifyNotice)

	moved, err := f.svc.ModifyAppointment(f.ctx, later.ID, ProviderActor(f.provider), at(9, 16, 30))
	require.NoError(t, err)
	assert.Equal(t, at(9, 16, 30), moved.ScheduledAt)
	assert.Equal(t, StatusPending, moved.Status)
	assert.Equal(t, later.ID, moved.ID)

	last := f.events.events[len(f.events.events)-1]
	assert.Equal(t, EventAppointmentRescheduled, last.Type)
	require.NotNil(t, last.PreviousStart)
	assert.Equal(t, at(9, 14, 0), *last.PreviousStart)
}

func TestModifyAppointment_Rules(t *testing.T) {
	f := newFixture(t)
	f.templates(f.provider, window(Monday, 9, 18))
	first := f.book(f.provider, f.client, at(9, 10, 0))
	second := f.book(f.provider, f.addClient(), at(9, 14, 0))

	_, err := f.svc.ModifyAppointment(f.ctx, first.ID, ClientActor(f.client), at(9, 16, 0))
	requireKind(t, err, KindPermission, CodeNotPermitted)

	_, err = f.svc.ModifyAppointment(f.ctx, first.ID, ProviderActor(f.provider), at(9, 14, 30))
	requireKind(t, err, KindConflict, CodeProviderConflict)

	_, err = f.svc.ModifyAppointment(f.ctx, first.ID, f.admin, at(9, 19, 0))
	requireKind(t, err, KindValidation, CodeOutsideTemplate)

	// Moving within its own buffer only conflicts with itself, which is ignored.
	moved, err := f.svc.ModifyAppointment(f.ctx, first.ID, f.admin, at(9, 10, 30))
	require.NoError(t, err)
	assert.Equal(t, at(9, 10, 30), moved.ScheduledAt)
	assert.Equal(t, at(9, 14, 0), f.stored(second.ID).ScheduledAt)
}

func TestTerminalAppointmentsAreImmutable(t *testing.T) {
	f := newFixture(t)
	f.templates(f.provider, window(Monday, 9, 12))
	appt := f.book(f.provider, f.client, at(9, 10, 0))
	_, err := f.svc.CancelAppointment(f.ctx, appt.ID, f.admin, "")
	require.NoError(t, err)
	other := f.addProvider(window(Monday, 9, 12))

	before := f.stored(appt.ID)

	_, err = f.svc.ConfirmAppointment(f.ctx, appt.ID, f.admin)
	requireKind(t, err, KindState, CodeInvalidTransition)
	_, err = f.svc.CompleteAppointment(f.ctx, appt.ID, ProviderActor(f.provider), "")
	requireKind(t, err, KindState, CodeInvalidTransition)
	_, err = f.svc.CancelAppointment(f.ctx, appt.ID, f.admin, "")
	requireKind(t, err, KindState, CodeInvalidTransition)
	_, err = f.svc.ModifyAppointment(f.ctx, appt.ID, f.admin, at(9, 11, 0))
	requireKind(t, err, KindState, CodeInvalidTransition)
	_, err = f.svc.ReassignAppointment(f.ctx, appt.ID, f.admin, other, "")
	requireKind(t, err, KindState, CodeInvalidTransition)

	assert.Equal(t, before, f.stored(appt.ID))
}

func TestReassignAppointment(t *testing.T) {
	f := newFixture(t)
	f.templates(f.provider, window(Monday, 9, 12))
	appt := f.book(f.provider, f.client, at(9, 10, 0))
	other := f.addProvider(window(Monday, 9, 12))

	_, err := f.svc.ReassignAppointment(f.ctx, appt.ID, ProviderActor(f.provider), other, "")
	requireKind(t, err, KindPermission, CodeNotPermitted)

	_, err = f.svc.ReassignAppointment(f.ctx, appt.ID, f.admin, f.provider, "")
	requireKind(t, err, KindValidation, CodeInvalidInput)

	_, err = f.svc.ReassignAppointment(f.ctx, appt.ID, f.admin, uuid.New(), "")
	requireKind(t, err, KindNotFound, CodeNotFound)

	moved, err := f.svc.ReassignAppointment(f.ctx, appt.ID, f.admin, other, "provider unavailable")
	require.NoError(t, err)
	assert.Equal(t, other, moved.ProviderID)
	assert.Equal(t, at(9, 10, 0), moved.ScheduledAt)

	last := f.events.events[len(f.events.events)-1]
	assert.Equal(t, EventAppointmentReassigned, last.Type)
	require.NotNil(t, last.PreviousProviderID)
	assert.Equal(t, f.provider, *last.PreviousProviderID)

	require.Len(t, f.audit.actions, 1)
	assert.Equal(t, ActionReassignAppointment, f.audit.actions[0].Action)
	assert.Equal(t, f.admin.ID, f.audit.actions[0].AdminID)
	assert.Nil(t, f.audit.actions[0].InterventionID)
}

func TestReassignAppointment_FailureLeavesStateUntouched(t *testing.T) {
	f := newFixture(t)
	f.templates(f.provider, window(Monday, 9, 12))
	appt := f.book(f.provider, f.client, at(9, 10, 0))
	busy := f.addProvider(window(Monday, 9, 12))
	f.book(busy, f.addClient(), at(9, 10, 30))
	closed := f.addProvider(window(Tuesday, 9, 12))
	eventsBefore := len(f.store.Events())

	_, err := f.svc.ReassignAppointment(f.ctx, appt.ID, f.admin, busy, "")
	requireKind(t, err, KindConflict, CodeProviderConflict)

	_, err = f.svc.ReassignAppointment(f.ctx, appt.ID, f.admin, closed, "")
	requireKind(t, err, KindValidation, CodeOutsideTemplate)

	assert.Equal(t, f.provider, f.stored(appt.ID).ProviderID)
	assert.Len(t, f.store.Events(), eventsBefore)
	assert.Empty(t, f.audit.actions)
}

func TestGetAppointment_Visibility(t *testing.T) {
	f := newFixture(t)
	f.templates(f.provider, window(Monday, 9, 12))
	appt := f.book(f.provider, f.client, at(9, 10, 0))

	for _, actor := range []Actor{ClientActor(f.client), ProviderActor(f.provider), f.admin} {
		got, err := f.svc.GetAppointment(f.ctx, appt.ID, actor)
		require.NoError(t, err, actor.String())
		assert.Equal(t, appt.ID, got.ID)
	}

	_, err := f.svc.GetAppointment(f.ctx, appt.ID, ClientActor(uuid.New()))
	requireKind(t, err, KindPermission, CodeNotPermitted)

	_, err = f.svc.GetAppointment(f.ctx, uuid.New(), f.admin)
	requireKind(t, err, KindNotFound, CodeNotFound)
}

func TestListAppointments_ScopedByRole(t *testing.T) {
	f := newFixture(t)
	f.templates(f.provider, window(Monday, 9, 18))
	other := f.addClient()
	a := f.book(f.provider, f.client, at(9, 9, 0))
	b := f.book(f.provider, other, at(9, 11, 0))
	_, err := f.svc.CancelAppointment(f.ctx, b.ID, ClientActor(other), "")
	require.NoError(t, err)

	mine, err := f.svc.ListAppointments(f.ctx, ClientActor(f.client), AppointmentFilter{})
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, a.ID, mine[0].ID)

	// A client cannot widen the scope by naming another party.
	mine, err = f.svc.ListAppointments(f.ctx, ClientActor(f.client), AppointmentFilter{ClientID: &other})
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, a.ID, mine[0].ID)

	all, err := f.svc.ListAppointments(f.ctx, ProviderActor(f.provider), AppointmentFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, b.ID, all[0].ID, "newest first")

	cancelled, err := f.svc.ListAppointments(f.ctx, f.admin, AppointmentFilter{Status: StatusCancelled})
	require.NoError(t, err)
	require.Len(t, cancelled, 1)
	assert.Equal(t, b.ID, cancelled[0].ID)

	_, err = f.svc.ListAppointments(f.ctx, f.admin, AppointmentFilter{Status: Status("LOST")})
	requireKind(t, err, KindValidation, CodeInvalidInput)

	limited, err := f.svc.ListAppointments(f.ctx, f.admin, AppointmentFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, a.ID, limited[0].ID)
}

func TestService_RecordsSpans(t *testing.T) {
	spans := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))
	f := newFixture(t, WithTracerProvider(tp))
	f.templates(f.provider, window(Monday, 9, 12))

	f.book(f.provider, f.client, at(9, 10, 0))
	_, err := f.svc.CreateAppointment(f.ctx, f.provider, f.addClient(), at(9, 10, 0), SessionPaid)
	require.Error(t, err)

	var created []sdktrace.ReadOnlySpan
	for _, s := range spans.Ended() {
		if s.Name() == "appointment.create appointment" {
			created = append(created, s)
		}
	}
	require.Len(t, created, 2)
	assert.Equal(t, codes.Unset, created[0].Status().Code)
	assert.Equal(t, codes.Error, created[1].Status().Code)
	assert.Equal(t, string(KindConflict), created[1].Status().Description)
	assert.Contains(t, created[1].Attributes(), attribute.String("provider_id", f.provider.String()))
}

func TestService_LogsCarryRequestID(t *testing.T) {
	var buf bytes.Buffer
	f := newFixture(t, WithLogger(logging.NewWithWriter(&buf, "debug", "prod")))
	f.templates(f.provider, window(Monday, 9, 12))

	ctx := logging.WithRequestID(f.ctx, "req-11")
	_, err := f.svc.CreateAppointment(ctx, f.provider, f.client, at(9, 10, 0), SessionPaid)
	require.NoError(t, err)

	var found bool
	for _, line := range strings.Split(buf.String(), "\n") {
		if strings.Contains(line, `"op":"create appointment"`) {
			found = true
			assert.Contains(t, line, `"request_id":"req-11"`)
		}
	}
	assert.True(t, found, buf.String())
}
