package appointment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	redisclient "github.com/hackgods/consultation-scheduling/internal/redis"
)

const tracerName = "github.com/hackgods/consultation-scheduling/internal/appointment"

// Service is the only component that mutates appointments. Every transition
// runs in one store transaction that re-validates before writing; events are
// published once the transaction has committed.
type Service struct {
	store     Store
	providers ProviderDirectory
	clients   ClientDirectory
	policy    Policy

	calendar  *Calendar
	validator *Validator

	bus     *Bus
	audit   AdminActionLog
	locker  redisclient.Locker
	cache   redisclient.SlotCache
	metrics Recorder
	tracer  trace.Tracer
	log     zerolog.Logger
	now     func() time.Time
}

type Option func(*Service)

func WithLogger(l zerolog.Logger) Option { return func(s *Service) { s.log = l } }

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func WithBus(b *Bus) Option { return func(s *Service) { s.bus = b } }

func WithAdminActionLog(l AdminActionLog) Option { return func(s *Service) { s.audit = l } }

// WithLocker adds a cross-process lock around bookings for the same provider.
func WithLocker(l redisclient.Locker) Option { return func(s *Service) { s.locker = l } }

func WithSlotCache(c redisclient.SlotCache) Option { return func(s *Service) { s.cache = c } }

func WithMetrics(r Recorder) Option { return func(s *Service) { s.metrics = r } }

// WithTracerProvider overrides the global provider captured at construction.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *Service) { s.tracer = tp.Tracer(tracerName) }
}

func NewService(store Store, providers ProviderDirectory, clients ClientDirectory, policy Policy, opts ...Option) *Service {
	s := &Service{
		store:     store,
		providers: providers,
		clients:   clients,
		policy:    policy,
		audit:     nopAuditLog{},
		metrics:   nopRecorder{},
		tracer:    otel.Tracer(tracerName),
		log:       zerolog.Nop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.bus == nil {
		s.bus = NewBus(s.log)
	}
	s.calendar = NewCalendar(policy)
	s.validator = NewValidator(policy, s.calendar, NewConflictDetector(policy))
	return s
}

func (s *Service) Bus() *Bus { return s.bus }

func (s *Service) Policy() Policy { return s.policy }

func (s *Service) Validator() *Validator { return s.validator }

func (s *Service) Calendar() *Calendar { return s.calendar }

// CreateAppointment books a PENDING appointment after the full validation chain.
func (s *Service) CreateAppointment(ctx context.Context, providerID, clientID uuid.UUID, scheduledAt time.Time, kind SessionType) (appt *Appointment, err error) {
	const op = "create appointment"
	ctx, span := s.startSpan(ctx, op, attribute.String("provider_id", providerID.String()), attribute.String("client_id", clientID.String()))
	defer func(start time.Time) { s.finish(ctx, span, op, start, err) }(time.Now())

	if !kind.Valid() {
		return nil, newError(op, KindValidation, CodeInvalidInput, fmt.Sprintf("unknown appointment kind %q", kind))
	}
	if err := s.requireProvider(ctx, op, providerID); err != nil {
		return nil, err
	}
	if err := s.requireClient(ctx, op, clientID); err != nil {
		return nil, err
	}

	now := s.now()
	scheduledAt = scheduledAt.UTC()

	book := func(ctx context.Context) error {
		return s.store.WithTx(ctx, func(ctx context.Context, repo Repository) error {
			if err := repo.LockKeys(ctx, providerLockKey(providerID), clientLockKey(clientID)); err != nil {
				return fmt.Errorf("lock schedule: %w", err)
			}
			c := Candidate{ProviderID: providerID, ClientID: clientID, Start: scheduledAt}
			if err := s.validator.ValidateNew(ctx, repo, c, now); err != nil {
				return err
			}

			a := &Appointment{
				ID:          uuid.New(),
				ProviderID:  providerID,
				ClientID:    clientID,
				ScheduledAt: scheduledAt,
				Duration:    s.policy.AppointmentDuration,
				Status:      StatusPending,
				Type:        kind,
				CreatedAt:   now,
				UpdatedAt:   now,
			}
			if err := repo.InsertAppointment(ctx, a); err != nil {
				return s.storeError(op, err)
			}
			if err := repo.BumpScheduleVersion(ctx, providerID); err != nil {
				return fmt.Errorf("bump schedule version: %w", err)
			}
			if err := s.recordEvent(ctx, repo, a, EventAppointmentCreated, map[string]any{
				"provider_id":  providerID.String(),
				"client_id":    clientID.String(),
				"scheduled_at": scheduledAt,
				"kind":         kind,
			}); err != nil {
				return err
			}
			appt = a
			return nil
		})
	}

	if s.locker != nil {
		err = s.locker.WithLock(ctx, providerLockKey(providerID), book)
		switch {
		case errors.Is(err, redisclient.ErrLockNotAcquired):
			return nil, newError(op, KindConflict, CodeProviderBusy, "provider schedule is being updated, please retry")
		case errors.Is(err, redisclient.ErrLockUnavailable):
			// Advisory locks and the active-slot index still hold.
			s.log.Warn().Ctx(ctx).Err(err).Str("provider_id", providerID.String()).Msg("redis lock unavailable, booking under database locks")
			err = book(ctx)
		}
	} else {
		err = book(ctx)
	}
	if err != nil {
		return nil, withOp(op, err)
	}

	s.bus.Publish(ctx, eventFor(EventAppointmentCreated, appt, ClientActor(clientID), now))
	return appt, nil
}

// ConfirmAppointment moves PENDING to CONFIRMED. Only the assigned provider or
// an admin may confirm.
func (s *Service) ConfirmAppointment(ctx context.Context, id uuid.UUID, actor Actor) (appt *Appointment, err error) {
	const op = "confirm appointment"
	ctx, span := s.startSpan(ctx, op, attribute.String("appointment_id", id.String()))
	defer func(start time.Time) { s.finish(ctx, span, op, start, err) }(time.Now())

	now := s.now()
	appt, err = s.transition(ctx, op, id, func(ctx context.Context, repo Repository, a *Appointment) error {
		if !actor.IsAdmin() && !isAssignedProvider(actor, a) {
			return newError(op, KindPermission, CodeNotPermitted, "only the assigned provider or an admin can confirm")
		}
		if a.Status != StatusPending {
			return invalidTransition(op, a.Status, StatusConfirmed)
		}
		a.Status = StatusConfirmed
		a.ConfirmedAt = &now
		a.UpdatedAt = now
		if err := repo.UpdateAppointment(ctx, a); err != nil {
			return s.storeError(op, err)
		}
		return s.recordEvent(ctx, repo, a, EventAppointmentConfirmed, map[string]any{"actor": actor.String()})
	})
	if err != nil {
		return nil, err
	}

	s.bus.Publish(ctx, eventFor(EventAppointmentConfirmed, appt, actor, now))
	return appt, nil
}

// CompleteAppointment moves CONFIRMED to COMPLETED. Completion before the
// scheduled time is accepted.
func (s *Service) CompleteAppointment(ctx context.Context, id uuid.UUID, actor Actor, notes string) (appt *Appointment, err error) {
	const op = "complete appointment"
	ctx, span := s.startSpan(ctx, op, attribute.String("appointment_id", id.String()))
	defer func(start time.Time) { s.finish(ctx, span, op, start, err) }(time.Now())

	now := s.now()
	appt, err = s.transition(ctx, op, id, func(ctx context.Context, repo Repository, a *Appointment) error {
		if !isAssignedProvider(actor, a) {
			return newError(op, KindPermission, CodeNotPermitted, "only the assigned provider can complete an appointment")
		}
		if a.Status != StatusConfirmed {
			return invalidTransition(op, a.Status, StatusCompleted)
		}
		if now.Before(a.ScheduledAt) {
			s.log.Warn().
				Str("appointment_id", a.ID.String()).
				Time("scheduled_at", a.ScheduledAt).
				Msg("appointment completed before its scheduled time")
		}
		a.Status = StatusCompleted
		a.CompletedAt = &now
		a.UpdatedAt = now
		if notes != "" {
			if a.Notes != "" {
				a.Notes += "\n\n"
			}
			a.Notes += "Completion note: " + notes
		}
		if err := repo.UpdateAppointment(ctx, a); err != nil {
			return s.storeError(op, err)
		}
		if err := repo.BumpScheduleVersion(ctx, a.ProviderID); err != nil {
			return fmt.Errorf("bump schedule version: %w", err)
		}
		return s.recordEvent(ctx, repo, a, EventAppointmentCompleted, map[string]any{"actor": actor.String()})
	})
	if err != nil {
		return nil, err
	}

	s.bus.Publish(ctx, eventFor(EventAppointmentCompleted, appt, actor, now))
	return appt, nil
}

// CancelAppointment cancels a PENDING or CONFIRMED appointment on behalf of
// its client, its provider or an admin.
func (s *Service) CancelAppointment(ctx context.Context, id uuid.UUID, actor Actor, reason string) (appt *Appointment, err error) {
	const op = "cancel appointment"
	ctx, span := s.startSpan(ctx, op,
		attribute.String("appointment_id", id.String()),
		attribute.String("actor_role", string(actor.Role)))
	defer func(start time.Time) { s.finish(ctx, span, op, start, err) }(time.Now())

	now := s.now()
	appt, err = s.transition(ctx, op, id, func(ctx context.Context, repo Repository, a *Appointment) error {
		if !actor.IsAdmin() && !isAssignedProvider(actor, a) && !isClient(actor, a) {
			return newError(op, KindPermission, CodeNotPermitted, "only the client, the assigned provider or an admin can cancel")
		}
		if err := s.validator.ValidateCancellation(ctx, repo, a, actor, now); err != nil {
			return err
		}
		role := actor.Role
		a.Status = StatusCancelled
		a.CancelledByRole = &role
		a.CancelledAt = &now
		a.CancellationReason = reason
		a.UpdatedAt = now
		if err := repo.UpdateAppointment(ctx, a); err != nil {
			return s.storeError(op, err)
		}
		if err := repo.BumpScheduleVersion(ctx, a.ProviderID); err != nil {
			return fmt.Errorf("bump schedule version: %w", err)
		}
		return s.recordEvent(ctx, repo, a, EventAppointmentCancelled, map[string]any{
			"actor":  actor.String(),
			"reason": reason,
		})
	})
	if err != nil {
		return nil, err
	}

	ev := eventFor(EventAppointmentCancelled, appt, actor, now)
	ev.Reason = reason
	s.bus.Publish(ctx, ev)
	return appt, nil
}

// ModifyAppointment moves an active appointment to newStart in place.
func (s *Service) ModifyAppointment(ctx context.Context, id uuid.UUID, actor Actor, newStart time.Time) (appt *Appointment, err error) {
	const op = "modify appointment"
	ctx, span := s.startSpan(ctx, op, attribute.String("appointment_id", id.String()))
	defer func(start time.Time) { s.finish(ctx, span, op, start, err) }(time.Now())

	now := s.now()
	newStart = newStart.UTC()
	var previous time.Time
	appt, err = s.transition(ctx, op, id, func(ctx context.Context, repo Repository, a *Appointment) error {
		if !actor.IsAdmin() && !isAssignedProvider(actor, a) {
			return newError(op, KindPermission, CodeNotPermitted, "only the assigned provider or an admin can reschedule")
		}
		if err := repo.LockKeys(ctx, providerLockKey(a.ProviderID), clientLockKey(a.ClientID)); err != nil {
			return fmt.Errorf("lock schedule: %w", err)
		}
		if err := s.validator.ValidateModification(ctx, repo, a, newStart, now); err != nil {
			return err
		}
		previous = a.ScheduledAt
		a.ScheduledAt = newStart
		a.UpdatedAt = now
		if err := repo.UpdateAppointment(ctx, a); err != nil {
			return s.storeError(op, err)
		}
		if err := repo.BumpScheduleVersion(ctx, a.ProviderID); err != nil {
			return fmt.Errorf("bump schedule version: %w", err)
		}
		return s.recordEvent(ctx, repo, a, EventAppointmentRescheduled, map[string]any{
			"actor":          actor.String(),
			"previous_start": previous,
			"new_start":      newStart,
		})
	})
	if err != nil {
		return nil, err
	}

	ev := eventFor(EventAppointmentRescheduled, appt, actor, now)
	ev.PreviousStart = &previous
	s.bus.Publish(ctx, ev)
	return appt, nil
}

// ReassignAppointment moves an appointment to another provider at the same
// time and closes any open intervention request for it.
func (s *Service) ReassignAppointment(ctx context.Context, id uuid.UUID, admin Actor, newProviderID uuid.UUID, reason string) (appt *Appointment, err error) {
	const op = "reassign appointment"
	ctx, span := s.startSpan(ctx, op,
		attribute.String("appointment_id", id.String()),
		attribute.String("new_provider_id", newProviderID.String()))
	defer func(start time.Time) { s.finish(ctx, span, op, start, err) }(time.Now())

	if !admin.IsAdmin() {
		return nil, newError(op, KindPermission, CodeNotPermitted, "only an admin can reassign appointments")
	}
	if err := s.requireProvider(ctx, op, newProviderID); err != nil {
		return nil, err
	}

	now := s.now()
	var res reassignment
	appt, err = s.transition(ctx, op, id, func(ctx context.Context, repo Repository, a *Appointment) error {
		var err error
		res, err = s.reassign(ctx, repo, op, a, admin, newProviderID, reason, now)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.afterReassign(ctx, appt, admin, res, reason, now)
	return appt, nil
}

// ResolveIntervention closes an OPEN intervention request. When reassignTo is
// set the referenced appointment is reassigned in the same transaction.
func (s *Service) ResolveIntervention(ctx context.Context, requestID uuid.UUID, admin Actor, note string, reassignTo *uuid.UUID) (iv *Intervention, err error) {
	const op = "resolve intervention"
	ctx, span := s.startSpan(ctx, op, attribute.String("intervention_id", requestID.String()))
	defer func(start time.Time) { s.finish(ctx, span, op, start, err) }(time.Now())

	if !admin.IsAdmin() {
		return nil, newError(op, KindPermission, CodeNotPermitted, "only an admin can resolve intervention requests")
	}
	if reassignTo != nil {
		if err := s.requireProvider(ctx, op, *reassignTo); err != nil {
			return nil, err
		}
	}

	now := s.now()
	var (
		appt *Appointment
		res  reassignment
	)
	err = s.store.WithTx(ctx, func(ctx context.Context, repo Repository) error {
		peek, err := repo.GetIntervention(ctx, requestID)
		if errors.Is(err, ErrInterventionNotFound) {
			return notFound(op, err)
		}
		if err != nil {
			return fmt.Errorf("load intervention: %w", err)
		}

		a, err := repo.GetAppointmentForUpdate(ctx, peek.AppointmentID)
		if err != nil {
			return fmt.Errorf("load appointment: %w", err)
		}
		current, err := repo.GetInterventionForUpdate(ctx, requestID)
		if err != nil {
			return fmt.Errorf("lock intervention: %w", err)
		}
		if current.Status != InterventionOpen {
			return newError(op, KindState, CodeInvalidTransition, "intervention request is already resolved")
		}

		if reassignTo != nil {
			if a.Status.Terminal() {
				return terminalError(op, a.Status)
			}
			res, err = s.reassign(ctx, repo, op, a, admin, *reassignTo, note, now)
			if err != nil {
				return err
			}
			appt = a
			iv = res.closed
			if iv == nil {
				return fmt.Errorf("intervention %s was not closed by reassignment", requestID)
			}
			return nil
		}

		closeIntervention(current, admin, note, ResolutionClosed, now)
		if err := repo.UpdateIntervention(ctx, current); err != nil {
			return fmt.Errorf("update intervention: %w", err)
		}
		a.NeedsAdminReview = false
		a.UpdatedAt = now
		if err := repo.UpdateAppointment(ctx, a); err != nil {
			return s.storeError(op, err)
		}
		if err := s.recordEvent(ctx, repo, a, EventInterventionResolved, map[string]any{
			"intervention_id": current.ID.String(),
			"admin":           admin.String(),
			"note":            note,
		}); err != nil {
			return err
		}
		appt = a
		iv = current
		return nil
	})
	if err != nil {
		return nil, withOp(op, err)
	}

	if reassignTo != nil {
		s.afterReassign(ctx, appt, admin, res, note, now)
		return iv, nil
	}

	ev := eventFor(EventInterventionResolved, appt, admin, now)
	ev.Reason = note
	ev.InterventionID = &iv.ID
	s.bus.Publish(ctx, ev)
	s.recordAdminAction(ctx, AdminAction{
		ID:             uuid.New(),
		AdminID:        admin.ID,
		Action:         ActionResolveIntervention,
		AppointmentID:  &appt.ID,
		InterventionID: &iv.ID,
		Details:        map[string]string{"note": note, "action": string(ResolutionClosed)},
		CreatedAt:      now,
	})
	return iv, nil
}

type reassignment struct {
	previousProvider uuid.UUID
	closed           *Intervention
}

func (s *Service) reassign(ctx context.Context, repo Repository, op string, a *Appointment, admin Actor, newProviderID uuid.UUID, note string, now time.Time) (reassignment, error) {
	res := reassignment{previousProvider: a.ProviderID}
	if newProviderID == a.ProviderID {
		return res, newError(op, KindValidation, CodeInvalidInput, "appointment is already assigned to this provider")
	}
	if err := repo.LockKeys(ctx, providerLockKey(newProviderID), clientLockKey(a.ClientID)); err != nil {
		return res, fmt.Errorf("lock schedule: %w", err)
	}
	if err := s.validator.ValidateReassignment(ctx, repo, a, newProviderID, now); err != nil {
		return res, err
	}

	a.ProviderID = newProviderID
	a.NeedsAdminReview = false
	a.UpdatedAt = now
	if err := repo.UpdateAppointment(ctx, a); err != nil {
		return res, s.storeError(op, err)
	}
	for _, p := range []uuid.UUID{res.previousProvider, newProviderID} {
		if err := repo.BumpScheduleVersion(ctx, p); err != nil {
			return res, fmt.Errorf("bump schedule version: %w", err)
		}
	}

	open, err := repo.FindOpenIntervention(ctx, a.ID)
	switch {
	case errors.Is(err, ErrInterventionNotFound):
	case err != nil:
		return res, fmt.Errorf("find open intervention: %w", err)
	default:
		if note == "" {
			note = "appointment reassigned"
		}
		closeIntervention(open, admin, note, ResolutionReassigned, now)
		if err := repo.UpdateIntervention(ctx, open); err != nil {
			return res, fmt.Errorf("update intervention: %w", err)
		}
		res.closed = open
	}

	payload := map[string]any{
		"admin":             admin.String(),
		"previous_provider": res.previousProvider.String(),
		"new_provider":      newProviderID.String(),
	}
	if res.closed != nil {
		payload["intervention_id"] = res.closed.ID.String()
	}
	return res, s.recordEvent(ctx, repo, a, EventAppointmentReassigned, payload)
}

func (s *Service) afterReassign(ctx context.Context, appt *Appointment, admin Actor, res reassignment, reason string, now time.Time) {
	ev := eventFor(EventAppointmentReassigned, appt, admin, now)
	ev.Reason = reason
	ev.PreviousProviderID = &res.previousProvider
	events := []Event{ev}

	action := AdminAction{
		ID:            uuid.New(),
		AdminID:       admin.ID,
		Action:        ActionReassignAppointment,
		AppointmentID: &appt.ID,
		Details: map[string]string{
			"previous_provider": res.previousProvider.String(),
			"new_provider":      appt.ProviderID.String(),
			"reason":            reason,
		},
		CreatedAt: now,
	}
	if res.closed != nil {
		resolved := eventFor(EventInterventionResolved, appt, admin, now)
		resolved.Reason = res.closed.ResolutionNote
		resolved.InterventionID = &res.closed.ID
		events = append(events, resolved)
		action.InterventionID = &res.closed.ID
	}

	s.bus.Publish(ctx, events...)
	s.recordAdminAction(ctx, action)
}

func closeIntervention(iv *Intervention, admin Actor, note string, action ResolutionAction, now time.Time) {
	adminID := admin.ID
	iv.Status = InterventionResolved
	iv.ResolvedAt = &now
	iv.ResolvedBy = &adminID
	iv.ResolutionNote = note
	iv.Action = action
}

// transition loads the appointment under a row lock, rejects terminal
// states and applies fn in the same transaction.
func (s *Service) transition(ctx context.Context, op string, id uuid.UUID, fn func(ctx context.Context, repo Repository, a *Appointment) error) (*Appointment, error) {
	var out *Appointment
	err := s.store.WithTx(ctx, func(ctx context.Context, repo Repository) error {
		a, err := repo.GetAppointmentForUpdate(ctx, id)
		if errors.Is(err, ErrAppointmentNotFound) {
			return notFound(op, err)
		}
		if err != nil {
			return fmt.Errorf("load appointment: %w", err)
		}
		if a.Status.Terminal() {
			return terminalError(op, a.Status)
		}
		if err := fn(ctx, repo, a); err != nil {
			return err
		}
		out = a
		return nil
	})
	if err != nil {
		return nil, withOp(op, err)
	}
	return out, nil
}

func terminalError(op string, status Status) *Error {
	return newError(op, KindState, CodeInvalidTransition, fmt.Sprintf("appointment is %s and can no longer change", status))
}

func invalidTransition(op string, from, to Status) *Error {
	return newError(op, KindState, CodeInvalidTransition, fmt.Sprintf("cannot move appointment from %s to %s", from, to))
}

func isAssignedProvider(actor Actor, a *Appointment) bool {
	return actor.Role == RoleProvider && actor.ID == a.ProviderID
}

func isClient(actor Actor, a *Appointment) bool {
	return actor.Role == RoleClient && actor.ID == a.ClientID
}

func (s *Service) requireProvider(ctx context.Context, op string, id uuid.UUID) error {
	ok, err := s.providers.IsApprovedAndActive(ctx, id)
	if err != nil {
		return fmt.Errorf("%s: check provider: %w", op, err)
	}
	if !ok {
		return notFound(op, ErrProviderNotFound)
	}
	return nil
}

func (s *Service) requireClient(ctx context.Context, op string, id uuid.UUID) error {
	ok, err := s.clients.Exists(ctx, id)
	if err != nil {
		return fmt.Errorf("%s: check client: %w", op, err)
	}
	if !ok {
		return notFound(op, ErrClientNotFound)
	}
	return nil
}

// storeError maps storage constraint failures onto scheduling errors.
func (s *Service) storeError(op string, err error) error {
	switch {
	case errors.Is(err, ErrDuplicateSlot):
		return &Error{
			Kind:       KindConflict,
			Op:         op,
			Violations: []Violation{{Kind: KindConflict, Code: CodeProviderConflict, Message: err.Error()}},
			Err:        err,
		}
	case errors.Is(err, ErrAppointmentNotFound):
		return notFound(op, err)
	}
	return err
}

func (s *Service) recordEvent(ctx context.Context, repo Repository, a *Appointment, t EventType, payload map[string]any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		s.log.Error().Err(err).Str("event_type", string(t)).Msg("failed to marshal event payload")
		data = nil
	}

	apptID := a.ID
	ev := EventLog{
		EventType:     string(t),
		AppointmentID: &apptID,
		Payload:       data,
		CreatedAt:     s.now(),
	}
	if err := repo.InsertEvent(ctx, ev); err != nil {
		return fmt.Errorf("insert event log %s: %w", t, err)
	}
	return nil
}

func (s *Service) recordAdminAction(ctx context.Context, action AdminAction) {
	if err := s.audit.Record(ctx, action); err != nil {
		s.log.Error().Err(err).
			Str("action", action.Action).
			Str("admin_id", action.AdminID.String()).
			Msg("failed to record admin action")
	}
}

func (s *Service) startSpan(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "appointment."+op, trace.WithAttributes(attrs...))
}

func (s *Service) finish(ctx context.Context, span trace.Span, op string, start time.Time, err error) {
	defer span.End()

	outcome := "ok"
	if err != nil {
		outcome = "error"
		if kind := KindOf(err); kind != "" {
			outcome = string(kind)
		}
		var se *Error
		if errors.As(err, &se) {
			s.metrics.ObserveViolations(op, se.Violations)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	}
	s.metrics.ObserveOperation(op, outcome, time.Since(start))

	evt := s.log.Debug()
	if outcome == "error" {
		evt = s.log.Error()
	}
	evt.Ctx(ctx).Str("op", op).Str("outcome", outcome).Dur("elapsed", time.Since(start)).Err(err).Msg("scheduling operation")
}
