package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// EscalationPolicy watches provider-initiated cancellations and opens an
// intervention request once a provider cancels too often within the window.
// Counts come from stored history only.
type EscalationPolicy struct {
	store   Store
	bus     *Bus
	policy  Policy
	metrics Recorder
	tracer  trace.Tracer
	log     zerolog.Logger
}

func NewEscalationPolicy(store Store, bus *Bus, policy Policy, metrics Recorder, log zerolog.Logger) *EscalationPolicy {
	if metrics == nil {
		metrics = nopRecorder{}
	}
	return &EscalationPolicy{
		store:   store,
		bus:     bus,
		policy:  policy,
		metrics: metrics,
		tracer:  otel.Tracer(tracerName),
		log:     log.With().Str("component", "escalation").Logger(),
	}
}

func (e *EscalationPolicy) Handle(ctx context.Context, ev Event) error {
	if ev.Type != EventAppointmentCancelled || ev.Actor.Role != RoleProvider {
		return nil
	}
	_, err := e.Evaluate(ctx, ev.AppointmentID, ev.ProviderID, ev.OccurredAt, ev.Reason)
	return err
}

// Evaluate counts the provider's cancellations in the window ending at
// cancelledAt and opens a request for the appointment once the threshold is
// met. It returns the new request, or nil when none was opened.
func (e *EscalationPolicy) Evaluate(ctx context.Context, appointmentID, providerID uuid.UUID, cancelledAt time.Time, reason string) (*Intervention, error) {
	ctx, span := e.tracer.Start(ctx, "appointment.escalation")
	defer span.End()
	span.SetAttributes(
		attribute.String("provider_id", providerID.String()),
		attribute.String("appointment_id", appointmentID.String()),
	)

	var (
		opened *Intervention
		appt   *Appointment
	)
	err := e.store.WithTx(ctx, func(ctx context.Context, repo Repository) error {
		a, err := repo.GetAppointmentForUpdate(ctx, appointmentID)
		if err != nil {
			return fmt.Errorf("load appointment: %w", err)
		}
		if err := repo.LockKeys(ctx, providerLockKey(providerID)); err != nil {
			return fmt.Errorf("lock provider: %w", err)
		}

		count, err := repo.CountCancellations(ctx, RoleProvider, providerID, cancelledAt.Add(-e.policy.EscalationWindow), cancelledAt)
		if err != nil {
			return fmt.Errorf("count provider cancellations: %w", err)
		}
		span.SetAttributes(attribute.Int("cancellations", count))
		if count < e.policy.EscalationThreshold {
			return nil
		}

		_, err = repo.FindOpenIntervention(ctx, appointmentID)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrInterventionNotFound) {
			return fmt.Errorf("find open intervention: %w", err)
		}

		iv := &Intervention{
			ID:                uuid.New(),
			AppointmentID:     appointmentID,
			ProviderID:        providerID,
			OpenedAt:          cancelledAt,
			Status:            InterventionOpen,
			CancellationCount: count,
			Note:              escalationNote(count, e.policy.EscalationWindow, reason),
		}
		if err := repo.InsertIntervention(ctx, iv); err != nil {
			if errors.Is(err, ErrDuplicateIntervention) {
				return nil
			}
			return fmt.Errorf("insert intervention: %w", err)
		}

		a.NeedsAdminReview = true
		a.UpdatedAt = cancelledAt
		if err := repo.UpdateAppointment(ctx, a); err != nil {
			return fmt.Errorf("flag appointment for review: %w", err)
		}

		id := a.ID
		if err := repo.InsertEvent(ctx, EventLog{
			EventType:     string(EventInterventionOpened),
			AppointmentID: &id,
			Payload:       []byte(fmt.Sprintf(`{"intervention_id":%q,"count":%d}`, iv.ID, count)),
			CreatedAt:     cancelledAt,
		}); err != nil {
			return fmt.Errorf("insert event log: %w", err)
		}

		opened = iv
		appt = a
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if opened == nil {
		return nil, nil
	}

	e.metrics.InterventionOpened()
	e.log.Warn().
		Str("provider_id", providerID.String()).
		Str("appointment_id", appointmentID.String()).
		Int("cancellations", opened.CancellationCount).
		Msg("intervention request opened")

	ev := eventFor(EventInterventionOpened, appt, Actor{Role: RoleProvider, ID: providerID}, cancelledAt)
	ev.Reason = opened.Note
	ev.InterventionID = &opened.ID
	e.bus.Publish(ctx, ev)
	return opened, nil
}

func escalationNote(count int, window time.Duration, reason string) string {
	if reason == "" {
		reason = "not given"
	}
	return fmt.Sprintf("provider cancelled %d appointments in the last %s. Reason: %s", count, humanDuration(window), reason)
}
