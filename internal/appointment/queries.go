package appointment

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// GetAvailableSlots lists open slot starts between two calendar dates
// inclusive. Results are served from the slot cache when one is configured;
// cache keys carry the provider's schedule version so any committed change
// invalidates them.
func (s *Service) GetAvailableSlots(ctx context.Context, providerID uuid.UUID, startDate, endDate time.Time, slotMinutes int) (slots []time.Time, err error) {
	const op = "get available slots"
	ctx, span := s.startSpan(ctx, op, attribute.String("provider_id", providerID.String()))
	defer func(start time.Time) { s.finish(ctx, span, op, start, err) }(time.Now())

	r := DateRange{From: civilDate(startDate), To: civilDate(endDate)}
	if vs := s.checkRange(r, slotMinutes); len(vs) > 0 {
		return nil, violationError(op, vs)
	}
	if err := s.requireProvider(ctx, op, providerID); err != nil {
		return nil, err
	}

	slot := time.Duration(slotMinutes) * time.Minute
	now := s.now()

	err = s.store.View(ctx, func(ctx context.Context, repo Repository) error {
		var key string
		if s.cache != nil {
			version, err := repo.ScheduleVersion(ctx, providerID)
			if err != nil {
				return fmt.Errorf("read schedule version: %w", err)
			}
			key = slotCacheKey(providerID, r, slotMinutes, version)
			cached, ok, err := s.cache.Get(ctx, key)
			if err != nil {
				s.log.Warn().Err(err).Str("key", key).Msg("slot cache read failed")
			}
			s.metrics.SlotCacheLookup(ok)
			if ok {
				slots = futureOnly(cached, now)
				return nil
			}
		}

		snap, err := s.calendar.Load(ctx, repo, providerID, r)
		if err != nil {
			return err
		}
		slots = slices.Collect(s.calendar.ComputeSlots(snap, r, slot, now))

		if s.cache != nil {
			if err := s.cache.Set(ctx, key, slots); err != nil {
				s.log.Warn().Err(err).Str("key", key).Msg("slot cache write failed")
			}
		}
		return nil
	})
	if err != nil {
		return nil, withOp(op, err)
	}
	return slots, nil
}

func (s *Service) checkRange(r DateRange, slotMinutes int) []Violation {
	var vs []Violation
	if slotMinutes <= 0 {
		vs = append(vs, Violation{Kind: KindValidation, Code: CodeInvalidInput, Message: "slot duration must be positive"})
	}
	if r.To.Before(r.From) {
		vs = append(vs, Violation{Kind: KindValidation, Code: CodeInvalidRange, Message: "end date is before start date"})
	} else if r.Days() > s.policy.MaxSlotRangeDays {
		vs = append(vs, Violation{
			Kind:    KindValidation,
			Code:    CodeInvalidRange,
			Message: fmt.Sprintf("date range may span at most %d days", s.policy.MaxSlotRangeDays),
		})
	}
	return vs
}

func slotCacheKey(providerID uuid.UUID, r DateRange, slotMinutes int, version int64) string {
	return fmt.Sprintf("slots:%s:%s:%s:%d:v%d",
		providerID, r.From.Format(time.DateOnly), r.To.Format(time.DateOnly), slotMinutes, version)
}

func futureOnly(slots []time.Time, now time.Time) []time.Time {
	out := make([]time.Time, 0, len(slots))
	for _, s := range slots {
		if s.After(now) {
			out = append(out, s)
		}
	}
	return out
}

func civilDate(t time.Time) time.Time {
	return Date(t.Year(), t.Month(), t.Day())
}

// GetAppointment returns one appointment visible to actor.
func (s *Service) GetAppointment(ctx context.Context, id uuid.UUID, actor Actor) (*Appointment, error) {
	const op = "get appointment"
	var appt *Appointment
	err := s.store.View(ctx, func(ctx context.Context, repo Repository) error {
		a, err := repo.GetAppointment(ctx, id)
		if errors.Is(err, ErrAppointmentNotFound) {
			return notFound(op, err)
		}
		if err != nil {
			return err
		}
		appt = a
		return nil
	})
	if err != nil {
		return nil, withOp(op, err)
	}
	if !actor.IsAdmin() && !isAssignedProvider(actor, appt) && !isClient(actor, appt) {
		return nil, newError(op, KindPermission, CodeNotPermitted, "appointment belongs to another party")
	}
	return appt, nil
}

// ListAppointments lists appointments visible to actor, newest first. Admins
// see everything, providers and clients only their own.
func (s *Service) ListAppointments(ctx context.Context, actor Actor, f AppointmentFilter) ([]Appointment, error) {
	const op = "list appointments"

	switch actor.Role {
	case RoleAdmin:
	case RoleProvider:
		id := actor.ID
		f.ProviderID = &id
	case RoleClient:
		id := actor.ID
		f.ClientID = &id
	default:
		return nil, newError(op, KindPermission, CodeNotPermitted, fmt.Sprintf("unknown role %q", actor.Role))
	}
	if f.Status != "" && !f.Status.Valid() {
		return nil, newError(op, KindValidation, CodeInvalidInput, fmt.Sprintf("unknown status %q", f.Status))
	}
	if f.Limit <= 0 {
		f.Limit = defaultListLimit
	}
	if f.Limit > maxListLimit {
		f.Limit = maxListLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}

	var out []Appointment
	err := s.store.View(ctx, func(ctx context.Context, repo Repository) error {
		var err error
		out, err = repo.ListAppointments(ctx, f)
		return err
	})
	if err != nil {
		return nil, withOp(op, err)
	}
	return out, nil
}

func (s *Service) ListOpenInterventions(ctx context.Context, admin Actor) ([]Intervention, error) {
	const op = "list interventions"
	if !admin.IsAdmin() {
		return nil, newError(op, KindPermission, CodeNotPermitted, "only admins can review intervention requests")
	}
	var out []Intervention
	err := s.store.View(ctx, func(ctx context.Context, repo Repository) error {
		var err error
		out, err = repo.ListOpenInterventions(ctx)
		return err
	})
	if err != nil {
		return nil, withOp(op, err)
	}
	return out, nil
}
