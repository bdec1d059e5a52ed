package appointment

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
)

type TemplateInput struct {
	Weekday   Weekday
	StartTime TimeOfDay
	EndTime   TimeOfDay
}

type LeaveInput struct {
	StartDate time.Time
	EndDate   time.Time
	Kind      LeaveKind
	StartTime *TimeOfDay
	EndTime   *TimeOfDay
	Note      string
}

// DaySchedule is one day of a provider's week as shown to the provider.
type DaySchedule struct {
	Date         time.Time
	Weekday      Weekday
	Windows      []Template
	DayOff       bool
	Appointments []Appointment
	Leaves       []Leave
}

// ReplaceTemplates swaps the provider's whole weekly template set atomically.
func (s *Service) ReplaceTemplates(ctx context.Context, actor Actor, providerID uuid.UUID, inputs []TemplateInput) ([]Template, error) {
	const op = "replace templates"
	if err := s.requireScheduleOwner(op, actor, providerID); err != nil {
		return nil, err
	}

	var vs []Violation
	for i, in := range inputs {
		prefix := fmt.Sprintf("template %d: ", i+1)
		if !in.Weekday.Valid() {
			vs = append(vs, Violation{Kind: KindValidation, Code: CodeInvalidInput, Message: prefix + "weekday must be between 1 and 7"})
		}
		if in.StartTime >= in.EndTime {
			vs = append(vs, Violation{Kind: KindValidation, Code: CodeInvalidInput, Message: prefix + "start time must be before end time"})
		}
		if in.StartTime < s.policy.TemplateEarliest || in.EndTime > s.policy.TemplateLatest {
			vs = append(vs, Violation{
				Kind:    KindValidation,
				Code:    CodeInvalidInput,
				Message: fmt.Sprintf("%swindow must lie between %s and %s", prefix, s.policy.TemplateEarliest, s.policy.TemplateLatest),
			})
		}
	}
	if len(vs) > 0 {
		return nil, violationError(op, vs)
	}

	now := s.now()
	templates := make([]Template, 0, len(inputs))
	for _, in := range inputs {
		templates = append(templates, Template{
			ID:         uuid.New(),
			ProviderID: providerID,
			Weekday:    in.Weekday,
			StartTime:  in.StartTime,
			EndTime:    in.EndTime,
			Active:     true,
			CreatedAt:  now,
		})
	}

	err := s.store.WithTx(ctx, func(ctx context.Context, repo Repository) error {
		if err := repo.LockKeys(ctx, providerLockKey(providerID)); err != nil {
			return fmt.Errorf("lock provider: %w", err)
		}
		if err := repo.ReplaceTemplates(ctx, providerID, templates); err != nil {
			return fmt.Errorf("replace templates: %w", err)
		}
		return repo.BumpScheduleVersion(ctx, providerID)
	})
	if err != nil {
		return nil, withOp(op, err)
	}
	s.log.Info().Str("provider_id", providerID.String()).Int("templates", len(templates)).Msg("weekly templates replaced")
	return templates, nil
}

// CreateLeave records a leave period. Overlapping leave is rejected.
func (s *Service) CreateLeave(ctx context.Context, actor Actor, providerID uuid.UUID, in LeaveInput) (*Leave, error) {
	const op = "create leave"
	if err := s.requireScheduleOwner(op, actor, providerID); err != nil {
		return nil, err
	}

	l := &Leave{
		ID:         uuid.New(),
		ProviderID: providerID,
		StartDate:  civilDate(in.StartDate),
		EndDate:    civilDate(in.EndDate),
		Kind:       in.Kind,
		StartTime:  in.StartTime,
		EndTime:    in.EndTime,
		Note:       in.Note,
		CreatedAt:  s.now(),
	}
	if vs := validateLeave(l); len(vs) > 0 {
		return nil, violationError(op, vs)
	}
	if l.Kind == LeaveFullDay {
		l.StartTime, l.EndTime = nil, nil
	}

	err := s.store.WithTx(ctx, func(ctx context.Context, repo Repository) error {
		if err := repo.LockKeys(ctx, providerLockKey(providerID)); err != nil {
			return fmt.Errorf("lock provider: %w", err)
		}
		existing, err := repo.ListLeaves(ctx, providerID, l.StartDate, l.EndDate)
		if err != nil {
			return fmt.Errorf("list leaves: %w", err)
		}
		if len(existing) > 0 {
			return newError(op, KindValidation, CodeLeaveOverlap,
				fmt.Sprintf("leave overlaps an existing record from %s to %s",
					existing[0].StartDate.Format(time.DateOnly), existing[0].EndDate.Format(time.DateOnly)))
		}
		if err := repo.InsertLeave(ctx, l); err != nil {
			return fmt.Errorf("insert leave: %w", err)
		}
		return repo.BumpScheduleVersion(ctx, providerID)
	})
	if err != nil {
		return nil, withOp(op, err)
	}
	return l, nil
}

func validateLeave(l *Leave) []Violation {
	var vs []Violation
	add := func(msg string) {
		vs = append(vs, Violation{Kind: KindValidation, Code: CodeInvalidInput, Message: msg})
	}
	if !l.Kind.Valid() {
		add(fmt.Sprintf("unknown leave kind %q", l.Kind))
	}
	if l.EndDate.Before(l.StartDate) {
		add("leave end date is before its start date")
	}
	if l.Kind == LeaveHourly || l.Kind == LeaveHalfDay {
		switch {
		case l.StartTime == nil || l.EndTime == nil:
			add("partial-day leave needs a start and end time")
		case *l.StartTime >= *l.EndTime:
			add("leave start time must be before end time")
		}
	}
	return vs
}

func (s *Service) DeleteLeave(ctx context.Context, actor Actor, providerID, leaveID uuid.UUID) error {
	const op = "delete leave"
	if err := s.requireScheduleOwner(op, actor, providerID); err != nil {
		return err
	}
	err := s.store.WithTx(ctx, func(ctx context.Context, repo Repository) error {
		if err := repo.LockKeys(ctx, providerLockKey(providerID)); err != nil {
			return fmt.Errorf("lock provider: %w", err)
		}
		if err := repo.DeleteLeave(ctx, providerID, leaveID); err != nil {
			if errors.Is(err, ErrLeaveNotFound) {
				return notFound(op, err)
			}
			return fmt.Errorf("delete leave: %w", err)
		}
		return repo.BumpScheduleVersion(ctx, providerID)
	})
	return withOp(op, err)
}

func (s *Service) ListLeaves(ctx context.Context, providerID uuid.UUID, from, to time.Time) ([]Leave, error) {
	var out []Leave
	err := s.store.View(ctx, func(ctx context.Context, repo Repository) error {
		var err error
		out, err = repo.ListLeaves(ctx, providerID, civilDate(from), civilDate(to))
		return err
	})
	if err != nil {
		return nil, withOp("list leaves", err)
	}
	return out, nil
}

// WeeklySchedule returns the seven days starting at the Monday of weekOf.
func (s *Service) WeeklySchedule(ctx context.Context, actor Actor, providerID uuid.UUID, weekOf time.Time) ([]DaySchedule, error) {
	const op = "weekly schedule"
	if err := s.requireScheduleOwner(op, actor, providerID); err != nil {
		return nil, err
	}

	date := civilDate(weekOf)
	monday := date.AddDate(0, 0, -int(ISOWeekday(date)-Monday))
	sunday := monday.AddDate(0, 0, 6)
	weekStart, weekEnd := s.policy.weekBounds(monday)

	var (
		templates []Template
		leaves    []Leave
		appts     []Appointment
	)
	err := s.store.View(ctx, func(ctx context.Context, repo Repository) error {
		var err error
		if templates, err = repo.ListActiveTemplates(ctx, providerID); err != nil {
			return fmt.Errorf("load templates: %w", err)
		}
		if leaves, err = repo.ListLeaves(ctx, providerID, monday, sunday); err != nil {
			return fmt.Errorf("load leaves: %w", err)
		}
		appts, err = repo.ListAppointments(ctx, AppointmentFilter{
			ProviderID: &providerID,
			From:       &weekStart,
			To:         &weekEnd,
			Limit:      maxListLimit * 10,
		})
		if err != nil {
			return fmt.Errorf("load appointments: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, withOp(op, err)
	}

	loc := s.policy.loc()
	days := make([]DaySchedule, 0, 7)
	for d := monday; !d.After(sunday); d = d.AddDate(0, 0, 1) {
		day := DaySchedule{Date: d, Weekday: ISOWeekday(d)}
		for _, t := range templates {
			if t.Weekday == day.Weekday {
				day.Windows = append(day.Windows, t)
			}
		}
		for _, l := range leaves {
			if !l.Covers(d) {
				continue
			}
			if l.Partial() {
				day.Leaves = append(day.Leaves, l)
			} else {
				day.DayOff = true
			}
		}
		if len(day.Windows) == 0 {
			day.DayOff = true
		}
		for _, a := range appts {
			if a.Status == StatusCancelled || !DateOf(a.ScheduledAt, loc).Equal(d) {
				continue
			}
			day.Appointments = append(day.Appointments, a)
		}
		slices.SortFunc(day.Appointments, func(a, b Appointment) int { return a.ScheduledAt.Compare(b.ScheduledAt) })
		days = append(days, day)
	}
	return days, nil
}

func (s *Service) requireScheduleOwner(op string, actor Actor, providerID uuid.UUID) error {
	if actor.IsAdmin() || (actor.Role == RoleProvider && actor.ID == providerID) {
		return nil
	}
	return newError(op, KindPermission, CodeNotPermitted, "only the provider or an admin can manage this schedule")
}
