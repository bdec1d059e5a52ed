package appointment

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Candidate is a proposed appointment placement.
type Candidate struct {
	ProviderID uuid.UUID
	ClientID   uuid.UUID
	Start      time.Time
	// Exclude is the appointment being moved, ignored by conflict and cap counts.
	Exclude *uuid.UUID
}

// Validator runs the ordered rule chain guarding every placement. Each
// category stops the chain when it fails; every violation within the failing
// category is reported.
type Validator struct {
	policy    Policy
	calendar  *Calendar
	conflicts *ConflictDetector
}

func NewValidator(policy Policy, calendar *Calendar, conflicts *ConflictDetector) *Validator {
	return &Validator{policy: policy, calendar: calendar, conflicts: conflicts}
}

type check func(ctx context.Context, repo Repository, c Candidate, now time.Time) ([]Violation, error)

// ValidateNew runs time, availability, conflict, leave and both cap checks.
func (v *Validator) ValidateNew(ctx context.Context, repo Repository, c Candidate, now time.Time) error {
	return v.run(ctx, repo, c, now,
		v.checkTime,
		v.checkAvailability,
		v.checkConflict,
		v.checkLeave,
		v.checkCaps(true),
	)
}

// ValidateModification applies the notice guard, then the placement chain
// without the client frequency cap.
func (v *Validator) ValidateModification(ctx context.Context, repo Repository, appt *Appointment, newStart time.Time, now time.Time) error {
	if vs := v.modifyNotice(appt, now); len(vs) > 0 {
		return violationError("", vs)
	}
	id := appt.ID
	c := Candidate{ProviderID: appt.ProviderID, ClientID: appt.ClientID, Start: newStart, Exclude: &id}
	return v.run(ctx, repo, c, now,
		v.checkTime,
		v.checkAvailability,
		v.checkConflict,
		v.checkLeave,
		v.checkCaps(false),
	)
}

// ValidateReassignment checks that newProvider can take appt at its current time.
func (v *Validator) ValidateReassignment(ctx context.Context, repo Repository, appt *Appointment, newProvider uuid.UUID, now time.Time) error {
	id := appt.ID
	c := Candidate{ProviderID: newProvider, ClientID: appt.ClientID, Start: appt.ScheduledAt, Exclude: &id}
	return v.run(ctx, repo, c, now,
		v.checkAvailability,
		v.checkConflict,
		v.checkLeave,
		v.checkCaps(false),
	)
}

// ValidateCancellation applies the cancellation notice and frequency guards.
func (v *Validator) ValidateCancellation(ctx context.Context, repo Repository, appt *Appointment, actor Actor, now time.Time) error {
	if actor.IsAdmin() {
		return nil
	}
	if appt.ScheduledAt.Sub(now) < v.policy.CancelNotice {
		return newError("", KindValidation, CodeCancelNotice,
			fmt.Sprintf("cancellations must be made at least %s before the appointment", humanDuration(v.policy.CancelNotice)))
	}
	if v.policy.CancellationLimit <= 0 {
		return nil
	}
	n, err := repo.CountCancellations(ctx, actor.Role, actor.ID, now.Add(-v.policy.CancellationLimitWindow), now)
	if err != nil {
		return fmt.Errorf("count cancellations: %w", err)
	}
	if n >= v.policy.CancellationLimit {
		return newError("", KindOutOfPolicy, CodeCancellationLimit,
			fmt.Sprintf("cancellation limit reached: %d cancellations in the last %s", n, humanDuration(v.policy.CancellationLimitWindow)))
	}
	return nil
}

func (v *Validator) run(ctx context.Context, repo Repository, c Candidate, now time.Time, checks ...check) error {
	for _, chk := range checks {
		vs, err := chk(ctx, repo, c, now)
		if err != nil {
			return err
		}
		if len(vs) > 0 {
			return violationError("", vs)
		}
	}
	return nil
}

func (v *Validator) modifyNotice(appt *Appointment, now time.Time) []Violation {
	if appt.ScheduledAt.Sub(now) >= v.policy.ModifyNotice {
		return nil
	}
	return []Violation{{
		Kind:    KindValidation,
		Code:    CodeModifyNotice,
		Message: fmt.Sprintf("appointments can only be changed at least %s in advance", humanDuration(v.policy.ModifyNotice)),
	}}
}

func (v *Validator) checkTime(_ context.Context, _ Repository, c Candidate, now time.Time) ([]Violation, error) {
	var vs []Violation
	add := func(code, msg string) {
		vs = append(vs, Violation{Kind: KindValidation, Code: code, Message: msg})
	}

	if !c.Start.After(now) {
		add(CodeStartInPast, "appointment time must be in the future")
	}
	if c.Start.After(now.Add(v.policy.MaxAdvance)) {
		add(CodeTooFarAhead, fmt.Sprintf("appointments can be booked at most %s ahead", humanDuration(v.policy.MaxAdvance)))
	}
	local := c.Start.In(v.policy.loc())
	tod := Clock(local.Hour(), local.Minute())
	if tod < v.policy.BusinessOpen || tod >= v.policy.BusinessClose {
		add(CodeOutsideBusinessHours, fmt.Sprintf("appointments must start between %s and %s", v.policy.BusinessOpen, v.policy.BusinessClose))
	}
	if ISOWeekday(local) == v.policy.ClosedWeekday {
		add(CodeClosedWeekday, fmt.Sprintf("no appointments on %s", time.Weekday(v.policy.ClosedWeekday%7)))
	}
	return vs, nil
}

func (v *Validator) checkAvailability(ctx context.Context, repo Repository, c Candidate, _ time.Time) ([]Violation, error) {
	templates, err := repo.ListActiveTemplates(ctx, c.ProviderID)
	if err != nil {
		return nil, fmt.Errorf("load templates: %w", err)
	}
	loc := v.policy.loc()
	date := DateOf(c.Start, loc)
	for _, w := range v.calendar.windows(templates, nil, date) {
		if w.contains(c.Start) {
			return nil, nil
		}
	}
	return []Violation{{
		Kind:    KindValidation,
		Code:    CodeOutsideTemplate,
		Message: "provider is not available at the requested time",
	}}, nil
}

func (v *Validator) checkConflict(ctx context.Context, repo Repository, c Candidate, _ time.Time) ([]Violation, error) {
	conflict, err := v.conflicts.HasConflict(ctx, repo, c.ProviderID, c.ClientID, c.Start, v.policy.AppointmentDuration, c.Exclude)
	if err != nil {
		return nil, err
	}
	return conflict.violations(v.policy.loc()), nil
}

func (v *Validator) checkLeave(ctx context.Context, repo Repository, c Candidate, _ time.Time) ([]Violation, error) {
	loc := v.policy.loc()
	date := DateOf(c.Start, loc)
	leaves, err := repo.ListLeaves(ctx, c.ProviderID, date, date)
	if err != nil {
		return nil, fmt.Errorf("load leaves: %w", err)
	}
	requested := interval{start: c.Start, end: c.Start.Add(v.policy.AppointmentDuration)}
	for _, l := range leaves {
		if !l.Covers(date) {
			continue
		}
		if l.Partial() && !requested.overlaps(interval{start: l.StartTime.On(date, loc), end: l.EndTime.On(date, loc)}) {
			continue
		}
		msg := "provider is on leave on the requested date"
		if l.Partial() {
			msg = fmt.Sprintf("provider is on leave between %s and %s", *l.StartTime, *l.EndTime)
		}
		return []Violation{{Kind: KindOutOfPolicy, Code: CodeOnLeave, Message: msg}}, nil
	}
	return nil, nil
}

// checkCaps evaluates the frequency caps together so all are reported at once.
func (v *Validator) checkCaps(includeClient bool) check {
	return func(ctx context.Context, repo Repository, c Candidate, _ time.Time) ([]Violation, error) {
		loc := v.policy.loc()
		date := DateOf(c.Start, loc)
		dayStart, dayEnd := v.policy.dayBounds(date)

		var vs []Violation
		if includeClient {
			weekStart, weekEnd := v.policy.weekBounds(date)
			week, err := repo.ListActiveByClient(ctx, c.ClientID, weekStart, weekEnd)
			if err != nil {
				return nil, fmt.Errorf("list client appointments: %w", err)
			}
			var daily, weekly int
			for i := range week {
				if c.Exclude != nil && week[i].ID == *c.Exclude {
					continue
				}
				weekly++
				if !week[i].ScheduledAt.Before(dayStart) && week[i].ScheduledAt.Before(dayEnd) {
					daily++
				}
			}
			if daily >= v.policy.ClientDailyCap {
				vs = append(vs, Violation{
					Kind:    KindOutOfPolicy,
					Code:    CodeClientDailyCap,
					Message: fmt.Sprintf("client already has %d active appointments on %s (limit %d)", daily, date.Format("2006-01-02"), v.policy.ClientDailyCap),
				})
			}
			if weekly >= v.policy.ClientWeeklyCap {
				vs = append(vs, Violation{
					Kind:    KindOutOfPolicy,
					Code:    CodeClientWeeklyCap,
					Message: fmt.Sprintf("client already has %d active appointments this week (limit %d)", weekly, v.policy.ClientWeeklyCap),
				})
			}
		}

		day, err := repo.ListActiveByProvider(ctx, c.ProviderID, dayStart, dayEnd)
		if err != nil {
			return nil, fmt.Errorf("list provider appointments: %w", err)
		}
		count := 0
		for i := range day {
			if c.Exclude == nil || day[i].ID != *c.Exclude {
				count++
			}
		}
		if count >= v.policy.ProviderDailyCap {
			vs = append(vs, Violation{
				Kind:    KindOutOfPolicy,
				Code:    CodeProviderDailyCap,
				Message: fmt.Sprintf("provider is fully booked on %s (limit %d)", date.Format("2006-01-02"), v.policy.ProviderDailyCap),
			})
		}
		return vs, nil
	}
}

func humanDuration(d time.Duration) string {
	switch {
	case d >= 24*time.Hour && d%(24*time.Hour) == 0:
		return fmt.Sprintf("%d days", int(d/(24*time.Hour)))
	case d >= time.Hour && d%time.Hour == 0:
		return fmt.Sprintf("%d hours", int(d/time.Hour))
	}
	return d.String()
}
