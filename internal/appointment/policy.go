package appointment

import "time"

// Policy holds every business limit the engine enforces.
type Policy struct {
	Location *time.Location

	AppointmentDuration time.Duration
	Buffer              time.Duration
	MaxAdvance          time.Duration

	// Bookable local hours are [BusinessOpen, BusinessClose).
	BusinessOpen  TimeOfDay
	BusinessClose TimeOfDay
	ClosedWeekday Weekday

	ClientDailyCap   int
	ClientWeeklyCap  int
	ProviderDailyCap int

	CancelNotice time.Duration
	ModifyNotice time.Duration

	// Non-admin actors may not cancel more than CancellationLimit times
	// within CancellationLimitWindow. Zero disables the guard.
	CancellationLimit       int
	CancellationLimitWindow time.Duration

	EscalationWindow    time.Duration
	EscalationThreshold int

	MaxSlotRangeDays int

	TemplateEarliest TimeOfDay
	TemplateLatest   TimeOfDay
}

func DefaultPolicy() Policy {
	return Policy{
		Location:                time.UTC,
		AppointmentDuration:     time.Hour,
		Buffer:                  30 * time.Minute,
		MaxAdvance:              90 * 24 * time.Hour,
		BusinessOpen:            Clock(9, 0),
		BusinessClose:           Clock(20, 0),
		ClosedWeekday:           Sunday,
		ClientDailyCap:          3,
		ClientWeeklyCap:         7,
		ProviderDailyCap:        12,
		CancelNotice:            2 * time.Hour,
		ModifyNotice:            4 * time.Hour,
		CancellationLimit:       5,
		CancellationLimitWindow: 30 * 24 * time.Hour,
		EscalationWindow:        7 * 24 * time.Hour,
		EscalationThreshold:     3,
		MaxSlotRangeDays:        90,
		TemplateEarliest:        Clock(6, 0),
		TemplateLatest:          Clock(22, 0),
	}
}

func (p Policy) loc() *time.Location {
	if p.Location == nil {
		return time.UTC
	}
	return p.Location
}

// dayBounds returns the instants that delimit date in the policy location.
func (p Policy) dayBounds(date time.Time) (time.Time, time.Time) {
	start := TimeOfDay(0).On(date, p.loc())
	return start, TimeOfDay(0).On(date.AddDate(0, 0, 1), p.loc())
}

// weekBounds returns the ISO week (Monday to Monday) containing date.
func (p Policy) weekBounds(date time.Time) (time.Time, time.Time) {
	monday := date.AddDate(0, 0, -int(ISOWeekday(date)-Monday))
	start := TimeOfDay(0).On(monday, p.loc())
	return start, TimeOfDay(0).On(monday.AddDate(0, 0, 7), p.loc())
}
