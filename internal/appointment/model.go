package appointment

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusConfirmed Status = "CONFIRMED"
	StatusCompleted Status = "COMPLETED"
	StatusCancelled Status = "CANCELLED"
)

// Active statuses occupy the provider's calendar.
func (s Status) Active() bool {
	return s == StatusPending || s == StatusConfirmed
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

var activeStatuses = []Status{StatusPending, StatusConfirmed}

type SessionType string

const (
	SessionIntro SessionType = "INTRO"
	SessionPaid  SessionType = "PAID"
)

func (t SessionType) Valid() bool {
	return t == SessionIntro || t == SessionPaid
}

type Role string

const (
	RoleClient   Role = "CLIENT"
	RoleProvider Role = "PROVIDER"
	RoleAdmin    Role = "ADMIN"
)

func (r Role) Valid() bool {
	switch r {
	case RoleClient, RoleProvider, RoleAdmin:
		return true
	}
	return false
}

// Actor is the authenticated party requesting a transition.
type Actor struct {
	ID   uuid.UUID
	Role Role
}

func AdminActor(id uuid.UUID) Actor { return Actor{ID: id, Role: RoleAdmin} }

func ProviderActor(id uuid.UUID) Actor { return Actor{ID: id, Role: RoleProvider} }

func ClientActor(id uuid.UUID) Actor { return Actor{ID: id, Role: RoleClient} }

func (a Actor) IsAdmin() bool { return a.Role == RoleAdmin }

func (a Actor) String() string { return fmt.Sprintf("%s:%s", a.Role, a.ID) }

type LeaveKind string

const (
	LeaveFullDay LeaveKind = "FULL_DAY"
	LeaveHalfDay LeaveKind = "HALF_DAY"
	LeaveHourly  LeaveKind = "HOURLY"
)

func (k LeaveKind) Valid() bool {
	switch k {
	case LeaveFullDay, LeaveHalfDay, LeaveHourly:
		return true
	}
	return false
}

type InterventionStatus string

const (
	InterventionOpen     InterventionStatus = "OPEN"
	InterventionResolved InterventionStatus = "RESOLVED"
)

type ResolutionAction string

const (
	ResolutionClosed     ResolutionAction = "CLOSED"
	ResolutionReassigned ResolutionAction = "REASSIGNED"
)

// Weekday is an ISO weekday, Monday = 1 through Sunday = 7.
type Weekday int

const (
	Monday Weekday = iota + 1
	Tuesday
	Wednesday
	Thursday
	Friday
	Saturday
	Sunday
)

func ISOWeekday(t time.Time) Weekday {
	wd := t.Weekday()
	if wd == time.Sunday {
		return Sunday
	}
	return Weekday(wd)
}

func (w Weekday) Valid() bool { return w >= Monday && w <= Sunday }

// TimeOfDay counts minutes since local midnight.
type TimeOfDay int

func Clock(hour, minute int) TimeOfDay { return TimeOfDay(hour*60 + minute) }

func ParseTimeOfDay(s string) (TimeOfDay, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("parse time of day %q: %w", s, err)
	}
	return Clock(t.Hour(), t.Minute()), nil
}

func (t TimeOfDay) Hour() int { return int(t) / 60 }

func (t TimeOfDay) Minute() int { return int(t) % 60 }

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour(), t.Minute())
}

// On anchors the time of day on a calendar date in loc.
func (t TimeOfDay) On(date time.Time, loc *time.Location) time.Time {
	return time.Date(date.Year(), date.Month(), date.Day(), t.Hour(), t.Minute(), 0, 0, loc)
}

// DateOf returns the calendar date of t in loc, as midnight UTC.
func DateOf(t time.Time, loc *time.Location) time.Time {
	lt := t.In(loc)
	return time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, time.UTC)
}

// Date builds a calendar date value.
func Date(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

type Appointment struct {
	ID                 uuid.UUID
	ProviderID         uuid.UUID
	ClientID           uuid.UUID
	ScheduledAt        time.Time
	Duration           time.Duration
	Status             Status
	Type               SessionType
	Notes              string
	NeedsAdminReview   bool
	CancelledByRole    *Role
	CancelledAt        *time.Time
	CancellationReason string
	ConfirmedAt        *time.Time
	CompletedAt        *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func (a *Appointment) End() time.Time {
	return a.ScheduledAt.Add(a.Duration)
}

// Template is one recurring weekly availability window.
type Template struct {
	ID         uuid.UUID
	ProviderID uuid.UUID
	Weekday    Weekday
	StartTime  TimeOfDay
	EndTime    TimeOfDay
	Active     bool
	CreatedAt  time.Time
}

type Leave struct {
	ID         uuid.UUID
	ProviderID uuid.UUID
	StartDate  time.Time
	EndDate    time.Time
	Kind       LeaveKind
	StartTime  *TimeOfDay
	EndTime    *TimeOfDay
	Note       string
	CreatedAt  time.Time
}

// Covers reports whether the leave applies to the calendar date.
func (l *Leave) Covers(date time.Time) bool {
	return !date.Before(l.StartDate) && !date.After(l.EndDate)
}

// Partial leaves restrict a window of the day instead of the whole day.
func (l *Leave) Partial() bool {
	return l.Kind != LeaveFullDay && l.StartTime != nil && l.EndTime != nil
}

type Intervention struct {
	ID                uuid.UUID
	AppointmentID     uuid.UUID
	ProviderID        uuid.UUID
	OpenedAt          time.Time
	Status            InterventionStatus
	Note              string
	CancellationCount int
	ResolvedAt        *time.Time
	ResolvedBy        *uuid.UUID
	ResolutionNote    string
	Action            ResolutionAction
}

type EventLog struct {
	ID            int64
	EventType     string
	AppointmentID *uuid.UUID
	Payload       []byte
	CreatedAt     time.Time
}

// AppointmentFilter narrows ListAppointments. From is inclusive, To exclusive.
type AppointmentFilter struct {
	ProviderID *uuid.UUID
	ClientID   *uuid.UUID
	Status     Status
	From       *time.Time
	To         *time.Time
	Limit      int
	Offset     int
}
