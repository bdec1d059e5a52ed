package appointment

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrAppointmentNotFound   = errors.New("appointment not found")
	ErrProviderNotFound      = errors.New("provider not found or not approved")
	ErrClientNotFound        = errors.New("client not found")
	ErrLeaveNotFound         = errors.New("leave record not found")
	ErrInterventionNotFound  = errors.New("intervention request not found")
	ErrDuplicateSlot         = errors.New("provider already has an active appointment at this time")
	ErrDuplicateIntervention = errors.New("appointment already has an open intervention request")
	ErrReadOnly              = errors.New("write attempted in read-only view")
)

// Repository contains all storage interactions needed by the engine.
// Implementations are bound to a single transaction or read view.
//
// Lock order within a transaction: the appointment row, then its intervention
// rows, then advisory keys.
type Repository interface {
	// LockKeys takes exclusive locks held until the transaction ends.
	LockKeys(ctx context.Context, keys ...string) error

	GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error)
	GetAppointmentForUpdate(ctx context.Context, id uuid.UUID) (*Appointment, error)
	InsertAppointment(ctx context.Context, a *Appointment) error
	UpdateAppointment(ctx context.Context, a *Appointment) error

	// Active appointments with scheduled_at in [from, to).
	ListActiveByProvider(ctx context.Context, providerID uuid.UUID, from, to time.Time) ([]Appointment, error)
	ListActiveByClient(ctx context.Context, clientID uuid.UUID, from, to time.Time) ([]Appointment, error)
	ListAppointments(ctx context.Context, f AppointmentFilter) ([]Appointment, error)

	// CountCancellations counts cancellations made by role where the party
	// column for that role equals partyID and cancelled_at is in [from, to].
	CountCancellations(ctx context.Context, role Role, partyID uuid.UUID, from, to time.Time) (int, error)

	ListActiveTemplates(ctx context.Context, providerID uuid.UUID) ([]Template, error)
	ReplaceTemplates(ctx context.Context, providerID uuid.UUID, templates []Template) error

	// Leaves whose date range intersects [from, to].
	ListLeaves(ctx context.Context, providerID uuid.UUID, from, to time.Time) ([]Leave, error)
	InsertLeave(ctx context.Context, l *Leave) error
	DeleteLeave(ctx context.Context, providerID, leaveID uuid.UUID) error

	InsertIntervention(ctx context.Context, iv *Intervention) error
	UpdateIntervention(ctx context.Context, iv *Intervention) error
	GetIntervention(ctx context.Context, id uuid.UUID) (*Intervention, error)
	GetInterventionForUpdate(ctx context.Context, id uuid.UUID) (*Intervention, error)
	FindOpenIntervention(ctx context.Context, appointmentID uuid.UUID) (*Intervention, error)
	ListOpenInterventions(ctx context.Context) ([]Intervention, error)

	BumpScheduleVersion(ctx context.Context, providerID uuid.UUID) error
	ScheduleVersion(ctx context.Context, providerID uuid.UUID) (int64, error)

	InsertEvent(ctx context.Context, ev EventLog) error
}

// Store hands out transaction-scoped repositories.
type Store interface {
	// WithTx runs fn in one transaction, committing only when fn returns nil.
	WithTx(ctx context.Context, fn func(ctx context.Context, repo Repository) error) error
	// View runs fn against a consistent read-only view.
	View(ctx context.Context, fn func(ctx context.Context, repo Repository) error) error
}

type ProviderDirectory interface {
	IsApprovedAndActive(ctx context.Context, providerID uuid.UUID) (bool, error)
}

type ClientDirectory interface {
	Exists(ctx context.Context, clientID uuid.UUID) (bool, error)
}

func providerLockKey(id uuid.UUID) string { return "provider:" + id.String() }

func clientLockKey(id uuid.UUID) string { return "client:" + id.String() }
