package appointment

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// NotificationDispatcher delivers events to people. Calls must not block.
type NotificationDispatcher interface {
	Notify(ctx context.Context, ev Event) error
}

// NotifyHandler subscribes a dispatcher to the event bus.
func NotifyHandler(d NotificationDispatcher) Handler {
	return HandlerFunc(func(ctx context.Context, ev Event) error {
		return d.Notify(ctx, ev)
	})
}

const (
	ActionReassignAppointment = "REASSIGN_APPOINTMENT"
	ActionResolveIntervention = "RESOLVE_INTERVENTION"
)

type AdminAction struct {
	ID             uuid.UUID
	AdminID        uuid.UUID
	Action         string
	AppointmentID  *uuid.UUID
	InterventionID *uuid.UUID
	Details        map[string]string
	CreatedAt      time.Time
}

// AdminActionLog is the audit trail for admin interventions.
type AdminActionLog interface {
	Record(ctx context.Context, action AdminAction) error
}

// Recorder receives operational measurements.
type Recorder interface {
	ObserveOperation(op, outcome string, elapsed time.Duration)
	ObserveViolations(op string, vs []Violation)
	InterventionOpened()
	SlotCacheLookup(hit bool)
}

type nopRecorder struct{}

func (nopRecorder) ObserveOperation(string, string, time.Duration) {}

func (nopRecorder) ObserveViolations(string, []Violation) {}

func (nopRecorder) InterventionOpened() {}

func (nopRecorder) SlotCacheLookup(bool) {}

type nopAuditLog struct{}

func (nopAuditLog) Record(context.Context, AdminAction) error { return nil }
