package appointment

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type EventType string

const (
	EventAppointmentCreated     EventType = "APPOINTMENT_CREATED"
	EventAppointmentConfirmed   EventType = "APPOINTMENT_CONFIRMED"
	EventAppointmentCompleted   EventType = "APPOINTMENT_COMPLETED"
	EventAppointmentCancelled   EventType = "APPOINTMENT_CANCELLED"
	EventAppointmentRescheduled EventType = "APPOINTMENT_RESCHEDULED"
	EventAppointmentReassigned  EventType = "APPOINTMENT_REASSIGNED"
	EventInterventionOpened     EventType = "INTERVENTION_OPENED"
	EventInterventionResolved   EventType = "INTERVENTION_RESOLVED"
)

// Event is emitted after a transition has committed.
type Event struct {
	Type          EventType `json:"type"`
	AppointmentID uuid.UUID `json:"appointment_id"`
	ProviderID    uuid.UUID `json:"provider_id"`
	ClientID      uuid.UUID `json:"client_id"`
	ScheduledAt   time.Time `json:"scheduled_at"`
	Status        Status    `json:"status"`
	Actor         Actor     `json:"actor"`
	Reason        string    `json:"reason,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`

	PreviousProviderID *uuid.UUID `json:"previous_provider_id,omitempty"`
	PreviousStart      *time.Time `json:"previous_start,omitempty"`
	InterventionID     *uuid.UUID `json:"intervention_id,omitempty"`
}

func eventFor(t EventType, a *Appointment, actor Actor, at time.Time) Event {
	return Event{
		Type:          t,
		AppointmentID: a.ID,
		ProviderID:    a.ProviderID,
		ClientID:      a.ClientID,
		ScheduledAt:   a.ScheduledAt,
		Status:        a.Status,
		Actor:         actor,
		OccurredAt:    at,
	}
}

type Handler interface {
	Handle(ctx context.Context, ev Event) error
}

type HandlerFunc func(ctx context.Context, ev Event) error

func (f HandlerFunc) Handle(ctx context.Context, ev Event) error { return f(ctx, ev) }

type subscription struct {
	name    string
	handler Handler
}

// Bus delivers events to subscribers synchronously, in subscription order.
// Handler failures are logged and never reach the publisher.
type Bus struct {
	mu   sync.RWMutex
	subs []subscription
	log  zerolog.Logger
}

func NewBus(log zerolog.Logger) *Bus {
	return &Bus{log: log.With().Str("component", "event_bus").Logger()}
}

func (b *Bus) Subscribe(name string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, subscription{name: name, handler: h})
}

func (b *Bus) Publish(ctx context.Context, events ...Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	subs := make([]subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, ev := range events {
		for _, s := range subs {
			if err := s.handler.Handle(ctx, ev); err != nil {
				b.log.Error().Err(err).
					Str("subscriber", s.name).
					Str("event_type", string(ev.Type)).
					Str("appointment_id", ev.AppointmentID.String()).
					Msg("event handler failed")
			}
		}
	}
}
