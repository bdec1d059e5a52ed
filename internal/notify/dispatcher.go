package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hackgods/consultation-scheduling/internal/appointment"
)

var (
	ErrQueueFull = errors.New("notification queue full")
	ErrClosed    = errors.New("dispatcher closed")
)

// Sender delivers one event to its audience.
type Sender interface {
	Send(ctx context.Context, ev appointment.Event) error
}

// Dispatcher hands events to a Sender on a background worker so the
// publishing transition never waits on delivery.
type Dispatcher struct {
	sender  Sender
	log     zerolog.Logger
	timeout time.Duration

	mu     sync.RWMutex
	queue  chan appointment.Event
	closed bool
	done   chan struct{}
}

var _ appointment.NotificationDispatcher = (*Dispatcher)(nil)

func NewDispatcher(sender Sender, queueSize int, log zerolog.Logger) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 100
	}
	d := &Dispatcher{
		sender:  sender,
		log:     log.With().Str("component", "notify").Logger(),
		timeout: 5 * time.Second,
		queue:   make(chan appointment.Event, queueSize),
		done:    make(chan struct{}),
	}
	go d.run()
	return d
}

// Notify enqueues ev. A full queue drops the event and reports ErrQueueFull.
func (d *Dispatcher) Notify(_ context.Context, ev appointment.Event) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}
	select {
	case d.queue <- ev:
		return nil
	default:
		d.log.Warn().
			Str("event_type", string(ev.Type)).
			Str("appointment_id", ev.AppointmentID.String()).
			Msg("notification dropped, queue full")
		return ErrQueueFull
	}
}

// Close stops accepting events and waits for the queue to drain or ctx to end.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for ev := range d.queue {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		if err := d.sender.Send(ctx, ev); err != nil {
			d.log.Error().Err(err).
				Str("event_type", string(ev.Type)).
				Str("appointment_id", ev.AppointmentID.String()).
				Msg("notification delivery failed")
		}
		cancel()
	}
}

// LogSender writes events to the log. Used when no broker is configured.
type LogSender struct {
	Log zerolog.Logger
}

func (s LogSender) Send(_ context.Context, ev appointment.Event) error {
	s.Log.Info().
		Str("event_type", string(ev.Type)).
		Str("appointment_id", ev.AppointmentID.String()).
		Str("provider_id", ev.ProviderID.String()).
		Str("client_id", ev.ClientID.String()).
		Time("scheduled_at", ev.ScheduledAt).
		Msg("notification")
	return nil
}
