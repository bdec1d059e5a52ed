package appointment

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Conflict describes the appointments blocking a candidate window.
type Conflict struct {
	Provider *Appointment
	Client   *Appointment
}

func (c Conflict) Any() bool { return c.Provider != nil || c.Client != nil }

// Reason renders the conflict for humans, or "" when there is none.
func (c Conflict) Reason() string {
	switch {
	case c.Provider != nil && c.Client != nil:
		return "provider and client both have overlapping appointments"
	case c.Provider != nil:
		return "provider has an overlapping appointment"
	case c.Client != nil:
		return "client has an overlapping appointment"
	}
	return ""
}

func (c Conflict) violations(loc *time.Location) []Violation {
	var vs []Violation
	if c.Provider != nil {
		vs = append(vs, Violation{
			Kind:    KindConflict,
			Code:    CodeProviderConflict,
			Message: fmt.Sprintf("provider is booked at %s, including the changeover buffer", c.Provider.ScheduledAt.In(loc).Format("2006-01-02 15:04")),
		})
	}
	if c.Client != nil {
		vs = append(vs, Violation{
			Kind:    KindConflict,
			Code:    CodeClientConflict,
			Message: fmt.Sprintf("client already has an appointment at %s", c.Client.ScheduledAt.In(loc).Format("2006-01-02 15:04")),
		})
	}
	return vs
}

// ConflictDetector finds active appointments overlapping a candidate window.
// Provider checks pad the candidate by the buffer on both sides; client checks
// use the bare window.
type ConflictDetector struct {
	buffer   time.Duration
	lookback time.Duration
}

func NewConflictDetector(policy Policy) *ConflictDetector {
	return &ConflictDetector{
		buffer:   policy.Buffer,
		lookback: policy.AppointmentDuration,
	}
}

// HasConflict must run inside the transaction that commits the change.
func (d *ConflictDetector) HasConflict(ctx context.Context, repo Repository, providerID, clientID uuid.UUID, start time.Time, duration time.Duration, exclude *uuid.UUID) (Conflict, error) {
	var c Conflict

	occupied := interval{start: start.Add(-d.buffer), end: start.Add(duration + d.buffer)}
	providerAppts, err := repo.ListActiveByProvider(ctx, providerID, occupied.start.Add(-d.lookback), occupied.end)
	if err != nil {
		return c, fmt.Errorf("list provider appointments: %w", err)
	}
	c.Provider = firstOverlap(providerAppts, occupied, exclude)

	requested := interval{start: start, end: start.Add(duration)}
	clientAppts, err := repo.ListActiveByClient(ctx, clientID, requested.start.Add(-d.lookback), requested.end)
	if err != nil {
		return c, fmt.Errorf("list client appointments: %w", err)
	}
	c.Client = firstOverlap(clientAppts, requested, exclude)

	return c, nil
}

func firstOverlap(appts []Appointment, window interval, exclude *uuid.UUID) *Appointment {
	for i := range appts {
		a := appts[i]
		if exclude != nil && a.ID == *exclude {
			continue
		}
		if !a.Status.Active() {
			continue
		}
		if window.overlaps(interval{start: a.ScheduledAt, end: a.End()}) {
			return &a
		}
	}
	return nil
}
