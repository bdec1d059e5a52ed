package appointment

import (
	"context"
	"fmt"
	"iter"
	"slices"
	"time"

	"github.com/google/uuid"
)

type interval struct {
	start time.Time
	end   time.Time
}

func (i interval) overlaps(o interval) bool {
	return i.start.Before(o.end) && o.start.Before(i.end)
}

func (i interval) contains(t time.Time) bool {
	return !t.Before(i.start) && t.Before(i.end)
}

// subtract removes cut from every window, splitting windows it falls inside.
func subtract(windows []interval, cut interval) []interval {
	out := make([]interval, 0, len(windows)+1)
	for _, w := range windows {
		if !w.overlaps(cut) {
			out = append(out, w)
			continue
		}
		if w.start.Before(cut.start) {
			out = append(out, interval{start: w.start, end: cut.start})
		}
		if cut.end.Before(w.end) {
			out = append(out, interval{start: cut.end, end: w.end})
		}
	}
	return out
}

// DateRange is an inclusive span of calendar dates.
type DateRange struct {
	From time.Time
	To   time.Time
}

func (r DateRange) Days() int {
	return int(r.To.Sub(r.From).Hours()/24) + 1
}

// Snapshot is everything slot generation reads for one provider.
type Snapshot struct {
	ProviderID uuid.UUID
	Templates  []Template
	Leaves     []Leave
	Booked     []Appointment
}

// Calendar derives open slots from weekly templates minus leave minus bookings.
type Calendar struct {
	policy Policy
}

func NewCalendar(policy Policy) *Calendar {
	return &Calendar{policy: policy}
}

// Load reads the provider's schedule for r in a single pass.
func (c *Calendar) Load(ctx context.Context, repo Repository, providerID uuid.UUID, r DateRange) (Snapshot, error) {
	snap := Snapshot{ProviderID: providerID}

	templates, err := repo.ListActiveTemplates(ctx, providerID)
	if err != nil {
		return snap, fmt.Errorf("load templates: %w", err)
	}
	leaves, err := repo.ListLeaves(ctx, providerID, r.From, r.To)
	if err != nil {
		return snap, fmt.Errorf("load leaves: %w", err)
	}
	from, _ := c.policy.dayBounds(r.From)
	_, to := c.policy.dayBounds(r.To)
	booked, err := repo.ListActiveByProvider(ctx, providerID, from, to)
	if err != nil {
		return snap, fmt.Errorf("load bookings: %w", err)
	}

	snap.Templates = templates
	snap.Leaves = leaves
	snap.Booked = booked
	return snap, nil
}

// ComputeSlots returns the open slot starts in r, ascending. The sequence is
// lazy and may be ranged over any number of times.
func (c *Calendar) ComputeSlots(snap Snapshot, r DateRange, slot time.Duration, now time.Time) iter.Seq[time.Time] {
	loc := c.policy.loc()
	today := DateOf(now, loc)

	byDay := make(map[Weekday][]Template)
	for _, t := range snap.Templates {
		if t.Active {
			byDay[t.Weekday] = append(byDay[t.Weekday], t)
		}
	}

	return func(yield func(time.Time) bool) {
		if slot <= 0 {
			return
		}
		for date := r.From; !date.After(r.To); date = date.AddDate(0, 0, 1) {
			if date.Before(today) {
				continue
			}
			for _, s := range c.daySlots(snap, byDay[ISOWeekday(date)], date, slot, now) {
				if !yield(s) {
					return
				}
			}
		}
	}
}

// windows returns the bookable windows of one date after leave is applied.
func (c *Calendar) windows(templates []Template, leaves []Leave, date time.Time) []interval {
	loc := c.policy.loc()
	wd := ISOWeekday(date)

	var windows []interval
	for _, t := range templates {
		if !t.Active || t.Weekday != wd || t.StartTime >= t.EndTime {
			continue
		}
		windows = append(windows, interval{start: t.StartTime.On(date, loc), end: t.EndTime.On(date, loc)})
	}
	if len(windows) == 0 {
		return nil
	}

	for _, l := range leaves {
		if !l.Covers(date) {
			continue
		}
		if !l.Partial() {
			return nil
		}
		windows = subtract(windows, interval{start: l.StartTime.On(date, loc), end: l.EndTime.On(date, loc)})
	}

	slices.SortFunc(windows, func(a, b interval) int { return a.start.Compare(b.start) })
	return windows
}

func (c *Calendar) daySlots(snap Snapshot, templates []Template, date time.Time, slot time.Duration, now time.Time) []time.Time {
	windows := c.windows(templates, snap.Leaves, date)

	var out []time.Time
	for _, w := range windows {
		for s := w.start; !s.Add(slot).After(w.end); s = s.Add(slot) {
			if !s.After(now) {
				continue
			}
			if booked(snap.Booked, interval{start: s, end: s.Add(slot)}) {
				continue
			}
			out = append(out, s)
		}
	}

	// Overlapping templates can produce the same start twice.
	slices.SortFunc(out, func(a, b time.Time) int { return a.Compare(b) })
	return slices.CompactFunc(out, func(a, b time.Time) bool { return a.Equal(b) })
}

func booked(appts []Appointment, slot interval) bool {
	for i := range appts {
		a := &appts[i]
		if !a.Status.Active() {
			continue
		}
		if slot.overlaps(interval{start: a.ScheduledAt, end: a.End()}) {
			return true
		}
	}
	return false
}
