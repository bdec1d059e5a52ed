package appointment

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is a Store kept in process memory. Transactions are serialized
// and operate on a copy of the state that replaces the live state on commit.
// It also serves as the provider and client directory.
type MemoryStore struct {
	mu    sync.RWMutex
	state *memState

	dirMu     sync.RWMutex
	providers map[uuid.UUID]bool
	clients   map[uuid.UUID]struct{}
}

type memState struct {
	appointments  map[uuid.UUID]Appointment
	templates     map[uuid.UUID][]Template
	leaves        map[uuid.UUID]Leave
	interventions map[uuid.UUID]Intervention
	versions      map[uuid.UUID]int64
	events        []EventLog
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		state: &memState{
			appointments:  make(map[uuid.UUID]Appointment),
			templates:     make(map[uuid.UUID][]Template),
			leaves:        make(map[uuid.UUID]Leave),
			interventions: make(map[uuid.UUID]Intervention),
			versions:      make(map[uuid.UUID]int64),
		},
		providers: make(map[uuid.UUID]bool),
		clients:   make(map[uuid.UUID]struct{}),
	}
}

func (st *memState) clone() *memState {
	templates := make(map[uuid.UUID][]Template, len(st.templates))
	for k, v := range st.templates {
		templates[k] = slices.Clone(v)
	}
	return &memState{
		appointments:  maps.Clone(st.appointments),
		templates:     templates,
		leaves:        maps.Clone(st.leaves),
		interventions: maps.Clone(st.interventions),
		versions:      maps.Clone(st.versions),
		events:        slices.Clone(st.events),
	}
}

func (s *MemoryStore) WithTx(ctx context.Context, fn func(ctx context.Context, repo Repository) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.state.clone()
	if err := fn(ctx, &memRepo{st: next}); err != nil {
		return err
	}
	s.state = next
	return nil
}

func (s *MemoryStore) View(ctx context.Context, fn func(ctx context.Context, repo Repository) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(ctx, &memRepo{st: s.state, readOnly: true})
}

// AddProvider registers a provider in the directory.
func (s *MemoryStore) AddProvider(id uuid.UUID, approved bool) {
	s.dirMu.Lock()
	defer s.dirMu.Unlock()
	s.providers[id] = approved
}

func (s *MemoryStore) AddClient(id uuid.UUID) {
	s.dirMu.Lock()
	defer s.dirMu.Unlock()
	s.clients[id] = struct{}{}
}

func (s *MemoryStore) IsApprovedAndActive(_ context.Context, providerID uuid.UUID) (bool, error) {
	s.dirMu.RLock()
	defer s.dirMu.RUnlock()
	return s.providers[providerID], nil
}

func (s *MemoryStore) Exists(_ context.Context, clientID uuid.UUID) (bool, error) {
	s.dirMu.RLock()
	defer s.dirMu.RUnlock()
	_, ok := s.clients[clientID]
	return ok, nil
}

// Events returns the committed event log.
func (s *MemoryStore) Events() []EventLog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.state.events)
}

// Appointments returns every committed appointment ordered by start time.
func (s *MemoryStore) Appointments() []Appointment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := slices.Collect(maps.Values(s.state.appointments))
	slices.SortFunc(out, func(a, b Appointment) int { return a.ScheduledAt.Compare(b.ScheduledAt) })
	return out
}

type memRepo struct {
	st       *memState
	readOnly bool
}

func (r *memRepo) write() error {
	if r.readOnly {
		return ErrReadOnly
	}
	return nil
}

// LockKeys is a no-op: memory transactions are already serialized.
func (r *memRepo) LockKeys(context.Context, ...string) error { return nil }

func (r *memRepo) GetAppointment(_ context.Context, id uuid.UUID) (*Appointment, error) {
	a, ok := r.st.appointments[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	return &a, nil
}

func (r *memRepo) GetAppointmentForUpdate(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return r.GetAppointment(ctx, id)
}

func (r *memRepo) checkSlot(a *Appointment) error {
	if !a.Status.Active() {
		return nil
	}
	for _, other := range r.st.appointments {
		if other.ID != a.ID && other.ProviderID == a.ProviderID && other.Status.Active() && other.ScheduledAt.Equal(a.ScheduledAt) {
			return ErrDuplicateSlot
		}
	}
	return nil
}

func (r *memRepo) InsertAppointment(_ context.Context, a *Appointment) error {
	if err := r.write(); err != nil {
		return err
	}
	if err := r.checkSlot(a); err != nil {
		return err
	}
	r.st.appointments[a.ID] = *a
	return nil
}

func (r *memRepo) UpdateAppointment(_ context.Context, a *Appointment) error {
	if err := r.write(); err != nil {
		return err
	}
	if _, ok := r.st.appointments[a.ID]; !ok {
		return ErrAppointmentNotFound
	}
	if err := r.checkSlot(a); err != nil {
		return err
	}
	r.st.appointments[a.ID] = *a
	return nil
}

func (r *memRepo) listActive(match func(a *Appointment) bool, from, to time.Time) []Appointment {
	var out []Appointment
	for _, a := range r.st.appointments {
		if !a.Status.Active() || !match(&a) {
			continue
		}
		if a.ScheduledAt.Before(from) || !a.ScheduledAt.Before(to) {
			continue
		}
		out = append(out, a)
	}
	slices.SortFunc(out, func(a, b Appointment) int { return a.ScheduledAt.Compare(b.ScheduledAt) })
	return out
}

func (r *memRepo) ListActiveByProvider(_ context.Context, providerID uuid.UUID, from, to time.Time) ([]Appointment, error) {
	return r.listActive(func(a *Appointment) bool { return a.ProviderID == providerID }, from, to), nil
}

func (r *memRepo) ListActiveByClient(_ context.Context, clientID uuid.UUID, from, to time.Time) ([]Appointment, error) {
	return r.listActive(func(a *Appointment) bool { return a.ClientID == clientID }, from, to), nil
}

func (r *memRepo) ListAppointments(_ context.Context, f AppointmentFilter) ([]Appointment, error) {
	var out []Appointment
	for _, a := range r.st.appointments {
		if f.ProviderID != nil && a.ProviderID != *f.ProviderID {
			continue
		}
		if f.ClientID != nil && a.ClientID != *f.ClientID {
			continue
		}
		if f.Status != "" && a.Status != f.Status {
			continue
		}
		if f.From != nil && a.ScheduledAt.Before(*f.From) {
			continue
		}
		if f.To != nil && !a.ScheduledAt.Before(*f.To) {
			continue
		}
		out = append(out, a)
	}
	slices.SortFunc(out, func(a, b Appointment) int { return b.ScheduledAt.Compare(a.ScheduledAt) })

	if f.Offset >= len(out) {
		return nil, nil
	}
	out = out[f.Offset:]
	if f.Limit > 0 && f.Limit < len(out) {
		out = out[:f.Limit]
	}
	return out, nil
}

func (r *memRepo) CountCancellations(_ context.Context, role Role, partyID uuid.UUID, from, to time.Time) (int, error) {
	n := 0
	for _, a := range r.st.appointments {
		if a.Status != StatusCancelled || a.CancelledByRole == nil || *a.CancelledByRole != role || a.CancelledAt == nil {
			continue
		}
		switch role {
		case RoleProvider:
			if a.ProviderID != partyID {
				continue
			}
		case RoleClient:
			if a.ClientID != partyID {
				continue
			}
		}
		if !a.CancelledAt.Before(from) && !a.CancelledAt.After(to) {
			n++
		}
	}
	return n, nil
}

func (r *memRepo) ListActiveTemplates(_ context.Context, providerID uuid.UUID) ([]Template, error) {
	var out []Template
	for _, t := range r.st.templates[providerID] {
		if t.Active {
			out = append(out, t)
		}
	}
	return out, nil
}

func (r *memRepo) ReplaceTemplates(_ context.Context, providerID uuid.UUID, templates []Template) error {
	if err := r.write(); err != nil {
		return err
	}
	current := r.st.templates[providerID]
	for i := range current {
		current[i].Active = false
	}
	r.st.templates[providerID] = append(current, templates...)
	return nil
}

func (r *memRepo) ListLeaves(_ context.Context, providerID uuid.UUID, from, to time.Time) ([]Leave, error) {
	var out []Leave
	for _, l := range r.st.leaves {
		if l.ProviderID != providerID || l.EndDate.Before(from) || l.StartDate.After(to) {
			continue
		}
		out = append(out, l)
	}
	slices.SortFunc(out, func(a, b Leave) int { return a.StartDate.Compare(b.StartDate) })
	return out, nil
}

func (r *memRepo) InsertLeave(_ context.Context, l *Leave) error {
	if err := r.write(); err != nil {
		return err
	}
	r.st.leaves[l.ID] = *l
	return nil
}

func (r *memRepo) DeleteLeave(_ context.Context, providerID, leaveID uuid.UUID) error {
	if err := r.write(); err != nil {
		return err
	}
	l, ok := r.st.leaves[leaveID]
	if !ok || l.ProviderID != providerID {
		return ErrLeaveNotFound
	}
	delete(r.st.leaves, leaveID)
	return nil
}

func (r *memRepo) InsertIntervention(_ context.Context, iv *Intervention) error {
	if err := r.write(); err != nil {
		return err
	}
	if iv.Status == InterventionOpen {
		for _, other := range r.st.interventions {
			if other.AppointmentID == iv.AppointmentID && other.Status == InterventionOpen {
				return ErrDuplicateIntervention
			}
		}
	}
	r.st.interventions[iv.ID] = *iv
	return nil
}

func (r *memRepo) UpdateIntervention(_ context.Context, iv *Intervention) error {
	if err := r.write(); err != nil {
		return err
	}
	if _, ok := r.st.interventions[iv.ID]; !ok {
		return ErrInterventionNotFound
	}
	r.st.interventions[iv.ID] = *iv
	return nil
}

func (r *memRepo) GetIntervention(ctx context.Context, id uuid.UUID) (*Intervention, error) {
	return r.GetInterventionForUpdate(ctx, id)
}

func (r *memRepo) GetInterventionForUpdate(_ context.Context, id uuid.UUID) (*Intervention, error) {
	iv, ok := r.st.interventions[id]
	if !ok {
		return nil, ErrInterventionNotFound
	}
	return &iv, nil
}

func (r *memRepo) FindOpenIntervention(_ context.Context, appointmentID uuid.UUID) (*Intervention, error) {
	for _, iv := range r.st.interventions {
		if iv.AppointmentID == appointmentID && iv.Status == InterventionOpen {
			return &iv, nil
		}
	}
	return nil, ErrInterventionNotFound
}

func (r *memRepo) ListOpenInterventions(_ context.Context) ([]Intervention, error) {
	var out []Intervention
	for _, iv := range r.st.interventions {
		if iv.Status == InterventionOpen {
			out = append(out, iv)
		}
	}
	slices.SortFunc(out, func(a, b Intervention) int { return a.OpenedAt.Compare(b.OpenedAt) })
	return out, nil
}

func (r *memRepo) BumpScheduleVersion(_ context.Context, providerID uuid.UUID) error {
	if err := r.write(); err != nil {
		return err
	}
	r.st.versions[providerID]++
	return nil
}

func (r *memRepo) ScheduleVersion(_ context.Context, providerID uuid.UUID) (int64, error) {
	return r.st.versions[providerID], nil
}

func (r *memRepo) InsertEvent(_ context.Context, ev EventLog) error {
	if err := r.write(); err != nil {
		return err
	}
	ev.ID = int64(len(r.st.events) + 1)
	r.st.events = append(r.st.events, ev)
	return nil
}
