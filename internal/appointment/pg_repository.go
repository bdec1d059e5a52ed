package appointment

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	uniqueViolation = "23505"

	activeSlotConstraint  = "appointments_active_slot_key"
	openRequestConstraint = "intervention_requests_open_key"
)

const (
	appointmentColumns  = "id, provider_id, client_id, scheduled_at, duration_minutes, status, kind, notes, needs_admin_review, cancelled_by_role, cancelled_at, cancellation_reason, confirmed_at, completed_at, created_at, updated_at"
	interventionColumns = "id, appointment_id, provider_id, opened_at, status, note, cancellation_count, resolved_at, resolved_by, resolution_note, resolution_action"
	templateColumns     = "id, provider_id, weekday, start_minute, end_minute, is_active, created_at"
	leaveColumns        = "id, provider_id, start_date, end_date, kind, start_minute, end_minute, note, created_at"
)

// dbtx is satisfied by pgxpool.Pool, pgx.Tx and pgxmock.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type txBeginner interface {
	dbtx
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PgStore is the Postgres-backed Store.
type PgStore struct {
	db txBeginner
}

func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{db: pool}
}

func newPgStoreWithDB(db txBeginner) *PgStore {
	return &PgStore{db: db}
}

func (s *PgStore) WithTx(ctx context.Context, fn func(ctx context.Context, repo Repository) error) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		// No-op once committed.
		_ = tx.Rollback(context.WithoutCancel(ctx))
	}()

	if err := fn(ctx, NewPgRepository(tx)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", mapPgError(err))
	}
	return nil
}

func (s *PgStore) View(ctx context.Context, fn func(ctx context.Context, repo Repository) error) error {
	return fn(ctx, NewPgRepository(s.db))
}

// PgRepository runs every query against one connection or transaction.
type PgRepository struct {
	db dbtx
	qb goqu.DialectWrapper
}

func NewPgRepository(db dbtx) *PgRepository {
	return &PgRepository{db: db, qb: goqu.Dialect("postgres")}
}

// Helpers

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	var minutes int
	var role *string

	err := row.Scan(
		&a.ID,
		&a.ProviderID,
		&a.ClientID,
		&a.ScheduledAt,
		&minutes,
		&a.Status,
		&a.Type,
		&a.Notes,
		&a.NeedsAdminReview,
		&role,
		&a.CancelledAt,
		&a.CancellationReason,
		&a.ConfirmedAt,
		&a.CompletedAt,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}

	a.Duration = time.Duration(minutes) * time.Minute
	if role != nil {
		r := Role(*role)
		a.CancelledByRole = &r
	}
	return &a, nil
}

func scanAppointments(rows pgx.Rows) ([]Appointment, error) {
	defer rows.Close()

	var result []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func scanIntervention(row pgx.Row) (*Intervention, error) {
	var iv Intervention
	var action *string

	err := row.Scan(
		&iv.ID,
		&iv.AppointmentID,
		&iv.ProviderID,
		&iv.OpenedAt,
		&iv.Status,
		&iv.Note,
		&iv.CancellationCount,
		&iv.ResolvedAt,
		&iv.ResolvedBy,
		&iv.ResolutionNote,
		&action,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrInterventionNotFound
		}
		return nil, err
	}
	if action != nil {
		iv.Action = ResolutionAction(*action)
	}
	return &iv, nil
}

func scanLeave(row pgx.Row) (*Leave, error) {
	var l Leave
	var start, end *int

	if err := row.Scan(&l.ID, &l.ProviderID, &l.StartDate, &l.EndDate, &l.Kind, &start, &end, &l.Note, &l.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrLeaveNotFound
		}
		return nil, err
	}
	if start != nil {
		t := TimeOfDay(*start)
		l.StartTime = &t
	}
	if end != nil {
		t := TimeOfDay(*end)
		l.EndTime = &t
	}
	l.StartDate = civilDate(l.StartDate)
	l.EndDate = civilDate(l.EndDate)
	return &l, nil
}

func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		switch pgErr.ConstraintName {
		case activeSlotConstraint:
			return fmt.Errorf("%w: %s", ErrDuplicateSlot, pgErr.Detail)
		case openRequestConstraint:
			return ErrDuplicateIntervention
		}
	}
	return err
}

func statusStrings(ss []Status) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = string(s)
	}
	return out
}

func minutesPtr(t *TimeOfDay) *int {
	if t == nil {
		return nil
	}
	m := int(*t)
	return &m
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// Interface methods

// LockKeys takes transaction-scoped advisory locks in a stable order so
// concurrent transactions cannot deadlock on each other.
func (r *PgRepository) LockKeys(ctx context.Context, keys ...string) error {
	sorted := slices.Clone(keys)
	slices.Sort(sorted)
	for _, k := range slices.Compact(sorted) {
		if _, err := r.db.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, k); err != nil {
			return fmt.Errorf("advisory lock %s: %w", k, err)
		}
	}
	return nil
}

func (r *PgRepository) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
	`, id)
	return scanAppointment(row)
}

func (r *PgRepository) GetAppointmentForUpdate(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
		FOR UPDATE
	`, id)
	return scanAppointment(row)
}

func (r *PgRepository) InsertAppointment(ctx context.Context, a *Appointment) error {
	var role *string
	if a.CancelledByRole != nil {
		s := string(*a.CancelledByRole)
		role = &s
	}
	_, err := r.db.Exec(ctx, `
		INSERT INTO appointments (`+appointmentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`,
		a.ID, a.ProviderID, a.ClientID, a.ScheduledAt, int(a.Duration/time.Minute),
		string(a.Status), string(a.Type), a.Notes, a.NeedsAdminReview,
		role, a.CancelledAt, a.CancellationReason, a.ConfirmedAt, a.CompletedAt,
		a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert appointment: %w", mapPgError(err))
	}
	return nil
}

func (r *PgRepository) UpdateAppointment(ctx context.Context, a *Appointment) error {
	var role *string
	if a.CancelledByRole != nil {
		s := string(*a.CancelledByRole)
		role = &s
	}
	tag, err := r.db.Exec(ctx, `
		UPDATE appointments
		SET provider_id = $2,
		    scheduled_at = $3,
		    status = $4,
		    notes = $5,
		    needs_admin_review = $6,
		    cancelled_by_role = $7,
		    cancelled_at = $8,
		    cancellation_reason = $9,
		    confirmed_at = $10,
		    completed_at = $11,
		    updated_at = $12
		WHERE id = $1
	`,
		a.ID, a.ProviderID, a.ScheduledAt, string(a.Status), a.Notes, a.NeedsAdminReview,
		role, a.CancelledAt, a.CancellationReason, a.ConfirmedAt, a.CompletedAt, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update appointment: %w", mapPgError(err))
	}
	if tag.RowsAffected() == 0 {
		return ErrAppointmentNotFound
	}
	return nil
}

func (r *PgRepository) ListActiveByProvider(ctx context.Context, providerID uuid.UUID, from, to time.Time) ([]Appointment, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE provider_id = $1
		  AND status = ANY($2)
		  AND scheduled_at >= $3
		  AND scheduled_at < $4
		ORDER BY scheduled_at
	`, providerID, statusStrings(activeStatuses), from, to)
	if err != nil {
		return nil, fmt.Errorf("list provider appointments: %w", err)
	}
	return scanAppointments(rows)
}

func (r *PgRepository) ListActiveByClient(ctx context.Context, clientID uuid.UUID, from, to time.Time) ([]Appointment, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE client_id = $1
		  AND status = ANY($2)
		  AND scheduled_at >= $3
		  AND scheduled_at < $4
		ORDER BY scheduled_at
	`, clientID, statusStrings(activeStatuses), from, to)
	if err != nil {
		return nil, fmt.Errorf("list client appointments: %w", err)
	}
	return scanAppointments(rows)
}

// ListAppointments builds its filter with goqu since every predicate is optional.
func (r *PgRepository) ListAppointments(ctx context.Context, f AppointmentFilter) ([]Appointment, error) {
	ds := r.qb.From("appointments").Prepared(true).
		Select(goqu.L(appointmentColumns))

	if f.ProviderID != nil {
		ds = ds.Where(goqu.Ex{"provider_id": *f.ProviderID})
	}
	if f.ClientID != nil {
		ds = ds.Where(goqu.Ex{"client_id": *f.ClientID})
	}
	if f.Status != "" {
		ds = ds.Where(goqu.Ex{"status": string(f.Status)})
	}
	if f.From != nil {
		ds = ds.Where(goqu.C("scheduled_at").Gte(*f.From))
	}
	if f.To != nil {
		ds = ds.Where(goqu.C("scheduled_at").Lt(*f.To))
	}

	ds = ds.Order(goqu.I("scheduled_at").Desc())
	if f.Limit > 0 {
		ds = ds.Limit(uint(f.Limit))
	}
	if f.Offset > 0 {
		ds = ds.Offset(uint(f.Offset))
	}

	query, args, err := ds.ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list query: %w", err)
	}
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list appointments: %w", err)
	}
	return scanAppointments(rows)
}

func (r *PgRepository) CountCancellations(ctx context.Context, role Role, partyID uuid.UUID, from, to time.Time) (int, error) {
	column := "client_id"
	if role == RoleProvider {
		column = "provider_id"
	}

	var n int
	err := r.db.QueryRow(ctx, `
		SELECT count(*)
		FROM appointments
		WHERE status = 'CANCELLED'
		  AND cancelled_by_role = $1
		  AND `+column+` = $2
		  AND cancelled_at >= $3
		  AND cancelled_at <= $4
	`, string(role), partyID, from, to).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count cancellations: %w", err)
	}
	return n, nil
}

func (r *PgRepository) ListActiveTemplates(ctx context.Context, providerID uuid.UUID) ([]Template, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+templateColumns+`
		FROM weekly_availability_templates
		WHERE provider_id = $1
		  AND is_active
		ORDER BY weekday, start_minute
	`, providerID)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	defer rows.Close()

	var result []Template
	for rows.Next() {
		var t Template
		var wd, start, end int
		if err := rows.Scan(&t.ID, &t.ProviderID, &wd, &start, &end, &t.Active, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Weekday, t.StartTime, t.EndTime = Weekday(wd), TimeOfDay(start), TimeOfDay(end)
		result = append(result, t)
	}
	return result, rows.Err()
}

func (r *PgRepository) ReplaceTemplates(ctx context.Context, providerID uuid.UUID, templates []Template) error {
	if _, err := r.db.Exec(ctx, `
		UPDATE weekly_availability_templates
		SET is_active = false
		WHERE provider_id = $1
		  AND is_active
	`, providerID); err != nil {
		return fmt.Errorf("deactivate templates: %w", err)
	}

	for _, t := range templates {
		if _, err := r.db.Exec(ctx, `
			INSERT INTO weekly_availability_templates (`+templateColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, t.ID, providerID, int(t.Weekday), int(t.StartTime), int(t.EndTime), t.Active, t.CreatedAt); err != nil {
			return fmt.Errorf("insert template: %w", err)
		}
	}
	return nil
}

func (r *PgRepository) ListLeaves(ctx context.Context, providerID uuid.UUID, from, to time.Time) ([]Leave, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+leaveColumns+`
		FROM leave_records
		WHERE provider_id = $1
		  AND end_date >= $2
		  AND start_date <= $3
		ORDER BY start_date
	`, providerID, from, to)
	if err != nil {
		return nil, fmt.Errorf("list leaves: %w", err)
	}
	defer rows.Close()

	var result []Leave
	for rows.Next() {
		l, err := scanLeave(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *l)
	}
	return result, rows.Err()
}

func (r *PgRepository) InsertLeave(ctx context.Context, l *Leave) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO leave_records (`+leaveColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, l.ID, l.ProviderID, l.StartDate, l.EndDate, string(l.Kind), minutesPtr(l.StartTime), minutesPtr(l.EndTime), l.Note, l.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert leave: %w", err)
	}
	return nil
}

func (r *PgRepository) DeleteLeave(ctx context.Context, providerID, leaveID uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `
		DELETE FROM leave_records
		WHERE id = $1
		  AND provider_id = $2
	`, leaveID, providerID)
	if err != nil {
		return fmt.Errorf("delete leave: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaveNotFound
	}
	return nil
}

func (r *PgRepository) InsertIntervention(ctx context.Context, iv *Intervention) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO intervention_requests (`+interventionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`,
		iv.ID, iv.AppointmentID, iv.ProviderID, iv.OpenedAt, string(iv.Status), iv.Note,
		iv.CancellationCount, iv.ResolvedAt, iv.ResolvedBy, iv.ResolutionNote, nullableAction(iv.Action),
	)
	if err != nil {
		return fmt.Errorf("insert intervention: %w", mapPgError(err))
	}
	return nil
}

func (r *PgRepository) UpdateIntervention(ctx context.Context, iv *Intervention) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE intervention_requests
		SET status = $2,
		    resolved_at = $3,
		    resolved_by = $4,
		    resolution_note = $5,
		    resolution_action = $6
		WHERE id = $1
	`, iv.ID, string(iv.Status), iv.ResolvedAt, iv.ResolvedBy, iv.ResolutionNote, nullableAction(iv.Action))
	if err != nil {
		return fmt.Errorf("update intervention: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInterventionNotFound
	}
	return nil
}

func nullableAction(a ResolutionAction) *string {
	if a == "" {
		return nil
	}
	s := string(a)
	return &s
}

func (r *PgRepository) GetIntervention(ctx context.Context, id uuid.UUID) (*Intervention, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+interventionColumns+`
		FROM intervention_requests
		WHERE id = $1
	`, id)
	return scanIntervention(row)
}

func (r *PgRepository) GetInterventionForUpdate(ctx context.Context, id uuid.UUID) (*Intervention, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+interventionColumns+`
		FROM intervention_requests
		WHERE id = $1
		FOR UPDATE
	`, id)
	return scanIntervention(row)
}

func (r *PgRepository) FindOpenIntervention(ctx context.Context, appointmentID uuid.UUID) (*Intervention, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+interventionColumns+`
		FROM intervention_requests
		WHERE appointment_id = $1
		  AND status = 'OPEN'
	`, appointmentID)
	return scanIntervention(row)
}

func (r *PgRepository) ListOpenInterventions(ctx context.Context) ([]Intervention, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+interventionColumns+`
		FROM intervention_requests
		WHERE status = 'OPEN'
		ORDER BY opened_at
	`)
	if err != nil {
		return nil, fmt.Errorf("list interventions: %w", err)
	}
	defer rows.Close()

	var result []Intervention
	for rows.Next() {
		iv, err := scanIntervention(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *iv)
	}
	return result, rows.Err()
}

func (r *PgRepository) BumpScheduleVersion(ctx context.Context, providerID uuid.UUID) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO provider_schedule_versions (provider_id, version, updated_at)
		VALUES ($1, 1, now())
		ON CONFLICT (provider_id)
		DO UPDATE SET version = provider_schedule_versions.version + 1, updated_at = now()
	`, providerID)
	if err != nil {
		return fmt.Errorf("bump schedule version: %w", err)
	}
	return nil
}

func (r *PgRepository) ScheduleVersion(ctx context.Context, providerID uuid.UUID) (int64, error) {
	var v int64
	err := r.db.QueryRow(ctx, `
		SELECT version
		FROM provider_schedule_versions
		WHERE provider_id = $1
	`, providerID).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read schedule version: %w", err)
	}
	return v, nil
}

func (r *PgRepository) InsertEvent(ctx context.Context, ev EventLog) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO event_logs (event_type, appointment_id, payload, created_at)
		VALUES ($1, $2, $3, COALESCE($4, now()))
	`, ev.EventType, ev.AppointmentID, ev.Payload, nullableTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}

	return nil
}

// PgDirectory answers provider and client lookups from the externally owned
// providers and clients tables.
type PgDirectory struct {
	db dbtx
}

func NewPgDirectory(pool *pgxpool.Pool) *PgDirectory {
	return &PgDirectory{db: pool}
}

func (d *PgDirectory) IsApprovedAndActive(ctx context.Context, providerID uuid.UUID) (bool, error) {
	var ok bool
	err := d.db.QueryRow(ctx, `
		SELECT approval_status = 'APPROVED' AND is_active
		FROM providers
		WHERE id = $1
	`, providerID).Scan(&ok)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup provider: %w", err)
	}
	return ok, nil
}

func (d *PgDirectory) Exists(ctx context.Context, clientID uuid.UUID) (bool, error) {
	var ok bool
	err := d.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM clients WHERE id = $1)`, clientID).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("lookup client: %w", err)
	}
	return ok, nil
}
