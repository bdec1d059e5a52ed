package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/hackgods/consultation-scheduling/internal/appointment"
)

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PgActionLog appends admin actions to the admin_actions table.
type PgActionLog struct {
	db execer
}

var _ appointment.AdminActionLog = (*PgActionLog)(nil)

func NewPgActionLog(db execer) *PgActionLog {
	return &PgActionLog{db: db}
}

func (l *PgActionLog) Record(ctx context.Context, a appointment.AdminAction) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	details := a.Details
	if details == nil {
		details = map[string]string{}
	}
	payload, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("marshal admin action details: %w", err)
	}

	_, err = l.db.Exec(ctx, `
		INSERT INTO admin_actions (id, admin_id, action, appointment_id, intervention_id, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, a.ID, a.AdminID, a.Action, a.AppointmentID, a.InterventionID, payload, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert admin action: %w", err)
	}
	return nil
}
