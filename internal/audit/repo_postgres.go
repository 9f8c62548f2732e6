package audit

import (
	"context"
	"database/sql"
)

// PostgresRepo writes to audit_log. The table is INSERT-only.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func (r *PostgresRepo) Append(ctx context.Context, e Entry) error {
	const q = `
INSERT INTO audit_log (id, action, entity, entity_id, actor_id, payload, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)
`
	var actor sql.NullInt64
	if e.ActorID != nil {
		actor = sql.NullInt64{Int64: *e.ActorID, Valid: true}
	}
	var payload sql.NullString
	if e.Payload != "" {
		payload = sql.NullString{String: e.Payload, Valid: true}
	}
	_, err := r.db.ExecContext(ctx, q, e.ID, string(e.Action), e.Entity, e.EntityID, actor, payload, e.CreatedAt)
	return err
}
