package rbac

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func (r *PostgresRepo) Upsert(ctx context.Context, tgID int64, username string, addedBy int64) (PermittedUser, error) {
	const q = `
INSERT INTO permitted_users (tg_id, username, is_active, added_by, created_at, updated_at)
VALUES ($1, NULLIF($2, ''), TRUE, $3, $4, $4)
ON CONFLICT (tg_id) DO UPDATE
SET username = COALESCE(EXCLUDED.username, permitted_users.username),
    is_active = TRUE,
    added_by = EXCLUDED.added_by,
    updated_at = EXCLUDED.updated_at
RETURNING tg_id, username, is_active, added_by, created_at, updated_at
`
	return scanUser(r.db.QueryRowContext(ctx, q, tgID, username, addedBy, time.Now().UTC()))
}

func (r *PostgresRepo) Deactivate(ctx context.Context, tgID int64) (bool, error) {
	const q = `
UPDATE permitted_users SET is_active = FALSE, updated_at = $2
WHERE tg_id = $1
`
	res, err := r.db.ExecContext(ctx, q, tgID, time.Now().UTC())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *PostgresRepo) IsActive(ctx context.Context, tgID int64) (bool, error) {
	const q = `SELECT is_active FROM permitted_users WHERE tg_id = $1`
	var active bool
	if err := r.db.QueryRowContext(ctx, q, tgID).Scan(&active); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return active, nil
}

func (r *PostgresRepo) ListActive(ctx context.Context) ([]PermittedUser, error) {
	const q = `
SELECT tg_id, username, is_active, added_by, created_at, updated_at
FROM permitted_users
WHERE is_active = TRUE
ORDER BY tg_id
`
	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PermittedUser
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (PermittedUser, error) {
	var (
		u        PermittedUser
		username sql.NullString
		addedBy  sql.NullInt64
	)
	if err := row.Scan(&u.TgID, &username, &u.IsActive, &addedBy, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return PermittedUser{}, err
	}
	u.Username = username.String
	if addedBy.Valid {
		v := addedBy.Int64
		u.AddedBy = &v
	}
	return u, nil
}
