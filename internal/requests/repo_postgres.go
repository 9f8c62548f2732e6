package requests

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"ka-bot/pkg/utils"
)

// NOTE: This repository assumes the requests table from internal/migrations.
// external_id carries a UNIQUE constraint; CreateIfNotExists relies on it.

const requestColumns = `
id, external_id, status, user_full_name, user_phone,
car_brand, car_model, car_year, car_color, car_motor, car_price, car_currency,
group_message_id, assigned_to, assigned_to_name, assigned_at,
decision, decided_at, decision_comment,
is_sent_to_group, last_group_error, is_sent_to_1f, last_1f_error, callback_attempts,
created_at, updated_at`

type PostgresRepo struct {
	db    *sql.DB
	clock func() time.Time
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db, clock: time.Now}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (Request, error) {
	var (
		r              Request
		groupMessageID sql.NullInt64
		assignedTo     sql.NullInt64
		assignedName   sql.NullString
		assignedAt     sql.NullTime
		decision       sql.NullString
		decidedAt      sql.NullTime
		comment        sql.NullString
		groupErr       sql.NullString
		oneFErr        sql.NullString
	)
	if err := row.Scan(
		&r.ID,
		&r.ExternalID,
		&r.Status,
		&r.UserFullName,
		&r.UserPhone,
		&r.CarBrand,
		&r.CarModel,
		&r.CarYear,
		&r.CarColor,
		&r.CarMotor,
		&r.CarPrice,
		&r.CarCurrency,
		&groupMessageID,
		&assignedTo,
		&assignedName,
		&assignedAt,
		&decision,
		&decidedAt,
		&comment,
		&r.SentToGroup,
		&groupErr,
		&r.SentToOneF,
		&oneFErr,
		&r.CallbackAttempts,
		&r.CreatedAt,
		&r.UpdatedAt,
	); err != nil {
		return Request{}, err
	}
	if groupMessageID.Valid {
		v := groupMessageID.Int64
		r.GroupMessageID = &v
	}
	if assignedTo.Valid {
		v := assignedTo.Int64
		r.AssignedTo = &v
	}
	r.AssignedToName = assignedName.String
	if assignedAt.Valid {
		v := assignedAt.Time
		r.AssignedAt = &v
	}
	r.Decision = Status(decision.String)
	if decidedAt.Valid {
		v := decidedAt.Time
		r.DecidedAt = &v
	}
	r.DecisionComment = comment.String
	r.LastGroupError = groupErr.String
	r.LastOneFError = oneFErr.String
	return r, nil
}

func (r *PostgresRepo) GetByExternalID(ctx context.Context, externalID int64) (Request, error) {
	q := `SELECT ` + requestColumns + ` FROM requests WHERE external_id = $1`
	req, err := scanRequest(r.db.QueryRowContext(ctx, q, externalID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Request{}, ErrNotFound
		}
		return Request{}, err
	}
	return req, nil
}

func (r *PostgresRepo) CreateIfNotExists(ctx context.Context, in NewRequest) (Request, bool, error) {
	insert := `
INSERT INTO requests (
  external_id, status, user_full_name, user_phone,
  car_brand, car_model, car_year, car_color, car_motor, car_price, car_currency,
  created_at, updated_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$12
)
ON CONFLICT (external_id) DO NOTHING
RETURNING ` + requestColumns
	sel := `SELECT ` + requestColumns + ` FROM requests WHERE external_id = $1`

	now := r.clock().UTC()
	var (
		out     Request
		created bool
	)
	err := utils.WithTx(ctx, r.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		req, err := scanRequest(tx.QueryRowContext(ctx, insert,
			in.ExternalID,
			StatusNew,
			in.UserFullName,
			in.UserPhone,
			in.CarBrand,
			in.CarModel,
			in.CarYear,
			in.CarColor,
			in.CarMotor,
			in.CarPrice,
			in.CarCurrency,
			now,
		))
		if err == nil {
			out, created = req, true
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		// Conflict: somebody else already stored this external id.
		req, err = scanRequest(tx.QueryRowContext(ctx, sel, in.ExternalID))
		if err != nil {
			return err
		}
		out = req
		return nil
	})
	if err != nil {
		return Request{}, false, err
	}
	return out, created, nil
}

// transition runs a guarded UPDATE ... RETURNING and disambiguates a miss.
func (r *PostgresRepo) transition(ctx context.Context, externalID int64, q string, args ...any) (Request, error) {
	req, err := scanRequest(r.db.QueryRowContext(ctx, q+` RETURNING `+requestColumns, args...))
	if err == nil {
		return req, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Request{}, err
	}
	var exists bool
	if err := r.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM requests WHERE external_id = $1)`, externalID).Scan(&exists); err != nil {
		return Request{}, err
	}
	if !exists {
		return Request{}, ErrNotFound
	}
	return Request{}, ErrConflict
}

func (r *PostgresRepo) Claim(ctx context.Context, externalID, actorID int64, actorName string) (Request, error) {
	const q = `
UPDATE requests
SET status = 'ASSIGNED', assigned_to = $2, assigned_to_name = $3, assigned_at = $4, updated_at = $4
WHERE external_id = $1 AND status = 'NEW' AND is_sent_to_group = TRUE`
	return r.transition(ctx, externalID, q, externalID, actorID, actorName, r.clock().UTC())
}

func (r *PostgresRepo) StartWork(ctx context.Context, externalID, actorID int64) (Request, error) {
	const q = `
UPDATE requests
SET status = 'IN_PROGRESS', updated_at = $3
WHERE external_id = $1 AND status = 'ASSIGNED' AND assigned_to = $2`
	return r.transition(ctx, externalID, q, externalID, actorID, r.clock().UTC())
}

func (r *PostgresRepo) Release(ctx context.Context, externalID, actorID int64) (Request, error) {
	const q = `
UPDATE requests
SET status = 'NEW', assigned_to = NULL, assigned_to_name = NULL, assigned_at = NULL, updated_at = $3
WHERE external_id = $1 AND status = 'ASSIGNED' AND assigned_to = $2`
	return r.transition(ctx, externalID, q, externalID, actorID, r.clock().UTC())
}

func (r *PostgresRepo) Decide(ctx context.Context, externalID, actorID int64, decision Status, comment string) (Request, error) {
	if !decision.IsDecision() {
		return Request{}, ErrConflict
	}
	const q = `
UPDATE requests
SET status = $3, decision = $3, decision_comment = $4, decided_at = $5,
    is_sent_to_1f = FALSE, last_1f_error = NULL, updated_at = $5
WHERE external_id = $1 AND status = 'IN_PROGRESS' AND assigned_to = $2`
	return r.transition(ctx, externalID, q, externalID, actorID, decision, comment, decisionTime(r.clock()))
}

func (r *PostgresRepo) MarkGroupDelivered(ctx context.Context, externalID, messageID int64) (Request, error) {
	const q = `
UPDATE requests
SET status = 'NEW', group_message_id = $2, is_sent_to_group = TRUE, last_group_error = NULL, updated_at = $3
WHERE external_id = $1 AND is_sent_to_group = FALSE AND status IN ('NEW', 'ERROR_GROUP')`
	return r.transition(ctx, externalID, q, externalID, messageID, r.clock().UTC())
}

func (r *PostgresRepo) MarkGroupFailed(ctx context.Context, externalID int64, reason string) (Request, error) {
	const q = `
UPDATE requests
SET status = 'ERROR_GROUP', last_group_error = $2, updated_at = $3
WHERE external_id = $1 AND is_sent_to_group = FALSE AND status IN ('NEW', 'ERROR_GROUP')`
	return r.transition(ctx, externalID, q, externalID, TruncateError(reason, MaxErrorLen), r.clock().UTC())
}

func (r *PostgresRepo) MarkCallbackDelivered(ctx context.Context, externalID int64, decidedAt time.Time) (Request, error) {
	const q = `
UPDATE requests
SET status = decision, is_sent_to_1f = TRUE, last_1f_error = NULL, updated_at = $3
WHERE external_id = $1 AND decided_at = $2 AND is_sent_to_1f = FALSE
  AND status IN ('APPROVED', 'REJECTED', 'ERROR_ONEF')`
	return r.transition(ctx, externalID, q, externalID, decidedAt.UTC(), r.clock().UTC())
}

func (r *PostgresRepo) MarkCallbackFailed(ctx context.Context, externalID int64, decidedAt time.Time, reason string) (Request, error) {
	const q = `
UPDATE requests
SET status = 'ERROR_ONEF', last_1f_error = $3, callback_attempts = callback_attempts + 1, updated_at = $4
WHERE external_id = $1 AND decided_at = $2 AND is_sent_to_1f = FALSE
  AND status IN ('APPROVED', 'REJECTED', 'ERROR_ONEF')`
	return r.transition(ctx, externalID, q, externalID, decidedAt.UTC(), TruncateError(reason, MaxErrorLen), r.clock().UTC())
}

func (r *PostgresRepo) ListGroupRetryable(ctx context.Context, limit int, staleBefore time.Time) ([]Request, error) {
	q := `SELECT ` + requestColumns + `
FROM requests
WHERE is_sent_to_group = FALSE
  AND status IN ('NEW', 'ERROR_GROUP')
  AND (last_group_error IS NOT NULL OR updated_at < $2)
ORDER BY updated_at ASC
LIMIT $1`
	return r.list(ctx, q, limit, staleBefore.UTC())
}

func (r *PostgresRepo) ListCallbackRetryable(ctx context.Context, limit int, staleBefore time.Time) ([]Request, error) {
	q := `SELECT ` + requestColumns + `
FROM requests
WHERE is_sent_to_1f = FALSE
  AND status IN ('APPROVED', 'REJECTED', 'ERROR_ONEF')
  AND (last_1f_error IS NOT NULL OR decided_at < $2)
ORDER BY updated_at ASC
LIMIT $1`
	return r.list(ctx, q, limit, staleBefore.UTC())
}

func (r *PostgresRepo) list(ctx context.Context, q string, args ...any) ([]Request, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}
