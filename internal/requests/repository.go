package requests

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("request not found")
	// ErrConflict means the record exists but the transition guard did not hold.
	ErrConflict = errors.New("request not available")
)

// Repository is the request store. Every mutating method is a single
// conditional update: it either applies atomically or reports ErrConflict /
// ErrNotFound without side effects.
type Repository interface {
	GetByExternalID(ctx context.Context, externalID int64) (Request, error)

	// CreateIfNotExists returns the stored record and whether this call created it.
	CreateIfNotExists(ctx context.Context, in NewRequest) (Request, bool, error)

	// Claim: NEW with the group lane delivered -> ASSIGNED.
	Claim(ctx context.Context, externalID, actorID int64, actorName string) (Request, error)
	// StartWork: ASSIGNED to actor -> IN_PROGRESS.
	StartWork(ctx context.Context, externalID, actorID int64) (Request, error)
	// Release: ASSIGNED to actor -> NEW, assignee cleared.
	Release(ctx context.Context, externalID, actorID int64) (Request, error)
	// Decide: IN_PROGRESS assigned to actor -> decision, callback lane reset to pending.
	Decide(ctx context.Context, externalID, actorID int64, decision Status, comment string) (Request, error)

	// Group lane. Guard: lane not yet delivered and status NEW or ERROR_GROUP.
	MarkGroupDelivered(ctx context.Context, externalID, messageID int64) (Request, error)
	MarkGroupFailed(ctx context.Context, externalID int64, reason string) (Request, error)

	// Callback lane. Guard: decided_at equals decidedAt and lane not yet delivered.
	MarkCallbackDelivered(ctx context.Context, externalID int64, decidedAt time.Time) (Request, error)
	MarkCallbackFailed(ctx context.Context, externalID int64, decidedAt time.Time, reason string) (Request, error)

	// ListGroupRetryable returns errored group lanes plus pending ones not touched since staleBefore.
	ListGroupRetryable(ctx context.Context, limit int, staleBefore time.Time) ([]Request, error)
	// ListCallbackRetryable returns errored callback lanes plus pending ones decided before staleBefore.
	ListCallbackRetryable(ctx context.Context, limit int, staleBefore time.Time) ([]Request, error)
}
