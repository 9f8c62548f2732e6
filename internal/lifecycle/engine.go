// Package lifecycle owns operator-driven request transitions.
package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"

	"ka-bot/internal/audit"
	"ka-bot/internal/delivery"
	"ka-bot/internal/metrics"
	"ka-bot/internal/requests"
)

var ErrInvalidDecision = errors.New("decision must be APPROVED or REJECTED")

// Actor is the operator performing an action.
type Actor struct {
	ID   int64
	Name string
}

// DeclineResult tells the caller which decline branch applied.
type DeclineResult int

const (
	// DeclineReleased: the request was ASSIGNED and went back to NEW.
	DeclineReleased DeclineResult = iota + 1
	// DeclineNeedsComment: the request is IN_PROGRESS; collect a comment and call Decide(REJECTED).
	DeclineNeedsComment
)

// Engine runs guarded transitions, one conditional store update each. Every
// committed transition is audited and counted; Decide also delivers the
// decision to 1F before returning, outside any store transaction.
type Engine struct {
	repo    requests.Repository
	tracker *delivery.Tracker
	audit   *audit.Service
	metrics *metrics.Metrics
	log     *slog.Logger
}

type Options struct {
	Audit   *audit.Service
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

func NewEngine(repo requests.Repository, tracker *delivery.Tracker, opts Options) *Engine {
	if opts.Metrics == nil {
		opts.Metrics = metrics.Get()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Engine{
		repo:    repo,
		tracker: tracker,
		audit:   opts.Audit,
		metrics: opts.Metrics,
		log:     opts.Logger,
	}
}

func (e *Engine) Get(ctx context.Context, externalID int64) (requests.Request, error) {
	return e.repo.GetByExternalID(ctx, externalID)
}

func (e *Engine) Claim(ctx context.Context, externalID int64, actor Actor) (requests.Request, error) {
	req, err := e.repo.Claim(ctx, externalID, actor.ID, actor.Name)
	return e.committed(ctx, "claim", audit.ActionClaimed, actor, req, err, map[string]any{
		"assigned_to_name": actor.Name,
	})
}

func (e *Engine) StartWork(ctx context.Context, externalID int64, actor Actor) (requests.Request, error) {
	req, err := e.repo.StartWork(ctx, externalID, actor.ID)
	return e.committed(ctx, "start_work", audit.ActionWorkStarted, actor, req, err, nil)
}

func (e *Engine) Release(ctx context.Context, externalID int64, actor Actor) (requests.Request, error) {
	req, err := e.repo.Release(ctx, externalID, actor.ID)
	return e.committed(ctx, "release", audit.ActionReleased, actor, req, err, map[string]any{
		"prev_status": requests.StatusAssigned,
	})
}

// Decline branches on the stored status, never on caller input.
func (e *Engine) Decline(ctx context.Context, externalID int64, actor Actor) (requests.Request, DeclineResult, error) {
	req, err := e.repo.GetByExternalID(ctx, externalID)
	if err != nil {
		return requests.Request{}, 0, err
	}
	if !req.IsAssignedTo(actor.ID) {
		e.metrics.Conflict("decline")
		return req, 0, requests.ErrConflict
	}

	switch req.Status {
	case requests.StatusAssigned:
		released, err := e.Release(ctx, externalID, actor)
		if err != nil {
			return requests.Request{}, 0, err
		}
		return released, DeclineReleased, nil
	case requests.StatusInProgress:
		return req, DeclineNeedsComment, nil
	default:
		e.metrics.Conflict("decline")
		return req, 0, requests.ErrConflict
	}
}

// Decide records a terminal decision and then attempts the 1F callback once.
// A callback failure leaves the request in ERROR_ONEF for the reconcile loop
// and is not returned as an error.
func (e *Engine) Decide(ctx context.Context, externalID int64, actor Actor, decision requests.Status, comment string) (requests.Request, error) {
	if !decision.IsDecision() {
		return requests.Request{}, ErrInvalidDecision
	}
	comment = strings.TrimSpace(comment)

	req, err := e.repo.Decide(ctx, externalID, actor.ID, decision, comment)
	req, err = e.committed(ctx, "decide", audit.ActionDecided, actor, req, err, map[string]any{
		"decision": decision,
		"comment":  comment,
	})
	if err != nil {
		return requests.Request{}, err
	}

	if e.tracker == nil {
		return req, nil
	}
	delivered, out, derr := e.tracker.DeliverCallback(ctx, req)
	if derr != nil {
		e.log.ErrorContext(ctx, "record callback outcome failed", "external_id", externalID, "err", derr)
		return req, nil
	}
	if !out.OK() {
		e.log.WarnContext(ctx, "1f callback deferred to reconcile", "external_id", externalID, "reason", out.Reason())
	}
	return delivered, nil
}

func (e *Engine) committed(
	ctx context.Context,
	event string,
	action audit.Action,
	actor Actor,
	req requests.Request,
	err error,
	payload map[string]any,
) (requests.Request, error) {
	if err != nil {
		if errors.Is(err, requests.ErrConflict) {
			e.metrics.Conflict(event)
		}
		return requests.Request{}, err
	}

	e.metrics.Transition(event, string(req.Status))
	e.log.InfoContext(ctx, "transition", "event", event, "external_id", req.ExternalID, "status", req.Status, "actor_id", actor.ID)

	if e.audit != nil {
		if aerr := e.audit.Record(ctx, action, audit.EntityRequest, strconv.FormatInt(req.ExternalID, 10), audit.Actor(actor.ID), payload); aerr != nil {
			e.log.WarnContext(ctx, "audit append failed", "action", action, "err", aerr)
		}
	}
	return req, nil
}
