package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"ka-bot/internal/audit"
	"ka-bot/internal/metrics"
	"ka-bot/internal/requests"
)

// Tracker turns delivery outcomes into conditional lane updates.
//
// Invariants:
// - No store transaction is open while the external call runs.
// - A lane update that loses to a concurrent writer is absorbed: the caller gets
//   the current record and no error.
// - The returned error is a store error only; delivery failures are in the Outcome.
type Tracker struct {
	repo     requests.Repository
	group    Broadcaster
	callback Callback
	opts     TrackerOptions
}

type TrackerOptions struct {
	GroupTimeout    time.Duration
	CallbackTimeout time.Duration

	Audit   *audit.Service
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

func (o *TrackerOptions) setDefaults() {
	if o.GroupTimeout <= 0 {
		o.GroupTimeout = 10 * time.Second
	}
	if o.CallbackTimeout <= 0 {
		o.CallbackTimeout = 10 * time.Second
	}
	if o.Metrics == nil {
		o.Metrics = metrics.Get()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

func NewTracker(repo requests.Repository, group Broadcaster, callback Callback, opts TrackerOptions) *Tracker {
	opts.setDefaults()
	return &Tracker{repo: repo, group: group, callback: callback, opts: opts}
}

// DeliverGroup broadcasts req unless its group lane is already delivered.
func (t *Tracker) DeliverGroup(ctx context.Context, req requests.Request) (requests.Request, Outcome, error) {
	if req.GroupLane() == requests.LaneDelivered {
		return req, Delivered(derefOr(req.GroupMessageID)), nil
	}

	callCtx, cancel := context.WithTimeout(ctx, t.opts.GroupTimeout)
	start := time.Now()
	out := t.group.Broadcast(callCtx, req)
	cancel()
	latency := time.Since(start)

	var (
		updated requests.Request
		err     error
		action  audit.Action
		payload map[string]any
	)
	if out.OK() {
		updated, err = t.repo.MarkGroupDelivered(ctx, req.ExternalID, out.Ref())
		action, payload = audit.ActionGroupDelivered, map[string]any{"message_id": out.Ref()}
	} else {
		updated, err = t.repo.MarkGroupFailed(ctx, req.ExternalID, out.Reason())
		action, payload = audit.ActionGroupFailed, map[string]any{"error": requests.TruncateError(out.Reason(), requests.MaxErrorLen)}
	}
	return t.settle(ctx, metrics.LaneGroup, req, out, latency, updated, err, action, payload)
}

// DeliverCallback reports req's decision to 1F unless the callback lane is already delivered.
// The lane update is keyed on req.DecidedAt so a retry never overwrites a newer decision.
func (t *Tracker) DeliverCallback(ctx context.Context, req requests.Request) (requests.Request, Outcome, error) {
	if req.DecidedAt == nil || !req.Decision.IsDecision() {
		return req, Outcome{}, fmt.Errorf("request %d has no decision: %w", req.ExternalID, requests.ErrConflict)
	}
	if req.CallbackLane() == requests.LaneDelivered {
		return req, Delivered(0), nil
	}
	decidedAt := *req.DecidedAt

	callCtx, cancel := context.WithTimeout(ctx, t.opts.CallbackTimeout)
	start := time.Now()
	out := t.callback.SendDecision(callCtx, req)
	cancel()
	latency := time.Since(start)

	var (
		updated requests.Request
		err     error
		action  audit.Action
		payload map[string]any
	)
	if out.OK() {
		updated, err = t.repo.MarkCallbackDelivered(ctx, req.ExternalID, decidedAt)
		action, payload = audit.ActionCallbackSent, map[string]any{"decision": req.Decision}
	} else {
		updated, err = t.repo.MarkCallbackFailed(ctx, req.ExternalID, decidedAt, out.Reason())
		action, payload = audit.ActionCallbackFailed, map[string]any{
			"decision": req.Decision,
			"error":    requests.TruncateError(out.Reason(), requests.MaxErrorLen),
		}
	}
	return t.settle(ctx, metrics.LaneCallback, req, out, latency, updated, err, action, payload)
}

func (t *Tracker) settle(
	ctx context.Context,
	lane string,
	req requests.Request,
	out Outcome,
	latency time.Duration,
	updated requests.Request,
	err error,
	action audit.Action,
	payload map[string]any,
) (requests.Request, Outcome, error) {
	log := t.opts.Logger.With("lane", lane, "external_id", req.ExternalID)

	if errors.Is(err, requests.ErrConflict) {
		// A concurrent retry or a newer decision already moved the lane on.
		t.opts.Metrics.Delivery(lane, metrics.ResultLost, latency)
		log.InfoContext(ctx, "lane update lost to concurrent writer", "delivered", out.OK())
		current, getErr := t.repo.GetByExternalID(ctx, req.ExternalID)
		if getErr != nil {
			return req, out, getErr
		}
		return current, out, nil
	}
	if err != nil {
		log.ErrorContext(ctx, "lane update failed", "err", err)
		return req, out, err
	}

	result := metrics.ResultDelivered
	if !out.OK() {
		result = metrics.ResultErrored
		log.WarnContext(ctx, "delivery failed", "reason", out.Reason(), "status", updated.Status)
	}
	t.opts.Metrics.Delivery(lane, result, latency)

	if t.opts.Audit != nil {
		if aerr := t.opts.Audit.Record(ctx, action, audit.EntityRequest, strconv.FormatInt(req.ExternalID, 10), nil, payload); aerr != nil {
			log.WarnContext(ctx, "audit append failed", "err", aerr)
		}
	}
	return updated, out, nil
}

func derefOr(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}
