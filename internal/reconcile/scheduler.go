// Package reconcile periodically retries errored delivery lanes.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"ka-bot/internal/delivery"
	"ka-bot/internal/metrics"
	"ka-bot/internal/requests"
)

var ErrUnknownLane = errors.New("unknown lane")

// Leaser guards a lane sweep across replicas. *utils.RedisLeaser satisfies it.
type Leaser interface {
	Acquire(ctx context.Context, name string) (bool, error)
	Release(ctx context.Context, name string) error
}

type Options struct {
	GroupInterval     time.Duration
	CallbackInterval  time.Duration
	BatchSize         int
	StalePendingAfter time.Duration

	// Leaser is optional; without it every replica sweeps.
	Leaser Leaser

	Metrics *metrics.Metrics
	Logger  *slog.Logger
	Clock   func() time.Time
}

func (o *Options) setDefaults() {
	if o.GroupInterval <= 0 {
		o.GroupInterval = 300 * time.Second
	}
	if o.CallbackInterval <= 0 {
		o.CallbackInterval = 300 * time.Second
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 50
	}
	if o.StalePendingAfter <= 0 {
		o.StalePendingAfter = 10 * time.Minute
	}
	if o.Metrics == nil {
		o.Metrics = metrics.Get()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
}

// Stats summarises one sweep.
type Stats struct {
	Listed    int
	Delivered int
	Errored   int
	Failed    int // store error or panic while retrying one request
	Skipped   bool
}

// Scheduler runs one sweep loop per delivery lane. A request that errors or
// panics is counted and the batch moves on.
type Scheduler struct {
	repo    requests.Repository
	tracker *delivery.Tracker
	opts    Options
}

func NewScheduler(repo requests.Repository, tracker *delivery.Tracker, opts Options) *Scheduler {
	opts.setDefaults()
	return &Scheduler{repo: repo, tracker: tracker, opts: opts}
}

// Run blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.loop(ctx, metrics.LaneGroup, s.opts.GroupInterval) })
	g.Go(func() error { return s.loop(ctx, metrics.LaneCallback, s.opts.CallbackInterval) })
	return g.Wait()
}

func (s *Scheduler) loop(ctx context.Context, lane string, every time.Duration) error {
	log := s.opts.Logger.With("lane", lane)
	log.InfoContext(ctx, "reconcile loop started", "interval", every.String())

	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.InfoContext(ctx, "reconcile loop stopped")
			return nil
		case <-ticker.C:
		}

		stats, err := s.RunOnce(ctx, lane)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.WarnContext(ctx, "reconcile tick failed", "err", err)
			continue
		}
		if stats.Listed > 0 {
			log.InfoContext(ctx, "reconcile tick",
				"listed", stats.Listed,
				"delivered", stats.Delivered,
				"errored", stats.Errored,
				"failed", stats.Failed,
			)
		}
	}
}

// RunOnce performs a single sweep of lane.
func (s *Scheduler) RunOnce(ctx context.Context, lane string) (Stats, error) {
	if lane != metrics.LaneGroup && lane != metrics.LaneCallback {
		return Stats{}, fmt.Errorf("%w: %q", ErrUnknownLane, lane)
	}

	if s.opts.Leaser != nil {
		held, err := s.opts.Leaser.Acquire(ctx, lane)
		if err != nil {
			s.opts.Metrics.LeaseHeld(lane, false)
			return Stats{}, fmt.Errorf("acquire %s lease: %w", lane, err)
		}
		s.opts.Metrics.LeaseHeld(lane, held)
		if !held {
			return Stats{Skipped: true}, nil
		}
		defer func() {
			relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
			defer cancel()
			if err := s.opts.Leaser.Release(relCtx, lane); err != nil {
				s.opts.Logger.WarnContext(ctx, "release lease failed", "lane", lane, "err", err)
			}
		}()
	}

	start := time.Now()
	stats, err := s.sweep(ctx, lane)
	result := "ok"
	if err != nil {
		result = "error"
	}
	s.opts.Metrics.Sweep(lane, result, time.Since(start))
	return stats, err
}

func (s *Scheduler) sweep(ctx context.Context, lane string) (Stats, error) {
	staleBefore := s.opts.Clock().Add(-s.opts.StalePendingAfter)

	var (
		batch []requests.Request
		err   error
	)
	if lane == metrics.LaneGroup {
		batch, err = s.repo.ListGroupRetryable(ctx, s.opts.BatchSize, staleBefore)
	} else {
		batch, err = s.repo.ListCallbackRetryable(ctx, s.opts.BatchSize, staleBefore)
	}
	if err != nil {
		return Stats{}, fmt.Errorf("list %s retryable: %w", lane, err)
	}

	stats := Stats{Listed: len(batch)}
	for _, req := range batch {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		out, err := s.retryOne(ctx, lane, req)
		switch {
		case err != nil:
			stats.Failed++
			s.opts.Metrics.SweepItem(lane, "failed")
			s.opts.Logger.WarnContext(ctx, "reconcile retry failed",
				"lane", lane, "external_id", req.ExternalID, "err", err)
		case out.OK():
			stats.Delivered++
			s.opts.Metrics.SweepItem(lane, metrics.ResultDelivered)
		default:
			stats.Errored++
			s.opts.Metrics.SweepItem(lane, metrics.ResultErrored)
		}
	}
	return stats, nil
}

func (s *Scheduler) retryOne(ctx context.Context, lane string, req requests.Request) (out delivery.Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	if lane == metrics.LaneGroup {
		_, out, err = s.tracker.DeliverGroup(ctx, req)
	} else {
		_, out, err = s.tracker.DeliverCallback(ctx, req)
	}
	return out, err
}

// Retry re-attempts one lane of one request immediately. A lane that is
// already delivered is reported as delivered without another attempt.
func (s *Scheduler) Retry(ctx context.Context, lane string, externalID int64) (requests.Request, delivery.Outcome, error) {
	req, err := s.repo.GetByExternalID(ctx, externalID)
	if err != nil {
		return requests.Request{}, delivery.Outcome{}, err
	}
	switch lane {
	case metrics.LaneGroup:
		return s.tracker.DeliverGroup(ctx, req)
	case metrics.LaneCallback:
		return s.tracker.DeliverCallback(ctx, req)
	default:
		return req, delivery.Outcome{}, fmt.Errorf("%w: %q", ErrUnknownLane, lane)
	}
}
