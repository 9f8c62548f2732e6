package reconcile

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ka-bot/internal/delivery"
	"ka-bot/internal/metrics"
	"ka-bot/internal/requests"
)

type switchable struct {
	calls   atomic.Int32
	failing atomic.Bool
	panicOn atomic.Int64
}

func (s *switchable) Broadcast(ctx context.Context, req requests.Request) delivery.Outcome {
	return s.attempt(req, delivery.Delivered(900+req.ExternalID))
}

func (s *switchable) SendDecision(ctx context.Context, req requests.Request) delivery.Outcome {
	return s.attempt(req, delivery.Delivered(0))
}

func (s *switchable) attempt(req requests.Request, ok delivery.Outcome) delivery.Outcome {
	s.calls.Add(1)
	if id := s.panicOn.Load(); id != 0 && id == req.ExternalID {
		panic("renderer exploded")
	}
	if s.failing.Load() {
		return delivery.Errored("upstream unavailable")
	}
	return ok
}

type fixture struct {
	repo     *requests.MemoryRepo
	group    *switchable
	callback *switchable
	tracker  *delivery.Tracker
}

func newFixture() *fixture {
	f := &fixture{repo: requests.NewMemoryRepo(), group: &switchable{}, callback: &switchable{}}
	f.tracker = delivery.NewTracker(f.repo, f.group, f.callback, delivery.TrackerOptions{})
	return f
}

func (f *fixture) scheduler(opts Options) *Scheduler {
	return NewScheduler(f.repo, f.tracker, opts)
}

// ingestFailing stores ext and runs a failed first broadcast.
func (f *fixture) ingestFailing(t *testing.T, ext int64) {
	t.Helper()
	ctx := context.Background()
	req, _, err := f.repo.CreateIfNotExists(ctx, requests.NewRequest{ExternalID: ext, UserPhone: "+992123456789"})
	require.NoError(t, err)
	f.group.failing.Store(true)
	got, out, err := f.tracker.DeliverGroup(ctx, req)
	f.group.failing.Store(false)
	require.NoError(t, err)
	require.False(t, out.OK())
	require.Equal(t, requests.StatusErrorGroup, got.Status)
}

// decidedWithFailedCallback walks ext to a decision whose 1F callback failed.
func (f *fixture) decidedWithFailedCallback(t *testing.T, ext int64) requests.Request {
	t.Helper()
	ctx := context.Background()
	_, _, err := f.repo.CreateIfNotExists(ctx, requests.NewRequest{ExternalID: ext})
	require.NoError(t, err)
	_, err = f.repo.MarkGroupDelivered(ctx, ext, 1)
	require.NoError(t, err)
	_, err = f.repo.Claim(ctx, ext, 5, "op")
	require.NoError(t, err)
	_, err = f.repo.StartWork(ctx, ext, 5)
	require.NoError(t, err)
	decided, err := f.repo.Decide(ctx, ext, 5, requests.StatusRejected, "wrong car")
	require.NoError(t, err)
	failed, err := f.repo.MarkCallbackFailed(ctx, ext, *decided.DecidedAt, "1f error: status 500")
	require.NoError(t, err)
	return failed
}

func TestRunOnce_GroupLaneConverges(t *testing.T) {
	f := newFixture()
	f.ingestFailing(t, 1001)

	stats, err := f.scheduler(Options{}).RunOnce(context.Background(), metrics.LaneGroup)
	require.NoError(t, err)
	require.Equal(t, Stats{Listed: 1, Delivered: 1}, stats)

	got, err := f.repo.GetByExternalID(context.Background(), 1001)
	require.NoError(t, err)
	require.Equal(t, requests.StatusNew, got.Status)
	require.True(t, got.SentToGroup)
	require.Empty(t, got.LastGroupError)
	require.NotNil(t, got.GroupMessageID)
	require.Equal(t, int64(1901), *got.GroupMessageID)
}

func TestRunOnce_StillFailingKeepsError(t *testing.T) {
	f := newFixture()
	f.ingestFailing(t, 1)
	f.group.failing.Store(true)

	stats, err := f.scheduler(Options{}).RunOnce(context.Background(), metrics.LaneGroup)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Errored)

	got, _ := f.repo.GetByExternalID(context.Background(), 1)
	require.Equal(t, requests.StatusErrorGroup, got.Status)
	require.Equal(t, "upstream unavailable", got.LastGroupError)
}

func TestRunOnce_LanesAreIndependent(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.ingestFailing(t, 1)
	before := f.decidedWithFailedCallback(t, 2)

	// Group sweep touches only the group lane.
	f.group.failing.Store(true)
	_, err := f.scheduler(Options{}).RunOnce(ctx, metrics.LaneGroup)
	require.NoError(t, err)
	other, _ := f.repo.GetByExternalID(ctx, 2)
	require.Equal(t, before, other)
	require.Zero(t, f.callback.calls.Load())

	// Callback sweep touches only the callback lane.
	groupBefore, _ := f.repo.GetByExternalID(ctx, 1)
	stats, err := f.scheduler(Options{}).RunOnce(ctx, metrics.LaneCallback)
	require.NoError(t, err)
	require.Equal(t, Stats{Listed: 1, Delivered: 1}, stats)

	groupAfter, _ := f.repo.GetByExternalID(ctx, 1)
	require.Equal(t, groupBefore, groupAfter)

	restored, _ := f.repo.GetByExternalID(ctx, 2)
	require.Equal(t, requests.StatusRejected, restored.Status)
	require.True(t, restored.SentToOneF)
	require.Equal(t, "wrong car", restored.DecisionComment)
	require.True(t, restored.IsAssignedTo(5))
}

func TestRunOnce_PanicDoesNotAbortBatch(t *testing.T) {
	f := newFixture()
	f.ingestFailing(t, 1)
	f.ingestFailing(t, 2)
	f.group.panicOn.Store(1)

	stats, err := f.scheduler(Options{}).RunOnce(context.Background(), metrics.LaneGroup)
	require.NoError(t, err)
	require.Equal(t, 2, stats.Listed)
	require.Equal(t, 1, stats.Failed)
	require.Equal(t, 1, stats.Delivered)

	got, _ := f.repo.GetByExternalID(context.Background(), 2)
	require.True(t, got.SentToGroup)
}

func TestRunOnce_PicksUpStalePending(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	f.repo.Clock = func() time.Time { return base }
	_, _, err := f.repo.CreateIfNotExists(ctx, requests.NewRequest{ExternalID: 3})
	require.NoError(t, err)

	now := base.Add(5 * time.Minute)
	s := f.scheduler(Options{StalePendingAfter: 10 * time.Minute, Clock: func() time.Time { return now }})
	stats, err := s.RunOnce(ctx, metrics.LaneGroup)
	require.NoError(t, err)
	require.Zero(t, stats.Listed)

	now = base.Add(11 * time.Minute)
	stats, err = s.RunOnce(ctx, metrics.LaneGroup)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Delivered)
}

func TestRunOnce_BatchSizeLimits(t *testing.T) {
	f := newFixture()
	for ext := int64(1); ext <= 5; ext++ {
		f.ingestFailing(t, ext)
	}
	stats, err := f.scheduler(Options{BatchSize: 2}).RunOnce(context.Background(), metrics.LaneGroup)
	require.NoError(t, err)
	require.Equal(t, 2, stats.Listed)
}

type fakeLeaser struct {
	mu       sync.Mutex
	grant    bool
	err      error
	released []string
}

func (l *fakeLeaser) Acquire(ctx context.Context, name string) (bool, error) {
	return l.grant, l.err
}

func (l *fakeLeaser) Release(ctx context.Context, name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.released = append(l.released, name)
	return nil
}

func TestRunOnce_RespectsLease(t *testing.T) {
	f := newFixture()
	f.ingestFailing(t, 1)
	calls := f.group.calls.Load()

	busy := &fakeLeaser{grant: false}
	stats, err := f.scheduler(Options{Leaser: busy}).RunOnce(context.Background(), metrics.LaneGroup)
	require.NoError(t, err)
	require.True(t, stats.Skipped)
	require.Equal(t, calls, f.group.calls.Load())
	require.Empty(t, busy.released)

	free := &fakeLeaser{grant: true}
	stats, err = f.scheduler(Options{Leaser: free}).RunOnce(context.Background(), metrics.LaneGroup)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Delivered)
	require.Equal(t, []string{metrics.LaneGroup}, free.released)

	broken := &fakeLeaser{err: errors.New("redis down")}
	_, err = f.scheduler(Options{Leaser: broken}).RunOnce(context.Background(), metrics.LaneGroup)
	require.Error(t, err)
}

func TestRunOnce_UnknownLane(t *testing.T) {
	_, err := newFixture().scheduler(Options{}).RunOnce(context.Background(), "sms")
	require.ErrorIs(t, err, ErrUnknownLane)
}

func TestRetry_SingleRequest(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.ingestFailing(t, 1)
	s := f.scheduler(Options{})

	got, out, err := s.Retry(ctx, metrics.LaneGroup, 1)
	require.NoError(t, err)
	require.True(t, out.OK())
	require.True(t, got.SentToGroup)

	_, _, err = s.Retry(ctx, metrics.LaneCallback, 1)
	require.ErrorIs(t, err, requests.ErrConflict)

	_, _, err = s.Retry(ctx, metrics.LaneGroup, 404)
	require.ErrorIs(t, err, requests.ErrNotFound)
}

func TestRun_ConvergesWithinInterval(t *testing.T) {
	f := newFixture()
	f.ingestFailing(t, 1001)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- f.scheduler(Options{GroupInterval: 10 * time.Millisecond, CallbackInterval: 10 * time.Millisecond}).Run(ctx)
	}()

	require.Eventually(t, func() bool {
		got, err := f.repo.GetByExternalID(context.Background(), 1001)
		return err == nil && got.SentToGroup && got.LastGroupError == ""
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop after cancel")
	}
}
