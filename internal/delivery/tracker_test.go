package delivery

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"ka-bot/internal/audit"
	"ka-bot/internal/requests"
)

type broadcasterFunc func(ctx context.Context, req requests.Request) Outcome

func (f broadcasterFunc) Broadcast(ctx context.Context, req requests.Request) Outcome { return f(ctx, req) }

type callbackFunc func(ctx context.Context, req requests.Request) Outcome

func (f callbackFunc) SendDecision(ctx context.Context, req requests.Request) Outcome { return f(ctx, req) }

func newRequest(t *testing.T, repo *requests.MemoryRepo, ext int64) requests.Request {
	t.Helper()
	req, _, err := repo.CreateIfNotExists(context.Background(), requests.NewRequest{ExternalID: ext})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return req
}

func decided(t *testing.T, repo *requests.MemoryRepo, ext int64) requests.Request {
	t.Helper()
	ctx := context.Background()
	newRequest(t, repo, ext)
	if _, err := repo.MarkGroupDelivered(ctx, ext, 1); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	_, _ = repo.Claim(ctx, ext, 9, "op")
	_, _ = repo.StartWork(ctx, ext, 9)
	req, err := repo.Decide(ctx, ext, 9, requests.StatusApproved, "")
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	return req
}

func TestDeliverGroup_SuccessMarksDelivered(t *testing.T) {
	repo := requests.NewMemoryRepo()
	auditRepo := audit.NewMemoryRepo()
	tr := NewTracker(repo, broadcasterFunc(func(ctx context.Context, req requests.Request) Outcome {
		return Delivered(555)
	}), nil, TrackerOptions{Audit: audit.NewService(auditRepo)})

	got, out, err := tr.DeliverGroup(context.Background(), newRequest(t, repo, 1))
	if err != nil || !out.OK() {
		t.Fatalf("expected delivered, got %v %v", out, err)
	}
	if got.Status != requests.StatusNew || got.GroupMessageID == nil || *got.GroupMessageID != 555 {
		t.Fatalf("unexpected record %+v", got)
	}
	if acts := auditRepo.Actions(); len(acts) != 1 || acts[0] != audit.ActionGroupDelivered {
		t.Fatalf("unexpected audit %v", acts)
	}
}

func TestDeliverGroup_FailureMarksErrorGroup(t *testing.T) {
	repo := requests.NewMemoryRepo()
	tr := NewTracker(repo, broadcasterFunc(func(ctx context.Context, req requests.Request) Outcome {
		return Errored("chat not found")
	}), nil, TrackerOptions{})

	got, out, err := tr.DeliverGroup(context.Background(), newRequest(t, repo, 1))
	if err != nil {
		t.Fatalf("delivery failure must not be an error, got %v", err)
	}
	if out.OK() || got.Status != requests.StatusErrorGroup || got.LastGroupError != "chat not found" {
		t.Fatalf("unexpected record %+v", got)
	}
}

func TestDeliverGroup_TimeoutIsErrored(t *testing.T) {
	repo := requests.NewMemoryRepo()
	tr := NewTracker(repo, broadcasterFunc(func(ctx context.Context, req requests.Request) Outcome {
		<-ctx.Done()
		return Errored(ctx.Err().Error())
	}), nil, TrackerOptions{GroupTimeout: 10 * time.Millisecond})

	got, _, err := tr.DeliverGroup(context.Background(), newRequest(t, repo, 1))
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if got.GroupLane() != requests.LaneErrored {
		t.Fatalf("expected errored lane, got %s", got.GroupLane())
	}
}

func TestDeliverGroup_SkipsDeliveredLane(t *testing.T) {
	repo := requests.NewMemoryRepo()
	var calls atomic.Int32
	tr := NewTracker(repo, broadcasterFunc(func(ctx context.Context, req requests.Request) Outcome {
		calls.Add(1)
		return Delivered(2)
	}), nil, TrackerOptions{})

	req := newRequest(t, repo, 1)
	req, _, _ = tr.DeliverGroup(context.Background(), req)
	if _, _, err := tr.DeliverGroup(context.Background(), req); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected one broadcast, got %d", calls.Load())
	}
}

func TestDeliverGroup_LostUpdateIsAbsorbed(t *testing.T) {
	repo := requests.NewMemoryRepo()
	req := newRequest(t, repo, 1)

	// A concurrent retry delivers while this attempt is in flight.
	tr := NewTracker(repo, broadcasterFunc(func(ctx context.Context, r requests.Request) Outcome {
		if _, err := repo.MarkGroupDelivered(ctx, r.ExternalID, 42); err != nil {
			t.Fatalf("concurrent mark: %v", err)
		}
		return Errored("late failure")
	}), nil, TrackerOptions{})

	got, _, err := tr.DeliverGroup(context.Background(), req)
	if err != nil {
		t.Fatalf("expected lost update absorbed, got %v", err)
	}
	if got.GroupLane() != requests.LaneDelivered || *got.GroupMessageID != 42 {
		t.Fatalf("expected winner's state, got %+v", got)
	}
}

func TestDeliverCallback_FailureThenRetryRestoresDecision(t *testing.T) {
	repo := requests.NewMemoryRepo()
	req := decided(t, repo, 3)

	fail := true
	tr := NewTracker(repo, nil, callbackFunc(func(ctx context.Context, r requests.Request) Outcome {
		if fail {
			return Errored("503")
		}
		return Delivered(0)
	}), TrackerOptions{})

	got, _, err := tr.DeliverCallback(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if got.Status != requests.StatusErrorOneF || got.CallbackAttempts != 1 {
		t.Fatalf("expected ERROR_ONEF, got %+v", got)
	}

	fail = false
	got, out, err := tr.DeliverCallback(context.Background(), got)
	if err != nil || !out.OK() {
		t.Fatalf("expected delivered, got %v %v", out, err)
	}
	if got.Status != requests.StatusApproved || !got.SentToOneF {
		t.Fatalf("expected APPROVED delivered, got %+v", got)
	}
}

func TestDeliverCallback_RequiresDecision(t *testing.T) {
	repo := requests.NewMemoryRepo()
	tr := NewTracker(repo, nil, callbackFunc(func(ctx context.Context, r requests.Request) Outcome {
		t.Fatalf("must not call 1F without a decision")
		return Outcome{}
	}), TrackerOptions{})

	if _, _, err := tr.DeliverCallback(context.Background(), newRequest(t, repo, 1)); err == nil {
		t.Fatalf("expected error for undecided request")
	}
}
