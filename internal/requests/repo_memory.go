package requests

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRepo is an in-memory Repository with the same guard semantics as
// PostgresRepo. Useful for tests; not intended for production use.
type MemoryRepo struct {
	mu     sync.Mutex
	nextID int64
	byExt  map[int64]*Request

	// Clock is injectable for deterministic tests.
	Clock func() time.Time
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{byExt: make(map[int64]*Request), Clock: time.Now}
}

func (r *MemoryRepo) now() time.Time { return r.Clock().UTC() }

func (r *MemoryRepo) GetByExternalID(ctx context.Context, externalID int64) (Request, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.byExt[externalID]
	if !ok {
		return Request{}, ErrNotFound
	}
	return clone(req), nil
}

func (r *MemoryRepo) CreateIfNotExists(ctx context.Context, in NewRequest) (Request, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.byExt[in.ExternalID]; ok {
		return clone(existing), false, nil
	}
	r.nextID++
	now := r.now()
	req := &Request{
		ID:           r.nextID,
		ExternalID:   in.ExternalID,
		Status:       StatusNew,
		UserFullName: in.UserFullName,
		UserPhone:    in.UserPhone,
		CarBrand:     in.CarBrand,
		CarModel:     in.CarModel,
		CarYear:      in.CarYear,
		CarColor:     in.CarColor,
		CarMotor:     in.CarMotor,
		CarPrice:     in.CarPrice,
		CarCurrency:  in.CarCurrency,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	r.byExt[in.ExternalID] = req
	return clone(req), true, nil
}

// update applies fn under the lock when guard holds.
func (r *MemoryRepo) update(externalID int64, guard func(*Request) bool, fn func(*Request)) (Request, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.byExt[externalID]
	if !ok {
		return Request{}, ErrNotFound
	}
	if !guard(req) {
		return Request{}, ErrConflict
	}
	fn(req)
	req.UpdatedAt = r.now()
	return clone(req), nil
}

func (r *MemoryRepo) Claim(ctx context.Context, externalID, actorID int64, actorName string) (Request, error) {
	return r.update(externalID,
		func(req *Request) bool { return req.Status == StatusNew && req.SentToGroup },
		func(req *Request) {
			now := r.now()
			req.Status = StatusAssigned
			req.AssignedTo = ptr(actorID)
			req.AssignedToName = actorName
			req.AssignedAt = &now
		})
}

func (r *MemoryRepo) StartWork(ctx context.Context, externalID, actorID int64) (Request, error) {
	return r.update(externalID,
		func(req *Request) bool { return req.Status == StatusAssigned && req.IsAssignedTo(actorID) },
		func(req *Request) { req.Status = StatusInProgress })
}

func (r *MemoryRepo) Release(ctx context.Context, externalID, actorID int64) (Request, error) {
	return r.update(externalID,
		func(req *Request) bool { return req.Status == StatusAssigned && req.IsAssignedTo(actorID) },
		func(req *Request) {
			req.Status = StatusNew
			req.AssignedTo = nil
			req.AssignedToName = ""
			req.AssignedAt = nil
		})
}

func (r *MemoryRepo) Decide(ctx context.Context, externalID, actorID int64, decision Status, comment string) (Request, error) {
	if !decision.IsDecision() {
		return Request{}, ErrConflict
	}
	return r.update(externalID,
		func(req *Request) bool { return req.Status == StatusInProgress && req.IsAssignedTo(actorID) },
		func(req *Request) {
			at := decisionTime(r.Clock())
			req.Status = decision
			req.Decision = decision
			req.DecisionComment = comment
			req.DecidedAt = &at
			req.SentToOneF = false
			req.LastOneFError = ""
		})
}

func groupLaneOpen(req *Request) bool {
	return !req.SentToGroup && (req.Status == StatusNew || req.Status == StatusErrorGroup)
}

func (r *MemoryRepo) MarkGroupDelivered(ctx context.Context, externalID, messageID int64) (Request, error) {
	return r.update(externalID, groupLaneOpen, func(req *Request) {
		req.Status = StatusNew
		req.GroupMessageID = ptr(messageID)
		req.SentToGroup = true
		req.LastGroupError = ""
	})
}

func (r *MemoryRepo) MarkGroupFailed(ctx context.Context, externalID int64, reason string) (Request, error) {
	return r.update(externalID, groupLaneOpen, func(req *Request) {
		req.Status = StatusErrorGroup
		req.LastGroupError = TruncateError(reason, MaxErrorLen)
	})
}

func callbackLaneOpen(decidedAt time.Time) func(*Request) bool {
	return func(req *Request) bool {
		if req.SentToOneF || req.DecidedAt == nil || !req.DecidedAt.Equal(decidedAt) {
			return false
		}
		return req.Status.IsDecision() || req.Status == StatusErrorOneF
	}
}

func (r *MemoryRepo) MarkCallbackDelivered(ctx context.Context, externalID int64, decidedAt time.Time) (Request, error) {
	return r.update(externalID, callbackLaneOpen(decidedAt), func(req *Request) {
		req.Status = req.Decision
		req.SentToOneF = true
		req.LastOneFError = ""
	})
}

func (r *MemoryRepo) MarkCallbackFailed(ctx context.Context, externalID int64, decidedAt time.Time, reason string) (Request, error) {
	return r.update(externalID, callbackLaneOpen(decidedAt), func(req *Request) {
		req.Status = StatusErrorOneF
		req.LastOneFError = TruncateError(reason, MaxErrorLen)
		req.CallbackAttempts++
	})
}

func (r *MemoryRepo) ListGroupRetryable(ctx context.Context, limit int, staleBefore time.Time) ([]Request, error) {
	return r.list(limit, func(req *Request) bool {
		return groupLaneOpen(req) && (req.LastGroupError != "" || req.UpdatedAt.Before(staleBefore))
	}), nil
}

func (r *MemoryRepo) ListCallbackRetryable(ctx context.Context, limit int, staleBefore time.Time) ([]Request, error) {
	return r.list(limit, func(req *Request) bool {
		if req.SentToOneF || req.DecidedAt == nil {
			return false
		}
		if !req.Status.IsDecision() && req.Status != StatusErrorOneF {
			return false
		}
		return req.LastOneFError != "" || req.DecidedAt.Before(staleBefore)
	}), nil
}

func (r *MemoryRepo) list(limit int, match func(*Request) bool) []Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Request
	for _, req := range r.byExt {
		if match(req) {
			out = append(out, clone(req))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func clone(req *Request) Request {
	out := *req
	if req.GroupMessageID != nil {
		out.GroupMessageID = ptr(*req.GroupMessageID)
	}
	if req.AssignedTo != nil {
		out.AssignedTo = ptr(*req.AssignedTo)
	}
	if req.AssignedAt != nil {
		out.AssignedAt = ptr(*req.AssignedAt)
	}
	if req.DecidedAt != nil {
		out.DecidedAt = ptr(*req.DecidedAt)
	}
	return out
}

func ptr[T any](v T) *T { return &v }
