package auth

import (
	"context"
	"errors"
)

type ctxKey int

const (
	ctxActorID ctxKey = iota
	ctxActorName
)

func WithActor(ctx context.Context, actorID int64, name string) context.Context {
	ctx = context.WithValue(ctx, ctxActorID, actorID)
	ctx = context.WithValue(ctx, ctxActorName, name)
	return ctx
}

func ActorID(ctx context.Context) (int64, error) {
	v := ctx.Value(ctxActorID)
	if id, ok := v.(int64); ok && id != 0 {
		return id, nil
	}
	return 0, errors.New("actor_id not in context")
}

func ActorName(ctx context.Context) string {
	s, _ := ctx.Value(ctxActorName).(string)
	return s
}
