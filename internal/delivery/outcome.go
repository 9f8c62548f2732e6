package delivery

import (
	"context"

	"ka-bot/internal/requests"
)

// Outcome is the explicit result of one external delivery attempt.
// Transport errors never escape as Go errors; they become Errored outcomes.
type Outcome struct {
	ok     bool
	ref    int64
	reason string
}

// Delivered reports success. ref is the external reference (group message id); 0 when none.
func Delivered(ref int64) Outcome { return Outcome{ok: true, ref: ref} }

func Errored(reason string) Outcome { return Outcome{reason: reason} }

func (o Outcome) OK() bool       { return o.ok }
func (o Outcome) Ref() int64     { return o.ref }
func (o Outcome) Reason() string { return o.reason }

// Broadcaster posts a new request to the operators' group.
type Broadcaster interface {
	Broadcast(ctx context.Context, req requests.Request) Outcome
}

// Callback reports a final decision back to 1F.
type Callback interface {
	SendDecision(ctx context.Context, req requests.Request) Outcome
}
