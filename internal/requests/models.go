package requests

import "time"

// Request is one approval request received from 1F.
//
// Invariants:
// - external_id is globally unique.
// - AssignedTo is set iff Status is ASSIGNED, IN_PROGRESS, APPROVED, REJECTED or ERROR_ONEF.
// - Status only changes through the conditional updates in Repository.
type Request struct {
	ID         int64  `json:"id"`
	ExternalID int64  `json:"external_id"`
	Status     Status `json:"status"`

	UserFullName string `json:"user_full_name"`
	UserPhone    string `json:"user_phone"`

	CarBrand    string `json:"car_brand"`
	CarModel    string `json:"car_model"`
	CarYear     int    `json:"car_year"`
	CarColor    string `json:"car_color"`
	CarMotor    string `json:"car_motor"`
	CarPrice    string `json:"car_price"`
	CarCurrency string `json:"car_currency"`

	GroupMessageID *int64 `json:"group_message_id,omitempty"`

	AssignedTo     *int64     `json:"assigned_to,omitempty"`
	AssignedToName string     `json:"assigned_to_name,omitempty"`
	AssignedAt     *time.Time `json:"assigned_at,omitempty"`

	// Decision survives ERROR_ONEF so a successful retry restores it.
	Decision        Status     `json:"decision,omitempty"`
	DecidedAt       *time.Time `json:"decided_at,omitempty"`
	DecisionComment string     `json:"decision_comment,omitempty"`

	SentToGroup    bool   `json:"is_sent_to_group"`
	LastGroupError string `json:"last_group_error,omitempty"`

	SentToOneF       bool   `json:"is_sent_to_1f"`
	LastOneFError    string `json:"last_1f_error,omitempty"`
	CallbackAttempts int    `json:"callback_attempts"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Status string

const (
	StatusNew        Status = "NEW"
	StatusAssigned   Status = "ASSIGNED"
	StatusInProgress Status = "IN_PROGRESS"
	StatusApproved   Status = "APPROVED"
	StatusRejected   Status = "REJECTED"
	StatusErrorGroup Status = "ERROR_GROUP"
	StatusErrorOneF  Status = "ERROR_ONEF"
)

// IsDecision reports whether s is a terminal operator decision.
func (s Status) IsDecision() bool {
	return s == StatusApproved || s == StatusRejected
}

// LaneState is derived from a lane's sent flag and last error.
type LaneState string

const (
	LanePending   LaneState = "pending"
	LaneDelivered LaneState = "delivered"
	LaneErrored   LaneState = "errored"
)

func laneState(sent bool, lastErr string) LaneState {
	switch {
	case sent:
		return LaneDelivered
	case lastErr != "":
		return LaneErrored
	default:
		return LanePending
	}
}

func (r Request) GroupLane() LaneState { return laneState(r.SentToGroup, r.LastGroupError) }

func (r Request) CallbackLane() LaneState { return laneState(r.SentToOneF, r.LastOneFError) }

// IsAssignedTo reports whether actorID currently holds the request.
func (r Request) IsAssignedTo(actorID int64) bool {
	return r.AssignedTo != nil && *r.AssignedTo == actorID
}

// NewRequest carries the validated ingestion fields for CreateIfNotExists.
type NewRequest struct {
	ExternalID   int64
	UserFullName string
	UserPhone    string
	CarBrand     string
	CarModel     string
	CarYear      int
	CarColor     string
	CarMotor     string
	CarPrice     string
	CarCurrency  string
}

// MaxErrorLen bounds stored delivery error text in bytes.
const MaxErrorLen = 255

// TruncateError cuts s to at most max bytes without splitting a UTF-8 sequence.
// Empty input becomes "unknown error" so an errored lane never looks pending.
func TruncateError(s string, max int) string {
	if s == "" {
		return "unknown error"
	}
	if len(s) <= max {
		return s
	}
	cut := max
	// Back off continuation bytes (10xxxxxx).
	for cut > 0 && s[cut]&0xC0 == 0x80 {
		cut--
	}
	return s[:cut]
}

// decisionTime is the precision Postgres keeps for timestamptz, so the value
// handed back to callers compares equal to the stored one.
func decisionTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}
