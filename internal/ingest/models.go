package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"ka-bot/internal/requests"
)

// Submission is the inbound 1F payload. Field names follow the upstream JSON.
// Only the request id and the phone are mandatory; everything else is stored as sent.
type Submission struct {
	ID   int64 `json:"ID" validate:"gt=0"`
	User User  `json:"User"`
	Car  Car   `json:"Car"`
}

type User struct {
	FullName    string `json:"FullName"`
	DateOfBirth string `json:"DateOfBirth,omitempty"`
	Phonenumber string `json:"Phonenumber" validate:"required,phone_prefix"`
}

type Car struct {
	CarID    int64      `json:"CarId"`
	Brand    string     `json:"Brand"`
	Model    string     `json:"Model"`
	Motor    string     `json:"Motor"`
	Price    FlexString `json:"Price"`
	Currency string     `json:"Currency"`
	Year     FlexInt    `json:"Year"`
	Color    string     `json:"Color"`
}

// FlexString accepts either a JSON string or a JSON number.
type FlexString string

func (f *FlexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = FlexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("price must be a string or number: %w", err)
	}
	*f = FlexString(n.String())
	return nil
}

// FlexInt accepts a JSON number or a numeric string. Empty and null decode to zero.
type FlexInt int

func (f *FlexInt) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*f = 0
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if b = []byte(strings.TrimSpace(s)); len(b) == 0 {
			*f = 0
			return nil
		}
	}
	n, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		return fmt.Errorf("year must be a number: %w", err)
	}
	*f = FlexInt(n)
	return nil
}

func (s Submission) toNewRequest() requests.NewRequest {
	return requests.NewRequest{
		ExternalID:   s.ID,
		UserFullName: strings.TrimSpace(s.User.FullName),
		UserPhone:    strings.TrimSpace(s.User.Phonenumber),
		CarBrand:     s.Car.Brand,
		CarModel:     s.Car.Model,
		CarYear:      int(s.Car.Year),
		CarColor:     s.Car.Color,
		CarMotor:     s.Car.Motor,
		CarPrice:     string(s.Car.Price),
		CarCurrency:  s.Car.Currency,
	}
}

// Ack is the synchronous answer to 1F.
type Ack struct {
	OK             bool            `json:"ok"`
	RequestID      int64           `json:"request_id"`
	Status         requests.Status `json:"status"`
	GroupMessageID *int64          `json:"group_message_id"`
	SentToGroup    bool            `json:"sent_to_group"`
	Error          string          `json:"error,omitempty"`
}

// BroadcastPendingMessage is reported when the group broadcast did not go through.
const BroadcastPendingMessage = "Failed to send to group. Will retry."

func ackFor(req requests.Request) Ack {
	ack := Ack{
		OK:             true,
		RequestID:      req.ExternalID,
		Status:         req.Status,
		GroupMessageID: req.GroupMessageID,
		SentToGroup:    req.SentToGroup,
	}
	if !req.SentToGroup {
		ack.Error = BroadcastPendingMessage
	}
	return ack
}
