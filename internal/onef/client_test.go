package onef

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"ka-bot/internal/requests"

	"github.com/stretchr/testify/require"
)

func decidedRequest() requests.Request {
	at := time.Date(2026, 3, 1, 7, 30, 15, 123456000, time.UTC)
	op := int64(777)
	return requests.Request{
		ExternalID:      1042,
		Status:          requests.StatusErrorOneF,
		Decision:        requests.StatusRejected,
		DecidedAt:       &at,
		DecisionComment: "missing documents",
		AssignedTo:      &op,
	}
}

func TestFormatDecisionAt(t *testing.T) {
	at := time.Date(2026, 3, 1, 7, 30, 15, 999, time.UTC)
	require.Equal(t, "2026-03-01T12:30:15+05:00", FormatDecisionAt(at))
}

func TestBuildPayload_UsesStoredDecision(t *testing.T) {
	p, err := BuildPayload(decidedRequest())
	require.NoError(t, err)
	require.Equal(t, int64(1042), p.ID)
	require.Equal(t, "REJECTED", p.KAStatus)
	require.Equal(t, int64(777), p.KAEmployee.TelegramUserId)
	require.Equal(t, "missing documents", p.Comment)
	require.Equal(t, "2026-03-01T12:30:15+05:00", p.DecisionAt)

	_, err = BuildPayload(requests.Request{ExternalID: 1})
	require.Error(t, err)
}

func TestClient_SendDecisionPostsJSON(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("unexpected request %s %s", r.Method, r.Header.Get("Content-Type"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	out := NewClient(srv.URL, time.Second, nil).SendDecision(context.Background(), decidedRequest())
	require.True(t, out.OK())
	require.Equal(t, "REJECTED", got["KAStatus"])
	emp, ok := got["KAEmployee"].(map[string]any)
	require.True(t, ok)
	require.EqualValues(t, 777, emp["TelegramUserId"])
}

func TestClient_Non2xxIsErrored(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down for maintenance", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	out := NewClient(srv.URL, time.Second, nil).SendDecision(context.Background(), decidedRequest())
	require.False(t, out.OK())
	require.Contains(t, out.Reason(), "503")
}

func TestClient_TimeoutIsErrored(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()

	out := NewClient(srv.URL, 20*time.Millisecond, nil).SendDecision(context.Background(), decidedRequest())
	require.False(t, out.OK())
}
