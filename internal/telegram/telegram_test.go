package telegram

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"ka-bot/internal/requests"

	"github.com/gin-gonic/gin"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/require"
)

const testToken = "123:abc"

// fakeAPI records Bot API calls and answers with canned results per method.
type fakeAPI struct {
	mu      sync.Mutex
	calls   []string
	forms   []map[string]string
	replies map[string]string
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	method := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
	_ = r.ParseForm()
	form := map[string]string{}
	for k := range r.PostForm {
		form[k] = r.PostForm.Get(k)
	}

	f.mu.Lock()
	reply, ok := f.replies[method]
	if method != "getMe" {
		f.calls = append(f.calls, method)
		f.forms = append(f.forms, form)
	}
	f.mu.Unlock()

	if !ok {
		switch method {
		case "getMe":
			reply = `{"ok":true,"result":{"id":123,"is_bot":true,"first_name":"ka","username":"ka_bot"}}`
		default:
			reply = `{"ok":true,"result":true}`
		}
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = io.WriteString(w, reply)
}

func newFake(t *testing.T, replies map[string]string) (*fakeAPI, *Client) {
	t.Helper()
	f := &fakeAPI{replies: replies}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	c, err := NewClient(context.Background(), testToken, Options{APIBaseURL: srv.URL, Timeout: time.Second})
	require.NoError(t, err)
	return f, c
}

func TestNewClient_RejectedTokenFailsFast(t *testing.T) {
	f := &fakeAPI{replies: map[string]string{"getMe": `{"ok":false,"error_code":401,"description":"Unauthorized"}`}}
	srv := httptest.NewServer(f)
	defer srv.Close()

	start := time.Now()
	_, err := NewClient(context.Background(), testToken, Options{APIBaseURL: srv.URL, ConnectMaxElapsed: 10 * time.Second})
	require.Error(t, err)
	require.Less(t, time.Since(start), 5*time.Second)
	require.NotContains(t, err.Error(), testToken)
}

func TestClient_SendMessageDecodesResult(t *testing.T) {
	f, c := newFake(t, map[string]string{
		"sendMessage": `{"ok":true,"result":{"message_id":77,"chat":{"id":-100,"type":"supergroup"}}}`,
	})

	msg, err := c.SendMessage(context.Background(), -100, "hi", AcceptKeyboard(5))
	require.NoError(t, err)
	require.Equal(t, 77, msg.MessageID)
	require.Equal(t, []string{"sendMessage"}, f.calls)
	require.Equal(t, "-100", f.forms[0]["chat_id"])

	var markup tgbotapi.InlineKeyboardMarkup
	require.NoError(t, json.Unmarshal([]byte(f.forms[0]["reply_markup"]), &markup))
	require.Equal(t, "ka_accept:5", *markup.InlineKeyboard[0][0].CallbackData)
}

func TestClient_SendMessageWithoutKeyboardOmitsMarkup(t *testing.T) {
	f, c := newFake(t, map[string]string{
		"sendMessage": `{"ok":true,"result":{"message_id":1,"chat":{"id":5,"type":"private"}}}`,
	})
	_, err := c.SendMessage(context.Background(), 5, "hi", nil)
	require.NoError(t, err)
	_, has := f.forms[0]["reply_markup"]
	require.False(t, has)
}

func TestClient_EditWithoutKeyboardClearsButtons(t *testing.T) {
	f, c := newFake(t, map[string]string{
		"editMessageText": `{"ok":true,"result":{"message_id":9,"chat":{"id":-100}}}`,
	})
	require.NoError(t, c.EditMessageText(context.Background(), -100, 9, "done", nil))
	require.Equal(t, "9", f.forms[0]["message_id"])
	require.JSONEq(t, `{"inline_keyboard":[]}`, f.forms[0]["reply_markup"])
}

func TestClient_ErrorEnvelopeIsForbidden(t *testing.T) {
	_, c := newFake(t, map[string]string{
		"sendMessage": `{"ok":false,"error_code":403,"description":"Forbidden: bot can't initiate conversation"}`,
	})

	_, err := c.SendMessage(context.Background(), 1, "hi", nil)
	require.Error(t, err)
	require.True(t, IsForbidden(err))
	require.NotContains(t, err.Error(), testToken)
}

func TestClient_TransportErrorHidesToken(t *testing.T) {
	_, c := newFake(t, nil)
	// Point the client at a closed port after construction.
	dead := httptest.NewServer(http.NotFoundHandler())
	dead.Close()
	c.api.SetAPIEndpoint(dead.URL + "/bot%s/%s")

	_, err := c.SendMessage(context.Background(), 1, "hi", nil)
	require.Error(t, err)
	require.False(t, IsForbidden(err))
	require.NotContains(t, err.Error(), testToken)
}

func TestClient_AnswerCallbackQueryAlert(t *testing.T) {
	f, c := newFake(t, nil)
	require.NoError(t, c.AnswerCallbackQuery(context.Background(), "q1", "nope", true))
	require.Equal(t, "answerCallbackQuery", f.calls[0])
	require.Equal(t, "q1", f.forms[0]["callback_query_id"])
	require.Equal(t, "true", f.forms[0]["show_alert"])
}

func TestNotifier_BroadcastOutcome(t *testing.T) {
	_, c := newFake(t, map[string]string{
		"sendMessage": `{"ok":true,"result":{"message_id":901,"chat":{"id":-100}}}`,
	})
	out := NewNotifier(c, -100, nil).Broadcast(context.Background(), requests.Request{ExternalID: 5, UserFullName: "Ali"})
	require.True(t, out.OK())
	require.Equal(t, int64(901), out.Ref())

	_, bad := newFake(t, map[string]string{
		"sendMessage": `{"ok":false,"error_code":400,"description":"Bad Request: chat not found"}`,
	})
	out = NewNotifier(bad, -100, nil).Broadcast(context.Background(), requests.Request{ExternalID: 5})
	require.False(t, out.OK())
	require.Contains(t, out.Reason(), "chat not found")
}

func TestParseCallbackData(t *testing.T) {
	action, id, ok := ParseCallbackData("ka_send_onef:42")
	require.True(t, ok)
	require.Equal(t, ActionSendOneF, action)
	require.Equal(t, int64(42), id)

	for _, bad := range []string{"", "ka_accept", "ka_accept:x", "ka_accept:-1", "other:1"} {
		_, _, ok := ParseCallbackData(bad)
		require.False(t, ok, bad)
	}
}

func TestDisplayName(t *testing.T) {
	require.Equal(t, "@ops", DisplayName(&tgbotapi.User{ID: 7, UserName: "ops"}))
	require.Equal(t, "ID:7", DisplayName(&tgbotapi.User{ID: 7}))
	require.Equal(t, "", DisplayName(nil))
}

func TestRenderDecision_FlagsErroredCallback(t *testing.T) {
	req := requests.Request{ExternalID: 9, Decision: requests.StatusApproved, LastOneFError: "timeout"}
	require.Contains(t, RenderDecision(req, "@op"), "1F")
	req.SentToOneF, req.LastOneFError = true, ""
	require.NotContains(t, RenderDecision(req, "@op"), "1F:")
}

type recordingHandler struct {
	mu      sync.Mutex
	updates []tgbotapi.Update
}

func (h *recordingHandler) HandleUpdate(ctx context.Context, u tgbotapi.Update) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.updates = append(h.updates, u)
}

func TestWebhookHandler_ChecksSecret(t *testing.T) {
	gin.SetMode(gin.TestMode)
	_, c := newFake(t, nil)
	h := &recordingHandler{}
	r := gin.New()
	r.POST("/telegram/webhook", c.WebhookHandler("s3cret", h))

	body := `{"update_id":10,"callback_query":{"id":"q","from":{"id":1},"data":"ka_accept:5"}}`

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/telegram/webhook", strings.NewReader(body))
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/telegram/webhook", strings.NewReader(`{bad`))
	req.Header.Set(SecretTokenHeader, "s3cret")
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/telegram/webhook", strings.NewReader(body))
	req.Header.Set(SecretTokenHeader, "s3cret")
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, h.updates, 1)
	require.Equal(t, "ka_accept:5", h.updates[0].CallbackQuery.Data)
}

func TestPoller_AdvancesOffsetAndStops(t *testing.T) {
	f, c := newFake(t, map[string]string{
		"getUpdates": `{"ok":true,"result":[{"update_id":3,"message":{"message_id":1,"chat":{"id":1,"type":"private"},"text":"/start"}}]}`,
	})
	h := &recordingHandler{}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- NewPoller(c, h, time.Second, nil).Run(ctx) }()

	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.updates) >= 2
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	f.mu.Lock()
	defer f.mu.Unlock()
	require.Equal(t, "deleteWebhook", f.calls[0])
	require.Equal(t, "true", f.forms[0]["drop_pending_updates"])
	_, first := f.forms[1]["offset"]
	require.False(t, first)
	require.Equal(t, "4", f.forms[2]["offset"])
}
