package agent

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/aj-server/internal/domain"
	"github.com/ashureev/aj-server/internal/identity"
	"github.com/ashureev/aj-server/internal/llm"
)

func newTestHandler(t *testing.T, f *fixture, cfg HandlerConfig) http.Handler {
	t.Helper()
	h := NewHandler(f.svc, cfg)
	t.Cleanup(h.Close)

	r := chi.NewRouter()
	h.RegisterRoutes(r)
	return r
}

func send(h http.Handler, method, target, userID string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			_ = json.NewEncoder(&buf).Encode(body)
		}
	}
	req := httptest.NewRequest(method, target, &buf)
	if userID != "" {
		req = req.WithContext(identity.WithUserID(req.Context(), userID))
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHandleChatAndApprovals(t *testing.T) {
	f := newFixture(t, Config{}, coffeeRound(), reply(llm.StopEndTurn, text("Logged.")))
	h := newTestHandler(t, f, HandlerConfig{RateLimitRPS: 100, RateLimitBurst: 100})

	w := send(h, http.MethodPost, "/api/chat", testUser, chat("log a $12 coffee"))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var paused ChatResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&paused))
	require.Len(t, paused.PendingActions, 1)

	w = send(h, http.MethodGet, "/api/conversations/c1/messages", testUser, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var history struct {
		Messages []domain.Message `json:"messages"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&history))
	require.Len(t, history.Messages, 3)
	pendingID := history.Messages[2].ID

	approval := ApprovalRequest{
		ConversationID: "c1",
		MessageID:      pendingID,
		Decisions:      []Decision{{ToolUseID: "write1", Approved: true}},
	}
	w = send(h, http.MethodPost, "/api/chat/approvals", testUser, approval)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var done ChatResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&done))
	assert.Equal(t, "Logged.", done.Message)

	w = send(h, http.MethodPost, "/api/chat/approvals", testUser, approval)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), string(CodeFailedPrecondition))

	w = send(h, http.MethodGet, "/api/conversations/c1/messages?limit=2", testUser, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.NewDecoder(w.Body).Decode(&history))
	require.Len(t, history.Messages, 2)
	assert.Equal(t, "Logged.", history.Messages[1].Content)
}

func TestHandleChatErrors(t *testing.T) {
	f := newFixture(t, Config{})
	f.provider.err = assert.AnError
	h := newTestHandler(t, f, HandlerConfig{RateLimitRPS: 100, RateLimitBurst: 100, MaxRequestBodySize: 256})

	tests := []struct {
		name   string
		userID string
		body   any
		want   int
	}{
		{"unauthenticated", "", chat("hi"), http.StatusUnauthorized},
		{"malformed body", testUser, "{", http.StatusBadRequest},
		{"missing message", testUser, ChatRequest{ConversationID: "c1"}, http.StatusBadRequest},
		{"too large", testUser, `{"conversationId":"c1","message":"` + strings.Repeat("x", 512) + `"}`, http.StatusRequestEntityTooLarge},
		{"provider down", testUser, chat("hi"), http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := send(h, http.MethodPost, "/api/chat", tt.userID, tt.body)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}

	assert.Equal(t, http.StatusBadRequest, send(h, http.MethodGet, "/api/conversations/c1/messages?limit=x", testUser, nil).Code)
}

func TestHandleChatRateLimited(t *testing.T) {
	f := newFixture(t, Config{})
	h := newTestHandler(t, f, HandlerConfig{RateLimitRPS: 0.001, RateLimitBurst: 2})

	for i := 0; i < 2; i++ {
		require.Equal(t, http.StatusOK, send(h, http.MethodPost, "/api/chat", testUser, chat("hi")).Code)
	}
	assert.Equal(t, http.StatusTooManyRequests, send(h, http.MethodPost, "/api/chat", testUser, chat("hi")).Code)

	// Limits are per user.
	assert.Equal(t, http.StatusOK, send(h, http.MethodPost, "/api/chat", "u2", chat("hi")).Code)
}

func TestWriteErrorHidesCause(t *testing.T) {
	w := httptest.NewRecorder()
	writeError(w, assert.AnError)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), assert.AnError.Error())
}
