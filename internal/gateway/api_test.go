// ABOUTME: Tests for the HTTP API handlers and their error mapping
// ABOUTME: Verifies ingest, takeover, queue operations, listing, and auth wiring

package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hoverline/handoff-gateway/internal/auth"
	"github.com/hoverline/handoff-gateway/internal/config"
)

const testJWTSecret = "api-test-secret"

func newTestGateway(t *testing.T) *Gateway {
	t.Helper()
	cfg := &config.Config{}
	cfg.Server.HTTPAddr = "127.0.0.1:0"
	cfg.Database.Path = filepath.Join(t.TempDir(), "test.db")
	cfg.Auth.JWTSecret = testJWTSecret

	gw, err := New(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = gw.Shutdown(context.Background()) })
	return gw
}

// operatorRequest builds a request with an operator identity already in
// context, bypassing the auth middleware for handler-level tests.
func operatorRequest(method, target, operatorID string, body any) *http.Request {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set("Content-Type", "application/json")
	return req.WithContext(auth.WithOperator(req.Context(), &auth.Operator{ID: operatorID}))
}

func decodeJSON[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v))
	return v
}

// ingest posts a customer message and returns the response body
func ingest(t *testing.T, gw *Gateway, chatbotID, conversationID, content string) IngestMessageResponse {
	t.Helper()
	body, _ := json.Marshal(IngestMessageRequest{
		ChatbotID:      chatbotID,
		ConversationID: conversationID,
		CustomerName:   "Grace",
		Content:        content,
	})
	req := httptest.NewRequest(http.MethodPost, "/api/ingest/message", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	gw.handleIngestMessage(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, "ingest failed: %s", rec.Body.String())
	return decodeJSON[IngestMessageResponse](t, rec)
}

func TestHandleIngestMessage_Customer(t *testing.T) {
	gw := newTestGateway(t)

	resp := ingest(t, gw, "bot-1", "", "hello")
	assert.NotEmpty(t, resp.ConversationID)
	assert.NotEmpty(t, resp.MessageID)
	assert.True(t, resp.BotMayReply)
}

func TestHandleIngestMessage_AssistantRequiresConversation(t *testing.T) {
	gw := newTestGateway(t)

	body, _ := json.Marshal(IngestMessageRequest{
		ChatbotID: "bot-1",
		Content:   "automated reply",
		Role:      "assistant",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/ingest/message", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	gw.handleIngestMessage(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleIngestMessage_AssistantRefusedUnderHumanControl(t *testing.T) {
	gw := newTestGateway(t)

	created := ingest(t, gw, "bot-1", "", "hello")

	rec := httptest.NewRecorder()
	gw.handleTakeover(rec, operatorRequest(http.MethodPost, "/api/takeover", "op-1",
		TakeoverRequestBody{ConversationID: created.ConversationID}))
	require.Equal(t, http.StatusOK, rec.Code)

	body, _ := json.Marshal(IngestMessageRequest{
		ChatbotID:      "bot-1",
		ConversationID: created.ConversationID,
		Content:        "late automated reply",
		Role:           "assistant",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/ingest/message", bytes.NewReader(body))
	rec = httptest.NewRecorder()
	gw.handleIngestMessage(rec, req)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestHandleIngestMessage_InvalidRole(t *testing.T) {
	gw := newTestGateway(t)

	body, _ := json.Marshal(IngestMessageRequest{
		ChatbotID: "bot-1",
		Content:   "hi",
		Role:      "wizard",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/ingest/message", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	gw.handleIngestMessage(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleTakeover_ConflictForSecondOperator(t *testing.T) {
	gw := newTestGateway(t)

	created := ingest(t, gw, "bot-1", "", "hello")

	rec := httptest.NewRecorder()
	gw.handleTakeover(rec, operatorRequest(http.MethodPost, "/api/takeover", "op-1",
		TakeoverRequestBody{ConversationID: created.ConversationID}))
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeJSON[TakeoverResponse](t, rec)
	assert.Equal(t, "op-1", resp.OperatorID)
	assert.Equal(t, "human", resp.HandoffStatus)

	rec = httptest.NewRecorder()
	gw.handleTakeover(rec, operatorRequest(http.MethodPost, "/api/takeover", "op-2",
		TakeoverRequestBody{ConversationID: created.ConversationID}))
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestHandleTakeover_UnknownConversation(t *testing.T) {
	gw := newTestGateway(t)

	rec := httptest.NewRecorder()
	gw.handleTakeover(rec, operatorRequest(http.MethodPost, "/api/takeover", "op-1",
		TakeoverRequestBody{ConversationID: "missing"}))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleOperatorMessage_ForbiddenBeforeTakeover(t *testing.T) {
	gw := newTestGateway(t)

	created := ingest(t, gw, "bot-1", "", "hello")

	rec := httptest.NewRecorder()
	gw.handleOperatorMessage(rec, operatorRequest(http.MethodPost, "/api/handoff/message", "op-1",
		OperatorMessageBody{ConversationID: created.ConversationID, Content: "hi"}))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHandoffQueueLifecycle(t *testing.T) {
	gw := newTestGateway(t)
	ctx := context.Background()

	created := ingest(t, gw, "bot-1", "", "I want to talk to a person")
	req, err := gw.queue.Enqueue(ctx, created.ConversationID, nil)
	require.NoError(t, err)

	// Pending list shows the enriched request
	rec := httptest.NewRecorder()
	gw.handleListPending(rec, operatorRequest(http.MethodGet, "/api/handoff/pending?chatbot_id=bot-1", "op-1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	pendingResp := decodeJSON[map[string]json.RawMessage](t, rec)
	var pending []map[string]any
	require.NoError(t, json.Unmarshal(pendingResp["requests"], &pending))
	require.Len(t, pending, 1)
	assert.Equal(t, "Grace", pending[0]["customer_name"])
	assert.Equal(t, true, pending[0]["is_new"])

	// First accept wins
	rec = httptest.NewRecorder()
	gw.handleAcceptRequest(rec, operatorRequest(http.MethodPost, "/api/handoff/accept", "op-1",
		AcceptRequestBody{RequestID: req.ID}))
	require.Equal(t, http.StatusOK, rec.Code)

	// Second accept conflicts
	rec = httptest.NewRecorder()
	gw.handleAcceptRequest(rec, operatorRequest(http.MethodPost, "/api/handoff/accept", "op-2",
		AcceptRequestBody{RequestID: req.ID}))
	assert.Equal(t, http.StatusConflict, rec.Code)

	// The winner can message the customer
	rec = httptest.NewRecorder()
	gw.handleOperatorMessage(rec, operatorRequest(http.MethodPost, "/api/handoff/message", "op-1",
		OperatorMessageBody{ConversationID: created.ConversationID, Content: "Hi, how can I help?"}))
	assert.Equal(t, http.StatusOK, rec.Code)

	// Resolve completes the lifecycle
	rec = httptest.NewRecorder()
	gw.handleResolveRequest(rec, operatorRequest(http.MethodPost, "/api/handoff/resolve", "op-1",
		ResolveRequestBody{RequestID: req.ID}))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestHandleListPending_RequiresChatbotID(t *testing.T) {
	gw := newTestGateway(t)

	rec := httptest.NewRecorder()
	gw.handleListPending(rec, operatorRequest(http.MethodGet, "/api/handoff/pending", "op-1", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleListConversations_Pagination(t *testing.T) {
	gw := newTestGateway(t)

	for i := 0; i < 3; i++ {
		created := ingest(t, gw, "bot-1", "", fmt.Sprintf("message %d", i))
		// Distinct activity timestamps so ordering is deterministic
		require.NoError(t, gw.store.TouchConversation(context.Background(), created.ConversationID,
			time.Now().UTC().Add(time.Duration(i)*time.Second)))
	}

	rec := httptest.NewRecorder()
	gw.handleListConversations(rec, operatorRequest(http.MethodGet,
		"/api/conversations?chatbot_id=bot-1&limit=2", "op-1", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var page struct {
		Items   []map[string]any `json:"items"`
		HasMore bool             `json:"has_more"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&page))
	assert.Len(t, page.Items, 2)
	assert.True(t, page.HasMore)
	assert.Equal(t, "message 2", page.Items[0]["last_message"])
}

func TestHandleListConversations_BadLimit(t *testing.T) {
	gw := newTestGateway(t)

	rec := httptest.NewRecorder()
	gw.handleListConversations(rec, operatorRequest(http.MethodGet,
		"/api/conversations?chatbot_id=bot-1&limit=banana", "op-1", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleConversationDetail(t *testing.T) {
	gw := newTestGateway(t)

	created := ingest(t, gw, "bot-1", "", "hello")
	ingest(t, gw, "bot-1", created.ConversationID, "anyone there?")

	rec := httptest.NewRecorder()
	gw.handleConversationDetail(rec, operatorRequest(http.MethodGet,
		"/api/conversations/"+created.ConversationID, "op-1", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var detail struct {
		Conversation map[string]any   `json:"conversation"`
		Messages     []map[string]any `json:"messages"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&detail))
	assert.Equal(t, created.ConversationID, detail.Conversation["id"])
	assert.Len(t, detail.Messages, 2)
}

func TestHandleConversationDetail_NotFound(t *testing.T) {
	gw := newTestGateway(t)

	rec := httptest.NewRecorder()
	gw.handleConversationDetail(rec, operatorRequest(http.MethodGet,
		"/api/conversations/missing", "op-1", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleMessageFeedback(t *testing.T) {
	gw := newTestGateway(t)

	created := ingest(t, gw, "bot-1", "", "hello")

	rec := httptest.NewRecorder()
	gw.handleMessageFeedback(rec, operatorRequest(http.MethodPost,
		"/api/messages/"+created.MessageID+"/feedback", "op-1",
		FeedbackBody{Feedback: "like"}))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	gw.handleMessageFeedback(rec, operatorRequest(http.MethodPost,
		"/api/messages/"+created.MessageID+"/feedback", "op-1",
		FeedbackBody{Feedback: "meh"}))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAuthWiring(t *testing.T) {
	gw := newTestGateway(t)
	srv := httptest.NewServer(gw.httpServer.Handler)
	defer srv.Close()

	// Health endpoint is open
	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Operator endpoints reject missing tokens
	resp, err = http.Get(srv.URL + "/api/conversations?chatbot_id=bot-1")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// And accept valid ones
	token, err := auth.NewJWTVerifier([]byte(testJWTSecret)).Generate(&auth.Operator{ID: "op-1"}, time.Hour)
	require.NoError(t, err)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/conversations?chatbot_id=bot-1", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHandleSubscribe_StreamsEvents(t *testing.T) {
	gw := newTestGateway(t)
	srv := httptest.NewServer(gw.httpServer.Handler)
	defer srv.Close()

	token, err := auth.NewJWTVerifier([]byte(testJWTSecret)).Generate(&auth.Operator{ID: "op-1"}, time.Hour)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// EventSource-style connection with the token in the query string
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		srv.URL+"/api/subscribe?chatbot_id=bot-1&token="+token, nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "event: connected", strings.TrimSpace(line))

	// The observer keeps the chatbot's reconciliation loop alive
	assert.Eventually(t, func() bool {
		return gw.poller.ObservedChatbots() == 1
	}, time.Second, 10*time.Millisecond)

	// A customer message pushes a new_message event down the stream
	ingest(t, gw, "bot-1", "", "hello")
	for {
		line, err = reader.ReadString('\n')
		require.NoError(t, err)
		if strings.TrimSpace(line) == "event: new_message" {
			break
		}
	}
}
