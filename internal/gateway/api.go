// ABOUTME: HTTP API handlers for the operator dashboard and chat ingest path
// ABOUTME: Maps service errors onto status codes; conflicts are 409, not failures

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/hoverline/handoff-gateway/internal/auth"
	"github.com/hoverline/handoff-gateway/internal/conversation"
	"github.com/hoverline/handoff-gateway/internal/store"
)

const defaultPageSize = 20

// IngestMessageRequest is the JSON request body for POST /api/ingest/message.
// Role defaults to "customer"; the external generation service posts its
// replies with role "assistant".
type IngestMessageRequest struct {
	ChatbotID      string  `json:"chatbot_id"`
	ConversationID string  `json:"conversation_id,omitempty"`
	CustomerName   string  `json:"customer_name,omitempty"`
	CustomerEmail  *string `json:"customer_email,omitempty"`
	CustomerPhone  *string `json:"customer_phone,omitempty"`
	Content        string  `json:"content"`
	Role           string  `json:"role,omitempty"`
}

// IngestMessageResponse is the JSON response for POST /api/ingest/message.
type IngestMessageResponse struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
	BotMayReply    bool   `json:"bot_may_reply"`
}

// AcceptRequestBody is the JSON request body for POST /api/handoff/accept.
type AcceptRequestBody struct {
	RequestID string `json:"request_id"`
}

// ResolveRequestBody is the JSON request body for POST /api/handoff/resolve.
type ResolveRequestBody struct {
	RequestID string `json:"request_id"`
}

// TakeoverRequestBody is the JSON request body for POST /api/takeover.
type TakeoverRequestBody struct {
	ConversationID string `json:"conversation_id"`
}

// TakeoverResponse is the JSON response for POST /api/takeover.
type TakeoverResponse struct {
	ConversationID string `json:"conversation_id"`
	OperatorID     string `json:"operator_id"`
	HandoffStatus  string `json:"handoff_status"`
}

// OperatorMessageBody is the JSON request body for POST /api/handoff/message.
type OperatorMessageBody struct {
	ConversationID string `json:"conversation_id"`
	Content        string `json:"content"`
}

// FeedbackBody is the JSON request body for POST /api/messages/{id}/feedback.
type FeedbackBody struct {
	Feedback string `json:"feedback"`
}

// handleIngestMessage handles POST /api/ingest/message requests.
// This is the widget-facing entry point: customer messages and automated
// replies both land here, unauthenticated.
func (g *Gateway) handleIngestMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req IngestMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	switch req.Role {
	case "", store.RoleCustomer:
		result, err := g.conversation.RecordCustomerMessage(r.Context(), &conversation.IngestRequest{
			ChatbotID:      req.ChatbotID,
			ConversationID: req.ConversationID,
			CustomerName:   req.CustomerName,
			CustomerEmail:  req.CustomerEmail,
			CustomerPhone:  req.CustomerPhone,
			Content:        req.Content,
		})
		if err != nil {
			g.sendStoreError(w, err)
			return
		}
		g.writeJSON(w, http.StatusOK, IngestMessageResponse{
			ConversationID: result.Conversation.ID,
			MessageID:      result.Message.ID,
			BotMayReply:    result.BotMayReply,
		})

	case store.RoleAssistant:
		if req.ConversationID == "" {
			g.sendJSONError(w, http.StatusBadRequest, "conversation_id is required for assistant messages")
			return
		}
		msg, err := g.conversation.RecordAssistantMessage(r.Context(), req.ConversationID, req.Content)
		if err != nil {
			g.sendStoreError(w, err)
			return
		}
		g.writeJSON(w, http.StatusOK, IngestMessageResponse{
			ConversationID: req.ConversationID,
			MessageID:      msg.ID,
			BotMayReply:    false,
		})

	default:
		g.sendJSONError(w, http.StatusBadRequest, "role must be customer or assistant")
	}
}

// handleListPending handles GET /api/handoff/pending requests.
func (g *Gateway) handleListPending(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	chatbotID := r.URL.Query().Get("chatbot_id")
	if chatbotID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "chatbot_id query param required")
		return
	}

	pending, err := g.queue.ListPending(r.Context(), chatbotID)
	if err != nil {
		g.sendStoreError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"requests": pending})
}

// handleAcceptRequest handles POST /api/handoff/accept requests.
// A 409 means another operator already has the request; the dashboard
// refreshes its queue rather than treating it as an error.
func (g *Gateway) handleAcceptRequest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var body AcceptRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.RequestID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "request_id is required")
		return
	}

	op := auth.MustFromContext(r.Context())
	accepted, err := g.queue.Accept(r.Context(), body.RequestID, op.ID)
	if err != nil {
		g.sendStoreError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]any{
		"request_id":      accepted.ID,
		"conversation_id": accepted.ConversationID,
		"status":          accepted.Status,
		"accepted_by":     accepted.AcceptedBy,
	})
}

// handleResolveRequest handles POST /api/handoff/resolve requests.
func (g *Gateway) handleResolveRequest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var body ResolveRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.RequestID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "request_id is required")
		return
	}

	if err := g.queue.Resolve(r.Context(), body.RequestID); err != nil {
		g.sendStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleTakeover handles POST /api/takeover requests. The handler may block
// for up to the configured takeover wait while an automated reply drains;
// the wait is canceled if the client disconnects.
func (g *Gateway) handleTakeover(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var body TakeoverRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.ConversationID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "conversation_id is required")
		return
	}

	op := auth.MustFromContext(r.Context())
	if err := g.coordinator.TakeOver(r.Context(), body.ConversationID, op.ID); err != nil {
		g.sendStoreError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, TakeoverResponse{
		ConversationID: body.ConversationID,
		OperatorID:     op.ID,
		HandoffStatus:  store.HandoffStatusHuman,
	})
}

// handleOperatorMessage handles POST /api/handoff/message requests.
func (g *Gateway) handleOperatorMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var body OperatorMessageBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.ConversationID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "conversation_id is required")
		return
	}

	op := auth.MustFromContext(r.Context())
	msg, err := g.conversation.SendOperatorMessage(r.Context(), body.ConversationID, op.ID, body.Content)
	if err != nil {
		g.sendStoreError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]any{
		"message_id":      msg.ID,
		"conversation_id": msg.ConversationID,
		"created_at":      msg.CreatedAt,
	})
}

// handleListConversations handles GET /api/conversations requests.
func (g *Gateway) handleListConversations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	chatbotID := r.URL.Query().Get("chatbot_id")
	if chatbotID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "chatbot_id query param required")
		return
	}

	limit, ok := parsePositiveInt(r.URL.Query().Get("limit"), defaultPageSize)
	if !ok {
		g.sendJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
		return
	}
	offset, ok := parsePositiveInt(r.URL.Query().Get("offset"), 0)
	if !ok {
		g.sendJSONError(w, http.StatusBadRequest, "offset must be a positive integer")
		return
	}

	page, err := g.conversation.ListConversations(r.Context(), chatbotID, limit, offset)
	if err != nil {
		g.sendStoreError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, page)
}

// handleConversationDetail handles GET /api/conversations/{id} requests.
func (g *Gateway) handleConversationDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	conversationID := strings.TrimPrefix(r.URL.Path, "/api/conversations/")
	if conversationID == "" || strings.Contains(conversationID, "/") {
		g.sendJSONError(w, http.StatusBadRequest, "invalid path")
		return
	}

	detail, err := g.conversation.GetDetail(r.Context(), conversationID)
	if err != nil {
		g.sendStoreError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, detail)
}

// handleMessageFeedback handles POST /api/messages/{id}/feedback requests.
func (g *Gateway) handleMessageFeedback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/api/messages/")
	messageID, action, found := strings.Cut(rest, "/")
	if !found || messageID == "" || action != "feedback" {
		g.sendJSONError(w, http.StatusBadRequest, "invalid path")
		return
	}

	var body FeedbackBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if err := g.conversation.SetMessageFeedback(r.Context(), messageID, body.Feedback); err != nil {
		g.sendStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// parsePositiveInt parses a query parameter into a non-negative int,
// returning the fallback for an empty value.
func parsePositiveInt(s string, fallback int) (int, bool) {
	if s == "" {
		return fallback, true
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// sendStoreError maps service-layer sentinel errors onto HTTP status codes.
func (g *Gateway) sendStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		g.sendJSONError(w, http.StatusNotFound, "not found")
	case errors.Is(err, store.ErrConflict):
		g.sendJSONError(w, http.StatusConflict, err.Error())
	case errors.Is(err, store.ErrNotAssigned):
		g.sendJSONError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, store.ErrValidation):
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
	default:
		g.logger.Error("internal error", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// writeJSON writes a JSON response with the given status.
func (g *Gateway) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		g.logger.Error("failed to encode response", "error", err)
	}
}
