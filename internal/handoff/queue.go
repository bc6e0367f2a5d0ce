// ABOUTME: HandoffRequestQueue tracking escalation requests and their lifecycle
// ABOUTME: Enqueue reuses pending requests; Accept is atomic and assigns the operator

package handoff

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hoverline/handoff-gateway/internal/store"
)

// newlyArrivedWindow classifies requests as "new" for display purposes only;
// it carries no correctness weight.
const newlyArrivedWindow = time.Hour

// QueueStore defines what the queue needs from storage
type QueueStore interface {
	GetConversation(ctx context.Context, id string) (*store.Conversation, error)
	GetLatestMessage(ctx context.Context, conversationID string) (*store.Message, error)

	CreateHandoffRequest(ctx context.Context, req *store.HandoffRequest) error
	GetHandoffRequest(ctx context.Context, id string) (*store.HandoffRequest, error)
	GetPendingRequestByConversation(ctx context.Context, conversationID string) (*store.HandoffRequest, error)
	ListPendingRequests(ctx context.Context, chatbotID string) ([]*store.HandoffRequest, error)
	AcceptHandoffRequest(ctx context.Context, requestID, operatorID string, at time.Time) error
	ReattributeAcceptedRequest(ctx context.Context, requestID, operatorID string) error
	ResolveHandoffRequest(ctx context.Context, requestID string, at time.Time) error
}

// PendingRequest is a handoff request enriched with conversation context.
// It is the wire shape for both the pending endpoint and snapshot events.
type PendingRequest struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	ChatbotID      string    `json:"chatbot_id"`
	Status         string    `json:"status"`
	Reason         *string   `json:"reason,omitempty"`
	RequestedAt    time.Time `json:"requested_at"`
	CustomerName   string    `json:"customer_name,omitempty"`
	CustomerEmail  *string   `json:"customer_email,omitempty"`
	LastMessage    string    `json:"last_message,omitempty"`
	IsNew          bool      `json:"is_new"`
}

// Queue manages the escalation-request lifecycle for a chatbot's conversations
type Queue struct {
	store  QueueStore
	states *StateMachine
	logger *slog.Logger
}

// NewQueue creates a handoff request queue. Pass nil logger for default.
func NewQueue(s QueueStore, states *StateMachine, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		store:  s,
		states: states,
		logger: logger.With("component", "handoff_queue"),
	}
}

// Enqueue raises an escalation request for a conversation. When a pending
// request already exists it is returned instead of creating a duplicate, so
// repeated escalation triggers are harmless.
func (q *Queue) Enqueue(ctx context.Context, conversationID string, reason *string) (*store.HandoffRequest, error) {
	conv, err := q.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("loading conversation: %w", err)
	}

	existing, err := q.store.GetPendingRequestByConversation(ctx, conversationID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("checking existing request: %w", err)
	}

	req := &store.HandoffRequest{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		ChatbotID:      conv.ChatbotID,
		Status:         store.RequestStatusPending,
		RequestedAt:    time.Now().UTC(),
		Reason:         reason,
	}
	if err := q.store.CreateHandoffRequest(ctx, req); err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	q.logger.Info("handoff requested",
		"request_id", req.ID,
		"conversation_id", conversationID,
		"chatbot_id", conv.ChatbotID)
	return req, nil
}

// ListPending returns all pending requests for a chatbot, newest first,
// enriched with customer details and a last-message preview.
func (q *Queue) ListPending(ctx context.Context, chatbotID string) ([]*PendingRequest, error) {
	requests, err := q.store.ListPendingRequests(ctx, chatbotID)
	if err != nil {
		return nil, fmt.Errorf("listing pending requests: %w", err)
	}

	now := time.Now().UTC()
	enriched := make([]*PendingRequest, 0, len(requests))
	for _, req := range requests {
		pr := &PendingRequest{
			ID:             req.ID,
			ConversationID: req.ConversationID,
			ChatbotID:      req.ChatbotID,
			Status:         req.Status,
			Reason:         req.Reason,
			RequestedAt:    req.RequestedAt,
			IsNew:          now.Sub(req.RequestedAt) < newlyArrivedWindow,
		}

		conv, err := q.store.GetConversation(ctx, req.ConversationID)
		if err != nil {
			// Enrichment is best-effort; the request itself still lists
			q.logger.Warn("failed to load conversation for request",
				"request_id", req.ID, "error", err)
		} else {
			pr.CustomerName = conv.CustomerName
			pr.CustomerEmail = conv.CustomerEmail
		}

		if latest, err := q.store.GetLatestMessage(ctx, req.ConversationID); err == nil {
			pr.LastMessage = latest.Content
		}

		enriched = append(enriched, pr)
	}

	return enriched, nil
}

// Accept atomically accepts a pending request on behalf of an operator and
// transitions its conversation to human control. Exactly one caller can win;
// everyone after the first gets store.ErrConflict. The caller should offer a
// retry on a fresh request rather than treating it as fatal.
//
// When the conversation was meanwhile taken over directly, the conflict is
// surfaced and the request is credited to whoever actually holds the
// conversation, never to the losing caller.
func (q *Queue) Accept(ctx context.Context, requestID, operatorID string) (*store.HandoffRequest, error) {
	if err := q.store.AcceptHandoffRequest(ctx, requestID, operatorID, time.Now().UTC()); err != nil {
		return nil, err
	}

	req, err := q.store.GetHandoffRequest(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("reloading accepted request: %w", err)
	}

	if err := q.states.TransitionToHuman(ctx, req.ConversationID, operatorID); err != nil {
		if errors.Is(err, store.ErrConflict) {
			// The request acceptance won but the conversation is held by
			// someone else (a direct takeover raced the accept). Credit the
			// request to the actual holder so the two records agree.
			q.creditHolder(ctx, req)
		}
		return nil, err
	}

	q.logger.Info("handoff accepted",
		"request_id", requestID,
		"conversation_id", req.ConversationID,
		"operator_id", operatorID)
	return req, nil
}

// creditHolder reattributes an accepted request to whoever currently holds
// its conversation. Best-effort repair; failures are logged, not surfaced,
// because the caller is already returning the conflict.
func (q *Queue) creditHolder(ctx context.Context, req *store.HandoffRequest) {
	conv, err := q.store.GetConversation(ctx, req.ConversationID)
	if err != nil {
		q.logger.Warn("could not load conversation to credit request holder",
			"request_id", req.ID,
			"conversation_id", req.ConversationID,
			"error", err)
		return
	}
	if conv.AssignedOperator == nil {
		return
	}

	if err := q.store.ReattributeAcceptedRequest(ctx, req.ID, *conv.AssignedOperator); err != nil {
		q.logger.Warn("failed to credit request to conversation holder",
			"request_id", req.ID,
			"operator_id", *conv.AssignedOperator,
			"error", err)
		return
	}
	q.logger.Info("credited accepted request to conversation holder",
		"request_id", req.ID,
		"operator_id", *conv.AssignedOperator)
}

// Resolve marks an accepted request as resolved
func (q *Queue) Resolve(ctx context.Context, requestID string) error {
	if err := q.store.ResolveHandoffRequest(ctx, requestID, time.Now().UTC()); err != nil {
		return err
	}
	q.logger.Info("handoff resolved", "request_id", requestID)
	return nil
}
