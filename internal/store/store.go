// ABOUTME: Store interface and data types for handoff-gateway persistence
// ABOUTME: Defines Conversation, Message, HandoffRequest and the Store interface

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a conditional update loses a race
// (assignment to another operator, or acceptance of a non-pending request)
var ErrConflict = errors.New("conflict")

// ErrNotAssigned is returned when an operator acts on a conversation
// that is not currently assigned to them
var ErrNotAssigned = errors.New("not assigned to conversation")

// ErrValidation is returned for malformed input such as empty message content
var ErrValidation = errors.New("validation failed")

// Handoff status values for a conversation. There are exactly two: the
// automated agent is responding, or a human operator has taken over.
const (
	HandoffStatusBot   = "bot"
	HandoffStatusHuman = "human"
)

// Message role values
const (
	RoleCustomer  = "customer"
	RoleAssistant = "assistant"
	RoleOperator  = "operator"
)

// HandoffRequest status values
const (
	RequestStatusPending  = "pending"
	RequestStatusAccepted = "accepted"
	RequestStatusResolved = "resolved"
)

// Feedback values for a message
const (
	FeedbackLike    = "like"
	FeedbackDislike = "dislike"
)

// Conversation represents a customer conversation with a chatbot.
// Invariant: HandoffStatus == "human" implies AssignedOperator != nil;
// the store enforces this by only setting both through AssignOperator.
type Conversation struct {
	ID               string
	ChatbotID        string
	CustomerName     string
	CustomerEmail    *string
	CustomerPhone    *string
	HandoffStatus    string
	AssignedOperator *string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Message is a single utterance within a conversation. Append-only;
// Feedback is the only mutable field.
type Message struct {
	ID             string
	ConversationID string
	Role           string
	Content        string
	Feedback       *string
	CreatedAt      time.Time
}

// HandoffRequest is an escalation request raised on behalf of a conversation.
// It transitions pending -> accepted exactly once, then optionally to resolved.
type HandoffRequest struct {
	ID             string
	ConversationID string
	ChatbotID      string
	Status         string
	RequestedAt    time.Time
	AcceptedAt     *time.Time
	AcceptedBy     *string
	ResolvedAt     *time.Time
	Reason         *string
}

// ConversationPage is one page of a chatbot's conversation list
type ConversationPage struct {
	Items   []*Conversation
	HasMore bool
}

// Store defines the interface for conversation and handoff persistence
type Store interface {
	// Conversations
	CreateConversation(ctx context.Context, conv *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	ListConversations(ctx context.Context, chatbotID string, limit, offset int) (*ConversationPage, error)
	TouchConversation(ctx context.Context, id string, at time.Time) error

	// AssignOperator conditionally sets handoff_status=human and the assigned
	// operator. Succeeds only when the conversation is unassigned or already
	// assigned to operatorID; returns ErrConflict otherwise.
	AssignOperator(ctx context.Context, conversationID, operatorID string) error

	// Messages
	SaveMessage(ctx context.Context, msg *Message) error
	ListMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error)
	GetLatestMessage(ctx context.Context, conversationID string) (*Message, error)
	SetMessageFeedback(ctx context.Context, messageID string, feedback *string) error

	// Handoff requests
	CreateHandoffRequest(ctx context.Context, req *HandoffRequest) error
	GetHandoffRequest(ctx context.Context, id string) (*HandoffRequest, error)
	GetPendingRequestByConversation(ctx context.Context, conversationID string) (*HandoffRequest, error)
	ListPendingRequests(ctx context.Context, chatbotID string) ([]*HandoffRequest, error)

	// AcceptHandoffRequest atomically moves a request from pending to accepted.
	// Returns ErrConflict when the request is no longer pending.
	AcceptHandoffRequest(ctx context.Context, requestID, operatorID string, at time.Time) error

	// AcceptPendingRequestForConversation accepts the conversation's pending
	// request, if any, on behalf of operatorID. No pending request is a no-op.
	AcceptPendingRequestForConversation(ctx context.Context, conversationID, operatorID string, at time.Time) error

	// ReattributeAcceptedRequest changes who an accepted request is credited
	// to. Returns ErrConflict when the request is not in the accepted state.
	ReattributeAcceptedRequest(ctx context.Context, requestID, operatorID string) error

	// ResolveHandoffRequest atomically moves a request from accepted to resolved.
	ResolveHandoffRequest(ctx context.Context, requestID string, at time.Time) error

	// Close releases any resources held by the store
	Close() error
}
