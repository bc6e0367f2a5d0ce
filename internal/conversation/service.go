// ABOUTME: Conversation service: the central layer for message persistence
// ABOUTME: All messages flow through here; records first, then notifies observers

package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hoverline/handoff-gateway/internal/notify"
	"github.com/hoverline/handoff-gateway/internal/store"
)

// ConversationStore defines what the service needs from storage
type ConversationStore interface {
	CreateConversation(ctx context.Context, conv *store.Conversation) error
	GetConversation(ctx context.Context, id string) (*store.Conversation, error)
	ListConversations(ctx context.Context, chatbotID string, limit, offset int) (*store.ConversationPage, error)
	TouchConversation(ctx context.Context, id string, at time.Time) error

	SaveMessage(ctx context.Context, msg *store.Message) error
	ListMessages(ctx context.Context, conversationID string, limit int) ([]*store.Message, error)
	GetLatestMessage(ctx context.Context, conversationID string) (*store.Message, error)
	SetMessageFeedback(ctx context.Context, messageID string, feedback *string) error
}

// Notifier defines what the service needs for observer fan-out
type Notifier interface {
	Publish(chatbotID string, event *notify.Event)
}

// Service is the conversation layer between the HTTP handlers and storage.
// Messages are persisted before observers are notified: history is the
// source of truth, push delivery is best-effort on top of it.
type Service struct {
	store    ConversationStore
	notifier Notifier
	logger   *slog.Logger
}

// New creates a conversation service. Pass nil logger for default.
func New(s ConversationStore, notifier Notifier, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    s,
		notifier: notifier,
		logger:   logger.With("component", "conversation"),
	}
}

// IngestRequest carries an inbound customer message. ConversationID is empty
// for the first message of a new conversation.
type IngestRequest struct {
	ChatbotID      string
	ConversationID string
	CustomerName   string
	CustomerEmail  *string
	CustomerPhone  *string
	Content        string
}

// IngestResult reports the persisted message and whether the automated agent
// may produce a reply. BotMayReply is the contract point with the external
// generation service: it must not reply once control is human.
type IngestResult struct {
	Conversation *store.Conversation
	Message      *store.Message
	BotMayReply  bool
}

// ConversationSummary is a conversation enriched with a last-message preview.
// It is the wire shape for both the list endpoint and snapshot events.
type ConversationSummary struct {
	ID               string    `json:"id"`
	ChatbotID        string    `json:"chatbot_id"`
	CustomerName     string    `json:"customer_name"`
	CustomerEmail    *string   `json:"customer_email,omitempty"`
	CustomerPhone    *string   `json:"customer_phone,omitempty"`
	HandoffStatus    string    `json:"handoff_status"`
	AssignedOperator *string   `json:"assigned_operator,omitempty"`
	LastMessage      string    `json:"last_message,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Page is one page of conversation summaries
type Page struct {
	Items   []*ConversationSummary `json:"items"`
	HasMore bool                   `json:"has_more"`
}

// MessageView is the wire shape of a transcript message
type MessageView struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	Feedback       *string   `json:"feedback,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Detail is a conversation with its ordered message history
type Detail struct {
	Conversation *ConversationSummary `json:"conversation"`
	Messages     []*MessageView       `json:"messages"`
}

func summarize(conv *store.Conversation) *ConversationSummary {
	return &ConversationSummary{
		ID:               conv.ID,
		ChatbotID:        conv.ChatbotID,
		CustomerName:     conv.CustomerName,
		CustomerEmail:    conv.CustomerEmail,
		CustomerPhone:    conv.CustomerPhone,
		HandoffStatus:    conv.HandoffStatus,
		AssignedOperator: conv.AssignedOperator,
		CreatedAt:        conv.CreatedAt,
		UpdatedAt:        conv.UpdatedAt,
	}
}

func viewMessage(msg *store.Message) *MessageView {
	return &MessageView{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		Role:           msg.Role,
		Content:        msg.Content,
		Feedback:       msg.Feedback,
		CreatedAt:      msg.CreatedAt,
	}
}

// RecordCustomerMessage persists an inbound customer message, creating the
// conversation on first contact. Observers of the chatbot are notified of
// both the conversation (when new) and the message.
func (s *Service) RecordCustomerMessage(ctx context.Context, req *IngestRequest) (*IngestResult, error) {
	if req.Content == "" {
		return nil, fmt.Errorf("%w: empty message content", store.ErrValidation)
	}
	if req.ChatbotID == "" {
		return nil, fmt.Errorf("%w: chatbot_id is required", store.ErrValidation)
	}

	now := time.Now().UTC()

	var conv *store.Conversation
	var created bool
	if req.ConversationID == "" {
		conv = &store.Conversation{
			ID:            uuid.New().String(),
			ChatbotID:     req.ChatbotID,
			CustomerName:  req.CustomerName,
			CustomerEmail: req.CustomerEmail,
			CustomerPhone: req.CustomerPhone,
			HandoffStatus: store.HandoffStatusBot,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if conv.CustomerName == "" {
			conv.CustomerName = "Anonymous"
		}
		if err := s.store.CreateConversation(ctx, conv); err != nil {
			return nil, fmt.Errorf("creating conversation: %w", err)
		}
		created = true
		s.logger.Debug("conversation created",
			"conversation_id", conv.ID,
			"chatbot_id", conv.ChatbotID)
	} else {
		var err error
		conv, err = s.store.GetConversation(ctx, req.ConversationID)
		if err != nil {
			return nil, fmt.Errorf("loading conversation: %w", err)
		}
	}

	msg, err := s.appendMessage(ctx, conv, store.RoleCustomer, req.Content, now)
	if err != nil {
		return nil, err
	}

	if created {
		s.notifier.Publish(conv.ChatbotID, &notify.Event{
			Type:      notify.EventConversationCreated,
			ChatbotID: conv.ChatbotID,
			Payload: notify.ConversationCreatedPayload{
				ConversationID: conv.ID,
				CustomerName:   conv.CustomerName,
				CreatedAt:      conv.CreatedAt,
			},
		})
	}
	s.publishNewMessage(conv.ChatbotID, msg)

	return &IngestResult{
		Conversation: conv,
		Message:      msg,
		BotMayReply:  conv.HandoffStatus == store.HandoffStatusBot,
	}, nil
}

// RecordAssistantMessage persists an automated reply. Refused with
// store.ErrConflict once the conversation is under human control: a reply
// that raced a takeover must not corrupt the transcript.
func (s *Service) RecordAssistantMessage(ctx context.Context, conversationID, content string) (*store.Message, error) {
	if content == "" {
		return nil, fmt.Errorf("%w: empty message content", store.ErrValidation)
	}

	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("loading conversation: %w", err)
	}
	if conv.HandoffStatus == store.HandoffStatusHuman {
		return nil, fmt.Errorf("%w: conversation is under human control", store.ErrConflict)
	}

	msg, err := s.appendMessage(ctx, conv, store.RoleAssistant, content, time.Now().UTC())
	if err != nil {
		return nil, err
	}

	s.publishNewMessage(conv.ChatbotID, msg)
	return msg, nil
}

// SendOperatorMessage persists a human operator's reply to the customer.
// The operator must currently hold the conversation; anything else is
// store.ErrNotAssigned.
func (s *Service) SendOperatorMessage(ctx context.Context, conversationID, operatorID, content string) (*store.Message, error) {
	if content == "" {
		return nil, fmt.Errorf("%w: empty message content", store.ErrValidation)
	}

	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("loading conversation: %w", err)
	}
	if conv.HandoffStatus != store.HandoffStatusHuman {
		return nil, fmt.Errorf("%w: conversation is not in human handoff", store.ErrNotAssigned)
	}
	if conv.AssignedOperator == nil || *conv.AssignedOperator != operatorID {
		return nil, fmt.Errorf("%w: conversation is held by another operator", store.ErrNotAssigned)
	}

	msg, err := s.appendMessage(ctx, conv, store.RoleOperator, content, time.Now().UTC())
	if err != nil {
		return nil, err
	}

	s.publishNewMessage(conv.ChatbotID, msg)

	s.logger.Debug("operator message sent",
		"conversation_id", conversationID,
		"operator_id", operatorID,
		"message_id", msg.ID)
	return msg, nil
}

// ListConversations returns one page of a chatbot's conversations, newest
// activity first, each with a last-message preview.
func (s *Service) ListConversations(ctx context.Context, chatbotID string, limit, offset int) (*Page, error) {
	page, err := s.store.ListConversations(ctx, chatbotID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}

	items := make([]*ConversationSummary, 0, len(page.Items))
	for _, conv := range page.Items {
		summary := summarize(conv)
		if latest, err := s.store.GetLatestMessage(ctx, conv.ID); err == nil {
			summary.LastMessage = latest.Content
		}
		items = append(items, summary)
	}

	return &Page{Items: items, HasMore: page.HasMore}, nil
}

// GetDetail returns a conversation and its ordered message history
func (s *Service) GetDetail(ctx context.Context, conversationID string) (*Detail, error) {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("loading conversation: %w", err)
	}
	messages, err := s.store.ListMessages(ctx, conversationID, 0)
	if err != nil {
		return nil, fmt.Errorf("loading messages: %w", err)
	}

	summary := summarize(conv)
	if len(messages) > 0 {
		summary.LastMessage = messages[len(messages)-1].Content
	}
	views := make([]*MessageView, 0, len(messages))
	for _, msg := range messages {
		views = append(views, viewMessage(msg))
	}
	return &Detail{Conversation: summary, Messages: views}, nil
}

// SetMessageFeedback records like/dislike feedback on a message; an empty
// value clears it. Feedback is the only mutation messages allow.
func (s *Service) SetMessageFeedback(ctx context.Context, messageID, feedback string) error {
	switch feedback {
	case "":
		return s.store.SetMessageFeedback(ctx, messageID, nil)
	case store.FeedbackLike, store.FeedbackDislike:
		return s.store.SetMessageFeedback(ctx, messageID, &feedback)
	default:
		return fmt.Errorf("%w: feedback must be like or dislike", store.ErrValidation)
	}
}

// appendMessage saves a message and bumps the conversation's activity time
func (s *Service) appendMessage(ctx context.Context, conv *store.Conversation, role, content string, at time.Time) (*store.Message, error) {
	msg := &store.Message{
		ID:             uuid.New().String(),
		ConversationID: conv.ID,
		Role:           role,
		Content:        content,
		CreatedAt:      at,
	}
	if err := s.store.SaveMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("saving message: %w", err)
	}
	if err := s.store.TouchConversation(ctx, conv.ID, at); err != nil {
		// The message is recorded; a stale activity timestamp only affects
		// list ordering until the next append
		s.logger.Warn("failed to touch conversation",
			"conversation_id", conv.ID, "error", err)
	}
	return msg, nil
}

// publishNewMessage fans a persisted message out to the chatbot's observers
func (s *Service) publishNewMessage(chatbotID string, msg *store.Message) {
	s.notifier.Publish(chatbotID, &notify.Event{
		Type:      notify.EventNewMessage,
		ChatbotID: chatbotID,
		Payload: notify.NewMessagePayload{
			ConversationID: msg.ConversationID,
			MessageID:      msg.ID,
			Role:           msg.Role,
			CreatedAt:      msg.CreatedAt,
		},
	})
}
