// ABOUTME: ResponderStateMachine owning a conversation's control state
// ABOUTME: Transitions bot -> human with conditional assignment, never silently overwrites

package handoff

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hoverline/handoff-gateway/internal/store"
)

// StateStore defines what the state machine needs from storage
type StateStore interface {
	GetConversation(ctx context.Context, id string) (*store.Conversation, error)
	AssignOperator(ctx context.Context, conversationID, operatorID string) error
	AcceptPendingRequestForConversation(ctx context.Context, conversationID, operatorID string, at time.Time) error
}

// StateMachine owns the per-conversation control state: either the automated
// agent ("bot") or a human operator ("human") is responsible for replies.
// There is no human -> bot release transition; once accepted, a handoff is
// permanent for the life of the conversation.
//
// Contract with the generation service: once a conversation is human, it must
// not produce further automated replies. The gateway enforces this at the
// ingest boundary (see conversation.Service.RecordAssistantMessage).
type StateMachine struct {
	store  StateStore
	logger *slog.Logger
}

// NewStateMachine creates a state machine. Pass nil logger for default.
func NewStateMachine(s StateStore, logger *slog.Logger) *StateMachine {
	if logger == nil {
		logger = slog.Default()
	}
	return &StateMachine{
		store:  s,
		logger: logger.With("component", "handoff_state"),
	}
}

// TransitionToHuman moves a conversation to human control assigned to
// operatorID. Idempotent when the conversation is already human and held by
// the same operator. Returns store.ErrConflict when a different operator
// already holds it: assignment is conditional at the store, so concurrent
// takeovers cannot overwrite each other.
//
// A successful transition also accepts the conversation's pending escalation
// request, if one exists, on the operator's behalf. Without this a direct
// takeover would leave the request pending in the queue forever.
func (m *StateMachine) TransitionToHuman(ctx context.Context, conversationID, operatorID string) error {
	if err := m.store.AssignOperator(ctx, conversationID, operatorID); err != nil {
		if errors.Is(err, store.ErrConflict) {
			m.logger.Info("takeover lost assignment race",
				"conversation_id", conversationID,
				"operator_id", operatorID)
		}
		return err
	}

	if err := m.store.AcceptPendingRequestForConversation(ctx, conversationID, operatorID, time.Now().UTC()); err != nil {
		// The takeover itself succeeded; a stale pending request only
		// affects queue display until the next takeover retries
		m.logger.Warn("failed to settle pending request after takeover",
			"conversation_id", conversationID,
			"operator_id", operatorID,
			"error", err)
	}

	m.logger.Info("conversation transitioned to human",
		"conversation_id", conversationID,
		"operator_id", operatorID)
	return nil
}

// Status returns the current control state and assignee of a conversation
func (m *StateMachine) Status(ctx context.Context, conversationID string) (status string, assignedOperator *string, err error) {
	conv, err := m.store.GetConversation(ctx, conversationID)
	if err != nil {
		return "", nil, fmt.Errorf("loading conversation: %w", err)
	}
	return conv.HandoffStatus, conv.AssignedOperator, nil
}
