// ABOUTME: In-memory fan-out notifier for dashboard observers of a chatbot
// ABOUTME: Pushes best-effort events to every subscriber watching a chatbot

package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	// Full buffers drop events; the reconciliation poller covers the gap.
	subscriberBufferSize = 64
)

// Event types pushed to dashboard observers. Observers must ignore types
// they do not recognize so new types can be added without breaking them.
const (
	EventConversationCreated = "conversation_created"
	EventNewMessage          = "new_message"

	// Reconciliation snapshots published by the poller
	EventConversationsSnapshot   = "conversations_snapshot"
	EventHandoffRequestsSnapshot = "handoff_requests_snapshot"
	EventConversationDetail      = "conversation_detail"
)

// Event is a single notification delivered to observers of a chatbot.
// Delivery is best-effort and at-most-once per connection.
type Event struct {
	Type      string `json:"type"`
	ChatbotID string `json:"chatbot_id"`
	Payload   any    `json:"payload,omitempty"`
}

// ConversationCreatedPayload accompanies conversation_created events
type ConversationCreatedPayload struct {
	ConversationID string    `json:"conversation_id"`
	CustomerName   string    `json:"customer_name"`
	CreatedAt      time.Time `json:"created_at"`
}

// NewMessagePayload accompanies new_message events
type NewMessagePayload struct {
	ConversationID string    `json:"conversation_id"`
	MessageID      string    `json:"message_id"`
	Role           string    `json:"role"`
	CreatedAt      time.Time `json:"created_at"`
}

// Notifier provides in-memory pub/sub for dashboard events. Subscribers
// register for a chatbot ID and receive events as state changes are
// persisted. There is no buffering beyond the subscriber channel, no
// persistence, and no replay: a disconnected observer misses events until
// the poller catches it up.
type Notifier struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan *Event // chatbotID -> subID -> ch
	logger      *slog.Logger
}

// NewNotifier creates a notifier. Pass nil logger for default.
func NewNotifier(logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		subscribers: make(map[string]map[string]chan *Event),
		logger:      logger.With("component", "notifier"),
	}
}

// Subscribe registers an observer for events on the given chatbot. Returns a
// channel that receives events and a subscription ID. The subscription is
// automatically discarded when ctx is cancelled; there is no server-side
// state left behind for a disconnected observer.
func (n *Notifier) Subscribe(ctx context.Context, chatbotID string) (<-chan *Event, string) {
	subID := uuid.New().String()
	ch := make(chan *Event, subscriberBufferSize)

	n.mu.Lock()
	if _, ok := n.subscribers[chatbotID]; !ok {
		n.subscribers[chatbotID] = make(map[string]chan *Event)
	}
	n.subscribers[chatbotID][subID] = ch
	n.mu.Unlock()

	n.logger.Debug("observer subscribed",
		"chatbot_id", chatbotID,
		"sub_id", subID)

	go func() {
		<-ctx.Done()
		n.Unsubscribe(chatbotID, subID)
	}()

	return ch, subID
}

// Publish sends an event to all observers of the given chatbot.
// Non-blocking: events are dropped for observers whose channels are full.
func (n *Notifier) Publish(chatbotID string, event *Event) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	// Sends stay under the read lock: they never block (select with default),
	// and Unsubscribe/Close only close channels under the write lock, so a
	// send can never hit a closed channel.
	for _, ch := range n.subscribers[chatbotID] {
		select {
		case ch <- event:
			// Sent
		default:
			// Observer channel full, drop; the poller reconciles
			n.logger.Debug("dropped event for slow observer",
				"chatbot_id", chatbotID,
				"type", event.Type)
		}
	}
}

// SubscriberCount returns the number of observers currently watching a chatbot
func (n *Notifier) SubscriberCount(chatbotID string) int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.subscribers[chatbotID])
}

// Unsubscribe removes a subscription and closes its channel.
func (n *Notifier) Unsubscribe(chatbotID, subID string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	subs, ok := n.subscribers[chatbotID]
	if !ok {
		return
	}

	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)

	if len(subs) == 0 {
		delete(n.subscribers, chatbotID)
	}

	n.logger.Debug("observer unsubscribed",
		"chatbot_id", chatbotID,
		"sub_id", subID)
}

// Close shuts down the notifier and closes all subscriber channels.
func (n *Notifier) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()

	for chatbotID, subs := range n.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(n.subscribers, chatbotID)
	}

	n.logger.Debug("notifier closed")
}
