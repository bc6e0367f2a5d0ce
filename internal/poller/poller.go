// ABOUTME: Reconciliation poller publishing periodic state snapshots per chatbot
// ABOUTME: Loops run only while a chatbot has observers; unchanged snapshots are suppressed

package poller

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/hoverline/handoff-gateway/internal/conversation"
	"github.com/hoverline/handoff-gateway/internal/handoff"
	"github.com/hoverline/handoff-gateway/internal/notify"
)

// listPageSize bounds how much of the conversation list a snapshot carries.
// Observers page through the REST endpoint for anything older.
const listPageSize = 50

// ConversationSource supplies conversation snapshots
type ConversationSource interface {
	ListConversations(ctx context.Context, chatbotID string, limit, offset int) (*conversation.Page, error)
	GetDetail(ctx context.Context, conversationID string) (*conversation.Detail, error)
}

// RequestSource supplies pending handoff request snapshots
type RequestSource interface {
	ListPending(ctx context.Context, chatbotID string) ([]*handoff.PendingRequest, error)
}

// Options tune the polling cadences. Push delivery is best-effort, so these
// bound how stale an observer can get after a dropped event.
type Options struct {
	// ConversationsInterval is the cadence for conversation list snapshots.
	ConversationsInterval time.Duration
	// RequestsInterval is the cadence for pending request and tracked
	// conversation detail snapshots.
	RequestsInterval time.Duration
	// SnapshotTTL is how long an unchanged snapshot stays suppressed before
	// it is re-published anyway.
	SnapshotTTL time.Duration
}

// DefaultOptions mirror the dashboard's refresh cadences.
func DefaultOptions() Options {
	return Options{
		ConversationsInterval: 3 * time.Second,
		RequestsInterval:      10 * time.Second,
		SnapshotTTL:           time.Minute,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.ConversationsInterval <= 0 {
		o.ConversationsInterval = d.ConversationsInterval
	}
	if o.RequestsInterval <= 0 {
		o.RequestsInterval = d.RequestsInterval
	}
	if o.SnapshotTTL <= 0 {
		o.SnapshotTTL = d.SnapshotTTL
	}
	return o
}

type chatbotLoop struct {
	cancel  context.CancelFunc
	refs    int
	mu      sync.Mutex
	tracked map[string]int // conversationID -> observer refs
}

func (l *chatbotLoop) trackedIDs() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	ids := make([]string, 0, len(l.tracked))
	for id := range l.tracked {
		ids = append(ids, id)
	}
	return ids
}

// Poller reconciles observers with stored state. Push notifications are
// at-most-once and can be dropped; the poller re-derives snapshots from the
// store on a fixed cadence so every observer converges within one interval.
//
// A chatbot's loop runs only while it has at least one observer: AddObserver
// starts it, the last RemoveObserver stops it. Tracked conversations get
// detail snapshots on the request cadence while an observer has the
// conversation open.
type Poller struct {
	conversations ConversationSource
	requests      RequestSource
	notifier      *notify.Notifier
	opts          Options
	logger        *slog.Logger

	mu    sync.Mutex
	loops map[string]*chatbotLoop
	// seen caches snapshot fingerprints so identical consecutive snapshots
	// are not re-published within the TTL
	seen *gocache.Cache
}

// New creates a reconciliation poller. Pass nil logger for default.
func New(conversations ConversationSource, requests RequestSource, notifier *notify.Notifier, opts Options, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	opts = opts.withDefaults()
	return &Poller{
		conversations: conversations,
		requests:      requests,
		notifier:      notifier,
		opts:          opts,
		logger:        logger.With("component", "poller"),
		loops:         make(map[string]*chatbotLoop),
		seen:          gocache.New(opts.SnapshotTTL, 2*opts.SnapshotTTL),
	}
}

// AddObserver registers an observer for a chatbot, starting its
// reconciliation loop if this is the first one.
func (p *Poller) AddObserver(chatbotID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	loop, ok := p.loops[chatbotID]
	if !ok {
		ctx, cancel := context.WithCancel(context.Background())
		loop = &chatbotLoop{cancel: cancel, tracked: make(map[string]int)}
		p.loops[chatbotID] = loop
		go p.run(ctx, chatbotID, loop)
		p.logger.Debug("reconciliation loop started", "chatbot_id", chatbotID)
	}
	loop.refs++
}

// RemoveObserver drops an observer; the loop stops when the last one leaves.
func (p *Poller) RemoveObserver(chatbotID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	loop, ok := p.loops[chatbotID]
	if !ok {
		return
	}
	loop.refs--
	if loop.refs <= 0 {
		loop.cancel()
		delete(p.loops, chatbotID)
		p.logger.Debug("reconciliation loop stopped", "chatbot_id", chatbotID)
	}
}

// Track marks a conversation as open on some observer's screen so its detail
// is refreshed on the request cadence.
func (p *Poller) Track(chatbotID, conversationID string) {
	p.mu.Lock()
	loop, ok := p.loops[chatbotID]
	p.mu.Unlock()
	if !ok {
		return
	}

	loop.mu.Lock()
	defer loop.mu.Unlock()
	loop.tracked[conversationID]++
}

// Untrack removes a detail registration added by Track.
func (p *Poller) Untrack(chatbotID, conversationID string) {
	p.mu.Lock()
	loop, ok := p.loops[chatbotID]
	p.mu.Unlock()
	if !ok {
		return
	}

	loop.mu.Lock()
	defer loop.mu.Unlock()
	loop.tracked[conversationID]--
	if loop.tracked[conversationID] <= 0 {
		delete(loop.tracked, conversationID)
	}
}

// ObservedChatbots returns how many chatbots currently have a running loop
func (p *Poller) ObservedChatbots() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.loops)
}

// Close stops every running loop.
func (p *Poller) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for chatbotID, loop := range p.loops {
		loop.cancel()
		delete(p.loops, chatbotID)
	}
	p.logger.Debug("poller closed")
}

func (p *Poller) run(ctx context.Context, chatbotID string, loop *chatbotLoop) {
	conversationsTicker := time.NewTicker(p.opts.ConversationsInterval)
	defer conversationsTicker.Stop()
	requestsTicker := time.NewTicker(p.opts.RequestsInterval)
	defer requestsTicker.Stop()

	// Prime observers immediately rather than waiting a full interval
	p.publishConversations(ctx, chatbotID)
	p.publishRequests(ctx, chatbotID)

	for {
		select {
		case <-ctx.Done():
			return
		case <-conversationsTicker.C:
			p.publishConversations(ctx, chatbotID)
		case <-requestsTicker.C:
			p.publishRequests(ctx, chatbotID)
			for _, conversationID := range loop.trackedIDs() {
				p.publishDetail(ctx, chatbotID, conversationID)
			}
		}
	}
}

func (p *Poller) publishConversations(ctx context.Context, chatbotID string) {
	page, err := p.conversations.ListConversations(ctx, chatbotID, listPageSize, 0)
	if err != nil {
		// Transient failures just mean this tick is skipped
		p.logger.Warn("conversation snapshot failed",
			"chatbot_id", chatbotID, "error", err)
		return
	}
	p.publishIfChanged(chatbotID, "conversations:"+chatbotID,
		notify.EventConversationsSnapshot, page)
}

func (p *Poller) publishRequests(ctx context.Context, chatbotID string) {
	pending, err := p.requests.ListPending(ctx, chatbotID)
	if err != nil {
		p.logger.Warn("request snapshot failed",
			"chatbot_id", chatbotID, "error", err)
		return
	}
	p.publishIfChanged(chatbotID, "requests:"+chatbotID,
		notify.EventHandoffRequestsSnapshot, pending)
}

func (p *Poller) publishDetail(ctx context.Context, chatbotID, conversationID string) {
	detail, err := p.conversations.GetDetail(ctx, conversationID)
	if err != nil {
		p.logger.Warn("detail snapshot failed",
			"conversation_id", conversationID, "error", err)
		return
	}
	p.publishIfChanged(chatbotID, "detail:"+conversationID,
		notify.EventConversationDetail, detail)
}

// publishIfChanged fingerprints the snapshot and publishes only when it
// differs from the last one sent under the same key, or when the cached
// fingerprint has expired.
func (p *Poller) publishIfChanged(chatbotID, key, eventType string, payload any) {
	fingerprint, err := json.Marshal(payload)
	if err != nil {
		p.logger.Warn("snapshot not serializable", "key", key, "error", err)
		return
	}

	if prev, ok := p.seen.Get(key); ok && prev.(string) == string(fingerprint) {
		return
	}
	p.seen.SetDefault(key, string(fingerprint))

	p.notifier.Publish(chatbotID, &notify.Event{
		Type:      eventType,
		ChatbotID: chatbotID,
		Payload:   payload,
	})
}
