// ABOUTME: TakeoverCoordinator resolving the race between an in-flight automated
// ABOUTME: reply and an operator takeover using a bounded-staleness wait loop

package takeover

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hoverline/handoff-gateway/internal/store"
)

// Clock abstracts time for the wait loop so it can run under simulated time
// in tests. The system clock is used in production.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time                         { return time.Now() }
func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// MessageStore defines what the coordinator needs from storage
type MessageStore interface {
	GetLatestMessage(ctx context.Context, conversationID string) (*store.Message, error)
}

// Transitioner performs the actual control-state transition
type Transitioner interface {
	TransitionToHuman(ctx context.Context, conversationID, operatorID string) error
}

// Options tune the bounded-staleness heuristic. There is no direct
// "generation in progress" signal, so the coordinator infers one from the
// age of the latest automated message and waits for it to go stale.
type Options struct {
	// FreshnessThreshold is how recent an assistant message must be to count
	// as a possibly in-flight generation.
	FreshnessThreshold time.Duration
	// PollInterval is the delay between staleness re-checks while waiting.
	PollInterval time.Duration
	// MaxAttempts caps the number of re-checks.
	MaxAttempts int
	// MaxWait is the absolute ceiling on waiting. Whichever of MaxAttempts
	// and MaxWait is hit first ends the wait.
	MaxWait time.Duration
}

// DefaultOptions mirror the tuning the dashboard shipped with.
func DefaultOptions() Options {
	return Options{
		FreshnessThreshold: 10 * time.Second,
		PollInterval:       time.Second,
		MaxAttempts:        15,
		MaxWait:            20 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.FreshnessThreshold <= 0 {
		o.FreshnessThreshold = d.FreshnessThreshold
	}
	if o.PollInterval <= 0 {
		o.PollInterval = d.PollInterval
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = d.MaxAttempts
	}
	if o.MaxWait <= 0 {
		o.MaxWait = d.MaxWait
	}
	return o
}

// Coordinator serializes operator takeovers against possibly in-flight
// automated replies. The wait is self-bounding: it never blocks past
// MaxWait, and when the bound is hit it proceeds anyway. Liveness wins over
// perfect exclusion; a small residual race is accepted.
type Coordinator struct {
	messages MessageStore
	states   Transitioner
	opts     Options
	clock    Clock
	logger   *slog.Logger
}

// New creates a coordinator with the system clock.
func New(messages MessageStore, states Transitioner, opts Options, logger *slog.Logger) *Coordinator {
	return newWithClock(messages, states, opts, systemClock{}, logger)
}

func newWithClock(messages MessageStore, states Transitioner, opts Options, clock Clock, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		messages: messages,
		states:   states,
		opts:     opts.withDefaults(),
		clock:    clock,
		logger:   logger.With("component", "takeover"),
	}
}

// TakeOver transitions a conversation to human control for operatorID,
// first waiting out any automated reply that looks in flight.
//
// Error semantics: transient poll failures are swallowed and retried at the
// next tick; they extend the wait, never abort it. The transition itself
// surfaces store.ErrConflict when another operator already holds the
// conversation, and respects ctx cancellation scoped to the initiating
// request.
func (c *Coordinator) TakeOver(ctx context.Context, conversationID, operatorID string) error {
	start := c.clock.Now()
	deadline := start.Add(c.opts.MaxWait)

	for attempt := 0; ; attempt++ {
		generating := c.isGenerating(ctx, conversationID)
		if !generating {
			break
		}

		if attempt >= c.opts.MaxAttempts || !c.clock.Now().Before(deadline) {
			// Bound exhausted: proceed anyway rather than blocking forever
			c.logger.Warn("takeover wait exhausted, proceeding",
				"conversation_id", conversationID,
				"operator_id", operatorID,
				"attempts", attempt,
				"waited", c.clock.Now().Sub(start))
			break
		}

		c.logger.Debug("automated reply may be in flight, waiting",
			"conversation_id", conversationID,
			"attempt", attempt)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.clock.After(c.opts.PollInterval):
		}
	}

	return c.states.TransitionToHuman(ctx, conversationID, operatorID)
}

// isGenerating infers whether an automated reply is in flight: the latest
// message is from the assistant and younger than the freshness threshold.
// Poll errors report false only for a missing message (nothing can be in
// flight in an empty conversation); anything else reports true so the wait
// continues and retries at the next tick.
func (c *Coordinator) isGenerating(ctx context.Context, conversationID string) bool {
	latest, err := c.messages.GetLatestMessage(ctx, conversationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false
		}
		c.logger.Debug("staleness check failed, retrying next tick",
			"conversation_id", conversationID,
			"error", err)
		return true
	}

	return latest.Role == store.RoleAssistant &&
		c.clock.Now().Sub(latest.CreatedAt) < c.opts.FreshnessThreshold
}
