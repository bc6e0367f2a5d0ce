// ABOUTME: Tests for the Notifier fan-out pub/sub
// ABOUTME: Covers subscribe, publish, isolation, slow observers, cancellation

package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeEvent(convID string) *Event {
	return &Event{
		Type:      EventNewMessage,
		ChatbotID: "bot-1",
		Payload: NewMessagePayload{
			ConversationID: convID,
			MessageID:      "msg-1",
			Role:           "customer",
			CreatedAt:      time.Now(),
		},
	}
}

func TestNotifier_SingleObserverReceivesEvent(t *testing.T) {
	n := NewNotifier(nil)
	defer n.Close()

	ch, _ := n.Subscribe(context.Background(), "bot-1")

	n.Publish("bot-1", makeEvent("conv-1"))

	select {
	case received := <-ch:
		assert.Equal(t, EventNewMessage, received.Type)
		payload, ok := received.Payload.(NewMessagePayload)
		require.True(t, ok)
		assert.Equal(t, "conv-1", payload.ConversationID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestNotifier_AllObserversOfChatbotReceiveEvent(t *testing.T) {
	n := NewNotifier(nil)
	defer n.Close()

	ctx := context.Background()
	ch1, _ := n.Subscribe(ctx, "bot-1")
	ch2, _ := n.Subscribe(ctx, "bot-1")
	ch3, _ := n.Subscribe(ctx, "bot-1")

	n.Publish("bot-1", makeEvent("conv-2"))

	for i, ch := range []<-chan *Event{ch1, ch2, ch3} {
		select {
		case received := <-ch:
			assert.Equal(t, EventNewMessage, received.Type, "observer %d got wrong event", i)
		case <-time.After(time.Second):
			t.Fatalf("observer %d timed out", i)
		}
	}
}

func TestNotifier_ChatbotsAreIsolated(t *testing.T) {
	n := NewNotifier(nil)
	defer n.Close()

	ctx := context.Background()
	ch1, _ := n.Subscribe(ctx, "bot-1")
	ch2, _ := n.Subscribe(ctx, "bot-2")

	n.Publish("bot-1", makeEvent("conv-3"))

	select {
	case <-ch1:
	case <-time.After(time.Second):
		t.Fatal("observer for bot-1 timed out")
	}

	select {
	case <-ch2:
		t.Fatal("observer for bot-2 should not receive bot-1 events")
	case <-time.After(100 * time.Millisecond):
		// Expected: nothing
	}
}

func TestNotifier_SlowObserverDoesNotBlockPublisher(t *testing.T) {
	n := NewNotifier(nil)
	defer n.Close()

	ctx := context.Background()

	// Subscribe but never read (slow observer)
	_, _ = n.Subscribe(ctx, "bot-1")
	ch2, _ := n.Subscribe(ctx, "bot-1")

	// Publish more events than the buffer size
	for i := 0; i < 100; i++ {
		n.Publish("bot-1", makeEvent("conv-overflow"))
	}

	receivedCount := 0
	for {
		select {
		case <-ch2:
			receivedCount++
		case <-time.After(200 * time.Millisecond):
			assert.Greater(t, receivedCount, 0, "fast observer should receive at least some events")
			return
		}
	}
}

func TestNotifier_ContextCancellationDiscardsSession(t *testing.T) {
	n := NewNotifier(nil)
	defer n.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, _ := n.Subscribe(ctx, "bot-1")

	require.Equal(t, 1, n.SubscriberCount("bot-1"))

	cancel()

	// Channel closes once the cleanup goroutine runs
	select {
	case _, ok := <-ch:
		assert.False(t, ok, "channel should be closed after context cancel")
	case <-time.After(time.Second):
		t.Fatal("channel not closed after context cancel")
	}

	assert.Eventually(t, func() bool {
		return n.SubscriberCount("bot-1") == 0
	}, time.Second, 10*time.Millisecond, "session state should be discarded")
}

func TestNotifier_ManualUnsubscribe(t *testing.T) {
	n := NewNotifier(nil)
	defer n.Close()

	ch, subID := n.Subscribe(context.Background(), "bot-1")

	n.Unsubscribe("bot-1", subID)

	select {
	case _, ok := <-ch:
		assert.False(t, ok, "channel should be closed after unsubscribe")
	case <-time.After(time.Second):
		t.Fatal("channel not closed after unsubscribe")
	}

	// Publishing afterwards should not panic
	n.Publish("bot-1", makeEvent("conv-after"))
}

func TestNotifier_CloseClosesAllSubscriptions(t *testing.T) {
	n := NewNotifier(nil)

	ch1, _ := n.Subscribe(context.Background(), "bot-1")
	ch2, _ := n.Subscribe(context.Background(), "bot-2")

	n.Close()

	for i, ch := range []<-chan *Event{ch1, ch2} {
		select {
		case _, ok := <-ch:
			assert.False(t, ok, "channel %d should be closed after Close()", i)
		case <-time.After(time.Second):
			t.Fatalf("channel %d not closed after Close()", i)
		}
	}
}

func TestNotifier_PublishToNobody(t *testing.T) {
	n := NewNotifier(nil)
	defer n.Close()

	// Should not panic
	n.Publish("nobody-watching", makeEvent("conv-x"))
}

func TestNotifier_ConcurrentPublishSubscribe(t *testing.T) {
	n := NewNotifier(nil)
	defer n.Close()

	var wg sync.WaitGroup
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ch, _ := n.Subscribe(ctx, "bot-concurrent")
			for i := 0; i < 5; i++ {
				select {
				case <-ch:
				case <-time.After(500 * time.Millisecond):
					return
				}
			}
		}()
	}

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				n.Publish("bot-concurrent", &Event{Type: EventNewMessage, ChatbotID: "bot-concurrent"})
			}
		}()
	}

	wg.Wait()
}

func TestNotifier_PublishDuringUnsubscribeChurn(t *testing.T) {
	n := NewNotifier(nil)
	defer n.Close()

	ctx := context.Background()
	var wg sync.WaitGroup

	// Subscriptions come and go while publishers hammer the same chatbot.
	// A publish must never reach a channel that Unsubscribe has closed.
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				_, subID := n.Subscribe(ctx, "bot-churn")
				n.Unsubscribe("bot-churn", subID)
			}
		}()
	}

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 400; i++ {
				n.Publish("bot-churn", &Event{Type: EventNewMessage, ChatbotID: "bot-churn"})
			}
		}()
	}

	wg.Wait()
}
