// ABOUTME: SSE subscribe handler streaming dashboard events to operators
// ABOUTME: Registers the observer with the reconciliation poller for its lifetime

package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const sseHeartbeatInterval = 30 * time.Second

// handleSubscribe handles GET /api/subscribe requests. Each connection is one
// observer: it receives push events for the chatbot and keeps the chatbot's
// reconciliation loop running. An optional conversation_id additionally
// tracks that conversation for detail snapshots while the stream is open.
func (g *Gateway) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	chatbotID := r.URL.Query().Get("chatbot_id")
	if chatbotID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "chatbot_id query param required")
		return
	}
	conversationID := r.URL.Query().Get("conversation_id")

	flusher, ok := w.(http.Flusher)
	if !ok {
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	events, subID := g.notifier.Subscribe(r.Context(), chatbotID)

	g.poller.AddObserver(chatbotID)
	defer g.poller.RemoveObserver(chatbotID)
	if conversationID != "" {
		g.poller.Track(chatbotID, conversationID)
		defer g.poller.Untrack(chatbotID, conversationID)
	}

	g.logger.Debug("SSE stream opened",
		"chatbot_id", chatbotID,
		"sub_id", subID)

	// Send initial connection event
	fmt.Fprintf(w, "event: connected\ndata: {\"chatbot_id\": %q}\n\n", chatbotID)
	flusher.Flush()

	// Heartbeat keeps intermediaries from closing an idle stream
	heartbeat := time.NewTicker(sseHeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			g.logger.Debug("SSE stream closed", "sub_id", subID)
			return

		case <-heartbeat.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()

		case ev, ok := <-events:
			if !ok {
				// Notifier shut down
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				g.logger.Error("failed to marshal SSE event", "error", err)
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
			flusher.Flush()
		}
	}
}
