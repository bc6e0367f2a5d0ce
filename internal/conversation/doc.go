// Package conversation provides high-level conversation management services.
//
// # Overview
//
// The conversation package sits between the HTTP handlers and storage,
// providing conversation-level abstractions: message recording, control-state
// gating for automated replies, listing, and feedback.
//
// # Service
//
// The Service coordinates conversation operations:
//
//	svc := conversation.New(store, notifier, logger)
//
// Key operations:
//
//   - RecordCustomerMessage(ctx, req): Persist an inbound customer message,
//     creating the conversation on first contact. Reports BotMayReply so the
//     external generation service knows whether it may answer.
//   - RecordAssistantMessage(ctx, id, content): Persist an automated reply.
//     Refused with ErrConflict once the conversation is under human control.
//   - SendOperatorMessage(ctx, id, operatorID, content): Persist a human
//     reply. The operator must currently hold the conversation.
//   - ListConversations / GetDetail: Dashboard reads, enriched with
//     last-message previews.
//   - SetMessageFeedback(ctx, messageID, feedback): like/dislike on a message.
//
// # Ordering Guarantee
//
// Every write persists to the store before any observer is notified. Push
// delivery is best-effort on top of durable history: an observer that misses
// an event still converges through the reconciliation poller, and a poll
// never shows a message that push delivery has not at least attempted.
package conversation
