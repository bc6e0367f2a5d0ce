// Package gateway orchestrates the handoff-gateway server components.
//
// # Overview
//
// The gateway package is the central coordinator. It owns the store, the
// conversation service, the handoff state machine and request queue, the
// takeover coordinator, the realtime notifier, the reconciliation poller,
// and the HTTP server that exposes them.
//
// # HTTP API
//
// Operator endpoints (JWT bearer auth):
//
//   - GET  /api/handoff/pending - Pending handoff requests, enriched
//   - POST /api/handoff/accept - Accept a pending request (409 on races)
//   - POST /api/handoff/resolve - Mark an accepted request resolved
//   - POST /api/takeover - Take direct control of a conversation
//   - POST /api/handoff/message - Send an operator reply
//   - GET  /api/conversations - Paginated conversation list
//   - GET  /api/conversations/{id} - Conversation detail with transcript
//   - POST /api/messages/{id}/feedback - Like/dislike a message
//   - GET  /api/subscribe - SSE event stream per chatbot
//
// Unauthenticated:
//
//   - POST /api/ingest/message - Widget-facing customer/assistant ingest
//   - GET  /healthz - Liveness check
//
// # Error Mapping
//
// Service sentinel errors map onto status codes: ErrConflict is 409,
// ErrNotFound is 404, ErrNotAssigned is 403, ErrValidation is 400. A 409 on
// accept or takeover means another operator won the race; clients refresh
// and move on rather than retrying the same request.
package gateway
