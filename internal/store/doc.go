// Package store provides persistent storage for handoff-gateway using SQLite.
//
// # Data Models
//
//   - Conversation: Customer conversation with handoff control state
//     (handoff_status bot|human, assigned_operator)
//   - Message: Individual messages with role (customer, assistant, operator);
//     append-only except for the feedback field
//   - HandoffRequest: Escalation request lifecycle (pending, accepted, resolved)
//
// # Conditional Updates
//
// The two operations with real races are expressed as conditional UPDATEs so
// that concurrent gateway instances resolve them at the database:
//
//   - AssignOperator: assigns only when the conversation is unassigned or
//     already held by the caller; a lost race returns ErrConflict
//   - AcceptHandoffRequest: accepts only while status is still pending;
//     every caller after the first gets ErrConflict
//
// # SQLite Configuration
//
// The store uses SQLite with WAL mode for concurrent reads:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// # Error Handling
//
// Sentinel errors shared by the whole module:
//
//   - ErrNotFound: Requested entity does not exist
//   - ErrConflict: Lost an assignment or acceptance race
//   - ErrNotAssigned: Operator is not assigned to the conversation
//   - ErrValidation: Malformed input (e.g. empty message content)
//
// All methods accept context.Context for cancellation support.
package store
