// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides conversation/message/handoff persistence with conditional updates

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversations (
			id                TEXT PRIMARY KEY,
			chatbot_id        TEXT NOT NULL,
			customer_name     TEXT NOT NULL DEFAULT 'Anonymous',
			customer_email    TEXT,
			customer_phone    TEXT,
			handoff_status    TEXT NOT NULL DEFAULT 'bot',
			assigned_operator TEXT,
			created_at        TEXT NOT NULL,
			updated_at        TEXT NOT NULL,

			CHECK (handoff_status IN ('bot', 'human')),
			CHECK (handoff_status = 'bot' OR assigned_operator IS NOT NULL)
		);

		CREATE INDEX IF NOT EXISTS idx_conversations_chatbot
			ON conversations(chatbot_id, updated_at DESC);

		CREATE INDEX IF NOT EXISTS idx_conversations_operator
			ON conversations(assigned_operator);

		CREATE TABLE IF NOT EXISTS messages (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversations(id),
			role            TEXT NOT NULL,
			content         TEXT NOT NULL,
			feedback        TEXT,
			created_at      TEXT NOT NULL,

			CHECK (role IN ('customer', 'assistant', 'operator')),
			CHECK (feedback IS NULL OR feedback IN ('like', 'dislike'))
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation_created
			ON messages(conversation_id, created_at);

		CREATE TABLE IF NOT EXISTS handoff_requests (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversations(id),
			chatbot_id      TEXT NOT NULL,
			status          TEXT NOT NULL DEFAULT 'pending',
			requested_at    TEXT NOT NULL,
			accepted_at     TEXT,
			accepted_by     TEXT,
			resolved_at     TEXT,
			reason          TEXT,

			CHECK (status IN ('pending', 'accepted', 'resolved'))
		);

		CREATE INDEX IF NOT EXISTS idx_handoff_requests_chatbot_status
			ON handoff_requests(chatbot_id, status, requested_at DESC);

		CREATE INDEX IF NOT EXISTS idx_handoff_requests_conversation
			ON handoff_requests(conversation_id);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}

	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// CreateConversation inserts a new conversation
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	query := `
		INSERT INTO conversations (id, chatbot_id, customer_name, customer_email, customer_phone,
			handoff_status, assigned_operator, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	name := conv.CustomerName
	if name == "" {
		name = "Anonymous"
	}
	status := conv.HandoffStatus
	if status == "" {
		status = HandoffStatusBot
	}

	_, err := s.db.ExecContext(ctx, query,
		conv.ID,
		conv.ChatbotID,
		name,
		nullString(conv.CustomerEmail),
		nullString(conv.CustomerPhone),
		status,
		nullString(conv.AssignedOperator),
		conv.CreatedAt.UTC().Format(time.RFC3339Nano),
		conv.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting conversation: %w", err)
	}

	s.logger.Debug("created conversation", "id", conv.ID, "chatbot_id", conv.ChatbotID)
	return nil
}

const conversationColumns = `id, chatbot_id, customer_name, customer_email, customer_phone,
	handoff_status, assigned_operator, created_at, updated_at`

// GetConversation retrieves a conversation by ID.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE id = ?`

	conv, err := scanConversation(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}
	return conv, nil
}

// ListConversations retrieves one page of a chatbot's conversations ordered by
// most recent activity. Fetches limit+1 rows to determine HasMore without a
// second count query.
func (s *SQLiteStore) ListConversations(ctx context.Context, chatbotID string, limit, offset int) (*ConversationPage, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	query := `
		SELECT ` + conversationColumns + `
		FROM conversations
		WHERE chatbot_id = ?
		ORDER BY updated_at DESC, created_at DESC, id
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, chatbotID, limit+1, offset)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	var items []*Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning conversation: %w", err)
		}
		items = append(items, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating conversations: %w", err)
	}

	page := &ConversationPage{Items: items}
	if len(items) > limit {
		page.Items = items[:limit]
		page.HasMore = true
	}
	return page, nil
}

// TouchConversation bumps a conversation's updated_at timestamp
func (s *SQLiteStore) TouchConversation(ctx context.Context, id string, at time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET updated_at = ? WHERE id = ?`,
		at.UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("touching conversation: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// AssignOperator conditionally transitions a conversation to human control.
// The guard makes concurrent takeovers race at the database rather than in
// application code: the UPDATE only matches when the conversation is
// unassigned or already assigned to the same operator.
func (s *SQLiteStore) AssignOperator(ctx context.Context, conversationID, operatorID string) error {
	query := `
		UPDATE conversations
		SET handoff_status = 'human', assigned_operator = ?, updated_at = ?
		WHERE id = ? AND (assigned_operator IS NULL OR assigned_operator = ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		operatorID,
		time.Now().UTC().Format(time.RFC3339Nano),
		conversationID,
		operatorID,
	)
	if err != nil {
		return fmt.Errorf("assigning operator: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		// Either the conversation doesn't exist or another operator holds it
		var exists int
		err := s.db.QueryRowContext(ctx,
			`SELECT 1 FROM conversations WHERE id = ?`, conversationID).Scan(&exists)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("checking conversation existence: %w", err)
		}
		return ErrConflict
	}

	s.logger.Debug("assigned operator",
		"conversation_id", conversationID,
		"operator_id", operatorID)
	return nil
}

// SaveMessage inserts a message
func (s *SQLiteStore) SaveMessage(ctx context.Context, msg *Message) error {
	query := `
		INSERT INTO messages (id, conversation_id, role, content, feedback, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		msg.ID,
		msg.ConversationID,
		msg.Role,
		msg.Content,
		nullString(msg.Feedback),
		msg.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}

	s.logger.Debug("saved message", "id", msg.ID, "conversation_id", msg.ConversationID, "role", msg.Role)
	return nil
}

// ListMessages retrieves messages for a conversation in creation order.
// If limit is 0 or negative, a default limit of 200 is used.
func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = 200
	}

	query := `
		SELECT id, conversation_id, role, content, feedback, created_at
		FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at, id
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating messages: %w", err)
	}

	return messages, nil
}

// GetLatestMessage retrieves the most recent message in a conversation.
// Returns ErrNotFound when the conversation has no messages.
func (s *SQLiteStore) GetLatestMessage(ctx context.Context, conversationID string) (*Message, error) {
	query := `
		SELECT id, conversation_id, role, content, feedback, created_at
		FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`

	msg, err := scanMessage(s.db.QueryRowContext(ctx, query, conversationID))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying latest message: %w", err)
	}
	return msg, nil
}

// SetMessageFeedback updates a message's feedback field. Passing nil clears it.
func (s *SQLiteStore) SetMessageFeedback(ctx context.Context, messageID string, feedback *string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE messages SET feedback = ? WHERE id = ?`,
		nullString(feedback), messageID)
	if err != nil {
		return fmt.Errorf("setting feedback: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateHandoffRequest inserts a new handoff request
func (s *SQLiteStore) CreateHandoffRequest(ctx context.Context, req *HandoffRequest) error {
	query := `
		INSERT INTO handoff_requests (id, conversation_id, chatbot_id, status,
			requested_at, accepted_at, accepted_by, resolved_at, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	status := req.Status
	if status == "" {
		status = RequestStatusPending
	}

	_, err := s.db.ExecContext(ctx, query,
		req.ID,
		req.ConversationID,
		req.ChatbotID,
		status,
		req.RequestedAt.UTC().Format(time.RFC3339Nano),
		nullTime(req.AcceptedAt),
		nullString(req.AcceptedBy),
		nullTime(req.ResolvedAt),
		nullString(req.Reason),
	)
	if err != nil {
		return fmt.Errorf("inserting handoff request: %w", err)
	}

	s.logger.Debug("created handoff request", "id", req.ID, "conversation_id", req.ConversationID)
	return nil
}

const handoffRequestColumns = `id, conversation_id, chatbot_id, status,
	requested_at, accepted_at, accepted_by, resolved_at, reason`

// GetHandoffRequest retrieves a handoff request by ID
func (s *SQLiteStore) GetHandoffRequest(ctx context.Context, id string) (*HandoffRequest, error) {
	query := `SELECT ` + handoffRequestColumns + ` FROM handoff_requests WHERE id = ?`

	req, err := scanHandoffRequest(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying handoff request: %w", err)
	}
	return req, nil
}

// GetPendingRequestByConversation retrieves the pending request for a
// conversation, if any. Returns ErrNotFound when none is pending.
func (s *SQLiteStore) GetPendingRequestByConversation(ctx context.Context, conversationID string) (*HandoffRequest, error) {
	query := `
		SELECT ` + handoffRequestColumns + `
		FROM handoff_requests
		WHERE conversation_id = ? AND status = 'pending'
		ORDER BY requested_at DESC
		LIMIT 1
	`

	req, err := scanHandoffRequest(s.db.QueryRowContext(ctx, query, conversationID))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying pending request: %w", err)
	}
	return req, nil
}

// ListPendingRequests retrieves all pending requests for a chatbot, newest first
func (s *SQLiteStore) ListPendingRequests(ctx context.Context, chatbotID string) ([]*HandoffRequest, error) {
	query := `
		SELECT ` + handoffRequestColumns + `
		FROM handoff_requests
		WHERE chatbot_id = ? AND status = 'pending'
		ORDER BY requested_at DESC
	`

	rows, err := s.db.QueryContext(ctx, query, chatbotID)
	if err != nil {
		return nil, fmt.Errorf("querying pending requests: %w", err)
	}
	defer rows.Close()

	var requests []*HandoffRequest
	for rows.Next() {
		req, err := scanHandoffRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning handoff request: %w", err)
		}
		requests = append(requests, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating handoff requests: %w", err)
	}

	return requests, nil
}

// AcceptHandoffRequest atomically moves a request from pending to accepted.
// The status guard in the WHERE clause means exactly one caller can win;
// everyone else sees zero rows affected and gets ErrConflict.
func (s *SQLiteStore) AcceptHandoffRequest(ctx context.Context, requestID, operatorID string, at time.Time) error {
	query := `
		UPDATE handoff_requests
		SET status = 'accepted', accepted_at = ?, accepted_by = ?
		WHERE id = ? AND status = 'pending'
	`

	result, err := s.db.ExecContext(ctx, query,
		at.UTC().Format(time.RFC3339Nano),
		operatorID,
		requestID,
	)
	if err != nil {
		return fmt.Errorf("accepting handoff request: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		var exists int
		err := s.db.QueryRowContext(ctx,
			`SELECT 1 FROM handoff_requests WHERE id = ?`, requestID).Scan(&exists)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("checking request existence: %w", err)
		}
		return ErrConflict
	}

	s.logger.Debug("accepted handoff request", "id", requestID, "operator_id", operatorID)
	return nil
}

// AcceptPendingRequestForConversation accepts whatever pending request exists
// for a conversation on behalf of operatorID. A direct takeover settles the
// conversation's escalation through this. No pending request is not an error.
func (s *SQLiteStore) AcceptPendingRequestForConversation(ctx context.Context, conversationID, operatorID string, at time.Time) error {
	query := `
		UPDATE handoff_requests
		SET status = 'accepted', accepted_at = ?, accepted_by = ?
		WHERE conversation_id = ? AND status = 'pending'
	`

	result, err := s.db.ExecContext(ctx, query,
		at.UTC().Format(time.RFC3339Nano),
		operatorID,
		conversationID,
	)
	if err != nil {
		return fmt.Errorf("accepting pending request for conversation: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected > 0 {
		s.logger.Debug("accepted pending request via takeover",
			"conversation_id", conversationID, "operator_id", operatorID)
	}
	return nil
}

// ReattributeAcceptedRequest changes who an accepted request is credited to.
// Repairs attribution when a request accept races a direct takeover and the
// conversation ends up held by a different operator.
func (s *SQLiteStore) ReattributeAcceptedRequest(ctx context.Context, requestID, operatorID string) error {
	query := `
		UPDATE handoff_requests
		SET accepted_by = ?
		WHERE id = ? AND status = 'accepted'
	`

	result, err := s.db.ExecContext(ctx, query, operatorID, requestID)
	if err != nil {
		return fmt.Errorf("reattributing accepted request: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		var exists int
		err := s.db.QueryRowContext(ctx,
			`SELECT 1 FROM handoff_requests WHERE id = ?`, requestID).Scan(&exists)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("checking request existence: %w", err)
		}
		return ErrConflict
	}

	s.logger.Debug("reattributed accepted request", "id", requestID, "operator_id", operatorID)
	return nil
}

// ResolveHandoffRequest atomically moves a request from accepted to resolved
func (s *SQLiteStore) ResolveHandoffRequest(ctx context.Context, requestID string, at time.Time) error {
	query := `
		UPDATE handoff_requests
		SET status = 'resolved', resolved_at = ?
		WHERE id = ? AND status = 'accepted'
	`

	result, err := s.db.ExecContext(ctx, query,
		at.UTC().Format(time.RFC3339Nano),
		requestID,
	)
	if err != nil {
		return fmt.Errorf("resolving handoff request: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		var exists int
		err := s.db.QueryRowContext(ctx,
			`SELECT 1 FROM handoff_requests WHERE id = ?`, requestID).Scan(&exists)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("checking request existence: %w", err)
		}
		return ErrConflict
	}

	s.logger.Debug("resolved handoff request", "id", requestID)
	return nil
}

// scanner abstracts *sql.Row and *sql.Rows for the scan helpers
type scanner interface {
	Scan(dest ...any) error
}

func scanConversation(row scanner) (*Conversation, error) {
	var conv Conversation
	var email, phone, operator sql.NullString
	var createdAtStr, updatedAtStr string

	err := row.Scan(
		&conv.ID,
		&conv.ChatbotID,
		&conv.CustomerName,
		&email,
		&phone,
		&conv.HandoffStatus,
		&operator,
		&createdAtStr,
		&updatedAtStr,
	)
	if err != nil {
		return nil, err
	}

	conv.CustomerEmail = stringPtr(email)
	conv.CustomerPhone = stringPtr(phone)
	conv.AssignedOperator = stringPtr(operator)

	conv.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	conv.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}

	return &conv, nil
}

func scanMessage(row scanner) (*Message, error) {
	var msg Message
	var feedback sql.NullString
	var createdAtStr string

	err := row.Scan(
		&msg.ID,
		&msg.ConversationID,
		&msg.Role,
		&msg.Content,
		&feedback,
		&createdAtStr,
	)
	if err != nil {
		return nil, err
	}

	msg.Feedback = stringPtr(feedback)
	msg.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}

	return &msg, nil
}

func scanHandoffRequest(row scanner) (*HandoffRequest, error) {
	var req HandoffRequest
	var acceptedAt, resolvedAt, acceptedBy, reason sql.NullString
	var requestedAtStr string

	err := row.Scan(
		&req.ID,
		&req.ConversationID,
		&req.ChatbotID,
		&req.Status,
		&requestedAtStr,
		&acceptedAt,
		&acceptedBy,
		&resolvedAt,
		&reason,
	)
	if err != nil {
		return nil, err
	}

	req.AcceptedBy = stringPtr(acceptedBy)
	req.Reason = stringPtr(reason)

	req.RequestedAt, err = time.Parse(time.RFC3339Nano, requestedAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing requested_at: %w", err)
	}
	req.AcceptedAt, err = timePtr(acceptedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing accepted_at: %w", err)
	}
	req.ResolvedAt, err = timePtr(resolvedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing resolved_at: %w", err)
	}

	return &req, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339Nano), Valid: true}
}

func stringPtr(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}

func timePtr(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
