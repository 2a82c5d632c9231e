package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrChatTransition is returned on a backwards chat status transition.
var ErrChatTransition = errors.New("chat status transitions are monotonic")

const chatColumns = `id, project_id, timestamp, sender, text, reply_to, processed, status`

// ChatRepo persists the user <-> orchestrator message exchange.
type ChatRepo struct {
	db *sql.DB
}

// NewChatRepo creates a ChatRepo over the project database.
func NewChatRepo(db *DB) *ChatRepo {
	return &ChatRepo{db: db.Conn()}
}

// Insert appends a chat message.
func (r *ChatRepo) Insert(m ChatMessage) error {
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}
	if m.Status == "" {
		m.Status = ChatUnread
	}
	_, err := r.db.Exec(
		`INSERT INTO chat_messages (`+chatColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ProjectID, m.Timestamp.UnixMilli(), string(m.Sender), m.Text,
		nullStr(m.ReplyTo), m.Processed, string(m.Status),
	)
	if err != nil {
		return fmt.Errorf("failed to insert chat message: %w", err)
	}
	return nil
}

// Get retrieves a message by id.
func (r *ChatRepo) Get(id string) (ChatMessage, error) {
	m, err := scanChatMessage(r.db.QueryRow(
		`SELECT `+chatColumns+` FROM chat_messages WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return ChatMessage{}, &NotFoundError{Kind: "chat message", ID: id}
	}
	if err != nil {
		return ChatMessage{}, fmt.Errorf("failed to load chat message: %w", err)
	}
	return m, nil
}

// ListUnprocessed returns user messages not yet consumed by the
// orchestrator, oldest first.
func (r *ChatRepo) ListUnprocessed(projectID string) ([]ChatMessage, error) {
	return r.list(
		`SELECT `+chatColumns+` FROM chat_messages
		 WHERE project_id = ? AND sender = 'user' AND processed = 0
		 ORDER BY timestamp ASC`, projectID)
}

// ListRecent returns the most recent messages, newest first.
func (r *ChatRepo) ListRecent(projectID string, limit int) ([]ChatMessage, error) {
	return r.list(
		`SELECT `+chatColumns+` FROM chat_messages
		 WHERE project_id = ? ORDER BY timestamp DESC LIMIT ?`, projectID, limit)
}

func (r *ChatRepo) list(query string, args ...any) ([]ChatMessage, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list chat messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var messages []ChatMessage
	for rows.Next() {
		m, err := scanChatMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan chat message row: %w", err)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// MarkProcessed sets processed=1. Idempotent.
func (r *ChatRepo) MarkProcessed(id string) error {
	_, err := r.db.Exec(`UPDATE chat_messages SET processed = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to mark chat message processed: %w", err)
	}
	return nil
}

// SetStatus advances the message status. Backwards transitions are rejected
// with ErrChatTransition; setting the current status again is a no-op.
func (r *ChatRepo) SetStatus(id string, status ChatStatus) error {
	m, err := r.Get(id)
	if err != nil {
		return err
	}
	if status.rank() < 0 {
		return fmt.Errorf("invalid chat status %q", status)
	}
	if status.rank() < m.Status.rank() {
		return fmt.Errorf("%w: %s -> %s", ErrChatTransition, m.Status, status)
	}
	if status == m.Status {
		return nil
	}
	_, err = r.db.Exec(`UPDATE chat_messages SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("failed to set chat message status: %w", err)
	}
	return nil
}

func scanChatMessage(scanner interface{ Scan(...any) error }) (ChatMessage, error) {
	var m ChatMessage
	var ts int64
	var sender, status string
	var replyTo *string
	err := scanner.Scan(&m.ID, &m.ProjectID, &ts, &sender, &m.Text, &replyTo, &m.Processed, &status)
	if err != nil {
		return ChatMessage{}, err
	}
	m.Timestamp = time.UnixMilli(ts)
	m.Sender = ChatSender(sender)
	m.Status = ChatStatus(status)
	if replyTo != nil {
		m.ReplyTo = *replyTo
	}
	return m, nil
}
