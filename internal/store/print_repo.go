package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const printColumns = `id, worktree_id, project_id, task, status, exit_code, started_at, completed_at`

// PrintSessionRepo persists one-shot agent runs and their terminal output
// chunks.
type PrintSessionRepo struct {
	db *sql.DB
}

// NewPrintSessionRepo creates a PrintSessionRepo over the project database.
func NewPrintSessionRepo(db *DB) *PrintSessionRepo {
	return &PrintSessionRepo{db: db.Conn()}
}

// Insert adds a new print session.
func (r *PrintSessionRepo) Insert(s PrintSession) error {
	_, err := r.db.Exec(
		`INSERT INTO print_sessions (`+printColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.WorktreeID, s.ProjectID, s.Task, string(s.Status),
		s.ExitCode, s.StartedAt.UnixMilli(), nullTime(s.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert print session: %w", err)
	}
	return nil
}

// Get retrieves a print session by id.
func (r *PrintSessionRepo) Get(id string) (PrintSession, error) {
	s, err := scanPrintSession(r.db.QueryRow(
		`SELECT `+printColumns+` FROM print_sessions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return PrintSession{}, &NotFoundError{Kind: "print session", ID: id}
	}
	if err != nil {
		return PrintSession{}, fmt.Errorf("failed to load print session: %w", err)
	}
	return s, nil
}

// ListByStatus returns print sessions with any of the given statuses.
func (r *PrintSessionRepo) ListByStatus(statuses ...PrintSessionStatus) ([]PrintSession, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimPrefix(repeat(",?", len(statuses)), ",")
	args := make([]any, len(statuses))
	for i, s := range statuses {
		args[i] = string(s)
	}
	rows, err := r.db.Query(
		`SELECT `+printColumns+` FROM print_sessions WHERE status IN (`+placeholders+`) ORDER BY started_at ASC`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list print sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []PrintSession
	for rows.Next() {
		s, err := scanPrintSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan print session row: %w", err)
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// ListForWorktree returns print sessions for a worktree, newest first.
func (r *PrintSessionRepo) ListForWorktree(worktreeID string) ([]PrintSession, error) {
	rows, err := r.db.Query(
		`SELECT `+printColumns+` FROM print_sessions WHERE worktree_id = ? ORDER BY started_at DESC`,
		worktreeID)
	if err != nil {
		return nil, fmt.Errorf("failed to list print sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []PrintSession
	for rows.Next() {
		s, err := scanPrintSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan print session row: %w", err)
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// Finish records the terminal state of a print session.
func (r *PrintSessionRepo) Finish(id string, status PrintSessionStatus, exitCode int) error {
	now := time.Now().UnixMilli()
	result, err := r.db.Exec(
		`UPDATE print_sessions SET status = ?, exit_code = ?, completed_at = ? WHERE id = ?`,
		string(status), exitCode, now, id,
	)
	if err != nil {
		return fmt.Errorf("failed to finish print session: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &NotFoundError{Kind: "print session", ID: id}
	}
	return nil
}

// SetExitCode reclassifies a session's exit code without touching
// completed_at. Used by the startup interruption scan.
func (r *PrintSessionRepo) SetExitCode(id string, exitCode int, status PrintSessionStatus) error {
	_, err := r.db.Exec(
		`UPDATE print_sessions SET exit_code = ?, status = ? WHERE id = ?`,
		exitCode, string(status), id,
	)
	if err != nil {
		return fmt.Errorf("failed to set print session exit code: %w", err)
	}
	return nil
}

// ListByExitCode returns sessions carrying a specific recorded exit code,
// oldest first. Used by the startup interruption scan.
func (r *PrintSessionRepo) ListByExitCode(code int) ([]PrintSession, error) {
	rows, err := r.db.Query(
		`SELECT `+printColumns+` FROM print_sessions WHERE exit_code = ? ORDER BY started_at ASC`, code)
	if err != nil {
		return nil, fmt.Errorf("failed to list print sessions by exit code: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []PrintSession
	for rows.Next() {
		s, err := scanPrintSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan print session row: %w", err)
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// LatestCompletedForWorktree returns the most recent completed session for a
// worktree, or nil.
func (r *PrintSessionRepo) LatestCompletedForWorktree(worktreeID string) (*PrintSession, error) {
	s, err := scanPrintSession(r.db.QueryRow(
		`SELECT `+printColumns+` FROM print_sessions
		 WHERE worktree_id = ? AND status = 'completed'
		 ORDER BY started_at DESC LIMIT 1`, worktreeID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load latest completed session: %w", err)
	}
	return &s, nil
}

// AppendChunk appends one terminal output chunk for a session.
func (r *PrintSessionRepo) AppendChunk(sessionID, chunk string) error {
	_, err := r.db.Exec(
		`INSERT INTO terminal_output (session_id, chunk, timestamp) VALUES (?, ?, ?)`,
		sessionID, chunk, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to append terminal output: %w", err)
	}
	return nil
}

// ChunksAfter returns chunks with id strictly greater than afterID, in id
// order. Polling with the last seen id yields strictly newer chunks.
func (r *PrintSessionRepo) ChunksAfter(sessionID string, afterID int64) ([]OutputChunk, error) {
	rows, err := r.db.Query(
		`SELECT id, session_id, chunk, timestamp FROM terminal_output
		 WHERE session_id = ? AND id > ? ORDER BY id ASC`,
		sessionID, afterID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load terminal output: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var chunks []OutputChunk
	for rows.Next() {
		var c OutputChunk
		var ts int64
		if err := rows.Scan(&c.ID, &c.SessionID, &c.Chunk, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan output chunk: %w", err)
		}
		c.Timestamp = time.UnixMilli(ts)
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// FullOutput concatenates every chunk for a session in id order.
func (r *PrintSessionRepo) FullOutput(sessionID string) (string, error) {
	chunks, err := r.ChunksAfter(sessionID, 0)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, c := range chunks {
		b.WriteString(c.Chunk)
	}
	return b.String(), nil
}

func scanPrintSession(scanner interface{ Scan(...any) error }) (PrintSession, error) {
	var s PrintSession
	var status string
	var exitCode *int
	var startedAt int64
	var completedAt *int64
	err := scanner.Scan(
		&s.ID, &s.WorktreeID, &s.ProjectID, &s.Task, &status,
		&exitCode, &startedAt, &completedAt,
	)
	if err != nil {
		return PrintSession{}, err
	}
	s.Status = PrintSessionStatus(status)
	s.ExitCode = exitCode
	s.StartedAt = time.UnixMilli(startedAt)
	s.CompletedAt = timePtr(completedAt)
	return s, nil
}
