package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const sessionColumns = `id, worktree_id, project_id, command, cwd, conversation_resume_id,
	status, created_at, last_activity_at, resume_count`

// AgentSessionRepo persists agent sessions. The UNIQUE constraint on
// worktree_id enforces the at-most-one-session-per-worktree invariant at the
// database level.
type AgentSessionRepo struct {
	db *sql.DB
}

// NewAgentSessionRepo creates an AgentSessionRepo over the project database.
func NewAgentSessionRepo(db *DB) *AgentSessionRepo {
	return &AgentSessionRepo{db: db.Conn()}
}

// Insert adds a new session row. Fails with a constraint error if a session
// already exists for the worktree; callers destroy the old one first.
func (r *AgentSessionRepo) Insert(s AgentSession) error {
	_, err := r.db.Exec(
		`INSERT INTO agent_sessions (`+sessionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.WorktreeID, s.ProjectID, s.Command, s.Cwd, nullStr(s.ConversationResumeID),
		string(s.Status), s.CreatedAt.UnixMilli(), s.LastActivityAt.UnixMilli(), s.ResumeCount,
	)
	if err != nil {
		return fmt.Errorf("failed to insert agent session: %w", err)
	}
	return nil
}

// Get retrieves a session by id.
func (r *AgentSessionRepo) Get(id string) (AgentSession, error) {
	s, err := scanAgentSession(r.db.QueryRow(
		`SELECT `+sessionColumns+` FROM agent_sessions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return AgentSession{}, &NotFoundError{Kind: "agent session", ID: id}
	}
	if err != nil {
		return AgentSession{}, fmt.Errorf("failed to load agent session: %w", err)
	}
	return s, nil
}

// GetByWorktree retrieves the session for a worktree, if any.
func (r *AgentSessionRepo) GetByWorktree(worktreeID string) (AgentSession, error) {
	s, err := scanAgentSession(r.db.QueryRow(
		`SELECT `+sessionColumns+` FROM agent_sessions WHERE worktree_id = ?`, worktreeID))
	if errors.Is(err, sql.ErrNoRows) {
		return AgentSession{}, &NotFoundError{Kind: "agent session", ID: worktreeID}
	}
	if err != nil {
		return AgentSession{}, fmt.Errorf("failed to load agent session: %w", err)
	}
	return s, nil
}

// List returns all sessions for a project, optionally filtered by status.
func (r *AgentSessionRepo) List(projectID string, statuses ...AgentSessionStatus) ([]AgentSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM agent_sessions WHERE project_id = ?`
	args := []any{projectID}
	if len(statuses) > 0 {
		query += ` AND status IN (?` + repeat(",?", len(statuses)-1) + `)`
		for _, s := range statuses {
			args = append(args, string(s))
		}
	}
	query += ` ORDER BY created_at ASC`

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list agent sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []AgentSession
	for rows.Next() {
		s, err := scanAgentSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan agent session row: %w", err)
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// UpdateStatus sets the status and refreshes last_activity_at.
func (r *AgentSessionRepo) UpdateStatus(id string, status AgentSessionStatus) error {
	result, err := r.db.Exec(
		`UPDATE agent_sessions SET status = ?, last_activity_at = ? WHERE id = ?`,
		string(status), time.Now().UnixMilli(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update agent session status: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &NotFoundError{Kind: "agent session", ID: id}
	}
	return nil
}

// MarkAllDisconnected bulk-updates every live session to disconnected.
// Used when the daemon connection drops.
func (r *AgentSessionRepo) MarkAllDisconnected() error {
	_, err := r.db.Exec(
		`UPDATE agent_sessions SET status = ?, last_activity_at = ? WHERE status IN (?, ?)`,
		string(SessionDisconnected), time.Now().UnixMilli(),
		string(SessionActive), string(SessionResumed),
	)
	if err != nil {
		return fmt.Errorf("failed to mark sessions disconnected: %w", err)
	}
	return nil
}

// Resume replaces the session id with the freshly spawned daemon session's
// id, bumps resume_count, and marks the row resumed. Runs in a transaction
// so the unique worktree constraint never observes an intermediate state.
func (r *AgentSessionRepo) Resume(oldID, newID string) error {
	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin resume transaction: %w", err)
	}
	result, err := tx.Exec(
		`UPDATE agent_sessions
		 SET id = ?, status = ?, resume_count = resume_count + 1, last_activity_at = ?
		 WHERE id = ?`,
		newID, string(SessionResumed), time.Now().UnixMilli(), oldID,
	)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to resume agent session: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	if n == 0 {
		_ = tx.Rollback()
		return &NotFoundError{Kind: "agent session", ID: oldID}
	}
	return tx.Commit()
}

// SetConversationResumeID records the agent conversation id used for
// re-attach after a crash.
func (r *AgentSessionRepo) SetConversationResumeID(id, resumeID string) error {
	_, err := r.db.Exec(
		`UPDATE agent_sessions SET conversation_resume_id = ? WHERE id = ?`, resumeID, id)
	if err != nil {
		return fmt.Errorf("failed to set conversation resume id: %w", err)
	}
	return nil
}

// Delete removes a session row.
func (r *AgentSessionRepo) Delete(id string) error {
	_, err := r.db.Exec(`DELETE FROM agent_sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete agent session: %w", err)
	}
	return nil
}

// PurgeTerminatedBefore removes terminated sessions older than the cutoff.
// Terminated rows are kept only for audit and cleaned up after 7 days.
func (r *AgentSessionRepo) PurgeTerminatedBefore(cutoff time.Time) (int64, error) {
	result, err := r.db.Exec(
		`DELETE FROM agent_sessions WHERE status = ? AND last_activity_at < ?`,
		string(SessionTerminated), cutoff.UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to purge terminated sessions: %w", err)
	}
	return result.RowsAffected()
}

func scanAgentSession(scanner interface{ Scan(...any) error }) (AgentSession, error) {
	var s AgentSession
	var resumeID *string
	var status string
	var createdAt, lastActivityAt int64
	err := scanner.Scan(
		&s.ID, &s.WorktreeID, &s.ProjectID, &s.Command, &s.Cwd, &resumeID,
		&status, &createdAt, &lastActivityAt, &s.ResumeCount,
	)
	if err != nil {
		return AgentSession{}, err
	}
	if resumeID != nil {
		s.ConversationResumeID = *resumeID
	}
	s.Status = AgentSessionStatus(status)
	s.CreatedAt = time.UnixMilli(createdAt)
	s.LastActivityAt = time.UnixMilli(lastActivityAt)
	return s, nil
}

func repeat(s string, n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += s
	}
	return out
}
