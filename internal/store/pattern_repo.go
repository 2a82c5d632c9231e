package store

import (
	"database/sql"
	"fmt"
	"time"
)

const patternColumns = `id, type, session_id, worktree_id, project_id, timestamp, content, handled, handled_at`

// PatternRepo persists terminal-monitor detections with 24-hour retention.
type PatternRepo struct {
	db *sql.DB
}

// NewPatternRepo creates a PatternRepo over the project database.
func NewPatternRepo(db *DB) *PatternRepo {
	return &PatternRepo{db: db.Conn()}
}

// Insert records a detection.
func (r *PatternRepo) Insert(p DetectedPattern) error {
	if p.Timestamp.IsZero() {
		p.Timestamp = time.Now()
	}
	_, err := r.db.Exec(
		`INSERT INTO detected_patterns (`+patternColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, string(p.Type), p.SessionID, p.WorktreeID, p.ProjectID,
		p.Timestamp.UnixMilli(), p.Content, p.Handled, nullTime(p.HandledAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert detected pattern: %w", err)
	}
	return nil
}

// ListRecent returns stored detections, newest first. Unhandled-only when
// unhandledOnly is set. No age cutoff is applied; rows past retention are
// listed until PurgeBefore deletes them.
func (r *PatternRepo) ListRecent(projectID string, unhandledOnly bool, limit int) ([]DetectedPattern, error) {
	query := `SELECT ` + patternColumns + ` FROM detected_patterns WHERE project_id = ?`
	args := []any{projectID}
	if unhandledOnly {
		query += ` AND handled = 0`
	}
	query += ` ORDER BY timestamp DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list detected patterns: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var patterns []DetectedPattern
	for rows.Next() {
		p, err := scanPattern(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pattern row: %w", err)
		}
		patterns = append(patterns, p)
	}
	return patterns, rows.Err()
}

// MarkHandled flips handled and stamps handled_at.
func (r *PatternRepo) MarkHandled(id string) error {
	now := time.Now().UnixMilli()
	result, err := r.db.Exec(
		`UPDATE detected_patterns SET handled = 1, handled_at = ? WHERE id = ?`, now, id)
	if err != nil {
		return fmt.Errorf("failed to mark pattern handled: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &NotFoundError{Kind: "detected pattern", ID: id}
	}
	return nil
}

// PurgeBefore drops detections older than the cutoff (24-hour retention).
func (r *PatternRepo) PurgeBefore(cutoff time.Time) (int64, error) {
	result, err := r.db.Exec(
		`DELETE FROM detected_patterns WHERE timestamp < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to purge detected patterns: %w", err)
	}
	return result.RowsAffected()
}

func scanPattern(scanner interface{ Scan(...any) error }) (DetectedPattern, error) {
	var p DetectedPattern
	var typ string
	var ts int64
	var handledAt *int64
	err := scanner.Scan(&p.ID, &typ, &p.SessionID, &p.WorktreeID, &p.ProjectID, &ts, &p.Content, &p.Handled, &handledAt)
	if err != nil {
		return DetectedPattern{}, err
	}
	p.Type = PatternType(typ)
	p.Timestamp = time.UnixMilli(ts)
	p.HandledAt = timePtr(handledAt)
	return p, nil
}
