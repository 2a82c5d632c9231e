package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrAlreadyMerged is returned when marking an entry merged twice.
var ErrAlreadyMerged = errors.New("merge queue entry already merged")

const mergeQueueColumns = `worktree_id, branch, completed_at, summary, has_commits, merged`

// MergeQueueRepo is the FIFO of completed branches awaiting merge, keyed by
// worktree. Pop is an atomic select-and-delete so concurrent callers never
// receive the same entry.
type MergeQueueRepo struct {
	db *sql.DB
}

// NewMergeQueueRepo creates a MergeQueueRepo over the project database.
func NewMergeQueueRepo(db *DB) *MergeQueueRepo {
	return &MergeQueueRepo{db: db.Conn()}
}

// Upsert enqueues a branch for merge. Re-queueing an existing worktree
// resets completed_at, summary, and has_commits, and clears merged.
func (r *MergeQueueRepo) Upsert(e MergeQueueEntry) error {
	if e.CompletedAt.IsZero() {
		e.CompletedAt = time.Now()
	}
	_, err := r.db.Exec(
		`INSERT INTO merge_queue (`+mergeQueueColumns+`) VALUES (?, ?, ?, ?, ?, 0)
		 ON CONFLICT(worktree_id) DO UPDATE SET
			branch = excluded.branch,
			completed_at = excluded.completed_at,
			summary = excluded.summary,
			has_commits = excluded.has_commits,
			merged = 0`,
		e.WorktreeID, e.Branch, e.CompletedAt.UnixMilli(), e.Summary, e.HasCommits,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert merge queue entry: %w", err)
	}
	return nil
}

// List returns unmerged entries ordered by completed_at ascending.
func (r *MergeQueueRepo) List() ([]MergeQueueEntry, error) {
	rows, err := r.db.Query(
		`SELECT ` + mergeQueueColumns + ` FROM merge_queue WHERE merged = 0 ORDER BY completed_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list merge queue: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []MergeQueueEntry
	for rows.Next() {
		e, err := scanMergeQueueEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan merge queue row: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Get retrieves the entry for a worktree.
func (r *MergeQueueRepo) Get(worktreeID string) (MergeQueueEntry, error) {
	e, err := scanMergeQueueEntry(r.db.QueryRow(
		`SELECT `+mergeQueueColumns+` FROM merge_queue WHERE worktree_id = ?`, worktreeID))
	if errors.Is(err, sql.ErrNoRows) {
		return MergeQueueEntry{}, &NotFoundError{Kind: "merge queue entry", ID: worktreeID}
	}
	if err != nil {
		return MergeQueueEntry{}, fmt.Errorf("failed to load merge queue entry: %w", err)
	}
	return e, nil
}

// Pop returns and deletes the oldest unmerged entry under one transaction.
// Returns (nil, nil) when the queue is empty.
func (r *MergeQueueRepo) Pop() (*MergeQueueEntry, error) {
	tx, err := r.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin pop transaction: %w", err)
	}

	e, err := scanMergeQueueEntry(tx.QueryRow(
		`SELECT ` + mergeQueueColumns + ` FROM merge_queue WHERE merged = 0 ORDER BY completed_at ASC LIMIT 1`))
	if errors.Is(err, sql.ErrNoRows) {
		_ = tx.Rollback()
		return nil, nil
	}
	if err != nil {
		_ = tx.Rollback()
		return nil, fmt.Errorf("failed to select merge queue head: %w", err)
	}

	if _, err := tx.Exec(`DELETE FROM merge_queue WHERE worktree_id = ?`, e.WorktreeID); err != nil {
		_ = tx.Rollback()
		return nil, fmt.Errorf("failed to delete merge queue head: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit pop transaction: %w", err)
	}
	return &e, nil
}

// MarkMerged flips the merged flag. A second call for the same worktree
// returns ErrAlreadyMerged.
func (r *MergeQueueRepo) MarkMerged(worktreeID string) error {
	result, err := r.db.Exec(
		`UPDATE merge_queue SET merged = 1 WHERE worktree_id = ? AND merged = 0`, worktreeID)
	if err != nil {
		return fmt.Errorf("failed to mark merge queue entry merged: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := r.Get(worktreeID); err != nil {
			return err
		}
		return ErrAlreadyMerged
	}
	return nil
}

// Remove deletes an entry regardless of merged state.
func (r *MergeQueueRepo) Remove(worktreeID string) error {
	_, err := r.db.Exec(`DELETE FROM merge_queue WHERE worktree_id = ?`, worktreeID)
	if err != nil {
		return fmt.Errorf("failed to remove merge queue entry: %w", err)
	}
	return nil
}

func scanMergeQueueEntry(scanner interface{ Scan(...any) error }) (MergeQueueEntry, error) {
	var e MergeQueueEntry
	var completedAt int64
	err := scanner.Scan(&e.WorktreeID, &e.Branch, &completedAt, &e.Summary, &e.HasCommits, &e.Merged)
	if err != nil {
		return MergeQueueEntry{}, err
	}
	e.CompletedAt = time.UnixMilli(completedAt)
	return e, nil
}
