package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const worktreeColumns = `id, project_id, path, branch, is_main, merged, archived, mode,
	ahead, behind, modified, staged, untracked, last_commit_date, created_at`

// WorktreeRepo persists worktree records in the project database. The merged
// flag stored here is a cached display hint; the manager recomputes it on
// every load.
type WorktreeRepo struct {
	db *sql.DB
}

// NewWorktreeRepo creates a WorktreeRepo over the project database.
func NewWorktreeRepo(db *DB) *WorktreeRepo {
	return &WorktreeRepo{db: db.Conn()}
}

// Upsert inserts or replaces a worktree record by id.
func (r *WorktreeRepo) Upsert(w Worktree) error {
	var mode *string
	if w.Mode != "" {
		m := string(w.Mode)
		mode = &m
	}
	_, err := r.db.Exec(
		`INSERT INTO worktrees (`+worktreeColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			project_id = excluded.project_id,
			path = excluded.path,
			branch = excluded.branch,
			is_main = excluded.is_main,
			merged = excluded.merged,
			archived = excluded.archived,
			mode = excluded.mode,
			ahead = excluded.ahead,
			behind = excluded.behind,
			modified = excluded.modified,
			staged = excluded.staged,
			untracked = excluded.untracked,
			last_commit_date = excluded.last_commit_date,
			created_at = excluded.created_at`,
		w.ID, w.ProjectID, w.Path, w.Branch, w.IsMain, w.Merged, w.Archived, mode,
		w.Status.Ahead, w.Status.Behind, w.Status.Modified, w.Status.Staged, w.Status.Untracked,
		nullTime(w.LastCommitDate), w.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert worktree: %w", err)
	}
	return nil
}

// Get retrieves a worktree by id.
func (r *WorktreeRepo) Get(id string) (Worktree, error) {
	w, err := scanWorktree(r.db.QueryRow(
		`SELECT `+worktreeColumns+` FROM worktrees WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Worktree{}, &NotFoundError{Kind: "worktree", ID: id}
	}
	if err != nil {
		return Worktree{}, fmt.Errorf("failed to load worktree: %w", err)
	}
	return w, nil
}

// ListForProject returns all worktrees for a project ordered by created_at.
func (r *WorktreeRepo) ListForProject(projectID string) ([]Worktree, error) {
	rows, err := r.db.Query(
		`SELECT `+worktreeColumns+` FROM worktrees WHERE project_id = ? ORDER BY created_at ASC`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list worktrees: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var worktrees []Worktree
	for rows.Next() {
		w, err := scanWorktree(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan worktree row: %w", err)
		}
		worktrees = append(worktrees, w)
	}
	return worktrees, rows.Err()
}

// SetArchived flips the archived flag.
func (r *WorktreeRepo) SetArchived(id string, archived bool) error {
	return r.setFlag(id, "archived", archived)
}

// SetMerged updates the cached merged hint.
func (r *WorktreeRepo) SetMerged(id string, merged bool) error {
	return r.setFlag(id, "merged", merged)
}

func (r *WorktreeRepo) setFlag(id, column string, value bool) error {
	result, err := r.db.Exec(`UPDATE worktrees SET `+column+` = ? WHERE id = ?`, value, id)
	if err != nil {
		return fmt.Errorf("failed to update worktree %s: %w", column, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &NotFoundError{Kind: "worktree", ID: id}
	}
	return nil
}

// Delete removes a worktree record.
func (r *WorktreeRepo) Delete(id string) error {
	_, err := r.db.Exec(`DELETE FROM worktrees WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete worktree: %w", err)
	}
	return nil
}

func scanWorktree(scanner interface{ Scan(...any) error }) (Worktree, error) {
	var w Worktree
	var mode *string
	var lastCommit *int64
	var createdAt int64
	err := scanner.Scan(
		&w.ID, &w.ProjectID, &w.Path, &w.Branch, &w.IsMain, &w.Merged, &w.Archived, &mode,
		&w.Status.Ahead, &w.Status.Behind, &w.Status.Modified, &w.Status.Staged, &w.Status.Untracked,
		&lastCommit, &createdAt,
	)
	if err != nil {
		return Worktree{}, err
	}
	if mode != nil {
		w.Mode = WorktreeMode(*mode)
	}
	w.LastCommitDate = timePtr(lastCommit)
	w.CreatedAt = time.UnixMilli(createdAt)
	return w, nil
}
