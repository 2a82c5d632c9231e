package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ProjectRepo persists project identity in the process-wide registry database.
type ProjectRepo struct {
	db *sql.DB
}

// NewProjectRepo creates a ProjectRepo over the registry database.
func NewProjectRepo(db *DB) *ProjectRepo {
	return &ProjectRepo{db: db.Conn()}
}

// Register upserts a project by path: an existing registration at the same
// path keeps its id and created_at and refreshes name, repo_url, opened_at.
func (r *ProjectRepo) Register(p Project) (Project, error) {
	existing, err := r.GetByPath(p.Path)
	if err == nil {
		_, err = r.db.Exec(
			`UPDATE projects SET name = ?, repo_url = ?, opened_at = ? WHERE path = ?`,
			p.Name, nullStr(p.RepoURL), time.Now().UnixMilli(), p.Path,
		)
		if err != nil {
			return Project{}, fmt.Errorf("failed to refresh project registration: %w", err)
		}
		existing.Name = p.Name
		existing.RepoURL = p.RepoURL
		return existing, nil
	}
	var nf *NotFoundError
	if !errors.As(err, &nf) {
		return Project{}, err
	}

	now := time.Now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.OpenedAt = now
	_, err = r.db.Exec(
		`INSERT INTO projects (id, path, name, repo_url, created_at, opened_at) VALUES (?, ?, ?, ?, ?, ?)`,
		p.ID, p.Path, p.Name, nullStr(p.RepoURL), p.CreatedAt.UnixMilli(), p.OpenedAt.UnixMilli(),
	)
	if err != nil {
		return Project{}, fmt.Errorf("failed to register project: %w", err)
	}
	return p, nil
}

// Get retrieves a project by id.
func (r *ProjectRepo) Get(id string) (Project, error) {
	return r.scanOne(r.db.QueryRow(
		`SELECT id, path, name, repo_url, created_at, opened_at FROM projects WHERE id = ?`, id), id)
}

// GetByPath retrieves a project by its unique path.
func (r *ProjectRepo) GetByPath(path string) (Project, error) {
	return r.scanOne(r.db.QueryRow(
		`SELECT id, path, name, repo_url, created_at, opened_at FROM projects WHERE path = ?`, path), path)
}

// List returns all registered projects ordered by opened_at descending.
func (r *ProjectRepo) List() ([]Project, error) {
	rows, err := r.db.Query(
		`SELECT id, path, name, repo_url, created_at, opened_at FROM projects ORDER BY opened_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var projects []Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

// Remove deletes a project registration.
func (r *ProjectRepo) Remove(id string) error {
	result, err := r.db.Exec(`DELETE FROM projects WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to remove project: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &NotFoundError{Kind: "project", ID: id}
	}
	return nil
}

func (r *ProjectRepo) scanOne(row *sql.Row, key string) (Project, error) {
	p, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Project{}, &NotFoundError{Kind: "project", ID: key}
	}
	if err != nil {
		return Project{}, fmt.Errorf("failed to load project: %w", err)
	}
	return p, nil
}

func scanProject(scanner interface{ Scan(...any) error }) (Project, error) {
	var p Project
	var repoURL *string
	var createdAt, openedAt int64
	if err := scanner.Scan(&p.ID, &p.Path, &p.Name, &repoURL, &createdAt, &openedAt); err != nil {
		return Project{}, err
	}
	if repoURL != nil {
		p.RepoURL = *repoURL
	}
	p.CreatedAt = time.UnixMilli(createdAt)
	p.OpenedAt = time.UnixMilli(openedAt)
	return p, nil
}

func nullStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullTime(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	ms := t.UnixMilli()
	return &ms
}

func timePtr(ms *int64) *time.Time {
	if ms == nil {
		return nil
	}
	t := time.UnixMilli(*ms)
	return &t
}
