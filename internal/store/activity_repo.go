package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const activityColumns = `id, project_id, timestamp, type, category, summary, details, correlation_id`

// ActivityRepo persists the append-only activity log.
type ActivityRepo struct {
	db *sql.DB
}

// NewActivityRepo creates an ActivityRepo over the project database.
func NewActivityRepo(db *DB) *ActivityRepo {
	return &ActivityRepo{db: db.Conn()}
}

// Append inserts an entry and returns it with the assigned id.
func (r *ActivityRepo) Append(e ActivityEntry) (ActivityEntry, error) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	var details *string
	if len(e.Details) > 0 {
		d := string(e.Details)
		details = &d
	}
	result, err := r.db.Exec(
		`INSERT INTO activity_logs (project_id, timestamp, type, category, summary, details, correlation_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ProjectID, e.Timestamp.UnixMilli(), string(e.Type), string(e.Category),
		e.Summary, details, nullStr(e.CorrelationID),
	)
	if err != nil {
		return ActivityEntry{}, fmt.Errorf("failed to append activity entry: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return ActivityEntry{}, fmt.Errorf("failed to get activity entry id: %w", err)
	}
	e.ID = id
	return e, nil
}

// Query filters the activity log. Zero-valued fields are ignored.
type ActivityQuery struct {
	Type          ActivityType
	Category      ActivityCategory
	CorrelationID string
	Limit         int
}

// List returns entries matching the query, newest first.
func (r *ActivityRepo) List(projectID string, q ActivityQuery) ([]ActivityEntry, error) {
	query := `SELECT ` + activityColumns + ` FROM activity_logs WHERE project_id = ?`
	args := []any{projectID}
	if q.Type != "" {
		query += ` AND type = ?`
		args = append(args, string(q.Type))
	}
	if q.Category != "" {
		query += ` AND category = ?`
		args = append(args, string(q.Category))
	}
	if q.CorrelationID != "" {
		query += ` AND correlation_id = ?`
		args = append(args, q.CorrelationID)
	}
	query += ` ORDER BY id DESC`
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list activity entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []ActivityEntry
	for rows.Next() {
		e, err := scanActivityEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan activity row: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func scanActivityEntry(scanner interface{ Scan(...any) error }) (ActivityEntry, error) {
	var e ActivityEntry
	var ts int64
	var typ, category string
	var details, correlationID *string
	err := scanner.Scan(&e.ID, &e.ProjectID, &ts, &typ, &category, &e.Summary, &details, &correlationID)
	if err != nil {
		return ActivityEntry{}, err
	}
	e.Timestamp = time.UnixMilli(ts)
	e.Type = ActivityType(typ)
	e.Category = ActivityCategory(category)
	if details != nil {
		e.Details = json.RawMessage(*details)
	}
	if correlationID != nil {
		e.CorrelationID = *correlationID
	}
	return e, nil
}
