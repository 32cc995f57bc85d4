// LockClaw - Secure local-first agent orchestration
// License: MIT
//
// Copyright (c) 2026 LockClaw contributors

package task

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lockclaw/lockclaw/pkg/errs"
	"github.com/lockclaw/lockclaw/pkg/storage"
)

const taskSchema = `
CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	correlation_id TEXT,
	parent_id TEXT,
	type TEXT NOT NULL,
	name TEXT NOT NULL,
	description TEXT,
	input_hash TEXT NOT NULL,
	status TEXT NOT NULL,
	timeout_ms INTEGER NOT NULL,
	user_id TEXT NOT NULL,
	role TEXT NOT NULL,
	permissions TEXT,
	ip TEXT,
	user_agent TEXT,
	result TEXT,
	resources TEXT,
	created_at TEXT NOT NULL,
	started_at TEXT,
	completed_at TEXT,
	duration_ms INTEGER
);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_user ON tasks(user_id);
CREATE INDEX IF NOT EXISTS idx_tasks_type ON tasks(type);
CREATE INDEX IF NOT EXISTS idx_tasks_created ON tasks(created_at);
`

const taskColumns = `id, correlation_id, parent_id, type, name, description, input_hash,
	status, timeout_ms, user_id, role, permissions, ip, user_agent,
	result, resources, created_at, started_at, completed_at, duration_ms`

// Store persists task rows.
type Store struct {
	db *storage.DB
}

func NewStore(db *storage.DB) (*Store, error) {
	if _, err := db.Execute(context.Background(), taskSchema); err != nil {
		return nil, fmt.Errorf("create tasks schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Insert(ctx context.Context, t *Task) error {
	perms, err := json.Marshal(t.Security.Permissions)
	if err != nil {
		return fmt.Errorf("marshal permissions: %w", err)
	}
	resultJSON, resourcesJSON, err := marshalOutcome(t)
	if err != nil {
		return err
	}

	_, err = s.db.Execute(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID,
		storage.NullString(t.CorrelationID),
		storage.NullString(t.ParentID),
		t.Type,
		t.Name,
		storage.NullString(t.Description),
		t.InputHash,
		string(t.Status),
		t.TimeoutMs,
		t.Security.UserID,
		t.Security.Role,
		string(perms),
		storage.NullString(t.Security.IP),
		storage.NullString(t.Security.UserAgent),
		resultJSON,
		resourcesJSON,
		t.CreatedAt.UTC().Format(time.RFC3339Nano),
		storage.TimeText(t.StartedAt),
		storage.TimeText(t.CompletedAt),
		nullInt64(t.DurationMs),
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// Update rewrites the mutable columns of an existing row.
func (s *Store) Update(ctx context.Context, t *Task) error {
	resultJSON, resourcesJSON, err := marshalOutcome(t)
	if err != nil {
		return err
	}

	n, err := s.db.Execute(ctx, `
		UPDATE tasks
		SET status = ?, result = ?, resources = ?, started_at = ?, completed_at = ?, duration_ms = ?
		WHERE id = ?`,
		string(t.Status),
		resultJSON,
		resourcesJSON,
		storage.TimeText(t.StartedAt),
		storage.TimeText(t.CompletedAt),
		nullInt64(t.DurationMs),
		t.ID,
	)
	if err != nil {
		return fmt.Errorf("update task %s: %w", t.ID, err)
	}
	if n == 0 {
		return errs.Newf(errs.CodeNotFound, "task %s not found", t.ID)
	}
	return nil
}

// UpdateMetadata changes only the human-facing fields. Used by the
// gateway's PUT route, which must not touch lifecycle columns.
func (s *Store) UpdateMetadata(ctx context.Context, id, name, taskType, description string) error {
	n, err := s.db.Execute(ctx,
		`UPDATE tasks SET name = ?, type = ?, description = ? WHERE id = ?`,
		name, taskType, storage.NullString(description), id)
	if err != nil {
		return fmt.Errorf("update task metadata %s: %w", id, err)
	}
	if n == 0 {
		return errs.Newf(errs.CodeNotFound, "task %s not found", id)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if storage.IsNoRows(err) {
		return nil, errs.Newf(errs.CodeNotFound, "task %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return t, nil
}

// Delete removes a row. Callers enforce the completed-only rule.
func (s *Store) Delete(ctx context.Context, id string) error {
	n, err := s.db.Execute(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete task %s: %w", id, err)
	}
	if n == 0 {
		return errs.Newf(errs.CodeNotFound, "task %s not found", id)
	}
	return nil
}

// Filter narrows List. Zero fields are ignored.
type Filter struct {
	Status Status
	Type   string
	UserID string
	From   time.Time
	To     time.Time
	Limit  int
	Offset int
}

// List returns newest-first task rows and the total count before
// pagination.
func (s *Store) List(ctx context.Context, f Filter) ([]*Task, int64, error) {
	where := make([]string, 0, 5)
	args := make([]any, 0, 5)

	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Type != "" {
		where = append(where, "type = ?")
		args = append(args, f.Type)
	}
	if f.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, f.UserID)
	}
	if !f.From.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, f.From.UTC().Format(time.RFC3339Nano))
	}
	if !f.To.IsZero() {
		where = append(where, "created_at <= ?")
		args = append(args, f.To.UTC().Format(time.RFC3339Nano))
	}

	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int64
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM tasks`+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count tasks: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 1000 {
		limit = 1000
	}

	query := `SELECT ` + taskColumns + ` FROM tasks` + clause +
		` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, f.Offset)

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, t)
	}
	return out, total, rows.Err()
}

// CountByStatus feeds the state gauge.
func (s *Store) CountByStatus(ctx context.Context) (map[Status]int64, error) {
	rows, err := s.db.Query(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count tasks by status: %w", err)
	}
	defer rows.Close()

	out := make(map[Status]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[Status(status)] = n
	}
	return out, rows.Err()
}

func marshalOutcome(t *Task) (result, resources sql.NullString, err error) {
	if t.Result != nil {
		data, merr := json.Marshal(t.Result)
		if merr != nil {
			return result, resources, fmt.Errorf("marshal result: %w", merr)
		}
		result = sql.NullString{String: string(data), Valid: true}
	}
	if t.Resources != nil {
		data, merr := json.Marshal(t.Resources)
		if merr != nil {
			return result, resources, fmt.Errorf("marshal resources: %w", merr)
		}
		resources = sql.NullString{String: string(data), Valid: true}
	}
	return result, resources, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(r rowScanner) (*Task, error) {
	var t Task
	var correlation, parent, description, permsJSON sql.NullString
	var ip, userAgent, resultJSON, resourcesJSON sql.NullString
	var startedAt, completedAt sql.NullString
	var durationMs sql.NullInt64
	var createdAt, status, taskType string

	err := r.Scan(
		&t.ID, &correlation, &parent, &taskType, &t.Name, &description, &t.InputHash,
		&status, &t.TimeoutMs, &t.Security.UserID, &t.Security.Role, &permsJSON,
		&ip, &userAgent, &resultJSON, &resourcesJSON,
		&createdAt, &startedAt, &completedAt, &durationMs,
	)
	if err != nil {
		return nil, err
	}

	t.CorrelationID = storage.StringOr(correlation)
	t.ParentID = storage.StringOr(parent)
	t.Type = taskType
	t.Description = storage.StringOr(description)
	t.Status = Status(status)
	t.Security.IP = storage.StringOr(ip)
	t.Security.UserAgent = storage.StringOr(userAgent)

	if permsJSON.Valid && permsJSON.String != "" {
		if err := json.Unmarshal([]byte(permsJSON.String), &t.Security.Permissions); err != nil {
			return nil, fmt.Errorf("unmarshal permissions for %s: %w", t.ID, err)
		}
	}
	if resultJSON.Valid && resultJSON.String != "" {
		t.Result = &Result{}
		if err := json.Unmarshal([]byte(resultJSON.String), t.Result); err != nil {
			return nil, fmt.Errorf("unmarshal result for %s: %w", t.ID, err)
		}
	}
	if resourcesJSON.Valid && resourcesJSON.String != "" {
		t.Resources = &ResourceUsage{}
		if err := json.Unmarshal([]byte(resourcesJSON.String), t.Resources); err != nil {
			return nil, fmt.Errorf("unmarshal resources for %s: %w", t.ID, err)
		}
	}

	t.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at for %s: %w", t.ID, err)
	}
	if t.StartedAt, err = storage.ParseTimeText(startedAt); err != nil {
		return nil, fmt.Errorf("parse started_at for %s: %w", t.ID, err)
	}
	if t.CompletedAt, err = storage.ParseTimeText(completedAt); err != nil {
		return nil, fmt.Errorf("parse completed_at for %s: %w", t.ID, err)
	}
	if durationMs.Valid {
		t.DurationMs = &durationMs.Int64
	}
	return &t, nil
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}
