package subagent

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lockclaw/lockclaw/pkg/errs"
	"github.com/lockclaw/lockclaw/pkg/providers"
	"github.com/lockclaw/lockclaw/pkg/storage"
)

// Status is the delegation lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
	StatusCancelled Status = "cancelled"
)

// Delegation is one profile invocation. RootID equals ID for top-level
// delegations; children inherit the root so tree-wide budget checks are
// a single indexed sum.
type Delegation struct {
	ID          string     `json:"id"`
	ProfileID   string     `json:"profileId"`
	ProfileName string     `json:"profile"`
	ParentID    string     `json:"parentId,omitempty"`
	RootID      string     `json:"rootId"`
	Task        string     `json:"task"`
	Context     string     `json:"context,omitempty"`
	Depth       int        `json:"depth"`
	MaxDepth    int        `json:"maxDepth"`
	TokenBudget int64      `json:"tokenBudget"`
	TimeoutMs   int64      `json:"timeoutMs"`
	Status      Status     `json:"status"`
	Result      string     `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
	TokensUsed  int64      `json:"tokensUsed"`
	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// TraceMessage is one row of a delegation's message trace.
type TraceMessage struct {
	DelegationID string               `json:"delegationId"`
	Seq          int                  `json:"seq"`
	Role         string               `json:"role"`
	Content      string               `json:"content,omitempty"`
	ToolCalls    []providers.ToolCall `json:"toolCalls,omitempty"`
	ToolResult   string               `json:"toolResult,omitempty"`
	TokenCount   int                  `json:"tokenCount"`
	CreatedAt    time.Time            `json:"createdAt"`
}

const delegationSchema = `
CREATE TABLE IF NOT EXISTS delegations (
	id TEXT PRIMARY KEY,
	profile_id TEXT NOT NULL,
	profile_name TEXT NOT NULL,
	parent_id TEXT,
	root_id TEXT NOT NULL,
	task TEXT NOT NULL,
	context TEXT,
	depth INTEGER NOT NULL,
	max_depth INTEGER NOT NULL,
	token_budget INTEGER NOT NULL,
	timeout_ms INTEGER NOT NULL,
	status TEXT NOT NULL,
	result TEXT,
	error TEXT,
	tokens_used INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	started_at TEXT,
	completed_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_delegations_root ON delegations(root_id);
CREATE INDEX IF NOT EXISTS idx_delegations_parent ON delegations(parent_id);
CREATE INDEX IF NOT EXISTS idx_delegations_status ON delegations(status);

CREATE TABLE IF NOT EXISTS delegation_messages (
	delegation_id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	role TEXT NOT NULL,
	content TEXT,
	tool_calls TEXT,
	tool_result TEXT,
	token_count INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	PRIMARY KEY (delegation_id, seq)
);
`

const delegationColumns = `id, profile_id, profile_name, parent_id, root_id, task, context,
	depth, max_depth, token_budget, timeout_ms, status, result, error,
	tokens_used, created_at, started_at, completed_at`

// DelegationStore persists delegation rows and their message traces.
type DelegationStore struct {
	db *storage.DB
}

func NewDelegationStore(db *storage.DB) (*DelegationStore, error) {
	if _, err := db.Execute(context.Background(), delegationSchema); err != nil {
		return nil, fmt.Errorf("create delegations schema: %w", err)
	}
	return &DelegationStore{db: db}, nil
}

func (s *DelegationStore) Insert(ctx context.Context, d *Delegation) error {
	_, err := s.db.Execute(ctx, `
		INSERT INTO delegations (`+delegationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.ProfileID, d.ProfileName, storage.NullString(d.ParentID), d.RootID,
		d.Task, storage.NullString(d.Context), d.Depth, d.MaxDepth,
		d.TokenBudget, d.TimeoutMs, string(d.Status),
		storage.NullString(d.Result), storage.NullString(d.Error), d.TokensUsed,
		d.CreatedAt.Format(time.RFC3339Nano),
		storage.TimeText(d.StartedAt), storage.TimeText(d.CompletedAt))
	if err != nil {
		return fmt.Errorf("insert delegation %s: %w", d.ID, err)
	}
	return nil
}

func (s *DelegationStore) Update(ctx context.Context, d *Delegation) error {
	n, err := s.db.Execute(ctx, `
		UPDATE delegations
		SET status = ?, result = ?, error = ?, tokens_used = ?,
			token_budget = ?, started_at = ?, completed_at = ?
		WHERE id = ?`,
		string(d.Status), storage.NullString(d.Result), storage.NullString(d.Error),
		d.TokensUsed, d.TokenBudget,
		storage.TimeText(d.StartedAt), storage.TimeText(d.CompletedAt), d.ID)
	if err != nil {
		return fmt.Errorf("update delegation %s: %w", d.ID, err)
	}
	if n == 0 {
		return errs.Newf(errs.CodeNotFound, "delegation %s not found", d.ID)
	}
	return nil
}

func (s *DelegationStore) Get(ctx context.Context, id string) (*Delegation, error) {
	row := s.db.QueryRow(ctx, `SELECT `+delegationColumns+` FROM delegations WHERE id = ?`, id)
	d, err := scanDelegation(row)
	if storage.IsNoRows(err) {
		return nil, errs.Newf(errs.CodeNotFound, "delegation %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get delegation %s: %w", id, err)
	}
	return d, nil
}

// DelegationFilter narrows List.
type DelegationFilter struct {
	Status   Status
	Profile  string
	RootID   string
	ParentID string
	Limit    int
	Offset   int
}

// List returns matching delegations newest first plus the total match
// count before pagination.
func (s *DelegationStore) List(ctx context.Context, f DelegationFilter) ([]*Delegation, int64, error) {
	where := make([]string, 0, 3)
	args := make([]any, 0, 3)
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Profile != "" {
		where = append(where, "profile_name = ?")
		args = append(args, f.Profile)
	}
	if f.RootID != "" {
		where = append(where, "root_id = ?")
		args = append(args, f.RootID)
	}
	if f.ParentID != "" {
		where = append(where, "parent_id = ?")
		args = append(args, f.ParentID)
	}

	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int64
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM delegations`+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count delegations: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 1000 {
		limit = 1000
	}
	args = append(args, limit, f.Offset)

	rows, err := s.db.Query(ctx, `
		SELECT `+delegationColumns+` FROM delegations`+clause+`
		ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list delegations: %w", err)
	}
	defer rows.Close()

	var out []*Delegation
	for rows.Next() {
		d, err := scanDelegation(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, d)
	}
	return out, total, rows.Err()
}

// SumTokensByRoot totals tokens_used across a delegation tree.
func (s *DelegationStore) SumTokensByRoot(ctx context.Context, rootID string) (int64, error) {
	var sum int64
	err := s.db.QueryRow(ctx,
		`SELECT COALESCE(SUM(tokens_used), 0) FROM delegations WHERE root_id = ?`, rootID).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("sum tokens for tree %s: %w", rootID, err)
	}
	return sum, nil
}

// AppendMessages persists trace rows, numbering them after any existing
// trace for the delegation.
func (s *DelegationStore) AppendMessages(ctx context.Context, delegationID string, msgs []TraceMessage) error {
	if len(msgs) == 0 {
		return nil
	}

	var next int
	err := s.db.QueryRow(ctx,
		`SELECT COALESCE(MAX(seq), -1) + 1 FROM delegation_messages WHERE delegation_id = ?`,
		delegationID).Scan(&next)
	if err != nil {
		return fmt.Errorf("next trace seq for %s: %w", delegationID, err)
	}

	for i, m := range msgs {
		var calls sql.NullString
		if len(m.ToolCalls) > 0 {
			data, err := json.Marshal(m.ToolCalls)
			if err != nil {
				return fmt.Errorf("marshal tool calls: %w", err)
			}
			calls = storage.NullString(string(data))
		}
		created := m.CreatedAt
		if created.IsZero() {
			created = time.Now().UTC()
		}
		_, err := s.db.Execute(ctx, `
			INSERT INTO delegation_messages
				(delegation_id, seq, role, content, tool_calls, tool_result, token_count, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			delegationID, next+i, m.Role, storage.NullString(m.Content), calls,
			storage.NullString(m.ToolResult), m.TokenCount, created.Format(time.RFC3339Nano))
		if err != nil {
			return fmt.Errorf("insert trace message %d for %s: %w", next+i, delegationID, err)
		}
	}
	return nil
}

// Messages returns the delegation's trace in order.
func (s *DelegationStore) Messages(ctx context.Context, delegationID string) ([]TraceMessage, error) {
	rows, err := s.db.Query(ctx, `
		SELECT delegation_id, seq, role, content, tool_calls, tool_result, token_count, created_at
		FROM delegation_messages WHERE delegation_id = ? ORDER BY seq`, delegationID)
	if err != nil {
		return nil, fmt.Errorf("trace for %s: %w", delegationID, err)
	}
	defer rows.Close()

	var out []TraceMessage
	for rows.Next() {
		var m TraceMessage
		var content, calls, toolResult sql.NullString
		var created string
		if err := rows.Scan(&m.DelegationID, &m.Seq, &m.Role, &content, &calls,
			&toolResult, &m.TokenCount, &created); err != nil {
			return nil, err
		}
		m.Content = storage.StringOr(content)
		m.ToolResult = storage.StringOr(toolResult)
		if calls.Valid && calls.String != "" {
			if err := json.Unmarshal([]byte(calls.String), &m.ToolCalls); err != nil {
				return nil, fmt.Errorf("decode tool calls for %s/%d: %w", delegationID, m.Seq, err)
			}
		}
		if m.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
			return nil, fmt.Errorf("parse trace created_at: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanDelegation(row rowScanner) (*Delegation, error) {
	var d Delegation
	var parentID, dctx, result, derr sql.NullString
	var createdAt string
	var startedAt, completedAt sql.NullString

	err := row.Scan(&d.ID, &d.ProfileID, &d.ProfileName, &parentID, &d.RootID,
		&d.Task, &dctx, &d.Depth, &d.MaxDepth, &d.TokenBudget, &d.TimeoutMs,
		(*string)(&d.Status), &result, &derr, &d.TokensUsed,
		&createdAt, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	d.ParentID = storage.StringOr(parentID)
	d.Context = storage.StringOr(dctx)
	d.Result = storage.StringOr(result)
	d.Error = storage.StringOr(derr)
	if d.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("parse delegation created_at: %w", err)
	}
	if d.StartedAt, err = storage.ParseTimeText(startedAt); err != nil {
		return nil, fmt.Errorf("parse delegation started_at: %w", err)
	}
	if d.CompletedAt, err = storage.ParseTimeText(completedAt); err != nil {
		return nil, fmt.Errorf("parse delegation completed_at: %w", err)
	}
	return &d, nil
}
