package swarm

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lockclaw/lockclaw/pkg/errs"
	"github.com/lockclaw/lockclaw/pkg/ids"
	"github.com/lockclaw/lockclaw/pkg/storage"
)

const templateSchema = `
CREATE TABLE IF NOT EXISTS swarm_templates (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL UNIQUE,
	description TEXT,
	strategy TEXT NOT NULL,
	roles TEXT NOT NULL,
	coordinator_profile TEXT,
	builtin INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
`

const runSchema = `
CREATE TABLE IF NOT EXISTS swarm_runs (
	id TEXT PRIMARY KEY,
	template_id TEXT NOT NULL,
	task TEXT NOT NULL,
	context TEXT,
	strategy TEXT NOT NULL,
	status TEXT NOT NULL,
	result TEXT,
	error TEXT,
	token_budget INTEGER NOT NULL,
	tokens_used INTEGER NOT NULL DEFAULT 0,
	initiator TEXT,
	created_at TEXT NOT NULL,
	started_at TEXT,
	completed_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_swarm_runs_status ON swarm_runs(status);
CREATE INDEX IF NOT EXISTS idx_swarm_runs_template ON swarm_runs(template_id);

CREATE TABLE IF NOT EXISTS swarm_members (
	run_id TEXT NOT NULL,
	seq_order INTEGER NOT NULL,
	role TEXT NOT NULL,
	profile TEXT NOT NULL,
	status TEXT NOT NULL,
	result TEXT,
	delegation_id TEXT,
	created_at TEXT NOT NULL,
	started_at TEXT,
	completed_at TEXT,
	PRIMARY KEY (run_id, seq_order)
);
`

// TemplateStore persists swarm templates.
type TemplateStore struct {
	db *storage.DB
}

func NewTemplateStore(db *storage.DB) (*TemplateStore, error) {
	if _, err := db.Execute(context.Background(), templateSchema); err != nil {
		return nil, fmt.Errorf("create swarm_templates schema: %w", err)
	}
	return &TemplateStore{db: db}, nil
}

func (s *TemplateStore) Insert(ctx context.Context, t *Template) error {
	if err := t.Validate(); err != nil {
		return errs.Wrap(errs.CodeValidation, err.Error(), err)
	}
	roles, err := json.Marshal(t.Roles)
	if err != nil {
		return fmt.Errorf("marshal roles: %w", err)
	}
	_, err = s.db.Execute(ctx, `
		INSERT INTO swarm_templates (id, name, description, strategy, roles,
			coordinator_profile, builtin, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Name, storage.NullString(t.Description), string(t.Strategy),
		string(roles), storage.NullString(t.CoordinatorProfile), t.Builtin,
		t.CreatedAt.UTC().Format(time.RFC3339Nano),
		t.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return errs.Newf(errs.CodeConflict, "template name %q already exists", t.Name)
	}
	return err
}

func (s *TemplateStore) Update(ctx context.Context, t *Template) error {
	if err := t.Validate(); err != nil {
		return errs.Wrap(errs.CodeValidation, err.Error(), err)
	}
	roles, err := json.Marshal(t.Roles)
	if err != nil {
		return fmt.Errorf("marshal roles: %w", err)
	}
	n, err := s.db.Execute(ctx, `
		UPDATE swarm_templates
		SET name = ?, description = ?, strategy = ?, roles = ?,
			coordinator_profile = ?, updated_at = ?
		WHERE id = ?`,
		t.Name, storage.NullString(t.Description), string(t.Strategy),
		string(roles), storage.NullString(t.CoordinatorProfile),
		time.Now().UTC().Format(time.RFC3339Nano), t.ID,
	)
	if err != nil {
		return err
	}
	if n == 0 {
		return errs.Newf(errs.CodeNotFound, "template %s not found", t.ID)
	}
	return nil
}

func (s *TemplateStore) Get(ctx context.Context, id string) (*Template, error) {
	return s.getWhere(ctx, "id = ?", id)
}

func (s *TemplateStore) GetByName(ctx context.Context, name string) (*Template, error) {
	return s.getWhere(ctx, "name = ?", name)
}

func (s *TemplateStore) getWhere(ctx context.Context, where string, arg any) (*Template, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, name, description, strategy, roles, coordinator_profile,
			builtin, created_at, updated_at
		FROM swarm_templates WHERE `+where, arg)
	t, err := scanTemplate(row)
	if storage.IsNoRows(err) {
		return nil, errs.Newf(errs.CodeNotFound, "template %v not found", arg)
	}
	return t, err
}

func (s *TemplateStore) List(ctx context.Context) ([]*Template, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, name, description, strategy, roles, coordinator_profile,
			builtin, created_at, updated_at
		FROM swarm_templates ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Template
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Delete removes a template. Builtin templates are protected.
func (s *TemplateStore) Delete(ctx context.Context, id string) error {
	t, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if t.Builtin {
		return errs.New(errs.CodeConflict, "builtin templates cannot be deleted")
	}
	_, err = s.db.Execute(ctx, `DELETE FROM swarm_templates WHERE id = ?`, id)
	return err
}

// SeedTemplates are the plans shipped with the platform. Profile names
// reference the seeded agent profiles.
func SeedTemplates() []*Template {
	now := time.Now().UTC()
	mk := func(name, desc string, strategy Strategy, coordinator string, roles ...RoleSpec) *Template {
		return &Template{
			ID:                 ids.NewTemplate(),
			Name:               name,
			Description:        desc,
			Strategy:           strategy,
			Roles:              roles,
			CoordinatorProfile: coordinator,
			Builtin:            true,
			CreatedAt:          now,
			UpdatedAt:          now,
		}
	}
	return []*Template{
		mk("research-report", "Gather sources, then compose a structured report.",
			StrategySequential, "",
			RoleSpec{Role: "researcher", ProfileName: "researcher", Description: "collect and rank sources"},
			RoleSpec{Role: "writer", ProfileName: "synthesizer", Description: "compose the report"},
		),
		mk("build-and-review", "Implement, then review the implementation.",
			StrategySequential, "",
			RoleSpec{Role: "builder", ProfileName: "coder"},
			RoleSpec{Role: "reviewer", ProfileName: "reviewer"},
		),
		mk("panel", "Independent takes from three angles, synthesised by a coordinator.",
			StrategyParallel, "synthesizer",
			RoleSpec{Role: "research", ProfileName: "researcher"},
			RoleSpec{Role: "implementation", ProfileName: "coder"},
			RoleSpec{Role: "critique", ProfileName: "reviewer"},
		),
		mk("autopilot", "Single coordinator decomposes the task itself.",
			StrategyDynamic, "researcher"),
	}
}

// EnsureSeeds inserts any missing builtin template by name.
func (s *TemplateStore) EnsureSeeds(ctx context.Context) error {
	for _, t := range SeedTemplates() {
		_, err := s.GetByName(ctx, t.Name)
		if err == nil {
			continue
		}
		if !errs.Is(err, errs.CodeNotFound) {
			return err
		}
		if err := s.Insert(ctx, t); err != nil {
			return fmt.Errorf("seed template %s: %w", t.Name, err)
		}
	}
	return nil
}

// RunStore persists swarm runs and their member rows.
type RunStore struct {
	db *storage.DB
}

func NewRunStore(db *storage.DB) (*RunStore, error) {
	if _, err := db.Execute(context.Background(), runSchema); err != nil {
		return nil, fmt.Errorf("create swarm_runs schema: %w", err)
	}
	return &RunStore{db: db}, nil
}

func (s *RunStore) InsertRun(ctx context.Context, r *Run) error {
	_, err := s.db.Execute(ctx, `
		INSERT INTO swarm_runs (id, template_id, task, context, strategy, status,
			result, error, token_budget, tokens_used, initiator,
			created_at, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.TemplateID, r.Task, storage.NullString(r.Context),
		string(r.Strategy), string(r.Status),
		storage.NullString(r.Result), storage.NullString(r.Error),
		r.TokenBudget, r.TokensUsed, storage.NullString(r.Initiator),
		r.CreatedAt.UTC().Format(time.RFC3339Nano),
		storage.TimeText(r.StartedAt), storage.TimeText(r.CompletedAt),
	)
	return err
}

func (s *RunStore) UpdateRun(ctx context.Context, r *Run) error {
	n, err := s.db.Execute(ctx, `
		UPDATE swarm_runs
		SET status = ?, result = ?, error = ?, tokens_used = ?,
			started_at = ?, completed_at = ?
		WHERE id = ?`,
		string(r.Status), storage.NullString(r.Result), storage.NullString(r.Error),
		r.TokensUsed, storage.TimeText(r.StartedAt), storage.TimeText(r.CompletedAt),
		r.ID,
	)
	if err != nil {
		return err
	}
	if n == 0 {
		return errs.Newf(errs.CodeNotFound, "run %s not found", r.ID)
	}
	return nil
}

// FinishRun applies the terminal fields only while the run is still
// live, so a concurrent cancel is never overwritten. Reports whether
// the row was updated.
func (s *RunStore) FinishRun(ctx context.Context, r *Run) (bool, error) {
	n, err := s.db.Execute(ctx, `
		UPDATE swarm_runs
		SET status = ?, result = ?, error = ?, tokens_used = ?, completed_at = ?
		WHERE id = ? AND status IN ('pending', 'running')`,
		string(r.Status), storage.NullString(r.Result), storage.NullString(r.Error),
		r.TokensUsed, storage.TimeText(r.CompletedAt), r.ID,
	)
	return n > 0, err
}

func (s *RunStore) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, template_id, task, context, strategy, status, result, error,
			token_budget, tokens_used, initiator, created_at, started_at, completed_at
		FROM swarm_runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if storage.IsNoRows(err) {
		return nil, errs.Newf(errs.CodeNotFound, "run %s not found", id)
	}
	return r, err
}

// RunFilter narrows ListRuns. Zero values are ignored.
type RunFilter struct {
	Status     Status
	TemplateID string
	Initiator  string
	Limit      int
	Offset     int
}

func (s *RunStore) ListRuns(ctx context.Context, f RunFilter) ([]*Run, int64, error) {
	where := []string{"1=1"}
	args := []any{}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.TemplateID != "" {
		where = append(where, "template_id = ?")
		args = append(args, f.TemplateID)
	}
	if f.Initiator != "" {
		where = append(where, "initiator = ?")
		args = append(args, f.Initiator)
	}
	cond := strings.Join(where, " AND ")

	var total int64
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM swarm_runs WHERE `+cond, args...).Scan(&total); err != nil {
		return nil, 0, err
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
		SELECT id, template_id, task, context, strategy, status, result, error,
			token_budget, tokens_used, initiator, created_at, started_at, completed_at
		FROM swarm_runs WHERE `+cond+`
		ORDER BY created_at DESC LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, r)
	}
	return out, total, rows.Err()
}

func (s *RunStore) InsertMember(ctx context.Context, m *Member) error {
	_, err := s.db.Execute(ctx, `
		INSERT INTO swarm_members (run_id, seq_order, role, profile, status,
			result, delegation_id, created_at, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.RunID, m.SeqOrder, m.Role, m.Profile, string(m.Status),
		storage.NullString(m.Result), storage.NullString(m.DelegationID),
		m.CreatedAt.UTC().Format(time.RFC3339Nano),
		storage.TimeText(m.StartedAt), storage.TimeText(m.CompletedAt),
	)
	return err
}

func (s *RunStore) UpdateMember(ctx context.Context, m *Member) error {
	_, err := s.db.Execute(ctx, `
		UPDATE swarm_members
		SET status = ?, result = ?, delegation_id = ?, started_at = ?, completed_at = ?
		WHERE run_id = ? AND seq_order = ?`,
		string(m.Status), storage.NullString(m.Result),
		storage.NullString(m.DelegationID),
		storage.TimeText(m.StartedAt), storage.TimeText(m.CompletedAt),
		m.RunID, m.SeqOrder,
	)
	return err
}

// Members returns a run's member rows ordered by seq_order.
func (s *RunStore) Members(ctx context.Context, runID string) ([]*Member, error) {
	rows, err := s.db.Query(ctx, `
		SELECT run_id, seq_order, role, profile, status, result, delegation_id,
			created_at, started_at, completed_at
		FROM swarm_members WHERE run_id = ? ORDER BY seq_order`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Member
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// CancelLiveMembers flips every pending or running member of a run to
// cancelled. Returns the delegation ids of the rows it flipped so the
// caller can abort them.
func (s *RunStore) CancelLiveMembers(ctx context.Context, runID string, at time.Time) ([]string, error) {
	rows, err := s.db.Query(ctx, `
		SELECT delegation_id FROM swarm_members
		WHERE run_id = ? AND status IN ('pending', 'running') AND delegation_id IS NOT NULL`,
		runID)
	if err != nil {
		return nil, err
	}
	var delegations []string
	for rows.Next() {
		var id sql.NullString
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		if id.Valid {
			delegations = append(delegations, id.String)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	_, err = s.db.Execute(ctx, `
		UPDATE swarm_members
		SET status = 'cancelled', completed_at = ?
		WHERE run_id = ? AND status IN ('pending', 'running')`,
		at.UTC().Format(time.RFC3339Nano), runID)
	return delegations, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTemplate(row rowScanner) (*Template, error) {
	var (
		t           Template
		desc, coord sql.NullString
		rolesJSON   string
		created     string
		updated     string
		strategy    string
	)
	if err := row.Scan(&t.ID, &t.Name, &desc, &strategy, &rolesJSON, &coord,
		&t.Builtin, &created, &updated); err != nil {
		return nil, err
	}
	t.Description = storage.StringOr(desc)
	t.CoordinatorProfile = storage.StringOr(coord)
	t.Strategy = Strategy(strategy)
	if err := json.Unmarshal([]byte(rolesJSON), &t.Roles); err != nil {
		return nil, fmt.Errorf("unmarshal roles: %w", err)
	}
	var err error
	if t.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
		return nil, err
	}
	if t.UpdatedAt, err = time.Parse(time.RFC3339Nano, updated); err != nil {
		return nil, err
	}
	return &t, nil
}

func scanRun(row rowScanner) (*Run, error) {
	var (
		r                        Run
		contextCol, result, eMsg sql.NullString
		initiator                sql.NullString
		created                  string
		started, completed       sql.NullString
		strategy, status         string
	)
	if err := row.Scan(&r.ID, &r.TemplateID, &r.Task, &contextCol, &strategy,
		&status, &result, &eMsg, &r.TokenBudget, &r.TokensUsed, &initiator,
		&created, &started, &completed); err != nil {
		return nil, err
	}
	r.Context = storage.StringOr(contextCol)
	r.Strategy = Strategy(strategy)
	r.Status = Status(status)
	r.Result = storage.StringOr(result)
	r.Error = storage.StringOr(eMsg)
	r.Initiator = storage.StringOr(initiator)

	var err error
	if r.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
		return nil, err
	}
	if r.StartedAt, err = storage.ParseTimeText(started); err != nil {
		return nil, err
	}
	if r.CompletedAt, err = storage.ParseTimeText(completed); err != nil {
		return nil, err
	}
	return &r, nil
}

func scanMember(row rowScanner) (*Member, error) {
	var (
		m                  Member
		result, delegation sql.NullString
		created            string
		started, completed sql.NullString
		status             string
	)
	if err := row.Scan(&m.RunID, &m.SeqOrder, &m.Role, &m.Profile, &status,
		&result, &delegation, &created, &started, &completed); err != nil {
		return nil, err
	}
	m.Status = Status(status)
	m.Result = storage.StringOr(result)
	m.DelegationID = storage.StringOr(delegation)

	var err error
	if m.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
		return nil, err
	}
	if m.StartedAt, err = storage.ParseTimeText(started); err != nil {
		return nil, err
	}
	if m.CompletedAt, err = storage.ParseTimeText(completed); err != nil {
		return nil, err
	}
	return &m, nil
}
