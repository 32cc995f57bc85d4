// Package subagent implements agent profiles and the single-delegation
// engine: one profile invocation with depth, budget, and trace tracking.
package subagent

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lockclaw/lockclaw/pkg/errs"
	"github.com/lockclaw/lockclaw/pkg/ids"
	"github.com/lockclaw/lockclaw/pkg/storage"
)

// Kind distinguishes how a profile is executed. Only llm profiles are
// runnable; binary and mcp-bridge are stored and listed but need an
// execution bridge that is not part of the platform core.
type Kind string

const (
	KindLLM       Kind = "llm"
	KindBinary    Kind = "binary"
	KindMCPBridge Kind = "mcp-bridge"
)

// Profile is the persona a delegation runs as.
type Profile struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	SystemPrompt   string    `json:"systemPrompt"`
	MaxTokenBudget int64     `json:"maxTokenBudget"`
	AllowedTools   []string  `json:"allowedTools"`
	DefaultModel   string    `json:"defaultModel,omitempty"`
	Kind           Kind      `json:"kind"`
	Builtin        bool      `json:"builtin"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

const profileSchema = `
CREATE TABLE IF NOT EXISTS agent_profiles (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL UNIQUE,
	system_prompt TEXT NOT NULL,
	max_token_budget INTEGER NOT NULL,
	allowed_tools TEXT NOT NULL,
	default_model TEXT,
	kind TEXT NOT NULL,
	builtin INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
`

// ProfileStore persists agent profiles.
type ProfileStore struct {
	db *storage.DB
}

func NewProfileStore(db *storage.DB) (*ProfileStore, error) {
	if _, err := db.Execute(context.Background(), profileSchema); err != nil {
		return nil, fmt.Errorf("create agent_profiles schema: %w", err)
	}
	return &ProfileStore{db: db}, nil
}

func (s *ProfileStore) Insert(ctx context.Context, p *Profile) error {
	if _, err := s.GetByName(ctx, p.Name); err == nil {
		return errs.Newf(errs.CodeConflict, "profile %q already exists", p.Name)
	} else if errs.CodeOf(err) != errs.CodeNotFound {
		return err
	}

	tools, err := json.Marshal(p.AllowedTools)
	if err != nil {
		return fmt.Errorf("marshal allowed tools: %w", err)
	}
	_, err = s.db.Execute(ctx, `
		INSERT INTO agent_profiles
			(id, name, system_prompt, max_token_budget, allowed_tools,
			 default_model, kind, builtin, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.SystemPrompt, p.MaxTokenBudget, string(tools),
		storage.NullString(p.DefaultModel), string(p.Kind), p.Builtin,
		p.CreatedAt.Format(time.RFC3339Nano), p.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert profile %s: %w", p.Name, err)
	}
	return nil
}

func (s *ProfileStore) Update(ctx context.Context, p *Profile) error {
	tools, err := json.Marshal(p.AllowedTools)
	if err != nil {
		return fmt.Errorf("marshal allowed tools: %w", err)
	}
	p.UpdatedAt = time.Now().UTC()

	n, err := s.db.Execute(ctx, `
		UPDATE agent_profiles
		SET system_prompt = ?, max_token_budget = ?, allowed_tools = ?,
			default_model = ?, kind = ?, updated_at = ?
		WHERE id = ?`,
		p.SystemPrompt, p.MaxTokenBudget, string(tools),
		storage.NullString(p.DefaultModel), string(p.Kind),
		p.UpdatedAt.Format(time.RFC3339Nano), p.ID)
	if err != nil {
		return fmt.Errorf("update profile %s: %w", p.ID, err)
	}
	if n == 0 {
		return errs.Newf(errs.CodeNotFound, "profile %s not found", p.ID)
	}
	return nil
}

func (s *ProfileStore) Get(ctx context.Context, id string) (*Profile, error) {
	return s.getWhere(ctx, "id = ?", id)
}

func (s *ProfileStore) GetByName(ctx context.Context, name string) (*Profile, error) {
	return s.getWhere(ctx, "name = ?", name)
}

func (s *ProfileStore) getWhere(ctx context.Context, where string, arg any) (*Profile, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, name, system_prompt, max_token_budget, allowed_tools,
			default_model, kind, builtin, created_at, updated_at
		FROM agent_profiles WHERE `+where, arg)
	p, err := scanProfile(row)
	if storage.IsNoRows(err) {
		return nil, errs.Newf(errs.CodeNotFound, "profile %v not found", arg)
	}
	if err != nil {
		return nil, fmt.Errorf("get profile %v: %w", arg, err)
	}
	return p, nil
}

func (s *ProfileStore) List(ctx context.Context) ([]*Profile, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, name, system_prompt, max_token_budget, allowed_tools,
			default_model, kind, builtin, created_at, updated_at
		FROM agent_profiles ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	defer rows.Close()

	var out []*Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Delete removes a profile. Builtin profiles cannot be deleted.
func (s *ProfileStore) Delete(ctx context.Context, id string) error {
	p, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if p.Builtin {
		return errs.Newf(errs.CodeConflict, "profile %q is builtin and cannot be deleted", p.Name)
	}
	if _, err := s.db.Execute(ctx, `DELETE FROM agent_profiles WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete profile %s: %w", id, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProfile(row rowScanner) (*Profile, error) {
	var p Profile
	var tools string
	var model sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(&p.ID, &p.Name, &p.SystemPrompt, &p.MaxTokenBudget, &tools,
		&model, (*string)(&p.Kind), &p.Builtin, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(tools), &p.AllowedTools); err != nil {
		return nil, fmt.Errorf("decode allowed tools for %s: %w", p.ID, err)
	}
	p.DefaultModel = storage.StringOr(model)
	if p.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("parse profile created_at: %w", err)
	}
	if p.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("parse profile updated_at: %w", err)
	}
	return &p, nil
}

// SeedProfiles returns the builtin personas available on a fresh
// install. EnsureSeeds inserts the ones that are missing, so renames or
// budget edits made by the operator survive restarts.
func SeedProfiles() []*Profile {
	return []*Profile{
		{
			Name: "researcher",
			SystemPrompt: "You are a research specialist. Gather the relevant facts, " +
				"weigh the sources, and produce a concise summary with the key " +
				"findings first. State your assumptions and flag anything you " +
				"could not verify.",
			MaxTokenBudget: 32_000,
			AllowedTools:   []string{"web_search", "fetch_url", "read_file"},
			Kind:           KindLLM,
		},
		{
			Name: "coder",
			SystemPrompt: "You are a senior software engineer. Produce working, " +
				"idiomatic code for the task with brief notes on the approach. " +
				"Prefer small, reviewable changes and state any trade-offs.",
			MaxTokenBudget: 48_000,
			AllowedTools:   []string{"read_file", "write_file", "list_dir"},
			Kind:           KindLLM,
		},
		{
			Name: "reviewer",
			SystemPrompt: "You are a meticulous code reviewer. Report correctness " +
				"issues, missed edge cases, and security problems in order of " +
				"severity. Be specific: name the file, the location, and the fix.",
			MaxTokenBudget: 24_000,
			AllowedTools:   []string{"read_file"},
			Kind:           KindLLM,
		},
		{
			Name: "synthesizer",
			SystemPrompt: "You merge multiple drafts into one coherent result. " +
				"Preserve every substantive point, resolve contradictions " +
				"explicitly, and keep the final text tight.",
			MaxTokenBudget: 24_000,
			AllowedTools:   []string{},
			Kind:           KindLLM,
		},
	}
}

// EnsureSeeds inserts any missing builtin profile.
func (s *ProfileStore) EnsureSeeds(ctx context.Context) error {
	for _, seed := range SeedProfiles() {
		_, err := s.GetByName(ctx, seed.Name)
		if err == nil {
			continue
		}
		if errs.CodeOf(err) != errs.CodeNotFound {
			return err
		}

		now := time.Now().UTC()
		p := *seed
		p.ID = ids.NewProfile()
		p.Builtin = true
		p.CreatedAt = now
		p.UpdatedAt = now
		if err := s.Insert(ctx, &p); err != nil {
			return fmt.Errorf("seed profile %s: %w", p.Name, err)
		}
	}
	return nil
}
