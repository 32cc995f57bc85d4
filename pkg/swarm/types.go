// LockClaw - Secure local-first agent orchestration
// License: MIT
//
// Copyright (c) 2026 LockClaw contributors

// Package swarm composes multi-role agent teams over the delegation
// engine. A template names the roles and the strategy; a run is one
// execution of a template, with one member row per role invocation.
package swarm

import (
	"fmt"
	"strings"
	"time"
)

// Strategy selects how a template's roles are dispatched.
type Strategy string

const (
	// StrategySequential runs roles in order, feeding each role the
	// results of the roles before it.
	StrategySequential Strategy = "sequential"
	// StrategyParallel runs all roles concurrently in isolation, with
	// an optional coordinator synthesising the joined results.
	StrategyParallel Strategy = "parallel"
	// StrategyDynamic hands the whole budget to a single coordinator
	// that decomposes the task itself via child delegations.
	StrategyDynamic Strategy = "dynamic"
)

func (s Strategy) valid() bool {
	switch s {
	case StrategySequential, StrategyParallel, StrategyDynamic:
		return true
	}
	return false
}

// Status is the lifecycle state shared by runs and members.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// RoleSpec is one slot in a template's ordered role list.
type RoleSpec struct {
	Role        string `json:"role"`
	ProfileName string `json:"profileName"`
	Description string `json:"description,omitempty"`
}

// Template is a reusable multi-role plan.
type Template struct {
	ID                 string     `json:"id"`
	Name               string     `json:"name"`
	Description        string     `json:"description,omitempty"`
	Strategy           Strategy   `json:"strategy"`
	Roles              []RoleSpec `json:"roles"`
	CoordinatorProfile string     `json:"coordinatorProfile,omitempty"`
	Builtin            bool       `json:"builtin"`
	CreatedAt          time.Time  `json:"createdAt"`
	UpdatedAt          time.Time  `json:"updatedAt"`
}

// Validate enforces the template invariants. A dynamic template may
// leave CoordinatorProfile empty; the manager's configured default
// applies at execution.
func (t *Template) Validate() error {
	if strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("template name is required")
	}
	if !t.Strategy.valid() {
		return fmt.Errorf("unknown strategy %q", t.Strategy)
	}
	if t.Strategy != StrategyDynamic && len(t.Roles) == 0 {
		return fmt.Errorf("%s template needs at least one role", t.Strategy)
	}
	for i, r := range t.Roles {
		if strings.TrimSpace(r.Role) == "" || strings.TrimSpace(r.ProfileName) == "" {
			return fmt.Errorf("role %d needs role and profileName", i)
		}
	}
	return nil
}

// Run is one execution of a template. Strategy is snapshotted so a
// later template edit cannot change what a historical run meant.
type Run struct {
	ID          string     `json:"id"`
	TemplateID  string     `json:"templateId"`
	Task        string     `json:"task"`
	Context     string     `json:"context,omitempty"`
	Strategy    Strategy   `json:"strategy"`
	Status      Status     `json:"status"`
	Result      string     `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
	TokenBudget int64      `json:"tokenBudget"`
	TokensUsed  int64      `json:"tokensUsed"`
	Initiator   string     `json:"initiator,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// Member is one role invocation inside a run. SeqOrder is unique per
// run; a synthesised coordinator sits at seq_order = |roles| for
// parallel runs and 0 for dynamic ones.
type Member struct {
	RunID        string     `json:"runId"`
	SeqOrder     int        `json:"seqOrder"`
	Role         string     `json:"role"`
	Profile      string     `json:"profile"`
	Status       Status     `json:"status"`
	Result       string     `json:"result,omitempty"`
	DelegationID string     `json:"delegationId,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
}
