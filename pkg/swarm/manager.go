// LockClaw - Secure local-first agent orchestration
// License: MIT
//
// Copyright (c) 2026 LockClaw contributors

package swarm

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/lockclaw/lockclaw/pkg/audit"
	"github.com/lockclaw/lockclaw/pkg/errs"
	"github.com/lockclaw/lockclaw/pkg/ids"
	"github.com/lockclaw/lockclaw/pkg/logger"
	"github.com/lockclaw/lockclaw/pkg/metrics"
	"github.com/lockclaw/lockclaw/pkg/subagent"
)

const component = "swarm"

// Config bounds the manager.
type Config struct {
	DefaultTokenBudget int64
	DefaultCoordinator string
	DelegateTimeoutMs  int64
}

func (c Config) withDefaults() Config {
	if c.DefaultTokenBudget <= 0 {
		c.DefaultTokenBudget = 500_000
	}
	if c.DefaultCoordinator == "" {
		c.DefaultCoordinator = "researcher"
	}
	if c.DelegateTimeoutMs <= 0 {
		c.DelegateTimeoutMs = 300_000
	}
	return c
}

// Request asks for one swarm execution.
type Request struct {
	TemplateID  string `json:"templateId"`
	Task        string `json:"task"`
	Context     string `json:"context,omitempty"`
	TokenBudget int64  `json:"tokenBudget,omitempty"`

	// Initiator attributes the run and its audit entries.
	Initiator string `json:"-"`
}

// Manager executes swarm templates over the delegation engine.
// ExecuteSwarm blocks until the run is terminal; CancelSwarm may be
// called concurrently from another goroutine.
type Manager struct {
	cfg       Config
	templates *TemplateStore
	runs      *RunStore
	engine    *subagent.Engine
	chain     *audit.Chain

	// router is advisory. When nil, profiles keep their default models
	// and estimates fall back to a transient heuristic.
	router ModelRouter

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

func NewManager(cfg Config, templates *TemplateStore, runs *RunStore, engine *subagent.Engine, chain *audit.Chain, router ModelRouter) *Manager {
	return &Manager{
		cfg:       cfg.withDefaults(),
		templates: templates,
		runs:      runs,
		engine:    engine,
		chain:     chain,
		router:    router,
		active:    make(map[string]context.CancelFunc),
	}
}

func (m *Manager) Templates() *TemplateStore { return m.templates }
func (m *Manager) Runs() *RunStore           { return m.runs }

// ExecuteSwarm resolves the template, persists a run, and dispatches
// the strategy. The returned run is terminal unless the caller's
// context died first.
func (m *Manager) ExecuteSwarm(ctx context.Context, req Request) (*Run, error) {
	if strings.TrimSpace(req.Task) == "" {
		return nil, errs.New(errs.CodeValidation, "swarm task is required")
	}

	tmpl, err := m.resolveTemplate(ctx, req.TemplateID)
	if err != nil {
		return nil, err
	}

	budget := req.TokenBudget
	if budget <= 0 {
		budget = m.cfg.DefaultTokenBudget
	}

	now := time.Now().UTC()
	run := &Run{
		ID:          ids.NewSwarmRun(),
		TemplateID:  tmpl.ID,
		Task:        req.Task,
		Context:     req.Context,
		Strategy:    tmpl.Strategy,
		Status:      StatusPending,
		TokenBudget: budget,
		Initiator:   req.Initiator,
		CreatedAt:   now,
	}
	if err := m.runs.InsertRun(ctx, run); err != nil {
		return nil, err
	}

	if _, err := m.chain.Record(ctx, audit.Entry{
		Level:   audit.LevelInfo,
		Event:   audit.EventSwarmStarted,
		Message: "swarm run started",
		UserID:  req.Initiator,
		Metadata: map[string]any{
			"runId":       run.ID,
			"templateId":  tmpl.ID,
			"template":    tmpl.Name,
			"strategy":    string(tmpl.Strategy),
			"tokenBudget": budget,
		},
	}); err != nil {
		// An unaudited run must not execute. The row is best-effort
		// garbage at this point.
		_, _ = m.runs.db.Execute(context.Background(), `DELETE FROM swarm_runs WHERE id = ?`, run.ID)
		return nil, errs.Wrap(errs.CodeDependencyUnavailable, "audit write failed", err)
	}

	started := time.Now().UTC()
	run.Status = StatusRunning
	run.StartedAt = &started
	if err := m.runs.UpdateRun(ctx, run); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.active[run.ID] = cancel
	m.mu.Unlock()
	defer func() {
		cancel()
		m.mu.Lock()
		delete(m.active, run.ID)
		m.mu.Unlock()
	}()

	logger.InfoCF(component, "swarm dispatch", map[string]any{
		"run_id":   run.ID,
		"template": tmpl.Name,
		"strategy": string(tmpl.Strategy),
		"budget":   budget,
	})

	var result string
	var dispatchErr error
	switch tmpl.Strategy {
	case StrategySequential:
		result, dispatchErr = m.runSequential(runCtx, run, tmpl)
	case StrategyParallel:
		result, dispatchErr = m.runParallel(runCtx, run, tmpl)
	case StrategyDynamic:
		result, dispatchErr = m.runDynamic(runCtx, run, tmpl)
	default:
		dispatchErr = errs.Newf(errs.CodeValidation, "unknown strategy %q", tmpl.Strategy)
	}

	return m.finishRun(run, result, dispatchErr)
}

// finishRun persists the terminal state. The guarded update keeps a
// concurrent CancelSwarm from being overwritten; when it loses, the
// cancelled row is returned as-is.
func (m *Manager) finishRun(run *Run, result string, dispatchErr error) (*Run, error) {
	persistCtx := context.Background()

	completed := time.Now().UTC()
	run.CompletedAt = &completed
	run.TokensUsed = m.aggregateTokens(persistCtx, run.ID)

	if dispatchErr != nil {
		run.Status = StatusFailed
		run.Error = errText(dispatchErr)
		run.Result = ""
	} else {
		run.Status = StatusCompleted
		run.Result = result
	}

	wrote, err := m.runs.FinishRun(persistCtx, run)
	if err != nil {
		return nil, err
	}
	if !wrote {
		// Lost to a concurrent cancel. Sweep members the cancel may
		// have missed, then return the row the cancel wrote.
		_, _ = m.runs.CancelLiveMembers(persistCtx, run.ID, completed)
		return m.runs.GetRun(persistCtx, run.ID)
	}

	metrics.SwarmRuns.WithLabelValues(string(run.Strategy), string(run.Status)).Inc()

	level := audit.LevelInfo
	if run.Status == StatusFailed {
		level = audit.LevelWarn
	}
	if _, err := m.chain.Record(persistCtx, audit.Entry{
		Level:   level,
		Event:   audit.EventSwarmCompleted,
		Message: "swarm run finished",
		UserID:  run.Initiator,
		Metadata: map[string]any{
			"runId":      run.ID,
			"strategy":   string(run.Strategy),
			"status":     string(run.Status),
			"tokensUsed": run.TokensUsed,
		},
	}); err != nil {
		return nil, errs.Wrap(errs.CodeDependencyUnavailable, "audit write failed", err)
	}

	logger.InfoCF(component, "swarm finished", map[string]any{
		"run_id": run.ID,
		"status": string(run.Status),
		"tokens": run.TokensUsed,
	})
	return run, nil
}

// CancelSwarm flips a live run to cancelled and aborts its live
// members best-effort. Terminal runs are a CONFLICT.
func (m *Manager) CancelSwarm(ctx context.Context, id, cancelledBy string) (*Run, error) {
	run, err := m.runs.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	if run.Status != StatusPending && run.Status != StatusRunning {
		return nil, errs.Newf(errs.CodeConflict, "run %s is %s and cannot be cancelled", id, run.Status)
	}

	now := time.Now().UTC()
	run.Status = StatusCancelled
	run.CompletedAt = &now
	wrote, err := m.runs.FinishRun(ctx, run)
	if err != nil {
		return nil, err
	}
	if !wrote {
		return nil, errs.Newf(errs.CodeConflict, "run %s finished before it could be cancelled", id)
	}

	// Row is cancelled; now stop the work. The dispatcher's own finish
	// loses the guarded update and leaves this state alone.
	delegations, err := m.runs.CancelLiveMembers(ctx, id, now)
	if err != nil {
		logger.WarnCF(component, "cancel members", map[string]any{"run_id": id, "error": err.Error()})
	}
	for _, d := range delegations {
		m.engine.Cancel(d)
	}
	m.mu.Lock()
	if cancel := m.active[id]; cancel != nil {
		cancel()
	}
	m.mu.Unlock()

	metrics.SwarmRuns.WithLabelValues(string(run.Strategy), string(StatusCancelled)).Inc()

	if _, err := m.chain.Record(ctx, audit.Entry{
		Level:   audit.LevelWarn,
		Event:   audit.EventSwarmCancelled,
		Message: "swarm run cancelled",
		UserID:  cancelledBy,
		Metadata: map[string]any{
			"runId":    id,
			"strategy": string(run.Strategy),
		},
	}); err != nil {
		return nil, errs.Wrap(errs.CodeDependencyUnavailable, "audit write failed", err)
	}
	return run, nil
}

// RoleEstimate is one row of a cost estimate.
type RoleEstimate struct {
	Role        string   `json:"role"`
	Profile     string   `json:"profile"`
	TokenBudget int64    `json:"tokenBudget"`
	Decision    Decision `json:"decision"`
}

// CostEstimate is the pre-execution routing plan for a template.
type CostEstimate struct {
	TemplateID  string         `json:"templateId"`
	Strategy    Strategy       `json:"strategy"`
	TokenBudget int64          `json:"tokenBudget"`
	Roles       []RoleEstimate `json:"roles"`
	TotalUSD    float64        `json:"totalUsd"`
}

// EstimateSwarmCost routes every role of a template without executing
// anything. Estimation always has a router; a transient heuristic
// covers managers built without one.
func (m *Manager) EstimateSwarmCost(ctx context.Context, templateID, task string, budget int64, contextText string) (*CostEstimate, error) {
	if strings.TrimSpace(task) == "" {
		return nil, errs.New(errs.CodeValidation, "swarm task is required")
	}
	tmpl, err := m.resolveTemplate(ctx, templateID)
	if err != nil {
		return nil, err
	}
	if budget <= 0 {
		budget = m.cfg.DefaultTokenBudget
	}
	router := m.router
	if router == nil {
		router = NewHeuristicRouter(nil)
	}

	est := &CostEstimate{TemplateID: tmpl.ID, Strategy: tmpl.Strategy, TokenBudget: budget}
	addRole := func(role, profile string, roleBudget int64) {
		d := router.Route(task, Constraints{TokenBudget: roleBudget, Context: contextText})
		est.Roles = append(est.Roles, RoleEstimate{Role: role, Profile: profile, TokenBudget: roleBudget, Decision: d})
		est.TotalUSD += d.EstimatedCostUSD
	}

	switch tmpl.Strategy {
	case StrategySequential:
		per := budget / int64(len(tmpl.Roles))
		for _, r := range tmpl.Roles {
			addRole(r.Role, r.ProfileName, per)
		}
	case StrategyParallel:
		denom := int64(len(tmpl.Roles))
		coord := tmpl.CoordinatorProfile
		if coord != "" {
			denom++
		}
		per := budget / denom
		for _, r := range tmpl.Roles {
			addRole(r.Role, r.ProfileName, per)
		}
		if coord != "" {
			addRole("coordinator", coord, per)
		}
	case StrategyDynamic:
		coord := tmpl.CoordinatorProfile
		if coord == "" {
			coord = m.cfg.DefaultCoordinator
		}
		addRole("coordinator", coord, budget)
	}
	return est, nil
}

// resolveTemplate accepts a template id or, as a convenience for the
// CLI, a template name.
func (m *Manager) resolveTemplate(ctx context.Context, ref string) (*Template, error) {
	if strings.TrimSpace(ref) == "" {
		return nil, errs.New(errs.CodeValidation, "templateId is required")
	}
	tmpl, err := m.templates.Get(ctx, ref)
	if err == nil {
		return tmpl, nil
	}
	if !errs.Is(err, errs.CodeNotFound) {
		return nil, err
	}
	if ids.Prefix(ref) == ids.PrefixTemplate {
		return nil, err
	}
	return m.templates.GetByName(ctx, ref)
}

func (m *Manager) runSequential(ctx context.Context, run *Run, tmpl *Template) (string, error) {
	perBudget := run.TokenBudget / int64(len(tmpl.Roles))
	var blocks []string
	var lastResult string

	for i, role := range tmpl.Roles {
		if ctx.Err() != nil {
			return lastResult, ctx.Err()
		}

		member, err := m.startMember(ctx, run.ID, i, role.Role, role.ProfileName)
		if err != nil {
			return lastResult, err
		}

		contextText := joinContext(run.Context, blocks)
		result, delegationID, derr := m.delegateRole(ctx, run, role.ProfileName, contextText, perBudget)
		if ctx.Err() != nil {
			// The cancel path owns the member rows now.
			return lastResult, ctx.Err()
		}

		member.DelegationID = delegationID
		if derr != nil {
			// Recorded, then the chain continues so downstream roles
			// see the failure in their context.
			m.completeMember(member, StatusFailed, "Error: "+errText(derr))
		} else {
			m.completeMember(member, StatusCompleted, result)
		}
		blocks = append(blocks, formatBlock(role.Role, member.Result))
		if member.Result != "" {
			lastResult = member.Result
		}
	}
	return lastResult, nil
}

func (m *Manager) runParallel(ctx context.Context, run *Run, tmpl *Template) (string, error) {
	denom := int64(len(tmpl.Roles))
	if tmpl.CoordinatorProfile != "" {
		denom++
	}
	perBudget := run.TokenBudget / denom

	// All member rows exist before any delegation starts, so an
	// observer sees the full fan-out immediately.
	members := make([]*Member, len(tmpl.Roles))
	for i, role := range tmpl.Roles {
		now := time.Now().UTC()
		members[i] = &Member{
			RunID:     run.ID,
			SeqOrder:  i,
			Role:      role.Role,
			Profile:   role.ProfileName,
			Status:    StatusPending,
			CreatedAt: now,
		}
		if err := m.runs.InsertMember(ctx, members[i]); err != nil {
			return "", err
		}
	}

	var wg sync.WaitGroup
	for i := range members {
		wg.Add(1)
		go func(member *Member) {
			defer wg.Done()

			started := time.Now().UTC()
			member.Status = StatusRunning
			member.StartedAt = &started
			if err := m.runs.UpdateMember(context.Background(), member); err != nil {
				logger.WarnCF(component, "member update", map[string]any{"run_id": run.ID, "seq": member.SeqOrder, "error": err.Error()})
			}

			result, delegationID, derr := m.delegateRole(ctx, run, member.Profile, run.Context, perBudget)
			if ctx.Err() != nil {
				return
			}
			member.DelegationID = delegationID
			if derr != nil {
				// Isolated: a failed member never cancels its siblings.
				m.completeMember(member, StatusFailed, "Error: "+errText(derr))
				return
			}
			m.completeMember(member, StatusCompleted, result)
		}(members[i])
	}
	wg.Wait()

	if ctx.Err() != nil {
		return "", ctx.Err()
	}

	blocks := make([]string, 0, len(members))
	for _, member := range members {
		blocks = append(blocks, formatBlock(member.Role, member.Result))
	}
	joined := strings.Join(blocks, "\n\n")

	if tmpl.CoordinatorProfile == "" {
		return joined, nil
	}

	coordinator, err := m.startMember(ctx, run.ID, len(tmpl.Roles), "coordinator", tmpl.CoordinatorProfile)
	if err != nil {
		return "", err
	}
	result, delegationID, derr := m.delegateRole(ctx, run, tmpl.CoordinatorProfile, joined, perBudget)
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	coordinator.DelegationID = delegationID
	if derr != nil {
		m.completeMember(coordinator, StatusFailed, "Error: "+errText(derr))
		return "", derr
	}
	m.completeMember(coordinator, StatusCompleted, result)
	return result, nil
}

func (m *Manager) runDynamic(ctx context.Context, run *Run, tmpl *Template) (string, error) {
	profile := tmpl.CoordinatorProfile
	if profile == "" {
		profile = m.cfg.DefaultCoordinator
	}

	coordinator, err := m.startMember(ctx, run.ID, 0, "coordinator", profile)
	if err != nil {
		return "", err
	}
	result, delegationID, derr := m.delegateRole(ctx, run, profile, run.Context, run.TokenBudget)
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	coordinator.DelegationID = delegationID
	if derr != nil {
		m.completeMember(coordinator, StatusFailed, "Error: "+errText(derr))
		return "", derr
	}
	m.completeMember(coordinator, StatusCompleted, result)
	return result, nil
}

// delegateRole runs one delegation under the run's identity. The
// router override applies only at confidence >= 0.5; the profile's
// default model wins otherwise.
func (m *Manager) delegateRole(ctx context.Context, run *Run, profileName, contextText string, budget int64) (string, string, error) {
	req := subagent.Request{
		Profile:        profileName,
		Task:           run.Task,
		Context:        contextText,
		MaxTokenBudget: budget,
		TimeoutMs:      m.cfg.DelegateTimeoutMs,
		UserID:         run.Initiator,
	}
	if m.router != nil {
		d := m.router.Route(run.Task, Constraints{TokenBudget: budget, Context: contextText})
		if d.Confidence >= 0.5 && d.SelectedModel != "" {
			req.ModelOverride = d.SelectedModel
		}
	}

	resp, err := m.engine.Delegate(ctx, req)
	if err != nil {
		return "", "", err
	}
	if resp.Status != subagent.StatusCompleted {
		code := errs.Code(resp.ErrorCode)
		if code == "" {
			code = errs.CodeExecutionError
		}
		return "", resp.DelegationID, errs.New(code, resp.Error)
	}
	return resp.Result, resp.DelegationID, nil
}

func (m *Manager) startMember(ctx context.Context, runID string, seq int, role, profile string) (*Member, error) {
	now := time.Now().UTC()
	member := &Member{
		RunID:     runID,
		SeqOrder:  seq,
		Role:      role,
		Profile:   profile,
		Status:    StatusRunning,
		CreatedAt: now,
		StartedAt: &now,
	}
	if err := m.runs.InsertMember(ctx, member); err != nil {
		return nil, err
	}
	return member, nil
}

func (m *Manager) completeMember(member *Member, status Status, result string) {
	now := time.Now().UTC()
	member.Status = status
	member.Result = result
	member.CompletedAt = &now
	if err := m.runs.UpdateMember(context.Background(), member); err != nil {
		logger.WarnCF(component, "member update", map[string]any{
			"run_id": member.RunID,
			"seq":    member.SeqOrder,
			"error":  err.Error(),
		})
	}
}

// aggregateTokens sums each member delegation's tree. A member's
// delegation is its own root, so children spawned by a coordinator are
// included automatically.
func (m *Manager) aggregateTokens(ctx context.Context, runID string) int64 {
	members, err := m.runs.Members(ctx, runID)
	if err != nil {
		return 0
	}
	var total int64
	seen := make(map[string]bool, len(members))
	for _, member := range members {
		if member.DelegationID == "" || seen[member.DelegationID] {
			continue
		}
		seen[member.DelegationID] = true
		if n, err := m.engine.Store().SumTokensByRoot(ctx, member.DelegationID); err == nil {
			total += n
		}
	}
	return total
}

// joinContext appends the labelled result blocks to the run's original
// context.
func joinContext(original string, blocks []string) string {
	if len(blocks) == 0 {
		return original
	}
	joined := strings.Join(blocks, "\n\n")
	if original == "" {
		return joined
	}
	return original + "\n\n" + joined
}

func formatBlock(role, result string) string {
	return "[" + role + "] " + result
}

func errText(err error) string {
	if apiErr, ok := errs.As(err); ok {
		return apiErr.Message
	}
	return err.Error()
}
