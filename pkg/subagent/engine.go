package subagent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lockclaw/lockclaw/pkg/audit"
	"github.com/lockclaw/lockclaw/pkg/errs"
	"github.com/lockclaw/lockclaw/pkg/ids"
	"github.com/lockclaw/lockclaw/pkg/logger"
	"github.com/lockclaw/lockclaw/pkg/metrics"
	"github.com/lockclaw/lockclaw/pkg/providers"
)

// Config bounds the engine.
type Config struct {
	MaxDepth           int
	DefaultTimeoutMs   int64
	DefaultTokenBudget int64
}

func (c Config) withDefaults() Config {
	if c.MaxDepth <= 0 {
		c.MaxDepth = 5
	}
	if c.DefaultTimeoutMs <= 0 {
		c.DefaultTimeoutMs = 300_000
	}
	if c.DefaultTokenBudget <= 0 {
		c.DefaultTokenBudget = 500_000
	}
	return c
}

// Request asks for one delegation.
type Request struct {
	Profile            string `json:"profile"`
	Task               string `json:"task"`
	Context            string `json:"context,omitempty"`
	MaxTokenBudget     int64  `json:"maxTokenBudget,omitempty"`
	ModelOverride      string `json:"modelOverride,omitempty"`
	ParentDelegationID string `json:"parentDelegationId,omitempty"`
	TimeoutMs          int64  `json:"timeoutMs,omitempty"`

	// UserID attributes the delegation in the audit log. Not persisted
	// on the delegation row.
	UserID string `json:"-"`
}

// Response reports the terminal outcome of an admitted delegation.
// ErrorCode is set for non-completed terminals.
type Response struct {
	DelegationID string `json:"delegationId"`
	Status       Status `json:"status"`
	Result       string `json:"result,omitempty"`
	Error        string `json:"error,omitempty"`
	ErrorCode    string `json:"errorCode,omitempty"`
	TokensUsed   int64  `json:"tokensUsed"`
}

// Engine runs one delegation per call. Admission failures (unknown
// profile, depth, exhausted tree budget) return an error and persist
// nothing; admitted delegations always reach a terminal row and come
// back as a Response.
type Engine struct {
	cfg      Config
	profiles *ProfileStore
	store    *DelegationStore
	chain    *audit.Chain
	client   providers.Client

	active sync.Map // delegation id -> context.CancelFunc
}

func NewEngine(cfg Config, profiles *ProfileStore, store *DelegationStore, chain *audit.Chain, client providers.Client) *Engine {
	if client == nil {
		client = providers.Unconfigured()
	}
	return &Engine{
		cfg:      cfg.withDefaults(),
		profiles: profiles,
		store:    store,
		chain:    chain,
		client:   client,
	}
}

func (e *Engine) Profiles() *ProfileStore { return e.profiles }
func (e *Engine) Store() *DelegationStore { return e.store }

// Delegate admits and runs one delegation to a terminal state.
func (e *Engine) Delegate(ctx context.Context, req Request) (*Response, error) {
	if strings.TrimSpace(req.Task) == "" {
		return nil, errs.New(errs.CodeValidation, "delegation task is required")
	}

	profile, err := e.profiles.GetByName(ctx, req.Profile)
	if err != nil {
		return nil, err
	}
	switch profile.Kind {
	case KindLLM:
	case KindBinary, KindMCPBridge:
		return nil, errs.Newf(errs.CodeDependencyUnavailable,
			"profile %q is kind %s and no execution bridge is configured", profile.Name, profile.Kind)
	default:
		return nil, errs.Newf(errs.CodeValidation, "profile %q has unknown kind %q", profile.Name, profile.Kind)
	}

	depth := 0
	rootID := ""
	if req.ParentDelegationID != "" {
		parent, err := e.store.Get(ctx, req.ParentDelegationID)
		if err != nil {
			return nil, err
		}
		depth = parent.Depth + 1
		rootID = parent.RootID
	}
	if depth > e.cfg.MaxDepth {
		return nil, errs.Newf(errs.CodeValidation,
			"delegation depth %d exceeds maximum %d", depth, e.cfg.MaxDepth)
	}

	budget := profile.MaxTokenBudget
	if budget <= 0 {
		budget = e.cfg.DefaultTokenBudget
	}
	if req.MaxTokenBudget > 0 && req.MaxTokenBudget < budget {
		budget = req.MaxTokenBudget
	}

	// Tree admission: the sum of tokens already spent under the root
	// must leave headroom, and the child's budget is capped to it.
	if rootID != "" {
		root, err := e.store.Get(ctx, rootID)
		if err != nil {
			return nil, fmt.Errorf("resolve delegation root: %w", err)
		}
		used, err := e.store.SumTokensByRoot(ctx, rootID)
		if err != nil {
			return nil, err
		}
		remaining := root.TokenBudget - used
		if remaining <= 0 {
			return nil, errs.Newf(errs.CodeValidation,
				"token budget exhausted for delegation tree %s", rootID)
		}
		if budget > remaining {
			budget = remaining
		}
	}

	timeoutMs := req.TimeoutMs
	if timeoutMs <= 0 {
		timeoutMs = e.cfg.DefaultTimeoutMs
	}

	d := &Delegation{
		ID:          ids.NewDelegation(),
		ProfileID:   profile.ID,
		ProfileName: profile.Name,
		ParentID:    req.ParentDelegationID,
		Task:        req.Task,
		Context:     req.Context,
		Depth:       depth,
		MaxDepth:    e.cfg.MaxDepth,
		TokenBudget: budget,
		TimeoutMs:   timeoutMs,
		Status:      StatusPending,
		CreatedAt:   time.Now().UTC(),
	}
	if rootID == "" {
		d.RootID = d.ID
	} else {
		d.RootID = rootID
	}

	if err := e.store.Insert(ctx, d); err != nil {
		return nil, err
	}

	started := time.Now().UTC()
	d.Status = StatusRunning
	d.StartedAt = &started
	if err := e.store.Update(ctx, d); err != nil {
		return nil, err
	}

	model := profile.DefaultModel
	if req.ModelOverride != "" {
		model = req.ModelOverride
	}

	callCtx, cancel := context.WithTimeout(ctx, time.Duration(timeoutMs)*time.Millisecond)
	e.active.Store(d.ID, cancel)
	resp, chatErr := e.client.Chat(callCtx, providers.ChatRequest{
		System:    profile.SystemPrompt,
		User:      req.Task,
		Context:   req.Context,
		Tools:     profile.AllowedTools,
		Model:     model,
		MaxTokens: int(budget),
	})
	ctxErr := callCtx.Err()
	e.active.Delete(d.ID)
	cancel()

	now := time.Now().UTC()
	d.CompletedAt = &now

	errCode := ""
	var trace []TraceMessage
	switch {
	case chatErr == nil:
		d.Status = StatusCompleted
		d.Result = resp.Content
		d.TokensUsed = int64(resp.Usage.TotalTokens)
		trace = e.buildTrace(d, profile, resp)
	case errors.Is(chatErr, providers.ErrNotConfigured):
		d.Status = StatusFailed
		d.Error = "llm client not configured"
		errCode = string(errs.CodeDependencyUnavailable)
	case errors.Is(ctxErr, context.DeadlineExceeded):
		d.Status = StatusTimeout
		d.Error = "Delegation timeout"
		errCode = string(errs.CodeTimeout)
	case errors.Is(ctxErr, context.Canceled):
		d.Status = StatusCancelled
		d.Error = "delegation cancelled"
	default:
		d.Status = StatusFailed
		d.Error = errs.Message(chatErr)
		errCode = string(errs.CodeExecutionError)
		if c, ok := errs.As(chatErr); ok {
			errCode = string(c.Code)
		}
	}

	if err := e.store.Update(context.Background(), d); err != nil {
		return nil, fmt.Errorf("persist delegation terminal state: %w", err)
	}
	if err := e.store.AppendMessages(context.Background(), d.ID, trace); err != nil {
		logger.ErrorCF("subagent", "Failed to persist delegation trace", map[string]any{
			"delegation_id": d.ID,
			"error":         err.Error(),
		})
	}

	e.observe(d, profile, model, resp)

	level := audit.LevelInfo
	if d.Status != StatusCompleted {
		level = audit.LevelWarn
	}
	if _, err := e.chain.Record(context.Background(), audit.Entry{
		Level:         level,
		Event:         audit.EventDelegation,
		Message:       "delegation " + string(d.Status),
		UserID:        req.UserID,
		CorrelationID: d.RootID,
		Metadata: map[string]any{
			"delegationId": d.ID,
			"profile":      profile.Name,
			"depth":        d.Depth,
			"status":       string(d.Status),
			"tokensUsed":   d.TokensUsed,
			"durationMs":   now.Sub(started).Milliseconds(),
		},
	}); err != nil {
		return nil, fmt.Errorf("audit delegation: %w", err)
	}

	return &Response{
		DelegationID: d.ID,
		Status:       d.Status,
		Result:       d.Result,
		Error:        d.Error,
		ErrorCode:    errCode,
		TokensUsed:   d.TokensUsed,
	}, nil
}

// Cancel aborts a running delegation. Returns false when it is not
// running.
func (e *Engine) Cancel(delegationID string) bool {
	v, ok := e.active.Load(delegationID)
	if !ok {
		return false
	}
	v.(context.CancelFunc)()
	return true
}

// buildTrace converts the chat exchange into trace rows. Tool calls
// outside the profile's allowlist are suppressed and recorded.
func (e *Engine) buildTrace(d *Delegation, profile *Profile, resp *providers.ChatResponse) []TraceMessage {
	allowed := make(map[string]bool, len(profile.AllowedTools))
	for _, name := range profile.AllowedTools {
		allowed[name] = true
	}

	var kept []providers.ToolCall
	var suppressed []providers.ToolCall
	for _, tc := range resp.ToolCalls {
		if allowed[tc.Name] {
			kept = append(kept, tc)
		} else {
			suppressed = append(suppressed, tc)
		}
	}

	trace := []TraceMessage{
		{Role: "user", Content: d.Task, TokenCount: resp.Usage.PromptTokens},
		{Role: "assistant", Content: resp.Content, ToolCalls: kept, TokenCount: resp.Usage.CompletionTokens},
	}
	for _, tc := range suppressed {
		trace = append(trace, TraceMessage{
			Role:       "tool",
			ToolResult: fmt.Sprintf("suppressed: tool %q is not allowed for profile %q", tc.Name, profile.Name),
		})
	}
	return trace
}

func (e *Engine) observe(d *Delegation, profile *Profile, model string, resp *providers.ChatResponse) {
	metrics.DelegationsTotal.WithLabelValues(string(d.Status)).Inc()

	label := model
	if label == "" {
		label = e.client.DefaultModel()
	}
	if label == "" {
		label = "default"
	}
	outcome := "success"
	if d.Status != StatusCompleted {
		outcome = string(d.Status)
	}
	metrics.ProviderCalls.WithLabelValues(label, outcome).Inc()

	if resp != nil {
		metrics.TokensUsed.WithLabelValues("in").Add(float64(resp.Usage.PromptTokens))
		metrics.TokensUsed.WithLabelValues("out").Add(float64(resp.Usage.CompletionTokens))
	}
}
