// LockClaw - Secure local-first agent orchestration
// License: MIT
//
// Copyright (c) 2026 LockClaw contributors

// Package task implements the bounded-concurrency task executor: a
// FIFO queue drained into an active set, with per-task timeout and
// cancellation delivered through a shared abort cause.
package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lockclaw/lockclaw/pkg/audit"
	"github.com/lockclaw/lockclaw/pkg/errs"
	"github.com/lockclaw/lockclaw/pkg/ids"
	"github.com/lockclaw/lockclaw/pkg/injection"
	"github.com/lockclaw/lockclaw/pkg/logger"
	"github.com/lockclaw/lockclaw/pkg/metrics"
	"github.com/lockclaw/lockclaw/pkg/ratelimit"
	"github.com/lockclaw/lockclaw/pkg/rbac"
	"github.com/lockclaw/lockclaw/pkg/sandbox"
)

var (
	errTimeout   = errors.New("task timeout")
	errCancelled = errors.New("task cancelled")
)

// Handler executes one task type. RequiredPermissions are enforced at
// submission, before the task is persisted.
type Handler interface {
	Execute(ctx context.Context, t *Task, input map[string]any) (any, error)
	RequiredPermissions() []rbac.Ref
}

// FuncHandler adapts a closure into a Handler.
type FuncHandler struct {
	Fn    func(ctx context.Context, t *Task, input map[string]any) (any, error)
	Perms []rbac.Ref
}

func (h FuncHandler) Execute(ctx context.Context, t *Task, input map[string]any) (any, error) {
	return h.Fn(ctx, t, input)
}

func (h FuncHandler) RequiredPermissions() []rbac.Ref {
	return h.Perms
}

// Config bounds the executor.
type Config struct {
	MaxConcurrent    int   `json:"maxConcurrent"`
	DefaultTimeoutMs int64 `json:"defaultTimeoutMs"`
	MaxTimeoutMs     int64 `json:"maxTimeoutMs"`
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 5
	}
	if c.DefaultTimeoutMs <= 0 {
		c.DefaultTimeoutMs = 300_000
	}
	if c.MaxTimeoutMs <= 0 {
		c.MaxTimeoutMs = 600_000
	}
	return c
}

// Handle resolves to the terminal task. Done is closed exactly once,
// after the terminal row is durable.
type Handle struct {
	id   string
	done chan struct{}

	mu   sync.Mutex
	task *Task
}

func (h *Handle) ID() string { return h.id }

func (h *Handle) Done() <-chan struct{} { return h.done }

// Task returns the terminal snapshot after Done is closed, or the
// pending snapshot before that.
func (h *Handle) Task() *Task {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.task
}

// Wait blocks until the task reaches a terminal state or ctx ends.
func (h *Handle) Wait(ctx context.Context) (*Task, error) {
	select {
	case <-h.done:
		return h.Task(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (h *Handle) resolve(t *Task) {
	h.mu.Lock()
	h.task = t
	h.mu.Unlock()
	close(h.done)
}

type queued struct {
	task   *Task
	input  map[string]any
	handle *Handle
}

type activeTask struct {
	task    *Task
	cancel  context.CancelCauseFunc
	started time.Time
}

// Executor admits, schedules, and runs tasks.
type Executor struct {
	cfg       Config
	store     *Store
	chain     *audit.Chain
	limiter   *ratelimit.Limiter
	validator *injection.Validator
	authz     *rbac.Engine
	runner    *sandbox.Runner

	mu         sync.Mutex
	handlers   map[string]Handler
	queue      []*queued
	active     map[string]*activeTask
	processing bool
	closed     bool

	wg sync.WaitGroup
}

// Deps wires the executor's collaborators. Runner may be nil; every
// other field is required.
type Deps struct {
	Store     *Store
	Chain     *audit.Chain
	Limiter   *ratelimit.Limiter
	Validator *injection.Validator
	RBAC      *rbac.Engine
	Runner    *sandbox.Runner
}

func NewExecutor(cfg Config, deps Deps) (*Executor, error) {
	if deps.Store == nil || deps.Chain == nil || deps.Limiter == nil || deps.Validator == nil || deps.RBAC == nil {
		return nil, fmt.Errorf("executor requires store, chain, limiter, validator, and rbac")
	}
	return &Executor{
		cfg:       cfg.withDefaults(),
		store:     deps.Store,
		chain:     deps.Chain,
		limiter:   deps.Limiter,
		validator: deps.Validator,
		authz:     deps.RBAC,
		runner:    deps.Runner,
		handlers:  make(map[string]Handler),
		active:    make(map[string]*activeTask),
	}, nil
}

// RegisterHandler binds a task type. Re-registering replaces.
func (e *Executor) RegisterHandler(taskType string, h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[taskType] = h
}

func (e *Executor) Store() *Store { return e.store }

// ActiveCount reports tasks currently executing.
func (e *Executor) ActiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

// Submit validates, authorises, persists, and enqueues one task. The
// returned handle resolves to the terminal row.
func (e *Executor) Submit(ctx context.Context, req CreateRequest, sec SecurityContext) (*Handle, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, errs.New(errs.CodeConflict, "executor is shut down")
	}
	e.mu.Unlock()

	if err := e.screenInput(ctx, req, sec); err != nil {
		return nil, err
	}

	decision := e.limiter.Check(ratelimit.RuleTaskCreation, ratelimit.Subject{UserID: sec.UserID, IP: sec.IP})
	if !decision.Allowed {
		metrics.RateLimitHits.WithLabelValues(ratelimit.RuleTaskCreation).Inc()
		if _, err := e.chain.Record(ctx, audit.Entry{
			Level:   audit.LevelWarn,
			Event:   audit.EventTaskRateLimited,
			Message: "task submission rate limited",
			UserID:  sec.UserID,
			Metadata: map[string]any{
				"rule":       decision.Rule,
				"retryAfter": decision.RetryAfterSeconds(),
			},
		}); err != nil {
			return nil, fmt.Errorf("audit rate limit: %w", err)
		}
		return nil, errs.RateLimited("task creation rate limit exceeded", decision.RetryAfterSeconds())
	}

	e.mu.Lock()
	handler, ok := e.handlers[req.Type]
	e.mu.Unlock()
	if !ok {
		return nil, errs.Newf(errs.CodeValidation, "unknown task type %q", req.Type)
	}

	required := handler.RequiredPermissions()
	asserted := make([]string, 0, len(required))
	for _, ref := range required {
		err := e.authz.RequirePermission(sec.Role, rbac.Request{
			Resource: ref.Resource,
			Action:   ref.Action,
			Context:  map[string]any{"userId": sec.UserID},
		}, sec.UserID)
		if err != nil {
			metrics.PermissionDenied.Inc()
			if _, aerr := e.chain.Record(ctx, audit.Entry{
				Level:   audit.LevelWarn,
				Event:   audit.EventPermissionDenied,
				Message: "task submission denied",
				UserID:  sec.UserID,
				Metadata: map[string]any{
					"permission": ref.String(),
					"taskType":   req.Type,
				},
			}); aerr != nil {
				return nil, fmt.Errorf("audit permission denial: %w", aerr)
			}
			return nil, err
		}
		asserted = append(asserted, ref.String())
	}
	sec.Permissions = asserted

	timeoutMs := req.TimeoutMs
	if timeoutMs <= 0 {
		timeoutMs = e.cfg.DefaultTimeoutMs
	}
	if timeoutMs > e.cfg.MaxTimeoutMs {
		timeoutMs = e.cfg.MaxTimeoutMs
	}

	t := &Task{
		ID:            ids.NewTask(),
		CorrelationID: req.CorrelationID,
		ParentID:      req.ParentID,
		Type:          req.Type,
		Name:          req.Name,
		Description:   req.Description,
		InputHash:     HashCanonical(req.Input),
		Status:        StatusPending,
		TimeoutMs:     timeoutMs,
		Security:      sec,
		CreatedAt:     time.Now().UTC(),
	}

	if err := e.store.Insert(ctx, t); err != nil {
		return nil, err
	}
	if _, err := e.chain.Record(ctx, audit.Entry{
		Event:         audit.EventTaskCreated,
		Message:       "task created",
		UserID:        sec.UserID,
		TaskID:        t.ID,
		CorrelationID: t.CorrelationID,
		Metadata: map[string]any{
			"type":      t.Type,
			"name":      t.Name,
			"timeoutMs": t.TimeoutMs,
			"inputHash": t.InputHash,
		},
	}); err != nil {
		// An unaudited task must not be acknowledged or run.
		if derr := e.store.Delete(ctx, t.ID); derr != nil {
			logger.ErrorCF("executor", "Failed to remove unaudited task", map[string]any{
				"task_id": t.ID,
				"error":   derr.Error(),
			})
		}
		return nil, fmt.Errorf("audit task creation: %w", err)
	}

	metrics.TasksSubmitted.Inc()
	metrics.TasksByState.WithLabelValues(string(StatusPending)).Inc()

	handle := &Handle{id: t.ID, done: make(chan struct{})}
	handle.mu.Lock()
	handle.task = t
	handle.mu.Unlock()

	e.mu.Lock()
	e.queue = append(e.queue, &queued{task: t, input: req.Input, handle: handle})
	metrics.QueueDepth.Set(float64(len(e.queue)))
	e.mu.Unlock()

	e.processQueue()
	return handle, nil
}

// screenInput runs the injection validator over every caller-supplied
// text surface. Rejected submissions are audited but never persisted.
func (e *Executor) screenInput(ctx context.Context, req CreateRequest, sec SecurityContext) error {
	surfaces := []string{req.Name, req.Description}
	if len(req.Input) > 0 {
		surfaces = append(surfaces, string(mustJSON(req.Input)))
	}

	for _, s := range surfaces {
		if s == "" {
			continue
		}
		res := e.validator.Validate(s)
		if res.Valid {
			continue
		}
		metrics.InjectionBlocked.WithLabelValues(res.Family).Inc()
		if _, err := e.chain.Record(ctx, audit.Entry{
			Level:   audit.LevelWarn,
			Event:   audit.EventTaskRejected,
			Message: "task submission rejected by input validation",
			UserID:  sec.UserID,
			Metadata: map[string]any{
				"reason": res.BlockReason,
				"family": res.Family,
				"type":   req.Type,
			},
		}); err != nil {
			return fmt.Errorf("audit task rejection: %w", err)
		}
		return errs.New(errs.CodeValidation, res.BlockReason)
	}
	return nil
}

// processQueue admits queued tasks while capacity remains. The
// processing flag makes it safe to call from any goroutine at any
// time; the call that finds the flag set returns immediately because
// the holder's admission loop covers newly queued items.
func (e *Executor) processQueue() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.processing || e.closed {
		return
	}
	e.processing = true
	defer func() { e.processing = false }()

	for len(e.queue) > 0 && len(e.active) < e.cfg.MaxConcurrent {
		item := e.queue[0]
		e.queue = e.queue[1:]
		metrics.QueueDepth.Set(float64(len(e.queue)))

		runCtx, cancel := context.WithCancelCause(context.Background())
		at := &activeTask{task: item.task, cancel: cancel, started: time.Now()}
		e.active[item.task.ID] = at

		e.wg.Add(1)
		go e.execute(runCtx, item, at)
	}
}

func (e *Executor) execute(runCtx context.Context, item *queued, at *activeTask) {
	defer e.wg.Done()
	t := item.task

	defer e.processQueue()

	started := time.Now().UTC()
	t.Status = StatusRunning
	t.StartedAt = &started
	metrics.TasksByState.WithLabelValues(string(StatusPending)).Dec()
	metrics.TasksByState.WithLabelValues(string(StatusRunning)).Inc()

	persistCtx := context.Background()
	if err := e.store.Update(persistCtx, t); err != nil {
		logger.ErrorCF("executor", "Failed to persist running transition", map[string]any{
			"task_id": t.ID,
			"error":   err.Error(),
		})
		e.finish(persistCtx, item, StatusFailed, nil, &ErrorInfo{
			Code:    string(errs.CodeExecutionError),
			Message: "failed to persist task state",
		}, nil)
		return
	}

	timer := time.AfterFunc(time.Duration(t.TimeoutMs)*time.Millisecond, func() {
		at.cancel(errTimeout)
	})
	defer timer.Stop()
	defer at.cancel(nil)

	e.mu.Lock()
	handler := e.handlers[t.Type]
	e.mu.Unlock()

	value, runErr, usage := e.runHandler(runCtx, handler, t, item.input)

	// A handler that resolved successfully before the abort was
	// observed wins the race; abort causes only classify failures.
	cause := context.Cause(runCtx)
	switch {
	case runErr == nil:
		e.finish(persistCtx, item, StatusCompleted, value, nil, usage)
	case errors.Is(cause, errTimeout):
		e.finish(persistCtx, item, StatusTimeout, nil, &ErrorInfo{
			Code:        string(errs.CodeTimeout),
			Message:     "Task timeout",
			Recoverable: true,
		}, usage)
	case errors.Is(cause, errCancelled):
		e.finish(persistCtx, item, StatusCancelled, nil, nil, usage)
	default:
		e.finish(persistCtx, item, StatusFailed, nil, &ErrorInfo{
			Code:        string(errs.CodeExecutionError),
			Message:     errs.Message(runErr),
			Recoverable: recoverable(runErr),
		}, usage)
	}
}

// runHandler executes the handler through the sandbox when one is
// configured, auditing any violations, or races it directly against
// the abort signal otherwise.
func (e *Executor) runHandler(runCtx context.Context, handler Handler, t *Task, input map[string]any) (any, error, *sandbox.Usage) {
	if e.runner != nil {
		res := e.runner.Run(runCtx, func(ctx context.Context) (any, error) {
			return handler.Execute(ctx, t, input)
		})
		if len(res.Violations) > 0 {
			for _, v := range res.Violations {
				metrics.SandboxViolations.WithLabelValues(v.Kind).Inc()
			}
			if _, err := e.chain.Record(context.Background(), audit.Entry{
				Level:   audit.LevelWarn,
				Event:   audit.EventSandboxViolation,
				Message: "sandbox limits exceeded",
				UserID:  t.Security.UserID,
				TaskID:  t.ID,
				Metadata: map[string]any{
					"violations": res.Violations,
					"usage":      res.Usage,
				},
			}); err != nil {
				logger.ErrorCF("executor", "Failed to audit sandbox violation", map[string]any{
					"task_id": t.ID,
					"error":   err.Error(),
				})
			}
		}
		return res.Value, res.Err, &res.Usage
	}

	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		v, err := handler.Execute(runCtx, t, input)
		done <- outcome{value: v, err: err}
	}()

	select {
	case out := <-done:
		return out.value, out.err, nil
	case <-runCtx.Done():
		return nil, context.Cause(runCtx), nil
	}
}

// finish writes the terminal row, retires the task from the active set,
// and resolves the handle. It is the only writer of terminal state; once
// Done is observable the task can no longer be cancelled.
func (e *Executor) finish(ctx context.Context, item *queued, status Status, value any, errInfo *ErrorInfo, usage *sandbox.Usage) {
	t := item.task
	now := time.Now().UTC()
	t.Status = status
	t.CompletedAt = &now
	if t.StartedAt != nil {
		d := now.Sub(*t.StartedAt).Milliseconds()
		t.DurationMs = &d
	}

	switch status {
	case StatusCompleted:
		t.Result = &Result{Success: true, OutputHash: HashCanonical(value)}
	case StatusCancelled:
		// Status and the task_cancelled audit entry carry the fact;
		// there is no propagated error to record.
	default:
		t.Result = &Result{Success: false, Error: errInfo}
	}

	t.Resources = mergeResources(value, usage)

	if err := e.store.Update(ctx, t); err != nil {
		logger.ErrorCF("executor", "Failed to persist terminal state", map[string]any{
			"task_id": t.ID,
			"status":  string(status),
			"error":   err.Error(),
		})
	}

	if status == StatusCompleted {
		if _, err := e.chain.Record(ctx, audit.Entry{
			Event:         audit.EventTaskCompleted,
			Message:       "task completed",
			UserID:        t.Security.UserID,
			TaskID:        t.ID,
			CorrelationID: t.CorrelationID,
			Metadata: map[string]any{
				"durationMs": t.DurationMs,
				"outputHash": t.Result.OutputHash,
			},
		}); err != nil {
			logger.ErrorCF("executor", "Failed to audit task completion", map[string]any{
				"task_id": t.ID,
				"error":   err.Error(),
			})
		}
	}

	metrics.TasksByState.WithLabelValues(string(StatusRunning)).Dec()
	metrics.TasksFinished.WithLabelValues(string(status)).Inc()
	if t.DurationMs != nil {
		metrics.TaskDuration.Observe(float64(*t.DurationMs) / 1000)
	}

	e.mu.Lock()
	delete(e.active, t.ID)
	e.mu.Unlock()

	item.handle.resolve(t)
}

// Cancel aborts an actively running task. Queued or terminal tasks
// return false.
func (e *Executor) Cancel(ctx context.Context, taskID string, sec SecurityContext) (bool, error) {
	e.mu.Lock()
	at, ok := e.active[taskID]
	e.mu.Unlock()
	if !ok {
		return false, nil
	}

	err := e.authz.RequirePermission(sec.Role, rbac.Request{
		Resource: rbac.ResourceTasks,
		Action:   "cancel",
		Context:  map[string]any{"task": map[string]any{"userId": at.task.Security.UserID}},
	}, sec.UserID)
	if err != nil {
		metrics.PermissionDenied.Inc()
		if _, aerr := e.chain.Record(ctx, audit.Entry{
			Level:   audit.LevelWarn,
			Event:   audit.EventPermissionDenied,
			Message: "task cancellation denied",
			UserID:  sec.UserID,
			TaskID:  taskID,
		}); aerr != nil {
			return false, fmt.Errorf("audit permission denial: %w", aerr)
		}
		return false, err
	}

	at.cancel(errCancelled)

	if _, err := e.chain.Record(ctx, audit.Entry{
		Event:   audit.EventTaskCancelled,
		Message: "task cancelled",
		UserID:  sec.UserID,
		TaskID:  taskID,
	}); err != nil {
		return true, fmt.Errorf("audit task cancellation: %w", err)
	}
	return true, nil
}

// Shutdown stops admission, aborts active tasks, and waits for their
// terminal rows, or returns when ctx expires.
func (e *Executor) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	for _, at := range e.active {
		at.cancel(errCancelled)
	}
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func mergeResources(value any, usage *sandbox.Usage) *ResourceUsage {
	var out *ResourceUsage
	if rr, ok := value.(ResourceReporter); ok {
		if r := rr.TaskResources(); r != nil {
			cp := *r
			out = &cp
		}
	}
	if usage == nil {
		return out
	}
	if out == nil {
		out = &ResourceUsage{}
	}
	if out.PeakMemoryMB == 0 && usage.AllocBytes > 0 {
		out.PeakMemoryMB = float64(usage.AllocBytes) / (1 << 20)
	}
	if out.CPUTimeMs == 0 {
		out.CPUTimeMs = usage.WallMs
	}
	return out
}

func recoverable(err error) bool {
	if e, ok := errs.As(err); ok {
		return e.Recoverable
	}
	return false
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("null")
	}
	return data
}
