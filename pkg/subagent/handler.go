package subagent

import (
	"context"

	"github.com/lockclaw/lockclaw/pkg/errs"
	"github.com/lockclaw/lockclaw/pkg/rbac"
	"github.com/lockclaw/lockclaw/pkg/task"
)

// TaskType is the executor task type served by NewTaskHandler.
const TaskType = "delegate"

// NewTaskHandler bridges delegate tasks to the engine. The task's
// timeout bounds the delegation; the task's security context attributes
// the audit entry.
func NewTaskHandler(engine *Engine) task.Handler {
	return task.FuncHandler{
		Perms: []rbac.Ref{{Resource: rbac.ResourceAgents, Action: "delegate"}},
		Fn: func(ctx context.Context, t *task.Task, input map[string]any) (any, error) {
			profile, _ := input["profile"].(string)
			taskText, _ := input["task"].(string)
			if profile == "" || taskText == "" {
				return nil, errs.New(errs.CodeValidation, "delegate task requires input.profile and input.task")
			}

			req := Request{
				Profile:   profile,
				Task:      taskText,
				TimeoutMs: t.TimeoutMs,
				UserID:    t.Security.UserID,
			}
			if v, ok := input["context"].(string); ok {
				req.Context = v
			}
			if v, ok := input["modelOverride"].(string); ok {
				req.ModelOverride = v
			}
			if v, ok := input["parentDelegationId"].(string); ok {
				req.ParentDelegationID = v
			}
			if v, ok := input["maxTokenBudget"].(float64); ok && v > 0 {
				req.MaxTokenBudget = int64(v)
			}

			resp, err := engine.Delegate(ctx, req)
			if err != nil {
				return nil, err
			}
			if resp.Status != StatusCompleted {
				code := errs.Code(resp.ErrorCode)
				if code == "" {
					code = errs.CodeExecutionError
				}
				return nil, errs.New(code, resp.Error)
			}
			return map[string]any{
				"delegationId": resp.DelegationID,
				"status":       string(resp.Status),
				"result":       resp.Result,
				"tokensUsed":   resp.TokensUsed,
			}, nil
		},
	}
}
