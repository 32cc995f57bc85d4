package swarm

import (
	"context"

	"github.com/lockclaw/lockclaw/pkg/errs"
	"github.com/lockclaw/lockclaw/pkg/rbac"
	"github.com/lockclaw/lockclaw/pkg/task"
)

// TaskType is the executor task type served by NewTaskHandler.
const TaskType = "swarm_execute"

// NewTaskHandler bridges swarm_execute tasks to the manager, so swarms
// queue, rate-limit, and audit like any other task type.
func NewTaskHandler(manager *Manager) task.Handler {
	return task.FuncHandler{
		Perms: []rbac.Ref{{Resource: rbac.ResourceSwarms, Action: "execute"}},
		Fn: func(ctx context.Context, t *task.Task, input map[string]any) (any, error) {
			templateID, _ := input["templateId"].(string)
			taskText, _ := input["task"].(string)
			if templateID == "" || taskText == "" {
				return nil, errs.New(errs.CodeValidation, "swarm_execute task requires input.templateId and input.task")
			}

			req := Request{
				TemplateID: templateID,
				Task:       taskText,
				Initiator:  t.Security.UserID,
			}
			if v, ok := input["context"].(string); ok {
				req.Context = v
			}
			if v, ok := input["tokenBudget"].(float64); ok && v > 0 {
				req.TokenBudget = int64(v)
			}

			run, err := manager.ExecuteSwarm(ctx, req)
			if err != nil {
				return nil, err
			}
			if run.Status != StatusCompleted {
				msg := run.Error
				if msg == "" {
					msg = "swarm run " + string(run.Status)
				}
				return nil, errs.New(errs.CodeExecutionError, msg)
			}
			return map[string]any{
				"runId":      run.ID,
				"status":     string(run.Status),
				"result":     run.Result,
				"tokensUsed": run.TokensUsed,
			}, nil
		},
	}
}
