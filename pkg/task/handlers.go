package task

import (
	"context"
	"fmt"

	"github.com/lockclaw/lockclaw/pkg/errs"
	"github.com/lockclaw/lockclaw/pkg/rbac"
	"github.com/lockclaw/lockclaw/pkg/sandbox"
)

// TypeEcho and TypeShell are the executor's own built-in task types.
// The delegate and swarm_execute types are registered by the packages
// that bridge them.
const (
	TypeEcho  = "echo"
	TypeShell = "shell"
)

// NewEchoHandler returns the trivial handler: the input comes back as
// the output. Useful for wiring checks and executor tests.
func NewEchoHandler() Handler {
	return FuncHandler{
		Fn: func(ctx context.Context, t *Task, input map[string]any) (any, error) {
			if input == nil {
				return map[string]any{}, nil
			}
			return input, nil
		},
	}
}

// NewShellHandler runs input.command through the sandbox's capped
// exec. Registration is gated by executor.enable_shell, and the
// required permission keeps it away from non-admin roles.
func NewShellHandler(runner *sandbox.Runner) Handler {
	return FuncHandler{
		Perms: []rbac.Ref{{Resource: rbac.ResourceSecurity, Action: "execute"}},
		Fn: func(ctx context.Context, t *Task, input map[string]any) (any, error) {
			command, _ := input["command"].(string)
			if command == "" {
				return nil, errs.New(errs.CodeValidation, "shell task requires input.command")
			}
			workingDir, _ := input["workingDir"].(string)

			env := map[string]string{}
			if raw, ok := input["env"].(map[string]any); ok {
				for k, v := range raw {
					if s, ok := v.(string); ok {
						env[k] = s
					}
				}
			}

			res, violations, err := runner.Exec(ctx, sandbox.ExecRequest{
				Command:    command,
				WorkingDir: workingDir,
				TimeoutMs:  t.TimeoutMs,
				Env:        env,
			})
			if err != nil {
				return nil, fmt.Errorf("shell execution: %w", err)
			}

			out := map[string]any{
				"stdout":    res.Stdout,
				"stderr":    res.Stderr,
				"exitCode":  res.ExitCode,
				"truncated": res.Truncated,
			}
			if len(violations) > 0 {
				out["violations"] = violations
			}
			return out, nil
		},
	}
}
