package subagent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lockclaw/lockclaw/pkg/errs"
	"github.com/lockclaw/lockclaw/pkg/task"
)

func TestTaskHandlerDelegates(t *testing.T) {
	h := newTestEngine(t, Config{}, staticClient("translated", 8, 4))
	handler := NewTaskHandler(h.engine)

	perms := handler.RequiredPermissions()
	require.Len(t, perms, 1)
	assert.Equal(t, "agents:delegate", perms[0].String())

	tk := &task.Task{
		TimeoutMs: 5000,
		Security:  task.SecurityContext{UserID: "alice", Role: "operator"},
	}
	out, err := handler.Execute(context.Background(), tk, map[string]any{
		"profile": "researcher",
		"task":    "find prior art",
	})
	require.NoError(t, err)

	m, ok := out.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "completed", m["status"])
	assert.Equal(t, "translated", m["result"])
	assert.NotEmpty(t, m["delegationId"])
	assert.EqualValues(t, 12, m["tokensUsed"])
}

func TestTaskHandlerValidatesInput(t *testing.T) {
	h := newTestEngine(t, Config{}, staticClient("x", 1, 1))
	handler := NewTaskHandler(h.engine)

	tk := &task.Task{TimeoutMs: 5000}
	for _, input := range []map[string]any{
		nil,
		{"profile": "researcher"},
		{"task": "t"},
		{"profile": 42, "task": "t"},
	} {
		_, err := handler.Execute(context.Background(), tk, input)
		assert.Equal(t, errs.CodeValidation, errs.CodeOf(err))
	}
}

func TestTaskHandlerSurfacesDelegationFailure(t *testing.T) {
	h := newTestEngine(t, Config{}, nil)
	handler := NewTaskHandler(h.engine)

	tk := &task.Task{TimeoutMs: 5000, Security: task.SecurityContext{UserID: "alice"}}
	_, err := handler.Execute(context.Background(), tk, map[string]any{
		"profile": "researcher",
		"task":    "t",
	})
	require.Error(t, err)
	assert.Equal(t, errs.CodeDependencyUnavailable, errs.CodeOf(err))
	assert.Contains(t, err.Error(), "not configured")
}
