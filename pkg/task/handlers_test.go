package task

import (
	"context"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lockclaw/lockclaw/pkg/errs"
	"github.com/lockclaw/lockclaw/pkg/sandbox"
)

func TestEchoHandler(t *testing.T) {
	h := NewEchoHandler()
	assert.Empty(t, h.RequiredPermissions())

	input := map[string]any{"k": "v"}
	out, err := h.Execute(context.Background(), &Task{}, input)
	require.NoError(t, err)
	assert.Equal(t, input, out)

	out, err = h.Execute(context.Background(), &Task{}, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{}, out)
}

func TestShellHandler(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("test script relies on a POSIX shell")
	}

	runner := sandbox.NewRunner(sandbox.Limits{MaxWallMs: 10_000, MaxOutputBytes: 1 << 16})
	h := NewShellHandler(runner)
	require.Len(t, h.RequiredPermissions(), 1)
	assert.Equal(t, "security:execute", h.RequiredPermissions()[0].String())

	task := &Task{TimeoutMs: 5000}
	out, err := h.Execute(context.Background(), task, map[string]any{
		"command": "echo hello; exit 3",
	})
	require.NoError(t, err)
	result := out.(map[string]any)
	assert.Equal(t, "hello\n", result["stdout"])
	assert.Equal(t, 3, result["exitCode"])
	assert.Equal(t, false, result["truncated"])
	assert.NotContains(t, result, "violations")
}

func TestShellHandlerRequiresCommand(t *testing.T) {
	runner := sandbox.NewRunner(sandbox.Limits{})
	h := NewShellHandler(runner)

	_, err := h.Execute(context.Background(), &Task{TimeoutMs: 1000}, map[string]any{})
	require.Error(t, err)
	assert.Equal(t, errs.CodeValidation, errs.CodeOf(err))

	_, err = h.Execute(context.Background(), &Task{TimeoutMs: 1000}, nil)
	require.Error(t, err)
	assert.Equal(t, errs.CodeValidation, errs.CodeOf(err))
}

func TestShellHandlerSurfacesViolations(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("test script relies on a POSIX shell")
	}

	runner := sandbox.NewRunner(sandbox.Limits{MaxWallMs: 10_000, MaxOutputBytes: 16})
	h := NewShellHandler(runner)

	out, err := h.Execute(context.Background(), &Task{TimeoutMs: 5000}, map[string]any{
		"command": "head -c 4096 /dev/zero | tr '\\0' 'a'",
	})
	require.NoError(t, err)
	result := out.(map[string]any)
	assert.Equal(t, true, result["truncated"])
	assert.Contains(t, result, "violations")
	assert.Len(t, result["stdout"], 16)
}
