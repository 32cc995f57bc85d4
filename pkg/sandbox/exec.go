package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"regexp"
	"runtime"
	"strings"
	"time"
)

// ExecRequest describes a shell command run under the sandbox caps.
type ExecRequest struct {
	Command    string
	WorkingDir string
	TimeoutMs  int64
	Env        map[string]string
}

// ExecResult is the normalised command outcome. Truncated is set when
// an output stream hit the byte cap and was cut.
type ExecResult struct {
	Stdout    string
	Stderr    string
	ExitCode  int
	Truncated bool
}

var blockedEnvPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)_?(API_KEY|TOKEN|PASSWORD|PRIVATE_KEY|SECRET)$`),
	regexp.MustCompile(`(?i)^AWS_(SECRET_ACCESS_KEY|SESSION_TOKEN)$`),
	regexp.MustCompile(`(?i)^LOCKCLAW_`),
}

// Exec runs a shell command with the runner's caps applied: wall clock
// bounds the process lifetime and the output cap truncates both
// streams. Secret-bearing environment variables are never forwarded.
func (r *Runner) Exec(ctx context.Context, req ExecRequest) (*ExecResult, []Violation, error) {
	if strings.TrimSpace(req.Command) == "" {
		return nil, nil, fmt.Errorf("empty command")
	}

	timeoutMs := req.TimeoutMs
	if r.limits.MaxWallMs > 0 && (timeoutMs <= 0 || timeoutMs > r.limits.MaxWallMs) {
		timeoutMs = r.limits.MaxWallMs
	}

	cmdCtx := ctx
	cancel := func() {}
	if timeoutMs > 0 {
		cmdCtx, cancel = context.WithTimeout(ctx, time.Duration(timeoutMs)*time.Millisecond)
	}
	defer cancel()

	var cmd *exec.Cmd
	if runtime.GOOS == "windows" {
		cmd = exec.CommandContext(cmdCtx, "powershell", "-NoProfile", "-NonInteractive", "-Command", req.Command)
	} else {
		cmd = exec.CommandContext(cmdCtx, "sh", "-c", req.Command)
	}
	cmd.WaitDelay = 2 * time.Second

	if req.WorkingDir != "" {
		cmd.Dir = req.WorkingDir
	}

	cmd.Env = buildEnv(req.Env)

	capBytes := r.limits.MaxOutputBytes
	stdout := newCappedBuffer(capBytes)
	stderr := newCappedBuffer(capBytes)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)

	var violations []Violation
	if r.limits.MaxWallMs > 0 && elapsed.Milliseconds() > r.limits.MaxWallMs {
		violations = append(violations, Violation{
			Kind:   ViolationWallClock,
			Detail: formatMsDetail(elapsed.Milliseconds(), r.limits.MaxWallMs),
		})
	}
	if stdout.truncated || stderr.truncated {
		violations = append(violations, Violation{
			Kind:   ViolationOutput,
			Detail: formatBytesDetail(stdout.written+stderr.written, capBytes),
		})
	}

	result := &ExecResult{
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		Truncated: stdout.truncated || stderr.truncated,
	}

	if cmdCtx.Err() != nil {
		return result, violations, cmdCtx.Err()
	}
	if runErr != nil {
		if ee, ok := runErr.(*exec.ExitError); ok {
			result.ExitCode = ee.ExitCode()
			return result, violations, nil
		}
		return result, violations, runErr
	}

	return result, violations, nil
}

// buildEnv forwards only explicitly provided variables, minus any that
// look like secrets. The child never inherits the parent environment.
func buildEnv(extra map[string]string) []string {
	env := []string{"PATH=/usr/local/bin:/usr/bin:/bin", "LANG=C.UTF-8"}
	for k, v := range extra {
		key := strings.TrimSpace(k)
		if key == "" || isBlockedEnvKey(key) || strings.Contains(v, "\x00") {
			continue
		}
		env = append(env, key+"="+v)
	}
	return env
}

func isBlockedEnvKey(key string) bool {
	for _, pattern := range blockedEnvPatterns {
		if pattern.MatchString(key) {
			return true
		}
	}
	return false
}

// cappedBuffer keeps at most cap bytes and drops the rest.
type cappedBuffer struct {
	buf       bytes.Buffer
	cap       int64
	written   int64
	truncated bool
}

func newCappedBuffer(capBytes int64) *cappedBuffer {
	return &cappedBuffer{cap: capBytes}
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.written += int64(len(p))
	if b.cap <= 0 {
		return b.buf.Write(p)
	}

	remaining := b.cap - int64(b.buf.Len())
	if remaining <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if int64(len(p)) > remaining {
		b.truncated = true
		_, err := b.buf.Write(p[:remaining])
		return len(p), err
	}
	_, err := b.buf.Write(p)
	return len(p), err
}

func (b *cappedBuffer) String() string {
	return b.buf.String()
}

var _ io.Writer = (*cappedBuffer)(nil)
