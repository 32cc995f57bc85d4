// Package sandbox runs task closures under wall-clock, output-size,
// and allocation caps. The runner never kills work midway; it records
// violations and resource usage and leaves the verdict to the caller,
// which audits violations and decides whether the task fails.
package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"time"
)

// Violation kinds.
const (
	ViolationWallClock = "wall_clock"
	ViolationOutput    = "output_size"
	ViolationMemory    = "memory"
)

// Limits caps one execution. Zero values disable the corresponding cap.
type Limits struct {
	MaxWallMs      int64 `json:"maxWallMs"`
	MaxOutputBytes int64 `json:"maxOutputBytes"`
	MaxMemoryMB    int64 `json:"maxMemoryMb"`
}

// DefaultLimits returns the platform defaults.
func DefaultLimits() Limits {
	return Limits{
		MaxWallMs:      300_000,
		MaxOutputBytes: 1 << 20,
		MaxMemoryMB:    512,
	}
}

// Violation records one exceeded cap.
type Violation struct {
	Kind   string `json:"kind"`
	Detail string `json:"detail"`
}

// Usage reports what the execution consumed. AllocBytes counts heap
// allocation churn across the run, not peak residency.
type Usage struct {
	WallMs      int64 `json:"wallMs"`
	OutputBytes int64 `json:"outputBytes"`
	AllocBytes  int64 `json:"allocBytes"`
}

// Result is the outcome of one sandboxed run.
type Result struct {
	Value      any         `json:"value,omitempty"`
	Violations []Violation `json:"violations,omitempty"`
	Usage      Usage       `json:"usage"`
	Err        error       `json:"-"`
}

// Fn is the unit of work the sandbox runs. It must honour ctx.
type Fn func(ctx context.Context) (any, error)

// Runner executes closures under Limits.
type Runner struct {
	limits Limits
}

func NewRunner(limits Limits) *Runner {
	return &Runner{limits: limits}
}

func (r *Runner) Limits() Limits {
	return r.limits
}

// Run executes fn under the configured caps. When the wall-clock cap
// fires the derived context is cancelled and Run returns without
// waiting further; a non-cooperative fn goroutine is abandoned.
func (r *Runner) Run(ctx context.Context, fn Fn) *Result {
	runCtx := ctx
	var cancel context.CancelFunc
	if r.limits.MaxWallMs > 0 {
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(r.limits.MaxWallMs)*time.Millisecond)
		defer cancel()
	}

	var memBefore runtime.MemStats
	runtime.ReadMemStats(&memBefore)
	start := time.Now()

	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		v, err := fn(runCtx)
		done <- outcome{value: v, err: err}
	}()

	result := &Result{}
	var out outcome
	select {
	case out = <-done:
	case <-runCtx.Done():
		// Give a cooperative fn a moment to observe cancellation and
		// surface its own error.
		select {
		case out = <-done:
		case <-time.After(100 * time.Millisecond):
			out = outcome{err: context.Cause(runCtx)}
		}
	}

	elapsed := time.Since(start)
	var memAfter runtime.MemStats
	runtime.ReadMemStats(&memAfter)

	result.Value = out.value
	result.Err = out.err
	result.Usage.WallMs = elapsed.Milliseconds()
	result.Usage.AllocBytes = int64(memAfter.TotalAlloc - memBefore.TotalAlloc)
	result.Usage.OutputBytes = outputSize(out.value)

	// The cap counts as hit once the derived deadline fires, even when
	// millisecond truncation lands elapsed exactly on the limit. Parent
	// cancellation is not a violation.
	capHit := errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
	if r.limits.MaxWallMs > 0 && (capHit || result.Usage.WallMs > r.limits.MaxWallMs) {
		result.Violations = append(result.Violations, Violation{
			Kind:   ViolationWallClock,
			Detail: formatMsDetail(result.Usage.WallMs, r.limits.MaxWallMs),
		})
	}
	if r.limits.MaxOutputBytes > 0 && result.Usage.OutputBytes > r.limits.MaxOutputBytes {
		result.Violations = append(result.Violations, Violation{
			Kind:   ViolationOutput,
			Detail: formatBytesDetail(result.Usage.OutputBytes, r.limits.MaxOutputBytes),
		})
	}
	if r.limits.MaxMemoryMB > 0 && result.Usage.AllocBytes > r.limits.MaxMemoryMB*1024*1024 {
		result.Violations = append(result.Violations, Violation{
			Kind:   ViolationMemory,
			Detail: formatBytesDetail(result.Usage.AllocBytes, r.limits.MaxMemoryMB*1024*1024),
		})
	}

	return result
}

func outputSize(v any) int64 {
	switch out := v.(type) {
	case nil:
		return 0
	case string:
		return int64(len(out))
	case []byte:
		return int64(len(out))
	default:
		data, err := json.Marshal(out)
		if err != nil {
			return 0
		}
		return int64(len(data))
	}
}

func formatMsDetail(usedMs, capMs int64) string {
	return fmt.Sprintf("used %dms of %dms", usedMs, capMs)
}

func formatBytesDetail(used, limit int64) string {
	return fmt.Sprintf("used %d bytes of %d", used, limit)
}
