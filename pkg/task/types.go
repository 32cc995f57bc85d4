// LockClaw - Secure local-first agent orchestration
// License: MIT
//
// Copyright (c) 2026 LockClaw contributors

package task

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// Status is a task lifecycle state. All transitions out of running are
// terminal; there is no re-entry.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
	StatusCancelled Status = "cancelled"
)

func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimeout, StatusCancelled:
		return true
	}
	return false
}

// SecurityContext snapshots the acting caller at submission time.
type SecurityContext struct {
	UserID      string   `json:"userId"`
	Role        string   `json:"role"`
	Permissions []string `json:"permissions,omitempty"`
	IP          string   `json:"ip,omitempty"`
	UserAgent   string   `json:"userAgent,omitempty"`
}

// ErrorInfo describes a failed outcome.
type ErrorInfo struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
}

// Result is the structured task outcome. Only the output hash is
// retained; the output itself is never persisted.
type Result struct {
	Success    bool       `json:"success"`
	OutputHash string     `json:"outputHash,omitempty"`
	Error      *ErrorInfo `json:"error,omitempty"`
}

// ResourceUsage accounts for what an execution consumed.
type ResourceUsage struct {
	TokensIn      int            `json:"tokensIn"`
	TokensOut     int            `json:"tokensOut"`
	TokensTotal   int            `json:"tokensTotal"`
	TokensCached  int            `json:"tokensCached"`
	PeakMemoryMB  float64        `json:"peakMemoryMb"`
	CPUTimeMs     int64          `json:"cpuTimeMs"`
	NetworkBytes  int64          `json:"networkBytes"`
	ProviderCalls map[string]int `json:"providerCalls,omitempty"`
}

// ResourceReporter lets a handler attach resource accounting to its
// returned value. The executor merges it into the task row.
type ResourceReporter interface {
	TaskResources() *ResourceUsage
}

// Task is one unit of work.
type Task struct {
	ID            string          `json:"id"`
	CorrelationID string          `json:"correlationId,omitempty"`
	ParentID      string          `json:"parentId,omitempty"`
	Type          string          `json:"type"`
	Name          string          `json:"name"`
	Description   string          `json:"description,omitempty"`
	InputHash     string          `json:"inputHash"`
	Status        Status          `json:"status"`
	TimeoutMs     int64           `json:"timeoutMs"`
	Security      SecurityContext `json:"securityContext"`
	Result        *Result         `json:"result,omitempty"`
	Resources     *ResourceUsage  `json:"resources,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	StartedAt     *time.Time      `json:"startedAt,omitempty"`
	CompletedAt   *time.Time      `json:"completedAt,omitempty"`
	DurationMs    *int64          `json:"durationMs,omitempty"`
}

// CreateRequest is the submission payload.
type CreateRequest struct {
	Type          string         `json:"type"`
	Name          string         `json:"name"`
	Description   string         `json:"description,omitempty"`
	Input         map[string]any `json:"input,omitempty"`
	TimeoutMs     int64          `json:"timeoutMs,omitempty"`
	CorrelationID string         `json:"correlationId,omitempty"`
	ParentID      string         `json:"parentId,omitempty"`
}

// HashCanonical returns the lowercase hex SHA-256 of the canonical
// JSON encoding of v. encoding/json sorts map keys, so two maps with
// the same contents hash identically across persistence cycles.
func HashCanonical(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		data = []byte("null")
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
