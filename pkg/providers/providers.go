// LockClaw - Secure local-first agent orchestration
// License: MIT
//
// Copyright (c) 2026 LockClaw contributors

// Package providers defines the LLM client contract the delegation
// engine consumes. Concrete vendor clients are plugged in by the
// embedding application; the platform itself never speaks a vendor
// protocol.
package providers

import (
	"context"
	"errors"
)

// ErrNotConfigured is returned by the placeholder client when no real
// LLM client has been wired in.
var ErrNotConfigured = errors.New("llm client not configured")

// Message is one turn of a conversation trace.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ToolCall is a tool invocation produced by the model. Disallowed
// calls are suppressed by the delegation engine, not by the client.
type ToolCall struct {
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// UsageInfo carries token accounting for a single invocation.
type UsageInfo struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
	CachedTokens     int `json:"cachedTokens,omitempty"`
}

// ChatRequest is the single-invocation contract: a system prompt, the
// task text, optional prior context, the allowed tool names, and the
// model plus token ceiling the caller resolved.
type ChatRequest struct {
	System    string   `json:"system,omitempty"`
	User      string   `json:"user"`
	Context   string   `json:"context,omitempty"`
	Tools     []string `json:"tools,omitempty"`
	Model     string   `json:"model"`
	MaxTokens int      `json:"maxTokens,omitempty"`
}

type ChatResponse struct {
	Content      string     `json:"content"`
	ToolCalls    []ToolCall `json:"toolCalls,omitempty"`
	FinishReason string     `json:"finishReason,omitempty"`
	Usage        UsageInfo  `json:"usage"`
}

// Client is implemented by whoever supplies model access.
type Client interface {
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	DefaultModel() string
}

// ClientFunc adapts a closure to Client. Used heavily in tests.
type ClientFunc func(ctx context.Context, req ChatRequest) (*ChatResponse, error)

func (f ClientFunc) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	return f(ctx, req)
}

func (f ClientFunc) DefaultModel() string { return "" }

// Unconfigured returns a Client whose every call fails with
// ErrNotConfigured. serve wires it when no real client is provided so
// delegation surfaces a dependency error instead of a nil panic.
func Unconfigured() Client {
	return unconfiguredClient{}
}

type unconfiguredClient struct{}

func (unconfiguredClient) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	return nil, ErrNotConfigured
}

func (unconfiguredClient) DefaultModel() string { return "" }
