// LockClaw - Secure local-first agent orchestration
// License: MIT
//
// Copyright (c) 2026 LockClaw contributors

// Package integrations manages platform adapters (Telegram, Discord,
// Slack) behind one lifecycle: persisted configs, health-checked
// connections with bounded reconnects, and rate-limited sends.
package integrations

import (
	"context"
	"time"

	"github.com/lockclaw/lockclaw/pkg/bus"
)

// Status is the persisted connection state of an integration.
type Status string

const (
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusError        Status = "error"
)

// Config is one integration row. Settings hold platform credentials
// and options as opaque strings; adapters validate them in Init.
type Config struct {
	ID        string            `json:"id"`
	Platform  string            `json:"platform"`
	Name      string            `json:"name"`
	Enabled   bool              `json:"enabled"`
	Settings  map[string]string `json:"settings"`
	Status    Status            `json:"status"`
	LastError string            `json:"lastError,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

// Deps is what the manager hands each adapter at Init. OnMessage
// receives normalised inbound messages; adapters must drop echo
// messages (authored by the bot account) before calling it.
type Deps struct {
	OnMessage func(bus.UnifiedMessage)
}

// Adapter is the per-platform contract. Start may use ctx to bound
// its startup calls but must not tie background work to it; the
// adapter owns its own lifetime until Stop. Start and Stop are
// idempotent.
type Adapter interface {
	Platform() string
	Init(cfg *Config, deps Deps) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	// SendMessage returns the platform's message id, or "" when the
	// platform does not assign one.
	SendMessage(ctx context.Context, chatID, text string, metadata map[string]string) (string, error)
	IsHealthy() bool
}

// ConnectionTester is implemented by adapters that can probe their
// platform without side effects.
type ConnectionTester interface {
	TestConnection(ctx context.Context) (bool, string)
}

// RateLimitProvider lets an adapter declare its platform send ceiling
// in messages per second. Absent, the manager falls back to platform
// defaults, then the configured global default.
type RateLimitProvider interface {
	PlatformRateLimit() int
}

// Factory builds a fresh, uninitialised adapter. Each (re)start gets
// a new instance so stale connection state cannot leak across runs.
type Factory func() Adapter

// Message is one persisted inbound or outbound platform message.
type Message struct {
	ID                string    `json:"id"`
	IntegrationID     string    `json:"integrationId"`
	Platform          string    `json:"platform"`
	Direction         string    `json:"direction"`
	ChatID            string    `json:"chatId"`
	SenderID          string    `json:"senderId,omitempty"`
	Content           string    `json:"content"`
	PlatformMessageID string    `json:"platformMessageId,omitempty"`
	CreatedAt         time.Time `json:"createdAt"`
}

const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)
