// LockClaw - Secure local-first agent orchestration
// License: MIT
//
// Copyright (c) 2026 LockClaw contributors

// Package discord adapts a Discord bot session to the integrations
// contract.
package discord

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/lockclaw/lockclaw/pkg/bus"
	"github.com/lockclaw/lockclaw/pkg/errs"
	"github.com/lockclaw/lockclaw/pkg/integrations"
	"github.com/lockclaw/lockclaw/pkg/logger"
)

type Adapter struct {
	session *discordgo.Session
	cfg     *integrations.Config
	deps    integrations.Deps
	allow   map[string]struct{}
	running atomic.Bool
}

// New is the integrations.Factory for Discord.
func New() integrations.Adapter { return &Adapter{} }

func (a *Adapter) Platform() string { return "discord" }

func (a *Adapter) Init(cfg *integrations.Config, deps integrations.Deps) error {
	token := cfg.Settings["token"]
	if token == "" {
		return errs.New(errs.CodeValidation, "discord integration requires settings.token")
	}

	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return errs.Wrap(errs.CodeValidation, "create discord session", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentMessageContent

	a.session = session
	a.cfg = cfg
	a.deps = deps
	a.allow = parseAllowList(cfg.Settings["allow_from"])
	return nil
}

func (a *Adapter) Start(ctx context.Context) error {
	if a.running.Load() {
		return nil
	}

	a.session.AddHandler(a.handleMessage)
	if err := a.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}
	a.running.Store(true)

	if user := a.session.State.User; user != nil {
		logger.InfoCF("discord", "connected", map[string]any{
			"integration": a.cfg.ID,
			"username":    user.Username,
		})
	}
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	if !a.running.Load() {
		return nil
	}
	a.running.Store(false)
	return a.session.Close()
}

func (a *Adapter) SendMessage(ctx context.Context, chatID, text string, metadata map[string]string) (string, error) {
	if !a.running.Load() {
		return "", errs.New(errs.CodeConflict, "discord integration is not running")
	}
	if chatID == "" {
		return "", errs.New(errs.CodeValidation, "discord channel id is required")
	}

	msg, err := a.session.ChannelMessageSend(chatID, text, discordgo.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("discord send: %w", err)
	}
	return msg.ID, nil
}

func (a *Adapter) IsHealthy() bool {
	return a.running.Load() && a.session.HeartbeatLatency() < 5*time.Minute
}

func (a *Adapter) TestConnection(ctx context.Context) (bool, string) {
	user, err := a.session.User("@me", discordgo.WithContext(ctx))
	if err != nil {
		return false, err.Error()
	}
	return true, "connected as " + user.Username
}

// PlatformRateLimit reflects Discord's per-channel message ceiling.
func (a *Adapter) PlatformRateLimit() int { return 5 }

func (a *Adapter) handleMessage(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m == nil || m.Author == nil {
		return
	}
	// Skip our own messages.
	if s.State.User != nil && m.Author.ID == s.State.User.ID {
		return
	}
	if m.Author.Bot {
		return
	}
	if len(a.allow) > 0 {
		if _, ok := a.allow[m.Author.ID]; !ok {
			if _, ok := a.allow[m.Author.Username]; !ok {
				logger.DebugCF("discord", "sender not in allow list", map[string]any{
					"sender": m.Author.ID,
				})
				return
			}
		}
	}
	if m.Content == "" {
		return
	}

	a.deps.OnMessage(bus.UnifiedMessage{
		Platform:   "discord",
		ChatID:     m.ChannelID,
		SenderID:   m.Author.ID,
		SenderName: m.Author.Username,
		Content:    m.Content,
		Timestamp:  m.Timestamp.UTC(),
		Metadata: map[string]string{
			"message_id": m.ID,
			"guild_id":   m.GuildID,
		},
	})
}

func parseAllowList(csv string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, part := range strings.Split(csv, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out[part] = struct{}{}
		}
	}
	return out
}
