// LockClaw - Secure local-first agent orchestration
// License: MIT
//
// Copyright (c) 2026 LockClaw contributors

// Package telegram adapts the Telegram Bot API (long polling) to the
// integrations contract.
package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/lockclaw/lockclaw/pkg/bus"
	"github.com/lockclaw/lockclaw/pkg/errs"
	"github.com/lockclaw/lockclaw/pkg/integrations"
	"github.com/lockclaw/lockclaw/pkg/logger"
)

const pollTimeoutSeconds = 30

type Adapter struct {
	bot     *telego.Bot
	cfg     *integrations.Config
	deps    integrations.Deps
	allow   map[string]struct{}
	running atomic.Bool
	cancel  context.CancelFunc
}

// New is the integrations.Factory for Telegram.
func New() integrations.Adapter { return &Adapter{} }

func (a *Adapter) Platform() string { return "telegram" }

func (a *Adapter) Init(cfg *integrations.Config, deps integrations.Deps) error {
	token := cfg.Settings["token"]
	if token == "" {
		return errs.New(errs.CodeValidation, "telegram integration requires settings.token")
	}

	bot, err := telego.NewBot(token, telego.WithDiscardLogger())
	if err != nil {
		return errs.Wrap(errs.CodeValidation, "create telegram bot", err)
	}

	a.bot = bot
	a.cfg = cfg
	a.deps = deps
	a.allow = parseAllowList(cfg.Settings["allow_from"])
	return nil
}

// Start begins long polling. The poll loop owns its own context so an
// expired start ctx cannot kill a healthy connection later.
func (a *Adapter) Start(ctx context.Context) error {
	if a.running.Load() {
		return nil
	}

	pollCtx, cancel := context.WithCancel(context.Background())
	updates, err := a.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout: pollTimeoutSeconds,
	})
	if err != nil {
		cancel()
		return fmt.Errorf("telegram long polling: %w", err)
	}

	a.cancel = cancel
	a.running.Store(true)
	logger.InfoCF("telegram", "connected", map[string]any{
		"integration": a.cfg.ID,
		"username":    a.bot.Username(),
	})

	go func() {
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					a.running.Store(false)
					logger.WarnC("telegram", "updates channel closed")
					return
				}
				if update.Message != nil {
					a.handleMessage(update.Message)
				}
			}
		}
	}()
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	a.running.Store(false)
	return nil
}

func (a *Adapter) SendMessage(ctx context.Context, chatID, text string, metadata map[string]string) (string, error) {
	if !a.running.Load() {
		return "", errs.New(errs.CodeConflict, "telegram integration is not running")
	}
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return "", errs.Newf(errs.CodeValidation, "invalid telegram chat id %q", chatID)
	}

	sent, err := a.bot.SendMessage(ctx, tu.Message(tu.ID(id), text))
	if err != nil {
		return "", fmt.Errorf("telegram send: %w", err)
	}
	return strconv.Itoa(sent.MessageID), nil
}

func (a *Adapter) IsHealthy() bool { return a.running.Load() }

func (a *Adapter) TestConnection(ctx context.Context) (bool, string) {
	me, err := a.bot.GetMe(ctx)
	if err != nil {
		return false, err.Error()
	}
	return true, "connected as @" + me.Username
}

// PlatformRateLimit is Telegram's documented bot ceiling.
func (a *Adapter) PlatformRateLimit() int { return 30 }

func (a *Adapter) handleMessage(message *telego.Message) {
	from := message.From
	if from == nil {
		return
	}
	// Bot-authored updates (echoes included) never reach the bus.
	if from.IsBot {
		return
	}

	senderID := strconv.FormatInt(from.ID, 10)
	if len(a.allow) > 0 {
		if _, ok := a.allow[senderID]; !ok {
			if _, ok := a.allow[from.Username]; !ok {
				logger.DebugCF("telegram", "sender not in allow list", map[string]any{
					"sender": senderID,
				})
				return
			}
		}
	}

	content := message.Text
	if content == "" {
		content = message.Caption
	}
	if content == "" {
		return
	}

	a.deps.OnMessage(bus.UnifiedMessage{
		Platform:   "telegram",
		ChatID:     strconv.FormatInt(message.Chat.ID, 10),
		SenderID:   senderID,
		SenderName: strings.TrimSpace(from.FirstName + " " + from.LastName),
		Content:    content,
		Timestamp:  time.Unix(message.Date, 0).UTC(),
		Metadata: map[string]string{
			"message_id": strconv.Itoa(message.MessageID),
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
