// LockClaw - Secure local-first agent orchestration
// License: MIT
//
// Copyright (c) 2026 LockClaw contributors

// Package slack adapts Slack (Socket Mode inbound, Web API outbound)
// to the integrations contract. Socket Mode keeps the deployment
// local-first: no public HTTP endpoint is required for events.
package slack

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	goslack "github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/lockclaw/lockclaw/pkg/bus"
	"github.com/lockclaw/lockclaw/pkg/errs"
	"github.com/lockclaw/lockclaw/pkg/integrations"
	"github.com/lockclaw/lockclaw/pkg/logger"
)

type Adapter struct {
	api       *goslack.Client
	sm        *socketmode.Client
	cfg       *integrations.Config
	deps      integrations.Deps
	allow     map[string]struct{}
	botUserID string
	running   atomic.Bool
	cancel    context.CancelFunc
}

// New is the integrations.Factory for Slack.
func New() integrations.Adapter { return &Adapter{} }

func (a *Adapter) Platform() string { return "slack" }

func (a *Adapter) Init(cfg *integrations.Config, deps integrations.Deps) error {
	botToken := cfg.Settings["bot_token"]
	appToken := cfg.Settings["app_token"]
	if botToken == "" || appToken == "" {
		return errs.New(errs.CodeValidation, "slack integration requires settings.bot_token and settings.app_token")
	}

	a.api = goslack.New(botToken, goslack.OptionAppLevelToken(appToken))
	a.sm = socketmode.New(a.api)
	a.cfg = cfg
	a.deps = deps
	a.allow = parseAllowList(cfg.Settings["allow_from"])
	return nil
}

func (a *Adapter) Start(ctx context.Context) error {
	if a.running.Load() {
		return nil
	}

	auth, err := a.api.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack auth test: %w", err)
	}
	a.botUserID = auth.UserID

	runCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.running.Store(true)

	go a.eventLoop(runCtx)
	go func() {
		if err := a.sm.RunContext(runCtx); err != nil && runCtx.Err() == nil {
			logger.ErrorCF("slack", "socket mode exited", map[string]any{"error": err.Error()})
		}
		a.running.Store(false)
	}()

	logger.InfoCF("slack", "connected", map[string]any{
		"integration": a.cfg.ID,
		"bot_user":    auth.UserID,
	})
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
		return "", errs.New(errs.CodeConflict, "slack integration is not running")
	}

	opts := []goslack.MsgOption{goslack.MsgOptionText(text, false)}
	if ts := metadata["thread_ts"]; ts != "" {
		opts = append(opts, goslack.MsgOptionTS(ts))
	}
	_, ts, err := a.api.PostMessageContext(ctx, chatID, opts...)
	if err != nil {
		return "", fmt.Errorf("chat.postMessage failed: %w", err)
	}
	return ts, nil
}

func (a *Adapter) IsHealthy() bool { return a.running.Load() }

func (a *Adapter) TestConnection(ctx context.Context) (bool, string) {
	auth, err := a.api.AuthTestContext(ctx)
	if err != nil {
		return false, err.Error()
	}
	return true, "connected as " + auth.User
}

// PlatformRateLimit reflects chat.postMessage's per-channel ceiling.
func (a *Adapter) PlatformRateLimit() int { return 1 }

func (a *Adapter) eventLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-a.sm.Events:
			if !ok {
				return
			}
			switch evt.Type {
			case socketmode.EventTypeEventsAPI:
				apiEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
				if !ok {
					continue
				}
				if evt.Request != nil {
					a.sm.Ack(*evt.Request)
				}
				a.handleEventsAPI(apiEvent)
			case socketmode.EventTypeConnectionError:
				logger.WarnCF("slack", "connection error", map[string]any{
					"integration": a.cfg.ID,
				})
			}
		}
	}
}

func (a *Adapter) handleEventsAPI(apiEvent slackevents.EventsAPIEvent) {
	if apiEvent.Type != slackevents.CallbackEvent {
		return
	}
	ev, ok := apiEvent.InnerEvent.Data.(*slackevents.MessageEvent)
	if !ok {
		return
	}
	// Echoes and other bot traffic are dropped; edits and joins carry
	// a subtype and are not user text.
	if ev.BotID != "" || ev.User == "" || ev.User == a.botUserID || ev.SubType != "" {
		return
	}
	if len(a.allow) > 0 {
		if _, ok := a.allow[ev.User]; !ok {
			logger.DebugCF("slack", "sender not in allow list", map[string]any{
				"sender": ev.User,
			})
			return
		}
	}
	if ev.Text == "" {
		return
	}

	a.deps.OnMessage(bus.UnifiedMessage{
		Platform:  "slack",
		ChatID:    ev.Channel,
		SenderID:  ev.User,
		Content:   ev.Text,
		Timestamp: parseSlackTimestamp(ev.TimeStamp),
		Metadata: map[string]string{
			"ts":        ev.TimeStamp,
			"thread_ts": ev.ThreadTimeStamp,
		},
	})
}

// parseSlackTimestamp converts Slack's "seconds.fraction" ts strings.
// A zero time is returned on malformed input; the manager stamps the
// receive time in that case.
func parseSlackTimestamp(ts string) time.Time {
	secs, _, _ := strings.Cut(ts, ".")
	n, err := strconv.ParseInt(secs, 10, 64)
	if err != nil || n <= 0 {
		return time.Time{}
	}
	return time.Unix(n, 0).UTC()
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
