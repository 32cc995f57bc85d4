// LockClaw - Secure local-first agent orchestration
// License: MIT
//
// Copyright (c) 2026 LockClaw contributors

package integrations

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/lockclaw/lockclaw/pkg/bus"
	"github.com/lockclaw/lockclaw/pkg/errs"
	"github.com/lockclaw/lockclaw/pkg/ids"
	"github.com/lockclaw/lockclaw/pkg/logger"
	"github.com/lockclaw/lockclaw/pkg/metrics"
)

const component = "integrations"

// platformDefaults are send ceilings (messages per second) applied
// when an adapter does not declare its own.
var platformDefaults = map[string]int{
	"telegram": 30,
	"discord":  5,
	"slack":    1,
}

type ManagerConfig struct {
	HealthCheckInterval time.Duration
	MaxRetries          int
	BaseDelay           time.Duration
	DefaultMaxPerSecond int
}

func (c ManagerConfig) withDefaults() ManagerConfig {
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = 30 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.DefaultMaxPerSecond <= 0 {
		c.DefaultMaxPerSecond = 30
	}
	return c
}

type entry struct {
	adapter   Adapter
	cfg       *Config
	limiter   *rate.Limiter
	startedAt time.Time
}

type reconnectState struct {
	platform    string
	retryCount  int
	nextRetryAt time.Time
}

// Manager owns integration lifecycles: start/stop, a periodic health
// loop with exponential-backoff reconnects, and rate-limited sends.
type Manager struct {
	cfg       ManagerConfig
	store     *ConfigStore
	messages  *MessageStore
	bus       *bus.MessageBus
	factories map[string]Factory

	mu         sync.RWMutex
	running    map[string]*entry
	reconnects map[string]*reconnectState
	loopCancel context.CancelFunc
}

func NewManager(cfg ManagerConfig, store *ConfigStore, messages *MessageStore, messageBus *bus.MessageBus) *Manager {
	return &Manager{
		cfg:        cfg.withDefaults(),
		store:      store,
		messages:   messages,
		bus:        messageBus,
		factories:  make(map[string]Factory),
		running:    make(map[string]*entry),
		reconnects: make(map[string]*reconnectState),
	}
}

// RegisterFactory wires a platform name to its adapter constructor.
// Registration happens at boot, before StartAll.
func (m *Manager) RegisterFactory(platform string, f Factory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.factories[platform] = f
}

// StartIntegration instantiates, initialises, and starts one
// integration by config id. Disabled or already-running rows are
// rejected.
func (m *Manager) StartIntegration(ctx context.Context, id string) error {
	cfg, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if !cfg.Enabled {
		return errs.Newf(errs.CodeConflict, "integration %s is disabled", cfg.Name)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.startLocked(ctx, cfg)
}

// startLocked does the factory/init/start dance. Callers hold m.mu.
func (m *Manager) startLocked(ctx context.Context, cfg *Config) error {
	if _, ok := m.running[cfg.ID]; ok {
		return errs.Newf(errs.CodeConflict, "integration %s is already running", cfg.Name)
	}
	factory, ok := m.factories[cfg.Platform]
	if !ok {
		err := errs.Newf(errs.CodeDependencyUnavailable, "no adapter registered for platform %q", cfg.Platform)
		m.persistStatus(cfg.ID, StatusError, errorText(err))
		return err
	}

	adapter := factory()
	deps := Deps{OnMessage: m.inboundFunc(cfg)}

	if err := adapter.Init(cfg, deps); err != nil {
		m.persistStatus(cfg.ID, StatusError, errorText(err))
		return err
	}
	if err := adapter.Start(ctx); err != nil {
		m.persistStatus(cfg.ID, StatusError, errorText(err))
		return err
	}

	m.running[cfg.ID] = &entry{
		adapter:   adapter,
		cfg:       cfg,
		limiter:   m.newLimiter(adapter, cfg.Platform),
		startedAt: time.Now().UTC(),
	}
	delete(m.reconnects, cfg.ID)
	m.persistStatus(cfg.ID, StatusConnected, "")
	metrics.IntegrationsConnected.WithLabelValues(cfg.Platform).Inc()

	logger.InfoCF(component, "integration started", map[string]any{
		"id": cfg.ID, "platform": cfg.Platform, "name": cfg.Name,
	})
	return nil
}

// StopIntegration stops the adapter best-effort and forgets its
// running state. Stopping a non-running integration only refreshes
// the persisted status.
func (m *Manager) StopIntegration(ctx context.Context, id string) error {
	cfg, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.stopLocked(ctx, id)
	m.mu.Unlock()

	m.persistStatus(id, StatusDisconnected, "")
	logger.InfoCF(component, "integration stopped", map[string]any{
		"id": id, "platform": cfg.Platform,
	})
	return nil
}

func (m *Manager) stopLocked(ctx context.Context, id string) {
	m.dropLocked(ctx, id)
	delete(m.reconnects, id)
}

// StartAll starts every enabled integration and the health loop.
// Individual start failures are logged, not fatal to the batch.
func (m *Manager) StartAll(ctx context.Context) error {
	configs, err := m.store.List(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}
		if err := m.startLocked(ctx, cfg); err != nil {
			logger.ErrorCF(component, "start integration", map[string]any{
				"id": cfg.ID, "platform": cfg.Platform, "error": err.Error(),
			})
		}
	}
	if m.loopCancel == nil {
		loopCtx, cancel := context.WithCancel(ctx)
		m.loopCancel = cancel
		go m.healthLoop(loopCtx)
	}
	m.mu.Unlock()
	return nil
}

// StopAll stops the health loop and every running integration.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	if m.loopCancel != nil {
		m.loopCancel()
		m.loopCancel = nil
	}
	stopped := make([]string, 0, len(m.running))
	for id := range m.running {
		stopped = append(stopped, id)
	}
	for _, id := range stopped {
		m.stopLocked(ctx, id)
	}
	m.mu.Unlock()

	for _, id := range stopped {
		m.persistStatus(id, StatusDisconnected, "")
	}
	return nil
}

func (m *Manager) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.checkHealth(ctx)
		}
	}
}

// checkHealth runs one health pass. Unhealthy integrations get up to
// MaxRetries stop/start attempts spaced by BaseDelay * 2^(n-1); after
// that the integration is dropped from the registry with a persisted
// error status, and stays down until an explicit StartIntegration.
func (m *Manager) checkHealth(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Unhealthy running entries enter the reconnect protocol. The
	// protocol map, not the running map, drives retries: a failed
	// restart leaves no running entry but the attempt counter must
	// survive.
	for id, e := range m.running {
		if e.adapter.IsHealthy() {
			delete(m.reconnects, id)
			continue
		}
		if _, ok := m.reconnects[id]; !ok {
			m.reconnects[id] = &reconnectState{platform: e.cfg.Platform}
		}
	}

	now := time.Now()
	for id, rs := range m.reconnects {
		if rs.retryCount >= m.cfg.MaxRetries {
			logger.ErrorCF(component, "reconnect retries exhausted", map[string]any{
				"id": id, "platform": rs.platform, "retries": rs.retryCount,
			})
			m.dropLocked(ctx, id)
			delete(m.reconnects, id)
			m.persistStatus(id, StatusError, "Max reconnect retries exceeded")
			continue
		}

		if now.Before(rs.nextRetryAt) {
			continue
		}

		rs.retryCount++
		rs.nextRetryAt = now.Add(m.cfg.BaseDelay * time.Duration(1<<(rs.retryCount-1)))
		metrics.IntegrationReconnects.WithLabelValues(rs.platform).Inc()
		logger.WarnCF(component, "integration unhealthy, reconnecting", map[string]any{
			"id": id, "platform": rs.platform, "attempt": rs.retryCount,
		})

		m.dropLocked(ctx, id)

		cfg, err := m.store.Get(ctx, id)
		if err != nil {
			logger.ErrorCF(component, "reconnect config load", map[string]any{"id": id, "error": err.Error()})
			continue
		}
		// Success clears the retry state inside startLocked. Failure
		// keeps it for the next pass; the error status is already
		// persisted.
		if err := m.startLocked(ctx, cfg); err != nil {
			logger.WarnCF(component, "reconnect failed", map[string]any{
				"id": id, "attempt": rs.retryCount, "error": err.Error(),
			})
		}
	}
}

// dropLocked stops and forgets a running entry, swallowing stop
// errors. Callers hold m.mu.
func (m *Manager) dropLocked(ctx context.Context, id string) {
	e, ok := m.running[id]
	if !ok {
		return
	}
	if err := e.adapter.Stop(ctx); err != nil {
		logger.WarnCF(component, "adapter stop", map[string]any{"id": id, "error": err.Error()})
	}
	delete(m.running, id)
	metrics.IntegrationsConnected.WithLabelValues(e.cfg.Platform).Dec()
}

// SendMessage delivers text through a running integration, enforcing
// the per-integration send ceiling, and persists the outbound row.
func (m *Manager) SendMessage(ctx context.Context, integrationID, chatID, text string, metadata map[string]string) (string, error) {
	m.mu.RLock()
	e, ok := m.running[integrationID]
	m.mu.RUnlock()
	if !ok {
		if _, err := m.store.Get(ctx, integrationID); err != nil {
			return "", err
		}
		return "", errs.Newf(errs.CodeConflict, "integration %s is not running", integrationID)
	}

	if !e.limiter.Allow() {
		return "", errs.RateLimited("integration send rate exceeded", 1)
	}

	platformMsgID, err := e.adapter.SendMessage(ctx, chatID, text, metadata)
	if err != nil {
		return "", errs.Wrap(errs.CodeExecutionError, "platform send failed", err)
	}

	if err := m.messages.Insert(ctx, &Message{
		ID:                ids.NewMessage(),
		IntegrationID:     integrationID,
		Platform:          e.cfg.Platform,
		Direction:         DirectionOutbound,
		ChatID:            chatID,
		Content:           text,
		PlatformMessageID: platformMsgID,
		CreatedAt:         time.Now().UTC(),
	}); err != nil {
		logger.WarnCF(component, "persist outbound message", map[string]any{
			"integration": integrationID, "error": err.Error(),
		})
	}
	metrics.MessagesTotal.WithLabelValues(e.cfg.Platform, DirectionOutbound).Inc()
	return platformMsgID, nil
}

// TestConnection probes the platform when the adapter supports it.
func (m *Manager) TestConnection(ctx context.Context, integrationID string) (bool, string, error) {
	m.mu.RLock()
	e, ok := m.running[integrationID]
	m.mu.RUnlock()
	if !ok {
		if _, err := m.store.Get(ctx, integrationID); err != nil {
			return false, "", err
		}
		return false, "integration is not running", nil
	}
	tester, ok := e.adapter.(ConnectionTester)
	if !ok {
		return e.adapter.IsHealthy(), "adapter does not support connection tests", nil
	}
	okRes, msg := tester.TestConnection(ctx)
	return okRes, msg, nil
}

// StatusInfo is the merged persisted + live view of one integration.
type StatusInfo struct {
	Config    *Config    `json:"config"`
	Running   bool       `json:"running"`
	Healthy   bool       `json:"healthy"`
	StartedAt *time.Time `json:"startedAt,omitempty"`
}

func (m *Manager) Statuses(ctx context.Context) ([]StatusInfo, error) {
	configs, err := m.store.List(ctx)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]StatusInfo, 0, len(configs))
	for _, cfg := range configs {
		info := StatusInfo{Config: cfg}
		if e, ok := m.running[cfg.ID]; ok {
			info.Running = true
			info.Healthy = e.adapter.IsHealthy()
			started := e.startedAt
			info.StartedAt = &started
		}
		out = append(out, info)
	}
	return out, nil
}

// Store exposes the config store for the gateway's CRUD surface.
func (m *Manager) Store() *ConfigStore { return m.store }

// Messages exposes the message store for the gateway.
func (m *Manager) Messages() *MessageStore { return m.messages }

func (m *Manager) newLimiter(adapter Adapter, platform string) *rate.Limiter {
	perSecond := 0
	if p, ok := adapter.(RateLimitProvider); ok {
		perSecond = p.PlatformRateLimit()
	}
	if perSecond <= 0 {
		perSecond = platformDefaults[platform]
	}
	if perSecond <= 0 {
		perSecond = m.cfg.DefaultMaxPerSecond
	}
	return rate.NewLimiter(rate.Limit(perSecond), perSecond)
}

// inboundFunc builds the OnMessage callback for one integration:
// stamp, persist, count, publish.
func (m *Manager) inboundFunc(cfg *Config) func(bus.UnifiedMessage) {
	integrationID := cfg.ID
	platform := cfg.Platform
	return func(msg bus.UnifiedMessage) {
		if msg.ID == "" {
			msg.ID = ids.NewMessage()
		}
		msg.IntegrationID = integrationID
		if msg.Platform == "" {
			msg.Platform = platform
		}
		if msg.Timestamp.IsZero() {
			msg.Timestamp = time.Now().UTC()
		}

		if err := m.messages.Insert(context.Background(), &Message{
			ID:            msg.ID,
			IntegrationID: integrationID,
			Platform:      msg.Platform,
			Direction:     DirectionInbound,
			ChatID:        msg.ChatID,
			SenderID:      msg.SenderID,
			Content:       msg.Content,
			CreatedAt:     msg.Timestamp,
		}); err != nil {
			logger.WarnCF(component, "persist inbound message", map[string]any{
				"integration": integrationID, "error": err.Error(),
			})
		}
		metrics.MessagesTotal.WithLabelValues(msg.Platform, DirectionInbound).Inc()
		if m.bus != nil {
			m.bus.PublishInbound(msg)
		}
	}
}

// errorText prefers the classified message but falls back to the raw
// error, so persisted status rows stay diagnosable.
func errorText(err error) string {
	if err == nil {
		return ""
	}
	if e, ok := errs.As(err); ok {
		return e.Message
	}
	return err.Error()
}

func (m *Manager) persistStatus(id string, status Status, lastError string) {
	if err := m.store.UpdateStatus(context.Background(), id, status, lastError); err != nil {
		logger.WarnCF(component, "persist status", map[string]any{
			"id": id, "status": string(status), "error": err.Error(),
		})
	}
}
