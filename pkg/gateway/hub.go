// LockClaw - Secure local-first agent orchestration
// License: MIT
//
// Copyright (c) 2026 LockClaw contributors

package gateway

import (
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/lockclaw/lockclaw/pkg/audit"
	"github.com/lockclaw/lockclaw/pkg/logger"
	"github.com/lockclaw/lockclaw/pkg/metrics"
	"github.com/lockclaw/lockclaw/pkg/rbac"
)

// Close code sent when the handshake token does not authenticate. The
// 4000-4999 range is reserved for application use.
const closeAuthFailure = 4401

const wsWriteWait = 10 * time.Second

// channelPerms maps every subscribable channel to the permission a
// client needs before the hub will deliver it.
var channelPerms = map[string]rbac.Ref{
	"metrics":  {Resource: rbac.ResourceMetrics, Action: "read"},
	"audit":    {Resource: rbac.ResourceAudit, Action: "read"},
	"tasks":    {Resource: rbac.ResourceTasks, Action: "read"},
	"security": {Resource: rbac.ResourceSecurity, Action: "read"},
}

// HubConfig tunes the hub's timers. Zero values take the defaults.
type HubConfig struct {
	PingInterval    time.Duration
	PongStaleAfter  time.Duration
	MetricsInterval time.Duration
	SendBuffer      int
}

func (c HubConfig) withDefaults() HubConfig {
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.PongStaleAfter <= 0 {
		c.PongStaleAfter = 60 * time.Second
	}
	if c.MetricsInterval <= 0 {
		c.MetricsInterval = 5 * time.Second
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 64
	}
	return c
}

// clientFrame is the inbound protocol: subscribe and unsubscribe.
type clientFrame struct {
	Type    string `json:"type"`
	Payload struct {
		Channels []string `json:"channels"`
	} `json:"payload"`
}

type updateFrame struct {
	Type      string    `json:"type"`
	Channel   string    `json:"channel"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
	Sequence  uint64    `json:"sequence"`
}

type ackFrame struct {
	Type    string     `json:"type"`
	Channel string     `json:"channel"`
	Payload ackPayload `json:"payload"`
}

type ackPayload struct {
	Subscribed []string `json:"subscribed"`
}

// wsClient is one connected subscriber. Writes go through the buffered
// send channel so a single slow client never blocks fanout, and frames
// to one client are always delivered in enqueue order.
type wsClient struct {
	id       string
	conn     *websocket.Conn
	identity Identity
	send     chan []byte
	lastPong atomic.Int64 // unix nanos

	mu       sync.Mutex
	channels map[string]struct{}
}

func (c *wsClient) subscribed(channel string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.channels[channel]
	return ok
}

func (c *wsClient) channelList() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.channels))
	for ch := range c.channels {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}

// Hub runs the /ws/metrics endpoint: per-client channel subscriptions
// gated by RBAC, ordered per-client delivery, heartbeat staleness
// eviction, and the periodic change-gated metrics broadcast.
type Hub struct {
	cfg      HubConfig
	authz    *rbac.Engine
	chain    *audit.Chain
	authFn   func(token string) (Identity, bool)
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*wsClient

	seq atomic.Uint64

	// lastMetrics is only touched by the metrics loop (and direct test
	// calls), never concurrently.
	lastMetrics string

	done     chan struct{}
	stopOnce sync.Once
}

func NewHub(cfg HubConfig, authz *rbac.Engine, chain *audit.Chain, authFn func(string) (Identity, bool), checkOrigin func(*http.Request) bool) *Hub {
	return &Hub{
		cfg:    cfg.withDefaults(),
		authz:  authz,
		chain:  chain,
		authFn: authFn,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
		clients: make(map[string]*wsClient),
		done:    make(chan struct{}),
	}
}

// Start launches the heartbeat and metrics tickers.
func (h *Hub) Start() {
	go h.run()
}

// Stop closes every client with code 1000 and halts the tickers. The
// close frames go out before done is closed so the write pumps cannot
// tear the connections down first.
func (h *Hub) Stop() {
	h.mu.RLock()
	clients := make([]*wsClient, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "server shutting down"),
			time.Now().Add(wsWriteWait),
		)
	}

	h.stopOnce.Do(func() { close(h.done) })

	for _, c := range clients {
		h.remove(c)
	}
}

// ServeWS upgrades the connection and authenticates the ?token= query
// parameter. The handshake has no header injection path, so the token
// rides the URL; failures close with 4401 after the upgrade so the
// client sees a close code rather than a dropped socket.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.WarnCF("gateway", "WebSocket upgrade failed", map[string]any{"error": err.Error()})
		return
	}

	id, ok := h.authFn(r.URL.Query().Get("token"))
	if !ok {
		if _, aerr := h.chain.Record(r.Context(), audit.Entry{
			Level:    audit.LevelWarn,
			Event:    audit.EventAuthFailure,
			Message:  "websocket token rejected",
			Metadata: map[string]any{"transport": "websocket"},
		}); aerr != nil {
			logger.ErrorCF("gateway", "Failed to audit websocket auth failure", map[string]any{"error": aerr.Error()})
		}
		conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(closeAuthFailure, "authentication failed"),
			time.Now().Add(wsWriteWait),
		)
		conn.Close()
		return
	}

	c := &wsClient{
		id:       uuid.NewString(),
		conn:     conn,
		identity: id,
		send:     make(chan []byte, h.cfg.SendBuffer),
		channels: make(map[string]struct{}),
	}
	c.lastPong.Store(time.Now().UnixNano())
	conn.SetPongHandler(func(string) error {
		c.lastPong.Store(time.Now().UnixNano())
		return nil
	})

	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
	metrics.WSClients.Inc()

	logger.DebugCF("gateway", "WebSocket client connected", map[string]any{
		"client": c.id,
		"user":   id.UserID,
		"role":   id.Role,
	})

	go h.writePump(c)
	go h.readPump(c)
}

func (h *Hub) readPump(c *wsClient) {
	defer h.remove(c)
	c.conn.SetReadLimit(64 << 10)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.DebugCF("gateway", "WebSocket read error", map[string]any{
					"client": c.id,
					"error":  err.Error(),
				})
			}
			return
		}

		var f clientFrame
		if err := json.Unmarshal(data, &f); err != nil {
			logger.DebugCF("gateway", "Invalid WebSocket frame", map[string]any{"client": c.id})
			continue
		}

		switch f.Type {
		case "subscribe":
			h.subscribe(c, f.Payload.Channels)
		case "unsubscribe":
			h.unsubscribe(c, f.Payload.Channels)
		}
	}
}

func (h *Hub) writePump(c *wsClient) {
	defer c.conn.Close()
	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				logger.DebugCF("gateway", "WebSocket write failed", map[string]any{
					"client": c.id,
					"error":  err.Error(),
				})
				return
			}
		case <-h.done:
			return
		}
	}
}

// subscribe adds the channels the client is allowed to read. Unknown
// channels and channels the role cannot read are silently dropped; the
// ack reflects the resulting subscription set.
func (h *Hub) subscribe(c *wsClient, channels []string) {
	for _, ch := range channels {
		ref, known := channelPerms[ch]
		if !known {
			continue
		}
		decision := h.authz.CheckPermission(c.identity.Role, rbac.Request{
			Resource: ref.Resource,
			Action:   ref.Action,
			Context:  map[string]any{"userId": c.identity.UserID},
		}, c.identity.UserID)
		if !decision.Granted {
			continue
		}
		c.mu.Lock()
		c.channels[ch] = struct{}{}
		c.mu.Unlock()
	}

	ack := ackFrame{Type: "ack", Channel: "system"}
	ack.Payload.Subscribed = c.channelList()
	data, err := json.Marshal(ack)
	if err != nil {
		return
	}
	h.enqueue(c, "system", data)
}

func (h *Hub) unsubscribe(c *wsClient, channels []string) {
	c.mu.Lock()
	for _, ch := range channels {
		delete(c.channels, ch)
	}
	c.mu.Unlock()
}

// Broadcast fans a payload out to every open client subscribed to the
// channel. Delivery is ordered per client; a client whose queue is full
// loses the frame with a log line rather than stalling the others.
func (h *Hub) Broadcast(channel string, payload any) {
	frame := updateFrame{
		Type:      "update",
		Channel:   channel,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
		Sequence:  h.seq.Add(1),
	}
	data, err := json.Marshal(frame)
	if err != nil {
		logger.WarnCF("gateway", "Broadcast marshal failed", map[string]any{
			"channel": channel,
			"error":   err.Error(),
		})
		return
	}

	h.mu.RLock()
	for _, c := range h.clients {
		if c.subscribed(channel) {
			h.enqueueLocked(c, channel, data)
		}
	}
	h.mu.RUnlock()

	metrics.WSBroadcasts.WithLabelValues(channel).Inc()
}

// enqueue delivers one frame to one client under the read lock, which
// excludes the remove path's close of the send channel.
func (h *Hub) enqueue(c *wsClient, channel string, data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.clients[c.id]; !ok {
		return
	}
	h.enqueueLocked(c, channel, data)
}

func (h *Hub) enqueueLocked(c *wsClient, channel string, data []byte) {
	select {
	case c.send <- data:
	default:
		logger.WarnCF("gateway", "Dropping frame for slow client", map[string]any{
			"client":  c.id,
			"channel": channel,
		})
	}
}

// SubscriberCount reports clients currently subscribed to a channel.
func (h *Hub) SubscriberCount(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, c := range h.clients {
		if c.subscribed(channel) {
			n++
		}
	}
	return n
}

func (h *Hub) remove(c *wsClient) {
	h.mu.Lock()
	_, present := h.clients[c.id]
	if present {
		delete(h.clients, c.id)
		close(c.send)
		metrics.WSClients.Dec()
	}
	h.mu.Unlock()

	c.conn.Close()
	if present {
		logger.DebugCF("gateway", "WebSocket client removed", map[string]any{"client": c.id})
	}
}

func (h *Hub) run() {
	ping := time.NewTicker(h.cfg.PingInterval)
	metricsTick := time.NewTicker(h.cfg.MetricsInterval)
	defer ping.Stop()
	defer metricsTick.Stop()

	for {
		select {
		case <-h.done:
			return
		case <-ping.C:
			h.heartbeat()
		case <-metricsTick.C:
			h.broadcastMetrics()
		}
	}
}

// heartbeat pings every client and terminates the ones whose last pong
// is older than the staleness ceiling.
func (h *Hub) heartbeat() {
	h.mu.RLock()
	clients := make([]*wsClient, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	now := time.Now()
	for _, c := range clients {
		if now.Sub(time.Unix(0, c.lastPong.Load())) > h.cfg.PongStaleAfter {
			logger.InfoCF("gateway", "Terminating stale WebSocket client", map[string]any{
				"client": c.id,
			})
			h.remove(c)
			continue
		}
		// WriteControl is safe alongside the writePump.
		c.conn.WriteControl(websocket.PingMessage, nil, now.Add(wsWriteWait))
	}
}

// broadcastMetrics pushes the platform metric snapshot to the metrics
// channel. The broadcast is skipped when nobody subscribes or when the
// serialised payload matches the previous one.
func (h *Hub) broadcastMetrics() {
	if h.SubscriberCount("metrics") == 0 {
		return
	}

	snap, err := metrics.Snapshot()
	if err != nil {
		logger.WarnCF("gateway", "Metrics snapshot failed", map[string]any{"error": err.Error()})
		return
	}
	// The hub's own series move on every broadcast; keeping them in the
	// payload would defeat the change gate.
	for key := range snap {
		if strings.HasPrefix(key, "lockclaw_ws_") {
			delete(snap, key)
		}
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return
	}
	if string(data) == h.lastMetrics {
		return
	}
	h.lastMetrics = string(data)

	h.Broadcast("metrics", snap)
}
