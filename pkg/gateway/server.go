// LockClaw - Secure local-first agent orchestration
// License: MIT
//
// Copyright (c) 2026 LockClaw contributors

// Package gateway exposes the platform over HTTP and WebSocket. The
// surface is local-first: the listener refuses publicly routable bind
// addresses and every request is re-checked against the peer address,
// so even a misconfigured 0.0.0.0 bind never serves a public client.
package gateway

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/lockclaw/lockclaw/pkg/audit"
	"github.com/lockclaw/lockclaw/pkg/config"
	"github.com/lockclaw/lockclaw/pkg/integrations"
	"github.com/lockclaw/lockclaw/pkg/logger"
	"github.com/lockclaw/lockclaw/pkg/metrics"
	"github.com/lockclaw/lockclaw/pkg/rbac"
	"github.com/lockclaw/lockclaw/pkg/subagent"
	"github.com/lockclaw/lockclaw/pkg/swarm"
	"github.com/lockclaw/lockclaw/pkg/task"
)

// apiVersion is reported by the health endpoint; main sets it at boot.
var apiVersion = "dev"

// SetVersion sets the version string returned by the health endpoint.
func SetVersion(v string) {
	apiVersion = v
}

// Deps wires the gateway's collaborators. Executor, Chain, and RBAC
// are required; nil optional deps disable their routes with 503.
type Deps struct {
	Executor     *task.Executor
	Swarms       *swarm.Manager
	Chain        *audit.Chain
	RBAC         *rbac.Engine
	Profiles     *subagent.ProfileStore
	Delegations  *subagent.DelegationStore
	Integrations *integrations.Manager
}

// Server is the gateway HTTP server.
type Server struct {
	cfg       config.GatewayConfig
	deps      Deps
	auth      *authenticator
	hub       *Hub
	server    *http.Server
	startedAt time.Time
	useTLS    bool
}

// NewServer validates the bind address and token table and builds the
// route tree. Start must be called before the server accepts traffic.
func NewServer(cfg config.GatewayConfig, deps Deps) (*Server, error) {
	if err := validateBindHost(cfg.Host); err != nil {
		return nil, err
	}
	if deps.Executor == nil || deps.Chain == nil || deps.RBAC == nil {
		return nil, fmt.Errorf("gateway requires executor, audit chain, and rbac engine")
	}

	auth, err := newAuthenticator(cfg)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:       cfg,
		deps:      deps,
		auth:      auth,
		startedAt: time.Now(),
		useTLS:    cfg.TLS.CertPath != "" && cfg.TLS.KeyPath != "",
	}
	s.hub = NewHub(HubConfig{}, deps.RBAC, deps.Chain, auth.authenticate, s.originAllowed)
	return s, nil
}

// Hub returns the WebSocket hub so other subsystems can broadcast.
func (s *Server) Hub() *Hub { return s.hub }

// Handler returns the full middleware chain over the route tree.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.routes()
	h = s.instrument(h)
	h = s.cors(h)
	h = s.securityHeaders(h)
	h = s.privateIngress(h)
	return h
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	// Public: liveness and Prometheus exposition. The ingress check
	// still applies, so "unauthenticated" never means "public network".
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())

	// WebSocket handshakes cannot carry an Authorization header, so the
	// hub authenticates the ?token= query parameter itself.
	mux.HandleFunc("GET /ws/metrics", s.hub.ServeWS)

	mux.HandleFunc("POST /api/v1/tasks", s.authed(rbac.ResourceTasks, "create", s.handleTaskSubmit))
	mux.HandleFunc("GET /api/v1/tasks", s.authed(rbac.ResourceTasks, "read", s.handleTaskList))
	mux.HandleFunc("GET /api/v1/tasks/{id}", s.authed(rbac.ResourceTasks, "read", s.handleTaskGet))
	mux.HandleFunc("PUT /api/v1/tasks/{id}", s.authed(rbac.ResourceTasks, "update", s.handleTaskUpdate))
	mux.HandleFunc("DELETE /api/v1/tasks/{id}", s.authed(rbac.ResourceTasks, "delete", s.handleTaskDelete))
	mux.HandleFunc("POST /api/v1/tasks/{id}/cancel", s.authedOnly(s.handleTaskCancel))

	mux.HandleFunc("GET /api/v1/swarms/templates", s.authed(rbac.ResourceSwarms, "read", s.handleTemplateList))
	mux.HandleFunc("GET /api/v1/swarms/templates/{id}", s.authed(rbac.ResourceSwarms, "read", s.handleTemplateGet))
	mux.HandleFunc("POST /api/v1/swarms/execute", s.authed(rbac.ResourceSwarms, "execute", s.handleSwarmExecute))
	mux.HandleFunc("POST /api/v1/swarms/estimate", s.authed(rbac.ResourceSwarms, "read", s.handleSwarmEstimate))
	mux.HandleFunc("GET /api/v1/swarms/runs", s.authed(rbac.ResourceSwarms, "read", s.handleRunList))
	mux.HandleFunc("GET /api/v1/swarms/runs/{id}", s.authed(rbac.ResourceSwarms, "read", s.handleRunGet))
	mux.HandleFunc("POST /api/v1/swarms/runs/{id}/cancel", s.authedOnly(s.handleSwarmCancel))

	mux.HandleFunc("GET /api/v1/audit", s.authed(rbac.ResourceAudit, "read", s.handleAuditQuery))
	mux.HandleFunc("POST /api/v1/audit/verify", s.authed(rbac.ResourceAudit, "read", s.handleAuditVerify))
	mux.HandleFunc("GET /api/v1/audit/stats", s.authed(rbac.ResourceAudit, "read", s.handleAuditStats))
	mux.HandleFunc("GET /api/v1/audit/export", s.authed(rbac.ResourceAudit, "read", s.handleAuditExport))
	mux.HandleFunc("POST /api/v1/audit/retention", s.authed(rbac.ResourceAudit, "retention", s.handleAuditRetention))

	mux.HandleFunc("GET /api/v1/security/events", s.authed(rbac.ResourceSecurity, "read", s.handleSecurityEvents))

	mux.HandleFunc("GET /api/v1/integrations", s.authed(rbac.ResourceIntegrations, "read", s.handleIntegrationList))
	mux.HandleFunc("POST /api/v1/integrations/{id}/start", s.authed(rbac.ResourceIntegrations, "manage", s.handleIntegrationStart))
	mux.HandleFunc("POST /api/v1/integrations/{id}/stop", s.authed(rbac.ResourceIntegrations, "manage", s.handleIntegrationStop))
	mux.HandleFunc("POST /api/v1/integrations/{id}/test", s.authed(rbac.ResourceIntegrations, "manage", s.handleIntegrationTest))
	mux.HandleFunc("POST /api/v1/integrations/{id}/send", s.authed(rbac.ResourceIntegrations, "send", s.handleIntegrationSend))

	mux.HandleFunc("GET /api/v1/profiles", s.authed(rbac.ResourceAgents, "read", s.handleProfileList))
	mux.HandleFunc("GET /api/v1/profiles/{id}", s.authed(rbac.ResourceAgents, "read", s.handleProfileGet))
	mux.HandleFunc("POST /api/v1/profiles", s.authed(rbac.ResourceAgents, "create", s.handleProfileCreate))
	mux.HandleFunc("PUT /api/v1/profiles/{id}", s.authed(rbac.ResourceAgents, "update", s.handleProfileUpdate))

	mux.HandleFunc("GET /api/v1/delegations", s.authed(rbac.ResourceAgents, "read", s.handleDelegationList))
	mux.HandleFunc("GET /api/v1/delegations/{id}", s.authed(rbac.ResourceAgents, "read", s.handleDelegationGet))

	return mux
}

// Start binds the listener and serves in the background. Bind and TLS
// errors are returned synchronously so startup can fail fast.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.bindHost(), s.cfg.Port)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("gateway listen %s: %w", addr, err)
	}

	if s.useTLS {
		tlsCfg, err := s.tlsConfig()
		if err != nil {
			ln.Close()
			return err
		}
		ln = tls.NewListener(ln, tlsCfg)
	}

	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.hub.Start()

	go func() {
		logger.InfoCF("gateway", "HTTP server listening", map[string]any{
			"addr": addr,
			"tls":  s.useTLS,
		})
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger.ErrorCF("gateway", "HTTP server error", map[string]any{"error": err.Error()})
		}
	}()

	return nil
}

// Stop closes WebSocket clients with code 1000 and drains HTTP.
func (s *Server) Stop(ctx context.Context) error {
	s.hub.Stop()
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) bindHost() string {
	if s.cfg.Host == "" {
		return "127.0.0.1"
	}
	return s.cfg.Host
}

// tlsConfig loads the server pair and, when a client CA is configured,
// requires verified client certificates (mTLS).
func (s *Server) tlsConfig() (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(s.cfg.TLS.CertPath, s.cfg.TLS.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("gateway.tls: load key pair: %w", err)
	}

	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	if s.cfg.TLS.CAPath != "" {
		pem, err := os.ReadFile(s.cfg.TLS.CAPath)
		if err != nil {
			return nil, fmt.Errorf("gateway.tls: read client CA: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("gateway.tls: no certificates in %s", s.cfg.TLS.CAPath)
		}
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}

	return cfg, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"version":       apiVersion,
		"uptimeSeconds": int64(time.Since(s.startedAt).Seconds()),
		"dependencies": map[string]bool{
			"executor":     s.deps.Executor != nil,
			"audit":        s.deps.Chain != nil,
			"swarms":       s.deps.Swarms != nil,
			"integrations": s.deps.Integrations != nil,
		},
	})
}
