package gateway

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/lockclaw/lockclaw/pkg/audit"
	"github.com/lockclaw/lockclaw/pkg/config"
	"github.com/lockclaw/lockclaw/pkg/errs"
	"github.com/lockclaw/lockclaw/pkg/logger"
	"github.com/lockclaw/lockclaw/pkg/metrics"
	"github.com/lockclaw/lockclaw/pkg/rbac"
)

// Identity is the authenticated caller attached to the request context.
type Identity struct {
	UserID string
	Role   string
}

type ctxKey int

const identityKey ctxKey = iota

func identityFrom(ctx context.Context) Identity {
	id, _ := ctx.Value(identityKey).(Identity)
	return id
}

// authenticator resolves bearer tokens to identities. The static token
// grants the admin role; scoped tokens carry their own user and role.
type authenticator struct {
	adminToken string
	scoped     map[string]Identity
}

func newAuthenticator(cfg config.GatewayConfig) (*authenticator, error) {
	a := &authenticator{
		adminToken: cfg.AuthToken,
		scoped:     make(map[string]Identity, len(cfg.Tokens)),
	}
	for token, pair := range cfg.Tokens {
		user, role, ok := strings.Cut(pair, ":")
		if !ok || user == "" || role == "" {
			return nil, fmt.Errorf("gateway.tokens: %q must be \"user:role\"", pair)
		}
		a.scoped[token] = Identity{UserID: user, Role: role}
	}
	return a, nil
}

// authenticate compares the presented token against every known token
// in constant time, so response timing never narrows the search space.
func (a *authenticator) authenticate(token string) (Identity, bool) {
	if token == "" {
		return Identity{}, false
	}

	var id Identity
	ok := false
	if a.adminToken != "" && subtle.ConstantTimeCompare([]byte(token), []byte(a.adminToken)) == 1 {
		id = Identity{UserID: "admin", Role: rbac.RoleAdmin}
		ok = true
	}
	for candidate, scoped := range a.scoped {
		if subtle.ConstantTimeCompare([]byte(token), []byte(candidate)) == 1 && !ok {
			id = scoped
			ok = true
		}
	}
	return id, ok
}

// privateIngress rejects peers outside loopback, RFC 1918, link-local,
// and unique-local space. The bind address is already constrained, but
// an unspecified bind (0.0.0.0) would otherwise serve anyone.
func (s *Server) privateIngress(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		if !isPrivateClient(host) {
			logger.WarnCF("gateway", "Rejected non-private client", map[string]any{
				"remote": r.RemoteAddr,
				"path":   r.URL.Path,
			})
			writeError(w, errs.New(errs.CodePermissionDenied, "gateway only serves loopback and private networks"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// isPrivateClient reports whether host is an IP inside loopback or
// private address space. Non-IP values fail closed.
func isPrivateClient(host string) bool {
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast()
}

// validateBindHost refuses publicly routable listen addresses. An
// unspecified address is allowed because the per-request ingress check
// still guards every peer.
func validateBindHost(host string) error {
	if host == "" || host == "localhost" {
		return nil
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return fmt.Errorf("gateway.host: %q is not an IP address or localhost", host)
	}
	if ip.IsUnspecified() || isPrivateClient(host) {
		return nil
	}
	return fmt.Errorf("gateway.host: %s is publicly routable; bind a loopback or private address", host)
}

func (s *Server) securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Permissions-Policy", "geolocation=(), microphone=(), camera=()")
		if s.useTLS {
			h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		next.ServeHTTP(w, r)
	})
}

// cors honours the configured origin allow-list. A wildcard entry
// answers with "*" and never with credentials; exact matches echo the
// origin and may carry credentials.
func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			switch {
			case s.wildcardOrigin():
				w.Header().Set("Access-Control-Allow-Origin", "*")
			case s.originAllowedValue(origin):
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Credentials", "true")
				w.Header().Add("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) wildcardOrigin() bool {
	for _, o := range s.cfg.AllowedOrigins {
		if o == "*" {
			return true
		}
	}
	return false
}

func (s *Server) originAllowedValue(origin string) bool {
	for _, o := range s.cfg.AllowedOrigins {
		if o == origin {
			return true
		}
	}
	return false
}

// originAllowed is the WebSocket handshake origin check. Non-browser
// clients send no Origin header and pass.
func (s *Server) originAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return s.wildcardOrigin() || s.originAllowedValue(origin)
}

// statusRecorder captures the response code for request metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Upgraded connections need the raw ResponseWriter (Hijacker).
		if strings.HasPrefix(r.URL.Path, "/ws/") {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)

		metrics.APIRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(rec.status)).Inc()
		metrics.APIRequestDuration.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
	})
}

// authed wraps a handler with bearer authentication and a route-level
// permission check.
func (s *Server) authed(resource, action string, h http.HandlerFunc) http.HandlerFunc {
	return s.authedOnly(func(w http.ResponseWriter, r *http.Request) {
		if !s.authorize(w, r, resource, action, nil) {
			return
		}
		h(w, r)
	})
}

// authedOnly wraps a handler with bearer authentication alone; the
// handler performs its own permission check with entity context.
func (s *Server) authedOnly(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, err := bearerToken(r)
		if err != nil {
			writeError(w, err)
			return
		}

		id, ok := s.auth.authenticate(token)
		if !ok {
			if _, aerr := s.deps.Chain.Record(r.Context(), audit.Entry{
				Level:   audit.LevelWarn,
				Event:   audit.EventAuthFailure,
				Message: "invalid bearer token",
				Metadata: map[string]any{
					"path":   r.URL.Path,
					"method": r.Method,
				},
			}); aerr != nil {
				writeError(w, fmt.Errorf("audit auth failure: %w", aerr))
				return
			}
			writeError(w, errs.New(errs.CodePermissionDenied, "invalid token"))
			return
		}

		h(w, r.WithContext(context.WithValue(r.Context(), identityKey, id)))
	}
}

func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", errs.New(errs.CodePermissionDenied, "missing Authorization header")
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", errs.New(errs.CodePermissionDenied, "invalid Authorization format")
	}
	return header[len(prefix):], nil
}

// authorize runs the RBAC hook for the authenticated caller. Denials
// are audited; a failed audit write fails the request because an
// unrecorded denial must not be acknowledged.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request, resource, action string, extra map[string]any) bool {
	id := identityFrom(r.Context())

	reqCtx := map[string]any{"userId": id.UserID}
	for k, v := range extra {
		reqCtx[k] = v
	}

	decision := s.deps.RBAC.CheckPermission(id.Role, rbac.Request{
		Resource: resource,
		Action:   action,
		Context:  reqCtx,
	}, id.UserID)
	if decision.Granted {
		return true
	}

	metrics.PermissionDenied.Inc()
	if _, aerr := s.deps.Chain.Record(r.Context(), audit.Entry{
		Level:   audit.LevelWarn,
		Event:   audit.EventPermissionDenied,
		Message: "request denied",
		UserID:  id.UserID,
		Metadata: map[string]any{
			"permission": resource + ":" + action,
			"path":       r.URL.Path,
			"reason":     decision.Reason,
		},
	}); aerr != nil {
		writeError(w, fmt.Errorf("audit permission denial: %w", aerr))
		return false
	}

	s.hub.Broadcast("security", map[string]any{
		"event":      audit.EventPermissionDenied,
		"userId":     id.UserID,
		"permission": resource + ":" + action,
	})

	writeError(w, errs.Newf(errs.CodePermissionDenied, "role %q may not %s:%s", id.Role, resource, action))
	return false
}
