package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lockclaw/lockclaw/pkg/audit"
	"github.com/lockclaw/lockclaw/pkg/config"
	"github.com/lockclaw/lockclaw/pkg/errs"
	"github.com/lockclaw/lockclaw/pkg/injection"
	"github.com/lockclaw/lockclaw/pkg/ratelimit"
	"github.com/lockclaw/lockclaw/pkg/rbac"
	"github.com/lockclaw/lockclaw/pkg/storage"
	"github.com/lockclaw/lockclaw/pkg/subagent"
	"github.com/lockclaw/lockclaw/pkg/task"
)

var testSigningKey = []byte("0123456789abcdef0123456789abcdef")

const (
	adminToken  = "admin-token"
	oliviaToken = "olivia-token" // operator
	oscarToken  = "oscar-token"  // operator
	veraToken   = "vera-token"   // viewer
	ghostToken  = "ghost-token"  // role nobody seeded
)

type gwHarness struct {
	srv   *Server
	exec  *task.Executor
	chain *audit.Chain
}

func testGatewayConfig() config.GatewayConfig {
	return config.GatewayConfig{
		Host:      "127.0.0.1",
		Port:      0,
		AuthToken: adminToken,
		Tokens: map[string]string{
			oliviaToken: "olivia:operator",
			oscarToken:  "oscar:operator",
			veraToken:   "vera:viewer",
			ghostToken:  "gary:ghost",
		},
		AllowedOrigins: config.FlexibleStringSlice{"http://localhost:3000"},
	}
}

func newGateway(t *testing.T, cfg config.GatewayConfig) *gwHarness {
	t.Helper()

	db, err := storage.Open(filepath.Join(t.TempDir(), "lockclaw.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	chain, err := audit.NewChain(db, testSigningKey)
	require.NoError(t, err)

	store, err := task.NewStore(db)
	require.NoError(t, err)

	limiter := ratelimit.NewLimiter(ratelimit.Rule{
		Name: ratelimit.RuleTaskCreation, WindowMs: 60_000, MaxRequests: 1000,
		KeyType: ratelimit.KeyUser, OnExceed: ratelimit.ModeReject,
	})
	t.Cleanup(limiter.Stop)

	validator, err := injection.NewValidator(injection.DefaultConfig())
	require.NoError(t, err)

	engine := rbac.NewEngine(rbac.SeedRoles())

	exec, err := task.NewExecutor(task.Config{}, task.Deps{
		Store:     store,
		Chain:     chain,
		Limiter:   limiter,
		Validator: validator,
		RBAC:      engine,
	})
	require.NoError(t, err)
	exec.RegisterHandler(task.TypeEcho, task.NewEchoHandler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		exec.Shutdown(ctx)
	})

	profiles, err := subagent.NewProfileStore(db)
	require.NoError(t, err)
	delegations, err := subagent.NewDelegationStore(db)
	require.NoError(t, err)

	srv, err := NewServer(cfg, Deps{
		Executor:    exec,
		Chain:       chain,
		RBAC:        engine,
		Profiles:    profiles,
		Delegations: delegations,
	})
	require.NoError(t, err)
	t.Cleanup(srv.hub.Stop)

	return &gwHarness{srv: srv, exec: exec, chain: chain}
}

// doReq issues a request from a loopback peer so it clears the private
// ingress check.
func doReq(t *testing.T, h http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, rd)
	req.RemoteAddr = "127.0.0.1:52801"
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeMap(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), "body: %s", rec.Body.String())
	return out
}

func errCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	e, ok := decodeMap(t, rec)["error"].(map[string]any)
	require.True(t, ok, "no error object in %s", rec.Body.String())
	code, _ := e["code"].(string)
	return code
}

func waitForStatus(t *testing.T, h http.Handler, taskID string, want task.Status) map[string]any {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		rec := doReq(t, h, http.MethodGet, "/api/v1/tasks/"+taskID, adminToken, nil)
		if rec.Code == http.StatusOK {
			body := decodeMap(t, rec)
			if body["status"] == string(want) {
				return body
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("task %s never reached %s", taskID, want)
	return nil
}

func submitTask(t *testing.T, h http.Handler, token string, body map[string]any) map[string]any {
	t.Helper()
	rec := doReq(t, h, http.MethodPost, "/api/v1/tasks", token, body)
	require.Equal(t, http.StatusCreated, rec.Code, "body: %s", rec.Body.String())
	return decodeMap(t, rec)
}

func TestValidateBindHost(t *testing.T) {
	for _, tc := range []struct {
		host string
		ok   bool
	}{
		{"", true},
		{"localhost", true},
		{"127.0.0.1", true},
		{"::1", true},
		{"0.0.0.0", true},
		{"192.168.1.10", true},
		{"10.0.0.1", true},
		{"8.8.8.8", false},
		{"93.184.216.34", false},
		{"example.com", false},
	} {
		err := validateBindHost(tc.host)
		if tc.ok {
			assert.NoError(t, err, "host %q", tc.host)
		} else {
			assert.Error(t, err, "host %q", tc.host)
		}
	}
}

func TestNewServerRejectsMalformedTokens(t *testing.T) {
	cfg := testGatewayConfig()
	cfg.Tokens = map[string]string{"tok": "nocolon"}

	_, err := newAuthenticator(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "user:role")

	cfg.Tokens = map[string]string{"tok": ":viewer"}
	_, err = newAuthenticator(cfg)
	assert.Error(t, err)
}

func TestNewServerRequiresCoreDeps(t *testing.T) {
	_, err := NewServer(testGatewayConfig(), Deps{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires")
}

func TestAuthentication(t *testing.T) {
	gw := newGateway(t, testGatewayConfig())
	h := gw.srv.Handler()

	// No Authorization header.
	rec := doReq(t, h, http.MethodGet, "/api/v1/tasks", "", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, string(errs.CodePermissionDenied), errCode(t, rec))

	// Wrong scheme.
	req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks", nil)
	req.RemoteAddr = "127.0.0.1:52801"
	req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	raw := httptest.NewRecorder()
	h.ServeHTTP(raw, req)
	assert.Equal(t, http.StatusForbidden, raw.Code)

	// Invalid bearer token is rejected and audited.
	rec = doReq(t, h, http.MethodGet, "/api/v1/tasks", "wrong-token", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	entries, _, err := gw.chain.Query(context.Background(), audit.Filter{
		Events: []string{audit.EventAuthFailure},
	})
	require.NoError(t, err)
	require.NotEmpty(t, entries)

	// Admin and scoped tokens both work.
	rec = doReq(t, h, http.MethodGet, "/api/v1/tasks", adminToken, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = doReq(t, h, http.MethodGet, "/api/v1/tasks", veraToken, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestPrivateIngress(t *testing.T) {
	gw := newGateway(t, testGatewayConfig())
	h := gw.srv.Handler()

	// httptest's default peer 192.0.2.1 (TEST-NET-1) is publicly
	// routable and must be turned away even on an open route.
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	for _, remote := range []string{"127.0.0.1:999", "10.2.3.4:999", "192.168.0.7:999", "[::1]:999"} {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.RemoteAddr = remote
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code, "remote %s", remote)
	}

	// Unparseable peer addresses fail closed.
	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.RemoteAddr = "not-an-address"
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestSecurityHeaders(t *testing.T) {
	gw := newGateway(t, testGatewayConfig())
	rec := doReq(t, gw.srv.Handler(), http.MethodGet, "/health", "", nil)

	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "no-referrer", rec.Header().Get("Referrer-Policy"))
	assert.NotEmpty(t, rec.Header().Get("Permissions-Policy"))
	assert.Empty(t, rec.Header().Get("Strict-Transport-Security"), "no HSTS without TLS")

	// HSTS appears once the server terminates TLS itself.
	gw.srv.useTLS = true
	rec = doReq(t, gw.srv.Handler(), http.MethodGet, "/health", "", nil)
	assert.Contains(t, rec.Header().Get("Strict-Transport-Security"), "max-age=")
}

func TestCORS(t *testing.T) {
	gw := newGateway(t, testGatewayConfig())
	h := gw.srv.Handler()

	withOrigin := func(method, origin string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, "/health", nil)
		req.RemoteAddr = "127.0.0.1:52801"
		req.Header.Set("Origin", origin)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	rec := withOrigin(http.MethodGet, "http://localhost:3000")
	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))
	assert.Contains(t, rec.Header().Values("Vary"), "Origin")

	rec = withOrigin(http.MethodGet, "http://evil.example")
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))

	rec = withOrigin(http.MethodOptions, "http://localhost:3000")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	// A wildcard list answers "*" and never allows credentials.
	wild := testGatewayConfig()
	wild.AllowedOrigins = config.FlexibleStringSlice{"*"}
	gwWild := newGateway(t, wild)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.RemoteAddr = "127.0.0.1:52801"
	req.Header.Set("Origin", "http://anywhere.example")
	rec = httptest.NewRecorder()
	gwWild.srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Credentials"))
}

func TestHealth(t *testing.T) {
	gw := newGateway(t, testGatewayConfig())
	rec := doReq(t, gw.srv.Handler(), http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeMap(t, rec)
	assert.Equal(t, "ok", body["status"])
	deps, ok := body["dependencies"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, deps["executor"])
	assert.Equal(t, false, deps["swarms"])
}

func TestMetricsExposition(t *testing.T) {
	gw := newGateway(t, testGatewayConfig())
	rec := doReq(t, gw.srv.Handler(), http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "lockclaw_ws_clients")
}

func TestTaskSubmitAndFetch(t *testing.T) {
	gw := newGateway(t, testGatewayConfig())
	h := gw.srv.Handler()

	created := submitTask(t, h, adminToken, map[string]any{
		"type": "echo", "name": "ping", "input": map[string]any{"message": "hi"},
	})
	id, _ := created["id"].(string)
	require.True(t, strings.HasPrefix(id, "task_"), "id %q", id)

	done := waitForStatus(t, h, id, task.StatusCompleted)
	result, ok := done["result"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, result["success"])

	sec, ok := done["securityContext"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "admin", sec["userId"])

	rec := doReq(t, h, http.MethodGet, "/api/v1/tasks?limit=10", adminToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeMap(t, rec)
	assert.GreaterOrEqual(t, body["total"].(float64), float64(1))

	rec = doReq(t, h, http.MethodGet, "/api/v1/tasks?userId=nobody", adminToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(0), decodeMap(t, rec)["total"])

	rec = doReq(t, h, http.MethodGet, "/api/v1/tasks/task_missing", adminToken, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doReq(t, h, http.MethodGet, "/api/v1/tasks?limit=-3", adminToken, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTaskSubmitRejectsUnknownFields(t *testing.T) {
	gw := newGateway(t, testGatewayConfig())
	rec := doReq(t, gw.srv.Handler(), http.MethodPost, "/api/v1/tasks", adminToken, map[string]any{
		"type": "echo", "name": "x", "bogus": true,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, string(errs.CodeValidation), errCode(t, rec))
}

func TestViewerCannotSubmit(t *testing.T) {
	gw := newGateway(t, testGatewayConfig())
	rec := doReq(t, gw.srv.Handler(), http.MethodPost, "/api/v1/tasks", veraToken, map[string]any{
		"type": "echo", "name": "denied",
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, string(errs.CodePermissionDenied), errCode(t, rec))

	entries, _, err := gw.chain.Query(context.Background(), audit.Filter{
		Events: []string{audit.EventPermissionDenied}, UserID: "vera",
	})
	require.NoError(t, err)
	require.NotEmpty(t, entries)
}

func TestTaskUpdateMetadata(t *testing.T) {
	gw := newGateway(t, testGatewayConfig())
	h := gw.srv.Handler()

	created := submitTask(t, h, adminToken, map[string]any{
		"type": "echo", "name": "original", "description": "first",
	})
	id := created["id"].(string)
	waitForStatus(t, h, id, task.StatusCompleted)

	// Partial update: untouched fields survive.
	rec := doReq(t, h, http.MethodPut, "/api/v1/tasks/"+id, adminToken, map[string]any{
		"description": "second",
	})
	require.Equal(t, http.StatusOK, rec.Code, "body: %s", rec.Body.String())
	body := decodeMap(t, rec)
	assert.Equal(t, "original", body["name"])
	assert.Equal(t, "second", body["description"])

	rec = doReq(t, h, http.MethodGet, "/api/v1/tasks/"+id, adminToken, nil)
	assert.Equal(t, "second", decodeMap(t, rec)["description"])

	rec = doReq(t, h, http.MethodPut, "/api/v1/tasks/"+id, adminToken, map[string]any{"name": ""})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doReq(t, h, http.MethodPut, "/api/v1/tasks/task_missing", adminToken, map[string]any{"name": "n"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTaskDeleteCompletedOnly(t *testing.T) {
	gw := newGateway(t, testGatewayConfig())
	h := gw.srv.Handler()

	release := make(chan struct{})
	gw.exec.RegisterHandler("hold", task.FuncHandler{
		Fn: func(ctx context.Context, _ *task.Task, _ map[string]any) (any, error) {
			select {
			case <-release:
				return "done", nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	})

	created := submitTask(t, h, adminToken, map[string]any{"type": "hold", "name": "busy"})
	id := created["id"].(string)
	waitForStatus(t, h, id, task.StatusRunning)

	rec := doReq(t, h, http.MethodDelete, "/api/v1/tasks/"+id, adminToken, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, string(errs.CodeConflict), errCode(t, rec))

	close(release)
	waitForStatus(t, h, id, task.StatusCompleted)

	rec = doReq(t, h, http.MethodDelete, "/api/v1/tasks/"+id, adminToken, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = doReq(t, h, http.MethodGet, "/api/v1/tasks/"+id, adminToken, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// Cancellation is owner-scoped for operators: a viewer has no cancel
// permission at all, another operator fails the ownership condition,
// the owner and the admin both succeed.
func TestTaskCancelOwnership(t *testing.T) {
	gw := newGateway(t, testGatewayConfig())
	h := gw.srv.Handler()

	release := make(chan struct{})
	defer close(release)
	gw.exec.RegisterHandler("hold", task.FuncHandler{
		Fn: func(ctx context.Context, _ *task.Task, _ map[string]any) (any, error) {
			select {
			case <-release:
				return "done", nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	})

	created := submitTask(t, h, oliviaToken, map[string]any{"type": "hold", "name": "olivia's"})
	id := created["id"].(string)
	waitForStatus(t, h, id, task.StatusRunning)

	rec := doReq(t, h, http.MethodPost, "/api/v1/tasks/"+id+"/cancel", veraToken, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = doReq(t, h, http.MethodPost, "/api/v1/tasks/"+id+"/cancel", oscarToken, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// Both denials are on the chain.
	for _, user := range []string{"vera", "oscar"} {
		entries, _, err := gw.chain.Query(context.Background(), audit.Filter{
			Events: []string{audit.EventPermissionDenied}, UserID: user,
		})
		require.NoError(t, err)
		assert.NotEmpty(t, entries, "no denial audited for %s", user)
	}

	rec = doReq(t, h, http.MethodPost, "/api/v1/tasks/"+id+"/cancel", oliviaToken, nil)
	require.Equal(t, http.StatusOK, rec.Code, "body: %s", rec.Body.String())
	assert.Equal(t, true, decodeMap(t, rec)["cancelled"])
	waitForStatus(t, h, id, task.StatusCancelled)

	// Admin cancels anyone's task.
	second := submitTask(t, h, oscarToken, map[string]any{"type": "hold", "name": "oscar's"})
	waitForStatus(t, h, second["id"].(string), task.StatusRunning)
	rec = doReq(t, h, http.MethodPost, "/api/v1/tasks/"+second["id"].(string)+"/cancel", adminToken, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCancelNotRunningConflicts(t *testing.T) {
	gw := newGateway(t, testGatewayConfig())
	h := gw.srv.Handler()

	created := submitTask(t, h, adminToken, map[string]any{"type": "echo", "name": "fast"})
	id := created["id"].(string)
	waitForStatus(t, h, id, task.StatusCompleted)

	rec := doReq(t, h, http.MethodPost, "/api/v1/tasks/"+id+"/cancel", adminToken, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestSwarmAndIntegrationRoutesUnavailable(t *testing.T) {
	gw := newGateway(t, testGatewayConfig())
	h := gw.srv.Handler()

	rec := doReq(t, h, http.MethodGet, "/api/v1/swarms/templates", adminToken, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, string(errs.CodeDependencyUnavailable), errCode(t, rec))

	rec = doReq(t, h, http.MethodGet, "/api/v1/integrations", adminToken, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAuditEndpoints(t *testing.T) {
	gw := newGateway(t, testGatewayConfig())
	h := gw.srv.Handler()

	created := submitTask(t, h, adminToken, map[string]any{"type": "echo", "name": "traced"})
	waitForStatus(t, h, created["id"].(string), task.StatusCompleted)
	doReq(t, h, http.MethodGet, "/api/v1/tasks", "wrong-token", nil) // one auth_failure

	rec := doReq(t, h, http.MethodGet, "/api/v1/audit?limit=5", adminToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeMap(t, rec)
	assert.Greater(t, body["total"].(float64), float64(0))

	rec = doReq(t, h, http.MethodGet, "/api/v1/audit?event=task_created", adminToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	entries, ok := decodeMap(t, rec)["entries"].([]any)
	require.True(t, ok)
	require.NotEmpty(t, entries)
	for _, raw := range entries {
		entry := raw.(map[string]any)
		assert.Equal(t, "task_created", entry["event"])
	}

	rec = doReq(t, h, http.MethodPost, "/api/v1/audit/verify", adminToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	verify := decodeMap(t, rec)
	assert.Equal(t, true, verify["ok"])
	assert.Greater(t, verify["checked"].(float64), float64(0))

	rec = doReq(t, h, http.MethodGet, "/api/v1/audit/stats", adminToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decodeMap(t, rec)
	assert.Greater(t, stats["total"].(float64), float64(0))
	assert.NotEmpty(t, stats["byLevel"])

	// Viewers may read the chain but not trim it.
	rec = doReq(t, h, http.MethodGet, "/api/v1/audit", veraToken, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = doReq(t, h, http.MethodPost, "/api/v1/audit/retention", veraToken, map[string]any{"maxAgeDays": 30})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAuditExport(t *testing.T) {
	gw := newGateway(t, testGatewayConfig())
	h := gw.srv.Handler()

	created := submitTask(t, h, adminToken, map[string]any{"type": "echo", "name": "exported"})
	waitForStatus(t, h, created["id"].(string), task.StatusCompleted)

	rec := doReq(t, h, http.MethodGet, "/api/v1/audit/export", adminToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/x-ndjson", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "attachment")

	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	require.NotEmpty(t, lines)
	var prevSeq float64 = -1
	for _, line := range lines {
		var entry map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &entry), "line: %s", line)
		seq := entry["seq"].(float64)
		assert.Greater(t, seq, prevSeq, "export must be oldest-first")
		prevSeq = seq
	}
}

func TestAuditRetentionEndpoint(t *testing.T) {
	gw := newGateway(t, testGatewayConfig())
	h := gw.srv.Handler()

	created := submitTask(t, h, adminToken, map[string]any{"type": "echo", "name": "kept"})
	waitForStatus(t, h, created["id"].(string), task.StatusCompleted)

	// Fresh entries survive a 1-day cutoff.
	rec := doReq(t, h, http.MethodPost, "/api/v1/audit/retention", adminToken, map[string]any{"maxAgeDays": 1})
	require.Equal(t, http.StatusOK, rec.Code, "body: %s", rec.Body.String())
	body := decodeMap(t, rec)
	assert.Equal(t, float64(0), body["deleted"])

	rec = doReq(t, h, http.MethodPost, "/api/v1/audit/retention", adminToken, map[string]any{"maxAgeDays": 99999})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doReq(t, h, http.MethodPost, "/api/v1/audit/retention", adminToken, map[string]any{"maxEntries": 5})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSecurityEventsProjection(t *testing.T) {
	gw := newGateway(t, testGatewayConfig())
	h := gw.srv.Handler()

	doReq(t, h, http.MethodGet, "/api/v1/tasks", "wrong-token", nil)
	doReq(t, h, http.MethodPost, "/api/v1/tasks", veraToken, map[string]any{"type": "echo", "name": "x"})

	rec := doReq(t, h, http.MethodGet, "/api/v1/security/events", veraToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeMap(t, rec)
	assert.GreaterOrEqual(t, body["total"].(float64), float64(2))

	rec = doReq(t, h, http.MethodGet, "/api/v1/security/events?type=auth_failure", adminToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	events, ok := decodeMap(t, rec)["events"].([]any)
	require.True(t, ok)
	require.NotEmpty(t, events)
	for _, raw := range events {
		assert.Equal(t, "auth_failure", raw.(map[string]any)["event"])
	}

	rec = doReq(t, h, http.MethodGet, "/api/v1/security/events?type=task_created", adminToken, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "lifecycle events are not security events")

	rec = doReq(t, h, http.MethodGet, "/api/v1/security/events?severity=fatal", adminToken, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestProfileRoutes(t *testing.T) {
	gw := newGateway(t, testGatewayConfig())
	h := gw.srv.Handler()

	rec := doReq(t, h, http.MethodPost, "/api/v1/profiles", adminToken, map[string]any{
		"name":           "translator",
		"systemPrompt":   "Translate the input.",
		"maxTokenBudget": 1000,
		"allowedTools":   []string{"read_file"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, "body: %s", rec.Body.String())
	created := decodeMap(t, rec)
	id := created["id"].(string)
	assert.True(t, strings.HasPrefix(id, "prof_"), "id %q", id)
	assert.Equal(t, "llm", created["kind"])
	assert.Equal(t, false, created["builtin"])

	// Lookup by id and by name.
	rec = doReq(t, h, http.MethodGet, "/api/v1/profiles/"+id, adminToken, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = doReq(t, h, http.MethodGet, "/api/v1/profiles/translator", adminToken, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doReq(t, h, http.MethodPut, "/api/v1/profiles/"+id, adminToken, map[string]any{
		"name":           "translator",
		"systemPrompt":   "Translate the input carefully.",
		"maxTokenBudget": 2000,
		"allowedTools":   []string{"read_file"},
	})
	require.Equal(t, http.StatusOK, rec.Code, "body: %s", rec.Body.String())

	rec = doReq(t, h, http.MethodGet, "/api/v1/profiles/"+id, adminToken, nil)
	body := decodeMap(t, rec)
	assert.Equal(t, "Translate the input carefully.", body["systemPrompt"])
	assert.Equal(t, float64(2000), body["maxTokenBudget"])

	// Duplicate names conflict.
	rec = doReq(t, h, http.MethodPost, "/api/v1/profiles", adminToken, map[string]any{
		"name": "translator", "systemPrompt": "dup",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doReq(t, h, http.MethodPost, "/api/v1/profiles", adminToken, map[string]any{
		"systemPrompt": "unnamed",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Viewers read, never write.
	rec = doReq(t, h, http.MethodGet, "/api/v1/profiles", veraToken, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = doReq(t, h, http.MethodPost, "/api/v1/profiles", veraToken, map[string]any{
		"name": "sneaky", "systemPrompt": "x",
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestDelegationRoutes(t *testing.T) {
	gw := newGateway(t, testGatewayConfig())
	h := gw.srv.Handler()

	rec := doReq(t, h, http.MethodGet, "/api/v1/delegations", adminToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(0), decodeMap(t, rec)["total"])

	rec = doReq(t, h, http.MethodGet, "/api/v1/delegations/dlg_missing", adminToken, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRateLimitedSubmitReturns429(t *testing.T) {
	cfg := testGatewayConfig()
	gw := newGatewayWithLimit(t, cfg, 2)
	h := gw.srv.Handler()

	for i := 0; i < 2; i++ {
		rec := doReq(t, h, http.MethodPost, "/api/v1/tasks", adminToken, map[string]any{
			"type": "echo", "name": fmt.Sprintf("t%d", i),
		})
		require.Equal(t, http.StatusCreated, rec.Code, "body: %s", rec.Body.String())
	}

	rec := doReq(t, h, http.MethodPost, "/api/v1/tasks", adminToken, map[string]any{
		"type": "echo", "name": "over",
	})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, string(errs.CodeRateLimited), errCode(t, rec))
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

// newGatewayWithLimit builds the harness with a tight task-creation
// budget for the 429 path.
func newGatewayWithLimit(t *testing.T, cfg config.GatewayConfig, maxRequests int) *gwHarness {
	t.Helper()

	db, err := storage.Open(filepath.Join(t.TempDir(), "lockclaw.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	chain, err := audit.NewChain(db, testSigningKey)
	require.NoError(t, err)
	store, err := task.NewStore(db)
	require.NoError(t, err)

	limiter := ratelimit.NewLimiter(ratelimit.Rule{
		Name: ratelimit.RuleTaskCreation, WindowMs: 60_000, MaxRequests: float64(maxRequests),
		KeyType: ratelimit.KeyUser, OnExceed: ratelimit.ModeReject,
	})
	t.Cleanup(limiter.Stop)

	validator, err := injection.NewValidator(injection.DefaultConfig())
	require.NoError(t, err)

	engine := rbac.NewEngine(rbac.SeedRoles())
	exec, err := task.NewExecutor(task.Config{}, task.Deps{
		Store: store, Chain: chain, Limiter: limiter, Validator: validator, RBAC: engine,
	})
	require.NoError(t, err)
	exec.RegisterHandler(task.TypeEcho, task.NewEchoHandler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		exec.Shutdown(ctx)
	})

	srv, err := NewServer(cfg, Deps{Executor: exec, Chain: chain, RBAC: engine})
	require.NoError(t, err)
	t.Cleanup(srv.hub.Stop)

	return &gwHarness{srv: srv, exec: exec, chain: chain}
}
