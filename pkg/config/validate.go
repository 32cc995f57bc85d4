package config

import (
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/adhocore/gronx"
)

// ValidationError reports a config failure with the field path that
// caused it, e.g. "gateway.auth_token: required when gateway.enabled".
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func fieldErr(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// Validate checks the config for startup-blocking problems. The first
// failure is returned; the CLI prints it and exits non-zero.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.Gateway.Enabled {
		if err := validateGateway(&c.Gateway); err != nil {
			return err
		}
	}

	if c.Executor.MaxConcurrent < 1 {
		return fieldErr("executor.max_concurrent", "must be at least 1")
	}
	if c.Executor.DefaultTimeoutMs <= 0 {
		return fieldErr("executor.default_timeout_ms", "must be positive")
	}
	if c.Executor.MaxTimeoutMs < c.Executor.DefaultTimeoutMs {
		return fieldErr("executor.max_timeout_ms", "must be >= default_timeout_ms")
	}

	if c.Swarm.MaxDepth < 1 {
		return fieldErr("swarm.max_depth", "must be at least 1")
	}
	if c.Swarm.DefaultTokenBudget <= 0 {
		return fieldErr("swarm.default_token_budget", "must be positive")
	}
	if c.Swarm.DefaultCoordinator == "" {
		return fieldErr("swarm.default_coordinator", "must name a profile")
	}

	if err := validateAudit(&c.Audit); err != nil {
		return err
	}

	if c.Validator.MaxInputLength <= 0 {
		return fieldErr("validator.max_input_length", "must be positive")
	}

	if c.Model.APIKeyEnv != "" && os.Getenv(c.Model.APIKeyEnv) == "" {
		return fieldErr("model.api_key_env", "required secret not set")
	}

	if c.Integrations.DefaultMaxPerSecond < 1 {
		return fieldErr("integrations.default_max_per_second", "must be at least 1")
	}

	return nil
}

func validateGateway(g *GatewayConfig) error {
	if g.Port < 1 || g.Port > 65535 {
		return fieldErr("gateway.port", "must be in 1..65535")
	}
	if g.AuthToken == "" && len(g.Tokens) == 0 {
		return fieldErr("gateway.auth_token", "required when gateway.enabled")
	}
	if !isPrivateBindHost(g.Host) {
		return fieldErr("gateway.host", "must be a loopback or private address")
	}

	hasWildcard := false
	for _, origin := range g.AllowedOrigins {
		if origin == "*" {
			hasWildcard = true
		}
	}
	if hasWildcard && len(g.AllowedOrigins) > 1 {
		return fieldErr("gateway.allowed_origins", "wildcard cannot be combined with explicit origins")
	}

	tls := &g.TLS
	if (tls.CertPath == "") != (tls.KeyPath == "") {
		return fieldErr("gateway.tls", "cert_path and key_path must be set together")
	}
	if tls.CAPath != "" && tls.CertPath == "" {
		return fieldErr("gateway.tls.ca_path", "requires cert_path and key_path")
	}

	return nil
}

func validateAudit(a *AuditConfig) error {
	key := a.SigningKey
	if a.SigningKeyEnv != "" {
		if v := os.Getenv(a.SigningKeyEnv); v != "" {
			key = v
		}
	}
	if key == "" {
		return fieldErr("audit.signing_key_env", "required secret not set")
	}
	if len(key) < 32 {
		return fieldErr("audit.signing_key", "must be at least 32 bytes")
	}

	if a.RetentionSchedule != "" {
		if !gronx.New().IsValid(a.RetentionSchedule) {
			return fieldErr("audit.retention_schedule", "invalid cron expression")
		}
	}
	if a.MaxAgeDays != 0 && (a.MaxAgeDays < 1 || a.MaxAgeDays > 3650) {
		return fieldErr("audit.max_age_days", "must be in 1..3650")
	}
	if a.MaxEntries != 0 && (a.MaxEntries < 100 || a.MaxEntries > 10_000_000) {
		return fieldErr("audit.max_entries", "must be in 100..10000000")
	}

	return nil
}

// isPrivateBindHost accepts loopback names, loopback IPs, and RFC 1918 /
// link-local addresses. Public addresses and 0.0.0.0 are rejected so the
// gateway never listens on an open interface.
func isPrivateBindHost(host string) bool {
	h := strings.TrimSpace(host)
	if h == "" {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	if ip == nil {
		return false
	}
	if ip.IsUnspecified() {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast()
}
