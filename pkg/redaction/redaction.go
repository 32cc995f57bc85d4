// Package redaction scrubs secrets from log output: bearer tokens,
// signing keys, platform bot credentials, and password-like values.
package redaction

import (
	"regexp"
	"strings"
	"sync"
)

// Config holds redaction configuration.
type Config struct {
	// Enabled controls whether redaction is active.
	Enabled bool `json:"enabled"`

	// CustomPatterns allows additional regex patterns to redact.
	CustomPatterns []string `json:"custom_patterns"`

	// Replacement is the string used to replace sensitive data.
	Replacement string `json:"replacement"`
}

// DefaultConfig returns the default redaction configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:     true,
		Replacement: "[REDACTED]",
	}
}

// Redactor applies secret-scrubbing rules to strings and field maps.
type Redactor struct {
	config         Config
	compiledCustom []*regexp.Regexp
	builtin        []*regexp.Regexp
	mu             sync.RWMutex
}

// Patterns with a capture group redact only the captured value; patterns
// without one redact the whole match.
var builtinPatterns = []string{
	`(?i)(api[_-]?key|apikey|api[_-]?secret)\s*[=:]\s*['"]?([a-zA-Z0-9_\-]{16,})['"]?`,
	`(?i)bearer\s+([a-zA-Z0-9_\-\.]{16,})`,
	`(?i)(auth[_-]?token|access[_-]?token|refresh[_-]?token|signing[_-]?key)\s*[=:]\s*['"]?([a-zA-Z0-9_\-\.+/=]{16,})['"]?`,
	`(?i)(secret[_-]?key|secretkey|private[_-]?key)\s*[=:]\s*['"]?([a-zA-Z0-9_\-+/=]{16,})['"]?`,
	`(?i)(password|passwd|pwd)\s*[=:]\s*['"]?([^'"\s]{4,})['"]?`,
	// Telegram bot tokens: numeric bot id, colon, 35-char secret.
	`\b\d{8,10}:[a-zA-Z0-9_\-]{35}\b`,
	// Slack tokens.
	`\bxox[baprs]-[a-zA-Z0-9\-]{10,}\b`,
	// JWTs.
	`eyJ[a-zA-Z0-9_-]*\.eyJ[a-zA-Z0-9_-]*\.[a-zA-Z0-9_-]*`,
	// JSON-embedded secrets.
	`"(?:api_key|apikey|secret|password|token|signing_key|private_key)"\s*:\s*"([^"]+)"`,
}

// NewRedactor creates a new Redactor with the given configuration.
func NewRedactor(config Config) *Redactor {
	r := &Redactor{config: config}

	r.builtin = make([]*regexp.Regexp, 0, len(builtinPatterns))
	for _, pattern := range builtinPatterns {
		r.builtin = append(r.builtin, regexp.MustCompile(pattern))
	}

	for _, pattern := range config.CustomPatterns {
		re, err := regexp.Compile(pattern)
		if err == nil {
			r.compiledCustom = append(r.compiledCustom, re)
		}
	}

	return r
}

// Redact applies all redaction rules to the input string.
func (r *Redactor) Redact(input string) string {
	if !r.config.Enabled {
		return input
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	result := input
	for _, re := range r.builtin {
		result = r.redactMatches(result, re)
	}
	for _, re := range r.compiledCustom {
		result = re.ReplaceAllString(result, r.config.Replacement)
	}
	return result
}

func (r *Redactor) redactMatches(input string, re *regexp.Regexp) string {
	return re.ReplaceAllStringFunc(input, func(match string) string {
		submatches := re.FindStringSubmatch(match)
		if len(submatches) > 1 {
			redacted := match
			for i := len(submatches) - 1; i >= 1; i-- {
				if submatches[i] != "" {
					redacted = strings.Replace(redacted, submatches[i], r.config.Replacement, 1)
				}
			}
			return redacted
		}
		return r.config.Replacement
	})
}

// RedactFields redacts sensitive values in a field map. Keys that name
// secrets are replaced wholesale; string values are scrubbed through
// Redact; nested maps recurse.
func (r *Redactor) RedactFields(fields map[string]any) map[string]any {
	if !r.config.Enabled {
		return fields
	}

	result := make(map[string]any, len(fields))
	for k, v := range fields {
		if isSensitiveKey(strings.ToLower(k)) {
			result[k] = r.config.Replacement
			continue
		}
		switch val := v.(type) {
		case string:
			result[k] = r.Redact(val)
		case map[string]any:
			result[k] = r.RedactFields(val)
		default:
			result[k] = v
		}
	}
	return result
}

var sensitiveKeys = []string{
	"password", "passwd", "pwd",
	"api_key", "apikey", "api_secret",
	"secret", "secret_key", "private_key", "signing_key",
	"token", "access_token", "refresh_token", "auth_token", "bot_token",
	"credential", "credentials",
}

func isSensitiveKey(key string) bool {
	for _, sk := range sensitiveKeys {
		if strings.Contains(key, sk) {
			return true
		}
	}
	return false
}

// SetEnabled enables or disables redaction at runtime.
func (r *Redactor) SetEnabled(enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.config.Enabled = enabled
}

// AddCustomPattern adds a custom redaction pattern at runtime.
func (r *Redactor) AddCustomPattern(pattern string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	r.compiledCustom = append(r.compiledCustom, re)
	return nil
}

// Global redactor instance with default config
var globalRedactor = NewRedactor(DefaultConfig())

// Redact applies redaction using the global redactor.
func Redact(input string) string {
	return globalRedactor.Redact(input)
}

// RedactFields redacts fields using the global redactor.
func RedactFields(fields map[string]any) map[string]any {
	return globalRedactor.RedactFields(fields)
}

// SetGlobalConfig sets the configuration for the global redactor.
func SetGlobalConfig(config Config) {
	globalRedactor = NewRedactor(config)
}
