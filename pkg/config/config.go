package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/caarlos0/env/v11"
)

// FlexibleStringSlice accepts either a JSON array of strings or a single
// comma-separated string.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var asSlice []string
	if err := json.Unmarshal(data, &asSlice); err == nil {
		*f = asSlice
		return nil
	}

	var asString string
	if err := json.Unmarshal(data, &asString); err != nil {
		return fmt.Errorf("expected string or []string")
	}

	var result []string
	for _, part := range strings.Split(asString, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	*f = result
	return nil
}

type Config struct {
	LogLevel     string             `json:"log_level" label:"Log Level" env:"LOCKCLAW_LOG_LEVEL"`
	LogFile      string             `json:"log_file" label:"Log File" env:"LOCKCLAW_LOG_FILE"`
	DataDir      string             `json:"data_dir" label:"Data Directory" env:"LOCKCLAW_DATA_DIR"`
	Model        ModelConfig        `json:"model" label:"Model"`
	Gateway      GatewayConfig      `json:"gateway" label:"Gateway"`
	Executor     ExecutorConfig     `json:"executor" label:"Task Executor"`
	Swarm        SwarmConfig        `json:"swarm" label:"Swarm"`
	Audit        AuditConfig        `json:"audit" label:"Audit Chain"`
	RateLimits   RateLimitsConfig   `json:"rate_limits" label:"Rate Limits"`
	Validator    ValidatorConfig    `json:"validator" label:"Input Validator"`
	Sandbox      SandboxConfig      `json:"sandbox" label:"Sandbox"`
	Integrations IntegrationsConfig `json:"integrations" label:"Integrations"`
	mu           sync.RWMutex
}

// ModelConfig names the default model for delegations. The API key is
// referenced by env var name, never stored in the file.
type ModelConfig struct {
	DefaultModel string `json:"default_model" label:"Default Model" env:"LOCKCLAW_MODEL_DEFAULT_MODEL"`
	APIKeyEnv    string `json:"api_key_env" label:"API Key Env Var" env:"LOCKCLAW_MODEL_API_KEY_ENV"`
	BaseURL      string `json:"base_url" label:"Base URL" env:"LOCKCLAW_MODEL_BASE_URL"`
}

type GatewayConfig struct {
	Enabled        bool                `json:"enabled" label:"Enabled" env:"LOCKCLAW_GATEWAY_ENABLED"`
	Host           string              `json:"host" label:"Host" env:"LOCKCLAW_GATEWAY_HOST"`
	Port           int                 `json:"port" label:"Port" env:"LOCKCLAW_GATEWAY_PORT"`
	AuthToken      string              `json:"auth_token" label:"Auth Token" env:"LOCKCLAW_GATEWAY_AUTH_TOKEN"`
	AllowedOrigins FlexibleStringSlice `json:"allowed_origins" label:"Allowed Origins" env:"LOCKCLAW_GATEWAY_ALLOWED_ORIGINS"`
	TLS            TLSConfig           `json:"tls" label:"TLS"`
	// Tokens maps additional bearer tokens to "user:role" pairs so
	// non-admin clients can be issued scoped credentials.
	Tokens map[string]string `json:"tokens" label:"Scoped Tokens"`
}

type TLSConfig struct {
	CertPath string `json:"cert_path" label:"Certificate Path" env:"LOCKCLAW_GATEWAY_TLS_CERT_PATH"`
	KeyPath  string `json:"key_path" label:"Key Path" env:"LOCKCLAW_GATEWAY_TLS_KEY_PATH"`
	CAPath   string `json:"ca_path" label:"Client CA Path" env:"LOCKCLAW_GATEWAY_TLS_CA_PATH"`
}

type ExecutorConfig struct {
	MaxConcurrent    int  `json:"max_concurrent" label:"Max Concurrent Tasks" env:"LOCKCLAW_EXECUTOR_MAX_CONCURRENT"`
	DefaultTimeoutMs int  `json:"default_timeout_ms" label:"Default Timeout (ms)" env:"LOCKCLAW_EXECUTOR_DEFAULT_TIMEOUT_MS"`
	MaxTimeoutMs     int  `json:"max_timeout_ms" label:"Max Timeout (ms)" env:"LOCKCLAW_EXECUTOR_MAX_TIMEOUT_MS"`
	EnableShell      bool `json:"enable_shell" label:"Enable Shell Handler" env:"LOCKCLAW_EXECUTOR_ENABLE_SHELL"`
}

type SwarmConfig struct {
	MaxDepth           int    `json:"max_depth" label:"Max Delegation Depth" env:"LOCKCLAW_SWARM_MAX_DEPTH"`
	DefaultTokenBudget int    `json:"default_token_budget" label:"Default Token Budget" env:"LOCKCLAW_SWARM_DEFAULT_TOKEN_BUDGET"`
	DefaultCoordinator string `json:"default_coordinator" label:"Default Coordinator Profile" env:"LOCKCLAW_SWARM_DEFAULT_COORDINATOR"`
	DelegateTimeoutMs  int    `json:"delegate_timeout_ms" label:"Delegation Timeout (ms)" env:"LOCKCLAW_SWARM_DELEGATE_TIMEOUT_MS"`
	EnableRouter       bool   `json:"enable_router" label:"Enable Cost Router" env:"LOCKCLAW_SWARM_ENABLE_ROUTER"`
}

type AuditConfig struct {
	SigningKey        string `json:"signing_key" label:"Signing Key" env:"LOCKCLAW_AUDIT_SIGNING_KEY"`
	SigningKeyEnv     string `json:"signing_key_env" label:"Signing Key Env Var" env:"LOCKCLAW_AUDIT_SIGNING_KEY_ENV"`
	RetentionSchedule string `json:"retention_schedule" label:"Retention Schedule (cron)" env:"LOCKCLAW_AUDIT_RETENTION_SCHEDULE"`
	MaxAgeDays        int    `json:"max_age_days" label:"Retention Max Age (days)" env:"LOCKCLAW_AUDIT_MAX_AGE_DAYS"`
	MaxEntries        int    `json:"max_entries" label:"Retention Max Entries" env:"LOCKCLAW_AUDIT_MAX_ENTRIES"`
}

type RateLimitsConfig struct {
	TaskCreationPerMinute int `json:"task_creation_per_minute" label:"Task Creations Per Minute" env:"LOCKCLAW_RATE_LIMITS_TASK_CREATION_PER_MINUTE"`
	APIRequestsPerMinute  int `json:"api_requests_per_minute" label:"API Requests Per Minute" env:"LOCKCLAW_RATE_LIMITS_API_REQUESTS_PER_MINUTE"`
	WSConnectsPerMinute   int `json:"ws_connects_per_minute" label:"WS Connects Per Minute" env:"LOCKCLAW_RATE_LIMITS_WS_CONNECTS_PER_MINUTE"`
	SwarmExecutesPer5Min  int `json:"swarm_executes_per_5min" label:"Swarm Executions Per 5 Minutes" env:"LOCKCLAW_RATE_LIMITS_SWARM_EXECUTES_PER_5MIN"`
}

type ValidatorConfig struct {
	MaxInputLength      int                 `json:"max_input_length" label:"Max Input Length" env:"LOCKCLAW_VALIDATOR_MAX_INPUT_LENGTH"`
	MaxFileBytes        int64               `json:"max_file_bytes" label:"Max File Bytes" env:"LOCKCLAW_VALIDATOR_MAX_FILE_BYTES"`
	CustomBlockPatterns FlexibleStringSlice `json:"custom_block_patterns" label:"Custom Block Patterns" env:"LOCKCLAW_VALIDATOR_CUSTOM_BLOCK_PATTERNS"`
}

type SandboxConfig struct {
	Enabled        bool  `json:"enabled" label:"Enabled" env:"LOCKCLAW_SANDBOX_ENABLED"`
	MaxWallMs      int   `json:"max_wall_ms" label:"Max Wall Time (ms)" env:"LOCKCLAW_SANDBOX_MAX_WALL_MS"`
	MaxOutputBytes int64 `json:"max_output_bytes" label:"Max Output Bytes" env:"LOCKCLAW_SANDBOX_MAX_OUTPUT_BYTES"`
	MaxMemoryMB    int   `json:"max_memory_mb" label:"Max Memory (MB)" env:"LOCKCLAW_SANDBOX_MAX_MEMORY_MB"`
}

type IntegrationsConfig struct {
	DefaultMaxPerSecond int            `json:"default_max_per_second" label:"Default Sends Per Second" env:"LOCKCLAW_INTEGRATIONS_DEFAULT_MAX_PER_SECOND"`
	Telegram            TelegramConfig `json:"telegram" label:"Telegram"`
	Discord             DiscordConfig  `json:"discord" label:"Discord"`
	Slack               SlackConfig    `json:"slack" label:"Slack"`
}

type TelegramConfig struct {
	Enabled   bool                `json:"enabled" label:"Enabled" env:"LOCKCLAW_INTEGRATIONS_TELEGRAM_ENABLED"`
	Token     string              `json:"token" label:"Token" env:"LOCKCLAW_INTEGRATIONS_TELEGRAM_TOKEN"`
	AllowFrom FlexibleStringSlice `json:"allow_from" label:"Allow From" env:"LOCKCLAW_INTEGRATIONS_TELEGRAM_ALLOW_FROM"`
}

type DiscordConfig struct {
	Enabled   bool                `json:"enabled" label:"Enabled" env:"LOCKCLAW_INTEGRATIONS_DISCORD_ENABLED"`
	Token     string              `json:"token" label:"Token" env:"LOCKCLAW_INTEGRATIONS_DISCORD_TOKEN"`
	AllowFrom FlexibleStringSlice `json:"allow_from" label:"Allow From" env:"LOCKCLAW_INTEGRATIONS_DISCORD_ALLOW_FROM"`
}

type SlackConfig struct {
	Enabled   bool                `json:"enabled" label:"Enabled" env:"LOCKCLAW_INTEGRATIONS_SLACK_ENABLED"`
	BotToken  string              `json:"bot_token" label:"Bot Token" env:"LOCKCLAW_INTEGRATIONS_SLACK_BOT_TOKEN"`
	AppToken  string              `json:"app_token" label:"App Token" env:"LOCKCLAW_INTEGRATIONS_SLACK_APP_TOKEN"`
	AllowFrom FlexibleStringSlice `json:"allow_from" label:"Allow From" env:"LOCKCLAW_INTEGRATIONS_SLACK_ALLOW_FROM"`
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel: "INFO",
		DataDir:  "~/.lockclaw",
		Model: ModelConfig{
			DefaultModel: "claude-sonnet-4-5",
			APIKeyEnv:    "",
		},
		Gateway: GatewayConfig{
			Enabled:        true,
			Host:           "127.0.0.1",
			Port:           18890,
			AllowedOrigins: FlexibleStringSlice{},
			Tokens:         map[string]string{},
		},
		Executor: ExecutorConfig{
			MaxConcurrent:    10,
			DefaultTimeoutMs: 300_000,
			MaxTimeoutMs:     3_600_000,
			EnableShell:      false,
		},
		Swarm: SwarmConfig{
			MaxDepth:           5,
			DefaultTokenBudget: 500_000,
			DefaultCoordinator: "researcher",
			DelegateTimeoutMs:  300_000,
			EnableRouter:       true,
		},
		Audit: AuditConfig{
			SigningKeyEnv:     "LOCKCLAW_AUDIT_KEY",
			RetentionSchedule: "",
			MaxAgeDays:        90,
			MaxEntries:        1_000_000,
		},
		RateLimits: RateLimitsConfig{
			TaskCreationPerMinute: 30,
			APIRequestsPerMinute:  100,
			WSConnectsPerMinute:   10,
			SwarmExecutesPer5Min:  5,
		},
		Validator: ValidatorConfig{
			MaxInputLength: 32 * 1024,
			MaxFileBytes:   10 * 1024 * 1024,
		},
		Sandbox: SandboxConfig{
			Enabled:        true,
			MaxWallMs:      300_000,
			MaxOutputBytes: 1 << 20,
			MaxMemoryMB:    512,
		},
		Integrations: IntegrationsConfig{
			DefaultMaxPerSecond: 30,
			Telegram:            TelegramConfig{AllowFrom: FlexibleStringSlice{}},
			Discord:             DiscordConfig{AllowFrom: FlexibleStringSlice{}},
			Slack:               SlackConfig{AllowFrom: FlexibleStringSlice{}},
		},
	}
}

// LoadConfig reads the JSON file at path (missing file means defaults)
// and applies LOCKCLAW_* environment overrides on top.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			if err := env.Parse(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, err
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func SaveConfig(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o600)
}

func (c *Config) Lock()    { c.mu.Lock() }
func (c *Config) Unlock()  { c.mu.Unlock() }
func (c *Config) RLock()   { c.mu.RLock() }
func (c *Config) RUnlock() { c.mu.RUnlock() }

// DataPath returns the expanded data directory.
func (c *Config) DataPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return expandHome(c.DataDir)
}

// DBPath returns the sqlite database location inside the data directory.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataPath(), "lockclaw.db")
}

// AuditSigningKey resolves the signing key, preferring the env var
// reference over the inline value.
func (c *Config) AuditSigningKey() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Audit.SigningKeyEnv != "" {
		if v := os.Getenv(c.Audit.SigningKeyEnv); v != "" {
			return v
		}
	}
	return c.Audit.SigningKey
}

func expandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil || home == "" {
			return path
		}
		if len(path) > 1 && path[1] == '/' {
			return filepath.Join(home, path[2:])
		}
		if len(path) == 1 {
			return home
		}
	}
	return path
}
