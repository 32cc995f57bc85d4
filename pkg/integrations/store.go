package integrations

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lockclaw/lockclaw/pkg/config"
	"github.com/lockclaw/lockclaw/pkg/errs"
	"github.com/lockclaw/lockclaw/pkg/ids"
	"github.com/lockclaw/lockclaw/pkg/storage"
)

const configSchema = `
CREATE TABLE IF NOT EXISTS integration_configs (
	id TEXT PRIMARY KEY,
	platform TEXT NOT NULL,
	name TEXT NOT NULL UNIQUE,
	enabled INTEGER NOT NULL DEFAULT 1,
	settings TEXT NOT NULL DEFAULT '{}',
	status TEXT NOT NULL DEFAULT 'disconnected',
	last_error TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_integration_configs_platform ON integration_configs(platform);
`

const messageSchema = `
CREATE TABLE IF NOT EXISTS integration_messages (
	id TEXT PRIMARY KEY,
	integration_id TEXT NOT NULL,
	platform TEXT NOT NULL,
	direction TEXT NOT NULL,
	chat_id TEXT NOT NULL,
	sender_id TEXT,
	content TEXT NOT NULL,
	platform_message_id TEXT,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_integration_messages_integration
	ON integration_messages(integration_id, created_at);
`

// ConfigStore persists integration rows. Connection status lives here
// too, so the gateway can report state without touching adapters.
type ConfigStore struct {
	db *storage.DB
}

func NewConfigStore(db *storage.DB) (*ConfigStore, error) {
	if _, err := db.Execute(context.Background(), configSchema); err != nil {
		return nil, fmt.Errorf("create integration_configs schema: %w", err)
	}
	return &ConfigStore{db: db}, nil
}

func (s *ConfigStore) Insert(ctx context.Context, c *Config) error {
	if c.Platform == "" || c.Name == "" {
		return errs.New(errs.CodeValidation, "integration platform and name are required")
	}
	if c.ID == "" {
		c.ID = ids.NewIntegration()
	}
	if c.Status == "" {
		c.Status = StatusDisconnected
	}
	settings, err := json.Marshal(c.Settings)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	_, err = s.db.Execute(ctx, `
		INSERT INTO integration_configs (id, platform, name, enabled, settings,
			status, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Platform, c.Name, c.Enabled, string(settings),
		string(c.Status), storage.NullString(c.LastError),
		c.CreatedAt.UTC().Format(time.RFC3339Nano),
		c.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return errs.Newf(errs.CodeConflict, "integration name %q already exists", c.Name)
	}
	return err
}

func (s *ConfigStore) Update(ctx context.Context, c *Config) error {
	settings, err := json.Marshal(c.Settings)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	n, err := s.db.Execute(ctx, `
		UPDATE integration_configs
		SET name = ?, enabled = ?, settings = ?, updated_at = ?
		WHERE id = ?`,
		c.Name, c.Enabled, string(settings),
		time.Now().UTC().Format(time.RFC3339Nano), c.ID,
	)
	if err != nil {
		return err
	}
	if n == 0 {
		return errs.Newf(errs.CodeNotFound, "integration %s not found", c.ID)
	}
	return nil
}

// UpdateStatus persists a connection-state transition.
func (s *ConfigStore) UpdateStatus(ctx context.Context, id string, status Status, lastError string) error {
	n, err := s.db.Execute(ctx, `
		UPDATE integration_configs
		SET status = ?, last_error = ?, updated_at = ?
		WHERE id = ?`,
		string(status), storage.NullString(lastError),
		time.Now().UTC().Format(time.RFC3339Nano), id,
	)
	if err != nil {
		return err
	}
	if n == 0 {
		return errs.Newf(errs.CodeNotFound, "integration %s not found", id)
	}
	return nil
}

func (s *ConfigStore) Get(ctx context.Context, id string) (*Config, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, platform, name, enabled, settings, status, last_error,
			created_at, updated_at
		FROM integration_configs WHERE id = ?`, id)
	c, err := scanConfig(row)
	if storage.IsNoRows(err) {
		return nil, errs.Newf(errs.CodeNotFound, "integration %s not found", id)
	}
	return c, err
}

func (s *ConfigStore) GetByName(ctx context.Context, name string) (*Config, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, platform, name, enabled, settings, status, last_error,
			created_at, updated_at
		FROM integration_configs WHERE name = ?`, name)
	c, err := scanConfig(row)
	if storage.IsNoRows(err) {
		return nil, errs.Newf(errs.CodeNotFound, "integration %q not found", name)
	}
	return c, err
}

func (s *ConfigStore) List(ctx context.Context) ([]*Config, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, platform, name, enabled, settings, status, last_error,
			created_at, updated_at
		FROM integration_configs ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Config
	for rows.Next() {
		c, err := scanConfig(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *ConfigStore) Delete(ctx context.Context, id string) error {
	n, err := s.db.Execute(ctx, `DELETE FROM integration_configs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n == 0 {
		return errs.Newf(errs.CodeNotFound, "integration %s not found", id)
	}
	return nil
}

// SeedFromFile upserts one row per enabled platform in the file
// config, named after the platform. File settings win over stored
// ones so credential rotations take effect on restart.
func (s *ConfigStore) SeedFromFile(ctx context.Context, fc config.IntegrationsConfig) error {
	type seed struct {
		platform string
		enabled  bool
		settings map[string]string
	}
	seeds := []seed{
		{"telegram", fc.Telegram.Enabled && fc.Telegram.Token != "", map[string]string{
			"token":      fc.Telegram.Token,
			"allow_from": strings.Join(fc.Telegram.AllowFrom, ","),
		}},
		{"discord", fc.Discord.Enabled && fc.Discord.Token != "", map[string]string{
			"token":      fc.Discord.Token,
			"allow_from": strings.Join(fc.Discord.AllowFrom, ","),
		}},
		{"slack", fc.Slack.Enabled && fc.Slack.BotToken != "", map[string]string{
			"bot_token":  fc.Slack.BotToken,
			"app_token":  fc.Slack.AppToken,
			"allow_from": strings.Join(fc.Slack.AllowFrom, ","),
		}},
	}

	for _, sd := range seeds {
		existing, err := s.GetByName(ctx, sd.platform)
		if err != nil {
			if !errs.Is(err, errs.CodeNotFound) {
				return err
			}
			if !sd.enabled {
				continue
			}
			now := time.Now().UTC()
			if err := s.Insert(ctx, &Config{
				Platform:  sd.platform,
				Name:      sd.platform,
				Enabled:   true,
				Settings:  sd.settings,
				CreatedAt: now,
				UpdatedAt: now,
			}); err != nil {
				return err
			}
			continue
		}
		existing.Enabled = sd.enabled
		existing.Settings = sd.settings
		if err := s.Update(ctx, existing); err != nil {
			return err
		}
	}
	return nil
}

func scanConfig(row rowScanner) (*Config, error) {
	var c Config
	var enabled int
	var settings, status string
	var lastErr sql.NullString
	var created, updated string

	if err := row.Scan(&c.ID, &c.Platform, &c.Name, &enabled, &settings,
		&status, &lastErr, &created, &updated); err != nil {
		return nil, err
	}
	c.Enabled = enabled != 0
	c.Status = Status(status)
	c.LastError = lastErr.String
	if settings != "" {
		if err := json.Unmarshal([]byte(settings), &c.Settings); err != nil {
			return nil, fmt.Errorf("unmarshal settings: %w", err)
		}
	}
	createdAt, err := storage.ParseTimeText(storage.NullString(created))
	if err != nil {
		return nil, err
	}
	if createdAt != nil {
		c.CreatedAt = *createdAt
	}
	updatedAt, err := storage.ParseTimeText(storage.NullString(updated))
	if err != nil {
		return nil, err
	}
	if updatedAt != nil {
		c.UpdatedAt = *updatedAt
	}
	return &c, nil
}

// MessageStore persists normalised platform traffic in both
// directions.
type MessageStore struct {
	db *storage.DB
}

func NewMessageStore(db *storage.DB) (*MessageStore, error) {
	if _, err := db.Execute(context.Background(), messageSchema); err != nil {
		return nil, fmt.Errorf("create integration_messages schema: %w", err)
	}
	return &MessageStore{db: db}, nil
}

func (s *MessageStore) Insert(ctx context.Context, m *Message) error {
	if m.ID == "" {
		m.ID = ids.NewMessage()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Execute(ctx, `
		INSERT INTO integration_messages (id, integration_id, platform,
			direction, chat_id, sender_id, content, platform_message_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.IntegrationID, m.Platform, m.Direction, m.ChatID,
		storage.NullString(m.SenderID), m.Content,
		storage.NullString(m.PlatformMessageID),
		m.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

// List returns messages for one integration, newest first.
func (s *MessageStore) List(ctx context.Context, integrationID string, limit, offset int) ([]*Message, int64, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 1000 {
		limit = 1000
	}
	if offset < 0 {
		offset = 0
	}

	var total int64
	if err := s.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM integration_messages WHERE integration_id = ?`,
		integrationID).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.db.Query(ctx, `
		SELECT id, integration_id, platform, direction, chat_id, sender_id,
			content, platform_message_id, created_at
		FROM integration_messages
		WHERE integration_id = ?
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?`, integrationID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, m)
	}
	return out, total, rows.Err()
}

func scanMessage(row rowScanner) (*Message, error) {
	var m Message
	var sender, platformID sql.NullString
	var created string

	if err := row.Scan(&m.ID, &m.IntegrationID, &m.Platform, &m.Direction,
		&m.ChatID, &sender, &m.Content, &platformID, &created); err != nil {
		return nil, err
	}
	m.SenderID = sender.String
	m.PlatformMessageID = platformID.String
	createdAt, err := storage.ParseTimeText(storage.NullString(created))
	if err != nil {
		return nil, err
	}
	if createdAt != nil {
		m.CreatedAt = *createdAt
	}
	return &m, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}
