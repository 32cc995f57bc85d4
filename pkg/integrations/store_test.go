package integrations

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lockclaw/lockclaw/pkg/config"
	"github.com/lockclaw/lockclaw/pkg/errs"
	"github.com/lockclaw/lockclaw/pkg/storage"
)

func newTestStores(t *testing.T) (*ConfigStore, *MessageStore) {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "lockclaw.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	configs, err := NewConfigStore(db)
	require.NoError(t, err)
	messages, err := NewMessageStore(db)
	require.NoError(t, err)
	return configs, messages
}

func testConfig(name string) *Config {
	now := time.Now().UTC()
	return &Config{
		Platform:  "telegram",
		Name:      name,
		Enabled:   true,
		Settings:  map[string]string{"token": "tg-token", "allow_from": "42"},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestConfigStoreRoundTrip(t *testing.T) {
	configs, _ := newTestStores(t)
	ctx := context.Background()

	c := testConfig("personal-bot")
	require.NoError(t, configs.Insert(ctx, c))
	require.NotEmpty(t, c.ID)

	got, err := configs.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, c.ID, got.ID)
	assert.Equal(t, "telegram", got.Platform)
	assert.Equal(t, "personal-bot", got.Name)
	assert.True(t, got.Enabled)
	assert.Equal(t, StatusDisconnected, got.Status)
	assert.Equal(t, "tg-token", got.Settings["token"])

	byName, err := configs.GetByName(ctx, "personal-bot")
	require.NoError(t, err)
	assert.Equal(t, c.ID, byName.ID)

	got.Enabled = false
	got.Settings["token"] = "rotated"
	require.NoError(t, configs.Update(ctx, got))
	got, err = configs.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.False(t, got.Enabled)
	assert.Equal(t, "rotated", got.Settings["token"])

	require.NoError(t, configs.Delete(ctx, c.ID))
	_, err = configs.Get(ctx, c.ID)
	assert.Equal(t, errs.CodeNotFound, errs.CodeOf(err))
}

func TestConfigStoreUniqueName(t *testing.T) {
	configs, _ := newTestStores(t)
	ctx := context.Background()

	require.NoError(t, configs.Insert(ctx, testConfig("bot")))
	err := configs.Insert(ctx, testConfig("bot"))
	assert.Equal(t, errs.CodeConflict, errs.CodeOf(err))
}

func TestConfigStoreValidatesRequiredFields(t *testing.T) {
	configs, _ := newTestStores(t)

	err := configs.Insert(context.Background(), &Config{Name: "x"})
	assert.Equal(t, errs.CodeValidation, errs.CodeOf(err))
}

func TestConfigStoreUpdateStatus(t *testing.T) {
	configs, _ := newTestStores(t)
	ctx := context.Background()

	c := testConfig("bot")
	require.NoError(t, configs.Insert(ctx, c))

	require.NoError(t, configs.UpdateStatus(ctx, c.ID, StatusError, "Max reconnect retries exceeded"))
	got, err := configs.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusError, got.Status)
	assert.Equal(t, "Max reconnect retries exceeded", got.LastError)

	require.NoError(t, configs.UpdateStatus(ctx, c.ID, StatusConnected, ""))
	got, err = configs.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusConnected, got.Status)
	assert.Empty(t, got.LastError)

	err = configs.UpdateStatus(ctx, "intg_missing", StatusConnected, "")
	assert.Equal(t, errs.CodeNotFound, errs.CodeOf(err))
}

func TestSeedFromFile(t *testing.T) {
	configs, _ := newTestStores(t)
	ctx := context.Background()

	fc := config.IntegrationsConfig{
		Telegram: config.TelegramConfig{
			Enabled:   true,
			Token:     "tg-1",
			AllowFrom: config.FlexibleStringSlice{"42", "alice"},
		},
		Discord: config.DiscordConfig{Enabled: false},
		Slack:   config.SlackConfig{Enabled: true}, // missing bot token, skipped
	}
	require.NoError(t, configs.SeedFromFile(ctx, fc))

	rows, err := configs.List(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "telegram", rows[0].Name)
	assert.Equal(t, "tg-1", rows[0].Settings["token"])
	assert.Equal(t, "42,alice", rows[0].Settings["allow_from"])

	// Rotation and disabling flow through on re-seed, keeping the row id.
	fc.Telegram.Token = "tg-2"
	fc.Telegram.Enabled = false
	require.NoError(t, configs.SeedFromFile(ctx, fc))

	got, err := configs.GetByName(ctx, "telegram")
	require.NoError(t, err)
	assert.Equal(t, rows[0].ID, got.ID)
	assert.Equal(t, "tg-2", got.Settings["token"])
	assert.False(t, got.Enabled)
}

func TestMessageStoreListNewestFirst(t *testing.T) {
	_, messages := newTestStores(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		require.NoError(t, messages.Insert(ctx, &Message{
			IntegrationID: "intg_1",
			Platform:      "telegram",
			Direction:     DirectionInbound,
			ChatID:        "42",
			SenderID:      "7",
			Content:       string(rune('a' + i)),
			CreatedAt:     base.Add(time.Duration(i) * time.Minute),
		}))
	}
	require.NoError(t, messages.Insert(ctx, &Message{
		IntegrationID: "intg_other",
		Platform:      "discord",
		Direction:     DirectionOutbound,
		ChatID:        "99",
		Content:       "elsewhere",
		CreatedAt:     base,
	}))

	rows, total, err := messages.List(ctx, "intg_1", 2, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 3, total)
	require.Len(t, rows, 2)
	assert.Equal(t, "c", rows[0].Content)
	assert.Equal(t, "b", rows[1].Content)

	rows, _, err = messages.List(ctx, "intg_1", 2, 2)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "a", rows[0].Content)
}
