package discord

import (
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lockclaw/lockclaw/pkg/bus"
	"github.com/lockclaw/lockclaw/pkg/integrations"
)

func captureAdapter(allowFrom string) (*Adapter, *discordgo.Session, *[]bus.UnifiedMessage) {
	var got []bus.UnifiedMessage
	a := &Adapter{
		cfg:   &integrations.Config{ID: "intg_1"},
		allow: parseAllowList(allowFrom),
		deps: integrations.Deps{OnMessage: func(m bus.UnifiedMessage) {
			got = append(got, m)
		}},
	}
	session := &discordgo.Session{State: discordgo.NewState()}
	session.State.User = &discordgo.User{ID: "bot-1", Username: "lockclaw"}
	return a, session, &got
}

func messageFrom(userID, username, content string) *discordgo.MessageCreate {
	return &discordgo.MessageCreate{Message: &discordgo.Message{
		ID:        "m1",
		ChannelID: "chan-9",
		GuildID:   "guild-3",
		Content:   content,
		Timestamp: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Author:    &discordgo.User{ID: userID, Username: username},
	}}
}

func TestHandleMessageNormalises(t *testing.T) {
	a, session, got := captureAdapter("")

	a.handleMessage(session, messageFrom("7", "ada", "hello"))

	require.Len(t, *got, 1)
	msg := (*got)[0]
	assert.Equal(t, "discord", msg.Platform)
	assert.Equal(t, "chan-9", msg.ChatID)
	assert.Equal(t, "7", msg.SenderID)
	assert.Equal(t, "ada", msg.SenderName)
	assert.Equal(t, "hello", msg.Content)
	assert.Equal(t, "guild-3", msg.Metadata["guild_id"])
}

func TestHandleMessageSkipsOwnMessages(t *testing.T) {
	a, session, got := captureAdapter("")

	a.handleMessage(session, messageFrom("bot-1", "lockclaw", "echo"))

	other := messageFrom("other-bot", "helper", "bot chatter")
	other.Author.Bot = true
	a.handleMessage(session, other)

	assert.Empty(t, *got)
}

func TestHandleMessageAllowList(t *testing.T) {
	a, session, got := captureAdapter("7")

	a.handleMessage(session, messageFrom("7", "ada", "allowed"))
	a.handleMessage(session, messageFrom("8", "mallory", "rejected"))

	require.Len(t, *got, 1)
	assert.Equal(t, "allowed", (*got)[0].Content)
}
