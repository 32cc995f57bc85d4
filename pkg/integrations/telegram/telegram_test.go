package telegram

import (
	"testing"

	"github.com/mymmrac/telego"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lockclaw/lockclaw/pkg/bus"
	"github.com/lockclaw/lockclaw/pkg/integrations"
)

func captureAdapter(allowFrom string) (*Adapter, *[]bus.UnifiedMessage) {
	var got []bus.UnifiedMessage
	a := &Adapter{
		cfg:   &integrations.Config{ID: "intg_1"},
		allow: parseAllowList(allowFrom),
		deps: integrations.Deps{OnMessage: func(m bus.UnifiedMessage) {
			got = append(got, m)
		}},
	}
	return a, &got
}

func userMessage(userID int64, username, text string) *telego.Message {
	return &telego.Message{
		MessageID: 9,
		From:      &telego.User{ID: userID, Username: username, FirstName: "Ada"},
		Chat:      telego.Chat{ID: 42},
		Text:      text,
		Date:      1_760_000_000,
	}
}

func TestHandleMessageNormalises(t *testing.T) {
	a, got := captureAdapter("")

	a.handleMessage(userMessage(7, "ada", "hello"))

	require.Len(t, *got, 1)
	msg := (*got)[0]
	assert.Equal(t, "telegram", msg.Platform)
	assert.Equal(t, "42", msg.ChatID)
	assert.Equal(t, "7", msg.SenderID)
	assert.Equal(t, "Ada", msg.SenderName)
	assert.Equal(t, "hello", msg.Content)
	assert.Equal(t, "9", msg.Metadata["message_id"])
	assert.False(t, msg.Timestamp.IsZero())
}

func TestHandleMessageSkipsBots(t *testing.T) {
	a, got := captureAdapter("")

	echo := userMessage(1, "lockclaw_bot", "echo of our own send")
	echo.From.IsBot = true
	a.handleMessage(echo)

	assert.Empty(t, *got)
}

func TestHandleMessageAllowList(t *testing.T) {
	a, got := captureAdapter("7, trusted")

	a.handleMessage(userMessage(7, "ada", "by id"))
	a.handleMessage(userMessage(8, "trusted", "by username"))
	a.handleMessage(userMessage(9, "stranger", "rejected"))

	require.Len(t, *got, 2)
	assert.Equal(t, "by id", (*got)[0].Content)
	assert.Equal(t, "by username", (*got)[1].Content)
}

func TestHandleMessageUsesCaption(t *testing.T) {
	a, got := captureAdapter("")

	msg := userMessage(7, "ada", "")
	msg.Caption = "photo caption"
	a.handleMessage(msg)
	a.handleMessage(userMessage(7, "ada", "")) // nothing to forward

	require.Len(t, *got, 1)
	assert.Equal(t, "photo caption", (*got)[0].Content)
}
