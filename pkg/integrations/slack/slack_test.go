package slack

import (
	"testing"
	"time"

	"github.com/slack-go/slack/slackevents"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lockclaw/lockclaw/pkg/bus"
	"github.com/lockclaw/lockclaw/pkg/integrations"
)

func captureAdapter(allowFrom string) (*Adapter, *[]bus.UnifiedMessage) {
	var got []bus.UnifiedMessage
	a := &Adapter{
		cfg:       &integrations.Config{ID: "intg_1"},
		allow:     parseAllowList(allowFrom),
		botUserID: "U_BOT",
		deps: integrations.Deps{OnMessage: func(m bus.UnifiedMessage) {
			got = append(got, m)
		}},
	}
	return a, &got
}

func callbackWith(ev *slackevents.MessageEvent) slackevents.EventsAPIEvent {
	return slackevents.EventsAPIEvent{
		Type:       slackevents.CallbackEvent,
		InnerEvent: slackevents.EventsAPIInnerEvent{Data: ev},
	}
}

func TestHandleEventsAPINormalises(t *testing.T) {
	a, got := captureAdapter("")

	a.handleEventsAPI(callbackWith(&slackevents.MessageEvent{
		User:      "U123",
		Channel:   "C9",
		Text:      "hello",
		TimeStamp: "1760000000.000200",
	}))

	require.Len(t, *got, 1)
	msg := (*got)[0]
	assert.Equal(t, "slack", msg.Platform)
	assert.Equal(t, "C9", msg.ChatID)
	assert.Equal(t, "U123", msg.SenderID)
	assert.Equal(t, "hello", msg.Content)
	assert.Equal(t, "1760000000.000200", msg.Metadata["ts"])
	assert.Equal(t, time.Unix(1_760_000_000, 0).UTC(), msg.Timestamp)
}

func TestHandleEventsAPISkipsEchoesAndSubtypes(t *testing.T) {
	a, got := captureAdapter("")

	// Our own user, another bot, and a message edit.
	a.handleEventsAPI(callbackWith(&slackevents.MessageEvent{User: "U_BOT", Channel: "C9", Text: "echo"}))
	a.handleEventsAPI(callbackWith(&slackevents.MessageEvent{User: "U1", BotID: "B77", Channel: "C9", Text: "bot"}))
	a.handleEventsAPI(callbackWith(&slackevents.MessageEvent{User: "U1", SubType: "message_changed", Channel: "C9", Text: "edit"}))

	assert.Empty(t, *got)
}

func TestHandleEventsAPIAllowList(t *testing.T) {
	a, got := captureAdapter("U1")

	a.handleEventsAPI(callbackWith(&slackevents.MessageEvent{User: "U1", Channel: "C9", Text: "allowed", TimeStamp: "1.0"}))
	a.handleEventsAPI(callbackWith(&slackevents.MessageEvent{User: "U2", Channel: "C9", Text: "rejected", TimeStamp: "1.0"}))

	require.Len(t, *got, 1)
	assert.Equal(t, "allowed", (*got)[0].Content)
}

func TestParseSlackTimestamp(t *testing.T) {
	assert.Equal(t, time.Unix(1_760_000_000, 0).UTC(), parseSlackTimestamp("1760000000.000200"))
	assert.True(t, parseSlackTimestamp("").IsZero())
	assert.True(t, parseSlackTimestamp("not-a-ts").IsZero())
}
