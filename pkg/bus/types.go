package bus

import "time"

// UnifiedMessage is the platform-neutral inbound shape every adapter
// normalises into. Echo messages authored by the bot account never
// reach the bus; adapters drop them during normalisation.
type UnifiedMessage struct {
	ID            string            `json:"id"`
	Platform      string            `json:"platform"`
	IntegrationID string            `json:"integrationId"`
	ChatID        string            `json:"chatId"`
	SenderID      string            `json:"senderId"`
	SenderName    string            `json:"senderName,omitempty"`
	Content       string            `json:"content"`
	Timestamp     time.Time         `json:"timestamp"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// OutboundMessage is a send request routed to a running integration.
type OutboundMessage struct {
	IntegrationID string            `json:"integrationId"`
	ChatID        string            `json:"chatId"`
	Content       string            `json:"content"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// InboundHandler consumes normalised messages.
type InboundHandler func(UnifiedMessage) error
