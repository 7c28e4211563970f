package realtime

import (
	"encoding/json"
	"fmt"

	"fadedreams/repairhub/repair-service/domain"
)

// Client to server.
const (
	EventJoinRoom    = "joinRoom"
	EventSendMessage = "sendMessage"
)

// Server to client.
const (
	EventPastMessages   = "pastMessages"
	EventReceiveMessage = "receiveMessage"
	EventChatEnded      = "chatEnded"
	EventChatError      = "chatError"
	EventNotification   = "notification"
)

// Envelope is the frame exchanged over the socket.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func NewEnvelope(event string, data any) (Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s: %w", event, err)
	}
	return Envelope{Event: event, Data: raw}, nil
}

type JoinRoom struct {
	ConversationID string `json:"conversationId"`
}

type SendMessage struct {
	ConversationID string           `json:"conversationId"`
	SenderID       string           `json:"senderId"`
	SenderKind     domain.ActorKind `json:"senderKind"`
	Text           string           `json:"text"`
}

type PastMessages struct {
	ConversationID string            `json:"conversationId"`
	Messages       []*domain.Message `json:"messages"`
}

type ChatEnded struct {
	ConversationID string        `json:"conversationId"`
	Status         domain.Status `json:"status"`
}

type ChatError struct {
	ConversationID string `json:"conversationId,omitempty"`
	Error          string `json:"error"`
}
