package ws

import (
	"time"

	"token-aggregator/internal/changes"
)

type clientMessage struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
}

type serverMessage struct {
	Type      string `json:"type"`
	Channel   string `json:"channel,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Data      any    `json:"data,omitempty"`
	Message   string `json:"message,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

func eventMessage(event changes.Event) serverMessage {
	at := event.Timestamp
	if at.IsZero() {
		at = time.Now()
	}
	return serverMessage{
		Type:      string(event.Type),
		Channel:   event.Channel,
		Data:      event.Payload,
		Timestamp: at.UnixMilli(),
	}
}

func replyMessage(kind, channel string) serverMessage {
	return serverMessage{Type: kind, Channel: channel, Timestamp: time.Now().UnixMilli()}
}

func errorMessage(message string) serverMessage {
	return serverMessage{Type: string(changes.EventError), Message: message, Timestamp: time.Now().UnixMilli()}
}
