package broker

import (
	"encoding/json"
	"time"
)

const (
	// client -> server
	FrameTypeSubscribe   = "subscribe"
	FrameTypeUnsubscribe = "unsubscribe"
	FrameTypePing        = "ping"

	// server -> client
	FrameTypeConnection   = "connection"
	FrameTypeSubscribed   = "subscribed"
	FrameTypeUnsubscribed = "unsubscribed"
	FrameTypePong         = "pong"
	FrameTypeNotification = "notification"
	FrameTypeError        = "error"
)

// Frame is the JSON message exchanged on both SSE and WebSocket transports.
type Frame struct {
	Type         string          `json:"type"`
	Channel      string          `json:"channel,omitempty"`
	ConnectionID string          `json:"connectionId,omitempty"`
	Message      string          `json:"message,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
	Filters      map[string]any  `json:"filters,omitempty"`
	Timestamp    *time.Time      `json:"timestamp,omitempty"`
}

func now() *time.Time {
	t := time.Now().UTC()
	return &t
}

func welcomeFrame(connectionID string) *Frame {
	return &Frame{
		Type:         FrameTypeConnection,
		ConnectionID: connectionID,
		Message:      "connection_established",
		Timestamp:    now(),
	}
}

func pongFrame() *Frame {
	return &Frame{Type: FrameTypePong, Timestamp: now()}
}

func errorFrame(message string) *Frame {
	return &Frame{Type: FrameTypeError, Message: message, Timestamp: now()}
}

// NotificationFrame wraps a delivery payload for fan-out on a channel.
func NotificationFrame(channel string, data json.RawMessage) *Frame {
	return &Frame{
		Type:      FrameTypeNotification,
		Channel:   channel,
		Data:      data,
		Timestamp: now(),
	}
}
