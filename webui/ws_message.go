package webui

import (
	"time"

	"thumbgen/studio"
)

// Message types pushed over /ws. The session event types are forwarded
// as is.
const (
	MessageTypeSlotUpdate   = string(studio.EventSlotUpdate)
	MessageTypeBatchSettled = string(studio.EventBatchSettled)
	MessageTypeSessionState = string(studio.EventSessionState)
	MessageTypeNotice       = string(studio.EventNotice)
	MessageTypeError        = string(studio.EventError)
)

// WSMessage is the envelope of every websocket message.
type WSMessage struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

// NewWSMessage stamps a message with the current time.
func NewWSMessage(msgType string, data interface{}) WSMessage {
	return WSMessage{Type: msgType, Timestamp: time.Now(), Data: data}
}

// fromEvent wraps a session event.
func fromEvent(ev studio.Event) WSMessage {
	return NewWSMessage(string(ev.Type), ev.Data)
}
