package models

import "time"

// WebSocketMessage is the envelope broadcast to live dashboard clients.
type WebSocketMessage struct {
	Type      string      `json:"type"`
	Event     string      `json:"event,omitempty"`
	Payload   interface{} `json:"payload,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}
