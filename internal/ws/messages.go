package ws

import "time"

type BaseMessage struct {
	Type string `json:"type"`
}

// Client → Server

type HeartbeatMessage struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// Server → Client

type AckMessage struct {
	Type     string `json:"type"`
	ClientID string `json:"client_id"`
	Message  string `json:"message"`
}

// JobEventMessage is pushed on every observable status transition.
type JobEventMessage struct {
	Type      string    `json:"type"`
	Identity  string    `json:"identity"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}
