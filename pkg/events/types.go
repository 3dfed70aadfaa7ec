// Package events defines connection lifecycle events and their publishers.
package events

import (
	"time"

	"github.com/google/uuid"
)

// Connection event types.
const (
	TypeConnect    = "connect"
	TypeReconnect  = "reconnect"
	TypeLoading    = "loading"
	TypeRevalidate = "revalidate"
	TypeDisconnect = "disconnect"
	TypeRemove     = "remove"
)

// ConnectionEvent is emitted when the connection manager changes a channel's state.
type ConnectionEvent struct {
	EventID   string `json:"eventId"`
	Type      string `json:"type"`
	ChannelID string `json:"channelId"`
	Origin    string `json:"origin,omitempty"`
	Trigger   string `json:"trigger,omitempty"`
	Loading   *bool  `json:"loading,omitempty"`
	Timestamp string `json:"timestamp"`
}

// NewConnectionEvent stamps a new event with a random id and the current UTC time.
func NewConnectionEvent(eventType, channelID string) *ConnectionEvent {
	return &ConnectionEvent{
		EventID:   uuid.NewString(),
		Type:      eventType,
		ChannelID: channelID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}
