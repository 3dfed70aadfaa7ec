package db

import "time"

// Channel represents a row in the sdk_channels table.
type Channel struct {
	ID              string     `json:"id"`
	Origin          string     `json:"origin"`
	OtherPublicKey  string     `json:"other_public_key"`
	ProtocolVersion int        `json:"protocol_version"`
	OriginatorInfo  []byte     `json:"originator_info,omitempty"`
	Trigger         string     `json:"trigger"`
	LastConnected   *time.Time `json:"last_connected,omitempty"`
	ValidUntil      *time.Time `json:"valid_until,omitempty"`
	Created         time.Time  `json:"created"`
	Modified        time.Time  `json:"modified"`
}
