// Package deeplink turns deep-link and QR invocations into SDK channel connections.
package deeplink

import (
	"context"
	"time"

	"github.com/morezero/sdkconnect/pkg/waitutil"
)

// Origins and trigger tags recorded on connection attempts.
const (
	OriginDeeplink = "deeplink"
	OriginQRCode   = "qr-code"

	TriggerDeeplink = "deeplink"
)

// OriginatorInfo describes the dapp that produced the link.
type OriginatorInfo struct {
	URL        string `json:"url,omitempty"`
	Title      string `json:"title,omitempty"`
	Icon       string `json:"icon,omitempty"`
	Platform   string `json:"platform,omitempty"`
	DappID     string `json:"dappId,omitempty"`
	Source     string `json:"source,omitempty"`
	APIVersion string `json:"apiVersion,omitempty"`
}

// InvocationRequest is one deep-link activation. Handlers treat it as read-only.
type InvocationRequest struct {
	ChannelID       string          `json:"channelId"`
	Origin          string          `json:"origin"`
	URL             string          `json:"url"`
	OtherPublicKey  string          `json:"otherPublicKey,omitempty"`
	ProtocolVersion int             `json:"protocolVersion"`
	Context         string          `json:"context,omitempty"`
	OriginatorInfo  *OriginatorInfo `json:"originatorInfo,omitempty"`
	// RPC is a base64 encoded JSON-RPC request, relayed to a live session if one exists.
	RPC string `json:"rpc,omitempty"`
}

// ConnectionRecord is a known channel. Any non-nil record means "exists" for routing.
type ConnectionRecord struct {
	ID              string          `json:"id"`
	Origin          string          `json:"origin,omitempty"`
	OtherPublicKey  string          `json:"otherPublicKey,omitempty"`
	ProtocolVersion int             `json:"protocolVersion,omitempty"`
	OriginatorInfo  *OriginatorInfo `json:"originatorInfo,omitempty"`
	Trigger         string          `json:"trigger,omitempty"`
	LastConnected   time.Time       `json:"lastConnected,omitempty"`
	ValidUntil      time.Time       `json:"validUntil,omitempty"`
}

// Remote is the encrypted side of a live session.
type Remote interface {
	Decrypt(ciphertext string) (string, error)
}

// LiveConnection is an established session for a channel.
type LiveConnection struct {
	ChannelID string
	Remote    Remote
}

// ReconnectParams resumes a known channel.
type ReconnectParams struct {
	ChannelID         string
	OtherPublicKey    string
	Context           string
	ProtocolVersion   int
	InitialConnection bool
	Trigger           string
	UpdateKey         bool
}

// ConnectParams opens a new channel.
type ConnectParams struct {
	ID                string
	InitialConnection bool
	Origin            string
	OriginatorInfo    *OriginatorInfo
	ProtocolVersion   int
	Trigger           string
	OtherPublicKey    string
}

// RevalidateParams extends the validity of a known channel.
type RevalidateParams struct {
	ChannelID string
}

// LoadingStateParams flags a channel as loading (or done loading) for the UI.
type LoadingStateParams struct {
	ChannelID string
	Loading   bool
}

// ConnectionManager owns channel state. The handler only reads registries and calls into it.
type ConnectionManager interface {
	HasInitialized() bool
	GetConnections() map[string]*ConnectionRecord
	GetConnected() map[string]*LiveConnection
	Reconnect(ctx context.Context, params ReconnectParams) error
	ConnectToChannel(ctx context.Context, params ConnectParams) error
	RevalidateChannel(ctx context.Context, params RevalidateParams) error
	UpdateSDKLoadingState(ctx context.Context, params LoadingStateParams) error
}

// ConditionWaiter blocks until a condition holds; its timeout policy is its own.
type ConditionWaiter interface {
	WaitForCondition(ctx context.Context, cond waitutil.Condition) error
}
