// Package dispatcher routes incoming COMMS messages to deep-link and channel methods.
package dispatcher

import "encoding/json"

// SDKRequest is the JSON envelope for incoming COMMS requests.
type SDKRequest struct {
	ID     string             `json:"id"`
	Method string             `json:"method"`
	Params json.RawMessage    `json:"params"`
	Ctx    *InvocationContext `json:"ctx,omitempty"`
}

// SDKResponse is the JSON envelope for COMMS responses.
type SDKResponse struct {
	ID     string       `json:"id"`
	Ok     bool         `json:"ok"`
	Result interface{}  `json:"result,omitempty"`
	Error  *ErrorDetail `json:"error,omitempty"`
}

// ErrorDetail holds structured error information.
type ErrorDetail struct {
	Code      string      `json:"code"`
	Message   string      `json:"message"`
	Details   interface{} `json:"details,omitempty"`
	Retryable bool        `json:"retryable"`
}

// InvocationContext holds context from the caller.
type InvocationContext struct {
	RequestID     string `json:"requestId,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
	Source        string `json:"source,omitempty"`
	// TimeoutMs bounds the request when positive.
	TimeoutMs int `json:"timeoutMs,omitempty"`
}

// OpenURLParams are the params of the openUrl method.
type OpenURLParams struct {
	URL    string `json:"url"`
	Origin string `json:"origin,omitempty"`
}

// ChannelParams are the params of the per-channel admin methods.
type ChannelParams struct {
	ChannelID string `json:"channelId"`
}

// OutcomeResult is the wire form of a deeplink.Outcome.
type OutcomeResult struct {
	ChannelID  string `json:"channelId"`
	Action     string `json:"action"`
	Origin     string `json:"origin"`
	Waited     bool   `json:"waited"`
	Error      string `json:"error,omitempty"`
	RPCRelayed bool   `json:"rpcRelayed"`
	RPCError   string `json:"rpcError,omitempty"`
}
