package deeplink

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/morezero/sdkconnect/pkg/waitutil"
)

const logPrefix = "deeplink:handler"

const initWaitContext = "deeplink_init"

// Action is the routing decision taken for a request.
type Action string

const (
	ActionNone      Action = "none"
	ActionReconnect Action = "reconnect"
	ActionConnect   Action = "connect"
)

// Outcome records what a dispatch did. Failures are captured here, never returned.
type Outcome struct {
	ChannelID string `json:"channelId"`
	Action    Action `json:"action"`
	Origin    string `json:"origin"`
	Waited    bool   `json:"waited"`
	// Err is the contained reconnect/connect (or init wait) failure.
	Err error `json:"-"`
	// RPCRelayed is true when a payload reached a live session's Decrypt.
	RPCRelayed bool  `json:"rpcRelayed"`
	RPCErr     error `json:"-"`
}

// Failed reports whether routing failed.
func (o *Outcome) Failed() bool {
	return o.Err != nil
}

// HandlerParams holds parameters for NewHandler.
type HandlerParams struct {
	Manager ConnectionManager
	Waiter  ConditionWaiter
	// InitPollInterval is passed to the waiter as the condition's WaitTime; zero uses the waiter default.
	InitPollInterval time.Duration
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Handler dispatches deep-link invocations. It keeps no per-request state.
type Handler struct {
	manager          ConnectionManager
	waiter           ConditionWaiter
	initPollInterval time.Duration
	logger           *slog.Logger
}

// NewHandler creates a new Handler.
func NewHandler(params HandlerParams) *Handler {
	return &Handler{
		manager:          params.Manager,
		waiter:           params.Waiter,
		initPollInterval: params.InitPollInterval,
		logger:           params.Logger,
	}
}

func (h *Handler) log() *slog.Logger {
	if h.logger != nil {
		return h.logger
	}
	return slog.Default()
}

// Handle routes req to reconnect or connect and relays its RPC payload, if any.
// It always returns a non-nil Outcome and never panics on collaborator errors.
func (h *Handler) Handle(ctx context.Context, req *InvocationRequest) *Outcome {
	out := &Outcome{Action: ActionNone}
	if req == nil {
		out.Err = ErrNilRequest
		h.log().Error(fmt.Sprintf("%s - Failed to connect to channel: %v", logPrefix, out.Err))
		return out
	}
	out.ChannelID = req.ChannelID
	out.Origin = req.Origin

	if !h.manager.HasInitialized() {
		out.Waited = true
		h.log().Debug(fmt.Sprintf("%s - connection manager not initialized, waiting (channel=%s)", logPrefix, req.ChannelID))
		err := h.waiter.WaitForCondition(ctx, waitutil.Condition{
			Fn:       h.manager.HasInitialized,
			Context:  initWaitContext,
			WaitTime: h.initPollInterval,
		})
		if err != nil {
			out.Err = fmt.Errorf("%s - connection manager never initialized: %w", logPrefix, err)
			h.log().Error(fmt.Sprintf("%s - Failed to connect to channel: %v", logPrefix, out.Err),
				"channelId", req.ChannelID, "error", err)
		}
	}

	origin := req.Origin
	if HasQRMarker(req.URL) {
		origin = OriginQRCode
	}
	out.Origin = origin

	// Routing needs an initialized manager; the RPC relay below does not.
	if out.Err == nil {
		if err := h.route(ctx, req, origin, out); err != nil {
			out.Err = err
			h.log().Error(fmt.Sprintf("%s - Failed to connect to channel: %v", logPrefix, err),
				"channelId", req.ChannelID, "action", string(out.Action), "error", err)
		}
	}

	if req.RPC != "" {
		h.relayRPC(req, out)
	}

	return out
}

func (h *Handler) route(ctx context.Context, req *InvocationRequest, origin string, out *Outcome) error {
	if channelExists(h.manager.GetConnections(), req.ChannelID) {
		out.Action = ActionReconnect

		if origin == OriginDeeplink {
			err := h.manager.UpdateSDKLoadingState(ctx, LoadingStateParams{ChannelID: req.ChannelID, Loading: true})
			if err != nil {
				h.log().Warn(fmt.Sprintf("%s - failed to update loading state for %s: %v", logPrefix, req.ChannelID, err))
			}
		}

		return h.manager.Reconnect(ctx, ReconnectParams{
			ChannelID:         req.ChannelID,
			OtherPublicKey:    req.OtherPublicKey,
			Context:           req.Context,
			ProtocolVersion:   req.ProtocolVersion,
			InitialConnection: false,
			Trigger:           TriggerDeeplink,
			UpdateKey:         true,
		})
	}

	out.Action = ActionConnect
	return h.manager.ConnectToChannel(ctx, ConnectParams{
		ID:                req.ChannelID,
		InitialConnection: true,
		Origin:            origin,
		OriginatorInfo:    req.OriginatorInfo,
		ProtocolVersion:   req.ProtocolVersion,
		Trigger:           TriggerDeeplink,
		OtherPublicKey:    req.OtherPublicKey,
	})
}

// relayRPC hands the decoded payload to the live session. A missing session drops it silently.
func (h *Handler) relayRPC(req *InvocationRequest, out *Outcome) {
	decoded, err := DecodeRPCPayload(req.RPC)
	if err != nil {
		out.RPCErr = err
		h.log().Warn(fmt.Sprintf("%s - dropping undecodable rpc payload for %s: %v", logPrefix, req.ChannelID, err))
		return
	}

	live := h.manager.GetConnected()[req.ChannelID]
	if live == nil || live.Remote == nil {
		h.log().Debug(fmt.Sprintf("%s - no live session for %s, rpc dropped", logPrefix, req.ChannelID))
		return
	}

	out.RPCRelayed = true
	if _, err := live.Remote.Decrypt(decoded); err != nil {
		out.RPCErr = err
		h.log().Warn(fmt.Sprintf("%s - rpc decrypt failed for %s: %v", logPrefix, req.ChannelID, err))
	}
}

// channelExists treats a missing key and a nil value the same way.
func channelExists(conns map[string]*ConnectionRecord, channelID string) bool {
	rec, ok := conns[channelID]
	return ok && rec != nil
}

// DecodeRPCPayload decodes a base64 RPC payload, accepting standard and URL-safe alphabets.
func DecodeRPCPayload(payload string) (string, error) {
	encodings := []*base64.Encoding{
		base64.StdEncoding,
		base64.URLEncoding,
		base64.RawStdEncoding,
		base64.RawURLEncoding,
	}
	for _, enc := range encodings {
		if data, err := enc.DecodeString(payload); err == nil {
			return string(data), nil
		}
	}
	return "", fmt.Errorf("%s - %w", logPrefix, ErrInvalidRPCPayload)
}

// ErrNilRequest is captured when Handle is called without a request.
var ErrNilRequest = errors.New("nil invocation request")

// ErrInvalidRPCPayload is captured when the rpc payload is not base64.
var ErrInvalidRPCPayload = errors.New("rpc payload is not valid base64")
