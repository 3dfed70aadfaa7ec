package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/morezero/sdkconnect/pkg/connection"
	"github.com/morezero/sdkconnect/pkg/deeplink"
	"github.com/morezero/sdkconnect/pkg/waitutil"
)

const logPrefix = "dispatcher:dispatch"

// DeeplinkHandler handles one deep-link invocation. *deeplink.Handler implements it.
type DeeplinkHandler interface {
	Handle(ctx context.Context, req *deeplink.InvocationRequest) *deeplink.Outcome
}

// ChannelAdmin is the subset of *connection.Manager the dispatcher exposes.
type ChannelAdmin interface {
	Health(ctx context.Context) *connection.HealthOutput
	GetConnections() map[string]*deeplink.ConnectionRecord
	RevalidateChannel(ctx context.Context, params deeplink.RevalidateParams) error
	Disconnect(ctx context.Context, channelID string) error
	RemoveChannel(ctx context.Context, channelID string) error
}

// Dispatcher routes COMMS requests to the deep-link handler and channel admin.
type Dispatcher struct {
	handler DeeplinkHandler
	admin   ChannelAdmin
}

// NewDispatcher creates a new Dispatcher.
func NewDispatcher(handler DeeplinkHandler, admin ChannelAdmin) *Dispatcher {
	return &Dispatcher{handler: handler, admin: admin}
}

// Dispatch routes a request to the appropriate method and returns a response.
func (d *Dispatcher) Dispatch(ctx context.Context, req *SDKRequest) *SDKResponse {
	slog.Debug(fmt.Sprintf("%s - method=%s id=%s", logPrefix, req.Method, req.ID))

	if req.Ctx != nil && req.Ctx.TimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.Ctx.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	switch req.Method {
	case "handleDeeplink":
		return d.handleDeeplink(ctx, req)
	case "openUrl":
		return d.handleOpenURL(ctx, req)
	case "listChannels":
		return d.handleListChannels(req)
	case "revalidate":
		return d.handleRevalidate(ctx, req)
	case "disconnect":
		return d.handleDisconnect(ctx, req)
	case "removeChannel":
		return d.handleRemoveChannel(ctx, req)
	case "health":
		return d.handleHealth(ctx, req)
	default:
		return &SDKResponse{
			ID: req.ID,
			Ok: false,
			Error: &ErrorDetail{
				Code:      "METHOD_NOT_FOUND",
				Message:   fmt.Sprintf("Unknown method: %s", req.Method),
				Retryable: false,
			},
		}
	}
}

func (d *Dispatcher) handleDeeplink(ctx context.Context, req *SDKRequest) *SDKResponse {
	var input deeplink.InvocationRequest
	if err := json.Unmarshal(req.Params, &input); err != nil {
		return errorResponse(req.ID, "INVALID_ARGUMENT", "Failed to parse handleDeeplink params", false)
	}
	if strings.TrimSpace(input.ChannelID) == "" {
		return errorResponse(req.ID, "INVALID_ARGUMENT", "channelId is required", false)
	}
	if input.Origin == "" {
		input.Origin = deeplink.OriginDeeplink
	}
	return outcomeResponse(req.ID, d.handler.Handle(ctx, &input))
}

func (d *Dispatcher) handleOpenURL(ctx context.Context, req *SDKRequest) *SDKResponse {
	var input OpenURLParams
	if err := json.Unmarshal(req.Params, &input); err != nil {
		return errorResponse(req.ID, "INVALID_ARGUMENT", "Failed to parse openUrl params", false)
	}
	invocation, err := deeplink.ParseConnectURL(input.URL, input.Origin)
	if err != nil {
		return errorResponse(req.ID, "INVALID_ARGUMENT", err.Error(), false)
	}
	return outcomeResponse(req.ID, d.handler.Handle(ctx, invocation))
}

func (d *Dispatcher) handleListChannels(req *SDKRequest) *SDKResponse {
	conns := d.admin.GetConnections()
	list := make([]*deeplink.ConnectionRecord, 0, len(conns))
	for _, rec := range conns {
		if rec != nil {
			list = append(list, rec)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return &SDKResponse{ID: req.ID, Ok: true, Result: map[string]interface{}{"channels": list}}
}

func (d *Dispatcher) handleRevalidate(ctx context.Context, req *SDKRequest) *SDKResponse {
	input, resp := parseChannelParams(req)
	if resp != nil {
		return resp
	}
	if err := d.admin.RevalidateChannel(ctx, deeplink.RevalidateParams{ChannelID: input.ChannelID}); err != nil {
		return errorToResponse(req.ID, err)
	}
	return &SDKResponse{ID: req.ID, Ok: true, Result: input}
}

func (d *Dispatcher) handleDisconnect(ctx context.Context, req *SDKRequest) *SDKResponse {
	input, resp := parseChannelParams(req)
	if resp != nil {
		return resp
	}
	if err := d.admin.Disconnect(ctx, input.ChannelID); err != nil {
		return errorToResponse(req.ID, err)
	}
	return &SDKResponse{ID: req.ID, Ok: true, Result: input}
}

func (d *Dispatcher) handleRemoveChannel(ctx context.Context, req *SDKRequest) *SDKResponse {
	input, resp := parseChannelParams(req)
	if resp != nil {
		return resp
	}
	if err := d.admin.RemoveChannel(ctx, input.ChannelID); err != nil {
		return errorToResponse(req.ID, err)
	}
	return &SDKResponse{ID: req.ID, Ok: true, Result: input}
}

func (d *Dispatcher) handleHealth(ctx context.Context, req *SDKRequest) *SDKResponse {
	result := d.admin.Health(ctx)
	return &SDKResponse{ID: req.ID, Ok: true, Result: result}
}

// --- helpers ---

func parseChannelParams(req *SDKRequest) (*ChannelParams, *SDKResponse) {
	var input ChannelParams
	if err := json.Unmarshal(req.Params, &input); err != nil {
		return nil, errorResponse(req.ID, "INVALID_ARGUMENT", fmt.Sprintf("Failed to parse %s params", req.Method), false)
	}
	if strings.TrimSpace(input.ChannelID) == "" {
		return nil, errorResponse(req.ID, "INVALID_ARGUMENT", "channelId is required", false)
	}
	return &input, nil
}

// ToOutcomeResult converts an outcome to its wire form.
func ToOutcomeResult(out *deeplink.Outcome) *OutcomeResult {
	res := &OutcomeResult{
		ChannelID:  out.ChannelID,
		Action:     string(out.Action),
		Origin:     out.Origin,
		Waited:     out.Waited,
		RPCRelayed: out.RPCRelayed,
	}
	if out.Err != nil {
		res.Error = out.Err.Error()
	}
	if out.RPCErr != nil {
		res.RPCError = out.RPCErr.Error()
	}
	return res
}

// outcomeResponse reports a failed route as CONNECTION_FAILED with the outcome as details.
func outcomeResponse(id string, out *deeplink.Outcome) *SDKResponse {
	res := ToOutcomeResult(out)
	if !out.Failed() {
		return &SDKResponse{ID: id, Ok: true, Result: res}
	}
	detail := errorToResponse(id, out.Err).Error
	if detail.Code == "INTERNAL_ERROR" {
		detail.Code = "CONNECTION_FAILED"
	}
	detail.Details = res
	return &SDKResponse{ID: id, Ok: false, Error: detail}
}

func errorResponse(id, code, message string, retryable bool) *SDKResponse {
	return &SDKResponse{
		ID: id,
		Ok: false,
		Error: &ErrorDetail{
			Code:      code,
			Message:   message,
			Retryable: retryable,
		},
	}
}

func errorToResponse(id string, err error) *SDKResponse {
	switch {
	case errors.Is(err, connection.ErrChannelNotFound):
		return errorResponse(id, "NOT_FOUND", err.Error(), false)
	case errors.Is(err, connection.ErrIncompatibleSDK):
		return errorResponse(id, "INCOMPATIBLE_SDK", err.Error(), false)
	case errors.Is(err, connection.ErrInvalidPeerKey), errors.Is(err, connection.ErrEmptyChannelID):
		return errorResponse(id, "INVALID_ARGUMENT", err.Error(), false)
	case errors.Is(err, connection.ErrNotInitialized), errors.Is(err, waitutil.ErrConditionTimeout):
		return errorResponse(id, "UNAVAILABLE", err.Error(), true)
	case errors.Is(err, context.DeadlineExceeded):
		return errorResponse(id, "TIMEOUT", err.Error(), true)
	}
	return errorResponse(id, "INTERNAL_ERROR", err.Error(), true)
}
