package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/morezero/sdkconnect/pkg/connection"
	"github.com/morezero/sdkconnect/pkg/deeplink"
	"github.com/morezero/sdkconnect/pkg/waitutil"
)

type fakeHandler struct {
	got     *deeplink.InvocationRequest
	outcome *deeplink.Outcome
	hasDL   bool
}

func (f *fakeHandler) Handle(ctx context.Context, req *deeplink.InvocationRequest) *deeplink.Outcome {
	f.got = req
	_, f.hasDL = ctx.Deadline()
	if f.outcome != nil {
		return f.outcome
	}
	return &deeplink.Outcome{ChannelID: req.ChannelID, Action: deeplink.ActionConnect, Origin: req.Origin}
}

type fakeAdmin struct {
	conns   map[string]*deeplink.ConnectionRecord
	err     error
	calls   []string
	healthy bool
}

func (f *fakeAdmin) Health(context.Context) *connection.HealthOutput {
	status := "unhealthy"
	if f.healthy {
		status = "healthy"
	}
	return &connection.HealthOutput{Status: status, KnownChannels: len(f.conns)}
}

func (f *fakeAdmin) GetConnections() map[string]*deeplink.ConnectionRecord { return f.conns }

func (f *fakeAdmin) RevalidateChannel(_ context.Context, p deeplink.RevalidateParams) error {
	f.calls = append(f.calls, "revalidate:"+p.ChannelID)
	return f.err
}

func (f *fakeAdmin) Disconnect(_ context.Context, id string) error {
	f.calls = append(f.calls, "disconnect:"+id)
	return f.err
}

func (f *fakeAdmin) RemoveChannel(_ context.Context, id string) error {
	f.calls = append(f.calls, "remove:"+id)
	return f.err
}

// TestDispatch_UnknownMethod verifies that unknown methods return METHOD_NOT_FOUND.
func TestDispatch_UnknownMethod(t *testing.T) {
	disp := NewDispatcher(&fakeHandler{}, &fakeAdmin{})

	resp := disp.Dispatch(context.Background(), &SDKRequest{
		ID:     "test-1",
		Method: "nonexistent",
		Params: json.RawMessage(`{}`),
	})

	if resp.Ok {
		t.Error("dispatcher:dispatch_routing_test - expected Ok=false for unknown method")
	}
	if resp.ID != "test-1" {
		t.Errorf("dispatcher:dispatch_routing_test - expected ID=test-1, got %s", resp.ID)
	}
	if resp.Error == nil {
		t.Fatal("dispatcher:dispatch_routing_test - expected error, got nil")
	}
	if resp.Error.Code != "METHOD_NOT_FOUND" {
		t.Errorf("dispatcher:dispatch_routing_test - expected METHOD_NOT_FOUND, got %s", resp.Error.Code)
	}
	if resp.Error.Retryable {
		t.Error("dispatcher:dispatch_routing_test - METHOD_NOT_FOUND should not be retryable")
	}
}

func TestDispatch_UnknownMethodPreservesRequestID(t *testing.T) {
	disp := NewDispatcher(&fakeHandler{}, &fakeAdmin{})

	for _, id := range []string{"req-1", "req-2", "unique-abc-123", ""} {
		resp := disp.Dispatch(context.Background(), &SDKRequest{
			ID:     id,
			Method: "unknown",
			Params: json.RawMessage(`{}`),
		})
		if resp.ID != id {
			t.Errorf("dispatcher:dispatch_routing_test - expected ID=%q, got %q", id, resp.ID)
		}
	}
}

func TestDispatch_HandleDeeplink(t *testing.T) {
	h := &fakeHandler{}
	disp := NewDispatcher(h, &fakeAdmin{})

	resp := disp.Dispatch(context.Background(), &SDKRequest{
		ID:     "req-1",
		Method: "handleDeeplink",
		Params: json.RawMessage(`{"channelId":"c1","url":"https://wallet.link/connect?channelId=c1","protocolVersion":2}`),
	})

	if !resp.Ok {
		t.Fatalf("dispatcher:dispatch_routing_test - expected Ok, got %+v", resp.Error)
	}
	if h.got == nil || h.got.ChannelID != "c1" || h.got.ProtocolVersion != 2 {
		t.Fatalf("dispatcher:dispatch_routing_test - handler got %+v", h.got)
	}
	if h.got.Origin != deeplink.OriginDeeplink {
		t.Errorf("dispatcher:dispatch_routing_test - origin default = %q, want deeplink", h.got.Origin)
	}
	res, ok := resp.Result.(*OutcomeResult)
	if !ok {
		t.Fatalf("dispatcher:dispatch_routing_test - result type = %T", resp.Result)
	}
	if res.Action != "connect" || res.ChannelID != "c1" {
		t.Errorf("dispatcher:dispatch_routing_test - result = %+v", res)
	}
}

func TestDispatch_HandleDeeplink_InvalidParams(t *testing.T) {
	disp := NewDispatcher(&fakeHandler{}, &fakeAdmin{})

	for _, params := range []string{`{invalid json`, `{}`, `{"channelId":"  "}`} {
		resp := disp.Dispatch(context.Background(), &SDKRequest{
			ID: "req-1", Method: "handleDeeplink", Params: json.RawMessage(params),
		})
		if resp.Ok || resp.Error == nil || resp.Error.Code != "INVALID_ARGUMENT" {
			t.Errorf("dispatcher:dispatch_routing_test - params %s: resp = %+v", params, resp)
		}
	}
}

func TestDispatch_HandleDeeplink_FailedOutcome(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantCode  string
		retryable bool
	}{
		{"generic failure", errors.New("socket closed"), "CONNECTION_FAILED", true},
		{"incompatible sdk", fmt.Errorf("wrap: %w", connection.ErrIncompatibleSDK), "INCOMPATIBLE_SDK", false},
		{"init wait timed out", fmt.Errorf("wrap: %w", waitutil.ErrConditionTimeout), "UNAVAILABLE", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := &fakeHandler{outcome: &deeplink.Outcome{
				ChannelID: "c1", Action: deeplink.ActionConnect, Origin: "deeplink", Err: tt.err,
			}}
			disp := NewDispatcher(h, &fakeAdmin{})

			resp := disp.Dispatch(context.Background(), &SDKRequest{
				ID: "req-1", Method: "handleDeeplink", Params: json.RawMessage(`{"channelId":"c1"}`),
			})
			if resp.Ok {
				t.Fatal("dispatcher:dispatch_routing_test - expected Ok=false")
			}
			if resp.Error.Code != tt.wantCode || resp.Error.Retryable != tt.retryable {
				t.Errorf("dispatcher:dispatch_routing_test - error = %+v", resp.Error)
			}
			res, ok := resp.Error.Details.(*OutcomeResult)
			if !ok || res.Error == "" || res.Action != "connect" {
				t.Errorf("dispatcher:dispatch_routing_test - details = %#v", resp.Error.Details)
			}
		})
	}
}

func TestDispatch_OpenURL(t *testing.T) {
	h := &fakeHandler{}
	disp := NewDispatcher(h, &fakeAdmin{})

	params, _ := json.Marshal(OpenURLParams{URL: "https://wallet.link/connect?channelId=c9&pubkey=02ab&v=2&t=q"})
	resp := disp.Dispatch(context.Background(), &SDKRequest{ID: "req-1", Method: "openUrl", Params: params})

	if !resp.Ok {
		t.Fatalf("dispatcher:dispatch_routing_test - expected Ok, got %+v", resp.Error)
	}
	if h.got.ChannelID != "c9" || h.got.OtherPublicKey != "02ab" || h.got.ProtocolVersion != 2 {
		t.Errorf("dispatcher:dispatch_routing_test - handler got %+v", h.got)
	}
	if !deeplink.HasQRMarker(h.got.URL) {
		t.Error("dispatcher:dispatch_routing_test - URL should be passed through intact")
	}
}

func TestDispatch_OpenURL_MissingChannel(t *testing.T) {
	h := &fakeHandler{}
	disp := NewDispatcher(h, &fakeAdmin{})

	params, _ := json.Marshal(OpenURLParams{URL: "https://wallet.link/connect?pubkey=02ab"})
	resp := disp.Dispatch(context.Background(), &SDKRequest{ID: "req-1", Method: "openUrl", Params: params})

	if resp.Ok || resp.Error.Code != "INVALID_ARGUMENT" {
		t.Errorf("dispatcher:dispatch_routing_test - resp = %+v", resp)
	}
	if h.got != nil {
		t.Error("dispatcher:dispatch_routing_test - handler must not run for an invalid URL")
	}
}

func TestDispatch_TimeoutFromContext(t *testing.T) {
	h := &fakeHandler{}
	disp := NewDispatcher(h, &fakeAdmin{})

	disp.Dispatch(context.Background(), &SDKRequest{
		ID: "req-1", Method: "handleDeeplink", Params: json.RawMessage(`{"channelId":"c1"}`),
		Ctx: &InvocationContext{TimeoutMs: 500},
	})
	if !h.hasDL {
		t.Error("dispatcher:dispatch_routing_test - expected a deadline from timeoutMs")
	}

	disp.Dispatch(context.Background(), &SDKRequest{
		ID: "req-2", Method: "handleDeeplink", Params: json.RawMessage(`{"channelId":"c1"}`),
	})
	if h.hasDL {
		t.Error("dispatcher:dispatch_routing_test - unexpected deadline without timeoutMs")
	}
}

func TestDispatch_ListChannels(t *testing.T) {
	admin := &fakeAdmin{conns: map[string]*deeplink.ConnectionRecord{
		"b":    {ID: "b"},
		"a":    {ID: "a"},
		"null": nil,
	}}
	disp := NewDispatcher(&fakeHandler{}, admin)

	resp := disp.Dispatch(context.Background(), &SDKRequest{ID: "req-1", Method: "listChannels"})
	if !resp.Ok {
		t.Fatalf("dispatcher:dispatch_routing_test - expected Ok, got %+v", resp.Error)
	}
	list := resp.Result.(map[string]interface{})["channels"].([]*deeplink.ConnectionRecord)
	if len(list) != 2 || list[0].ID != "a" || list[1].ID != "b" {
		t.Errorf("dispatcher:dispatch_routing_test - channels = %v", list)
	}
}

func TestDispatch_ChannelAdminMethods(t *testing.T) {
	admin := &fakeAdmin{}
	disp := NewDispatcher(&fakeHandler{}, admin)
	ctx := context.Background()

	for _, method := range []string{"revalidate", "disconnect", "removeChannel"} {
		resp := disp.Dispatch(ctx, &SDKRequest{ID: "req-1", Method: method, Params: json.RawMessage(`{"channelId":"c1"}`)})
		if !resp.Ok {
			t.Errorf("dispatcher:dispatch_routing_test - %s: expected Ok, got %+v", method, resp.Error)
		}
	}
	want := []string{"revalidate:c1", "disconnect:c1", "remove:c1"}
	if len(admin.calls) != len(want) {
		t.Fatalf("dispatcher:dispatch_routing_test - calls = %v, want %v", admin.calls, want)
	}
	for i := range want {
		if admin.calls[i] != want[i] {
			t.Errorf("dispatcher:dispatch_routing_test - calls[%d] = %s, want %s", i, admin.calls[i], want[i])
		}
	}

	resp := disp.Dispatch(ctx, &SDKRequest{ID: "req-1", Method: "disconnect", Params: json.RawMessage(`{}`)})
	if resp.Ok || resp.Error.Code != "INVALID_ARGUMENT" {
		t.Errorf("dispatcher:dispatch_routing_test - missing channelId: resp = %+v", resp)
	}
}

func TestDispatch_RevalidateUnknownChannel(t *testing.T) {
	admin := &fakeAdmin{err: fmt.Errorf("wrap: %w", connection.ErrChannelNotFound)}
	disp := NewDispatcher(&fakeHandler{}, admin)

	resp := disp.Dispatch(context.Background(), &SDKRequest{
		ID: "req-1", Method: "revalidate", Params: json.RawMessage(`{"channelId":"ghost"}`),
	})
	if resp.Ok || resp.Error.Code != "NOT_FOUND" || resp.Error.Retryable {
		t.Errorf("dispatcher:dispatch_routing_test - resp = %+v", resp.Error)
	}
}

func TestDispatch_Health(t *testing.T) {
	disp := NewDispatcher(&fakeHandler{}, &fakeAdmin{healthy: true})

	resp := disp.Dispatch(context.Background(), &SDKRequest{ID: "req-1", Method: "health"})
	if !resp.Ok || resp.Error != nil {
		t.Fatalf("dispatcher:dispatch_routing_test - health should return Ok, got %+v", resp.Error)
	}
	out, ok := resp.Result.(*connection.HealthOutput)
	if !ok {
		t.Fatalf("dispatcher:dispatch_routing_test - health result type = %T, want *connection.HealthOutput", resp.Result)
	}
	if out.Status != "healthy" {
		t.Errorf("dispatcher:dispatch_routing_test - status = %q, want healthy", out.Status)
	}
}

func TestErrorToResponse(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		code      string
		retryable bool
	}{
		{"not found", connection.ErrChannelNotFound, "NOT_FOUND", false},
		{"invalid key", connection.ErrInvalidPeerKey, "INVALID_ARGUMENT", false},
		{"empty id", connection.ErrEmptyChannelID, "INVALID_ARGUMENT", false},
		{"not initialized", connection.ErrNotInitialized, "UNAVAILABLE", true},
		{"deadline", fmt.Errorf("x: %w", context.DeadlineExceeded), "TIMEOUT", true},
		{"generic", errors.New("something went wrong"), "INTERNAL_ERROR", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := errorToResponse("req-1", tt.err)
			if resp.Ok {
				t.Error("dispatcher:dispatch_routing_test - expected Ok=false")
			}
			if resp.Error.Code != tt.code {
				t.Errorf("dispatcher:dispatch_routing_test - Code = %q, want %q", resp.Error.Code, tt.code)
			}
			if resp.Error.Retryable != tt.retryable {
				t.Errorf("dispatcher:dispatch_routing_test - Retryable = %v, want %v", resp.Error.Retryable, tt.retryable)
			}
			if resp.Error.Message != tt.err.Error() {
				t.Errorf("dispatcher:dispatch_routing_test - Message = %q", resp.Error.Message)
			}
		})
	}
}

func TestToOutcomeResult(t *testing.T) {
	res := ToOutcomeResult(&deeplink.Outcome{
		ChannelID:  "c1",
		Action:     deeplink.ActionReconnect,
		Origin:     "deeplink",
		Waited:     true,
		RPCRelayed: true,
		RPCErr:     errors.New("decrypt failed"),
	})
	if res.Action != "reconnect" || !res.Waited || !res.RPCRelayed {
		t.Errorf("dispatcher:dispatch_routing_test - result = %+v", res)
	}
	if res.Error != "" || res.RPCError != "decrypt failed" {
		t.Errorf("dispatcher:dispatch_routing_test - errors = %q / %q", res.Error, res.RPCError)
	}
}
