package mcp_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/stretchr/testify/require"

	mcp "github.com/MegaGrindStone/mcp-inspector"
)

type echoParams struct {
	N int `json:"n"`
}

func connectProtocol(t *testing.T, options ...mcp.ProtocolOption) (*mcp.Protocol, *mockTransport) {
	t.Helper()

	p := mcp.NewProtocol(options...)
	transport := newMockTransport()
	require.NoError(t, p.Connect(context.Background(), transport))
	t.Cleanup(func() {
		_ = p.Close()
		p.Wait()
	})
	return p, transport
}

func TestProtocolConcurrentRequestsOutOfOrder(t *testing.T) {
	p, transport := connectProtocol(t)

	const n = 10

	type outcome struct {
		sent int
		got  echoParams
		err  error
	}
	outcomes := make(chan outcome, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			got, err := mcp.Call[echoParams](context.Background(), p, "echo", echoParams{N: i}, nil)
			outcomes <- outcome{sent: i, got: got, err: err}
		}(i)
	}

	requests := make([]mcp.JSONRPCMessage, 0, n)
	for i := 0; i < n; i++ {
		requests = append(requests, transport.next(t))
	}

	ids := make(map[mcp.RequestID]struct{}, n)
	for _, req := range requests {
		require.Equal(t, mcp.KindRequest, req.Kind())
		ids[req.ID] = struct{}{}
	}
	require.Len(t, ids, n, "request ids must be unique")

	// Answer in reverse order of emission, echoing each request's params.
	for i := len(requests) - 1; i >= 0; i-- {
		transport.deliver(responseTo(t, requests[i], requests[i].Params))
	}

	for i := 0; i < n; i++ {
		o := <-outcomes
		require.NoError(t, o.err)
		require.Equal(t, o.sent, o.got.N)
	}
	require.Zero(t, p.PendingRequests())
}

func TestProtocolUnknownAndDuplicateResponses(t *testing.T) {
	p, transport := connectProtocol(t)

	// A response nobody waits for is dropped.
	transport.deliver(responseTo(t, mcp.JSONRPCMessage{ID: mcp.NumberID(999)}, map[string]any{}))

	errs := make(chan error, 1)
	results := make(chan json.RawMessage, 1)
	go func() {
		res, err := p.Request(context.Background(), "echo", nil, nil)
		results <- res
		errs <- err
	}()

	req := transport.next(t)
	transport.deliver(responseTo(t, req, map[string]any{"first": true}))
	transport.deliver(responseTo(t, req, map[string]any{"second": true}))

	require.NoError(t, <-errs)
	require.JSONEq(t, `{"first":true}`, string(<-results))
	require.Zero(t, p.PendingRequests())
}

func TestProtocolCloseRejectsPending(t *testing.T) {
	var closes atomic.Int32
	p, _ := connectProtocol(t, mcp.WithOnClose(func() { closes.Add(1) }))

	const n = 3
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := p.Request(context.Background(), "slow", nil, nil)
			errs <- err
		}()
	}
	require.Eventually(t, func() bool { return p.PendingRequests() == n }, waitTimeout, time.Millisecond)

	require.NoError(t, p.Close())

	for i := 0; i < n; i++ {
		select {
		case err := <-errs:
			require.ErrorIs(t, err, mcp.ErrConnectionClosed)
		case <-time.After(waitTimeout):
			t.Fatal("pending request was not rejected")
		}
	}
	require.Zero(t, p.PendingRequests())
	require.Equal(t, int32(1), closes.Load())

	_, err := p.Request(context.Background(), "late", nil, nil)
	require.ErrorIs(t, err, mcp.ErrConnectionClosed)
	require.ErrorIs(t, p.Notify(context.Background(), "late", nil), mcp.ErrConnectionClosed)

	select {
	case <-p.Done():
	default:
		t.Fatal("Done was not closed")
	}

	// Closing again is a no-op.
	require.NoError(t, p.Close())
	require.Equal(t, int32(1), closes.Load())
}

func TestProtocolPeerClose(t *testing.T) {
	var closes atomic.Int32
	p, transport := connectProtocol(t, mcp.WithOnClose(func() { closes.Add(1) }))

	errs := make(chan error, 1)
	go func() {
		_, err := p.Request(context.Background(), "slow", nil, nil)
		errs <- err
	}()
	transport.next(t)

	require.NoError(t, transport.Close())

	require.ErrorIs(t, <-errs, mcp.ErrConnectionClosed)
	require.Equal(t, int32(1), closes.Load())
	require.Zero(t, transport.observerCount())
}

func TestProtocolRequestTimeout(t *testing.T) {
	p, transport := connectProtocol(t)

	start := time.Now()
	errs := make(chan error, 1)
	go func() {
		_, err := p.Request(context.Background(), "slow", nil, nil, mcp.WithTimeout(50*time.Millisecond))
		errs <- err
	}()
	req := transport.next(t)

	err := <-errs
	require.ErrorIs(t, err, mcp.ErrRequestTimeout)
	require.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	require.Zero(t, p.PendingRequests())

	// The late reply finds nothing to resolve.
	time.Sleep(50 * time.Millisecond)
	transport.deliver(responseTo(t, req, map[string]any{}))
	require.Zero(t, p.PendingRequests())
}

func TestProtocolDefaultRequestTimeout(t *testing.T) {
	p, _ := connectProtocol(t, mcp.WithDefaultRequestTimeout(20*time.Millisecond))

	_, err := p.Request(context.Background(), "slow", nil, nil)
	require.ErrorIs(t, err, mcp.ErrRequestTimeout)

	// A per-call timeout overrides the default.
	start := time.Now()
	_, err = p.Request(context.Background(), "slow", nil, nil, mcp.WithTimeout(60*time.Millisecond))
	require.ErrorIs(t, err, mcp.ErrRequestTimeout)
	require.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)
}

func TestProtocolRequestAbandoned(t *testing.T) {
	p, transport := connectProtocol(t)

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() {
		_, err := p.Request(ctx, "slow", nil, nil)
		errs <- err
	}()
	req := transport.next(t)
	cancel()

	require.ErrorIs(t, <-errs, context.Canceled)
	require.Zero(t, p.PendingRequests())

	transport.deliver(responseTo(t, req, map[string]any{}))
	require.Zero(t, p.PendingRequests())
}

func TestProtocolRequestSendFailure(t *testing.T) {
	p, transport := connectProtocol(t)
	transport.sendErr = errors.New("broken pipe")

	_, err := p.Request(context.Background(), "echo", nil, nil)
	require.ErrorContains(t, err, "broken pipe")
	require.Zero(t, p.PendingRequests())
}

func TestProtocolErrorResponse(t *testing.T) {
	p, transport := connectProtocol(t)

	errs := make(chan error, 1)
	go func() {
		_, err := p.Request(context.Background(), "fail", nil, nil)
		errs <- err
	}()
	req := transport.next(t)
	transport.deliver(mcp.NewErrorResponse(req.ID, mcp.JSONRPCError{Code: -32001, Message: "nope"}))

	var jErr mcp.JSONRPCError
	require.ErrorAs(t, <-errs, &jErr)
	require.Equal(t, -32001, jErr.Code)
	require.Equal(t, "nope", jErr.Message)
}

func TestProtocolResultValidation(t *testing.T) {
	p, transport := connectProtocol(t)

	result := mcp.MustSchemaValidator(&jsonschema.Schema{
		Type:     "object",
		Required: []string{"value"},
		Properties: map[string]*jsonschema.Schema{
			"value": {Type: "integer"},
		},
	})

	errs := make(chan error, 1)
	go func() {
		_, err := p.Request(context.Background(), "get", nil, result)
		errs <- err
	}()
	req := transport.next(t)
	transport.deliver(responseTo(t, req, map[string]any{"value": "not a number"}))

	var vErr *mcp.ValidationError
	require.ErrorAs(t, <-errs, &vErr)
	require.Equal(t, "get", vErr.Method)
	require.Equal(t, mcp.Inbound, vErr.Direction)
	require.Zero(t, p.PendingRequests())
}

func TestProtocolInboundRequests(t *testing.T) {
	sumParams := mcp.MustSchemaValidator(&jsonschema.Schema{
		Type:     "object",
		Required: []string{"a", "b"},
		Properties: map[string]*jsonschema.Schema{
			"a": {Type: "number"},
			"b": {Type: "number"},
		},
	})

	type sumArgs struct {
		A float64 `json:"a"`
		B float64 `json:"b"`
	}

	tests := []struct {
		name       string
		method     string
		params     string
		wantResult string
		wantCode   int
		wantMsg    string
	}{
		{
			name:       "success",
			method:     "sum",
			params:     `{"a":1,"b":2}`,
			wantResult: `{"sum":3}`,
		},
		{
			name:     "method not found",
			method:   "missing",
			wantCode: mcp.CodeMethodNotFound,
			wantMsg:  "Method not found",
		},
		{
			name:     "invalid params",
			method:   "sum",
			params:   `{"a":"one"}`,
			wantCode: mcp.CodeInvalidParams,
			wantMsg:  "Invalid params",
		},
		{
			name:     "typed error forwarded verbatim",
			method:   "typed",
			wantCode: -32042,
			wantMsg:  "quota exhausted",
		},
		{
			name:     "wrapped typed error forwarded verbatim",
			method:   "wrapped",
			wantCode: -32042,
			wantMsg:  "quota exhausted",
		},
		{
			name:     "untyped error becomes internal error",
			method:   "untyped",
			wantCode: mcp.CodeInternalError,
			wantMsg:  "Internal error",
		},
		{
			name:     "panic becomes internal error",
			method:   "panic",
			wantCode: mcp.CodeInternalError,
			wantMsg:  "Internal error",
		},
		{
			name:       "nil result becomes empty object",
			method:     "empty",
			wantResult: `{}`,
		},
	}

	p, transport := connectProtocol(t)

	quota := mcp.JSONRPCError{Code: -32042, Message: "quota exhausted"}
	p.SetRequestHandler("sum", sumParams, mcp.TypedRequestHandler(
		func(_ context.Context, args sumArgs) (map[string]float64, error) {
			return map[string]float64{"sum": args.A + args.B}, nil
		}))
	p.SetRequestHandler("typed", nil, func(context.Context, mcp.Request) (any, error) {
		return nil, quota
	})
	p.SetRequestHandler("wrapped", nil, func(context.Context, mcp.Request) (any, error) {
		return nil, fmt.Errorf("billing: %w", quota)
	})
	p.SetRequestHandler("untyped", nil, func(context.Context, mcp.Request) (any, error) {
		return nil, errors.New("database password is hunter2")
	})
	p.SetRequestHandler("panic", nil, func(context.Context, mcp.Request) (any, error) {
		panic("boom")
	})
	p.SetRequestHandler("empty", nil, func(context.Context, mcp.Request) (any, error) {
		return nil, nil
	})

	for i, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			id := mcp.StringID(fmt.Sprintf("req-%d", i))
			var params json.RawMessage
			if tc.params != "" {
				params = json.RawMessage(tc.params)
			}
			transport.deliver(mcp.JSONRPCMessage{
				JSONRPC: mcp.JSONRPCVersion,
				ID:      id,
				Method:  tc.method,
				Params:  params,
			})

			res := transport.next(t)
			require.Equal(t, id, res.ID)

			if tc.wantCode == 0 {
				require.Equal(t, mcp.KindResponse, res.Kind())
				require.JSONEq(t, tc.wantResult, string(res.Result))
				return
			}
			require.Equal(t, mcp.KindErrorResponse, res.Kind())
			require.Equal(t, tc.wantCode, res.Error.Code)
			require.Equal(t, tc.wantMsg, res.Error.Message)
			require.NotContains(t, res.Error.Error(), "hunter2")
		})
	}
}

func TestProtocolMethodNotFoundData(t *testing.T) {
	_, transport := connectProtocol(t)

	transport.deliver(mcp.JSONRPCMessage{JSONRPC: mcp.JSONRPCVersion, ID: mcp.NumberID(7), Method: "nope"})

	res := transport.next(t)
	require.Equal(t, mcp.NumberID(7), res.ID)
	require.Equal(t, mcp.CodeMethodNotFound, res.Error.Code)
	require.Equal(t, map[string]any{"method": "nope"}, res.Error.Data)
}

func TestProtocolTypedHandlerUndecodableParams(t *testing.T) {
	p, transport := connectProtocol(t)

	p.SetRequestHandler("typed", nil, mcp.TypedRequestHandler(
		func(_ context.Context, params echoParams) (echoParams, error) {
			return params, nil
		}))

	transport.deliver(mcp.JSONRPCMessage{
		JSONRPC: mcp.JSONRPCVersion,
		ID:      mcp.NumberID(1),
		Method:  "typed",
		Params:  json.RawMessage(`{"n":"seven"}`),
	})

	res := transport.next(t)
	require.Equal(t, mcp.CodeInvalidParams, res.Error.Code)
}

func TestProtocolInvalidMessage(t *testing.T) {
	errs := make(chan error, 1)
	_, transport := connectProtocol(t, mcp.WithOnError(func(err error) { errs <- err }))

	transport.deliver(mcp.JSONRPCMessage{JSONRPC: "1.0", ID: mcp.NumberID(3), Method: "ping"})

	select {
	case err := <-errs:
		require.Error(t, err)
	case <-time.After(waitTimeout):
		t.Fatal("invalid message was not reported")
	}

	res := transport.next(t)
	require.Equal(t, mcp.NumberID(3), res.ID)
	require.Equal(t, mcp.CodeInvalidRequest, res.Error.Code)
}

func TestProtocolNotifications(t *testing.T) {
	p, transport := connectProtocol(t)

	received := make(chan echoParams, 1)
	p.SetNotificationHandler("notifications/echo", nil, mcp.TypedNotificationHandler(
		func(_ context.Context, params echoParams) error {
			received <- params
			return nil
		}))
	p.SetNotificationHandler("notifications/fail", nil, func(context.Context, mcp.Notification) error {
		return errors.New("ignored")
	})

	transport.deliver(mcp.JSONRPCMessage{JSONRPC: mcp.JSONRPCVersion, Method: "notifications/unknown"})
	transport.deliver(mcp.JSONRPCMessage{JSONRPC: mcp.JSONRPCVersion, Method: "notifications/fail"})
	transport.deliver(mcp.JSONRPCMessage{
		JSONRPC: mcp.JSONRPCVersion,
		Method:  "notifications/echo",
		Params:  json.RawMessage(`{"n":42}`),
	})

	require.Equal(t, echoParams{N: 42}, <-received)

	// Notifications are never answered.
	require.Zero(t, transport.sentCount())

	p.RemoveNotificationHandler("notifications/echo")
	transport.deliver(mcp.JSONRPCMessage{JSONRPC: mcp.JSONRPCVersion, Method: "notifications/echo"})
	require.Empty(t, received)

	require.NoError(t, p.Notify(context.Background(), "notifications/out", echoParams{N: 1}))
	msg := transport.next(t)
	require.Equal(t, mcp.KindNotification, msg.Kind())
	require.True(t, msg.ID.IsZero())
	require.JSONEq(t, `{"n":1}`, string(msg.Params))
}

func TestProtocolRemoveRequestHandler(t *testing.T) {
	p, transport := connectProtocol(t)

	p.SetRequestHandler("temp", nil, func(context.Context, mcp.Request) (any, error) {
		return nil, nil
	})
	p.RemoveRequestHandler("temp")

	transport.deliver(mcp.JSONRPCMessage{JSONRPC: mcp.JSONRPCVersion, ID: mcp.NumberID(1), Method: "temp"})
	require.Equal(t, mcp.CodeMethodNotFound, transport.next(t).Error.Code)
}

func TestProtocolHandlerContextCancelledOnClose(t *testing.T) {
	p := mcp.NewProtocol()
	transport := newMockTransport()
	require.NoError(t, p.Connect(context.Background(), transport))

	started := make(chan struct{})
	p.SetRequestHandler("block", nil, func(ctx context.Context, _ mcp.Request) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	transport.deliver(mcp.JSONRPCMessage{JSONRPC: mcp.JSONRPCVersion, ID: mcp.NumberID(1), Method: "block"})
	<-started

	require.NoError(t, p.Close())

	waited := make(chan struct{})
	go func() {
		p.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-time.After(waitTimeout):
		t.Fatal("handler did not observe cancellation")
	}
}

func TestProtocolConnectLifecycle(t *testing.T) {
	p := mcp.NewProtocol()

	_, err := p.Request(context.Background(), "ping", nil, nil)
	require.ErrorIs(t, err, mcp.ErrNotConnected)
	require.ErrorIs(t, p.Notify(context.Background(), "ping", nil), mcp.ErrNotConnected)
	require.NoError(t, p.Close())

	failing := newMockTransport()
	failing.startErr = errors.New("no such pipe")
	require.ErrorContains(t, p.Connect(context.Background(), failing), "no such pipe")
	require.Zero(t, failing.observerCount())

	p.SetRequestHandler("hello", nil, func(context.Context, mcp.Request) (any, error) {
		return map[string]string{"hello": "world"}, nil
	})

	first := newMockTransport()
	require.NoError(t, p.Connect(context.Background(), first))
	require.ErrorIs(t, p.Connect(context.Background(), newMockTransport()), mcp.ErrAlreadyConnected)

	var firstID mcp.RequestID
	go func() {
		_, _ = p.Request(context.Background(), "one", nil, nil)
	}()
	firstID = first.next(t).ID
	require.NoError(t, p.Close())

	// Reconnecting keeps the handler tables and the id sequence.
	second := newMockTransport()
	require.NoError(t, p.Connect(context.Background(), second))
	t.Cleanup(func() {
		_ = p.Close()
		p.Wait()
	})

	second.deliver(mcp.JSONRPCMessage{JSONRPC: mcp.JSONRPCVersion, ID: mcp.NumberID(1), Method: "hello"})
	require.JSONEq(t, `{"hello":"world"}`, string(second.next(t).Result))

	go func() {
		_, _ = p.Request(context.Background(), "two", nil, nil)
	}()
	require.NotEqual(t, firstID, second.next(t).ID)

	// Messages from the old transport are ignored.
	first.deliver(mcp.JSONRPCMessage{JSONRPC: mcp.JSONRPCVersion, ID: mcp.NumberID(2), Method: "hello"})
	require.Equal(t, 1, first.sentCount())
}

func TestProtocolIndependentIDSpaces(t *testing.T) {
	a, aTransport := connectProtocol(t)
	b, bTransport := connectProtocol(t)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = a.Request(context.Background(), "x", nil, nil, mcp.WithTimeout(time.Second))
	}()
	go func() {
		defer wg.Done()
		_, _ = b.Request(context.Background(), "x", nil, nil, mcp.WithTimeout(time.Second))
	}()

	aReq := aTransport.next(t)
	bReq := bTransport.next(t)
	require.Equal(t, aReq.ID, bReq.ID)

	aTransport.deliver(responseTo(t, aReq, nil))
	bTransport.deliver(responseTo(t, bReq, nil))
	wg.Wait()
}
