package mcp_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	mcp "github.com/MegaGrindStone/mcp-inspector"
)

func okHandler(context.Context, mcp.Request) (any, error) {
	return map[string]string{"status": "ok"}, nil
}

func TestChainMiddleware(t *testing.T) {
	var order []string
	trace := func(name string) mcp.Middleware {
		return func(next mcp.RequestHandlerFunc) mcp.RequestHandlerFunc {
			return func(ctx context.Context, req mcp.Request) (any, error) {
				order = append(order, name+":before")
				res, err := next(ctx, req)
				order = append(order, name+":after")
				return res, err
			}
		}
	}

	handler := mcp.ChainMiddleware(trace("outer"), trace("inner"))(okHandler)
	_, err := handler(context.Background(), mcp.Request{Method: "ping"})
	require.NoError(t, err)
	require.Equal(t, []string{"outer:before", "inner:before", "inner:after", "outer:after"}, order)

	// An empty chain is the identity.
	res, err := mcp.ChainMiddleware()(okHandler)(context.Background(), mcp.Request{})
	require.NoError(t, err)
	require.Equal(t, map[string]string{"status": "ok"}, res)
}

func TestLoggingMiddleware(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	handler := mcp.LoggingMiddleware(logger)(okHandler)
	_, err := handler(context.Background(), mcp.Request{ID: mcp.NumberID(9), Method: "tools/list"})
	require.NoError(t, err)
	require.Contains(t, buf.String(), "request handled")
	require.Contains(t, buf.String(), "method=tools/list")
	require.Contains(t, buf.String(), "id=9")

	buf.Reset()
	failing := mcp.LoggingMiddleware(logger)(func(context.Context, mcp.Request) (any, error) {
		return nil, errors.New("boom")
	})
	_, err = failing(context.Background(), mcp.Request{Method: "tools/call"})
	require.Error(t, err)
	require.Contains(t, buf.String(), "request failed")
	require.Contains(t, buf.String(), "err=boom")
}

func TestRateLimitMiddleware(t *testing.T) {
	handler := mcp.RateLimitMiddleware(0.001, 2)(okHandler)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := handler(ctx, mcp.Request{Method: "tools/call"})
		require.NoError(t, err)
	}

	_, err := handler(ctx, mcp.Request{Method: "tools/call"})
	var jErr mcp.JSONRPCError
	require.ErrorAs(t, err, &jErr)
	require.Equal(t, mcp.CodeRateLimited, jErr.Code)
	require.Equal(t, "Rate limit exceeded", jErr.Message)
	require.Equal(t, map[string]any{"method": "tools/call"}, jErr.Data)
}

func TestTimeoutMiddleware(t *testing.T) {
	slow := func(ctx context.Context, _ mcp.Request) (any, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Second):
			return "too late", nil
		}
	}

	handler := mcp.TimeoutMiddleware(20 * time.Millisecond)(slow)
	_, err := handler(context.Background(), mcp.Request{Method: "slow"})

	var jErr mcp.JSONRPCError
	require.ErrorAs(t, err, &jErr)
	require.Equal(t, mcp.CodeInternalError, jErr.Code)
	require.Equal(t, "Request handler timed out", jErr.Message)

	fast := mcp.TimeoutMiddleware(time.Second)(okHandler)
	res, err := fast(context.Background(), mcp.Request{Method: "fast"})
	require.NoError(t, err)
	require.Equal(t, map[string]string{"status": "ok"}, res)
}

func TestProtocolMiddlewareOrder(t *testing.T) {
	history := mcp.NewHistory(10)
	p, transport := connectProtocol(t, mcp.WithMiddleware(
		mcp.RateLimitMiddleware(1000, 10),
		mcp.HistoryMiddleware(history),
	))
	p.SetRequestHandler("hello", nil, okHandler)

	transport.deliver(request(1, "hello"))
	res := transport.next(t)
	require.JSONEq(t, `{"status":"ok"}`, string(res.Result))

	entries := history.Entries()
	require.Len(t, entries, 1)
	require.Equal(t, mcp.Inbound, entries[0].Direction)
	require.Equal(t, "hello", entries[0].Method)
	require.JSONEq(t, `{"status":"ok"}`, string(entries[0].Result))
}
