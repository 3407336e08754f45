package mcp_test

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/stretchr/testify/require"

	mcp "github.com/MegaGrindStone/mcp-inspector"
)

type mockToolServer struct {
	calls atomic.Int32
}

var testServerInfo = mcp.Info{Name: "test-server", Version: "1.0"}

func (m *mockToolServer) ListTools(context.Context, mcp.ListToolsParams) (mcp.ListToolsResult, error) {
	return mcp.ListToolsResult{
		Tools: []mcp.Tool{
			{
				Name:        "noop",
				Description: "Does nothing",
				InputSchema: &jsonschema.Schema{Type: "object"},
			},
		},
	}, nil
}

func (m *mockToolServer) CallTool(_ context.Context, params mcp.CallToolParams) (mcp.CallToolResult, error) {
	m.calls.Add(1)
	return mcp.CallToolResult{
		Content: []mcp.Content{{Type: mcp.ContentTypeText, Text: "called " + params.Name}},
	}, nil
}

type levelRecorder struct {
	mu     sync.Mutex
	levels []mcp.LogLevel
}

func (l *levelRecorder) SetLogLevel(level mcp.LogLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.levels = append(l.levels, level)
}

func (l *levelRecorder) recorded() []mcp.LogLevel {
	l.mu.Lock()
	defer l.mu.Unlock()

	return append([]mcp.LogLevel(nil), l.levels...)
}

func connectServer(t *testing.T, options ...mcp.ServerOption) (*mcp.Server, *mockTransport) {
	t.Helper()

	srv := mcp.NewServer(testServerInfo, options...)
	transport := newMockTransport()
	require.NoError(t, srv.Connect(context.Background(), transport))
	t.Cleanup(func() {
		_ = srv.Close()
		srv.Wait()
	})
	return srv, transport
}

func initializeRequest(t *testing.T, id int64, version string, caps mcp.ClientCapabilities) mcp.JSONRPCMessage {
	t.Helper()

	msg, err := mcp.NewRequest(mcp.NumberID(id), mcp.MethodInitialize, mcp.InitializeParams{
		ProtocolVersion: version,
		Capabilities:    caps,
		ClientInfo:      mcp.Info{Name: "test-client", Version: "2.0"},
	})
	require.NoError(t, err)
	return msg
}

func initializedNotification() mcp.JSONRPCMessage {
	return mcp.JSONRPCMessage{JSONRPC: mcp.JSONRPCVersion, Method: mcp.MethodNotificationsInitialized}
}

func request(id int64, method string) mcp.JSONRPCMessage {
	return mcp.JSONRPCMessage{JSONRPC: mcp.JSONRPCVersion, ID: mcp.NumberID(id), Method: method}
}

// handshake drives a successful handshake against a server bound to transport.
func handshake(t *testing.T, transport *mockTransport, caps mcp.ClientCapabilities) mcp.InitializeResult {
	t.Helper()

	transport.deliver(initializeRequest(t, 1, mcp.ProtocolVersion, caps))
	res := transport.next(t)
	require.Nil(t, res.Error)

	var result mcp.InitializeResult
	require.NoError(t, json.Unmarshal(res.Result, &result))

	transport.deliver(initializedNotification())
	return result
}

func TestServerHandshake(t *testing.T) {
	var initialized atomic.Int32
	srv, transport := connectServer(t,
		mcp.WithToolServer(&mockToolServer{}),
		mcp.WithInstructions("be nice"),
		mcp.WithOnInitialized(func() { initialized.Add(1) }),
	)

	require.Equal(t, mcp.StateUninitialized, srv.State())

	transport.deliver(initializeRequest(t, 1, mcp.ProtocolVersion, mcp.ClientCapabilities{}))
	res := transport.next(t)
	require.Equal(t, mcp.NumberID(1), res.ID)
	require.Nil(t, res.Error)

	var result mcp.InitializeResult
	require.NoError(t, json.Unmarshal(res.Result, &result))
	require.Equal(t, mcp.ProtocolVersion, result.ProtocolVersion)
	require.Equal(t, testServerInfo, result.ServerInfo)
	require.Equal(t, "be nice", result.Instructions)
	require.NotNil(t, result.Capabilities.Tools)
	require.Nil(t, result.Capabilities.Prompts)

	require.Equal(t, mcp.StateAwaitingInitialized, srv.State())
	_, ok := srv.ClientInfo()
	require.False(t, ok)

	transport.deliver(initializedNotification())
	require.Equal(t, mcp.StateReady, srv.State())
	require.Eventually(t, func() bool { return initialized.Load() == 1 }, waitTimeout, time.Millisecond)

	info, ok := srv.ClientInfo()
	require.True(t, ok)
	require.Equal(t, "test-client", info.Name)

	// A repeated initialized notification is ignored.
	transport.deliver(initializedNotification())
	require.Never(t, func() bool { return initialized.Load() > 1 }, 50*time.Millisecond, time.Millisecond)
}

func TestServerOnInitializedIssuesRequest(t *testing.T) {
	roots := []mcp.Root{{URI: "file:///workspace", Name: "workspace"}}

	type outcome struct {
		roots mcp.RootList
		err   error
	}
	outcomes := make(chan outcome, 1)

	var srv *mcp.Server
	srv = mcp.NewServer(testServerInfo, mcp.WithOnInitialized(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()

		got, err := srv.ListRoots(ctx)
		outcomes <- outcome{roots: got, err: err}
	}))
	cli := mcp.NewClient(testClientInfo, mcp.WithRootsListHandler(mockRootsListHandler{roots: roots}))
	connectPair(t, srv, cli)

	select {
	case o := <-outcomes:
		require.NoError(t, o.err)
		require.Equal(t, roots, o.roots.Roots)
	case <-time.After(2 * waitTimeout):
		t.Fatal("onInitialized callback never finished")
	}
}

func TestServerUnsupportedProtocolVersion(t *testing.T) {
	srv, transport := connectServer(t)

	transport.deliver(initializeRequest(t, 1, "1999-01-01", mcp.ClientCapabilities{}))
	res := transport.next(t)
	require.NotNil(t, res.Error)
	require.Equal(t, mcp.CodeInvalidParams, res.Error.Code)
	require.Equal(t, "Unsupported protocol version", res.Error.Message)

	data, ok := res.Error.Data.(map[string]any)
	require.True(t, ok)
	require.Equal(t, []string{mcp.ProtocolVersion}, data["supported"])
	require.Equal(t, "1999-01-01", data["requested"])
	require.Equal(t, mcp.StateUninitialized, srv.State())

	// The client may retry with a supported version.
	transport.deliver(initializeRequest(t, 2, mcp.ProtocolVersion, mcp.ClientCapabilities{}))
	res = transport.next(t)
	require.Nil(t, res.Error)
	require.Equal(t, mcp.StateAwaitingInitialized, srv.State())
}

func TestServerInitializeTwice(t *testing.T) {
	_, transport := connectServer(t)

	handshake(t, transport, mcp.ClientCapabilities{})

	transport.deliver(initializeRequest(t, 2, mcp.ProtocolVersion, mcp.ClientCapabilities{}))
	res := transport.next(t)
	require.NotNil(t, res.Error)
	require.Equal(t, mcp.CodeInvalidRequest, res.Error.Code)
}

func TestServerInitializedBeforeInitialize(t *testing.T) {
	var initialized atomic.Int32
	srv, transport := connectServer(t, mcp.WithOnInitialized(func() { initialized.Add(1) }))

	transport.deliver(initializedNotification())
	require.Equal(t, mcp.StateUninitialized, srv.State())
	require.Zero(t, initialized.Load())
}

func TestServerInitializationGate(t *testing.T) {
	tools := &mockToolServer{}

	t.Run("lenient by default", func(t *testing.T) {
		_, transport := connectServer(t, mcp.WithToolServer(tools))

		transport.deliver(request(1, mcp.MethodToolsList))
		res := transport.next(t)
		require.Nil(t, res.Error)
	})

	t.Run("strict", func(t *testing.T) {
		_, transport := connectServer(t, mcp.WithToolServer(tools), mcp.WithStrictInitialization())

		transport.deliver(request(1, mcp.MethodToolsList))
		res := transport.next(t)
		require.NotNil(t, res.Error)
		require.Equal(t, mcp.CodeInvalidRequest, res.Error.Code)
		require.Equal(t, "Session not initialized", res.Error.Message)

		transport.deliver(request(2, mcp.MethodPing))
		res = transport.next(t)
		require.Nil(t, res.Error)
		require.JSONEq(t, `{}`, string(res.Result))

		handshake(t, transport, mcp.ClientCapabilities{})

		transport.deliver(request(3, mcp.MethodToolsList))
		res = transport.next(t)
		require.Nil(t, res.Error)

		var result mcp.ListToolsResult
		require.NoError(t, json.Unmarshal(res.Result, &result))
		require.Len(t, result.Tools, 1)
	})
}

func TestServerToolCallParamsValidated(t *testing.T) {
	tools := &mockToolServer{}
	_, transport := connectServer(t, mcp.WithToolServer(tools))

	handshake(t, transport, mcp.ClientCapabilities{})

	transport.deliver(mcp.JSONRPCMessage{
		JSONRPC: mcp.JSONRPCVersion,
		ID:      mcp.NumberID(2),
		Method:  mcp.MethodToolsCall,
		Params:  json.RawMessage(`{"arguments":{}}`),
	})
	res := transport.next(t)
	require.NotNil(t, res.Error)
	require.Equal(t, mcp.CodeInvalidParams, res.Error.Code)
	require.Zero(t, tools.calls.Load())
}

func TestServerListRoots(t *testing.T) {
	t.Run("not initialized", func(t *testing.T) {
		srv, _ := connectServer(t)

		_, err := srv.ListRoots(context.Background())
		require.ErrorIs(t, err, mcp.ErrNotInitialized)
	})

	t.Run("capability not declared", func(t *testing.T) {
		srv, transport := connectServer(t)
		handshake(t, transport, mcp.ClientCapabilities{})

		_, err := srv.ListRoots(context.Background())
		require.ErrorIs(t, err, mcp.ErrCapabilityNotSupported)
		require.Equal(t, 1, transport.sentCount())
	})

	t.Run("success", func(t *testing.T) {
		srv, transport := connectServer(t)
		handshake(t, transport, mcp.ClientCapabilities{Roots: &mcp.RootsCapability{}})

		type outcome struct {
			roots mcp.RootList
			err   error
		}
		outcomes := make(chan outcome, 1)
		go func() {
			roots, err := srv.ListRoots(context.Background())
			outcomes <- outcome{roots: roots, err: err}
		}()

		req := transport.next(t)
		require.Equal(t, mcp.MethodRootsList, req.Method)
		transport.deliver(responseTo(t, req, mcp.RootList{
			Roots: []mcp.Root{{URI: "file:///workspace", Name: "workspace"}},
		}))

		o := <-outcomes
		require.NoError(t, o.err)
		require.Equal(t, []mcp.Root{{URI: "file:///workspace", Name: "workspace"}}, o.roots.Roots)
	})
}

func TestServerNotifications(t *testing.T) {
	srv, transport := connectServer(t)
	ctx := context.Background()

	require.NoError(t, srv.Log(ctx, mcp.LogParams{Level: mcp.LogLevelInfo, Data: "hello"}))
	msg := transport.next(t)
	require.Equal(t, mcp.MethodNotificationsMessage, msg.Method)
	require.JSONEq(t, `{"level":"info","data":"hello"}`, string(msg.Params))

	require.NoError(t, srv.NotifyToolsListChanged(ctx))
	require.Equal(t, mcp.MethodNotificationsToolsListChanged, transport.next(t).Method)

	require.NoError(t, srv.NotifyResourcesListChanged(ctx))
	require.Equal(t, mcp.MethodNotificationsResourcesListChanged, transport.next(t).Method)

	require.NoError(t, srv.NotifyPromptsListChanged(ctx))
	require.Equal(t, mcp.MethodNotificationsPromptsListChanged, transport.next(t).Method)
}

func TestServerSessionResetOnReconnect(t *testing.T) {
	srv := mcp.NewServer(testServerInfo)

	first := newMockTransport()
	require.NoError(t, srv.Connect(context.Background(), first))
	handshake(t, first, mcp.ClientCapabilities{})
	require.Equal(t, mcp.StateReady, srv.State())
	require.NoError(t, srv.Close())

	second := newMockTransport()
	require.NoError(t, srv.Connect(context.Background(), second))
	t.Cleanup(func() { _ = srv.Close() })

	require.Equal(t, mcp.StateUninitialized, srv.State())
	_, ok := srv.ClientCapabilities()
	require.False(t, ok)

	handshake(t, second, mcp.ClientCapabilities{})
	require.Equal(t, mcp.StateReady, srv.State())
}

func TestServerSetLogLevel(t *testing.T) {
	levels := &levelRecorder{}
	_, transport := connectServer(t, mcp.WithLogLevelHandler(levels))

	result := handshake(t, transport, mcp.ClientCapabilities{})
	require.NotNil(t, result.Capabilities.Logging)

	req, err := mcp.NewRequest(mcp.NumberID(2), mcp.MethodLoggingSetLevel,
		mcp.SetLogLevelParams{Level: mcp.LogLevelWarning})
	require.NoError(t, err)
	transport.deliver(req)
	res := transport.next(t)
	require.Nil(t, res.Error)
	require.JSONEq(t, `{}`, string(res.Result))
	require.Equal(t, []mcp.LogLevel{mcp.LogLevelWarning}, levels.recorded())

	transport.deliver(mcp.JSONRPCMessage{
		JSONRPC: mcp.JSONRPCVersion,
		ID:      mcp.NumberID(3),
		Method:  mcp.MethodLoggingSetLevel,
		Params:  json.RawMessage(`{"level":"verbose"}`),
	})
	res = transport.next(t)
	require.NotNil(t, res.Error)
	require.Equal(t, mcp.CodeInvalidParams, res.Error.Code)
	require.Len(t, levels.recorded(), 1)
}

func TestServerSetLogLevelNotServed(t *testing.T) {
	_, transport := connectServer(t)
	result := handshake(t, transport, mcp.ClientCapabilities{})
	require.Nil(t, result.Capabilities.Logging)

	transport.deliver(mcp.JSONRPCMessage{
		JSONRPC: mcp.JSONRPCVersion,
		ID:      mcp.NumberID(2),
		Method:  mcp.MethodLoggingSetLevel,
		Params:  json.RawMessage(`{"level":"info"}`),
	})
	res := transport.next(t)
	require.NotNil(t, res.Error)
	require.Equal(t, mcp.CodeMethodNotFound, res.Error.Code)
}

func TestServerStateString(t *testing.T) {
	require.Equal(t, "uninitialized", mcp.StateUninitialized.String())
	require.Equal(t, "awaiting initialized", mcp.StateAwaitingInitialized.String())
	require.Equal(t, "ready", mcp.StateReady.String())
	require.Equal(t, "ServerState(9)", mcp.ServerState(9).String())
}
