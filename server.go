package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

// ServerOption represents the options for the server.
type ServerOption func(*Server)

// ServerState is the handshake progress of a server session.
type ServerState int

// Handshake states of a server session.
const (
	StateUninitialized ServerState = iota
	StateAwaitingInitialized
	StateReady
)

// ToolServer serves the tools/list and tools/call methods.
type ToolServer interface {
	ListTools(ctx context.Context, params ListToolsParams) (ListToolsResult, error)
	CallTool(ctx context.Context, params CallToolParams) (CallToolResult, error)
}

// ResourceServer serves the resources/list and resources/read methods.
type ResourceServer interface {
	ListResources(ctx context.Context, params ListResourcesParams) (ListResourcesResult, error)
	ReadResource(ctx context.Context, params ReadResourceParams) (ReadResourceResult, error)
}

// PromptServer serves the prompts/list and prompts/get methods.
type PromptServer interface {
	ListPrompts(ctx context.Context, params ListPromptsParams) (ListPromptsResult, error)
	GetPrompt(ctx context.Context, params GetPromptParams) (GetPromptResult, error)
}

// LogLevelHandler serves the logging/setLevel method.
type LogLevelHandler interface {
	// SetLogLevel configures the minimum severity level for emitted log messages.
	SetLogLevel(level LogLevel)
}

// Server is the responding side of an MCP session. It answers the initialize handshake,
// records the client's declared capabilities and identity, and serves whatever domain
// handlers were registered, either through the With*Server options or directly on the
// embedded Protocol.
//
// A Server owns one transport at a time. The handshake state is reset each time a new
// transport is connected.
type Server struct {
	*Protocol

	info            Info
	capabilities    ServerCapabilities
	instructions    string
	strict          bool
	onInitialized   func()
	protocolOptions []ProtocolOption

	toolServer     ToolServer
	resourceServer ResourceServer
	promptServer   PromptServer
	logLevel       LogLevelHandler

	logger *slog.Logger

	mu         sync.Mutex
	state      ServerState
	clientCaps ClientCapabilities
	clientInfo Info
}

const (
	errMsgAlreadyInitialized = "Session already initialized"
	errMsgNotInitialized     = "Session not initialized"
)

// NewServer creates a new Model Context Protocol (MCP) server with the specified
// configuration. The server does nothing until Connect binds a transport.
func NewServer(info Info, options ...ServerOption) *Server {
	s := &Server{
		info:   info,
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(s)
	}

	protoOpts := []ProtocolOption{WithProtocolLogger(s.logger)}
	if s.strict {
		protoOpts = append(protoOpts, WithMiddleware(s.initializationGate))
	}
	protoOpts = append(protoOpts, s.protocolOptions...)

	s.Protocol = NewProtocol(protoOpts...)
	s.Protocol.onBind = s.resetSession

	s.SetRequestHandler(MethodInitialize, ParamsValidator(MethodInitialize), TypedRequestHandler(s.handleInitialize))
	s.SetRequestHandler(MethodPing, ParamsValidator(MethodPing), handlePing)
	s.SetNotificationHandler(MethodNotificationsInitialized, ParamsValidator(MethodNotificationsInitialized),
		s.handleInitialized)

	if s.toolServer != nil {
		if s.capabilities.Tools == nil {
			s.capabilities.Tools = &ToolsCapability{}
		}
		s.SetRequestHandler(MethodToolsList, ParamsValidator(MethodToolsList),
			TypedRequestHandler(s.toolServer.ListTools))
		s.SetRequestHandler(MethodToolsCall, ParamsValidator(MethodToolsCall),
			TypedRequestHandler(s.toolServer.CallTool))
	}
	if s.resourceServer != nil {
		if s.capabilities.Resources == nil {
			s.capabilities.Resources = &ResourcesCapability{}
		}
		s.SetRequestHandler(MethodResourcesList, ParamsValidator(MethodResourcesList),
			TypedRequestHandler(s.resourceServer.ListResources))
		s.SetRequestHandler(MethodResourcesRead, ParamsValidator(MethodResourcesRead),
			TypedRequestHandler(s.resourceServer.ReadResource))
	}
	if s.promptServer != nil {
		if s.capabilities.Prompts == nil {
			s.capabilities.Prompts = &PromptsCapability{}
		}
		s.SetRequestHandler(MethodPromptsList, ParamsValidator(MethodPromptsList),
			TypedRequestHandler(s.promptServer.ListPrompts))
		s.SetRequestHandler(MethodPromptsGet, ParamsValidator(MethodPromptsGet),
			TypedRequestHandler(s.promptServer.GetPrompt))
	}
	if s.logLevel != nil {
		if s.capabilities.Logging == nil {
			s.capabilities.Logging = &LoggingCapability{}
		}
		s.SetRequestHandler(MethodLoggingSetLevel, ParamsValidator(MethodLoggingSetLevel),
			TypedRequestHandler(func(_ context.Context, params SetLogLevelParams) (struct{}, error) {
				s.logLevel.SetLogLevel(params.Level)
				s.logger.Info("log level set", slog.String("level", string(params.Level)))
				return struct{}{}, nil
			}))
	}

	return s
}

// WithServerLogger sets the logger for the server and its engine.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger.With(
			slog.String("package", "mcp-inspector"),
			slog.String("component", "server"),
		)
	}
}

// WithServerCapabilities sets the capabilities advertised in the initialize result. The
// With*Server options add the capability for the feature they serve.
func WithServerCapabilities(capabilities ServerCapabilities) ServerOption {
	return func(s *Server) {
		s.capabilities = capabilities
	}
}

// WithInstructions sets the server instructions returned in the initialize result.
func WithInstructions(instructions string) ServerOption {
	return func(s *Server) {
		s.instructions = instructions
	}
}

// WithOnInitialized sets the callback invoked when the client confirms the handshake with
// the initialized notification. It runs once per session on its own goroutine, so it may
// issue requests such as ListRoots.
func WithOnInitialized(onInitialized func()) ServerOption {
	return func(s *Server) {
		s.onInitialized = onInitialized
	}
}

// WithToolServer serves tools/list and tools/call with srv.
func WithToolServer(srv ToolServer) ServerOption {
	return func(s *Server) {
		s.toolServer = srv
	}
}

// WithResourceServer serves resources/list and resources/read with srv.
func WithResourceServer(srv ResourceServer) ServerOption {
	return func(s *Server) {
		s.resourceServer = srv
	}
}

// WithPromptServer serves prompts/list and prompts/get with srv.
func WithPromptServer(srv PromptServer) ServerOption {
	return func(s *Server) {
		s.promptServer = srv
	}
}

// WithLogLevelHandler serves logging/setLevel with handler and advertises the logging
// capability.
func WithLogLevelHandler(handler LogLevelHandler) ServerOption {
	return func(s *Server) {
		s.logLevel = handler
	}
}

// WithStrictInitialization rejects every request other than initialize and ping with
// InvalidRequest until the session is Ready. By default such requests are served.
func WithStrictInitialization() ServerOption {
	return func(s *Server) {
		s.strict = true
	}
}

// WithServerProtocolOptions passes options through to the underlying Protocol.
func WithServerProtocolOptions(options ...ProtocolOption) ServerOption {
	return func(s *Server) {
		s.protocolOptions = append(s.protocolOptions, options...)
	}
}

// State returns the handshake state of the current session.
func (s *Server) State() ServerState {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

// ClientCapabilities returns the capabilities the client declared. The second return value
// is false until the session is Ready.
func (s *Server) ClientCapabilities() (ClientCapabilities, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateReady {
		return ClientCapabilities{}, false
	}
	return s.clientCaps, true
}

// ClientInfo returns the identity the client declared. The second return value is false
// until the session is Ready.
func (s *Server) ClientInfo() (Info, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateReady {
		return Info{}, false
	}
	return s.clientInfo, true
}

// ListRoots asks the client for its roots. It fails with ErrCapabilityNotSupported when
// the client did not declare the roots capability.
func (s *Server) ListRoots(ctx context.Context, options ...RequestOption) (RootList, error) {
	caps, ok := s.ClientCapabilities()
	if !ok {
		return RootList{}, ErrNotInitialized
	}
	if caps.Roots == nil {
		return RootList{}, fmt.Errorf("%w: roots", ErrCapabilityNotSupported)
	}
	return Call[RootList](ctx, s.Protocol, MethodRootsList, nil, ResultValidator(MethodRootsList), options...)
}

// Log sends a log message notification to the client.
func (s *Server) Log(ctx context.Context, params LogParams) error {
	return s.Notify(ctx, MethodNotificationsMessage, params)
}

// NotifyToolsListChanged tells the client the tool list changed.
func (s *Server) NotifyToolsListChanged(ctx context.Context) error {
	return s.Notify(ctx, MethodNotificationsToolsListChanged, nil)
}

// NotifyResourcesListChanged tells the client the resource list changed.
func (s *Server) NotifyResourcesListChanged(ctx context.Context) error {
	return s.Notify(ctx, MethodNotificationsResourcesListChanged, nil)
}

// NotifyPromptsListChanged tells the client the prompt list changed.
func (s *Server) NotifyPromptsListChanged(ctx context.Context) error {
	return s.Notify(ctx, MethodNotificationsPromptsListChanged, nil)
}

func (s ServerState) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateAwaitingInitialized:
		return "awaiting initialized"
	case StateReady:
		return "ready"
	default:
		return fmt.Sprintf("ServerState(%d)", int(s))
	}
}

func (s *Server) handleInitialize(_ context.Context, params InitializeParams) (InitializeResult, error) {
	if params.ProtocolVersion != ProtocolVersion {
		s.logger.Info("unsupported protocol version",
			slog.String("requested", params.ProtocolVersion),
			slog.String("supported", ProtocolVersion))
		return InitializeResult{}, JSONRPCError{
			Code:    CodeInvalidParams,
			Message: errMsgUnsupportedProtocolVersion,
			Data: map[string]any{
				"supported": []string{ProtocolVersion},
				"requested": params.ProtocolVersion,
			},
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateUninitialized {
		return InitializeResult{}, InvalidRequestError(errMsgAlreadyInitialized)
	}
	s.clientCaps = params.Capabilities
	s.clientInfo = params.ClientInfo
	s.state = StateAwaitingInitialized

	s.logger.Info("client initializing",
		slog.String("clientName", params.ClientInfo.Name),
		slog.String("clientVersion", params.ClientInfo.Version))

	return InitializeResult{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    s.capabilities,
		ServerInfo:      s.info,
		Instructions:    s.instructions,
	}, nil
}

func (s *Server) handleInitialized(_ context.Context, _ Notification) error {
	s.mu.Lock()
	if s.state != StateAwaitingInitialized {
		state := s.state
		s.mu.Unlock()
		s.logger.Warn("ignoring initialized notification", slog.String("state", state.String()))
		return nil
	}
	s.state = StateReady
	s.mu.Unlock()

	s.logger.Info("session ready")

	if s.onInitialized != nil {
		go s.onInitialized()
	}
	return nil
}

func (s *Server) initializationGate(next RequestHandlerFunc) RequestHandlerFunc {
	return func(ctx context.Context, req Request) (any, error) {
		if req.Method != MethodInitialize && req.Method != MethodPing && s.State() != StateReady {
			return nil, InvalidRequestError(errMsgNotInitialized)
		}
		return next(ctx, req)
	}
}

func (s *Server) resetSession() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state = StateUninitialized
	s.clientCaps = ClientCapabilities{}
	s.clientInfo = Info{}
}

func handlePing(context.Context, Request) (any, error) {
	return json.RawMessage("{}"), nil
}
