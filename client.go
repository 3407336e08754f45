package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ClientOption is a function that configures a client.
type ClientOption func(*Client)

// RootsListHandler defines the interface for retrieving the list of root resources in the MCP protocol.
// Root resources represent top-level entry points in the resource hierarchy that clients can access.
type RootsListHandler interface {
	// RootsList returns the list of available root resources.
	// Returns error if operation fails or context is cancelled.
	RootsList(ctx context.Context) (RootList, error)
}

// LogReceiver receives the log messages a server sends with notifications/message.
type LogReceiver interface {
	OnLog(params LogParams)
}

// PromptListWatcher is notified when the server reports that its prompt list changed.
type PromptListWatcher interface {
	OnPromptListChanged()
}

// ResourceListWatcher is notified when the server reports that its resource list changed.
type ResourceListWatcher interface {
	OnResourceListChanged()
}

// ToolListWatcher is notified when the server reports that its tool list changed.
type ToolListWatcher interface {
	OnToolListChanged()
}

// Client is the initiating side of an MCP session. Connect performs the initialize
// handshake; afterwards the typed request methods issue domain requests, each gated on the
// capabilities the server advertised and checked against the result shape of its method.
type Client struct {
	*Protocol

	info            Info
	capabilities    ClientCapabilities
	protocolOptions []ProtocolOption
	history         *History

	rootsListHandler    RootsListHandler
	logReceiver         LogReceiver
	promptListWatcher   PromptListWatcher
	resourceListWatcher ResourceListWatcher
	toolListWatcher     ToolListWatcher

	logger *slog.Logger

	mu           sync.Mutex
	initialized  bool
	serverCaps   ServerCapabilities
	serverInfo   Info
	instructions string
}

// NewClient creates a client that identifies itself with info.
func NewClient(info Info, options ...ClientOption) *Client {
	c := &Client{
		info:   info,
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(c)
	}

	protoOpts := append([]ProtocolOption{WithProtocolLogger(c.logger)}, c.protocolOptions...)
	c.Protocol = NewProtocol(protoOpts...)
	c.Protocol.onBind = c.resetSession

	c.SetRequestHandler(MethodPing, ParamsValidator(MethodPing), handlePing)

	if c.rootsListHandler != nil {
		if c.capabilities.Roots == nil {
			c.capabilities.Roots = &RootsCapability{}
		}
		c.SetRequestHandler(MethodRootsList, ParamsValidator(MethodRootsList),
			func(ctx context.Context, _ Request) (any, error) {
				return c.rootsListHandler.RootsList(ctx)
			})
	}
	if c.logReceiver != nil {
		c.SetNotificationHandler(MethodNotificationsMessage, ParamsValidator(MethodNotificationsMessage),
			TypedNotificationHandler(func(_ context.Context, params LogParams) error {
				c.logReceiver.OnLog(params)
				return nil
			}))
	}
	// Watchers run off the read path, so they may issue list requests.
	if c.promptListWatcher != nil {
		c.SetNotificationHandler(MethodNotificationsPromptsListChanged, nil,
			func(context.Context, Notification) error {
				go c.promptListWatcher.OnPromptListChanged()
				return nil
			})
	}
	if c.resourceListWatcher != nil {
		c.SetNotificationHandler(MethodNotificationsResourcesListChanged, nil,
			func(context.Context, Notification) error {
				go c.resourceListWatcher.OnResourceListChanged()
				return nil
			})
	}
	if c.toolListWatcher != nil {
		c.SetNotificationHandler(MethodNotificationsToolsListChanged, nil,
			func(context.Context, Notification) error {
				go c.toolListWatcher.OnToolListChanged()
				return nil
			})
	}

	return c
}

// WithClientLogger sets the logger for the client and its engine.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger.With(
			slog.String("package", "mcp-inspector"),
			slog.String("component", "client"),
		)
	}
}

// WithClientCapabilities sets the capabilities declared in the initialize request.
func WithClientCapabilities(capabilities ClientCapabilities) ClientOption {
	return func(c *Client) {
		c.capabilities = capabilities
	}
}

// WithClientRequestTimeout sets the default timeout of every request the client issues.
func WithClientRequestTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.protocolOptions = append(c.protocolOptions, WithDefaultRequestTimeout(timeout))
	}
}

// WithClientProtocolOptions passes options through to the underlying Protocol.
func WithClientProtocolOptions(options ...ProtocolOption) ClientOption {
	return func(c *Client) {
		c.protocolOptions = append(c.protocolOptions, options...)
	}
}

// WithHistory records every request the client issues, and its outcome, in h.
func WithHistory(h *History) ClientOption {
	return func(c *Client) {
		c.history = h
	}
}

// WithRootsListHandler answers the server's roots/list requests with handler and declares
// the roots capability.
func WithRootsListHandler(handler RootsListHandler) ClientOption {
	return func(c *Client) {
		c.rootsListHandler = handler
	}
}

// WithLogReceiver delivers the server's log notifications to receiver.
func WithLogReceiver(receiver LogReceiver) ClientOption {
	return func(c *Client) {
		c.logReceiver = receiver
	}
}

// WithPromptListWatcher sets a watcher for prompts/list_changed notifications.
func WithPromptListWatcher(watcher PromptListWatcher) ClientOption {
	return func(c *Client) {
		c.promptListWatcher = watcher
	}
}

// WithResourceListWatcher sets a watcher for resources/list_changed notifications.
func WithResourceListWatcher(watcher ResourceListWatcher) ClientOption {
	return func(c *Client) {
		c.resourceListWatcher = watcher
	}
}

// WithToolListWatcher sets a watcher for tools/list_changed notifications.
func WithToolListWatcher(watcher ToolListWatcher) ClientOption {
	return func(c *Client) {
		c.toolListWatcher = watcher
	}
}

// Connect binds transport and performs the handshake: it sends initialize with
// ProtocolVersion, stores the server's answer and confirms with the initialized
// notification.
//
// Any handshake failure, including an error response such as a protocol version mismatch,
// closes transport before Connect returns. A JSONRPCError from the server is returned
// wrapped, so errors.As recovers it. The client never retries with another version; to try
// again, call Connect with a new transport.
func (c *Client) Connect(ctx context.Context, transport Transport) error {
	if err := c.Protocol.Connect(ctx, transport); err != nil {
		return err
	}

	params := InitializeParams{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    c.capabilities,
		ClientInfo:      c.info,
	}
	res, err := clientCall[InitializeResult](ctx, c, MethodInitialize, params)
	if err != nil {
		c.closeAfterFailedHandshake()
		return fmt.Errorf("failed to initialize: %w", err)
	}
	if res.ProtocolVersion != ProtocolVersion {
		c.closeAfterFailedHandshake()
		return fmt.Errorf("failed to initialize: server answered with protocol version %q, want %q",
			res.ProtocolVersion, ProtocolVersion)
	}

	c.mu.Lock()
	c.serverCaps = res.Capabilities
	c.serverInfo = res.ServerInfo
	c.instructions = res.Instructions
	c.initialized = true
	c.mu.Unlock()

	if err := c.Notify(ctx, MethodNotificationsInitialized, nil); err != nil {
		c.closeAfterFailedHandshake()
		return fmt.Errorf("failed to send initialized notification: %w", err)
	}

	c.logger.Info("connected to server",
		slog.String("serverName", res.ServerInfo.Name),
		slog.String("serverVersion", res.ServerInfo.Version))

	return nil
}

// ServerInfo returns the identity the server declared. The second return value is false
// until the handshake completed.
func (c *Client) ServerInfo() (Info, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.serverInfo, c.initialized
}

// ServerCapabilities returns the capabilities the server advertised. The second return
// value is false until the handshake completed.
func (c *Client) ServerCapabilities() (ServerCapabilities, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.serverCaps, c.initialized
}

// Instructions returns the instructions the server sent in its initialize result.
func (c *Client) Instructions() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.instructions
}

// History returns the history attached with WithHistory, or nil.
func (c *Client) History() *History {
	return c.history
}

// Ping checks that the server is alive.
func (c *Client) Ping(ctx context.Context, options ...RequestOption) error {
	_, err := clientCall[json.RawMessage](ctx, c, MethodPing, nil, options...)
	return err
}

// ListResources retrieves a paginated list of resources from the server.
func (c *Client) ListResources(
	ctx context.Context,
	params ListResourcesParams,
	options ...RequestOption,
) (ListResourcesResult, error) {
	if err := c.require("resources", func(caps ServerCapabilities) bool { return caps.Resources != nil }); err != nil {
		return ListResourcesResult{}, err
	}
	return clientCall[ListResourcesResult](ctx, c, MethodResourcesList, params, options...)
}

// ReadResource reads the contents of the resource identified by params.URI.
func (c *Client) ReadResource(
	ctx context.Context,
	params ReadResourceParams,
	options ...RequestOption,
) (ReadResourceResult, error) {
	if err := c.require("resources", func(caps ServerCapabilities) bool { return caps.Resources != nil }); err != nil {
		return ReadResourceResult{}, err
	}
	return clientCall[ReadResourceResult](ctx, c, MethodResourcesRead, params, options...)
}

// ListPrompts retrieves a paginated list of prompts from the server.
func (c *Client) ListPrompts(
	ctx context.Context,
	params ListPromptsParams,
	options ...RequestOption,
) (ListPromptsResult, error) {
	if err := c.require("prompts", func(caps ServerCapabilities) bool { return caps.Prompts != nil }); err != nil {
		return ListPromptsResult{}, err
	}
	return clientCall[ListPromptsResult](ctx, c, MethodPromptsList, params, options...)
}

// GetPrompt renders the prompt named params.Name with its arguments.
func (c *Client) GetPrompt(
	ctx context.Context,
	params GetPromptParams,
	options ...RequestOption,
) (GetPromptResult, error) {
	if err := c.require("prompts", func(caps ServerCapabilities) bool { return caps.Prompts != nil }); err != nil {
		return GetPromptResult{}, err
	}
	return clientCall[GetPromptResult](ctx, c, MethodPromptsGet, params, options...)
}

// ListTools retrieves a paginated list of tools from the server.
func (c *Client) ListTools(
	ctx context.Context,
	params ListToolsParams,
	options ...RequestOption,
) (ListToolsResult, error) {
	if err := c.require("tools", func(caps ServerCapabilities) bool { return caps.Tools != nil }); err != nil {
		return ListToolsResult{}, err
	}
	return clientCall[ListToolsResult](ctx, c, MethodToolsList, params, options...)
}

// CallTool invokes the tool named params.Name. A tool that ran but failed is reported in
// the result with IsError set, not as an error.
func (c *Client) CallTool(
	ctx context.Context,
	params CallToolParams,
	options ...RequestOption,
) (CallToolResult, error) {
	if err := c.require("tools", func(caps ServerCapabilities) bool { return caps.Tools != nil }); err != nil {
		return CallToolResult{}, err
	}
	return clientCall[CallToolResult](ctx, c, MethodToolsCall, params, options...)
}

// SetLogLevel asks the server to send only log notifications at level or above.
func (c *Client) SetLogLevel(ctx context.Context, level LogLevel, options ...RequestOption) error {
	if err := c.require("logging", func(caps ServerCapabilities) bool { return caps.Logging != nil }); err != nil {
		return err
	}
	_, err := clientCall[json.RawMessage](ctx, c, MethodLoggingSetLevel, SetLogLevelParams{Level: level}, options...)
	return err
}

func (c *Client) require(capability string, advertised func(ServerCapabilities) bool) error {
	caps, ok := c.ServerCapabilities()
	if !ok {
		return ErrNotInitialized
	}
	if !advertised(caps) {
		return fmt.Errorf("%w: %s", ErrCapabilityNotSupported, capability)
	}
	return nil
}

func (c *Client) closeAfterFailedHandshake() {
	if err := c.Protocol.Close(); err != nil {
		c.logger.Warn("failed to close transport after handshake failure", slog.String("err", err.Error()))
	}
}

func (c *Client) resetSession() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.initialized = false
	c.serverCaps = ServerCapabilities{}
	c.serverInfo = Info{}
	c.instructions = ""
}

// clientCall issues method with the catalog's result validator and records the exchange in
// the client's history.
func clientCall[R any](ctx context.Context, c *Client, method string, params any, options ...RequestOption) (R, error) {
	var res R

	start := time.Now()
	raw, err := c.Request(ctx, method, params, ResultValidator(method), options...)
	if err == nil {
		if uErr := json.Unmarshal(raw, &res); uErr != nil {
			err = &ValidationError{Method: method, Direction: Inbound, Err: uErr}
		}
	}
	if c.history != nil {
		c.history.recordOutbound(method, params, start, raw, err)
	}

	return res, err
}
