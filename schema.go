package mcp

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/jsonschema-go/jsonschema"
)

// RequestID identifies a request and its correlated response. The protocol allows either a
// number or a string; RequestID keeps whichever form it was created or decoded with, so that
// a decoded message re-encodes to the same bytes.
//
// The zero value is "no id" and is omitted from the wire, which is how notifications are
// distinguished from requests.
type RequestID struct {
	str   string
	num   int64
	isStr bool
	valid bool
}

// MessageKind classifies a JSONRPCMessage by the fields that are populated.
type MessageKind int

// JSONRPCMessage represents a JSON-RPC 2.0 message used for communication in the MCP protocol.
// It can represent a request, response, error response or notification depending on which
// fields are populated:
//   - Request: JSONRPC, ID, Method, and optionally Params are set
//   - Response: JSONRPC, ID, and Result are set
//   - Error response: JSONRPC, ID (absent only for parse errors), and Error are set
//   - Notification: JSONRPC, Method, and optionally Params are set (no ID)
type JSONRPCMessage struct {
	// JSONRPC must always be "2.0" per the JSON-RPC specification
	JSONRPC string `json:"jsonrpc"`
	// ID uniquely identifies request-response pairs
	ID RequestID `json:"id,omitzero"`
	// Method contains the RPC method name for requests and notifications
	Method string `json:"method,omitempty"`
	// Params contains the parameters for the method call as a raw JSON message
	Params json.RawMessage `json:"params,omitempty"`
	// Result contains the successful response data as a raw JSON message
	Result json.RawMessage `json:"result,omitempty"`
	// Error contains error details if the request failed
	Error *JSONRPCError `json:"error,omitempty"`
}

// JSONRPCError represents an error response in the JSON-RPC 2.0 protocol. A handler that
// returns a JSONRPCError has its code, message and data forwarded to the peer verbatim, and a
// Request that receives an error response returns it unchanged.
type JSONRPCError struct {
	// Code indicates the error type that occurred.
	// Must use standard JSON-RPC error codes or custom codes outside the reserved range.
	Code int `json:"code"`

	// Message provides a short description of the error.
	Message string `json:"message"`

	// Data contains additional information about the error.
	// The value is unstructured and may be omitted.
	Data any `json:"data,omitempty"`
}

// Info contains metadata about a server or client instance including its name and version.
type Info struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ServerCapabilities represents server capabilities.
type ServerCapabilities struct {
	Experimental map[string]any       `json:"experimental,omitempty"`
	Prompts      *PromptsCapability   `json:"prompts,omitempty"`
	Resources    *ResourcesCapability `json:"resources,omitempty"`
	Tools        *ToolsCapability     `json:"tools,omitempty"`
	Logging      *LoggingCapability   `json:"logging,omitempty"`
}

// ClientCapabilities represents client capabilities.
type ClientCapabilities struct {
	Experimental map[string]any      `json:"experimental,omitempty"`
	Roots        *RootsCapability    `json:"roots,omitempty"`
	Sampling     *SamplingCapability `json:"sampling,omitempty"`
}

// PromptsCapability represents prompts-specific capabilities.
type PromptsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// ResourcesCapability represents resources-specific capabilities.
type ResourcesCapability struct {
	Subscribe   bool `json:"subscribe,omitempty"`
	ListChanged bool `json:"listChanged,omitempty"`
}

// ToolsCapability represents tools-specific capabilities.
type ToolsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// LoggingCapability represents logging-specific capabilities.
type LoggingCapability struct{}

// RootsCapability represents roots-specific capabilities.
type RootsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// SamplingCapability represents sampling-specific capabilities.
type SamplingCapability struct{}

// InitializeParams is the payload of the "initialize" request a client opens a session with.
type InitializeParams struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ClientCapabilities `json:"capabilities"`
	ClientInfo      Info               `json:"clientInfo"`
}

// InitializeResult is the server's answer to a successful "initialize" request.
type InitializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      Info               `json:"serverInfo"`
	Instructions    string             `json:"instructions,omitempty"`
}

// ListResourcesParams contains parameters for listing available resources.
type ListResourcesParams struct {
	// Cursor is a pagination cursor from previous ListResources call.
	// Empty string requests the first page.
	Cursor string `json:"cursor,omitempty"`
}

// ListResourcesResult represents a paginated list of resources returned by ListResources.
// NextCursor can be used to retrieve the next page of results.
type ListResourcesResult struct {
	Resources  []Resource `json:"resources"`
	NextCursor string     `json:"nextCursor,omitempty"`
}

// ReadResourceParams contains parameters for retrieving a specific resource.
type ReadResourceParams struct {
	// URI is the unique identifier of the resource to retrieve.
	URI string `json:"uri"`
}

// ReadResourceResult represents the result of a read resource request.
type ReadResourceResult struct {
	Contents []ResourceContents `json:"contents"`
}

// Resource represents a content resource in the system with associated metadata.
type Resource struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// ResourceContents represents either text or blob resource contents.
type ResourceContents struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"` // For text resources
	Blob     string `json:"blob,omitempty"` // For binary resources, base64 encoded
}

// ListPromptsParams contains parameters for listing available prompts.
type ListPromptsParams struct {
	// Cursor is an optional pagination cursor from previous ListPrompts call.
	// Empty string requests the first page.
	Cursor string `json:"cursor,omitempty"`
}

// ListPromptsResult represents a paginated list of prompts returned by ListPrompts.
type ListPromptsResult struct {
	Prompts    []Prompt `json:"prompts"`
	NextCursor string   `json:"nextCursor,omitempty"`
}

// GetPromptParams contains parameters for retrieving a specific prompt.
type GetPromptParams struct {
	// Name is the unique identifier of the prompt to retrieve
	Name string `json:"name"`

	// Arguments is a map of argument name-value pairs
	// Must satisfy required arguments defined in prompt's Arguments field
	Arguments map[string]string `json:"arguments,omitempty"`
}

// GetPromptResult represents the result of a prompt request.
type GetPromptResult struct {
	Description string          `json:"description,omitempty"`
	Messages    []PromptMessage `json:"messages"`
}

// Prompt defines a template for generating prompts with optional arguments.
type Prompt struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Arguments   []PromptArgument `json:"arguments,omitempty"`
}

// PromptArgument defines a single argument that can be passed to a prompt.
// Required indicates whether the argument must be provided when using the prompt.
type PromptArgument struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// PromptMessage represents a message in a prompt.
type PromptMessage struct {
	Role    Role    `json:"role"`
	Content Content `json:"content"`
}

// Role represents the role in a conversation (user or assistant).
type Role string

// Content represents a message content with its type.
type Content struct {
	Type ContentType `json:"type"`

	// For ContentTypeText
	Text string `json:"text,omitempty"`

	// For ContentTypeImage
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`

	// For ContentTypeResource
	Resource *ResourceContents `json:"resource,omitempty"`
}

// ContentType represents the type of content in messages.
type ContentType string

// ListToolsParams contains parameters for listing available tools.
type ListToolsParams struct {
	// Cursor is a pagination cursor from previous ListTools call.
	// Empty string requests the first page.
	Cursor string `json:"cursor,omitempty"`
}

// ListToolsResult represents a paginated list of tools returned by ListTools.
type ListToolsResult struct {
	Tools      []Tool `json:"tools"`
	NextCursor string `json:"nextCursor,omitempty"`
}

// Tool defines a callable tool with its input schema.
// InputSchema defines the expected format of arguments for CallTool.
type Tool struct {
	Name        string             `json:"name"`
	Description string             `json:"description,omitempty"`
	InputSchema *jsonschema.Schema `json:"inputSchema"`
}

// CallToolParams contains parameters for executing a specific tool.
type CallToolParams struct {
	// Name is the unique identifier of the tool to execute
	Name string `json:"name"`

	// Arguments is a JSON object of argument name-value pairs
	// Must satisfy the tool's InputSchema
	Arguments map[string]any `json:"arguments,omitempty"`
}

// CallToolResult represents the outcome of a tool invocation via CallTool.
// IsError indicates whether the tool failed, with details in Content.
type CallToolResult struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError,omitempty"`
}

// RootList represents a collection of root resources in the system.
type RootList struct {
	Roots []Root `json:"roots"`
}

// Root represents a root directory or file that the server can operate on.
type Root struct {
	URI  string `json:"uri"`
	Name string `json:"name,omitempty"`
}

// SetLogLevelParams is the payload of a "logging/setLevel" request.
type SetLogLevelParams struct {
	Level LogLevel `json:"level"`
}

// LogParams represents the parameters for a "notifications/message" log notification.
type LogParams struct {
	// Level indicates the severity level of the message.
	Level LogLevel `json:"level"`
	// Logger identifies the source/component that generated the message.
	Logger string `json:"logger,omitempty"`
	// Data contains the message content and any structured metadata.
	Data any `json:"data"`
}

// LogLevel represents the severity level of log messages.
type LogLevel string

// Message kinds reported by JSONRPCMessage.Kind.
const (
	KindInvalid MessageKind = iota
	KindRequest
	KindNotification
	KindResponse
	KindErrorResponse
)

// Role represents the role in a conversation (user or assistant).
const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ContentType represents the type of content in messages.
const (
	ContentTypeText     ContentType = "text"
	ContentTypeImage    ContentType = "image"
	ContentTypeResource ContentType = "resource"
)

// LogLevel represents the severity level of log messages.
const (
	LogLevelDebug     LogLevel = "debug"
	LogLevelInfo      LogLevel = "info"
	LogLevelNotice    LogLevel = "notice"
	LogLevelWarning   LogLevel = "warning"
	LogLevelError     LogLevel = "error"
	LogLevelCritical  LogLevel = "critical"
	LogLevelAlert     LogLevel = "alert"
	LogLevelEmergency LogLevel = "emergency"
)

const (
	// JSONRPCVersion specifies the JSON-RPC protocol version used for communication.
	JSONRPCVersion = "2.0"

	// ProtocolVersion is the single MCP protocol revision this package speaks.
	ProtocolVersion = "2024-11-05"

	// MethodInitialize is the method name of the handshake request sent by the client.
	MethodInitialize = "initialize"
	// MethodPing is the method name of the liveness request either side may send.
	MethodPing = "ping"

	// MethodPromptsList is the method name for retrieving a list of available prompts.
	MethodPromptsList = "prompts/list"
	// MethodPromptsGet is the method name for retrieving a specific prompt by identifier.
	MethodPromptsGet = "prompts/get"

	// MethodResourcesList is the method name for listing available resources.
	MethodResourcesList = "resources/list"
	// MethodResourcesRead is the method name for reading the content of a specific resource.
	MethodResourcesRead = "resources/read"

	// MethodToolsList is the method name for retrieving a list of available tools.
	MethodToolsList = "tools/list"
	// MethodToolsCall is the method name for invoking a specific tool.
	MethodToolsCall = "tools/call"

	// MethodRootsList is the method name for retrieving a list of root resources.
	MethodRootsList = "roots/list"
	// MethodLoggingSetLevel is the method name for setting the minimum level of log notifications.
	MethodLoggingSetLevel = "logging/setLevel"

	// MethodNotificationsInitialized is sent by the client once it accepted the initialize result.
	MethodNotificationsInitialized = "notifications/initialized"
	// MethodNotificationsMessage carries a log message from the server.
	MethodNotificationsMessage = "notifications/message"
	// MethodNotificationsPromptsListChanged tells the client the prompt list changed.
	MethodNotificationsPromptsListChanged = "notifications/prompts/list_changed"
	// MethodNotificationsResourcesListChanged tells the client the resource list changed.
	MethodNotificationsResourcesListChanged = "notifications/resources/list_changed"
	// MethodNotificationsToolsListChanged tells the client the tool list changed.
	MethodNotificationsToolsListChanged = "notifications/tools/list_changed"

	// CodeParseError is returned when the peer sent invalid JSON.
	CodeParseError = -32700
	// CodeInvalidRequest is returned when the message is not a valid request object.
	CodeInvalidRequest = -32600
	// CodeMethodNotFound is returned when no handler is registered for the method.
	CodeMethodNotFound = -32601
	// CodeInvalidParams is returned when the params fail validation.
	CodeInvalidParams = -32602
	// CodeInternalError is returned when a handler failed with an untyped error.
	CodeInternalError = -32603
	// CodeRateLimited is a domain code returned by RateLimitMiddleware.
	CodeRateLimited = -32000

	errMsgInternalError              = "Internal error"
	errMsgMethodNotFound             = "Method not found"
	errMsgInvalidParams              = "Invalid params"
	errMsgInvalidRequest             = "Invalid request"
	errMsgUnsupportedProtocolVersion = "Unsupported protocol version"
)

// NumberID returns a numeric RequestID.
func NumberID(n int64) RequestID {
	return RequestID{num: n, valid: true}
}

// StringID returns a string RequestID.
func StringID(s string) RequestID {
	return RequestID{str: s, isStr: true, valid: true}
}

// IsZero reports whether the id is absent.
func (id RequestID) IsZero() bool {
	return !id.valid
}

// IsString reports whether the id was created from, or decoded as, a string.
func (id RequestID) IsString() bool {
	return id.isStr
}

func (id RequestID) String() string {
	switch {
	case !id.valid:
		return "<none>"
	case id.isStr:
		return id.str
	default:
		return strconv.FormatInt(id.num, 10)
	}
}

// MarshalJSON implements json.Marshaler, encoding the id as a JSON number or string
// according to its form. An absent id encodes as null.
func (id RequestID) MarshalJSON() ([]byte, error) {
	switch {
	case !id.valid:
		return []byte("null"), nil
	case id.isStr:
		return json.Marshal(id.str)
	default:
		return []byte(strconv.FormatInt(id.num, 10)), nil
	}
}

// UnmarshalJSON implements json.Unmarshaler, accepting a JSON string, an integral JSON number
// or null (absent).
func (id *RequestID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = RequestID{}
		return nil
	}

	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("invalid id: %w", err)
		}
		*id = StringID(s)
		return nil
	}

	n, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid id %s: must be a string or an integer", data)
	}
	*id = NumberID(n)
	return nil
}

// Kind classifies the message. Messages that are none of the four shapes, including ones
// carrying a wrong jsonrpc version, are KindInvalid.
func (m JSONRPCMessage) Kind() MessageKind {
	if m.JSONRPC != JSONRPCVersion {
		return KindInvalid
	}
	switch {
	case m.Method != "" && m.Result == nil && m.Error == nil:
		if m.ID.IsZero() {
			return KindNotification
		}
		return KindRequest
	case m.Method == "" && m.Error != nil && m.Result == nil:
		return KindErrorResponse
	case m.Method == "" && m.Result != nil && !m.ID.IsZero():
		return KindResponse
	default:
		return KindInvalid
	}
}

func (k MessageKind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindNotification:
		return "notification"
	case KindResponse:
		return "response"
	case KindErrorResponse:
		return "error response"
	default:
		return "invalid"
	}
}

// NewRequest builds a request message. Params are marshaled unless nil.
func NewRequest(id RequestID, method string, params any) (JSONRPCMessage, error) {
	paramsBs, err := marshalPayload(params)
	if err != nil {
		return JSONRPCMessage{}, fmt.Errorf("failed to marshal params: %w", err)
	}
	return JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Method:  method,
		Params:  paramsBs,
	}, nil
}

// NewNotification builds a notification message. Params are marshaled unless nil.
func NewNotification(method string, params any) (JSONRPCMessage, error) {
	paramsBs, err := marshalPayload(params)
	if err != nil {
		return JSONRPCMessage{}, fmt.Errorf("failed to marshal params: %w", err)
	}
	return JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  method,
		Params:  paramsBs,
	}, nil
}

// NewResponse builds a successful response. A nil result is sent as an empty object, since
// the result member is mandatory.
func NewResponse(id RequestID, result any) (JSONRPCMessage, error) {
	resBs, err := marshalPayload(result)
	if err != nil {
		return JSONRPCMessage{}, fmt.Errorf("failed to marshal result: %w", err)
	}
	if resBs == nil {
		resBs = json.RawMessage("{}")
	}
	return JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Result:  resBs,
	}, nil
}

// NewErrorResponse builds an error response.
func NewErrorResponse(id RequestID, err JSONRPCError) JSONRPCMessage {
	return JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Error:   &err,
	}
}

func marshalPayload(v any) (json.RawMessage, error) {
	switch v := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	}
	bs, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if bytes.Equal(bs, []byte("null")) {
		return nil, nil
	}
	return bs, nil
}

func (j JSONRPCError) Error() string {
	if j.Data == nil {
		return fmt.Sprintf("request error, code: %d, message: %s", j.Code, j.Message)
	}
	return fmt.Sprintf("request error, code: %d, message: %s, data: %v", j.Code, j.Message, j.Data)
}

// MarshalJSON implements json.Marshaler. A nil Resources encodes as an empty list.
func (r ListResourcesResult) MarshalJSON() ([]byte, error) {
	type alias ListResourcesResult
	if r.Resources == nil {
		r.Resources = []Resource{}
	}
	return json.Marshal(alias(r))
}

// MarshalJSON implements json.Marshaler. A nil Contents encodes as an empty list.
func (r ReadResourceResult) MarshalJSON() ([]byte, error) {
	type alias ReadResourceResult
	if r.Contents == nil {
		r.Contents = []ResourceContents{}
	}
	return json.Marshal(alias(r))
}

// MarshalJSON implements json.Marshaler. A nil Prompts encodes as an empty list.
func (r ListPromptsResult) MarshalJSON() ([]byte, error) {
	type alias ListPromptsResult
	if r.Prompts == nil {
		r.Prompts = []Prompt{}
	}
	return json.Marshal(alias(r))
}

// MarshalJSON implements json.Marshaler. A nil Messages encodes as an empty list.
func (r GetPromptResult) MarshalJSON() ([]byte, error) {
	type alias GetPromptResult
	if r.Messages == nil {
		r.Messages = []PromptMessage{}
	}
	return json.Marshal(alias(r))
}

// MarshalJSON implements json.Marshaler. A nil Tools encodes as an empty list.
func (r ListToolsResult) MarshalJSON() ([]byte, error) {
	type alias ListToolsResult
	if r.Tools == nil {
		r.Tools = []Tool{}
	}
	return json.Marshal(alias(r))
}

// MarshalJSON implements json.Marshaler. A nil Content encodes as an empty list.
func (r CallToolResult) MarshalJSON() ([]byte, error) {
	type alias CallToolResult
	if r.Content == nil {
		r.Content = []Content{}
	}
	return json.Marshal(alias(r))
}

// MarshalJSON implements json.Marshaler. A nil Roots encodes as an empty list.
func (r RootList) MarshalJSON() ([]byte, error) {
	type alias RootList
	if r.Roots == nil {
		r.Roots = []Root{}
	}
	return json.Marshal(alias(r))
}

// AsJSONRPCError reports whether err carries a JSONRPCError and returns it.
func AsJSONRPCError(err error) (JSONRPCError, bool) {
	var jErr JSONRPCError
	if errors.As(err, &jErr) {
		return jErr, true
	}
	var pErr *JSONRPCError
	if errors.As(err, &pErr) && pErr != nil {
		return *pErr, true
	}
	return JSONRPCError{}, false
}
