// Package everything implements a demonstration server that exercises the tool, resource,
// prompt and logging features of the protocol. It is primarily meant for testing clients,
// the inspector included.
package everything

import (
	"context"
	"sync"

	mcp "github.com/MegaGrindStone/mcp-inspector"
)

// LogSink delivers a log message to the connected client.
type LogSink func(ctx context.Context, params mcp.LogParams) error

// Server implements mcp.ToolServer, mcp.ResourceServer, mcp.PromptServer and
// mcp.LogLevelHandler.
//
// Tool arguments are validated against each tool's published input schema before the tool
// runs, so the schema a client sees in tools/list is the one that is enforced.
type Server struct {
	tools     map[string]tool
	resources []mcp.Resource
	contents  map[string]mcp.ResourceContents

	mu       sync.Mutex
	logLevel mcp.LogLevel
	sink     LogSink
}

// Info is the identity the demonstration server reports during the handshake.
var Info = mcp.Info{
	Name:    "everything",
	Version: "1.0",
}

// NewServer creates a demonstration server. Debug-level logging is enabled but goes
// nowhere until SetLogSink is called.
func NewServer() *Server {
	resources, contents := genResources()
	return &Server{
		tools:     newTools(),
		resources: resources,
		contents:  contents,
		logLevel:  mcp.LogLevelDebug,
	}
}

// Options returns the server options that register s with an mcp.Server.
func (s *Server) Options() []mcp.ServerOption {
	return []mcp.ServerOption{
		mcp.WithToolServer(s),
		mcp.WithResourceServer(s),
		mcp.WithPromptServer(s),
		mcp.WithLogLevelHandler(s),
		mcp.WithInstructions("A demonstration server. Try the echo and add tools."),
	}
}
