package everything

import (
	"context"

	mcp "github.com/MegaGrindStone/mcp-inspector"
)

var levelRank = map[mcp.LogLevel]int{
	mcp.LogLevelDebug:     0,
	mcp.LogLevelInfo:      1,
	mcp.LogLevelNotice:    2,
	mcp.LogLevelWarning:   3,
	mcp.LogLevelError:     4,
	mcp.LogLevelCritical:  5,
	mcp.LogLevelAlert:     6,
	mcp.LogLevelEmergency: 7,
}

// SetLogSink sets where the server's log messages go, typically (*mcp.Server).Log.
func (s *Server) SetLogSink(sink LogSink) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sink = sink
}

// SetLogLevel configures the minimum severity level for emitted log messages.
func (s *Server) SetLogLevel(level mcp.LogLevel) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.logLevel = level
}

func (s *Server) log(ctx context.Context, msg string, level mcp.LogLevel) {
	s.mu.Lock()
	sink := s.sink
	minLevel := s.logLevel
	s.mu.Unlock()

	if sink == nil || levelRank[level] < levelRank[minLevel] {
		return
	}

	// Log delivery is best effort; a failed notification never fails the request.
	_ = sink(ctx, mcp.LogParams{
		Level:  level,
		Logger: "everything",
		Data:   map[string]any{"message": msg},
	})
}
