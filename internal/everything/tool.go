package everything

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/sergi/go-diff/diffmatchpatch"

	mcp "github.com/MegaGrindStone/mcp-inspector"
)

type tool struct {
	def  mcp.Tool
	args *jsonschema.Resolved
	call func(ctx context.Context, args map[string]any) (mcp.CallToolResult, error)
}

// A 1x1 transparent PNG.
const mcpTinyImage = "iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAYAAAAfFcSJAAAADUlEQVR42mNkYPhfDwAChwGA60e6kgAAAABJRU5ErkJggg=="

var toolOrder = []string{"echo", "add", "diff", "longRunningOperation", "printEnv", "getTinyImage"}

func newTools() map[string]tool {
	defs := []struct {
		name        string
		description string
		schema      func() *jsonschema.Schema
		call        func(ctx context.Context, args map[string]any) (mcp.CallToolResult, error)
	}{
		{"echo", "Echoes back the input", echoSchema, callEcho},
		{"add", "Adds two numbers", addSchema, callAdd},
		{"diff", "Shows the changes between two texts as a unified patch", diffSchema, callDiff},
		{"longRunningOperation", "Demonstrates a long running operation", longRunningOperationSchema,
			callLongRunningOperation},
		{"printEnv", "Prints all environment variables, helpful for debugging MCP server configuration",
			emptySchema, callPrintEnv},
		{"getTinyImage", "Returns a tiny PNG image", emptySchema, callGetTinyImage},
	}

	tools := make(map[string]tool, len(defs))
	for _, d := range defs {
		resolved, err := d.schema().Resolve(nil)
		if err != nil {
			panic(fmt.Sprintf("invalid schema for tool %s: %v", d.name, err))
		}
		tools[d.name] = tool{
			def: mcp.Tool{
				Name:        d.name,
				Description: d.description,
				InputSchema: d.schema(),
			},
			args: resolved,
			call: d.call,
		}
	}
	return tools
}

// ListTools implements mcp.ToolServer interface.
func (s *Server) ListTools(ctx context.Context, _ mcp.ListToolsParams) (mcp.ListToolsResult, error) {
	s.log(ctx, "ListTools", mcp.LogLevelDebug)

	list := make([]mcp.Tool, 0, len(toolOrder))
	for _, name := range toolOrder {
		list = append(list, s.tools[name].def)
	}
	return mcp.ListToolsResult{
		Tools: list,
	}, nil
}

// CallTool implements mcp.ToolServer interface. Unknown tools and arguments that do not
// match the tool's input schema are rejected with InvalidParams.
func (s *Server) CallTool(ctx context.Context, params mcp.CallToolParams) (mcp.CallToolResult, error) {
	s.log(ctx, fmt.Sprintf("CallTool: %s", params.Name), mcp.LogLevelDebug)

	t, ok := s.tools[params.Name]
	if !ok {
		return mcp.CallToolResult{}, mcp.InvalidParamsError(fmt.Sprintf("unknown tool: %s", params.Name))
	}

	args := params.Arguments
	if args == nil {
		args = map[string]any{}
	}
	if err := t.args.Validate(args); err != nil {
		return mcp.CallToolResult{}, mcp.InvalidParamsError(fmt.Sprintf("params validation failed: %s", err))
	}

	return t.call(ctx, args)
}

func callEcho(_ context.Context, args map[string]any) (mcp.CallToolResult, error) {
	var a EchoArgs
	if err := decodeArgs(args, &a); err != nil {
		return mcp.CallToolResult{}, err
	}

	return textResult(fmt.Sprintf("Echo: %s", a.Message)), nil
}

func callAdd(_ context.Context, args map[string]any) (mcp.CallToolResult, error) {
	var a AddArgs
	if err := decodeArgs(args, &a); err != nil {
		return mcp.CallToolResult{}, err
	}

	return textResult(fmt.Sprintf("The sum of %g and %g is %g", a.A, a.B, a.A+a.B)), nil
}

func callDiff(_ context.Context, args map[string]any) (mcp.CallToolResult, error) {
	a := DiffArgs{Name: "text"}
	if err := decodeArgs(args, &a); err != nil {
		return mcp.CallToolResult{}, err
	}

	return textResult(unifiedDiff(a.Original, a.Modified, a.Name)), nil
}

func unifiedDiff(original, modified, name string) string {
	dmp := diffmatchpatch.New()

	original = normalizeLineEndings(original)
	modified = normalizeLineEndings(modified)

	patches := dmp.PatchMake(dmp.DiffMain(original, modified, true))

	var diff strings.Builder
	fmt.Fprintf(&diff, "--- %s (original)\n", name)
	fmt.Fprintf(&diff, "+++ %s (modified)\n", name)
	for _, patch := range patches {
		diff.WriteString(dmp.PatchToText([]diffmatchpatch.Patch{patch}))
	}
	return diff.String()
}

func normalizeLineEndings(text string) string {
	return strings.ReplaceAll(text, "\r\n", "\n")
}

func callLongRunningOperation(ctx context.Context, args map[string]any) (mcp.CallToolResult, error) {
	a := LongRunningOperationArgs{Duration: 10, Steps: 5}
	if err := decodeArgs(args, &a); err != nil {
		return mcp.CallToolResult{}, err
	}

	stepDuration := time.Duration(a.Duration / a.Steps * float64(time.Second))
	for i := 0; i < int(a.Steps); i++ {
		select {
		case <-ctx.Done():
			return mcp.CallToolResult{}, ctx.Err()
		case <-time.After(stepDuration):
		}
	}

	return textResult(fmt.Sprintf("Long running operation completed. Duration: %g seconds, Steps: %g",
		a.Duration, a.Steps)), nil
}

func callPrintEnv(context.Context, map[string]any) (mcp.CallToolResult, error) {
	return textResult(fmt.Sprintf("Environment variables:\n%s", strings.Join(os.Environ(), "\n"))), nil
}

func callGetTinyImage(context.Context, map[string]any) (mcp.CallToolResult, error) {
	return mcp.CallToolResult{
		Content: []mcp.Content{
			{
				Type: mcp.ContentTypeText,
				Text: "This is a tiny image:",
			},
			{
				Type:     mcp.ContentTypeImage,
				Data:     mcpTinyImage,
				MimeType: "image/png",
			},
		},
	}, nil
}

func textResult(text string) mcp.CallToolResult {
	return mcp.CallToolResult{
		Content: []mcp.Content{
			{
				Type: mcp.ContentTypeText,
				Text: text,
			},
		},
	}
}

// decodeArgs converts validated arguments into their typed form.
func decodeArgs(args map[string]any, dst any) error {
	bs, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("failed to marshal arguments: %w", err)
	}
	if err := json.Unmarshal(bs, dst); err != nil {
		return mcp.InvalidParamsError(fmt.Sprintf("failed to decode arguments: %s", err))
	}
	return nil
}
