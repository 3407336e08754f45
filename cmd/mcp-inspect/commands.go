package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/gobwas/glob"

	mcp "github.com/MegaGrindStone/mcp-inspector"
)

// matchAnything is the pattern list commands use when none is given.
const matchAnything = "**"

func execute(ctx context.Context, client *mcp.Client, w io.Writer, args []string) error {
	command, rest := args[0], args[1:]

	var (
		res any
		err error
	)
	switch command {
	case "ping":
		if err = client.Ping(ctx); err == nil {
			res = map[string]string{"status": "ok"}
		}
	case "tools":
		g, gErr := compilePattern(rest)
		if gErr != nil {
			return gErr
		}
		res, err = listTools(ctx, client, g)
	case "call":
		if len(rest) < 1 {
			return fmt.Errorf("%w: call <name> [json-arguments]", errUsage)
		}
		params := mcp.CallToolParams{Name: rest[0]}
		if len(rest) > 1 {
			if err := json.Unmarshal([]byte(rest[1]), &params.Arguments); err != nil {
				return fmt.Errorf("invalid tool arguments: %w", err)
			}
		}
		res, err = client.CallTool(ctx, params)
	case "resources":
		// URIs are matched segment by segment, so * stays within one path element.
		g, gErr := compilePattern(rest, '/')
		if gErr != nil {
			return gErr
		}
		res, err = listResources(ctx, client, g)
	case "read":
		if len(rest) != 1 {
			return fmt.Errorf("%w: read <uri>", errUsage)
		}
		res, err = client.ReadResource(ctx, mcp.ReadResourceParams{URI: rest[0]})
	case "prompts":
		g, gErr := compilePattern(rest)
		if gErr != nil {
			return gErr
		}
		res, err = listPrompts(ctx, client, g)
	case "prompt":
		if len(rest) < 1 {
			return fmt.Errorf("%w: prompt <name> [key=value...]", errUsage)
		}
		params := mcp.GetPromptParams{Name: rest[0]}
		if params.Arguments, err = parsePromptArguments(rest[1:]); err != nil {
			return err
		}
		res, err = client.GetPrompt(ctx, params)
	case "loglevel":
		if len(rest) != 1 {
			return fmt.Errorf("%w: loglevel <level>", errUsage)
		}
		level := mcp.LogLevel(rest[0])
		if err = client.SetLogLevel(ctx, level); err == nil {
			res = map[string]string{"level": string(level)}
		}
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, command)
	}
	if err != nil {
		return fmt.Errorf("%s failed: %w", command, err)
	}

	return printJSON(w, res)
}

func compilePattern(args []string, separators ...rune) (glob.Glob, error) {
	pattern := matchAnything
	if len(args) > 0 {
		pattern = args[0]
	}
	g, err := glob.Compile(pattern, separators...)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}
	return g, nil
}

func listTools(ctx context.Context, client *mcp.Client, g glob.Glob) (mcp.ListToolsResult, error) {
	out := mcp.ListToolsResult{Tools: []mcp.Tool{}}
	params := mcp.ListToolsParams{}
	for {
		page, err := client.ListTools(ctx, params)
		if err != nil {
			return mcp.ListToolsResult{}, err
		}
		for _, t := range page.Tools {
			if g.Match(t.Name) {
				out.Tools = append(out.Tools, t)
			}
		}
		if page.NextCursor == "" {
			return out, nil
		}
		params.Cursor = page.NextCursor
	}
}

func listResources(ctx context.Context, client *mcp.Client, g glob.Glob) (mcp.ListResourcesResult, error) {
	out := mcp.ListResourcesResult{Resources: []mcp.Resource{}}
	params := mcp.ListResourcesParams{}
	for {
		page, err := client.ListResources(ctx, params)
		if err != nil {
			return mcp.ListResourcesResult{}, err
		}
		for _, r := range page.Resources {
			if g.Match(r.URI) {
				out.Resources = append(out.Resources, r)
			}
		}
		if page.NextCursor == "" {
			return out, nil
		}
		params.Cursor = page.NextCursor
	}
}

func listPrompts(ctx context.Context, client *mcp.Client, g glob.Glob) (mcp.ListPromptsResult, error) {
	out := mcp.ListPromptsResult{Prompts: []mcp.Prompt{}}
	params := mcp.ListPromptsParams{}
	for {
		page, err := client.ListPrompts(ctx, params)
		if err != nil {
			return mcp.ListPromptsResult{}, err
		}
		for _, p := range page.Prompts {
			if g.Match(p.Name) {
				out.Prompts = append(out.Prompts, p)
			}
		}
		if page.NextCursor == "" {
			return out, nil
		}
		params.Cursor = page.NextCursor
	}
}

func parsePromptArguments(args []string) (map[string]string, error) {
	if len(args) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(args))
	for _, arg := range args {
		k, v, ok := strings.Cut(arg, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid prompt argument %q, want key=value", arg)
		}
		out[k] = v
	}
	return out, nil
}

func printJSON(w io.Writer, v any) error {
	bs, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal output: %w", err)
	}
	if _, err := fmt.Fprintln(w, string(bs)); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	return nil
}
