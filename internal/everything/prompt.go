package everything

import (
	"context"
	"fmt"

	mcp "github.com/MegaGrindStone/mcp-inspector"
)

var promptList = []mcp.Prompt{
	{
		Name:        "simple_prompt",
		Description: "A prompt without arguments",
	},
	{
		Name:        "complex_prompt",
		Description: "A prompt with arguments",
		Arguments: []mcp.PromptArgument{
			{Name: "temperature", Description: "Temperature setting", Required: true},
			{Name: "style", Description: "Output style"},
		},
	},
}

// ListPrompts implements mcp.PromptServer interface.
func (s *Server) ListPrompts(ctx context.Context, _ mcp.ListPromptsParams) (mcp.ListPromptsResult, error) {
	s.log(ctx, "ListPrompts", mcp.LogLevelDebug)

	return mcp.ListPromptsResult{
		Prompts: promptList,
	}, nil
}

// GetPrompt implements mcp.PromptServer interface. Missing required arguments are rejected
// with InvalidParams.
func (s *Server) GetPrompt(ctx context.Context, params mcp.GetPromptParams) (mcp.GetPromptResult, error) {
	s.log(ctx, fmt.Sprintf("GetPrompt: %s", params.Name), mcp.LogLevelDebug)

	switch params.Name {
	case "simple_prompt":
		return mcp.GetPromptResult{
			Description: "A simple prompt without arguments",
			Messages: []mcp.PromptMessage{
				{
					Role: mcp.RoleUser,
					Content: mcp.Content{
						Type: mcp.ContentTypeText,
						Text: "This is a simple prompt without arguments.",
					},
				},
			},
		}, nil
	case "complex_prompt":
		temperature, ok := params.Arguments["temperature"]
		if !ok {
			return mcp.GetPromptResult{}, mcp.InvalidParamsError("missing required argument: temperature")
		}
		style := params.Arguments["style"]
		if style == "" {
			style = "default"
		}
		return mcp.GetPromptResult{
			Description: "A complex prompt with arguments",
			Messages: []mcp.PromptMessage{
				{
					Role: mcp.RoleUser,
					Content: mcp.Content{
						Type: mcp.ContentTypeText,
						Text: fmt.Sprintf("This is a complex prompt with arguments: temperature=%s, style=%s",
							temperature, style),
					},
				},
				{
					Role: mcp.RoleAssistant,
					Content: mcp.Content{
						Type: mcp.ContentTypeText,
						Text: "I understand. You've provided a complex prompt with temperature and style arguments.",
					},
				},
			},
		}, nil
	default:
		return mcp.GetPromptResult{}, mcp.InvalidParamsError(fmt.Sprintf("unknown prompt: %s", params.Name))
	}
}
