package everything

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"

	mcp "github.com/MegaGrindStone/mcp-inspector"
)

const (
	pageSize      = 10
	resourceCount = 100

	// codeResourceNotFound is the domain error code for reads of unknown resources.
	codeResourceNotFound = -32002
)

func genResources() ([]mcp.Resource, map[string]mcp.ResourceContents) {
	var resources []mcp.Resource
	contents := make(map[string]mcp.ResourceContents)

	for i := 0; i < resourceCount; i++ {
		uri := fmt.Sprintf("test://static/resource/%d", i+1)
		name := fmt.Sprintf("Resource %d", i+1)
		if i%2 == 0 {
			resources = append(resources, mcp.Resource{
				URI:      uri,
				Name:     name,
				MimeType: "text/plain",
			})
			contents[uri] = mcp.ResourceContents{
				URI:      uri,
				MimeType: "text/plain",
				Text:     fmt.Sprintf("Resource %d: This is a plain text resource", i+1),
			}
		} else {
			content := fmt.Sprintf("Resource %d: This is a base64 blob", i+1)
			c64 := base64.StdEncoding.EncodeToString([]byte(content))
			resources = append(resources, mcp.Resource{
				URI:      uri,
				Name:     name,
				MimeType: "application/octet-stream",
			})
			contents[uri] = mcp.ResourceContents{
				URI:      uri,
				MimeType: "application/octet-stream",
				Blob:     c64,
			}
		}
	}

	return resources, contents
}

// ListResources implements mcp.ResourceServer interface. Pages hold ten resources and the
// cursor is the index of the next page's first resource.
func (s *Server) ListResources(ctx context.Context, params mcp.ListResourcesParams) (mcp.ListResourcesResult, error) {
	s.log(ctx, fmt.Sprintf("ListResources: %s", params.Cursor), mcp.LogLevelDebug)

	startIndex := 0
	if params.Cursor != "" {
		idx, err := strconv.Atoi(params.Cursor)
		if err != nil || idx < 0 || idx > len(s.resources) {
			return mcp.ListResourcesResult{}, mcp.InvalidParamsError(fmt.Sprintf("invalid cursor: %q", params.Cursor))
		}
		startIndex = idx
	}
	endIndex := min(startIndex+pageSize, len(s.resources))

	nextCursor := ""
	if endIndex < len(s.resources) {
		nextCursor = strconv.Itoa(endIndex)
	}

	return mcp.ListResourcesResult{
		Resources:  s.resources[startIndex:endIndex],
		NextCursor: nextCursor,
	}, nil
}

// ReadResource implements mcp.ResourceServer interface.
func (s *Server) ReadResource(ctx context.Context, params mcp.ReadResourceParams) (mcp.ReadResourceResult, error) {
	s.log(ctx, fmt.Sprintf("ReadResource: %s", params.URI), mcp.LogLevelDebug)

	resource, ok := s.contents[params.URI]
	if !ok {
		return mcp.ReadResourceResult{}, mcp.JSONRPCError{
			Code:    codeResourceNotFound,
			Message: "Resource not found",
			Data:    map[string]any{"uri": params.URI},
		}
	}

	return mcp.ReadResourceResult{
		Contents: []mcp.ResourceContents{resource},
	}, nil
}
