package everything

import (
	"github.com/google/jsonschema-go/jsonschema"
)

// EchoArgs is the arguments for the echo tool.
type EchoArgs struct {
	Message string `json:"message"`
}

// AddArgs is the arguments for the add tool.
type AddArgs struct {
	A float64 `json:"a"`
	B float64 `json:"b"`
}

// DiffArgs is the arguments for the diff tool.
type DiffArgs struct {
	Original string `json:"original"`
	Modified string `json:"modified"`
	Name     string `json:"name"`
}

// LongRunningOperationArgs is the arguments for the longRunningOperation tool.
type LongRunningOperationArgs struct {
	Duration float64 `json:"duration"`
	Steps    float64 `json:"steps"`
}

func echoSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type:     "object",
		Required: []string{"message"},
		Properties: map[string]*jsonschema.Schema{
			"message": {Type: "string", Description: "Message to echo"},
		},
	}
}

func addSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type:     "object",
		Required: []string{"a", "b"},
		Properties: map[string]*jsonschema.Schema{
			"a": {Type: "number", Description: "First number"},
			"b": {Type: "number", Description: "Second number"},
		},
	}
}

func diffSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type:     "object",
		Required: []string{"original", "modified"},
		Properties: map[string]*jsonschema.Schema{
			"original": {Type: "string", Description: "Text before the change"},
			"modified": {Type: "string", Description: "Text after the change"},
			"name":     {Type: "string", Description: "Label used in the patch header"},
		},
	}
}

func longRunningOperationSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type: "object",
		Properties: map[string]*jsonschema.Schema{
			"duration": {Type: "number", Minimum: ptr(0.0), Description: "Duration in seconds"},
			"steps":    {Type: "number", Minimum: ptr(1.0), Description: "Number of steps"},
		},
	}
}

func emptySchema() *jsonschema.Schema {
	return &jsonschema.Schema{Type: "object"}
}

func ptr[T any](v T) *T {
	return &v
}
