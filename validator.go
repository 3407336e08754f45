package mcp

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
)

// Validator checks a raw params or result payload against the shape declared for a method.
// A nil Validator accepts any payload.
type Validator interface {
	Validate(raw json.RawMessage) error
}

// ValidatorFunc adapts a function to the Validator interface.
type ValidatorFunc func(raw json.RawMessage) error

// SchemaValidator validates payloads against a resolved JSON schema.
type SchemaValidator struct {
	resolved *jsonschema.Resolved
}

type methodSchemas struct {
	params Validator
	result Validator
}

// ObjectValidator accepts any JSON object, or an absent payload.
var ObjectValidator Validator = MustSchemaValidator(&jsonschema.Schema{Type: "object"})

var catalog = map[string]methodSchemas{
	MethodInitialize: {
		params: MustSchemaValidator(initializeParamsSchema()),
		result: MustSchemaValidator(initializeResultSchema()),
	},
	MethodPing: {
		params: ObjectValidator,
		result: ObjectValidator,
	},
	MethodResourcesList: {
		params: MustSchemaValidator(cursorParamsSchema()),
		result: MustSchemaValidator(listSchema("resources", objectSchema([]string{"uri", "name"}, map[string]*jsonschema.Schema{
			"uri":         {Type: "string"},
			"name":        {Type: "string"},
			"description": {Type: "string"},
			"mimeType":    {Type: "string"},
		}))),
	},
	MethodResourcesRead: {
		params: MustSchemaValidator(objectSchema([]string{"uri"}, map[string]*jsonschema.Schema{
			"uri": {Type: "string"},
		})),
		result: MustSchemaValidator(objectSchema([]string{"contents"}, map[string]*jsonschema.Schema{
			"contents": arraySchema(resourceContentsSchema()),
		})),
	},
	MethodPromptsList: {
		params: MustSchemaValidator(cursorParamsSchema()),
		result: MustSchemaValidator(listSchema("prompts", objectSchema([]string{"name"}, map[string]*jsonschema.Schema{
			"name":        {Type: "string"},
			"description": {Type: "string"},
			"arguments": arraySchema(objectSchema([]string{"name"}, map[string]*jsonschema.Schema{
				"name":     {Type: "string"},
				"required": {Type: "boolean"},
			})),
		}))),
	},
	MethodPromptsGet: {
		params: MustSchemaValidator(objectSchema([]string{"name"}, map[string]*jsonschema.Schema{
			"name": {Type: "string"},
			"arguments": {
				Type:                 "object",
				AdditionalProperties: &jsonschema.Schema{Type: "string"},
			},
		})),
		result: MustSchemaValidator(objectSchema([]string{"messages"}, map[string]*jsonschema.Schema{
			"description": {Type: "string"},
			"messages": arraySchema(objectSchema([]string{"role", "content"}, map[string]*jsonschema.Schema{
				"role":    roleSchema(),
				"content": contentSchema(),
			})),
		})),
	},
	MethodToolsList: {
		params: MustSchemaValidator(cursorParamsSchema()),
		result: MustSchemaValidator(listSchema("tools", objectSchema([]string{"name", "inputSchema"}, map[string]*jsonschema.Schema{
			"name":        {Type: "string"},
			"description": {Type: "string"},
			"inputSchema": {Type: "object"},
		}))),
	},
	MethodToolsCall: {
		params: MustSchemaValidator(objectSchema([]string{"name"}, map[string]*jsonschema.Schema{
			"name":      {Type: "string"},
			"arguments": {Type: "object"},
		})),
		result: MustSchemaValidator(objectSchema([]string{"content"}, map[string]*jsonschema.Schema{
			"content": arraySchema(contentSchema()),
			"isError": {Type: "boolean"},
		})),
	},
	MethodRootsList: {
		params: ObjectValidator,
		result: MustSchemaValidator(objectSchema([]string{"roots"}, map[string]*jsonschema.Schema{
			"roots": arraySchema(objectSchema([]string{"uri"}, map[string]*jsonschema.Schema{
				"uri":  {Type: "string"},
				"name": {Type: "string"},
			})),
		})),
	},
	MethodLoggingSetLevel: {
		params: MustSchemaValidator(objectSchema([]string{"level"}, map[string]*jsonschema.Schema{
			"level": logLevelSchema(),
		})),
		result: ObjectValidator,
	},
	MethodNotificationsInitialized: {
		params: ObjectValidator,
	},
	MethodNotificationsMessage: {
		params: MustSchemaValidator(&jsonschema.Schema{
			Type:     "object",
			Required: []string{"level", "data"},
			Properties: map[string]*jsonschema.Schema{
				"level":  logLevelSchema(),
				"logger": {Type: "string"},
			},
		}),
	},
}

// NewSchemaValidator resolves schema and returns a validator for it.
func NewSchemaValidator(schema *jsonschema.Schema) (*SchemaValidator, error) {
	resolved, err := schema.Resolve(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve schema: %w", err)
	}
	return &SchemaValidator{resolved: resolved}, nil
}

// MustSchemaValidator is like NewSchemaValidator but panics if the schema cannot be resolved.
// It is intended for package-level schema tables.
func MustSchemaValidator(schema *jsonschema.Schema) *SchemaValidator {
	v, err := NewSchemaValidator(schema)
	if err != nil {
		panic(err)
	}
	return v
}

// Validate implements Validator. An absent payload is validated as an empty object.
func (v *SchemaValidator) Validate(raw json.RawMessage) error {
	instance, err := decodeInstance(raw)
	if err != nil {
		return err
	}
	return v.resolved.Validate(instance)
}

// Validate implements Validator.
func (f ValidatorFunc) Validate(raw json.RawMessage) error {
	return f(raw)
}

// ParamsValidator returns the validator registered for the params of method, or nil when the
// method is not part of the built-in catalog.
func ParamsValidator(method string) Validator {
	return catalog[method].params
}

// ResultValidator returns the validator registered for the result of method, or nil when the
// method is not part of the built-in catalog.
func ResultValidator(method string) Validator {
	return catalog[method].result
}

func validate(v Validator, raw json.RawMessage) error {
	if v == nil {
		return nil
	}
	return v.Validate(raw)
}

func decodeInstance(raw json.RawMessage) (any, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return map[string]any{}, nil
	}
	var instance any
	if err := json.Unmarshal(raw, &instance); err != nil {
		return nil, fmt.Errorf("failed to decode payload: %w", err)
	}
	return instance, nil
}

// Schema constructors return fresh values; a resolved schema tree must not share nodes.

func objectSchema(required []string, props map[string]*jsonschema.Schema) *jsonschema.Schema {
	return &jsonschema.Schema{
		Type:       "object",
		Required:   required,
		Properties: props,
	}
}

func logLevelSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type: "string",
		Enum: []any{"debug", "info", "notice", "warning", "error", "critical", "alert", "emergency"},
	}
}

func arraySchema(items *jsonschema.Schema) *jsonschema.Schema {
	return &jsonschema.Schema{
		Type:  "array",
		Items: items,
	}
}

func listSchema(field string, item *jsonschema.Schema) *jsonschema.Schema {
	return objectSchema([]string{field}, map[string]*jsonschema.Schema{
		field:        arraySchema(item),
		"nextCursor": {Type: "string"},
	})
}

func cursorParamsSchema() *jsonschema.Schema {
	return objectSchema(nil, map[string]*jsonschema.Schema{
		"cursor": {Type: "string"},
	})
}

func implementationSchema() *jsonschema.Schema {
	return objectSchema([]string{"name", "version"}, map[string]*jsonschema.Schema{
		"name":    {Type: "string"},
		"version": {Type: "string"},
	})
}

func initializeParamsSchema() *jsonschema.Schema {
	return objectSchema([]string{"protocolVersion", "capabilities", "clientInfo"}, map[string]*jsonschema.Schema{
		"protocolVersion": {Type: "string"},
		"capabilities":    {Type: "object"},
		"clientInfo":      implementationSchema(),
	})
}

func initializeResultSchema() *jsonschema.Schema {
	return objectSchema([]string{"protocolVersion", "capabilities", "serverInfo"}, map[string]*jsonschema.Schema{
		"protocolVersion": {Type: "string"},
		"capabilities":    {Type: "object"},
		"serverInfo":      implementationSchema(),
		"instructions":    {Type: "string"},
	})
}

func resourceContentsSchema() *jsonschema.Schema {
	return objectSchema([]string{"uri"}, map[string]*jsonschema.Schema{
		"uri":      {Type: "string"},
		"mimeType": {Type: "string"},
		"text":     {Type: "string"},
		"blob":     {Type: "string"},
	})
}

func roleSchema() *jsonschema.Schema {
	return &jsonschema.Schema{Type: "string", Enum: []any{string(RoleUser), string(RoleAssistant)}}
}

func contentSchema() *jsonschema.Schema {
	return objectSchema([]string{"type"}, map[string]*jsonschema.Schema{
		"type": {
			Type: "string",
			Enum: []any{string(ContentTypeText), string(ContentTypeImage), string(ContentTypeResource)},
		},
		"text":     {Type: "string"},
		"data":     {Type: "string"},
		"mimeType": {Type: "string"},
		"resource": resourceContentsSchema(),
	})
}
