package agents

import (
	"bytes"
	"encoding/json"
	"fmt"

	invopop "github.com/invopop/jsonschema"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// OutputSchema enforces structured JSON output on an agent's final message.
// When set on an Agent, the schema is forwarded to the model (providers
// translate it to their native structured-output mechanism) and the runner
// validates candidate final messages against it before finishing.
type OutputSchema struct {
	Name   string          `json:"name"`
	Schema json.RawMessage `json:"schema"`

	compiled *jsonschema.Schema
}

// NewOutputSchema compiles a JSON Schema for final-output validation.
func NewOutputSchema(name string, raw json.RawMessage) (*OutputSchema, error) {
	compiled, err := compileSchema(name, raw)
	if err != nil {
		return nil, fmt.Errorf("output schema %q: %w", name, err)
	}
	return &OutputSchema{Name: name, Schema: raw, compiled: compiled}, nil
}

// MustOutputSchema is NewOutputSchema that panics on a malformed schema.
// For schemas declared at package init time.
func MustOutputSchema(name string, raw json.RawMessage) *OutputSchema {
	s, err := NewOutputSchema(name, raw)
	if err != nil {
		panic(err)
	}
	return s
}

// Validate parses text as JSON and validates it against the schema.
// Returns the raw JSON on success.
func (s *OutputSchema) Validate(text string) (json.RawMessage, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(text)))
	if err != nil {
		return nil, fmt.Errorf("not valid JSON: %w", err)
	}
	if err := s.compiled.Validate(doc); err != nil {
		return nil, err
	}
	return json.RawMessage(text), nil
}

// compileSchema compiles raw JSON Schema under a synthetic resource URL.
func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	url := "inline://" + name + ".json"
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return compiled, nil
}

// validateArgs checks tool-call args against a compiled parameter schema.
// A nil schema accepts anything.
func validateArgs(compiled *jsonschema.Schema, args json.RawMessage) error {
	if compiled == nil {
		return nil
	}
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(args))
	if err != nil {
		return fmt.Errorf("args not valid JSON: %w", err)
	}
	return compiled.Validate(doc)
}

// ParamsFor generates a JSON Schema for a tool-parameter struct type using
// struct tags (json names, jsonschema descriptions/required markers).
//
//	type searchArgs struct {
//	    Query string `json:"query" jsonschema:"required,description=Search query"`
//	    Limit int    `json:"limit,omitempty" jsonschema:"description=Max results"`
//	}
//	tool := agents.NewFunctionTool("search", "Search the index", agents.ParamsFor[searchArgs](), exec)
func ParamsFor[T any]() json.RawMessage {
	reflector := &invopop.Reflector{
		RequiredFromJSONSchemaTags: true,
		ExpandedStruct:             true,
		DoNotReference:             true,
	}
	schema := reflector.Reflect(new(T))
	data, err := json.Marshal(schema)
	if err != nil {
		// Reflect output is always marshalable; a failure here is a
		// programming error in the parameter type itself.
		panic(fmt.Sprintf("agents: marshal generated schema: %v", err))
	}
	return data
}

// emptyObjectSchema is the parameter schema for tools that take no arguments.
var emptyObjectSchema = json.RawMessage(`{"type":"object","properties":{}}`)
