package agents

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestOutputSchemaValidate(t *testing.T) {
	schema := MustOutputSchema("answer", json.RawMessage(
		`{"type":"object","properties":{"text":{"type":"string"},"score":{"type":"number"}},"required":["text"]}`))

	parsed, err := schema.Validate(`{"text":"hi","score":0.5}`)
	if err != nil {
		t.Fatal(err)
	}
	if string(parsed) != `{"text":"hi","score":0.5}` {
		t.Errorf("parsed = %s", parsed)
	}

	if _, err := schema.Validate(`{"score":0.5}`); err == nil {
		t.Error("missing required field passed validation")
	}
	if _, err := schema.Validate(`not json`); err == nil {
		t.Error("non-JSON passed validation")
	}
}

func TestNewOutputSchemaRejectsMalformed(t *testing.T) {
	if _, err := NewOutputSchema("bad", json.RawMessage(`{"type": 12}`)); err == nil {
		t.Error("malformed schema compiled")
	}
}

func TestParamsForGeneratesSchema(t *testing.T) {
	type searchArgs struct {
		Query string `json:"query" jsonschema:"required,description=Search query"`
		Limit int    `json:"limit,omitempty" jsonschema:"description=Max results"`
	}
	raw := ParamsFor[searchArgs]()

	var schema map[string]any
	if err := json.Unmarshal(raw, &schema); err != nil {
		t.Fatal(err)
	}
	props, ok := schema["properties"].(map[string]any)
	if !ok {
		t.Fatalf("schema has no properties: %s", raw)
	}
	if _, ok := props["query"]; !ok {
		t.Errorf("query missing from properties: %s", raw)
	}
	if _, ok := props["limit"]; !ok {
		t.Errorf("limit missing from properties: %s", raw)
	}

	// The generated schema must compile for dispatch-time validation.
	compiled, err := compileSchema("searchArgs", raw)
	if err != nil {
		t.Fatal(err)
	}
	if err := validateArgs(compiled, json.RawMessage(`{"query":"go"}`)); err != nil {
		t.Errorf("valid args rejected: %v", err)
	}
	if err := validateArgs(compiled, json.RawMessage(`{"limit":3}`)); err == nil {
		t.Error("args missing required field passed")
	}
}

func TestValidateArgsNilSchemaAcceptsAnything(t *testing.T) {
	if err := validateArgs(nil, json.RawMessage(`{"whatever":true}`)); err != nil {
		t.Error(err)
	}
}

func TestNewFunctionToolPanicsOnBadSchema(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("no panic for invalid schema")
		} else if !strings.Contains(r.(string), "invalid parameter schema") {
			t.Errorf("panic = %v", r)
		}
	}()
	NewFunctionTool("bad", "bad", json.RawMessage(`{"type": 12}`), nil)
}
