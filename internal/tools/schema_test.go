package tools

import (
	"testing"
)

func TestSchemaBuilder_Build(t *testing.T) {
	t.Parallel()

	schema := NewSchema().
		String("target", "recipient", true).
		Integer("limit", "max results", false).
		Enum("mode", "delivery mode", []string{"direct", "broadcast"}, true).
		Build()

	if schema["type"] != "object" {
		t.Errorf("type = %v, want object", schema["type"])
	}
	if schema["additionalProperties"] != false {
		t.Error("additionalProperties not disabled")
	}

	props := schema["properties"].(map[string]any)
	if len(props) != 3 {
		t.Fatalf("len(properties) = %d, want 3", len(props))
	}
	target := props["target"].(map[string]any)
	if target["type"] != "string" || target["description"] != "recipient" {
		t.Errorf("target = %v", target)
	}
	mode := props["mode"].(map[string]any)
	if enum := mode["enum"].([]any); len(enum) != 2 || enum[0] != "direct" {
		t.Errorf("mode enum = %v", mode["enum"])
	}

	req := schema["required"].([]any)
	if len(req) != 2 {
		t.Fatalf("required = %v, want target and mode", req)
	}
}

func TestSchemaBuilder_NoRequired(t *testing.T) {
	t.Parallel()

	schema := NewSchema().Boolean("verbose", "chatty output", false).Build()
	if _, ok := schema["required"]; ok {
		t.Error("required present on all-optional schema")
	}
}

func TestSchemaBuilder_NestedObject(t *testing.T) {
	t.Parallel()

	schema := NewSchema().
		Object("filter", "search filter", NewSchema().String("field", "column", true), true).
		Build()

	props := schema["properties"].(map[string]any)
	filter := props["filter"].(map[string]any)
	if filter["type"] != "object" || filter["description"] != "search filter" {
		t.Errorf("filter = %v", filter)
	}
	nested := filter["properties"].(map[string]any)
	if _, ok := nested["field"]; !ok {
		t.Error("nested field missing")
	}
}

func TestSchemaBuilder_BuildIsolation(t *testing.T) {
	t.Parallel()

	b := NewSchema().String("a", "first", true)
	first := b.Build()
	b.String("b", "second", true)
	second := b.Build()

	if len(first["properties"].(map[string]any)) != 1 {
		t.Error("earlier Build mutated by later addition")
	}
	if len(second["properties"].(map[string]any)) != 2 {
		t.Error("later Build missing addition")
	}
}

func TestSchemaBuilder_CompilesAndValidates(t *testing.T) {
	t.Parallel()

	// The builder's output must be accepted by the registry's compiler and
	// enforce its declared types at validation time.
	schema := NewSchema().
		String("name", "who", true).
		Number("score", "rating", false).
		StringArray("tags", "labels", false).
		Build()

	compiled, err := compileSchema("probe", schema)
	if err != nil {
		t.Fatalf("compileSchema: %v", err)
	}

	if err := compiled.Validate(map[string]any{"name": "ok", "score": 1.5}); err != nil {
		t.Errorf("valid document rejected: %v", err)
	}
	if err := compiled.Validate(map[string]any{"name": 42}); err == nil {
		t.Error("wrong type accepted")
	}
	if err := compiled.Validate(map[string]any{"score": 1.0}); err == nil {
		t.Error("missing required accepted")
	}
}
