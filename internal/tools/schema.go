package tools

// SchemaBuilder assembles the JSON Schema for a tool's parameters without
// hand-writing nested maps. The produced schema is an object schema with
// additionalProperties disabled, so the model cannot smuggle unexpected
// arguments past validation.
//
//	params := tools.NewSchema().
//	    String("target", "Agent to message", true).
//	    String("body", "Message text", true).
//	    Build()
type SchemaBuilder struct {
	props    map[string]any
	required []string
}

// NewSchema returns an empty object schema builder.
func NewSchema() *SchemaBuilder {
	return &SchemaBuilder{props: make(map[string]any)}
}

func (b *SchemaBuilder) add(name string, prop map[string]any, required bool) *SchemaBuilder {
	b.props[name] = prop
	if required {
		b.required = append(b.required, name)
	}
	return b
}

// String declares a string parameter.
func (b *SchemaBuilder) String(name, desc string, required bool) *SchemaBuilder {
	return b.add(name, map[string]any{"type": "string", "description": desc}, required)
}

// Number declares a floating-point parameter.
func (b *SchemaBuilder) Number(name, desc string, required bool) *SchemaBuilder {
	return b.add(name, map[string]any{"type": "number", "description": desc}, required)
}

// Integer declares an integer parameter.
func (b *SchemaBuilder) Integer(name, desc string, required bool) *SchemaBuilder {
	return b.add(name, map[string]any{"type": "integer", "description": desc}, required)
}

// Boolean declares a boolean parameter.
func (b *SchemaBuilder) Boolean(name, desc string, required bool) *SchemaBuilder {
	return b.add(name, map[string]any{"type": "boolean", "description": desc}, required)
}

// Enum declares a string parameter restricted to the given values.
func (b *SchemaBuilder) Enum(name, desc string, values []string, required bool) *SchemaBuilder {
	enum := make([]any, len(values))
	for i, v := range values {
		enum[i] = v
	}
	return b.add(name, map[string]any{"type": "string", "description": desc, "enum": enum}, required)
}

// StringArray declares an array-of-strings parameter.
func (b *SchemaBuilder) StringArray(name, desc string, required bool) *SchemaBuilder {
	return b.add(name, map[string]any{
		"type":        "array",
		"description": desc,
		"items":       map[string]any{"type": "string"},
	}, required)
}

// Object declares a nested object parameter described by its own builder.
func (b *SchemaBuilder) Object(name, desc string, nested *SchemaBuilder, required bool) *SchemaBuilder {
	prop := nested.Build()
	prop["description"] = desc
	return b.add(name, prop, required)
}

// Build produces the final JSON Schema map. The builder may be reused after
// Build; later additions do not affect previously built schemas.
func (b *SchemaBuilder) Build() map[string]any {
	props := make(map[string]any, len(b.props))
	for k, v := range b.props {
		props[k] = v
	}
	schema := map[string]any{
		"type":                 "object",
		"properties":           props,
		"additionalProperties": false,
	}
	if len(b.required) > 0 {
		req := make([]any, len(b.required))
		for i, r := range b.required {
			req[i] = r
		}
		schema["required"] = req
	}
	return schema
}
