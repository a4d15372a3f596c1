package tools

import (
	"context"
	"encoding/json"
	"fmt"

	schemagen "github.com/invopop/jsonschema"

	"github.com/capitalize-ai/tool-gateway/internal/model"
)

// SchemaFor reflects T into an inline JSON schema object. Fields without
// omitempty are required and unknown properties are rejected.
func SchemaFor[T any]() (map[string]any, error) {
	r := &schemagen.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	s := r.Reflect(new(T))

	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode schema: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode schema: %w", err)
	}
	delete(out, "$schema")
	delete(out, "$id")
	return out, nil
}

// DeclareFunc declares a tool whose input is decoded into T after validation.
func DeclareFunc[T any](r *Registry, name, description string, category model.ToolCategory, fn func(ctx context.Context, in T) (any, error)) error {
	schema, err := SchemaFor[T]()
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidDeclaration, name, err)
	}
	return r.Declare(name, description, category, schema, func(ctx context.Context, input json.RawMessage) (any, error) {
		var in T
		if err := json.Unmarshal(input, &in); err != nil {
			return nil, fmt.Errorf("decode input: %w", err)
		}
		return fn(ctx, in)
	})
}
