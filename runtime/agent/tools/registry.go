package tools

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Registry holds the set of tools available to a session and validates
// model-supplied input against each tool's declared JSON Schema before
// dispatching to its handler.
//
// Registry is safe for concurrent use. Tool sets are typically fixed for the
// lifetime of a session; no backtrack strategy, TOOL_REPLACE included,
// calls Remove.
type Registry struct {
	mu      sync.RWMutex
	specs   map[Ident]Spec
	schemas map[Ident]*jsonschema.Schema
}

// NewRegistry returns an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{
		specs:   make(map[Ident]Spec),
		schemas: make(map[Ident]*jsonschema.Schema),
	}
}

// Register adds spec to the registry, compiling its input schema. Returns
// ErrDuplicateName if a tool with the same name is already registered.
func (r *Registry) Register(spec Spec) error {
	if err := spec.validate(); err != nil {
		return err
	}
	compiled, err := compileSchema(spec.Name, spec.InputSchema)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.specs[spec.Name]; dup {
		return fmt.Errorf("%w: %s", ErrDuplicateName, spec.Name)
	}
	r.specs[spec.Name] = spec
	if compiled != nil {
		r.schemas[spec.Name] = compiled
	}
	return nil
}

// Remove unregisters a tool. It is a no-op if the tool is not present.
func (r *Registry) Remove(name Ident) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.specs, name)
	delete(r.schemas, name)
}

// Lookup returns the Spec registered under name.
func (r *Registry) Lookup(name Ident) (Spec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.specs[name]
	return spec, ok
}

// List returns a snapshot of the currently registered tool specs. Callers
// (typically the RVR-B executor building a model request) convert these into
// model.ToolDefinition values; the tools package itself does not depend on
// the model package to avoid an import cycle (model.ToolCall.Name is a
// tools.Ident).
func (r *Registry) List() []Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	specs := make([]Spec, 0, len(r.specs))
	for _, spec := range r.specs {
		specs = append(specs, spec)
	}
	return specs
}

// DecodeSchema unmarshals spec.InputSchema into a generic JSON value for
// attaching to a model.ToolDefinition.InputSchema field.
func DecodeSchema(spec Spec) any {
	if len(spec.InputSchema) == 0 {
		return nil
	}
	var schema any
	_ = json.Unmarshal(spec.InputSchema, &schema)
	return schema
}

// Validate checks input against the tool's compiled JSON Schema. A tool
// registered without an InputSchema accepts any JSON value.
func (r *Registry) Validate(name Ident, input json.RawMessage) error {
	r.mu.RLock()
	schema, ok := r.schemas[name]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	var v any
	if len(input) == 0 {
		input = []byte("{}")
	}
	if err := json.Unmarshal(input, &v); err != nil {
		return fmt.Errorf("tools: %s: invalid JSON input: %w", name, err)
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("tools: %s: input schema validation: %w", name, err)
	}
	return nil
}

func compileSchema(name Ident, raw json.RawMessage) (*jsonschema.Schema, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	c := jsonschema.NewCompiler()
	resourceName := string(name) + ".schema.json"
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("tools: %s: parse input schema: %w", name, err)
	}
	if err := c.AddResource(resourceName, doc); err != nil {
		return nil, fmt.Errorf("tools: %s: load input schema: %w", name, err)
	}
	schema, err := c.Compile(resourceName)
	if err != nil {
		return nil, fmt.Errorf("tools: %s: compile input schema: %w", name, err)
	}
	return schema, nil
}
