package engine

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/rendis/stepflow/internal/validation"
	"github.com/rendis/stepflow/pkg/schema"
)

// WorkflowFunc is the body of a workflow type. It is replayed from the top on
// every pass and must reach its step functions in a deterministic order.
type WorkflowFunc[I, O any] func(wc *Context, input I) (O, error)

// runFunc is a WorkflowFunc with its input and output erased to JSON.
type runFunc func(wc *Context, input json.RawMessage) (json.RawMessage, error)

type registration struct {
	typeName    string
	newRun      func() runFunc
	inputSchema []byte
}

// RegisterOption configures a workflow type.
type RegisterOption func(*registration)

// WithInputSchema validates every RunWorkflow input against a JSON Schema
// (Draft 2020-12) before the workflow is persisted.
func WithInputSchema(jsonSchema []byte) RegisterOption {
	return func(r *registration) { r.inputSchema = jsonSchema }
}

// Registry maps workflow type names to constructors. A constructor is called
// once per replay pass, so workflows may close over their dependencies.
type Registry struct {
	mu        sync.RWMutex
	entries   map[string]*registration
	validator validation.Validator
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entries:   make(map[string]*registration),
		validator: validation.NewJSONSchemaValidator(),
	}
}

// Register adds a workflow type. Registering a name twice is a conflict.
func Register[I, O any](r *Registry, typeName string, ctor func() WorkflowFunc[I, O], opts ...RegisterOption) error {
	if typeName == "" || ctor == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow type name and constructor are required")
	}
	reg := &registration{
		typeName: typeName,
		newRun: func() runFunc {
			fn := ctor()
			return func(wc *Context, raw json.RawMessage) (json.RawMessage, error) {
				var input I
				if len(raw) > 0 {
					if err := json.Unmarshal(raw, &input); err != nil {
						return nil, schema.NewErrorf(schema.ErrCodeValidation,
							"decode input of %s: %s", typeName, err.Error()).WithCause(err)
					}
				}
				out, err := fn(wc, input)
				if err != nil {
					return nil, err
				}
				payload, err := json.Marshal(out)
				if err != nil {
					return nil, schema.NewErrorf(schema.ErrCodeValidation,
						"encode output of %s: %s", typeName, err.Error()).WithCause(err)
				}
				return payload, nil
			}
		},
	}
	for _, opt := range opts {
		opt(reg)
	}
	if reg.inputSchema != nil {
		if err := r.validator.Compile(reg.inputSchema); err != nil {
			return err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[typeName]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "workflow type %q already registered", typeName)
	}
	r.entries[typeName] = reg
	return nil
}

func (r *Registry) lookup(typeName string) (*registration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.entries[typeName]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow type %q is not registered", typeName)
	}
	return reg, nil
}

// Has reports whether typeName is registered.
func (r *Registry) Has(typeName string) bool {
	_, err := r.lookup(typeName)
	return err == nil
}

// ValidateInput checks input against the type's schema, if it has one.
func (r *Registry) ValidateInput(typeName string, input json.RawMessage) error {
	reg, err := r.lookup(typeName)
	if err != nil {
		return err
	}
	if reg.inputSchema == nil {
		return nil
	}
	return r.validator.Validate(input, reg.inputSchema)
}

// Types returns the registered type names, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
