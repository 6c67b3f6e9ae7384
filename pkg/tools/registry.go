// Package tools holds the function tools the model may call during a session
// and dispatches completed calls to their handlers.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	openai "github.com/sashabaranov/go-openai"
	"github.com/sashabaranov/go-openai/jsonschema"

	"github.com/chriscow/fieldvoice/pkg/realtime"
)

// Handler executes a tool. args is the JSON object the model supplied; the
// returned value is marshalled to JSON and sent back as the call's output.
type Handler func(ctx context.Context, args json.RawMessage) (any, error)

// Tool is a function definition paired with its handler.
type Tool struct {
	Definition openai.FunctionDefinition
	Handler    Handler
}

// Registry is the static set of tools offered to the model. It is frozen when
// a session starts; registering after that panics.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]Tool
	order  []string
	frozen bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool.
// Panics if the name is empty, already registered, the handler is nil, or the
// registry is frozen.
func (r *Registry) Register(t Tool) {
	if t.Definition.Name == "" {
		panic("tool name cannot be empty")
	}
	if t.Handler == nil {
		panic(fmt.Sprintf("tool %s has no handler", t.Definition.Name))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		panic(fmt.Sprintf("tool %s registered after the registry was frozen", t.Definition.Name))
	}
	if _, exists := r.tools[t.Definition.Name]; exists {
		panic(fmt.Sprintf("tool %s already registered", t.Definition.Name))
	}

	r.tools[t.Definition.Name] = t
	r.order = append(r.order, t.Definition.Name)
}

// Freeze makes the registry immutable.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Lookup returns the tool registered under name.
func (r *Registry) Lookup(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.order))
	copy(names, r.order)
	sort.Strings(names)
	return names
}

// Definitions returns the function definitions in registration order.
func (r *Registry) Definitions() []openai.FunctionDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]openai.FunctionDefinition, 0, len(r.order))
	for _, name := range r.order {
		defs = append(defs, r.tools[name].Definition)
	}
	return defs
}

// Realtime returns the tools in the shape session.update expects.
func (r *Registry) Realtime() []realtime.Tool {
	defs := r.Definitions()
	out := make([]realtime.Tool, 0, len(defs))
	for _, d := range defs {
		params := d.Parameters
		if params == nil {
			params = jsonschema.Definition{Type: jsonschema.Object, Properties: map[string]jsonschema.Definition{}}
		}
		out = append(out, realtime.Tool{
			Type:        string(openai.ToolTypeFunction),
			Name:        d.Name,
			Description: d.Description,
			Parameters:  params,
		})
	}
	return out
}

// Func builds a tool whose parameter schema is generated from T and whose
// handler receives the arguments decoded into T.
func Func[T any](name, description string, fn func(ctx context.Context, args T) (any, error)) (Tool, error) {
	var zero T
	schema, err := jsonschema.GenerateSchemaForType(zero)
	if err != nil {
		return Tool{}, fmt.Errorf("failed to generate schema for %s: %w", name, err)
	}

	return Tool{
		Definition: openai.FunctionDefinition{
			Name:        name,
			Description: description,
			Parameters:  schema,
		},
		Handler: Typed(fn),
	}, nil
}

// MustFunc is like Func but panics on schema errors.
func MustFunc[T any](name, description string, fn func(ctx context.Context, args T) (any, error)) Tool {
	t, err := Func(name, description, fn)
	if err != nil {
		panic(err)
	}
	return t
}

// Typed adapts fn to a Handler by decoding the raw arguments into T.
func Typed[T any](fn func(ctx context.Context, args T) (any, error)) Handler {
	return func(ctx context.Context, raw json.RawMessage) (any, error) {
		var args T
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, fmt.Errorf("invalid arguments: %w", err)
			}
		}
		return fn(ctx, args)
	}
}
