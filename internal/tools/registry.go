package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"metamorph/internal/audit"
)

type Origin string

const (
	OriginBuiltin Origin = "builtin"
	OriginDynamic Origin = "dynamic"
)

type Spec struct {
	Name        string
	Description string
	Origin      Origin
	Required    []string
}

// Handler executes one tool invocation. Implementations must honor ctx
// cancellation where they block.
type Handler func(ctx context.Context, args map[string]any) (map[string]any, error)

type registryItem struct {
	spec    Spec
	handler Handler
}

// Registry is the dispatcher for named, invokable actions. Built-ins
// are registered at startup and cannot be removed; dynamic tools come
// and go as the agent rewrites itself.
type Registry struct {
	sink audit.Sink

	mu    sync.RWMutex
	tools map[string]registryItem
}

func NewRegistry(sink audit.Sink) *Registry {
	return &Registry{
		sink:  sink,
		tools: make(map[string]registryItem),
	}
}

// RegisterBuiltin registers a statically defined tool. Duplicate names
// are rejected.
func (r *Registry) RegisterBuiltin(spec Spec, handler Handler) error {
	spec.Origin = OriginBuiltin
	return r.register(spec, handler, false)
}

// RegisterDynamic registers or replaces a dynamically created tool.
// Replacing is allowed for dynamic entries (updates re-register), but a
// builtin name can never be taken over.
func (r *Registry) RegisterDynamic(spec Spec, handler Handler) error {
	spec.Origin = OriginDynamic
	return r.register(spec, handler, true)
}

func (r *Registry) register(spec Spec, handler Handler, replaceDynamic bool) error {
	if spec.Name == "" {
		return errors.New("tool name is required")
	}
	if handler == nil {
		return errors.New("tool handler is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, exists := r.tools[spec.Name]; exists {
		if existing.spec.Origin == OriginBuiltin {
			return fmt.Errorf("tool name collides with builtin: %s", spec.Name)
		}
		if !replaceDynamic {
			return fmt.Errorf("tool already registered: %s", spec.Name)
		}
	}
	r.tools[spec.Name] = registryItem{spec: spec, handler: handler}
	return nil
}

// Deregister removes a dynamic tool. Built-ins are immutable via this
// path.
func (r *Registry) Deregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	item, ok := r.tools[name]
	if !ok {
		return &ToolError{Code: ErrCodeNotFound, Tool: name, Message: "tool not registered"}
	}
	if item.spec.Origin == OriginBuiltin {
		return fmt.Errorf("cannot deregister builtin tool: %s", name)
	}
	delete(r.tools, name)
	return nil
}

// IsBuiltin reports whether name belongs to a registered builtin.
func (r *Registry) IsBuiltin(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	item, ok := r.tools[name]
	return ok && item.spec.Origin == OriginBuiltin
}

// List enumerates registered tools sorted by name.
func (r *Registry) List() []Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Spec, 0, len(r.tools))
	for _, item := range r.tools {
		out = append(out, item.spec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Execute dispatches one tool call. Lifecycle events go to the audit
// sink; emit failures never block execution.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (map[string]any, error) {
	if args == nil {
		args = map[string]any{}
	}

	r.emit(ctx, audit.EventToolStart, map[string]any{"tool": name, "args": args})

	r.mu.RLock()
	item, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		err := &ToolError{Code: ErrCodeNotFound, Tool: name, Message: "tool not registered"}
		r.emit(ctx, audit.EventToolError, map[string]any{"tool": name, "error": err.Error()})
		return nil, err
	}

	for _, required := range item.spec.Required {
		if _, ok := args[required]; !ok {
			err := &ToolError{Code: ErrCodeInvalidInput, Tool: name, Message: "missing required field: " + required}
			r.emit(ctx, audit.EventToolError, map[string]any{"tool": name, "error": err.Error()})
			return nil, err
		}
	}

	started := time.Now()
	res, err := item.handler(ctx, args)
	if err != nil {
		execErr := wrapError(ErrCodeExecution, name, fmt.Errorf("args %v: %w", args, err))
		r.emit(ctx, audit.EventToolError, map[string]any{"tool": name, "error": execErr.Error()})
		return nil, execErr
	}

	r.emit(ctx, audit.EventToolComplete, map[string]any{
		"tool":        name,
		"duration_ms": time.Since(started).Milliseconds(),
	})
	return res, nil
}

func (r *Registry) emit(ctx context.Context, eventType string, fields map[string]any) {
	if r.sink == nil {
		return
	}
	_ = r.sink.LogEvent(ctx, eventType, fields)
}
