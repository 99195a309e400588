package loader

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"metamorph/internal/audit"
	"metamorph/internal/codestore"
)

// Factory is the exported constructor contract for module units.
type Factory = func(deps map[string]any) (any, error)

// ToolFunc is the exported entrypoint contract for tool units.
type ToolFunc = func(args map[string]any) (map[string]any, error)

// CycleError reports a dependency cycle found during resolution.
type CycleError struct {
	Cycle []string
}

func (e *CycleError) Error() string {
	return "loader: cyclic dependency: " + strings.Join(e.Cycle, " -> ")
}

// Instance is a loaded, dependency-resolved unit.
type Instance struct {
	Path     string
	Value    any
	LoadedAt time.Time
}

// Loader turns stored CodeUnits into executable instances via the
// yaegi interpreter. Instances are cached by path until reloaded or
// unloaded. Loading the same path from multiple goroutines is
// serialized; holders of a stale instance are not updated on reload
// and must re-fetch.
type Loader struct {
	store *codestore.Store
	sink  audit.Sink

	mu    sync.Mutex
	cache map[string]*Instance
}

func New(store *codestore.Store, sink audit.Sink) *Loader {
	return &Loader{
		store: store,
		sink:  sink,
		cache: make(map[string]*Instance),
	}
}

// Get returns the cached instance for path, loading it on a miss.
func (l *Loader) Get(ctx context.Context, path string) (*Instance, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if inst, ok := l.cache[path]; ok {
		return inst, nil
	}
	return l.loadLocked(ctx, path, nil)
}

// Load resolves, executes and caches the unit at path. A load failure
// caches nothing; other paths remain loadable.
func (l *Loader) Load(ctx context.Context, path string) (*Instance, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loadLocked(ctx, path, nil)
}

// Reload invalidates the cached instance and re-executes the unit.
func (l *Loader) Reload(ctx context.Context, path string) (*Instance, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if old, ok := l.cache[path]; ok {
		delete(l.cache, path)
		teardown(old)
	}
	inst, err := l.loadLocked(ctx, path, nil)
	if err != nil {
		return nil, err
	}
	l.emit(ctx, audit.EventModuleReload, map[string]any{"path": path})
	return inst, nil
}

// Unload drops the cached instance, invoking its teardown hook when it
// exposes one. Unloading an uncached path is a no-op.
func (l *Loader) Unload(ctx context.Context, path string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if inst, ok := l.cache[path]; ok {
		delete(l.cache, path)
		teardown(inst)
		l.emit(ctx, audit.EventModuleUnload, map[string]any{"path": path})
	}
}

// Loaded enumerates the paths of active instances in lexical order.
func (l *Loader) Loaded() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	paths := make([]string, 0, len(l.cache))
	for path := range l.cache {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}

// loadLocked resolves path with an explicit resolution stack for cycle
// detection: re-entry of an in-progress path fails with the full cycle.
func (l *Loader) loadLocked(ctx context.Context, path string, stack []string) (*Instance, error) {
	for i, inProgress := range stack {
		if inProgress == path {
			cycle := append(append([]string(nil), stack[i:]...), path)
			return nil, &CycleError{Cycle: cycle}
		}
	}
	if inst, ok := l.cache[path]; ok {
		return inst, nil
	}

	src, err := l.store.Read(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("loader: read %s: %w", path, err)
	}
	meta, err := ParseMetadata(src)
	if err != nil {
		return nil, fmt.Errorf("loader: %s: %w", path, err)
	}
	if err := validateImports(meta); err != nil {
		return nil, fmt.Errorf("loader: %s: %w", path, err)
	}

	kind := codestore.KindForPath(path)
	if kind == codestore.KindTool && len(meta.Requires) > 0 {
		return nil, fmt.Errorf("loader: %s: tool units cannot declare dependencies", path)
	}

	deps := make(map[string]any, len(meta.Requires))
	stack = append(stack, path)
	for _, dep := range meta.Requires {
		inst, err := l.loadLocked(ctx, dep, stack)
		if err != nil {
			var cycleErr *CycleError
			if errors.As(err, &cycleErr) {
				return nil, err
			}
			return nil, fmt.Errorf("loader: %s: dependency %s: %w", path, dep, err)
		}
		deps[dep] = inst.Value
	}

	value, err := execute(ctx, src, meta, kind, deps)
	if err != nil {
		return nil, fmt.Errorf("loader: %s: %w", path, err)
	}

	inst := &Instance{Path: path, Value: value, LoadedAt: time.Now().UTC()}
	l.cache[path] = inst
	l.emit(ctx, audit.EventModuleLoad, map[string]any{"path": path})
	return inst, nil
}

// execute evaluates the unit in a fresh interpreter and invokes its
// exported entrypoint. Module units return the factory result; tool
// units return the Run function itself.
func execute(ctx context.Context, src string, meta Metadata, kind codestore.Kind, deps map[string]any) (any, error) {
	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, fmt.Errorf("load stdlib symbols: %w", err)
	}

	if _, err := i.EvalWithContext(ctx, src); err != nil {
		return nil, fmt.Errorf("evaluate unit: %w", err)
	}

	switch kind {
	case codestore.KindTool:
		v, err := i.Eval(meta.Package + ".Run")
		if err != nil {
			return nil, fmt.Errorf("Run entrypoint not found: %w", err)
		}
		run, ok := v.Interface().(ToolFunc)
		if !ok {
			return nil, errors.New("Run has wrong signature, want func(map[string]any) (map[string]any, error)")
		}
		return run, nil
	default:
		v, err := i.Eval(meta.Package + ".New")
		if err != nil {
			return nil, fmt.Errorf("New factory not found: %w", err)
		}
		factory, ok := v.Interface().(Factory)
		if !ok {
			return nil, errors.New("New has wrong signature, want func(map[string]any) (any, error)")
		}
		value, err := factory(deps)
		if err != nil {
			return nil, fmt.Errorf("factory: %w", err)
		}
		return value, nil
	}
}

func teardown(inst *Instance) {
	if closer, ok := inst.Value.(interface{ Close() error }); ok {
		_ = closer.Close()
	}
}

func (l *Loader) emit(ctx context.Context, eventType string, fields map[string]any) {
	if l.sink == nil {
		return
	}
	_ = l.sink.LogEvent(ctx, eventType, fields)
}
