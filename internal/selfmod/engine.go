package selfmod

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"metamorph/internal/audit"
	"metamorph/internal/codestore"
	"metamorph/internal/loader"
	"metamorph/internal/tools"
)

var (
	ErrInvalidDefinition = errors.New("selfmod: invalid definition")
	ErrBuiltinImmutable  = errors.New("selfmod: builtin tools are immutable")
)

// Engine is the only component permitted to mutate the substrate's own
// code. Every mutation follows the same discipline: validate, write
// (which backs up the prior content), reload, and on reload failure
// restore the backup before returning, so the substrate is never left
// half-upgraded.
type Engine struct {
	store    *codestore.Store
	loader   *loader.Loader
	registry *tools.Registry
	sink     audit.Sink

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewEngine(store *codestore.Store, ldr *loader.Loader, registry *tools.Registry, sink audit.Sink) *Engine {
	return &Engine{
		store:    store,
		loader:   ldr,
		registry: registry,
		sink:     sink,
		locks:    make(map[string]*sync.Mutex),
	}
}

// CreateTool validates, stores, loads and registers a new dynamic tool.
// Any failure before the unit is live leaves storage untouched.
func (e *Engine) CreateTool(ctx context.Context, name, code string) error {
	name = strings.TrimSpace(name)
	if err := validateToolName(name); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}
	if e.registry.IsBuiltin(name) {
		return fmt.Errorf("%w: name collides with builtin %q", ErrInvalidDefinition, name)
	}
	if err := validateToolSource(code); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}

	path := toolPath(name)
	unlock := e.lockPath(path)
	defer unlock()

	if _, err := e.store.Read(ctx, path); err == nil {
		return fmt.Errorf("%w: tool %q already exists, use tool.update", ErrInvalidDefinition, name)
	} else if !errors.Is(err, codestore.ErrNotFound) {
		return err
	}

	if err := e.store.Write(ctx, path, code); err != nil {
		return err
	}
	inst, err := e.loader.Load(ctx, path)
	if err != nil {
		// Validation is shallow; interpretation can still fail. Undo
		// the write without leaving a backup, so a rejected create
		// leaves no trace and nothing can roll back to the broken code.
		_ = e.store.Discard(ctx, path)
		return fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}
	return e.registerInstance(name, inst)
}

// UpdateTool overwrites an existing dynamic tool. The prior content is
// backed up by the write; a failed reload restores it and re-registers
// the previous version. The bool result reports that recovery rollback,
// which is a warning, not a failure.
func (e *Engine) UpdateTool(ctx context.Context, name, code string) (bool, error) {
	name = strings.TrimSpace(name)
	if e.registry.IsBuiltin(name) {
		return false, ErrBuiltinImmutable
	}
	if err := validateToolSource(code); err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}

	path := toolPath(name)
	unlock := e.lockPath(path)
	defer unlock()

	if _, err := e.store.Read(ctx, path); err != nil {
		return false, err
	}
	return e.swap(ctx, path, code, func(inst *loader.Instance) error {
		return e.registerInstance(name, inst)
	})
}

// DeleteTool removes a dynamic tool's unit and registration. Builtins
// are refused.
func (e *Engine) DeleteTool(ctx context.Context, name string) error {
	name = strings.TrimSpace(name)
	if e.registry.IsBuiltin(name) {
		return ErrBuiltinImmutable
	}

	path := toolPath(name)
	unlock := e.lockPath(path)
	defer unlock()

	if err := e.store.Delete(ctx, path); err != nil {
		return err
	}
	e.loader.Unload(ctx, path)
	if err := e.registry.Deregister(name); err != nil {
		var toolErr *tools.ToolError
		if errors.As(err, &toolErr) && toolErr.Code == tools.ErrCodeNotFound {
			return nil
		}
		return err
	}
	return nil
}

// ImproveCoreModule applies the update discipline to a core module.
// Because the rest of the substrate may depend on it, a failed reload
// MUST complete rollback before this returns.
func (e *Engine) ImproveCoreModule(ctx context.Context, id, code string) (bool, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return false, fmt.Errorf("%w: module id is required", ErrInvalidDefinition)
	}
	if err := validateModuleSource(code); err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}

	path := modulePath(id)
	unlock := e.lockPath(path)
	defer unlock()

	if _, err := e.store.Read(ctx, path); err != nil {
		return false, err
	}
	return e.swap(ctx, path, code, nil)
}

// RollbackLatest restores the most recent backup of a tool or core
// module and reloads it. Target is a unit path, or a bare name resolved
// against the tools/ then core/ prefixes.
func (e *Engine) RollbackLatest(ctx context.Context, target string) error {
	path, err := e.resolveTarget(ctx, target)
	if err != nil {
		return err
	}
	unlock := e.lockPath(path)
	defer unlock()

	if _, err := e.store.RestoreLatestBackup(ctx, path); err != nil {
		return err
	}
	inst, err := e.loader.Reload(ctx, path)
	if err != nil {
		return fmt.Errorf("selfmod: reload after rollback: %w", err)
	}
	e.emit(ctx, audit.EventRollback, map[string]any{"path": path, "manual": true})
	if codestore.KindForPath(path) == codestore.KindTool {
		return e.registerInstance(strings.TrimPrefix(path, codestore.PrefixTools), inst)
	}
	return nil
}

// RestoreDynamicTools loads and registers every stored dynamic tool,
// used at startup to rebuild the registry from the store. Units that
// fail to load are skipped with an audit record; one broken tool must
// not take the substrate down.
func (e *Engine) RestoreDynamicTools(ctx context.Context) ([]string, error) {
	paths, err := e.store.ListPaths(ctx, codestore.PrefixTools)
	if err != nil {
		return nil, err
	}
	restored := make([]string, 0, len(paths))
	for _, path := range paths {
		inst, err := e.loader.Get(ctx, path)
		if err != nil {
			e.emit(ctx, audit.EventToolError, map[string]any{"path": path, "error": err.Error()})
			continue
		}
		name := strings.TrimPrefix(path, codestore.PrefixTools)
		if err := e.registerInstance(name, inst); err != nil {
			e.emit(ctx, audit.EventToolError, map[string]any{"path": path, "error": err.Error()})
			continue
		}
		restored = append(restored, name)
	}
	return restored, nil
}

// swap writes the new content (backing up the old), reloads, and on
// reload failure restores the backup and reloads the restored content.
// register, when set, re-registers the live instance after a successful
// reload in either direction.
func (e *Engine) swap(ctx context.Context, path, code string, register func(*loader.Instance) error) (bool, error) {
	if err := e.store.Write(ctx, path, code); err != nil {
		return false, err
	}

	inst, err := e.loader.Reload(ctx, path)
	if err == nil {
		if register != nil {
			if regErr := register(inst); regErr != nil {
				return false, regErr
			}
		}
		return false, nil
	}
	reloadErr := err

	if _, err := e.store.RestoreLatestBackup(ctx, path); err != nil {
		return false, fmt.Errorf("selfmod: reload failed (%v) and restore failed: %w", reloadErr, err)
	}
	restored, err := e.loader.Reload(ctx, path)
	if err != nil {
		return false, fmt.Errorf("selfmod: reload failed (%v) and restored content failed to load: %w", reloadErr, err)
	}
	if register != nil {
		if err := register(restored); err != nil {
			return false, err
		}
	}
	e.emit(ctx, audit.EventRollback, map[string]any{"path": path, "error": reloadErr.Error()})
	return true, nil
}

func (e *Engine) registerInstance(name string, inst *loader.Instance) error {
	run, ok := inst.Value.(loader.ToolFunc)
	if !ok {
		return fmt.Errorf("%w: %s does not expose the Run contract", ErrInvalidDefinition, name)
	}
	return e.registry.RegisterDynamic(
		tools.Spec{Name: name, Description: "dynamic tool " + inst.Path},
		func(ctx context.Context, args map[string]any) (map[string]any, error) {
			_ = ctx // dispatched tools run to completion
			return run(args)
		},
	)
}

func (e *Engine) resolveTarget(ctx context.Context, target string) (string, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return "", errors.New("selfmod: rollback target is required")
	}
	if strings.Contains(target, "/") {
		return target, nil
	}
	for _, candidate := range []string{toolPath(target), modulePath(target)} {
		if _, err := e.store.Read(ctx, candidate); err == nil {
			return candidate, nil
		} else if !errors.Is(err, codestore.ErrNotFound) {
			return "", err
		}
	}
	// Unit may have been deleted; backups can still exist for tools.
	return toolPath(target), nil
}

// lockPath serializes self-modification per unit path: at most one
// mutation in flight per path.
func (e *Engine) lockPath(path string) func() {
	e.mu.Lock()
	lock, ok := e.locks[path]
	if !ok {
		lock = &sync.Mutex{}
		e.locks[path] = lock
	}
	e.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}

func (e *Engine) emit(ctx context.Context, eventType string, fields map[string]any) {
	if e.sink == nil {
		return
	}
	_ = e.sink.LogEvent(ctx, eventType, fields)
}

func validateToolName(name string) error {
	if name == "" {
		return errors.New("tool name is required")
	}
	if strings.ContainsAny(name, "/\\ \t\n") {
		return fmt.Errorf("tool name %q must not contain separators or spaces", name)
	}
	return nil
}

func toolPath(name string) string { return codestore.PrefixTools + name }
func modulePath(id string) string { return codestore.PrefixCore + id }
