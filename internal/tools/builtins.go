package tools

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// StoreAPI is the slice of the code store the builtin tools need.
type StoreAPI interface {
	Read(ctx context.Context, path string) (string, error)
	Write(ctx context.Context, path, content string) error
	Delete(ctx context.Context, path string) error
	ListPaths(ctx context.Context, prefix string) ([]string, error)
}

// SelfModifier is the self-modification engine contract the builtin
// tools dispatch to. The bool results report whether a rollback was
// performed while recovering from a failed reload.
type SelfModifier interface {
	CreateTool(ctx context.Context, name, code string) error
	UpdateTool(ctx context.Context, name, code string) (bool, error)
	DeleteTool(ctx context.Context, name string) error
	ImproveCoreModule(ctx context.Context, id, code string) (bool, error)
	RollbackLatest(ctx context.Context, target string) error
}

// RegisterBuiltins wires the standard tool set into the registry. These
// are the actions the model drives the substrate with, including the
// ones that rewrite the substrate itself.
func RegisterBuiltins(r *Registry, store StoreAPI, selfmod SelfModifier) error {
	builtins := []struct {
		spec    Spec
		handler Handler
	}{
		{
			Spec{Name: "store.read", Description: "Read a stored code unit or text artifact.", Required: []string{"path"}},
			func(ctx context.Context, args map[string]any) (map[string]any, error) {
				path := stringArg(args, "path")
				content, err := store.Read(ctx, path)
				if err != nil {
					return nil, err
				}
				return map[string]any{"path": path, "content": content}, nil
			},
		},
		{
			Spec{Name: "store.write", Description: "Create or overwrite a text artifact. Tool and module units are backed up first.", Required: []string{"path", "content"}},
			func(ctx context.Context, args map[string]any) (map[string]any, error) {
				path := stringArg(args, "path")
				if err := store.Write(ctx, path, stringArg(args, "content")); err != nil {
					return nil, err
				}
				return map[string]any{"path": path, "written": true}, nil
			},
		},
		{
			Spec{Name: "store.list", Description: "List stored unit paths under a prefix."},
			func(ctx context.Context, args map[string]any) (map[string]any, error) {
				paths, err := store.ListPaths(ctx, stringArg(args, "prefix"))
				if err != nil {
					return nil, err
				}
				return map[string]any{"paths": paths}, nil
			},
		},
		{
			Spec{Name: "store.delete", Description: "Delete a stored artifact.", Required: []string{"path"}},
			func(ctx context.Context, args map[string]any) (map[string]any, error) {
				path := stringArg(args, "path")
				if err := store.Delete(ctx, path); err != nil {
					return nil, err
				}
				return map[string]any{"path": path, "deleted": true}, nil
			},
		},
		{
			Spec{Name: "tool.create", Description: "Create and register a new dynamic tool from Go source exporting Run.", Required: []string{"name", "code"}},
			func(ctx context.Context, args map[string]any) (map[string]any, error) {
				name := stringArg(args, "name")
				if err := selfmod.CreateTool(ctx, name, stringArg(args, "code")); err != nil {
					return nil, err
				}
				return map[string]any{"name": name, "created": true}, nil
			},
		},
		{
			Spec{Name: "tool.update", Description: "Overwrite an existing dynamic tool. A failed reload restores the previous version.", Required: []string{"name", "code"}},
			func(ctx context.Context, args map[string]any) (map[string]any, error) {
				name := stringArg(args, "name")
				rolledBack, err := selfmod.UpdateTool(ctx, name, stringArg(args, "code"))
				if err != nil {
					return nil, err
				}
				return map[string]any{"name": name, "updated": !rolledBack, "rolled_back": rolledBack}, nil
			},
		},
		{
			Spec{Name: "tool.delete", Description: "Delete a dynamic tool. Builtins cannot be deleted.", Required: []string{"name"}},
			func(ctx context.Context, args map[string]any) (map[string]any, error) {
				name := stringArg(args, "name")
				if err := selfmod.DeleteTool(ctx, name); err != nil {
					return nil, err
				}
				return map[string]any{"name": name, "deleted": true}, nil
			},
		},
		{
			Spec{Name: "module.improve", Description: "Rewrite a core module. A failed reload rolls back before returning.", Required: []string{"id", "code"}},
			func(ctx context.Context, args map[string]any) (map[string]any, error) {
				id := stringArg(args, "id")
				rolledBack, err := selfmod.ImproveCoreModule(ctx, id, stringArg(args, "code"))
				if err != nil {
					return nil, err
				}
				return map[string]any{"id": id, "improved": !rolledBack, "rolled_back": rolledBack}, nil
			},
		},
		{
			Spec{Name: "module.rollback", Description: "Restore the most recent backup of a tool or core module.", Required: []string{"target"}},
			func(ctx context.Context, args map[string]any) (map[string]any, error) {
				target := stringArg(args, "target")
				if err := selfmod.RollbackLatest(ctx, target); err != nil {
					return nil, err
				}
				return map[string]any{"target": target, "rolled_back": true}, nil
			},
		},
		{
			Spec{Name: "tools.list", Description: "List registered tools with origin."},
			func(ctx context.Context, args map[string]any) (map[string]any, error) {
				_ = ctx
				specs := r.List()
				items := make([]map[string]any, 0, len(specs))
				for _, spec := range specs {
					items = append(items, map[string]any{
						"name":        spec.Name,
						"origin":      string(spec.Origin),
						"description": spec.Description,
					})
				}
				return map[string]any{"tools": items}, nil
			},
		},
		{
			Spec{Name: "time.now", Description: "Current UTC time."},
			func(ctx context.Context, args map[string]any) (map[string]any, error) {
				_ = ctx
				return map[string]any{"utc": time.Now().UTC().Format(time.RFC3339)}, nil
			},
		},
	}

	for _, b := range builtins {
		if err := r.RegisterBuiltin(b.spec, b.handler); err != nil {
			return fmt.Errorf("register builtin %s: %w", b.spec.Name, err)
		}
	}
	return nil
}

func stringArg(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return strings.TrimSpace(v)
}
