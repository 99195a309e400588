package loader

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"metamorph/internal/codestore"
)

const strutilSrc = `//metamorph:module core/strutil
package strutil

import "strings"

func New(deps map[string]any) (any, error) {
	return map[string]any{
		"upper": func(s string) string { return strings.ToUpper(s) },
	}, nil
}
`

const reportSrc = `//metamorph:module core/report
//metamorph:requires core/strutil
package report

import "fmt"

func New(deps map[string]any) (any, error) {
	strutil, ok := deps["core/strutil"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("missing core/strutil")
	}
	upper, _ := strutil["upper"].(func(string) string)
	return map[string]any{
		"shout": func(s string) string { return upper(s) + "!" },
	}, nil
}
`

const echoToolSrc = `//metamorph:tool tools/echo
package echo

func Run(args map[string]any) (map[string]any, error) {
	return map[string]any{"echo": args["text"]}, nil
}
`

func newTestLoader(t *testing.T, units map[string]string) (*Loader, *codestore.Store) {
	t.Helper()
	store, err := codestore.Open(filepath.Join(t.TempDir(), "store.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()
	for path, src := range units {
		if err := store.Write(ctx, path, src); err != nil {
			t.Fatalf("write %s: %v", path, err)
		}
	}
	return New(store, nil), store
}

func TestLoadModuleWithDependency(t *testing.T) {
	l, _ := newTestLoader(t, map[string]string{
		"core/strutil": strutilSrc,
		"core/report":  reportSrc,
	})
	ctx := context.Background()

	inst, err := l.Load(ctx, "core/report")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	api, ok := inst.Value.(map[string]any)
	if !ok {
		t.Fatalf("instance value type %T", inst.Value)
	}
	shout, ok := api["shout"].(func(string) string)
	if !ok {
		t.Fatalf("shout type %T", api["shout"])
	}
	if got := shout("hi"); got != "HI!" {
		t.Fatalf("shout = %q, want HI!", got)
	}

	loaded := l.Loaded()
	if len(loaded) != 2 || loaded[0] != "core/report" || loaded[1] != "core/strutil" {
		t.Fatalf("loaded = %v", loaded)
	}
}

func TestGetUsesCache(t *testing.T) {
	l, _ := newTestLoader(t, map[string]string{"core/strutil": strutilSrc})
	ctx := context.Background()

	first, err := l.Get(ctx, "core/strutil")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	second, err := l.Get(ctx, "core/strutil")
	if err != nil {
		t.Fatalf("second get: %v", err)
	}
	if first != second {
		t.Fatal("get should return the cached instance")
	}
}

func TestLoadTool(t *testing.T) {
	l, _ := newTestLoader(t, map[string]string{"tools/echo": echoToolSrc})

	inst, err := l.Load(context.Background(), "tools/echo")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	run, ok := inst.Value.(ToolFunc)
	if !ok {
		t.Fatalf("value type %T", inst.Value)
	}
	out, err := run(map[string]any{"text": "ping"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out["echo"] != "ping" {
		t.Fatalf("out = %v", out)
	}
}

func TestCycleDetection(t *testing.T) {
	a := `//metamorph:module core/a
//metamorph:requires core/b
package a

func New(deps map[string]any) (any, error) { return nil, nil }
`
	b := `//metamorph:module core/b
//metamorph:requires core/a
package b

func New(deps map[string]any) (any, error) { return nil, nil }
`
	l, _ := newTestLoader(t, map[string]string{"core/a": a, "core/b": b})

	_, err := l.Load(context.Background(), "core/a")
	var cycleErr *CycleError
	if !errors.As(err, &cycleErr) {
		t.Fatalf("err = %v, want CycleError", err)
	}
	joined := strings.Join(cycleErr.Cycle, " -> ")
	if !strings.Contains(joined, "core/a -> core/b -> core/a") {
		t.Fatalf("cycle = %q", joined)
	}
}

func TestLoadFailureCachesNothing(t *testing.T) {
	broken := `//metamorph:module core/broken
package broken

func New(deps map[string]any) (any, error) {
	return nil, fmt.Errorf("factory blew up")
}
`
	l, store := newTestLoader(t, map[string]string{
		"core/broken":  broken, // fmt is not imported: evaluation fails
		"core/strutil": strutilSrc,
	})
	ctx := context.Background()

	if _, err := l.Load(ctx, "core/broken"); err == nil {
		t.Fatal("expected load failure")
	}
	if len(l.Loaded()) != 0 {
		t.Fatalf("loaded = %v, want empty", l.Loaded())
	}

	// Other paths remain loadable.
	if _, err := l.Load(ctx, "core/strutil"); err != nil {
		t.Fatalf("load strutil: %v", err)
	}

	// A missing unit reports the store error.
	_, err := l.Load(ctx, "core/absent")
	if !errors.Is(err, codestore.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	_ = store
}

func TestForbiddenImportRejected(t *testing.T) {
	evil := `//metamorph:module core/evil
package evil

import "os"

func New(deps map[string]any) (any, error) {
	return os.Getpid(), nil
}
`
	l, _ := newTestLoader(t, map[string]string{"core/evil": evil})

	_, err := l.Load(context.Background(), "core/evil")
	if err == nil || !strings.Contains(err.Error(), "forbidden imports") {
		t.Fatalf("err = %v, want forbidden imports", err)
	}
}

func TestToolCannotDeclareDependencies(t *testing.T) {
	src := `//metamorph:tool tools/greedy
//metamorph:requires core/strutil
package greedy

func Run(args map[string]any) (map[string]any, error) { return nil, nil }
`
	l, _ := newTestLoader(t, map[string]string{
		"tools/greedy": src,
		"core/strutil": strutilSrc,
	})

	_, err := l.Load(context.Background(), "tools/greedy")
	if err == nil || !strings.Contains(err.Error(), "cannot declare dependencies") {
		t.Fatalf("err = %v", err)
	}
}

func TestReloadPicksUpNewContent(t *testing.T) {
	l, store := newTestLoader(t, map[string]string{"tools/echo": echoToolSrc})
	ctx := context.Background()

	if _, err := l.Load(ctx, "tools/echo"); err != nil {
		t.Fatalf("load: %v", err)
	}

	updated := `//metamorph:tool tools/echo
package echo

func Run(args map[string]any) (map[string]any, error) {
	return map[string]any{"echo": "v2"}, nil
}
`
	if err := store.Write(ctx, "tools/echo", updated); err != nil {
		t.Fatalf("write updated: %v", err)
	}

	inst, err := l.Reload(ctx, "tools/echo")
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	run := inst.Value.(ToolFunc)
	out, err := run(nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out["echo"] != "v2" {
		t.Fatalf("out = %v, want v2", out)
	}
}

func TestUnloadDropsInstance(t *testing.T) {
	l, _ := newTestLoader(t, map[string]string{"core/strutil": strutilSrc})
	ctx := context.Background()

	if _, err := l.Load(ctx, "core/strutil"); err != nil {
		t.Fatalf("load: %v", err)
	}
	l.Unload(ctx, "core/strutil")
	if len(l.Loaded()) != 0 {
		t.Fatalf("loaded = %v, want empty", l.Loaded())
	}
}

func TestParseMetadata(t *testing.T) {
	meta, err := ParseMetadata(reportSrc)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if meta.Name != "core/report" {
		t.Fatalf("name = %q", meta.Name)
	}
	if len(meta.Requires) != 1 || meta.Requires[0] != "core/strutil" {
		t.Fatalf("requires = %v", meta.Requires)
	}
	if meta.Package != "report" {
		t.Fatalf("package = %q", meta.Package)
	}
	if len(meta.Imports) != 1 || meta.Imports[0] != "fmt" {
		t.Fatalf("imports = %v", meta.Imports)
	}
}
