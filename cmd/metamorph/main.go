package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"

	"metamorph/internal/agent"
	"metamorph/internal/audit"
	"metamorph/internal/codestore"
	"metamorph/internal/config"
	"metamorph/internal/loader"
	"metamorph/internal/model"
	"metamorph/internal/ratelimit"
	"metamorph/internal/selfmod"
	"metamorph/internal/server"
	"metamorph/internal/tools"
)

const configPath = ".metamorph/config.json"

func main() {
	if len(os.Args) < 2 {
		printUsage(os.Stderr)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var code int
	switch os.Args[1] {
	case "init":
		code = cmdInit(ctx, os.Args[2:])
	case "run":
		code = cmdRun(ctx, os.Args[2:])
	case "serve":
		code = cmdServe(ctx, os.Args[2:])
	case "status":
		code = cmdStatus(ctx, os.Args[2:])
	case "doctor":
		code = cmdDoctor(ctx, os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown subcommand: %s\n\n", os.Args[1])
		printUsage(os.Stderr)
		code = 2
	}
	os.Exit(code)
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: metamorph <subcommand> [flags]")
	fmt.Fprintln(w, "subcommands: init, run, serve, status, doctor")
}

// substrate bundles everything a live agent needs; Close releases the
// store and flushes the audit log.
type substrate struct {
	cfg      config.Config
	store    *codestore.Store
	registry *tools.Registry
	engine   *selfmod.Engine
	loop     *agent.Loop
	bus      *server.EventBus
	logger   *audit.Logger
}

func (s *substrate) Close() {
	if s.logger != nil {
		_ = s.logger.Close()
	}
	_ = s.store.Close()
}

func buildSubstrate(ctx context.Context, cfg config.Config, withBus bool) (*substrate, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0o755); err != nil {
		return nil, err
	}
	store, err := codestore.Open(cfg.Store.Path)
	if err != nil {
		return nil, err
	}

	logger, err := audit.NewLogger(cfg.Audit.Path, nil)
	if err != nil {
		store.Close()
		return nil, err
	}
	var sink audit.Sink = logger
	var bus *server.EventBus
	if withBus {
		bus = server.NewEventBus()
		sink = audit.Fanout{logger, bus}
	}

	ldr := loader.New(store, sink)
	registry := tools.NewRegistry(sink)
	engine := selfmod.NewEngine(store, ldr, registry, sink)
	if err := tools.RegisterBuiltins(registry, store, engine); err != nil {
		store.Close()
		return nil, err
	}

	if seeded, err := codestore.Seed(ctx, store); err != nil {
		store.Close()
		return nil, fmt.Errorf("genesis seed: %w", err)
	} else if len(seeded) > 0 {
		_ = sink.LogEvent(ctx, audit.EventGenesis, map[string]any{"paths": seeded})
	}
	if _, err := engine.RestoreDynamicTools(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("restore tools: %w", err)
	}

	completer, err := model.NewClient(cfg)
	if err != nil {
		store.Close()
		return nil, err
	}

	var guard ratelimit.Guard = ratelimit.Unlimited{}
	if cfg.Quota.Enabled {
		guard = ratelimit.NewPerKey(map[string]int{
			ratelimit.KeyModelCalls: cfg.Quota.ModelCallsPerMin,
			ratelimit.KeyToolCalls:  cfg.Quota.ToolCallsPerMin,
		}, time.Minute)
	}

	return &substrate{
		cfg:      cfg,
		store:    store,
		registry: registry,
		engine:   engine,
		loop:     agent.NewLoop(completer, registry, sink, guard, cfg.Loop),
		bus:      bus,
		logger:   logger,
	}, nil
}

func cmdInit(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	force := fs.Bool("force", false, "overwrite an existing config")
	fs.Parse(args)

	if _, err := os.Stat(configPath); err == nil && !*force {
		fmt.Fprintln(os.Stderr, "config already exists, use -force to overwrite:", configPath)
		return 1
	}

	cfg := config.Default()
	if err := config.Save(configPath, cfg); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0o755); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	store, err := codestore.Open(cfg.Store.Path)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer store.Close()

	seeded, err := codestore.Seed(ctx, store)
	if err != nil {
		fmt.Fprintln(os.Stderr, "genesis seed:", err)
		return 1
	}

	fmt.Println("wrote", configPath)
	for _, path := range seeded {
		fmt.Println("seeded", path)
	}
	fmt.Printf("set %s before running\n", cfg.Model.APIKeyEnv)
	return 0
}

func cmdRun(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	goal := fs.String("goal", "", "goal for the agent to pursue")
	fs.Parse(args)
	if strings.TrimSpace(*goal) == "" {
		fmt.Fprintln(os.Stderr, "run: -goal is required")
		return 2
	}

	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	sub, err := buildSubstrate(ctx, cfg, false)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer sub.Close()

	// Ctrl-C stops the run rather than killing the process outright.
	go func() {
		<-ctx.Done()
		_ = sub.loop.Stop(context.Background())
	}()

	started := time.Now()
	result, err := sub.loop.Run(ctx, *goal)
	if err != nil {
		fmt.Fprintln(os.Stderr, "run failed:", err)
		return 1
	}

	if result.Warning != "" {
		fmt.Fprintln(os.Stderr, "warning:", result.Warning)
	}
	if result.Summary != "" {
		fmt.Println(result.Summary)
	}
	if isatty.IsTerminal(os.Stdout.Fd()) {
		fmt.Printf("%d iterations in %s\n", result.Iterations, humanize.RelTime(started, time.Now(), "", ""))
	}
	return 0
}

func cmdServe(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	addr := fs.String("addr", "", "override bind address (ip:port)")
	fs.Parse(args)

	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if *addr != "" {
		host, port, err := splitHostPort(*addr)
		if err != nil {
			fmt.Fprintln(os.Stderr, "serve:", err)
			return 2
		}
		cfg.Server.BindAddress = host
		cfg.Server.Port = port
	}

	sub, err := buildSubstrate(ctx, cfg, true)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer sub.Close()

	srv := server.New(cfg.Server, sub.loop, sub.bus)
	fmt.Printf("listening on %s:%d\n", cfg.Server.BindAddress, cfg.Server.Port)
	if err := srv.ListenAndServe(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

func cmdStatus(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	fs.Parse(args)
	_ = ctx

	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	url := fmt.Sprintf("http://%s:%d/v1/status", cfg.Server.BindAddress, cfg.Server.Port)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if cfg.Server.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.Server.BearerToken)
	}

	resp, err := (&http.Client{Timeout: 5 * time.Second}).Do(req)
	if err != nil {
		fmt.Fprintln(os.Stderr, "no server reachable at", url)
		return 1
	}
	defer resp.Body.Close()

	var st agent.Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		fmt.Fprintln(os.Stderr, "decode status:", err)
		return 1
	}
	fmt.Printf("state:    %s\n", st.StateName)
	fmt.Printf("model:    %s\n", st.Model)
	fmt.Printf("messages: %s\n", humanize.Comma(int64(st.ContextMessages)))
	fmt.Printf("tokens:   ~%s\n", humanize.Comma(int64(st.EstimatedTokens)))
	if st.Warning != "" {
		fmt.Printf("warning:  %s\n", st.Warning)
	}
	return 0
}

// cmdDoctor checks the local installation: config validity, store
// health, tool inventory, API key presence.
func cmdDoctor(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("doctor", flag.ExitOnError)
	fs.Parse(args)

	failures := 0
	check := func(name string, err error) {
		if err != nil {
			failures++
			fmt.Printf("FAIL %s: %v\n", name, err)
			return
		}
		fmt.Printf("ok   %s\n", name)
	}

	cfg, err := config.LoadOrDefault(configPath)
	check("config", err)
	if err != nil {
		return 1
	}

	if cfg.APIKeyValue() == "" {
		check("api key", fmt.Errorf("not set (export %s)", cfg.Model.APIKeyEnv))
	} else {
		check("api key", nil)
	}

	store, err := codestore.Open(cfg.Store.Path)
	check("code store", err)
	if err == nil {
		defer store.Close()

		paths, err := store.ListPaths(ctx, codestore.PrefixCore)
		check("core modules", err)
		if err == nil && len(paths) == 0 {
			check("genesis", errors.New("store has no core modules, run metamorph init"))
		}

		toolPaths, err := store.ListPaths(ctx, codestore.PrefixTools)
		if err == nil {
			fmt.Printf("ok   dynamic tools (%d stored)\n", len(toolPaths))
		} else {
			check("dynamic tools", err)
		}
	}

	if failures > 0 {
		fmt.Printf("%d problem(s) found\n", failures)
		return 1
	}
	fmt.Println("all checks passed")
	return 0
}

func splitHostPort(addr string) (string, int, error) {
	host, portStr, ok := strings.Cut(addr, ":")
	if !ok || host == "" || portStr == "" {
		return "", 0, fmt.Errorf("invalid address %q, want ip:port", addr)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid port %q", portStr)
	}
	return host, port, nil
}
