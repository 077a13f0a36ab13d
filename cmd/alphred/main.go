// Command alphred drives workflow runs: import installs a tree
// definition, launch materializes a run from a published tree version,
// step/run advance it, and the lifecycle subcommands cancel, pause,
// resume and retry it.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/alphredhq/alphred/internal/config"
	"github.com/alphredhq/alphred/internal/engine"
	"github.com/alphredhq/alphred/internal/metrics"
	"github.com/alphredhq/alphred/internal/provider"
	"github.com/alphredhq/alphred/internal/provider/anthropic"
	"github.com/alphredhq/alphred/internal/provider/openai"
	"github.com/alphredhq/alphred/internal/store"
	"github.com/alphredhq/alphred/internal/store/memory"
	"github.com/alphredhq/alphred/internal/store/postgres"
	"github.com/alphredhq/alphred/internal/topology"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "import":
		importTree(os.Args[2:])
	case "launch":
		launch(os.Args[2:])
	case "step":
		step(os.Args[2:])
	case "run":
		run(os.Args[2:])
	case "status":
		status(os.Args[2:])
	case "cancel", "pause", "resume", "retry":
		control(os.Args[1], os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  alphred import --config <file.yaml> --file <tree.yaml>")
	fmt.Fprintln(os.Stderr, "  alphred launch --config <file.yaml> --tree <tree_key> [--tree-version <n>] [--start]")
	fmt.Fprintln(os.Stderr, "  alphred step --config <file.yaml> --run-id <id>")
	fmt.Fprintln(os.Stderr, "  alphred run --config <file.yaml> --run-id <id>")
	fmt.Fprintln(os.Stderr, "  alphred status --config <file.yaml> --run-id <id>")
	fmt.Fprintln(os.Stderr, "  alphred cancel|pause|resume|retry --config <file.yaml> --run-id <id>")
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "alphred:", err)
	os.Exit(1)
}

type app struct {
	cfg    *config.File
	log    zerolog.Logger
	store  store.Store
	engine *engine.Engine
}

func setup(configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, fmt.Errorf("log.level: %w", err)
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(level).
		With().Timestamp().Logger()

	st := openStore(cfg)

	providers := provider.NewRegistry()
	for name, pc := range cfg.Providers {
		key := os.Getenv(pc.APIKeyEnv)
		if key == "" {
			return nil, fmt.Errorf("providers.%s: environment variable %s is empty", name, pc.APIKeyEnv)
		}
		switch name {
		case openai.DefaultName:
			p, err := openai.NewFromAPIKey(key, pc.DefaultModel)
			if err != nil {
				return nil, err
			}
			providers.Register(p)
		case anthropic.DefaultName:
			p, err := anthropic.NewFromAPIKey(key, pc.DefaultModel)
			if err != nil {
				return nil, err
			}
			providers.Register(p)
		default:
			return nil, fmt.Errorf("providers.%s: unknown adapter", name)
		}
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	if addr := cfg.Metrics.ListenAddr; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(addr, mux); err != nil {
				log.Error().Err(err).Str("addr", addr).Msg("metrics listener stopped")
			}
		}()
	}

	eng := engine.New(st, providers, log, m, engine.Config{
		PolicyVersion:         cfg.Handoff.PolicyVersion,
		EnvelopeBudgetChars:   cfg.Handoff.EnvelopeBudgetChars,
		DiagnosticsMaxBytes:   cfg.Diagnostics.MaxPayloadBytes,
		RedactionKeyGlobs:     cfg.Diagnostics.RedactionKeyGlobs,
		StepTimeout:           cfg.StepTimeout(),
		FailureSignatureLimit: cfg.Execution.FailureSignatureLimit,
	})
	return &app{cfg: cfg, log: log, store: st, engine: eng}, nil
}

func openStore(cfg *config.File) store.Store {
	if cfg.Database.DSN == "memory" {
		return memory.New()
	}
	return postgres.Open(cfg.Database.DSN)
}

// parseCommon walks args for the flags every subcommand shares and
// returns the leftovers to the caller.
func parseCommon(args []string) (configPath string, rest []string) {
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--config requires a file path")
				os.Exit(1)
			}
			configPath = args[i]
		default:
			rest = append(rest, args[i])
		}
	}
	if configPath == "" {
		fmt.Fprintln(os.Stderr, "--config is required")
		usage()
		os.Exit(1)
	}
	return configPath, rest
}

func parseRunID(args []string) int64 {
	for i := 0; i < len(args); i++ {
		if args[i] == "--run-id" {
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--run-id requires a value")
				os.Exit(1)
			}
			id, err := strconv.ParseInt(args[i], 10, 64)
			if err != nil {
				fmt.Fprintf(os.Stderr, "--run-id: %v\n", err)
				os.Exit(1)
			}
			return id
		}
	}
	fmt.Fprintln(os.Stderr, "--run-id is required")
	usage()
	os.Exit(1)
	return 0
}

func importTree(args []string) {
	configPath, rest := parseCommon(args)
	var file string
	for i := 0; i < len(rest); i++ {
		switch rest[i] {
		case "--file":
			i++
			if i >= len(rest) {
				fmt.Fprintln(os.Stderr, "--file requires a tree definition path")
				os.Exit(1)
			}
			file = rest[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown flag %q\n", rest[i])
			os.Exit(1)
		}
	}
	if file == "" {
		fmt.Fprintln(os.Stderr, "--file is required")
		os.Exit(1)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fatal(err)
	}
	def, err := topology.LoadDefinition(file)
	if err != nil {
		fatal(err)
	}
	tree, err := topology.Install(context.Background(), openStore(cfg), def)
	if err != nil {
		fatal(err)
	}
	printJSON(tree)
}

func launch(args []string) {
	configPath, rest := parseCommon(args)
	var treeKey string
	var treeVersion int
	var start bool
	for i := 0; i < len(rest); i++ {
		switch rest[i] {
		case "--tree":
			i++
			if i >= len(rest) {
				fmt.Fprintln(os.Stderr, "--tree requires a tree key")
				os.Exit(1)
			}
			treeKey = rest[i]
		case "--tree-version":
			i++
			if i >= len(rest) {
				fmt.Fprintln(os.Stderr, "--tree-version requires a number")
				os.Exit(1)
			}
			v, err := strconv.Atoi(rest[i])
			if err != nil {
				fmt.Fprintf(os.Stderr, "--tree-version: %v\n", err)
				os.Exit(1)
			}
			treeVersion = v
		case "--start":
			start = true
		default:
			fmt.Fprintf(os.Stderr, "unknown flag %q\n", rest[i])
			os.Exit(1)
		}
	}
	if treeKey == "" {
		fmt.Fprintln(os.Stderr, "--tree is required")
		os.Exit(1)
	}

	a, err := setup(configPath)
	if err != nil {
		fatal(err)
	}
	res, err := a.engine.Launch(context.Background(), engine.LaunchParams{
		TreeKey:     treeKey,
		TreeVersion: treeVersion,
		Start:       start,
	})
	if err != nil {
		fatal(err)
	}
	printJSON(res)
}

func step(args []string) {
	configPath, rest := parseCommon(args)
	runID := parseRunID(rest)
	a, err := setup(configPath)
	if err != nil {
		fatal(err)
	}
	res, err := a.engine.Step(context.Background(), runID, engine.StepOptions{
		WorkingDirectory: a.cfg.Execution.WorkingDirectory,
	})
	if err != nil {
		fatal(err)
	}
	printJSON(res)
}

func run(args []string) {
	configPath, rest := parseCommon(args)
	runID := parseRunID(rest)
	a, err := setup(configPath)
	if err != nil {
		fatal(err)
	}
	res, err := a.engine.ExecuteRun(context.Background(), runID, engine.StepOptions{
		WorkingDirectory: a.cfg.Execution.WorkingDirectory,
	})
	if err != nil {
		fatal(err)
	}
	printJSON(res)
}

func control(action string, args []string) {
	configPath, rest := parseCommon(args)
	runID := parseRunID(rest)
	a, err := setup(configPath)
	if err != nil {
		fatal(err)
	}
	ctx := context.Background()
	var res *engine.ControlResult
	switch action {
	case "cancel":
		res, err = a.engine.CancelRun(ctx, runID)
	case "pause":
		res, err = a.engine.PauseRun(ctx, runID)
	case "resume":
		res, err = a.engine.ResumeRun(ctx, runID)
	case "retry":
		res, err = a.engine.RetryRun(ctx, runID)
	}
	if err != nil {
		fatal(err)
	}
	printJSON(res)
}

func status(args []string) {
	configPath, rest := parseCommon(args)
	runID := parseRunID(rest)
	a, err := setup(configPath)
	if err != nil {
		fatal(err)
	}
	ctx := context.Background()
	runRow, err := a.store.RunByID(ctx, runID)
	if err != nil {
		fatal(err)
	}
	nodes, err := a.store.RunNodesByRun(ctx, runID)
	if err != nil {
		fatal(err)
	}
	printJSON(map[string]any{"run": runRow, "nodes": nodes})
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fatal(err)
	}
}
