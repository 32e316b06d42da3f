// Command raymond runs agentic workflows: chains of prompt and script states
// executed by an external coding-agent CLI.
//
//	raymond [flags] path/to/ENTRY.md     start a new workflow
//	raymond -resume <workflow-id>        resume a persisted workflow
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/raymondhq/raymond"
	"github.com/raymondhq/raymond/coder"
	"github.com/raymondhq/raymond/internal/config"
	"github.com/raymondhq/raymond/observer"
	filestore "github.com/raymondhq/raymond/store/file"
	pgstore "github.com/raymondhq/raymond/store/postgres"
	sqlitestore "github.com/raymondhq/raymond/store/sqlite"
)

func main() {
	var (
		cfgPath  = flag.String("config", os.Getenv("RAYMOND_CONFIG"), "config file path")
		id       = flag.String("id", "", "workflow id (defaults to the entry state name)")
		resume   = flag.String("resume", "", "resume a persisted workflow by id")
		budget   = flag.Float64("budget", 0, "cost budget in USD, 0 = unlimited")
		model    = flag.String("model", "", "default model for the coding agent")
		effort   = flag.String("effort", "", "default reasoning effort for the coding agent")
		seed     = flag.String("seed", "", "initial {{result}} value for the entry state")
		debugDir = flag.String("debug", "", "write per-step debug artifacts to this directory")
		quiet    = flag.Bool("quiet", false, "suppress streamed progress output")
		verbose  = flag.Bool("verbose", false, "log at debug level")
	)
	flag.Parse()

	cfg := config.Load(*cfgPath)
	if *model != "" {
		cfg.Coder.Model = *model
	}
	if *effort != "" {
		cfg.Coder.Effort = *effort
	}
	if *debugDir != "" {
		cfg.Observer.DebugDir = *debugDir
	}
	if *quiet {
		cfg.Observer.Quiet = true
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, *id, *resume, *budget, *seed, flag.Args()); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info("interrupted, state persisted")
			return
		}
		log.Fatal(err)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger,
	id, resume string, budget float64, seed string, args []string) error {

	store, closeStore, err := openStore(ctx, cfg.Store, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	client := coder.New(
		coder.WithBinary(cfg.Coder.Binary),
		coder.WithWallClock(cfg.Limits.WallClock()),
		coder.WithIdleTimeout(cfg.Limits.Idle()),
		coder.WithPermissionMode(cfg.Coder.PermissionMode),
		coder.WithLogger(logger),
	)

	opts := []raymond.RunnerOption{
		raymond.WithLogger(logger),
		raymond.WithModel(cfg.Coder.Model),
		raymond.WithEffort(cfg.Coder.Effort),
		raymond.WithScriptTimeout(cfg.Limits.Script()),
	}
	if seed != "" {
		opts = append(opts, raymond.WithSeedResult(seed))
	}
	runner := raymond.NewRunner(store, client, opts...)

	console := observer.NewConsole(os.Stdout, runner.Bus(),
		observer.WithQuiet(cfg.Observer.Quiet))
	defer console.Close()
	title := observer.NewTitle(os.Stdout, runner.Bus())
	defer title.Close()

	if cfg.Observer.DebugDir != "" {
		runDir := filepath.Join(cfg.Observer.DebugDir, raymond.NewRunID())
		dbg, err := observer.NewDebug(runDir, runner.Bus(), logger)
		if err != nil {
			return err
		}
		defer dbg.Close()
		logger.Info("debug artifacts enabled", "dir", runDir)
	}

	if cfg.Observer.Telemetry {
		ins, shutdown, err := observer.Init(ctx)
		if err != nil {
			return fmt.Errorf("telemetry init: %w", err)
		}
		defer shutdown(context.Background())
		tel := observer.NewTelemetry(ins, runner.Bus())
		defer tel.Close()
	}

	if resume != "" {
		return runner.Resume(ctx, resume)
	}

	if len(args) != 1 {
		return errors.New("usage: raymond [flags] path/to/ENTRY.md (or -resume <id>)")
	}
	entryPath, err := filepath.Abs(args[0])
	if err != nil {
		return err
	}
	scope := filepath.Dir(entryPath)
	entry := filepath.Base(entryPath)
	if id == "" {
		id = workflowIDFromEntry(entry)
	}

	doc, err := raymond.NewWorkflow(id, scope, entry, budget)
	if err != nil {
		return err
	}
	return runner.Run(ctx, doc)
}

// workflowIDFromEntry derives a default workflow id from the entry filename.
func workflowIDFromEntry(entry string) string {
	base := entry[:len(entry)-len(filepath.Ext(entry))]
	if raymond.ValidateWorkflowID(base) == nil {
		return base
	}
	return raymond.NewRunID()
}

func openStore(ctx context.Context, cfg config.StoreConfig, logger *slog.Logger) (raymond.Store, func(), error) {
	switch cfg.Backend {
	case "", "file":
		st, err := filestore.New(cfg.Dir, filestore.WithLogger(logger))
		if err != nil {
			return nil, nil, err
		}
		return st, func() {}, nil
	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
			return nil, nil, err
		}
		st := sqlitestore.New(cfg.Path, sqlitestore.WithLogger(logger))
		if err := st.Init(ctx); err != nil {
			st.Close()
			return nil, nil, err
		}
		return st, func() { st.Close() }, nil
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		st := pgstore.New(pool, pgstore.WithLogger(logger))
		if err := st.Init(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return st, func() { pool.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}
