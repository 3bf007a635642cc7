// Command sequent runs the workflow execution engine, either as a long-lived
// server (websocket control room feed plus cron scheduler) or as an MCP stdio
// server for agent clients.
//
//	sequent serve   start the HTTP server and scheduler (default)
//	sequent mcp     serve MCP tools over stdio
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/opsen/sequent/internal/capability"
	"github.com/opsen/sequent/internal/controlroom"
	"github.com/opsen/sequent/internal/decision"
	"github.com/opsen/sequent/internal/logging"
	"github.com/opsen/sequent/internal/repository"
	"github.com/opsen/sequent/internal/scheduler"
	"github.com/opsen/sequent/internal/sequencer"
	"github.com/opsen/sequent/internal/state"
	"github.com/opsen/sequent/pkg/mcp"
)

func main() {
	mode := "serve"
	if len(os.Args) > 1 {
		mode = os.Args[1]
	}

	switch mode {
	case "serve":
		run(false)
	case "mcp":
		run(true)
	case "help", "-h", "--help":
		fmt.Println("usage: sequent [serve|mcp]")
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\nusage: sequent [serve|mcp]\n", mode)
		os.Exit(1)
	}
}

func run(mcpMode bool) {
	cfg := loadConfig()
	logger := newLogger(cfg.LogLevel, mcpMode)

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
		logger.Error("cannot create data directory", slog.String("error", err.Error()))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	repo, err := repository.NewLibSQLRepository(cfg.DBPath)
	if err != nil {
		logger.Error("cannot open database", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer repo.Close()
	if err := repo.Migrate(ctx); err != nil {
		logger.Error("migration failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if cfg.DecisionURL == "" {
		logger.Error("no decision service configured, set decision_url or SEQUENT_DECISION_URL")
		os.Exit(1)
	}
	decider := decision.NewClient(decision.NewHTTPService(cfg.DecisionURL), logger)

	states := state.NewStore()
	hub := controlroom.NewMemoryHub()
	emitter := controlroom.NewEmitter(hub, logger)

	// Email and content generation integrations are wired per deployment;
	// without them the executor reports INTEGRATION_UNAVAILABLE.
	caps := capability.NewExecutor(nil, nil, logger)

	engine, err := sequencer.NewEngine(repo, states, decider, caps, emitter, logger, sequencer.Config{
		StepDelay:    time.Duration(cfg.StepDelayMs) * time.Millisecond,
		ApprovalRule: cfg.ApprovalRule,
	})
	if err != nil {
		logger.Error("engine init failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer engine.Close()

	if mcpMode {
		srv := mcp.NewSequentServer(mcp.SequentServerDeps{Engine: engine, Logger: logger})
		if err := srv.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("mcp server failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
		return
	}

	sched := scheduler.NewScheduler(repo, engine, logger)
	if err := sched.Start(ctx); err != nil {
		logger.Error("scheduler start failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer func() { _ = sched.Stop() }()

	// Finished execution states are kept for a day so status queries keep
	// answering, then swept.
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if removed := states.Sweep(24 * time.Hour); removed > 0 {
					logger.Info("swept finished executions", slog.Int("removed", removed))
				}
			}
		}
	}()

	mux := http.NewServeMux()
	mux.Handle("/ws", controlroom.NewWSBridge(hub, logger))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	httpSrv := &http.Server{Addr: cfg.ListenAddr, Handler: mux}
	go func() {
		logger.Info("server listening", slog.String("addr", cfg.ListenAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", slog.String("error", err.Error()))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
}

// newLogger builds the process logger. In MCP mode stdout carries the
// protocol, so logs always go to stderr.
func newLogger(level string, mcpMode bool) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	out := os.Stdout
	if mcpMode {
		out = os.Stderr
	}
	inner := slog.NewJSONHandler(out, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}
