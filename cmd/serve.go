package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/hive/internal/agents"
	"github.com/nextlevelbuilder/hive/internal/config"
	"github.com/nextlevelbuilder/hive/internal/engine"
	"github.com/nextlevelbuilder/hive/internal/llm"
	"github.com/nextlevelbuilder/hive/internal/scheduler"
	"github.com/nextlevelbuilder/hive/internal/server"
	"github.com/nextlevelbuilder/hive/internal/store"
	"github.com/nextlevelbuilder/hive/internal/telemetry"
	"github.com/nextlevelbuilder/hive/internal/tools"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the hive engine and HTTP/WebSocket server",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

func runServe() {
	setupLogging()

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry, Version)
	if err != nil {
		slog.Warn("telemetry setup failed, continuing without traces", "error", err)
	} else {
		defer func() {
			if err := shutdownTracing(context.Background()); err != nil {
				slog.Warn("telemetry shutdown", "error", err)
			}
		}()
	}

	st, err := openStore(ctx, cfg)
	if err != nil {
		slog.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	gw := buildGateway(cfg)
	reg := tools.NewRegistry()
	eng := engine.New(cfg, gw, st, reg)

	sched := scheduler.New(st, eng, reg, scheduler.WithDefaults(
		time.Duration(cfg.Scheduler.DefaultMaxDuration)*time.Second,
		cfg.Scheduler.DefaultRetries,
		time.Duration(cfg.Scheduler.StopGraceSeconds)*time.Second,
	))
	if err := tools.RegisterBuiltins(reg, st, sched); err != nil {
		slog.Error("failed to register builtin tools", "error", err)
		os.Exit(1)
	}

	router := agents.NewRouter(st)
	pool := agents.NewPool(cfg, eng, st, router)
	if err := pool.SyncConfig(ctx); err != nil {
		slog.Error("failed to sync agent pool", "error", err)
		os.Exit(1)
	}
	rt := agents.NewRoundtable(pool, st)

	if err := sched.Start(ctx); err != nil {
		slog.Error("failed to start scheduler", "error", err)
		os.Exit(1)
	}
	defer sched.Stop()

	eng.Limiter().StartJanitor(ctx)
	router.StartCompaction(ctx)
	if cfg.Sessions.PruneAfterDays > 0 {
		go pruneLoop(ctx, st, cfg.Sessions.PruneAfterDays)
	}

	srv := server.New(cfg, eng, st, sched, pool, rt)
	slog.Info("hive starting", "version", Version, "host", cfg.Server.Host, "port", cfg.Server.Port)
	if err := srv.Start(ctx); err != nil {
		slog.Error("server exited", "error", err)
		os.Exit(1)
	}
	slog.Info("hive stopped")
}

// openStore picks the SQL store when DATABASE_URL is set, otherwise
// falls back to the in-memory store.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	if cfg.Database.URL == "" {
		slog.Warn("DATABASE_URL not set, sessions will not survive restarts")
		return store.NewMemStore(), nil
	}
	return store.Open(ctx, cfg.Database.URL)
}

func buildGateway(cfg *config.Config) *llm.Gateway {
	upstream := llm.NewOpenAIUpstream(cfg.LLM.BaseURL, cfg.LLM.APIKey)
	opts := []llm.GatewayOption{llm.WithTimeout(cfg.LLM.Timeout())}
	if cfg.LLM.UpstreamRPS > 0 {
		opts = append(opts, llm.WithPacing(cfg.LLM.UpstreamRPS))
	}
	return llm.NewGateway(upstream, llm.NewCatalogue(cfg.LLM.Models), opts...)
}

// pruneLoop ends sessions idle longer than the configured horizon,
// once at startup and then daily.
func pruneLoop(ctx context.Context, st store.Store, days int) {
	horizon := time.Duration(days) * 24 * time.Hour
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		n, err := st.PruneOldSessions(ctx, horizon, false)
		if err != nil {
			slog.Warn("session pruning failed", "error", err)
		} else if n > 0 {
			slog.Info("pruned idle sessions", "count", n, "older_than_days", days)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
