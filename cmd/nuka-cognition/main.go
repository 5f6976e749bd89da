package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/nidhogg/nuka-cognition/internal/api"
	"github.com/nidhogg/nuka-cognition/internal/clock"
	"github.com/nidhogg/nuka-cognition/internal/config"
	"github.com/nidhogg/nuka-cognition/internal/graph"
	"github.com/nidhogg/nuka-cognition/internal/persist"
	"github.com/nidhogg/nuka-cognition/internal/persist/postgres"
	"github.com/nidhogg/nuka-cognition/internal/persist/redis"
	"github.com/nidhogg/nuka-cognition/internal/persist/sqlite"
	"github.com/nidhogg/nuka-cognition/internal/session"
	"github.com/nidhogg/nuka-cognition/internal/telemetry"
)

func main() {
	_ = godotenv.Load()

	// Load configuration
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/cognition.json"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config %s: %v\n", cfgPath, err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Server.LogLevel)
	defer logger.Sync()

	logger.Info("Starting Nuka Cognition...", zap.String("config", cfgPath))
	ctx := context.Background()

	// Initialize persistence
	backend, err := openBackend(ctx, cfg, logger)
	if err != nil {
		logger.Warn("backend unavailable, running without persistence",
			zap.String("backend", cfg.Database.Backend), zap.Error(err))
		backend = persist.NewMemoryStore()
	}

	opts := []session.Option{session.WithMetrics(telemetry.New(nil, logger))}

	// Connection graph export requires Neo4j
	var connGraph *graph.ConnectionGraph
	if cfg.Database.Neo4j.URI != "" {
		g, gErr := graph.New(cfg.Database.Neo4j.URI, cfg.Database.Neo4j.User, cfg.Database.Neo4j.Password, logger)
		if gErr == nil {
			gErr = g.Ping(ctx)
		}
		if gErr != nil {
			logger.Warn("Neo4j unavailable, running without connection graph", zap.Error(gErr))
		} else {
			connGraph = g
			opts = append(opts, session.WithConnectionSink(g))
		}
	}

	sessCfg, err := cfg.Engine.Session()
	if err != nil {
		logger.Fatal("invalid engine config", zap.Error(err))
	}
	manager := session.NewManager(backend, sessCfg, logger, opts...)
	manager.SetConcurrency(cfg.Engine.SweepConcurrency)

	restored, err := manager.Discover(ctx)
	if err != nil {
		logger.Fatal("failed to restore sessions", zap.Error(err))
	}
	logger.Info("Sessions restored", zap.Int("count", len(restored)))

	// Periodic maintenance
	clk := clock.New(time.Duration(cfg.Engine.SweepInterval), logger)
	clk.AddListener(manager)
	clk.Start(ctx)

	handler := api.NewHandler(manager, clk, logger)

	port := fmt.Sprintf("%d", cfg.Server.Port)
	if port == "0" {
		port = "8080"
	}
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Nuka Cognition listening", zap.String("port", port))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down Nuka Cognition...")
	clk.Stop()
	shutdownCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown", zap.Error(err))
	}
	for _, id := range manager.IDs() {
		s, ok := manager.Get(id)
		if !ok || !s.Ready() {
			continue
		}
		if err := s.Checkpoint(shutdownCtx); err != nil {
			logger.Warn("final checkpoint failed", zap.String("session", id), zap.Error(err))
		}
	}
	if connGraph != nil {
		connGraph.Close(shutdownCtx)
	}
	backend.Close()
}

func newLogger(level string) *zap.Logger {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	zcfg := zap.NewProductionConfig()
	if lvl == zapcore.DebugLevel {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	logger, err := zcfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

func openBackend(ctx context.Context, cfg *config.Config, logger *zap.Logger) (persist.Store, error) {
	db := cfg.Database
	switch db.Backend {
	case config.BackendSQLite:
		return sqlite.New(db.SQLite.Path, logger)
	case config.BackendPostgres:
		ps, err := postgres.New(ctx, db.Postgres.DSN, logger)
		if err != nil {
			return nil, err
		}
		if err := ps.Migrate(ctx, db.Postgres.MigrationsDir); err != nil {
			ps.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		return ps, nil
	case config.BackendRedis:
		return redis.New(ctx, db.Redis.URL, logger)
	default:
		return persist.NewMemoryStore(), nil
	}
}
