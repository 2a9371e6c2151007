/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the attendance compliance server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags, load config (viper), build logger (zap)
  2. Open the SQLite store and seed rule documents if configured
  3. Pick the clock lock: Redis when enabled, in-process otherwise
  4. Build the authorizer, sweeper and sweep scheduler
  5. Configure HTTP router and start server with graceful shutdown

COMMAND-LINE FLAGS:
  -config  Path to a YAML config file (default: ./config/config.yaml or
           ./config.yaml when present)

ENVIRONMENT:
  Every config key can be overridden with ATTEND_<SECTION>_<KEY>, e.g.
  ATTEND_SERVER_PORT=9090, ATTEND_DB_PATH=":memory:", ATTEND_LOG_FORMAT=console.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the sweep scheduler
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close Redis and database connections

SEE ALSO:
  - config/config.go: configuration keys and defaults
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/warp/attendance-engine/api"
	"github.com/warp/attendance-engine/attendance"
	"github.com/warp/attendance-engine/clock"
	"github.com/warp/attendance-engine/config"
	"github.com/warp/attendance-engine/factory"
	"github.com/warp/attendance-engine/integrity"
	"github.com/warp/attendance-engine/logger"
	"github.com/warp/attendance-engine/shift"
	"github.com/warp/attendance-engine/store/redis"
	"github.com/warp/attendance-engine/store/sqlite"
)

func main() {
	configPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(&cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("server exited", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	loc, err := cfg.Engine.Location()
	if err != nil {
		return err
	}

	// Initialize store
	if cfg.Database.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
			return fmt.Errorf("create database directory: %w", err)
		}
	}
	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer store.Close()

	if cfg.Rules.SeedFile != "" {
		if err := seed(store, cfg.Rules.SeedFile, log); err != nil {
			return err
		}
	}

	// Clock lock
	var locker clock.Locker
	if cfg.Redis.Enabled {
		client, err := redis.NewClient(&cfg.Redis, log)
		if err != nil {
			return err
		}
		defer client.Close()
		locker = redis.NewLocker(client, cfg.Redis.LockTTL)
	} else {
		locker = clock.NewMemoryLocker()
		log.Info("using in-process clock lock; run a single replica")
	}

	auth := clock.NewAuthorizer(store, locker, clock.Config{
		Location:         loc,
		IntegrityTimeout: cfg.Engine.IntegrityTimeout,
		Integrity: integrity.Options{
			ConfidenceThreshold: cfg.Engine.ConfidenceThreshold,
			SimilarityThreshold: cfg.Engine.SimilarityThreshold,
			Indicators:          integrity.DefaultIndicators(cfg.Engine.MaxVelocityMPS),
		},
		Pattern: shift.PatternOptions{
			LookbackDays: cfg.Engine.PatternLookbackDays,
			NightRatio:   cfg.Engine.NightPatternRatio,
		},
	}, log)

	endOfDay, err := attendance.ParseTimeOfDay(cfg.Scheduler.EndOfDay)
	if err != nil {
		return fmt.Errorf("scheduler.end_of_day: %w", err)
	}
	sweeper := clock.NewSweeper(auth, store, endOfDay, log)

	scheduler := api.NewSweepScheduler(sweeper, loc, log)
	scheduler.Enabled = cfg.Scheduler.Enabled
	scheduler.CheckInterval = cfg.Scheduler.Interval
	scheduler.Start()
	defer scheduler.Stop()

	handler := api.NewHandler(store, auth, sweeper, log)
	router := api.NewRouter(handler, cfg.Server.CORS.AllowOrigins, log)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server starting", zap.Int("port", cfg.Server.Port), zap.String("timezone", loc.String()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	}

	log.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	log.Info("server stopped")
	return nil
}

func seed(store *sqlite.Store, path string, log *zap.Logger) error {
	f := factory.NewRuleFactory()
	bundle, err := f.ParseFile(path)
	if err != nil {
		return fmt.Errorf("parse seed file: %w", err)
	}
	if err := f.Seed(context.Background(), store, bundle); err != nil {
		return fmt.Errorf("seed rules: %w", err)
	}
	log.Info("rules seeded",
		zap.String("file", path),
		zap.Int("attendance_rules", len(bundle.AttendanceRules)),
		zap.Int("escalation_rules", len(bundle.EscalationRules)),
		zap.Int("shift_assignments", len(bundle.ShiftAssignments)),
		zap.Int("sites", len(bundle.Sites)),
		zap.Int("employees", len(bundle.Employees)),
	)
	return nil
}
