package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"query-orchestrator/internal/api"
	"query-orchestrator/internal/batch"
	"query-orchestrator/internal/config"
	"query-orchestrator/internal/execution"
	"query-orchestrator/internal/gateway"
	"query-orchestrator/internal/monitor"
	"query-orchestrator/internal/storage"
)

func main() {
	// Structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	if os.Getenv("ENV") != "production" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	cfg := loadConfig()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics := monitor.NewMetrics()
	var tracer *monitor.Tracer
	if cfg.Tracing.Enabled {
		tracer = monitor.NewTracer()
	}

	// PostgreSQL when configured, otherwise the in-memory store seeded from
	// the catalog.
	var (
		st storage.Store
		db *storage.DB
	)
	if cfg.Database.DSN != "" {
		var err error
		db, err = storage.New(ctx, cfg.Database.DSN, storage.PoolOptions{
			MaxConns:        int32(cfg.Database.MaxOpenConns),
			MinConns:        int32(cfg.Database.MaxIdleConns),
			MaxConnLifetime: cfg.Database.ConnMaxLifetime,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("database unavailable")
		}
		defer db.Close()
		if cfg.Database.Migrate {
			if err := db.Migrate(ctx); err != nil {
				log.Fatal().Err(err).Msg("schema migration failed")
			}
		}
		st = db
	} else {
		mem := storage.NewMemory()
		if cfg.CatalogPath != "" {
			if err := seedCatalog(ctx, mem, cfg.CatalogPath); err != nil {
				log.Fatal().Err(err).Str("path", cfg.CatalogPath).Msg("failed to load catalog")
			}
		} else {
			log.Warn().Msg("no database and no catalog configured, there is nothing to run")
		}
		st = mem
	}

	// Transition events are buffered so status writes never wait on the audit table.
	events := storage.NewEventWriter(st, cfg.Database.EventBuffer)
	events.Start()
	defer events.Flush(10 * time.Second)

	gw := gateway.New(gateway.Options{
		Timeout:         cfg.Gateway.Timeout,
		RateLimitRPS:    cfg.Gateway.RateLimitRPS,
		RateLimitBurst:  cfg.Gateway.RateLimitBurst,
		BreakerFailures: cfg.Gateway.BreakerFailures,
		BreakerCooldown: cfg.Gateway.BreakerCooldown,
		MaxResultBytes:  cfg.Gateway.MaxResultBytes,
		UserAgent:       cfg.Gateway.UserAgent,
		DefaultToken:    cfg.Gateway.DefaultToken,
		Metrics:         metrics,
		Tracer:          tracer,
	})

	execOrch := execution.New(st, gw, execution.Options{
		JobNamePrefix:     cfg.Gateway.JobNamePrefix,
		VisibilityRetries: cfg.Poller.VisibilityRetries,
		VisibilityDelay:   cfg.Poller.VisibilityDelay,
		FirstPollProgress: cfg.Poller.FirstPollProgress,
		InstanceCacheTTL:  cfg.Gateway.InstanceCacheTTL,
		Metrics:           metrics,
		Tracer:            tracer,
		Recorder:          events,
	})

	batchOrch := batch.New(st, execOrch, batch.NewLimiter(cfg.Batch.MaxConcurrent, metrics), batch.Options{
		MaxInstances: cfg.Batch.MaxInstances,
		MaxAttempts:  cfg.Batch.MaxAttempts,
		BaseBackoff:  cfg.Batch.BaseBackoff,
		MaxBackoff:   cfg.Batch.MaxBackoff,
		Metrics:      metrics,
		Tracer:       tracer,
	})

	sweep := execution.NewSweep(execOrch, execution.SweepConfig{
		Interval:   cfg.Poller.Interval,
		Window:     cfg.Poller.Window,
		ItemDelay:  cfg.Poller.ItemDelay,
		MaxPerPass: cfg.Poller.MaxPerPass,
	})
	if cfg.Poller.Enabled {
		sweep.Start(ctx)
	} else {
		log.Warn().Msg("poll sweep disabled, executions only move when read")
	}

	recovery := batch.NewRecovery(batchOrch, cfg.Batch.RecoveryInterval, cfg.Batch.StaleThreshold)
	recovery.Start(ctx)

	deps := api.Deps{
		Store:         st,
		Exec:          execOrch,
		Batches:       batchOrch,
		Metrics:       metrics,
		PollerRunning: sweep.Running,
	}
	if db != nil {
		deps.DB = db
	}
	server := api.NewServer(cfg, deps)

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh

		log.Info().Str("signal", sig.String()).Msg("shutting down")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown error")
		}

		sweep.Stop()
		recovery.Stop()
		cancel()
	}()

	log.Info().
		Str("addr", cfg.Address()).
		Bool("db_enabled", db != nil).
		Bool("poller_enabled", cfg.Poller.Enabled).
		Int("max_concurrent", cfg.Batch.MaxConcurrent).
		Msg("server starting")

	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("server failed")
	}

	// Wait for the shutdown goroutine to stop the background loops.
	<-ctx.Done()
	log.Info().Msg("server stopped")
}

func loadConfig() *config.Config {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	var cfg *config.Config
	if _, statErr := os.Stat(configPath); statErr == nil {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", configPath).Msg("failed to load config")
		}
	} else {
		log.Info().Msg("no config file found, using defaults")
		cfg = config.DefaultConfig()
	}

	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config after environment overrides")
	}
	return cfg
}

func seedCatalog(ctx context.Context, mem *storage.Memory, path string) error {
	cat, err := config.LoadCatalog(path)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	for _, wf := range cat.Workflows {
		name := wf.Name
		if name == "" {
			name = wf.ID
		}
		if err := mem.PutWorkflow(ctx, &storage.Workflow{
			ID:                 wf.ID,
			Name:               name,
			SQL:                wf.SQL,
			RequiredParameters: wf.RequiredParameters,
			CreatedAt:          now,
			UpdatedAt:          now,
		}); err != nil {
			return err
		}
	}
	for _, inst := range cat.Instances {
		name := inst.Name
		if name == "" {
			name = inst.ID
		}
		if err := mem.PutInstance(ctx, &storage.Instance{
			ID:          inst.ID,
			Name:        name,
			Endpoint:    inst.Endpoint,
			WorkspaceID: inst.WorkspaceID,
			Token:       inst.Token(),
		}); err != nil {
			return err
		}
	}
	log.Info().Int("workflows", len(cat.Workflows)).Int("instances", len(cat.Instances)).
		Str("path", path).Msg("catalog loaded")
	return nil
}
