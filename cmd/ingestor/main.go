package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/taifexlab/fubon-ingest/internal/config"
	"github.com/taifexlab/fubon-ingest/internal/database"
	"github.com/taifexlab/fubon-ingest/internal/gap"
	"github.com/taifexlab/fubon-ingest/internal/model"
	"github.com/taifexlab/fubon-ingest/internal/publish"
	"github.com/taifexlab/fubon-ingest/internal/reconcile"
	"github.com/taifexlab/fubon-ingest/internal/router"
	"github.com/taifexlab/fubon-ingest/internal/session"
	"github.com/taifexlab/fubon-ingest/internal/version"
	"github.com/taifexlab/fubon-ingest/internal/writer"
)

func main() {
	configPath := flag.String("config", "configs/ingestor.local.yaml", "path to config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	// Set up structured logging
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
	slog.SetDefault(logger)

	logger.Info("starting ingestor",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
	)

	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"instance_id", cfg.Instance.ID,
		"feed_url", cfg.Feed.URL,
		"accounts", len(cfg.Accounts),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("ingestor failed", "error", err)
		os.Exit(1)
	}

	logger.Info("ingestor stopped")
}

func run(ctx context.Context, cfg *config.IngestorConfig, logger *slog.Logger) error {
	logger.Info("connecting to database",
		"host", cfg.Database.Host,
		"port", cfg.Database.Port,
		"database", cfg.Database.Name,
	)
	pool, err := database.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	// Watermarks survive restarts; resubscription picks up where the
	// previous run stopped.
	tracker, err := writer.LoadWatermarks(ctx, pool)
	if err != nil {
		return fmt.Errorf("load watermarks: %w", err)
	}
	logger.Info("watermarks loaded", "pairs", len(tracker.Snapshot()))

	reconcileStore := reconcile.NewStore(pool)
	detector := gap.NewDetector(gap.Config{
		QuoteStaleTolerance: cfg.Gaps.QuoteStaleTolerance,
	}, reconcileStore, tracker, logger)

	sessions, err := session.NewRouter(sessionConfigs(cfg), tracker, nil, logger)
	if err != nil {
		return fmt.Errorf("build sessions: %w", err)
	}

	pipeline := router.NewRouter(router.Config{
		RawBufferSize:     cfg.Buffers.Raw,
		TradeBufferSize:   cfg.Buffers.Trade,
		BookBufferSize:    cfg.Buffers.Book,
		QuoteBufferSize:   cfg.Buffers.Quote,
		MaxBufferMultiple: cfg.Buffers.MaxMultiple,
	}, sessions.Frames(), detector, publish.NewLog(logger), logger)

	writerCfg := writer.Config{
		BatchSize:        cfg.Writers.BatchSize,
		FlushInterval:    cfg.Writers.FlushInterval,
		RawFlushInterval: cfg.Writers.RawFlushInterval,
	}
	buffers := pipeline.Buffers()
	rawWriter := writer.NewRawWriter(writerCfg, buffers.Raw, pool, logger)
	tradeWriter := writer.NewTradeWriter(writerCfg, buffers.Trade, pool, tracker, logger)
	bookWriter := writer.NewBookWriter(writerCfg, buffers.Book, pool, tracker, logger)
	quoteWriter := writer.NewQuoteWriter(writerCfg, buffers.Quote, pool, logger)

	reconciler := reconcile.New(reconcile.Config{
		SweepInterval: cfg.Reconcile.SweepInterval,
		MaxRetries:    cfg.Reconcile.MaxRetries,
		Timeout:       cfg.Reconcile.Timeout,
	}, reconcileStore, buffers, logger)

	type component struct {
		name string
		stop func(context.Context) error
	}
	var started []component
	start := func(name string, startFn func(context.Context) error, stopFn func(context.Context) error) error {
		if err := startFn(ctx); err != nil {
			return fmt.Errorf("start %s: %w", name, err)
		}
		started = append(started, component{name: name, stop: stopFn})
		return nil
	}
	// Stop in reverse start order: sessions first so no new frames
	// arrive while the pipeline and writers drain.
	stopStarted := func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		for i := len(started) - 1; i >= 0; i-- {
			if err := started[i].stop(stopCtx); err != nil {
				logger.Warn("component stop failed", "component", started[i].name, "error", err)
			}
		}
	}

	// Writers first so the buffers drain from the moment frames arrive.
	for _, c := range []struct {
		name string
		comp interface {
			Start(context.Context) error
			Stop(context.Context) error
		}
	}{
		{"raw writer", rawWriter},
		{"trade writer", tradeWriter},
		{"book writer", bookWriter},
		{"quote writer", quoteWriter},
		{"pipeline", pipeline},
		{"reconciler", reconciler},
		{"sessions", sessions},
	} {
		if err := start(c.name, c.comp.Start, c.comp.Stop); err != nil {
			stopStarted()
			return err
		}
	}

	for _, sub := range cfg.Subscriptions {
		channels := make([]model.Channel, 0, len(sub.Channels))
		for _, ch := range sub.Channels {
			channels = append(channels, model.Channel(ch))
		}
		if err := sessions.Subscribe(sub.Account, sub.Symbols, channels); err != nil {
			logger.Error("subscription failed",
				"account", sub.Account,
				"error", err,
			)
		}
	}

	healthServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Health.Port),
		Handler: healthHandler(cfg.Health.Path, pool, sessions, pipeline, detector, logger),
	}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		logger.Info("starting health server", "port", cfg.Health.Port, "path", cfg.Health.Path)
		if err := healthServer.ListenAndServe(); err != http.ErrServerClosed {
			return fmt.Errorf("health server: %w", err)
		}
		return nil
	})

	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return healthServer.Shutdown(shutdownCtx)
	})

	// Persist watermark movement on the derived flush cadence.
	group.Go(func() error {
		ticker := time.NewTicker(cfg.Writers.FlushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-groupCtx.Done():
				return nil
			case <-ticker.C:
				if err := tracker.Flush(groupCtx, pool); err != nil {
					logger.Error("watermark flush failed", "error", err)
				}
			}
		}
	})

	// Terminal session errors end the process; everything retriable is
	// handled inside the session manager.
	group.Go(func() error {
		select {
		case <-groupCtx.Done():
			return nil
		case err := <-sessions.Fatal():
			return fmt.Errorf("terminal session error: %w", err)
		}
	})

	logger.Info("ingestor running",
		"instance_id", cfg.Instance.ID,
		"health_url", fmt.Sprintf("http://localhost:%d%s", cfg.Health.Port, cfg.Health.Path),
	)

	runErr := group.Wait()

	logger.Info("shutting down")
	stopStarted()

	flushCtx, flushCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer flushCancel()
	if err := tracker.Flush(flushCtx, pool); err != nil {
		logger.Warn("final watermark flush failed", "error", err)
	}

	return runErr
}

// sessionConfigs expands feed + account config into one session config
// per account.
func sessionConfigs(cfg *config.IngestorConfig) []session.Config {
	configs := make([]session.Config, 0, len(cfg.Accounts))
	for _, acct := range cfg.Accounts {
		sc := session.DefaultConfig()
		sc.Account = acct.ID
		sc.URL = cfg.Feed.URL
		sc.APIKey = acct.APIKey
		sc.APISecret = acct.APISecret
		sc.AfterHours = acct.AfterHours
		sc.HeartbeatInterval = cfg.Feed.HeartbeatInterval
		sc.HandshakeTimeout = cfg.Feed.HandshakeTimeout
		sc.SubscribeTimeout = cfg.Feed.SubscribeTimeout
		sc.WriteTimeout = cfg.Feed.WriteTimeout
		sc.FrameBufferSize = cfg.Feed.FrameBufferSize
		sc.Capabilities = session.Capabilities{AggregatedQuotes: !cfg.Feed.SpeedMode}
		configs = append(configs, sc)
	}
	return configs
}

// healthHandler reports component health as JSON.
func healthHandler(path string, pool *pgxpool.Pool, sessions *session.Router, pipeline router.Router, detector *gap.Detector, logger *slog.Logger) http.Handler {
	if path == "" {
		path = "/healthz"
	}
	mux := http.NewServeMux()

	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		health := struct {
			Status     string         `json:"status"`
			Components map[string]any `json:"components"`
		}{
			Status:     "healthy",
			Components: make(map[string]any),
		}

		if err := pool.Ping(ctx); err != nil {
			health.Status = "unhealthy"
			health.Components["database"] = map[string]string{
				"status": "disconnected",
				"error":  err.Error(),
			}
		} else {
			health.Components["database"] = "connected"
		}

		sessionStats := sessions.Stats()
		streaming := 0
		for _, stats := range sessionStats {
			if stats.State == session.StateStreaming {
				streaming++
			}
		}
		health.Components["sessions"] = sessionStats
		if streaming == 0 && health.Status == "healthy" {
			health.Status = "degraded"
		}

		health.Components["pipeline"] = pipeline.Stats()
		health.Components["gaps"] = detector.Stats()

		w.Header().Set("Content-Type", "application/json")
		if health.Status == "unhealthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		if err := json.NewEncoder(w).Encode(health); err != nil {
			logger.Warn("health encode failed", "error", err)
		}
	})

	return mux
}
