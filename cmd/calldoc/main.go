package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/calldoc/calldoc/internal/api"
	"github.com/calldoc/calldoc/internal/audio"
	"github.com/calldoc/calldoc/internal/cdr"
	"github.com/calldoc/calldoc/internal/config"
	"github.com/calldoc/calldoc/internal/database"
	"github.com/calldoc/calldoc/internal/database/pgcalls"
	"github.com/calldoc/calldoc/internal/ingest"
	"github.com/calldoc/calldoc/internal/metrics"
	"github.com/calldoc/calldoc/internal/recording"
	"github.com/calldoc/calldoc/internal/rules"
	"github.com/calldoc/calldoc/internal/smdr"
	"github.com/calldoc/calldoc/internal/storage"
)

// retentionInterval is how often expired recordings are swept.
const retentionInterval = time.Hour

func main() {
	startTime := time.Now()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	slog.Info("starting calldoc",
		"http_port", cfg.HTTPPort,
		"smdr_port", cfg.SMDRPort,
		"watch_dir", cfg.WatchDir,
		"data_dir", cfg.DataDir,
	)

	// Open database and run migrations.
	db, err := database.Open(cfg.DataDir)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}

	// Application context for background goroutines.
	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	sysConfig, err := database.NewSystemConfigRepository(appCtx, db)
	if err != nil {
		slog.Error("failed to load system config", "error", err)
		os.Exit(1)
	}

	// Call lookup: the aggregation database when configured, otherwise the
	// local calls table.
	var calls database.CallRepository = database.NewCallStore(db)
	var pgStore *pgcalls.Store
	if cfg.CallsDSN != "" {
		pgStore, err = pgcalls.New(appCtx, cfg.CallsDSN)
		if err != nil {
			slog.Error("failed to connect call lookup database", "error", err)
			os.Exit(1)
		}
		calls = pgStore
	}

	// Correlation events go to the in-process bus and, when configured, valkey.
	bus := cdr.NewBus()
	publishers := cdr.Publishers{bus}
	var valkeyPub *cdr.ValkeyPublisher
	if cfg.ValkeyAddr != "" {
		valkeyPub, err = cdr.NewValkeyPublisher(appCtx, cfg.ValkeyAddr, cfg.ValkeyPassword, cfg.ValkeyDB)
		if err != nil {
			slog.Error("failed to connect valkey", "error", err)
			os.Exit(1)
		}
		publishers = append(publishers, valkeyPub)
		slog.Info("publishing correlation events to valkey", "addr", cfg.ValkeyAddr, "channel", cdr.DefaultChannel)
	}

	// SMDR listener feeding a single CDR writer.
	listener := smdr.NewListener(smdr.DefaultListenerConfig(), logger)
	if err := listener.Start(appCtx, cfg.SMDRHost, cfg.SMDRPort); err != nil {
		slog.Error("failed to start smdr listener", "error", err)
		os.Exit(1)
	}

	cdrs := database.NewCDRRepository(db)
	writer := cdr.NewWriter(cdrs, publishers, smdr.Parser{Location: cfg.Location()}, cfg.SourceType, logger)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		// Runs until the listener closes its records channel.
		writer.Run(context.Background(), listener.Records())
	}()

	// Storage pools, local or S3-backed.
	pools := database.NewStoragePoolRepository(db)
	var backends storage.BackendFactory
	if cfg.S3Enabled() {
		s3, err := storage.NewS3Client(cfg.S3Endpoint, cfg.S3AccessKey, cfg.S3SecretKey, cfg.S3UseSSL)
		if err != nil {
			slog.Error("failed to create s3 client", "error", err)
			os.Exit(1)
		}
		backends = storage.NewBackendFactory(cfg.StorageRoot, s3)
	} else {
		backends = storage.NewBackendFactory(cfg.StorageRoot, nil)
	}
	store := storage.NewService(pools, backends, logger)

	ruleRepo := database.NewRecordingRuleRepository(db)
	engine := rules.NewEngine(ruleRepo, logger)
	proc := audio.NewProcessor(cfg.FFmpegBin, cfg.FFprobeBin, logger)
	recordings := database.NewRecordingRepository(db)

	// Recording ingestion gets its own context so shutdown can cancel a
	// running ffmpeg before the HTTP server drains.
	pipeCtx, pipeCancel := context.WithCancel(appCtx)
	defer pipeCancel()
	pipeline := ingest.New(ingest.Config{
		WatchDir:      cfg.WatchDir,
		PollInterval:  cfg.PollInterval,
		StabilityWait: cfg.StabilityWait,
		PoolID:        cfg.DefaultPoolID,
		PeaksCount:    cfg.PeaksCount,
	}, calls, recordings, engine, proc, store, logger)
	if err := pipeline.Start(pipeCtx); err != nil {
		slog.Error("failed to start ingestion pipeline", "error", err)
		os.Exit(1)
	}

	retention := recording.NewRetention(recordings, store, sysConfig, cfg.RecordingMaxDays, logger)
	retention.StartCleanupTicker(appCtx, retentionInterval)

	// Prometheus metrics.
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		metrics.NewCollector(metrics.Providers{
			Listener:   listener,
			Writer:     writer,
			Ingest:     pipeline,
			CDRs:       cdrs,
			Recordings: recordings,
			Pools:      pools,
		}, startTime),
	)

	clipDir := filepath.Join(cfg.DataDir, "tmp")
	if err := os.MkdirAll(clipDir, 0o750); err != nil {
		slog.Error("failed to create clip directory", "dir", clipDir, "error", err)
		os.Exit(1)
	}

	handler := api.NewServer(api.Deps{
		CDRs:       cdrs,
		Recordings: recordings,
		RuleRepo:   ruleRepo,
		Pools:      pools,
		Storage:    store,
		Rules:      engine,
		Clipper:    proc,
		Listener:   listener,
		Writer:     writer,
		Ingest:     pipeline,
		Events:     bus,
		Metrics:    promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		TempDir:    clipDir,
		StartTime:  startTime,
		Logger:     logger,
	})

	// No write timeout: audio streams and the event feed are long-lived and
	// end with the request context.
	srv := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:     handler,
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}
	srv.RegisterOnShutdown(handler.Close)

	// Start server in goroutine.
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for interrupt or server error.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		slog.Error("http server error", "error", err)
		exitCode = 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down")

	// Stop accepting SMDR lines, then let the writer drain what was queued.
	listener.Stop()
	select {
	case <-writerDone:
	case <-ctx.Done():
		slog.Warn("cdr writer did not drain before timeout")
	}

	// Cancelling the pipeline kills any running ffmpeg; the file stays in the
	// watch directory for the next start.
	pipeCancel()
	select {
	case <-pipeline.Done():
	case <-ctx.Done():
		slog.Warn("ingestion pipeline did not stop before timeout")
	}

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("http server shutdown error", "error", err)
		exitCode = 1
	}
	handler.Close()
	appCancel()

	if err := db.Close(); err != nil {
		slog.Error("failed to close database", "error", err)
	}
	if pgStore != nil {
		pgStore.Close()
	}
	if valkeyPub != nil {
		valkeyPub.Close()
	}

	slog.Info("calldoc stopped")
	os.Exit(exitCode)
}
