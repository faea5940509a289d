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

	"golang.org/x/sync/errgroup"

	"github.com/agentsight/relay/internal/archive"
	"github.com/agentsight/relay/internal/batcher"
	"github.com/agentsight/relay/internal/config"
	"github.com/agentsight/relay/internal/database"
	"github.com/agentsight/relay/internal/delivery"
	"github.com/agentsight/relay/internal/ingest"
	"github.com/agentsight/relay/internal/link"
	"github.com/agentsight/relay/internal/metrics"
	"github.com/agentsight/relay/internal/queue"
	"github.com/agentsight/relay/internal/store"
	"github.com/agentsight/relay/internal/version"
)

func main() {
	configPath := flag.String("config", "configs/relayd.yaml", "path to config file")
	debug := flag.Bool("debug", false, "enable debug logging")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("relayd", version.String())
		return
	}

	// Set up structured logging
	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	logger.Info("starting relayd",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
	)

	// Load configuration
	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"instance_id", cfg.Instance.ID,
		"dashboard_url", cfg.Dashboard.URL,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Open the durable store backing queue snapshots
	st, persist, err := buildStore(ctx, cfg.Store)
	if err != nil {
		logger.Error("failed to open queue store",
			"backend", cfg.Store.Backend,
			"error", err,
		)
		os.Exit(1)
	}
	if st != nil {
		defer st.Close()
	}
	logger.Info("queue store ready", "backend", cfg.Store.Backend)

	// Event queue
	q := queue.New(queue.Config{
		Enabled:      !cfg.Queue.Disabled,
		MaxSize:      cfg.Queue.MaxSize,
		Persist:      persist,
		StorageKey:   cfg.Queue.StorageKey,
		RetryDelay:   cfg.Queue.RetryDelay,
		MaxRetries:   cfg.Queue.MaxRetries,
		MemoryLimit:  cfg.Queue.MemoryLimit,
		FailureLimit: cfg.Queue.FailureLimit,
	}, st, logger)

	// Channel link to the dashboard
	lk := link.NewManager(link.Config{
		URL:              cfg.Dashboard.URL,
		Token:            cfg.Dashboard.Token,
		HandshakeTimeout: cfg.Dashboard.HandshakeTimeout,
		WriteTimeout:     cfg.Dashboard.WriteTimeout,
		SendTimeout:      cfg.Dashboard.SendTimeout,
		PingTimeout:      cfg.Dashboard.PingTimeout,
		MessageBuffer:    cfg.Dashboard.MessageBuffer,
	}, logger)

	// Batcher over delivered events
	bat, err := batcher.New(batcher.Config{
		Window:     cfg.Batcher.Window,
		MaxBatch:   cfg.Batcher.MaxBatch,
		BufferSize: cfg.Batcher.BufferSize,
		DedupeSize: cfg.Batcher.DedupeSize,
	}, logger)
	if err != nil {
		logger.Error("failed to create batcher", "error", err)
		os.Exit(1)
	}
	if err := bat.Start(ctx); err != nil {
		logger.Error("failed to start batcher", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		bat.Stop(shutdownCtx)
	}()

	// Optional Postgres archive consuming the batch ring
	var arch *archive.Writer
	if cfg.Archive.Enabled {
		logger.Info("connecting to archive database",
			"host", cfg.Archive.Database.Host,
			"port", cfg.Archive.Database.Port,
			"database", cfg.Archive.Database.Name,
		)
		pool, err := database.Connect(ctx, cfg.Archive.Database)
		if err != nil {
			logger.Error("failed to connect to archive database", "error", err)
			os.Exit(1)
		}
		defer pool.Close()

		arch = archive.New(archive.Config{
			FlushInterval: cfg.Archive.FlushInterval,
			MaxBatch:      cfg.Archive.MaxBatch,
		}, bat.Output(), pool, logger)
		if err := arch.Start(ctx); err != nil {
			logger.Error("failed to start archive writer", "error", err)
			os.Exit(1)
		}
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()
			arch.Stop(shutdownCtx)
		}()
		logger.Info("archive writer started")
	} else {
		// Nothing consumes closed batches without an archive; drain them so
		// the ring never saturates.
		go discardBatches(bat.Output())
	}

	// Delivery manager ties the link, queue, and batcher together
	mgr := delivery.New(delivery.Config{
		BaseDelay:         cfg.Reconnect.BaseDelay,
		MaxDelay:          cfg.Reconnect.MaxDelay,
		Factor:            cfg.Reconnect.Factor,
		Jitter:            cfg.Reconnect.Jitter,
		MaxAttempts:       cfg.Reconnect.MaxAttempts,
		HeartbeatInterval: cfg.Heartbeat.Interval,
	}, lk, q, bat, logger)
	defer mgr.Close()

	// Prometheus collector over component snapshots
	snaps := metrics.Snapshots{
		Status:        mgr.Status,
		Queue:         mgr.QueueMetrics,
		QueueCapacity: q.Capacity(),
		Batcher:       bat.Stats,
	}
	if arch != nil {
		snaps.Archive = arch.Metrics
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle(cfg.Metrics.Path, metrics.Handler(metrics.NewCollector(snaps)))
	metricsServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Metrics.Port),
		Handler: metricsMux,
	}

	ingestHandler := ingest.NewHandler(ingest.Config{
		MaxBodyBytes: cfg.Ingest.MaxBodyBytes,
	}, mgr, logger)
	ingestServer := &http.Server{
		Addr:    cfg.Ingest.Addr,
		Handler: createHandler(ingestHandler, mgr, q, lk),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting ingest server", "addr", cfg.Ingest.Addr)
		if err := ingestServer.ListenAndServe(); err != http.ErrServerClosed {
			return fmt.Errorf("ingest server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		logger.Info("starting metrics server",
			"port", cfg.Metrics.Port,
			"path", cfg.Metrics.Path,
		)
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		ingestServer.Shutdown(shutdownCtx)
		metricsServer.Shutdown(shutdownCtx)
		return nil
	})

	// First connect attempt; on failure the backoff loop takes over, and
	// events buffer in the queue meanwhile.
	connectCtx, connectCancel := context.WithTimeout(ctx, cfg.Dashboard.HandshakeTimeout+5*time.Second)
	if err := mgr.Connect(connectCtx); err != nil {
		logger.Warn("initial connect failed, reconnect loop engaged", "error", err)
	}
	connectCancel()

	logger.Info("relayd running",
		"instance_id", cfg.Instance.ID,
		"ingest_url", fmt.Sprintf("http://localhost%s/events", cfg.Ingest.Addr),
		"health_url", fmt.Sprintf("http://localhost%s/health", cfg.Ingest.Addr),
	)

	if err := g.Wait(); err != nil {
		logger.Error("server error", "error", err)
	}

	logger.Info("shutting down...")
}

// buildStore opens the configured snapshot backend. A nil store with
// persist=false means the queue runs in-memory only.
func buildStore(ctx context.Context, cfg config.StoreConfig) (store.Store, bool, error) {
	switch cfg.Backend {
	case "none":
		return nil, false, nil
	case "memory":
		return store.NewMemory(), true, nil
	case "sqlite":
		s, err := store.NewSQLite(cfg.Path)
		if err != nil {
			return nil, false, err
		}
		return s, true, nil
	case "redis":
		s, err := store.NewRedis(ctx, store.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return nil, false, err
		}
		return s, true, nil
	default:
		return nil, false, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

// discardBatches drains the batch ring until it closes.
func discardBatches(buf *batcher.Buffer[batcher.Batch]) {
	for {
		if _, ok := buf.Pop(); !ok {
			return
		}
	}
}

// createHandler builds the producer-facing mux: ingest plus the health,
// status, and debug endpoints.
func createHandler(ingestHandler *ingest.Handler, mgr delivery.Manager, q *queue.Queue, lk link.Manager) http.Handler {
	mux := http.NewServeMux()

	mux.Handle("/events", ingestHandler)

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		health := mgr.Health()

		w.Header().Set("Content-Type", "application/json")
		if !health.Healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(health)
	})

	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(mgr.Status())
	})

	mux.HandleFunc("/queue", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"metrics": mgr.QueueMetrics(),
			"next":    q.Peek(10),
		})
	})

	mux.HandleFunc("/debug/flush", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST required", http.StatusMethodNotAllowed)
			return
		}

		before := mgr.QueueMetrics().CurrentSize
		mgr.Flush()
		after := mgr.QueueMetrics().CurrentSize

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"flushed":   before - after,
			"remaining": after,
		})
	})

	mux.HandleFunc("/debug/disconnect", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST required", http.StatusMethodNotAllowed)
			return
		}

		if err := lk.Disconnect(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"status":  "disconnected",
			"message": "Channel closed. The reconnect loop will restore it.",
		})
	})

	return mux
}
