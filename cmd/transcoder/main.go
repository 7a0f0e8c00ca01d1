// Command transcoder runs transcode workers without the public API. It claims
// jobs from the shared Redis queue, so several replicas can drain one backlog
// while a single server process handles uploads and playback.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"vodworks/internal/cleanup"
	"vodworks/internal/engine"
	"vodworks/internal/layout"
	"vodworks/internal/notify"
	"vodworks/internal/observability/logging"
	"vodworks/internal/observability/metrics"
	"vodworks/internal/pipeline"
	"vodworks/internal/queue"
	"vodworks/internal/storage"
)

func main() {
	_ = godotenv.Load()

	logger := logging.Init(logging.Config{
		Level:  envOrDefault("VODWORKS_LOG_LEVEL", "info"),
		Format: os.Getenv("VODWORKS_LOG_FORMAT"),
	})
	recorder := metrics.Default()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	redisAddr := strings.TrimSpace(os.Getenv("VODWORKS_QUEUE_REDIS_ADDR"))
	redisAddrs := splitList(os.Getenv("VODWORKS_QUEUE_REDIS_ADDRS"))
	if redisAddr == "" && len(redisAddrs) == 0 {
		logger.Error("VODWORKS_QUEUE_REDIS_ADDR is required; workers share work through Redis")
		os.Exit(1)
	}

	store, err := openStore(ctx)
	if err != nil {
		logger.Error("failed to open datastore", "error", err)
		os.Exit(1)
	}

	manager, err := layout.NewManager(envOrDefault("VODWORKS_MEDIA_DIR", "data/media"))
	if err != nil {
		logger.Error("failed to prepare media root", "error", err)
		os.Exit(1)
	}

	jobQueue, err := queue.NewRedisQueue(queue.RedisQueueConfig{
		Addr:              redisAddr,
		Addrs:             redisAddrs,
		Username:          os.Getenv("VODWORKS_QUEUE_REDIS_USERNAME"),
		Password:          os.Getenv("VODWORKS_QUEUE_REDIS_PASSWORD"),
		Stream:            os.Getenv("VODWORKS_QUEUE_REDIS_STREAM"),
		Group:             os.Getenv("VODWORKS_QUEUE_REDIS_GROUP"),
		MasterName:        os.Getenv("VODWORKS_QUEUE_REDIS_SENTINEL_MASTER"),
		PoolSize:          envInt("VODWORKS_QUEUE_REDIS_POOL_SIZE", 0),
		VisibilityTimeout: envDuration("VODWORKS_QUEUE_VISIBILITY_TIMEOUT", 0),
		Logger:            logging.WithComponent(logger, "queue"),
		TLS: queue.RedisTLSConfig{
			CAFile:             os.Getenv("VODWORKS_QUEUE_REDIS_TLS_CA"),
			CertFile:           os.Getenv("VODWORKS_QUEUE_REDIS_TLS_CERT"),
			KeyFile:            os.Getenv("VODWORKS_QUEUE_REDIS_TLS_KEY"),
			ServerName:         os.Getenv("VODWORKS_QUEUE_REDIS_TLS_SERVER_NAME"),
			InsecureSkipVerify: envBool("VODWORKS_QUEUE_REDIS_TLS_SKIP_VERIFY", false),
		},
	})
	if err != nil {
		logger.Error("failed to connect to the job queue", "error", err)
		os.Exit(1)
	}

	var notifier notify.Publisher = notify.NoopPublisher{}
	if url := strings.TrimSpace(os.Getenv("VODWORKS_AMQP_URL")); url != "" {
		notifier, err = notify.NewAMQPPublisher(notify.AMQPConfig{
			URL:      url,
			Exchange: os.Getenv("VODWORKS_AMQP_EXCHANGE"),
			Logger:   logging.WithComponent(logger, "notify"),
		})
		if err != nil {
			logger.Error("failed to connect to AMQP broker", "error", err)
			os.Exit(1)
		}
	}

	pipe, err := pipeline.New(pipeline.Config{
		Queue: jobQueue,
		Store: store,
		Engine: engine.NewFFmpeg(engine.FFmpegConfig{
			FFmpegPath:     os.Getenv("VODWORKS_FFMPEG_PATH"),
			FFprobePath:    os.Getenv("VODWORKS_FFPROBE_PATH"),
			SegmentSeconds: envInt("VODWORKS_SEGMENT_SECONDS", 0),
			Timeout:        envDuration("VODWORKS_ENCODE_TIMEOUT", 0),
			Logger:         logging.WithComponent(logger, "engine"),
		}),
		Layout:            manager,
		Notifier:          notifier,
		Metrics:           recorder,
		Logger:            logging.WithComponent(logger, "pipeline"),
		Workers:           envInt("VODWORKS_WORKERS", 0),
		MaxAttempts:       envInt("VODWORKS_MAX_ATTEMPTS", 0),
		RetryBase:         envDuration("VODWORKS_RETRY_BASE", 0),
		RetryMax:          envDuration("VODWORKS_RETRY_MAX", 0),
		EncodeParallelism: envInt("VODWORKS_ENCODE_PARALLELISM", 0),
		ThumbnailOffset:   envDuration("VODWORKS_THUMBNAIL_OFFSET", 0),
		DiscardOriginals:  envBool("VODWORKS_DISCARD_ORIGINALS", false),
	})
	if err != nil {
		logger.Error("failed to build pipeline", "error", err)
		os.Exit(1)
	}
	pipe.Start()

	// The sweeper runs here rather than in the API process so deleting the
	// server replica does not stop orphan reclamation.
	coordinator, err := cleanup.New(cleanup.Config{
		Store:         store,
		Queue:         jobQueue,
		Layout:        manager,
		Logger:        logging.WithComponent(logger, "cleanup"),
		SweepInterval: envDuration("VODWORKS_ORPHAN_SWEEP_INTERVAL", 0),
	})
	if err != nil {
		logger.Error("failed to build cleanup coordinator", "error", err)
		os.Exit(1)
	}
	coordinator.Start()

	httpServer := startHealthServer(envOrDefault("VODWORKS_WORKER_ADDR", ":9090"), store, recorder, logger)

	logger.Info("transcode workers running", "workers", envInt("VODWORKS_WORKERS", 0))
	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if httpServer != nil {
		_ = httpServer.Shutdown(shutdownCtx)
	}
	if err := pipe.Shutdown(shutdownCtx); err != nil {
		logger.Warn("pipeline shutdown incomplete", "error", err)
	}
	coordinator.Stop()
	if err := jobQueue.Close(); err != nil {
		logger.Warn("failed to close job queue", "error", err)
	}
	if err := notifier.Close(); err != nil {
		logger.Warn("failed to close status notifier", "error", err)
	}
	if err := store.Close(shutdownCtx); err != nil {
		logger.Warn("failed to close datastore", "error", err)
	}
	logger.Info("worker stopped")
}

func openStore(ctx context.Context) (storage.Repository, error) {
	dsn := strings.TrimSpace(firstOf(os.Getenv("VODWORKS_POSTGRES_DSN"), os.Getenv("DATABASE_URL")))
	driver := strings.ToLower(strings.TrimSpace(os.Getenv("VODWORKS_STORAGE_DRIVER")))
	if driver == "" {
		if dsn != "" {
			driver = "postgres"
		} else {
			driver = "json"
		}
	}
	switch driver {
	case "json":
		return storage.NewJSONRepository(envOrDefault("VODWORKS_DATA", "data/store.json"))
	case "postgres":
		if dsn == "" {
			return nil, fmt.Errorf("postgres storage selected without DSN")
		}
		return storage.NewPostgresRepository(ctx, dsn)
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", driver)
	}
}

// startHealthServer exposes liveness and metrics for the worker replica.
func startHealthServer(addr string, store storage.Repository, recorder *metrics.Recorder, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := store.Ping(ctx); err != nil {
			http.Error(w, "datastore unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", recorder.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("worker health server error", "error", err)
		}
	}()
	return srv
}

func envOrDefault(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func firstOf(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

func splitList(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func envInt(key string, fallback int) int {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return fallback
}
