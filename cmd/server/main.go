// Command server starts the VOD API and transcoding workers in one process.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"vodworks/internal/api"
	"vodworks/internal/cleanup"
	"vodworks/internal/engine"
	"vodworks/internal/layout"
	"vodworks/internal/notify"
	"vodworks/internal/observability/logging"
	"vodworks/internal/observability/metrics"
	"vodworks/internal/pipeline"
	"vodworks/internal/queue"
	"vodworks/internal/server"
	"vodworks/internal/serverutil"
	"vodworks/internal/storage"
)

func main() {
	// A .env file is optional; variables already in the environment win.
	_ = godotenv.Load()

	addr := flag.String("addr", "", "HTTP listen address")
	mode := flag.String("mode", "", "server runtime mode (development or production)")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log format (json or text)")
	tlsCert := flag.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := flag.String("tls-key", "", "path to TLS private key file")

	mediaDir := flag.String("media", "", "media root directory for originals and processed artifacts")
	maxUpload := flag.Int64("max-upload-bytes", 0, "maximum accepted upload size in bytes")

	dataPath := flag.String("data", "", "path to JSON datastore")
	storageDriver := flag.String("storage-driver", "", "datastore driver (json or postgres)")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	postgresMaxConns := flag.Int("postgres-max-conns", 0, "maximum connections in the Postgres pool")
	postgresMinConns := flag.Int("postgres-min-conns", 0, "minimum idle connections maintained by the Postgres pool")
	postgresMaxConnLifetime := flag.Duration("postgres-max-conn-lifetime", 0, "maximum lifetime for a pooled Postgres connection")
	postgresMaxConnIdle := flag.Duration("postgres-max-conn-idle", 0, "maximum idle time for a pooled Postgres connection")
	postgresHealthInterval := flag.Duration("postgres-health-interval", 0, "interval between Postgres health checks")
	postgresAcquireTimeout := flag.Duration("postgres-acquire-timeout", 0, "timeout when acquiring a Postgres connection from the pool")
	postgresAppName := flag.String("postgres-app-name", "", "application_name reported to Postgres")

	queueDriver := flag.String("queue-driver", "", "job queue driver (memory or redis)")
	queueRedisAddr := flag.String("queue-redis-addr", "", "Redis address for the job queue")
	queueRedisAddrs := flag.String("queue-redis-addrs", "", "comma separated Redis addresses for the job queue")
	queueRedisUsername := flag.String("queue-redis-username", "", "Redis username for the job queue")
	queueRedisPassword := flag.String("queue-redis-password", "", "Redis password for the job queue")
	queueRedisStream := flag.String("queue-redis-stream", "", "Redis stream key for transcode jobs")
	queueRedisGroup := flag.String("queue-redis-group", "", "Redis consumer group for transcode jobs")
	queueRedisMasterName := flag.String("queue-redis-sentinel-master", "", "Redis sentinel master name for the job queue")
	queueRedisPoolSize := flag.Int("queue-redis-pool-size", 0, "maximum Redis connections for the job queue")
	queueRedisTLSCA := flag.String("queue-redis-tls-ca", "", "path to Redis TLS CA certificate for the job queue")
	queueRedisTLSCert := flag.String("queue-redis-tls-cert", "", "path to Redis TLS client certificate for the job queue")
	queueRedisTLSKey := flag.String("queue-redis-tls-key", "", "path to Redis TLS client key for the job queue")
	queueRedisTLSServerName := flag.String("queue-redis-tls-server-name", "", "override Redis TLS server name for the job queue")
	queueRedisTLSSkipVerify := flag.Bool("queue-redis-tls-skip-verify", false, "skip Redis TLS verification for the job queue")
	queueVisibility := flag.Duration("queue-visibility-timeout", 0, "how long a claimed job stays invisible before redelivery")

	engineDriver := flag.String("engine", "", "transcoding engine (ffmpeg or noop)")
	ffmpegPath := flag.String("ffmpeg-path", "", "path to the ffmpeg binary")
	ffprobePath := flag.String("ffprobe-path", "", "path to the ffprobe binary")
	segmentSeconds := flag.Int("segment-seconds", 0, "target HLS segment duration in seconds")
	encodeTimeout := flag.Duration("encode-timeout", 0, "per-invocation timeout for engine commands")

	workers := flag.Int("workers", 0, "number of concurrent transcode workers")
	maxAttempts := flag.Int("max-attempts", 0, "deliveries per job before dead-lettering")
	retryBase := flag.Duration("retry-base", 0, "base delay for retry backoff")
	retryMax := flag.Duration("retry-max", 0, "maximum delay for retry backoff")
	encodeParallelism := flag.Int("encode-parallelism", 0, "concurrent renditions within one job")
	thumbnailOffset := flag.Duration("thumbnail-offset", 0, "timestamp the poster frame is taken from")
	discardOriginals := flag.Bool("discard-originals", false, "delete uploaded sources after a successful transcode")
	sweepInterval := flag.Duration("orphan-sweep-interval", 0, "interval between orphaned artifact sweeps (0 disables)")

	amqpURL := flag.String("amqp-url", "", "AMQP broker URL for status change events")
	amqpExchange := flag.String("amqp-exchange", "", "AMQP exchange for status change events")

	globalRPS := flag.Float64("rate-global-rps", 0, "global request rate limit in requests per second")
	globalBurst := flag.Int("rate-global-burst", 0, "global rate limit burst allowance")
	uploadLimit := flag.Int("rate-upload-limit", 0, "maximum uploads per window for a single IP")
	uploadWindow := flag.Duration("rate-upload-window", 0, "window for counting uploads")
	rateRedisAddr := flag.String("rate-redis-addr", "", "Redis address for distributed upload throttling")
	rateRedisPassword := flag.String("rate-redis-password", "", "Redis password for distributed upload throttling")
	rateRedisTimeout := flag.Duration("rate-redis-timeout", 0, "timeout for rate limiter Redis operations")
	corsOrigins := flag.String("cors-origins", "", "comma separated origins allowed to call the API")
	flag.Parse()

	logger := logging.Init(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("VODWORKS_LOG_LEVEL")),
		Format: firstNonEmpty(*logFormat, os.Getenv("VODWORKS_LOG_FORMAT")),
	})
	auditLogger := logging.WithComponent(logger, "audit")
	recorder := metrics.Default()

	serverMode := modeValue(*mode, os.Getenv("VODWORKS_MODE"))
	listenAddr := resolveListenAddr(*addr, serverMode, os.Getenv("VODWORKS_ADDR"))

	manager, err := layout.NewManager(resolveMediaDir(*mediaDir, os.Getenv("VODWORKS_MEDIA_DIR")))
	if err != nil {
		logger.Error("failed to prepare media root", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, storeSettings{
		driver:         firstNonEmpty(*storageDriver, os.Getenv("VODWORKS_STORAGE_DRIVER")),
		mode:           serverMode,
		dataPath:       resolveDataPath(*dataPath, os.Getenv("VODWORKS_DATA")),
		postgresDSN:    resolvePostgresDSN(*postgresDSN),
		maxConns:       resolveInt(*postgresMaxConns, "VODWORKS_POSTGRES_MAX_CONNS"),
		minConns:       resolveInt(*postgresMinConns, "VODWORKS_POSTGRES_MIN_CONNS"),
		maxLifetime:    resolveDuration(*postgresMaxConnLifetime, "VODWORKS_POSTGRES_MAX_CONN_LIFETIME", 0),
		maxIdle:        resolveDuration(*postgresMaxConnIdle, "VODWORKS_POSTGRES_MAX_CONN_IDLE", 0),
		healthInterval: resolveDuration(*postgresHealthInterval, "VODWORKS_POSTGRES_HEALTH_INTERVAL", 0),
		acquireTimeout: resolveDuration(*postgresAcquireTimeout, "VODWORKS_POSTGRES_ACQUIRE_TIMEOUT", 0),
		appName:        firstNonEmpty(*postgresAppName, os.Getenv("VODWORKS_POSTGRES_APP_NAME")),
	})
	if err != nil {
		logger.Error("failed to open datastore", "error", err)
		os.Exit(1)
	}

	queueCfg := queue.RedisQueueConfig{
		Addr:              firstNonEmpty(*queueRedisAddr, os.Getenv("VODWORKS_QUEUE_REDIS_ADDR")),
		Addrs:             splitAndTrim(firstNonEmpty(*queueRedisAddrs, os.Getenv("VODWORKS_QUEUE_REDIS_ADDRS"))),
		Username:          firstNonEmpty(*queueRedisUsername, os.Getenv("VODWORKS_QUEUE_REDIS_USERNAME")),
		Password:          firstNonEmpty(*queueRedisPassword, os.Getenv("VODWORKS_QUEUE_REDIS_PASSWORD")),
		Stream:            firstNonEmpty(*queueRedisStream, os.Getenv("VODWORKS_QUEUE_REDIS_STREAM")),
		Group:             firstNonEmpty(*queueRedisGroup, os.Getenv("VODWORKS_QUEUE_REDIS_GROUP")),
		MasterName:        firstNonEmpty(*queueRedisMasterName, os.Getenv("VODWORKS_QUEUE_REDIS_SENTINEL_MASTER")),
		PoolSize:          resolveInt(*queueRedisPoolSize, "VODWORKS_QUEUE_REDIS_POOL_SIZE"),
		VisibilityTimeout: resolveDuration(*queueVisibility, "VODWORKS_QUEUE_VISIBILITY_TIMEOUT", 0),
		Logger:            logging.WithComponent(logger, "queue"),
		TLS: queue.RedisTLSConfig{
			CAFile:             firstNonEmpty(*queueRedisTLSCA, os.Getenv("VODWORKS_QUEUE_REDIS_TLS_CA")),
			CertFile:           firstNonEmpty(*queueRedisTLSCert, os.Getenv("VODWORKS_QUEUE_REDIS_TLS_CERT")),
			KeyFile:            firstNonEmpty(*queueRedisTLSKey, os.Getenv("VODWORKS_QUEUE_REDIS_TLS_KEY")),
			ServerName:         firstNonEmpty(*queueRedisTLSServerName, os.Getenv("VODWORKS_QUEUE_REDIS_TLS_SERVER_NAME")),
			InsecureSkipVerify: resolveBool(*queueRedisTLSSkipVerify, "VODWORKS_QUEUE_REDIS_TLS_SKIP_VERIFY"),
		},
	}
	jobQueue, err := configureQueue(firstNonEmpty(*queueDriver, os.Getenv("VODWORKS_QUEUE_DRIVER")), queueCfg)
	if err != nil {
		logger.Error("failed to configure job queue", "error", err)
		os.Exit(1)
	}

	transcoder := configureEngine(engineSettings{
		driver:         firstNonEmpty(*engineDriver, os.Getenv("VODWORKS_ENGINE")),
		ffmpegPath:     firstNonEmpty(*ffmpegPath, os.Getenv("VODWORKS_FFMPEG_PATH")),
		ffprobePath:    firstNonEmpty(*ffprobePath, os.Getenv("VODWORKS_FFPROBE_PATH")),
		segmentSeconds: resolveInt(*segmentSeconds, "VODWORKS_SEGMENT_SECONDS"),
		timeout:        resolveDuration(*encodeTimeout, "VODWORKS_ENCODE_TIMEOUT", 0),
		logger:         logging.WithComponent(logger, "engine"),
	})

	notifier, err := configureNotifier(
		firstNonEmpty(*amqpURL, os.Getenv("VODWORKS_AMQP_URL")),
		firstNonEmpty(*amqpExchange, os.Getenv("VODWORKS_AMQP_EXCHANGE")),
		logging.WithComponent(logger, "notify"),
	)
	if err != nil {
		logger.Error("failed to configure status notifier", "error", err)
		os.Exit(1)
	}

	pipe, err := pipeline.New(pipeline.Config{
		Queue:             jobQueue,
		Store:             store,
		Engine:            transcoder,
		Layout:            manager,
		Notifier:          notifier,
		Metrics:           recorder,
		Logger:            logging.WithComponent(logger, "pipeline"),
		Workers:           resolveInt(*workers, "VODWORKS_WORKERS"),
		MaxAttempts:       resolveInt(*maxAttempts, "VODWORKS_MAX_ATTEMPTS"),
		RetryBase:         resolveDuration(*retryBase, "VODWORKS_RETRY_BASE", 0),
		RetryMax:          resolveDuration(*retryMax, "VODWORKS_RETRY_MAX", 0),
		EncodeParallelism: resolveInt(*encodeParallelism, "VODWORKS_ENCODE_PARALLELISM"),
		ThumbnailOffset:   resolveDuration(*thumbnailOffset, "VODWORKS_THUMBNAIL_OFFSET", 0),
		DiscardOriginals:  resolveBool(*discardOriginals, "VODWORKS_DISCARD_ORIGINALS"),
	})
	if err != nil {
		logger.Error("failed to build pipeline", "error", err)
		os.Exit(1)
	}
	pipe.Start()

	coordinator, err := cleanup.New(cleanup.Config{
		Store:         store,
		Queue:         jobQueue,
		Layout:        manager,
		Logger:        logging.WithComponent(logger, "cleanup"),
		SweepInterval: resolveDuration(*sweepInterval, "VODWORKS_ORPHAN_SWEEP_INTERVAL", 0),
	})
	if err != nil {
		logger.Error("failed to build cleanup coordinator", "error", err)
		os.Exit(1)
	}
	coordinator.Start()

	handler := api.NewHandler(store, pipe, coordinator, manager,
		api.WithMetrics(recorder),
		api.WithLogger(logging.WithComponent(logger, "api")),
		api.WithMaxUpload(resolveInt64(*maxUpload, "VODWORKS_MAX_UPLOAD_BYTES")),
	)

	srv, err := server.New(handler, server.Config{
		Addr: listenAddr,
		TLS: server.TLSConfig{
			CertFile: firstNonEmpty(*tlsCert, os.Getenv("VODWORKS_TLS_CERT")),
			KeyFile:  firstNonEmpty(*tlsKey, os.Getenv("VODWORKS_TLS_KEY")),
		},
		RateLimit: server.RateLimitConfig{
			GlobalRPS:     resolveFloat(*globalRPS, "VODWORKS_RATE_GLOBAL_RPS"),
			GlobalBurst:   resolveInt(*globalBurst, "VODWORKS_RATE_GLOBAL_BURST"),
			UploadLimit:   resolveInt(*uploadLimit, "VODWORKS_RATE_UPLOAD_LIMIT"),
			UploadWindow:  resolveDuration(*uploadWindow, "VODWORKS_RATE_UPLOAD_WINDOW", time.Minute),
			RedisAddr:     firstNonEmpty(*rateRedisAddr, os.Getenv("VODWORKS_RATE_REDIS_ADDR")),
			RedisPassword: firstNonEmpty(*rateRedisPassword, os.Getenv("VODWORKS_RATE_REDIS_PASSWORD")),
			RedisTimeout:  resolveDuration(*rateRedisTimeout, "VODWORKS_RATE_REDIS_TIMEOUT", 2*time.Second),
		},
		CORS: server.CORSConfig{
			AllowedOrigins: splitAndTrim(firstNonEmpty(*corsOrigins, os.Getenv("VODWORKS_CORS_ORIGINS"))),
		},
		Logger:      logger,
		AuditLogger: auditLogger,
		Metrics:     recorder,
	})
	if err != nil {
		logger.Error("failed to initialise server", "error", err)
		os.Exit(1)
	}

	logger.Info("VOD service listening", "addr", listenAddr, "mode", serverMode)
	logger.Info("metrics endpoint available", "path", "/metrics")

	runErr := serverutil.Run(ctx, serverutil.Config{
		Server: srv.HTTPServer(),
		TLS: serverutil.TLSConfig{
			CertFile: firstNonEmpty(*tlsCert, os.Getenv("VODWORKS_TLS_CERT")),
			KeyFile:  firstNonEmpty(*tlsKey, os.Getenv("VODWORKS_TLS_KEY")),
		},
	})
	if runErr != nil {
		logger.Error("server error", "error", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

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

	logger.Info("server stopped")
	if runErr != nil {
		os.Exit(1)
	}
}

type storeSettings struct {
	driver         string
	mode           string
	dataPath       string
	postgresDSN    string
	maxConns       int
	minConns       int
	maxLifetime    time.Duration
	maxIdle        time.Duration
	healthInterval time.Duration
	acquireTimeout time.Duration
	appName        string
}

func openStore(ctx context.Context, cfg storeSettings) (storage.Repository, error) {
	driver, err := resolveStorageDriver(cfg.driver, cfg.postgresDSN)
	if err != nil {
		return nil, err
	}
	if cfg.mode == "production" && driver != "postgres" {
		return nil, fmt.Errorf("production mode requires the postgres datastore driver, got %q", driver)
	}
	switch driver {
	case "json":
		return storage.NewJSONRepository(cfg.dataPath)
	case "postgres":
		if cfg.postgresDSN == "" {
			return nil, fmt.Errorf("postgres storage selected without DSN")
		}
		var options []storage.Option
		if cfg.maxConns > 0 || cfg.minConns > 0 {
			options = append(options, storage.WithPostgresPoolLimits(int32(cfg.maxConns), int32(cfg.minConns)))
		}
		if cfg.maxLifetime > 0 || cfg.maxIdle > 0 || cfg.healthInterval > 0 {
			options = append(options, storage.WithPostgresPoolDurations(cfg.maxLifetime, cfg.maxIdle, cfg.healthInterval))
		}
		if cfg.acquireTimeout > 0 {
			options = append(options, storage.WithPostgresAcquireTimeout(cfg.acquireTimeout))
		}
		if cfg.appName != "" {
			options = append(options, storage.WithPostgresApplicationName(cfg.appName))
		}
		return storage.NewPostgresRepository(ctx, cfg.postgresDSN, options...)
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", driver)
	}
}

func configureQueue(driver string, cfg queue.RedisQueueConfig) (queue.Queue, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "redis":
		if len(cfg.Addrs) == 0 && strings.TrimSpace(cfg.Addr) == "" {
			return nil, fmt.Errorf("redis addr is required for the job queue")
		}
		return queue.NewRedisQueue(cfg)
	case "", "memory":
		return queue.NewMemoryQueue(queue.MemoryConfig{}), nil
	default:
		return nil, fmt.Errorf("unsupported queue driver %q", driver)
	}
}

type engineSettings struct {
	driver         string
	ffmpegPath     string
	ffprobePath    string
	segmentSeconds int
	timeout        time.Duration
	logger         *slog.Logger
}

func configureEngine(cfg engineSettings) engine.Engine {
	if strings.ToLower(strings.TrimSpace(cfg.driver)) == "noop" {
		return engine.Noop{}
	}
	return engine.NewFFmpeg(engine.FFmpegConfig{
		FFmpegPath:     cfg.ffmpegPath,
		FFprobePath:    cfg.ffprobePath,
		SegmentSeconds: cfg.segmentSeconds,
		Timeout:        cfg.timeout,
		Logger:         cfg.logger,
	})
}

func configureNotifier(url, exchange string, logger *slog.Logger) (notify.Publisher, error) {
	if strings.TrimSpace(url) == "" {
		return notify.NoopPublisher{}, nil
	}
	return notify.NewAMQPPublisher(notify.AMQPConfig{
		URL:      url,
		Exchange: exchange,
		Logger:   logger,
	})
}

func resolveListenAddr(flagValue, mode, envAddr string) string {
	listenAddr := strings.TrimSpace(flagValue)
	if listenAddr == "" {
		listenAddr = strings.TrimSpace(envAddr)
	}
	if listenAddr == "" {
		listenAddr = defaultListenForMode(mode)
	}
	return listenAddr
}

func modeValue(flagMode, envMode string) string {
	mode := strings.ToLower(strings.TrimSpace(flagMode))
	if mode == "" {
		mode = strings.ToLower(strings.TrimSpace(envMode))
	}
	if mode == "" {
		mode = "development"
	}
	return mode
}

func defaultListenForMode(mode string) string {
	if mode == "production" {
		return ":80"
	}
	return ":8080"
}

func resolveStorageDriver(value, postgresDSN string) (string, error) {
	if driver := strings.ToLower(strings.TrimSpace(value)); driver != "" {
		return driver, nil
	}
	if strings.TrimSpace(postgresDSN) != "" {
		return "postgres", nil
	}
	return "json", nil
}

func resolveDataPath(flagValue, envValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := strings.TrimSpace(envValue); env != "" {
		return env
	}
	return "data/store.json"
}

func resolveMediaDir(flagValue, envValue string) string {
	if trimmed := strings.TrimSpace(flagValue); trimmed != "" {
		return trimmed
	}
	if env := strings.TrimSpace(envValue); env != "" {
		return env
	}
	return "data/media"
}

func resolvePostgresDSN(flagValue string) string {
	return strings.TrimSpace(firstNonEmpty(flagValue, os.Getenv("VODWORKS_POSTGRES_DSN"), os.Getenv("DATABASE_URL")))
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitAndTrim(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func resolveFloat(flagValue float64, envKey string) float64 {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.ParseFloat(strings.TrimSpace(env), 64); err == nil {
			return value
		}
	}
	return 0
}

func resolveInt(flagValue int, envKey string) int {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.Atoi(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return 0
}

func resolveInt64(flagValue int64, envKey string) int64 {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.ParseInt(strings.TrimSpace(env), 10, 64); err == nil {
			return value
		}
	}
	return 0
}

func resolveDuration(flagValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := time.ParseDuration(env); err == nil {
			return value
		}
	}
	if fallback > 0 {
		return fallback
	}
	return 0
}

func resolveBool(flagValue bool, envKey string) bool {
	if flagValue {
		return true
	}
	if env, ok := os.LookupEnv(envKey); ok {
		if value, err := strconv.ParseBool(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return false
}
