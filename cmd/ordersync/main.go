package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/agentworkforce/ordersync/internal/httpapi"
	"github.com/agentworkforce/ordersync/internal/logging"
	"github.com/agentworkforce/ordersync/internal/metrics"
	"github.com/agentworkforce/ordersync/internal/ordersync"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type serverOptions struct {
	Addr            string
	LogLevel        string
	LogFormat       string
	BackendProfile  string
	DataDir         string
	OrderStoreDSN   string
	DedupDSN        string
	QueueDSN        string
	QueueSize       int
	Workers         int
	MaxLockRetries  int
	RetryDelay      time.Duration
	ReceiptTTL      time.Duration
	EmitterIndex    int
	KafkaBrokers    string
	KafkaTopic      string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	AllowedOrigins  string
	ShutdownTimeout time.Duration
}

// envWarnings collects unparseable environment values until the logger
// exists.
var envWarnings []string

func newRootCommand() *cobra.Command {
	opts := &serverOptions{}
	cmd := &cobra.Command{
		Use:   "ordersync",
		Short: "Order webhook ingestion and live sync server",
		Long: `Accepts order webhooks, processes them into versioned orders and
streams every change to connected viewers over /sync.

Backends are chosen per component by DSN or by a preset profile:
  ORDERSYNC_BACKEND_PROFILE=memory         everything in memory
  ORDERSYNC_BACKEND_PROFILE=durable-local  sqlite orders, pebble receipts, file queue
  ORDERSYNC_BACKEND_PROFILE=production     postgres orders and queue, redis receipts`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.Addr, "addr", envOrDefault("ORDERSYNC_ADDR", ":9000"), "listen address")
	flags.StringVar(&opts.LogLevel, "log-level", envOrDefault("ORDERSYNC_LOG_LEVEL", "info"), "debug|info|warn|error")
	flags.StringVar(&opts.LogFormat, "log-format", envOrDefault("ORDERSYNC_LOG_FORMAT", "json"), "json|console")
	flags.StringVar(&opts.BackendProfile, "backend-profile", envOrDefault("ORDERSYNC_BACKEND_PROFILE", ""), "memory|durable-local|production")
	flags.StringVar(&opts.DataDir, "data-dir", envOrDefault("ORDERSYNC_DATA_DIR", ".ordersync"), "data directory for the durable-local profile")
	flags.StringVar(&opts.OrderStoreDSN, "order-store-dsn", envOrDefault("ORDERSYNC_ORDER_STORE_DSN", ""), "order store DSN")
	flags.StringVar(&opts.DedupDSN, "dedup-dsn", envOrDefault("ORDERSYNC_DEDUP_DSN", ""), "webhook receipt store DSN")
	flags.StringVar(&opts.QueueDSN, "queue-dsn", envOrDefault("ORDERSYNC_QUEUE_DSN", ""), "job queue DSN")
	flags.IntVar(&opts.QueueSize, "queue-size", intEnv("ORDERSYNC_QUEUE_SIZE", ordersync.DefaultQueueSize), "job queue capacity")
	flags.IntVar(&opts.Workers, "workers", intEnv("ORDERSYNC_WORKERS", ordersync.DefaultWorkers), "processor workers")
	flags.IntVar(&opts.MaxLockRetries, "max-lock-retries", intEnv("ORDERSYNC_MAX_LOCK_RETRIES", ordersync.DefaultMaxLockRetries), "optimistic lock retries per job")
	flags.DurationVar(&opts.RetryDelay, "retry-delay", durationEnv("ORDERSYNC_RETRY_DELAY", ordersync.DefaultRetryDelay), "redelivery delay after a failed job")
	flags.DurationVar(&opts.ReceiptTTL, "receipt-ttl", durationEnv("ORDERSYNC_RECEIPT_TTL", ordersync.DefaultReceiptTTL), "webhook receipt lifetime")
	flags.IntVar(&opts.EmitterIndex, "emitter-index-size", intEnv("ORDERSYNC_EMITTER_INDEX_SIZE", 0), "orders tracked for stale event suppression")
	flags.StringVar(&opts.KafkaBrokers, "kafka-brokers", envOrDefault("ORDERSYNC_KAFKA_BROKERS", ""), "comma-separated brokers for the sync event relay")
	flags.StringVar(&opts.KafkaTopic, "kafka-topic", envOrDefault("ORDERSYNC_KAFKA_TOPIC", ordersync.DefaultKafkaTopic), "sync event relay topic")
	flags.IntVar(&opts.RateLimitMax, "rate-limit-max", intEnv("ORDERSYNC_RATE_LIMIT_MAX", 0), "webhooks per client per window, 0 disables")
	flags.DurationVar(&opts.RateLimitWindow, "rate-limit-window", durationEnv("ORDERSYNC_RATE_LIMIT_WINDOW", time.Minute), "rate limit window")
	flags.Int64Var(&opts.MaxBodyBytes, "max-body-bytes", int64Env("ORDERSYNC_MAX_BODY_BYTES", 0), "request body limit, 0 uses the default")
	flags.StringVar(&opts.AllowedOrigins, "allowed-origins", envOrDefault("ORDERSYNC_ALLOWED_ORIGINS", ""), "comma-separated browser origins allowed on /sync")
	flags.DurationVar(&opts.ShutdownTimeout, "shutdown-timeout", durationEnv("ORDERSYNC_SHUTDOWN_TIMEOUT", 10*time.Second), "graceful shutdown limit")
	return cmd
}

func runServer(ctx context.Context, opts *serverOptions) error {
	logger, err := logging.New(opts.LogLevel, opts.LogFormat)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	for _, warning := range envWarnings {
		logger.Warn(warning)
	}

	engine, err := buildEngine(opts, logger)
	if err != nil {
		return err
	}

	server := httpapi.NewServerWithConfig(engine, httpapi.ServerConfig{
		RateLimitMax:    opts.RateLimitMax,
		RateLimitWindow: opts.RateLimitWindow,
		MaxBodyBytes:    opts.MaxBodyBytes,
		OriginPatterns:  splitList(opts.AllowedOrigins),
		AdminJWTSecret:  os.Getenv("ORDERSYNC_ADMIN_JWT_SECRET"),
		Logger:          logger.Named("http"),
	})
	httpServer := &http.Server{
		Addr:              opts.Addr,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("ordersync listening", zap.String("addr", opts.Addr))
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		_ = engine.Close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down", zap.Duration("timeout", opts.ShutdownTimeout))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), opts.ShutdownTimeout)
	defer cancel()
	shutdownErr := httpServer.Shutdown(shutdownCtx)
	// Closing the engine ends the /sync subscriptions, which the server has
	// already hijacked out of Shutdown's reach.
	return errors.Join(shutdownErr, engine.Close())
}

func buildEngine(opts *serverOptions, logger *zap.Logger) (*ordersync.Engine, error) {
	orderDSN, dedupDSN, queueDSN, err := resolveBackendDSNs(opts)
	if err != nil {
		return nil, err
	}
	orders, err := ordersync.BuildOrderStoreFromDSN(orderDSN)
	if err != nil {
		return nil, fmt.Errorf("order store: %w", err)
	}
	dedup, err := ordersync.BuildDedupStoreFromDSN(dedupDSN)
	if err != nil {
		_ = orders.Close()
		return nil, fmt.Errorf("dedup store: %w", err)
	}
	queue, err := ordersync.BuildJobQueueFromDSN(queueDSN, opts.QueueSize)
	if err != nil {
		_ = orders.Close()
		_ = dedup.Close()
		return nil, fmt.Errorf("job queue: %w", err)
	}

	var relay *ordersync.KafkaRelay
	if strings.TrimSpace(opts.KafkaBrokers) != "" {
		relay, err = ordersync.NewKafkaRelay(opts.KafkaBrokers, opts.KafkaTopic, logger.Named("kafka"))
		if err != nil {
			_ = orders.Close()
			_ = dedup.Close()
			_ = queue.Close()
			return nil, fmt.Errorf("kafka relay: %w", err)
		}
	}

	return ordersync.NewEngineWithOptions(ordersync.EngineOptions{
		OrderStore:       orders,
		DedupStore:       dedup,
		JobQueue:         queue,
		OrderStoreName:   ordersync.BackendName(orderDSN),
		DedupStoreName:   ordersync.BackendName(dedupDSN),
		JobQueueName:     ordersync.BackendName(queueDSN),
		BackendProfile:   opts.BackendProfile,
		QueueSize:        opts.QueueSize,
		Workers:          opts.Workers,
		MaxLockRetries:   opts.MaxLockRetries,
		RetryDelay:       opts.RetryDelay,
		ReceiptTTL:       opts.ReceiptTTL,
		EmitterIndexSize: opts.EmitterIndex,
		KafkaRelay:       relay,
		Logger:           logger,
		Metrics:          metrics.NewRegistry(),
	})
}

// resolveBackendDSNs prefers explicit DSNs over the profile's defaults.
func resolveBackendDSNs(opts *serverOptions) (orderDSN, dedupDSN, queueDSN string, err error) {
	orderDSN, dedupDSN, queueDSN, err = storageProfileDefaults(opts.BackendProfile, opts.DataDir)
	if err != nil {
		return "", "", "", err
	}
	if dsn := strings.TrimSpace(opts.OrderStoreDSN); dsn != "" {
		orderDSN = dsn
	}
	if dsn := strings.TrimSpace(opts.DedupDSN); dsn != "" {
		dedupDSN = dsn
	}
	if dsn := strings.TrimSpace(opts.QueueDSN); dsn != "" {
		queueDSN = dsn
	}
	return orderDSN, dedupDSN, queueDSN, nil
}

func storageProfileDefaults(profile, dataDir string) (orderDSN, dedupDSN, queueDSN string, err error) {
	profile = strings.ToLower(strings.TrimSpace(profile))
	if strings.TrimSpace(dataDir) == "" {
		dataDir = ".ordersync"
	}
	switch profile {
	case "", "custom":
		return "", "", "", nil
	case "memory", "inmemory":
		return "memory://", "memory://", "memory://", nil
	case "durable-local", "local-durable":
		return "sqlite://" + filepath.Join(dataDir, "orders.db"),
			"pebble://" + filepath.Join(dataDir, "receipts"),
			"file://" + filepath.Join(dataDir, "job-queue.json"),
			nil
	case "production", "prod":
		productionDSN := strings.TrimSpace(os.Getenv("ORDERSYNC_PRODUCTION_DSN"))
		if productionDSN == "" {
			productionDSN = strings.TrimSpace(os.Getenv("ORDERSYNC_POSTGRES_DSN"))
		}
		if productionDSN == "" {
			return "", "", "", fmt.Errorf("ORDERSYNC_PRODUCTION_DSN or ORDERSYNC_POSTGRES_DSN is required when ORDERSYNC_BACKEND_PROFILE=%s", profile)
		}
		redisURL := strings.TrimSpace(os.Getenv("ORDERSYNC_REDIS_URL"))
		if redisURL == "" {
			return "", "", "", fmt.Errorf("ORDERSYNC_REDIS_URL is required when ORDERSYNC_BACKEND_PROFILE=%s", profile)
		}
		return productionDSN, redisURL, productionDSN, nil
	default:
		return "", "", "", fmt.Errorf("unsupported ORDERSYNC_BACKEND_PROFILE: %s", profile)
	}
}

func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func intEnv(name string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		envWarnings = append(envWarnings, fmt.Sprintf("invalid %s=%q, using fallback %d", name, raw, fallback))
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		envWarnings = append(envWarnings, fmt.Sprintf("invalid %s=%q, using fallback %d", name, raw, fallback))
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		envWarnings = append(envWarnings, fmt.Sprintf("invalid %s=%q, using fallback %s", name, raw, fallback.String()))
		return fallback
	}
	return value
}
