// Command server starts the mediaforge orchestrator: job ledger, worker
// registry, admission, and the HTTP API.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"mediaforge/internal/admission"
	"mediaforge/internal/api"
	"mediaforge/internal/observability/logging"
	"mediaforge/internal/observability/metrics"
	"mediaforge/internal/reconcile"
	"mediaforge/internal/server"
	"mediaforge/internal/serverutil"
	"mediaforge/internal/storage"
)

func main() {
	addr := flag.String("addr", "", "HTTP listen address")
	tlsCert := flag.String("tls-cert", "", "path to TLS certificate (enables HTTPS)")
	tlsKey := flag.String("tls-key", "", "path to TLS private key")
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
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log format (json or text)")
	globalRPS := flag.Float64("rate-global-rps", 0, "global request rate limit in requests per second")
	globalBurst := flag.Int("rate-global-burst", 0, "global rate limit burst allowance")
	submitLimit := flag.Int("rate-submit-limit", 0, "maximum job submissions per window for a single client")
	submitWindow := flag.Duration("rate-submit-window", 0, "window for counting job submissions")
	redisAddr := flag.String("rate-redis-addr", "", "Redis address for distributed submission throttling")
	redisPassword := flag.String("rate-redis-password", "", "Redis password for distributed submission throttling")
	redisDB := flag.Int("rate-redis-db", 0, "Redis database for distributed submission throttling")
	redisTimeout := flag.Duration("rate-redis-timeout", 0, "timeout for Redis operations")
	flag.Parse()

	logger := logging.Init(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("MEDIAFORGE_LOG_LEVEL")),
		Format: firstNonEmpty(*logFormat, os.Getenv("MEDIAFORGE_LOG_FORMAT")),
	})

	listenAddr := firstNonEmpty(*addr, os.Getenv("MEDIAFORGE_ADDR"), ":8080")
	driver := strings.ToLower(firstNonEmpty(*storageDriver, os.Getenv("MEDIAFORGE_STORAGE_DRIVER"), "json"))
	dsn := firstNonEmpty(*postgresDSN, os.Getenv("MEDIAFORGE_POSTGRES_DSN"))

	var (
		store storage.Repository
		err   error
	)
	switch driver {
	case "postgres":
		opts := []storage.Option{
			storage.WithPostgresPoolLimits(
				int32(resolveInt(*postgresMaxConns, "MEDIAFORGE_POSTGRES_MAX_CONNS")),
				int32(resolveInt(*postgresMinConns, "MEDIAFORGE_POSTGRES_MIN_CONNS")),
			),
			storage.WithPostgresPoolDurations(
				resolveDuration(*postgresMaxConnLifetime, "MEDIAFORGE_POSTGRES_MAX_CONN_LIFETIME", 0),
				resolveDuration(*postgresMaxConnIdle, "MEDIAFORGE_POSTGRES_MAX_CONN_IDLE", 0),
				resolveDuration(*postgresHealthInterval, "MEDIAFORGE_POSTGRES_HEALTH_INTERVAL", 0),
			),
			storage.WithPostgresAcquireTimeout(resolveDuration(*postgresAcquireTimeout, "MEDIAFORGE_POSTGRES_ACQUIRE_TIMEOUT", 0)),
			storage.WithPostgresApplicationName(firstNonEmpty(*postgresAppName, os.Getenv("MEDIAFORGE_POSTGRES_APP_NAME"), "mediaforge-server")),
		}
		store, err = storage.NewPostgresRepository(dsn, opts...)
	case "json":
		path := firstNonEmpty(*dataPath, os.Getenv("MEDIAFORGE_DATA"), "data/mediaforge.json")
		store, err = storage.NewJSONRepository(path)
	default:
		logger.Error("unknown storage driver", "driver", driver)
		os.Exit(1)
	}
	if err != nil {
		logger.Error("failed to open datastore", "driver", driver, "error", err)
		os.Exit(1)
	}

	recorder := metrics.New()
	manager := admission.NewManager(admission.Config{
		Registry: store,
		Logger:   logging.WithComponent(logger, "admission"),
		Metrics:  recorder,
	})
	synchronizer := reconcile.NewSynchronizer(reconcile.Config{
		Ledger:  store,
		Logger:  logging.WithComponent(logger, "reconcile"),
		Metrics: recorder,
	})
	handler := api.NewHandler(store, manager, synchronizer)
	handler.Metrics = recorder

	rateCfg := server.RateLimitConfig{
		GlobalRPS:     resolveFloat(*globalRPS, "MEDIAFORGE_RATE_GLOBAL_RPS"),
		GlobalBurst:   resolveInt(*globalBurst, "MEDIAFORGE_RATE_GLOBAL_BURST"),
		SubmitLimit:   resolveInt(*submitLimit, "MEDIAFORGE_RATE_SUBMIT_LIMIT"),
		SubmitWindow:  resolveDuration(*submitWindow, "MEDIAFORGE_RATE_SUBMIT_WINDOW", time.Minute),
		RedisAddr:     firstNonEmpty(*redisAddr, os.Getenv("MEDIAFORGE_RATE_REDIS_ADDR")),
		RedisPassword: firstNonEmpty(*redisPassword, os.Getenv("MEDIAFORGE_RATE_REDIS_PASSWORD")),
		RedisDB:       resolveInt(*redisDB, "MEDIAFORGE_RATE_REDIS_DB"),
		RedisTimeout:  resolveDuration(*redisTimeout, "MEDIAFORGE_RATE_REDIS_TIMEOUT", 2*time.Second),
	}

	srv, err := server.New(handler, server.Config{
		Addr:      listenAddr,
		RateLimit: rateCfg,
		Logger:    logger,
		Metrics:   recorder,
	})
	if err != nil {
		logger.Error("failed to initialise server", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("mediaforge orchestrator listening", "addr", listenAddr, "storage_driver", driver)
	runErr := serverutil.Run(ctx, serverutil.Config{
		Server: srv.HTTPServer(),
		TLS: serverutil.TLSConfig{
			CertFile: firstNonEmpty(*tlsCert, os.Getenv("MEDIAFORGE_TLS_CERT")),
			KeyFile:  firstNonEmpty(*tlsKey, os.Getenv("MEDIAFORGE_TLS_KEY")),
		},
		ShutdownTimeout: 10 * time.Second,
	})

	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := store.Close(closeCtx); err != nil {
		logger.Warn("failed to close datastore", "error", err)
	}

	if runErr != nil {
		logger.Error("server error", "error", runErr)
		os.Exit(1)
	}
	logger.Info("mediaforge orchestrator stopped")
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

func resolveDuration(flagValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := time.ParseDuration(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return fallback
}
