// Command worker starts a mediaforge transcoding worker: it accepts job
// submissions over HTTP and runs the ffmpeg pipeline for each.
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

	"mediaforge/internal/dispatch"
	"mediaforge/internal/encoder"
	"mediaforge/internal/observability/logging"
	"mediaforge/internal/observability/metrics"
	"mediaforge/internal/pipeline"
	"mediaforge/internal/profiles"
	"mediaforge/internal/serverutil"
	"mediaforge/internal/workerd"
)

func main() {
	addr := flag.String("addr", "", "HTTP listen address")
	tlsCert := flag.String("tls-cert", "", "path to TLS certificate (enables HTTPS)")
	tlsKey := flag.String("tls-key", "", "path to TLS private key")
	outputRoot := flag.String("output-root", "", "root directory for transcoded output")
	profilesPath := flag.String("profiles", "", "path to the encoding profile catalog")
	ffmpegBinary := flag.String("ffmpeg", "", "ffmpeg binary to invoke")
	concurrency := flag.Int("concurrency", 0, "number of jobs processed simultaneously")
	resolverEndpoint := flag.String("resolver-endpoint", "", "endpoint used to resolve refs into download URLs")
	resolverReferer := flag.String("resolver-referer", "", "Referer header sent to the resolver endpoint")
	resolverCookie := flag.String("resolver-cookie", "", "Cookie header sent to the resolver endpoint")
	thumbnailOffsets := flag.String("thumbnail-offsets", "", "comma-separated capture positions in seconds")
	thumbnailThreshold := flag.Float64("thumbnail-threshold", 0, "minimum average luma for an accepted thumbnail frame")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log format (json or text)")
	flag.Parse()

	logger := logging.Init(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("MEDIAFORGE_LOG_LEVEL")),
		Format: firstNonEmpty(*logFormat, os.Getenv("MEDIAFORGE_LOG_FORMAT")),
	})

	listenAddr := firstNonEmpty(*addr, os.Getenv("MEDIAFORGE_WORKER_ADDR"), ":8085")
	root := firstNonEmpty(*outputRoot, os.Getenv("MEDIAFORGE_OUTPUT_ROOT"), "output")
	catalogPath := firstNonEmpty(*profilesPath, os.Getenv("MEDIAFORGE_PROFILES"), "configs/encoding-profiles.json")
	binary := firstNonEmpty(*ffmpegBinary, os.Getenv("MEDIAFORGE_FFMPEG"), "ffmpeg")
	workers := resolveInt(*concurrency, "MEDIAFORGE_CONCURRENCY")
	if workers <= 0 {
		workers = 2
	}

	endpoint := firstNonEmpty(*resolverEndpoint, os.Getenv("MEDIAFORGE_RESOLVER_ENDPOINT"))
	if endpoint == "" {
		logger.Error("resolver endpoint is required")
		os.Exit(1)
	}

	pipe := &pipeline.Pipeline{
		Resolver: &pipeline.Resolver{
			Endpoint: endpoint,
			Referer:  firstNonEmpty(*resolverReferer, os.Getenv("MEDIAFORGE_RESOLVER_REFERER")),
			Cookie:   firstNonEmpty(*resolverCookie, os.Getenv("MEDIAFORGE_RESOLVER_COOKIE")),
		},
		Invoker:  encoder.NewFFmpeg(binary, logging.WithComponent(logger, "encoder")),
		Profiles: profiles.NewLoader(catalogPath),
		Root:     root,
		Thumbnail: pipeline.ThumbnailConfig{
			SeekOffsets:        resolveOffsets(*thumbnailOffsets, "MEDIAFORGE_THUMBNAIL_OFFSETS"),
			LuminanceThreshold: resolveFloat(*thumbnailThreshold, "MEDIAFORGE_THUMBNAIL_THRESHOLD"),
		},
		Logger: logging.WithComponent(logger, "pipeline"),
	}

	registry := dispatch.NewRegistry()
	dispatcher := dispatch.NewDispatcher(registry, pipe, workers, logging.WithComponent(logger, "dispatch"))

	handler := workerd.NewHandler(dispatcher)
	srv := workerd.NewServer(handler, workerd.ServerConfig{
		Addr:    listenAddr,
		Logger:  logger,
		Metrics: metrics.Default(),
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("mediaforge worker listening", "addr", listenAddr, "concurrency", workers, "output_root", root)
	if err := serverutil.Run(ctx, serverutil.Config{
		Server: srv,
		TLS: serverutil.TLSConfig{
			CertFile: firstNonEmpty(*tlsCert, os.Getenv("MEDIAFORGE_WORKER_TLS_CERT")),
			KeyFile:  firstNonEmpty(*tlsKey, os.Getenv("MEDIAFORGE_WORKER_TLS_KEY")),
		},
		ShutdownTimeout: 10 * time.Second,
	}); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
	logger.Info("mediaforge worker stopped")
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

func resolveOffsets(flagValue, envKey string) []int {
	raw := firstNonEmpty(flagValue, os.Getenv(envKey))
	if raw == "" {
		return nil
	}
	var offsets []int
	for _, part := range strings.Split(raw, ",") {
		value, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || value < 0 {
			continue
		}
		offsets = append(offsets, value)
	}
	return offsets
}
