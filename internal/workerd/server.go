package workerd

import (
	"log/slog"
	"net/http"
	"time"

	"mediaforge/internal/observability/logging"
	"mediaforge/internal/observability/metrics"
)

type ServerConfig struct {
	Addr    string
	Logger  *slog.Logger
	Metrics *metrics.Recorder
}

// NewServer assembles the worker's HTTP server: routes, request logging, and
// request metrics.
func NewServer(handler *Handler, cfg ServerConfig) *http.Server {
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", handler.Health)
	mux.Handle("/metrics", recorder.Handler())
	mux.HandleFunc("/media/download", handler.Download)
	mux.HandleFunc("/media/download/", handler.DownloadStatus)
	mux.HandleFunc("/config", handler.Config)

	chain := http.Handler(mux)
	chain = metrics.HTTPMiddleware(recorder, chain)
	chain = logging.RequestLogger(logging.RequestLoggerConfig{Logger: cfg.Logger})(chain)

	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           chain,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}
