// Package api provides the HTTP server for DealerPipe.
//
// It exposes the Twilio WhatsApp webhook, a health check and the Prometheus
// metrics endpoint. Message handling itself lives in the flow package.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/BTreeMap/DealerPipe/internal/metrics"
	"github.com/BTreeMap/DealerPipe/internal/store"
	"github.com/BTreeMap/DealerPipe/internal/twiliowhatsapp"
)

const (
	// DefaultAddr is the listen address when none is configured.
	DefaultAddr = ":8080"
	// ShutdownTimeout bounds the graceful shutdown.
	ShutdownTimeout = 10 * time.Second
	// DefaultRequestTimeout bounds one webhook request.
	DefaultRequestTimeout = 60 * time.Second
)

// Dispatcher answers inbound messages. *flow.Dispatcher implements it.
type Dispatcher interface {
	Handle(ctx context.Context, sender, body string) (string, error)
	Reset(ctx context.Context, sender string) error
}

// Opts holds configuration for the API server.
type Opts struct {
	Addr           string
	Validator      *twiliowhatsapp.Validator
	Dedup          store.DedupRepo
	Metrics        *metrics.Metrics
	Gatherer       prometheus.Gatherer
	CatalogSize    int
	RequestTimeout time.Duration
}

// Option configures the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithValidator sets the Twilio signature validator.
func WithValidator(v *twiliowhatsapp.Validator) Option {
	return func(o *Opts) { o.Validator = v }
}

// WithDedup enables duplicate delivery detection by MessageSid.
func WithDedup(d store.DedupRepo) Option {
	return func(o *Opts) { o.Dedup = d }
}

// WithMetrics sets the collectors the webhook records into.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Opts) { o.Metrics = m }
}

// WithGatherer sets the registry served on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(o *Opts) { o.Gatherer = g }
}

// WithCatalogSize sets the vehicle count reported by /health.
func WithCatalogSize(n int) Option {
	return func(o *Opts) { o.CatalogSize = n }
}

// WithRequestTimeout bounds one webhook request.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *Opts) { o.RequestTimeout = d }
}

// Server is the DealerPipe HTTP server.
type Server struct {
	dispatcher     Dispatcher
	validator      *twiliowhatsapp.Validator
	dedup          store.DedupRepo
	metrics        *metrics.Metrics
	catalogSize    int
	requestTimeout time.Duration
	httpServer     *http.Server
}

// NewServer creates a Server around dispatcher.
func NewServer(dispatcher Dispatcher, opts ...Option) *Server {
	cfg := Opts{
		Addr:           DefaultAddr,
		Gatherer:       prometheus.DefaultGatherer,
		RequestTimeout: DefaultRequestTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.Validator == nil {
		cfg.Validator = twiliowhatsapp.NewValidator()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}

	s := &Server{
		dispatcher:     dispatcher,
		validator:      cfg.Validator,
		dedup:          cfg.Dedup,
		metrics:        cfg.Metrics,
		catalogSize:    cfg.CatalogSize,
		requestTimeout: cfg.RequestTimeout,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/webhook", s.webhookHandler)
	mux.HandleFunc("/health", s.healthHandler)
	if cfg.Gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	slog.Debug("Server.NewServer: server configured",
		"addr", cfg.Addr,
		"signature_validation", cfg.Validator.Enabled(),
		"dedup", cfg.Dedup != nil,
		"catalog_size", cfg.CatalogSize)
	return s
}

// Handler returns the server's routes.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: DealerPipe API listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("API server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("Server.Run: shutting down API server", "timeout", ShutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("API server shutdown failed: %w", err)
	}
	slog.Info("Server.Run: API server stopped")
	return nil
}
