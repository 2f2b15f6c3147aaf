// Package api provides the HTTP server for DispatchPipe.
//
// It exposes RESTful endpoints for sending, scheduling, retrying and
// tracking messages, platform introspection and Prometheus metrics. All
// business logic lives in the dispatch service; handlers only decode,
// delegate and encode.
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

	"github.com/BTreeMap/DispatchPipe/internal/models"
	"github.com/BTreeMap/DispatchPipe/internal/store"
)

// Default server configuration.
const (
	DefaultAddr         = ":8080"
	DefaultMaxBulkSize  = 100
	DefaultMaxBodyBytes = 32 << 20
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 500
	shutdownTimeout     = 10 * time.Second
)

// Dispatcher is the dispatch core as seen by the HTTP layer.
type Dispatcher interface {
	SendMessage(ctx context.Context, req models.MessageRequest) *models.MessageResponse
	SendBulkMessage(ctx context.Context, reqs []models.MessageRequest) []*models.MessageResponse
	GetMessageStatus(ctx context.Context, id string) (*models.MessageResponse, error)
	RetryFailedMessage(ctx context.Context, id string) (*models.MessageResponse, error)
	CancelScheduledMessage(ctx context.Context, id string) (*models.MessageResponse, error)
	ListScheduledMessages(ctx context.Context) ([]store.ScheduledEntry, error)
	ProcessScheduledMessages(ctx context.Context) (int, error)
	GetMessageHistory(ctx context.Context, userID string, limit, offset int) ([]*models.MessageResponse, error)
	GetMessageStatistics(ctx context.Context, from, to *time.Time) (models.MessageStatistics, error)
	GetAllPlatformCapabilities() map[string]models.PlatformCapabilities
	PerformHealthCheck(ctx context.Context) map[string]bool
}

// Opts holds configuration for the API server.
type Opts struct {
	Addr         string
	MaxBulkSize  int
	MaxBodyBytes int64
	Gatherer     prometheus.Gatherer
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) {
		o.Addr = addr
	}
}

// WithMaxBulkSize caps the number of messages in one bulk request.
func WithMaxBulkSize(n int) Option {
	return func(o *Opts) {
		o.MaxBulkSize = n
	}
}

// WithMaxBodyBytes caps the request body size.
func WithMaxBodyBytes(n int64) Option {
	return func(o *Opts) {
		o.MaxBodyBytes = n
	}
}

// WithGatherer serves metrics from g on /metrics instead of the default registry.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(o *Opts) {
		o.Gatherer = g
	}
}

// Server serves the DispatchPipe HTTP API.
type Server struct {
	svc  Dispatcher
	opts Opts
	mux  *http.ServeMux
}

// NewServer creates a Server backed by svc.
func NewServer(svc Dispatcher, opts ...Option) *Server {
	o := Opts{
		Addr:         DefaultAddr,
		MaxBulkSize:  DefaultMaxBulkSize,
		MaxBodyBytes: DefaultMaxBodyBytes,
		Gatherer:     prometheus.DefaultGatherer,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.MaxBulkSize <= 0 {
		o.MaxBulkSize = DefaultMaxBulkSize
	}
	s := &Server{svc: svc, opts: o, mux: http.NewServeMux()}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/messages", s.messagesHandler)
	s.mux.HandleFunc("/messages/bulk", s.bulkHandler)
	s.mux.HandleFunc("/messages/{id}", s.messageHandler)
	s.mux.HandleFunc("/messages/{id}/retry", s.retryHandler)
	s.mux.HandleFunc("/scheduled", s.scheduledHandler)
	s.mux.HandleFunc("/scheduled/process", s.processScheduledHandler)
	s.mux.HandleFunc("/statistics", s.statisticsHandler)
	s.mux.HandleFunc("/platforms", s.platformsHandler)
	s.mux.HandleFunc("/platforms/health", s.healthHandler)
	s.mux.Handle("/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))
}

// Handler returns the server's root handler.
func (s *Server) Handler() http.Handler {
	return s.withBodyLimit(s.mux)
}

func (s *Server) withBodyLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil && s.opts.MaxBodyBytes > 0 {
			r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("DispatchPipe API server starting", "addr", s.opts.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("API server failed: %w", err)
	case <-ctx.Done():
	}

	slog.Info("DispatchPipe API server shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("API server shutdown failed: %w", err)
	}
	return nil
}
