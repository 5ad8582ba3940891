// Package web serves the daemon's HTTP surface: the status page, health
// and metrics endpoints, and the push webhook.
package web

import (
	"context"
	"embed"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/convoy-run/convoy/pkg/telemetry"
)

//go:embed static/index.html
var staticFS embed.FS

// Server is the daemon's HTTP server.
type Server struct {
	addr string
	mux  *http.ServeMux
	srv  *http.Server
}

// Options configures the server's handlers.
type Options struct {
	// Addr is the listen address, e.g. ":8080".
	Addr string

	// Webhook, when set, is mounted at /hooks/push.
	Webhook http.Handler

	// Metrics, when set, exposes /metrics.
	Metrics *telemetry.Metrics

	// Healthz reports readiness; nil means always healthy.
	Healthz func(ctx context.Context) error
}

// NewServer builds the server with the standard routes.
func NewServer(opts Options) (*Server, error) {
	if opts.Addr == "" {
		return nil, fmt.Errorf("listen address is required")
	}

	mux := http.NewServeMux()

	page, err := staticFS.ReadFile("static/index.html")
	if err != nil {
		return nil, fmt.Errorf("failed to load embedded page: %w", err)
	}
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write(page)
	})

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if opts.Healthz != nil {
			if err := opts.Healthz(r.Context()); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})

	if opts.Metrics != nil {
		mux.Handle("/metrics", opts.Metrics.Handler())
	}
	if opts.Webhook != nil {
		mux.Handle("/hooks/push", opts.Webhook)
	}

	return &Server{
		addr: opts.Addr,
		mux:  mux,
		srv: &http.Server{
			Addr:              opts.Addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.addr).Msg("HTTP server listening")
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return <-errCh
}
