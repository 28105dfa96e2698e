// Package server exposes the monitor over HTTP: snapshot ingest, capsule
// reports and histories, baselines, health and Prometheus metrics.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/signalnine/capsulewatch/internal/config"
	"github.com/signalnine/capsulewatch/internal/logging"
)

const shutdownTimeout = 10 * time.Second

// Server is the report and ingest API.
type Server struct {
	cfg    config.ServerConfig
	logger *slog.Logger
	server *http.Server
}

// New builds the router. gatherer may be nil to leave /metrics out.
func New(cfg config.ServerConfig, mon Monitor, gatherer prometheus.Gatherer, logger *slog.Logger) *Server {
	logger = logging.OrDefault(logger)
	if cfg.MaxPayloadBytes <= 0 {
		cfg.MaxPayloadBytes = config.Default().Server.MaxPayloadBytes
	}
	a := &api{
		mon:             mon,
		apiKey:          cfg.APIKey,
		maxPayloadBytes: cfg.MaxPayloadBytes,
		logger:          logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	r.Group(func(r chi.Router) {
		r.Use(a.requireKey)

		r.Post("/ingest", a.ingest)
		r.Get("/capsules", a.capsules)
		r.Route("/capsules/{id}", func(r chi.Router) {
			r.Get("/report", a.report)
			r.Get("/mutations", a.mutations)
			r.Delete("/mutations", a.clearMutations)
			r.Get("/overrides", a.overrides)
			r.Delete("/overrides", a.clearOverrides)
			r.Get("/drift", a.driftHistory)
			r.Get("/baseline", a.baselineDrift)
			r.Put("/baseline", a.setBaseline)
		})
	})

	return &Server{
		cfg:    cfg,
		logger: logger,
		server: &http.Server{
			Addr:         cfg.ListenAddr,
			Handler:      r,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
	}
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Run listens on the configured address and serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.ListenAddr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done, then shuts down gracefully. TLS is
// used when a certificate and key are configured.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	useTLS := s.cfg.TLSCert != "" && s.cfg.TLSKey != ""
	if useTLS {
		cert, err := tls.LoadX509KeyPair(s.cfg.TLSCert, s.cfg.TLSKey)
		if err != nil {
			ln.Close()
			return fmt.Errorf("load TLS cert: %w", err)
		}
		s.server.TLSConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
	}
	if s.cfg.APIKey == "" {
		s.logger.Warn("API key not set, capsule endpoints are unauthenticated")
	}
	s.logger.Info("server starting", "addr", ln.Addr().String(), "tls", useTLS)

	errCh := make(chan error, 1)
	go func() {
		var err error
		if useTLS {
			err = s.server.ServeTLS(ln, "", "")
		} else {
			err = s.server.Serve(ln)
		}
		if !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
