// Package server wires the gateway together and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/josedab/pqgate/internal/admin"
	"github.com/josedab/pqgate/internal/cache"
	"github.com/josedab/pqgate/internal/coalesce"
	"github.com/josedab/pqgate/internal/config"
	"github.com/josedab/pqgate/internal/fingerprint"
	"github.com/josedab/pqgate/internal/metrics"
	"github.com/josedab/pqgate/internal/middleware"
	"github.com/josedab/pqgate/internal/pipeline"
	"github.com/josedab/pqgate/internal/proxy"
)

// Server is the assembled gateway.
type Server struct {
	cfg     *config.Config
	handler http.Handler
	admin   http.Handler
	cache   *cache.Cache
	logger  *slog.Logger
}

// New assembles a server from the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	m := metrics.New()

	c := cache.New(cache.Config{
		Capacity:        cfg.Cache.Capacity,
		TTL:             config.ParseDuration(cfg.Cache.TTL, time.Hour),
		CleanupInterval: config.ParseDuration(cfg.Cache.CleanupInterval, time.Minute),
		Metrics:         m,
	})

	pipe, err := pipeline.New(pipeline.Config{
		Path:   cfg.GraphQL.Path,
		Map:    cfg.GraphQL.Queries,
		Cache:  c,
		Logger: logger,
	})
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("building pipeline: %w", err)
	}

	executor, err := proxy.New(proxy.Config{
		Upstream: cfg.GraphQL.Upstream,
		Metrics:  m,
		Logger:   logger,
	})
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("building executor: %w", err)
	}

	var execute http.Handler = executor
	var co *coalesce.Coalescer
	if cfg.Coalesce.Enabled {
		co = coalesce.New(coalesce.Config{
			MaxWaiters: cfg.Coalesce.MaxWaiters,
			Timeout:    config.ParseDuration(cfg.Coalesce.Timeout, 30*time.Second),
			Logger:     logger,
		})
		execute = coalesce.Middleware(co, resolvedFingerprint)(execute)
	}
	return assemble(cfg, logger, m, c, pipe, execute, co)
}

// assemble mounts the routes and the ambient middleware chain.
func assemble(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics,
	c *cache.Cache, pipe *pipeline.Pipeline, execute http.Handler,
	co *coalesce.Coalescer) (*Server, error) {

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})
	mux.Handle(cfg.GraphQL.Path, pipe.Middleware()(execute))

	if cfg.Metrics.Enabled {
		mux.Handle(cfg.Metrics.Path, m.Handler())
	}
	// The admin API listens on its own address so operational access can
	// be firewalled separately from query traffic.
	var adminHandler http.Handler
	if cfg.Admin.Enabled {
		adm, err := admin.New(admin.Config{
			Users:     cfg.Admin.Users,
			Realm:     cfg.Admin.Realm,
			Cache:     c,
			Coalescer: co,
			Info: map[string]any{
				"listen":   cfg.Listen.Address,
				"path":     cfg.GraphQL.Path,
				"upstream": cfg.GraphQL.Upstream,
				"queries":  len(cfg.GraphQL.Queries),
				"cache": map[string]any{
					"capacity": cfg.Cache.Capacity,
					"ttl":      cfg.Cache.TTL,
				},
			},
			Logger: logger,
		})
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("building admin API: %w", err)
		}
		adminMux := http.NewServeMux()
		adminMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"status":"ok"}`))
		})
		adminMux.Handle("/admin/", adm.Routes())
		adminHandler = middleware.Chain(adminMux,
			middleware.Recovery(),
			middleware.AccessLog(logger),
		)
	}

	handler := middleware.Chain(mux,
		middleware.Recovery(),
		middleware.RequestID(),
		middleware.AccessLog(logger),
		m.Middleware(),
		middleware.ParseJSONBody(0),
	)

	return &Server{
		cfg:     cfg,
		handler: handler,
		admin:   adminHandler,
		cache:   c,
		logger:  logger,
	}, nil
}

// resolvedFingerprint keys coalescing by the persisted-query fingerprint.
// Requests that bypassed resolution are not coalesced.
func resolvedFingerprint(r *http.Request) (string, bool) {
	greq := pipeline.FromContext(r.Context())
	if greq == nil || greq.PersistHash == "" {
		return "", false
	}
	key, err := fingerprint.Compute(greq.PersistHash, greq.Variables)
	if err != nil {
		return "", false
	}
	return key, true
}

// Handler returns the fully assembled HTTP handler for the main listener.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// AdminHandler returns the admin listener's handler, or nil when the admin
// API is disabled.
func (s *Server) AdminHandler() http.Handler {
	return s.admin
}

// Close releases server resources.
func (s *Server) Close() {
	s.cache.Close()
}

// ListenAndServe runs the server until ctx is canceled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	handler := s.handler
	if s.cfg.Listen.H2C {
		handler = h2c.NewHandler(handler, &http2.Server{})
	}

	srv := &http.Server{
		Addr:              s.cfg.Listen.Address,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	servers := []*http.Server{srv}

	errCh := make(chan error, 2)
	go func() {
		s.logger.Info("gateway listening",
			"address", s.cfg.Listen.Address,
			"path", s.cfg.GraphQL.Path,
			"queries", len(s.cfg.GraphQL.Queries),
			"h2c", s.cfg.Listen.H2C,
		)
		errCh <- srv.ListenAndServe()
	}()

	if s.admin != nil {
		adminSrv := &http.Server{
			Addr:              s.cfg.Admin.Address,
			Handler:           s.admin,
			ReadHeaderTimeout: 10 * time.Second,
		}
		servers = append(servers, adminSrv)
		go func() {
			s.logger.Info("admin API listening", "address", s.cfg.Admin.Address)
			errCh <- adminSrv.ListenAndServe()
		}()
	}

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, server := range servers {
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutting down: %w", err)
		}
	}
	s.logger.Info("gateway stopped")
	return nil
}

// Run loads the configuration and serves until ctx is canceled.
func Run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := newLogger(cfg.Log.Level)
	slog.SetDefault(logger)

	srv, err := New(cfg, logger)
	if err != nil {
		return err
	}
	defer srv.Close()

	if err := srv.ListenAndServe(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// newLogger builds the JSON logger at the configured level.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
