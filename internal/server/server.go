package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/sozercan/mmr-api/apimodels"
	"github.com/sozercan/mmr-api/internal/catalog"
	"github.com/sozercan/mmr-api/internal/config"
	"github.com/sozercan/mmr-api/internal/logger"
)

// Dispatcher answers a query with a canned response.
type Dispatcher interface {
	Dispatch(ctx context.Context, req apimodels.QueryRequest) (*apimodels.QueryResponse, error)
}

type Server struct {
	cfg        config.Config
	router     *chi.Mux
	server     *http.Server
	dispatcher Dispatcher
	catalog    *catalog.Catalog
	logger     logger.Logger
	now        func() time.Time
}

func New(cfg config.Config, dispatcher Dispatcher, c *catalog.Catalog, log logger.Logger) *Server {
	s := &Server{
		cfg:        cfg,
		router:     chi.NewRouter(),
		dispatcher: dispatcher,
		catalog:    c,
		logger:     log,
		now:        time.Now,
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      s.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(cors.New(cors.Options{
		AllowedOrigins: s.cfg.CORS.AllowedOrigins,
		AllowedMethods: s.cfg.CORS.AllowedMethods,
		AllowedHeaders: s.cfg.CORS.AllowedHeaders,
		ExposedHeaders: []string{requestIDHeader},
		MaxAge:         s.cfg.CORS.MaxAge,
	}).Handler)
	s.router.Use(requestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.recoverer)

	s.router.NotFound(s.handleNotFound)
	s.router.MethodNotAllowed(s.handleMethodNotAllowed)

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Post("/mmr/query", s.handleQuery)
		r.Get("/mmr/info", s.handleInfo)
	})

	if s.cfg.Metrics.Enabled {
		s.router.Handle(s.cfg.Metrics.Path, promhttp.Handler())
	}
}

// Handler exposes the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	serverErrors := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", map[string]interface{}{"address": s.server.Addr})
		serverErrors <- s.server.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server error: %w", err)

	case <-ctx.Done():
		s.logger.Info("starting shutdown", map[string]interface{}{"timeout": s.cfg.Server.ShutdownTimeout.String()})

		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown error: %w", err)
		}
	}

	s.logger.Info("server stopped", nil)
	return nil
}
