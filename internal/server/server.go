// Package server exposes the HTTP surface: the webhook receiver, the
// deployment API, admin endpoints, and metrics.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/EnvZilla/envzilla/internal/config"
	"github.com/EnvZilla/envzilla/internal/crypto"
	"github.com/EnvZilla/envzilla/internal/forge"
	"github.com/EnvZilla/envzilla/internal/health"
	"github.com/EnvZilla/envzilla/internal/queue"
	"github.com/EnvZilla/envzilla/internal/store"
)

// Server wires the HTTP handlers to their backing components.
type Server struct {
	cfg     *config.Config
	store   *store.Store
	queue   *queue.Queue
	forge   forge.Forge
	cipher  *crypto.Cipher
	checker *health.Checker
	sweeper *health.Sweeper
	log     *slog.Logger

	httpServer *http.Server
}

// New builds a server around its dependencies.
func New(cfg *config.Config, st *store.Store, q *queue.Queue, fg forge.Forge, cipher *crypto.Cipher, checker *health.Checker, sweeper *health.Sweeper, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		cfg:     cfg,
		store:   st,
		queue:   q,
		forge:   fg,
		cipher:  cipher,
		checker: checker,
		sweeper: sweeper,
		log:     log,
	}
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Router assembles the route table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	if s.cfg.TrustProxy {
		r.Use(middleware.RealIP)
	}
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)
	if s.cfg.RateLimitMax > 0 {
		r.Use(middleware.Throttle(s.cfg.RateLimitMax))
	}

	origins := []string{"*"}
	if s.cfg.CORSOrigin != "" {
		origins = []string{s.cfg.CORSOrigin}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Post("/webhooks/github", s.handleWebhook)
	r.Get("/health", s.handleHealth)
	r.Get("/deployments", s.handleListDeployments)
	r.Get("/deployments/{pr}", s.handleGetDeployment)
	r.Delete("/deployments/{pr}", s.handleDeleteDeployment)

	r.Route("/admin", func(r chi.Router) {
		r.Post("/cleanup", s.handleCleanup)
		r.Get("/queue/stats", s.handleQueueStats)
		r.Get("/jobs/{id}", s.handleGetJob)
	})

	r.Handle("/metrics", promhttp.Handler())
	return r
}

// Start serves HTTP until ListenAndServe returns.
func (s *Server) Start() error {
	s.log.Info("http server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start).Round(time.Millisecond),
			"remote", r.RemoteAddr,
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
