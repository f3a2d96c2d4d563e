// Package httpserver wires the admin refund API: routing, middleware, and the
// JSON handlers over the quote/execution/estimate services.
package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/privnode/zelo-refund/internal/auth"
	"github.com/privnode/zelo-refund/internal/businessdb"
	"github.com/privnode/zelo-refund/internal/config"
	"github.com/privnode/zelo-refund/internal/estimate"
	"github.com/privnode/zelo-refund/internal/logger"
	"github.com/privnode/zelo-refund/internal/refund"
	"github.com/privnode/zelo-refund/internal/refundstore"
)

var serverStartTime = time.Now()

// Directory is the read-side business database surface the list/search
// handlers use. *businessdb.Repo is the production implementation.
type Directory interface {
	GetUser(ctx context.Context, id int64) (businessdb.User, error)
	SearchUsers(ctx context.Context, q string, limit int) ([]businessdb.User, error)
	ListTopUps(ctx context.Context, f businessdb.TopUpFilter) ([]businessdb.TopUp, error)
	GetTopUpByTradeNo(ctx context.Context, tradeNo string) (businessdb.TopUpWithUser, error)
}

// Server wires handlers, middleware, and dependencies.
type Server struct {
	handlers
	httpServer *http.Server
}

type handlers struct {
	cfg       *config.Config
	directory Directory
	store     refundstore.Store
	quotes    *refund.QuoteService
	engine    *refund.Engine
	estimator *estimate.Job
	logger    zerolog.Logger
}

// New builds the HTTP server with configured router.
func New(cfg *config.Config, directory Directory, store refundstore.Store, quotes *refund.QuoteService, engine *refund.Engine, estimator *estimate.Job, appLogger zerolog.Logger) *Server {
	router := chi.NewRouter()

	h := handlers{
		cfg:       cfg,
		directory: directory,
		store:     store,
		quotes:    quotes,
		engine:    engine,
		estimator: estimator,
		logger:    appLogger,
	}

	s := &Server{
		handlers: h,
		httpServer: &http.Server{
			Addr:         cfg.Server.Address,
			ReadTimeout:  cfg.Server.ReadTimeout.Duration,
			WriteTimeout: cfg.Server.WriteTimeout.Duration,
			IdleTimeout:  cfg.Server.IdleTimeout.Duration,
			Handler:      router,
		},
	}

	configureRouter(router, cfg, h, appLogger)
	return s
}

func configureRouter(router chi.Router, cfg *config.Config, h handlers, appLogger zerolog.Logger) {
	if len(cfg.Server.CORSAllowedOrigins) > 0 {
		router.Use(cors.New(cors.Options{
			AllowedOrigins:   cfg.Server.CORSAllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"*"},
			AllowCredentials: false,
			MaxAge:           300,
		}).Handler)
	}

	router.Use(logger.Middleware(appLogger))
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	if cfg.RateLimit.Enabled && cfg.RateLimit.RequestsPerMinute > 0 {
		router.Use(httprate.LimitByIP(cfg.RateLimit.RequestsPerMinute, time.Minute))
	}

	// Lightweight endpoints with a short timeout.
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(5 * time.Second))
		r.Get("/healthz", h.health)
		r.With(adminAuth(cfg)).Handle("/metrics", promhttp.Handler())
	})

	// Public redacted activity view: no auth, never cached.
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(10 * time.Second))
		r.Use(noStore)
		r.Get("/api/public/refunds/activity", h.publicActivityList)
		r.Get("/api/public/refunds/activity/{uuid}", h.publicActivityDetail)
	})

	// Admin API. Provider calls can take a while; the write timeout bounds us.
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))
		r.Use(adminAuth(cfg))

		r.Get("/api/topups", h.listTopUps)
		r.Get("/api/topups/{tradeNo}", h.getTopUp)
		r.Get("/api/users", h.searchUsers)
		r.Get("/api/users/{uid}/refund-quote", h.refundQuote)
		r.Post("/api/users/{uid}/refund", h.executeRefund)
		r.Get("/api/refunds", h.listRefunds)
		r.Get("/api/refunds/{uuid}", h.getRefund)
		r.Get("/api/refund-estimate", h.estimateState)
		r.Post("/api/refund-estimate/recompute", h.estimateRecompute)
		r.Post("/api/refund-estimate/users", h.estimateUsers)
		r.Post("/api/refund", h.singleTopUpRefund)
	})
}

func adminAuth(cfg *config.Config) func(http.Handler) http.Handler {
	return auth.Middleware(auth.Config{
		AdminAPIKey: cfg.Auth.AdminAPIKey,
		JWTSecret:   cfg.Auth.JWTSecret,
		AdminEmails: cfg.Auth.AdminEmails,
	})
}

func noStore(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

// Start begins serving; it blocks until the listener fails or closes.
func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
