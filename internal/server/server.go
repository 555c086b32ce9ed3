// Package server assembles the HTTP surface of the engine.
package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"mancanexus/internal/catalog"
	"mancanexus/internal/lifecycle"
	"mancanexus/internal/membership"
	"mancanexus/internal/store"
)

// Deps are the services the router exposes.
type Deps struct {
	Lifecycle lifecycle.Service
	Store     store.Store
	Logger    *zap.Logger
	// Limiter is optional; nil disables rate limiting.
	Limiter *rate.Limiter
}

// NewRouter mounts the lifecycle, catalog and membership endpoints.
func NewRouter(d Deps) http.Handler {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if d.Limiter != nil {
		r.Use(lifecycle.RateLimit(d.Limiter))
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	lifecycle.NewHandler(d.Lifecycle, logger.Named("http")).Routes(r)
	catalog.NewHandler(catalog.NewService(d.Store, logger.Named("catalog"))).Routes(r)
	membership.NewHandler(membership.NewService(store.MemberRepository(d.Store), logger.Named("membership"))).Routes(r)
	return r
}
