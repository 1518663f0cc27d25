package handlers

import (
	"database/sql"
	"log/slog"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"

	"github.com/forageapi/forage/internal/auth"
	"github.com/forageapi/forage/internal/config"
	"github.com/forageapi/forage/internal/constants"
	"github.com/forageapi/forage/internal/http/mw"
	"github.com/forageapi/forage/internal/ratelimit"
	"github.com/forageapi/forage/internal/version"
)

// NewRouter assembles the full HTTP surface: global middleware, hidden
// probes, the public health endpoint, and the authenticated v1/v2 APIs.
func NewRouter(
	cfg *config.Config,
	h *Handler,
	chunks *auth.ChunkCache,
	limiter *ratelimit.Limiter,
	db *sql.DB,
	logger *slog.Logger,
) *chi.Mux {
	router := chi.NewRouter()

	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)
	router.Use(middleware.RequestSize(constants.MaxRequestBody))
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	// Coarse per-IP flood protection in front of the per-team windows.
	router.Use(httprate.LimitByIP(constants.GlobalIPRatePerMinute, time.Minute))

	// Probes bypass auth and stay out of the OpenAPI document.
	probeConfig := huma.DefaultConfig("Forage API", version.Get().Version)
	probeConfig.DocsPath = ""
	probeConfig.OpenAPIPath = ""
	probeConfig.SchemasPath = ""
	RegisterProbes(humachi.New(router, probeConfig), db)

	publicConfig := huma.DefaultConfig("Forage API", version.Get().Version)
	RegisterPublic(humachi.New(router, publicConfig))

	protectedConfig := huma.DefaultConfig("Forage API", version.Get().Version)
	protectedConfig.DocsPath = ""
	protectedConfig.OpenAPIPath = ""
	protectedConfig.SchemasPath = ""
	router.Group(func(r chi.Router) {
		r.Use(mw.Auth(chunks, cfg.PreviewEnabled, cfg.AuthDisabled, logger))
		r.Use(mw.RateLimit(limiter, logger))
		api := humachi.New(r, protectedConfig)
		Register(api, h, 1)
		Register(api, h, 2)
	})

	return router
}
