package api

import (
	"log/slog"

	"github.com/go-chi/chi/v5"

	"github.com/iammorganparry/clive/apps/buildroom/internal/agents"
	"github.com/iammorganparry/clive/apps/buildroom/internal/build"
	"github.com/iammorganparry/clive/apps/buildroom/internal/models"
	"github.com/iammorganparry/clive/apps/buildroom/internal/store"
)

// RouterConfig carries the settings the HTTP surface reports or enforces.
type RouterConfig struct {
	Version        string
	APIKey         string
	CORSOrigins    []string
	Limits         models.LimitsReport
	ArchiveEnabled bool
}

// NewRouter creates the Chi router with all routes and middleware. archive
// may be nil, in which case the /api/builds routes are not mounted.
func NewRouter(
	registry *build.Registry,
	completer agents.Completer,
	suggestH *SuggestHandler,
	archive *store.BuildStore,
	cfg RouterConfig,
	logger *slog.Logger,
) *chi.Mux {
	r := chi.NewRouter()
	cfg.ArchiveEnabled = archive != nil

	// Global middleware (runs on ALL routes including /ws)
	r.Use(CORS(cfg.CORSOrigins))
	r.Use(RequestID)
	r.Use(Logger(logger))
	r.Use(Recovery(logger))

	// Handlers
	healthH := NewHealthHandler(registry, completer, cfg)
	downloadH := NewDownloadHandler(logger)

	// Unauthenticated routes
	r.Get("/api/health", healthH.Health)
	r.Handle("/ws", NewWSHandler(registry, cfg.CORSOrigins, logger))

	// Authenticated routes
	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(cfg.APIKey))

		r.Post("/api/suggest-config", suggestH.Suggest)
		r.Post("/api/download", downloadH.Download)

		if archive != nil {
			buildsH := NewBuildsHandler(archive)
			r.Route("/api/builds", func(r chi.Router) {
				r.Get("/", buildsH.List)
				r.Get("/{id}", buildsH.Get)
				r.Delete("/{id}", buildsH.Delete)
			})
		}
	})

	return r
}
