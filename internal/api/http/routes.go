package http

import (
	"net/http"

	"log/slog"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nxmd/nxmd/internal/registry"
)

// NewRouter creates the daemon's control API router with configured routes,
// middleware, and handlers. The daemon binds to loopback only; this router
// carries no authentication of its own.
func NewRouter(queue QueueServiceI, reg RegistryServiceI, operator OperatorServiceI, inst InstallServiceI, rec ReconcilerServiceI, logger *slog.Logger) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Logger)

	h := NewHandler(queue, reg, operator, inst, rec, logger)

	r.Post("/nxm", h.HandleNxm)
	r.Post("/fs-events", h.HandleFsEvent)

	r.Route("/downloads", func(r chi.Router) {
		r.Get("/", h.ListDownloads)
		r.Delete("/completed", h.ClearDownloads)
		r.Get("/{downloadID}", h.GetDownload)
		r.Post("/{downloadID}/cancel", h.DownloadAction("cancel", queue.Cancel))
		r.Post("/{downloadID}/pause", h.DownloadAction("pause", queue.Pause))
		r.Post("/{downloadID}/resume", h.DownloadAction("resume", queue.Resume))
		r.Post("/{downloadID}/retry", h.DownloadAction("retry", queue.Retry))
		r.Post("/{downloadID}/install", h.InstallDownload)
	})

	r.Route("/mods", func(r chi.Router) {
		r.Get("/", h.ListMods)
		r.Get("/{modID}", h.GetMod)
		r.Post("/{modID}/enable", h.ModAction(registry.OpEnable))
		r.Post("/{modID}/disable", h.ModAction(registry.OpDisable))
		r.Delete("/{modID}", h.ModAction(registry.OpDelete))
	})

	r.Route("/groups", func(r chi.Router) {
		r.Get("/{groupID}", h.GroupMembers)
		r.Post("/{groupID}/enable", h.GroupAction(registry.OpEnable))
		r.Post("/{groupID}/disable", h.GroupAction(registry.OpDisable))
		r.Delete("/{groupID}", h.GroupAction(registry.OpDelete))
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Handle("/metrics", promhttp.Handler())

	return r
}
