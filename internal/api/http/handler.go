package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"log/slog"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/nxmd/nxmd/internal/domain"
	"github.com/nxmd/nxmd/internal/installer"
	"github.com/nxmd/nxmd/internal/nxm"
	"github.com/nxmd/nxmd/internal/reconciler"
	"github.com/nxmd/nxmd/internal/registry"
)

// QueueServiceI defines the interface for download queue operations.
type QueueServiceI interface {
	Enqueue(req nxm.Request, modName string) uuid.UUID
	Get(id uuid.UUID) (domain.DownloadTask, bool)
	List() []domain.DownloadTask
	Cancel(id uuid.UUID) error
	Pause(id uuid.UUID) error
	Resume(id uuid.UUID) error
	Retry(id uuid.UUID) error
	ClearCompleted()
}

// RegistryServiceI defines the interface for reading installed mods.
type RegistryServiceI interface {
	List() []*domain.Mod
	Get(id uuid.UUID) (*domain.Mod, bool)
	MembersOf(groupID uuid.UUID) []*domain.Mod
}

// OperatorServiceI defines the interface for atomic mod and group operations.
type OperatorServiceI interface {
	ApplyToMod(modID uuid.UUID, op registry.Operation, opts registry.OperatorOptions) error
	ApplyToGroup(groupID uuid.UUID, op registry.Operation, opts registry.OperatorOptions) error
}

// InstallServiceI defines the interface for installing downloaded archives.
type InstallServiceI interface {
	InstallArchive(ctx context.Context, archivePath string, opts installer.Options) ([]*domain.Mod, error)
}

// ReconcilerServiceI defines the interface for applying external filesystem
// changes to the registry.
type ReconcilerServiceI interface {
	Apply(ev reconciler.FsEvent)
}

// Handler handles HTTP requests for the daemon's control API.
type Handler struct {
	queue      QueueServiceI
	registry   RegistryServiceI
	operator   OperatorServiceI
	installer  InstallServiceI
	reconciler ReconcilerServiceI
	validator  *validator.Validate
	logger     *slog.Logger
}

// NewHandler creates a Handler over the given services.
func NewHandler(queue QueueServiceI, reg RegistryServiceI, operator OperatorServiceI, inst InstallServiceI, rec ReconcilerServiceI, logger *slog.Logger) *Handler {
	return &Handler{
		queue:      queue,
		registry:   reg,
		operator:   operator,
		installer:  inst,
		reconciler: rec,
		validator:  validator.New(),
		logger:     logger,
	}
}

// NxmRequest is the body of POST /nxm.
type NxmRequest struct {
	URL     string `json:"url" validate:"required"`
	ModName string `json:"mod_name,omitempty"`
}

// HandleNxm accepts an nxm:// URL, validates it and enqueues the download.
func (h *Handler) HandleNxm(w http.ResponseWriter, r *http.Request) {
	var body NxmRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.logger.Error("failed to decode request", "error", err)
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.validator.Struct(body); err != nil {
		h.logger.Warn("validation failed", "error", err)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	req, err := nxm.Parse(body.URL)
	if err != nil {
		h.logger.Warn("rejected protocol url", "url", body.URL, "error", err)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if req.IsExpired(time.Now()) {
		writeError(w, http.StatusGone, "download link expired, request a fresh one from the site")
		return
	}

	id := h.queue.Enqueue(req, body.ModName)

	h.logger.Info("accepted protocol url", "download_id", id, "mod_id", req.ModID, "file_id", req.FileID)
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"download_id": id,
	})
}

// ListDownloads handles GET /downloads.
func (h *Handler) ListDownloads(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.queue.List())
}

// GetDownload handles GET /downloads/{downloadID}.
func (h *Handler) GetDownload(w http.ResponseWriter, r *http.Request) {
	id, ok := h.downloadID(w, r)
	if !ok {
		return
	}

	task, ok := h.queue.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "download not found")
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// DownloadAction handles the cancel/pause/resume/retry subresources.
func (h *Handler) DownloadAction(action string, fn func(uuid.UUID) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := h.downloadID(w, r)
		if !ok {
			return
		}
		if _, ok := h.queue.Get(id); !ok {
			writeError(w, http.StatusNotFound, "download not found")
			return
		}

		if err := fn(id); err != nil {
			h.logger.Warn("download action rejected", "action", action, "download_id", id, "error", err)
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// ClearDownloads handles DELETE /downloads/completed.
func (h *Handler) ClearDownloads(w http.ResponseWriter, r *http.Request) {
	h.queue.ClearCompleted()
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// InstallRequest is the optional body of POST /downloads/{downloadID}/install.
type InstallRequest struct {
	ConfirmedReinstall bool `json:"confirmed_reinstall"`
}

// InstallDownload installs a completed download's archive. It is the explicit
// path used when auto-install is off or a reinstall needs confirmation.
func (h *Handler) InstallDownload(w http.ResponseWriter, r *http.Request) {
	id, ok := h.downloadID(w, r)
	if !ok {
		return
	}

	task, ok := h.queue.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "download not found")
		return
	}
	if task.Status != domain.StatusCompleted {
		writeError(w, http.StatusConflict, "download has not completed")
		return
	}

	var body InstallRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	mods, err := h.installer.InstallArchive(r.Context(), task.FilePath, installer.Options{
		Source:             domain.SourceNexus,
		OriginDownloadID:   &task.ID,
		NexusModID:         task.Request.ModID,
		NexusFileID:        task.Request.FileID,
		ModName:            task.ModName,
		ConfirmedReinstall: body.ConfirmedReinstall,
	})
	if err != nil {
		h.writeInstallError(w, task.ID, err)
		return
	}

	writeJSON(w, http.StatusOK, mods)
}

func (h *Handler) writeInstallError(w http.ResponseWriter, id uuid.UUID, err error) {
	switch {
	case errors.Is(err, installer.ErrReinstallRequired):
		writeJSON(w, http.StatusConflict, map[string]interface{}{
			"error":                 err.Error(),
			"confirmation_required": true,
		})
	case errors.Is(err, installer.ErrAutoInstallDisabled):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, installer.ErrDiskFull):
		writeError(w, http.StatusInsufficientStorage, err.Error())
	default:
		h.logger.Error("install failed", "download_id", id, "error", err)
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	}
}

// FsEventRequest is the body of POST /fs-events, one normalized change from
// the external filesystem watcher.
type FsEventRequest struct {
	Kind    string `json:"kind" validate:"required,oneof=added removed renamed"`
	Path    string `json:"path" validate:"required"`
	NewPath string `json:"new_path,omitempty" validate:"required_if=Kind renamed"`
}

// HandleFsEvent applies a watcher notification to the registry.
func (h *Handler) HandleFsEvent(w http.ResponseWriter, r *http.Request) {
	var body FsEventRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validator.Struct(body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	h.reconciler.Apply(reconciler.FsEvent{
		Kind:    reconciler.Kind(body.Kind),
		Path:    body.Path,
		NewPath: body.NewPath,
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ListMods handles GET /mods.
func (h *Handler) ListMods(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.registry.List())
}

// GetMod handles GET /mods/{modID}.
func (h *Handler) GetMod(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "modID")
	if !ok {
		return
	}

	mod, ok := h.registry.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "mod not found")
		return
	}
	writeJSON(w, http.StatusOK, mod)
}

// ModAction applies enable/disable/delete to one mod.
func (h *Handler) ModAction(op registry.Operation) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := h.pathID(w, r, "modID")
		if !ok {
			return
		}
		if _, ok := h.registry.Get(id); !ok {
			writeError(w, http.StatusNotFound, "mod not found")
			return
		}

		err := h.operator.ApplyToMod(id, op, registry.OperatorOptions{
			ConfirmPermanentDelete: r.URL.Query().Get("confirm_permanent") == "true",
		})
		if err != nil {
			h.writeOpError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// GroupMembers handles GET /groups/{groupID}.
func (h *Handler) GroupMembers(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "groupID")
	if !ok {
		return
	}

	members := h.registry.MembersOf(id)
	if len(members) == 0 {
		writeError(w, http.StatusNotFound, "group not found")
		return
	}
	writeJSON(w, http.StatusOK, members)
}

// GroupAction applies enable/disable/delete atomically to a whole group.
func (h *Handler) GroupAction(op registry.Operation) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := h.pathID(w, r, "groupID")
		if !ok {
			return
		}
		if len(h.registry.MembersOf(id)) == 0 {
			writeError(w, http.StatusNotFound, "group not found")
			return
		}

		err := h.operator.ApplyToGroup(id, op, registry.OperatorOptions{
			ConfirmPermanentDelete: r.URL.Query().Get("confirm_permanent") == "true",
		})
		if err != nil {
			h.writeOpError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func (h *Handler) writeOpError(w http.ResponseWriter, err error) {
	var opErr *registry.OpError
	if errors.As(err, &opErr) {
		writeJSON(w, http.StatusConflict, map[string]interface{}{
			"error":    opErr.Error(),
			"phase":    opErr.Phase,
			"failures": opErr.Failures,
		})
		return
	}
	h.logger.Error("operation failed", "error", err)
	writeError(w, http.StatusInternalServerError, "internal server error")
}

func (h *Handler) downloadID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	return h.pathID(w, r, "downloadID")
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid "+param)
		return uuid.UUID{}, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}
