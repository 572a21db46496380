package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/iammorganparry/clive/apps/buildroom/internal/models"
	"github.com/iammorganparry/clive/apps/buildroom/internal/store"
)

type BuildsHandler struct {
	archive *store.BuildStore
}

func NewBuildsHandler(archive *store.BuildStore) *BuildsHandler {
	return &BuildsHandler{archive: archive}
}

// List handles GET /api/builds
func (h *BuildsHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	builds, err := h.archive.ListBuilds(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, models.ArchiveListResponse{Builds: builds, Count: len(builds)})
}

// Get handles GET /api/builds/{id}
func (h *BuildsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	b, err := h.archive.GetBuild(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if b == nil {
		writeError(w, http.StatusNotFound, "build not found")
		return
	}

	writeJSON(w, http.StatusOK, b)
}

// Delete handles DELETE /api/builds/{id}
func (h *BuildsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	ok, err := h.archive.DeleteBuild(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "build not found")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
