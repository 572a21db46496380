package api

import (
	"archive/zip"
	"bytes"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/iammorganparry/clive/apps/buildroom/internal/models"
	"github.com/iammorganparry/clive/apps/buildroom/internal/vfs"
)

const bundleName = "buildroom-site.zip"

type DownloadHandler struct {
	logger *slog.Logger
}

func NewDownloadHandler(logger *slog.Logger) *DownloadHandler {
	return &DownloadHandler{logger: logger}
}

// Download handles POST /api/download
func (h *DownloadHandler) Download(w http.ResponseWriter, r *http.Request) {
	var req models.DownloadRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Files == nil {
		writeError(w, http.StatusBadRequest, "files are required")
		return
	}

	data, skipped, err := zipBundle(req.Files)
	if err != nil {
		h.logger.Error("bundle failed", "error", err)
		writeError(w, http.StatusInternalServerError, "download failed")
		return
	}
	if skipped > 0 {
		h.logger.Warn("skipped unsafe bundle paths", "count", skipped)
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", bundleName))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// zipBundle writes files into a zip archive. Unsafe or repeated paths are
// skipped and counted.
func zipBundle(files []models.DownloadFile) ([]byte, int, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	seen := make(map[string]bool, len(files))
	skipped := 0

	for _, f := range files {
		path, err := vfs.SanitizePath(f.Path)
		if err != nil || seen[path] {
			skipped++
			continue
		}
		seen[path] = true

		fw, err := zw.Create(path)
		if err != nil {
			return nil, 0, fmt.Errorf("add %s: %w", path, err)
		}
		if _, err := fw.Write([]byte(f.Content)); err != nil {
			return nil, 0, fmt.Errorf("write %s: %w", path, err)
		}
	}

	if err := zw.Close(); err != nil {
		return nil, 0, fmt.Errorf("finish archive: %w", err)
	}
	return buf.Bytes(), skipped, nil
}
