package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/hlog"

	"github.com/camden-git/imageoptimizer/config"
	"github.com/camden-git/imageoptimizer/models"
	"github.com/camden-git/imageoptimizer/services"
	"github.com/camden-git/imageoptimizer/workers"
)

var errOutsideUploads = errors.New("path outside uploads directory")

// FileOptimizer is the subset of services.OptimizerService used over HTTP.
type FileOptimizer interface {
	Optimize(ctx context.Context, path string, opts services.OptimizeOptions) (*services.Result, error)
	Current(ctx context.Context, path string) (*models.ImageRecord, bool)
	Restore(ctx context.Context, path string, settings config.Settings) (*models.ImageRecord, error)
}

// JobQueuer accepts asynchronous single-file jobs.
type JobQueuer interface {
	QueueJob(job workers.OptimizeJob) error
}

type OptimizeHandler struct {
	Optimizer  FileOptimizer
	Pool       JobQueuer
	Settings   config.SettingsSource
	UploadsDir string
}

type optimizeRequest struct {
	Path  string `json:"path"`
	Force bool   `json:"force"`
	Async bool   `json:"async"`
}

// resolveUploadPath turns a request path (relative to the uploads directory
// or absolute) into an absolute path that must stay inside it.
func resolveUploadPath(uploadsDir, p string) (string, error) {
	p = strings.TrimSpace(p)
	if p == "" {
		return "", errOutsideUploads
	}
	abs := filepath.FromSlash(p)
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(uploadsDir, abs)
	}
	abs = filepath.Clean(abs)
	rel, err := filepath.Rel(uploadsDir, abs)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", errOutsideUploads
	}
	return abs, nil
}

func decodePathRequest(w http.ResponseWriter, r *http.Request, uploadsDir string) (optimizeRequest, string, bool) {
	var req optimizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteAPIError(w, http.StatusBadRequest, "invalid_body", "Invalid request body")
		return req, "", false
	}
	abs, err := resolveUploadPath(uploadsDir, req.Path)
	if err != nil {
		WriteAPIError(w, http.StatusBadRequest, "invalid_path", "Path must point inside the uploads directory")
		return req, "", false
	}
	return req, abs, true
}

// Optimize handles POST /api/optimize for a single file outside any
// attachment. Without force a file that already matches its record is
// reported as is.
func (h *OptimizeHandler) Optimize(w http.ResponseWriter, r *http.Request) {
	req, abs, ok := decodePathRequest(w, r, h.UploadsDir)
	if !ok {
		return
	}

	if !req.Force {
		if rec, ok := h.Optimizer.Current(r.Context(), abs); ok {
			writeJSON(w, http.StatusOK, map[string]interface{}{"skipped": true, "record": rec})
			return
		}
	}

	opts := services.OptimizeOptions{
		Settings: h.Settings.Current(),
		Gallery:  models.GalleryMedia,
		Resize:   models.ResizeFull,
	}

	if req.Async {
		if h.Pool == nil {
			WriteAPIError(w, http.StatusServiceUnavailable, "queue_unavailable", "Asynchronous optimization is not enabled")
			return
		}
		logger := hlog.FromRequest(r).With().Str("path", abs).Logger()
		job := workers.OptimizeJob{
			Unit: models.ResizeFull,
			Path: abs,
			Opts: opts,
			Ctx:  logger.WithContext(context.Background()),
		}
		if err := h.Pool.QueueJob(job); err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]interface{}{"queued": true, "path": abs})
		return
	}

	res, err := h.Optimizer.Optimize(r.Context(), abs, opts)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Restore handles POST /api/restore.
func (h *OptimizeHandler) Restore(w http.ResponseWriter, r *http.Request) {
	_, abs, ok := decodePathRequest(w, r, h.UploadsDir)
	if !ok {
		return
	}
	rec, err := h.Optimizer.Restore(r.Context(), abs, h.Settings.Current())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"restored": true, "record": rec})
}
