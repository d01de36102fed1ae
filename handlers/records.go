package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog/hlog"

	"github.com/camden-git/imageoptimizer/cloud"
	"github.com/camden-git/imageoptimizer/config"
	"github.com/camden-git/imageoptimizer/media"
	"github.com/camden-git/imageoptimizer/models"
)

// RecordReader is the read side of the record store.
type RecordReader interface {
	FindByPath(ctx context.Context, absPath string) (*models.ImageRecord, error)
	SavingsTotals(ctx context.Context) (models.SavingsTotals, error)
}

// ToolLister reports which local binaries were found.
type ToolLister interface {
	Status() []media.ToolStatus
}

// ScanStarter starts a background scan of a folder.
type ScanStarter interface {
	Start(ctx context.Context, folder string, settings config.Settings) error
}

// KeyVerifier checks a cloud API key.
type KeyVerifier interface {
	Verify(ctx context.Context, apiKey string) (cloud.Verification, error)
}

type RecordHandler struct {
	Repo       RecordReader
	Tools      ToolLister
	Scanner    ScanStarter
	Verifier   KeyVerifier
	Settings   config.SettingsSource
	UploadsDir string

	// scans outlive the request
	BaseContext context.Context
}

// GetRecord handles GET /api/records?path=.
func (h *RecordHandler) GetRecord(w http.ResponseWriter, r *http.Request) {
	abs, err := resolveUploadPath(h.UploadsDir, r.URL.Query().Get("path"))
	if err != nil {
		WriteAPIError(w, http.StatusBadRequest, "invalid_path", "Path must point inside the uploads directory")
		return
	}
	rec, err := h.Repo.FindByPath(r.Context(), abs)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// Savings handles GET /api/savings.
func (h *RecordHandler) Savings(w http.ResponseWriter, r *http.Request) {
	totals, err := h.Repo.SavingsTotals(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, totals)
}

// ListTools handles GET /api/tools.
func (h *RecordHandler) ListTools(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"tools": h.Tools.Status()})
}

// Scan handles POST /api/scan. The scan runs in the background; a second
// request while one is running gets 409.
func (h *RecordHandler) Scan(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Folder string `json:"folder"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteAPIError(w, http.StatusBadRequest, "invalid_body", "Invalid request body")
		return
	}
	folder := h.UploadsDir
	if req.Folder != "" {
		abs, err := resolveUploadPath(h.UploadsDir, req.Folder)
		if err != nil {
			WriteAPIError(w, http.StatusBadRequest, "invalid_path", "Folder must be inside the uploads directory")
			return
		}
		folder = abs
	}

	base := h.BaseContext
	if base == nil {
		base = context.Background()
	}
	ctx := hlog.FromRequest(r).WithContext(base)
	if err := h.Scanner.Start(ctx, folder, h.Settings.Current()); err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"scanning": true, "folder": folder})
}

// VerifyKey handles POST /api/cloud/verify. The body may name the key to
// check, e.g. {"api_key":"..."}, before it is saved; an empty body checks the
// configured one.
func (h *RecordHandler) VerifyKey(w http.ResponseWriter, r *http.Request) {
	var req struct {
		APIKey string `json:"api_key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		WriteAPIError(w, http.StatusBadRequest, "invalid_body", "Invalid request body")
		return
	}
	key := strings.TrimSpace(req.APIKey)
	if key == "" {
		key = h.Settings.Current().APIKey
	}
	if key == "" {
		WriteAPIError(w, http.StatusBadRequest, "no_key", "No cloud API key configured")
		return
	}
	v, err := h.Verifier.Verify(r.Context(), key)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}
