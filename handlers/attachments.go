package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/camden-git/imageoptimizer/config"
	"github.com/camden-git/imageoptimizer/models"
	"github.com/camden-git/imageoptimizer/services"
)

type AttachmentManager interface {
	ProcessAttachment(ctx context.Context, id uint, meta models.AttachmentMetadata, settings config.Settings) (models.AttachmentMetadata, error)
	DeleteAttachment(ctx context.Context, id uint) (int, error)
	Status(ctx context.Context, id uint) (*services.AttachmentStatus, error)
}

type AttachmentHandler struct {
	Attachments AttachmentManager
	Settings    config.SettingsSource
}

func attachmentID(w http.ResponseWriter, r *http.Request) (uint, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "attachment_id"), 10, 32)
	if err != nil || id == 0 {
		WriteAPIError(w, http.StatusBadRequest, "invalid_id", "Invalid attachment ID")
		return 0, false
	}
	return uint(id), true
}

// Process handles POST /api/attachments/{attachment_id}/process. The body is
// the attachment metadata; the response carries it back with file names
// updated for conversions.
func (h *AttachmentHandler) Process(w http.ResponseWriter, r *http.Request) {
	id, ok := attachmentID(w, r)
	if !ok {
		return
	}
	var meta models.AttachmentMetadata
	if err := json.NewDecoder(r.Body).Decode(&meta); err != nil {
		WriteAPIError(w, http.StatusBadRequest, "invalid_body", "Invalid attachment metadata")
		return
	}

	out, err := h.Attachments.ProcessAttachment(r.Context(), id, meta, h.Settings.Current())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// Delete handles DELETE /api/attachments/{attachment_id}.
func (h *AttachmentHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := attachmentID(w, r)
	if !ok {
		return
	}
	n, err := h.Attachments.DeleteAttachment(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"deleted": n})
}

// Status handles GET /api/attachments/{attachment_id}.
func (h *AttachmentHandler) Status(w http.ResponseWriter, r *http.Request) {
	id, ok := attachmentID(w, r)
	if !ok {
		return
	}
	st, err := h.Attachments.Status(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}
