package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/hlog"

	"github.com/camden-git/imageoptimizer/cloud"
	"github.com/camden-git/imageoptimizer/media"
	"github.com/camden-git/imageoptimizer/repository"
	"github.com/camden-git/imageoptimizer/services"
	"github.com/camden-git/imageoptimizer/workers"
)

// APIErrorDetail represents a single error in the standardized error response.
type APIErrorDetail struct {
	Code   string `json:"code"`
	Status string `json:"status"`
	Detail string `json:"detail"`
}

// APIErrorResponse represents the standardized error response body.
type APIErrorResponse struct {
	Errors []APIErrorDetail `json:"errors"`
}

// WriteAPIError writes a standardized error response with the given HTTP status, code, and detail.
func WriteAPIError(w http.ResponseWriter, httpStatus int, code string, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)

	resp := APIErrorResponse{
		Errors: []APIErrorDetail{
			{
				Code:   code,
				Status: strconv.Itoa(httpStatus),
				Detail: detail,
			},
		},
	}

	_ = json.NewEncoder(w).Encode(resp)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// writeServiceError maps domain errors onto statuses and short messages;
// the full error only goes to the log.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := http.StatusInternalServerError, "internal_error"
	switch {
	case errors.Is(err, services.ErrFileNotFound), errors.Is(err, repository.ErrRecordNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, services.ErrUnsupportedType):
		status, code = http.StatusUnsupportedMediaType, "unsupported_type"
	case errors.Is(err, services.ErrInvalidMetadata):
		status, code = http.StatusBadRequest, "invalid_metadata"
	case errors.Is(err, services.ErrNoBackup):
		status, code = http.StatusNotFound, "no_backup"
	case errors.Is(err, cloud.ErrQuotaExceeded):
		status, code = http.StatusTooManyRequests, "license_exceeded"
	case errors.Is(err, cloud.ErrVerificationFailed), errors.Is(err, cloud.ErrUnsupportedResponse):
		status, code = http.StatusBadGateway, "cloud_error"
	case errors.Is(err, media.ErrToolMissing):
		status, code = http.StatusServiceUnavailable, "tool_missing"
	case errors.Is(err, workers.ErrScanRunning), errors.Is(err, workers.ErrAlreadyQueued):
		status, code = http.StatusConflict, "busy"
	case errors.Is(err, workers.ErrQueueFull):
		status, code = http.StatusServiceUnavailable, "queue_full"
	}
	if status >= http.StatusInternalServerError {
		hlog.FromRequest(r).Error().Err(err).Msg("handlers: request failed")
	} else {
		hlog.FromRequest(r).Debug().Err(err).Msg("handlers: request rejected")
	}
	WriteAPIError(w, status, code, detailFor(err))
}

func detailFor(err error) string {
	switch {
	case errors.Is(err, repository.ErrRecordNotFound):
		return "No optimization record"
	case errors.Is(err, services.ErrNoBackup):
		return "No backup available"
	case errors.Is(err, services.ErrInvalidMetadata):
		return "Attachment metadata has no file"
	case errors.Is(err, workers.ErrScanRunning):
		return "A scan is already running"
	case errors.Is(err, workers.ErrAlreadyQueued):
		return "Already queued"
	case errors.Is(err, workers.ErrQueueFull):
		return "Optimization queue is full"
	}
	return services.UserMessage(err)
}
