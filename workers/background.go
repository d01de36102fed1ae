package workers

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/camden-git/imageoptimizer/cache"
	"github.com/camden-git/imageoptimizer/cloud"
	"github.com/camden-git/imageoptimizer/config"
	"github.com/camden-git/imageoptimizer/models"
	"github.com/camden-git/imageoptimizer/queue"
	"github.com/camden-git/imageoptimizer/services"
)

const lastMetaTTL = 7 * 24 * time.Hour

// AttachmentProcessor is implemented by services.AttachmentService.
type AttachmentProcessor interface {
	ProcessAttachment(ctx context.Context, id uint, meta models.AttachmentMetadata, settings config.Settings) (models.AttachmentMetadata, error)
}

// BackgroundHandler executes queued attachments. The resulting metadata is
// left in the cache for the CMS to pick up and the in-progress marker is
// cleared.
type BackgroundHandler struct {
	attachments AttachmentProcessor
	cache       cache.Cache
	log         zerolog.Logger
}

func NewBackgroundHandler(attachments AttachmentProcessor, c cache.Cache, log zerolog.Logger) *BackgroundHandler {
	return &BackgroundHandler{attachments: attachments, cache: c, log: log}
}

// Handle returns an error only when the item should be redelivered: the
// cloud quota ran out before the full size was done.
func (h *BackgroundHandler) Handle(ctx context.Context, item queue.WorkItem) error {
	job := item.Job
	settings := job.Settings
	settings.BackgroundOptimization = false

	log := h.log.With().Str("item", item.ID).Uint("attachment", job.AttachmentID).Logger()
	ctx = log.WithContext(ctx)

	meta, err := h.attachments.ProcessAttachment(ctx, job.AttachmentID, job.Meta, settings)
	if err != nil && errors.Is(err, cloud.ErrQuotaExceeded) {
		return err
	}
	if err != nil {
		log.Error().Err(err).Msg("workers: background optimization failed")
	}

	if serr := cache.SetJSON(ctx, h.cache, services.MetaKey(job.AttachmentID), meta, lastMetaTTL); serr != nil {
		log.Warn().Err(serr).Msg("workers: failed to store background metadata")
	}
	if derr := h.cache.Delete(ctx, services.MarkerKey(job.AttachmentID)); derr != nil {
		log.Warn().Err(derr).Msg("workers: failed to clear in-progress marker")
	}
	log.Info().Bool("processing", meta.Processing).Msg("workers: background optimization finished")
	return nil
}

var _ queue.Handler = (*BackgroundHandler)(nil)
