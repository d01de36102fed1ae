package services

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/camden-git/imageoptimizer/cache"
	"github.com/camden-git/imageoptimizer/config"
	"github.com/camden-git/imageoptimizer/media"
	"github.com/camden-git/imageoptimizer/models"
	"github.com/camden-git/imageoptimizer/realtime"
	"github.com/camden-git/imageoptimizer/repository"
)

var ErrInvalidMetadata = errors.New("attachment metadata has no file")

// Dispatch modes.
const (
	ModeBackground = "background"
	ModeParallel   = "parallel"
	ModeSequential = "sequential"
)

// MarkerKey is the cache key flagging an attachment as being optimized.
func MarkerKey(id uint) string {
	return "optimizing:" + strconv.FormatUint(uint64(id), 10)
}

// MetaKey is the cache key holding the metadata written by the last
// background run for an attachment.
func MetaKey(id uint) string {
	return "attachment_meta:" + strconv.FormatUint(uint64(id), 10)
}

// Variant is one file of an attachment: the full size or a resize.
type Variant struct {
	Name   string `json:"name"`
	Path   string `json:"path"` // absolute
	Width  int    `json:"width,omitempty"`
	Height int    `json:"height,omitempty"`
}

// AttachmentJob is everything needed to optimize one upload.
type AttachmentJob struct {
	AttachmentID uint                      `json:"attachment_id"`
	Gallery      string                    `json:"gallery"`
	Full         Variant                   `json:"full"`
	Variants     []Variant                 `json:"variants"`
	Settings     config.Settings           `json:"settings"`
	Meta         models.AttachmentMetadata `json:"meta"`
}

// DispatchResult reports what happened to every unit of a job.
type DispatchResult struct {
	Mode       string
	Full       *Result
	FullErr    error
	Results    map[string]*Result // by resize name
	Failures   map[string]error
	Processing bool
	Queued     bool
}

// Dispatcher drives an AttachmentJob through one of the dispatch modes.
type Dispatcher interface {
	Dispatch(ctx context.Context, job AttachmentJob) (*DispatchResult, error)
}

// AttachmentStatus is the UI view of one attachment.
type AttachmentStatus struct {
	AttachmentID uint                       `json:"attachment_id"`
	Optimizing   bool                       `json:"optimizing"`
	Records      []models.ImageRecord       `json:"records"`
	LastMeta     *models.AttachmentMetadata `json:"last_meta,omitempty"`
}

// AttachmentService handles whole uploads: dispatching every variant,
// rewriting metadata after conversions, offloading and deletion.
type AttachmentService struct {
	optimizer  *OptimizerService
	dispatcher Dispatcher
	repo       repository.RecordRepositoryInterface
	cache      cache.Cache
	offload    Offloader // nil disables offloading
	uploadsDir string
	log        zerolog.Logger
}

func NewAttachmentService(
	optimizer *OptimizerService,
	dispatcher Dispatcher,
	repo repository.RecordRepositoryInterface,
	c cache.Cache,
	offload Offloader,
	uploadsDir string,
	log zerolog.Logger,
) *AttachmentService {
	return &AttachmentService{
		optimizer:  optimizer,
		dispatcher: dispatcher,
		repo:       repo,
		cache:      c,
		offload:    offload,
		uploadsDir: uploadsDir,
		log:        log,
	}
}

// BuildJob expands metadata into the variant list in declared size order.
// Resizes disabled in the settings and sizes sharing the full size's file are
// left out.
func (s *AttachmentService) BuildJob(id uint, meta models.AttachmentMetadata, settings config.Settings) (AttachmentJob, error) {
	if meta.File == "" {
		return AttachmentJob{}, ErrInvalidMetadata
	}
	full := filepath.Join(s.uploadsDir, filepath.FromSlash(meta.File))
	dir := filepath.Dir(full)

	job := AttachmentJob{
		AttachmentID: id,
		Gallery:      models.GalleryMedia,
		Full:         Variant{Name: models.ResizeFull, Path: full, Width: meta.Width, Height: meta.Height},
		Settings:     settings,
		Meta:         meta,
	}
	for _, name := range meta.SizeNames() {
		size := meta.Sizes[name]
		if size.File == "" || settings.SkipSize(name) {
			continue
		}
		p := filepath.Join(dir, filepath.Base(size.File))
		if p == full {
			continue
		}
		job.Variants = append(job.Variants, Variant{Name: name, Path: p, Width: size.Width, Height: size.Height})
	}
	return job, nil
}

// ProcessAttachment optimizes every variant of an upload and returns the
// metadata updated for conversions. Only a failure of the full size is
// returned as an error.
func (s *AttachmentService) ProcessAttachment(ctx context.Context, id uint, meta models.AttachmentMetadata, settings config.Settings) (models.AttachmentMetadata, error) {
	job, err := s.BuildJob(id, meta, settings)
	if err != nil {
		return meta, err
	}
	res, err := s.dispatcher.Dispatch(ctx, job)
	if err != nil {
		return meta, fmt.Errorf("failed to dispatch attachment %d: %w", id, err)
	}
	out := ApplyResults(meta, res, s.uploadsDir)

	if !res.Queued && res.FullErr == nil && s.offload != nil {
		if err := s.offload.Upload(ctx, offloadPaths(res)); err != nil {
			s.log.Warn().Err(err).Uint("attachment", id).Msg("attachments: offload failed")
		}
	}
	if res.FullErr != nil {
		return out, fmt.Errorf("failed to optimize attachment %d: %w", id, res.FullErr)
	}
	return out, nil
}

// ApplyResults rewrites file names in meta after conversions and flags an
// unfinished parallel run as processing.
func ApplyResults(meta models.AttachmentMetadata, res *DispatchResult, uploadsDir string) models.AttachmentMetadata {
	out := meta.Clone()
	if res == nil {
		return out
	}
	out.Processing = res.Processing || res.Queued
	if res.Full != nil && res.Full.Converted != "" {
		if rel := relTo(uploadsDir, res.Full.FinalPath); rel != "" {
			out.File = rel
		}
	}
	for name, r := range res.Results {
		size, ok := out.Sizes[name]
		if !ok || r == nil || r.FinalPath == "" {
			continue
		}
		size.File = filepath.Base(r.FinalPath)
		out.Sizes[name] = size
	}
	return out
}

func offloadPaths(res *DispatchResult) []string {
	var out []string
	add := func(r *Result) {
		if r == nil || r.FinalPath == "" {
			return
		}
		out = append(out, r.FinalPath)
		if w := media.WebPPath(r.FinalPath); media.FileSize(w) > 0 {
			out = append(out, w)
		}
	}
	add(res.Full)
	for _, r := range res.Results {
		add(r)
	}
	return out
}

// DeleteAttachment forgets every record of an attachment and removes the
// files the optimizer created for it: WebP derivatives, converted originals
// and offloaded copies.
func (s *AttachmentService) DeleteAttachment(ctx context.Context, id uint) (int, error) {
	records, err := s.repo.ListByAttachment(ctx, models.GalleryMedia, id)
	if err != nil {
		return 0, err
	}

	var remote []string
	for _, rec := range records {
		remote = append(remote, s.repo.AbsPath(rec))
		for _, p := range s.optimizer.derivatives(rec) {
			if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
				s.log.Warn().Err(err).Str("path", p).Msg("attachments: failed to remove derivative")
			}
			remote = append(remote, p)
		}
		if err := s.repo.Delete(ctx, rec.ID); err != nil {
			return 0, err
		}
	}

	if s.offload != nil && len(remote) > 0 {
		if err := s.offload.Remove(ctx, remote); err != nil {
			s.log.Warn().Err(err).Uint("attachment", id).Msg("attachments: failed to remove offloaded copies")
		}
	}
	for _, key := range []string{MarkerKey(id), MetaKey(id)} {
		if err := s.cache.Delete(ctx, key); err != nil {
			s.log.Warn().Err(err).Str("key", key).Msg("attachments: failed to clear cache key")
		}
	}
	s.optimizer.publish(realtime.Event{Type: realtime.EventDeleted, AttachmentID: id, Extra: map[string]interface{}{"records": len(records)}})
	return len(records), nil
}

// Status reports the records, the in-progress marker and the metadata of the
// last background run for an attachment.
func (s *AttachmentService) Status(ctx context.Context, id uint) (*AttachmentStatus, error) {
	records, err := s.repo.ListByAttachment(ctx, models.GalleryMedia, id)
	if err != nil {
		return nil, err
	}
	st := &AttachmentStatus{AttachmentID: id, Records: records}
	if _, ok, err := s.cache.Get(ctx, MarkerKey(id)); err == nil && ok {
		st.Optimizing = true
	}
	var meta models.AttachmentMetadata
	if ok, err := cache.GetJSON(ctx, s.cache, MetaKey(id), &meta); err == nil && ok {
		st.LastMeta = &meta
	}
	return st, nil
}
