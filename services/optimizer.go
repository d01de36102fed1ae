package services

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/camden-git/imageoptimizer/cloud"
	"github.com/camden-git/imageoptimizer/config"
	"github.com/camden-git/imageoptimizer/media"
	"github.com/camden-git/imageoptimizer/metrics"
	"github.com/camden-git/imageoptimizer/models"
	"github.com/camden-git/imageoptimizer/paths"
	"github.com/camden-git/imageoptimizer/realtime"
	"github.com/camden-git/imageoptimizer/repository"
	"github.com/camden-git/imageoptimizer/routing"
)

var (
	ErrFileNotFound    = errors.New("file not found")
	ErrUnsupportedType = errors.New("unsupported file type")
	ErrNoBackup        = errors.New("no backup available")
)

// User-facing result messages.
const (
	MsgDisabled        = "Optimization disabled"
	MsgUnsupported     = "Unsupported file type"
	MsgLicenseExceeded = "License exceeded"
	MsgFailed          = "Optimization failed"
	MsgToolMissing     = "Optimization tool missing"
)

const (
	engineCloud = "cloud"
	engineNone  = "none"
)

// Compressor is the subset of the cloud client the optimizer calls.
type Compressor interface {
	QuotaExceeded(ctx context.Context, apiKey string) bool
	Compress(ctx context.Context, apiKey string, req cloud.CompressRequest) (*cloud.CompressResult, error)
	CompressWebP(ctx context.Context, apiKey, path string, p routing.Params) ([]byte, error)
	Rotate(ctx context.Context, apiKey, path, mime string, orientation int) ([]byte, error)
	Restore(ctx context.Context, apiKey, backupHash string) ([]byte, string, error)
}

// EventPublisher receives optimization events for connected UIs.
type EventPublisher interface {
	Broadcast(event realtime.Event)
}

// Offloader mirrors optimized files to a bucket/CDN.
type Offloader interface {
	Upload(ctx context.Context, absPaths []string) error
	Remove(ctx context.Context, absPaths []string) error
}

// OptimizeOptions carries the per-call context of one optimization.
type OptimizeOptions struct {
	Settings     config.Settings
	Gallery      string
	Resize       string // empty means the full size
	AttachmentID *uint
	// ConvertTo forces a conversion target on a resize whose full size was converted.
	ConvertTo string
}

func (o OptimizeOptions) full() bool {
	return o.Resize == "" || o.Resize == models.ResizeFull
}

func (o OptimizeOptions) resize() string {
	if o.Resize == "" {
		return models.ResizeFull
	}
	return o.Resize
}

// Result is the outcome of one file optimization.
type Result struct {
	FinalPath  string `json:"final_path"`
	Message    string `json:"message"`
	OrigSize   int64  `json:"orig_size"`
	NewSize    int64  `json:"new_size"`
	Converted  string `json:"converted,omitempty"` // path of the original before conversion
	BackupHash string `json:"backup_hash,omitempty"`
	Engine     string `json:"engine"`
	Skipped    bool   `json:"skipped,omitempty"`
}

// OptimizerService optimizes single files and records the outcome.
type OptimizerService struct {
	repo      repository.RecordRepositoryInterface
	paths     *paths.Normalizer
	cloud     Compressor
	tools     media.LocalOptimizer
	processor *media.Processor
	events    EventPublisher
	log       zerolog.Logger
}

func NewOptimizerService(
	repo repository.RecordRepositoryInterface,
	norm *paths.Normalizer,
	compressor Compressor,
	tools media.LocalOptimizer,
	processor *media.Processor,
	events EventPublisher,
	log zerolog.Logger,
) *OptimizerService {
	return &OptimizerService{
		repo:      repo,
		paths:     norm,
		cloud:     compressor,
		tools:     tools,
		processor: processor,
		events:    events,
		log:       log,
	}
}

// logger prefers the request-scoped debug logger when one is attached.
func (s *OptimizerService) logger(ctx context.Context) *zerolog.Logger {
	if l := zerolog.Ctx(ctx); l.GetLevel() != zerolog.Disabled {
		return l
	}
	return &s.log
}

func (s *OptimizerService) publish(e realtime.Event) {
	if s.events != nil {
		s.events.Broadcast(e)
	}
}

// UserMessage maps an optimization error onto the short text shown in the UI.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, cloud.ErrQuotaExceeded):
		return MsgLicenseExceeded
	case errors.Is(err, ErrUnsupportedType):
		return MsgUnsupported
	case errors.Is(err, ErrFileNotFound):
		return "File not found"
	case errors.Is(err, media.ErrToolMissing):
		return MsgToolMissing
	default:
		return MsgFailed
	}
}

// Optimize compresses the file at path in place, converting and adding a
// WebP derivative when the settings ask for it, then records the result.
// A result that is not smaller keeps the file untouched.
func (s *OptimizerService) Optimize(ctx context.Context, path string, opts OptimizeOptions) (res *Result, err error) {
	log := s.logger(ctx)
	start := time.Now()
	abs := s.paths.RealPath(path)

	defer func() {
		if err == nil && (res == nil || !res.Skipped) {
			return
		}
		// an attempt that did not write a record must not leave the row enqueued
		if cerr := s.repo.ClearPending(ctx, abs); cerr != nil {
			log.Warn().Err(cerr).Str("path", abs).Msg("optimizer: failed to clear pending flag")
		}
		if err != nil {
			s.publish(realtime.Event{Type: realtime.EventFailed, Path: abs, Resize: opts.Resize, Error: UserMessage(err)})
		}
	}()

	fi, statErr := os.Stat(abs)
	if statErr != nil || fi.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrFileNotFound, abs)
	}
	origSize := fi.Size()

	mime, err := media.DetectMime(abs)
	if err != nil {
		return nil, err
	}
	if !routing.Supported(mime) {
		return nil, fmt.Errorf("%w: %s is %s", ErrUnsupportedType, abs, mime)
	}

	settings := cloud.Downgrade(opts.Settings)
	p := routing.Route(mime, opts.full(), settings)
	if !opts.full() && opts.ConvertTo != "" && opts.ConvertTo != mime {
		p.Convert, p.ConvertTo = true, opts.ConvertTo
	}
	if !p.Enabled {
		log.Debug().Str("path", abs).Str("mime", mime).Msg("optimizer: level disabled, skipping")
		return &Result{FinalPath: abs, Message: MsgDisabled, OrigSize: origSize, NewSize: origSize, Engine: engineNone, Skipped: true}, nil
	}
	if !p.Cloud && !s.tools.Available(p.Tool) {
		// shown in the tools status panel, not reported as a failure
		log.Debug().Str("path", abs).Str("tool", p.Tool).Msg("optimizer: tool missing, skipping")
		metrics.Optimizations.WithLabelValues(p.Tool, "skipped").Inc()
		return &Result{FinalPath: abs, Message: MsgToolMissing, OrigSize: origSize, NewSize: origSize, Engine: engineNone, Skipped: true}, nil
	}
	if p.Cloud && s.cloud.QuotaExceeded(ctx, settings.APIKey) {
		return nil, fmt.Errorf("failed to optimize %s: %w", abs, cloud.ErrQuotaExceeded)
	}

	var existing *models.ImageRecord
	if rec, ferr := s.repo.FindByPath(ctx, abs); ferr == nil {
		existing = rec
	} else if !errors.Is(ferr, repository.ErrRecordNotFound) {
		return nil, ferr
	}
	backup := ""
	if existing != nil {
		backup = existing.Backup
	}

	if mime == routing.MimeJPEG && settings.AutoRotate {
		s.autoRotate(ctx, abs, p, settings)
	}

	job := &optimizeJob{abs: abs, finalPath: abs, mime: mime, params: p, settings: settings, backup: backup}
	engine := engineCloud
	if p.Cloud {
		err = s.runCloud(ctx, job)
	} else {
		engine = p.Tool
		if opts.Settings.Backup && backup == "" {
			job.backup = s.localBackup(ctx, abs)
		}
		err = s.runLocal(ctx, job)
	}
	if err != nil {
		metrics.Optimizations.WithLabelValues(engine, "error").Inc()
		return nil, err
	}

	if p.WebP {
		s.webp(ctx, job)
	}

	newSize := media.FileSize(job.finalPath)
	rec, err := s.repo.Upsert(ctx, repository.UpsertInput{
		Path:         job.finalPath,
		OrigSize:     origSize,
		OptSize:      newSize,
		Converted:    job.converted,
		Backup:       job.backup,
		Level:        int(p.Level),
		Gallery:      opts.Gallery,
		Resize:       opts.resize(),
		AttachmentID: opts.AttachmentID,
	})
	if err != nil {
		return nil, err
	}
	if job.converted != "" && existing != nil {
		if derr := s.repo.Delete(ctx, existing.ID); derr != nil {
			log.Warn().Err(derr).Uint("id", existing.ID).Msg("optimizer: failed to drop record of converted original")
		}
	}

	outcome := "saved"
	message := repository.ResultsLabel(origSize, newSize)
	if newSize >= origSize {
		outcome = "no_savings"
		message = models.ResultsNoSavings
	} else {
		metrics.BytesSaved.Add(float64(origSize - newSize))
	}
	metrics.Optimizations.WithLabelValues(engine, outcome).Inc()
	metrics.OptimizeDuration.WithLabelValues(engine).Observe(time.Since(start).Seconds())

	log.Info().
		Str("path", job.finalPath).
		Str("engine", engine).
		Int64("orig", origSize).
		Int64("new", newSize).
		Int("updates", rec.Updates).
		Msg("optimizer: " + message)
	s.publish(realtime.Event{
		Type:   realtime.EventOptimized,
		Path:   job.finalPath,
		Resize: opts.Resize,
		Status: message,
		Extra:  map[string]interface{}{"orig_size": origSize, "new_size": newSize, "engine": engine},
	})

	return &Result{
		FinalPath:  job.finalPath,
		Message:    message,
		OrigSize:   origSize,
		NewSize:    newSize,
		Converted:  job.converted,
		BackupHash: job.backup,
		Engine:     engine,
	}, nil
}

type optimizeJob struct {
	abs       string
	finalPath string
	mime      string
	params    routing.Params
	settings  config.Settings
	backup    string
	converted string
}

func (s *OptimizerService) runCloud(ctx context.Context, job *optimizeJob) error {
	res, err := s.cloud.Compress(ctx, job.settings.APIKey, cloud.CompressRequest{
		Path:          job.abs,
		Mime:          job.mime,
		Params:        job.params,
		Backup:        job.backup,
		BackupEnabled: job.settings.Backup,
	})
	if err != nil {
		return fmt.Errorf("failed to compress %s: %w", job.abs, err)
	}
	if res.BackupHash != "" {
		job.backup = res.BackupHash
	}
	size := media.FileSize(job.abs)

	if res.Mime != job.mime && job.params.Convert {
		target := media.UniqueConvertedPath(job.abs, extensionFor(res.Mime))
		if int64(len(res.Body)) >= size {
			s.logger(ctx).Debug().Str("path", job.abs).Msg("optimizer: converted copy not smaller, keeping original format")
			return nil
		}
		if err := media.WriteFileAtomic(target, res.Body); err != nil {
			return err
		}
		s.adoptConversion(ctx, job, target)
		return nil
	}
	if int64(len(res.Body)) < size && len(res.Body) > 0 {
		if err := media.WriteFileAtomic(job.abs, res.Body); err != nil {
			return err
		}
	}
	return nil
}

func (s *OptimizerService) runLocal(ctx context.Context, job *optimizeJob) error {
	if err := s.localPass(ctx, job.abs, job.params); err != nil {
		return err
	}
	if !job.params.Convert || job.params.ConvertTo == "" {
		return nil
	}

	target, err := s.processor.Convert(job.abs, job.params.ConvertTo, job.params.JPGFill, job.params.Quality)
	if err != nil {
		if errors.Is(err, media.ErrAnimated) {
			s.logger(ctx).Debug().Str("path", job.abs).Msg("optimizer: animated gif left unconverted")
			return nil
		}
		s.logger(ctx).Warn().Err(err).Str("path", job.abs).Msg("optimizer: conversion failed")
		return nil
	}
	tp := routing.Route(job.params.ConvertTo, true, job.settings)
	if tp.Enabled && !tp.Cloud {
		if err := s.localPass(ctx, target, tp); err != nil && !errors.Is(err, media.ErrToolMissing) {
			s.logger(ctx).Warn().Err(err).Str("path", target).Msg("optimizer: failed to optimize converted copy")
		}
	}
	if media.FileSize(target) >= media.FileSize(job.abs) {
		os.Remove(target)
		return nil
	}
	s.adoptConversion(ctx, job, target)
	return nil
}

// localPass runs the tool for p over path and keeps the output when smaller.
func (s *OptimizerService) localPass(ctx context.Context, path string, p routing.Params) error {
	if !s.tools.Available(p.Tool) {
		return fmt.Errorf("failed to optimize %s with %s: %w", path, p.Tool, media.ErrToolMissing)
	}
	out, err := s.tools.Optimize(ctx, path, p)
	if err != nil {
		return fmt.Errorf("failed to optimize %s: %w", path, err)
	}
	if size := media.FileSize(out); size > 0 && size < media.FileSize(path) {
		return media.ReplaceFile(out, path)
	}
	os.Remove(out)
	return nil
}

func (s *OptimizerService) adoptConversion(ctx context.Context, job *optimizeJob, target string) {
	job.converted = job.abs
	job.finalPath = target
	if job.settings.DeleteOriginals {
		if err := os.Remove(job.abs); err != nil {
			s.logger(ctx).Warn().Err(err).Str("path", job.abs).Msg("optimizer: failed to delete converted original")
		}
	}
	s.logger(ctx).Info().Str("from", job.abs).Str("to", target).Msg("optimizer: converted")
}

func (s *OptimizerService) localBackup(ctx context.Context, abs string) string {
	data, err := os.ReadFile(abs)
	if err != nil {
		return ""
	}
	hash := cloud.NewBackupHash(data)
	if _, err := s.processor.BackupOriginal(abs, hash); err != nil {
		s.logger(ctx).Warn().Err(err).Str("path", abs).Msg("optimizer: local backup failed")
		return ""
	}
	return hash
}

func (s *OptimizerService) autoRotate(ctx context.Context, abs string, p routing.Params, settings config.Settings) {
	orientation := media.Orientation(abs)
	if orientation <= 1 {
		return
	}
	log := s.logger(ctx)
	if p.Cloud {
		body, err := s.cloud.Rotate(ctx, settings.APIKey, abs, routing.MimeJPEG, orientation)
		if err == nil {
			err = media.WriteFileAtomic(abs, body)
		}
		if err != nil {
			log.Warn().Err(err).Str("path", abs).Msg("optimizer: remote rotation failed")
		}
		return
	}
	if _, err := s.processor.AutoRotate(abs, settings.JPGQuality); err != nil {
		log.Warn().Err(err).Str("path", abs).Msg("optimizer: rotation failed")
	}
}

// webp writes the derivative next to the final file and drops it unless it
// is smaller.
func (s *OptimizerService) webp(ctx context.Context, job *optimizeJob) {
	log := s.logger(ctx)
	finalMime := job.mime
	if job.converted != "" {
		finalMime = job.params.ConvertTo
	}
	if finalMime != routing.MimeJPEG && finalMime != routing.MimePNG {
		return
	}
	dst := media.WebPPath(job.finalPath)
	p := job.params
	p.Mime = finalMime

	if p.Cloud {
		body, err := s.cloud.CompressWebP(ctx, job.settings.APIKey, job.finalPath, p)
		if err != nil {
			log.Warn().Err(err).Str("path", job.finalPath).Msg("optimizer: webp request failed")
			return
		}
		if int64(len(body)) >= media.FileSize(job.finalPath) {
			return
		}
		if err := media.WriteFileAtomic(dst, body); err != nil {
			log.Warn().Err(err).Str("path", dst).Msg("optimizer: failed to write webp")
		}
		return
	}

	if !s.tools.Available(routing.ToolCwebp) {
		return
	}
	if err := s.tools.WebP(ctx, job.finalPath, dst, p); err != nil {
		log.Warn().Err(err).Str("path", job.finalPath).Msg("optimizer: cwebp failed")
		return
	}
	if media.FileSize(dst) >= media.FileSize(job.finalPath) {
		os.Remove(dst)
	}
}

func extensionFor(mime string) string {
	switch mime {
	case routing.MimeJPEG:
		return ".jpg"
	case routing.MimePNG:
		return ".png"
	case routing.MimeGIF:
		return ".gif"
	case routing.MimeWebP:
		return ".webp"
	}
	return ""
}

// Current returns the record for path when it already matches the file on
// disk, which makes a repeated attempt a no-op.
func (s *OptimizerService) Current(ctx context.Context, path string) (*models.ImageRecord, bool) {
	abs := s.paths.RealPath(path)
	rec, err := s.repo.FindByPath(ctx, abs)
	if err != nil || !rec.Optimized() {
		return nil, false
	}
	if rec.ImageSize != media.FileSize(abs) {
		return nil, false
	}
	return rec, true
}

// Restore puts the backed-up original of path back in place and forgets the
// optimization record. The local backup store is tried before the cloud.
func (s *OptimizerService) Restore(ctx context.Context, path string, settings config.Settings) (*models.ImageRecord, error) {
	abs := s.paths.RealPath(path)
	rec, err := s.repo.FindByPath(ctx, abs)
	if err != nil {
		return nil, err
	}
	if rec.Backup == "" {
		return nil, fmt.Errorf("%w for %s", ErrNoBackup, abs)
	}

	var data []byte
	if local, ok := s.processor.LocalBackup(rec.Backup); ok {
		data, err = os.ReadFile(local)
		if err != nil {
			return nil, fmt.Errorf("failed to read local backup %s: %w", local, err)
		}
	} else {
		if !settings.CloudActive() {
			return nil, fmt.Errorf("%w for %s", ErrNoBackup, abs)
		}
		data, _, err = s.cloud.Restore(ctx, settings.APIKey, rec.Backup)
		if err != nil {
			return nil, fmt.Errorf("failed to restore %s: %w", abs, err)
		}
	}

	if err := media.WriteFileAtomic(abs, data); err != nil {
		return nil, err
	}
	os.Remove(media.WebPPath(abs))
	if err := s.repo.Delete(ctx, rec.ID); err != nil {
		return nil, err
	}
	s.logger(ctx).Info().Str("path", abs).Str("backup", rec.Backup).Msg("optimizer: restored original")
	s.publish(realtime.Event{Type: realtime.EventRestored, Path: abs})
	return rec, nil
}

// derivatives returns every file the optimizer created for rec.
func (s *OptimizerService) derivatives(rec models.ImageRecord) []string {
	abs := s.repo.AbsPath(rec)
	out := []string{media.WebPPath(abs)}
	if rec.Converted != "" {
		orig := s.paths.Denormalize(rec.Converted)
		out = append(out, orig, media.WebPPath(orig))
	}
	return out
}

// relTo returns path relative to dir with forward slashes, or "" outside dir.
func relTo(dir, path string) string {
	rel, err := filepath.Rel(dir, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return ""
	}
	return filepath.ToSlash(rel)
}
