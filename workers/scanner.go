package workers

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/camden-git/imageoptimizer/cloud"
	"github.com/camden-git/imageoptimizer/config"
	"github.com/camden-git/imageoptimizer/repository"
	"github.com/camden-git/imageoptimizer/services"
)

var ErrScanRunning = errors.New("a scan is already running")

const scanBatchSize = 500

var scanExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".jpe":  true,
	".png":  true,
	".gif":  true,
	".pdf":  true,
}

// Scanner walks folders for unoptimized images, flags them pending in the
// record store and then works through the pending rows. The pending flags
// are the only state, so an interrupted scan resumes where it stopped.
type Scanner struct {
	repo      repository.RecordRepositoryInterface
	optimizer Optimizer
	quota     QuotaChecker
	log       zerolog.Logger
	running   sync.Mutex
}

func NewScanner(repo repository.RecordRepositoryInterface, optimizer Optimizer, quota QuotaChecker, log zerolog.Logger) *Scanner {
	return &Scanner{repo: repo, optimizer: optimizer, quota: quota, log: log}
}

// Scan marks every image under folder that has no current record as pending.
func (s *Scanner) Scan(ctx context.Context, folder string) (int64, error) {
	var (
		batch  []repository.PendingInput
		queued int64
	)
	flush := func() error {
		n, err := s.repo.MarkPendingBatch(ctx, batch)
		queued += n
		batch = batch[:0]
		return err
	}

	err := filepath.WalkDir(folder, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			s.log.Warn().Err(err).Str("path", path).Msg("workers: scan skipped entry")
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != folder {
				return fs.SkipDir
			}
			return nil
		}
		if !scanExtensions[strings.ToLower(filepath.Ext(path))] {
			return nil
		}
		if _, ok := s.optimizer.Current(ctx, path); ok {
			return nil
		}
		batch = append(batch, repository.PendingInput{Path: path})
		if len(batch) >= scanBatchSize {
			return flush()
		}
		return nil
	})
	if err != nil {
		return queued, fmt.Errorf("failed to scan %s: %w", folder, err)
	}
	if len(batch) > 0 {
		if err := flush(); err != nil {
			return queued, err
		}
	}
	s.log.Info().Str("folder", folder).Int64("queued", queued).Msg("workers: scan complete")
	return queued, nil
}

// Drain optimizes pending rows until none are left, the context ends or the
// cloud quota runs out.
func (s *Scanner) Drain(ctx context.Context, settings config.Settings) (int, error) {
	processed := 0
	var lastID uint
	for {
		if err := ctx.Err(); err != nil {
			return processed, err
		}
		rec, err := s.repo.NextPending(ctx)
		if errors.Is(err, repository.ErrRecordNotFound) {
			return processed, nil
		}
		if err != nil {
			return processed, err
		}
		if rec.ID == lastID {
			return processed, fmt.Errorf("pending flag of record %d did not clear", rec.ID)
		}
		lastID = rec.ID

		if settings.CloudActive() && s.quota != nil && s.quota.QuotaExceeded(ctx, settings.APIKey) {
			return processed, fmt.Errorf("failed to drain pending records: %w", cloud.ErrQuotaExceeded)
		}

		abs := s.repo.AbsPath(*rec)
		_, err = s.optimizer.Optimize(ctx, abs, services.OptimizeOptions{
			Settings:     settings,
			Gallery:      rec.Gallery,
			Resize:       rec.Resize,
			AttachmentID: rec.AttachmentID,
		})
		if err != nil {
			if errors.Is(err, cloud.ErrQuotaExceeded) {
				return processed, err
			}
			s.log.Warn().Err(err).Str("path", abs).Msg("workers: pending file failed")
			if cerr := s.repo.ClearPending(ctx, abs); cerr != nil {
				return processed, cerr
			}
		}
		processed++
	}
}

// Run scans folder and drains the pending rows. Only one run at a time.
func (s *Scanner) Run(ctx context.Context, folder string, settings config.Settings) (int64, int, error) {
	if !s.running.TryLock() {
		return 0, 0, ErrScanRunning
	}
	defer s.running.Unlock()

	queued, err := s.Scan(ctx, folder)
	if err != nil {
		return queued, 0, err
	}
	processed, err := s.Drain(ctx, settings)
	return queued, processed, err
}

// Start claims the scan lock and runs the scan in the background. It fails
// right away with ErrScanRunning when another run holds the lock.
func (s *Scanner) Start(ctx context.Context, folder string, settings config.Settings) error {
	if !s.running.TryLock() {
		return ErrScanRunning
	}
	go func() {
		defer s.running.Unlock()
		log := zerolog.Ctx(ctx)
		if log.GetLevel() == zerolog.Disabled {
			log = &s.log
		}
		queued, err := s.Scan(ctx, folder)
		if err != nil {
			log.Error().Err(err).Str("folder", folder).Msg("workers: scan failed")
			return
		}
		processed, err := s.Drain(ctx, settings)
		if err != nil {
			log.Error().Err(err).Int64("queued", queued).Int("processed", processed).Msg("workers: drain stopped")
			return
		}
		log.Info().Str("folder", folder).Int64("queued", queued).Int("processed", processed).Msg("workers: scan finished")
	}()
	return nil
}
