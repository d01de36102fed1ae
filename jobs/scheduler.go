// Package jobs runs the periodic maintenance passes: duplicate record
// reconciliation and the pending-file scan of the uploads folder.
package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/camden-git/imageoptimizer/config"
	"github.com/camden-git/imageoptimizer/workers"
)

type Reconciler interface {
	ReconcileDuplicates(ctx context.Context) (int, error)
}

type FolderScanner interface {
	Run(ctx context.Context, folder string, settings config.Settings) (int64, int, error)
}

type Scheduler struct {
	cron       *cron.Cron
	reconciler Reconciler
	scanner    FolderScanner
	settings   config.SettingsSource
	folder     string
	specs      config.ScheduleConfig
	log        zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

func NewScheduler(reconciler Reconciler, scanner FolderScanner, settings config.SettingsSource, folder string, specs config.ScheduleConfig, log zerolog.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:       cron.New(),
		reconciler: reconciler,
		scanner:    scanner,
		settings:   settings,
		folder:     folder,
		specs:      specs,
		log:        log,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start registers the jobs with a non-empty spec and starts the cron loop.
func (s *Scheduler) Start() error {
	if s.specs.ReconcileSpec != "" {
		if _, err := s.cron.AddFunc(s.specs.ReconcileSpec, s.Reconcile); err != nil {
			return err
		}
	}
	if s.specs.ScanSpec != "" && s.folder != "" {
		if _, err := s.cron.AddFunc(s.specs.ScanSpec, s.Scan); err != nil {
			return err
		}
	}
	s.cron.Start()
	return nil
}

// Stop cancels running jobs and waits up to five seconds for them.
func (s *Scheduler) Stop() context.CancelFunc {
	s.cancel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	go func() {
		<-s.cron.Stop().Done()
		cancel()
	}()
	<-ctx.Done()
	return cancel
}

func (s *Scheduler) Reconcile() {
	start := time.Now()
	n, err := s.reconciler.ReconcileDuplicates(s.ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("jobs: duplicate reconciliation failed")
		return
	}
	s.log.Info().Int("merged", n).Dur("took", time.Since(start)).Msg("jobs: duplicate reconciliation done")
}

func (s *Scheduler) Scan() {
	queued, processed, err := s.scanner.Run(s.ctx, s.folder, s.settings.Current())
	if errors.Is(err, workers.ErrScanRunning) {
		s.log.Debug().Msg("jobs: previous scan still running")
		return
	}
	if err != nil {
		s.log.Error().Err(err).Int64("queued", queued).Int("processed", processed).Msg("jobs: scan failed")
		return
	}
	s.log.Info().Int64("queued", queued).Int("processed", processed).Msg("jobs: scan done")
}
