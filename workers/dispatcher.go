package workers

import (
	"context"
	"errors"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/camden-git/imageoptimizer/cache"
	"github.com/camden-git/imageoptimizer/cloud"
	"github.com/camden-git/imageoptimizer/media"
	"github.com/camden-git/imageoptimizer/metrics"
	"github.com/camden-git/imageoptimizer/models"
	"github.com/camden-git/imageoptimizer/queue"
	"github.com/camden-git/imageoptimizer/services"
)

var ErrWaveTimeout = errors.New("parallel wave timed out")

// markerTTL bounds how long an attachment shows as optimizing when the
// background run never reports back.
const markerTTL = 24 * time.Hour

// Optimizer is the single-file optimizer the dispatch modes drive.
type Optimizer interface {
	Optimize(ctx context.Context, path string, opts services.OptimizeOptions) (*services.Result, error)
	Current(ctx context.Context, path string) (*models.ImageRecord, bool)
}

// QuotaChecker reports the global cloud quota breaker.
type QuotaChecker interface {
	QuotaExceeded(ctx context.Context, apiKey string) bool
}

type unit struct {
	name   string
	path   string
	width  int
	height int
}

// Dispatcher picks a mode for each upload and drives its variants through it.
type Dispatcher struct {
	optimizer Optimizer
	pool      *OptimizePool
	quota     QuotaChecker
	producer  queue.Producer
	cache     cache.Cache
	log       zerolog.Logger

	// waveTimeout overrides the settings value when non-zero.
	waveTimeout time.Duration
	sleep       func(ctx context.Context, d time.Duration) error
}

func NewDispatcher(optimizer Optimizer, pool *OptimizePool, quota QuotaChecker, c cache.Cache, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		optimizer: optimizer,
		pool:      pool,
		quota:     quota,
		cache:     c,
		log:       log,
		sleep:     sleepCtx,
	}
}

// UseQueue enables background mode.
func (d *Dispatcher) UseQueue(p queue.Producer) {
	d.producer = p
}

func sleepCtx(ctx context.Context, dur time.Duration) error {
	t := time.NewTimer(dur)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (d *Dispatcher) logger(ctx context.Context) *zerolog.Logger {
	if l := zerolog.Ctx(ctx); l.GetLevel() != zerolog.Disabled {
		return l
	}
	return &d.log
}

// Mode selects the dispatch mode for job. Background wins when enabled and
// the site is not location-locked, parallel needs a cloud key or more
// resizes than the threshold, everything else runs sequentially.
func (d *Dispatcher) Mode(job services.AttachmentJob) string {
	s := job.Settings
	if s.BackgroundOptimization && !s.LocationLock && d.producer != nil {
		return services.ModeBackground
	}
	if s.ParallelOptimization && d.pool != nil && (s.CloudActive() || len(job.Variants) > s.ParallelThreshold) {
		return services.ModeParallel
	}
	return services.ModeSequential
}

func (d *Dispatcher) Dispatch(ctx context.Context, job services.AttachmentJob) (*services.DispatchResult, error) {
	mode := d.Mode(job)
	metrics.Dispatches.WithLabelValues(mode).Inc()
	d.logger(ctx).Info().
		Uint("attachment", job.AttachmentID).
		Str("mode", mode).
		Int("variants", len(job.Variants)).
		Msg("workers: dispatching attachment")

	switch mode {
	case services.ModeBackground:
		res, err := d.background(ctx, job)
		if err == nil {
			return res, nil
		}
		d.logger(ctx).Warn().Err(err).Uint("attachment", job.AttachmentID).Msg("workers: queueing failed, optimizing inline")
		job.Settings.BackgroundOptimization = false
		return d.Dispatch(ctx, job)
	case services.ModeParallel:
		return d.parallel(ctx, job), nil
	default:
		return d.sequential(ctx, job), nil
	}
}

func newDispatchResult(mode string) *services.DispatchResult {
	return &services.DispatchResult{
		Mode:     mode,
		Results:  make(map[string]*services.Result),
		Failures: make(map[string]error),
	}
}

func (d *Dispatcher) background(ctx context.Context, job services.AttachmentJob) (*services.DispatchResult, error) {
	item := queue.NewWorkItem(job)
	marker := services.MarkerKey(job.AttachmentID)
	if err := d.cache.Set(ctx, marker, []byte(item.ID), markerTTL); err != nil {
		d.logger(ctx).Warn().Err(err).Str("key", marker).Msg("workers: failed to set in-progress marker")
	}
	if err := d.producer.Publish(ctx, item); err != nil {
		d.cache.Delete(ctx, marker)
		return nil, err
	}
	res := newDispatchResult(services.ModeBackground)
	res.Queued = true
	return res, nil
}

func (d *Dispatcher) options(job services.AttachmentJob, resize, convertTo string) services.OptimizeOptions {
	id := job.AttachmentID
	return services.OptimizeOptions{
		Settings:     job.Settings,
		Gallery:      job.Gallery,
		Resize:       resize,
		AttachmentID: &id,
		ConvertTo:    convertTo,
	}
}

// units lists every resize of job in declared order, each followed by its
// retina sibling when one exists on disk. The full size's own retina sibling
// comes first; the full size itself is not included.
func (d *Dispatcher) units(job services.AttachmentJob) []unit {
	var out []unit
	if r, ok := media.RetinaSibling(job.Full.Path); ok {
		out = append(out, unit{name: models.ResizeFull + models.RetinaSuffix, path: r})
	}
	for _, v := range job.Variants {
		out = append(out, unit{name: v.Name, path: v.Path, width: v.Width, height: v.Height})
		if r, ok := media.RetinaSibling(v.Path); ok {
			out = append(out, unit{name: v.Name + models.RetinaSuffix, path: r, width: v.Width * 2, height: v.Height * 2})
		}
	}
	return out
}

// collapseDuplicates keeps one unit per file. Sizes registered with the same
// dimensions resolve to the same file; the extra names are returned as
// aliases of the kept unit.
func collapseDuplicates(units []unit) ([]unit, map[string][]string) {
	seen := make(map[string]string, len(units))
	aliases := make(map[string][]string)
	var out []unit
	for _, u := range units {
		key := filepath.Clean(u.path)
		if kept, ok := seen[key]; ok {
			aliases[kept] = append(aliases[kept], u.name)
			continue
		}
		seen[key] = u.name
		out = append(out, u)
	}
	return out, aliases
}

// plan collapses duplicate files and answers the ones already optimized from
// their records. It returns the units left to run and the alias names of each
// kept unit.
func (d *Dispatcher) plan(ctx context.Context, job services.AttachmentJob, res *services.DispatchResult) ([]unit, map[string][]string) {
	units, aliases := collapseDuplicates(d.units(job))
	var todo []unit
	for _, u := range units {
		if rec, ok := d.optimizer.Current(ctx, u.path); ok {
			res.Results[u.name] = skippedResult(u.path, rec)
			continue
		}
		todo = append(todo, u)
	}
	return todo, aliases
}

// resolveAliases points every alias at its kept unit's result so both
// metadata entries name the same file.
func resolveAliases(res *services.DispatchResult, aliases map[string][]string) {
	for kept, names := range aliases {
		r, ok := res.Results[kept]
		if !ok {
			continue
		}
		for _, n := range names {
			res.Results[n] = r
		}
	}
}

// optimizeFull runs the full size inline. It returns the mime resizes must
// be converted to, and whether the rest of the job must be abandoned.
func (d *Dispatcher) optimizeFull(ctx context.Context, job services.AttachmentJob, res *services.DispatchResult) (string, bool) {
	log := d.logger(ctx)
	if rec, ok := d.optimizer.Current(ctx, job.Full.Path); ok {
		res.Full = skippedResult(job.Full.Path, rec)
		return "", false
	}

	r, err := d.optimizer.Optimize(ctx, job.Full.Path, d.options(job, models.ResizeFull, ""))
	res.Full, res.FullErr = r, err
	if err != nil {
		if errors.Is(err, cloud.ErrQuotaExceeded) {
			log.Warn().Uint("attachment", job.AttachmentID).Msg("workers: quota exceeded, abandoning attachment")
			return "", true
		}
		log.Error().Err(err).Str("path", job.Full.Path).Msg("workers: full size optimization failed")
		return "", false
	}
	if r.Converted == "" {
		return "", false
	}
	mime, err := media.DetectMime(r.FinalPath)
	if err != nil {
		log.Warn().Err(err).Str("path", r.FinalPath).Msg("workers: cannot sniff converted full size")
		return "", false
	}
	return mime, false
}

func skippedResult(path string, rec *models.ImageRecord) *services.Result {
	return &services.Result{
		FinalPath: path,
		Message:   rec.Results,
		OrigSize:  rec.OrigSize,
		NewSize:   rec.ImageSize,
		Engine:    "none",
		Skipped:   true,
	}
}

func (d *Dispatcher) quotaExceeded(ctx context.Context, job services.AttachmentJob) bool {
	if d.quota == nil || !job.Settings.CloudActive() {
		return false
	}
	return d.quota.QuotaExceeded(ctx, job.Settings.APIKey)
}

func (d *Dispatcher) record(ctx context.Context, res *services.DispatchResult, r UnitResult) {
	switch {
	case r.Err == nil:
		res.Results[r.Unit] = r.Result
	case errors.Is(r.Err, ErrAlreadyQueued):
		d.logger(ctx).Debug().Str("path", r.Path).Msg("workers: variant already in flight elsewhere")
	default:
		res.Failures[r.Unit] = r.Err
		d.logger(ctx).Warn().Err(r.Err).Str("resize", r.Unit).Str("path", r.Path).Msg("workers: variant failed")
	}
}

// sequential optimizes the full size then every resize in declared order,
// pausing between items and stopping when the cloud quota runs out.
func (d *Dispatcher) sequential(ctx context.Context, job services.AttachmentJob) *services.DispatchResult {
	res := newDispatchResult(services.ModeSequential)
	convertTo, abort := d.optimizeFull(ctx, job, res)
	if abort {
		return res
	}

	todo, aliases := d.plan(ctx, job, res)
	for _, u := range todo {
		if ctx.Err() != nil || d.quotaExceeded(ctx, job) {
			res.Processing = true
			break
		}
		if delay := job.Settings.Delay(); delay > 0 {
			if err := d.sleep(ctx, delay); err != nil {
				res.Processing = true
				break
			}
		}
		r, err := d.optimizer.Optimize(ctx, u.path, d.options(job, u.name, convertTo))
		d.record(ctx, res, UnitResult{Unit: u.name, Path: u.path, Result: r, Err: err})
	}
	resolveAliases(res, aliases)
	return res
}

// parallel optimizes the full size inline, then the remaining unique files on
// the pool with at most MaxConcurrency in flight. The run gets one wave
// timeout per MaxConcurrency units; when it expires the units still running
// are cancelled, the ones never admitted are dropped, and the result is
// flagged processing so a retry picks up the rest.
func (d *Dispatcher) parallel(ctx context.Context, job services.AttachmentJob) *services.DispatchResult {
	res := newDispatchResult(services.ModeParallel)
	convertTo, abort := d.optimizeFull(ctx, job, res)
	if abort {
		return res
	}

	todo, aliases := d.plan(ctx, job, res)
	if len(todo) > 0 {
		if err := d.runWindow(ctx, job, todo, convertTo, res); err != nil {
			d.logger(ctx).Warn().Err(err).
				Uint("attachment", job.AttachmentID).
				Int("units", len(todo)).
				Int("done", len(res.Results)).
				Msg("workers: parallel run cut short, flagging attachment as processing")
			res.Processing = true
		}
	}
	resolveAliases(res, aliases)
	return res
}

var errQuotaStop = errors.New("cloud quota exceeded mid-run")

func (d *Dispatcher) submit(ctx context.Context, job services.AttachmentJob, u unit, convertTo string, done chan UnitResult) {
	opts := d.options(job, u.name, convertTo)
	err := d.pool.QueueJob(OptimizeJob{Unit: u.name, Path: u.path, Opts: opts, Ctx: ctx, Done: done})
	switch {
	case err == nil:
	case errors.Is(err, ErrQueueFull):
		go func() {
			r, err := d.optimizer.Optimize(ctx, u.path, opts)
			done <- UnitResult{Unit: u.name, Path: u.path, Result: r, Err: err}
		}()
	default:
		done <- UnitResult{Unit: u.name, Path: u.path, Err: err}
	}
}

// runWindow keeps up to MaxConcurrency units in flight, admitting the next one
// whenever a slot frees up. A stuck unit only holds its own slot.
func (d *Dispatcher) runWindow(ctx context.Context, job services.AttachmentJob, todo []unit, convertTo string, res *services.DispatchResult) error {
	limit := job.Settings.MaxConcurrency
	if limit <= 0 {
		limit = 5
	}
	timeout := d.waveTimeout
	if timeout <= 0 {
		timeout = job.Settings.WaveTimeout()
	}
	waves := (len(todo) + limit - 1) / limit
	wctx, cancel := context.WithTimeout(ctx, timeout*time.Duration(waves))
	defer cancel()

	// sized for every unit so late senders never block after a timeout
	done := make(chan UnitResult, len(todo))
	next, inFlight := 0, 0
	var stopped error
	admit := func() {
		for stopped == nil && inFlight < limit && next < len(todo) {
			if d.quotaExceeded(ctx, job) {
				stopped = errQuotaStop
				return
			}
			d.submit(wctx, job, todo[next], convertTo, done)
			next++
			inFlight++
		}
	}

	admit()
	for inFlight > 0 {
		select {
		case r := <-done:
			inFlight--
			d.record(ctx, res, r)
			admit()
		case <-wctx.Done():
			// keep whatever finished alongside the deadline
			for {
				select {
				case r := <-done:
					if r.Err == nil {
						d.record(ctx, res, r)
					}
					continue
				default:
				}
				break
			}
			if errors.Is(wctx.Err(), context.DeadlineExceeded) {
				metrics.WaveTimeouts.Inc()
				return ErrWaveTimeout
			}
			return wctx.Err()
		}
	}
	return stopped
}
