package workers

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/camden-git/imageoptimizer/metrics"
	"github.com/camden-git/imageoptimizer/services"
)

var (
	ErrAlreadyQueued = errors.New("file already queued for optimization")
	ErrQueueFull     = errors.New("optimize queue full")
)

// OptimizeJob is one file handed to the pool.
type OptimizeJob struct {
	Unit string // resize name the result is reported under
	Path string // absolute; also the dedup key
	Opts services.OptimizeOptions
	Ctx  context.Context
	// Done receives the outcome; it must have room for it. nil discards it.
	Done chan<- UnitResult
}

// UnitResult is the outcome of one OptimizeJob.
type UnitResult struct {
	Unit   string
	Path   string
	Result *services.Result
	Err    error
}

// OptimizePool runs optimizations on a fixed set of goroutines. A path is
// in the queue at most once.
type OptimizePool struct {
	JobQueue  chan OptimizeJob
	optimizer Optimizer
	log       zerolog.Logger
	Wg        sync.WaitGroup
	StopChan  chan struct{}
	Pending   map[string]bool
	Mutex     sync.Mutex
}

func NewOptimizePool(optimizer Optimizer, queueSize, numWorkers int, log zerolog.Logger) *OptimizePool {
	if numWorkers <= 0 {
		numWorkers = 1
	}
	if queueSize <= 0 {
		queueSize = 100
	}
	pool := &OptimizePool{
		JobQueue:  make(chan OptimizeJob, queueSize),
		optimizer: optimizer,
		log:       log,
		StopChan:  make(chan struct{}),
		Pending:   make(map[string]bool),
	}
	pool.Wg.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		go pool.worker(i)
	}
	log.Info().Int("workers", numWorkers).Int("queue_size", queueSize).Msg("workers: optimize pool started")
	return pool
}

func (p *OptimizePool) worker(id int) {
	defer p.Wg.Done()
	for {
		select {
		case job, ok := <-p.JobQueue:
			if !ok {
				p.log.Debug().Int("worker", id).Msg("workers: job queue closed")
				return
			}
			metrics.PoolQueueDepth.Set(float64(len(p.JobQueue)))
			p.run(id, job)
		case <-p.StopChan:
			p.log.Debug().Int("worker", id).Msg("workers: stop signal received")
			return
		}
	}
}

func (p *OptimizePool) run(id int, job OptimizeJob) {
	ctx := job.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	out := UnitResult{Unit: job.Unit, Path: job.Path}
	if err := ctx.Err(); err != nil {
		// abandoned while waiting in the queue
		out.Err = err
	} else {
		zerolog.Ctx(ctx).Debug().Int("worker", id).Str("path", job.Path).Msg("workers: optimizing")
		out.Result, out.Err = p.optimizer.Optimize(ctx, job.Path, job.Opts)
	}

	p.Mutex.Lock()
	delete(p.Pending, job.Path)
	p.Mutex.Unlock()

	if out.Err != nil && job.Done == nil {
		p.log.Warn().Err(out.Err).Str("path", job.Path).Msg("workers: optimization failed")
	}
	if job.Done != nil {
		job.Done <- out
	}
}

// QueueJob enqueues job unless its path is already pending or the queue is full.
func (p *OptimizePool) QueueJob(job OptimizeJob) error {
	p.Mutex.Lock()
	if p.Pending[job.Path] {
		p.Mutex.Unlock()
		return ErrAlreadyQueued
	}
	p.Pending[job.Path] = true
	p.Mutex.Unlock()

	select {
	case p.JobQueue <- job:
		metrics.PoolQueueDepth.Set(float64(len(p.JobQueue)))
		return nil
	default:
		p.log.Warn().Str("path", job.Path).Msg("workers: optimize queue full")
		p.Mutex.Lock()
		delete(p.Pending, job.Path)
		p.Mutex.Unlock()
		return ErrQueueFull
	}
}

func (p *OptimizePool) Stop() {
	p.log.Info().Msg("workers: stopping optimize pool")
	close(p.StopChan)
	p.Wg.Wait()
	p.log.Info().Msg("workers: optimize pool stopped")
}
