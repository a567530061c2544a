package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"conversion-pipeline/internal/telemetry"
)

// ErrStopped is returned by Submit once the pool has been stopped.
var ErrStopped = errors.New("worker pool stopped")

// Handler runs one job. It owns the job's outcome; the pool only tracks occupancy.
type Handler func(ctx context.Context, jobID string)

// Entry is a queued job id and when it was submitted.
type Entry struct {
	JobID      string    `json:"jobId"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

// Snapshot is the aggregate load of a pool.
type Snapshot struct {
	Workers int `json:"workers"`
	Queued  int `json:"queued"`
	Running int `json:"running"`
}

// Pool is a fixed set of workers draining a FIFO queue. A single mutex and condition
// variable guard the queue, the in-progress set and the running flag.
type Pool struct {
	mu         sync.Mutex
	cond       *sync.Cond
	queue      []Entry
	inProgress map[string]time.Time
	running    bool
	started    bool
	stopped    bool

	workers int
	handler Handler
	name    string
	logger  *slog.Logger
	now     func() time.Time
	wg      sync.WaitGroup
}

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the pool logger.
func WithLogger(l *slog.Logger) Option { return func(p *Pool) { p.logger = l } }

// WithName labels worker log lines.
func WithName(name string) Option { return func(p *Pool) { p.name = name } }

// NewPool builds a pool of at least one worker.
func NewPool(workers int, handler Handler, opts ...Option) *Pool {
	if workers < 1 {
		workers = 1
	}
	p := &Pool{
		inProgress: make(map[string]time.Time),
		workers:    workers,
		handler:    handler,
		name:       "conversion",
		now:        time.Now,
	}
	p.cond = sync.NewCond(&p.mu)
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	return p
}

// Start launches the workers. Cancelling ctx stops the pool like Stop, but asynchronously:
// Submit can still succeed briefly after cancel. Handlers receive a context that is never
// cancelled so in-flight jobs run to completion.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	if p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.running = true
	p.mu.Unlock()

	jobCtx := context.WithoutCancel(ctx)
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.loop(jobCtx, fmt.Sprintf("%s-worker-%d", p.name, i+1))
	}
	context.AfterFunc(ctx, p.Stop)
	p.logger.Info("worker pool started", "pool", p.name, "workers", p.workers)
}

// Submit appends jobID and returns its 1-based position at insertion time.
func (p *Pool) Submit(jobID string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return 0, ErrStopped
	}
	p.queue = append(p.queue, Entry{JobID: jobID, EnqueuedAt: p.now().UTC()})
	position := len(p.queue)
	p.gauges()
	p.cond.Signal()
	return position, nil
}

// Position returns the current 1-based queue index of jobID, or false once dequeued.
func (p *Pool) Position(jobID string) (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, e := range p.queue {
		if e.JobID == jobID {
			return i + 1, true
		}
	}
	return 0, false
}

// Len returns the number of queued jobs.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// InProgress returns the number of jobs currently held by workers.
func (p *Pool) InProgress() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inProgress)
}

// Snapshot returns worker count, queue length and running jobs under one lock.
func (p *Pool) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Snapshot{Workers: p.workers, Queued: len(p.queue), Running: len(p.inProgress)}
}

// Stop keeps workers from taking new jobs. Jobs already running finish; jobs still
// queued stay queued.
func (p *Pool) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	p.stopped = true
	p.running = false
	p.cond.Broadcast()
	p.logger.Info("worker pool stopping", "pool", p.name, "queued", len(p.queue), "running", len(p.inProgress))
}

// Wait blocks until every worker has exited or ctx is done.
func (p *Pool) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) loop(ctx context.Context, workerID string) {
	defer p.wg.Done()
	log := p.logger.With("worker_id", workerID)
	for {
		p.mu.Lock()
		for p.running && len(p.queue) == 0 {
			p.cond.Wait()
		}
		if !p.running {
			p.mu.Unlock()
			log.Debug("worker exiting")
			return
		}
		entry := p.queue[0]
		p.queue[0] = Entry{}
		p.queue = p.queue[1:]
		p.inProgress[entry.JobID] = p.now()
		p.gauges()
		p.mu.Unlock()

		p.run(ctx, log, entry)

		p.mu.Lock()
		delete(p.inProgress, entry.JobID)
		p.gauges()
		p.mu.Unlock()
	}
}

func (p *Pool) run(ctx context.Context, log *slog.Logger, entry Entry) {
	defer func() {
		if r := recover(); r != nil {
			telemetry.HandlerPanics.Inc()
			log.Error("job handler panicked", "job_id", entry.JobID, "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
		}
	}()
	log.Debug("job dequeued", "job_id", entry.JobID, "waited_ms", p.now().Sub(entry.EnqueuedAt).Milliseconds())
	p.handler(ctx, entry.JobID)
}

// gauges must be called with p.mu held.
func (p *Pool) gauges() {
	telemetry.QueueDepthGauge.Set(float64(len(p.queue)))
	telemetry.InFlightGauge.Set(float64(len(p.inProgress)))
}
