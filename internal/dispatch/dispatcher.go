// Package dispatch owns the worker pool that executes capture pipelines. The
// queue is bounded and submission never blocks: a full queue rejects with
// ErrBusy so ingress can fail the capture immediately instead of stalling the
// upload path.
package dispatch

import (
	"context"
	"errors"
	"log"
	"runtime"
	"sync"
	"time"

	"github.com/chirpneighbors/coordinator/internal/clock"
	"github.com/chirpneighbors/coordinator/internal/events"
	"github.com/chirpneighbors/coordinator/internal/model"
	"github.com/chirpneighbors/coordinator/internal/monitoring"
	"github.com/chirpneighbors/coordinator/internal/repository"
)

// ErrBusy is returned by Submit when the queue is full.
var ErrBusy = errors.New("dispatch: queue full")

// ErrClosed is returned by Submit after Shutdown has begun.
var ErrClosed = errors.New("dispatch: dispatcher closed")

// DefaultJobDeadline bounds one pipeline run end to end.
const DefaultJobDeadline = 60 * time.Second

// Runner executes one capture to a terminal state.
type Runner interface {
	Run(ctx context.Context, captureID string) error
}

// Config tunes the dispatcher. Zero values pick the defaults.
type Config struct {
	// Workers is the fixed pool size. Default 2×GOMAXPROCS.
	Workers int

	// QueueSize bounds waiting jobs. Default Workers×8.
	QueueSize int

	// JobDeadline is the per-capture processing budget. A capture still
	// running at the deadline is failed with reason Deadline.
	JobDeadline time.Duration
}

func (c *Config) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 2 * runtime.GOMAXPROCS(0)
	}
	if c.QueueSize <= 0 {
		c.QueueSize = c.Workers * 8
	}
	if c.JobDeadline <= 0 {
		c.JobDeadline = DefaultJobDeadline
	}
}

// Dispatcher fans capture ids out to a fixed pool of pipeline workers. A
// capture id is tracked from submission to completion, so re-submitting an id
// that is already queued or running is a no-op rather than a duplicate run.
type Dispatcher struct {
	cfg     Config
	runner  Runner
	repo    repository.Repository
	bus     *events.Bus
	clock   clock.Clock
	metrics *monitoring.Metrics
	logger  *log.Logger

	queue chan string
	wg    sync.WaitGroup

	mu      sync.Mutex
	tracked map[string]struct{} // queued or in-flight capture ids
	closed  bool

	baseCtx    context.Context
	cancelBase context.CancelFunc
}

// New builds a dispatcher; call Start before submitting. metrics may be nil.
func New(cfg Config, runner Runner, repo repository.Repository, bus *events.Bus, clk clock.Clock, metrics *monitoring.Metrics) *Dispatcher {
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		cfg:        cfg,
		runner:     runner,
		repo:       repo,
		bus:        bus,
		clock:      clk,
		metrics:    metrics,
		logger:     log.New(log.Writer(), "[DISPATCH] ", log.LstdFlags),
		queue:      make(chan string, cfg.QueueSize),
		tracked:    make(map[string]struct{}),
		baseCtx:    ctx,
		cancelBase: cancel,
	}
}

// Start launches the worker pool.
func (d *Dispatcher) Start() {
	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker(i)
	}
	d.logger.Printf("started %d workers, queue %d, job deadline %s",
		d.cfg.Workers, d.cfg.QueueSize, d.cfg.JobDeadline)
}

// Submit enqueues a capture for processing. It never blocks: a full queue
// returns ErrBusy, a closed dispatcher ErrClosed, and an id already queued or
// running returns nil without enqueueing again.
func (d *Dispatcher) Submit(captureID string) error {
	// The lock covers the enqueue attempt so Submit can never race Shutdown
	// into a closed queue. The send is non-blocking, so the critical section
	// stays short.
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	if _, dup := d.tracked[captureID]; dup {
		if d.metrics != nil {
			d.metrics.JobsDeduped.Inc()
		}
		return nil
	}

	select {
	case d.queue <- captureID:
		d.tracked[captureID] = struct{}{}
		if d.metrics != nil {
			d.metrics.QueueDepth.Set(float64(len(d.queue)))
		}
		return nil
	default:
		if d.metrics != nil {
			d.metrics.JobsRejected.Inc()
		}
		return ErrBusy
	}
}

// QueueDepth reports jobs currently waiting.
func (d *Dispatcher) QueueDepth() int { return len(d.queue) }

// Tracked reports captures queued or in flight.
func (d *Dispatcher) Tracked() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.tracked)
}

func (d *Dispatcher) untrack(captureID string) {
	d.mu.Lock()
	delete(d.tracked, captureID)
	d.mu.Unlock()
}

func (d *Dispatcher) worker(id int) {
	defer d.wg.Done()
	for captureID := range d.queue {
		d.process(id, captureID)
	}
}

func (d *Dispatcher) process(worker int, captureID string) {
	defer d.untrack(captureID)
	if d.metrics != nil {
		d.metrics.QueueDepth.Set(float64(len(d.queue)))
		d.metrics.InFlight.Inc()
		defer d.metrics.InFlight.Dec()
	}

	ctx, cancel := context.WithTimeout(d.baseCtx, d.cfg.JobDeadline)
	defer cancel()

	err := d.runner.Run(ctx, captureID)
	if err == nil {
		return
	}
	d.logger.Printf("worker %d capture %s: %v", worker, captureID, err)

	// A run that blew its deadline may have left the capture mid-flight.
	// Force it terminal; the guard skips captures the run already finished.
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		d.forceFail(captureID, model.ReasonDeadline)
	}
}

// forceFail drives a capture to failed outside the cancelled job context.
func (d *Dispatcher) forceFail(captureID string, reason model.FailureReason) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	now := d.clock.Now()
	done, err := d.repo.TransitionCapture(ctx, captureID,
		[]model.Status{model.StatusPending, model.StatusClassifying, model.StatusClassified, model.StatusGenerating},
		model.StatusFailed,
		model.CapturePatch{FailureReason: &reason, ProcessedAt: &now})
	if errors.Is(err, repository.ErrInvalidTransition) {
		return
	}
	if err != nil {
		d.logger.Printf("force-fail %s (%s): %v", captureID, reason, err)
		return
	}

	d.metrics.ObserveTerminal(string(model.StatusFailed), string(reason), now.Sub(done.ReceivedAt).Seconds())
	d.bus.Publish(events.UserTopic(done.UserID),
		events.FromCapture(events.TypeCaptureFailed, done, nil, now))
}

// Shutdown stops intake, lets in-flight jobs finish, and fails every job
// still waiting in the queue with reason Shutdown. It returns when the pool
// has drained or the context expires.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true

	// Drain the queue before closing it so workers only ever see jobs that
	// were in flight at shutdown.
	var queued []string
drain:
	for {
		select {
		case id := <-d.queue:
			queued = append(queued, id)
			delete(d.tracked, id)
		default:
			break drain
		}
	}
	close(d.queue)
	d.mu.Unlock()

	for _, id := range queued {
		d.forceFail(id, model.ReasonShutdown)
	}
	if len(queued) > 0 {
		d.logger.Printf("failed %d queued capture(s) on shutdown", len(queued))
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		d.logger.Printf("all workers drained")
		return nil
	case <-ctx.Done():
		d.cancelBase() // abandon stragglers
		return ctx.Err()
	}
}
