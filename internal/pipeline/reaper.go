package pipeline

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/chirpneighbors/coordinator/internal/clock"
	"github.com/chirpneighbors/coordinator/internal/events"
	"github.com/chirpneighbors/coordinator/internal/model"
	"github.com/chirpneighbors/coordinator/internal/monitoring"
	"github.com/chirpneighbors/coordinator/internal/repository"
)

// Reaper defaults.
const (
	DefaultReapInterval = 30 * time.Second
	DefaultReapMaxAge   = 2 * time.Minute
)

// nonTerminal is the guard set for orphan sweeps: a capture in any of these
// states that has been sitting past the age limit lost its worker.
var nonTerminal = []model.Status{
	model.StatusPending,
	model.StatusClassifying,
	model.StatusClassified,
	model.StatusGenerating,
}

// Reaper sweeps captures stranded in non-terminal states (worker crash,
// process restart mid-flight) and fails them with reason Orphaned so clients
// are never left watching a capture that will not finish. The sweep uses the
// same conditional write as the pipeline, so a worker that is merely slow
// keeps ownership: whichever side writes first wins, the other aborts.
type Reaper struct {
	repo     repository.Repository
	bus      *events.Bus
	clock    clock.Clock
	metrics  *monitoring.Metrics
	interval time.Duration
	maxAge   time.Duration
	logger   *log.Logger
}

// NewReaper wires a reaper. interval and maxAge fall back to the defaults
// when non-positive; metrics may be nil.
func NewReaper(repo repository.Repository, bus *events.Bus, clk clock.Clock, metrics *monitoring.Metrics, interval, maxAge time.Duration) *Reaper {
	if interval <= 0 {
		interval = DefaultReapInterval
	}
	if maxAge <= 0 {
		maxAge = DefaultReapMaxAge
	}
	return &Reaper{
		repo:     repo,
		bus:      bus,
		clock:    clk,
		metrics:  metrics,
		interval: interval,
		maxAge:   maxAge,
		logger:   log.New(log.Writer(), "[REAPER] ", log.LstdFlags),
	}
}

// Run sweeps on a fixed interval until the context is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	r.logger.Printf("reaper started (interval=%s maxAge=%s)", r.interval, r.maxAge)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Printf("reaper stopped")
			return
		case <-ticker.C:
			if n, err := r.Sweep(ctx); err != nil {
				r.logger.Printf("sweep error: %v", err)
			} else if n > 0 {
				r.logger.Printf("reaped %d orphaned capture(s)", n)
			}
		}
	}
}

// Sweep fails every capture stuck in a non-terminal state past the age limit.
// It returns the number of captures it actually transitioned; captures raced
// to terminal by their worker between list and write are skipped.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	cutoff := r.clock.Now().Add(-r.maxAge)
	stuck, err := r.repo.ListStuckCaptures(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	reaped := 0
	for _, c := range stuck {
		now := r.clock.Now()
		reason := model.ReasonOrphaned
		done, err := r.repo.TransitionCapture(ctx, c.ID, nonTerminal, model.StatusFailed,
			model.CapturePatch{FailureReason: &reason, ProcessedAt: &now})
		if errors.Is(err, repository.ErrInvalidTransition) {
			continue // the worker finished it first
		}
		if err != nil {
			r.logger.Printf("reap %s: %v", c.ID, err)
			continue
		}

		reaped++
		r.metrics.ObserveTerminal(string(model.StatusFailed), string(model.ReasonOrphaned),
			now.Sub(done.ReceivedAt).Seconds())
		r.bus.Publish(events.UserTopic(done.UserID),
			events.FromCapture(events.TypeCaptureFailed, done, nil, now))
	}
	return reaped, nil
}
