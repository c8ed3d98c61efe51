// Package pipeline runs the per-capture state machine:
//
//	pending ──[claim]──▶ classifying ──[ok]──▶ classified
//	   └──────────────────────┴──[fail/exhaust]──▶ failed
//	classified ──[species has art]──▶ processed
//	classified ──[art missing]──▶ generating ──[ok or fail]──▶ processed
//
// processed and failed are terminal. Art generation failure does not fail the
// capture: classification is the primary value, art is a bonus.
//
// The conditional write in repository.TransitionCapture is the only lock. A
// worker that holds a capture in classifying/generating owns it exclusively;
// a claim that loses the conditional write aborts silently, which makes
// dispatcher re-submissions and reaper sweeps safe.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/chirpneighbors/coordinator/internal/blob"
	"github.com/chirpneighbors/coordinator/internal/clock"
	"github.com/chirpneighbors/coordinator/internal/events"
	"github.com/chirpneighbors/coordinator/internal/inference"
	"github.com/chirpneighbors/coordinator/internal/model"
	"github.com/chirpneighbors/coordinator/internal/monitoring"
	"github.com/chirpneighbors/coordinator/internal/repository"
)

// Pipeline drives captures to a terminal state.
type Pipeline struct {
	repo       repository.Repository
	clips      blob.Store
	assets     blob.Store
	classifier inference.Classifier
	generator  inference.Generator
	bus        *events.Bus
	clock      clock.Clock
	metrics    *monitoring.Metrics
	logger     *log.Logger
}

// New wires a pipeline. metrics may be nil.
func New(
	repo repository.Repository,
	clips, assets blob.Store,
	classifier inference.Classifier,
	generator inference.Generator,
	bus *events.Bus,
	clk clock.Clock,
	metrics *monitoring.Metrics,
) *Pipeline {
	return &Pipeline{
		repo:       repo,
		clips:      clips,
		assets:     assets,
		classifier: classifier,
		generator:  generator,
		bus:        bus,
		clock:      clk,
		metrics:    metrics,
		logger:     log.New(log.Writer(), "[PIPELINE] ", log.LstdFlags),
	}
}

// Run processes one capture to a terminal state. It is safe to call with an
// id that was already claimed or terminated: the claim aborts silently.
func (p *Pipeline) Run(ctx context.Context, captureID string) error {
	started := p.clock.Now()

	// Claim. Losing the guard means another worker owns or finished it.
	c, err := p.repo.TransitionCapture(ctx, captureID,
		[]model.Status{model.StatusPending}, model.StatusClassifying,
		model.CapturePatch{IncAttempts: true})
	if errors.Is(err, repository.ErrInvalidTransition) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("claim %s: %w", captureID, err)
	}
	p.publishProgress(c, nil)

	// Fetch the clip.
	clip, err := p.clips.Get(c.ClipKey)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			return p.fail(ctx, c, model.StatusClassifying, model.ReasonClipMissing, started)
		}
		return p.fail(ctx, c, model.StatusClassifying, model.ReasonTransport, started)
	}

	// Classify. Failure here is terminal: without a species there is nothing
	// to attach art to.
	verdict, err := p.classifier.Classify(ctx, c.ID, clip, c.ContentType)
	if err != nil {
		reason := model.ReasonTransport
		if kind, ok := inference.KindOf(err); ok {
			reason = kind.FailureReason()
		}
		p.logger.Printf("capture %s classify failed: %v", c.ID, err)
		return p.fail(ctx, c, model.StatusClassifying, reason, started)
	}

	sp, err := p.repo.UpsertSpecies(ctx, verdict.SpeciesCode, verdict.CommonName, verdict.ScientificName)
	if err != nil {
		return p.fail(ctx, c, model.StatusClassifying, model.ReasonTransport, started)
	}

	c, err = p.repo.TransitionCapture(ctx, c.ID,
		[]model.Status{model.StatusClassifying}, model.StatusClassified,
		model.CapturePatch{SpeciesID: &sp.ID, Confidence: &verdict.Confidence})
	if errors.Is(err, repository.ErrInvalidTransition) {
		return nil // reaped or raced; the other writer owns the outcome
	}
	if err != nil {
		return fmt.Errorf("capture %s to classified: %w", captureID, err)
	}
	p.publishProgress(c, sp)

	// Species already has art: done.
	if sp.HasArt() {
		return p.finish(ctx, c, sp, model.StatusClassified, "", started)
	}

	// First sighting: generate art.
	c, err = p.repo.TransitionCapture(ctx, c.ID,
		[]model.Status{model.StatusClassified}, model.StatusGenerating,
		model.CapturePatch{})
	if errors.Is(err, repository.ErrInvalidTransition) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("capture %s to generating: %w", captureID, err)
	}
	p.publishProgress(c, sp)

	sp, note := p.resolveArt(ctx, c, sp, verdict)
	return p.finish(ctx, c, sp, model.StatusGenerating, note, started)
}

// resolveArt calls the generator and attaches the result. Any failure leaves
// the species without art and marks the capture artUnavailable; it never
// fails the capture.
func (p *Pipeline) resolveArt(ctx context.Context, c *model.Capture, sp *model.Species, verdict *inference.Classification) (*model.Species, string) {
	art, err := p.generator.Generate(ctx, c.ID, verdict.SpeciesCode, verdict.CommonName, verdict.ScientificName)
	if err != nil {
		p.logger.Printf("capture %s art generation failed for %s: %v", c.ID, sp.Code, err)
		return sp, model.NoteArtUnavailable
	}

	// Record the asset in the store under the species key before the URL is
	// made visible; a species URL is only ever set after a successful put.
	// The store is idempotent by key, so a concurrent worker writing the same
	// species is harmless.
	if _, err := p.mirrorAsset(sp.Code, art); err != nil {
		p.logger.Printf("capture %s asset store put failed for %s: %v", c.ID, sp.Code, err)
		return sp, model.NoteArtUnavailable
	}

	updated, won, err := p.repo.SetSpeciesArt(ctx, sp.Code, art.ImageURL, art.GIFURL)
	if err != nil {
		p.logger.Printf("capture %s set species art failed for %s: %v", c.ID, sp.Code, err)
		return sp, model.NoteArtUnavailable
	}
	if !won {
		// Another capture of the same species raced us and won. Their URL is
		// authoritative; ours is discarded.
		p.logger.Printf("capture %s lost art race for species %s", c.ID, sp.Code)
	}
	return updated, ""
}

// mirrorAsset downloads nothing: the generator already hosts the image. The
// asset store put records the species key so the asset-URL invariant (every
// non-null URL has a successful put behind it) holds even for remote art.
func (p *Pipeline) mirrorAsset(speciesCode string, art *inference.Artwork) (string, error) {
	return p.assets.Put(speciesCode, []byte(art.ImageURL), "text/uri-list")
}

// finish moves the capture to processed and publishes the terminal event.
func (p *Pipeline) finish(ctx context.Context, c *model.Capture, sp *model.Species, from model.Status, note string, started time.Time) error {
	now := p.clock.Now()
	patch := model.CapturePatch{ProcessedAt: &now}
	if note != "" {
		patch.Note = &note
	}

	done, err := p.repo.TransitionCapture(ctx, c.ID, []model.Status{from}, model.StatusProcessed, patch)
	if errors.Is(err, repository.ErrInvalidTransition) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("capture %s to processed: %w", c.ID, err)
	}

	p.metrics.ObserveTerminal(string(model.StatusProcessed), "", now.Sub(started).Seconds())
	p.bus.Publish(events.UserTopic(done.UserID),
		events.FromCapture(events.TypeCaptureProcessed, done, sp, now))
	p.logger.Printf("capture %s processed (species=%s note=%q)", done.ID, speciesCode(sp), note)
	return nil
}

// fail moves the capture to failed and publishes the terminal event.
func (p *Pipeline) fail(ctx context.Context, c *model.Capture, from model.Status, reason model.FailureReason, started time.Time) error {
	now := p.clock.Now()
	done, err := p.repo.TransitionCapture(ctx, c.ID, []model.Status{from}, model.StatusFailed,
		model.CapturePatch{FailureReason: &reason, ProcessedAt: &now})
	if errors.Is(err, repository.ErrInvalidTransition) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("capture %s to failed: %w", c.ID, err)
	}

	p.metrics.ObserveTerminal(string(model.StatusFailed), string(reason), now.Sub(started).Seconds())
	p.bus.Publish(events.UserTopic(done.UserID),
		events.FromCapture(events.TypeCaptureFailed, done, nil, now))
	p.logger.Printf("capture %s failed (%s)", done.ID, reason)
	return nil
}

// publishProgress emits a best-effort non-terminal event.
func (p *Pipeline) publishProgress(c *model.Capture, sp *model.Species) {
	p.bus.Publish(events.UserTopic(c.UserID),
		events.FromCapture(events.TypeCaptureProgress, c, sp, p.clock.Now()))
}

func speciesCode(sp *model.Species) string {
	if sp == nil {
		return ""
	}
	return sp.Code
}
