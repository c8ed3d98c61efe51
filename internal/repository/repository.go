// Package repository exposes coarse-grained transactional persistence for
// users, devices, species, and captures. It is deliberately not an ORM: each
// method is one database transaction, and the conditional write in
// TransitionCapture is the sole mechanism preventing double-processing.
package repository

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/chirpneighbors/coordinator/internal/model"
)

var (
	// ErrDuplicateSequence is returned by CreateCapture when the
	// (device_id, device_sequence) pair already exists. The existing capture
	// is returned alongside so ingress can replay it idempotently.
	ErrDuplicateSequence = errors.New("repository: duplicate device sequence")

	// ErrInvalidTransition is returned by TransitionCapture when the capture
	// is not in any of the allowed from-states. Callers treat it as "someone
	// else already claimed or terminated this capture" and abort silently.
	ErrInvalidTransition = errors.New("repository: invalid capture transition")

	ErrNotFound = errors.New("repository: not found")
)

// Repository is the transactional persistence contract consumed by ingress,
// the pipeline, and the reaper.
type Repository interface {
	// CreateCapture inserts a pending capture. On a duplicate
	// (device_id, device_sequence) it returns the existing row together with
	// ErrDuplicateSequence.
	CreateCapture(ctx context.Context, c *model.Capture) (*model.Capture, error)

	// TransitionCapture atomically moves a capture from one of the given
	// states to the target state, applying the patch. Returns
	// ErrInvalidTransition when the guard does not match.
	TransitionCapture(ctx context.Context, id string, from []model.Status, to model.Status, patch model.CapturePatch) (*model.Capture, error)

	GetCapture(ctx context.Context, id string) (*model.Capture, error)

	// ListCaptures returns a page of the user's captures, newest first, and
	// an opaque cursor for the next page ("" when exhausted).
	ListCaptures(ctx context.Context, userID, cursor string, limit int) ([]*model.Capture, string, error)

	// ListStuckCaptures returns captures still in a non-terminal state that
	// were received before the given instant. Consumed by the reaper.
	ListStuckCaptures(ctx context.Context, olderThan time.Time) ([]*model.Capture, error)

	// UpsertSpecies is idempotent on code and never overwrites art URLs.
	UpsertSpecies(ctx context.Context, code, commonName, scientificName string) (*model.Species, error)

	// SetSpeciesArt attaches art to a species only if none is attached yet.
	// When another worker already won the race it returns the current row
	// with won=false; this is not an error.
	SetSpeciesArt(ctx context.Context, code, imageURL string, gifURL *string) (s *model.Species, won bool, err error)

	GetSpecies(ctx context.Context, code string) (*model.Species, error)
	GetSpeciesByID(ctx context.Context, id string) (*model.Species, error)
	ListSpecies(ctx context.Context) ([]*model.Species, error)

	// RegisterOrUpdateDevice creates the device row on first use or refreshes
	// firmware/capabilities on subsequent calls. created reports which.
	RegisterOrUpdateDevice(ctx context.Context, d *model.Device) (dev *model.Device, created bool, err error)

	// TouchDevice applies a heartbeat only if its timestamp is later than the
	// stored last_seen, so out-of-order delivery never moves it backwards.
	TouchDevice(ctx context.Context, deviceID string, hb model.Heartbeat) (*model.Device, error)

	GetDevice(ctx context.Context, id string) (*model.Device, error)

	GetUser(ctx context.Context, id string) (*model.User, error)
	GetUserByHandle(ctx context.Context, handle string) (*model.User, error)
}

// applyPatch mutates a capture in place. Shared by the memory and Postgres
// implementations so both interpret patches identically.
func applyPatch(c *model.Capture, to model.Status, patch model.CapturePatch) {
	c.Status = to
	if patch.SpeciesID != nil {
		c.SpeciesID = patch.SpeciesID
	}
	if patch.Confidence != nil {
		c.Confidence = patch.Confidence
	}
	if patch.FailureReason != nil {
		c.FailureReason = *patch.FailureReason
	}
	if patch.Note != nil {
		c.Note = *patch.Note
	}
	if patch.ProcessedAt != nil {
		c.ProcessedAt = patch.ProcessedAt
	}
	if patch.IncAttempts {
		c.Attempts++
	}
}

// encodeCursor packs the sort key of the last row of a page.
func encodeCursor(receivedAt time.Time, id string) string {
	raw := receivedAt.UTC().Format(time.RFC3339Nano) + "|" + id
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// decodeCursor reverses encodeCursor. An empty cursor means "from the top".
func decodeCursor(cursor string) (time.Time, string, error) {
	if cursor == "" {
		return time.Time{}, "", nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("repository: bad cursor: %w", err)
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 {
		return time.Time{}, "", fmt.Errorf("repository: bad cursor format")
	}
	ts, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return time.Time{}, "", fmt.Errorf("repository: bad cursor timestamp: %w", err)
	}
	return ts, parts[1], nil
}
