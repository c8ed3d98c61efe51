package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/chirpneighbors/coordinator/internal/clock"
	"github.com/chirpneighbors/coordinator/internal/model"
)

func newTestRepo(t *testing.T) (*Memory, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC))
	return NewMemory(clk, clk), clk
}

func newCapture(deviceID string, seq int64) *model.Capture {
	return &model.Capture{
		UserID:         "user-1",
		DeviceID:       deviceID,
		DeviceSequence: seq,
		ClipKey:        "abc123",
		ContentType:    "audio/wav",
		SizeBytes:      1024,
	}
}

// =============================================================================
// Capture creation & idempotent replay
// =============================================================================

func TestCreateCapture_AssignsDefaults(t *testing.T) {
	repo, clk := newTestRepo(t)
	c, err := repo.CreateCapture(context.Background(), newCapture("CHIRP-AABBCCDDEEFF", 1))
	if err != nil {
		t.Fatalf("CreateCapture: %v", err)
	}
	if c.ID == "" {
		t.Error("capture should get an id")
	}
	if c.Status != model.StatusPending {
		t.Errorf("new capture status = %s, want pending", c.Status)
	}
	if !c.ReceivedAt.Equal(clk.Now()) {
		t.Errorf("received_at = %v, want clock now %v", c.ReceivedAt, clk.Now())
	}
}

func TestCreateCapture_DuplicateSequenceReturnsExisting(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	first, err := repo.CreateCapture(ctx, newCapture("CHIRP-AABBCCDDEEFF", 42))
	if err != nil {
		t.Fatalf("first create: %v", err)
	}

	replay, err := repo.CreateCapture(ctx, newCapture("CHIRP-AABBCCDDEEFF", 42))
	if !errors.Is(err, ErrDuplicateSequence) {
		t.Fatalf("replay should return ErrDuplicateSequence, got %v", err)
	}
	if replay.ID != first.ID {
		t.Errorf("replay should return the existing capture: got %s, want %s", replay.ID, first.ID)
	}
}

func TestCreateCapture_SameSequenceDifferentDevice(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	a, _ := repo.CreateCapture(ctx, newCapture("CHIRP-AAAAAAAAAAAA", 7))
	b, err := repo.CreateCapture(ctx, newCapture("CHIRP-BBBBBBBBBBBB", 7))
	if err != nil {
		t.Fatalf("same sequence on a different device must not collide: %v", err)
	}
	if a.ID == b.ID {
		t.Error("captures from different devices should be distinct")
	}
}

// =============================================================================
// State machine: conditional transitions & terminal immutability
// =============================================================================

func TestTransitionCapture_GuardEnforcesFromState(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()
	c, _ := repo.CreateCapture(ctx, newCapture("dev", 1))

	// pending → classifying succeeds
	got, err := repo.TransitionCapture(ctx, c.ID,
		[]model.Status{model.StatusPending}, model.StatusClassifying,
		model.CapturePatch{IncAttempts: true})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if got.Status != model.StatusClassifying || got.Attempts != 1 {
		t.Errorf("claim result: status=%s attempts=%d", got.Status, got.Attempts)
	}

	// A second claim from pending must lose: it's no longer pending.
	if _, err := repo.TransitionCapture(ctx, c.ID,
		[]model.Status{model.StatusPending}, model.StatusClassifying,
		model.CapturePatch{}); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("double claim should fail with ErrInvalidTransition, got %v", err)
	}
}

func TestTransitionCapture_TerminalIsImmutable(t *testing.T) {
	repo, clk := newTestRepo(t)
	ctx := context.Background()
	c, _ := repo.CreateCapture(ctx, newCapture("dev", 1))

	now := clk.Now()
	reason := model.ReasonTimeout
	if _, err := repo.TransitionCapture(ctx, c.ID,
		[]model.Status{model.StatusPending}, model.StatusFailed,
		model.CapturePatch{FailureReason: &reason, ProcessedAt: &now}); err != nil {
		t.Fatalf("fail: %v", err)
	}

	// No transition may leave failed, even one naming failed as a from-state.
	if _, err := repo.TransitionCapture(ctx, c.ID,
		[]model.Status{model.StatusFailed}, model.StatusProcessed,
		model.CapturePatch{}); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("terminal capture must be immutable, got %v", err)
	}

	got, _ := repo.GetCapture(ctx, c.ID)
	if got.Status != model.StatusFailed || got.FailureReason != model.ReasonTimeout {
		t.Errorf("terminal state mutated: %s/%s", got.Status, got.FailureReason)
	}
}

func TestTransitionCapture_UnknownIDNotFound(t *testing.T) {
	repo, _ := newTestRepo(t)
	_, err := repo.TransitionCapture(context.Background(), "nope",
		[]model.Status{model.StatusPending}, model.StatusClassifying, model.CapturePatch{})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown capture should be ErrNotFound, got %v", err)
	}
}

// =============================================================================
// Species: upsert & single-winner art attachment
// =============================================================================

func TestUpsertSpecies_IdempotentByCode(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	a, _ := repo.UpsertSpecies(ctx, "amerob", "American Robin", "Turdus migratorius")
	b, _ := repo.UpsertSpecies(ctx, "amerob", "American Robin", "Turdus migratorius")
	if a.ID != b.ID {
		t.Errorf("upsert should reuse the row: %s vs %s", a.ID, b.ID)
	}
}

func TestSetSpeciesArt_FirstWriterWins(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()
	repo.UpsertSpecies(ctx, "pilwoo", "Pileated Woodpecker", "Dryocopus pileatus")

	gif := "https://assets/pilwoo.gif"
	first, won, err := repo.SetSpeciesArt(ctx, "pilwoo", "https://assets/pilwoo.webp", &gif)
	if err != nil || !won {
		t.Fatalf("first writer should win: won=%v err=%v", won, err)
	}
	if first.ImageURL == nil || *first.ImageURL != "https://assets/pilwoo.webp" {
		t.Errorf("image url not set: %v", first.ImageURL)
	}

	second, won, err := repo.SetSpeciesArt(ctx, "pilwoo", "https://assets/other.webp", nil)
	if err != nil {
		t.Fatalf("losing the race is not an error: %v", err)
	}
	if won {
		t.Error("second writer must not win")
	}
	if *second.ImageURL != "https://assets/pilwoo.webp" {
		t.Errorf("loser must see the winner's url, got %s", *second.ImageURL)
	}
}

func TestUpsertSpecies_NeverClearsArt(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()
	repo.UpsertSpecies(ctx, "norcar", "Northern Cardinal", "Cardinalis cardinalis")
	repo.SetSpeciesArt(ctx, "norcar", "https://assets/norcar.webp", nil)

	sp, _ := repo.UpsertSpecies(ctx, "norcar", "Northern Cardinal", "Cardinalis cardinalis")
	if !sp.HasArt() {
		t.Error("re-upserting a species must not clear its art")
	}
}

// =============================================================================
// Devices & heartbeat monotonicity
// =============================================================================

func TestRegisterOrUpdateDevice_CreateThenUpdate(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	d := &model.Device{ID: "CHIRP-AABBCCDDEEFF", UserID: "user-1", FirmwareVersion: "1.0.0", Model: "ReSpeaker-Lite"}
	_, created, err := repo.RegisterOrUpdateDevice(ctx, d)
	if err != nil || !created {
		t.Fatalf("first register: created=%v err=%v", created, err)
	}

	d.FirmwareVersion = "1.1.0"
	dev, created, err := repo.RegisterOrUpdateDevice(ctx, d)
	if err != nil || created {
		t.Fatalf("second register should update: created=%v err=%v", created, err)
	}
	if dev.FirmwareVersion != "1.1.0" {
		t.Errorf("firmware not refreshed: %s", dev.FirmwareVersion)
	}
}

func TestTouchDevice_IgnoresOutOfOrderHeartbeats(t *testing.T) {
	repo, clk := newTestRepo(t)
	ctx := context.Background()
	repo.RegisterOrUpdateDevice(ctx, &model.Device{ID: "dev", UserID: "user-1"})

	later := clk.Now().Add(10 * time.Minute)
	battery := 3.9
	if _, err := repo.TouchDevice(ctx, "dev", model.Heartbeat{Timestamp: later, BatteryVoltage: &battery}); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	// A delayed heartbeat with an older timestamp must not move last_seen back.
	stale := clk.Now().Add(5 * time.Minute)
	low := 3.1
	dev, err := repo.TouchDevice(ctx, "dev", model.Heartbeat{Timestamp: stale, BatteryVoltage: &low})
	if err != nil {
		t.Fatalf("stale heartbeat: %v", err)
	}
	if !dev.LastSeen.Equal(later) {
		t.Errorf("last_seen moved backwards: %v, want %v", dev.LastSeen, later)
	}
	if dev.BatteryVoltage == nil || *dev.BatteryVoltage != 3.9 {
		t.Errorf("stale heartbeat must not overwrite telemetry: %v", dev.BatteryVoltage)
	}
}

// =============================================================================
// Pagination & reaper queries
// =============================================================================

func TestListCaptures_NewestFirstWithCursor(t *testing.T) {
	repo, clk := newTestRepo(t)
	ctx := context.Background()

	var ids []string
	for i := int64(1); i <= 5; i++ {
		c, _ := repo.CreateCapture(ctx, newCapture("dev", i))
		ids = append(ids, c.ID)
		clk.Advance(time.Minute)
	}

	page1, cursor, err := repo.ListCaptures(ctx, "user-1", "", 2)
	if err != nil {
		t.Fatalf("page 1: %v", err)
	}
	if len(page1) != 2 || cursor == "" {
		t.Fatalf("page 1: len=%d cursor=%q", len(page1), cursor)
	}
	if page1[0].ID != ids[4] || page1[1].ID != ids[3] {
		t.Errorf("page 1 should be newest first: %s, %s", page1[0].ID, page1[1].ID)
	}

	page2, _, err := repo.ListCaptures(ctx, "user-1", cursor, 2)
	if err != nil {
		t.Fatalf("page 2: %v", err)
	}
	if page2[0].ID != ids[2] || page2[1].ID != ids[1] {
		t.Errorf("page 2 out of order: %s, %s", page2[0].ID, page2[1].ID)
	}
}

func TestListCaptures_BadCursorRejected(t *testing.T) {
	repo, _ := newTestRepo(t)
	if _, _, err := repo.ListCaptures(context.Background(), "user-1", "not-base64!!!", 10); err == nil {
		t.Error("malformed cursor should be rejected")
	}
}

func TestListStuckCaptures_OnlyOldNonTerminal(t *testing.T) {
	repo, clk := newTestRepo(t)
	ctx := context.Background()

	old, _ := repo.CreateCapture(ctx, newCapture("dev", 1))
	oldDone, _ := repo.CreateCapture(ctx, newCapture("dev", 2))
	now := clk.Now()
	repo.TransitionCapture(ctx, oldDone.ID,
		[]model.Status{model.StatusPending}, model.StatusFailed,
		model.CapturePatch{ProcessedAt: &now})

	clk.Advance(5 * time.Minute)
	fresh, _ := repo.CreateCapture(ctx, newCapture("dev", 3))

	stuck, err := repo.ListStuckCaptures(ctx, clk.Now().Add(-2*time.Minute))
	if err != nil {
		t.Fatalf("ListStuckCaptures: %v", err)
	}
	if len(stuck) != 1 || stuck[0].ID != old.ID {
		t.Errorf("expected exactly the old pending capture %s, got %+v", old.ID, stuck)
	}
	_ = fresh
}
