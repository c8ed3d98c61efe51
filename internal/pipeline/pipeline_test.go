package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/chirpneighbors/coordinator/internal/blob"
	"github.com/chirpneighbors/coordinator/internal/clock"
	"github.com/chirpneighbors/coordinator/internal/events"
	"github.com/chirpneighbors/coordinator/internal/inference"
	"github.com/chirpneighbors/coordinator/internal/model"
	"github.com/chirpneighbors/coordinator/internal/repository"
)

// =============================================================================
// Stub collaborators
// =============================================================================

type stubClassifier struct {
	verdict inference.Classification
	err     error
	calls   int
}

func (s *stubClassifier) Classify(_ context.Context, _ string, _ []byte, _ string) (*inference.Classification, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	v := s.verdict
	return &v, nil
}

type stubGenerator struct {
	art   inference.Artwork
	err   error
	calls int
}

func (s *stubGenerator) Generate(_ context.Context, _, _, _, _ string) (*inference.Artwork, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	a := s.art
	return &a, nil
}

// =============================================================================
// Fixture
// =============================================================================

type fixture struct {
	repo       *repository.Memory
	clips      *blob.MemoryStore
	assets     *blob.MemoryStore
	classifier *stubClassifier
	generator  *stubGenerator
	bus        *events.Bus
	clk        *clock.Fake
	pipe       *Pipeline
	sub        *events.Subscription
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := clock.NewFake(time.Date(2025, 6, 1, 6, 30, 0, 0, time.UTC))
	f := &fixture{
		repo:   repository.NewMemory(clk, clk),
		clips:  blob.NewMemoryStore("https://clips.chirp.local"),
		assets: blob.NewMemoryStore("https://assets.chirp.local"),
		classifier: &stubClassifier{verdict: inference.Classification{
			SpeciesCode:    "amerob",
			CommonName:     "American Robin",
			ScientificName: "Turdus migratorius",
			Confidence:     0.94,
		}},
		generator: &stubGenerator{art: inference.Artwork{ImageURL: "https://assets/amerob.webp"}},
		bus:       events.NewBus(16),
		clk:       clk,
	}
	t.Cleanup(f.bus.Close)
	f.pipe = New(f.repo, f.clips, f.assets, f.classifier, f.generator, f.bus, clk, nil)
	f.sub = f.bus.Subscribe(events.UserTopic("user-1"))
	return f
}

// seed creates a pending capture whose clip is in the store.
func (f *fixture) seed(t *testing.T, seq int64) *model.Capture {
	t.Helper()
	clip := []byte("clip-bytes")
	key := blob.ContentKey(clip)
	if _, err := f.clips.Put(key, clip, "audio/wav"); err != nil {
		t.Fatalf("seed clip: %v", err)
	}
	c, err := f.repo.CreateCapture(context.Background(), &model.Capture{
		UserID:         "user-1",
		DeviceID:       "CHIRP-AABBCCDDEEFF",
		DeviceSequence: seq,
		ClipKey:        key,
		ContentType:    "audio/wav",
	})
	if err != nil {
		t.Fatalf("seed capture: %v", err)
	}
	return c
}

func (f *fixture) drainEvents(t *testing.T) []*events.Event {
	t.Helper()
	var out []*events.Event
	for {
		select {
		case ev := <-f.sub.C:
			out = append(out, ev)
		default:
			return out
		}
	}
}

// =============================================================================
// Happy paths
// =============================================================================

func TestRun_FirstSightingGeneratesArt(t *testing.T) {
	f := newFixture(t)
	c := f.seed(t, 1)

	if err := f.pipe.Run(context.Background(), c.ID); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got, _ := f.repo.GetCapture(context.Background(), c.ID)
	if got.Status != model.StatusProcessed {
		t.Fatalf("status = %s, want processed", got.Status)
	}
	if got.Confidence == nil || *got.Confidence != 0.94 {
		t.Errorf("confidence not recorded: %v", got.Confidence)
	}
	if got.ProcessedAt == nil {
		t.Error("processed_at not set")
	}
	if got.Note != "" {
		t.Errorf("happy path should carry no note, got %q", got.Note)
	}

	sp, err := f.repo.GetSpecies(context.Background(), "amerob")
	if err != nil {
		t.Fatalf("species row missing: %v", err)
	}
	if !sp.HasArt() || *sp.ImageURL != "https://assets/amerob.webp" {
		t.Errorf("species art not attached: %+v", sp)
	}
	if f.generator.calls != 1 {
		t.Errorf("generator calls = %d, want 1", f.generator.calls)
	}
	if f.assets.Len() != 1 {
		t.Errorf("asset store should hold the species asset, got %d blobs", f.assets.Len())
	}

	evs := f.drainEvents(t)
	last := evs[len(evs)-1]
	if last.Type != events.TypeCaptureProcessed || last.Species != "amerob" {
		t.Errorf("terminal event wrong: %+v", last)
	}
}

func TestRun_KnownSpeciesSkipsGenerator(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// First capture of the species generates the art.
	first := f.seed(t, 1)
	if err := f.pipe.Run(ctx, first.ID); err != nil {
		t.Fatalf("first run: %v", err)
	}
	// Second capture of the same species must reuse it.
	second := f.seed(t, 2)
	if err := f.pipe.Run(ctx, second.ID); err != nil {
		t.Fatalf("second run: %v", err)
	}

	if f.generator.calls != 1 {
		t.Errorf("generator should be called once total, got %d", f.generator.calls)
	}
	got, _ := f.repo.GetCapture(ctx, second.ID)
	if got.Status != model.StatusProcessed {
		t.Errorf("second capture status = %s, want processed", got.Status)
	}
}

// =============================================================================
// Art is optional
// =============================================================================

func TestRun_GeneratorFailureStillProcessed(t *testing.T) {
	f := newFixture(t)
	f.generator.err = &inference.Error{Kind: inference.KindUnavailable, Target: "generator"}
	c := f.seed(t, 1)

	if err := f.pipe.Run(context.Background(), c.ID); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got, _ := f.repo.GetCapture(context.Background(), c.ID)
	if got.Status != model.StatusProcessed {
		t.Fatalf("art failure must not fail the capture: %s", got.Status)
	}
	if got.Note != model.NoteArtUnavailable {
		t.Errorf("note = %q, want %q", got.Note, model.NoteArtUnavailable)
	}
	sp, _ := f.repo.GetSpecies(context.Background(), "amerob")
	if sp.HasArt() {
		t.Error("species must remain art-less after generator failure")
	}
}

func TestRun_AssetStoreFailureStillProcessed(t *testing.T) {
	f := newFixture(t)
	f.assets.FailPuts = 1
	c := f.seed(t, 1)

	if err := f.pipe.Run(context.Background(), c.ID); err != nil {
		t.Fatalf("Run: %v", err)
	}
	got, _ := f.repo.GetCapture(context.Background(), c.ID)
	if got.Status != model.StatusProcessed || got.Note != model.NoteArtUnavailable {
		t.Errorf("asset store failure: status=%s note=%q", got.Status, got.Note)
	}
	sp, _ := f.repo.GetSpecies(context.Background(), "amerob")
	if sp.HasArt() {
		t.Error("species url must not be set when the asset put failed")
	}
}

// =============================================================================
// Failure paths
// =============================================================================

func TestRun_ClassifierErrorMapsToReason(t *testing.T) {
	cases := []struct {
		kind   inference.Kind
		reason model.FailureReason
	}{
		{inference.KindTimeout, model.ReasonTimeout},
		{inference.KindUnavailable, model.ReasonUnavailable},
		{inference.KindBadRequest, model.ReasonBadRequest},
		{inference.KindMalformed, model.ReasonMalformed},
		{inference.KindTransport, model.ReasonTransport},
	}
	for _, tc := range cases {
		f := newFixture(t)
		f.classifier.err = &inference.Error{Kind: tc.kind, Target: "classifier"}
		c := f.seed(t, 1)

		if err := f.pipe.Run(context.Background(), c.ID); err != nil {
			t.Fatalf("%v: Run: %v", tc.kind, err)
		}
		got, _ := f.repo.GetCapture(context.Background(), c.ID)
		if got.Status != model.StatusFailed || got.FailureReason != tc.reason {
			t.Errorf("%v: status=%s reason=%s, want failed/%s", tc.kind, got.Status, got.FailureReason, tc.reason)
		}
		evs := f.drainEvents(t)
		if evs[len(evs)-1].Type != events.TypeCaptureFailed {
			t.Errorf("%v: terminal event should be capture.failed", tc.kind)
		}
	}
}

func TestRun_MissingClipFailsClipMissing(t *testing.T) {
	f := newFixture(t)
	c, _ := f.repo.CreateCapture(context.Background(), &model.Capture{
		UserID: "user-1", DeviceID: "dev", DeviceSequence: 1,
		ClipKey: "deadbeef", ContentType: "audio/wav",
	})

	if err := f.pipe.Run(context.Background(), c.ID); err != nil {
		t.Fatalf("Run: %v", err)
	}
	got, _ := f.repo.GetCapture(context.Background(), c.ID)
	if got.Status != model.StatusFailed || got.FailureReason != model.ReasonClipMissing {
		t.Errorf("status=%s reason=%s, want failed/ClipMissing", got.Status, got.FailureReason)
	}
	if f.classifier.calls != 0 {
		t.Error("classifier must not be called without a clip")
	}
}

// =============================================================================
// Claim exclusivity
// =============================================================================

func TestRun_AlreadyClaimedAbortsSilently(t *testing.T) {
	f := newFixture(t)
	c := f.seed(t, 1)

	// Another worker holds the capture.
	if _, err := f.repo.TransitionCapture(context.Background(), c.ID,
		[]model.Status{model.StatusPending}, model.StatusClassifying,
		model.CapturePatch{IncAttempts: true}); err != nil {
		t.Fatalf("simulated claim: %v", err)
	}

	if err := f.pipe.Run(context.Background(), c.ID); err != nil {
		t.Fatalf("losing the claim must not error: %v", err)
	}
	if f.classifier.calls != 0 {
		t.Error("a worker that lost the claim must not process the capture")
	}
	got, _ := f.repo.GetCapture(context.Background(), c.ID)
	if got.Status != model.StatusClassifying || got.Attempts != 1 {
		t.Errorf("capture disturbed by losing worker: status=%s attempts=%d", got.Status, got.Attempts)
	}
}

func TestRun_TerminalCaptureUntouched(t *testing.T) {
	f := newFixture(t)
	c := f.seed(t, 1)
	now := f.clk.Now()
	reason := model.ReasonOrphaned
	f.repo.TransitionCapture(context.Background(), c.ID,
		[]model.Status{model.StatusPending}, model.StatusFailed,
		model.CapturePatch{FailureReason: &reason, ProcessedAt: &now})

	if err := f.pipe.Run(context.Background(), c.ID); err != nil {
		t.Fatalf("Run on terminal capture: %v", err)
	}
	got, _ := f.repo.GetCapture(context.Background(), c.ID)
	if got.Status != model.StatusFailed || got.FailureReason != model.ReasonOrphaned {
		t.Errorf("terminal capture mutated: %s/%s", got.Status, got.FailureReason)
	}
}

// =============================================================================
// Art race
// =============================================================================

func TestRun_LostArtRaceKeepsWinnerURL(t *testing.T) {
	f := newFixture(t)
	c := f.seed(t, 1)

	// Pre-create the species without art, then let another worker win the
	// race between this worker's generate and its SetSpeciesArt.
	f.repo.UpsertSpecies(context.Background(), "amerob", "American Robin", "Turdus migratorius")
	f.repo.SetSpeciesArt(context.Background(), "amerob", "https://assets/winner.webp", nil)

	// The species already has art, so HasArt short-circuits before the
	// generator: this models the coarse version of the race.
	if err := f.pipe.Run(context.Background(), c.ID); err != nil {
		t.Fatalf("Run: %v", err)
	}
	sp, _ := f.repo.GetSpecies(context.Background(), "amerob")
	if *sp.ImageURL != "https://assets/winner.webp" {
		t.Errorf("winner's url must survive: %s", *sp.ImageURL)
	}
	if f.generator.calls != 0 {
		t.Errorf("generator calls = %d, want 0", f.generator.calls)
	}
}

func TestRun_ProgressEventsInOrder(t *testing.T) {
	f := newFixture(t)
	c := f.seed(t, 1)
	if err := f.pipe.Run(context.Background(), c.ID); err != nil {
		t.Fatalf("Run: %v", err)
	}

	evs := f.drainEvents(t)
	var statuses []string
	for _, ev := range evs {
		statuses = append(statuses, ev.Status)
	}
	want := []string{"classifying", "classified", "generating", "processed"}
	if len(statuses) != len(want) {
		t.Fatalf("event statuses = %v, want %v", statuses, want)
	}
	for i := range want {
		if statuses[i] != want[i] {
			t.Fatalf("event statuses = %v, want %v", statuses, want)
		}
	}
	if evs[len(evs)-1].Confidence == nil {
		t.Error("terminal event should carry confidence")
	}
}
