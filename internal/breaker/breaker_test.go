package breaker

import (
	"errors"
	"testing"
	"time"

	"github.com/chirpneighbors/coordinator/internal/clock"
)

func newTestBreaker(t *testing.T) (*Breaker, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	b := New(Config{
		Name:        "classifier",
		WindowSize:  20,
		MinCalls:    5,
		FailureRate: 0.5,
		Cooldown:    30 * time.Second,
	}, clk)
	return b, clk
}

func record(b *Breaker, success bool, n int) {
	for i := 0; i < n; i++ {
		b.Allow()
		b.Record(success)
	}
}

// =============================================================================
// CLOSED → OPEN
// =============================================================================

func TestBreaker_StaysClosedBelowMinCalls(t *testing.T) {
	b, _ := newTestBreaker(t)
	record(b, false, 4) // all failures, but under MinCalls
	if b.State() != StateClosed {
		t.Errorf("breaker should stay closed below MinCalls, got %s", b.State())
	}
}

func TestBreaker_OpensAboveFailureRate(t *testing.T) {
	b, _ := newTestBreaker(t)
	record(b, true, 2)
	record(b, false, 5) // 5/7 failures > 50%
	if b.State() != StateOpen {
		t.Errorf("breaker should be open at 5/7 failures, got %s", b.State())
	}
}

func TestBreaker_OpenFailsFast(t *testing.T) {
	b, _ := newTestBreaker(t)
	record(b, false, 6)
	if b.State() != StateOpen {
		t.Fatalf("precondition: breaker should be open, got %s", b.State())
	}
	if err := b.Allow(); !errors.Is(err, ErrOpen) {
		t.Errorf("Allow while open should return ErrOpen, got %v", err)
	}
}

func TestBreaker_BalancedOutcomesStayClosed(t *testing.T) {
	b, _ := newTestBreaker(t)
	for i := 0; i < 10; i++ {
		record(b, i%2 == 0, 1) // exactly 50%, threshold is strict
	}
	if b.State() != StateClosed {
		t.Errorf("50%% failure rate should not trip a >50%% threshold, got %s", b.State())
	}
}

// =============================================================================
// OPEN → HALF-OPEN → CLOSED/OPEN
// =============================================================================

func TestBreaker_CooldownAdmitsOneProbe(t *testing.T) {
	b, clk := newTestBreaker(t)
	record(b, false, 6)

	clk.Advance(30 * time.Second)
	if b.State() != StateHalfOpen {
		t.Fatalf("breaker should be half-open after cooldown, got %s", b.State())
	}
	if err := b.Allow(); err != nil {
		t.Fatalf("first probe should be admitted: %v", err)
	}
	if err := b.Allow(); !errors.Is(err, ErrOpen) {
		t.Errorf("second concurrent probe should be rejected, got %v", err)
	}
}

func TestBreaker_ProbeSuccessCloses(t *testing.T) {
	b, clk := newTestBreaker(t)
	record(b, false, 6)
	clk.Advance(30 * time.Second)

	if err := b.Allow(); err != nil {
		t.Fatalf("probe admission: %v", err)
	}
	b.Record(true)
	if b.State() != StateClosed {
		t.Errorf("probe success should close the breaker, got %s", b.State())
	}
	if err := b.Allow(); err != nil {
		t.Errorf("closed breaker should admit calls: %v", err)
	}
}

func TestBreaker_ProbeFailureReopens(t *testing.T) {
	b, clk := newTestBreaker(t)
	record(b, false, 6)
	clk.Advance(30 * time.Second)

	if err := b.Allow(); err != nil {
		t.Fatalf("probe admission: %v", err)
	}
	b.Record(false)
	if b.State() != StateOpen {
		t.Errorf("probe failure should reopen the breaker, got %s", b.State())
	}
	if err := b.Allow(); !errors.Is(err, ErrOpen) {
		t.Errorf("reopened breaker should fail fast, got %v", err)
	}
}

func TestBreaker_ReopenRestartsCooldown(t *testing.T) {
	b, clk := newTestBreaker(t)
	record(b, false, 6)
	clk.Advance(30 * time.Second)
	b.Allow()
	b.Record(false) // reopen

	clk.Advance(29 * time.Second)
	if b.State() != StateOpen {
		t.Errorf("cooldown should restart on reopen, got %s", b.State())
	}
	clk.Advance(time.Second)
	if b.State() != StateHalfOpen {
		t.Errorf("breaker should be half-open after the fresh cooldown, got %s", b.State())
	}
}

// =============================================================================
// Window & callbacks
// =============================================================================

func TestBreaker_CloseResetsWindow(t *testing.T) {
	b, clk := newTestBreaker(t)
	record(b, false, 6)
	clk.Advance(30 * time.Second)
	b.Allow()
	b.Record(true) // closed with a fresh window

	// Old failures must not count against the new window.
	record(b, false, 4)
	if b.State() != StateClosed {
		t.Errorf("4 failures after reset are below MinCalls, got %s", b.State())
	}
}

func TestBreaker_StateChangeCallbackFires(t *testing.T) {
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	type change struct{ from, to State }
	var changes []change
	b := New(Config{
		Name: "generator",
		OnStateChange: func(name string, from, to State) {
			if name != "generator" {
				t.Errorf("callback name = %q, want generator", name)
			}
			changes = append(changes, change{from, to})
		},
	}, clk)

	record(b, false, 6)
	clk.Advance(30 * time.Second)
	b.Allow()
	b.Record(true)

	if len(changes) != 2 {
		t.Fatalf("expected 2 transitions (closed→open, half-open→closed), got %d", len(changes))
	}
	if changes[0].to != StateOpen || changes[1].to != StateClosed {
		t.Errorf("unexpected transition sequence: %+v", changes)
	}
}

func TestBreaker_DoReportsOutcome(t *testing.T) {
	b, _ := newTestBreaker(t)
	boom := errors.New("boom")
	for i := 0; i < 6; i++ {
		if err := b.Do(func() error { return boom }); !errors.Is(err, boom) {
			t.Fatalf("Do should surface fn error, got %v", err)
		}
	}
	if err := b.Do(func() error { return nil }); !errors.Is(err, ErrOpen) {
		t.Errorf("Do on an open breaker should fail fast, got %v", err)
	}
}
