// Package clock provides the injected time source and id minting used across
// the coordinator. Handlers and the pipeline never call time.Now or mint ids
// directly; tests pin both.
package clock

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Clock returns the current UTC time.
type Clock interface {
	Now() time.Time
}

// IDGenerator mints collision-resistant identifiers.
type IDGenerator interface {
	NewID() string
}

// System is the production Clock and IDGenerator.
type System struct{}

func (System) Now() time.Time { return time.Now().UTC() }

func (System) NewID() string { return uuid.New().String() }

// Fake is a manually advanced clock for tests. The zero value starts at a
// fixed epoch and mints deterministic sequential ids.
type Fake struct {
	mu  sync.Mutex
	now time.Time
	seq int
}

// NewFake returns a Fake pinned to the given instant.
func NewFake(at time.Time) *Fake {
	return &Fake{now: at.UTC()}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.now.IsZero() {
		f.now = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	return f.now
}

// Advance moves the fake clock forward.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.now.IsZero() {
		f.now = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	f.now = f.now.Add(d)
}

func (f *Fake) NewID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte{byte(f.seq), byte(f.seq >> 8)}).String()
}
