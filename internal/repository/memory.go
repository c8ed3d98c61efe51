package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/chirpneighbors/coordinator/internal/clock"
	"github.com/chirpneighbors/coordinator/internal/model"
)

// Memory is an in-process Repository used by tests and single-node dev mode.
// It honors the same transactional contracts as the Postgres implementation:
// every method takes the store lock for its full duration, so each call is
// atomic with respect to every other call.
type Memory struct {
	mu      sync.Mutex
	clock   clock.Clock
	ids     clock.IDGenerator
	users   map[string]*model.User
	devices map[string]*model.Device
	species map[string]*model.Species // by code
	caps    map[string]*model.Capture
	seqIdx  map[string]string // deviceID|seq -> capture id
}

// NewMemory returns an empty in-memory repository.
func NewMemory(clk clock.Clock, ids clock.IDGenerator) *Memory {
	return &Memory{
		clock:   clk,
		ids:     ids,
		users:   make(map[string]*model.User),
		devices: make(map[string]*model.Device),
		species: make(map[string]*model.Species),
		caps:    make(map[string]*model.Capture),
		seqIdx:  make(map[string]string),
	}
}

// AddUser seeds a user row. Registration itself is outside the coordinator.
func (m *Memory) AddUser(u *model.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *u
	m.users[u.ID] = &cp
}

func seqKey(deviceID string, seq int64) string {
	return fmt.Sprintf("%s|%d", deviceID, seq)
}

func (m *Memory) CreateCapture(_ context.Context, c *model.Capture) (*model.Capture, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := seqKey(c.DeviceID, c.DeviceSequence)
	if existingID, ok := m.seqIdx[key]; ok {
		cp := *m.caps[existingID]
		return &cp, ErrDuplicateSequence
	}

	cp := *c
	if cp.ID == "" {
		cp.ID = m.ids.NewID()
	}
	if cp.ReceivedAt.IsZero() {
		cp.ReceivedAt = m.clock.Now()
	}
	if cp.Status == "" {
		cp.Status = model.StatusPending
	}
	m.caps[cp.ID] = &cp
	m.seqIdx[key] = cp.ID

	out := cp
	return &out, nil
}

func (m *Memory) TransitionCapture(_ context.Context, id string, from []model.Status, to model.Status, patch model.CapturePatch) (*model.Capture, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.caps[id]
	if !ok {
		return nil, ErrNotFound
	}
	allowed := false
	for _, s := range from {
		if c.Status == s {
			allowed = true
			break
		}
	}
	if !allowed || c.Status.Terminal() {
		return nil, ErrInvalidTransition
	}

	applyPatch(c, to, patch)
	cp := *c
	return &cp, nil
}

func (m *Memory) GetCapture(_ context.Context, id string) (*model.Capture, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.caps[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *Memory) ListCaptures(_ context.Context, userID, cursor string, limit int) ([]*model.Capture, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	afterTime, afterID, err := decodeCursor(cursor)
	if err != nil {
		return nil, "", err
	}
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	var all []*model.Capture
	for _, c := range m.caps {
		if c.UserID == userID {
			all = append(all, c)
		}
	}
	// Newest first; id breaks receive-time ties deterministically.
	sort.Slice(all, func(i, j int) bool {
		if !all[i].ReceivedAt.Equal(all[j].ReceivedAt) {
			return all[i].ReceivedAt.After(all[j].ReceivedAt)
		}
		return all[i].ID > all[j].ID
	})

	var page []*model.Capture
	for _, c := range all {
		if cursor != "" {
			if c.ReceivedAt.After(afterTime) || (c.ReceivedAt.Equal(afterTime) && c.ID >= afterID) {
				continue
			}
		}
		cp := *c
		page = append(page, &cp)
		if len(page) == limit {
			break
		}
	}

	next := ""
	if len(page) == limit {
		last := page[len(page)-1]
		next = encodeCursor(last.ReceivedAt, last.ID)
	}
	return page, next, nil
}

func (m *Memory) ListStuckCaptures(_ context.Context, olderThan time.Time) ([]*model.Capture, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*model.Capture
	for _, c := range m.caps {
		if !c.Status.Terminal() && c.ReceivedAt.Before(olderThan) {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	return out, nil
}

func (m *Memory) UpsertSpecies(_ context.Context, code, commonName, scientificName string) (*model.Species, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.species[code]; ok {
		// Append-only aside from names refreshing; art URLs are never touched.
		s.CommonName = commonName
		s.ScientificName = scientificName
		cp := *s
		return &cp, nil
	}
	s := &model.Species{
		ID:             m.ids.NewID(),
		Code:           code,
		CommonName:     commonName,
		ScientificName: scientificName,
		CreatedAt:      m.clock.Now(),
	}
	m.species[code] = s
	cp := *s
	return &cp, nil
}

func (m *Memory) SetSpeciesArt(_ context.Context, code, imageURL string, gifURL *string) (*model.Species, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.species[code]
	if !ok {
		return nil, false, ErrNotFound
	}
	if s.HasArt() {
		cp := *s
		return &cp, false, nil
	}
	img := imageURL
	s.ImageURL = &img
	s.GIFURL = gifURL
	cp := *s
	return &cp, true, nil
}

func (m *Memory) GetSpecies(_ context.Context, code string) (*model.Species, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.species[code]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *Memory) GetSpeciesByID(_ context.Context, id string) (*model.Species, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.species {
		if s.ID == id {
			cp := *s
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) ListSpecies(_ context.Context) ([]*model.Species, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*model.Species, 0, len(m.species))
	for _, s := range m.species {
		cp := *s
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (m *Memory) RegisterOrUpdateDevice(_ context.Context, d *model.Device) (*model.Device, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.devices[d.ID]; ok {
		existing.FirmwareVersion = d.FirmwareVersion
		if d.Model != "" {
			existing.Model = d.Model
		}
		if d.Capabilities != nil {
			existing.Capabilities = d.Capabilities
		}
		now := m.clock.Now()
		if now.After(existing.LastSeen) {
			existing.LastSeen = now
		}
		cp := *existing
		return &cp, false, nil
	}

	cp := *d
	cp.CreatedAt = m.clock.Now()
	cp.LastSeen = cp.CreatedAt
	m.devices[cp.ID] = &cp
	out := cp
	return &out, true, nil
}

func (m *Memory) TouchDevice(_ context.Context, deviceID string, hb model.Heartbeat) (*model.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.devices[deviceID]
	if !ok {
		return nil, ErrNotFound
	}
	// Out-of-order heartbeats are ignored; last_seen only moves forward.
	if hb.Timestamp.After(d.LastSeen) {
		d.LastSeen = hb.Timestamp
		if hb.BatteryVoltage != nil {
			d.BatteryVoltage = hb.BatteryVoltage
		}
		if hb.RSSI != nil {
			d.RSSI = hb.RSSI
		}
	}
	cp := *d
	return &cp, nil
}

func (m *Memory) GetDevice(_ context.Context, id string) (*model.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *Memory) GetUser(_ context.Context, id string) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *Memory) GetUserByHandle(_ context.Context, handle string) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Handle == handle {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}
