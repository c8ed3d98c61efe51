package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/lib/pq"

	"github.com/chirpneighbors/coordinator/internal/clock"
	"github.com/chirpneighbors/coordinator/internal/model"
)

// Postgres is the production Repository backed by database/sql + lib/pq.
// Optimistic concurrency lives in the WHERE clauses: TransitionCapture,
// SetSpeciesArt, and TouchDevice are all conditional writes, so no in-process
// locks are held around capture state.
type Postgres struct {
	db     *sql.DB
	clock  clock.Clock
	ids    clock.IDGenerator
	logger *log.Logger
}

// NewPostgres wraps an open connection pool.
func NewPostgres(db *sql.DB, clk clock.Clock, ids clock.IDGenerator) *Postgres {
	return &Postgres{
		db:     db,
		clock:  clk,
		ids:    ids,
		logger: log.New(log.Writer(), "[REPO] ", log.LstdFlags),
	}
}

// Schema is applied by EnsureSchema. Kept in one place so dev deployments and
// integration tests bootstrap identically.
const Schema = `
CREATE TABLE IF NOT EXISTS users (
	id              TEXT PRIMARY KEY,
	handle          TEXT UNIQUE NOT NULL,
	credential_hash TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS devices (
	id               TEXT PRIMARY KEY,
	user_id          TEXT NOT NULL REFERENCES users(id),
	firmware_version TEXT NOT NULL DEFAULT '',
	model            TEXT NOT NULL DEFAULT '',
	capabilities     JSONB,
	last_seen        TIMESTAMPTZ NOT NULL,
	battery_voltage  DOUBLE PRECISION,
	rssi             INTEGER,
	created_at       TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS species (
	id              TEXT PRIMARY KEY,
	code            TEXT UNIQUE NOT NULL,
	common_name     TEXT NOT NULL,
	scientific_name TEXT NOT NULL,
	image_url       TEXT,
	gif_url         TEXT,
	created_at      TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS captures (
	id              TEXT PRIMARY KEY,
	user_id         TEXT NOT NULL REFERENCES users(id),
	device_id       TEXT NOT NULL REFERENCES devices(id),
	device_sequence BIGINT NOT NULL,
	clip_key        TEXT NOT NULL,
	content_type    TEXT NOT NULL DEFAULT 'audio/wav',
	size_bytes      BIGINT NOT NULL DEFAULT 0,
	status          TEXT NOT NULL,
	species_id      TEXT REFERENCES species(id),
	confidence      DOUBLE PRECISION,
	failure_reason  TEXT NOT NULL DEFAULT '',
	note            TEXT NOT NULL DEFAULT '',
	attempts        INTEGER NOT NULL DEFAULT 0,
	received_at     TIMESTAMPTZ NOT NULL,
	processed_at    TIMESTAMPTZ,
	UNIQUE (device_id, device_sequence)
);

CREATE INDEX IF NOT EXISTS captures_user_received_idx
	ON captures (user_id, received_at DESC, id DESC);
CREATE INDEX IF NOT EXISTS captures_status_received_idx
	ON captures (status, received_at);
`

// EnsureSchema creates the tables if they do not exist.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, Schema)
	return err
}

const captureCols = `id, user_id, device_id, device_sequence, clip_key, content_type,
	size_bytes, status, species_id, confidence, failure_reason, note, attempts,
	received_at, processed_at`

func scanCapture(row interface{ Scan(...interface{}) error }) (*model.Capture, error) {
	var c model.Capture
	var status, reason string
	err := row.Scan(&c.ID, &c.UserID, &c.DeviceID, &c.DeviceSequence, &c.ClipKey,
		&c.ContentType, &c.SizeBytes, &status, &c.SpeciesID, &c.Confidence,
		&reason, &c.Note, &c.Attempts, &c.ReceivedAt, &c.ProcessedAt)
	if err != nil {
		return nil, err
	}
	c.Status = model.Status(status)
	c.FailureReason = model.FailureReason(reason)
	return &c, nil
}

func (p *Postgres) CreateCapture(ctx context.Context, c *model.Capture) (*model.Capture, error) {
	id := c.ID
	if id == "" {
		id = p.ids.NewID()
	}
	receivedAt := c.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = p.clock.Now()
	}
	status := c.Status
	if status == "" {
		status = model.StatusPending
	}

	row := p.db.QueryRowContext(ctx, `
		INSERT INTO captures (id, user_id, device_id, device_sequence, clip_key,
			content_type, size_bytes, status, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (device_id, device_sequence) DO NOTHING
		RETURNING `+captureCols,
		id, c.UserID, c.DeviceID, c.DeviceSequence, c.ClipKey,
		c.ContentType, c.SizeBytes, string(status), receivedAt)

	created, err := scanCapture(row)
	if err == nil {
		return created, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("create capture: %w", err)
	}

	// Conflict path: the sequence was already uploaded. Hand back the
	// existing row so the caller can replay it.
	existing, err := scanCapture(p.db.QueryRowContext(ctx,
		`SELECT `+captureCols+` FROM captures WHERE device_id = $1 AND device_sequence = $2`,
		c.DeviceID, c.DeviceSequence))
	if err != nil {
		return nil, fmt.Errorf("create capture (conflict lookup): %w", err)
	}
	return existing, ErrDuplicateSequence
}

func (p *Postgres) TransitionCapture(ctx context.Context, id string, from []model.Status, to model.Status, patch model.CapturePatch) (*model.Capture, error) {
	fromStrs := make([]string, len(from))
	for i, s := range from {
		fromStrs[i] = string(s)
	}

	// The guard (status = ANY(from) and not already terminal) and the patch
	// are applied in one statement; RETURNING gives us the post-image.
	set := "status = $3, attempts = attempts + $4"
	args := []interface{}{id, pq.Array(fromStrs), string(to), boolToInt(patch.IncAttempts)}
	n := 5
	add := func(clause string, v interface{}) {
		set += fmt.Sprintf(", %s = $%d", clause, n)
		args = append(args, v)
		n++
	}
	if patch.SpeciesID != nil {
		add("species_id", *patch.SpeciesID)
	}
	if patch.Confidence != nil {
		add("confidence", *patch.Confidence)
	}
	if patch.FailureReason != nil {
		add("failure_reason", string(*patch.FailureReason))
	}
	if patch.Note != nil {
		add("note", *patch.Note)
	}
	if patch.ProcessedAt != nil {
		add("processed_at", *patch.ProcessedAt)
	}

	query := `UPDATE captures SET ` + set + `
		WHERE id = $1
		  AND status = ANY($2)
		  AND status NOT IN ('processed', 'failed')
		RETURNING ` + captureCols

	c, err := scanCapture(p.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInvalidTransition
	}
	if err != nil {
		return nil, fmt.Errorf("transition capture: %w", err)
	}
	return c, nil
}

func (p *Postgres) GetCapture(ctx context.Context, id string) (*model.Capture, error) {
	c, err := scanCapture(p.db.QueryRowContext(ctx,
		`SELECT `+captureCols+` FROM captures WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get capture: %w", err)
	}
	return c, nil
}

func (p *Postgres) ListCaptures(ctx context.Context, userID, cursor string, limit int) ([]*model.Capture, string, error) {
	afterTime, afterID, err := decodeCursor(cursor)
	if err != nil {
		return nil, "", err
	}
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	var rows *sql.Rows
	if cursor == "" {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+captureCols+` FROM captures
			WHERE user_id = $1
			ORDER BY received_at DESC, id DESC
			LIMIT $2`, userID, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+captureCols+` FROM captures
			WHERE user_id = $1 AND (received_at, id) < ($2, $3)
			ORDER BY received_at DESC, id DESC
			LIMIT $4`, userID, afterTime, afterID, limit)
	}
	if err != nil {
		return nil, "", fmt.Errorf("list captures: %w", err)
	}
	defer rows.Close()

	var page []*model.Capture
	for rows.Next() {
		c, err := scanCapture(rows)
		if err != nil {
			return nil, "", fmt.Errorf("list captures scan: %w", err)
		}
		page = append(page, c)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("list captures rows: %w", err)
	}

	next := ""
	if len(page) == limit {
		last := page[len(page)-1]
		next = encodeCursor(last.ReceivedAt, last.ID)
	}
	return page, next, nil
}

func (p *Postgres) ListStuckCaptures(ctx context.Context, olderThan time.Time) ([]*model.Capture, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+captureCols+` FROM captures
		WHERE status NOT IN ('processed', 'failed') AND received_at < $1
		ORDER BY received_at`, olderThan)
	if err != nil {
		return nil, fmt.Errorf("list stuck captures: %w", err)
	}
	defer rows.Close()

	var out []*model.Capture
	for rows.Next() {
		c, err := scanCapture(rows)
		if err != nil {
			return nil, fmt.Errorf("list stuck captures scan: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

const speciesCols = `id, code, common_name, scientific_name, image_url, gif_url, created_at`

func scanSpecies(row interface{ Scan(...interface{}) error }) (*model.Species, error) {
	var s model.Species
	err := row.Scan(&s.ID, &s.Code, &s.CommonName, &s.ScientificName,
		&s.ImageURL, &s.GIFURL, &s.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (p *Postgres) UpsertSpecies(ctx context.Context, code, commonName, scientificName string) (*model.Species, error) {
	// The upsert refreshes names but never touches image_url / gif_url.
	s, err := scanSpecies(p.db.QueryRowContext(ctx, `
		INSERT INTO species (id, code, common_name, scientific_name, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (code) DO UPDATE
			SET common_name = EXCLUDED.common_name,
			    scientific_name = EXCLUDED.scientific_name
		RETURNING `+speciesCols,
		p.ids.NewID(), code, commonName, scientificName, p.clock.Now()))
	if err != nil {
		return nil, fmt.Errorf("upsert species: %w", err)
	}
	return s, nil
}

func (p *Postgres) SetSpeciesArt(ctx context.Context, code, imageURL string, gifURL *string) (*model.Species, bool, error) {
	s, err := scanSpecies(p.db.QueryRowContext(ctx, `
		UPDATE species SET image_url = $2, gif_url = $3
		WHERE code = $1 AND (image_url IS NULL OR image_url = '')
		RETURNING `+speciesCols, code, imageURL, gifURL))
	if err == nil {
		return s, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("set species art: %w", err)
	}

	// Another worker won the race (or the code is unknown). Return current.
	current, err := p.GetSpecies(ctx, code)
	if err != nil {
		return nil, false, err
	}
	return current, false, nil
}

func (p *Postgres) GetSpecies(ctx context.Context, code string) (*model.Species, error) {
	s, err := scanSpecies(p.db.QueryRowContext(ctx,
		`SELECT `+speciesCols+` FROM species WHERE code = $1`, code))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get species: %w", err)
	}
	return s, nil
}

func (p *Postgres) GetSpeciesByID(ctx context.Context, id string) (*model.Species, error) {
	s, err := scanSpecies(p.db.QueryRowContext(ctx,
		`SELECT `+speciesCols+` FROM species WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get species by id: %w", err)
	}
	return s, nil
}

func (p *Postgres) ListSpecies(ctx context.Context) ([]*model.Species, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+speciesCols+` FROM species ORDER BY code`)
	if err != nil {
		return nil, fmt.Errorf("list species: %w", err)
	}
	defer rows.Close()

	var out []*model.Species
	for rows.Next() {
		s, err := scanSpecies(rows)
		if err != nil {
			return nil, fmt.Errorf("list species scan: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

const deviceCols = `id, user_id, firmware_version, model, capabilities, last_seen,
	battery_voltage, rssi, created_at`

func scanDevice(row interface{ Scan(...interface{}) error }) (*model.Device, error) {
	var d model.Device
	var caps []byte
	err := row.Scan(&d.ID, &d.UserID, &d.FirmwareVersion, &d.Model, &caps,
		&d.LastSeen, &d.BatteryVoltage, &d.RSSI, &d.CreatedAt)
	if err != nil {
		return nil, err
	}
	if len(caps) > 0 {
		if err := json.Unmarshal(caps, &d.Capabilities); err != nil {
			return nil, fmt.Errorf("device capabilities: %w", err)
		}
	}
	return &d, nil
}

func (p *Postgres) RegisterOrUpdateDevice(ctx context.Context, d *model.Device) (*model.Device, bool, error) {
	var caps []byte
	if d.Capabilities != nil {
		var err error
		caps, err = json.Marshal(d.Capabilities)
		if err != nil {
			return nil, false, fmt.Errorf("device capabilities: %w", err)
		}
	}
	now := p.clock.Now()

	var inserted bool
	row := p.db.QueryRowContext(ctx, `
		INSERT INTO devices (id, user_id, firmware_version, model, capabilities, last_seen, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (id) DO UPDATE
			SET firmware_version = EXCLUDED.firmware_version,
			    model = CASE WHEN EXCLUDED.model <> '' THEN EXCLUDED.model ELSE devices.model END,
			    capabilities = COALESCE(EXCLUDED.capabilities, devices.capabilities),
			    last_seen = GREATEST(devices.last_seen, EXCLUDED.last_seen)
		RETURNING `+deviceCols+`, (xmax = 0)`,
		d.ID, d.UserID, d.FirmwareVersion, d.Model, caps, now)

	var dev model.Device
	var capsOut []byte
	err := row.Scan(&dev.ID, &dev.UserID, &dev.FirmwareVersion, &dev.Model, &capsOut,
		&dev.LastSeen, &dev.BatteryVoltage, &dev.RSSI, &dev.CreatedAt, &inserted)
	if err != nil {
		return nil, false, fmt.Errorf("register device: %w", err)
	}
	if len(capsOut) > 0 {
		if err := json.Unmarshal(capsOut, &dev.Capabilities); err != nil {
			return nil, false, fmt.Errorf("device capabilities: %w", err)
		}
	}
	return &dev, inserted, nil
}

func (p *Postgres) TouchDevice(ctx context.Context, deviceID string, hb model.Heartbeat) (*model.Device, error) {
	// Conditional on the stored timestamp being older; stale heartbeats are
	// silently ignored and the current row is returned either way.
	_, err := p.db.ExecContext(ctx, `
		UPDATE devices
		SET last_seen = $2,
		    battery_voltage = COALESCE($3, battery_voltage),
		    rssi = COALESCE($4, rssi)
		WHERE id = $1 AND last_seen < $2`,
		deviceID, hb.Timestamp, hb.BatteryVoltage, hb.RSSI)
	if err != nil {
		return nil, fmt.Errorf("touch device: %w", err)
	}
	return p.GetDevice(ctx, deviceID)
}

func (p *Postgres) GetDevice(ctx context.Context, id string) (*model.Device, error) {
	d, err := scanDevice(p.db.QueryRowContext(ctx,
		`SELECT `+deviceCols+` FROM devices WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get device: %w", err)
	}
	return d, nil
}

func (p *Postgres) GetUser(ctx context.Context, id string) (*model.User, error) {
	var u model.User
	err := p.db.QueryRowContext(ctx,
		`SELECT id, handle, credential_hash FROM users WHERE id = $1`, id).
		Scan(&u.ID, &u.Handle, &u.CredentialHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}

func (p *Postgres) GetUserByHandle(ctx context.Context, handle string) (*model.User, error) {
	var u model.User
	err := p.db.QueryRowContext(ctx,
		`SELECT id, handle, credential_hash FROM users WHERE handle = $1`, handle).
		Scan(&u.ID, &u.Handle, &u.CredentialHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user by handle: %w", err)
	}
	return &u, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
