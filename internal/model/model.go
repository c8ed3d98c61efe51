// Package model defines the persistent records of the ChirpNeighbors
// Coordinator: users, field devices, bird species, and captures.
//
// Records are independent rows joined by id. There are no in-memory
// back-references; any traversal is an explicit repository query.
package model

import "time"

// Status is the processing state of a Capture.
type Status string

const (
	StatusPending     Status = "pending"
	StatusClassifying Status = "classifying"
	StatusClassified  Status = "classified"
	StatusGenerating  Status = "generating"
	StatusProcessed   Status = "processed"
	StatusFailed      Status = "failed"
)

// Terminal reports whether a capture in this status may never transition again.
func (s Status) Terminal() bool {
	return s == StatusProcessed || s == StatusFailed
}

// FailureReason is the closed set of reasons a Capture can terminate as failed,
// or (for ReasonArtUnavailable) a note recorded on a processed Capture.
type FailureReason string

const (
	ReasonClipMissing FailureReason = "ClipMissing"
	ReasonTimeout     FailureReason = "Timeout"
	ReasonUnavailable FailureReason = "Unavailable"
	ReasonBadRequest  FailureReason = "BadRequest"
	ReasonTransport   FailureReason = "Transport"
	ReasonMalformed   FailureReason = "Malformed"
	ReasonOrphaned    FailureReason = "Orphaned"
	ReasonShutdown    FailureReason = "Shutdown"
	ReasonDeadline    FailureReason = "Deadline"
	ReasonBusy        FailureReason = "Busy"
)

// NoteArtUnavailable is recorded on a Capture that classified successfully but
// for which art generation failed. The Capture still counts as processed.
const NoteArtUnavailable = "artUnavailable"

// User is the identity owning devices and captures. Immutable after creation
// except credential rotation.
type User struct {
	ID             string `json:"id"`
	Handle         string `json:"handle"`
	CredentialHash string `json:"-"` // bcrypt hash, never serialized
}

// Device is a physical capture endpoint (ESP32-class field hardware).
// Registered on first use and owned by exactly one user.
type Device struct {
	ID              string                 `json:"device_id"`
	UserID          string                 `json:"user_id"`
	FirmwareVersion string                 `json:"firmware_version"`
	Model           string                 `json:"model,omitempty"` // e.g. "ReSpeaker-Lite"
	Capabilities    map[string]interface{} `json:"capabilities,omitempty"`
	LastSeen        time.Time              `json:"last_seen"`
	BatteryVoltage  *float64               `json:"battery_voltage,omitempty"`
	RSSI            *int                   `json:"rssi,omitempty"`
	CreatedAt       time.Time              `json:"created_at"`
}

// Heartbeat is one status report from a device. LastSeen writes are applied
// only if Timestamp is later than the stored one, so out-of-order delivery
// cannot move last_seen backwards.
type Heartbeat struct {
	Timestamp      time.Time
	BatteryVoltage *float64
	RSSI           *int
}

// Species is a classifier-emitted bird identity, unique by Code. Mutated only
// to attach generated art once; otherwise append-only.
type Species struct {
	ID             string    `json:"id"`
	Code           string    `json:"species_code"` // classifier canonical key, e.g. "amerob"
	CommonName     string    `json:"common_name"`
	ScientificName string    `json:"scientific_name"`
	ImageURL       *string   `json:"image_url,omitempty"`
	GIFURL         *string   `json:"gif_url,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// HasArt reports whether generated art is already attached.
func (s *Species) HasArt() bool {
	return s.ImageURL != nil && *s.ImageURL != ""
}

// Capture is the record of one uploaded clip and all downstream processing
// state for it. Created pending by ingress; mutated only by the worker running
// its pipeline (and the reaper); processed and failed are terminal.
type Capture struct {
	ID             string        `json:"capture_id"`
	UserID         string        `json:"user_id"`
	DeviceID       string        `json:"device_id"`
	DeviceSequence int64         `json:"device_sequence"`
	ClipKey        string        `json:"clip_key"` // SHA-256 content hash, references the clip store
	ContentType    string        `json:"content_type"`
	SizeBytes      int64         `json:"size_bytes"`
	Status         Status        `json:"status"`
	SpeciesID      *string       `json:"species_id,omitempty"`
	Confidence     *float64      `json:"confidence,omitempty"`
	FailureReason  FailureReason `json:"failure_reason,omitempty"`
	Note           string        `json:"note,omitempty"`
	Attempts       int           `json:"attempts"`
	ReceivedAt     time.Time     `json:"received_at"`
	ProcessedAt    *time.Time    `json:"processed_at,omitempty"`
}

// CapturePatch carries the fields a state transition may set. Nil fields are
// left untouched.
type CapturePatch struct {
	SpeciesID     *string
	Confidence    *float64
	FailureReason *FailureReason
	Note          *string
	ProcessedAt   *time.Time
	IncAttempts   bool
}
