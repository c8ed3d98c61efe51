package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/chirpneighbors/coordinator/internal/middleware"
	"github.com/chirpneighbors/coordinator/internal/model"
	"github.com/chirpneighbors/coordinator/internal/repository"
)

// ==========================================================================
// Devices
// ==========================================================================

type registerDeviceRequest struct {
	DeviceID        string                 `json:"device_id"`
	FirmwareVersion string                 `json:"firmware_version"`
	Model           string                 `json:"model"`
	Capabilities    map[string]interface{} `json:"capabilities"`
}

// handleRegisterDevice is idempotent: first call creates the row (201),
// subsequent calls refresh firmware/capabilities (200).
func (s *Server) handleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	principal, _ := middleware.PrincipalFrom(r.Context())

	var req registerDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	if req.DeviceID == "" {
		writeError(w, http.StatusBadRequest, "device_id is required")
		return
	}

	// Re-registering someone else's device is an ownership violation, not an
	// upsert.
	if existing, err := s.repo.GetDevice(r.Context(), req.DeviceID); err == nil && existing.UserID != principal.UserID {
		writeError(w, http.StatusForbidden, "device not owned")
		return
	}

	dev, created, err := s.repo.RegisterOrUpdateDevice(r.Context(), &model.Device{
		ID:              req.DeviceID,
		UserID:          principal.UserID,
		FirmwareVersion: req.FirmwareVersion,
		Model:           req.Model,
		Capabilities:    req.Capabilities,
	})
	if err != nil {
		s.logger.Printf("register device %s: %v", req.DeviceID, err)
		writeError(w, http.StatusInternalServerError, "registration failed")
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
		s.logger.Printf("device registered: %s (user=%s fw=%s)", dev.ID, dev.UserID, dev.FirmwareVersion)
	}
	writeJSON(w, status, dev)
}

type heartbeatRequest struct {
	Timestamp      time.Time `json:"timestamp"`
	BatteryVoltage *float64  `json:"battery_voltage"`
	RSSI           *int      `json:"rssi"`
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	principal, _ := middleware.PrincipalFrom(r.Context())
	deviceID := mux.Vars(r)["device_id"]

	dev, err := s.repo.GetDevice(r.Context(), deviceID)
	if err != nil || dev.UserID != principal.UserID {
		writeError(w, http.StatusForbidden, "device not owned")
		return
	}

	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	ts := req.Timestamp
	if ts.IsZero() {
		ts = s.clock.Now()
	}

	dev, err = s.repo.TouchDevice(r.Context(), deviceID, model.Heartbeat{
		Timestamp:      ts,
		BatteryVoltage: req.BatteryVoltage,
		RSSI:           req.RSSI,
	})
	if err != nil {
		s.logger.Printf("heartbeat %s: %v", deviceID, err)
		writeError(w, http.StatusInternalServerError, "heartbeat failed")
		return
	}
	writeJSON(w, http.StatusOK, dev)
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	principal, _ := middleware.PrincipalFrom(r.Context())
	deviceID := mux.Vars(r)["device_id"]

	dev, err := s.repo.GetDevice(r.Context(), deviceID)
	if errors.Is(err, repository.ErrNotFound) {
		writeError(w, http.StatusNotFound, "device not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if dev.UserID != principal.UserID {
		writeError(w, http.StatusForbidden, "device not owned")
		return
	}
	writeJSON(w, http.StatusOK, dev)
}

// ==========================================================================
// Captures (read side)
// ==========================================================================

const (
	defaultPageLimit = 50
	maxPageLimit     = 200
)

func (s *Server) handleListCaptures(w http.ResponseWriter, r *http.Request) {
	principal, _ := middleware.PrincipalFrom(r.Context())

	limit := defaultPageLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		if n > maxPageLimit {
			n = maxPageLimit
		}
		limit = n
	}

	captures, next, err := s.repo.ListCaptures(r.Context(), principal.UserID, r.URL.Query().Get("cursor"), limit)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid cursor")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"captures":    captures,
		"next_cursor": next,
	})
}

// captureDetail is a capture joined with its species row.
type captureDetail struct {
	*model.Capture
	Species *model.Species `json:"species,omitempty"`
}

func (s *Server) handleGetCapture(w http.ResponseWriter, r *http.Request) {
	principal, _ := middleware.PrincipalFrom(r.Context())
	id := mux.Vars(r)["id"]

	c, err := s.repo.GetCapture(r.Context(), id)
	if errors.Is(err, repository.ErrNotFound) {
		writeError(w, http.StatusNotFound, "capture not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if c.UserID != principal.UserID {
		writeError(w, http.StatusNotFound, "capture not found")
		return
	}

	detail := captureDetail{Capture: c}
	if c.SpeciesID != nil {
		if sp, err := s.repo.GetSpeciesByID(r.Context(), *c.SpeciesID); err == nil {
			detail.Species = sp
		}
	}
	writeJSON(w, http.StatusOK, detail)
}

// ==========================================================================
// Species
// ==========================================================================

func (s *Server) handleListSpecies(w http.ResponseWriter, r *http.Request) {
	species, err := s.repo.ListSpecies(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"species": species})
}

func (s *Server) handleGetSpecies(w http.ResponseWriter, r *http.Request) {
	sp, err := s.repo.GetSpecies(r.Context(), mux.Vars(r)["code"])
	if errors.Is(err, repository.ErrNotFound) {
		writeError(w, http.StatusNotFound, "species not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, sp)
}
