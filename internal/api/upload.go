package api

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/chirpneighbors/coordinator/internal/blob"
	"github.com/chirpneighbors/coordinator/internal/dispatch"
	"github.com/chirpneighbors/coordinator/internal/middleware"
	"github.com/chirpneighbors/coordinator/internal/model"
	"github.com/chirpneighbors/coordinator/internal/repository"
)

// audioContentTypes is the accepted clip format set. Devices declare the type
// on the multipart file part; the coordinator never inspects the audio itself.
var audioContentTypes = map[string]string{
	"audio/wav":    "wav",
	"audio/x-wav":  "wav",
	"audio/wave":   "wav",
	"audio/mpeg":   "mp3",
	"audio/mp3":    "mp3",
	"audio/flac":   "flac",
	"audio/x-flac": "flac",
	"audio/ogg":    "ogg",
}

// extContentTypes backstops parts uploaded without an explicit content type.
var extContentTypes = map[string]string{
	".wav":  "audio/wav",
	".mp3":  "audio/mpeg",
	".flac": "audio/flac",
	".ogg":  "audio/ogg",
}

// handleUploadCapture is the critical ingress path: admission, dedup, blob
// write, capture row, dispatch. Every rejection happens before the pipeline
// is involved.
func (s *Server) handleUploadCapture(w http.ResponseWriter, r *http.Request) {
	principal, _ := middleware.PrincipalFrom(r.Context())

	// The multipart reader stops at the cap before buffering an oversized
	// body; the +1KB headroom keeps form fields from eating clip budget.
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes+1024)
	if err := r.ParseMultipartForm(s.maxUploadBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.rejectUpload(w, http.StatusRequestEntityTooLarge, "clip exceeds size limit")
			return
		}
		s.rejectUpload(w, http.StatusBadRequest, "malformed multipart body")
		return
	}

	deviceID := r.FormValue("device_id")
	if deviceID == "" {
		s.rejectUpload(w, http.StatusBadRequest, "device_id is required")
		return
	}
	seq, err := strconv.ParseInt(r.FormValue("device_sequence"), 10, 64)
	if err != nil {
		s.rejectUpload(w, http.StatusBadRequest, "device_sequence must be an integer")
		return
	}

	// Ownership. An unknown device gets the same answer as someone else's.
	dev, err := s.repo.GetDevice(r.Context(), deviceID)
	if err != nil || dev.UserID != principal.UserID {
		s.rejectUpload(w, http.StatusForbidden, "device not owned")
		return
	}

	file, header, err := r.FormFile("audio_file")
	if err != nil {
		s.rejectUpload(w, http.StatusBadRequest, "audio_file is required")
		return
	}
	defer file.Close()

	if header.Size > s.maxUploadBytes {
		s.rejectUpload(w, http.StatusRequestEntityTooLarge, "clip exceeds size limit")
		return
	}
	contentType, ok := s.clipContentType(header.Header.Get("Content-Type"), header.Filename)
	if !ok {
		s.rejectUpload(w, http.StatusUnsupportedMediaType, "unsupported audio format")
		return
	}

	// Rate limit after validation so malformed requests don't burn budget.
	allowed, wait, err := s.limiter.Allow(r.Context(), deviceID)
	if err != nil {
		s.logger.Printf("rate limit check %s: %v", deviceID, err)
		writeError(w, http.StatusInternalServerError, "admission failed")
		return
	}
	if !allowed {
		if s.metrics != nil {
			s.metrics.RateLimited.Inc()
		}
		s.countUpload("rejected")
		writeRetryAfter(w, http.StatusTooManyRequests, "rate limit exceeded", wait)
		return
	}

	clip, err := io.ReadAll(io.LimitReader(file, s.maxUploadBytes+1))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "read failed")
		return
	}
	if int64(len(clip)) > s.maxUploadBytes {
		s.rejectUpload(w, http.StatusRequestEntityTooLarge, "clip exceeds size limit")
		return
	}

	// Content-addressed clip write; re-uploads of identical bytes are free.
	key := blob.ContentKey(clip)
	if _, err := s.clips.Put(key, clip, contentType); err != nil {
		s.logger.Printf("clip store put %s: %v", key, err)
		writeError(w, http.StatusServiceUnavailable, "clip store unavailable")
		return
	}

	capture := &model.Capture{
		ID:             s.ids.NewID(),
		UserID:         principal.UserID,
		DeviceID:       deviceID,
		DeviceSequence: seq,
		ClipKey:        key,
		ContentType:    contentType,
		SizeBytes:      int64(len(clip)),
		Status:         model.StatusPending,
		ReceivedAt:     s.clock.Now(),
	}

	created, err := s.repo.CreateCapture(r.Context(), capture)
	if errors.Is(err, repository.ErrDuplicateSequence) {
		// Idempotent replay: the device re-sent a sequence it already
		// delivered. Return the existing record; never re-enqueue.
		s.countUpload("replay")
		writeJSON(w, http.StatusOK, uploadResponse(created))
		return
	}
	if err != nil {
		s.logger.Printf("create capture (device=%s seq=%d): %v", deviceID, seq, err)
		writeError(w, http.StatusInternalServerError, "persist failed")
		return
	}

	if err := s.dispatcher.Submit(created.ID); err != nil {
		// Queue full (or shutting down): fail the already-persisted row so
		// the client gets a terminal answer instead of a capture that
		// silently never runs.
		if !errors.Is(err, dispatch.ErrBusy) && !errors.Is(err, dispatch.ErrClosed) {
			s.logger.Printf("submit %s: %v", created.ID, err)
		}
		s.failBusy(r, created)
		s.countUpload("rejected")
		writeRetryAfter(w, http.StatusServiceUnavailable, "coordinator busy", 0)
		return
	}

	s.countUpload("accepted")
	s.logger.Printf("capture accepted: %s (device=%s seq=%d %s %dB)",
		created.ID, deviceID, seq, contentType, len(clip))
	writeJSON(w, http.StatusAccepted, uploadResponse(created))
}

func uploadResponse(c *model.Capture) map[string]string {
	return map[string]string{
		"capture_id": c.ID,
		"status":     string(c.Status),
	}
}

func (s *Server) failBusy(r *http.Request, c *model.Capture) {
	now := s.clock.Now()
	reason := model.ReasonBusy
	_, err := s.repo.TransitionCapture(r.Context(), c.ID,
		[]model.Status{model.StatusPending}, model.StatusFailed,
		model.CapturePatch{FailureReason: &reason, ProcessedAt: &now})
	if err != nil && !errors.Is(err, repository.ErrInvalidTransition) {
		s.logger.Printf("fail busy %s: %v", c.ID, err)
	}
}

func (s *Server) rejectUpload(w http.ResponseWriter, status int, msg string) {
	s.countUpload("rejected")
	writeError(w, status, msg)
}

func (s *Server) countUpload(outcome string) {
	if s.metrics != nil {
		s.metrics.UploadsTotal.WithLabelValues(outcome).Inc()
	}
}

// clipContentType normalizes the declared type, falling back to the filename
// extension, and reports whether the format is accepted.
func (s *Server) clipContentType(declared, filename string) (string, bool) {
	if declared != "" && declared != "application/octet-stream" {
		if parsed, _, err := mime.ParseMediaType(declared); err == nil {
			declared = parsed
		}
		if _, ok := audioContentTypes[strings.ToLower(declared)]; ok {
			return strings.ToLower(declared), true
		}
		return "", false
	}
	if ct, ok := extContentTypes[strings.ToLower(filepath.Ext(filename))]; ok {
		return ct, true
	}
	return "", false
}
