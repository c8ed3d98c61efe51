// Package api exposes the coordinator's HTTP surface: device ingress
// (register, heartbeat, capture upload), read queries (captures, species,
// devices), the WebSocket upgrade, and the health/metrics endpoints.
package api

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chirpneighbors/coordinator/internal/blob"
	"github.com/chirpneighbors/coordinator/internal/clock"
	"github.com/chirpneighbors/coordinator/internal/dispatch"
	"github.com/chirpneighbors/coordinator/internal/gateway"
	"github.com/chirpneighbors/coordinator/internal/middleware"
	"github.com/chirpneighbors/coordinator/internal/monitoring"
	"github.com/chirpneighbors/coordinator/internal/repository"
)

// DefaultMaxUploadBytes caps one clip upload.
const DefaultMaxUploadBytes = 10 << 20

// Server wires the ingress handlers to their collaborators.
type Server struct {
	repo       repository.Repository
	clips      blob.Store
	dispatcher *dispatch.Dispatcher
	gateway    *gateway.Gateway
	auth       middleware.Authenticator
	limiter    middleware.Limiter
	clock      clock.Clock
	ids        clock.IDGenerator
	metrics    *monitoring.Metrics
	registry   *prometheus.Registry
	logger     *log.Logger

	maxUploadBytes int64
}

// Config carries the server's collaborators. MaxUploadBytes <= 0 picks the
// default; Registry may be nil to disable /metrics.
type Config struct {
	Repo           repository.Repository
	Clips          blob.Store
	Dispatcher     *dispatch.Dispatcher
	Gateway        *gateway.Gateway
	Auth           middleware.Authenticator
	Limiter        middleware.Limiter
	Clock          clock.Clock
	IDs            clock.IDGenerator
	Metrics        *monitoring.Metrics
	Registry       *prometheus.Registry
	MaxUploadBytes int64
}

// NewServer builds the HTTP layer.
func NewServer(cfg Config) *Server {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = DefaultMaxUploadBytes
	}
	return &Server{
		repo:           cfg.Repo,
		clips:          cfg.Clips,
		dispatcher:     cfg.Dispatcher,
		gateway:        cfg.Gateway,
		auth:           cfg.Auth,
		limiter:        cfg.Limiter,
		clock:          cfg.Clock,
		ids:            cfg.IDs,
		metrics:        cfg.Metrics,
		registry:       cfg.Registry,
		logger:         log.New(log.Writer(), "[API] ", log.LstdFlags),
		maxUploadBytes: cfg.MaxUploadBytes,
	}
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	if s.registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})).Methods("GET")
	}

	v1 := r.PathPrefix("/v1").Subrouter()

	// Device ingress
	v1.HandleFunc("/devices/register", middleware.RequireAuth(s.auth, s.handleRegisterDevice)).Methods("POST")
	v1.HandleFunc("/devices/{device_id}/heartbeat", middleware.RequireAuth(s.auth, s.handleHeartbeat)).Methods("POST")
	v1.HandleFunc("/devices/{device_id}", middleware.RequireAuth(s.auth, s.handleGetDevice)).Methods("GET")

	// Captures
	v1.HandleFunc("/captures", middleware.RequireAuth(s.auth, s.handleUploadCapture)).Methods("POST")
	v1.HandleFunc("/captures", middleware.RequireAuth(s.auth, s.handleListCaptures)).Methods("GET")
	v1.HandleFunc("/captures/{id}", middleware.RequireAuth(s.auth, s.handleGetCapture)).Methods("GET")

	// Species catalog
	v1.HandleFunc("/species", middleware.RequireAuth(s.auth, s.handleListSpecies)).Methods("GET")
	v1.HandleFunc("/species/{code}", middleware.RequireAuth(s.auth, s.handleGetSpecies)).Methods("GET")

	// Live subscriptions; the gateway does its own credential check.
	v1.HandleFunc("/ws", s.gateway.HandleWS).Methods("GET")

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "healthy",
		"service":     "chirp-coordinator",
		"queue_depth": s.dispatcher.QueueDepth(),
		"sessions":    s.gateway.SessionCount(),
		"time":        s.clock.Now().Format(time.RFC3339),
	})
}

// ==========================================================================
// Response helpers
// ==========================================================================

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeRetryAfter(w http.ResponseWriter, status int, msg string, wait time.Duration) {
	secs := int(wait / time.Second)
	if wait%time.Second != 0 || secs == 0 {
		secs++
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	writeError(w, status, msg)
}
