// The coordinator is the ChirpNeighbors backend: it accepts audio clip
// uploads from field devices, classifies each clip into a bird species,
// attaches generated art to first-seen species, and pushes progress events to
// connected clients over WebSocket.
package main

import (
	"context"
	"database/sql"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/chirpneighbors/coordinator/internal/api"
	"github.com/chirpneighbors/coordinator/internal/blob"
	"github.com/chirpneighbors/coordinator/internal/breaker"
	"github.com/chirpneighbors/coordinator/internal/clock"
	"github.com/chirpneighbors/coordinator/internal/config"
	"github.com/chirpneighbors/coordinator/internal/dispatch"
	"github.com/chirpneighbors/coordinator/internal/events"
	"github.com/chirpneighbors/coordinator/internal/gateway"
	"github.com/chirpneighbors/coordinator/internal/inference"
	"github.com/chirpneighbors/coordinator/internal/middleware"
	"github.com/chirpneighbors/coordinator/internal/monitoring"
	"github.com/chirpneighbors/coordinator/internal/pipeline"
	"github.com/chirpneighbors/coordinator/internal/repository"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to YAML config")
	flag.Parse()

	// .env is a development convenience; absence is not an error.
	if err := godotenv.Load(); err == nil {
		log.Println("Loaded .env file")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	sys := clock.System{}
	registry := prometheus.NewRegistry()
	metrics := monitoring.New(registry)

	// Persistence: Postgres when configured, in-memory for development.
	var repo repository.Repository
	if cfg.Database.URL != "" {
		db, err := sql.Open("postgres", cfg.Database.URL)
		if err != nil {
			log.Fatalf("database open: %v", err)
		}
		defer db.Close()
		pg := repository.NewPostgres(db, sys, sys)
		schemaCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := pg.EnsureSchema(schemaCtx); err != nil {
			cancel()
			log.Fatalf("database schema: %v", err)
		}
		cancel()
		repo = pg
		log.Println("🗄️ Postgres repository ready")
	} else {
		repo = repository.NewMemory(sys, sys)
		log.Println("⚠️ DATABASE_URL not set, using in-memory repository")
	}

	// Blob stores share one filesystem root, separate prefixes.
	clips, err := blob.NewLocalStore(filepath.Join(cfg.Blobs.Dir, cfg.Blobs.ClipPrefix), cfg.Blobs.PublicBase)
	if err != nil {
		log.Fatalf("clip store: %v", err)
	}
	assets, err := blob.NewLocalStore(filepath.Join(cfg.Blobs.Dir, "assets"), cfg.Blobs.PublicBase)
	if err != nil {
		log.Fatalf("asset store: %v", err)
	}

	classifier := inference.NewHTTPClassifier(cfg.Classifier.URL,
		inference.Policy{Deadline: cfg.Classifier.Deadline}, nil, sys)
	generator := inference.NewHTTPGenerator(cfg.Generator.URL,
		inference.Policy{Deadline: cfg.Generator.Deadline}, nil, sys)
	watchBreakers(metrics, classifier, generator)

	bus := events.NewBus(0)

	pipe := pipeline.New(repo, clips, assets, classifier, generator, bus, sys, metrics)
	dispatcher := dispatch.New(dispatch.Config{
		Workers:     cfg.Dispatch.Workers,
		QueueSize:   cfg.Dispatch.QueueSize,
		JobDeadline: cfg.Dispatch.JobDeadline,
	}, pipe, repo, bus, sys, metrics)
	dispatcher.Start()

	runCtx, stopBackground := context.WithCancel(context.Background())
	reaper := pipeline.NewReaper(repo, bus, sys, metrics, cfg.Reaper.Interval, cfg.Reaper.MaxAge)
	go reaper.Run(runCtx)

	// Rate limiting: shared Redis window when configured, else per-process
	// token buckets.
	var limiter middleware.Limiter
	if cfg.Redis.Addr != "" {
		rl, err := middleware.NewRedisLimiter(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB,
			middleware.RateLimitConfig{RatePerMinute: cfg.RateLimit.RatePerMinute, Burst: cfg.RateLimit.Burst})
		if err != nil {
			log.Printf("⚠️ Redis unavailable (%v), falling back to in-process rate limiting", err)
		} else {
			defer rl.Close()
			limiter = rl
		}
	}
	if limiter == nil {
		rl := middleware.NewRateLimiter(middleware.RateLimitConfig{
			RatePerMinute: cfg.RateLimit.RatePerMinute,
			Burst:         cfg.RateLimit.Burst,
		}, sys)
		rl.StartSweep(runCtx)
		limiter = rl
	}

	auth := middleware.ChainAuthenticator{
		middleware.NewHMACAuthenticator(cfg.Auth.HMACSecret, sys),
		middleware.NewCredentialAuthenticator(repo),
	}

	gw := gateway.New(auth, bus, metrics, cfg.Gateway.PingInterval, cfg.Gateway.SaturationGrace)

	server := api.NewServer(api.Config{
		Repo:           repo,
		Clips:          clips,
		Dispatcher:     dispatcher,
		Gateway:        gw,
		Auth:           auth,
		Limiter:        limiter,
		Clock:          sys,
		IDs:            sys,
		Metrics:        metrics,
		Registry:       registry,
		MaxUploadBytes: cfg.Server.MaxUploadBytes,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("🚀 ChirpNeighbors coordinator listening on %s", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	log.Println("Shutting down...")

	// Shutdown order: stop intake, drain workers, close sessions, close the
	// bus last so draining jobs can still publish terminal events.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	srv.Shutdown(shutdownCtx)
	if err := dispatcher.Shutdown(shutdownCtx); err != nil {
		log.Printf("dispatcher drain: %v", err)
	}
	stopBackground()
	gw.Shutdown(shutdownCtx)
	bus.Close()
	log.Println("Coordinator stopped")
}

// watchBreakers mirrors breaker state changes into the gauge.
func watchBreakers(m *monitoring.Metrics, classifier *inference.HTTPClassifier, generator *inference.HTTPGenerator) {
	for _, b := range []*breaker.Breaker{classifier.Breaker(), generator.Breaker()} {
		b.OnStateChange(func(name string, from, to breaker.State) {
			log.Printf("[BREAKER:%s] state change: %s -> %s", name, from, to)
			m.BreakerState.WithLabelValues(name).Set(breakerStateValue(to))
		})
	}
}

func breakerStateValue(s breaker.State) float64 {
	switch s {
	case breaker.StateOpen:
		return 1
	case breaker.StateHalfOpen:
		return 2
	default:
		return 0
	}
}
