// The sync agent runs the client half of the engine on a field device:
// it owns the durable operation log and blob queue, drives sync cycles
// on connectivity changes, a periodic schedule and manual triggers, and
// serves the status surface to the local UI.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/rmacedo/fieldsync/internal/client"
	"github.com/rmacedo/fieldsync/internal/config"
	"github.com/rmacedo/fieldsync/internal/queue"
	"github.com/rmacedo/fieldsync/internal/syncx"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.With().Str("service", "fieldsync-agent").Logger()
	if os.Getenv("ENV") != "prod" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}

	cfgPath := flag.String("config", "fieldsync.yaml", "path to agent config")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	db, err := queue.Open(cfg.DataPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open device database")
	}
	defer db.Close()

	clock := syncx.SystemClock{}
	policy := syncx.BackoffPolicy{Base: cfg.BackoffBase, Cap: cfg.BackoffCap}

	ops := queue.NewOpLog(db, clock, policy)
	blobs := queue.NewBlobQueue(db, clock, policy, cfg.BlobMaxRetries)
	model := client.NewReadModel(db)

	tr := client.NewTransport(cfg.ServerURL, func(ctx context.Context) (string, error) {
		return cfg.Token, nil
	})

	orch := client.NewOrchestrator(ops, blobs, model, tr, clock, cfg.TenantID, client.Options{
		BatchSize: cfg.BatchSize,
		ChunkSize: cfg.ChunkSize,
		Logger:    log.Logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Assume connectivity at startup; the first failed cycle backs the
	// queue off and the UI flips the indicator.
	orch.SetOnline(ctx, true)

	trigger := func(reason string) {
		go func() {
			if err := orch.Sync(ctx); err != nil {
				log.Warn().Err(err).Str("trigger", reason).Msg("sync cycle failed")
			}
		}()
	}

	// Periodic trigger. Coalescing in the orchestrator makes an overdue
	// tick during a running cycle schedule a follow-up, not a second
	// concurrent cycle.
	c := cron.New()
	if _, err := c.AddFunc(cfg.SyncSchedule, func() { trigger("schedule") }); err != nil {
		log.Fatal().Err(err).Str("schedule", cfg.SyncSchedule).Msg("invalid sync schedule")
	}
	c.Start()
	defer c.Stop()

	// Local status surface for the UI plus manual triggers.
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", func(w http.ResponseWriter, r *http.Request) {
		st, err := orch.Snapshot(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(st)
	})
	mux.HandleFunc("POST /sync", func(w http.ResponseWriter, r *http.Request) {
		trigger("manual")
		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc("POST /online", func(w http.ResponseWriter, r *http.Request) {
		online := r.URL.Query().Get("state") != "0"
		orch.SetOnline(r.Context(), online)
		if online {
			trigger("network-online")
		}
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /failed", func(w http.ResponseWriter, r *http.Request) {
		failedOps, err := ops.Failed(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		failedBlobs, err := blobs.Failed(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"ops":   failedOps,
			"blobs": failedBlobs,
		})
	})
	// Manual retry of a terminal entry from the UI.
	mux.HandleFunc("POST /retry/op/{id}", func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(r.PathValue("id"))
		if err != nil {
			http.Error(w, "invalid id", http.StatusBadRequest)
			return
		}
		if err := ops.RetryFailed(r.Context(), id); err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		trigger("manual-retry")
		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc("POST /retry/blob/{id}", func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(r.PathValue("id"))
		if err != nil {
			http.Error(w, "invalid id", http.StatusBadRequest)
			return
		}
		if err := blobs.Retry(r.Context(), id); err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		trigger("manual-retry")
		w.WriteHeader(http.StatusAccepted)
	})

	statusServer := &http.Server{Addr: cfg.StatusAddr, Handler: mux}
	go func() {
		log.Info().Str("addr", cfg.StatusAddr).Msg("status surface listening")
		if err := statusServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("status server failed")
		}
	}()

	trigger("startup")

	<-ctx.Done()
	log.Info().Msg("shutting down agent...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	statusServer.Shutdown(shutdownCtx)

	log.Info().Msg("agent stopped")
}
