package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/rmacedo/fieldsync/internal/auth"
	"github.com/rmacedo/fieldsync/internal/blobstore"
	"github.com/rmacedo/fieldsync/internal/syncx"
)

// Server holds dependencies for the merge endpoint handlers.
type Server struct {
	DB    *pgxpool.Pool
	Blobs *blobstore.Store
	Clock syncx.Clock
}

// nowMs reads the server clock; an injected clock keeps LWW apply-time
// decisions deterministic in tests.
func (s *Server) nowMs() int64 {
	if s.Clock != nil {
		return s.Clock.NowMs()
	}
	return syncx.NowMs()
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode json response")
	}
}

// writeError writes a JSON error body.
func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// parseLimit parses a limit query param with default and max.
func parseLimit(q string, def, max int) int {
	if q == "" {
		return def
	}
	n, err := strconv.Atoi(q)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

// Routes creates the HTTP router with all sync endpoints.
func (s *Server) Routes(jwt auth.JWTCfg) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(CorrelationMiddleware)

	// Health check (unauthenticated)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
		w.Write([]byte("ok"))
	})

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(s.DB, jwt))

		r.Post("/v1/sync/push", s.Push)
		r.Get("/v1/sync/pull", s.Pull)

		r.Head("/v1/sync/blobs/{opID}/{filename}", s.BlobOffset)
		r.Patch("/v1/sync/blobs/{opID}/{filename}", s.BlobChunk)
		r.Get("/v1/blobs/{ref}", s.BlobGet)
	})

	log.Info().Msg("HTTP routes registered")
	return r
}
