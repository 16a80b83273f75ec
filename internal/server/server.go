package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"github.com/lazypower/recall/internal/engine"
	"github.com/lazypower/recall/internal/store"
)

// Server is the recall HTTP API server.
type Server struct {
	engine  *engine.Engine
	db      *store.DB // optional; enables the observation journal
	router  chi.Router
	version string
	started time.Time

	ingestLimiter *rate.Limiter
	journalLimit  int
}

// Options tunes the server. Zero values disable the feature.
type Options struct {
	IngestRatePerSec float64 // sustained observation ingest rate
	IngestBurst      int
	JournalLimit     int // journaled events to keep
}

// New creates a new Server around eng. db may be nil.
func New(eng *engine.Engine, db *store.DB, version string, opts Options) *Server {
	s := &Server{
		engine:       eng,
		db:           db,
		version:      version,
		started:      time.Now(),
		journalLimit: opts.JournalLimit,
	}
	if opts.IngestRatePerSec > 0 {
		burst := opts.IngestBurst
		if burst < 1 {
			burst = 1
		}
		s.ingestLimiter = rate.NewLimiter(rate.Limit(opts.IngestRatePerSec), burst)
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.With(s.rateLimit).Post("/observations", s.handleObserve)
		r.Get("/observations/recent", s.handleRecentObservations)

		r.Get("/concepts", s.handleConcepts)
		r.Get("/concepts/{conceptID}", s.handleConcept)
		r.Get("/concepts/{conceptID}/neighbors", s.handleNeighbors)
		r.Get("/edges", s.handleEdges)

		r.Get("/due", s.handleDue)
		r.Post("/dispatch", s.handleDispatch)
		r.Post("/prune", s.handlePrune)

		r.Get("/snapshot", s.handleSnapshot)
		r.Post("/snapshot/save", s.handleSaveSnapshot)
	})

	s.router = r
}

// rateLimit rejects ingest requests beyond the configured rate.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.ingestLimiter != nil && !s.ingestLimiter.Allow() {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	dbOK := false
	dbPath := ""
	if s.db != nil {
		dbOK = s.db.PingContext(r.Context()) == nil
		dbPath = s.db.Path
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
		"uptime":  time.Since(s.started).Seconds(),
		"db":      dbOK,
		"db_path": dbPath,
		"engine":  s.engine.Stats(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
