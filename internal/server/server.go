// Package server exposes the memory tree over a local HTTP API: search,
// corrections, maintenance, and node inspection.
package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/lazypower/arbor/internal/editor"
	"github.com/lazypower/arbor/internal/gardener"
	"github.com/lazypower/arbor/internal/search"
	"github.com/lazypower/arbor/internal/store"
	"github.com/lazypower/arbor/internal/utility"
)

// Server is the arbor HTTP API server.
type Server struct {
	db       *store.DB
	gardener *gardener.Gardener
	editor   *editor.Engine
	searcher *search.Coordinator
	scorer   *utility.Scorer
	router   chi.Router
	version  string
	started  time.Time
}

// New creates a Server. gardener, editor, searcher and scorer may be nil;
// the matching routes then answer 503.
func New(db *store.DB, g *gardener.Gardener, e *editor.Engine, sc *search.Coordinator, scorer *utility.Scorer, version string) *Server {
	s := &Server{
		db:       db,
		gardener: g,
		editor:   e,
		searcher: sc,
		scorer:   scorer,
		version:  version,
		started:  time.Now(),
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
		r.Get("/search", s.handleSearch)
		r.Post("/corrections", s.handleCorrection)
		r.Post("/gc", s.handleGC)
		r.Get("/stats", s.handleStats)
		r.Get("/tree", s.handleTree)
		r.Get("/nodes/{nodeID}", s.handleGetNode)
		r.Get("/nodes/{nodeID}/utility", s.handleNodeUtility)
		r.Post("/nodes/{nodeID}/lock", s.handleLockNode)
	})

	s.router = r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	if err := s.db.Ping(); err != nil {
		dbOK = false
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"version": s.version,
		"uptime":  time.Since(s.started).Seconds(),
		"db":      dbOK,
		"db_path": s.db.Path,
	})
}

func unavailableJSON(w http.ResponseWriter, what string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusServiceUnavailable)
	json.NewEncoder(w).Encode(map[string]string{"error": what + " not configured"})
}
