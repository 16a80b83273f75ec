package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/lazypower/recall/internal/concept"
	"github.com/lazypower/recall/internal/engine"
	"github.com/lazypower/recall/internal/store"
)

const (
	maxObservationBody = 64 * 1024
	journalTimeout     = 2 * time.Second
)

// nodeJSON is a concept as shown by the API: its persisted record plus its
// current place in the review cycle.
type nodeJSON struct {
	concept.NodeRecord
	State concept.State `json:"state"`
}

func (s *Server) nodeView(n concept.Node, now time.Time) nodeJSON {
	return nodeJSON{
		NodeRecord: n.Record(),
		State:      s.engine.Store.Scheduler().State(n, now),
	}
}

func (s *Server) handleObserve(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxObservationBody+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body failed")
		return
	}
	if len(body) > maxObservationBody {
		writeError(w, http.StatusRequestEntityTooLarge, "observation too large")
		return
	}
	var ev concept.Observation
	if err := json.Unmarshal(body, &ev); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if len(ev.Concepts) == 0 {
		writeError(w, http.StatusBadRequest, "concepts required")
		return
	}

	if s.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), journalTimeout)
		if err := s.db.AddObservation(ctx, ev, s.journalLimit); err != nil {
			log.Printf("warning: ingest: journal write failed: %v", err)
		}
		cancel()
	}

	if err := s.engine.Submit(r.Context(), ev); err != nil {
		if errors.Is(err, engine.ErrStopped) {
			writeError(w, http.StatusServiceUnavailable, "engine stopped")
			return
		}
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) handleRecentObservations(w http.ResponseWriter, r *http.Request) {
	if s.db == nil {
		writeError(w, http.StatusServiceUnavailable, "journal not configured")
		return
	}
	limit := queryInt(r, "limit", 20)
	entries, err := s.db.RecentObservations(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if entries == nil {
		entries = []store.JournalEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"observations": entries})
}

func (s *Server) handleConcepts(w http.ResponseWriter, r *http.Request) {
	now := s.engine.Now()
	filter := concept.State(r.URL.Query().Get("state"))

	nodes := make([]nodeJSON, 0)
	for _, n := range s.engine.Store.AllNodes() {
		v := s.nodeView(n, now)
		if filter != "" && v.State != filter {
			continue
		}
		nodes = append(nodes, v)
	}
	writeJSON(w, http.StatusOK, map[string]any{"concepts": nodes})
}

func (s *Server) handleConcept(w http.ResponseWriter, r *http.Request) {
	n, ok := s.lookup(r)
	if !ok {
		writeError(w, http.StatusNotFound, "concept not found")
		return
	}
	writeJSON(w, http.StatusOK, s.nodeView(n, s.engine.Now()))
}

func (s *Server) handleNeighbors(w http.ResponseWriter, r *http.Request) {
	n, ok := s.lookup(r)
	if !ok {
		writeError(w, http.StatusNotFound, "concept not found")
		return
	}

	type neighborJSON struct {
		ID     concept.ID `json:"id"`
		Name   string     `json:"name"`
		Weight float64    `json:"weight"`
	}
	out := make([]neighborJSON, 0)
	for _, nb := range s.engine.Store.Neighbors(n.ID) {
		out = append(out, neighborJSON{ID: nb.Node.ID, Name: nb.Node.Name, Weight: nb.Weight})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"concept":   n.Name,
		"neighbors": out,
	})
}

// lookup resolves {conceptID} as an id first, then as a name.
func (s *Server) lookup(r *http.Request) (concept.Node, bool) {
	ref := chi.URLParam(r, "conceptID")
	if n, ok := s.engine.Store.Node(concept.ID(ref)); ok {
		return n, true
	}
	return s.engine.Store.NodeByName(ref)
}

func (s *Server) handleEdges(w http.ResponseWriter, r *http.Request) {
	edges := s.engine.Store.Edges()
	limit := queryInt(r, "limit", len(edges))
	if limit < len(edges) {
		edges = edges[:limit]
	}
	out := make([]concept.EdgeRecord, 0, len(edges))
	for _, e := range edges {
		out = append(out, e.Record())
	}
	writeJSON(w, http.StatusOK, map[string]any{"edges": out})
}

func (s *Server) handleDue(w http.ResponseWriter, r *http.Request) {
	now := s.engine.Now()
	due := make([]nodeJSON, 0)
	for _, n := range s.engine.Due() {
		due = append(due, s.nodeView(n, now))
	}
	writeJSON(w, http.StatusOK, map[string]any{"due": due})
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	sent := s.engine.Dispatch(r.Context())
	if sent == nil {
		sent = []concept.Notification{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sent": sent})
}

func (s *Server) handlePrune(w http.ResponseWriter, r *http.Request) {
	nodes, edges := s.engine.Prune()
	writeJSON(w, http.StatusOK, map[string]int{
		"nodes_removed": nodes,
		"edges_removed": edges,
	})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Store.Snapshot())
}

func (s *Server) handleSaveSnapshot(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Save(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "saved"})
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}
