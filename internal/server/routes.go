package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/lazypower/arbor/internal/editor"
	"github.com/lazypower/arbor/internal/store"
	"github.com/lazypower/arbor/internal/utility"
)

type nodeJSON struct {
	ID         string   `json:"id"`
	Level      int      `json:"level"`
	ParentID   string   `json:"parent_id,omitempty"`
	StartsAt   int64    `json:"starts_at"`
	EndsAt     int64    `json:"ends_at"`
	Summary    string   `json:"summary"`
	RawPayload bool     `json:"raw_payload"`
	Degraded   bool     `json:"degraded,omitempty"`
	Locked     bool     `json:"locked,omitempty"`
	Version    int64    `json:"version"`
	Corrected  bool     `json:"corrected,omitempty"`
	Confidence string   `json:"confidence,omitempty"`
	MergedFrom []string `json:"merged_from,omitempty"`
}

func toNodeJSON(n *store.MemoryNode) nodeJSON {
	return nodeJSON{
		ID:         n.ID,
		Level:      n.Level,
		ParentID:   n.ParentID,
		StartsAt:   n.StartsAt,
		EndsAt:     n.EndsAt,
		Summary:    n.Summary,
		RawPayload: n.RawPayload,
		Degraded:   n.Degraded,
		Locked:     n.Locked,
		Version:    n.Version,
		Corrected:  n.Corrected,
		Confidence: n.Confidence,
		MergedFrom: n.MergedFrom,
	}
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		http.Error(w, `{"error":"q parameter required"}`, http.StatusBadRequest)
		return
	}
	if s.searcher == nil {
		unavailableJSON(w, "search")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 60*time.Second)
	defer cancel()

	resp, err := s.searcher.Search(ctx, query, nil)
	if err != nil {
		http.Error(w, fmt.Sprintf(`{"error":"%s"}`, err.Error()), http.StatusInternalServerError)
		return
	}

	type resultJSON struct {
		Node   nodeJSON `json:"node"`
		Score  float64  `json:"score"`
		Window string   `json:"window"`
	}
	out := make([]resultJSON, len(resp.Results))
	for i, res := range resp.Results {
		out[i] = resultJSON{Node: toNodeJSON(&res.Node), Score: res.Score, Window: res.Window}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"query":    query,
		"count":    len(out),
		"results":  out,
		"degraded": resp.Degraded,
	})
}

func (s *Server) handleCorrection(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ReportedAnswer string   `json:"reported_answer"`
		UserCorrection string   `json:"user_correction"`
		QueryContext   string   `json:"query_context"`
		CandidateIDs   []string `json:"candidate_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid json"}`, http.StatusBadRequest)
		return
	}
	if req.UserCorrection == "" {
		http.Error(w, `{"error":"user_correction required"}`, http.StatusBadRequest)
		return
	}
	if s.editor == nil {
		unavailableJSON(w, "editor")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 120*time.Second)
	defer cancel()

	res, err := s.editor.Apply(ctx, editor.Event{
		ReportedAnswer: req.ReportedAnswer,
		UserCorrection: req.UserCorrection,
		QueryContext:   req.QueryContext,
		CandidateIDs:   req.CandidateIDs,
	})
	if err != nil && res == nil {
		status := http.StatusInternalServerError
		if errors.Is(err, editor.ErrNoErrorSource) {
			status = http.StatusNotFound
		}
		http.Error(w, fmt.Sprintf(`{"error":"%s"}`, err.Error()), status)
		return
	}

	body := map[string]any{
		"corrected_node": res.CorrectedID,
		"new_summary":    res.NewSummary,
		"confidence":     res.Confidence,
		"cascaded":       res.Cascaded,
	}
	if res.StoppedAt != "" {
		body["cascade_stopped_at"] = res.StoppedAt
	}
	if err != nil {
		// Correction committed but the upward propagation broke partway.
		body["cascade_error"] = err.Error()
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(body)
}

func (s *Server) handleGC(w http.ResponseWriter, r *http.Request) {
	if s.gardener == nil {
		unavailableJSON(w, "gardener")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Minute)
	defer cancel()

	stats, err := s.gardener.RunPass(ctx)
	if err != nil {
		http.Error(w, fmt.Sprintf(`{"error":"%s"}`, err.Error()), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"scored":     stats.Scored,
		"kept":       stats.Kept,
		"downgraded": stats.Downgraded,
		"text_only":  stats.TextOnly,
		"merged":     stats.Merged,
		"skipped":    stats.Skipped,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	count, err := s.db.CountNodes()
	if err != nil {
		http.Error(w, fmt.Sprintf(`{"error":"%s"}`, err.Error()), http.StatusInternalServerError)
		return
	}
	levels, _ := s.db.Levels()

	body := map[string]any{
		"nodes":  count,
		"levels": levels,
	}
	if s.gardener != nil {
		gs := s.gardener.Stats()
		body["gardener"] = map[string]any{
			"passes":     gs.Passes,
			"scored":     gs.Scored,
			"kept":       gs.Kept,
			"downgraded": gs.Downgraded,
			"text_only":  gs.TextOnly,
			"merged":     gs.Merged,
			"skipped":    gs.Skipped,
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(body)
}

func (s *Server) handleTree(w http.ResponseWriter, r *http.Request) {
	parent := r.URL.Query().Get("parent")

	var nodes []store.MemoryNode
	var err error
	if parent == "" {
		// Roots: the highest level present.
		var levels []int
		levels, err = s.db.Levels()
		if err == nil && len(levels) > 0 {
			nodes, err = s.db.ListByLevel(levels[len(levels)-1])
		}
	} else {
		nodes, err = s.db.Children(parent)
	}
	if err != nil {
		http.Error(w, fmt.Sprintf(`{"error":"%s"}`, err.Error()), http.StatusInternalServerError)
		return
	}

	out := make([]nodeJSON, len(nodes))
	for i := range nodes {
		out[i] = toNodeJSON(&nodes[i])
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"parent": parent,
		"nodes":  out,
	})
}

func (s *Server) handleGetNode(w http.ResponseWriter, r *http.Request) {
	nodeID := chi.URLParam(r, "nodeID")

	n, err := s.db.GetNode(nodeID)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, store.ErrNodeNotFound) {
			status = http.StatusNotFound
		}
		http.Error(w, fmt.Sprintf(`{"error":"%s"}`, err.Error()), status)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(toNodeJSON(n))
}

func (s *Server) handleNodeUtility(w http.ResponseWriter, r *http.Request) {
	nodeID := chi.URLParam(r, "nodeID")

	n, err := s.db.GetNode(nodeID)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, store.ErrNodeNotFound) {
			status = http.StatusNotFound
		}
		http.Error(w, fmt.Sprintf(`{"error":"%s"}`, err.Error()), status)
		return
	}
	if s.scorer == nil {
		unavailableJSON(w, "scorer")
		return
	}

	fresh := false
	if f := r.URL.Query().Get("fresh"); f != "" {
		fresh, _ = strconv.ParseBool(f)
	}

	body := map[string]any{"id": n.ID, "locked": n.Locked}

	if !fresh && n.Utility != nil {
		body["utility"] = *n.Utility
		body["effective"] = utility.Effective(n, *n.Utility)
		body["cached_at"] = *n.UtilityAt
	} else {
		ctx, cancel := context.WithTimeout(r.Context(), 60*time.Second)
		defer cancel()

		var siblings []store.MemoryNode
		if n.ParentID != "" {
			siblings, _ = s.db.Children(n.ParentID)
		}
		comps, err := s.scorer.Score(ctx, n, time.Now(), siblings)
		if err != nil {
			http.Error(w, fmt.Sprintf(`{"error":"%s"}`, err.Error()), http.StatusBadGateway)
			return
		}
		body["utility"] = comps.Utility
		body["effective"] = utility.Effective(n, comps.Utility)
		body["heat"] = comps.Heat
		body["salience"] = comps.Salience
		body["density"] = comps.Density
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(body)
}

func (s *Server) handleLockNode(w http.ResponseWriter, r *http.Request) {
	nodeID := chi.URLParam(r, "nodeID")

	n, err := s.db.GetNode(nodeID)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, store.ErrNodeNotFound) {
			status = http.StatusNotFound
		}
		http.Error(w, fmt.Sprintf(`{"error":"%s"}`, err.Error()), status)
		return
	}

	if err := s.db.LockNode(n.ID, n.Version); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, store.ErrStaleVersion) {
			status = http.StatusConflict
		}
		http.Error(w, fmt.Sprintf(`{"error":"%s"}`, err.Error()), status)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "locked", "id": n.ID})
}
