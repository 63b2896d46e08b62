// Package search answers retrieval queries by fanning out over disjoint
// time windows in parallel and merging the per-window rankings. A window
// that fails degrades the answer instead of killing it.
package search

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lazypower/arbor/internal/embed"
	"github.com/lazypower/arbor/internal/store"
)

// Window is one named slice of the timeline. Windows handed to Search
// should not overlap, so no node is scored twice.
type Window struct {
	Name   string
	Starts int64 // unix ms, inclusive
	Ends   int64 // unix ms, inclusive
}

// DefaultWindows partitions the last quarter into three disjoint bands
// anchored at now.
func DefaultWindows(now time.Time) []Window {
	const day = 24 * time.Hour
	ms := func(t time.Time) int64 { return t.UnixMilli() }
	return []Window{
		{Name: "last-week", Starts: ms(now.Add(-7 * day)), Ends: ms(now)},
		{Name: "last-month", Starts: ms(now.Add(-30 * day)), Ends: ms(now.Add(-7*day)) - 1},
		{Name: "last-quarter", Starts: ms(now.Add(-90 * day)), Ends: ms(now.Add(-30*day)) - 1},
	}
}

// SplitWindows divides [starts, ends] into n disjoint windows of equal
// width, oldest first. n < 1 yields a single window covering the span.
func SplitWindows(starts, ends time.Time, n int) []Window {
	if n < 1 {
		n = 1
	}
	a, b := starts.UnixMilli(), ends.UnixMilli()
	if b < a {
		a, b = b, a
	}
	width := (b - a + 1) / int64(n)
	if width < 1 {
		width = 1
	}
	windows := make([]Window, 0, n)
	for i := 0; i < n; i++ {
		ws := a + int64(i)*width
		we := ws + width - 1
		if i == n-1 || we > b {
			we = b
		}
		windows = append(windows, Window{
			Name:   fmt.Sprintf("window-%d", i+1),
			Starts: ws,
			Ends:   we,
		})
		if we == b {
			break
		}
	}
	return windows
}

// Result is one ranked hit.
type Result struct {
	Node   store.MemoryNode
	Score  float64
	Window string
}

// Response carries the merged ranking plus the names of any windows that
// could not be searched.
type Response struct {
	Results  []Result
	Degraded []string
}

// Coordinator runs windowed parallel searches over the tree.
type Coordinator struct {
	db       *store.DB
	embedder embed.Embedder
	topK     int // size of the merged ranking
	windowK  int // per-window candidates carried into the merge
}

// New creates a Coordinator. embedder may be nil; scoring then falls back
// to token overlap against the query.
func New(db *store.DB, embedder embed.Embedder, topK, windowK int) *Coordinator {
	if topK <= 0 {
		topK = 10
	}
	if windowK <= 0 {
		windowK = 5
	}
	return &Coordinator{db: db, embedder: embedder, topK: topK, windowK: windowK}
}

// Search scores every node overlapping each window against the query, one
// goroutine per window, and merges the per-window top candidates into one
// ranking. Each worker reads its own snapshot; a window whose read or
// scoring fails is reported in Degraded while the others still answer.
func (c *Coordinator) Search(ctx context.Context, query string, windows []Window) (*Response, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("search: empty query")
	}
	if len(windows) == 0 {
		windows = DefaultWindows(time.Now())
	}

	var queryVec []float64
	if c.embedder != nil {
		vec, err := c.embedder.Embed(ctx, query)
		if err != nil {
			log.Printf("search: query embedding failed, using token overlap: %v", err)
		} else {
			queryVec = vec
		}
	}
	queryToks := tokenSet(query)

	var mu sync.Mutex
	resp := &Response{}

	g, gctx := errgroup.WithContext(ctx)
	for _, w := range windows {
		w := w
		g.Go(func() error {
			hits, err := c.searchWindow(gctx, w, queryVec, queryToks)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				log.Printf("search: window %s degraded: %v", w.Name, err)
				resp.Degraded = append(resp.Degraded, w.Name)
				return nil
			}
			resp.Results = append(resp.Results, hits...)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}

	// Windows are disjoint in time but select by span overlap, so a node
	// straddling a boundary comes back from more than one worker. It gets
	// one slot in the merged ranking, at its best score.
	best := make(map[string]Result, len(resp.Results))
	for _, r := range resp.Results {
		if prev, ok := best[r.Node.ID]; !ok || r.Score > prev.Score {
			best[r.Node.ID] = r
		}
	}
	resp.Results = resp.Results[:0]
	for _, r := range best {
		resp.Results = append(resp.Results, r)
	}

	sort.Slice(resp.Results, func(i, j int) bool {
		if resp.Results[i].Score != resp.Results[j].Score {
			return resp.Results[i].Score > resp.Results[j].Score
		}
		return resp.Results[i].Node.ID < resp.Results[j].Node.ID
	})
	if len(resp.Results) > c.topK {
		resp.Results = resp.Results[:c.topK]
	}
	sort.Strings(resp.Degraded)

	now := time.Now()
	for _, r := range resp.Results {
		if err := c.db.RecordAccess(r.Node.ID, now); err != nil {
			log.Printf("search: record access %s: %v", r.Node.ID, err)
		}
	}
	return resp, nil
}

func (c *Coordinator) searchWindow(ctx context.Context, w Window, queryVec []float64, queryToks map[string]bool) ([]Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	nodes, err := c.db.NodesInRange(w.Starts, w.Ends)
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, nil
	}

	var vectors map[string][]float64
	if queryVec != nil {
		ids := make([]string, len(nodes))
		for i, n := range nodes {
			ids[i] = n.ID
		}
		vectors, err = c.db.VectorsForNodes(ids)
		if err != nil {
			return nil, err
		}
	}

	hits := make([]Result, 0, len(nodes))
	for _, n := range nodes {
		score := 0.0
		if vec, ok := vectors[n.ID]; ok {
			score = embed.CosineSimilarity(queryVec, vec)
		} else {
			score = overlap(tokenSet(n.Summary), queryToks)
		}
		if score <= 0 {
			continue
		}
		hits = append(hits, Result{Node: n, Score: score, Window: w.Name})
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Node.ID < hits[j].Node.ID
	})
	if len(hits) > c.windowK {
		hits = hits[:c.windowK]
	}
	return hits, nil
}

func tokenSet(text string) map[string]bool {
	set := make(map[string]bool)
	var b strings.Builder
	flush := func() {
		if b.Len() > 0 {
			set[b.String()] = true
			b.Reset()
		}
	}
	for _, r := range strings.ToLower(text) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			flush()
		}
	}
	flush()
	return set
}

func overlap(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	shared := 0
	for t := range a {
		if b[t] {
			shared++
		}
	}
	// Jaccard over the union keeps long summaries from dominating.
	return float64(shared) / float64(len(a)+len(b)-shared)
}
