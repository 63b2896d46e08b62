// Package gardener runs the periodic maintenance pass that shrinks the
// memory tree: it scores every node's retention utility and applies the
// forgetting policy's action, including semantic merges of adjacent
// low-utility siblings.
package gardener

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/lazypower/arbor/internal/embed"
	"github.com/lazypower/arbor/internal/llm"
	"github.com/lazypower/arbor/internal/payload"
	"github.com/lazypower/arbor/internal/store"
	"github.com/lazypower/arbor/internal/utility"
)

// Stats counts what a pass (or the lifetime of the Gardener) did.
type Stats struct {
	Passes     int
	Scored     int
	Kept       int
	Downgraded int
	TextOnly   int
	Merged     int // nodes absorbed into merge products
	Skipped    int // external capability failures, retried next pass
}

// Gardener is the periodic maintenance actor.
type Gardener struct {
	db       *store.DB
	scorer   *utility.Scorer
	client   llm.Client
	payloads payload.Store
	embedder embed.Embedder
	policy   Policy
	interval time.Duration

	// The Gardener's own bound on in-flight external calls, separate from
	// the editor's budget so neither actor can starve the other.
	budget *semaphore.Weighted

	mu     sync.Mutex
	stats  Stats
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a Gardener. client and embedder may be nil; the scorer then
// falls back to its heuristics and merges use plain concatenation.
func New(db *store.DB, scorer *utility.Scorer, client llm.Client,
	payloads payload.Store, embedder embed.Embedder,
	policy Policy, interval time.Duration, callBudget int) *Gardener {

	if callBudget <= 0 {
		callBudget = 4
	}
	return &Gardener{
		db:       db,
		scorer:   scorer,
		client:   client,
		payloads: payloads,
		embedder: embedder,
		policy:   policy,
		interval: interval,
		budget:   semaphore.NewWeighted(int64(callBudget)),
		stopCh:   make(chan struct{}),
	}
}

// Start runs one pass immediately and then one per interval until Stop.
func (g *Gardener) Start() {
	run := func() {
		ctx, cancel := context.WithTimeout(context.Background(), g.interval)
		defer cancel()
		if stats, err := g.RunPass(ctx); err != nil {
			log.Printf("gardener: pass aborted: %v", err)
		} else {
			log.Printf("gardener: pass done: scored=%d kept=%d downgraded=%d text_only=%d merged=%d skipped=%d",
				stats.Scored, stats.Kept, stats.Downgraded, stats.TextOnly, stats.Merged, stats.Skipped)
		}
	}

	run()
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		ticker := time.NewTicker(g.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				run()
			case <-g.stopCh:
				return
			}
		}
	}()
}

// Stop shuts down the background timer.
func (g *Gardener) Stop() {
	close(g.stopCh)
	g.wg.Wait()
}

// Stats returns a copy of the lifetime counters.
func (g *Gardener) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stats
}

// RunPass evaluates every node once, bottom-up (children before parents),
// so a merge at level k feeds the inputs seen when level k+1 is
// reconsidered on the next pass. Each node's change is atomic; the pass
// can be cancelled between nodes without structural damage. A single
// node's external-call failure skips that node, never the pass.
func (g *Gardener) RunPass(ctx context.Context) (Stats, error) {
	now := time.Now()
	var pass Stats

	levels, err := g.db.Levels()
	if err != nil {
		return pass, fmt.Errorf("gardener: %w", err)
	}

	for _, level := range levels {
		nodes, err := g.db.ListByLevel(level)
		if err != nil {
			return pass, fmt.Errorf("gardener: %w", err)
		}

		// Siblings grouped by parent: the comparison set for density and
		// the candidate pool for merges.
		byParent := make(map[string][]store.MemoryNode)
		for _, n := range nodes {
			byParent[n.ParentID] = append(byParent[n.ParentID], n)
		}

		for parentID, siblings := range byParent {
			mergeSet, err := g.evaluateSiblings(ctx, &pass, siblings, now)
			if err != nil {
				return pass, err
			}
			if level >= 2 && len(mergeSet) > 0 {
				g.mergeAdjacent(ctx, &pass, parentID, siblings, mergeSet, now)
			}
		}
	}

	g.mu.Lock()
	g.stats.Passes++
	g.stats.Scored += pass.Scored
	g.stats.Kept += pass.Kept
	g.stats.Downgraded += pass.Downgraded
	g.stats.TextOnly += pass.TextOnly
	g.stats.Merged += pass.Merged
	g.stats.Skipped += pass.Skipped
	g.mu.Unlock()

	return pass, nil
}

// evaluateSiblings scores each sibling and applies the non-structural
// actions. It returns the ids marked for merging.
func (g *Gardener) evaluateSiblings(ctx context.Context, pass *Stats, siblings []store.MemoryNode, now time.Time) (map[string]bool, error) {
	mergeSet := make(map[string]bool)

	for i := range siblings {
		if err := ctx.Err(); err != nil {
			return mergeSet, err
		}
		n := &siblings[i]

		comps, err := g.score(ctx, n, now, siblings)
		if err != nil {
			if errors.Is(err, llm.ErrUnavailable) || errors.Is(err, context.DeadlineExceeded) {
				log.Printf("gardener: skipping %s this pass: %v", n.ID, err)
				if err := g.db.SetRescore(n.ID, true); err != nil {
					log.Printf("gardener: flag rescore %s: %v", n.ID, err)
				}
				pass.Skipped++
				continue
			}
			return mergeSet, fmt.Errorf("gardener: score %s: %w", n.ID, err)
		}
		pass.Scored++

		var sal *float64
		if comps.SalienceRecomputed {
			sal = &comps.Salience
		}
		if err := g.db.CacheUtility(n.ID, comps.Utility, sal, now.UnixMilli()); err != nil {
			log.Printf("gardener: cache utility %s: %v", n.ID, err)
		}
		if n.Rescore {
			if err := g.db.SetRescore(n.ID, false); err != nil {
				log.Printf("gardener: clear rescore %s: %v", n.ID, err)
			}
		}

		switch g.policy.Decide(utility.Effective(n, comps.Utility)) {
		case KeepAll:
			pass.Kept++

		case Downgrade:
			if n.HasRawLevel() && n.RawPayload && !n.Degraded {
				if err := g.applyDowngrade(n); err != nil {
					log.Printf("gardener: downgrade %s: %v", n.ID, err)
					pass.Skipped++
					continue
				}
				pass.Downgraded++
			} else {
				pass.Kept++ // no raw payload to downgrade
			}

		case TextOnly:
			if n.HasRawLevel() && n.RawPayload {
				if err := g.applyTextOnly(n); err != nil {
					log.Printf("gardener: text-only %s: %v", n.ID, err)
					pass.Skipped++
					continue
				}
				pass.TextOnly++
			} else {
				pass.Kept++
			}

		case MergeOrDelete:
			if n.HasRawLevel() {
				// The data floor is text: below T_low a perceptual node
				// still only loses its payload, never the node itself.
				if n.RawPayload {
					if err := g.applyTextOnly(n); err != nil {
						log.Printf("gardener: text-only %s: %v", n.ID, err)
						pass.Skipped++
						continue
					}
					pass.TextOnly++
				} else {
					pass.Kept++
				}
			} else if !n.Locked {
				mergeSet[n.ID] = true
			}
		}
	}
	return mergeSet, nil
}

// score wraps the scorer call in the Gardener's external-call budget.
func (g *Gardener) score(ctx context.Context, n *store.MemoryNode, now time.Time, siblings []store.MemoryNode) (utility.Components, error) {
	if err := g.budget.Acquire(ctx, 1); err != nil {
		return utility.Components{}, err
	}
	defer g.budget.Release(1)
	return g.scorer.Score(ctx, n, now, siblings)
}

// applyDowngrade commits the degraded flag before touching the payload
// store, so a crash leaves a flagged node with an intact payload rather
// than an unflagged node with a degraded one.
func (g *Gardener) applyDowngrade(n *store.MemoryNode) error {
	if err := g.db.SetDegraded(n.ID, n.Version); err != nil {
		return err
	}
	if g.payloads != nil {
		if err := g.payloads.Downgrade(n.ID); err != nil {
			return err
		}
	}
	return nil
}

// applyTextOnly clears the payload flag under the version check, then
// removes the payload bytes. The summary is untouched; a level 0/1 node
// never degrades below its text.
func (g *Gardener) applyTextOnly(n *store.MemoryNode) error {
	if err := g.db.SetRawPayload(n.ID, false, n.Version); err != nil {
		return err
	}
	if g.payloads != nil {
		if err := g.payloads.Delete(n.ID); err != nil {
			return err
		}
	}
	return nil
}

// mergeAdjacent walks the siblings in time order and merges each run of
// two or more consecutive merge candidates into one synthetic node.
// Candidates without an adjacent partner are left as they are.
func (g *Gardener) mergeAdjacent(ctx context.Context, pass *Stats, parentID string, siblings []store.MemoryNode, mergeSet map[string]bool, now time.Time) {
	ordered := make([]store.MemoryNode, len(siblings))
	copy(ordered, siblings)
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].StartsAt != ordered[j].StartsAt {
			return ordered[i].StartsAt < ordered[j].StartsAt
		}
		return ordered[i].ID < ordered[j].ID
	})

	var run []store.MemoryNode
	flush := func() {
		if len(run) >= 2 {
			g.mergeBatch(ctx, pass, parentID, run, now)
		}
		run = nil
	}

	for _, n := range ordered {
		if mergeSet[n.ID] {
			run = append(run, n)
		} else {
			flush()
		}
	}
	flush()
}

// mergeBatch summarizes and commits one merge. Failure of the external
// summarizer skips the batch and flags its members for the next pass.
func (g *Gardener) mergeBatch(ctx context.Context, pass *Stats, parentID string, batch []store.MemoryNode, now time.Time) {
	summaries := make([]string, len(batch))
	for i, n := range batch {
		summaries[i] = n.Summary
	}

	summary, err := g.summarize(ctx, summaries)
	if err != nil {
		log.Printf("gardener: merge summary for %d nodes under %s: %v", len(batch), parentID, err)
		for _, n := range batch {
			g.db.SetRescore(n.ID, true)
		}
		pass.Skipped += len(batch)
		return
	}

	parentVersion := int64(0)
	if parentID != "" {
		parent, err := g.db.GetNode(parentID)
		if err != nil {
			log.Printf("gardener: merge under %s: %v", parentID, err)
			return
		}
		parentVersion = parent.Version
	}

	merged, err := g.db.MergeBatch(batch, summary, parentVersion)
	if err != nil {
		if errors.Is(err, store.ErrStaleVersion) {
			// A concurrent edit touched this parent; the batch will be
			// re-evaluated from fresh state next pass.
			log.Printf("gardener: merge under %s lost version race, deferred", parentID)
			return
		}
		log.Printf("gardener: merge under %s: %v", parentID, err)
		return
	}
	pass.Merged += len(batch)
	log.Printf("gardener: merged %d nodes into %s", len(batch), merged.ID)

	g.indexNode(ctx, merged)

	// The merge product decorrelates from its inputs, so its utility is
	// recomputed immediately rather than inheriting a sub-threshold score.
	if comps, err := g.scorer.Score(ctx, merged, now, nil); err == nil {
		var sal *float64
		if comps.SalienceRecomputed {
			sal = &comps.Salience
		}
		g.db.CacheUtility(merged.ID, comps.Utility, sal, now.UnixMilli())
	}
}

func (g *Gardener) summarize(ctx context.Context, summaries []string) (string, error) {
	if g.client == nil {
		return strings.Join(summaries, "; "), nil
	}
	if err := g.budget.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer g.budget.Release(1)

	resp, err := g.client.Complete(ctx, llm.MergeSummaryPrompt(summaries))
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(resp.Content)
	if text == "" {
		return "", fmt.Errorf("summarizer returned empty text: %w", llm.ErrUnavailable)
	}
	return text, nil
}

// indexNode upserts the semantic index entry after a summary change.
func (g *Gardener) indexNode(ctx context.Context, n *store.MemoryNode) {
	if g.embedder == nil {
		return
	}
	vec, err := g.embedder.Embed(ctx, n.Summary)
	if err != nil {
		log.Printf("gardener: embed %s: %v", n.ID, err)
		return
	}
	if err := g.db.SaveVector(n.ID, vec, g.embedder.Model()); err != nil {
		log.Printf("gardener: index %s: %v", n.ID, err)
	}
}
