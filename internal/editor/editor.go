// Package editor implements targeted memory correction: when the user
// reports a wrong answer, the engine finds the node the error came from,
// re-derives that node's summary, and propagates the fix up through its
// ancestors until a regenerated summary stops changing.
package editor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/semaphore"

	"github.com/lazypower/arbor/internal/embed"
	"github.com/lazypower/arbor/internal/llm"
	"github.com/lazypower/arbor/internal/payload"
	"github.com/lazypower/arbor/internal/store"
)

// ErrNoErrorSource means no candidate node plausibly produced the
// reported answer; nothing is modified.
var ErrNoErrorSource = errors.New("no error source found")

// applyAttempts bounds the locate-rederive-apply loop when a concurrent
// writer keeps invalidating our version.
const applyAttempts = 3

// Event is one user correction: what the system said, what the user said
// instead, and which nodes served the answer.
type Event struct {
	ReportedAnswer string
	UserCorrection string
	QueryContext   string
	CandidateIDs   []string
}

// Result records what a correction changed.
type Result struct {
	CorrectedID string
	NewSummary  string
	Confidence  string
	Cascaded    []string // ancestor ids rewritten, nearest first
	StoppedAt   string   // ancestor whose regenerated summary didn't change
}

// Reperceiver re-derives a summary from raw payload bytes, biased by the
// user's correction. Nil when no perceptual capability is configured.
type Reperceiver interface {
	Reperceive(ctx context.Context, data []byte, hint string) (string, error)
}

// Engine applies correction events to the tree.
type Engine struct {
	db        *store.DB
	client    llm.Client
	payloads  payload.Store
	embedder  embed.Embedder
	perceiver Reperceiver

	// Separate from the Gardener's budget so a long maintenance pass
	// can't delay an interactive correction.
	budget *semaphore.Weighted
}

// New creates an Engine. client, payloads, embedder and perceiver may each
// be nil; the engine degrades to text-space edits.
func New(db *store.DB, client llm.Client, payloads payload.Store, embedder embed.Embedder, perceiver Reperceiver, callBudget int) *Engine {
	if callBudget <= 0 {
		callBudget = 4
	}
	return &Engine{
		db:        db,
		client:    client,
		payloads:  payloads,
		embedder:  embedder,
		perceiver: perceiver,
		budget:    semaphore.NewWeighted(int64(callBudget)),
	}
}

// Apply runs one correction end to end: locate, re-derive, commit, cascade.
// Failures before the first commit leave the tree untouched. A failure
// mid-cascade keeps the writes already made and returns the error; the
// Result then describes the partial progress.
func (e *Engine) Apply(ctx context.Context, ev Event) (*Result, error) {
	if strings.TrimSpace(ev.UserCorrection) == "" {
		return nil, fmt.Errorf("apply correction: empty correction text")
	}

	var res *Result
	var lastErr error
	for attempt := 0; attempt < applyAttempts; attempt++ {
		target, err := e.locate(ev)
		if err != nil {
			return nil, err
		}

		summary, confidence, err := e.rederive(ctx, target, ev)
		if err != nil {
			return nil, err
		}

		err = e.db.UpdateSummary(target.ID, summary, true, confidence, target.Version)
		if errors.Is(err, store.ErrStaleVersion) {
			// Somebody rewrote the target under us; re-locate against the
			// fresh tree rather than clobbering their change.
			lastErr = err
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("apply correction: %w", err)
		}

		e.audit(target, summary, ev)
		e.index(ctx, target.ID, summary)

		res = &Result{
			CorrectedID: target.ID,
			NewSummary:  summary,
			Confidence:  confidence,
		}
		lastErr = nil
		break
	}
	if res == nil {
		return nil, fmt.Errorf("apply correction: %w", lastErr)
	}

	cascadeErr := e.cascade(ctx, res)

	e.db.AppendEdit(store.EditRecord{
		EditedAt:       time.Now().UnixMilli(),
		CorrectedNode:  res.CorrectedID,
		Ancestors:      res.Cascaded,
		UserCorrection: ev.UserCorrection,
	})

	return res, cascadeErr
}

// locate finds the deepest node whose summary plausibly produced the
// reported answer. A node qualifies when it shares more content with the
// wrong answer than with the correction; among qualifiers the lowest
// level wins, then the strongest overlap.
func (e *Engine) locate(ev Event) (*store.MemoryNode, error) {
	pool, err := e.candidatePool(ev.CandidateIDs)
	if err != nil {
		return nil, err
	}

	reported := tokenSet(ev.ReportedAnswer)
	correction := tokenSet(ev.UserCorrection)

	var best *store.MemoryNode
	var bestScore float64
	for i := range pool {
		n := &pool[i]
		toks := tokenSet(n.Summary)
		score := overlap(toks, reported) - 0.5*overlap(toks, correction)
		if score <= 0 {
			continue
		}
		if best == nil || n.Level < best.Level ||
			(n.Level == best.Level && score > bestScore) {
			best = n
			bestScore = score
		}
	}
	if best == nil {
		return nil, fmt.Errorf("locate for %q: %w", ev.ReportedAnswer, ErrNoErrorSource)
	}
	return best, nil
}

// candidatePool expands the serving nodes to their full subtrees; when no
// candidates are given the whole arena is searched.
func (e *Engine) candidatePool(ids []string) ([]store.MemoryNode, error) {
	if len(ids) == 0 {
		return e.db.AllNodes()
	}
	var pool []store.MemoryNode
	seen := make(map[string]bool)
	for _, id := range ids {
		n, err := e.db.GetNode(id)
		if err != nil {
			if errors.Is(err, store.ErrNodeNotFound) {
				continue
			}
			return nil, err
		}
		if !seen[n.ID] {
			pool = append(pool, *n)
			seen[n.ID] = true
		}
		desc, err := e.db.Descendants(n.ID, 0)
		if err != nil {
			return nil, err
		}
		for _, d := range desc {
			if !seen[d.ID] {
				pool = append(pool, d)
				seen[d.ID] = true
			}
		}
	}
	return pool, nil
}

// rederive produces the corrected summary. When the node still has its raw
// payload and a perceptual capability is configured, the summary is
// re-derived from the source data. Otherwise the edit happens in text
// space and the node is flagged low confidence: we rewrote a description
// without being able to look again.
func (e *Engine) rederive(ctx context.Context, n *store.MemoryNode, ev Event) (summary, confidence string, err error) {
	if n.HasRawLevel() && n.RawPayload && e.perceiver != nil && e.payloads != nil {
		data, perr := e.payloads.Get(n.ID)
		if perr == nil {
			text, rerr := e.reperceive(ctx, data, ev.UserCorrection)
			if rerr != nil {
				return "", "", rerr
			}
			return text, "high", nil
		}
		if !errors.Is(perr, payload.ErrNotFound) {
			return "", "", fmt.Errorf("rederive %s: %w", n.ID, perr)
		}
		// Flag says payload present but the bytes are gone; fall through
		// to the textual path.
	}

	if e.client == nil {
		return strings.TrimSpace(ev.UserCorrection), "low", nil
	}
	text, err := e.complete(ctx, llm.ReperceivePrompt(n.Summary, ev.UserCorrection))
	if err != nil {
		return "", "", err
	}
	return text, "low", nil
}

// cascade regenerates each ancestor's summary from its current children,
// nearest first, stopping early at the first ancestor whose regenerated
// text is identical to what it already says. Writes already made are kept
// when a later step fails.
func (e *Engine) cascade(ctx context.Context, res *Result) error {
	if e.client == nil {
		return nil
	}
	ancestors, err := e.db.Ancestors(res.CorrectedID)
	if err != nil {
		return fmt.Errorf("cascade from %s: %w", res.CorrectedID, err)
	}

	for _, anc := range ancestors {
		regenerated, err := e.regenerate(ctx, &anc)
		if err != nil {
			return fmt.Errorf("cascade at %s: %w", anc.ID, err)
		}
		if regenerated == anc.Summary {
			res.StoppedAt = anc.ID
			return nil
		}
		if err := e.db.UpdateSummary(anc.ID, regenerated, anc.Corrected, anc.Confidence, anc.Version); err != nil {
			if errors.Is(err, store.ErrStaleVersion) {
				// One refresh: the children we read are still the inputs
				// a current writer would see, so regenerate once more.
				fresh, gerr := e.db.GetNode(anc.ID)
				if gerr != nil {
					return fmt.Errorf("cascade at %s: %w", anc.ID, gerr)
				}
				regenerated, gerr = e.regenerate(ctx, fresh)
				if gerr != nil {
					return fmt.Errorf("cascade at %s: %w", anc.ID, gerr)
				}
				if regenerated == fresh.Summary {
					res.StoppedAt = anc.ID
					return nil
				}
				err = e.db.UpdateSummary(anc.ID, regenerated, fresh.Corrected, fresh.Confidence, fresh.Version)
			}
			if err != nil {
				return fmt.Errorf("cascade at %s: %w", anc.ID, err)
			}
		}
		e.index(ctx, anc.ID, regenerated)
		res.Cascaded = append(res.Cascaded, anc.ID)
	}
	return nil
}

func (e *Engine) regenerate(ctx context.Context, anc *store.MemoryNode) (string, error) {
	children, err := e.db.Children(anc.ID)
	if err != nil {
		return "", err
	}
	texts := make([]string, len(children))
	for i, c := range children {
		texts[i] = c.Summary
	}
	return e.complete(ctx, llm.CascadeSummaryPrompt(anc.Summary, texts))
}

// complete runs one LLM call under the engine's budget, retrying transient
// unavailability with exponential backoff.
func (e *Engine) complete(ctx context.Context, prompt string) (string, error) {
	if err := e.budget.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer e.budget.Release(1)

	var text string
	op := func() error {
		resp, err := e.client.Complete(ctx, prompt)
		if err != nil {
			if errors.Is(err, llm.ErrUnavailable) {
				return err // retryable
			}
			return backoff.Permanent(err)
		}
		text = strings.TrimSpace(resp.Content)
		if text == "" {
			return fmt.Errorf("empty completion: %w", llm.ErrUnavailable)
		}
		return nil
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return "", err
	}
	return text, nil
}

func (e *Engine) reperceive(ctx context.Context, data []byte, hint string) (string, error) {
	if err := e.budget.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer e.budget.Release(1)
	text, err := e.perceiver.Reperceive(ctx, data, hint)
	if err != nil {
		return "", fmt.Errorf("reperceive: %w: %v", llm.ErrUnavailable, err)
	}
	return strings.TrimSpace(text), nil
}

func (e *Engine) audit(prior *store.MemoryNode, corrected string, ev Event) {
	err := e.db.AppendCorrection(store.Correction{
		NodeID:        prior.ID,
		CorrectedAt:   time.Now().UnixMilli(),
		PriorText:     prior.Summary,
		CorrectedText: corrected,
		Trigger:       ev.QueryContext,
	})
	if err != nil {
		log.Printf("editor: audit %s: %v", prior.ID, err)
	}
}

func (e *Engine) index(ctx context.Context, id, text string) {
	if e.embedder == nil {
		return
	}
	vec, err := e.embedder.Embed(ctx, text)
	if err != nil {
		log.Printf("editor: embed %s: %v", id, err)
		return
	}
	if err := e.db.SaveVector(id, vec, e.embedder.Model()); err != nil {
		log.Printf("editor: index %s: %v", id, err)
	}
}

// tokenSet lower-cases and splits text on non-alphanumeric runes.
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

// overlap is the fraction of a's tokens also present in b.
func overlap(a, b map[string]bool) float64 {
	if len(a) == 0 {
		return 0
	}
	shared := 0
	for t := range a {
		if b[t] {
			shared++
		}
	}
	return float64(shared) / float64(len(a))
}
