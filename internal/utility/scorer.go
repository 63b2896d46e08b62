// Package utility computes the retention utility of memory nodes:
//
//	U(n,t) = alpha*A(n,t) + beta*S(n) + gamma*I(n)
//
// A is time-decayed access heat, S is semantic salience judged by an
// external scorer, I is information density relative to a comparison set.
package utility

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/lazypower/arbor/internal/embed"
	"github.com/lazypower/arbor/internal/llm"
	"github.com/lazypower/arbor/internal/store"
)

// Components breaks a utility score into its signals.
type Components struct {
	Heat     float64
	Salience float64
	Density  float64
	Utility  float64

	// SalienceRecomputed is true when S came from a fresh external call
	// rather than the node's cache; the caller should persist it.
	SalienceRecomputed bool
}

// Scorer computes U(n,t). It holds no per-node state: everything it needs
// is on the node, in the access log, or behind the injected capabilities.
type Scorer struct {
	db       *store.DB
	client   llm.Client     // nil falls back to keyword heuristics
	embedder embed.Embedder // nil falls back to token overlap

	alpha, beta, gamma float64
	lambda             float64 // decay rate per millisecond
	salienceTTL        time.Duration
}

// NewScorer builds a Scorer. Weights are normalized so they sum to 1; the
// half-life sets the access heat decay.
func NewScorer(db *store.DB, client llm.Client, embedder embed.Embedder,
	alpha, beta, gamma, halfLifeHours float64, salienceTTL time.Duration) *Scorer {

	total := alpha + beta + gamma
	if total <= 0 {
		alpha, beta, gamma, total = 0.5, 0.3, 0.2, 1.0
	}
	if halfLifeHours <= 0 {
		halfLifeHours = 72
	}
	if salienceTTL <= 0 {
		salienceTTL = 6 * time.Hour
	}

	return &Scorer{
		db:          db,
		client:      client,
		embedder:    embedder,
		alpha:       alpha / total,
		beta:        beta / total,
		gamma:       gamma / total,
		lambda:      math.Ln2 / (halfLifeHours * float64(time.Hour/time.Millisecond)),
		salienceTTL: salienceTTL,
	}
}

// Score computes the raw utility of a node at the given time against a
// comparison set (typically its siblings plus a corpus sample). Locked
// nodes are scored like any other; consumers must use Effective for
// retention decisions.
func (s *Scorer) Score(ctx context.Context, n *store.MemoryNode, now time.Time, comparison []store.MemoryNode) (Components, error) {
	var c Components

	heat, err := s.accessHeat(n.ID, now)
	if err != nil {
		return c, err
	}
	c.Heat = heat

	sal, fresh, err := s.salience(ctx, n, now)
	if err != nil {
		return c, err
	}
	c.Salience = sal
	c.SalienceRecomputed = fresh

	density, err := s.density(ctx, n, comparison)
	if err != nil {
		return c, err
	}
	c.Density = density

	c.Utility = clamp01(s.alpha*c.Heat + s.beta*c.Salience + s.gamma*c.Density)
	return c, nil
}

// Effective is the utility consumers act on: a locked node is always at
// maximum retention value regardless of its computed score.
func Effective(n *store.MemoryNode, computed float64) float64 {
	if n.Locked {
		return 1.0
	}
	return computed
}

// accessHeat computes A(n,t): the exponentially decayed sum of access
// timestamps normalized by (count+1). An empty log scores 0.
func (s *Scorer) accessHeat(nodeID string, now time.Time) (float64, error) {
	log, err := s.db.AccessLog(nodeID)
	if err != nil {
		return 0, fmt.Errorf("access heat: %w", err)
	}
	if len(log) == 0 {
		return 0, nil
	}

	nowMs := now.UnixMilli()
	var sum float64
	for _, at := range log {
		age := float64(nowMs - at)
		if age < 0 {
			age = 0
		}
		sum += math.Exp(-s.lambda * age)
	}
	return clamp01(sum / float64(len(log)+1)), nil
}

// salience returns S(n), using the node's cache when the summary has not
// changed since it was computed and the cache is within TTL.
func (s *Scorer) salience(ctx context.Context, n *store.MemoryNode, now time.Time) (float64, bool, error) {
	if n.Salience != nil && n.SalienceAt != nil &&
		*n.SalienceAt >= n.UpdatedAt &&
		now.UnixMilli()-*n.SalienceAt <= s.salienceTTL.Milliseconds() {
		return *n.Salience, false, nil
	}

	if s.client == nil {
		return heuristicSalience(n.Summary), true, nil
	}

	resp, err := s.client.Complete(ctx, llm.SaliencePrompt(n.Summary))
	if err != nil {
		return 0, false, fmt.Errorf("salience of %s: %w", n.ID, err)
	}
	score, err := parseScore(resp.Content)
	if err != nil {
		// An unparseable judgment degrades to the heuristic rather than
		// failing the node's whole score.
		return heuristicSalience(n.Summary), true, nil
	}
	return score, true, nil
}

// density returns I(n) = 1 - max similarity against the comparison set,
// excluding the node itself. No comparison set means maximally unique.
func (s *Scorer) density(ctx context.Context, n *store.MemoryNode, comparison []store.MemoryNode) (float64, error) {
	var others []store.MemoryNode
	for _, o := range comparison {
		if o.ID != n.ID {
			others = append(others, o)
		}
	}
	if len(others) == 0 {
		return 1.0, nil
	}

	if s.embedder == nil {
		maxSim := 0.0
		for _, o := range others {
			if sim := tokenOverlap(n.Summary, o.Summary); sim > maxSim {
				maxSim = sim
			}
		}
		return clamp01(1.0 - maxSim), nil
	}

	vec, err := s.embedder.Embed(ctx, n.Summary)
	if err != nil {
		return 0, fmt.Errorf("density of %s: %w", n.ID, err)
	}

	maxSim := 0.0
	for _, o := range others {
		ov, err := s.embedder.Embed(ctx, o.Summary)
		if err != nil {
			return 0, fmt.Errorf("density of %s: %w", n.ID, err)
		}
		if sim := embed.CosineSimilarity(vec, ov); sim > maxSim {
			maxSim = sim
		}
	}
	return clamp01(1.0 - maxSim), nil
}

// heuristicSalience scores a summary by keyword bands when no external
// scorer is configured. Anomalies rank highest, filler lowest.
func heuristicSalience(summary string) float64 {
	text := strings.ToLower(summary)

	for _, kw := range []string{"failed", "failure", "error", "fell", "collision", "dropped", "stuck"} {
		if strings.Contains(text, kw) {
			return 0.9
		}
	}
	for _, kw := range []string{"completed", "finished", "succeeded", "first time", "achieved"} {
		if strings.Contains(text, kw) {
			return 0.7
		}
	}
	for _, kw := range []string{"grasp", "pick", "place", "move", "carry", "open", "close"} {
		if strings.Contains(text, kw) {
			return 0.5
		}
	}
	return 0.3
}

// parseScore extracts a [0,1] float from an LLM response.
func parseScore(content string) (float64, error) {
	fields := strings.Fields(strings.TrimSpace(content))
	for _, f := range fields {
		f = strings.Trim(f, "`\"',.")
		v, err := strconv.ParseFloat(f, 64)
		if err == nil {
			return clamp01(v), nil
		}
	}
	return 0, fmt.Errorf("no float in response %q", content)
}

// tokenOverlap is the Jaccard similarity of two summaries' word sets,
// used only when no embedder is configured.
func tokenOverlap(a, b string) float64 {
	wa := wordSet(a)
	wb := wordSet(b)
	if len(wa) == 0 || len(wb) == 0 {
		return 0
	}
	shared := 0
	for w := range wa {
		if wb[w] {
			shared++
		}
	}
	union := len(wa) + len(wb) - shared
	if union == 0 {
		return 0
	}
	return float64(shared) / float64(union)
}

func wordSet(s string) map[string]bool {
	out := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(s)) {
		out[strings.Trim(w, ".,!?\"'")] = true
	}
	return out
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
