package store

import (
	"fmt"
)

// Problem describes one integrity violation found by CheckTree.
type Problem struct {
	NodeID string
	Kind   string
	Detail string
}

func (p Problem) String() string {
	return fmt.Sprintf("%s: %s (%s)", p.NodeID, p.Kind, p.Detail)
}

// CheckTree validates the structural invariants of the arena:
// timestamps ordered, summaries non-empty, exactly one parent per non-root,
// no cycles, and every parent's span covering the union of its children.
// It returns the violations found; an empty slice means a healthy tree.
func (db *DB) CheckTree() ([]Problem, error) {
	nodes, err := db.AllNodes()
	if err != nil {
		return nil, fmt.Errorf("check tree: %w", err)
	}

	byID := make(map[string]*MemoryNode, len(nodes))
	for i := range nodes {
		byID[nodes[i].ID] = &nodes[i]
	}

	var problems []Problem
	childSpans := make(map[string][2]int64) // parent id -> union of child spans

	for i := range nodes {
		n := &nodes[i]

		if n.StartsAt > n.EndsAt {
			problems = append(problems, Problem{n.ID, "invalid_timestamps", "starts_at after ends_at"})
		}
		if n.Summary == "" {
			problems = append(problems, Problem{n.ID, "empty_summary", "textual residue is the floor of degradation"})
		}
		if n.Level >= 2 && n.RawPayload {
			problems = append(problems, Problem{n.ID, "payload_above_level_1", fmt.Sprintf("level %d claims raw payload", n.Level)})
		}

		if n.ParentID != "" {
			parent, ok := byID[n.ParentID]
			if !ok {
				problems = append(problems, Problem{n.ID, "dangling_parent", n.ParentID})
				continue
			}
			if parent.ID == n.ID {
				problems = append(problems, Problem{n.ID, "self_parent", ""})
				continue
			}
			span, seen := childSpans[parent.ID]
			if !seen {
				span = [2]int64{n.StartsAt, n.EndsAt}
			} else {
				if n.StartsAt < span[0] {
					span[0] = n.StartsAt
				}
				if n.EndsAt > span[1] {
					span[1] = n.EndsAt
				}
			}
			childSpans[parent.ID] = span
		}
	}

	// Cycle detection: walk each node's parent chain.
	for i := range nodes {
		seen := map[string]bool{}
		cur := &nodes[i]
		for cur.ParentID != "" {
			if seen[cur.ID] {
				problems = append(problems, Problem{nodes[i].ID, "ancestry_cycle", cur.ID})
				break
			}
			seen[cur.ID] = true
			next, ok := byID[cur.ParentID]
			if !ok {
				break
			}
			cur = next
		}
	}

	// Parent spans must cover the union of their children's spans.
	for parentID, span := range childSpans {
		parent := byID[parentID]
		if parent == nil {
			continue
		}
		if parent.StartsAt > span[0] || parent.EndsAt < span[1] {
			problems = append(problems, Problem{
				parentID, "span_uncovered",
				fmt.Sprintf("parent [%d,%d] vs children union [%d,%d]", parent.StartsAt, parent.EndsAt, span[0], span[1]),
			})
		}
	}

	return problems, nil
}
