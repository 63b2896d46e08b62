package store

import (
	"fmt"
	"time"
)

// MergeBatch replaces two or more sibling nodes with one synthetic node
// carrying the given summary. The whole replacement is a single
// transaction conditioned on the parent's version and on every source's
// version, so neither a concurrent edit to a different child of the same
// parent nor a correction committed to a source after the caller's read
// can be lost when the child set is rewritten. Returns the new node.
//
// Sources are gone after a successful merge: merged_from is provenance
// metadata, not a reversal mechanism.
func (db *DB) MergeBatch(sources []MemoryNode, summary string, parentVersion int64) (*MemoryNode, error) {
	if len(sources) < 2 {
		return nil, fmt.Errorf("merge batch: need at least 2 sources, got %d", len(sources))
	}
	if summary == "" {
		return nil, fmt.Errorf("merge batch: empty summary")
	}

	parentID := sources[0].ParentID
	level := sources[0].Level
	starts := sources[0].StartsAt
	ends := sources[0].EndsAt
	ids := make([]string, 0, len(sources))
	for _, s := range sources {
		if s.Locked {
			return nil, fmt.Errorf("merge source %s: %w", s.ID, ErrLockedNode)
		}
		if s.ParentID != parentID || s.Level != level {
			return nil, fmt.Errorf("merge batch: sources must share parent and level")
		}
		if s.StartsAt < starts {
			starts = s.StartsAt
		}
		if s.EndsAt > ends {
			ends = s.EndsAt
		}
		ids = append(ids, s.ID)
	}

	mergedFrom, err := encodeIDList(ids)
	if err != nil {
		return nil, fmt.Errorf("merge batch: %w", err)
	}

	tx, err := db.Begin()
	if err != nil {
		return nil, fmt.Errorf("merge batch: begin: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UnixMilli()

	// The parent's version guards the structural change.
	if parentID != "" {
		res, err := tx.Exec(`
			UPDATE mem_nodes SET version = version + 1, updated_at = ?
			WHERE id = ? AND version = ?
		`, now, parentID, parentVersion)
		if err != nil {
			return nil, fmt.Errorf("merge batch: bump parent: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil, fmt.Errorf("merge batch: parent %s: %w", parentID, ErrStaleVersion)
		}
	}

	merged := &MemoryNode{
		ID:         NewNodeID(),
		Level:      level,
		ParentID:   parentID,
		StartsAt:   starts,
		EndsAt:     ends,
		Summary:    summary,
		MergedFrom: ids,
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	_, err = tx.Exec(`
		INSERT INTO mem_nodes (id, level, parent_id, starts_at, ends_at, summary,
			raw_payload, degraded, locked, version, corrected, confidence, merged_from,
			rescore, created_at, updated_at)
		VALUES (?, ?, NULLIF(?, ''), ?, ?, ?, 0, 0, 0, 1, 0, '', ?, 0, ?, ?)
	`, merged.ID, level, parentID, starts, ends, summary, mergedFrom, now, now)
	if err != nil {
		return nil, fmt.Errorf("merge batch: insert merged node: %w", err)
	}

	// Reparent the sources' children before the sources disappear, then
	// remove the sources and their vectors. Each delete is conditioned on
	// the source's snapshot version: a correction committed to a source
	// after the caller read the batch must not be destroyed by the merge.
	for _, s := range sources {
		if _, err := tx.Exec(`
			UPDATE mem_nodes SET parent_id = ? WHERE parent_id = ?
		`, merged.ID, s.ID); err != nil {
			return nil, fmt.Errorf("merge batch: reparent children of %s: %w", s.ID, err)
		}
		if _, err := tx.Exec(`DELETE FROM mem_vectors WHERE node_id = ?`, s.ID); err != nil {
			return nil, fmt.Errorf("merge batch: delete vector %s: %w", s.ID, err)
		}
		if _, err := tx.Exec(`DELETE FROM mem_access WHERE node_id = ?`, s.ID); err != nil {
			return nil, fmt.Errorf("merge batch: delete access log %s: %w", s.ID, err)
		}
		res, err := tx.Exec(`DELETE FROM mem_nodes WHERE id = ? AND version = ?`, s.ID, s.Version)
		if err != nil {
			return nil, fmt.Errorf("merge batch: delete source %s: %w", s.ID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil, fmt.Errorf("merge batch: source %s: %w", s.ID, ErrStaleVersion)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("merge batch: commit: %w", err)
	}
	return merged, nil
}
