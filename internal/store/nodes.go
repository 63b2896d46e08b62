package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// Sentinel errors for the write discipline. Callers check these with
// errors.Is and retry (stale) or abort (locked).
var (
	// ErrStaleVersion means the node changed between read and write. The
	// caller must re-read and redo the whole step, not just the write.
	ErrStaleVersion = errors.New("stale node version")

	// ErrLockedNode means a mutation would violate a locked node's
	// retention guarantee. Never retryable.
	ErrLockedNode = errors.New("node is locked")

	// ErrNodeNotFound means the id does not exist in the arena.
	ErrNodeNotFound = errors.New("node not found")
)

// MemoryNode is one node of the episodic memory tree. The tree is an arena
// keyed by id: the parent is an id reference, children are derived from
// parent_id ordered by time, so there are no ownership cycles.
type MemoryNode struct {
	ID       string
	Level    int
	ParentID string // empty for the root

	StartsAt int64 // unix ms
	EndsAt   int64 // unix ms
	Summary  string

	RawPayload bool
	Degraded   bool
	Locked     bool

	Version int64

	// Cached utility signal. Re-derivable; never authoritative.
	Utility    *float64
	UtilityAt  *int64
	Salience   *float64
	SalienceAt *int64

	Corrected  bool
	Confidence string

	MergedFrom []string
	Rescore    bool

	CreatedAt int64
	UpdatedAt int64
}

// HasRawLevel reports whether this node's level may carry a raw payload.
// Levels 0 and 1 reference perceptual data; everything above is text only.
func (n *MemoryNode) HasRawLevel() bool {
	return n.Level <= 1
}

// NewNodeID returns a new sortable node id. Safe for concurrent use:
// overlapping maintenance passes mint ids at the same time.
func NewNodeID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), ulid.DefaultEntropy()).String()
}

const nodeColumns = `id, level, parent_id, starts_at, ends_at, summary,
	raw_payload, degraded, locked, version, utility, utility_at, salience, salience_at,
	corrected, confidence, merged_from, rescore, created_at, updated_at`

// CreateNode inserts a new node into the arena. The ingestion path and the
// Gardener's merge are the only callers.
func (db *DB) CreateNode(n *MemoryNode) error {
	if n.ID == "" {
		n.ID = NewNodeID()
	}
	if n.Summary == "" {
		return fmt.Errorf("create node %s: empty summary", n.ID)
	}
	if n.StartsAt > n.EndsAt {
		return fmt.Errorf("create node %s: starts_at after ends_at", n.ID)
	}

	now := time.Now().UnixMilli()
	mergedFrom, err := encodeIDList(n.MergedFrom)
	if err != nil {
		return fmt.Errorf("create node %s: %w", n.ID, err)
	}

	_, err = db.Exec(`
		INSERT INTO mem_nodes (id, level, parent_id, starts_at, ends_at, summary,
			raw_payload, degraded, locked, version, utility, utility_at, salience, salience_at,
			corrected, confidence, merged_from, rescore, created_at, updated_at)
		VALUES (?, ?, NULLIF(?, ''), ?, ?, ?, ?, ?, ?, 1, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, n.ID, n.Level, n.ParentID, n.StartsAt, n.EndsAt, n.Summary,
		boolInt(n.RawPayload), boolInt(n.Degraded), boolInt(n.Locked),
		n.Utility, n.UtilityAt, n.Salience, n.SalienceAt,
		boolInt(n.Corrected), n.Confidence, mergedFrom, boolInt(n.Rescore), now, now)
	if err != nil {
		return fmt.Errorf("create node: %w", err)
	}

	n.Version = 1
	n.CreatedAt = now
	n.UpdatedAt = now
	return nil
}

// GetNode returns a node by id, or ErrNodeNotFound.
func (db *DB) GetNode(id string) (*MemoryNode, error) {
	row := db.QueryRow(`SELECT `+nodeColumns+` FROM mem_nodes WHERE id = ?`, id)
	n, err := scanNode(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("get node %s: %w", id, ErrNodeNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get node %s: %w", id, err)
	}
	return n, nil
}

// UpdateSummary rewrites a node's summary text if the caller's version is
// still current. The version check is the whole concurrency discipline:
// zero rows affected on an existing node means somebody else won the race.
func (db *DB) UpdateSummary(id, summary string, corrected bool, confidence string, expectVersion int64) error {
	if summary == "" {
		return fmt.Errorf("update summary %s: empty summary", id)
	}
	now := time.Now().UnixMilli()
	res, err := db.Exec(`
		UPDATE mem_nodes
		SET summary = ?, corrected = ?, confidence = ?,
			salience = NULL, salience_at = NULL,
			utility = NULL, utility_at = NULL,
			version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?
	`, summary, boolInt(corrected), confidence, now, id, expectVersion)
	if err != nil {
		return fmt.Errorf("update summary %s: %w", id, err)
	}
	return db.casOutcome(res, id)
}

// SetRawPayload flips the raw payload flag under the version check.
// Clearing the flag on a locked node is an invariant violation.
func (db *DB) SetRawPayload(id string, present bool, expectVersion int64) error {
	if !present {
		locked, err := db.isLocked(id)
		if err != nil {
			return err
		}
		if locked {
			return fmt.Errorf("evict payload of %s: %w", id, ErrLockedNode)
		}
	}

	now := time.Now().UnixMilli()
	res, err := db.Exec(`
		UPDATE mem_nodes SET raw_payload = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?
	`, boolInt(present), now, id, expectVersion)
	if err != nil {
		return fmt.Errorf("set raw payload %s: %w", id, err)
	}
	return db.casOutcome(res, id)
}

// SetDegraded records that a node's raw payload has been replaced with a
// lossier representation. The payload is still present, just reduced.
func (db *DB) SetDegraded(id string, expectVersion int64) error {
	now := time.Now().UnixMilli()
	res, err := db.Exec(`
		UPDATE mem_nodes SET degraded = 1, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?
	`, now, id, expectVersion)
	if err != nil {
		return fmt.Errorf("set degraded %s: %w", id, err)
	}
	return db.casOutcome(res, id)
}

// LockNode marks a node permanently retention-exempt. Locking is one-way.
func (db *DB) LockNode(id string, expectVersion int64) error {
	now := time.Now().UnixMilli()
	res, err := db.Exec(`
		UPDATE mem_nodes SET locked = 1, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?
	`, now, id, expectVersion)
	if err != nil {
		return fmt.Errorf("lock node %s: %w", id, err)
	}
	return db.casOutcome(res, id)
}

// CacheUtility stores the computed utility and salience on the node without
// bumping the version: the cache is derived state, not a logical mutation,
// and racing writers would otherwise livelock the Gardener against itself.
func (db *DB) CacheUtility(id string, utility float64, salience *float64, at int64) error {
	if salience != nil {
		_, err := db.Exec(`
			UPDATE mem_nodes SET utility = ?, utility_at = ?, salience = ?, salience_at = ?
			WHERE id = ?
		`, utility, at, *salience, at, id)
		if err != nil {
			return fmt.Errorf("cache utility %s: %w", id, err)
		}
		return nil
	}
	_, err := db.Exec(`
		UPDATE mem_nodes SET utility = ?, utility_at = ? WHERE id = ?
	`, utility, at, id)
	if err != nil {
		return fmt.Errorf("cache utility %s: %w", id, err)
	}
	return nil
}

// SetRescore flags (or clears) a node for retry on the next maintenance
// pass after an external capability failure.
func (db *DB) SetRescore(id string, rescore bool) error {
	_, err := db.Exec(`UPDATE mem_nodes SET rescore = ? WHERE id = ?`, boolInt(rescore), id)
	if err != nil {
		return fmt.Errorf("set rescore %s: %w", id, err)
	}
	return nil
}

// WidenSpan grows a node's time range to cover [starts, ends] if it does
// not already, re-establishing the parent-covers-children invariant.
func (db *DB) WidenSpan(id string, starts, ends int64, expectVersion int64) error {
	now := time.Now().UnixMilli()
	res, err := db.Exec(`
		UPDATE mem_nodes
		SET starts_at = MIN(starts_at, ?), ends_at = MAX(ends_at, ?),
			version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?
	`, starts, ends, now, id, expectVersion)
	if err != nil {
		return fmt.Errorf("widen span %s: %w", id, err)
	}
	return db.casOutcome(res, id)
}

// Children returns the direct children of a node in time order.
func (db *DB) Children(parentID string) ([]MemoryNode, error) {
	rows, err := db.Query(`
		SELECT `+nodeColumns+` FROM mem_nodes WHERE parent_id = ?
		ORDER BY starts_at, id
	`, parentID)
	if err != nil {
		return nil, fmt.Errorf("children of %s: %w", parentID, err)
	}
	defer rows.Close()
	return scanNodes(rows)
}

// Descendants returns all nodes below the given node, down to and including
// minLevel, breadth-first.
func (db *DB) Descendants(id string, minLevel int) ([]MemoryNode, error) {
	var out []MemoryNode
	frontier := []string{id}
	for len(frontier) > 0 {
		var next []string
		for _, pid := range frontier {
			kids, err := db.Children(pid)
			if err != nil {
				return nil, err
			}
			for _, k := range kids {
				if k.Level < minLevel {
					continue
				}
				out = append(out, k)
				next = append(next, k.ID)
			}
		}
		frontier = next
	}
	return out, nil
}

// Ancestors returns the chain of ancestors from the node's parent up to the
// root, nearest first.
func (db *DB) Ancestors(id string) ([]MemoryNode, error) {
	var out []MemoryNode
	cur, err := db.GetNode(id)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{cur.ID: true}
	for cur.ParentID != "" {
		if seen[cur.ParentID] {
			return nil, fmt.Errorf("ancestors of %s: cycle at %s", id, cur.ParentID)
		}
		parent, err := db.GetNode(cur.ParentID)
		if err != nil {
			return nil, err
		}
		out = append(out, *parent)
		seen[parent.ID] = true
		cur = parent
	}
	return out, nil
}

// ListByLevel returns all nodes at a level in time order.
func (db *DB) ListByLevel(level int) ([]MemoryNode, error) {
	rows, err := db.Query(`
		SELECT `+nodeColumns+` FROM mem_nodes WHERE level = ?
		ORDER BY starts_at, id
	`, level)
	if err != nil {
		return nil, fmt.Errorf("list level %d: %w", level, err)
	}
	defer rows.Close()
	return scanNodes(rows)
}

// Levels returns the distinct levels present in the arena, ascending.
func (db *DB) Levels() ([]int, error) {
	rows, err := db.Query(`SELECT DISTINCT level FROM mem_nodes ORDER BY level`)
	if err != nil {
		return nil, fmt.Errorf("levels: %w", err)
	}
	defer rows.Close()

	var levels []int
	for rows.Next() {
		var l int
		if err := rows.Scan(&l); err != nil {
			return nil, fmt.Errorf("scan level: %w", err)
		}
		levels = append(levels, l)
	}
	return levels, rows.Err()
}

// NodesInRange returns nodes whose time range overlaps [starts, ends].
func (db *DB) NodesInRange(starts, ends int64) ([]MemoryNode, error) {
	rows, err := db.Query(`
		SELECT `+nodeColumns+` FROM mem_nodes
		WHERE ends_at >= ? AND starts_at <= ?
		ORDER BY starts_at, id
	`, starts, ends)
	if err != nil {
		return nil, fmt.Errorf("nodes in range: %w", err)
	}
	defer rows.Close()
	return scanNodes(rows)
}

// AllNodes returns every node in the arena in time order.
func (db *DB) AllNodes() ([]MemoryNode, error) {
	rows, err := db.Query(`SELECT ` + nodeColumns + ` FROM mem_nodes ORDER BY starts_at, id`)
	if err != nil {
		return nil, fmt.Errorf("all nodes: %w", err)
	}
	defer rows.Close()
	return scanNodes(rows)
}

// CountNodes returns the total node count.
func (db *DB) CountNodes() (int, error) {
	var count int
	err := db.QueryRow(`SELECT COUNT(*) FROM mem_nodes`).Scan(&count)
	return count, err
}

func (db *DB) isLocked(id string) (bool, error) {
	var locked int
	err := db.QueryRow(`SELECT locked FROM mem_nodes WHERE id = ?`, id).Scan(&locked)
	if err == sql.ErrNoRows {
		return false, fmt.Errorf("node %s: %w", id, ErrNodeNotFound)
	}
	if err != nil {
		return false, fmt.Errorf("node %s: %w", id, err)
	}
	return locked != 0, nil
}

// casOutcome distinguishes a lost version race from a missing node after a
// conditional UPDATE affected zero rows.
func (db *DB) casOutcome(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	var exists int
	if err := db.QueryRow(`SELECT COUNT(*) FROM mem_nodes WHERE id = ?`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check node %s: %w", id, err)
	}
	if exists == 0 {
		return fmt.Errorf("node %s: %w", id, ErrNodeNotFound)
	}
	return fmt.Errorf("node %s: %w", id, ErrStaleVersion)
}

func encodeIDList(ids []string) (string, error) {
	if len(ids) == 0 {
		return "", nil
	}
	b, err := json.Marshal(ids)
	if err != nil {
		return "", fmt.Errorf("encode id list: %w", err)
	}
	return string(b), nil
}

func decodeIDList(s string) []string {
	if s == "" {
		return nil
	}
	var ids []string
	if err := json.Unmarshal([]byte(s), &ids); err != nil {
		return nil
	}
	return ids
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNode(row rowScanner) (*MemoryNode, error) {
	var n MemoryNode
	var parentID, mergedFrom sql.NullString
	var rawPayload, degraded, locked, corrected, rescore int
	var utility, salience sql.NullFloat64
	var utilityAt, salienceAt sql.NullInt64

	err := row.Scan(&n.ID, &n.Level, &parentID, &n.StartsAt, &n.EndsAt, &n.Summary,
		&rawPayload, &degraded, &locked, &n.Version, &utility, &utilityAt, &salience, &salienceAt,
		&corrected, &n.Confidence, &mergedFrom, &rescore, &n.CreatedAt, &n.UpdatedAt)
	if err != nil {
		return nil, err
	}

	n.ParentID = parentID.String
	n.RawPayload = rawPayload != 0
	n.Degraded = degraded != 0
	n.Locked = locked != 0
	n.Corrected = corrected != 0
	n.Rescore = rescore != 0
	n.MergedFrom = decodeIDList(mergedFrom.String)
	if utility.Valid {
		n.Utility = &utility.Float64
	}
	if utilityAt.Valid {
		n.UtilityAt = &utilityAt.Int64
	}
	if salience.Valid {
		n.Salience = &salience.Float64
	}
	if salienceAt.Valid {
		n.SalienceAt = &salienceAt.Int64
	}
	return &n, nil
}

func scanNodes(rows *sql.Rows) ([]MemoryNode, error) {
	var nodes []MemoryNode
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		nodes = append(nodes, *n)
	}
	return nodes, rows.Err()
}
