package store

import (
	"fmt"
	"time"
)

// maxAccessEntries bounds the per-node access log. Older entries contribute
// almost nothing to the decayed heat sum, so the newest window is enough.
const maxAccessEntries = 64

// RecordAccess appends an access timestamp for a node and trims the log to
// the newest maxAccessEntries rows. The log is append-only from the
// caller's point of view: entries are never reordered or rewritten.
func (db *DB) RecordAccess(nodeID string, at time.Time) error {
	_, err := db.Exec(`
		INSERT INTO mem_access (node_id, accessed_at) VALUES (?, ?)
	`, nodeID, at.UnixMilli())
	if err != nil {
		return fmt.Errorf("record access %s: %w", nodeID, err)
	}

	_, err = db.Exec(`
		DELETE FROM mem_access
		WHERE node_id = ? AND id NOT IN (
			SELECT id FROM mem_access WHERE node_id = ?
			ORDER BY accessed_at DESC, id DESC LIMIT ?
		)
	`, nodeID, nodeID, maxAccessEntries)
	if err != nil {
		return fmt.Errorf("trim access log %s: %w", nodeID, err)
	}
	return nil
}

// AccessLog returns a node's access timestamps, oldest first.
func (db *DB) AccessLog(nodeID string) ([]int64, error) {
	rows, err := db.Query(`
		SELECT accessed_at FROM mem_access WHERE node_id = ?
		ORDER BY accessed_at, id
	`, nodeID)
	if err != nil {
		return nil, fmt.Errorf("access log %s: %w", nodeID, err)
	}
	defer rows.Close()

	var log []int64
	for rows.Next() {
		var at int64
		if err := rows.Scan(&at); err != nil {
			return nil, fmt.Errorf("scan access: %w", err)
		}
		log = append(log, at)
	}
	return log, rows.Err()
}
