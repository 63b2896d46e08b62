package store

import (
	"fmt"
	"time"
)

// Correction is one entry of a node's append-only correction history.
type Correction struct {
	NodeID        string
	CorrectedAt   int64
	PriorText     string
	CorrectedText string
	Trigger       string
}

// EditRecord is one audit entry for a completed correction cascade.
type EditRecord struct {
	EditedAt       int64
	CorrectedNode  string
	Ancestors      []string
	UserCorrection string
}

// AppendCorrection records a correction in the node's history.
func (db *DB) AppendCorrection(c Correction) error {
	if c.CorrectedAt == 0 {
		c.CorrectedAt = time.Now().UnixMilli()
	}
	_, err := db.Exec(`
		INSERT INTO mem_corrections (node_id, corrected_at, prior_text, corrected_text, triggered_by)
		VALUES (?, ?, ?, ?, ?)
	`, c.NodeID, c.CorrectedAt, c.PriorText, c.CorrectedText, c.Trigger)
	if err != nil {
		return fmt.Errorf("append correction %s: %w", c.NodeID, err)
	}
	return nil
}

// CorrectionHistory returns a node's corrections, oldest first.
func (db *DB) CorrectionHistory(nodeID string) ([]Correction, error) {
	rows, err := db.Query(`
		SELECT node_id, corrected_at, prior_text, corrected_text, triggered_by
		FROM mem_corrections WHERE node_id = ?
		ORDER BY corrected_at, id
	`, nodeID)
	if err != nil {
		return nil, fmt.Errorf("correction history %s: %w", nodeID, err)
	}
	defer rows.Close()

	var out []Correction
	for rows.Next() {
		var c Correction
		if err := rows.Scan(&c.NodeID, &c.CorrectedAt, &c.PriorText, &c.CorrectedText, &c.Trigger); err != nil {
			return nil, fmt.Errorf("scan correction: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// AppendEdit records an audit entry after a correction cascade completes.
func (db *DB) AppendEdit(e EditRecord) error {
	if e.EditedAt == 0 {
		e.EditedAt = time.Now().UnixMilli()
	}
	ancestors, err := encodeIDList(e.Ancestors)
	if err != nil {
		return fmt.Errorf("append edit: %w", err)
	}
	_, err = db.Exec(`
		INSERT INTO mem_edits (edited_at, corrected_node, ancestors, user_correction)
		VALUES (?, ?, ?, ?)
	`, e.EditedAt, e.CorrectedNode, ancestors, e.UserCorrection)
	if err != nil {
		return fmt.Errorf("append edit: %w", err)
	}
	return nil
}

// EditLog returns the audit log, newest first, up to limit entries.
func (db *DB) EditLog(limit int) ([]EditRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT edited_at, corrected_node, ancestors, user_correction
		FROM mem_edits ORDER BY edited_at DESC, id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("edit log: %w", err)
	}
	defer rows.Close()

	var out []EditRecord
	for rows.Next() {
		var e EditRecord
		var ancestors string
		if err := rows.Scan(&e.EditedAt, &e.CorrectedNode, &ancestors, &e.UserCorrection); err != nil {
			return nil, fmt.Errorf("scan edit: %w", err)
		}
		e.Ancestors = decodeIDList(ancestors)
		out = append(out, e)
	}
	return out, rows.Err()
}
