package store

import (
	"testing"
	"time"
)

func TestRecordAccessOrder(t *testing.T) {
	db := testDB(t)
	n := mkNode(t, db, MemoryNode{Summary: "s", StartsAt: 1, EndsAt: 2})

	base := time.UnixMilli(1000)
	for i := 0; i < 3; i++ {
		if err := db.RecordAccess(n.ID, base.Add(time.Duration(i)*time.Second)); err != nil {
			t.Fatalf("RecordAccess: %v", err)
		}
	}

	log, err := db.AccessLog(n.ID)
	if err != nil {
		t.Fatalf("AccessLog: %v", err)
	}
	if len(log) != 3 {
		t.Fatalf("len = %d, want 3", len(log))
	}
	for i := 1; i < len(log); i++ {
		if log[i] < log[i-1] {
			t.Errorf("log not oldest-first: %v", log)
		}
	}
}

func TestRecordAccessBounded(t *testing.T) {
	db := testDB(t)
	n := mkNode(t, db, MemoryNode{Summary: "s", StartsAt: 1, EndsAt: 2})

	base := time.UnixMilli(0)
	for i := 0; i < maxAccessEntries+10; i++ {
		if err := db.RecordAccess(n.ID, base.Add(time.Duration(i)*time.Minute)); err != nil {
			t.Fatalf("RecordAccess: %v", err)
		}
	}

	log, err := db.AccessLog(n.ID)
	if err != nil {
		t.Fatalf("AccessLog: %v", err)
	}
	if len(log) != maxAccessEntries {
		t.Fatalf("len = %d, want %d", len(log), maxAccessEntries)
	}
	// The oldest 10 entries were trimmed, the newest kept.
	if log[0] != int64(10*time.Minute/time.Millisecond) {
		t.Errorf("oldest kept = %d, trim dropped the wrong rows", log[0])
	}
}

func TestCorrectionHistory(t *testing.T) {
	db := testDB(t)
	n := mkNode(t, db, MemoryNode{Summary: "s", StartsAt: 1, EndsAt: 2})

	for i, text := range []string{"first fix", "second fix"} {
		err := db.AppendCorrection(Correction{
			NodeID:        n.ID,
			CorrectedAt:   int64(1000 + i),
			PriorText:     "old",
			CorrectedText: text,
			Trigger:       "what color was the cup",
		})
		if err != nil {
			t.Fatalf("AppendCorrection: %v", err)
		}
	}

	hist, err := db.CorrectionHistory(n.ID)
	if err != nil {
		t.Fatalf("CorrectionHistory: %v", err)
	}
	if len(hist) != 2 {
		t.Fatalf("len = %d, want 2", len(hist))
	}
	if hist[0].CorrectedText != "first fix" || hist[1].CorrectedText != "second fix" {
		t.Errorf("history out of order: %+v", hist)
	}
}

func TestEditLogNewestFirst(t *testing.T) {
	db := testDB(t)
	n := mkNode(t, db, MemoryNode{Summary: "s", StartsAt: 1, EndsAt: 2})

	for i := 0; i < 3; i++ {
		err := db.AppendEdit(EditRecord{
			EditedAt:       int64(1000 + i),
			CorrectedNode:  n.ID,
			Ancestors:      []string{"p1", "p2"},
			UserCorrection: "it was blue",
		})
		if err != nil {
			t.Fatalf("AppendEdit: %v", err)
		}
	}

	log, err := db.EditLog(2)
	if err != nil {
		t.Fatalf("EditLog: %v", err)
	}
	if len(log) != 2 {
		t.Fatalf("len = %d, want 2 (limited)", len(log))
	}
	if log[0].EditedAt != 1002 {
		t.Errorf("newest first expected, got %d", log[0].EditedAt)
	}
	if len(log[0].Ancestors) != 2 {
		t.Errorf("ancestors = %v", log[0].Ancestors)
	}
}
