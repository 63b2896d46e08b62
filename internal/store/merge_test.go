package store

import (
	"errors"
	"testing"
)

func TestMergeBatch(t *testing.T) {
	db := testDB(t)
	parent := mkNode(t, db, MemoryNode{Level: 3, Summary: "the afternoon", StartsAt: 0, EndsAt: 1000})

	a := mkNode(t, db, MemoryNode{Level: 2, ParentID: parent.ID, Summary: "picked up the apple", StartsAt: 100, EndsAt: 150})
	b := mkNode(t, db, MemoryNode{Level: 2, ParentID: parent.ID, Summary: "picked up the pear", StartsAt: 200, EndsAt: 250})
	c := mkNode(t, db, MemoryNode{Level: 2, ParentID: parent.ID, Summary: "picked up the banana", StartsAt: 300, EndsAt: 350})

	// Children of a source must survive the merge, reparented.
	grandchild := mkNode(t, db, MemoryNode{Level: 1, ParentID: b.ID, Summary: "reached for the pear", StartsAt: 200, EndsAt: 210})

	merged, err := db.MergeBatch([]MemoryNode{*a, *b, *c}, "picked up several fruits", parent.Version)
	if err != nil {
		t.Fatalf("MergeBatch: %v", err)
	}

	if merged.StartsAt != 100 || merged.EndsAt != 350 {
		t.Errorf("merged span = [%d,%d], want [100,350]", merged.StartsAt, merged.EndsAt)
	}
	if len(merged.MergedFrom) != 3 {
		t.Errorf("merged_from = %v, want 3 ids", merged.MergedFrom)
	}

	// Sources are gone.
	for _, id := range []string{a.ID, b.ID, c.ID} {
		if _, err := db.GetNode(id); !errors.Is(err, ErrNodeNotFound) {
			t.Errorf("source %s still present (err=%v)", id, err)
		}
	}

	// The parent picked up a version bump and exactly one new child.
	p, _ := db.GetNode(parent.ID)
	if p.Version != parent.Version+1 {
		t.Errorf("parent version = %d, want %d", p.Version, parent.Version+1)
	}
	kids, _ := db.Children(parent.ID)
	if len(kids) != 1 || kids[0].ID != merged.ID {
		t.Errorf("parent children = %d, want just the merged node", len(kids))
	}

	gc, err := db.GetNode(grandchild.ID)
	if err != nil {
		t.Fatalf("grandchild lost: %v", err)
	}
	if gc.ParentID != merged.ID {
		t.Errorf("grandchild parent = %s, want %s", gc.ParentID, merged.ID)
	}
}

func TestMergeBatchStaleParent(t *testing.T) {
	db := testDB(t)
	parent := mkNode(t, db, MemoryNode{Level: 3, Summary: "p", StartsAt: 0, EndsAt: 1000})
	a := mkNode(t, db, MemoryNode{Level: 2, ParentID: parent.ID, Summary: "a", StartsAt: 10, EndsAt: 20})
	b := mkNode(t, db, MemoryNode{Level: 2, ParentID: parent.ID, Summary: "b", StartsAt: 30, EndsAt: 40})

	// Somebody edits the parent between our read and the merge.
	if err := db.UpdateSummary(parent.ID, "edited", false, "", parent.Version); err != nil {
		t.Fatalf("UpdateSummary: %v", err)
	}

	_, err := db.MergeBatch([]MemoryNode{*a, *b}, "merged", parent.Version)
	if !errors.Is(err, ErrStaleVersion) {
		t.Fatalf("err = %v, want ErrStaleVersion", err)
	}

	// Nothing changed: both sources intact.
	if _, err := db.GetNode(a.ID); err != nil {
		t.Errorf("source a gone after failed merge: %v", err)
	}
	if _, err := db.GetNode(b.ID); err != nil {
		t.Errorf("source b gone after failed merge: %v", err)
	}
}

func TestMergeBatchStaleSource(t *testing.T) {
	db := testDB(t)
	parent := mkNode(t, db, MemoryNode{Level: 3, Summary: "p", StartsAt: 0, EndsAt: 1000})
	a := mkNode(t, db, MemoryNode{Level: 2, ParentID: parent.ID, Summary: "picked up the red cup", StartsAt: 10, EndsAt: 20})
	b := mkNode(t, db, MemoryNode{Level: 2, ParentID: parent.ID, Summary: "picked up the pear", StartsAt: 30, EndsAt: 40})

	// A correction lands on a source between our read and the merge.
	if err := db.UpdateSummary(a.ID, "picked up the blue bowl", true, "high", a.Version); err != nil {
		t.Fatalf("UpdateSummary: %v", err)
	}

	_, err := db.MergeBatch([]MemoryNode{*a, *b}, "picked up the red cup; picked up the pear", parent.Version)
	if !errors.Is(err, ErrStaleVersion) {
		t.Fatalf("err = %v, want ErrStaleVersion", err)
	}

	// The correction survives and the transaction rolled back whole.
	got, err := db.GetNode(a.ID)
	if err != nil {
		t.Fatalf("corrected source gone after failed merge: %v", err)
	}
	if got.Summary != "picked up the blue bowl" {
		t.Errorf("summary = %q, want the committed correction", got.Summary)
	}
	if _, err := db.GetNode(b.ID); err != nil {
		t.Errorf("source b gone after failed merge: %v", err)
	}
	p, err := db.GetNode(parent.ID)
	if err != nil {
		t.Fatalf("GetNode parent: %v", err)
	}
	if p.Version != parent.Version {
		t.Errorf("parent version = %d, want %d (rolled back)", p.Version, parent.Version)
	}
}

func TestMergeBatchRefusesLockedSource(t *testing.T) {
	db := testDB(t)
	parent := mkNode(t, db, MemoryNode{Level: 3, Summary: "p", StartsAt: 0, EndsAt: 1000})
	a := mkNode(t, db, MemoryNode{Level: 2, ParentID: parent.ID, Summary: "a", StartsAt: 10, EndsAt: 20})
	b := mkNode(t, db, MemoryNode{Level: 2, ParentID: parent.ID, Summary: "b", StartsAt: 30, EndsAt: 40, Locked: true})

	_, err := db.MergeBatch([]MemoryNode{*a, *b}, "merged", parent.Version)
	if !errors.Is(err, ErrLockedNode) {
		t.Fatalf("err = %v, want ErrLockedNode", err)
	}
}

func TestMergeBatchNeedsTwoSources(t *testing.T) {
	db := testDB(t)
	parent := mkNode(t, db, MemoryNode{Level: 3, Summary: "p", StartsAt: 0, EndsAt: 1000})
	a := mkNode(t, db, MemoryNode{Level: 2, ParentID: parent.ID, Summary: "a", StartsAt: 10, EndsAt: 20})

	if _, err := db.MergeBatch([]MemoryNode{*a}, "merged", parent.Version); err == nil {
		t.Fatal("expected error for single source")
	}
}

func TestMergeBatchMixedParentsRejected(t *testing.T) {
	db := testDB(t)
	p1 := mkNode(t, db, MemoryNode{Level: 3, Summary: "p1", StartsAt: 0, EndsAt: 500})
	p2 := mkNode(t, db, MemoryNode{Level: 3, Summary: "p2", StartsAt: 500, EndsAt: 1000})
	a := mkNode(t, db, MemoryNode{Level: 2, ParentID: p1.ID, Summary: "a", StartsAt: 10, EndsAt: 20})
	b := mkNode(t, db, MemoryNode{Level: 2, ParentID: p2.ID, Summary: "b", StartsAt: 510, EndsAt: 520})

	if _, err := db.MergeBatch([]MemoryNode{*a, *b}, "merged", p1.Version); err == nil {
		t.Fatal("expected error for sources under different parents")
	}
}
