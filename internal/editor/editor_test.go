package editor

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/lazypower/arbor/internal/llm"
	"github.com/lazypower/arbor/internal/payload"
	"github.com/lazypower/arbor/internal/store"
)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func mkNode(t *testing.T, db *store.DB, n store.MemoryNode) *store.MemoryNode {
	t.Helper()
	if err := db.CreateNode(&n); err != nil {
		t.Fatalf("CreateNode: %v", err)
	}
	return &n
}

// cupTree builds root -> parent -> leaf plus an unrelated sibling subtree.
func cupTree(t *testing.T, db *store.DB) (root, parent, leaf, sibling *store.MemoryNode) {
	root = mkNode(t, db, store.MemoryNode{Level: 3, Summary: "the morning routine", StartsAt: 0, EndsAt: 1000})
	parent = mkNode(t, db, store.MemoryNode{Level: 2, ParentID: root.ID, Summary: "grasped the cup from the table", StartsAt: 100, EndsAt: 200})
	leaf = mkNode(t, db, store.MemoryNode{Level: 1, ParentID: parent.ID, Summary: "picked up the red cup", StartsAt: 100, EndsAt: 150})
	sibling = mkNode(t, db, store.MemoryNode{Level: 2, ParentID: root.ID, Summary: "watered the plants by the window", StartsAt: 500, EndsAt: 600})
	return
}

// cupClient scripts the correction flow: re-derivation fixes the leaf,
// the parent's cascade changes its summary, the root's regenerates
// identically so the cascade stops there.
func cupClient(rootSummary string) *llm.MockClient {
	return &llm.MockClient{
		Fn: func(prompt string) (*llm.Response, error) {
			switch {
			case strings.HasPrefix(prompt, "A perception summary was reported as wrong"):
				return &llm.Response{Content: "picked up the blue bowl"}, nil
			case strings.Contains(prompt, "grasped the cup"):
				return &llm.Response{Content: "grasped the bowl from the table"}, nil
			default:
				return &llm.Response{Content: rootSummary}, nil
			}
		},
	}
}

func TestApplyCorrectsAndCascades(t *testing.T) {
	db := testDB(t)
	root, parent, leaf, sibling := cupTree(t, db)
	client := cupClient(root.Summary)
	e := New(db, client, nil, nil, nil, 4)

	res, err := e.Apply(context.Background(), Event{
		ReportedAnswer: "the red cup",
		UserCorrection: "it was a blue bowl",
		QueryContext:   "what did you pick up",
		CandidateIDs:   []string{parent.ID},
	})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}

	if res.CorrectedID != leaf.ID {
		t.Fatalf("corrected %s, want the deepest matching node %s", res.CorrectedID, leaf.ID)
	}
	if res.Confidence != "low" {
		t.Errorf("confidence = %q, want low for a textual re-derivation", res.Confidence)
	}

	gotLeaf, _ := db.GetNode(leaf.ID)
	if gotLeaf.Summary != "picked up the blue bowl" {
		t.Errorf("leaf summary = %q", gotLeaf.Summary)
	}
	if !gotLeaf.Corrected {
		t.Error("leaf not flagged corrected")
	}

	gotParent, _ := db.GetNode(parent.ID)
	if gotParent.Summary != "grasped the bowl from the table" {
		t.Errorf("parent summary = %q, cascade missed it", gotParent.Summary)
	}

	// The root regenerated to identical text: cascade stopped, root untouched.
	gotRoot, _ := db.GetNode(root.ID)
	if gotRoot.Version != root.Version {
		t.Errorf("root version = %d, identical regeneration must not write", gotRoot.Version)
	}
	if res.StoppedAt != root.ID {
		t.Errorf("stopped at %q, want root", res.StoppedAt)
	}
	if len(res.Cascaded) != 1 || res.Cascaded[0] != parent.ID {
		t.Errorf("cascaded = %v, want just the parent", res.Cascaded)
	}

	// Unrelated subtree untouched.
	gotSib, _ := db.GetNode(sibling.ID)
	if gotSib.Version != sibling.Version || gotSib.Summary != sibling.Summary {
		t.Error("sibling subtree modified by a correction elsewhere")
	}
}

func TestApplyWritesAuditTrail(t *testing.T) {
	db := testDB(t)
	root, parent, leaf, _ := cupTree(t, db)
	e := New(db, cupClient(root.Summary), nil, nil, nil, 4)

	_, err := e.Apply(context.Background(), Event{
		ReportedAnswer: "the red cup",
		UserCorrection: "it was a blue bowl",
		QueryContext:   "what did you pick up",
		CandidateIDs:   []string{parent.ID},
	})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}

	hist, err := db.CorrectionHistory(leaf.ID)
	if err != nil {
		t.Fatalf("CorrectionHistory: %v", err)
	}
	if len(hist) != 1 {
		t.Fatalf("history len = %d, want 1", len(hist))
	}
	if hist[0].PriorText != "picked up the red cup" {
		t.Errorf("prior text = %q", hist[0].PriorText)
	}

	edits, err := db.EditLog(10)
	if err != nil {
		t.Fatalf("EditLog: %v", err)
	}
	if len(edits) != 1 || edits[0].CorrectedNode != leaf.ID {
		t.Fatalf("edit log = %+v", edits)
	}
}

func TestApplyNoErrorSource(t *testing.T) {
	db := testDB(t)
	_, parent, leaf, _ := cupTree(t, db)
	e := New(db, &llm.MockClient{Response: &llm.Response{Content: "x"}}, nil, nil, nil, 4)

	_, err := e.Apply(context.Background(), Event{
		ReportedAnswer: "quantum flux capacitor readings",
		UserCorrection: "warp alignment telemetry",
		CandidateIDs:   []string{parent.ID},
	})
	if !errors.Is(err, ErrNoErrorSource) {
		t.Fatalf("err = %v, want ErrNoErrorSource", err)
	}

	// Nothing changed.
	got, _ := db.GetNode(leaf.ID)
	if got.Summary != leaf.Summary || got.Version != leaf.Version {
		t.Error("tree modified despite no located source")
	}
}

func TestApplyPreCommitFailureLeavesTreeUntouched(t *testing.T) {
	db := testDB(t)
	_, parent, leaf, _ := cupTree(t, db)
	e := New(db, &llm.MockClient{Err: llm.ErrUnavailable}, nil, nil, nil, 4)

	_, err := e.Apply(context.Background(), Event{
		ReportedAnswer: "the red cup",
		UserCorrection: "it was a blue bowl",
		CandidateIDs:   []string{parent.ID},
	})
	if !errors.Is(err, llm.ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}

	got, _ := db.GetNode(leaf.ID)
	if got.Summary != leaf.Summary || got.Version != leaf.Version {
		t.Error("tree modified despite the re-derivation failing")
	}
	if hist, _ := db.CorrectionHistory(leaf.ID); len(hist) != 0 {
		t.Error("audit entry written for a failed correction")
	}
}

func TestApplyMidCascadeFailureKeepsCompletedWrites(t *testing.T) {
	db := testDB(t)
	_, parent, leaf, _ := cupTree(t, db)

	client := &llm.MockClient{
		Fn: func(prompt string) (*llm.Response, error) {
			if strings.HasPrefix(prompt, "A perception summary was reported as wrong") {
				return &llm.Response{Content: "picked up the blue bowl"}, nil
			}
			return nil, llm.ErrUnavailable
		},
	}
	e := New(db, client, nil, nil, nil, 4)

	res, err := e.Apply(context.Background(), Event{
		ReportedAnswer: "the red cup",
		UserCorrection: "it was a blue bowl",
		CandidateIDs:   []string{parent.ID},
	})
	if err == nil {
		t.Fatal("expected a cascade error")
	}
	if res == nil {
		t.Fatal("the committed correction must still be reported")
	}

	got, _ := db.GetNode(leaf.ID)
	if got.Summary != "picked up the blue bowl" {
		t.Errorf("leaf summary = %q, the committed write must survive", got.Summary)
	}
	gotParent, _ := db.GetNode(parent.ID)
	if gotParent.Summary != parent.Summary {
		t.Error("parent modified despite its regeneration failing")
	}
}

func TestApplyRetriesOnStaleVersion(t *testing.T) {
	db := testDB(t)
	root, parent, leaf, _ := cupTree(t, db)

	// The first re-derivation races a concurrent edit to the leaf; the
	// engine must re-locate against the fresh tree and win the second time.
	raced := false
	client := &llm.MockClient{
		Fn: func(prompt string) (*llm.Response, error) {
			switch {
			case strings.HasPrefix(prompt, "A perception summary was reported as wrong"):
				if !raced {
					raced = true
					fresh, _ := db.GetNode(leaf.ID)
					if err := db.UpdateSummary(fresh.ID, "still holding the red cup", false, "", fresh.Version); err != nil {
						return nil, err
					}
				}
				return &llm.Response{Content: "picked up the blue bowl"}, nil
			case strings.Contains(prompt, "grasped the cup"):
				return &llm.Response{Content: "grasped the bowl from the table"}, nil
			default:
				return &llm.Response{Content: root.Summary}, nil
			}
		},
	}
	e := New(db, client, nil, nil, nil, 4)

	res, err := e.Apply(context.Background(), Event{
		ReportedAnswer: "the red cup",
		UserCorrection: "it was a blue bowl",
		CandidateIDs:   []string{parent.ID},
	})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if res.CorrectedID != leaf.ID {
		t.Fatalf("corrected %s, want %s", res.CorrectedID, leaf.ID)
	}
	got, _ := db.GetNode(leaf.ID)
	if got.Summary != "picked up the blue bowl" {
		t.Errorf("leaf summary = %q after retry", got.Summary)
	}
}

type fakePerceiver struct {
	calls int
}

func (f *fakePerceiver) Reperceive(ctx context.Context, data []byte, hint string) (string, error) {
	f.calls++
	return "saw a blue bowl on the table", nil
}

func TestApplyReperceivesFromPayload(t *testing.T) {
	db := testDB(t)
	payloads := payload.NewMemStore()
	leaf := mkNode(t, db, store.MemoryNode{Level: 0, Summary: "a red cup on the table", StartsAt: 1, EndsAt: 2, RawPayload: true})
	payloads.Put(leaf.ID, []byte("raw frames"))

	p := &fakePerceiver{}
	e := New(db, nil, payloads, nil, p, 4)

	res, err := e.Apply(context.Background(), Event{
		ReportedAnswer: "a red cup",
		UserCorrection: "it is a blue bowl",
		CandidateIDs:   []string{leaf.ID},
	})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if p.calls != 1 {
		t.Errorf("perceiver calls = %d, want 1", p.calls)
	}
	if res.Confidence != "high" {
		t.Errorf("confidence = %q, want high for payload re-perception", res.Confidence)
	}
	got, _ := db.GetNode(leaf.ID)
	if got.Summary != "saw a blue bowl on the table" {
		t.Errorf("summary = %q", got.Summary)
	}
}

func TestApplyEvictedPayloadFallsBackToText(t *testing.T) {
	db := testDB(t)
	leaf := mkNode(t, db, store.MemoryNode{Level: 0, Summary: "a red cup on the table", StartsAt: 1, EndsAt: 2, RawPayload: false})

	p := &fakePerceiver{}
	// No client either: the correction text itself becomes the summary.
	e := New(db, nil, payload.NewMemStore(), nil, p, 4)

	res, err := e.Apply(context.Background(), Event{
		ReportedAnswer: "a red cup",
		UserCorrection: "a blue bowl on the table",
		CandidateIDs:   []string{leaf.ID},
	})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if p.calls != 0 {
		t.Error("perceiver called without a payload")
	}
	if res.Confidence != "low" {
		t.Errorf("confidence = %q, want low", res.Confidence)
	}
}

func TestLocatePrefersDeepestMatch(t *testing.T) {
	db := testDB(t)
	_, parent, leaf, _ := cupTree(t, db)
	e := New(db, nil, nil, nil, nil, 4)

	got, err := e.locate(Event{
		ReportedAnswer: "the red cup",
		UserCorrection: "a blue bowl",
		CandidateIDs:   []string{parent.ID},
	})
	if err != nil {
		t.Fatalf("locate: %v", err)
	}
	if got.ID != leaf.ID {
		t.Errorf("located %s (level %d), want the leaf", got.ID, got.Level)
	}
}

func TestLocateCorrectionOverlapDisqualifies(t *testing.T) {
	db := testDB(t)
	// The only candidate restates the correction, so it cannot be the
	// source of the wrong answer.
	n := mkNode(t, db, store.MemoryNode{Level: 1, Summary: "a blue bowl on the table", StartsAt: 1, EndsAt: 2})
	e := New(db, nil, nil, nil, nil, 4)

	_, err := e.locate(Event{
		ReportedAnswer: "a blue thing",
		UserCorrection: "a blue bowl on the table",
		CandidateIDs:   []string{n.ID},
	})
	if !errors.Is(err, ErrNoErrorSource) {
		t.Fatalf("err = %v, want ErrNoErrorSource", err)
	}
}
