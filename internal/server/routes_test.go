package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/lazypower/arbor/internal/editor"
	"github.com/lazypower/arbor/internal/gardener"
	"github.com/lazypower/arbor/internal/llm"
	"github.com/lazypower/arbor/internal/payload"
	"github.com/lazypower/arbor/internal/search"
	"github.com/lazypower/arbor/internal/store"
	"github.com/lazypower/arbor/internal/utility"
)

// testServer wires a fully scripted server over an in-memory DB.
func testServer(t *testing.T, client llm.Client) (*Server, *store.DB) {
	t.Helper()
	db, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	scorer := utility.NewScorer(db, client, nil, 0, 1, 0, 72, time.Hour)
	g := gardener.New(db, scorer, client, payload.NewMemStore(), nil, gardener.DefaultPolicy(), time.Hour, 4)
	e := editor.New(db, client, nil, nil, nil, 4)
	sc := search.New(db, nil, 10, 5)
	return New(db, g, e, sc, scorer, "test"), db
}

func mkNode(t *testing.T, db *store.DB, n store.MemoryNode) *store.MemoryNode {
	t.Helper()
	if err := db.CreateNode(&n); err != nil {
		t.Fatalf("CreateNode: %v", err)
	}
	return &n
}

func TestHealth(t *testing.T) {
	srv, _ := testServer(t, nil)

	req := httptest.NewRequest("GET", "/api/health", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d; body: %s", w.Code, w.Body.String())
	}
	var resp map[string]any
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["status"] != "ok" || resp["db"] != true {
		t.Errorf("health = %v", resp)
	}
}

func TestGetNode(t *testing.T) {
	srv, db := testServer(t, nil)
	n := mkNode(t, db, store.MemoryNode{Level: 2, Summary: "made tea", StartsAt: 1, EndsAt: 2})

	req := httptest.NewRequest("GET", "/api/nodes/"+n.ID, nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d; body: %s", w.Code, w.Body.String())
	}
	var resp map[string]any
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["summary"] != "made tea" {
		t.Errorf("summary = %v", resp["summary"])
	}
}

func TestGetNodeNotFound(t *testing.T) {
	srv, _ := testServer(t, nil)

	req := httptest.NewRequest("GET", "/api/nodes/missing", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestLockNode(t *testing.T) {
	srv, db := testServer(t, nil)
	n := mkNode(t, db, store.MemoryNode{Level: 2, Summary: "anniversary dinner", StartsAt: 1, EndsAt: 2})

	req := httptest.NewRequest("POST", "/api/nodes/"+n.ID+"/lock", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d; body: %s", w.Code, w.Body.String())
	}
	got, _ := db.GetNode(n.ID)
	if !got.Locked {
		t.Error("node not locked")
	}
}

func TestSearchEndpoint(t *testing.T) {
	srv, db := testServer(t, nil)
	now := time.Now()
	mkNode(t, db, store.MemoryNode{
		Level: 2, Summary: "watered the basil plants",
		StartsAt: now.Add(-24 * time.Hour).UnixMilli(),
		EndsAt:   now.Add(-23 * time.Hour).UnixMilli(),
	})

	req := httptest.NewRequest("GET", "/api/search?q=basil", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d; body: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Count   int `json:"count"`
		Results []struct {
			Window string `json:"window"`
		} `json:"results"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Count != 1 || resp.Results[0].Window != "last-week" {
		t.Errorf("resp = %s", w.Body.String())
	}
}

func TestSearchEndpointRequiresQuery(t *testing.T) {
	srv, _ := testServer(t, nil)

	req := httptest.NewRequest("GET", "/api/search", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestCorrectionEndpoint(t *testing.T) {
	client := &llm.MockClient{
		Fn: func(prompt string) (*llm.Response, error) {
			if strings.HasPrefix(prompt, "A perception summary was reported as wrong") {
				return &llm.Response{Content: "put down the green mug"}, nil
			}
			return &llm.Response{Content: "unchanged"}, nil
		},
	}
	srv, db := testServer(t, client)
	n := mkNode(t, db, store.MemoryNode{Level: 1, Summary: "put down the red mug", StartsAt: 1, EndsAt: 2})

	body := `{"reported_answer":"the red mug","user_correction":"it was green","candidate_ids":["` + n.ID + `"]}`
	req := httptest.NewRequest("POST", "/api/corrections", strings.NewReader(body))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d; body: %s", w.Code, w.Body.String())
	}
	got, _ := db.GetNode(n.ID)
	if got.Summary != "put down the green mug" {
		t.Errorf("summary = %q", got.Summary)
	}
}

func TestCorrectionEndpointNoSource(t *testing.T) {
	srv, db := testServer(t, &llm.MockClient{Response: &llm.Response{Content: "x"}})
	n := mkNode(t, db, store.MemoryNode{Level: 1, Summary: "put down the red mug", StartsAt: 1, EndsAt: 2})

	body := `{"reported_answer":"orbital telemetry drift","user_correction":"thruster valve pressures","candidate_ids":["` + n.ID + `"]}`
	req := httptest.NewRequest("POST", "/api/corrections", strings.NewReader(body))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404; body: %s", w.Code, w.Body.String())
	}
}

func TestGCEndpoint(t *testing.T) {
	client := &llm.MockClient{Response: &llm.Response{Content: "0.9"}}
	srv, db := testServer(t, client)
	mkNode(t, db, store.MemoryNode{Level: 2, Summary: "a full day", StartsAt: 1, EndsAt: 2})

	req := httptest.NewRequest("POST", "/api/gc", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d; body: %s", w.Code, w.Body.String())
	}
	var resp map[string]any
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["scored"].(float64) != 1 || resp["kept"].(float64) != 1 {
		t.Errorf("gc stats = %v", resp)
	}
}

func TestStatsEndpoint(t *testing.T) {
	srv, db := testServer(t, nil)
	mkNode(t, db, store.MemoryNode{Level: 0, Summary: "a", StartsAt: 1, EndsAt: 2})
	mkNode(t, db, store.MemoryNode{Level: 2, Summary: "b", StartsAt: 1, EndsAt: 2})

	req := httptest.NewRequest("GET", "/api/stats", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d; body: %s", w.Code, w.Body.String())
	}
	var resp map[string]any
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["nodes"].(float64) != 2 {
		t.Errorf("nodes = %v, want 2", resp["nodes"])
	}
}

func TestTreeEndpoint(t *testing.T) {
	srv, db := testServer(t, nil)
	root := mkNode(t, db, store.MemoryNode{Level: 3, Summary: "the day", StartsAt: 0, EndsAt: 100})
	mkNode(t, db, store.MemoryNode{Level: 2, ParentID: root.ID, Summary: "morning", StartsAt: 0, EndsAt: 50})

	req := httptest.NewRequest("GET", "/api/tree", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp struct {
		Nodes []nodeJSON `json:"nodes"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if len(resp.Nodes) != 1 || resp.Nodes[0].ID != root.ID {
		t.Errorf("roots = %+v", resp.Nodes)
	}

	req = httptest.NewRequest("GET", "/api/tree?parent="+root.ID, nil)
	w = httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	json.Unmarshal(w.Body.Bytes(), &resp)
	if len(resp.Nodes) != 1 || resp.Nodes[0].Summary != "morning" {
		t.Errorf("children = %+v", resp.Nodes)
	}
}
