package server

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/lazypower/recall/internal/concept"
	"github.com/lazypower/recall/internal/store"
)

// waitFor polls cond until it holds or a second passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within 1s")
}

func TestObserveAccepted(t *testing.T) {
	env := newTestEnv(t, Options{JournalLimit: 100})

	body := `{"concepts":["Photosynthesis","Chlorophyll"],"confidences":{"attention":0.9,"audio":1.0,"intent":0.85}}`
	w := do(t, env.srv, "POST", "/api/observations", body)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d; body: %s", w.Code, http.StatusAccepted, w.Body.String())
	}

	waitFor(t, func() bool {
		n, _ := env.eng.Store.Len()
		return n == 2
	})

	n, ok := env.eng.Store.NodeByName("photosynthesis")
	if !ok {
		t.Fatal("photosynthesis not tracked")
	}
	if n.MemoryScore < 0.764 || n.MemoryScore > 0.766 {
		t.Errorf("memory score = %v, want 0.765", n.MemoryScore)
	}

	count, err := env.db.CountObservations(context.Background())
	if err != nil {
		t.Fatalf("CountObservations: %v", err)
	}
	if count != 1 {
		t.Errorf("journaled %d observations, want 1", count)
	}
}

func TestObserveRejectsBadInput(t *testing.T) {
	srv := testServer(t)

	cases := []struct {
		name string
		body string
		want int
	}{
		{"invalid json", `{"concepts":`, http.StatusBadRequest},
		{"no concepts", `{"concepts":[]}`, http.StatusBadRequest},
		{"missing concepts", `{"confidences":{"attention":0.5}}`, http.StatusBadRequest},
		{"too large", `{"concepts":["` + strings.Repeat("x", maxObservationBody) + `"]}`, http.StatusRequestEntityTooLarge},
	}
	for _, tc := range cases {
		w := do(t, srv, "POST", "/api/observations", tc.body)
		if w.Code != tc.want {
			t.Errorf("%s: status = %d, want %d", tc.name, w.Code, tc.want)
		}
	}
}

func TestObserveAfterStop(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.eng.Stop()

	w := do(t, env.srv, "POST", "/api/observations", `{"concepts":["late"]}`)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
}

func TestRecentObservations(t *testing.T) {
	env := newTestEnv(t, Options{JournalLimit: 100})
	for _, name := range []string{"first", "second", "third"} {
		do(t, env.srv, "POST", "/api/observations", `{"concepts":["`+name+`"]}`)
	}

	w := do(t, env.srv, "GET", "/api/observations/recent?limit=2", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var resp struct {
		Observations []store.JournalEntry `json:"observations"`
	}
	decode(t, w, &resp)
	if len(resp.Observations) != 2 {
		t.Fatalf("got %d observations, want 2", len(resp.Observations))
	}
	if resp.Observations[0].Concepts[0] != "third" {
		t.Errorf("newest = %v, want third", resp.Observations[0].Concepts)
	}
}

func TestRecentObservationsEmpty(t *testing.T) {
	srv := testServer(t)
	w := do(t, srv, "GET", "/api/observations/recent", "")
	if got := strings.TrimSpace(w.Body.String()); got != `{"observations":[]}` {
		t.Errorf("body = %s, want empty list", got)
	}
}

func TestConceptsListAndFilter(t *testing.T) {
	env := newTestEnv(t, Options{})
	old := testNow.Add(-20 * time.Hour)
	env.eng.Observe(concept.Observation{Concepts: []string{"faded"}, Timestamp: old})
	env.eng.Observe(concept.Observation{
		Concepts:    []string{"fresh"},
		Confidences: concept.Confidences{Attention: concept.Ptr(1), Audio: concept.Ptr(1), Intent: concept.Ptr(1)},
		Timestamp:   testNow,
	})

	var resp struct {
		Concepts []nodeJSON `json:"concepts"`
	}
	w := do(t, env.srv, "GET", "/api/concepts", "")
	decode(t, w, &resp)
	if len(resp.Concepts) != 2 {
		t.Fatalf("got %d concepts, want 2", len(resp.Concepts))
	}
	if resp.Concepts[0].Name != "faded" || resp.Concepts[0].State != concept.StateDue {
		t.Errorf("first = %s %s, want faded due", resp.Concepts[0].Name, resp.Concepts[0].State)
	}
	if resp.Concepts[1].State != concept.StateTracked {
		t.Errorf("fresh state = %s, want tracked", resp.Concepts[1].State)
	}

	w = do(t, env.srv, "GET", "/api/concepts?state=due", "")
	resp.Concepts = nil
	decode(t, w, &resp)
	if len(resp.Concepts) != 1 || resp.Concepts[0].Name != "faded" {
		t.Errorf("state=due returned %v", resp.Concepts)
	}
}

func TestConceptLookup(t *testing.T) {
	env := newTestEnv(t, Options{})
	ids := env.eng.Observe(concept.Observation{Concepts: []string{"Cell Wall", "cellulose"}, Timestamp: testNow})

	for _, ref := range []string{string(ids[0]), "cell%20wall"} {
		w := do(t, env.srv, "GET", "/api/concepts/"+ref, "")
		if w.Code != http.StatusOK {
			t.Errorf("GET %s: status = %d, want %d", ref, w.Code, http.StatusOK)
			continue
		}
		var n nodeJSON
		decode(t, w, &n)
		if n.ID != ids[0] {
			t.Errorf("GET %s: id = %s, want %s", ref, n.ID, ids[0])
		}
	}

	w := do(t, env.srv, "GET", "/api/concepts/"+string(ids[0])+"/neighbors", "")
	var nb struct {
		Concept   string `json:"concept"`
		Neighbors []struct {
			Name   string  `json:"name"`
			Weight float64 `json:"weight"`
		} `json:"neighbors"`
	}
	decode(t, w, &nb)
	if len(nb.Neighbors) != 1 || nb.Neighbors[0].Name != "cellulose" || nb.Neighbors[0].Weight != 1 {
		t.Errorf("neighbors = %+v", nb.Neighbors)
	}

	w = do(t, env.srv, "GET", "/api/concepts/nothing-here", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown concept: status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestEdgesLimit(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.eng.Observe(concept.Observation{Concepts: []string{"a", "b", "c"}, Timestamp: testNow})

	var resp struct {
		Edges []concept.EdgeRecord `json:"edges"`
	}
	decode(t, do(t, env.srv, "GET", "/api/edges", ""), &resp)
	if len(resp.Edges) != 3 {
		t.Errorf("got %d edges, want 3", len(resp.Edges))
	}
	resp.Edges = nil
	decode(t, do(t, env.srv, "GET", "/api/edges?limit=1", ""), &resp)
	if len(resp.Edges) != 1 {
		t.Errorf("limit=1 returned %d edges", len(resp.Edges))
	}
}

func TestDueAndDispatch(t *testing.T) {
	env := newTestEnv(t, Options{})
	old := testNow.Add(-20 * time.Hour)
	env.eng.Observe(concept.Observation{Concepts: []string{"x", "y"}, Timestamp: old})

	var due struct {
		Due []nodeJSON `json:"due"`
	}
	decode(t, do(t, env.srv, "GET", "/api/due", ""), &due)
	if len(due.Due) != 2 {
		t.Fatalf("due = %d, want 2", len(due.Due))
	}
	if len(env.sent.names) != 0 {
		t.Errorf("preview sent %v", env.sent.names)
	}

	var resp struct {
		Sent []concept.Notification `json:"sent"`
	}
	w := do(t, env.srv, "POST", "/api/dispatch", "")
	if w.Code != http.StatusOK {
		t.Fatalf("dispatch: status = %d", w.Code)
	}
	decode(t, w, &resp)
	if len(resp.Sent) != 2 {
		t.Errorf("sent %d, want 2", len(resp.Sent))
	}

	// Cooling down now.
	resp.Sent = nil
	decode(t, do(t, env.srv, "POST", "/api/dispatch", ""), &resp)
	if resp.Sent == nil || len(resp.Sent) != 0 {
		t.Errorf("second dispatch sent %v, want empty list", resp.Sent)
	}

	var reminded struct {
		Concepts []nodeJSON `json:"concepts"`
	}
	decode(t, do(t, env.srv, "GET", "/api/concepts?state=reminded", ""), &reminded)
	if len(reminded.Concepts) != 2 {
		t.Errorf("reminded = %d, want 2", len(reminded.Concepts))
	}
}

func TestPrune(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.eng.Observe(concept.Observation{Concepts: []string{"ancient", "relic"}, Timestamp: testNow.Add(-40 * 24 * time.Hour)})
	env.eng.Observe(concept.Observation{Concepts: []string{"current"}, Timestamp: testNow})

	var resp map[string]int
	decode(t, do(t, env.srv, "POST", "/api/prune", ""), &resp)
	if resp["nodes_removed"] != 2 || resp["edges_removed"] != 1 {
		t.Errorf("prune = %v, want 2 nodes, 1 edge", resp)
	}
}

func TestSnapshotAndSave(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.eng.Observe(concept.Observation{Concepts: []string{"p", "q"}, Timestamp: testNow})

	var snap concept.Snapshot
	decode(t, do(t, env.srv, "GET", "/api/snapshot", ""), &snap)
	if len(snap.Nodes) != 2 || len(snap.Edges) != 1 {
		t.Fatalf("snapshot = %d nodes, %d edges", len(snap.Nodes), len(snap.Edges))
	}
	if snap.Nodes[0].Confidences == nil {
		t.Error("snapshot nodes should carry confidences")
	}

	w := do(t, env.srv, "POST", "/api/snapshot/save", "")
	if w.Code != http.StatusOK {
		t.Fatalf("save: status = %d; body: %s", w.Code, w.Body.String())
	}
	count, err := env.db.CountConcepts(context.Background())
	if err != nil {
		t.Fatalf("CountConcepts: %v", err)
	}
	if count != 2 {
		t.Errorf("persisted %d concepts, want 2", count)
	}
}
