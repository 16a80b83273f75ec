package engine

import (
	"log"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lazypower/recall/internal/concept"
	"github.com/lazypower/recall/internal/config"
)

// ConceptStore owns the concept graph. One mutex guards every node and edge
// mutation; readers get copies taken under the read lock.
type ConceptStore struct {
	mu     sync.RWMutex
	nodes  map[concept.ID]*concept.Node
	byName map[string]concept.ID // normalized name → id
	edges  map[concept.EdgeKey]*concept.Edge

	cfg   config.EngineConfig
	decay *DecayEngine
	sched *Scheduler
	inv   *Invariants
	now   func() time.Time
}

// StoreOption configures a ConceptStore.
type StoreOption func(*ConceptStore)

// WithStoreClock overrides the store's clock (used when an event carries no
// timestamp and for concept creation).
func WithStoreClock(now func() time.Time) StoreOption {
	return func(s *ConceptStore) { s.now = now }
}

// NewConceptStore creates an empty graph using cfg's decay and scheduling
// constants.
func NewConceptStore(cfg config.EngineConfig, opts ...StoreOption) *ConceptStore {
	inv := &Invariants{}
	s := &ConceptStore{
		nodes:  make(map[concept.ID]*concept.Node),
		byName: make(map[string]concept.ID),
		edges:  make(map[concept.EdgeKey]*concept.Edge),
		cfg:    cfg,
		decay:  NewDecayEngine(inv),
		sched:  NewScheduler(cfg, inv),
		inv:    inv,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewConceptStoreFromSnapshot creates a graph pre-populated from snap.
func NewConceptStoreFromSnapshot(cfg config.EngineConfig, snap *concept.Snapshot, opts ...StoreOption) *ConceptStore {
	s := NewConceptStore(cfg, opts...)
	if snap != nil {
		s.Restore(snap)
	}
	return s
}

// Decay returns the store's DecayEngine.
func (s *ConceptStore) Decay() *DecayEngine { return s.decay }

// Scheduler returns the store's Scheduler.
func (s *ConceptStore) Scheduler() *Scheduler { return s.sched }

// InvariantViolations returns how many computed values had to be clamped.
func (s *ConceptStore) InvariantViolations() int64 { return s.inv.Violations() }

// UpsertConcept returns the id of the concept with this name, creating a
// fresh node if none exists. Names match case-insensitively.
func (s *ConceptStore) UpsertConcept(name string) (concept.ID, error) {
	name = sanitizeName(name)
	if name == "" {
		return "", ErrEmptyConcept
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upsertLocked(name, s.now()).ID, nil
}

func (s *ConceptStore) upsertLocked(name string, now time.Time) *concept.Node {
	key := concept.NormalizeName(name)
	if id, ok := s.byName[key]; ok {
		return s.nodes[id]
	}
	n := &concept.Node{
		ID:          concept.ID(uuid.NewString()),
		Name:        name,
		MemoryScore: 1.0,
		DecayRate:   s.cfg.DefaultLambda,
		LastSeen:    now,
		Confidences: concept.Resolved{Attention: 1, Audio: 1, Intent: 1},
	}
	n.NextReview = s.sched.NextReview(*n, n.MemoryScore, now)
	s.nodes[n.ID] = n
	s.byName[key] = n.ID
	return n
}

// RecordObservation applies one observation event: every named concept is
// created if needed, marked seen, re-scored and rescheduled, and every pair
// of concepts in the event has its edge strengthened by the smaller of the
// two saliences. Malformed parts are logged and skipped. Returns the ids of
// the concepts touched, in event order.
func (s *ConceptStore) RecordObservation(ev concept.Observation) []concept.ID {
	clean := validateObservation(ev)
	if len(clean.names) == 0 {
		log.Printf("warning: ingest: observation with no usable concepts, skipped")
		return nil
	}
	conf, fixed := s.decay.Resolve(ev.Confidences)
	if fixed {
		log.Printf("warning: ingest: confidences out of range for %v, clamped to %+v", clean.names, conf)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ts := ev.Timestamp
	if ts.IsZero() {
		ts = s.now()
	}

	ids := make([]concept.ID, 0, len(clean.names))
	sal := make([]float64, 0, len(clean.names))
	for _, name := range clean.names {
		n := s.upsertLocked(name, ts)
		s.observeLocked(n, conf, ts)
		ids = append(ids, n.ID)
		sal = append(sal, clean.salience[concept.NormalizeName(name)])
	}

	for i := 0; i < len(ids); i++ {
		for j := i + 1; j < len(ids); j++ {
			s.strengthenLocked(concept.KeyOf(ids[i], ids[j]), math.Min(sal[i], sal[j]), ts)
		}
	}
	return ids
}

func (s *ConceptStore) observeLocked(n *concept.Node, conf concept.Resolved, ts time.Time) {
	// Late events reinforce without rewinding last_seen.
	if ts.Before(n.LastSeen) {
		ts = n.LastSeen
	}
	if n.ObservedUsage > 0 {
		n.DecayRate = s.sched.checkLambda(n.Name, s.sched.Reinforce(n.DecayRate, conf.Product()))
	}
	n.ObservedUsage++
	n.LastSeen = ts
	n.Confidences = conf
	n.MemoryScore = s.decay.Score(*n, ts, conf)
	n.NextReview = s.sched.NextReview(*n, n.MemoryScore, ts)
}

func (s *ConceptStore) strengthenLocked(key concept.EdgeKey, w float64, ts time.Time) {
	e, ok := s.edges[key]
	if !ok {
		e = &concept.Edge{A: key.A, B: key.B}
		s.edges[key] = e
	}
	e.Weight += w
	if ts.After(e.LastUpdated) {
		e.LastUpdated = ts
	}
}

// Node returns a copy of the node with the given id.
func (s *ConceptStore) Node(id concept.ID) (concept.Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[id]
	if !ok {
		return concept.Node{}, false
	}
	return copyNode(n), true
}

// NodeByName returns a copy of the node with the given name.
func (s *ConceptStore) NodeByName(name string) (concept.Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byName[concept.NormalizeName(sanitizeName(name))]
	if !ok {
		return concept.Node{}, false
	}
	return copyNode(s.nodes[id]), true
}

// AllNodes returns copies of every node, ordered by name.
func (s *ConceptStore) AllNodes() []concept.Node {
	s.mu.RLock()
	out := make([]concept.Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		out = append(out, copyNode(n))
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Edge returns the edge between a and b in either order.
func (s *ConceptStore) Edge(a, b concept.ID) (concept.Edge, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.edges[concept.KeyOf(a, b)]
	if !ok {
		return concept.Edge{}, false
	}
	return *e, true
}

// Edges returns copies of every edge, heaviest first.
func (s *ConceptStore) Edges() []concept.Edge {
	s.mu.RLock()
	out := make([]concept.Edge, 0, len(s.edges))
	for _, e := range s.edges {
		out = append(out, *e)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Weight != out[j].Weight {
			return out[i].Weight > out[j].Weight
		}
		if out[i].A != out[j].A {
			return out[i].A < out[j].A
		}
		return out[i].B < out[j].B
	})
	return out
}

// Neighbor is a concept linked to another by a co-occurrence edge.
type Neighbor struct {
	Node   concept.Node
	Weight float64
}

// Neighbors returns the concepts co-observed with id, heaviest edge first.
func (s *ConceptStore) Neighbors(id concept.ID) []Neighbor {
	s.mu.RLock()
	var out []Neighbor
	for key, e := range s.edges {
		if !key.Has(id) {
			continue
		}
		if n, ok := s.nodes[key.Other(id)]; ok {
			out = append(out, Neighbor{Node: copyNode(n), Weight: e.Weight})
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Weight != out[j].Weight {
			return out[i].Weight > out[j].Weight
		}
		return out[i].Node.Name < out[j].Node.Name
	})
	return out
}

// Len returns the number of nodes and edges.
func (s *ConceptStore) Len() (nodes, edges int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.nodes), len(s.edges)
}

// Refresh re-scores every node at now and returns copies of the result.
// This is the first of a dispatch cycle's two critical sections.
//
// A node that has decayed below the memory threshold and is out of its
// reminder cooldown is rescheduled to now+MinReview. Nodes above the
// threshold keep the review time set at their last observation, which only
// depends on last_seen and λ; recomputing it here would push it past now.
func (s *ConceptStore) Refresh(now time.Time) []concept.Node {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]concept.Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		n.MemoryScore = s.decay.Score(*n, now, n.Confidences)
		if n.MemoryScore < s.cfg.MemoryThreshold && s.sched.CooledDown(*n, now) {
			n.NextReview = s.sched.NextReview(*n, n.MemoryScore, now)
		}
		out = append(out, copyNode(n))
	}
	return out
}

// CommitReminder records a successful notification for id at now: the
// reminder timestamp is set and the next review pushed past the cooldown.
// If the previous reminder went unacknowledged (no observation since), the
// concept's decay rate is increased. Returns false if the node no longer
// exists or is still cooling down, in which case nothing changes.
func (s *ConceptStore) CommitReminder(id concept.ID, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	if !ok {
		return false
	}
	if !s.sched.CooledDown(*n, now) {
		log.Printf("dispatch: %s reminded %s ago, inside cooldown; not committing",
			n.Name, now.Sub(*n.LastReminded).Round(time.Second))
		return false
	}
	if n.LastReminded != nil && n.LastSeen.Before(*n.LastReminded) {
		n.DecayRate = s.sched.checkLambda(n.Name, s.sched.Neglect(n.DecayRate))
	}
	t := now
	n.LastReminded = &t
	next := now.Add(s.cfg.ReminderCooldown())
	if next.Before(n.LastSeen) {
		next = n.LastSeen
	}
	n.NextReview = next
	return true
}

// PruneStale removes nodes unobserved for longer than thresholdDays, along
// with every edge touching them. Maintenance only; never called from the
// observation or dispatch path.
func (s *ConceptStore) PruneStale(now time.Time, thresholdDays float64) (nodes, edges int) {
	cutoff := now.Add(-config.Hours(thresholdDays * 24))

	s.mu.Lock()
	defer s.mu.Unlock()
	removed := make(map[concept.ID]bool)
	for id, n := range s.nodes {
		if n.LastSeen.Before(cutoff) {
			removed[id] = true
			delete(s.byName, concept.NormalizeName(n.Name))
			delete(s.nodes, id)
		}
	}
	if len(removed) == 0 {
		return 0, 0
	}
	for key := range s.edges {
		if removed[key.A] || removed[key.B] {
			delete(s.edges, key)
			edges++
		}
	}
	return len(removed), edges
}

// Snapshot returns the persisted form of the whole graph, nodes ordered by
// name and edges heaviest first.
func (s *ConceptStore) Snapshot() *concept.Snapshot {
	nodes := s.AllNodes()
	edges := s.Edges()
	snap := &concept.Snapshot{
		Nodes: make([]concept.NodeRecord, 0, len(nodes)),
		Edges: make([]concept.EdgeRecord, 0, len(edges)),
	}
	for _, n := range nodes {
		snap.Nodes = append(snap.Nodes, n.Record())
	}
	for _, e := range edges {
		snap.Edges = append(snap.Edges, e.Record())
	}
	return snap
}

// Restore replaces the graph with the contents of snap. Records that break
// the graph's bounds are repaired and logged; records that cannot be
// repaired (no id, no name, duplicate name, edge to an unknown node) are
// skipped. Returns the number of skipped records.
func (s *ConceptStore) Restore(snap *concept.Snapshot) int {
	nodes := make(map[concept.ID]*concept.Node, len(snap.Nodes))
	byName := make(map[string]concept.ID, len(snap.Nodes))
	edges := make(map[concept.EdgeKey]*concept.Edge, len(snap.Edges))
	skipped := 0

	for _, rec := range snap.Nodes {
		key := concept.NormalizeName(rec.Name)
		if rec.ID == "" || key == "" {
			log.Printf("warning: restore: skipping node with id %q name %q", rec.ID, rec.Name)
			skipped++
			continue
		}
		if _, dup := byName[key]; dup {
			log.Printf("warning: restore: duplicate concept name %q, keeping first", rec.Name)
			skipped++
			continue
		}
		if _, dup := nodes[rec.ID]; dup {
			log.Printf("warning: restore: duplicate concept id %s, keeping first", rec.ID)
			skipped++
			continue
		}
		n := rec.Node()
		s.repair(&n)
		nodes[n.ID] = &n
		byName[key] = n.ID
	}

	for _, rec := range snap.Edges {
		if rec.A == rec.B || nodes[rec.A] == nil || nodes[rec.B] == nil {
			log.Printf("warning: restore: skipping edge %s-%s", rec.A, rec.B)
			skipped++
			continue
		}
		key := concept.KeyOf(rec.A, rec.B)
		w := rec.Weight
		if w < 0 || math.IsNaN(w) {
			log.Printf("warning: restore: edge %s-%s weight %v, reset to 0", rec.A, rec.B, w)
			w = 0
		}
		e, ok := edges[key]
		if !ok {
			e = &concept.Edge{A: key.A, B: key.B}
			edges[key] = e
		}
		e.Weight += w
		if rec.LastUpdated.After(e.LastUpdated) {
			e.LastUpdated = rec.LastUpdated
		}
	}

	s.mu.Lock()
	s.nodes, s.byName, s.edges = nodes, byName, edges
	s.mu.Unlock()
	return skipped
}

// repair fixes a restored node that violates the graph's bounds.
func (s *ConceptStore) repair(n *concept.Node) {
	if n.MemoryScore < 0 || n.MemoryScore > 1 || math.IsNaN(n.MemoryScore) {
		log.Printf("warning: restore: %s memory_score %v outside [0,1]", n.Name, n.MemoryScore)
		n.MemoryScore = unit(n.MemoryScore)
	}
	if n.DecayRate < s.cfg.MinLambda || n.DecayRate > s.cfg.MaxLambda || math.IsNaN(n.DecayRate) {
		log.Printf("warning: restore: %s decay_rate %v outside [%v,%v]", n.Name, n.DecayRate, s.cfg.MinLambda, s.cfg.MaxLambda)
		if math.IsNaN(n.DecayRate) {
			n.DecayRate = s.cfg.DefaultLambda
		}
		n.DecayRate = s.sched.boundLambda(n.DecayRate)
	}
	if n.NextReview.Before(n.LastSeen) {
		log.Printf("warning: restore: %s next_review before last_seen", n.Name)
		n.NextReview = n.LastSeen
	}
	c := &n.Confidences
	c.Attention, c.Audio, c.Intent = unit(c.Attention), unit(c.Audio), unit(c.Intent)
}

func copyNode(n *concept.Node) concept.Node {
	c := *n
	if n.LastReminded != nil {
		t := *n.LastReminded
		c.LastReminded = &t
	}
	return c
}
