package concept

import "time"

// Snapshot is the persisted shape of the whole graph.
type Snapshot struct {
	Nodes []NodeRecord `json:"nodes"`
	Edges []EdgeRecord `json:"edges"`
}

// NodeRecord is the wire form of a Node.
type NodeRecord struct {
	ID            ID         `json:"id"`
	Name          string     `json:"name"`
	MemoryScore   float64    `json:"memory_score"`
	DecayRate     float64    `json:"decay_rate"`
	LastSeen      time.Time  `json:"last_seen_ts"`
	NextReview    time.Time  `json:"next_review_ts"`
	LastReminded  *time.Time `json:"last_reminded_ts"`
	ObservedUsage uint64     `json:"observed_usage"`
	Confidences   *Resolved  `json:"confidences,omitempty"`
}

// EdgeRecord is the wire form of an Edge.
type EdgeRecord struct {
	A           ID        `json:"a"`
	B           ID        `json:"b"`
	Weight      float64   `json:"weight"`
	LastUpdated time.Time `json:"last_updated"`
}

// Record converts a node to its wire form.
func (n Node) Record() NodeRecord {
	conf := n.Confidences
	rec := NodeRecord{
		ID:            n.ID,
		Name:          n.Name,
		MemoryScore:   n.MemoryScore,
		DecayRate:     n.DecayRate,
		LastSeen:      n.LastSeen,
		NextReview:    n.NextReview,
		ObservedUsage: n.ObservedUsage,
		Confidences:   &conf,
	}
	if n.LastReminded != nil {
		t := *n.LastReminded
		rec.LastReminded = &t
	}
	return rec
}

// Resolved returns the record's stored confidences. Records written before
// confidences were persisted get {score, 1, 1}, so they keep decaying from
// their saved score.
func (r NodeRecord) Resolved() Resolved {
	if r.Confidences != nil {
		return *r.Confidences
	}
	score := r.MemoryScore
	if score > 1 {
		score = 1
	}
	if !(score >= 0) {
		score = 0
	}
	return Resolved{Attention: score, Audio: 1, Intent: 1}
}

// Node converts a wire record back into a Node.
func (r NodeRecord) Node() Node {
	n := Node{
		ID:            r.ID,
		Name:          r.Name,
		MemoryScore:   r.MemoryScore,
		DecayRate:     r.DecayRate,
		LastSeen:      r.LastSeen,
		NextReview:    r.NextReview,
		ObservedUsage: r.ObservedUsage,
		Confidences:   r.Resolved(),
	}
	if r.LastReminded != nil {
		t := *r.LastReminded
		n.LastReminded = &t
	}
	return n
}

// Record converts an edge to its wire form.
func (e Edge) Record() EdgeRecord {
	return EdgeRecord{A: e.A, B: e.B, Weight: e.Weight, LastUpdated: e.LastUpdated}
}
