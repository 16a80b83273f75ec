// Package concept holds the value types shared by the engine, the
// persistence layer, the notification sinks and the HTTP API.
package concept

import (
	"strings"
	"time"
)

// ID identifies a concept node. Assigned once at creation, never reused.
type ID string

// Node is a copy of a concept's decay state. The engine's ConceptStore owns
// the live record; everything outside it only ever sees copies.
type Node struct {
	ID            ID
	Name          string
	MemoryScore   float64
	DecayRate     float64 // λ, per hour
	LastSeen      time.Time
	NextReview    time.Time
	LastReminded  *time.Time // nil until the first successful reminder
	ObservedUsage uint64
	Confidences   Resolved // modality factors of the most recent observation
}

// Reminded reports whether the node has ever been successfully reminded.
func (n Node) Reminded() bool {
	return n.LastReminded != nil
}

// Edge is an undirected co-occurrence link. A < B always holds.
type Edge struct {
	A           ID
	B           ID
	Weight      float64
	LastUpdated time.Time
}

// EdgeKey is the canonical identity of an unordered pair.
type EdgeKey struct {
	A ID
	B ID
}

// KeyOf returns the canonical key for the pair (a, b), so that
// KeyOf(a, b) == KeyOf(b, a).
func KeyOf(a, b ID) EdgeKey {
	if b < a {
		a, b = b, a
	}
	return EdgeKey{A: a, B: b}
}

// Has reports whether id is one of the key's endpoints.
func (k EdgeKey) Has(id ID) bool {
	return k.A == id || k.B == id
}

// Other returns the endpoint opposite id.
func (k EdgeKey) Other(id ID) ID {
	if k.A == id {
		return k.B
	}
	return k.A
}

// Confidences carries the optional per-modality engagement scalars of an
// observation. A nil field means the modality produced no signal.
type Confidences struct {
	Attention *float64 `json:"attention,omitempty"`
	Audio     *float64 `json:"audio,omitempty"`
	Intent    *float64 `json:"intent,omitempty"`
}

// Resolved is a Confidences with every modality filled in.
type Resolved struct {
	Attention float64 `json:"attention"`
	Audio     float64 `json:"audio"`
	Intent    float64 `json:"intent"`
}

// Product returns attention × audio × intent.
func (r Resolved) Product() float64 {
	return r.Attention * r.Audio * r.Intent
}

// Ptr is a convenience for building Confidences literals.
func Ptr(v float64) *float64 {
	return &v
}

// Observation is a normalized event from a capture/classification producer.
// Concepts are names as recognized by the producer; Salience optionally
// carries a per-concept confidence used to weight co-occurrence edges
// (a concept absent from it contributes 1.0).
type Observation struct {
	Concepts    []string           `json:"concepts"`
	Confidences Confidences        `json:"confidences"`
	Salience    map[string]float64 `json:"salience,omitempty"`
	Timestamp   time.Time          `json:"timestamp"`
}

// Notification is what the dispatcher hands to a sink.
type Notification struct {
	ConceptID   ID        `json:"concept_id"`
	ConceptName string    `json:"concept_name"`
	MemoryScore float64   `json:"memory_score"`
	Timestamp   time.Time `json:"timestamp"`
}

// State is a concept's position in the review cycle.
type State string

const (
	StateFresh    State = "fresh"
	StateTracked  State = "tracked"
	StateDue      State = "due"
	StateReminded State = "reminded"
	StateStale    State = "stale"
)

// NormalizeName returns the lookup key for a concept name:
// trimmed, inner whitespace collapsed, lowercased.
func NormalizeName(name string) string {
	return strings.ToLower(strings.Join(strings.Fields(name), " "))
}
