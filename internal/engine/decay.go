// Package engine implements the memory-decay and spaced-review core: the
// concept graph (ConceptStore), the decay scoring function (DecayEngine),
// the review-interval policy (Scheduler) and the rate-limited reminder
// dispatcher (Dispatcher), plus the Engine that runs them on timers.
//
// Decay Algorithm:
//   - score = exp(-λ·Δt_hours) · attention · audio · intent
//   - Δt is measured from the concept's last observation
//   - A modality with no signal contributes a neutral 0.5, not 0
//   - λ is bounded to [MinLambda, MaxLambda], so the score strictly
//     decreases between observations and never collapses within seconds
package engine

import (
	"log"
	"math"
	"sync/atomic"
	"time"

	"github.com/lazypower/recall/internal/concept"
)

// neutralConfidence replaces a modality that produced no signal.
const neutralConfidence = 0.5

// Invariants counts bound violations caught by the last-resort clamps.
// Under valid inputs the count stays at zero; anything else is a defect.
type Invariants struct {
	violations atomic.Int64
}

// Violations returns how many times a clamp had to fix a computed value.
func (iv *Invariants) Violations() int64 {
	return iv.violations.Load()
}

// clamp bounds a computed value, logging loudly if it was out of range.
func (iv *Invariants) clamp(what string, v, lo, hi float64) float64 {
	switch {
	case math.IsNaN(v):
		iv.violations.Add(1)
		log.Printf("invariant violation: %s is NaN, clamped to %v", what, lo)
		return lo
	case v < lo:
		iv.violations.Add(1)
		log.Printf("invariant violation: %s = %v below %v", what, v, lo)
		return lo
	case v > hi:
		iv.violations.Add(1)
		log.Printf("invariant violation: %s = %v above %v", what, v, hi)
		return hi
	}
	return v
}

// DecayEngine turns elapsed time and engagement confidence into a memory
// score. It holds no graph state.
type DecayEngine struct {
	inv *Invariants
}

// NewDecayEngine returns a DecayEngine reporting to inv.
func NewDecayEngine(inv *Invariants) *DecayEngine {
	if inv == nil {
		inv = &Invariants{}
	}
	return &DecayEngine{inv: inv}
}

// Resolve fills missing modalities with the neutral default and clamps
// out-of-range ones. The second return value reports whether any supplied
// value had to be fixed (an input error the caller should log).
func (d *DecayEngine) Resolve(c concept.Confidences) (concept.Resolved, bool) {
	fixed := false
	pick := func(p *float64) float64 {
		if p == nil {
			return neutralConfidence
		}
		v := *p
		if math.IsNaN(v) {
			fixed = true
			return neutralConfidence
		}
		if v < 0 || v > 1 {
			fixed = true
			return unit(v)
		}
		return v
	}
	return concept.Resolved{
		Attention: pick(c.Attention),
		Audio:     pick(c.Audio),
		Intent:    pick(c.Intent),
	}, fixed
}

// Score returns the memory score of node at now, given the modality
// confidences of its most recent observation.
func (d *DecayEngine) Score(node concept.Node, now time.Time, conf concept.Resolved) float64 {
	dt := now.Sub(node.LastSeen).Hours()
	if dt < 0 {
		dt = 0
	}
	score := math.Exp(-node.DecayRate*dt) * unit(conf.Attention) * unit(conf.Audio) * unit(conf.Intent)
	return d.inv.clamp("memory_score of "+node.Name, score, 0, 1)
}

// unit clamps v to [0, 1]. NaN maps to 0.
func unit(v float64) float64 {
	if v > 1 {
		return 1
	}
	if v >= 0 {
		return v
	}
	return 0
}
