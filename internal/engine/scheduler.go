package engine

import (
	"math"
	"time"

	"github.com/lazypower/recall/internal/concept"
	"github.com/lazypower/recall/internal/config"
)

// Scheduler decides when a concept should next be reviewed and adapts its
// decay rate.
//
// The policy is a continuous-signal analogue of SM-2. SM-2 grows intervals
// from an explicit 0–5 recall grade given after a quiz; here "quality" is
// inferred implicitly from ambient engagement (the memory score) and the
// per-concept λ stands in for the easiness factor. Intervals therefore do
// not carry SM-2's convergence guarantees: a concept that is seen often but
// with low confidence can oscillate around the threshold.
type Scheduler struct {
	cfg config.EngineConfig
	inv *Invariants
}

// NewScheduler returns a Scheduler using cfg's bounds.
func NewScheduler(cfg config.EngineConfig, inv *Invariants) *Scheduler {
	if inv == nil {
		inv = &Invariants{}
	}
	return &Scheduler{cfg: cfg, inv: inv}
}

// NextReview returns the next review time for node given its current score.
//
// Below the memory threshold the concept is urgent and comes back after the
// minimum interval. Otherwise the interval is 1/λ hours from the last
// observation, so faster-forgetting concepts are revisited sooner. The result
// is clamped to [now+MinReview, last_seen+MaxReview]; when those bounds
// cross (a concept unseen for longer than MaxReview) the lower bound wins.
func (s *Scheduler) NextReview(node concept.Node, score float64, now time.Time) time.Time {
	lower := now.Add(s.cfg.MinReviewInterval())
	if lower.Before(node.LastSeen) {
		lower = node.LastSeen
	}
	upper := node.LastSeen.Add(s.cfg.MaxReviewInterval())

	var next time.Time
	if score < s.cfg.MemoryThreshold {
		next = now.Add(s.cfg.MinReviewInterval())
	} else {
		next = node.LastSeen.Add(s.interval(node.DecayRate))
	}

	if next.After(upper) {
		next = upper
	}
	if next.Before(lower) {
		next = lower
	}
	return next
}

// interval returns 1/λ hours, capped at the maximum review interval.
func (s *Scheduler) interval(lambda float64) time.Duration {
	if lambda <= 0 {
		return s.cfg.MaxReviewInterval()
	}
	hours := 1 / lambda
	if hours > s.cfg.MaxReviewIntervalHours {
		hours = s.cfg.MaxReviewIntervalHours
	}
	return config.Hours(hours)
}

// IsDue reports whether node has dropped below the threshold or passed its
// scheduled review.
func (s *Scheduler) IsDue(node concept.Node, now time.Time) bool {
	return node.MemoryScore < s.cfg.MemoryThreshold || !now.Before(node.NextReview)
}

// CooledDown reports whether enough time has passed since node's last
// reminder for another one.
func (s *Scheduler) CooledDown(node concept.Node, now time.Time) bool {
	if node.LastReminded == nil {
		return true
	}
	return now.Sub(*node.LastReminded) >= s.cfg.ReminderCooldown()
}

// Stale reports whether node has gone unobserved past the staleness window.
func (s *Scheduler) Stale(node concept.Node, now time.Time) bool {
	return now.Sub(node.LastSeen) > s.cfg.StaleAfter()
}

// State places node in the review cycle at now.
func (s *Scheduler) State(node concept.Node, now time.Time) concept.State {
	switch {
	case s.Stale(node, now):
		return concept.StateStale
	case node.LastReminded != nil && !s.CooledDown(node, now):
		return concept.StateReminded
	case s.IsDue(node, now):
		return concept.StateDue
	case node.ObservedUsage == 0:
		return concept.StateFresh
	}
	return concept.StateTracked
}

// Reinforce slows decay after a repeat observation whose combined
// confidence reaches ReinforceConfidence.
func (s *Scheduler) Reinforce(lambda, strength float64) float64 {
	if strength < s.cfg.ReinforceConfidence {
		return lambda
	}
	return s.boundLambda(lambda * (1 - s.cfg.LambdaStep))
}

// Neglect speeds decay after a reminder the user never acted on.
func (s *Scheduler) Neglect(lambda float64) float64 {
	return s.boundLambda(lambda * (1 + s.cfg.LambdaStep))
}

// boundLambda keeps adapted rates inside [MinLambda, MaxLambda]. Reaching a
// bound through adaptation is expected, so this is a plain clamp.
func (s *Scheduler) boundLambda(lambda float64) float64 {
	return math.Min(math.Max(lambda, s.cfg.MinLambda), s.cfg.MaxLambda)
}

// checkLambda is the last-resort guard on a λ about to be stored.
func (s *Scheduler) checkLambda(name string, lambda float64) float64 {
	return s.inv.clamp("decay_rate of "+name, lambda, s.cfg.MinLambda, s.cfg.MaxLambda)
}
