package engine

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lazypower/recall/internal/concept"
	"github.com/lazypower/recall/internal/config"
)

func testEngineConfig() config.EngineConfig {
	return config.Default().Engine
}

func TestNextReviewAboveThreshold(t *testing.T) {
	s := NewScheduler(testEngineConfig(), nil)

	for _, tc := range []struct {
		lambda float64
		want   time.Duration
	}{
		{0.1, 10 * time.Hour},
		{0.2, 5 * time.Hour},
		{0.05, 20 * time.Hour},
	} {
		n := concept.Node{DecayRate: tc.lambda, LastSeen: t0}
		assert.Equal(t, t0.Add(tc.want), s.NextReview(n, 0.9, t0), "λ=%v", tc.lambda)
	}
}

func TestNextReviewBelowThreshold(t *testing.T) {
	s := NewScheduler(testEngineConfig(), nil)
	n := concept.Node{DecayRate: 0.05, LastSeen: t0}
	now := t0.Add(3 * time.Hour)

	assert.Equal(t, now.Add(time.Hour), s.NextReview(n, 0.39, now))
}

func TestNextReviewNeverBeforeMinimumInterval(t *testing.T) {
	s := NewScheduler(testEngineConfig(), nil)
	n := concept.Node{DecayRate: 0.1, LastSeen: t0}
	// last_seen + 1/λ is already in the past.
	now := t0.Add(15 * time.Hour)

	assert.Equal(t, now.Add(time.Hour), s.NextReview(n, 0.5, now))
}

func TestNextReviewCrossedBoundsPreferLower(t *testing.T) {
	s := NewScheduler(testEngineConfig(), nil)
	n := concept.Node{DecayRate: 0.1, LastSeen: t0}
	now := t0.Add(200 * time.Hour) // past last_seen + MaxReview

	assert.Equal(t, now.Add(time.Hour), s.NextReview(n, 0.9, now))
}

func TestNextReviewBoundsProperty(t *testing.T) {
	cfg := testEngineConfig()
	s := NewScheduler(cfg, nil)
	rng := rand.New(rand.NewSource(1))

	for i := 0; i < 2000; i++ {
		n := concept.Node{
			DecayRate: cfg.MinLambda + rng.Float64()*(cfg.MaxLambda-cfg.MinLambda),
			LastSeen:  t0,
		}
		now := t0.Add(time.Duration(rng.Int63n(int64(150 * time.Hour))))
		score := rng.Float64()

		next := s.NextReview(n, score, now)
		require.False(t, next.Before(now.Add(cfg.MinReviewInterval())), "case %d", i)
		require.False(t, next.Before(n.LastSeen), "case %d", i)
		require.False(t, next.After(n.LastSeen.Add(cfg.MaxReviewInterval())), "case %d", i)
	}
}

func TestIsDue(t *testing.T) {
	s := NewScheduler(testEngineConfig(), nil)
	n := concept.Node{MemoryScore: 0.8, LastSeen: t0, NextReview: t0.Add(10 * time.Hour)}

	assert.False(t, s.IsDue(n, t0.Add(9*time.Hour)))
	assert.True(t, s.IsDue(n, t0.Add(10*time.Hour)))

	n.MemoryScore = 0.3
	assert.True(t, s.IsDue(n, t0), "below threshold is due regardless of schedule")
}

func TestCooledDown(t *testing.T) {
	s := NewScheduler(testEngineConfig(), nil)
	n := concept.Node{}
	assert.True(t, s.CooledDown(n, t0))

	r := t0
	n.LastReminded = &r
	assert.False(t, s.CooledDown(n, t0.Add(5*time.Hour+59*time.Minute)))
	assert.True(t, s.CooledDown(n, t0.Add(6*time.Hour)))
}

func TestState(t *testing.T) {
	s := NewScheduler(testEngineConfig(), nil)
	base := concept.Node{MemoryScore: 0.8, LastSeen: t0, NextReview: t0.Add(10 * time.Hour)}

	fresh := base
	assert.Equal(t, concept.StateFresh, s.State(fresh, t0))

	tracked := base
	tracked.ObservedUsage = 2
	assert.Equal(t, concept.StateTracked, s.State(tracked, t0))

	due := tracked
	due.MemoryScore = 0.2
	assert.Equal(t, concept.StateDue, s.State(due, t0))

	reminded := due
	r := t0
	reminded.LastReminded = &r
	assert.Equal(t, concept.StateReminded, s.State(reminded, t0.Add(time.Hour)))
	assert.Equal(t, concept.StateDue, s.State(reminded, t0.Add(7*time.Hour)))

	assert.Equal(t, concept.StateStale, s.State(tracked, t0.Add(31*24*time.Hour)))
}

func TestStaleWindowBeyondDurationRange(t *testing.T) {
	cfg := testEngineConfig()
	cfg.StaleNodeDays = 1e6
	s := NewScheduler(cfg, nil)

	n := concept.Node{MemoryScore: 0.8, LastSeen: t0, NextReview: t0.Add(10 * time.Hour), ObservedUsage: 1}
	assert.False(t, s.Stale(n, t0.Add(time.Minute)))
	assert.Equal(t, concept.StateTracked, s.State(n, t0.Add(time.Minute)))
}

func TestReinforce(t *testing.T) {
	s := NewScheduler(testEngineConfig(), nil)

	assert.InDelta(t, 0.09, s.Reinforce(0.1, 0.81), 1e-12)
	assert.Equal(t, 0.1, s.Reinforce(0.1, 0.5), "weak engagement leaves λ alone")
	assert.Equal(t, 0.05, s.Reinforce(0.05, 1), "never below MinLambda")
}

func TestNeglect(t *testing.T) {
	s := NewScheduler(testEngineConfig(), nil)

	assert.InDelta(t, 0.11, s.Neglect(0.1), 1e-12)
	assert.Equal(t, 0.2, s.Neglect(0.19), "never above MaxLambda")
}

func TestCheckLambdaCountsViolation(t *testing.T) {
	inv := &Invariants{}
	s := NewScheduler(testEngineConfig(), inv)

	assert.Equal(t, 0.1, s.checkLambda("ok", 0.1))
	assert.Zero(t, inv.Violations())

	assert.Equal(t, 0.2, s.checkLambda("bad", 3))
	assert.Equal(t, int64(1), inv.Violations())
}
