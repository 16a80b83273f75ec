package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lazypower/recall/internal/concept"
	"github.com/lazypower/recall/internal/config"
	"github.com/lazypower/recall/internal/store"
)

type memPersister struct {
	mu      sync.Mutex
	snap    *concept.Snapshot
	loadErr error
	saveErr error
	saves   int
}

func (p *memPersister) LoadSnapshot(ctx context.Context) (*concept.Snapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.loadErr != nil {
		return nil, p.loadErr
	}
	return p.snap, nil
}

func (p *memPersister) SaveSnapshot(ctx context.Context, snap *concept.Snapshot) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.saveErr != nil {
		return p.saveErr
	}
	p.snap = snap
	p.saves++
	return nil
}

func (p *memPersister) last() (*concept.Snapshot, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snap, p.saves
}

func testConfig() config.Config {
	cfg := config.Default()
	// Keep background loops quiet unless a test wants them.
	cfg.Dispatch.Interval = 0
	cfg.Persistence.SaveInterval = 0
	cfg.Persistence.PruneInterval = 0
	return cfg
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestNewColdStartsOnLoadFailure(t *testing.T) {
	p := &memPersister{loadErr: errors.New("disk on fire")}
	e := New(testConfig(), p, &recorder{}, WithClock(fixedClock(t0)))

	n, m := e.Store.Len()
	assert.Zero(t, n)
	assert.Zero(t, m)

	e.Observe(concept.Observation{Concepts: []string{"still works"}, Timestamp: t0})
	n, _ = e.Store.Len()
	assert.Equal(t, 1, n)
}

func TestNewWithoutPersister(t *testing.T) {
	e := New(testConfig(), nil, &recorder{})
	assert.NoError(t, e.Save(context.Background()))
	e.Stop()
}

func TestNewLoadsSnapshot(t *testing.T) {
	src := NewConceptStore(testEngineConfig(), WithStoreClock(fixedClock(t0)))
	observe(src, t0, "loaded", "too")
	p := &memPersister{snap: src.Snapshot()}

	e := New(testConfig(), p, &recorder{}, WithClock(fixedClock(t0)))
	n, m := e.Store.Len()
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, m)
}

func TestSubmitAfterStop(t *testing.T) {
	e := New(testConfig(), &memPersister{}, &recorder{})
	e.Start()
	e.Stop()

	err := e.Submit(context.Background(), concept.Observation{Concepts: []string{"late"}})
	assert.ErrorIs(t, err, ErrStopped)

	// Stop is idempotent.
	e.Stop()
}

func TestStopDrainsQueueAndSaves(t *testing.T) {
	p := &memPersister{}
	e := New(testConfig(), p, &recorder{}, WithClock(fixedClock(t0)))

	// Not started: everything sits in the queue until Stop drains it.
	for _, name := range []string{"one", "two", "three"} {
		require.NoError(t, e.Submit(context.Background(), concept.Observation{Concepts: []string{name}, Timestamp: t0}))
	}
	assert.Equal(t, 3, e.Stats().QueueDepth)

	e.Stop()

	snap, saves := p.last()
	assert.Equal(t, 1, saves)
	require.NotNil(t, snap)
	assert.Len(t, snap.Nodes, 3)
}

func TestSubmitRespectsContextWhenQueueFull(t *testing.T) {
	cfg := testConfig()
	cfg.Ingest.QueueSize = 1
	e := New(cfg, nil, &recorder{})
	defer e.Stop()

	require.NoError(t, e.Submit(context.Background(), concept.Observation{Concepts: []string{"a"}}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := e.Submit(ctx, concept.Observation{Concepts: []string{"b"}})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestIngestWorkerAppliesSubmissions(t *testing.T) {
	e := New(testConfig(), nil, &recorder{}, WithClock(fixedClock(t0)))
	e.Start()
	defer e.Stop()

	require.NoError(t, e.Submit(context.Background(), concept.Observation{Concepts: []string{"async"}, Timestamp: t0}))
	require.Eventually(t, func() bool {
		_, ok := e.Store.NodeByName("async")
		return ok
	}, time.Second, 5*time.Millisecond)
}

func TestDispatchLoopSendsReminders(t *testing.T) {
	cfg := testConfig()
	cfg.Dispatch.Interval = 10 * time.Millisecond
	rec := &recorder{}
	e := New(cfg, nil, rec, WithClock(fixedClock(dueAt)))
	seedDue(t, e.Store, 0.1, 0.2)

	e.Start()
	defer e.Stop()

	require.Eventually(t, func() bool { return len(rec.names()) == 2 }, time.Second, 5*time.Millisecond)
	// Cooldown keeps later ticks from repeating them.
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, rec.names(), 2)
}

func TestSaveFailureIsReturned(t *testing.T) {
	p := &memPersister{saveErr: errors.New("read-only")}
	e := New(testConfig(), p, &recorder{})

	err := e.Save(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read-only")
}

func TestPruneRunsAtStart(t *testing.T) {
	src := NewConceptStore(testEngineConfig(), WithStoreClock(fixedClock(t0)))
	observe(src, t0, "ancient")
	p := &memPersister{snap: src.Snapshot()}

	e := New(testConfig(), p, &recorder{}, WithClock(fixedClock(t0.Add(60*24*time.Hour))))
	e.Start()
	defer e.Stop()

	n, _ := e.Store.Len()
	assert.Zero(t, n)
}

func TestDuePreviewDoesNotSend(t *testing.T) {
	rec := &recorder{}
	e := New(testConfig(), nil, rec, WithClock(fixedClock(dueAt)))
	seedDue(t, e.Store, 0.1, 0.2, 0.3)

	assert.Len(t, e.Due(), 3)
	assert.Empty(t, rec.names())

	sent := e.Dispatch(context.Background())
	assert.Len(t, sent, 3)
	assert.Empty(t, e.Due())
}

func TestEngineSQLitePersistence(t *testing.T) {
	db, err := store.OpenMemory()
	require.NoError(t, err)
	defer db.Close()

	e := New(testConfig(), db, &recorder{}, WithClock(fixedClock(t0)))
	e.Observe(concept.Observation{
		Concepts:  []string{"A", "B"},
		Salience:  map[string]float64{"A": 0.8, "B": 0.6},
		Timestamp: t0,
	})
	e.Stop()

	reloaded := New(testConfig(), db, &recorder{}, WithClock(fixedClock(t0)))
	a, ok := reloaded.Store.NodeByName("a")
	require.True(t, ok)
	b, ok := reloaded.Store.NodeByName("b")
	require.True(t, ok)
	edge, ok := reloaded.Store.Edge(a.ID, b.ID)
	require.True(t, ok)
	assert.InDelta(t, 0.6, edge.Weight, 1e-12)

	orig, _ := e.Store.NodeByName("a")
	assert.Equal(t, orig.NextReview, a.NextReview)
	assert.Equal(t, orig.Confidences, a.Confidences)
	assert.Zero(t, reloaded.Stats().InvariantViolations)
}
