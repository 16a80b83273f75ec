package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/lazypower/recall/internal/concept"
	"github.com/lazypower/recall/internal/config"
)

// ErrStopped is returned by Submit once the engine has been stopped.
var ErrStopped = errors.New("engine stopped")

// Persister loads and saves graph snapshots. The storage medium is its own
// business; callers bound every call with a context deadline.
type Persister interface {
	LoadSnapshot(ctx context.Context) (*concept.Snapshot, error)
	SaveSnapshot(ctx context.Context, snap *concept.Snapshot) error
}

// Engine owns the concept graph and runs ingestion, dispatch, persistence
// and maintenance on their own timers.
type Engine struct {
	Store      *ConceptStore
	Dispatcher *Dispatcher

	cfg       config.Config
	persister Persister
	now       func() time.Time

	queue    chan concept.Observation
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu      sync.RWMutex // guards stopped against concurrent Submit
	stopped bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the engine's clock.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an Engine, loading the graph from p. A nil persister or a
// failed load starts an empty graph; the failure is logged, not returned.
func New(cfg config.Config, p Persister, sink Sink, opts ...Option) *Engine {
	e := &Engine{
		cfg:       cfg,
		persister: p,
		now:       time.Now,
		queue:     make(chan concept.Observation, max(cfg.Ingest.QueueSize, 1)),
		stopCh:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}

	var snap *concept.Snapshot
	if p != nil {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Persistence.Timeout)
		loaded, err := p.LoadSnapshot(ctx)
		cancel()
		if err != nil {
			log.Printf("warning: persist: load snapshot failed, starting with an empty graph: %v", err)
		} else {
			snap = loaded
		}
	}
	e.Store = NewConceptStoreFromSnapshot(cfg.Engine, snap, WithStoreClock(e.now))
	e.Dispatcher = NewDispatcher(e.Store, sink, cfg.Dispatch.SinkTimeout)

	if n, m := e.Store.Len(); n > 0 {
		log.Printf("persist: loaded %d concepts, %d edges", n, m)
	}
	return e
}

// Start launches the background loops. Stop ends them.
func (e *Engine) Start() {
	e.goLoop(func() {
		for {
			select {
			case ev := <-e.queue:
				e.Observe(ev)
			case <-e.stopCh:
				return
			}
		}
	})

	e.every(e.cfg.Dispatch.Interval, func() {
		if sent := e.Dispatch(context.Background()); len(sent) > 0 {
			log.Printf("dispatch: sent %d reminders", len(sent))
		}
	})

	e.every(e.cfg.Persistence.SaveInterval, func() {
		if err := e.Save(context.Background()); err != nil {
			log.Printf("persist: save failed, will retry: %v", err)
		}
	})

	// Run maintenance once at startup, then on its own interval.
	e.Prune()
	e.every(e.cfg.Persistence.PruneInterval, func() { e.Prune() })
}

func (e *Engine) goLoop(fn func()) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn()
	}()
}

// every runs fn on a ticker until Stop. A cycle in flight when Stop is
// called runs to completion.
func (e *Engine) every(d time.Duration, fn func()) {
	if d <= 0 {
		return
	}
	e.goLoop(func() {
		ticker := time.NewTicker(d)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				fn()
			case <-e.stopCh:
				return
			}
		}
	})
}

// Stop signals every loop to finish, waits for in-flight cycles, applies
// any queued observations and performs a final save. Safe to call twice.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		close(e.stopCh)

		e.mu.Lock()
		e.stopped = true
		e.mu.Unlock()

		e.wg.Wait()
		e.drain()

		if err := e.Save(context.Background()); err != nil {
			log.Printf("persist: final save failed: %v", err)
		}
	})
}

// drain applies whatever is left in the ingest queue.
func (e *Engine) drain() {
	for {
		select {
		case ev := <-e.queue:
			e.Observe(ev)
		default:
			return
		}
	}
}

// Submit queues an observation for the ingest worker. It blocks while the
// queue is full until ctx ends or the engine stops.
func (e *Engine) Submit(ctx context.Context, ev concept.Observation) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.stopped {
		return ErrStopped
	}
	select {
	case e.queue <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.stopCh:
		return ErrStopped
	}
}

// Observe applies an observation synchronously.
func (e *Engine) Observe(ev concept.Observation) []concept.ID {
	return e.Store.RecordObservation(ev)
}

// Dispatch runs one dispatch cycle at the engine's current time.
func (e *Engine) Dispatch(ctx context.Context) []concept.Notification {
	return e.Dispatcher.CheckDue(ctx, e.now())
}

// Due previews which concepts the next dispatch cycle would notify.
func (e *Engine) Due() []concept.Node {
	return e.Dispatcher.Select(e.now())
}

// Prune removes concepts unobserved for longer than StaleNodeDays.
func (e *Engine) Prune() (nodes, edges int) {
	nodes, edges = e.Store.PruneStale(e.now(), e.cfg.Engine.StaleNodeDays)
	if nodes > 0 {
		log.Printf("prune: archived %d stale concepts, %d edges", nodes, edges)
	}
	return nodes, edges
}

// Save writes the current graph through the persister, bounded by the
// configured persistence timeout.
func (e *Engine) Save(ctx context.Context) error {
	if e.persister == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Persistence.Timeout)
	defer cancel()
	if err := e.persister.SaveSnapshot(ctx, e.Store.Snapshot()); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// Now returns the engine's current time.
func (e *Engine) Now() time.Time {
	return e.now()
}

// Stats summarizes the engine for health checks.
type Stats struct {
	Concepts            int           `json:"concepts"`
	Edges               int           `json:"edges"`
	QueueDepth          int           `json:"queue_depth"`
	InvariantViolations int64         `json:"invariant_violations"`
	Dispatch            DispatchStats `json:"dispatch"`
}

// Stats returns a point-in-time summary.
func (e *Engine) Stats() Stats {
	n, m := e.Store.Len()
	return Stats{
		Concepts:            n,
		Edges:               m,
		QueueDepth:          len(e.queue),
		InvariantViolations: e.Store.InvariantViolations(),
		Dispatch:            e.Dispatcher.Stats(),
	}
}
