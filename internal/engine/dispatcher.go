package engine

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lazypower/recall/internal/concept"
	"github.com/lazypower/recall/internal/config"
)

// Sink delivers a reminder to the user. Implementations should honor ctx;
// the dispatcher stops waiting at the deadline either way.
type Sink interface {
	Notify(ctx context.Context, n concept.Notification) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, n concept.Notification) error

// Notify calls f.
func (f SinkFunc) Notify(ctx context.Context, n concept.Notification) error {
	return f(ctx, n)
}

// DispatchStats counts delivery outcomes since the dispatcher was created.
type DispatchStats struct {
	Cycles   int64 `json:"cycles"`
	Sent     int64 `json:"sent"`
	Failed   int64 `json:"failed"`
	TimedOut int64 `json:"timed_out"`
}

// Dispatcher turns due concepts into notifications, at most
// MaxNotificationsPerCheck per cycle and never inside a concept's cooldown.
type Dispatcher struct {
	store   *ConceptStore
	sink    Sink
	cfg     config.EngineConfig
	timeout time.Duration

	cycleMu sync.Mutex // one cycle at a time

	cycles, sent, failed, timedOut atomic.Int64
}

// NewDispatcher creates a dispatcher delivering through sink, giving each
// delivery at most timeout.
func NewDispatcher(store *ConceptStore, sink Sink, timeout time.Duration) *Dispatcher {
	return &Dispatcher{
		store:   store,
		sink:    sink,
		cfg:     store.cfg,
		timeout: timeout,
	}
}

// Select returns the concepts that would be notified at now, most
// forgotten first. It re-scores the graph but sends nothing.
func (d *Dispatcher) Select(now time.Time) []concept.Node {
	return d.selectFrom(d.store.Refresh(now), now)
}

func (d *Dispatcher) selectFrom(nodes []concept.Node, now time.Time) []concept.Node {
	sched := d.store.sched
	due := nodes[:0]
	for _, n := range nodes {
		if sched.IsDue(n, now) && sched.CooledDown(n, now) {
			due = append(due, n)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		a, b := due[i], due[j]
		if a.MemoryScore != b.MemoryScore {
			return a.MemoryScore < b.MemoryScore
		}
		if !a.NextReview.Equal(b.NextReview) {
			return a.NextReview.Before(b.NextReview)
		}
		return a.Name < b.Name
	})
	if len(due) > d.cfg.MaxNotificationsPerCheck {
		due = due[:d.cfg.MaxNotificationsPerCheck]
	}
	return due
}

// CheckDue runs one dispatch cycle at now: select, deliver, commit. Each
// delivery is bounded by the dispatcher timeout and runs outside the store
// lock. A failed or timed-out delivery leaves that concept untouched so it
// is picked up again next cycle. Returns the notifications that were
// delivered and committed.
func (d *Dispatcher) CheckDue(ctx context.Context, now time.Time) []concept.Notification {
	d.cycleMu.Lock()
	defer d.cycleMu.Unlock()
	d.cycles.Add(1)

	selected := d.Select(now)
	if len(selected) == 0 {
		return nil
	}

	notes := make([]concept.Notification, len(selected))
	errs := make([]error, len(selected))
	var wg sync.WaitGroup
	for i, n := range selected {
		notes[i] = concept.Notification{
			ConceptID:   n.ID,
			ConceptName: n.Name,
			MemoryScore: n.MemoryScore,
			Timestamp:   now,
		}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = d.deliver(ctx, notes[i])
		}(i)
	}
	wg.Wait()

	var sent []concept.Notification
	for i, note := range notes {
		if errs[i] != nil {
			log.Printf("dispatch: %v; will retry next cycle", errs[i])
			continue
		}
		if d.store.CommitReminder(note.ConceptID, now) {
			d.sent.Add(1)
			sent = append(sent, note)
		}
	}
	return sent
}

// deliver sends one notification, bounded by the dispatcher timeout even if
// the sink ignores its context.
func (d *Dispatcher) deliver(ctx context.Context, n concept.Notification) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	errc := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				errc <- fmt.Errorf("sink panic: %v", r)
			}
		}()
		errc <- d.sink.Notify(ctx, n)
	}()

	select {
	case err := <-errc:
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			d.timedOut.Add(1)
		} else {
			d.failed.Add(1)
		}
		return fmt.Errorf("notify %s: %w", n.ConceptName, err)
	case <-ctx.Done():
		d.timedOut.Add(1)
		return fmt.Errorf("notify %s: %w", n.ConceptName, ctx.Err())
	}
}

// Stats returns the dispatcher's outcome counters.
func (d *Dispatcher) Stats() DispatchStats {
	return DispatchStats{
		Cycles:   d.cycles.Load(),
		Sent:     d.sent.Load(),
		Failed:   d.failed.Load(),
		TimedOut: d.timedOut.Load(),
	}
}
