// Package callback implements the per-thread, durable-epoch-gated
// callback engine every commit enqueues an on-commit
// callback tagged with the epoch it committed in, and the callback
// only fires once that epoch is fully durable.
package callback

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/silokv/silokv/pkg/pool"
)

// Outcome is passed to a registered callback when it fires.
type Outcome int

const (
	Committed Outcome = iota
	Aborted
)

func (o Outcome) String() string {
	if o == Committed {
		return "Committed"
	}
	return "Aborted"
}

// Func is a commit/abort notification.
type Func func(Outcome)

type entry struct {
	epoch uint32
	fn    Func
}

// Engine owns one queue per worker plus a shared, work-stealable queue
// for callbacks enqueued with entrusting=true.
type Engine struct {
	p        *pool.Pool
	durable  *atomic.Uint32 // owned by the caller (normally pkg/walog); read-only here
	perQueue []*queue

	sharedMu sync.Mutex
	shared   []entry

	// latestCallbacked publishes, per worker slot, the highest epoch
	// whose callbacks that worker has fully drained. Fence uses the
	// minimum across slots the way the epoch framework takes the
	// minimum online epoch.
	latestCallbacked []*atomic.Uint32
}

type queue struct {
	mu    sync.Mutex
	items []entry
}

// New creates an Engine bound to pool p (one queue per worker slot) and
// a durable-epoch counter owned by the caller — typically the same
// atomic the logger publishes its min-durable-epoch into.
func New(p *pool.Pool, durable *atomic.Uint32) *Engine {
	n := p.Workers()
	e := &Engine{
		p:                p,
		durable:          durable,
		perQueue:         make([]*queue, n),
		latestCallbacked: make([]*atomic.Uint32, n),
	}
	for i := 0; i < n; i++ {
		e.perQueue[i] = &queue{}
		e.latestCallbacked[i] = &atomic.Uint32{}
	}
	return e
}

// Enqueue registers fn to fire once epoch becomes durable. workerSlot
// identifies the calling worker's own queue; it is ignored when
// entrusting is true, in which case fn is placed on the shared
// work-stealing queue instead, so any worker may fire it.
func (e *Engine) Enqueue(workerSlot int, epoch uint32, entrusting bool, fn Func) {
	if entrusting {
		e.sharedMu.Lock()
		e.shared = append(e.shared, entry{epoch: epoch, fn: fn})
		e.sharedMu.Unlock()
		return
	}
	q := e.perQueue[workerSlot]
	q.mu.Lock()
	q.items = append(q.items, entry{epoch: epoch, fn: fn})
	q.mu.Unlock()
}

// AdvanceHook is registered with the epoch framework's OnAdvance so
// that every successful epoch bump drains ready callbacks on every
// worker. newEpoch is unused directly — readiness is judged against
// the caller-owned durable-epoch counter, which may lag newEpoch by
// however long the logger takes to fsync.
func (e *Engine) AdvanceHook(newEpoch uint32) {
	e.p.EnqueueForAllThreadsIndexed(func(slot int) {
		e.drainWorker(slot)
	})
}

func (e *Engine) drainWorker(slot int) {
	durable := e.durable.Load()
	q := e.perQueue[slot]

	q.mu.Lock()
	ready, pending := partition(q.items, durable)
	q.items = pending
	q.mu.Unlock()

	for _, en := range ready {
		en.fn(Committed)
	}

	e.stealShared(durable)

	if durable > 0 {
		bumpMax(e.latestCallbacked[slot], durable)
	}
}

// stealShared lets the draining worker also fire any entrusted
// callback that has become ready, regardless of which worker enqueued
// it — the "work-stealing set" of 
func (e *Engine) stealShared(durable uint32) {
	e.sharedMu.Lock()
	ready, pending := partition(e.shared, durable)
	e.shared = pending
	e.sharedMu.Unlock()

	for _, en := range ready {
		en.fn(Committed)
	}
}

func partition(items []entry, durable uint32) (ready, pending []entry) {
	for _, en := range items {
		if en.epoch <= durable {
			ready = append(ready, en)
		} else {
			pending = append(pending, en)
		}
	}
	return ready, pending
}

func bumpMax(a *atomic.Uint32, v uint32) {
	for {
		cur := a.Load()
		if v <= cur {
			return
		}
		if a.CompareAndSwap(cur, v) {
			return
		}
	}
}

// FireAborted invokes fn immediately with Aborted. Aborted transactions
// never enter the durable-epoch pipeline (nothing was logged), so there
// is nothing to wait for.
func FireAborted(fn Func) {
	if fn != nil {
		fn(Aborted)
	}
}

// WaitForAllCallbacksToBeExecuted spins, polling every pollInterval,
// until every per-worker queue and the shared queue are empty.
func (e *Engine) WaitForAllCallbacksToBeExecuted(pollInterval time.Duration) {
	for {
		empty := true
		for _, q := range e.perQueue {
			q.mu.Lock()
			if len(q.items) > 0 {
				empty = false
			}
			q.mu.Unlock()
			if !empty {
				break
			}
		}
		if empty {
			e.sharedMu.Lock()
			if len(e.shared) > 0 {
				empty = false
			}
			e.sharedMu.Unlock()
		}
		if empty {
			return
		}
		time.Sleep(pollInterval)
	}
}

// LatestCallbackedEpoch returns the minimum, across every worker slot,
// of the highest epoch that worker has fully drained callbacks for.
// Fence uses this to know that every callback up to its target epoch
// has actually fired, not merely that the epoch is durable.
func (e *Engine) LatestCallbackedEpoch() uint32 {
	min := ^uint32(0)
	for _, a := range e.latestCallbacked {
		v := a.Load()
		if v < min {
			min = v
		}
	}
	if min == ^uint32(0) {
		return 0
	}
	return min
}
