// Package pindex implements the point index: a lock-free,
// open-addressed MPMC hash table mapping string keys to stable
// *item.Item pointers, with concurrent rehashing driven by a dedicated
// background goroutine.
package pindex

import (
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/silokv/silokv/pkg/epoch"
	"github.com/silokv/silokv/pkg/item"
)

const (
	defaultInitialCapacity = 16
	maxProbeDistance       = 100
)

type node struct {
	key    string
	value  *item.Item
	prefix uint64 // first 8 bytes of key, for a cheap compare-before-compare
}

// redirectSentinel marks a cell whose contents moved to the new table
// during a rehash; readers that observe it reload the table pointer and
// restart their probe.
var redirectSentinel = &node{}

type table struct {
	cells []atomic.Pointer[node]
}

func newTable(capacity int) *table {
	return &table{cells: make([]atomic.Pointer[node], capacity)}
}

func (t *table) capacity() int { return len(t.cells) }

func hashKey(key string) uint64 {
	return xxhash.Sum64String(key)
}

func keyPrefix(key string) uint64 {
	var b [8]byte
	n := copy(b[:], key)
	_ = n
	var p uint64
	for i := 0; i < 8; i++ {
		p |= uint64(b[i]) << (8 * i)
	}
	return p
}

func slotFor(h uint64, capacity int) int {
	// slot = hash(key) XOR capacity, mod capacity.
	return int((h ^ uint64(capacity)) % uint64(capacity))
}

// Index is the point index itself.
type Index struct {
	tbl atomic.Pointer[table]
	cnt atomic.Int64

	threshold float64
	epochFW   *epoch.Framework

	rehashMu      sync.Mutex
	rehashSignal  chan struct{}
	rehashRunning atomic.Bool
}

// New constructs an empty Index. fw may be nil if the caller does not
// need rehash to participate in QSBR (tests commonly pass nil).
func New(fw *epoch.Framework, rehashThreshold float64) *Index {
	idx := &Index{
		threshold:    rehashThreshold,
		epochFW:      fw,
		rehashSignal: make(chan struct{}, 1),
	}
	idx.tbl.Store(newTable(defaultInitialCapacity))
	go idx.rehashLoop()
	return idx
}

// Len returns the approximate number of published keys.
func (idx *Index) Len() int { return int(idx.cnt.Load()) }

// Get resolves key to its Item pointer.
func (idx *Index) Get(key string) (*item.Item, bool) {
	h := hashKey(key)
	prefix := keyPrefix(key)
	for {
		t := idx.tbl.Load()
		cap := t.capacity()
		start := slotFor(h, cap)
		redirected := false
		for i := 0; i < cap; i++ {
			slot := (start + i) % cap
			n := t.cells[slot].Load()
			if n == nil {
				return nil, false
			}
			if n == redirectSentinel {
				redirected = true
				break
			}
			if n.prefix == prefix && n.key == key {
				return n.value, true
			}
		}
		if !redirected {
			return nil, false
		}
		// retry against the new table
	}
}

// Put inserts key with a fresh Item iff absent. Returns the published
// Item and whether this call was the one that published it (false if
// the key already existed, in which case the existing Item is returned
// unchanged — Put never overwrites).
func (idx *Index) Put(key string, makeItem func() *item.Item) (*item.Item, bool) {
	h := hashKey(key)
	prefix := keyPrefix(key)
	var newNode *node
	for {
		t := idx.tbl.Load()
		cap := t.capacity()
		start := slotFor(h, cap)
		hops := 0
		redirected := false
		for i := 0; i < cap; i++ {
			slot := (start + i) % cap
			cur := t.cells[slot].Load()
			if cur == nil {
				if newNode == nil {
					newNode = &node{key: key, value: makeItem(), prefix: prefix}
				}
				if t.cells[slot].CompareAndSwap(nil, newNode) {
					n := idx.cnt.Add(1)
					idx.maybeTriggerRehash(int(n), cap)
					return newNode.value, true
				}
				// someone raced us into this slot; re-read and keep probing it
				cur = t.cells[slot].Load()
				if cur == nil {
					continue
				}
			}
			if cur == redirectSentinel {
				redirected = true
				break
			}
			if cur.prefix == prefix && cur.key == key {
				return cur.value, false
			}
			hops++
			if hops > maxProbeDistance {
				idx.signalRehash()
				redirected = true
				break
			}
		}
		if redirected {
			continue
		}
		// table is full without finding a slot within capacity probes; force a rehash
		idx.signalRehash()
	}
}

// GetOrInsert resolves key, creating and publishing a fresh Item via
// makeItem if absent (pinning semantics used by Transaction.Read).
func (idx *Index) GetOrInsert(key string, makeItem func() *item.Item) *item.Item {
	if it, ok := idx.Get(key); ok {
		return it
	}
	it, _ := idx.Put(key, makeItem)
	return it
}

// ForceInsert unconditionally installs key -> it, overwriting an
// existing mapping if present. Used by recovery.
func (idx *Index) ForceInsert(key string, it *item.Item) {
	h := hashKey(key)
	prefix := keyPrefix(key)
	newNode := &node{key: key, value: it, prefix: prefix}
	for {
		t := idx.tbl.Load()
		cap := t.capacity()
		start := slotFor(h, cap)
		redirected := false
		for i := 0; i < cap; i++ {
			slot := (start + i) % cap
			cur := t.cells[slot].Load()
			if cur == nil {
				if t.cells[slot].CompareAndSwap(nil, newNode) {
					idx.cnt.Add(1)
					return
				}
				continue
			}
			if cur == redirectSentinel {
				redirected = true
				break
			}
			if cur.prefix == prefix && cur.key == key {
				t.cells[slot].Store(newNode)
				return
			}
		}
		if !redirected {
			idx.signalRehash()
		}
	}
}

// ForEach walks every published (key, item) pair. It takes the rehash
// mutex to exclude a concurrent rehash — safe alongside concurrent
// reads, but it is a maintenance operation and should not run alongside
// in-flight writes.
func (idx *Index) ForEach(visit func(key string, it *item.Item)) {
	idx.rehashMu.Lock()
	defer idx.rehashMu.Unlock()
	t := idx.tbl.Load()
	for i := range t.cells {
		n := t.cells[i].Load()
		if n != nil && n != redirectSentinel {
			visit(n.key, n.value)
		}
	}
}

func (idx *Index) maybeTriggerRehash(count, capacity int) {
	if float64(count)/float64(capacity) >= idx.threshold {
		idx.signalRehash()
	}
}

func (idx *Index) signalRehash() {
	select {
	case idx.rehashSignal <- struct{}{}:
	default:
	}
}

func (idx *Index) rehashLoop() {
	for range idx.rehashSignal {
		idx.rehashOnce()
	}
}

func (idx *Index) rehashOnce() {
	if !idx.rehashRunning.CompareAndSwap(false, true) {
		return
	}
	defer idx.rehashRunning.Store(false)

	idx.rehashMu.Lock()
	old := idx.tbl.Load()
	oldCap := old.capacity()
	if float64(idx.cnt.Load())/float64(oldCap) < idx.threshold/2 {
		// someone already grew the table past our trigger; nothing to do
		idx.rehashMu.Unlock()
		return
	}
	newCap := oldCap * 2
	nt := newTable(newCap)

	for i := range old.cells {
		for {
			cur := old.cells[i].Load()
			if cur == nil {
				if old.cells[i].CompareAndSwap(nil, redirectSentinel) {
					break
				}
				continue // someone just inserted; retry with the new value
			}
			if cur == redirectSentinel {
				break
			}
			insertIntoTable(nt, cur)
			if old.cells[i].CompareAndSwap(cur, redirectSentinel) {
				break
			}
			// a racing Put replaced the cell (shouldn't happen for the
			// insert-only contract, but stay safe and retry)
		}
	}

	idx.tbl.Store(nt)
	idx.rehashMu.Unlock()

	if idx.epochFW != nil {
		idx.epochFW.Sync()
	}
}

func insertIntoTable(t *table, n *node) {
	h := hashKey(n.key)
	cap := t.capacity()
	start := slotFor(h, cap)
	for i := 0; i < cap; i++ {
		slot := (start + i) % cap
		if t.cells[slot].CompareAndSwap(nil, n) {
			return
		}
	}
	panic("pindex: new table overflowed during rehash")
}

// Close stops the background rehash goroutine. Safe to call once.
func (idx *Index) Close() {
	close(idx.rehashSignal)
}
