package item

import (
	"sync/atomic"

	"github.com/silokv/silokv/pkg/spinlock"
)

var identitySeq atomic.Uint64

// nextIdentity allocates a stable per-Item 64-bit identity. A GC that
// may move objects in future runtimes makes the heap address an
// unreliable long-lived identity, so we use a monotonically increasing
// index instead, which is stable for the Item's whole lifetime by
// construction.
func nextIdentity() uint64 { return identitySeq.Add(1) }

// Item is the DataItem leaf: the value buffer plus version/lock
// metadata shared by every CC protocol and the checkpointer. Its
// address is stable for the lifetime of the database once published
// into an index — indices never move or free an Item after Put.
type Item struct {
	identity uint64

	// tid is both the version and, via its low bit, the
	// Silo/SiloNWR spinlock: odd == locked.
	tid AtomicTxID

	// rw is 2PL's lock, and is also taken (jointly with the tid lock
	// bit) by ExclusiveLock so the checkpointer observes a consistent
	// view regardless of which CC protocol a concurrent writer uses.
	rw spinlock.RW

	pivot Pivot

	bufMu       spinlock.Exclusive
	value       []byte
	size        int
	initialized bool

	checkpointBuf []byte
	checkpointSet bool
}

// New constructs an Item with no value (a tombstone) and tid (0,0).
func New() *Item {
	it := &Item{identity: nextIdentity()}
	it.tid = *NewAtomicTxID(Pack(0, 0))
	return it
}

// Identity returns this Item's stable 64-bit identity, used for Pivot
// slot hashing.
func (it *Item) Identity() uint64 { return it.identity }

// Pivot returns the item's SiloNWR pivot metadata.
func (it *Item) Pivot() *Pivot { return &it.pivot }

// Tid returns the atomic version/lock word.
func (it *Item) Tid() *AtomicTxID { return &it.tid }

// RW returns the 2PL reader/writer lock.
func (it *Item) RW() *spinlock.RW { return &it.rw }

// Initialized reports whether the item currently holds a live value
// (false means logically deleted or never written — a tombstone).
func (it *Item) Initialized() bool {
	it.bufMu.Lock()
	defer it.bufMu.Unlock()
	return it.initialized
}

// Snapshot copies out the current (value, size, initialized) under the
// buffer lock, for readers that only need the bytes, not the lock itself.
func (it *Item) Snapshot() (value []byte, size int, initialized bool) {
	it.bufMu.Lock()
	defer it.bufMu.Unlock()
	out := make([]byte, it.size)
	copy(out, it.value[:it.size])
	return out, it.size, it.initialized
}

// Reset copies bytes into the item's value buffer and marks it
// initialized (size>0) — size==0 denotes a tombstone. If tid is
// non-nil, the version is updated too, atomically with the value swap
// from the point of view of any holder of the exclusive/RW lock.
func (it *Item) Reset(bytes []byte, size int, tid *TxID) {
	it.bufMu.Lock()
	if cap(it.value) < size {
		it.value = make([]byte, size)
	} else {
		it.value = it.value[:size]
	}
	copy(it.value, bytes[:size])
	it.size = size
	it.initialized = size > 0
	it.bufMu.Unlock()
	if tid != nil {
		it.tid.Store(*tid)
	}
}

// ExclusiveLock spins until the tid's lock bit is clear, then CAS-flips
// it, and additionally takes the RW lock exclusively so that lockers
// from either CC protocol observe each other during checkpointing.
func (it *Item) ExclusiveLock() {
	for {
		cur := it.tid.Load()
		if cur.Locked() {
			continue
		}
		if it.tid.CompareAndSwap(cur, cur.WithLockBitSet()) {
			break
		}
	}
	it.rw.LockExclusive()
}

// ExclusiveUnlock clears both locks taken by ExclusiveLock.
func (it *Item) ExclusiveUnlock() {
	it.rw.UnlockExclusive()
	cur := it.tid.Load()
	it.tid.Store(cur.WithLockBitCleared())
}

// CopyLiveVersionToStableVersion clones the current live value into the
// checkpoint buffer if one is not already populated (idempotent), for
// the checkpointer's CPR-consistent snapshot. Caller must hold
// ExclusiveLock.
func (it *Item) CopyLiveVersionToStableVersion() {
	it.bufMu.Lock()
	defer it.bufMu.Unlock()
	if it.checkpointSet {
		return
	}
	buf := make([]byte, it.size)
	copy(buf, it.value[:it.size])
	it.checkpointBuf = buf
	it.checkpointSet = true
}

// TakeCheckpointBuffer returns the checkpoint-time value for this item:
// the frozen checkpoint buffer if one was captured, else the live
// value. It also clears the captured buffer so the next checkpoint
// cycle starts fresh. Caller must hold ExclusiveLock.
func (it *Item) TakeCheckpointBuffer() (value []byte, size int, wasLive bool) {
	it.bufMu.Lock()
	defer it.bufMu.Unlock()
	if it.checkpointSet {
		v := it.checkpointBuf
		s := len(v)
		it.checkpointBuf = nil
		it.checkpointSet = false
		return v, s, false
	}
	out := make([]byte, it.size)
	copy(out, it.value[:it.size])
	return out, it.size, true
}
