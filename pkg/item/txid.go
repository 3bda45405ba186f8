// Package item implements the DataItem leaf and its TransactionId and
// PivotObject metadata.
package item

import "sync/atomic"

// TxID is the pair (epoch, tid), packed into a single
// uint64 (epoch in the high 32 bits, tid in the low 32) so it can be
// read, compared, and CAS'd atomically without a wrapping lock. The low
// bit of tid encodes "locked" (Silo/SiloNWR spinlock); tid == 0 means
// "no version yet".
type TxID uint64

// Pack builds a TxID from its components.
func Pack(epoch, tid uint32) TxID {
	return TxID(uint64(epoch)<<32 | uint64(tid))
}

// Epoch returns the epoch half.
func (t TxID) Epoch() uint32 { return uint32(t >> 32) }

// Tid returns the tid half (including its lock bit).
func (t TxID) Tid() uint32 { return uint32(t) }

// Locked reports whether the low bit of tid is set.
func (t TxID) Locked() bool { return t.Tid()&1 != 0 }

// WithLockBitSet returns a copy with the lock bit set.
func (t TxID) WithLockBitSet() TxID { return Pack(t.Epoch(), t.Tid()|1) }

// WithLockBitCleared returns a copy with the lock bit cleared.
func (t TxID) WithLockBitCleared() TxID { return Pack(t.Epoch(), t.Tid()&^1) }

// Less reports lexicographic ordering on (epoch, tid).
func (t TxID) Less(o TxID) bool { return t < o }

// Compare returns -1, 0, or 1 comparing t to o lexicographically on (epoch, tid).
func (t TxID) Compare(o TxID) int {
	switch {
	case t < o:
		return -1
	case t > o:
		return 1
	default:
		return 0
	}
}

// AtomicTxID is a TxID guarded for lock-free CAS access, Silo-style.
type AtomicTxID struct {
	v atomic.Uint64
}

func NewAtomicTxID(initial TxID) *AtomicTxID {
	a := &AtomicTxID{}
	a.v.Store(uint64(initial))
	return a
}

func (a *AtomicTxID) Load() TxID { return TxID(a.v.Load()) }

func (a *AtomicTxID) Store(t TxID) { a.v.Store(uint64(t)) }

func (a *AtomicTxID) CompareAndSwap(old, new TxID) bool {
	return a.v.CompareAndSwap(uint64(old), uint64(new))
}
