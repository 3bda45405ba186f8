// Package spinlock implements the lock primitives: a TTAS exclusive
// spinlock and a reader/writer lock with upgrade, each encoded in a
// single word. Neither lock is starvation-free; that's acceptable here
// because 2PL aborts under contention are tolerated rather than
// prevented.
package spinlock

import (
	"runtime"
	"sync/atomic"
)

// Exclusive is a test-then-test-and-set spinlock backed by one word.
type Exclusive struct {
	state atomic.Uint32 // 0 = unlocked, 1 = locked
}

// Lock spins (test, then test-and-set) until acquired.
func (l *Exclusive) Lock() {
	backoff := 1
	for {
		if l.state.Load() == 0 && l.state.CompareAndSwap(0, 1) {
			return
		}
		for i := 0; i < backoff; i++ {
			runtime.Gosched()
		}
		if backoff < 1024 {
			backoff *= 2
		}
	}
}

// TryLock attempts to acquire without spinning; returns false on contention.
func (l *Exclusive) TryLock() bool {
	return l.state.Load() == 0 && l.state.CompareAndSwap(0, 1)
}

// Unlock releases the lock. Caller must hold it.
func (l *Exclusive) Unlock() {
	l.state.Store(0)
}

// RW is a single-word reader/writer lock: 0 unlocked, -1 (max uint32)
// exclusive, otherwise readerCount (>=1).
type RW struct {
	// state: 0 = unlocked; lockedExclusive = held exclusively;
	// otherwise the value is the live reader count (>=1).
	state atomic.Uint32
}

const lockedExclusive = ^uint32(0)

// LockShared acquires a shared (reader) hold.
func (l *RW) LockShared() {
	backoff := 1
	for {
		cur := l.state.Load()
		if cur != lockedExclusive {
			if l.state.CompareAndSwap(cur, cur+1) {
				return
			}
		}
		for i := 0; i < backoff; i++ {
			runtime.Gosched()
		}
		if backoff < 1024 {
			backoff *= 2
		}
	}
}

// UnlockShared releases one reader hold.
func (l *RW) UnlockShared() {
	for {
		cur := l.state.Load()
		if cur == 0 || cur == lockedExclusive {
			panic("spinlock: UnlockShared on lock with no reader held")
		}
		if l.state.CompareAndSwap(cur, cur-1) {
			return
		}
	}
}

// LockExclusive acquires the lock exclusively, waiting out any readers
// or existing writer.
func (l *RW) LockExclusive() {
	backoff := 1
	for {
		if l.state.CompareAndSwap(0, lockedExclusive) {
			return
		}
		for i := 0; i < backoff; i++ {
			runtime.Gosched()
		}
		if backoff < 1024 {
			backoff *= 2
		}
	}
}

// TryLockExclusive attempts to acquire exclusively without spinning.
func (l *RW) TryLockExclusive() bool {
	return l.state.CompareAndSwap(0, lockedExclusive)
}

// UnlockExclusive releases an exclusive hold.
func (l *RW) UnlockExclusive() {
	if !l.state.CompareAndSwap(lockedExclusive, 0) {
		panic("spinlock: UnlockExclusive on lock not held exclusively")
	}
}

// Upgrade converts this goroutine's shared hold into an exclusive hold.
// It only succeeds if this goroutine is the sole reader (reader count
// == 1); otherwise it returns false and the caller still holds its
// shared lock.
func (l *RW) Upgrade() bool {
	return l.state.CompareAndSwap(1, lockedExclusive)
}

// IsExclusivelyLocked reports whether the lock is currently held exclusively.
func (l *RW) IsExclusivelyLocked() bool {
	return l.state.Load() == lockedExclusive
}
