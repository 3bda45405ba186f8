package cc

import (
	"runtime"
	"sort"

	stoerrors "github.com/silokv/silokv/pkg/errors"
	"github.com/silokv/silokv/pkg/item"
)

// Silo is the optimistic protocol: reads are validated at precommit
// against freshly re-read tids rather than guarded by locks while the
// transaction runs.
type Silo struct{}

// NewSilo constructs a Silo protocol instance. It is stateless.
func NewSilo() *Silo { return &Silo{} }

// Read spins while it is locked, snapshots (value, size, tid), and
// retries if the tid changed between the lock check and the snapshot.
func (s *Silo) Read(it *item.Item) (value []byte, size int, initialized bool, observed item.TxID, err error) {
	for {
		before := it.Tid().Load()
		if before.Locked() {
			runtime.Gosched()
			continue
		}
		value, size, initialized = it.Snapshot()
		after := it.Tid().Load()
		if after != before {
			continue
		}
		return value, size, initialized, before, nil
	}
}

// Write buffers the pending value in the write-set only; Silo never
// mutates a DataItem before Precommit.
func (s *Silo) Write(sn *Snapshot) error { return nil }

func sortKeyOf(s *Snapshot) string { return s.Table + "\x00" + s.IndexName + "\x00" + s.Key }

func acquireLockBit(it *item.Item) {
	for {
		cur := it.Tid().Load()
		if cur.Locked() {
			runtime.Gosched()
			continue
		}
		if it.Tid().CompareAndSwap(cur, cur.WithLockBitSet()) {
			return
		}
	}
}

func releaseLockBit(it *item.Item) {
	cur := it.Tid().Load()
	it.Tid().Store(cur.WithLockBitCleared())
}

// Precommit implements the four-step validation: sort, lock,
// validate, install.
func (s *Silo) Precommit(epoch uint32, readSet, writeSet []*Snapshot) error {
	sorted := make([]*Snapshot, len(writeSet))
	copy(sorted, writeSet)
	sort.Slice(sorted, func(i, j int) bool { return sortKeyOf(sorted[i]) < sortKeyOf(sorted[j]) })

	locked := make([]*Snapshot, 0, len(sorted))
	for _, w := range sorted {
		acquireLockBit(w.It)
		locked = append(locked, w)
	}
	lockedSet := make(map[*item.Item]bool, len(locked))
	for _, w := range locked {
		lockedSet[w.It] = true
	}

	for _, r := range readSet {
		cur := r.It.Tid().Load()
		expected := r.Observed
		if lockedSet[r.It] {
			expected = expected.WithLockBitSet()
		}
		if cur != expected {
			for _, w := range locked {
				releaseLockBit(w.It)
			}
			return &stoerrors.CCConflictError{Reason: stoerrors.AntiDependency, Key: r.Key}
		}
	}

	for _, w := range sorted {
		w.It.Reset(w.Value, w.Size, nil)
	}
	return nil
}

// PostProcessing publishes each write-set entry's new tid on commit.
// On abort, Precommit has already released every lock it took and
// there is nothing further to do.
func (s *Silo) PostProcessing(committed bool, epoch uint32, readSet, writeSet []*Snapshot) {
	if !committed {
		return
	}
	for _, w := range writeSet {
		cur := w.It.Tid().Load()
		var newTid item.TxID
		if cur.Epoch() == epoch {
			newTid = item.Pack(epoch, (cur.Tid()&^uint32(1))+2)
		} else {
			newTid = item.Pack(epoch, 2)
		}
		w.It.Tid().Store(newTid)
	}
}

// Abort is a no-op: Silo never mutates state before Precommit runs, so
// aborting before Precommit has nothing to undo.
func (s *Silo) Abort(readSet, writeSet []*Snapshot) {}
