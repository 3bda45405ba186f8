package cc

import (
	"runtime"

	"github.com/silokv/silokv/pkg/item"
)

// TwoPL is the pessimistic protocol: reads take the leaf's
// reader/writer lock in shared mode and hold it until commit; writes
// take it exclusively (or upgrade a held shared lock) and apply
// immediately, pushing an undo entry first so Abort can roll back.
type TwoPL struct{}

// NewTwoPL constructs a Two-Phase Locking protocol instance. It is stateless.
func NewTwoPL() *TwoPL { return &TwoPL{} }

// Read acquires the shared lock and holds it for the lifetime of the
// transaction (released by PostProcessing or Abort).
func (p *TwoPL) Read(it *item.Item) (value []byte, size int, initialized bool, observed item.TxID, err error) {
	it.RW().LockShared()
	value, size, initialized = it.Snapshot()
	observed = it.Tid().Load()
	return value, size, initialized, observed, nil
}

// Write upgrades a prior read's shared lock, or acquires exclusive
// directly, records an undo entry, then applies the new value in
// place immediately.
func (p *TwoPL) Write(sn *Snapshot) error {
	it := sn.It
	if sn.HadPriorRead {
		for !it.RW().Upgrade() {
			runtime.Gosched()
		}
	} else {
		it.RW().LockExclusive()
	}

	beforeVal, beforeSize, beforeInit := it.Snapshot()
	sn.Undo = beforeVal
	sn.UndoSize = beforeSize
	sn.UndoTombstone = !beforeInit
	sn.UndoValid = true

	it.Reset(sn.Value, sn.Size, nil)
	return nil
}

// Precommit always succeeds: 2PL enforces serializability through
// locking, not validation.
func (p *TwoPL) Precommit(epoch uint32, readSet, writeSet []*Snapshot) error { return nil }

// PostProcessing publishes a fresh tid for every write-set entry on
// commit, then releases every lock this transaction holds (write-set
// exclusive/upgraded locks and read-set shared locks), in arbitrary
// order. On abort it does nothing: Abort has already restored the
// write-set and released every lock.
func (p *TwoPL) PostProcessing(committed bool, epoch uint32, readSet, writeSet []*Snapshot) {
	if !committed {
		return
	}
	for _, w := range writeSet {
		cur := w.It.Tid().Load()
		var newTid item.TxID
		if cur.Epoch() == epoch {
			newTid = item.Pack(epoch, cur.Tid()+2)
		} else {
			newTid = item.Pack(epoch, 2)
		}
		w.It.Tid().Store(newTid)
	}
	p.release(readSet, writeSet)
}

// release unlocks every write-set item (exclusive) and read-set item
// (shared), each item once.
func (p *TwoPL) release(readSet, writeSet []*Snapshot) {
	released := make(map[*item.Item]bool, len(readSet)+len(writeSet))
	for _, w := range writeSet {
		if !released[w.It] {
			w.It.RW().UnlockExclusive()
			released[w.It] = true
		}
	}
	for _, r := range readSet {
		if !released[r.It] {
			r.It.RW().UnlockShared()
			released[r.It] = true
		}
	}
}

// Abort restores every write-set entry's pre-write bytes, then
// releases every lock, same as a committed PostProcessing's release
// phase but without publishing a new tid.
func (p *TwoPL) Abort(readSet, writeSet []*Snapshot) {
	for _, w := range writeSet {
		if w.UndoValid {
			w.It.Reset(w.Undo, w.UndoSize, nil)
		}
	}
	p.release(readSet, writeSet)
}
