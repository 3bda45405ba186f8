package cc

import (
	stoerrors "github.com/silokv/silokv/pkg/errors"
	"github.com/silokv/silokv/pkg/item"
)

// SiloNWR layers an omittable-write overlay on top of Silo: before
// taking any lock, it tries to prove the transaction's
// writes can be absorbed into the per-item PivotObject dependency
// graph instead of being applied under a lock. Read/Write share Silo's
// data path unchanged.
//
// Simplification (documented as an open-question resolution): an
// in-memory engine cannot skip writing a value outright without losing
// it, so "no locks taken" here means the per-item Silo lock bit is
// skipped — omitted writes still apply their value and bump the tid,
// guarded by the pivot's own compare-and-merge instead of the TTAS
// lock bit.
type SiloNWR struct {
	base *Silo
}

// NewSiloNWR constructs a SiloNWR protocol instance. It is stateless.
func NewSiloNWR() *SiloNWR { return &SiloNWR{base: NewSilo()} }

func (p *SiloNWR) Read(it *item.Item) (value []byte, size int, initialized bool, observed item.TxID, err error) {
	return p.base.Read(it)
}

func (p *SiloNWR) Write(sn *Snapshot) error { return p.base.Write(sn) }

// Precommit first attempts omission; on rejection (other than a
// preemptive anti-dependency failure, which aborts outright) it falls
// back to Silo's lock-and-validate path and then publishes this
// transaction's dependency fingerprint into every touched pivot so
// concurrent NWR attempts observe it.
func (p *SiloNWR) Precommit(epoch uint32, readSet, writeSet []*Snapshot) error {
	omitted, err := p.tryOmit(epoch, readSet, writeSet)
	if err != nil {
		return err
	}
	if omitted {
		return nil
	}

	if err := p.base.Precommit(epoch, readSet, writeSet); err != nil {
		return err
	}

	txMRS, txMWS := mergedSets(readSet, writeSet)
	for _, w := range writeSet {
		publishPivot(w.It, epoch, w.It.Tid().Load().Tid(), txMRS, txMWS)
	}
	for _, r := range readSet {
		publishPivot(r.It, epoch, 0, txMRS, txMWS)
	}
	return nil
}

func (p *SiloNWR) PostProcessing(committed bool, epoch uint32, readSet, writeSet []*Snapshot) {
	if !committed {
		return
	}
	pending := make([]*Snapshot, 0, len(writeSet))
	for _, w := range writeSet {
		if !w.Omitted {
			pending = append(pending, w)
		}
	}
	p.base.PostProcessing(committed, epoch, readSet, pending)
}

func (p *SiloNWR) Abort(readSet, writeSet []*Snapshot) { p.base.Abort(readSet, writeSet) }

func mergedSets(readSet, writeSet []*Snapshot) (item.VersionedSet, item.VersionedSet) {
	var mrs, mws item.VersionedSet
	for _, r := range readSet {
		mrs = mrs.PutHigher(item.SlotFor(r.It.Identity()), 1)
	}
	for _, w := range writeSet {
		mws = mws.PutHigher(item.SlotFor(w.It.Identity()), 1)
	}
	return mrs, mws
}

// publishPivot merges (addRS, addWS) into it's pivot, resetting the
// pivot to the current epoch first if it was still pinned to an older
// one. targetID seeds a freshly-reset pivot; it is ignored when merging
// into an already-current one.
func publishPivot(it *item.Item, epoch uint32, targetID uint32, addRS, addWS item.VersionedSet) {
	piv := it.Pivot()
	for {
		snap := piv.Load()
		if snap.Epoch != epoch {
			piv.Reset(targetID, epoch)
			continue
		}
		if _, ok := piv.CompareAndMerge(snap, addRS, addWS); ok {
			return
		}
	}
}

// tryOmit implements the six steps of the omission path.
func (p *SiloNWR) tryOmit(epoch uint32, readSet, writeSet []*Snapshot) (bool, error) {
	if len(writeSet) == 0 {
		return false, nil
	}

	for {
		readPivots := make([]item.Snapshot, len(readSet))
		for i, r := range readSet {
			readPivots[i] = r.It.Pivot().Load()
		}
		writePivots := make([]item.Snapshot, len(writeSet))
		for i, w := range writeSet {
			writePivots[i] = w.It.Pivot().Load()
		}

		// 2. linearizability: every write-set pivot must be in the current epoch.
		for _, wp := range writePivots {
			if wp.Epoch != epoch {
				return false, nil
			}
		}

		// 3. this transaction's merged read/write sets.
		txMRS, txMWS := mergedSets(readSet, writeSet)

		// 4. dependency-cycle detection against every write-set pivot.
		rejected := false
		for _, wp := range writePivots {
			if wp.MRS.GreaterEqual(txMWS) || wp.MWS.Greater(txMRS) {
				rejected = true
				break
			}
		}
		if rejected {
			return false, nil
		}

		// 5. anti-dependency validation, unlocked (no locks were taken).
		for _, r := range readSet {
			if r.It.Tid().Load() != r.Observed {
				return false, &stoerrors.CCConflictError{Reason: stoerrors.AntiDependency, Key: r.Key}
			}
		}

		// 6. CAS-merge into every touched pivot; any single failure restarts
		// the whole check from fresh snapshots (extra merges already applied
		// by this attempt only make future checks more conservative, never
		// incorrect, so there is nothing to unwind).
		casFailed := false
		for i, r := range readSet {
			if _, ok := r.It.Pivot().CompareAndMerge(readPivots[i], txMRS, txMWS); !ok {
				casFailed = true
				break
			}
		}
		if !casFailed {
			for i, w := range writeSet {
				if _, ok := w.It.Pivot().CompareAndMerge(writePivots[i], txMRS, txMWS); !ok {
					casFailed = true
					break
				}
			}
		}
		if casFailed {
			continue
		}

		for _, w := range writeSet {
			cur := w.It.Tid().Load()
			var newTid item.TxID
			if cur.Epoch() == epoch {
				newTid = item.Pack(epoch, cur.Tid()+2)
			} else {
				newTid = item.Pack(epoch, 2)
			}
			w.It.Reset(w.Value, w.Size, &newTid)
			w.Omitted = true
		}
		return true, nil
	}
}
