package item

import (
	"github.com/cespare/xxhash/v2"
	"github.com/silokv/silokv/pkg/spinlock"
)

// VersionedSet is the 32-bit "mRS"/"mWS" bitmap structure from the
// SiloNWR omittable-write protocol: partitioned into SlotCount
// equal-width saturating-counter slots. Slot width is fixed at compile
// time (here 8 bits / 4 slots), one of the {1,2,4,8,16,32} choices that
// still divide 32 evenly.
type VersionedSet uint32

const (
	SlotBits  = 8
	SlotCount = 32 / SlotBits
	SlotMax   = (1 << SlotBits) - 1
	slotMask  = uint32(SlotMax)
)

// SlotFor hashes a DataItem's stable identity (its arena index or
// address) into a slot in [0, SlotCount).
func SlotFor(identity uint64) int {
	h := xxhash.Sum64(identityBytes(identity))
	return int((h >> 4) % uint64(SlotCount))
}

func identityBytes(id uint64) []byte {
	var b [8]byte
	for i := 0; i < 8; i++ {
		b[i] = byte(id >> (8 * i))
	}
	return b[:]
}

func (vs VersionedSet) get(slot int) uint32 {
	return (uint32(vs) >> (slot * SlotBits)) & slotMask
}

func (vs VersionedSet) set(slot int, v uint32) VersionedSet {
	if v > slotMask {
		v = slotMask
	}
	cleared := uint32(vs) &^ (slotMask << (slot * SlotBits))
	return VersionedSet(cleared | (v << (slot * SlotBits)))
}

// PutHigher bumps slot's counter to max(current, value), saturating.
func (vs VersionedSet) PutHigher(slot int, value uint32) VersionedSet {
	cur := vs.get(slot)
	if value > cur {
		return vs.set(slot, value)
	}
	return vs
}

// PutLower sets slot's counter to min(current, value) when current is
// occupied, otherwise leaves it unoccupied (zero stays zero, per the
// "zero = unoccupied" rule — PutLower never occupies an empty slot).
func (vs VersionedSet) PutLower(slot int, value uint32) VersionedSet {
	cur := vs.get(slot)
	if cur == 0 {
		return vs
	}
	if value < cur {
		return vs.set(slot, value)
	}
	return vs
}

// Merge slotwise-combines two versioned sets by taking the max of each
// slot (saturating), treating zero as "no information" rather than a floor.
func (vs VersionedSet) Merge(other VersionedSet) VersionedSet {
	result := vs
	for s := 0; s < SlotCount; s++ {
		if v := other.get(s); v > result.get(s) {
			result = result.set(s, v)
		}
	}
	return result
}

// GreaterEqual reports vs >= other, ignoring zero slots in other: for
// every slot where other is occupied, vs must be occupied with a value
// >= other's.
func (vs VersionedSet) GreaterEqual(other VersionedSet) bool {
	for s := 0; s < SlotCount; s++ {
		ov := other.get(s)
		if ov == 0 {
			continue
		}
		if vs.get(s) < ov {
			return false
		}
	}
	return true
}

// Greater reports vs > other: GreaterEqual, and strictly greater (or
// occupied where other is not) in at least one slot.
func (vs VersionedSet) Greater(other VersionedSet) bool {
	if !vs.GreaterEqual(other) {
		return false
	}
	for s := 0; s < SlotCount; s++ {
		if vs.get(s) > other.get(s) {
			return true
		}
	}
	return false
}

// Pivot is the 128-bit-logical SiloNWR metadata: the pivot version this
// item is fixed at for the current epoch, plus the merged read/write
// versioned sets. Go has no portable 128-bit CAS, so we manipulate the
// four fields under a dedicated small spinlock embedded alongside them
// rather than a double-wide CAS.
type Pivot struct {
	mu       spinlock.Exclusive
	TargetID uint32
	Epoch    uint32
	MRS      VersionedSet
	MWS      VersionedSet
}

// Snapshot is an immutable copy of a Pivot's fields, taken under the lock.
type Snapshot struct {
	TargetID uint32
	Epoch    uint32
	MRS      VersionedSet
	MWS      VersionedSet
}

func (p *Pivot) Load() Snapshot {
	p.mu.Lock()
	s := Snapshot{TargetID: p.TargetID, Epoch: p.Epoch, MRS: p.MRS, MWS: p.MWS}
	p.mu.Unlock()
	return s
}

// Reset pins the pivot to (targetID, epoch) and clears the versioned
// sets, as happens when a new epoch begins for this item.
func (p *Pivot) Reset(targetID, epoch uint32) {
	p.mu.Lock()
	p.TargetID = targetID
	p.Epoch = epoch
	p.MRS = 0
	p.MWS = 0
	p.mu.Unlock()
}

// CompareAndMerge merges (addRS, addWS) into the pivot if and only if
// its current snapshot still equals expect (a compare-and-swap over the
// whole 128-bit-logical value). Returns the post-merge snapshot and
// whether the merge applied.
func (p *Pivot) CompareAndMerge(expect Snapshot, addRS, addWS VersionedSet) (Snapshot, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cur := Snapshot{TargetID: p.TargetID, Epoch: p.Epoch, MRS: p.MRS, MWS: p.MWS}
	if cur != expect {
		return cur, false
	}
	p.MRS = p.MRS.Merge(addRS)
	p.MWS = p.MWS.Merge(addWS)
	return Snapshot{TargetID: p.TargetID, Epoch: p.Epoch, MRS: p.MRS, MWS: p.MWS}, true
}
