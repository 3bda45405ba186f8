// Package rindex implements the range index: an ordered key set that
// avoids phantom anomalies via precision locking instead of locking
// the whole key space. Predicates (scans) and pending structural
// mutations (inserts/deletes) are recorded per epoch and reconciled
// into a stable container by a background manager once the recording
// epoch is guaranteed quiescent.
package rindex

import (
	"sort"
	"sync"
	"sync/atomic"
)

// TxContext identifies the calling transaction for the self-conflict
// skip rule: a transaction's own predicates and structural mutations
// never conflict with itself.
type TxContext uint64

type predicate struct {
	begin string
	end   *string // nil means +infinity
	tx    TxContext
}

func (p predicate) contains(key string) bool {
	if key < p.begin {
		return false
	}
	if p.end != nil && key > *p.end {
		return false
	}
	return true
}

type mutation struct {
	key      string
	isDelete bool
	tx       TxContext
}

type entry struct {
	isDeleted bool
}

// Index is the range index.
type Index struct {
	mu      sync.RWMutex
	keys    []string // sorted ascending, container's stable view
	entries map[string]*entry

	// listMu guards predicateList and insertDeleteList together: a
	// scan's conflict-check-then-record and an insert/delete's
	// conflict-check-then-record must be atomic with respect to each
	// other, or a scan and a mutation inside its range can each pass
	// the other's check before either records its intent.
	listMu           sync.Mutex
	predicateList    map[uint32][]predicate
	insertDeleteList map[uint32][]mutation

	lastProcessedEpoch atomic.Uint32
}

// New constructs an empty range index.
func New() *Index {
	return &Index{
		entries:          make(map[string]*entry),
		predicateList:    make(map[uint32][]predicate),
		insertDeleteList: make(map[uint32][]mutation),
	}
}

// LastProcessedEpoch returns the highest epoch the background manager
// has fully reconciled into the stable container, for Fence() to wait on.
func (idx *Index) LastProcessedEpoch() uint32 { return idx.lastProcessedEpoch.Load() }

// checkAndRecordPredicate reports whether any OTHER transaction's
// pending insert/delete entry falls inside [begin, end]; if not, it
// records p under the same critical section so no concurrent
// insert/delete can slip into the range between the check and the
// record.
func (idx *Index) checkAndRecordPredicate(tx TxContext, begin string, end *string, epoch uint32, p predicate) bool {
	idx.listMu.Lock()
	defer idx.listMu.Unlock()
	for _, muts := range idx.insertDeleteList {
		for _, m := range muts {
			if m.tx == tx {
				continue // self-conflict skip
			}
			if keyInRange(m.key, begin, end) {
				return false
			}
		}
	}
	idx.predicateList[epoch] = append(idx.predicateList[epoch], p)
	return true
}

// checkAndRecordMutation reports whether any OTHER transaction holds a
// predicate covering key; if not, it records m under the same critical
// section so no concurrent scan can observe a range that this mutation
// is about to fall into.
func (idx *Index) checkAndRecordMutation(tx TxContext, key string, epoch uint32, m mutation) bool {
	idx.listMu.Lock()
	defer idx.listMu.Unlock()
	for _, preds := range idx.predicateList {
		for _, p := range preds {
			if p.tx == tx {
				continue
			}
			if p.contains(key) {
				return false
			}
		}
	}
	idx.insertDeleteList[epoch] = append(idx.insertDeleteList[epoch], m)
	return true
}

func keyInRange(key, begin string, end *string) bool {
	if key < begin {
		return false
	}
	if end != nil && key > *end {
		return false
	}
	return true
}

// Scan enumerates keys in [begin, end] ascending ("end absent" means
// [begin, +inf)). visit may cancel early by returning true. Returns
// (count, false) if the range conflicts with another transaction's
// pending insert/delete.
func (idx *Index) Scan(tx TxContext, curEpoch uint32, begin string, end *string, visit func(key string) bool) (int, bool) {
	if !idx.checkAndRecordPredicate(tx, begin, end, curEpoch, predicate{begin: begin, end: end, tx: tx}) {
		return 0, false
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()
	start := sort.SearchStrings(idx.keys, begin)
	count := 0
	for i := start; i < len(idx.keys); i++ {
		k := idx.keys[i]
		if end != nil && k > *end {
			break
		}
		if e := idx.entries[k]; e != nil && e.isDeleted {
			continue
		}
		count++
		if visit(k) {
			break
		}
	}
	return count, true
}

// ScanReverse enumerates keys descending. With end present, the range
// is [begin, end] as with Scan; with end absent, traversal runs from
// the maximum key down to begin, i.e. all keys >= begin, descending.
func (idx *Index) ScanReverse(tx TxContext, curEpoch uint32, begin string, end *string, visit func(key string) bool) (int, bool) {
	if !idx.checkAndRecordPredicate(tx, begin, end, curEpoch, predicate{begin: begin, end: end, tx: tx}) {
		return 0, false
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	hi := len(idx.keys) - 1
	if end != nil {
		// first index with key > *end, minus one, is the last index <= *end
		hi = sort.Search(len(idx.keys), func(i int) bool { return idx.keys[i] > *end }) - 1
	}
	count := 0
	for i := hi; i >= 0; i-- {
		k := idx.keys[i]
		if k < begin {
			break
		}
		if e := idx.entries[k]; e != nil && e.isDeleted {
			continue
		}
		count++
		if visit(k) {
			break
		}
	}
	return count, true
}

// Insert records an intent to insert key in curEpoch. Fails if key
// lies inside another transaction's live predicate.
func (idx *Index) Insert(tx TxContext, curEpoch uint32, key string) bool {
	return idx.checkAndRecordMutation(tx, key, curEpoch, mutation{key: key, isDelete: false, tx: tx})
}

// Delete records an intent to delete key in curEpoch. Symmetric to Insert.
func (idx *Index) Delete(tx TxContext, curEpoch uint32, key string) bool {
	return idx.checkAndRecordMutation(tx, key, curEpoch, mutation{key: key, isDelete: true, tx: tx})
}

// ForceInsert unconditionally installs key into the stable container,
// bypassing predicate checks. Used by recovery and forced blank entries.
func (idx *Index) ForceInsert(key string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.insertLocked(key)
	if e, ok := idx.entries[key]; ok {
		e.isDeleted = false
	} else {
		idx.entries[key] = &entry{}
	}
}

func (idx *Index) insertLocked(key string) {
	i := sort.SearchStrings(idx.keys, key)
	if i < len(idx.keys) && idx.keys[i] == key {
		return
	}
	idx.keys = append(idx.keys, "")
	copy(idx.keys[i+1:], idx.keys[i:])
	idx.keys[i] = key
}

// Contains reports whether key is present (and not deleted) in the
// stable container.
func (idx *Index) Contains(key string) bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	e, ok := idx.entries[key]
	return ok && !e.isDeleted
}

// Drain is the background manager's reconciliation step, invoked once
// per global epoch advance: it computes stable = global-2, drains
// every predicate/mutation entry with epoch <= stable, applies the
// drained mutations to the stable container, and publishes
// LastProcessedEpoch.
func (idx *Index) Drain(globalEpoch uint32) {
	var stable uint32
	if globalEpoch >= 2 {
		stable = globalEpoch - 2
	} else {
		stable = 0
	}

	idx.listMu.Lock()
	for e := range idx.predicateList {
		if e <= stable {
			delete(idx.predicateList, e)
		}
	}
	var toApply []mutation
	for e, muts := range idx.insertDeleteList {
		if e <= stable {
			toApply = append(toApply, muts...)
			delete(idx.insertDeleteList, e)
		}
	}
	idx.listMu.Unlock()

	if len(toApply) > 0 {
		idx.mu.Lock()
		for _, m := range toApply {
			if m.isDelete {
				if e, ok := idx.entries[m.key]; ok {
					e.isDeleted = true
				}
			} else {
				idx.insertLocked(m.key)
				if e, ok := idx.entries[m.key]; ok {
					e.isDeleted = false
				} else {
					idx.entries[m.key] = &entry{}
				}
			}
		}
		idx.mu.Unlock()
	}

	idx.lastProcessedEpoch.Store(stable)
}
