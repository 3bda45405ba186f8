// Package txn implements the Transaction object: the read-set/write-set
// snapshot protocol shared by every concurrency control protocol,
// dispatched against a Table's primary and secondary indices.
package txn

import (
	"sort"
	"sync/atomic"

	"github.com/silokv/silokv/pkg/cc"
	stoerrors "github.com/silokv/silokv/pkg/errors"
	"github.com/silokv/silokv/pkg/item"
	"github.com/silokv/silokv/pkg/pindex"
	"github.com/silokv/silokv/pkg/rindex"
	"github.com/silokv/silokv/pkg/table"
)

// Status is a transaction's lifecycle state.
type Status int

const (
	Running Status = iota
	Committed
	Aborted
)

var ctxCounter atomic.Uint64

func nextContext() rindex.TxContext {
	return rindex.TxContext(ctxCounter.Add(1))
}

// Transaction is one unit of work against a Dictionary, bound to a
// single concurrency-control protocol instance and a single current
// table at a time.
type Transaction struct {
	status Status
	proto  cc.Protocol
	epoch  uint32
	ctx    rindex.TxContext

	dict     *table.Dictionary
	curTable *table.Table

	readSet  []*cc.Snapshot
	writeSet []*cc.Snapshot

	// notNull[pk][indexName] records that this transaction has written
	// pk into the named secondary index at least once, for the NOT-NULL
	// precommit check.
	notNull map[string]map[string]bool

	// checkpointGuard, when set, reports whether a checkpoint currently
	// in flight needs this epoch's writers to preserve their pre-write
	// value (the producer-cooperation rule). Left nil when no
	// checkpointer is wired in.
	checkpointGuard func(epoch uint32) bool
}

// SetCheckpointGuard wires in the checkpointer's NeedsCheckpointing
// predicate. Called once by the database facade after New.
func (t *Transaction) SetCheckpointGuard(guard func(epoch uint32) bool) {
	t.checkpointGuard = guard
}

// New begins a transaction against curTable, using proto for
// concurrency control and epoch as the transaction's captured global
// epoch (used by range-index predicate bookkeeping and by protocols
// that key off the current epoch).
func New(proto cc.Protocol, epoch uint32, dict *table.Dictionary, curTable *table.Table) *Transaction {
	return &Transaction{
		proto:    proto,
		epoch:    epoch,
		ctx:      nextContext(),
		dict:     dict,
		curTable: curTable,
		notNull:  make(map[string]map[string]bool),
	}
}

// Status reports the transaction's current lifecycle state.
func (t *Transaction) Status() Status { return t.status }

// UseTable switches the transaction's current table for subsequent
// operations (reads/writes already recorded keep their original table).
func (t *Transaction) UseTable(tbl *table.Table) { t.curTable = tbl }

// CurrentTable returns the table subsequent operations dispatch against.
func (t *Transaction) CurrentTable() *table.Table { return t.curTable }

func keyInRange(key, begin string, end *string) bool {
	if key < begin {
		return false
	}
	if end != nil && key > *end {
		return false
	}
	return true
}

func (t *Transaction) findWrite(indexName, key string) *cc.Snapshot {
	for _, w := range t.writeSet {
		if w.Table == t.curTable.Name && w.IndexName == indexName && w.Key == key {
			return w
		}
	}
	return nil
}

func (t *Transaction) findRead(indexName, key string) *cc.Snapshot {
	for _, r := range t.readSet {
		if r.Table == t.curTable.Name && r.IndexName == indexName && r.Key == key {
			return r
		}
	}
	return nil
}

// resolveRead implements the read-your-own-writes + repeatable-read
// path shared by Read and ReadSecondaryIndex.
func (t *Transaction) resolveRead(indexName, key string, points *pindex.Index) ([]byte, int, bool, error) {
	if ws := t.findWrite(indexName, key); ws != nil {
		return ws.Value, ws.Size, !ws.Tombstone, nil
	}
	if rs := t.findRead(indexName, key); rs != nil {
		return rs.Value, rs.Size, !rs.Tombstone, nil
	}
	it := points.GetOrInsert(key, item.New)
	value, size, initialized, observed, err := t.proto.Read(it)
	if err != nil {
		t.abortInternal()
		return nil, 0, false, err
	}
	snap := &cc.Snapshot{
		Table:     t.curTable.Name,
		IndexName: indexName,
		Key:       key,
		It:        it,
		Observed:  observed,
		Value:     value,
		Size:      size,
		Tombstone: !initialized,
	}
	t.readSet = append(t.readSet, snap)
	return value, size, initialized, nil
}

// Read resolves key against the current table's primary index.
func (t *Transaction) Read(key string) ([]byte, int, bool, error) {
	if t.status != Running {
		return nil, 0, false, nil
	}
	return t.resolveRead("", key, t.curTable.Primary.Points)
}

func (t *Transaction) applyWrite(indexName, key string, value []byte, size int, tombstone bool) error {
	rmw := t.findRead(indexName, key) != nil
	if ws := t.findWrite(indexName, key); ws != nil {
		t.protectCheckpointVersion(ws.It)
		ws.Value = value
		ws.Size = size
		ws.Tombstone = tombstone
		if err := t.proto.Write(ws); err != nil {
			t.abortInternal()
			return err
		}
		return nil
	}

	var points *pindex.Index
	if indexName == "" {
		points = t.curTable.Primary.Points
	} else {
		si, err := t.curTable.Secondary(indexName)
		if err != nil {
			t.abortInternal()
			return err
		}
		points = si.Points
	}

	it := points.GetOrInsert(key, item.New)
	t.protectCheckpointVersion(it)
	snap := &cc.Snapshot{
		Table:        t.curTable.Name,
		IndexName:    indexName,
		Key:          key,
		It:           it,
		Value:        value,
		Size:         size,
		Tombstone:    tombstone,
		RMW:          rmw,
		HadPriorRead: rmw,
	}
	if err := t.proto.Write(snap); err != nil {
		t.abortInternal()
		return err
	}
	t.writeSet = append(t.writeSet, snap)
	return nil
}

// Insert records a fresh primary-key write, first reserving the key in
// the range index to detect phantom conflicts with a concurrent scan.
func (t *Transaction) Insert(key string, bytes []byte, size int) error {
	if t.status != Running {
		return nil
	}
	if !t.curTable.Primary.Range.Insert(t.ctx, t.epoch, key) {
		t.abortInternal()
		return &stoerrors.CCConflictError{Reason: stoerrors.PhantomConflict, Key: key}
	}
	return t.applyWrite("", key, bytes, size, false)
}

// Update overwrites an existing primary key. It aborts if the key has
// no existing or pending value.
func (t *Transaction) Update(key string, bytes []byte, size int) error {
	if t.status != Running {
		return nil
	}
	if ws := t.findWrite("", key); ws != nil && !ws.Tombstone {
		return t.applyWrite("", key, bytes, size, false)
	}
	_, _, initialized, err := t.Read(key)
	if err != nil {
		return err
	}
	if !initialized {
		t.abortInternal()
		return &stoerrors.UpdateOnMissingKeyError{Table: t.curTable.Name, Key: key}
	}
	return t.applyWrite("", key, bytes, size, false)
}

// Delete reserves the key's removal in the range index, then writes a
// tombstone (a zero-length value) through the normal write path.
func (t *Transaction) Delete(key string) error {
	if t.status != Running {
		return nil
	}
	if !t.curTable.Primary.Range.Delete(t.ctx, t.epoch, key) {
		t.abortInternal()
		return &stoerrors.CCConflictError{Reason: stoerrors.PhantomConflict, Key: key}
	}
	return t.applyWrite("", key, nil, 0, true)
}

// Scan enumerates primary keys in [begin, end] (ascending, or
// descending when ascending is false), unioning the range index's
// stable view with this transaction's own uncommitted write-set.
func (t *Transaction) Scan(begin string, end *string, ascending bool, visit func(key string, value []byte) bool) error {
	if t.status != Running {
		return nil
	}

	var keys []string
	collect := func(k string) bool { keys = append(keys, k); return false }

	var ok bool
	if ascending {
		_, ok = t.curTable.Primary.Range.Scan(t.ctx, t.epoch, begin, end, collect)
	} else {
		_, ok = t.curTable.Primary.Range.ScanReverse(t.ctx, t.epoch, begin, end, collect)
	}
	if !ok {
		t.abortInternal()
		return &stoerrors.CCConflictError{Reason: stoerrors.PhantomConflict, Key: begin}
	}

	seen := make(map[string]bool, len(keys))
	for _, k := range keys {
		seen[k] = true
	}
	for _, w := range t.writeSet {
		if w.Table != t.curTable.Name || w.IndexName != "" {
			continue
		}
		if !keyInRange(w.Key, begin, end) || seen[w.Key] {
			continue
		}
		keys = append(keys, w.Key)
		seen[w.Key] = true
	}

	sort.Strings(keys)
	if !ascending {
		for i, j := 0, len(keys)-1; i < j; i, j = i+1, j-1 {
			keys[i], keys[j] = keys[j], keys[i]
		}
	}

	for _, k := range keys {
		if ws := t.findWrite("", k); ws != nil {
			if ws.Tombstone {
				continue
			}
			if visit(k, ws.Value) {
				break
			}
			continue
		}
		value, _, initialized, err := t.Read(k)
		if err != nil {
			return err
		}
		if !initialized {
			continue
		}
		if visit(k, value) {
			break
		}
	}
	return nil
}

// ReadSecondaryIndex decodes the primary-key list currently stored
// under keyBytes in the named secondary index.
func (t *Transaction) ReadSecondaryIndex(indexName, keyBytes string) ([]string, error) {
	if t.status != Running {
		return nil, nil
	}
	si, err := t.curTable.Secondary(indexName)
	if err != nil {
		t.abortInternal()
		return nil, err
	}
	val, _, initialized, err := t.resolveRead(indexName, keyBytes, si.Points)
	if err != nil {
		return nil, err
	}
	if !initialized {
		return nil, nil
	}
	return table.DecodePKList(val), nil
}

// WriteSecondaryIndex inserts pk into the primary-key list stored
// under keyBytes, enforcing the index's UNIQUE constraint if declared,
// and records NOT-NULL progress for pk.
func (t *Transaction) WriteSecondaryIndex(indexName, keyBytes, pk string) error {
	if t.status != Running {
		return nil
	}
	if pk == "" {
		t.abortInternal()
		return &stoerrors.PrimaryKeyNotDefinedError{Table: t.curTable.Name, Index: indexName}
	}
	si, err := t.curTable.Secondary(indexName)
	if err != nil {
		t.abortInternal()
		return err
	}
	pks, err := t.ReadSecondaryIndex(indexName, keyBytes)
	if err != nil {
		return err
	}
	for _, p := range pks {
		if p != pk && si.Unique {
			t.abortInternal()
			return &stoerrors.CCConflictError{Reason: stoerrors.UniqueViolation, Key: keyBytes}
		}
	}
	present := false
	for _, p := range pks {
		if p == pk {
			present = true
			break
		}
	}
	if !present {
		pks = append(pks, pk)
	}
	buf := table.EncodePKList(pks)
	if err := t.applyWrite(indexName, keyBytes, buf, len(buf), false); err != nil {
		return err
	}
	t.markNotNullWritten(pk, indexName)
	return nil
}

// UpdateSecondaryIndex moves pk from oldKey to newKey within indexName.
func (t *Transaction) UpdateSecondaryIndex(indexName, oldKey, newKey, pk string) error {
	if t.status != Running {
		return nil
	}
	if oldKey != "" && oldKey != newKey {
		if err := t.DeleteSecondaryIndex(indexName, oldKey, pk); err != nil {
			return err
		}
	}
	return t.WriteSecondaryIndex(indexName, newKey, pk)
}

// DeleteSecondaryIndex removes pk from the primary-key list stored
// under keyBytes.
func (t *Transaction) DeleteSecondaryIndex(indexName, keyBytes, pk string) error {
	if t.status != Running {
		return nil
	}
	pks, err := t.ReadSecondaryIndex(indexName, keyBytes)
	if err != nil {
		return err
	}
	out := make([]string, 0, len(pks))
	for _, p := range pks {
		if p != pk {
			out = append(out, p)
		}
	}
	buf := table.EncodePKList(out)
	return t.applyWrite(indexName, keyBytes, buf, len(buf), len(out) == 0)
}

// protectCheckpointVersion implements the producer-cooperation rule:
// a writer that observes a checkpoint in flight for its epoch must
// freeze the item's pre-write value into its checkpoint buffer before
// mutating it, so the checkpointer's concurrent snapshot still reads
// the value as of the start of the checkpoint epoch.
// CopyLiveVersionToStableVersion is idempotent, so calling this more
// than once per item within the same transaction is harmless.
func (t *Transaction) protectCheckpointVersion(it *item.Item) {
	if t.checkpointGuard == nil || !t.checkpointGuard(t.epoch) {
		return
	}
	it.ExclusiveLock()
	it.CopyLiveVersionToStableVersion()
	it.ExclusiveUnlock()
}

func (t *Transaction) markNotNullWritten(pk, indexName string) {
	set, ok := t.notNull[pk]
	if !ok {
		set = make(map[string]bool)
		t.notNull[pk] = set
	}
	set[indexName] = true
}

// checkNotNull enforces the rule that every newly-written primary key
// must have received at least one write to every secondary index
// registered on its table before precommit.
func (t *Transaction) checkNotNull() error {
	for _, w := range t.writeSet {
		if w.IndexName != "" || w.Tombstone {
			continue
		}
		tbl, err := t.dict.Table(w.Table)
		if err != nil {
			continue
		}
		required := tbl.SecondaryNames()
		if len(required) == 0 {
			continue
		}
		written := t.notNull[w.Key]
		for _, name := range required {
			if !written[name] {
				return &stoerrors.CCConflictError{Reason: stoerrors.NotNullViolation, Key: w.Key}
			}
		}
	}
	return nil
}

func (t *Transaction) abortInternal() {
	if t.status != Running {
		return
	}
	t.status = Aborted
	t.proto.Abort(t.readSet, t.writeSet)
	t.proto.PostProcessing(false, t.epoch, t.readSet, t.writeSet)
}

// Abort flips status, undoes any in-place mutation the protocol made,
// and releases any locks it holds.
func (t *Transaction) Abort(reason string) error {
	if t.status != Running {
		return nil
	}
	t.abortInternal()
	return &stoerrors.UserAbortError{Reason: reason}
}

// Commit runs the NOT-NULL check and the protocol's Precommit; on
// success it publishes the new state via PostProcessing(true, ...).
func (t *Transaction) Commit() error {
	if t.status != Running {
		return nil
	}
	if err := t.checkNotNull(); err != nil {
		t.status = Aborted
		t.proto.Abort(t.readSet, t.writeSet)
		t.proto.PostProcessing(false, t.epoch, t.readSet, t.writeSet)
		return err
	}
	if err := t.proto.Precommit(t.epoch, t.readSet, t.writeSet); err != nil {
		t.status = Aborted
		t.proto.PostProcessing(false, t.epoch, t.readSet, t.writeSet)
		return err
	}
	t.status = Committed
	t.proto.PostProcessing(true, t.epoch, t.readSet, t.writeSet)
	return nil
}

// ReadSet and WriteSet expose the recorded snapshots for the logger
// and callback engine to consume after a successful Commit.
func (t *Transaction) ReadSet() []*cc.Snapshot  { return t.readSet }
func (t *Transaction) WriteSet() []*cc.Snapshot { return t.writeSet }

// Epoch returns the epoch this transaction captured at Begin.
func (t *Transaction) Epoch() uint32 { return t.epoch }
