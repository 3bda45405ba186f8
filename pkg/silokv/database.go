package silokv

import (
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/silokv/silokv/pkg/callback"
	"github.com/silokv/silokv/pkg/cc"
	"github.com/silokv/silokv/pkg/checkpoint"
	"github.com/silokv/silokv/pkg/epoch"
	stoerrors "github.com/silokv/silokv/pkg/errors"
	"github.com/silokv/silokv/pkg/item"
	"github.com/silokv/silokv/pkg/metrics"
	"github.com/silokv/silokv/pkg/pool"
	"github.com/silokv/silokv/pkg/table"
	"github.com/silokv/silokv/pkg/txn"
	"github.com/silokv/silokv/pkg/walog"
)

// Database is an opened storage engine: one epoch framework, one
// worker pool, one table dictionary, and (unless disabled) one logger
// coordinator and one checkpointer, all sharing the durable-epoch
// counter that gates the callback engine.
type Database struct {
	cfg    Config
	logger zerolog.Logger

	fw      *epoch.Framework
	pool    *pool.Pool
	proto   cc.Protocol
	dict    *table.Dictionary
	metrics *metrics.Registry

	// durableEpoch is the minimum epoch every thread log has durably
	// flushed (or, with logging disabled, a direct mirror of the global
	// epoch), shared with the callback engine's readiness gate.
	durableEpoch *atomic.Uint32

	logs         *walog.Coordinator
	checkpointer *checkpoint.Checkpointer
	callbacks    *callback.Engine

	slots chan int

	pendingMu        sync.Mutex
	pendingSecondary map[string]map[string]map[string][]string

	closeOnce sync.Once
}

// GenerateKey mints a time-ordered unique primary key (UUIDv7) as a
// convenience for callers who don't have a natural key on hand.
func GenerateKey() string {
	id, err := uuid.NewV7()
	if err != nil {
		panic(err)
	}
	return id.String()
}

// Open builds and starts a Database. Zero-valued Config fields are
// replaced by DefaultConfig's values, except the Enable* booleans and
// OnFatal, which are used as given. If EnableRecovery and
// EnableLogging are both set, Open replays cfg.WorkDir's thread logs
// and checkpoint file before the engine starts accepting transactions.
func Open(cfg Config) (*Database, error) {
	cfg = cfg.withDefaults()

	if cfg.EnableLogging || cfg.EnableCheckpointing {
		if err := os.MkdirAll(cfg.WorkDir, 0o755); err != nil {
			return nil, &stoerrors.DurabilityError{Op: "create work dir", Err: err}
		}
	}

	fw := epoch.New(cfg.MaxThread, cfg.EpochDuration)
	dict := table.NewDictionary(fw, cfg.RehashThreshold)
	dict.EnsureDefaultTable()

	db := &Database{
		cfg:              cfg,
		logger:           *cfg.Logger,
		fw:               fw,
		pool:             pool.New(cfg.MaxThread, cfg.QueueSize),
		proto:            protocolFor(cfg.Protocol),
		dict:             dict,
		metrics:          metrics.New(),
		durableEpoch:     &atomic.Uint32{},
		slots:            make(chan int, cfg.MaxThread),
		pendingSecondary: make(map[string]map[string]map[string][]string),
	}
	for i := 0; i < cfg.MaxThread; i++ {
		db.slots <- i
	}

	resumeEpoch := epoch.Number(1)
	if cfg.EnableRecovery && cfg.EnableLogging {
		state, resume, err := walog.Recover(cfg.WorkDir, cfg.MaxThread)
		if err != nil {
			return nil, &stoerrors.RecoveryError{Op: "replay", Err: err}
		}
		db.applyRecoveredState(state)
		resumeEpoch = resume
	}
	fw.SetGlobalForRecovery(resumeEpoch)

	// OnAdvance hooks must be registered before Start, and in an order
	// that matters: the logger coordinator (or, with logging disabled,
	// a direct epoch mirror) must publish the new durable epoch before
	// the callback engine's drain jobs read it, and the range index's
	// Drain must run once per advance regardless of durability.
	if cfg.EnableLogging {
		coord, err := walog.NewCoordinator(cfg.WorkDir, cfg.MaxThread, db.durableEpoch)
		if err != nil {
			return nil, &stoerrors.DurabilityError{Op: "open log coordinator", Err: err}
		}
		db.logs = coord
		fw.OnAdvance(func(newEpoch epoch.Number) {
			if err := coord.OnAdvance(newEpoch); err != nil {
				db.fatal(&stoerrors.DurabilityError{Op: "flush thread logs", Err: err})
			}
		})
	} else {
		fw.OnAdvance(func(newEpoch epoch.Number) { db.durableEpoch.Store(newEpoch) })
	}

	db.callbacks = callback.New(db.pool, db.durableEpoch)
	fw.OnAdvance(db.callbacks.AdvanceHook)

	fw.OnAdvance(func(newEpoch epoch.Number) {
		for _, name := range dict.TableNames() {
			if tbl, err := dict.Table(name); err == nil {
				tbl.Primary.Range.Drain(newEpoch)
			}
		}
	})

	if cfg.EnableCheckpointing {
		cp := checkpoint.New(dict, fw, cfg.WorkDir, cfg.CheckpointPeriod, db.onCheckpointError)
		if db.logs != nil {
			cp.SetOnComplete(func(completed epoch.Number) {
				if err := db.logs.TruncateAll(completed); err != nil {
					db.fatal(&stoerrors.DurabilityError{Op: "truncate thread logs", Err: err})
				}
			})
		}
		db.checkpointer = cp
		db.checkpointer.Start()
	}

	fw.Start()
	return db, nil
}

func protocolFor(p Protocol) cc.Protocol {
	switch p {
	case ProtocolSiloNWR:
		return cc.NewSiloNWR()
	case ProtocolTwoPL:
		return cc.NewTwoPL()
	default:
		return cc.NewSilo()
	}
}

func (db *Database) onCheckpointError(err error) {
	db.logger.Error().Err(err).Msg("checkpoint cycle failed, retrying next period")
}

func (db *Database) fatal(err error) {
	db.logger.Error().Err(err).Msg("unrecoverable durability failure")
	if db.cfg.OnFatal != nil {
		db.cfg.OnFatal(err)
		return
	}
	os.Exit(1)
}

// applyRecoveredState replays primary-index data directly into the
// dictionary's point/range indices, and stashes secondary-index data
// for replay once the host declares the matching index (secondary-index
// schema, unlike primary data, isn't captured by the WAL or checkpoint,
// so CreateSecondaryIndex must run again after Open before recovered
// secondary content becomes visible).
func (db *Database) applyRecoveredState(state *walog.RecoveredState) {
	for tableName, keys := range state.Primary {
		tbl, err := db.dict.Table(tableName)
		if err != nil {
			tbl, err = db.dict.CreateTable(tableName)
			if err != nil {
				continue
			}
		}
		for key, rec := range keys {
			if rec.Tombstone {
				continue
			}
			tid := rec.Tid
			it := item.New()
			it.Reset(rec.Value, len(rec.Value), &tid)
			tbl.Primary.Points.ForceInsert(key, it)
			tbl.Primary.Range.ForceInsert(key)
		}
	}

	for tableName := range state.Secondary {
		if _, err := db.dict.Table(tableName); err != nil {
			db.dict.CreateTable(tableName)
		}
	}

	db.pendingMu.Lock()
	db.pendingSecondary = state.Secondary
	db.pendingMu.Unlock()
}

// CreateTable declares a new table.
func (db *Database) CreateTable(name string) (*table.Table, error) {
	return db.dict.CreateTable(name)
}

// Table looks up an already-declared table by name.
func (db *Database) Table(name string) (*table.Table, error) {
	return db.dict.Table(name)
}

// CreateSecondaryIndex declares a named secondary index of the given
// type, then replays any recovered pk lists that were waiting for it.
func (db *Database) CreateSecondaryIndex(tableName, indexName string, typ table.DataType, unique bool) (*table.SecondaryIndex, error) {
	si, err := db.dict.CreateSecondaryIndex(tableName, indexName, typ, unique)
	if err != nil {
		return nil, err
	}
	db.replayPendingSecondary(tableName, indexName, si)
	return si, nil
}

func (db *Database) replayPendingSecondary(tableName, indexName string, si *table.SecondaryIndex) {
	db.pendingMu.Lock()
	byIndex := db.pendingSecondary[tableName]
	var byKey map[string][]string
	if byIndex != nil {
		byKey = byIndex[indexName]
		delete(byIndex, indexName)
	}
	db.pendingMu.Unlock()

	for key, pks := range byKey {
		if len(pks) == 0 {
			continue
		}
		buf := table.EncodePKList(pks)
		tid := item.Pack(db.fw.Global(), 0)
		it := si.Points.GetOrInsert(key, item.New)
		it.Reset(buf, len(buf), &tid)
	}
}

// ExecuteTransaction submits proc to the worker pool, fire-and-forget:
// proc runs against a fresh Transaction bound to the default table, is
// committed automatically if proc returns nil and the transaction is
// still running, and onCommit fires with the outcome once the result is
// durable (or immediately with Aborted if proc or commit failed).
func (db *Database) ExecuteTransaction(proc func(tx *txn.Transaction) error, onCommit callback.Func) {
	if !db.pool.Submit(func() { db.runTransaction(proc, onCommit) }) {
		callback.FireAborted(onCommit)
	}
}

func (db *Database) runTransaction(proc func(tx *txn.Transaction) error, onCommit callback.Func) {
	slot := <-db.slots
	defer func() { db.slots <- slot }()

	db.fw.MakeMeOnline(slot)
	defer db.fw.MakeMeOffline(slot)

	ep := db.fw.Global()
	tx := db.newTransaction(ep)

	var abortErr error
	if err := proc(tx); err != nil {
		abortErr = err
		if tx.Status() == txn.Running {
			tx.Abort(err.Error())
		}
	} else if tx.Status() == txn.Running {
		abortErr = tx.Commit()
	}

	db.finishTransaction(tx, slot, ep, abortErr, onCommit)
}

func (db *Database) newTransaction(ep epoch.Number) *txn.Transaction {
	tbl, err := db.dict.Table(table.DefaultTableName)
	if err != nil {
		tbl = db.dict.EnsureDefaultTable()
	}
	tx := txn.New(db.proto, ep, db.dict, tbl)
	if db.checkpointer != nil {
		tx.SetCheckpointGuard(db.checkpointer.NeedsCheckpointing)
	}
	return tx
}

// TxHandle is a transaction begun with BeginTransaction, paired with
// the epoch-framework worker slot it holds until EndTransaction runs.
type TxHandle struct {
	Tx    *txn.Transaction
	slot  int
	epoch epoch.Number
}

// BeginTransaction acquires a worker slot (blocking if every slot is
// already in use) and begins a transaction against the default table.
// The caller must eventually pair this with EndTransaction.
func (db *Database) BeginTransaction() *TxHandle {
	slot := <-db.slots
	db.fw.MakeMeOnline(slot)
	ep := db.fw.Global()
	return &TxHandle{Tx: db.newTransaction(ep), slot: slot, epoch: ep}
}

// EndTransaction commits h's transaction if it is still running, logs
// and enqueues onCommit exactly as ExecuteTransaction would, then
// releases h's worker slot. It reports whether the transaction ended
// committed.
func (db *Database) EndTransaction(h *TxHandle, onCommit callback.Func) bool {
	var abortErr error
	if h.Tx.Status() == txn.Running {
		abortErr = h.Tx.Commit()
	}
	committed := h.Tx.Status() == txn.Committed
	db.finishTransaction(h.Tx, h.slot, h.epoch, abortErr, onCommit)
	db.fw.MakeMeOffline(h.slot)
	db.slots <- h.slot
	return committed
}

func (db *Database) finishTransaction(tx *txn.Transaction, slot int, ep epoch.Number, abortErr error, onCommit callback.Func) {
	protoName := string(db.cfg.Protocol)
	if tx.Status() != txn.Committed {
		db.metrics.RecordAbort(protoName, abortReason(abortErr))
		callback.FireAborted(onCommit)
		return
	}
	db.metrics.RecordCommit(protoName)

	if db.logs != nil {
		if rec := buildLogRecord(ep, tx.WriteSet()); len(rec.Entries) > 0 {
			db.logs.Logger(slot).Enqueue(rec)
		}
	}
	if onCommit != nil {
		db.callbacks.Enqueue(slot, ep, false, onCommit)
	}
}

func abortReason(err error) stoerrors.ConflictReason {
	if ccErr, ok := err.(*stoerrors.CCConflictError); ok {
		return ccErr.Reason
	}
	return stoerrors.WriteConflict
}

func buildLogRecord(ep epoch.Number, writes []*cc.Snapshot) walog.LogRecord {
	entries := make([]walog.LogEntry, 0, len(writes))
	for _, w := range writes {
		tid := w.It.Tid().Load()
		if w.IndexName == "" {
			entries = append(entries, walog.LogEntry{
				Table: w.Table, Key: w.Key, Buffer: w.Value, Tombstone: w.Tombstone, Tid: tid,
			})
			continue
		}
		entries = append(entries, walog.LogEntry{
			Table: w.Table, IndexName: w.IndexName, Key: w.Key,
			PrimaryKeysDelta: table.DecodePKList(w.Value), Tid: tid,
		})
	}
	return walog.LogRecord{Epoch: ep, Entries: entries}
}

// Fence blocks until every transaction committed at or before the
// epoch observed at the call's start is durable, its commit callback
// has fired, and the range index has reconciled its structural
// mutations — the three conditions a caller needs before it can rely
// on a prior commit being externally visible.
func (db *Database) Fence() {
	target := db.fw.Global()
	for {
		if db.durableEpoch.Load() >= target &&
			db.callbacks.LatestCallbackedEpoch() >= target &&
			db.rangeIndicesCaughtUpTo(target) {
			return
		}
		time.Sleep(time.Millisecond)
	}
}

func (db *Database) rangeIndicesCaughtUpTo(target epoch.Number) bool {
	for _, name := range db.dict.TableNames() {
		tbl, err := db.dict.Table(name)
		if err != nil {
			continue
		}
		if tbl.Primary.Range.LastProcessedEpoch() < target {
			return false
		}
	}
	return true
}

// WaitForCheckpoint blocks until a checkpoint cycle has published a
// snapshot covering the epoch observed at the call's start. No-op if
// checkpointing is disabled.
func (db *Database) WaitForCheckpoint() {
	if db.checkpointer == nil {
		return
	}
	target := db.fw.Global()
	for db.checkpointer.CompletedEpoch() < target {
		time.Sleep(time.Millisecond)
	}
}

// Metrics returns the engine's Prometheus registry for the host to
// serve or scrape.
func (db *Database) Metrics() *metrics.Registry { return db.metrics }

// Close stops the checkpointer and epoch writer, drains and joins the
// worker pool, and closes every open log file.
func (db *Database) Close() error {
	var err error
	db.closeOnce.Do(func() {
		if db.checkpointer != nil {
			db.checkpointer.Stop()
		}
		db.fw.Stop()
		db.pool.Shutdown(time.Millisecond)
		if db.logs != nil {
			err = db.logs.Close()
		}
	})
	return err
}
