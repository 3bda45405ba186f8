package walog

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/silokv/silokv/pkg/item"
)

// Coordinator owns every worker's Logger plus the durable-epoch
// publication file, durable_epoch.json.
type Coordinator struct {
	dir     string
	loggers []*Logger
	shared  *atomic.Uint32 // published min-durable-epoch, shared with pkg/callback
}

// NewCoordinator opens (or creates) one Logger per worker under dir.
// shared is the atomic the caller's callback.Engine was built with —
// the coordinator is the sole writer into it.
func NewCoordinator(dir string, workerCount int, shared *atomic.Uint32) (*Coordinator, error) {
	c := &Coordinator{dir: dir, shared: shared, loggers: make([]*Logger, workerCount)}
	for i := 0; i < workerCount; i++ {
		l, err := Open(dir, i)
		if err != nil {
			return nil, err
		}
		c.loggers[i] = l
	}
	return c, nil
}

// Logger returns the logger owned by worker slot i.
func (c *Coordinator) Logger(i int) *Logger { return c.loggers[i] }

// OnAdvance flushes every worker's pending records for the new stable
// epoch, then publishes the minimum durable epoch across workers. It
// is meant to be registered with the epoch framework's OnAdvance so it
// runs synchronously on the epoch-writer goroutine, ahead of the
// callback engine's per-worker drain jobs (which read the same shared
// counter this method publishes into).
func (c *Coordinator) OnAdvance(newEpoch uint32) error {
	for _, l := range c.loggers {
		if err := l.Flush(newEpoch); err != nil {
			return err
		}
	}
	min := c.loggers[0].DurableEpoch()
	for _, l := range c.loggers[1:] {
		if d := l.DurableEpoch(); d < min {
			min = d
		}
	}
	return c.publishDurableEpoch(min)
}

// durable_epoch.json holds nothing but the minimum durable epoch as a
// bare textual decimal, not a JSON object — so its bytes are
// bit-exact and independent of this package's encoding choices
// elsewhere.
func (c *Coordinator) publishDurableEpoch(min uint32) error {
	working := filepath.Join(c.dir, "durable_epoch.working")
	final := filepath.Join(c.dir, "durable_epoch.json")

	b := []byte(strconv.FormatUint(uint64(min), 10))
	if err := os.WriteFile(working, b, 0o644); err != nil {
		return fmt.Errorf("walog: write durable epoch working file: %w", err)
	}
	if err := os.Rename(working, final); err != nil {
		return fmt.Errorf("walog: publish durable epoch file: %w", err)
	}
	c.shared.Store(min)
	return nil
}

// TruncateAll drops log records with Epoch ≤ checkpointEpoch from
// every worker's log, once the checkpointer reports that epoch fully
// captured.
func (c *Coordinator) TruncateAll(checkpointEpoch uint32) error {
	for _, l := range c.loggers {
		if err := l.Truncate(checkpointEpoch); err != nil {
			return err
		}
	}
	return nil
}

// WriteCheckpointFile packs rec and atomically publishes it as
// checkpoint.log under dir (write checkpoint.working, fsync, rename),
// the durable artifact the checkpointer (pkg/checkpoint) produces and
// Recover reads back unconditionally.
func WriteCheckpointFile(dir string, rec LogRecord) error {
	working := filepath.Join(dir, "checkpoint.working")
	final := filepath.Join(dir, "checkpoint.log")

	f, err := os.OpenFile(working, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("walog: open checkpoint working file: %w", err)
	}
	if _, err := writeFramed(f, encodeRecord(rec)); err != nil {
		f.Close()
		return fmt.Errorf("walog: write checkpoint record: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("walog: fsync checkpoint working file: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(working, final); err != nil {
		return fmt.Errorf("walog: publish checkpoint file: %w", err)
	}
	return nil
}

// Close closes every worker's logger.
func (c *Coordinator) Close() error {
	var first error
	for _, l := range c.loggers {
		if err := l.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// PrimaryRecord is the recovered state of one primary-index key.
type PrimaryRecord struct {
	Value     []byte
	Tombstone bool
	Tid       item.TxID
}

// RecoveredState is the union of every worker's log plus the
// checkpoint file, filtered to durable entries by Recover's
// recovery algorithm.
type RecoveredState struct {
	// Primary[table][key] is the highest-TID record observed for that key.
	Primary map[string]map[string]PrimaryRecord
	// Secondary[table][index][key] is the highest-TID primary-key list
	// observed for that secondary key. A secondary-index write always
	// logs the full post-write pk list (table.EncodePKList of the whole
	// set, not a true delta), so resolution is last-writer-wins by Tid,
	// the same rule used for primary entries — not an additive union,
	// which would never observe a DeleteSecondaryIndex.
	Secondary map[string]map[string]map[string][]string

	secondaryTid map[string]map[string]map[string]item.TxID
}

func newRecoveredState() *RecoveredState {
	return &RecoveredState{
		Primary:      make(map[string]map[string]PrimaryRecord),
		Secondary:    make(map[string]map[string]map[string][]string),
		secondaryTid: make(map[string]map[string]map[string]item.TxID),
	}
}

// Recover reads durable_epoch.json (if present) to get D, then streams
// every thread_*.log plus checkpoint.log (if present), keeping records
// from the checkpoint unconditionally and log records with
// Epoch ≤ D. It returns the merged state and the epoch the global
// epoch framework should resume from: max(1, D, highest observed TID epoch).
func Recover(dir string, workerCount int) (*RecoveredState, uint32, error) {
	durable, err := readDurableEpochFile(dir)
	if err != nil {
		return nil, 0, err
	}

	state := newRecoveredState()
	maxEpoch := durable

	applyFile := func(path string, unconditional bool) error {
		records, err := decodeFile(path)
		if err != nil {
			return fmt.Errorf("walog: recovery decode %s: %w", path, err)
		}
		for _, rec := range records {
			if !unconditional && rec.Epoch > durable {
				continue
			}
			if rec.Epoch > maxEpoch {
				maxEpoch = rec.Epoch
			}
			for _, e := range rec.Entries {
				if ep := e.Tid.Epoch(); ep > maxEpoch {
					maxEpoch = ep
				}
			}
			applyRecord(state, rec)
		}
		return nil
	}

	if err := applyFile(filepath.Join(dir, "checkpoint.log"), true); err != nil {
		return nil, 0, err
	}
	for i := 0; i < workerCount; i++ {
		path := filepath.Join(dir, fmt.Sprintf("thread_%d.log", i))
		if err := applyFile(path, false); err != nil {
			return nil, 0, err
		}
	}

	if maxEpoch < 1 {
		maxEpoch = 1
	}
	return state, maxEpoch, nil
}

func applyRecord(state *RecoveredState, rec LogRecord) {
	for _, e := range rec.Entries {
		if e.IndexName == "" {
			tbl, ok := state.Primary[e.Table]
			if !ok {
				tbl = make(map[string]PrimaryRecord)
				state.Primary[e.Table] = tbl
			}
			if prev, ok := tbl[e.Key]; !ok || e.Tid.Compare(prev.Tid) > 0 {
				tbl[e.Key] = PrimaryRecord{Value: e.Buffer, Tombstone: e.Tombstone, Tid: e.Tid}
			}
			continue
		}
		byIndex, ok := state.Secondary[e.Table]
		if !ok {
			byIndex = make(map[string]map[string][]string)
			state.Secondary[e.Table] = byIndex
		}
		byKey, ok := byIndex[e.IndexName]
		if !ok {
			byKey = make(map[string][]string)
			byIndex[e.IndexName] = byKey
		}

		tidByIndex, ok := state.secondaryTid[e.Table]
		if !ok {
			tidByIndex = make(map[string]map[string]item.TxID)
			state.secondaryTid[e.Table] = tidByIndex
		}
		tidByKey, ok := tidByIndex[e.IndexName]
		if !ok {
			tidByKey = make(map[string]item.TxID)
			tidByIndex[e.IndexName] = tidByKey
		}

		if prevTid, ok := tidByKey[e.Key]; !ok || e.Tid.Compare(prevTid) > 0 {
			tidByKey[e.Key] = e.Tid
			byKey[e.Key] = append([]string(nil), e.PrimaryKeysDelta...)
		}
	}
}

func readDurableEpochFile(dir string) (uint32, error) {
	path := filepath.Join(dir, "durable_epoch.json")
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("walog: read durable epoch file: %w", err)
	}
	v, err := strconv.ParseUint(strings.TrimSpace(string(b)), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("walog: decode durable epoch file: %w", err)
	}
	return uint32(v), nil
}
