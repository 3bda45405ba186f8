// Package cc implements the pluggable concurrency-control protocols:
// Silo (optimistic), SiloNWR (omittable-write overlay), and
// Two-Phase Locking. All three share the same Protocol shape so
// the transaction object (pkg/txn) can be parameterized over whichever
// one a database was opened with.
package cc

import (
	"github.com/silokv/silokv/pkg/item"
)

// Snapshot is one entry in a transaction's read-set or write-set: the
// fully-qualified key (table + optional secondary-index name) plus the
// DataItem it resolved to and the buffered value a write intends to
// install. Observed is the tid a Read call witnessed, recorded for
// Silo/SiloNWR's anti-dependency validation.
type Snapshot struct {
	Table     string
	IndexName string // "" for a primary-key entry
	Key       string
	It        *item.Item

	Observed item.TxID

	Value     []byte
	Size      int
	Tombstone bool

	// RMW marks a write-set entry that was first read by this same
	// transaction (read-modify-write). It is set together with
	// HadPriorRead; no protocol reads it.
	RMW bool

	// Omitted is set by SiloNWR when this write was absorbed into the
	// pivot dependency graph instead of applied under a lock; other
	// protocols never set it.
	Omitted bool

	// HadPriorRead marks a write-set entry that was already present in
	// the read-set when it was created, so Two-Phase Locking knows to
	// request a lock Upgrade instead of a fresh exclusive acquire.
	HadPriorRead bool

	// Undo fields are populated by Two-Phase Locking's Write before it
	// applies a new value in place, so Abort can restore the prior
	// bytes. Unused by Silo/SiloNWR, which never mutate before commit.
	UndoValid     bool
	Undo          []byte
	UndoSize      int
	UndoTombstone bool
}

// Protocol is the shared concurrency-control abstraction. A
// Transaction calls Read/Write as it executes user operations, then
// Precommit/PostProcessing/Abort exactly once at the end of its
// lifetime.
type Protocol interface {
	// Read resolves the current (value, size, initialized) of it,
	// recording whatever metadata this protocol needs for later
	// validation (e.g. Silo's observed tid).
	Read(it *item.Item) (value []byte, size int, initialized bool, observed item.TxID, err error)

	// Write buffers (Silo/SiloNWR) or immediately applies (2PL) a
	// pending write described by s. s.It is already resolved.
	Write(s *Snapshot) error

	// Precommit validates and, on success, durably installs every
	// write-set entry's value into its DataItem. epoch is the
	// transaction's epoch (the global epoch observed at Begin).
	Precommit(epoch uint32, readSet, writeSet []*Snapshot) error

	// PostProcessing runs after Precommit (or after Abort is decided)
	// with the final outcome, publishing new tids and releasing any
	// locks still held (including read-only locks held by 2PL).
	PostProcessing(committed bool, epoch uint32, readSet, writeSet []*Snapshot)

	// Abort restores whatever this protocol mutated before commit was
	// decided (2PL's undo log; no-op for Silo/SiloNWR, which never
	// mutate before Precommit) and releases any locks it holds.
	Abort(readSet, writeSet []*Snapshot)
}
