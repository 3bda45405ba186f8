// Package errors defines the typed error taxonomy used across the engine.
//
// Each error kind is its own exported struct rather than a sentinel
// value or a single wrapped error type. CCConflictError additionally
// carries a Reason so callers (and the callback engine) can tell
// precommit failures apart without string matching.
package errors

import "fmt"

// TableAlreadyExistsError is returned by CreateTable when the name is taken.
type TableAlreadyExistsError struct {
	Name string
}

func (e *TableAlreadyExistsError) Error() string {
	return fmt.Sprintf("table %q already exists", e.Name)
}

// TableNotFoundError is returned whenever a table name does not resolve.
type TableNotFoundError struct {
	Name string
}

func (e *TableNotFoundError) Error() string {
	return fmt.Sprintf("table %q not found", e.Name)
}

// IndexNotFoundError is returned when a secondary index name does not resolve.
type IndexNotFoundError struct {
	Table string
	Name  string
}

func (e *IndexNotFoundError) Error() string {
	return fmt.Sprintf("index %q not found on table %q", e.Name, e.Table)
}

// IndexAlreadyExistsError is returned by CreateSecondaryIndex on a duplicate name.
type IndexAlreadyExistsError struct {
	Table string
	Name  string
}

func (e *IndexAlreadyExistsError) Error() string {
	return fmt.Sprintf("index %q already exists on table %q", e.Name, e.Table)
}

// InvalidKeyTypeError is returned when a secondary-index key does not match
// the type the index was declared with.
type InvalidKeyTypeError struct {
	Name     string
	TypeName string
}

func (e *InvalidKeyTypeError) Error() string {
	return fmt.Sprintf("invalid key type for index %q: %s", e.Name, e.TypeName)
}

// UpdateOnMissingKeyError is returned by Transaction.Update when the
// target key has no existing (or pending, same-transaction) value.
type UpdateOnMissingKeyError struct {
	Table string
	Key   string
}

func (e *UpdateOnMissingKeyError) Error() string {
	return fmt.Sprintf("update on missing key %q in table %q", e.Key, e.Table)
}

// PrimaryKeyNotDefinedError is returned when a secondary-index write
// is attempted without an associated primary key.
type PrimaryKeyNotDefinedError struct {
	Table string
	Index string
}

func (e *PrimaryKeyNotDefinedError) Error() string {
	return fmt.Sprintf("no primary key supplied for write to index %q on table %q", e.Index, e.Table)
}

// UserAbortError wraps a transaction's own call to Abort().
type UserAbortError struct {
	Reason string
}

func (e *UserAbortError) Error() string {
	if e.Reason == "" {
		return "transaction aborted by user"
	}
	return fmt.Sprintf("transaction aborted by user: %s", e.Reason)
}

// ConflictReason enumerates why precommit rejected a transaction.
type ConflictReason int

const (
	AntiDependency ConflictReason = iota
	WriteConflict
	UniqueViolation
	NotNullViolation
	PhantomConflict
	KeyExists
)

func (r ConflictReason) String() string {
	switch r {
	case AntiDependency:
		return "anti-dependency"
	case WriteConflict:
		return "write-conflict"
	case UniqueViolation:
		return "unique-violation"
	case NotNullViolation:
		return "not-null-violation"
	case PhantomConflict:
		return "phantom-conflict"
	case KeyExists:
		return "key-exists"
	default:
		return "unknown"
	}
}

// CCConflictError is returned whenever a concurrency-control protocol
// rejects a transaction at precommit (or earlier, e.g. range-index
// phantom detection). It is always recovered locally: the transaction
// is marked Aborted and the host's on-commit callback fires Aborted.
type CCConflictError struct {
	Reason ConflictReason
	Key    string
}

func (e *CCConflictError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("concurrency conflict: %s", e.Reason)
	}
	return fmt.Sprintf("concurrency conflict on key %q: %s", e.Key, e.Reason)
}

// DurabilityError marks a failure to persist a log/checkpoint record.
// Per spec, durability is a hard invariant: the host is expected to
// terminate the process rather than continue with a possible silent
// data loss.
type DurabilityError struct {
	Op  string
	Err error
}

func (e *DurabilityError) Error() string {
	return fmt.Sprintf("durability failure during %s: %v", e.Op, e.Err)
}

func (e *DurabilityError) Unwrap() error { return e.Err }

// RecoveryError marks a fatal failure while replaying the WAL or checkpoint.
type RecoveryError struct {
	Op  string
	Err error
}

func (e *RecoveryError) Error() string {
	return fmt.Sprintf("recovery failure during %s: %v", e.Op, e.Err)
}

func (e *RecoveryError) Unwrap() error { return e.Err }
