package walog

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
)

// Logger owns one worker's append-only log file plus its in-memory
// pending-record vector. Transactions holding this logger's worker slot
// append records, and the coordinator's Flush writes the file from the
// epoch-writer goroutine; the mutex serializes the two.
type Logger struct {
	mu      sync.Mutex
	path    string
	file    *os.File
	writer  *bufio.Writer
	pending []LogRecord

	durable atomic.Uint32
}

// Open creates or appends to thread_<workerID>.log under dir.
func Open(dir string, workerID int) (*Logger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("walog: create work dir: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("thread_%d.log", workerID))
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("walog: open %s: %w", path, err)
	}
	return &Logger{
		path:   path,
		file:   f,
		writer: bufio.NewWriterSize(f, 64*1024),
	}, nil
}

// Path returns the underlying log file's path (used by recovery and truncation).
func (l *Logger) Path() string { return l.path }

// Enqueue appends rec to the pending vector. Called by the transaction
// holding this logger's worker slot after a successful commit; the
// mutex serializes it against a concurrent Flush, which
// Coordinator.OnAdvance runs on the epoch-writer goroutine.
func (l *Logger) Enqueue(rec LogRecord) {
	l.mu.Lock()
	l.pending = append(l.pending, rec)
	l.mu.Unlock()
}

// Flush packs every pending record, writes and fsyncs them, then bumps
// this thread's durable epoch to stableEpoch. Called once per epoch
// advance for every logger by Coordinator.OnAdvance, on the
// epoch-writer goroutine.
func (l *Logger) Flush(stableEpoch uint32) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, rec := range l.pending {
		payload := encodeRecord(rec)
		if _, err := writeFramed(l.writer, payload); err != nil {
			return fmt.Errorf("walog: write record: %w", err)
		}
	}
	if err := l.writer.Flush(); err != nil {
		return fmt.Errorf("walog: flush buffer: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("walog: fsync: %w", err)
	}
	l.pending = l.pending[:0]
	l.durable.Store(stableEpoch)
	return nil
}

// DurableEpoch returns the highest epoch this logger has fsynced.
func (l *Logger) DurableEpoch() uint32 { return l.durable.Load() }

// Close flushes any buffered bytes (not pending records — callers must
// Flush first) and closes the file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.writer.Flush(); err != nil {
		l.file.Close()
		return err
	}
	return l.file.Close()
}

// Truncate drops every record with Epoch ≤ checkpointEpoch from the
// head of the log by decoding the whole file and rewriting only the
// surviving records — a reopen-and-rewrite strategy that avoids
// needing file-hole punching.
func (l *Logger) Truncate(checkpointEpoch uint32) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.writer.Flush(); err != nil {
		return err
	}
	if err := l.file.Sync(); err != nil {
		return err
	}

	records, err := decodeFile(l.path)
	if err != nil {
		return fmt.Errorf("walog: decode for truncation: %w", err)
	}
	kept := records[:0]
	for _, rec := range records {
		if rec.Epoch > checkpointEpoch {
			kept = append(kept, rec)
		}
	}

	tmpPath := l.path + ".rewrite"
	tmp, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("walog: open rewrite file: %w", err)
	}
	bw := bufio.NewWriterSize(tmp, 64*1024)
	for _, rec := range kept {
		if _, err := writeFramed(bw, encodeRecord(rec)); err != nil {
			tmp.Close()
			return err
		}
	}
	if err := bw.Flush(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := l.file.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, l.path); err != nil {
		return fmt.Errorf("walog: rename rewritten log: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	l.file = f
	l.writer = bufio.NewWriterSize(f, 64*1024)
	return nil
}

// decodeFile streams every framed LogRecord out of path. Used by both
// Truncate and recovery.
func decodeFile(path string) ([]LogRecord, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := bufio.NewReaderSize(f, 64*1024)
	var records []LogRecord
	for {
		payload, err := readFramed(r)
		if err != nil {
			if isTruncatedTail(err) {
				break
			}
			return records, err
		}
		rec, err := decodeRecord(payload)
		if err != nil {
			return records, fmt.Errorf("walog: decode record in %s: %w", path, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

// isTruncatedTail reports whether err is the kind readFramed returns
// when a crash lands mid-write to the last record in the file: a
// short header/payload read, or a header whose magic/checksum/length
// field never got fully flushed. In an append-only log this can only
// happen at the tail, so recovery treats it as end-of-log rather than
// a hard failure, per the torn-write tolerance every WAL needs.
func isTruncatedTail(err error) bool {
	switch {
	case err == io.EOF:
		return true
	case errors.Is(err, io.ErrUnexpectedEOF):
		return true
	case errors.Is(err, ErrInvalidMagic):
		return true
	case errors.Is(err, ErrChecksumMismatch):
		return true
	case errors.Is(err, ErrInvalidPayloadLen):
		return true
	default:
		return false
	}
}
