// Package walog is the per-thread logger: every committed write-set is
// serialized into a LogRecord and appended to the owning worker's
// append-only log file; a coordinator publishes the minimum durable
// epoch across workers atomically, for the callback engine and Fence
// to observe.
//
// The on-disk framing (magic-tagged header, CRC32 Castagnoli payload
// checksum, pooled entry buffers) generalizes a single key/value
// operation's framing to a whole record of entries, one per committed
// transaction's write-set.
package walog

import (
	"bytes"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"io"
	"sync"

	"github.com/silokv/silokv/pkg/item"
)

const (
	recordMagic   uint32 = 0xDEADBEEF
	recordVersion uint8  = 1
	headerSize           = 13 // magic(4) + version(1) + payloadLen(4) + crc32(4)
)

var castagnoliTable = crc32.MakeTable(crc32.Castagnoli)

var (
	ErrInvalidMagic      = errors.New("walog: invalid record header magic")
	ErrChecksumMismatch  = errors.New("walog: payload checksum mismatch")
	ErrInvalidPayloadLen = errors.New("walog: implausible payload length")
)

// LogEntry is one (table, key[, index]) write inside a LogRecord.
// For a primary write, Buffer carries the value (Tombstone set instead
// for a delete). For a secondary-index write, PrimaryKeysDelta carries
// the complete post-write primary-key list for that secondary key, not
// only the keys added in this commit.
type LogEntry struct {
	Table            string
	IndexName        string // "" denotes a primary-index entry
	Key              string
	Buffer           []byte
	Tombstone        bool
	PrimaryKeysDelta []string
	Tid              item.TxID
}

// LogRecord is one precommit's worth of durable write-set, tagged with
// the epoch it committed in.
type LogRecord struct {
	Epoch   uint32
	Entries []LogEntry
}

var bufferPool = sync.Pool{
	New: func() any {
		buf := make([]byte, 0, 4096)
		return &buf
	},
}

func acquireBuffer() *[]byte { return bufferPool.Get().(*[]byte) }

func releaseBuffer(b *[]byte) {
	*b = (*b)[:0]
	bufferPool.Put(b)
}

func putUvarint(buf *bytes.Buffer, v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	buf.Write(tmp[:n])
}

func putString(buf *bytes.Buffer, s string) {
	putUvarint(buf, uint64(len(s)))
	buf.WriteString(s)
}

// encodeRecord serializes rec's fields with no record framing; the
// caller wraps the result in a magic/checksum header via writeFramed.
func encodeRecord(rec LogRecord) []byte {
	bufPtr := acquireBuffer()
	defer releaseBuffer(bufPtr)
	buf := bytes.NewBuffer(*bufPtr)

	putUvarint(buf, uint64(rec.Epoch))
	putUvarint(buf, uint64(len(rec.Entries)))
	for _, e := range rec.Entries {
		putString(buf, e.Table)
		putString(buf, e.IndexName)
		putString(buf, e.Key)
		if e.IndexName == "" {
			buf.WriteByte(0)
			tomb := byte(0)
			if e.Tombstone {
				tomb = 1
			}
			buf.WriteByte(tomb)
			putUvarint(buf, uint64(len(e.Buffer)))
			buf.Write(e.Buffer)
		} else {
			buf.WriteByte(1)
			putUvarint(buf, uint64(len(e.PrimaryKeysDelta)))
			for _, pk := range e.PrimaryKeysDelta {
				putString(buf, pk)
			}
		}
		var tidBuf [8]byte
		binary.BigEndian.PutUint64(tidBuf[:], uint64(e.Tid))
		buf.Write(tidBuf[:])
	}
	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out
}

func readUvarint(r *bytes.Reader) (uint64, error) {
	return binary.ReadUvarint(r)
}

func readString(r *bytes.Reader) (string, error) {
	n, err := readUvarint(r)
	if err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}

// decodeRecord is encodeRecord's inverse.
func decodeRecord(payload []byte) (LogRecord, error) {
	r := bytes.NewReader(payload)
	epoch, err := readUvarint(r)
	if err != nil {
		return LogRecord{}, err
	}
	count, err := readUvarint(r)
	if err != nil {
		return LogRecord{}, err
	}
	rec := LogRecord{Epoch: uint32(epoch), Entries: make([]LogEntry, 0, count)}
	for i := uint64(0); i < count; i++ {
		var e LogEntry
		if e.Table, err = readString(r); err != nil {
			return LogRecord{}, err
		}
		if e.IndexName, err = readString(r); err != nil {
			return LogRecord{}, err
		}
		if e.Key, err = readString(r); err != nil {
			return LogRecord{}, err
		}
		kind, err := r.ReadByte()
		if err != nil {
			return LogRecord{}, err
		}
		if kind == 0 {
			tomb, err := r.ReadByte()
			if err != nil {
				return LogRecord{}, err
			}
			e.Tombstone = tomb != 0
			n, err := readUvarint(r)
			if err != nil {
				return LogRecord{}, err
			}
			e.Buffer = make([]byte, n)
			if _, err := io.ReadFull(r, e.Buffer); err != nil {
				return LogRecord{}, err
			}
		} else {
			n, err := readUvarint(r)
			if err != nil {
				return LogRecord{}, err
			}
			e.PrimaryKeysDelta = make([]string, n)
			for j := uint64(0); j < n; j++ {
				if e.PrimaryKeysDelta[j], err = readString(r); err != nil {
					return LogRecord{}, err
				}
			}
		}
		var tidBuf [8]byte
		if _, err := io.ReadFull(r, tidBuf[:]); err != nil {
			return LogRecord{}, err
		}
		e.Tid = item.TxID(binary.BigEndian.Uint64(tidBuf[:]))
		rec.Entries = append(rec.Entries, e)
	}
	return rec, nil
}

// writeFramed writes payload wrapped in a magic/length/checksum header.
func writeFramed(w io.Writer, payload []byte) (int64, error) {
	var header [headerSize]byte
	binary.BigEndian.PutUint32(header[0:4], recordMagic)
	header[4] = recordVersion
	binary.BigEndian.PutUint32(header[5:9], uint32(len(payload)))
	binary.BigEndian.PutUint32(header[9:13], crc32.Checksum(payload, castagnoliTable))

	n, err := w.Write(header[:])
	if err != nil {
		return int64(n), err
	}
	m, err := w.Write(payload)
	return int64(n + m), err
}

// readFramed reads one framed payload, or io.EOF at a clean end of file.
func readFramed(r io.Reader) ([]byte, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, io.ErrUnexpectedEOF
	}
	magic := binary.BigEndian.Uint32(header[0:4])
	if magic != recordMagic {
		return nil, ErrInvalidMagic
	}
	payloadLen := binary.BigEndian.Uint32(header[5:9])
	if payloadLen > 1<<30 {
		return nil, ErrInvalidPayloadLen
	}
	crc := binary.BigEndian.Uint32(header[9:13])
	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, io.ErrUnexpectedEOF
	}
	if crc32.Checksum(payload, castagnoliTable) != crc {
		return nil, ErrChecksumMismatch
	}
	return payload, nil
}
