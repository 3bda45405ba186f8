package walog

import (
	"bytes"
	"testing"

	"github.com/silokv/silokv/pkg/item"
)

func TestEncodeDecodeRecordRoundTrip(t *testing.T) {
	rec := LogRecord{
		Epoch: 7,
		Entries: []LogEntry{
			{Table: "users", Key: "k1", Buffer: []byte("v1"), Tid: item.Pack(7, 2)},
			{Table: "users", Key: "k2", Tombstone: true, Tid: item.Pack(7, 4)},
			{Table: "users", IndexName: "by_email", Key: "alice@example.com", PrimaryKeysDelta: []string{"k1"}, Tid: item.Pack(7, 2)},
		},
	}
	payload := encodeRecord(rec)
	got, err := decodeRecord(payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Epoch != rec.Epoch || len(got.Entries) != len(rec.Entries) {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if string(got.Entries[0].Buffer) != "v1" {
		t.Fatalf("expected buffer v1, got %q", got.Entries[0].Buffer)
	}
	if !got.Entries[1].Tombstone {
		t.Fatal("expected tombstone entry to round-trip")
	}
	if len(got.Entries[2].PrimaryKeysDelta) != 1 || got.Entries[2].PrimaryKeysDelta[0] != "k1" {
		t.Fatalf("expected delta [k1], got %v", got.Entries[2].PrimaryKeysDelta)
	}
}

func TestWriteReadFramedRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("hello world")
	if _, err := writeFramed(&buf, payload); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, err := readFramed(&buf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("expected %q, got %q", payload, got)
	}
}

func TestReadFramedDetectsChecksumCorruption(t *testing.T) {
	var buf bytes.Buffer
	writeFramed(&buf, []byte("hello world"))
	corrupted := buf.Bytes()
	corrupted[len(corrupted)-1] ^= 0xFF
	if _, err := readFramed(bytes.NewReader(corrupted)); err != ErrChecksumMismatch {
		t.Fatalf("expected ErrChecksumMismatch, got %v", err)
	}
}
