package checkpoint

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/silokv/silokv/pkg/cc"
	"github.com/silokv/silokv/pkg/table"
	"github.com/silokv/silokv/pkg/txn"
	"github.com/silokv/silokv/pkg/walog"
)

type fakeSyncer struct {
	epoch uint32
}

func (f *fakeSyncer) Global() uint32 { return f.epoch }
func (f *fakeSyncer) Sync()          {}

func TestCheckpointerWritesSnapshotFile(t *testing.T) {
	dir := t.TempDir()
	dict := table.NewDictionary(nil, 0.75)
	tbl, err := dict.CreateTable("users")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	proto := cc.NewSilo()
	tx := txn.New(proto, 1, dict, tbl)
	tx.Insert("k1", []byte("v1"), 2)
	if err := tx.Commit(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	syncer := &fakeSyncer{epoch: 1}
	cp := New(dict, syncer, dir, time.Hour, nil)

	if err := cp.runCycle(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cp.CompletedEpoch() == 0 {
		t.Fatal("expected a nonzero completed epoch")
	}

	records, err := decodeCheckpointFile(filepath.Join(dir, "checkpoint.log"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected one checkpoint record, got %d", len(records))
	}
	found := false
	for _, e := range records[0].Entries {
		if e.Table == "users" && e.Key == "k1" && string(e.Buffer) == "v1" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected k1=v1 in checkpoint entries, got %+v", records[0].Entries)
	}
}

func TestNeedsCheckpointingGatesOnPhaseAndEpoch(t *testing.T) {
	dict := table.NewDictionary(nil, 0.75)
	syncer := &fakeSyncer{epoch: 5}
	cp := New(dict, syncer, t.TempDir(), time.Hour, nil)

	if cp.NeedsCheckpointing(5) {
		t.Fatal("expected false at rest")
	}
	cp.phase.Store(int32(InProgress))
	cp.checkpointEpoch.Store(6)
	if !cp.NeedsCheckpointing(5) {
		t.Fatal("expected true for an epoch at or before the checkpoint epoch")
	}
	if cp.NeedsCheckpointing(7) {
		t.Fatal("expected false for an epoch past the checkpoint epoch")
	}
}

// decodeCheckpointFile is a thin test helper around walog.Recover,
// since the on-disk decode path is private to that package.
func decodeCheckpointFile(path string) ([]walog.LogRecord, error) {
	dir := filepath.Dir(path)
	state, _, err := walog.Recover(dir, 0)
	if err != nil {
		return nil, err
	}
	var rec walog.LogRecord
	for table, keys := range state.Primary {
		for key, pr := range keys {
			rec.Entries = append(rec.Entries, walog.LogEntry{Table: table, Key: key, Buffer: pr.Value, Tombstone: pr.Tombstone, Tid: pr.Tid})
		}
	}
	return []walog.LogRecord{rec}, nil
}
