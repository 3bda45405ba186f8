package walog

import (
	"sync/atomic"
	"testing"

	"github.com/silokv/silokv/pkg/item"
)

func TestCoordinatorOnAdvancePublishesMinDurableEpoch(t *testing.T) {
	dir := t.TempDir()
	var shared atomic.Uint32
	c, err := NewCoordinator(dir, 3, &shared)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer c.Close()

	c.Logger(0).Enqueue(LogRecord{Epoch: 5, Entries: []LogEntry{{Table: "t", Key: "a", Tid: item.Pack(5, 2)}}})
	c.Logger(1).Enqueue(LogRecord{Epoch: 5, Entries: []LogEntry{{Table: "t", Key: "b", Tid: item.Pack(5, 2)}}})
	// worker 2 has nothing pending but still flushes to the same stable epoch.

	if err := c.OnAdvance(5); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if shared.Load() != 5 {
		t.Fatalf("expected shared durable epoch 5, got %d", shared.Load())
	}

	durFile, err := readDurableEpochFile(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if durFile != 5 {
		t.Fatalf("expected durable_epoch.json to record 5, got %d", durFile)
	}
}

func TestRecoverKeepsHighestTidPerPrimaryKey(t *testing.T) {
	dir := t.TempDir()
	var shared atomic.Uint32
	c, err := NewCoordinator(dir, 2, &shared)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	c.Logger(0).Enqueue(LogRecord{Epoch: 1, Entries: []LogEntry{
		{Table: "users", Key: "k1", Buffer: []byte("v1"), Tid: item.Pack(1, 2)},
	}})
	c.Logger(0).Flush(1)
	c.Logger(1).Enqueue(LogRecord{Epoch: 2, Entries: []LogEntry{
		{Table: "users", Key: "k1", Buffer: []byte("v2"), Tid: item.Pack(2, 2)},
	}})
	c.Logger(1).Flush(2)
	if err := c.OnAdvance(2); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	c.Close()

	state, resumeEpoch, err := Recover(dir, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resumeEpoch != 2 {
		t.Fatalf("expected resume epoch 2, got %d", resumeEpoch)
	}
	rec, ok := state.Primary["users"]["k1"]
	if !ok || string(rec.Value) != "v2" {
		t.Fatalf("expected k1 to resolve to the higher-TID value v2, got %+v ok=%v", rec, ok)
	}
}

func TestRecoverKeepsHighestTidSecondaryIndexList(t *testing.T) {
	dir := t.TempDir()
	var shared atomic.Uint32
	c, err := NewCoordinator(dir, 1, &shared)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// The first write's pk list is {k1}; the second observed and
	// appended to it, logging the full post-write list {k1, k2} (every
	// secondary-index write logs its complete list, not a true delta).
	c.Logger(0).Enqueue(LogRecord{Epoch: 1, Entries: []LogEntry{
		{Table: "users", IndexName: "by_email", Key: "a@x.com", PrimaryKeysDelta: []string{"k1"}, Tid: item.Pack(1, 2)},
	}})
	c.Logger(0).Flush(1)
	c.Logger(0).Enqueue(LogRecord{Epoch: 2, Entries: []LogEntry{
		{Table: "users", IndexName: "by_email", Key: "a@x.com", PrimaryKeysDelta: []string{"k1", "k2"}, Tid: item.Pack(2, 2)},
	}})
	c.Logger(0).Flush(2)
	if err := c.OnAdvance(2); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	c.Close()

	state, _, err := Recover(dir, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	pks := state.Secondary["users"]["by_email"]["a@x.com"]
	if len(pks) != 2 || pks[0] != "k1" || pks[1] != "k2" {
		t.Fatalf("expected the higher-TID record's full list [k1 k2], got %v", pks)
	}
}

func TestRecoverSecondaryIndexReflectsDeletion(t *testing.T) {
	dir := t.TempDir()
	var shared atomic.Uint32
	c, err := NewCoordinator(dir, 1, &shared)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	c.Logger(0).Enqueue(LogRecord{Epoch: 1, Entries: []LogEntry{
		{Table: "users", IndexName: "by_email", Key: "a@x.com", PrimaryKeysDelta: []string{"k1"}, Tid: item.Pack(1, 2)},
	}})
	c.Logger(0).Flush(1)
	// A later delete logs the reduced (here, empty) list at a higher Tid.
	c.Logger(0).Enqueue(LogRecord{Epoch: 2, Entries: []LogEntry{
		{Table: "users", IndexName: "by_email", Key: "a@x.com", PrimaryKeysDelta: nil, Tid: item.Pack(2, 2)},
	}})
	c.Logger(0).Flush(2)
	if err := c.OnAdvance(2); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	c.Close()

	state, _, err := Recover(dir, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pks := state.Secondary["users"]["by_email"]["a@x.com"]; len(pks) != 0 {
		t.Fatalf("expected deletion to win over the stale TID, got %v", pks)
	}
}
