package cc

import (
	"testing"

	"github.com/silokv/silokv/pkg/item"
)

func TestSiloReadThenWriteThenPrecommit(t *testing.T) {
	s := NewSilo()
	it := item.New()
	it.Reset([]byte("v1"), 2, nil)

	value, size, initialized, observed, err := s.Read(it)
	if err != nil || !initialized || size != 2 || string(value) != "v1" {
		t.Fatalf("unexpected read: %v %v %v %v", value, size, initialized, err)
	}

	readSet := []*Snapshot{{Key: "k", It: it, Observed: observed}}
	writeSet := []*Snapshot{{Key: "k", It: it, Value: []byte("v2"), Size: 2}}

	if err := s.Precommit(1, readSet, writeSet); err != nil {
		t.Fatalf("unexpected precommit error: %v", err)
	}
	s.PostProcessing(true, 1, readSet, writeSet)

	got, size, initialized := it.Snapshot()
	if !initialized || size != 2 || string(got) != "v2" {
		t.Fatalf("expected committed value v2, got %q", got)
	}
	if it.Tid().Load().Locked() {
		t.Fatal("expected lock bit cleared after PostProcessing")
	}
}

func TestSiloAntiDependencyValidationFails(t *testing.T) {
	s := NewSilo()
	it := item.New()
	it.Reset([]byte("v1"), 2, nil)

	_, _, _, observed, _ := s.Read(it)

	// Another transaction commits a change to the same item first.
	otherWriteSet := []*Snapshot{{Key: "k", It: it, Value: []byte("v2"), Size: 2}}
	if err := s.Precommit(1, nil, otherWriteSet); err != nil {
		t.Fatalf("unexpected error committing the other transaction: %v", err)
	}
	s.PostProcessing(true, 1, nil, otherWriteSet)

	readSet := []*Snapshot{{Key: "k", It: it, Observed: observed}}
	writeSet := []*Snapshot{{Key: "other", It: item.New(), Value: []byte("x"), Size: 1}}
	if err := s.Precommit(1, readSet, writeSet); err == nil {
		t.Fatal("expected anti-dependency validation failure")
	}
}

func TestSiloWriteSetLockExcludesConcurrentPrecommit(t *testing.T) {
	s := NewSilo()
	it := item.New()
	ws := []*Snapshot{{Key: "k", It: it, Value: []byte("a"), Size: 1}}

	if err := s.Precommit(1, nil, ws); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !it.Tid().Load().Locked() {
		t.Fatal("expected item locked after successful precommit (released by PostProcessing)")
	}
	s.PostProcessing(true, 1, nil, ws)
	if it.Tid().Load().Locked() {
		t.Fatal("expected lock released after PostProcessing")
	}
}
