package cc

import (
	"testing"

	"github.com/silokv/silokv/pkg/item"
)

func TestSiloNWROmitsWhenPivotFresh(t *testing.T) {
	p := NewSiloNWR()
	it := item.New()
	it.Pivot().Reset(0, 1) // pivot pinned to current epoch, fresh

	writeSet := []*Snapshot{{Key: "k", It: it, Value: []byte("v1"), Size: 2}}
	if err := p.Precommit(1, nil, writeSet); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !writeSet[0].Omitted {
		t.Fatal("expected omission to succeed with a fresh same-epoch pivot")
	}
	got, size, initialized := it.Snapshot()
	if !initialized || size != 2 || string(got) != "v1" {
		t.Fatalf("expected omitted write to still apply the value, got %q", got)
	}
}

func TestSiloNWRFallsBackWhenPivotStale(t *testing.T) {
	p := NewSiloNWR()
	it := item.New()
	it.Pivot().Reset(0, 0) // pivot pinned to an older epoch than the transaction's

	writeSet := []*Snapshot{{Key: "k", It: it, Value: []byte("v1"), Size: 2}}
	if err := p.Precommit(1, nil, writeSet); err != nil {
		t.Fatalf("unexpected error falling back: %v", err)
	}
	if writeSet[0].Omitted {
		t.Fatal("expected fallback to the lock path, not omission")
	}
	p.PostProcessing(true, 1, nil, writeSet)
	got, _, _ := it.Snapshot()
	if string(got) != "v1" {
		t.Fatalf("expected locked path to still apply the value, got %q", got)
	}
}

func TestSiloNWRAntiDependencyAbortsOutright(t *testing.T) {
	p := NewSiloNWR()
	it := item.New()
	it.Reset([]byte("v0"), 2, nil)

	_, _, _, observed, _ := p.Read(it)

	// A concurrent transaction commits a write to the same item, changing the tid.
	other := []*Snapshot{{Key: "k", It: it, Value: []byte("v9"), Size: 2}}
	it.Pivot().Reset(0, 0) // pin the pivot to epoch 0, the epoch both transactions run in
	if err := p.Precommit(0, nil, other); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p.PostProcessing(true, 0, nil, other)

	readSet := []*Snapshot{{Key: "k", It: it, Observed: observed}}
	writeSet := []*Snapshot{{Key: "other", It: item.New(), Value: []byte("x"), Size: 1}}
	if err := p.Precommit(0, readSet, writeSet); err == nil {
		t.Fatal("expected anti-dependency failure to abort outright")
	}
}
