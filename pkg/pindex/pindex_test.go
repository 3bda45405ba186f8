package pindex

import (
	"fmt"
	"sync"
	"testing"

	"github.com/silokv/silokv/pkg/item"
)

func TestPutGetRoundTrip(t *testing.T) {
	idx := New(nil, 0.75)
	defer idx.Close()

	it, inserted := idx.Put("alice", item.New)
	if !inserted {
		t.Fatal("expected fresh insert")
	}
	got, ok := idx.Get("alice")
	if !ok || got != it {
		t.Fatal("expected Get to return the same Item pointer")
	}

	_, inserted = idx.Put("alice", item.New)
	if inserted {
		t.Fatal("Put must not overwrite an existing key")
	}
}

func TestGetMissingKey(t *testing.T) {
	idx := New(nil, 0.75)
	defer idx.Close()
	if _, ok := idx.Get("nope"); ok {
		t.Fatal("expected miss")
	}
}

func TestKeyStabilityAcrossRehash(t *testing.T) {
	idx := New(nil, 0.5)
	defer idx.Close()

	refs := make(map[string]*item.Item)
	for i := 0; i < 500; i++ {
		k := fmt.Sprintf("key-%d", i)
		it, _ := idx.Put(k, item.New)
		refs[k] = it
	}

	for k, want := range refs {
		got, ok := idx.Get(k)
		if !ok {
			t.Fatalf("key %s missing after growth", k)
		}
		if got != want {
			t.Fatalf("key %s: address changed across rehash", k)
		}
	}
}

func TestConcurrentPutGet(t *testing.T) {
	idx := New(nil, 0.75)
	defer idx.Close()
	var wg sync.WaitGroup
	n := 200
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			k := fmt.Sprintf("k%d", i)
			idx.Put(k, item.New)
		}(i)
	}
	wg.Wait()
	for i := 0; i < n; i++ {
		k := fmt.Sprintf("k%d", i)
		if _, ok := idx.Get(k); !ok {
			t.Fatalf("missing key %s after concurrent insert", k)
		}
	}
}

func TestGetOrInsert(t *testing.T) {
	idx := New(nil, 0.75)
	defer idx.Close()
	a := idx.GetOrInsert("x", item.New)
	b := idx.GetOrInsert("x", item.New)
	if a != b {
		t.Fatal("GetOrInsert should pin the same item on repeat calls")
	}
}

func TestForceInsertOverwrites(t *testing.T) {
	idx := New(nil, 0.75)
	defer idx.Close()
	first := item.New()
	idx.ForceInsert("y", first)
	second := item.New()
	idx.ForceInsert("y", second)
	got, _ := idx.Get("y")
	if got != second {
		t.Fatal("ForceInsert should overwrite")
	}
}

func TestForEachVisitsAllKeys(t *testing.T) {
	idx := New(nil, 0.75)
	defer idx.Close()
	want := map[string]bool{"a": true, "b": true, "c": true}
	for k := range want {
		idx.Put(k, item.New)
	}
	got := map[string]bool{}
	idx.ForEach(func(key string, it *item.Item) { got[key] = true })
	if len(got) != len(want) {
		t.Fatalf("expected %d keys, got %d", len(want), len(got))
	}
}
