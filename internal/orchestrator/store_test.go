package orchestrator

import (
	"sort"
	"testing"

	"dvr-bridge/internal/manifest"
)

func TestInMemoryStore_GetPut(t *testing.T) {
	store := NewInMemoryStore()

	_, ok := store.Get(StreamID("s1"))
	if ok {
		t.Error("expected not found for empty store")
	}

	st := NewStream("s1", manifest.Rendition{URL: leafURL}, Deps{})
	store.Put(st)

	got, ok := store.Get(StreamID("s1"))
	if !ok || got != st {
		t.Errorf("Get: ok=%v, got %p want %p", ok, got, st)
	}
	if store.Len() != 1 {
		t.Errorf("expected len 1, got %d", store.Len())
	}
}

func TestInMemoryStore_Put_replaces(t *testing.T) {
	store := NewInMemoryStore()
	st1 := NewStream("s1", manifest.Rendition{URL: leafURL}, Deps{})
	st2 := NewStream("s1", manifest.Rendition{URL: leafURL}, Deps{})
	store.Put(st1)
	store.Put(st2)

	got, ok := store.Get(StreamID("s1"))
	if !ok || got != st2 {
		t.Errorf("Put should replace: got %p want %p", got, st2)
	}
}

func TestInMemoryStore_CompareAndDelete(t *testing.T) {
	store := NewInMemoryStore()
	old := NewStream("s1", manifest.Rendition{URL: leafURL}, Deps{})
	cur := NewStream("s1", manifest.Rendition{URL: leafURL}, Deps{})
	store.Put(cur)

	if store.CompareAndDelete("s1", old) {
		t.Error("a stale instance must not remove the current one")
	}
	if _, ok := store.Get("s1"); !ok {
		t.Fatal("current stream was removed")
	}
	if !store.CompareAndDelete("s1", cur) {
		t.Error("expected current instance to be removed")
	}
	if store.Len() != 0 {
		t.Errorf("expected empty store, got %d", store.Len())
	}
}

func TestInMemoryStore_IDs(t *testing.T) {
	store := NewInMemoryStore()
	store.Put(NewStream("a", manifest.Rendition{URL: leafURL}, Deps{}))
	store.Put(NewVariantStream("b", manifest.VariantSet{URL: masterURL}, Deps{}))

	ids := store.IDs()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if len(ids) != 2 || ids[0] != "a" || ids[1] != "b" {
		t.Errorf("unexpected ids %v", ids)
	}
}
