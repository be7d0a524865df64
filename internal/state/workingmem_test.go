package state

import (
	"fmt"
	"testing"
)

func TestWorkingMemorySetGetDelete(t *testing.T) {
	wm := NewWorkingMemory(0)

	wm.Set("s-1", "cursor", 42)
	if v, ok := wm.Get("s-1", "cursor"); !ok || v != 42 {
		t.Errorf("Get() = %v, %v, want 42, true", v, ok)
	}
	if !wm.Has("s-1", "cursor") {
		t.Error("Has() = false, want true")
	}

	wm.Delete("s-1", "cursor")
	if wm.Has("s-1", "cursor") {
		t.Error("Has() after delete = true, want false")
	}
	if wm.Len("s-1") != 0 {
		t.Errorf("Len() = %d, want 0", wm.Len("s-1"))
	}
}

func TestWorkingMemorySessionIsolation(t *testing.T) {
	wm := NewWorkingMemory(0)
	wm.Set("s-1", "shared_key", "one")
	wm.Set("s-2", "shared_key", "two")

	if v, _ := wm.Get("s-1", "shared_key"); v != "one" {
		t.Errorf("s-1 value = %v, want one", v)
	}
	if v, _ := wm.Get("s-2", "shared_key"); v != "two" {
		t.Errorf("s-2 value = %v, want two", v)
	}

	wm.Clear("s-1")
	if wm.Has("s-1", "shared_key") {
		t.Error("s-1 key survived Clear")
	}
	if !wm.Has("s-2", "shared_key") {
		t.Error("Clear(s-1) affected s-2")
	}
}

func TestWorkingMemoryEvictsOldestAtLimit(t *testing.T) {
	wm := NewWorkingMemory(3)
	for i := 0; i < 3; i++ {
		wm.Set("s-1", fmt.Sprintf("k%d", i), i)
	}
	wm.Set("s-1", "k3", 3)

	if wm.Has("s-1", "k0") {
		t.Error("oldest key k0 survived insertion past the limit")
	}
	if !wm.Has("s-1", "k1") || !wm.Has("s-1", "k3") {
		t.Error("newer keys missing after eviction")
	}
	if wm.Len("s-1") != 3 {
		t.Errorf("Len() = %d, want 3", wm.Len("s-1"))
	}
}

func TestWorkingMemoryUpdateDoesNotEvict(t *testing.T) {
	wm := NewWorkingMemory(2)
	wm.Set("s-1", "a", 1)
	wm.Set("s-1", "b", 2)
	wm.Set("s-1", "a", 10)

	if v, _ := wm.Get("s-1", "a"); v != 10 {
		t.Errorf("a = %v, want 10", v)
	}
	if !wm.Has("s-1", "b") {
		t.Error("update of existing key evicted a neighbor")
	}
}

func TestWorkingMemoryListSorted(t *testing.T) {
	wm := NewWorkingMemory(0)
	for _, key := range []string{"zebra", "apple", "mango"} {
		wm.Set("s-1", key, true)
	}
	keys := wm.List("s-1")
	want := []string{"apple", "mango", "zebra"}
	if len(keys) != 3 {
		t.Fatalf("List() returned %d keys, want 3", len(keys))
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Errorf("keys[%d] = %q, want %q", i, keys[i], want[i])
		}
	}
}
