package id

import "testing"

func TestGenAllocIsDense(t *testing.T) {
	var g Gen
	for i := uint32(0); i < 4; i++ {
		if got := g.Alloc(); got != i {
			t.Fatalf("Alloc() = %d; want %d", got, i)
		}
	}
}

func TestGenReuseFreedID(t *testing.T) {
	var g Gen
	a := g.Alloc() // 0
	b := g.Alloc() // 1
	g.Release(a)
	c := g.Alloc()
	if c != a {
		t.Errorf("Alloc() after Release(%d) = %d; want %d (reuse)", a, c, a)
	}
	if d := g.Alloc(); d == a || d == b || d == c {
		t.Errorf("Alloc() returned an id still considered live: %d", d)
	}
}

func TestGenNoLiveIDOnFreeList(t *testing.T) {
	var g Gen
	ids := make([]uint32, 8)
	for i := range ids {
		ids[i] = g.Alloc()
	}
	g.Release(ids[3])
	reused := g.Alloc()
	if reused != ids[3] {
		t.Fatalf("Alloc() = %d; want reused id %d", reused, ids[3])
	}
	// ids[3] must not be handed out again until released a second time.
	for i := 0; i < 4; i++ {
		if got := g.Alloc(); got == reused {
			t.Fatalf("Alloc() returned %d twice without an intervening Release", got)
		}
	}
}

func TestTrackerFindExnOnMissingKeyIsError(t *testing.T) {
	var tr Tracker[string]
	tr.Set(5, "hello")
	if v, err := tr.FindExn(5); err != nil || v != "hello" {
		t.Fatalf("FindExn(5) = %q, %v; want hello, nil", v, err)
	}
	if _, err := tr.FindExn(6); err == nil {
		t.Fatal("FindExn(6) on unknown key: want error, got nil")
	}
}

func TestTrackerReleaseRemovesEntry(t *testing.T) {
	var tr Tracker[int]
	tr.Set(1, 100)
	tr.Release(1)
	if _, ok := tr.Find(1); ok {
		t.Fatal("Find(1) after Release(1): want not found")
	}
	if n := tr.Len(); n != 0 {
		t.Fatalf("Len() = %d; want 0", n)
	}
}
