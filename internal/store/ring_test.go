package store

import "testing"

func TestRingPushWrapAround(t *testing.T) {
	r := newRing[int](3)
	for i := 1; i <= 5; i++ {
		r.push(i)
	}
	if r.len() != 3 {
		t.Fatalf("len = %d, want 3", r.len())
	}
	items := r.items()
	want := []int{3, 4, 5}
	for i, v := range want {
		if items[i] != v {
			t.Fatalf("items = %v, want %v", items, want)
		}
	}
}

func TestRingLastAndTail(t *testing.T) {
	r := newRing[int](4)
	if _, ok := r.last(); ok {
		t.Fatal("last on empty ring")
	}
	for i := 1; i <= 6; i++ {
		r.push(i)
	}
	last, ok := r.last()
	if !ok || last != 6 {
		t.Fatalf("last = %d ok=%v", last, ok)
	}
	tail := r.tail(2)
	if len(tail) != 2 || tail[0] != 5 || tail[1] != 6 {
		t.Fatalf("tail = %v", tail)
	}
	if got := r.tail(10); len(got) != 4 {
		t.Fatalf("oversized tail = %v", got)
	}
	if r.tail(0) != nil {
		t.Fatal("tail(0) should be nil")
	}
}

func TestRingZeroCapacityClamped(t *testing.T) {
	r := newRing[string](0)
	r.push("a")
	r.push("b")
	if r.len() != 1 {
		t.Fatalf("len = %d, want 1", r.len())
	}
	if items := r.items(); items[0] != "b" {
		t.Fatalf("items = %v", items)
	}
}
