package reassembler

import "testing"

func TestSingleFragmentEmitsImmediately(t *testing.T) {
	r := New()
	out, ok := r.Put([]byte("hello"), 0, 1, 100, false)
	if !ok || string(out) != "hello" {
		t.Fatalf("Put() = %q, %v; want hello, true", out, ok)
	}
}

func TestMultiFragmentReassemblesInOrder(t *testing.T) {
	r := New()
	if _, ok := r.Put([]byte("B"), 1, 3, 1, false); ok {
		t.Fatal("Put() with missing fragments returned ok early")
	}
	if _, ok := r.Put([]byte("C"), 2, 3, 1, false); ok {
		t.Fatal("Put() with missing fragments returned ok early")
	}
	out, ok := r.Put([]byte("A"), 0, 3, 1, false)
	if !ok || string(out) != "ABC" {
		t.Fatalf("Put() = %q, %v; want ABC, true", out, ok)
	}
}

func TestNewTimestampDiscardsInFlight(t *testing.T) {
	r := New()
	r.Put([]byte("A"), 0, 2, 1, false)
	// A new timestamp arrives before fragment 1 of ts=1 completes.
	if _, ok := r.Put([]byte("X"), 0, 2, 2, false); ok {
		t.Fatal("unexpected early completion")
	}
	out, ok := r.Put([]byte("Y"), 1, 2, 2, false)
	if !ok || string(out) != "XY" {
		t.Fatalf("Put() = %q, %v; want XY, true", out, ok)
	}
}
