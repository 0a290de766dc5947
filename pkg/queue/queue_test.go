package queue

import (
	"testing"
	"time"
)

func TestPutGetFIFO(t *testing.T) {
	q := New(4, nil)
	q.Put(1)
	q.Put(2)
	q.Put(3)

	for _, want := range []int{1, 2, 3} {
		got, ok := q.Get()
		if !ok || got.(int) != want {
			t.Fatalf("Get() = %v, %v; want %v, true", got, ok, want)
		}
	}
	if _, ok := q.Get(); ok {
		t.Fatal("Get() on empty queue returned ok=true")
	}
}

func TestOverflowCallback(t *testing.T) {
	var dropped []any
	q := New(2, func(d any) { dropped = append(dropped, d) })
	q.Put(1)
	q.Put(2)
	q.Put(3) // should drop 1

	if len(dropped) != 1 || dropped[0].(int) != 1 {
		t.Fatalf("dropped = %v, want [1]", dropped)
	}
	got, _ := q.Get()
	if got.(int) != 2 {
		t.Fatalf("Get() = %v, want 2", got)
	}
}

func TestOverflowWithoutCallbackPanics(t *testing.T) {
	q := New(1, nil)
	q.Put(1)
	defer func() {
		if recover() == nil {
			t.Fatal("overflow without callback did not panic")
		}
	}()
	q.Put(2)
}

func TestGetBlockingWakesOnPut(t *testing.T) {
	q := New(4, nil)
	done := make(chan struct{})
	result := make(chan any, 1)
	go func() {
		v, ok := q.GetBlocking(done)
		if ok {
			result <- v
		}
	}()

	time.Sleep(10 * time.Millisecond)
	q.Put("hello")

	select {
	case v := <-result:
		if v.(string) != "hello" {
			t.Fatalf("got %v, want hello", v)
		}
	case <-time.After(time.Second):
		t.Fatal("GetBlocking did not wake up after Put")
	}
}

func TestGetBlockingUnblocksOnDone(t *testing.T) {
	q := New(4, nil)
	done := make(chan struct{})
	result := make(chan bool, 1)
	go func() {
		_, ok := q.GetBlocking(done)
		result <- ok
	}()

	time.Sleep(10 * time.Millisecond)
	close(done)

	select {
	case ok := <-result:
		if ok {
			t.Fatal("GetBlocking returned ok=true after done was closed")
		}
	case <-time.After(time.Second):
		t.Fatal("GetBlocking did not unblock on done")
	}
}
