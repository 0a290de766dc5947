package timerqueue

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestPostOneShot(t *testing.T) {
	q := New()
	defer q.Stop()

	done := make(chan struct{})
	q.Post(func() { close(done) }, 10*time.Millisecond, 0)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("one-shot task did not fire")
	}
}

func TestPostRecurring(t *testing.T) {
	q := New()
	defer q.Stop()

	var count int32
	id := q.Post(func() { atomic.AddInt32(&count, 1) }, 5*time.Millisecond, 5*time.Millisecond)
	time.Sleep(60 * time.Millisecond)
	q.Cancel(id)
	n := atomic.LoadInt32(&count)
	if n < 3 {
		t.Fatalf("count = %d, want at least 3 firings in 60ms at 5ms period", n)
	}
	time.Sleep(30 * time.Millisecond)
	if got := atomic.LoadInt32(&count); got != n {
		t.Fatalf("count kept increasing after Cancel: %d -> %d", n, got)
	}
}

func TestCancelBeforeFire(t *testing.T) {
	q := New()
	defer q.Stop()

	fired := make(chan struct{}, 1)
	id := q.Post(func() { fired <- struct{}{} }, 50*time.Millisecond, 0)
	q.Cancel(id)

	select {
	case <-fired:
		t.Fatal("canceled one-shot task fired anyway")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestCancelSelfStopsRecurrence(t *testing.T) {
	q := New()
	defer q.Stop()

	var count int32
	q.Post(func() {
		n := atomic.AddInt32(&count, 1)
		if n >= 3 {
			q.CancelSelf()
		}
	}, 5*time.Millisecond, 5*time.Millisecond)

	time.Sleep(80 * time.Millisecond)
	if got := atomic.LoadInt32(&count); got != 3 {
		t.Fatalf("count = %d, want exactly 3 (CancelSelf should stop recurrence)", got)
	}
}
