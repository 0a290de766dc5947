package bufferpool

import "testing"

func TestGetReuse(t *testing.T) {
	p := New(4, 16)
	var got [][]byte
	for i := 0; i < 4; i++ {
		b := p.Get()
		if b == nil {
			t.Fatalf("Get() #%d = nil, want a cell", i)
		}
		got = append(got, b)
	}
	if b := p.Get(); b != nil {
		t.Fatalf("Get() on exhausted pool = %v, want nil", b)
	}
	p.Reuse(got[2])
	if b := p.Get(); b == nil {
		t.Fatal("Get() after Reuse = nil, want a cell")
	}
}

func TestReuseUnknownPointerPanics(t *testing.T) {
	p := New(2, 8)
	defer func() {
		if recover() == nil {
			t.Fatal("Reuse of unowned buffer did not panic")
		}
	}()
	p.Reuse(make([]byte, 8))
}

func TestDoubleReusePanics(t *testing.T) {
	p := New(2, 8)
	b := p.Get()
	p.Reuse(b)
	defer func() {
		if recover() == nil {
			t.Fatal("double Reuse did not panic")
		}
	}()
	p.Reuse(b)
}

func TestInUse(t *testing.T) {
	p := New(4, 8)
	p.Get()
	p.Get()
	if n := p.InUse(); n != 2 {
		t.Fatalf("InUse() = %d, want 2", n)
	}
}
