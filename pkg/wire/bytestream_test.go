package wire

import "testing"

func TestWriterReaderRoundTrip(t *testing.T) {
	w := NewWriter()
	w.WriteByte(0x42)
	w.WriteUint16(1234)
	w.WriteUint32(567890)
	w.WriteFloat32(3.5)
	w.WriteTLBytes([]byte("hello world"))

	r := NewReader(w.Bytes())

	b, err := r.ReadByte()
	if err != nil || b != 0x42 {
		t.Fatalf("ReadByte = %v, %v; want 0x42, nil", b, err)
	}
	u16, err := r.ReadUint16()
	if err != nil || u16 != 1234 {
		t.Fatalf("ReadUint16 = %v, %v; want 1234, nil", u16, err)
	}
	u32, err := r.ReadUint32()
	if err != nil || u32 != 567890 {
		t.Fatalf("ReadUint32 = %v, %v; want 567890, nil", u32, err)
	}
	f, err := r.ReadFloat32()
	if err != nil || f != 3.5 {
		t.Fatalf("ReadFloat32 = %v, %v; want 3.5, nil", f, err)
	}
	s, err := r.ReadTLBytes()
	if err != nil || string(s) != "hello world" {
		t.Fatalf("ReadTLBytes = %q, %v; want hello world, nil", s, err)
	}
	if r.Remaining() != 0 {
		t.Fatalf("Remaining = %d, want 0", r.Remaining())
	}
}

func TestReadEndOfBuffer(t *testing.T) {
	r := NewReader([]byte{0x01, 0x02})
	if _, err := r.ReadUint32(); err != ErrEndOfBuffer {
		t.Fatalf("err = %v, want ErrEndOfBuffer", err)
	}
}

func TestTLLengthShortAndLongForm(t *testing.T) {
	w := NewWriter()
	w.WriteTLLength(10)
	w.WriteTLLength(1000)
	r := NewReader(w.Bytes())

	n, err := r.ReadTLLength()
	if err != nil || n != 10 {
		t.Fatalf("short form = %d, %v; want 10, nil", n, err)
	}
	n, err = r.ReadTLLength()
	if err != nil || n != 1000 {
		t.Fatalf("long form = %d, %v; want 1000, nil", n, err)
	}
}

func TestTLLengthBoundary(t *testing.T) {
	// 254 is the threshold that forces the long form even though the
	// value itself would otherwise fit in a byte.
	w := NewWriter()
	w.WriteTLLength(254)
	data := w.Bytes()
	if data[0] != 254 {
		t.Fatalf("marker byte = %d, want 254", data[0])
	}
	if len(data) != 4 {
		t.Fatalf("len = %d, want 4", len(data))
	}
}
