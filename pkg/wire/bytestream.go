// Package wire implements the little-endian byte streams and TL-style
// length prefix used to frame every packet on the wire.
package wire

import (
	"encoding/binary"
	"errors"
	"math"
)

// ErrEndOfBuffer is returned by Reader methods when fewer bytes remain
// than the read requires. The session's packet dispatcher treats any
// such error as "drop packet".
var ErrEndOfBuffer = errors.New("wire: end of buffer")

// Reader is a cursor over a byte slice with little-endian fixed-width
// reads and the "TL length" variable prefix.
type Reader struct {
	data   []byte
	offset int
}

// NewReader wraps data for sequential reading. data is not copied.
func NewReader(data []byte) *Reader {
	return &Reader{data: data}
}

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int {
	return len(r.data) - r.offset
}

// Offset returns the current read cursor.
func (r *Reader) Offset() int {
	return r.offset
}

func (r *Reader) need(n int) error {
	if n < 0 || r.Remaining() < n {
		return ErrEndOfBuffer
	}
	return nil
}

// ReadByte reads a single byte.
func (r *Reader) ReadByte() (byte, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	b := r.data[r.offset]
	r.offset++
	return b, nil
}

// ReadBytes reads and returns a slice of n bytes. The returned slice
// aliases the underlying buffer; callers that retain it beyond the
// lifetime of the packet must copy it.
func (r *Reader) ReadBytes(n int) ([]byte, error) {
	if err := r.need(n); err != nil {
		return nil, err
	}
	b := r.data[r.offset : r.offset+n]
	r.offset += n
	return b, nil
}

// ReadUint16 reads a little-endian uint16.
func (r *Reader) ReadUint16() (uint16, error) {
	b, err := r.ReadBytes(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

// ReadUint32 reads a little-endian uint32.
func (r *Reader) ReadUint32() (uint32, error) {
	b, err := r.ReadBytes(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// ReadUint64 reads a little-endian uint64.
func (r *Reader) ReadUint64() (uint64, error) {
	b, err := r.ReadBytes(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// ReadInt32 reads a little-endian int32.
func (r *Reader) ReadInt32() (int32, error) {
	v, err := r.ReadUint32()
	return int32(v), err
}

// ReadFloat32 reads a little-endian IEEE-754 float32.
func (r *Reader) ReadFloat32() (float32, error) {
	v, err := r.ReadUint32()
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(v), nil
}

// ReadTLLength reads the TL-style length prefix: values below 254 are a
// single byte giving the length directly; 254 introduces a 24-bit
// little-endian length that follows.
func (r *Reader) ReadTLLength() (int, error) {
	b, err := r.ReadByte()
	if err != nil {
		return 0, err
	}
	if b < 254 {
		return int(b), nil
	}
	lb, err := r.ReadBytes(3)
	if err != nil {
		return 0, err
	}
	return int(lb[0]) | int(lb[1])<<8 | int(lb[2])<<16, nil
}

// ReadTLBytes reads a TL-length-prefixed byte string.
func (r *Reader) ReadTLBytes() ([]byte, error) {
	n, err := r.ReadTLLength()
	if err != nil {
		return nil, err
	}
	return r.ReadBytes(n)
}

// Writer grows a backing byte slice as values are appended.
type Writer struct {
	buf []byte
}

// NewWriter returns an empty Writer.
func NewWriter() *Writer {
	return &Writer{buf: make([]byte, 0, 64)}
}

// Bytes returns the accumulated buffer.
func (w *Writer) Bytes() []byte {
	return w.buf
}

// Len returns the number of bytes written so far.
func (w *Writer) Len() int {
	return len(w.buf)
}

// WriteByte appends a single byte.
func (w *Writer) WriteByte(b byte) {
	w.buf = append(w.buf, b)
}

// WriteBytes appends raw bytes.
func (w *Writer) WriteBytes(b []byte) {
	w.buf = append(w.buf, b...)
}

// WriteUint16 appends a little-endian uint16.
func (w *Writer) WriteUint16(v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

// WriteUint32 appends a little-endian uint32.
func (w *Writer) WriteUint32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

// WriteUint64 appends a little-endian uint64.
func (w *Writer) WriteUint64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

// WriteInt32 appends a little-endian int32.
func (w *Writer) WriteInt32(v int32) {
	w.WriteUint32(uint32(v))
}

// WriteFloat32 appends a little-endian IEEE-754 float32.
func (w *Writer) WriteFloat32(f float32) {
	w.WriteUint32(math.Float32bits(f))
}

// WriteTLLength writes the TL-style length prefix for n.
func (w *Writer) WriteTLLength(n int) {
	if n < 254 {
		w.WriteByte(byte(n))
		return
	}
	w.WriteByte(254)
	w.WriteByte(byte(n))
	w.WriteByte(byte(n >> 8))
	w.WriteByte(byte(n >> 16))
}

// WriteTLBytes writes b prefixed with its TL length.
func (w *Writer) WriteTLBytes(b []byte) {
	w.WriteTLLength(len(b))
	w.WriteBytes(b)
}
