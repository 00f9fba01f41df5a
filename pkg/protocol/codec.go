package protocol

import (
	"bytes"
	"encoding/binary"
)

// alignment is the body size granularity required by the cipher.
const alignment = 4

// Writer accumulates a packet body. Field layouts are per opcode; the
// writer only knows how to lay down primitives.
type Writer struct {
	buf bytes.Buffer
}

// NewWriter starts a body with the given opcode.
func NewWriter(opcode uint8) *Writer {
	w := &Writer{}
	w.WriteU8(opcode)
	return w
}

func (w *Writer) WriteU8(v uint8) {
	w.buf.WriteByte(v)
}

func (w *Writer) WriteU16LE(v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	w.buf.Write(b[:])
}

func (w *Writer) WriteU32LE(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.buf.Write(b[:])
}

func (w *Writer) WriteI32LE(v int32) {
	w.WriteU32LE(uint32(v))
}

// WriteString writes UTF-8 bytes followed by a single 0x00. An empty
// string writes only the terminator.
func (w *Writer) WriteString(s string) {
	w.buf.WriteString(s)
	w.buf.WriteByte(0)
}

// WriteBytes writes raw bytes with no length prefix.
func (w *Writer) WriteBytes(b []byte) {
	w.buf.Write(b)
}

// Len returns the unpadded length written so far.
func (w *Writer) Len() int {
	return w.buf.Len()
}

// Finalize returns a copy of the body zero-padded to a multiple of 4 bytes.
func (w *Writer) Finalize() []byte {
	n := w.buf.Len()
	padded := n
	if rem := n % alignment; rem != 0 {
		padded += alignment - rem
	}
	out := make([]byte, padded)
	copy(out, w.buf.Bytes())
	return out
}

// Reader walks a received body. Reads past the end yield zero values so a
// server omitting trailing optional fields never breaks decoding.
type Reader struct {
	data []byte
	off  int
}

// NewReader wraps data without copying.
func NewReader(data []byte) *Reader {
	return &Reader{data: data}
}

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int {
	if r.off >= len(r.data) {
		return 0
	}
	return len(r.data) - r.off
}

func (r *Reader) ReadU8() uint8 {
	if r.Remaining() < 1 {
		r.off = len(r.data)
		return 0
	}
	v := r.data[r.off]
	r.off++
	return v
}

func (r *Reader) ReadU16LE() uint16 {
	if r.Remaining() < 2 {
		r.off = len(r.data)
		return 0
	}
	v := binary.LittleEndian.Uint16(r.data[r.off:])
	r.off += 2
	return v
}

func (r *Reader) ReadU32LE() uint32 {
	if r.Remaining() < 4 {
		r.off = len(r.data)
		return 0
	}
	v := binary.LittleEndian.Uint32(r.data[r.off:])
	r.off += 4
	return v
}

func (r *Reader) ReadI32LE() int32 {
	return int32(r.ReadU32LE())
}

// ReadString consumes bytes up to and including a 0x00 terminator. A
// missing terminator returns whatever was left in the buffer.
func (r *Reader) ReadString() string {
	rest := r.data[min(r.off, len(r.data)):]
	if i := bytes.IndexByte(rest, 0); i >= 0 {
		r.off += i + 1
		return string(rest[:i])
	}
	r.off = len(r.data)
	return string(rest)
}

// ReadBytes returns up to n bytes; fewer when the buffer runs out.
func (r *Reader) ReadBytes(n int) []byte {
	if n <= 0 {
		return nil
	}
	if n > r.Remaining() {
		n = r.Remaining()
	}
	out := make([]byte, n)
	copy(out, r.data[r.off:r.off+n])
	r.off += n
	return out
}

// Rest returns a copy of all unread bytes.
func (r *Reader) Rest() []byte {
	return r.ReadBytes(r.Remaining())
}
