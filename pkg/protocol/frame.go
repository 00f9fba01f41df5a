package protocol

import (
	"encoding/binary"
	"errors"
	"io"
)

const (
	// LengthPrefixSize is the size of the little-endian length header.
	LengthPrefixSize = 2

	// MinFrameLength is the smallest total length (prefix included) the
	// deframer accepts. A frame of exactly two bytes carries an empty body.
	MinFrameLength = LengthPrefixSize

	// MaxFrameLength is the largest total length the deframer accepts.
	// Anything larger is treated as stream corruption.
	MaxFrameLength = 8192
)

var (
	ErrFrameTooLarge = errors.New("frame exceeds maximum length (8192 bytes)")
	ErrEmptyBody     = errors.New("frame body is empty")
)

// EncodeFrame writes [u16 LE total length][body] to w in a single Write so
// concurrent writers serialized by a mutex never split a frame.
func EncodeFrame(w io.Writer, body []byte) error {
	frame, err := AppendFrame(nil, body)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}

// AppendFrame appends the framed body to dst.
func AppendFrame(dst []byte, body []byte) ([]byte, error) {
	if len(body) == 0 {
		return dst, ErrEmptyBody
	}
	total := len(body) + LengthPrefixSize
	if total > MaxFrameLength {
		return dst, ErrFrameTooLarge
	}
	dst = binary.LittleEndian.AppendUint16(dst, uint16(total))
	return append(dst, body...), nil
}

// Deframer splits a continuous byte stream into frame bodies. It is not
// safe for concurrent use; the receive loop owns it.
type Deframer struct {
	buf     []byte
	dropped uint64
}

// Feed appends raw bytes read from the socket.
func (d *Deframer) Feed(p []byte) {
	d.buf = append(d.buf, p...)
}

// Next returns the next complete body, or false when more bytes are
// needed. An out-of-range length drops one byte and resynchronizes;
// resynced reports how many bytes were skipped during this call.
func (d *Deframer) Next() (body []byte, resynced int, ok bool) {
	for len(d.buf) >= LengthPrefixSize {
		total := int(binary.LittleEndian.Uint16(d.buf))
		if total < MinFrameLength || total > MaxFrameLength {
			d.buf = d.buf[1:]
			d.dropped++
			resynced++
			continue
		}
		if len(d.buf) < total {
			break
		}
		body = make([]byte, total-LengthPrefixSize)
		copy(body, d.buf[LengthPrefixSize:total])
		d.buf = d.buf[total:]
		d.compact()
		return body, resynced, true
	}
	d.compact()
	return nil, resynced, false
}

// Buffered returns the number of bytes waiting for a complete frame.
func (d *Deframer) Buffered() int {
	return len(d.buf)
}

// Dropped returns the total number of bytes discarded while resyncing.
func (d *Deframer) Dropped() uint64 {
	return d.dropped
}

// compact releases the consumed head of the rolling buffer once it is
// empty so the backing array does not grow without bound.
func (d *Deframer) compact() {
	if len(d.buf) == 0 {
		d.buf = d.buf[:0:0]
	}
}
