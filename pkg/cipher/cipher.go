package cipher

import (
	"encoding/binary"
	"math/bits"
)

// Key schedule constants shared with the server.
const (
	seedMask    = 0x9C30D539
	seedHigh    = 0x930FD7E2
	seedMix     = 0x7C72E993
	feedbackAdd = 0x287EFFC3
	seedRotate  = 19
)

// blockSize is the minimum number of bytes the transform operates on.
const blockSize = 4

// Cipher is the stateful stream cipher used on every frame body after the
// handshake. Encode and decode schedules advance independently; one Cipher
// must see every byte of both directions exactly once and in order.
type Cipher struct {
	encodeKey   [8]byte
	decodeKey   [8]byte
	initialized bool
}

// New returns a cipher seeded from the handshake key.
func New(key uint32) *Cipher {
	c := &Cipher{}
	c.Init(key)
	return c
}

// Init (re)derives both key schedules from the handshake key.
func (c *Cipher) Init(key uint32) {
	k0 := bits.RotateLeft32(key^seedMask, seedRotate)
	k1 := seedHigh ^ k0 ^ seedMix

	var schedule [8]byte
	binary.LittleEndian.PutUint32(schedule[0:4], k0)
	binary.LittleEndian.PutUint32(schedule[4:8], k1)

	c.encodeKey = schedule
	c.decodeKey = schedule
	c.initialized = true
}

// Initialized reports whether Init has run.
func (c *Cipher) Initialized() bool {
	return c != nil && c.initialized
}

// Encrypt transforms buf in place and advances the encode schedule.
func (c *Cipher) Encrypt(buf []byte) {
	if len(buf) < blockSize {
		// Short inputs are transformed as a zero-padded block and truncated
		// back; the server does the same, so the schedule still advances.
		var block [blockSize]byte
		copy(block[:], buf)
		c.encrypt(block[:])
		copy(buf, block[:len(buf)])
		return
	}
	c.encrypt(buf)
}

// Decrypt reverses Encrypt in place and advances the decode schedule.
func (c *Cipher) Decrypt(buf []byte) {
	if len(buf) < blockSize {
		var block [blockSize]byte
		copy(block[:], buf)
		c.decrypt(block[:])
		copy(buf, block[:len(buf)])
		return
	}
	c.decrypt(buf)
}

func (c *Cipher) encrypt(data []byte) {
	k := &c.encodeKey

	var plain [blockSize]byte
	copy(plain[:], data[:blockSize])

	data[0] ^= k[0]
	for i := 1; i < len(data); i++ {
		data[i] ^= data[i-1] ^ k[i&7]
	}

	data[3] ^= k[2]
	data[2] ^= k[3] ^ data[3]
	data[1] ^= k[4] ^ data[2]
	data[0] ^= k[5] ^ data[1]

	advance(k, plain)
}

func (c *Cipher) decrypt(data []byte) {
	k := &c.decodeKey

	data[0] ^= k[5] ^ data[1]
	data[1] ^= k[4] ^ data[2]
	data[2] ^= k[3] ^ data[3]
	data[3] ^= k[2]

	for i := len(data) - 1; i >= 1; i-- {
		data[i] ^= data[i-1] ^ k[i&7]
	}
	data[0] ^= k[0]

	var plain [blockSize]byte
	copy(plain[:], data[:blockSize])
	advance(k, plain)
}

// advance folds the processed plaintext block into the schedule.
func advance(k *[8]byte, plain [blockSize]byte) {
	for i := 0; i < blockSize; i++ {
		k[i] ^= plain[i]
	}
	v := binary.LittleEndian.Uint32(k[4:8]) + feedbackAdd
	binary.LittleEndian.PutUint32(k[4:8], v)
}
