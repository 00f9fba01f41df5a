package cipher

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestInitDerivesSchedule(t *testing.T) {
	tests := []struct {
		name string
		key  uint32
		want [8]byte
	}{
		{"handshake key", 0x12345678, [8]byte{0x24, 0x70, 0x0c, 0x1a, 0x55, 0x4e, 0x71, 0xf5}},
		{"zero key", 0, [8]byte{0x86, 0xe1, 0xcc, 0xa9, 0xf7, 0xdf, 0xb1, 0x46}},
		{"deadbeef", 0xdeadbeef, [8]byte{0xeb, 0x14, 0xb2, 0x5e, 0x9a, 0x2a, 0xcf, 0xb1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(tt.key)
			assert.True(t, c.Initialized())
			assert.Equal(t, tt.want, c.encodeKey)
			assert.Equal(t, tt.want, c.decodeKey)
		})
	}
}

// Vectors are consecutive encryptions on one cipher instance, so each row
// depends on the schedule left behind by the previous one.
func TestEncryptReferenceVectors(t *testing.T) {
	type step struct {
		plain  []byte
		cipher []byte
	}
	tests := []struct {
		name     string
		key      uint32
		steps    []step
		finalKey [8]byte
	}{
		{
			name: "key 0x12345678",
			key:  0x12345678,
			steps: []step{
				{[]byte{0x0e, 0x00, 0x00, 0x00}, []byte{0x67, 0x03, 0x0c, 0x40}},
				{
					[]byte{0x0a, 0x10, 0x20, 0x30, 0x40, 0x50, 0x60, 0x70, 0x80, 0x01, 0x02, 0x03},
					[]byte{0x0a, 0x64, 0x3c, 0x4a, 0x1e, 0x00, 0x90, 0xfd, 0x57, 0x26, 0x28, 0x31},
				},
				{
					[]byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08},
					[]byte{0xdc, 0xb0, 0x28, 0x6e, 0x9c, 0xd7, 0xbf, 0xf1},
				},
			},
			finalKey: [8]byte{0x21, 0x62, 0x2f, 0x2e, 0x9e, 0x4d, 0xee, 0x6e},
		},
		{
			name: "key 0",
			key:  0,
			steps: []step{
				{[]byte{0x0e, 0x00, 0x00, 0x00}, []byte{0x05, 0x52, 0xcc, 0xc0}},
				{
					[]byte{0x0a, 0x10, 0x20, 0x30, 0x40, 0x50, 0x60, 0x70, 0x80, 0x01, 0x02, 0x03},
					[]byte{0x68, 0x35, 0xfc, 0xca, 0xfc, 0x73, 0x23, 0x3c, 0x34, 0xd4, 0x1a, 0xb0},
				},
				{
					[]byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08},
					[]byte{0xb9, 0xe5, 0xe8, 0xee, 0x7a, 0xa3, 0x0b, 0x94},
				},
			},
			finalKey: [8]byte{0x83, 0xf3, 0xef, 0x9d, 0x40, 0xdf, 0x2e, 0xc0},
		},
		{
			name: "key 0xdeadbeef",
			key:  0xdeadbeef,
			steps: []step{
				{[]byte{0x0e, 0x00, 0x00, 0x00}, []byte{0x16, 0xd9, 0xb2, 0xaf}},
				{
					[]byte{0x0a, 0x10, 0x20, 0x30, 0x40, 0x50, 0x60, 0x70, 0x80, 0x01, 0x02, 0x03},
					[]byte{0xf1, 0x34, 0x82, 0xa5, 0x0a, 0x70, 0x5e, 0xf4, 0x91, 0x84, 0x34, 0x69},
				},
				{
					[]byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08},
					[]byte{0x9a, 0x5e, 0x96, 0x81, 0x36, 0x1a, 0xd0, 0xda},
				},
			},
			finalKey: [8]byte{0xee, 0x06, 0x91, 0x6a, 0xe3, 0x29, 0x4c, 0x2b},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enc := New(tt.key)
			dec := New(tt.key)
			for i, s := range tt.steps {
				buf := append([]byte(nil), s.plain...)
				enc.Encrypt(buf)
				require.Equal(t, s.cipher, buf, "encrypt step %d", i)

				dec.Decrypt(buf)
				require.Equal(t, s.plain, buf, "decrypt step %d", i)
			}
			assert.Equal(t, tt.finalKey, enc.encodeKey)
			assert.Equal(t, tt.finalKey, dec.decodeKey)
		})
	}
}

func TestShortBuffers(t *testing.T) {
	t.Run("single byte keeps its prefix and advances the schedule", func(t *testing.T) {
		c := New(0x12345678)
		buf := []byte{0x0e}
		c.Encrypt(buf)
		assert.Equal(t, []byte{0x67}, buf)
		assert.Equal(t, [8]byte{0x2a, 0x70, 0x0c, 0x1a, 0x18, 0x4e, 0xf0, 0x1d}, c.encodeKey)
	})

	t.Run("two bytes", func(t *testing.T) {
		c := New(0x12345678)
		buf := []byte{0x01, 0x02}
		c.Encrypt(buf)
		assert.Equal(t, []byte{0x65, 0x0e}, buf)
	})

	t.Run("padded decrypt matches padded encrypt schedule", func(t *testing.T) {
		c := New(0x12345678)
		buf := []byte{0x67, 0x03, 0x0c, 0x40}
		c.Decrypt(buf)
		assert.Equal(t, []byte{0x0e, 0x00, 0x00, 0x00}, buf)
		assert.Equal(t, [8]byte{0x2a, 0x70, 0x0c, 0x1a, 0x18, 0x4e, 0xf0, 0x1d}, c.decodeKey)
	})

	t.Run("empty buffer is tolerated", func(t *testing.T) {
		c := New(1)
		assert.NotPanics(t, func() { c.Encrypt(nil) })
		assert.NotPanics(t, func() { c.Decrypt([]byte{}) })
	})
}

func TestDirectionsAreIndependent(t *testing.T) {
	c := New(0x12345678)
	before := c.decodeKey

	buf := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	c.Encrypt(buf)

	assert.Equal(t, before, c.decodeKey, "encrypt must not touch the decode schedule")
	assert.NotEqual(t, before, c.encodeKey)
}

func TestUninitializedCipher(t *testing.T) {
	var c *Cipher
	assert.False(t, c.Initialized())
	assert.False(t, (&Cipher{}).Initialized())
}

// TestRoundTrip checks Decrypt(Encrypt(b)) == b over a sequence of buffers
// with a shared key.
func TestRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		key := rapid.Uint32().Draw(t, "key")
		count := rapid.IntRange(1, 8).Draw(t, "count")

		enc := New(key)
		dec := New(key)
		for i := 0; i < count; i++ {
			plain := rapid.SliceOfN(rapid.Byte(), 4, 256).Draw(t, "plain")
			buf := append([]byte(nil), plain...)

			enc.Encrypt(buf)
			dec.Decrypt(buf)

			if !bytes.Equal(buf, plain) {
				t.Fatalf("round trip %d mismatch: got %x want %x", i, buf, plain)
			}
		}
		if enc.encodeKey != dec.decodeKey {
			t.Fatalf("schedules diverged: %x vs %x", enc.encodeKey, dec.decodeKey)
		}
	})
}
