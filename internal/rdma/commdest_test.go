package rdma

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommDestLayout(t *testing.T) {
	d := newCommDest(0x1122334455667788, 0xaabbccdd, CommConfig{BufNum: 12, BufSize: 8192})
	data, err := d.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, data, CommDestSize)
	assert.Equal(t, 36, CommDestSize)

	assert.Equal(t, []byte("fhgfs0 \x00"), data[0:8])
	assert.Equal(t, uint64(1), binary.LittleEndian.Uint64(data[8:16]))
	assert.Equal(t, uint64(0x1122334455667788), binary.LittleEndian.Uint64(data[16:24]))
	assert.Equal(t, uint32(0xaabbccdd), binary.LittleEndian.Uint32(data[24:28]))
	assert.Equal(t, uint32(12), binary.LittleEndian.Uint32(data[28:32]))
	assert.Equal(t, uint32(8192), binary.LittleEndian.Uint32(data[32:36]))

	parsed, err := parseCommDest(data)
	require.NoError(t, err)
	assert.Equal(t, d, *parsed)
}

func TestCommDestParseErrors(t *testing.T) {
	valid := newCommDest(0x1000, 7, DefaultCommConfig())
	good, err := valid.MarshalBinary()
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func([]byte) []byte
	}{
		{
			name:   "short buffer",
			mutate: func(b []byte) []byte { return b[:CommDestSize-1] },
		},
		{
			name:   "empty",
			mutate: func([]byte) []byte { return nil },
		},
		{
			name: "bad verification literal",
			mutate: func(b []byte) []byte {
				b[0] = 'x'
				return b
			},
		},
		{
			name: "missing terminator",
			mutate: func(b []byte) []byte {
				b[7] = '!'
				return b
			},
		},
		{
			name: "unsupported version",
			mutate: func(b []byte) []byte {
				binary.LittleEndian.PutUint64(b[8:16], 2)
				return b
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := tt.mutate(append([]byte(nil), good...))
			_, err := parseCommDest(data)
			assert.ErrorIs(t, err, ErrHandshake)
		})
	}
}

// Connection managers may pad private data, so trailing bytes are ignored.
func TestCommDestTrailingBytes(t *testing.T) {
	d := newCommDest(0xdead0000, 42, CommConfig{BufNum: 4, BufSize: 1024})
	data, err := d.MarshalBinary()
	require.NoError(t, err)

	padded := append(data, make([]byte, 20)...)
	parsed, err := parseCommDest(padded)
	require.NoError(t, err)
	assert.Equal(t, uint64(0xdead0000), parsed.VAddr)
	assert.Equal(t, uint32(42), parsed.RKey)
	assert.Equal(t, uint32(4), parsed.RecvBufNum)
	assert.Equal(t, uint32(1024), parsed.RecvBufSize)
}
