package protocol

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeFrame(t *testing.T) {
	tests := []struct {
		name       string
		checkpoint uint32
		chunk      uint32
		data       []byte
	}{
		{name: "empty payload", checkpoint: 0, chunk: 0, data: []byte{}},
		{name: "small payload", checkpoint: 1, chunk: 129, data: []byte("hello")},
		{name: "max indices", checkpoint: 0xFFFFFFFF, chunk: 0xFFFFFFFF, data: []byte{0x00, 0xFF}},
		{name: "full chunk", checkpoint: 3, chunk: 3*CheckpointChunks + 7, data: bytes.Repeat([]byte{0xAB}, 4096)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame := EncodeFrame(tt.checkpoint, tt.chunk, tt.data)
			require.Len(t, frame, HeaderSize+len(tt.data))

			decoded, err := DecodeFrame(frame)
			require.NoError(t, err)
			assert.Equal(t, tt.checkpoint, decoded.CheckpointIndex)
			assert.Equal(t, tt.chunk, decoded.ChunkIndex)
			assert.True(t, bytes.Equal(tt.data, decoded.Data))
		})
	}
}

func TestEncodeFrameHeaderIsBigEndian(t *testing.T) {
	frame := EncodeFrame(0x01020304, 0x0A0B0C0D, []byte{0xEE})
	assert.Equal(t, []byte{0x01, 0x02, 0x03, 0x04, 0x0A, 0x0B, 0x0C, 0x0D, 0xEE}, frame)
}

func TestDecodeFrameDoesNotCopy(t *testing.T) {
	frame := EncodeFrame(0, 0, []byte{1, 2, 3})
	decoded, err := DecodeFrame(frame)
	require.NoError(t, err)

	frame[HeaderSize] = 9
	assert.Equal(t, byte(9), decoded.Data[0])
}

func TestDecodeFrameMalformed(t *testing.T) {
	for _, n := range []int{0, 1, 7} {
		_, err := DecodeFrame(make([]byte, n))
		assert.ErrorIs(t, err, ErrMalformedFrame, "length %d", n)
	}

	decoded, err := DecodeFrame(make([]byte, HeaderSize))
	require.NoError(t, err)
	assert.Empty(t, decoded.Data)
}

func TestCheckpointIndexMonotonic(t *testing.T) {
	prev := 0
	for chunk := 0; chunk < 10*CheckpointChunks; chunk++ {
		cp := CheckpointIndexOf(chunk, CheckpointChunks)
		assert.GreaterOrEqual(t, cp, prev)
		assert.LessOrEqual(t, cp-prev, 1)
		assert.LessOrEqual(t, CheckpointStartChunk(cp, CheckpointChunks), chunk)
		prev = cp
	}
	assert.Equal(t, 9, prev)
}

func TestChunkArithmetic(t *testing.T) {
	tests := []struct {
		name             string
		size             int64
		chunkSize        int
		k                int
		totalChunks      int
		totalCheckpoints int
		lastExpected     int
	}{
		{name: "empty file", size: 0, chunkSize: ChunkSize, k: CheckpointChunks, totalChunks: 0, totalCheckpoints: 1, lastExpected: 0},
		{name: "one byte", size: 1, chunkSize: ChunkSize, k: CheckpointChunks, totalChunks: 1, totalCheckpoints: 1, lastExpected: 1},
		{name: "exactly one chunk", size: ChunkSize, chunkSize: ChunkSize, k: CheckpointChunks, totalChunks: 1, totalCheckpoints: 1, lastExpected: 1},
		{name: "one checkpoint plus one byte", size: CheckpointChunks*ChunkSize + 1, chunkSize: ChunkSize, k: CheckpointChunks, totalChunks: CheckpointChunks + 1, totalCheckpoints: 2, lastExpected: 1},
		{name: "small params", size: 41, chunkSize: 4, k: 4, totalChunks: 11, totalCheckpoints: 3, lastExpected: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			total := TotalChunks(tt.size, tt.chunkSize)
			assert.Equal(t, tt.totalChunks, total)
			checkpoints := TotalCheckpoints(total, tt.k)
			assert.Equal(t, tt.totalCheckpoints, checkpoints)
			assert.Equal(t, tt.lastExpected, ExpectedChunks(checkpoints-1, total, tt.k))
		})
	}
}

func TestMustUint32Panics(t *testing.T) {
	assert.Equal(t, uint32(42), MustUint32(42))
	assert.Panics(t, func() { MustUint32(-1) })
}
