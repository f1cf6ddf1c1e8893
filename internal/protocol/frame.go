package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ErrMalformedFrame is returned by DecodeFrame for frames shorter than the header.
var ErrMalformedFrame = errors.New("malformed frame")

// Frame is a decoded binary chunk frame. Data aliases the buffer passed
// to DecodeFrame.
type Frame struct {
	CheckpointIndex uint32
	ChunkIndex      uint32
	Data            []byte
}

// EncodeFrame builds header+payload in a single allocation.
func EncodeFrame(checkpointIndex, chunkIndex uint32, data []byte) []byte {
	frame := make([]byte, HeaderSize+len(data))
	binary.BigEndian.PutUint32(frame[0:4], checkpointIndex)
	binary.BigEndian.PutUint32(frame[4:8], chunkIndex)
	copy(frame[HeaderSize:], data)
	return frame
}

// DecodeFrame parses a frame without copying the payload.
func DecodeFrame(frame []byte) (Frame, error) {
	if len(frame) < HeaderSize {
		return Frame{}, fmt.Errorf("%w: %d bytes, need at least %d", ErrMalformedFrame, len(frame), HeaderSize)
	}
	return Frame{
		CheckpointIndex: binary.BigEndian.Uint32(frame[0:4]),
		ChunkIndex:      binary.BigEndian.Uint32(frame[4:8]),
		Data:            frame[HeaderSize:],
	}, nil
}

// MustUint32 converts a chunk or checkpoint index for the wire. Indices
// outside the uint32 range cannot be produced by a valid transfer.
func MustUint32(v int) uint32 {
	if v < 0 || uint64(v) > math.MaxUint32 {
		panic(fmt.Sprintf("protocol: index %d out of uint32 range", v))
	}
	return uint32(v)
}

// CheckpointIndexOf returns the checkpoint containing chunkIndex.
func CheckpointIndexOf(chunkIndex, k int) int {
	return chunkIndex / k
}

// CheckpointStartChunk returns the first chunk index of a checkpoint.
func CheckpointStartChunk(checkpointIndex, k int) int {
	return checkpointIndex * k
}

// TotalChunks returns ceil(size / chunkSize).
func TotalChunks(size int64, chunkSize int) int {
	if size <= 0 {
		return 0
	}
	return int((size + int64(chunkSize) - 1) / int64(chunkSize))
}

// TotalCheckpoints returns the number of checkpoints for totalChunks.
// An empty file still has one (empty) checkpoint so that it can be
// acknowledged.
func TotalCheckpoints(totalChunks, k int) int {
	if totalChunks <= 0 {
		return 1
	}
	return (totalChunks + k - 1) / k
}

// ExpectedChunks is the number of chunks a checkpoint must contain
// before it is complete. The final checkpoint may be short.
func ExpectedChunks(checkpointIndex, totalChunks, k int) int {
	start := CheckpointStartChunk(checkpointIndex, k)
	end := min(start+k, totalChunks)
	if end < start {
		return 0
	}
	return end - start
}
