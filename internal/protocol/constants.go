// Package protocol defines the wire format shared by both peers of a
// transfer: the binary chunk frame, the JSON control messages and the
// transfer identity.
package protocol

const (
	// ChunkSize is the default payload size of one binary frame.
	ChunkSize = 2 * 1024 * 1024

	// CheckpointChunks is the default number of chunks per checkpoint
	// (256 MiB with the default chunk size).
	CheckpointChunks = 128

	// HeaderSize is the fixed binary frame header: checkpoint index and
	// chunk index, both big-endian uint32.
	HeaderSize = 8

	// BufferHighWatermark halts sending once the connection has this many
	// bytes queued.
	BufferHighWatermark = 16 * 1024 * 1024

	// BufferLowWatermark resumes sending once the queue drains below it.
	BufferLowWatermark = 8 * 1024 * 1024

	// MaxChunkSize bounds the chunk size a receiver accepts in file-meta.
	MaxChunkSize = 64 * 1024 * 1024
)
