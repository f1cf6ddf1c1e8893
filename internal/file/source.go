package file

import (
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"path/filepath"
	"time"

	"bigxfer/internal/protocol"
)

var ErrChunkOutOfRange = errors.New("chunk index out of range")

// Chunk is one slice of the source. Data is only valid until the
// iterator that produced it advances.
type Chunk struct {
	Index int
	Data  []byte
}

// Source slices a file into fixed-size chunks on demand. It never holds
// more than one chunk in memory.
type Source struct {
	r         io.ReaderAt
	closer    io.Closer
	name      string
	size      int64
	modTime   time.Time
	chunkSize int
	total     int
}

// NewSource wraps an arbitrary ReaderAt. name and modTime feed the
// transfer identity.
func NewSource(r io.ReaderAt, name string, size int64, modTime time.Time, chunkSize int) *Source {
	if chunkSize <= 0 {
		chunkSize = protocol.ChunkSize
	}
	return &Source{
		r:         r,
		name:      name,
		size:      size,
		modTime:   modTime,
		chunkSize: chunkSize,
		total:     protocol.TotalChunks(size, chunkSize),
	}
}

// OpenSource opens a file on disk for chunked reading.
func OpenSource(path string, chunkSize int) (*Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}

	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to get file info: %w", err)
	}
	if stat.IsDir() {
		f.Close()
		return nil, fmt.Errorf("%s is a directory", path)
	}

	src := NewSource(f, filepath.Base(path), stat.Size(), stat.ModTime(), chunkSize)
	src.closer = f
	return src, nil
}

func (s *Source) Name() string       { return s.name }
func (s *Source) Size() int64        { return s.size }
func (s *Source) ModTime() time.Time { return s.modTime }
func (s *Source) ChunkSize() int     { return s.chunkSize }
func (s *Source) TotalChunks() int   { return s.total }

// ReadChunk reads chunk index into buf (grown if needed) and returns the
// filled slice.
func (s *Source) ReadChunk(index int, buf []byte) ([]byte, error) {
	if index < 0 || index >= s.total {
		return nil, fmt.Errorf("%w: %d of %d", ErrChunkOutOfRange, index, s.total)
	}
	off := int64(index) * int64(s.chunkSize)
	n := int(min(int64(s.chunkSize), s.size-off))
	if cap(buf) < n {
		buf = make([]byte, n)
	}
	buf = buf[:n]

	read, err := s.r.ReadAt(buf, off)
	if err != nil && !(errors.Is(err, io.EOF) && read == n) {
		return nil, fmt.Errorf("failed to read chunk %d: %w", index, err)
	}
	return buf, nil
}

// ChunksFrom yields chunks start, start+1, ... up to the last one. The
// sequence can be restarted at any chunk boundary by calling ChunksFrom
// again. Iteration stops after the first error.
func (s *Source) ChunksFrom(start int) iter.Seq2[Chunk, error] {
	return func(yield func(Chunk, error) bool) {
		var buf []byte
		for index := max(start, 0); index < s.total; index++ {
			data, err := s.ReadChunk(index, buf)
			if err != nil {
				yield(Chunk{Index: index}, err)
				return
			}
			buf = data
			if !yield(Chunk{Index: index, Data: data}, nil) {
				return
			}
		}
	}
}

// Contents yields the payload of every chunk in order.
func (s *Source) Contents() iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		for chunk, err := range s.ChunksFrom(0) {
			if !yield(chunk.Data, err) || err != nil {
				return
			}
		}
	}
}

// Close releases the underlying file when the source owns one.
func (s *Source) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}
