package transfer

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"bigxfer/internal/checkpoint"
	"bigxfer/internal/file"
	"bigxfer/internal/protocol"

	"github.com/stretchr/testify/require"
)

var errConnClosed = errors.New("connection closed")

// fakeConn records everything sent and lets tests steer the buffered
// amount.
type fakeConn struct {
	mu       sync.Mutex
	open     bool
	buffered uint64
	frames   []protocol.Frame
	controls []protocol.Message
	drained  chan struct{}
	sendErr  error
}

func newFakeConn() *fakeConn {
	return &fakeConn{open: true, drained: make(chan struct{}, 1)}
}

func (c *fakeConn) Send(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return errConnClosed
	}
	if c.sendErr != nil {
		return c.sendErr
	}
	f, err := protocol.DecodeFrame(bytes.Clone(frame))
	if err != nil {
		return err
	}
	c.frames = append(c.frames, f)
	return nil
}

func (c *fakeConn) SendText(msg string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return errConnClosed
	}
	m, err := protocol.DecodeMessage([]byte(msg))
	if err != nil {
		return err
	}
	c.controls = append(c.controls, m)
	return nil
}

func (c *fakeConn) BufferedAmount() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buffered
}

func (c *fakeConn) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

func (c *fakeConn) Drained() <-chan struct{} {
	return c.drained
}

func (c *fakeConn) setBuffered(n uint64) {
	c.mu.Lock()
	c.buffered = n
	c.mu.Unlock()
	select {
	case c.drained <- struct{}{}:
	default:
	}
}

func (c *fakeConn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.open = false
}

func (c *fakeConn) frameCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

func (c *fakeConn) sentFrames() []protocol.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Frame(nil), c.frames...)
}

// messages returns the sent control messages of the given type.
func (c *fakeConn) messages(t protocol.MessageType) []protocol.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []protocol.Message
	for _, m := range c.controls {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

func (c *fakeConn) types() []protocol.MessageType {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.MessageType, 0, len(c.controls))
	for _, m := range c.controls {
		out = append(out, m.Type)
	}
	return out
}

func payload[T any](t *testing.T, m protocol.Message) T {
	t.Helper()
	v, err := protocol.DecodePayload[T](m)
	require.NoError(t, err)
	return v
}

// fakeClock advances only when told to. Its After channels never fire,
// so waits end only on drain signals.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(time.Duration) <-chan time.Time {
	return make(chan time.Time)
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// failingSaveStore is a MemoryStore whose Save always fails.
type failingSaveStore struct {
	*checkpoint.MemoryStore
	err error
}

func (s *failingSaveStore) Save(context.Context, checkpoint.Record) error {
	return s.err
}

// brokenReader fails every read.
type brokenReader struct{ err error }

func (r brokenReader) ReadAt([]byte, int64) (int, error) {
	return 0, r.err
}

// memOpener keeps partial and finished files in memory by name. It
// survives a "restart" as long as the test keeps the same instance.
type memOpener struct {
	mu       sync.Mutex
	partial  map[string][]byte
	final    map[string][]byte
	writes   int
	createFn func(meta protocol.FileMeta) error
	writeErr error
}

func newMemOpener() *memOpener {
	return &memOpener{partial: map[string][]byte{}, final: map[string][]byte{}}
}

func (o *memOpener) Create(meta protocol.FileMeta) (file.Sink, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.createFn != nil {
		if err := o.createFn(meta); err != nil {
			return nil, err
		}
	}
	o.partial[meta.FileID] = nil
	return &memSink{o: o, meta: meta}, nil
}

func (o *memOpener) Resume(meta protocol.FileMeta, offset int64) (file.Sink, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	data, ok := o.partial[meta.FileID]
	if !ok || int64(len(data)) < offset {
		return nil, file.ErrNoPartial
	}
	o.partial[meta.FileID] = data[:offset]
	return &memSink{o: o, meta: meta}, nil
}

func (o *memOpener) result(fileID string) ([]byte, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	b, ok := o.final[fileID]
	return b, ok
}

func (o *memOpener) hasPartial(fileID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.partial[fileID]
	return ok
}

func (o *memOpener) writeCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.writes
}

type failingOpener struct{ err error }

func (o failingOpener) Create(protocol.FileMeta) (file.Sink, error)        { return nil, o.err }
func (o failingOpener) Resume(protocol.FileMeta, int64) (file.Sink, error) { return nil, o.err }

type memSink struct {
	o      *memOpener
	meta   protocol.FileMeta
	closed bool
}

func (s *memSink) WriteAt(p []byte, off int64) (int, error) {
	s.o.mu.Lock()
	defer s.o.mu.Unlock()
	if s.closed {
		return 0, file.ErrSinkClosed
	}
	if s.o.writeErr != nil {
		return 0, s.o.writeErr
	}
	data := s.o.partial[s.meta.FileID]
	if end := off + int64(len(p)); end > int64(len(data)) {
		data = append(data, make([]byte, end-int64(len(data)))...)
	}
	copy(data[off:], p)
	s.o.partial[s.meta.FileID] = data
	s.o.writes++
	return len(p), nil
}

func (s *memSink) Flush() error { return nil }

func (s *memSink) Close() error {
	s.o.mu.Lock()
	defer s.o.mu.Unlock()
	if s.closed {
		return file.ErrSinkClosed
	}
	s.closed = true
	s.o.final[s.meta.FileID] = s.o.partial[s.meta.FileID]
	delete(s.o.partial, s.meta.FileID)
	return nil
}

func (s *memSink) Abort() error {
	s.o.mu.Lock()
	defer s.o.mu.Unlock()
	s.closed = true
	delete(s.o.partial, s.meta.FileID)
	return nil
}

func (s *memSink) Detach() error {
	s.o.mu.Lock()
	defer s.o.mu.Unlock()
	s.closed = true
	return nil
}

// pipe connects two registries. Each end delivers to its peer's handler
// on a pump goroutine, in send order. Frames for chunks at or past
// cutFrom are swallowed when cutFrom is positive; chunks listed in
// dropOnce are swallowed the first time they are sent.
type pipe struct {
	a, b *pipeEnd
}

type delivery struct {
	binary bool
	data   []byte
}

type handler interface {
	HandleFrame(data []byte)
	HandleControl(data []byte) error
}

type pipeEnd struct {
	mu      sync.Mutex
	open    bool
	peer    *pipeEnd
	inbox   chan delivery
	handler handler
	cutFrom  int
	dropOnce map[uint32]bool
	frames   []protocol.Frame
	texts   []protocol.Message
	drained chan struct{}
	quit    chan struct{}
}

func newPipe(t *testing.T) *pipe {
	t.Helper()
	a := &pipeEnd{open: true, inbox: make(chan delivery, 4096), drained: make(chan struct{}), quit: make(chan struct{})}
	b := &pipeEnd{open: true, inbox: make(chan delivery, 4096), drained: make(chan struct{}), quit: make(chan struct{})}
	a.peer, b.peer = b, a
	t.Cleanup(func() {
		close(a.quit)
		close(b.quit)
	})
	return &pipe{a: a, b: b}
}

// attach starts delivering messages for this end to h.
func (e *pipeEnd) attach(h handler) {
	e.handler = h
	go func() {
		for {
			select {
			case d := <-e.inbox:
				if d.binary {
					e.handler.HandleFrame(d.data)
				} else {
					_ = e.handler.HandleControl(d.data)
				}
			case <-e.quit:
				return
			}
		}
	}()
}

func (e *pipeEnd) Send(frame []byte) error {
	e.mu.Lock()
	if !e.open {
		e.mu.Unlock()
		return errConnClosed
	}
	f, err := protocol.DecodeFrame(bytes.Clone(frame))
	if err != nil {
		e.mu.Unlock()
		return err
	}
	e.frames = append(e.frames, f)
	cut := e.cutFrom > 0 && int(f.ChunkIndex) >= e.cutFrom
	if e.dropOnce[f.ChunkIndex] {
		delete(e.dropOnce, f.ChunkIndex)
		cut = true
	}
	e.mu.Unlock()
	if cut {
		return nil
	}
	e.peer.inbox <- delivery{binary: true, data: bytes.Clone(frame)}
	return nil
}

func (e *pipeEnd) SendText(msg string) error {
	e.mu.Lock()
	if !e.open {
		e.mu.Unlock()
		return errConnClosed
	}
	if m, err := protocol.DecodeMessage([]byte(msg)); err == nil {
		e.texts = append(e.texts, m)
	}
	e.mu.Unlock()
	e.peer.inbox <- delivery{data: []byte(msg)}
	return nil
}

func (e *pipeEnd) BufferedAmount() uint64   { return 0 }
func (e *pipeEnd) Drained() <-chan struct{} { return e.drained }

func (e *pipeEnd) IsOpen() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.open
}

func (e *pipeEnd) close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.open = false
}

func (e *pipeEnd) messages(t protocol.MessageType) []protocol.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []protocol.Message
	for _, m := range e.texts {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

func (e *pipeEnd) sentFrames() []protocol.Frame {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]protocol.Frame(nil), e.frames...)
}

// memSource is an in-memory ChunkSource.
func memSource(name string, data []byte, chunkSize int) *file.Source {
	return file.NewSource(bytes.NewReader(data), name, int64(len(data)), time.Unix(1700000000, 0), chunkSize)
}

func patterned(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*31 + i/7)
	}
	return b
}

func testMeta(id string, size int64, chunkSize, k int) protocol.FileMeta {
	return protocol.FileMeta{
		FileID:           id,
		FileName:         "data.bin",
		FileSize:         size,
		ChunkSize:        chunkSize,
		CheckpointChunks: k,
		TotalChunks:      protocol.TotalChunks(size, chunkSize),
	}
}

// frameFor encodes the frame for chunk idx of data.
func frameFor(data []byte, idx, chunkSize, k int) []byte {
	start := idx * chunkSize
	end := min(start+chunkSize, len(data))
	return protocol.EncodeFrame(uint32(idx/k), uint32(idx), data[start:end])
}

func rawControl(t *testing.T, msgType protocol.MessageType, p any) []byte {
	t.Helper()
	b, err := protocol.EncodeMessage(msgType, p)
	require.NoError(t, err)
	return b
}

func intPtr(v int) *int { return &v }

