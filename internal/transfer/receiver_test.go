package transfer

import (
	"context"
	"errors"
	"testing"

	"bigxfer/internal/checkpoint"
	"bigxfer/internal/protocol"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type receiverFixture struct {
	r      *Receiver
	conn   *fakeConn
	store  *checkpoint.MemoryStore
	opener *memOpener
	rec    *recorder
	data   []byte
	meta   protocol.FileMeta
}

// newReceiverFixture builds a receiver for size bytes with 4-byte chunks
// and 4 chunks per checkpoint.
func newReceiverFixture(t *testing.T, size int) *receiverFixture {
	t.Helper()
	f := &receiverFixture{
		conn:   newFakeConn(),
		store:  checkpoint.NewMemoryStore(),
		opener: newMemOpener(),
		rec:    &recorder{},
		data:   patterned(size),
		meta:   testMeta("file-1", int64(size), 4, 4),
	}
	f.r = f.restart(t)
	return f
}

// restart builds a fresh receiver over the same store and opener.
func (f *receiverFixture) restart(t *testing.T) *Receiver {
	t.Helper()
	f.conn = newFakeConn()
	r, err := NewReceiver(f.meta, ReceiverConfig{
		Conn:   f.conn,
		Store:  f.store,
		Opener: f.opener,
		Hooks:  f.rec.hooks(),
		Clock:  newFakeClock(),
	})
	require.NoError(t, err)
	r.offer()
	f.r = r
	return r
}

func (f *receiverFixture) feed(chunks ...int) {
	for _, idx := range chunks {
		f.r.HandleFrame(frameFor(f.data, idx, 4, 4))
	}
}

func (f *receiverFixture) acks(t *testing.T) []int {
	t.Helper()
	var out []int
	for _, m := range f.conn.messages(protocol.MsgCheckpointAck) {
		out = append(out, payload[protocol.CheckpointAck](t, m).CheckpointIndex)
	}
	return out
}

func (f *receiverFixture) stored(t *testing.T) (checkpoint.Record, bool) {
	t.Helper()
	rec, found, err := f.store.Load(context.Background(), checkpoint.RoleReceive, f.meta.FileID)
	require.NoError(t, err)
	return rec, found
}

func seq(from, to int) []int {
	out := make([]int, 0, to-from)
	for i := from; i < to; i++ {
		out = append(out, i)
	}
	return out
}

func TestNewReceiverRejectsInvalidMeta(t *testing.T) {
	tests := []struct {
		name string
		meta protocol.FileMeta
	}{
		{name: "missing id", meta: testMeta("", 10, 4, 4)},
		{name: "zero chunk size", meta: protocol.FileMeta{FileID: "x", FileSize: 10, CheckpointChunks: 4}},
		{name: "wrong total", meta: protocol.FileMeta{FileID: "x", FileSize: 10, ChunkSize: 4, CheckpointChunks: 4, TotalChunks: 9}},
		{name: "negative size", meta: protocol.FileMeta{FileID: "x", FileSize: -1, ChunkSize: 4, CheckpointChunks: 4}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewReceiver(tt.meta, ReceiverConfig{Conn: newFakeConn(), Store: checkpoint.NewMemoryStore(), Opener: newMemOpener()})
			require.ErrorIs(t, err, ErrInvalidMetadata)
			var te *Error
			require.True(t, errors.As(err, &te))
			assert.Equal(t, CodeInvalidMeta, te.Code)
		})
	}
}

func TestReceiverFreshAccept(t *testing.T) {
	f := newReceiverFixture(t, 17)
	assert.Equal(t, StatePendingAcceptance, f.r.State())
	require.NoError(t, f.r.Accept(context.Background()))
	assert.Equal(t, StateTransferring, f.r.State())

	assert.Equal(t, []protocol.MessageType{protocol.MsgTransferAccepted}, f.conn.types())
	acc := payload[protocol.TransferAccepted](t, f.conn.messages(protocol.MsgTransferAccepted)[0])
	assert.Equal(t, -1, *acc.LastCheckpoint)
	assert.Equal(t, 0, *acc.NextChunk)

	require.ErrorIs(t, f.r.Accept(context.Background()), ErrInvalidState)
}

func TestReceiverCommitsEachCheckpoint(t *testing.T) {
	// 17 bytes: one full checkpoint of four chunks and a second holding a
	// single one-byte chunk.
	f := newReceiverFixture(t, 17)
	require.NoError(t, f.r.Accept(context.Background()))

	f.feed(0, 1, 2)
	assert.Empty(t, f.acks(t))
	f.feed(3)
	assert.Equal(t, []int{0}, f.acks(t))
	rec, found := f.stored(t)
	require.True(t, found)
	assert.Equal(t, 0, rec.LastCheckpoint)
	assert.Equal(t, int64(16), rec.BytesTransferred)

	f.feed(4)
	assert.Equal(t, []int{0, 1}, f.acks(t))
	assert.Equal(t, StateCompleted, f.r.State())

	got, ok := f.opener.result("file-1")
	require.True(t, ok)
	assert.Equal(t, f.data, got)
	_, found = f.stored(t)
	assert.False(t, found, "checkpoint record is removed on completion")
	assert.Equal(t, 1, f.rec.completed())
	assert.Equal(t, []int{0, 1}, f.rec.acked())
}

func TestReceiverOutOfOrderWithinCheckpoint(t *testing.T) {
	f := newReceiverFixture(t, 32)
	require.NoError(t, f.r.Accept(context.Background()))

	f.feed(3, 1, 0)
	assert.Empty(t, f.acks(t))
	f.feed(2)
	assert.Equal(t, []int{0}, f.acks(t))

	f.feed(7, 6, 5, 4)
	assert.Equal(t, StateCompleted, f.r.State())
	got, _ := f.opener.result("file-1")
	assert.Equal(t, f.data, got)
}

func TestReceiverDuplicateFrameIsIdempotent(t *testing.T) {
	f := newReceiverFixture(t, 32)
	require.NoError(t, f.r.Accept(context.Background()))

	f.feed(0, 0, 1, 1)
	assert.Equal(t, 2, f.opener.writeCount())
	st := f.r.Stats()
	assert.Equal(t, int64(8), st.BytesReceived)
	assert.Equal(t, 2, st.ReceivedInCurrent)
}

func TestReceiverDropsStaleFrame(t *testing.T) {
	f := newReceiverFixture(t, 64)
	require.NoError(t, f.r.Accept(context.Background()))

	f.feed(seq(0, 12)...)
	require.Equal(t, []int{0, 1, 2}, f.acks(t))
	f.feed(12)

	writes := f.opener.writeCount()
	bytes := f.r.Stats().BytesReceived
	f.feed(9)

	assert.Equal(t, writes, f.opener.writeCount(), "stale frame must not be written")
	assert.Equal(t, bytes, f.r.Stats().BytesReceived)
	assert.Equal(t, []int{0, 1, 2}, f.acks(t))
	assert.Equal(t, 3, f.r.Stats().CurrentCheckpoint)
	assert.Equal(t, StateTransferring, f.r.State())
}

func TestReceiverAsksForRewindOnGap(t *testing.T) {
	f := newReceiverFixture(t, 64)
	require.NoError(t, f.r.Accept(context.Background()))

	// Chunks 2 and 3 never arrive; the sender has moved on to checkpoint 1.
	f.feed(0, 1)
	f.feed(5)
	assert.Empty(t, f.acks(t))

	infos := f.conn.messages(protocol.MsgResumeInfo)
	require.Len(t, infos, 1)
	info := payload[protocol.ResumeInfo](t, infos[0])
	assert.Equal(t, -1, info.LastCheckpoint)
	assert.Equal(t, 0, *info.NextChunk)

	st := f.r.Stats()
	assert.Equal(t, 0, st.CurrentCheckpoint)
	assert.Equal(t, -1, st.LastCommitted)
	assert.Zero(t, st.ReceivedInCurrent)
	assert.Zero(t, st.BytesReceived)

	f.feed(4, 6, 7)
	assert.Empty(t, f.acks(t), "nothing past the gap is committed")
	assert.Len(t, f.conn.messages(protocol.MsgResumeInfo), 1, "one rewind request per gap")
	assert.Equal(t, 2, f.opener.writeCount())
	_, found := f.stored(t)
	assert.False(t, found)

	f.feed(seq(0, 16)...)
	assert.Equal(t, []int{0, 1, 2, 3}, f.acks(t))
	assert.Equal(t, StateCompleted, f.r.State())
	got, ok := f.opener.result("file-1")
	require.True(t, ok)
	assert.Equal(t, f.data, got)
}

func TestReceiverGapSurvivesRestart(t *testing.T) {
	f := newReceiverFixture(t, 40)
	require.NoError(t, f.r.Accept(context.Background()))
	f.feed(0, 1)
	f.feed(4, 5, 6, 7)
	assert.Empty(t, f.acks(t))

	f.r.ConnectionLost()
	r := f.restart(t)
	require.NoError(t, r.Accept(context.Background()))
	acc := payload[protocol.TransferAccepted](t, f.conn.messages(protocol.MsgTransferAccepted)[0])
	assert.Equal(t, -1, *acc.LastCheckpoint)
	assert.Equal(t, 0, *acc.NextChunk)

	f.feed(seq(0, 10)...)
	assert.Equal(t, StateCompleted, r.State())
	got, ok := f.opener.result("file-1")
	require.True(t, ok)
	assert.Equal(t, f.data, got)
}

func TestReceiverMalformedFramesAreDropped(t *testing.T) {
	f := newReceiverFixture(t, 17)
	require.NoError(t, f.r.Accept(context.Background()))

	frames := map[string][]byte{
		"short header":          {0, 0, 0},
		"checkpoint mismatch":   protocol.EncodeFrame(1, 0, f.data[0:4]),
		"chunk beyond total":    protocol.EncodeFrame(2, 8, f.data[0:4]),
		"payload length":        protocol.EncodeFrame(0, 0, f.data[0:3]),
		"short last chunk size": protocol.EncodeFrame(1, 4, f.data[0:4]),
	}
	for name, frame := range frames {
		f.r.HandleFrame(frame)
		assert.Equal(t, StateTransferring, f.r.State(), name)
	}
	assert.Zero(t, f.opener.writeCount())

	errs := f.rec.errorList()
	require.Len(t, errs, len(frames))
	for _, e := range errs {
		assert.ErrorIs(t, e, ErrMalformedFrame)
	}
}

func TestReceiverBuffersFramesBeforeAccept(t *testing.T) {
	f := newReceiverFixture(t, 17)
	f.feed(0, 1)
	assert.Zero(t, f.opener.writeCount())

	require.NoError(t, f.r.Accept(context.Background()))
	assert.Equal(t, 2, f.opener.writeCount())
	assert.Equal(t, int64(8), f.r.Stats().BytesReceived)
}

func TestReceiverPendingFramesAreBounded(t *testing.T) {
	f := newReceiverFixture(t, 64)
	r, err := NewReceiver(f.meta, ReceiverConfig{
		Conn:             f.conn,
		Store:            f.store,
		Opener:           f.opener,
		MaxPendingFrames: 2,
	})
	require.NoError(t, err)
	f.r = r

	f.feed(0, 1, 2)
	require.NoError(t, r.Accept(context.Background()))
	assert.Equal(t, 2, f.opener.writeCount())
}

func TestReceiverEmptyFile(t *testing.T) {
	f := newReceiverFixture(t, 0)
	require.NoError(t, f.r.Accept(context.Background()))

	assert.Equal(t, StateCompleted, f.r.State())
	assert.Equal(t, []int{0}, f.acks(t))
	got, ok := f.opener.result("file-1")
	require.True(t, ok)
	assert.Empty(t, got)
}

func TestReceiverResumesAfterRestart(t *testing.T) {
	f := newReceiverFixture(t, 45)
	require.NoError(t, f.r.Accept(context.Background()))
	f.feed(seq(0, 8)...)
	f.feed(8, 9)
	require.Equal(t, []int{0, 1}, f.acks(t))

	f.r.ConnectionLost()
	assert.Equal(t, StateFailed, f.r.State())
	rec, found := f.stored(t)
	require.True(t, found, "record survives a lost connection")
	assert.Equal(t, 1, rec.LastCheckpoint)

	r := f.restart(t)
	require.NoError(t, r.Accept(context.Background()))
	assert.Equal(t, []protocol.MessageType{protocol.MsgResumeInfo, protocol.MsgTransferAccepted}, f.conn.types())

	info := payload[protocol.ResumeInfo](t, f.conn.messages(protocol.MsgResumeInfo)[0])
	assert.Equal(t, 1, info.LastCheckpoint)
	assert.Equal(t, 8, *info.NextChunk)
	acc := payload[protocol.TransferAccepted](t, f.conn.messages(protocol.MsgTransferAccepted)[0])
	assert.Equal(t, 1, *acc.LastCheckpoint)
	assert.Equal(t, 8, *acc.NextChunk)
	assert.Equal(t, int64(32), r.Stats().BytesReceived)

	f.feed(0, 3)
	assert.Equal(t, int64(32), r.Stats().BytesReceived, "frames of committed checkpoints are ignored")

	f.feed(seq(8, 12)...)
	assert.Equal(t, []int{2}, f.acks(t))
	assert.Equal(t, StateCompleted, r.State())
	got, ok := f.opener.result("file-1")
	require.True(t, ok)
	assert.Equal(t, f.data, got)
}

func TestReceiverFinalizesFullyCommittedResume(t *testing.T) {
	f := newReceiverFixture(t, 16)
	require.NoError(t, f.store.Save(context.Background(), checkpoint.Record{
		Role: checkpoint.RoleReceive, FileID: "file-1", FileName: "data.bin", FileSize: 16, ChunkSize: 4, CheckpointChunks: 4, LastCheckpoint: 0,
	}))
	f.opener.partial["file-1"] = append([]byte(nil), f.data...)

	require.NoError(t, f.r.Accept(context.Background()))
	assert.Equal(t, StateCompleted, f.r.State())
	assert.Equal(t, []int{0}, f.acks(t), "the final checkpoint is acknowledged again")
	got, _ := f.opener.result("file-1")
	assert.Equal(t, f.data, got)
}

func TestReceiverResumeWithoutPartialStartsFresh(t *testing.T) {
	f := newReceiverFixture(t, 45)
	require.NoError(t, f.store.Save(context.Background(), checkpoint.Record{
		Role: checkpoint.RoleReceive, FileID: "file-1", FileName: "data.bin", FileSize: 45, ChunkSize: 4, CheckpointChunks: 4, LastCheckpoint: 1,
	}))

	require.NoError(t, f.r.Accept(context.Background()))
	assert.Empty(t, f.conn.messages(protocol.MsgResumeInfo))
	acc := payload[protocol.TransferAccepted](t, f.conn.messages(protocol.MsgTransferAccepted)[0])
	assert.Equal(t, -1, *acc.LastCheckpoint)
	_, found := f.stored(t)
	assert.False(t, found)
}

func TestReceiverDiscardsRecordForDifferentSize(t *testing.T) {
	f := newReceiverFixture(t, 45)
	require.NoError(t, f.store.Save(context.Background(), checkpoint.Record{
		Role: checkpoint.RoleReceive, FileID: "file-1", FileName: "data.bin", FileSize: 99, ChunkSize: 4, CheckpointChunks: 4, LastCheckpoint: 1,
	}))
	require.NoError(t, f.r.Accept(context.Background()))
	acc := payload[protocol.TransferAccepted](t, f.conn.messages(protocol.MsgTransferAccepted)[0])
	assert.Equal(t, -1, *acc.LastCheckpoint)
}

func TestReceiverDiscardsRecordForDifferentLayout(t *testing.T) {
	tests := []struct {
		name      string
		chunkSize int
		k         int
	}{
		{name: "chunk size", chunkSize: 8, k: 4},
		{name: "checkpoint width", chunkSize: 4, k: 2},
		{name: "unknown layout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newReceiverFixture(t, 45)
			require.NoError(t, f.store.Save(context.Background(), checkpoint.Record{
				Role: checkpoint.RoleReceive, FileID: "file-1", FileName: "data.bin", FileSize: 45,
				ChunkSize: tt.chunkSize, CheckpointChunks: tt.k, LastCheckpoint: 1,
			}))
			f.opener.partial["file-1"] = append([]byte(nil), f.data[:32]...)

			require.NoError(t, f.r.Accept(context.Background()))
			assert.Empty(t, f.conn.messages(protocol.MsgResumeInfo))
			acc := payload[protocol.TransferAccepted](t, f.conn.messages(protocol.MsgTransferAccepted)[0])
			assert.Equal(t, -1, *acc.LastCheckpoint)
			assert.Equal(t, 0, *acc.NextChunk)
			assert.Zero(t, f.r.Stats().BytesReceived)
		})
	}
}

func TestReceiverCommitSurvivesPersistFailure(t *testing.T) {
	f := newReceiverFixture(t, 32)
	store := &failingSaveStore{MemoryStore: f.store, err: errors.New("database is locked")}
	r, err := NewReceiver(f.meta, ReceiverConfig{
		Conn:   f.conn,
		Store:  store,
		Opener: f.opener,
		Hooks:  f.rec.hooks(),
		Clock:  newFakeClock(),
	})
	require.NoError(t, err)
	f.r = r
	require.NoError(t, r.Accept(context.Background()))

	f.feed(0, 1, 2, 3)
	assert.Equal(t, []int{0}, f.acks(t), "the checkpoint is acknowledged anyway")
	assert.Equal(t, StateTransferring, r.State())
	assert.Equal(t, 0, r.Stats().LastCommitted)

	errs := f.rec.errorList()
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrCheckpointPersist)
	assert.Empty(t, f.conn.messages(protocol.MsgTransferError))

	f.feed(4, 5, 6, 7)
	assert.Equal(t, StateCompleted, r.State())
}

func TestReceiverResumedAnnounceAfterPause(t *testing.T) {
	f := newReceiverFixture(t, 45)
	require.NoError(t, f.r.Accept(context.Background()))
	f.feed(seq(0, 4)...)
	f.feed(4, 5, 7)

	f.r.HandlePause()
	assert.Equal(t, StatePaused, f.r.State())

	meta := f.meta
	meta.Resumed = true
	f.r.HandleMeta(meta)
	assert.Equal(t, StateTransferring, f.r.State())

	info := payload[protocol.ResumeInfo](t, f.conn.messages(protocol.MsgResumeInfo)[0])
	assert.Equal(t, 0, info.LastCheckpoint)
	assert.Equal(t, 6, *info.NextChunk)
	accs := f.conn.messages(protocol.MsgTransferAccepted)
	require.Len(t, accs, 2)
	acc := payload[protocol.TransferAccepted](t, accs[1])
	assert.Equal(t, 0, *acc.LastCheckpoint)
	assert.Equal(t, 6, *acc.NextChunk)

	f.feed(6)
	assert.Equal(t, []int{0, 1}, f.acks(t))
}

func TestReceiverFailures(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(o *memOpener)
		feed     bool
		wantCode string
		wantKind error
	}{
		{
			name:     "sink create",
			setup:    func(o *memOpener) { o.createFn = func(protocol.FileMeta) error { return errors.New("disk full") } },
			wantCode: CodeFileInitError,
			wantKind: ErrSinkInit,
		},
		{
			name:     "chunk write",
			setup:    func(o *memOpener) { o.writeErr = errors.New("io error") },
			feed:     true,
			wantCode: CodeChunkWriteError,
			wantKind: ErrSinkWrite,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newReceiverFixture(t, 17)
			tt.setup(f.opener)

			err := f.r.Accept(context.Background())
			if tt.feed {
				require.NoError(t, err)
				f.feed(0)
			} else {
				require.ErrorIs(t, err, tt.wantKind)
			}

			assert.Equal(t, StateFailed, f.r.State())
			errs := f.conn.messages(protocol.MsgTransferError)
			require.Len(t, errs, 1)
			assert.Equal(t, tt.wantCode, payload[protocol.TransferError](t, errs[0]).Code)
			recorded := f.rec.errorList()
			require.NotEmpty(t, recorded)
			assert.ErrorIs(t, recorded[len(recorded)-1], tt.wantKind)
		})
	}
}

func TestReceiverResumeOpenFailure(t *testing.T) {
	f := newReceiverFixture(t, 45)
	require.NoError(t, f.store.Save(context.Background(), checkpoint.Record{
		Role: checkpoint.RoleReceive, FileID: "file-1", FileName: "data.bin", FileSize: 45, ChunkSize: 4, CheckpointChunks: 4, LastCheckpoint: 0,
	}))
	f.r.opener = failingOpener{err: errors.New("permission denied")}

	require.ErrorIs(t, f.r.Accept(context.Background()), ErrSinkInit)
	te := payload[protocol.TransferError](t, f.conn.messages(protocol.MsgTransferError)[0])
	assert.Equal(t, CodeFileResumeError, te.Code)
}

func TestReceiverCancelFromEveryState(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T, f *receiverFixture)
	}{
		{name: "pending", setup: func(*testing.T, *receiverFixture) {}},
		{name: "transferring", setup: func(t *testing.T, f *receiverFixture) {
			require.NoError(t, f.r.Accept(context.Background()))
			f.feed(0, 1, 2, 3, 4)
		}},
		{name: "paused", setup: func(t *testing.T, f *receiverFixture) {
			require.NoError(t, f.r.Accept(context.Background()))
			f.feed(0, 1, 2, 3)
			f.r.HandlePause()
		}},
	}
	for _, tt := range tests {
		for _, remote := range []bool{false, true} {
			name := tt.name + "/local"
			if remote {
				name = tt.name + "/remote"
			}
			t.Run(name, func(t *testing.T) {
				f := newReceiverFixture(t, 45)
				tt.setup(t, f)
				require.NoError(t, f.store.Save(context.Background(), checkpoint.Record{
					Role: checkpoint.RoleReceive, FileID: "file-1", FileName: "data.bin", FileSize: 45, ChunkSize: 4, CheckpointChunks: 4, LastCheckpoint: 0,
				}))

				if remote {
					f.r.HandleRemoteCancel()
					assert.Empty(t, f.conn.messages(protocol.MsgTransferCancel))
				} else {
					require.NoError(t, f.r.Cancel())
					assert.Len(t, f.conn.messages(protocol.MsgTransferCancel), 1)
				}

				assert.Equal(t, StateCancelled, f.r.State())
				_, found := f.stored(t)
				assert.False(t, found)
				assert.False(t, f.opener.hasPartial("file-1"), "partial data is discarded")
				require.NoError(t, f.r.Cancel())
			})
		}
	}
}

func TestReceiverReject(t *testing.T) {
	f := newReceiverFixture(t, 17)
	require.NoError(t, f.r.Reject("not now"))
	assert.Equal(t, StateCancelled, f.r.State())
	te := payload[protocol.TransferError](t, f.conn.messages(protocol.MsgTransferError)[0])
	assert.Equal(t, CodeRejected, te.Code)
	assert.Equal(t, "not now", te.Message)
}
