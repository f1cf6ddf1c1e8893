package transfer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"bigxfer/internal/checkpoint"
	"bigxfer/internal/file"
	"bigxfer/internal/protocol"

	"github.com/sirupsen/logrus"
)

// DefaultMaxPendingFrames bounds how many frames a receiver holds while
// its sink is still being opened.
const DefaultMaxPendingFrames = 64

// ReceiverConfig holds the collaborators and tuning of a Receiver.
type ReceiverConfig struct {
	Conn             Conn
	Store            checkpoint.Store
	Opener           file.Opener
	Hooks            Hooks
	Clock            Clock
	MaxPendingFrames int
}

// ReceiverStats is a snapshot of a Receiver's position.
type ReceiverStats struct {
	State             State
	CurrentCheckpoint int
	LastCommitted     int
	ReceivedInCurrent int
	BytesReceived     int64
	TotalBytes        int64
}

// Receiver writes one inbound file and commits it checkpoint by
// checkpoint. All methods are safe for concurrent use.
type Receiver struct {
	mu sync.Mutex

	conn   Conn
	store  checkpoint.Store
	opener file.Opener
	hooks  Hooks
	clock  Clock

	meta             protocol.FileMeta
	totalCheckpoints int
	maxPending       int

	state             State
	sink              file.Sink
	currentCheckpoint int
	lastCommitted     int
	received          map[int]struct{}
	bytesReceived     int64
	sessionBytes      int64
	startTime         time.Time
	pendingFrames     [][]byte
	// rewindRequested is set while the sender has been asked to go back
	// to the current checkpoint and has not yet done so.
	rewindRequested bool

	done     chan struct{}
	doneOnce sync.Once
	pending  events
}

// NewReceiver validates an announced file and creates an idle Receiver.
func NewReceiver(meta protocol.FileMeta, cfg ReceiverConfig) (*Receiver, error) {
	if err := meta.Validate(); err != nil {
		return nil, newError(meta.FileID, ErrInvalidMetadata, CodeInvalidMeta, err)
	}
	if cfg.Conn == nil || cfg.Store == nil || cfg.Opener == nil {
		return nil, errors.New("receiver requires a connection, a checkpoint store and an opener")
	}
	if cfg.Clock == nil {
		cfg.Clock = RealClock
	}
	if cfg.MaxPendingFrames <= 0 {
		cfg.MaxPendingFrames = DefaultMaxPendingFrames
	}
	meta.Resumed = false

	return &Receiver{
		conn:             cfg.Conn,
		store:            cfg.Store,
		opener:           cfg.Opener,
		hooks:            cfg.Hooks,
		clock:            cfg.Clock,
		meta:             meta,
		totalCheckpoints: meta.TotalCheckpoints(),
		maxPending:       cfg.MaxPendingFrames,
		state:            StateIdle,
		lastCommitted:    -1,
		received:         make(map[int]struct{}),
		done:             make(chan struct{}),
	}, nil
}

func (r *Receiver) FileID() string {
	return r.meta.FileID
}

func (r *Receiver) Meta() protocol.FileMeta {
	return r.meta
}

func (r *Receiver) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Done is closed once the receiver reaches a terminal state.
func (r *Receiver) Done() <-chan struct{} {
	return r.done
}

func (r *Receiver) Stats() ReceiverStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return ReceiverStats{
		State:             r.state,
		CurrentCheckpoint: r.currentCheckpoint,
		LastCommitted:     r.lastCommitted,
		ReceivedInCurrent: len(r.received),
		BytesReceived:     r.bytesReceived,
		TotalBytes:        r.meta.FileSize,
	}
}

// offer moves an idle receiver to pending acceptance.
func (r *Receiver) offer() {
	r.mu.Lock()
	defer r.unlock()
	if r.state == StateIdle {
		r.setState(StatePendingAcceptance)
	}
}

// Accept opens the sink, resuming from a stored checkpoint when one
// matches, and tells the sender where to start.
func (r *Receiver) Accept(ctx context.Context) error {
	r.mu.Lock()
	defer r.unlock()

	if r.state != StateIdle && r.state != StatePendingAcceptance {
		return fmt.Errorf("accept from %s: %w", r.state, ErrInvalidState)
	}
	r.setState(StateInitializing)

	log := logrus.WithFields(logrus.Fields{
		"function":  "Receiver.Accept",
		"file_id":   r.meta.FileID,
		"file_name": r.meta.FileName,
		"file_size": r.meta.FileSize,
	})

	rec, found, err := r.store.Load(ctx, checkpoint.RoleReceive, r.meta.FileID)
	if err != nil {
		log.WithError(err).Warn("Failed to load checkpoint, starting fresh")
		found = false
	}
	resume := found && rec.SameLayout(r.meta.FileSize, r.meta.ChunkSize, r.meta.CheckpointChunks) &&
		rec.LastCheckpoint >= 0 && rec.LastCheckpoint < r.totalCheckpoints

	if resume {
		last := rec.LastCheckpoint
		offset := min(chunkOffset(protocol.CheckpointStartChunk(last+1, r.meta.CheckpointChunks), r.meta.ChunkSize), r.meta.FileSize)

		sink, err := r.opener.Resume(r.meta, offset)
		switch {
		case errors.Is(err, file.ErrNoPartial):
			log.WithError(err).Warn("Checkpoint has no partial file, starting fresh")
			r.clearRecord(ctx)
			resume = false
		case err != nil:
			return r.failLocked(newError(r.meta.FileID, ErrSinkInit, CodeFileResumeError, err), true)
		default:
			r.sink = sink
			r.lastCommitted = last
			r.currentCheckpoint = last + 1
			r.bytesReceived = offset
			next := protocol.CheckpointStartChunk(last+1, r.meta.CheckpointChunks)
			log.WithFields(logrus.Fields{
				"last_checkpoint": last,
				"next_chunk":      next,
			}).Info("Resuming from checkpoint")
			if err := sendControl(r.conn, protocol.MsgResumeInfo, protocol.ResumeInfo{
				FileID:         r.meta.FileID,
				LastCheckpoint: last,
				NextChunk:      &next,
			}); err != nil {
				return r.failLocked(newError(r.meta.FileID, ErrConnectionUnavailable, "", err), false)
			}
		}
	} else if found {
		log.WithFields(logrus.Fields{
			"stored_size":              rec.FileSize,
			"stored_chunk_size":        rec.ChunkSize,
			"stored_checkpoint_chunks": rec.CheckpointChunks,
		}).Warn("Discarding checkpoint written for a different layout")
		r.clearRecord(ctx)
	}

	if !resume {
		sink, err := r.opener.Create(r.meta)
		if err != nil {
			return r.failLocked(newError(r.meta.FileID, ErrSinkInit, CodeFileInitError, err), true)
		}
		r.sink = sink
	}

	r.startTime = r.clock.Now()
	r.setState(StateTransferring)

	last := r.lastCommitted
	next := protocol.CheckpointStartChunk(last+1, r.meta.CheckpointChunks)
	if err := sendControl(r.conn, protocol.MsgTransferAccepted, protocol.TransferAccepted{
		FileID:         r.meta.FileID,
		LastCheckpoint: &last,
		NextChunk:      &next,
	}); err != nil {
		return r.failLocked(newError(r.meta.FileID, ErrConnectionUnavailable, "", err), false)
	}
	log.Info("Transfer accepted")

	if r.currentCheckpoint >= r.totalCheckpoints {
		// Everything was committed before a restart; only finalize is left.
		if err := sendControl(r.conn, protocol.MsgCheckpointAck, protocol.CheckpointAck{
			FileID:          r.meta.FileID,
			CheckpointIndex: last,
		}); err != nil {
			return r.failLocked(newError(r.meta.FileID, ErrConnectionUnavailable, "", err), false)
		}
		return r.finalize()
	}
	if err := r.checkCompletion(); err != nil {
		return err
	}

	buffered := r.pendingFrames
	r.pendingFrames = nil
	for _, frame := range buffered {
		if r.state != StateTransferring {
			break
		}
		r.handleFrame(frame)
	}
	return nil
}

// Reject turns down a pending offer.
func (r *Receiver) Reject(reason string) error {
	r.mu.Lock()
	defer r.unlock()

	if r.state != StateIdle && r.state != StatePendingAcceptance {
		return fmt.Errorf("reject from %s: %w", r.state, ErrInvalidState)
	}
	if err := sendControl(r.conn, protocol.MsgTransferError, protocol.TransferError{
		FileID:  r.meta.FileID,
		Code:    CodeRejected,
		Message: reason,
	}); err != nil {
		logrus.WithError(err).WithField("file_id", r.meta.FileID).Warn("Failed to send rejection")
	}
	r.pendingFrames = nil
	r.setState(StateCancelled)
	return nil
}

// HandleMeta handles a repeated announce for this file. A resumed
// announce after a pause is answered with the committed checkpoint and
// the first chunk still missing.
func (r *Receiver) HandleMeta(meta protocol.FileMeta) {
	r.mu.Lock()
	defer r.unlock()

	log := logrus.WithFields(logrus.Fields{
		"function": "Receiver.HandleMeta",
		"file_id":  r.meta.FileID,
		"state":    r.state,
	})
	if meta.FileSize != r.meta.FileSize || meta.ChunkSize != r.meta.ChunkSize ||
		meta.CheckpointChunks != r.meta.CheckpointChunks {
		log.Warn("Ignoring announce with different parameters")
		return
	}
	if r.state != StateTransferring && r.state != StatePaused {
		log.Debug("Ignoring repeated announce")
		return
	}

	last := r.lastCommitted
	next := r.firstMissing()
	if err := sendControl(r.conn, protocol.MsgResumeInfo, protocol.ResumeInfo{
		FileID:         r.meta.FileID,
		LastCheckpoint: last,
		NextChunk:      &next,
	}); err != nil {
		r.failLocked(newError(r.meta.FileID, ErrConnectionUnavailable, "", err), false)
		return
	}
	if err := sendControl(r.conn, protocol.MsgTransferAccepted, protocol.TransferAccepted{
		FileID:         r.meta.FileID,
		LastCheckpoint: &last,
		NextChunk:      &next,
	}); err != nil {
		r.failLocked(newError(r.meta.FileID, ErrConnectionUnavailable, "", err), false)
		return
	}
	log.WithFields(logrus.Fields{
		"last_checkpoint": last,
		"next_chunk":      next,
	}).Info("Sender resumed")
	r.rewindRequested = false
	r.sessionBytes = 0
	r.startTime = r.clock.Now()
	r.setState(StateTransferring)
}

// firstMissing returns the first chunk of the current checkpoint not yet
// written. Must hold r.mu.
func (r *Receiver) firstMissing() int {
	start := protocol.CheckpointStartChunk(r.currentCheckpoint, r.meta.CheckpointChunks)
	n := protocol.ExpectedChunks(r.currentCheckpoint, r.meta.TotalChunks, r.meta.CheckpointChunks)
	for i := start; i < start+n; i++ {
		if _, ok := r.received[i]; !ok {
			return i
		}
	}
	return min(start+n, r.meta.TotalChunks)
}

// HandlePause records that the sender paused.
func (r *Receiver) HandlePause() {
	r.mu.Lock()
	defer r.unlock()
	if r.state == StateTransferring {
		r.setState(StatePaused)
	}
}

// HandleFrame processes one binary frame. Frames that arrive before the
// sink is open are buffered up to a bound.
func (r *Receiver) HandleFrame(data []byte) {
	r.mu.Lock()
	defer r.unlock()

	switch r.state {
	case StateIdle, StatePendingAcceptance, StateInitializing:
		if len(r.pendingFrames) >= r.maxPending {
			logrus.WithFields(logrus.Fields{
				"function": "Receiver.HandleFrame",
				"file_id":  r.meta.FileID,
			}).Warn("Dropping frame received before acceptance")
			return
		}
		r.pendingFrames = append(r.pendingFrames, append([]byte(nil), data...))
	case StateTransferring, StatePaused:
		r.handleFrame(data)
	default:
	}
}

// handleFrame must hold r.mu.
func (r *Receiver) handleFrame(data []byte) {
	log := logrus.WithFields(logrus.Fields{
		"function": "Receiver.handleFrame",
		"file_id":  r.meta.FileID,
	})

	f, err := protocol.DecodeFrame(data)
	if err != nil {
		r.malformed(log, err)
		return
	}
	idx, cp := int(f.ChunkIndex), int(f.CheckpointIndex)
	if idx >= r.meta.TotalChunks || cp != protocol.CheckpointIndexOf(idx, r.meta.CheckpointChunks) {
		r.malformed(log, fmt.Errorf("%w: chunk %d in checkpoint %d", ErrMalformedFrame, idx, cp))
		return
	}
	want := min(chunkOffset(idx+1, r.meta.ChunkSize), r.meta.FileSize) - chunkOffset(idx, r.meta.ChunkSize)
	if int64(len(f.Data)) != want {
		r.malformed(log, fmt.Errorf("%w: chunk %d has %d bytes, want %d", ErrMalformedFrame, idx, len(f.Data), want))
		return
	}

	switch {
	case cp < r.currentCheckpoint:
		log.WithFields(logrus.Fields{
			"checkpoint": cp,
			"current":    r.currentCheckpoint,
		}).Debug("Dropping frame for committed checkpoint")
		return
	case cp > r.currentCheckpoint:
		r.requestRewind(log, cp)
		return
	}
	r.rewindRequested = false
	if _, dup := r.received[idx]; dup {
		log.WithField("chunk", idx).Debug("Dropping duplicate chunk")
		return
	}

	if _, err := r.sink.WriteAt(f.Data, chunkOffset(idx, r.meta.ChunkSize)); err != nil {
		r.failLocked(newError(r.meta.FileID, ErrSinkWrite, CodeChunkWriteError, err), true)
		return
	}
	r.received[idx] = struct{}{}
	r.bytesReceived += int64(len(f.Data))
	r.sessionBytes += int64(len(f.Data))

	speed, pct, eta := rate(r.bytesReceived, r.meta.FileSize, r.sessionBytes, r.clock.Now().Sub(r.startTime))
	p := Progress{
		FileID:           r.meta.FileID,
		Direction:        DirectionReceive,
		ChunkIndex:       idx,
		TotalChunks:      r.meta.TotalChunks,
		BytesTransferred: r.bytesReceived,
		TotalBytes:       r.meta.FileSize,
		CheckpointIndex:  cp,
		TotalCheckpoints: r.totalCheckpoints,
		Speed:            speed,
		Percentage:       pct,
		ETA:              eta,
	}
	hooks := r.hooks
	r.pending.add(func() { hooks.progress(p) })

	r.checkCompletion()
}

// requestRewind handles a frame past the incomplete current checkpoint.
// Nothing beyond the current checkpoint is written: its partial set is
// discarded and the sender is asked to resend it, so a checkpoint is
// only ever committed on top of the one before it. Must hold r.mu.
func (r *Receiver) requestRewind(log *logrus.Entry, cp int) {
	log = log.WithFields(logrus.Fields{
		"checkpoint": cp,
		"current":    r.currentCheckpoint,
	})
	if r.rewindRequested {
		log.Debug("Dropping frame while waiting for rewind")
		return
	}
	log.WithField("discarded", len(r.received)).Warn("Frame ahead of incomplete checkpoint, asking sender to rewind")

	r.received = make(map[int]struct{})
	r.bytesReceived = r.committedBytes()
	r.rewindRequested = true

	last := r.lastCommitted
	next := r.firstMissing()
	if err := sendControl(r.conn, protocol.MsgResumeInfo, protocol.ResumeInfo{
		FileID:         r.meta.FileID,
		LastCheckpoint: last,
		NextChunk:      &next,
	}); err != nil {
		r.failLocked(newError(r.meta.FileID, ErrConnectionUnavailable, "", err), false)
	}
}

// committedBytes is the length of the prefix covered by committed
// checkpoints. Must hold r.mu.
func (r *Receiver) committedBytes() int64 {
	start := protocol.CheckpointStartChunk(r.lastCommitted+1, r.meta.CheckpointChunks)
	return min(chunkOffset(start, r.meta.ChunkSize), r.meta.FileSize)
}

func (r *Receiver) malformed(log *logrus.Entry, err error) {
	log.WithError(err).Warn("Dropping malformed frame")
	e := newError(r.meta.FileID, ErrMalformedFrame, "", err)
	hooks := r.hooks
	r.pending.add(func() { hooks.reportError(e) })
}

// checkCompletion commits the current checkpoint once all of its chunks
// are written. Must hold r.mu.
func (r *Receiver) checkCompletion() error {
	want := protocol.ExpectedChunks(r.currentCheckpoint, r.meta.TotalChunks, r.meta.CheckpointChunks)
	if len(r.received) < want {
		return nil
	}
	return r.commit(r.currentCheckpoint)
}

// commit makes a checkpoint durable, records it and acknowledges it.
// Must hold r.mu.
func (r *Receiver) commit(cp int) error {
	log := logrus.WithFields(logrus.Fields{
		"function":   "Receiver.commit",
		"file_id":    r.meta.FileID,
		"checkpoint": cp,
	})

	if err := r.sink.Flush(); err != nil {
		return r.failLocked(newError(r.meta.FileID, ErrSinkWrite, CodeCheckpointCommitError, err), true)
	}

	rec := checkpoint.Record{
		Role:             checkpoint.RoleReceive,
		FileID:           r.meta.FileID,
		FileName:         r.meta.FileName,
		FileSize:         r.meta.FileSize,
		ChunkSize:        r.meta.ChunkSize,
		CheckpointChunks: r.meta.CheckpointChunks,
		LastCheckpoint:   cp,
		BytesTransferred: r.bytesReceived,
	}
	if err := r.store.Save(context.Background(), rec); err != nil {
		log.WithError(err).Warn("Failed to persist checkpoint")
		e := newError(r.meta.FileID, ErrCheckpointPersist, "", err)
		hooks := r.hooks
		r.pending.add(func() { hooks.reportError(e) })
	}
	r.lastCommitted = cp

	if err := sendControl(r.conn, protocol.MsgCheckpointAck, protocol.CheckpointAck{
		FileID:          r.meta.FileID,
		CheckpointIndex: cp,
	}); err != nil {
		return r.failLocked(newError(r.meta.FileID, ErrConnectionUnavailable, "", err), false)
	}
	log.Debug("Checkpoint committed")

	r.received = make(map[int]struct{})
	r.currentCheckpoint = cp + 1
	id, hooks := r.meta.FileID, r.hooks
	r.pending.add(func() { hooks.checkpoint(id, DirectionReceive, cp) })

	if cp == r.totalCheckpoints-1 {
		return r.finalize()
	}
	return nil
}

// finalize must hold r.mu.
func (r *Receiver) finalize() error {
	if err := r.sink.Close(); err != nil {
		return r.failLocked(newError(r.meta.FileID, ErrFinalize, CodeFinalizeError, err), true)
	}
	r.clearRecord(context.Background())
	r.setState(StateCompleted)

	logrus.WithFields(logrus.Fields{
		"function":  "Receiver.finalize",
		"file_id":   r.meta.FileID,
		"file_name": r.meta.FileName,
	}).Info("File received")

	summary := Summary{
		FileID:           r.meta.FileID,
		Direction:        DirectionReceive,
		FileName:         r.meta.FileName,
		FileSize:         r.meta.FileSize,
		BytesTransferred: r.bytesReceived,
		Duration:         r.clock.Now().Sub(r.startTime),
	}
	hooks := r.hooks
	r.pending.add(func() { hooks.complete(summary) })
	return nil
}

// Cancel abandons the transfer locally: the partial file and the stored
// checkpoint are removed and the sender is told.
func (r *Receiver) Cancel() error {
	r.mu.Lock()
	defer r.unlock()

	if r.state.Terminal() {
		return nil
	}
	if err := sendControl(r.conn, protocol.MsgTransferCancel, protocol.FileRef{FileID: r.meta.FileID}); err != nil {
		logrus.WithError(err).WithField("file_id", r.meta.FileID).Debug("Failed to send transfer-cancel")
	}
	r.abort()
	return nil
}

// HandleRemoteCancel handles a transfer-cancel from the sender.
func (r *Receiver) HandleRemoteCancel() {
	r.mu.Lock()
	defer r.unlock()

	if r.state.Terminal() {
		return
	}
	r.abort()
}

// abort must hold r.mu.
func (r *Receiver) abort() {
	if r.sink != nil {
		if err := r.sink.Abort(); err != nil {
			logrus.WithError(err).WithField("file_id", r.meta.FileID).Warn("Failed to remove partial file")
		}
	}
	r.clearRecord(context.Background())
	r.pendingFrames = nil
	r.setState(StateCancelled)
}

// HandleRemoteError fails the transfer with the sender's reason.
func (r *Receiver) HandleRemoteError(te protocol.TransferError) {
	r.mu.Lock()
	defer r.unlock()
	if r.state.Terminal() {
		return
	}
	r.failLocked(newError(r.meta.FileID, kindForCode(te.Code), te.Code, errors.New(te.Message)), false)
}

// ConnectionLost fails an active transfer. The partial file and the
// stored checkpoint are kept for a later resume.
func (r *Receiver) ConnectionLost() {
	r.mu.Lock()
	defer r.unlock()
	if r.state.Terminal() {
		return
	}
	r.failLocked(newError(r.meta.FileID, ErrConnectionUnavailable, "", nil), false)
}

// failLocked moves to FAILED, releases the sink without deleting it and
// optionally reports the failure to the sender. It returns e. Must hold
// r.mu.
func (r *Receiver) failLocked(e *Error, notify bool) error {
	logrus.WithFields(logrus.Fields{
		"function": "Receiver.fail",
		"file_id":  r.meta.FileID,
		"code":     e.Code,
	}).WithError(e).Error("Transfer failed")

	if r.sink != nil {
		if err := r.sink.Detach(); err != nil && !errors.Is(err, file.ErrSinkClosed) {
			logrus.WithError(err).WithField("file_id", r.meta.FileID).Warn("Failed to release partial file")
		}
	}
	if notify && e.Code != "" {
		if err := sendControl(r.conn, protocol.MsgTransferError, protocol.TransferError{
			FileID:  r.meta.FileID,
			Code:    e.Code,
			Message: e.Error(),
		}); err != nil {
			logrus.WithError(err).WithField("file_id", r.meta.FileID).Debug("Failed to send transfer-error")
		}
	}
	r.pendingFrames = nil
	hooks := r.hooks
	r.pending.add(func() { hooks.reportError(e) })
	r.setState(StateFailed)
	return e
}

func (r *Receiver) clearRecord(ctx context.Context) {
	if err := r.store.Clear(ctx, checkpoint.RoleReceive, r.meta.FileID); err != nil {
		logrus.WithError(err).WithField("file_id", r.meta.FileID).Warn("Failed to clear checkpoint")
	}
}

// setState must hold r.mu.
func (r *Receiver) setState(to State) {
	from := r.state
	if from == to {
		return
	}
	r.state = to
	logrus.WithFields(logrus.Fields{
		"function": "Receiver.setState",
		"file_id":  r.meta.FileID,
	}).Debugf("State %s -> %s", from, to)

	id, hooks := r.meta.FileID, r.hooks
	r.pending.add(func() { hooks.stateChange(id, DirectionReceive, to, from) })
}

func (r *Receiver) unlock() {
	pending := r.pending
	r.pending = nil
	terminal := r.state.Terminal()
	r.mu.Unlock()
	pending.fire()
	if terminal {
		r.doneOnce.Do(func() { close(r.done) })
	}
}
