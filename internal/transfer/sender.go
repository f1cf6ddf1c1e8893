package transfer

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	"bigxfer/internal/checkpoint"
	"bigxfer/internal/file"
	"bigxfer/internal/protocol"

	"github.com/sirupsen/logrus"
)

// ChunkSource is the file a Sender streams. *file.Source implements it.
type ChunkSource interface {
	Name() string
	Size() int64
	ChunkSize() int
	TotalChunks() int
	ChunksFrom(start int) iter.Seq2[file.Chunk, error]
}

// SenderConfig holds the collaborators and tuning of a Sender.
type SenderConfig struct {
	Conn   Conn
	Source ChunkSource
	Store  checkpoint.Store
	Hooks  Hooks
	Clock  Clock
	Flow   Flow

	// FileID defaults to protocol.FileID over the source's name and size.
	FileID           string
	Username         string
	CheckpointChunks int
}

// SenderStats is a snapshot of a Sender's position.
type SenderStats struct {
	State          State
	CurrentChunk   int
	LastAcked      int
	BytesSent      int64
	TotalChunks    int
	TotalBytes     int64
	LastCheckpoint int
}

// Sender streams one file over a connection and tracks acknowledged
// checkpoints. All methods are safe for concurrent use.
type Sender struct {
	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc

	conn   Conn
	source ChunkSource
	store  checkpoint.Store
	hooks  Hooks
	clock  Clock
	gate   gate

	meta             protocol.FileMeta
	k                int
	totalCheckpoints int

	state        State
	currentChunk int
	lastAcked    int
	bytesSent    int64
	sessionBytes int64
	sessionStart time.Time
	startTime    time.Time

	loopCancel context.CancelFunc
	loopDone   chan struct{}

	done     chan struct{}
	doneOnce sync.Once
	pending  events
}

// NewSender creates a Sender in the idle state.
func NewSender(ctx context.Context, cfg SenderConfig) (*Sender, error) {
	if cfg.Conn == nil || cfg.Source == nil || cfg.Store == nil {
		return nil, errors.New("sender requires a connection, a source and a checkpoint store")
	}
	if cfg.Clock == nil {
		cfg.Clock = RealClock
	}
	if cfg.CheckpointChunks <= 0 {
		cfg.CheckpointChunks = protocol.CheckpointChunks
	}
	if cfg.FileID == "" {
		var modTime time.Time
		if m, ok := cfg.Source.(interface{ ModTime() time.Time }); ok {
			modTime = m.ModTime()
		}
		cfg.FileID = protocol.FileID(cfg.Source.Name(), cfg.Source.Size(), modTime)
	}

	meta := protocol.FileMeta{
		FileID:           cfg.FileID,
		FileName:         cfg.Source.Name(),
		FileSize:         cfg.Source.Size(),
		ChunkSize:        cfg.Source.ChunkSize(),
		CheckpointChunks: cfg.CheckpointChunks,
		TotalChunks:      cfg.Source.TotalChunks(),
		Username:         cfg.Username,
	}
	if err := meta.Validate(); err != nil {
		return nil, newError(meta.FileID, ErrInvalidMetadata, CodeInvalidMeta, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	return &Sender{
		ctx:              ctx,
		cancel:           cancel,
		conn:             cfg.Conn,
		source:           cfg.Source,
		store:            cfg.Store,
		hooks:            cfg.Hooks,
		clock:            cfg.Clock,
		gate:             gate{conn: cfg.Conn, flow: cfg.Flow.withDefaults(), clock: cfg.Clock},
		meta:             meta,
		k:                cfg.CheckpointChunks,
		totalCheckpoints: meta.TotalCheckpoints(),
		state:            StateIdle,
		lastAcked:        -1,
		done:             make(chan struct{}),
	}, nil
}

func (s *Sender) FileID() string {
	return s.meta.FileID
}

// Meta returns the metadata announced to the receiver.
func (s *Sender) Meta() protocol.FileMeta {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meta
}

func (s *Sender) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed once the sender reaches a terminal state.
func (s *Sender) Done() <-chan struct{} {
	return s.done
}

func (s *Sender) Stats() SenderStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SenderStats{
		State:          s.state,
		CurrentChunk:   s.currentChunk,
		LastAcked:      s.lastAcked,
		BytesSent:      s.bytesSent,
		TotalChunks:    s.meta.TotalChunks,
		TotalBytes:     s.meta.FileSize,
		LastCheckpoint: s.totalCheckpoints - 1,
	}
}

// Start announces the file. resumeFrom is the last checkpoint the sender
// believes the receiver committed, or -1 for a fresh transfer.
func (s *Sender) Start(resumeFrom int) error {
	s.mu.Lock()
	defer s.unlock()

	if s.state != StateIdle {
		return fmt.Errorf("start from %s: %w", s.state, ErrInvalidState)
	}
	s.setState(StateInitializing)

	resumeFrom = max(-1, min(resumeFrom, s.totalCheckpoints-1))
	s.lastAcked = resumeFrom
	s.currentChunk = s.chunkAfter(resumeFrom)
	s.meta.Resumed = resumeFrom >= 0

	logrus.WithFields(logrus.Fields{
		"function":    "Sender.Start",
		"file_id":     s.meta.FileID,
		"file_name":   s.meta.FileName,
		"file_size":   s.meta.FileSize,
		"resume_from": resumeFrom,
	}).Info("Announcing file")

	if err := sendControl(s.conn, protocol.MsgFileMeta, s.meta); err != nil {
		s.suspend(err)
		return newError(s.meta.FileID, ErrConnectionUnavailable, "", err)
	}
	s.setState(StateWaitingForAcceptance)
	return nil
}

// HandleAccepted starts streaming from the receiver's position.
func (s *Sender) HandleAccepted(acc protocol.TransferAccepted) error {
	s.mu.Lock()
	defer s.unlock()

	if s.state != StateWaitingForAcceptance {
		return fmt.Errorf("accepted in %s: %w", s.state, ErrInvalidState)
	}
	s.reconcile(acc.LastCheckpoint, acc.NextChunk)

	now := s.clock.Now()
	if s.startTime.IsZero() {
		s.startTime = now
	}
	s.sessionStart = now
	s.sessionBytes = 0
	s.setState(StateTransferring)
	s.startStream()
	return nil
}

// HandleResumeInfo adopts the receiver's committed position. While
// streaming it is a rewind request: the stream restarts at the chunk the
// receiver is missing.
func (s *Sender) HandleResumeInfo(info protocol.ResumeInfo) {
	s.mu.Lock()
	defer s.unlock()

	log := logrus.WithFields(logrus.Fields{
		"function": "Sender.HandleResumeInfo",
		"file_id":  s.meta.FileID,
		"state":    s.state,
	})
	last := info.LastCheckpoint
	switch {
	case s.state.Terminal():
		log.Debug("Ignoring resume info")
	case s.state == StateTransferring:
		if info.NextChunk == nil || *info.NextChunk >= s.currentChunk {
			log.Debug("Ignoring resume info at or past the stream position")
			return
		}
		log.WithFields(logrus.Fields{
			"from_chunk": s.currentChunk,
			"to_chunk":   *info.NextChunk,
		}).Warn("Receiver is missing chunks, rewinding")
		s.reconcile(&last, info.NextChunk)
		s.startStream()
	default:
		s.reconcile(&last, info.NextChunk)
	}
}

// reconcile moves the sender to the position the receiver reports. The
// receiver's view wins over the local marker. Must hold s.mu.
func (s *Sender) reconcile(last, next *int) {
	if last != nil {
		l := max(-1, min(*last, s.totalCheckpoints-1))
		if l != s.lastAcked {
			logrus.WithFields(logrus.Fields{
				"function":      "Sender.reconcile",
				"file_id":       s.meta.FileID,
				"local_last":    s.lastAcked,
				"receiver_last": l,
			}).Info("Adopting receiver checkpoint position")
		}
		s.lastAcked = l
		s.currentChunk = s.chunkAfter(l)
	}
	if next != nil {
		s.currentChunk = max(0, min(*next, s.meta.TotalChunks))
	}
}

func (s *Sender) chunkAfter(cp int) int {
	return min(protocol.CheckpointStartChunk(cp+1, s.k), s.meta.TotalChunks)
}

// startStream launches the streaming goroutine. A previous run is
// cancelled and awaited first so only one loop writes frames. Must hold
// s.mu.
func (s *Sender) startStream() {
	if s.loopCancel != nil {
		s.loopCancel()
	}
	prev := s.loopDone

	ctx, cancel := context.WithCancel(s.ctx)
	done := make(chan struct{})
	s.loopCancel = cancel
	s.loopDone = done
	start := max(s.currentChunk, s.chunkAfter(s.lastAcked))

	go func() {
		defer close(done)
		if prev != nil {
			select {
			case <-prev:
			case <-ctx.Done():
				return
			}
		}
		s.stream(ctx, start)
	}()
}

func (s *Sender) stopStream() {
	if s.loopCancel != nil {
		s.loopCancel()
		s.loopCancel = nil
	}
}

func (s *Sender) stream(ctx context.Context, start int) {
	log := logrus.WithFields(logrus.Fields{
		"function": "Sender.stream",
		"file_id":  s.meta.FileID,
	})
	log.WithField("start_chunk", start).Debug("Streaming chunks")

	for chunk, err := range s.source.ChunksFrom(start) {
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			s.fail(newError(s.meta.FileID, ErrSourceRead, "", err))
			return
		}
		if !s.conn.IsOpen() {
			s.connectionLost(ErrConnectionUnavailable)
			return
		}
		if err := s.gate.wait(ctx); err != nil {
			if ctx.Err() == nil {
				s.connectionLost(err)
			}
			return
		}

		cp := protocol.CheckpointIndexOf(chunk.Index, s.k)
		s.mu.Lock()
		skip := cp <= s.lastAcked
		s.mu.Unlock()
		if skip {
			continue
		}

		frame := protocol.EncodeFrame(protocol.MustUint32(cp), protocol.MustUint32(chunk.Index), chunk.Data)
		if err := s.conn.Send(frame); err != nil {
			s.connectionLost(err)
			return
		}
		s.sent(ctx, chunk, cp)
	}
	log.Debug("All chunks sent, awaiting final acknowledgement")
}

// sent records a delivered frame and reports progress. A stream that
// was stopped or replaced no longer moves the position.
func (s *Sender) sent(ctx context.Context, chunk file.Chunk, cp int) {
	s.mu.Lock()
	defer s.unlock()

	n := int64(len(chunk.Data))
	s.bytesSent += n
	s.sessionBytes += n
	if ctx.Err() != nil || s.state.Terminal() {
		return
	}
	s.currentChunk = max(s.currentChunk, chunk.Index+1)

	done := min(chunkOffset(chunk.Index+1, s.meta.ChunkSize), s.meta.FileSize)
	speed, pct, eta := rate(done, s.meta.FileSize, s.sessionBytes, s.clock.Now().Sub(s.sessionStart))
	p := Progress{
		FileID:           s.meta.FileID,
		Direction:        DirectionSend,
		ChunkIndex:       chunk.Index,
		TotalChunks:      s.meta.TotalChunks,
		BytesTransferred: done,
		TotalBytes:       s.meta.FileSize,
		CheckpointIndex:  cp,
		TotalCheckpoints: s.totalCheckpoints,
		Speed:            speed,
		Percentage:       pct,
		ETA:              eta,
	}
	hooks := s.hooks
	s.pending.add(func() { hooks.progress(p) })
}

// HandleCheckpointAck records a committed checkpoint and completes the
// transfer when it is the last one.
func (s *Sender) HandleCheckpointAck(cp int) {
	s.mu.Lock()
	defer s.unlock()

	log := logrus.WithFields(logrus.Fields{
		"function":   "Sender.HandleCheckpointAck",
		"file_id":    s.meta.FileID,
		"checkpoint": cp,
	})
	if s.state.Terminal() {
		log.Debug("Ignoring acknowledgement after terminal state")
		return
	}
	if cp < 0 || cp >= s.totalCheckpoints {
		log.Warn("Acknowledgement for unknown checkpoint")
		return
	}
	final := cp == s.totalCheckpoints-1
	if cp <= s.lastAcked && !final {
		log.Debug("Duplicate acknowledgement")
		return
	}
	s.lastAcked = cp

	rec := checkpoint.Record{
		Role:             checkpoint.RoleSend,
		FileID:           s.meta.FileID,
		FileName:         s.meta.FileName,
		FileSize:         s.meta.FileSize,
		ChunkSize:        s.meta.ChunkSize,
		CheckpointChunks: s.k,
		LastCheckpoint:   cp,
		BytesTransferred: min(chunkOffset(s.chunkAfter(cp), s.meta.ChunkSize), s.meta.FileSize),
	}
	if err := s.store.Save(s.ctx, rec); err != nil {
		log.WithError(err).Warn("Failed to persist checkpoint marker")
		e := newError(s.meta.FileID, ErrCheckpointPersist, "", err)
		hooks := s.hooks
		s.pending.add(func() { hooks.reportError(e) })
	}
	log.Debug("Checkpoint acknowledged")

	id, hooks := s.meta.FileID, s.hooks
	s.pending.add(func() { hooks.checkpoint(id, DirectionSend, cp) })

	if final {
		s.complete()
	}
}

// complete must hold s.mu.
func (s *Sender) complete() {
	s.stopStream()
	if err := sendControl(s.conn, protocol.MsgTransferComplete, protocol.FileRef{FileID: s.meta.FileID}); err != nil {
		logrus.WithError(err).WithField("file_id", s.meta.FileID).Warn("Failed to send transfer-complete")
	}
	s.clearMarker()
	s.setState(StateCompleted)

	summary := Summary{
		FileID:           s.meta.FileID,
		Direction:        DirectionSend,
		FileName:         s.meta.FileName,
		FileSize:         s.meta.FileSize,
		BytesTransferred: s.meta.FileSize,
		Duration:         s.clock.Now().Sub(s.startTime),
	}
	hooks := s.hooks
	s.pending.add(func() { hooks.complete(summary) })
}

// Pause stops streaming and tells the receiver.
func (s *Sender) Pause() error {
	s.mu.Lock()
	defer s.unlock()

	if s.state != StateTransferring {
		return fmt.Errorf("pause from %s: %w", s.state, ErrInvalidState)
	}
	s.stopStream()
	if err := sendControl(s.conn, protocol.MsgTransferPause, protocol.FileRef{FileID: s.meta.FileID}); err != nil {
		logrus.WithError(err).WithField("file_id", s.meta.FileID).Warn("Failed to send transfer-pause")
	}
	s.setState(StatePaused)
	return nil
}

// Resume re-announces the file with resumed set and waits for the
// receiver to confirm its position.
func (s *Sender) Resume() error {
	s.mu.Lock()
	defer s.unlock()

	if s.state != StatePaused {
		return fmt.Errorf("resume from %s: %w", s.state, ErrInvalidState)
	}
	s.meta.Resumed = true
	if err := sendControl(s.conn, protocol.MsgFileMeta, s.meta); err != nil {
		return newError(s.meta.FileID, ErrConnectionUnavailable, "", err)
	}
	s.setState(StateWaitingForAcceptance)
	return nil
}

// Cancel abandons the transfer and forgets its marker. Cancelling a
// terminal sender is a no-op.
func (s *Sender) Cancel() error {
	s.mu.Lock()
	defer s.unlock()

	if s.state.Terminal() {
		return nil
	}
	s.stopStream()
	if s.state != StateIdle {
		if err := sendControl(s.conn, protocol.MsgTransferCancel, protocol.FileRef{FileID: s.meta.FileID}); err != nil {
			logrus.WithError(err).WithField("file_id", s.meta.FileID).Debug("Failed to send transfer-cancel")
		}
	}
	s.clearMarker()
	s.setState(StateCancelled)
	return nil
}

// HandleRemoteCancel handles a transfer-cancel from the receiver.
func (s *Sender) HandleRemoteCancel() {
	s.mu.Lock()
	defer s.unlock()

	if s.state.Terminal() {
		return
	}
	s.stopStream()
	s.clearMarker()
	s.setState(StateCancelled)
}

// HandleRemoteError fails the transfer with the receiver's reason. The
// marker is kept so a later attempt can resume.
func (s *Sender) HandleRemoteError(te protocol.TransferError) {
	s.mu.Lock()
	defer s.unlock()

	if s.state.Terminal() {
		return
	}
	s.stopStream()
	s.failLocked(newError(s.meta.FileID, kindForCode(te.Code), te.Code, errors.New(te.Message)))
}

// ConnectionLost suspends an active transfer. The marker survives.
func (s *Sender) ConnectionLost() {
	s.connectionLost(ErrConnectionUnavailable)
}

func (s *Sender) connectionLost(cause error) {
	s.mu.Lock()
	defer s.unlock()
	s.suspend(cause)
}

// suspend must hold s.mu.
func (s *Sender) suspend(cause error) {
	switch s.state {
	case StateInitializing, StateWaitingForAcceptance, StateTransferring:
	default:
		return
	}
	s.stopStream()
	logrus.WithFields(logrus.Fields{
		"function": "Sender.suspend",
		"file_id":  s.meta.FileID,
	}).WithError(cause).Warn("Connection unavailable, pausing transfer")

	e := newError(s.meta.FileID, ErrConnectionUnavailable, "", cause)
	hooks := s.hooks
	s.pending.add(func() { hooks.reportError(e) })
	s.setState(StatePaused)
}

func (s *Sender) fail(e *Error) {
	s.mu.Lock()
	defer s.unlock()
	if s.state.Terminal() {
		return
	}
	s.stopStream()
	s.failLocked(e)
}

// failLocked must hold s.mu.
func (s *Sender) failLocked(e *Error) {
	logrus.WithFields(logrus.Fields{
		"function": "Sender.fail",
		"file_id":  s.meta.FileID,
	}).WithError(e).Error("Transfer failed")
	hooks := s.hooks
	s.pending.add(func() { hooks.reportError(e) })
	s.setState(StateFailed)
}

// Close releases the sender without touching its marker.
func (s *Sender) Close() {
	s.cancel()
}

// clearMarker must hold s.mu.
func (s *Sender) clearMarker() {
	if err := s.store.Clear(context.WithoutCancel(s.ctx), checkpoint.RoleSend, s.meta.FileID); err != nil {
		logrus.WithError(err).WithField("file_id", s.meta.FileID).Warn("Failed to clear checkpoint marker")
	}
}

// setState must hold s.mu.
func (s *Sender) setState(to State) {
	from := s.state
	if from == to {
		return
	}
	s.state = to
	logrus.WithFields(logrus.Fields{
		"function": "Sender.setState",
		"file_id":  s.meta.FileID,
	}).Debugf("State %s -> %s", from, to)

	id, hooks := s.meta.FileID, s.hooks
	s.pending.add(func() { hooks.stateChange(id, DirectionSend, to, from) })
	if to.Terminal() {
		s.cancel()
	}
}

// unlock releases s.mu and then runs the queued hooks. Done is closed
// only after the hooks of the final transition have run.
func (s *Sender) unlock() {
	pending := s.pending
	s.pending = nil
	terminal := s.state.Terminal()
	s.mu.Unlock()
	pending.fire()
	if terminal {
		s.doneOnce.Do(func() { close(s.done) })
	}
}
