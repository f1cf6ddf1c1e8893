package transfer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"bigxfer/internal/checkpoint"
	"bigxfer/internal/file"
	"bigxfer/internal/protocol"

	"github.com/sirupsen/logrus"
)

// RegistryConfig configures a Registry. Conn and Store are required;
// Opener is required to receive.
type RegistryConfig struct {
	Conn   Conn
	Store  checkpoint.Store
	Opener file.Opener
	Hooks  Hooks
	Clock  Clock
	Flow   Flow

	Username         string
	CheckpointChunks int
	MaxPendingFrames int
	// AutoAccept accepts inbound offers without calling Accept.
	AutoAccept bool
}

// SendRequest starts an outbound transfer.
type SendRequest struct {
	Source ChunkSource
	// FileID overrides the metadata-derived identity.
	FileID string
	// Resume continues from the stored send marker when one exists.
	Resume bool
}

// Registry owns every transfer on one connection: any number of
// outbound senders and at most one inbound receiver. It routes incoming
// frames and control messages to them.
type Registry struct {
	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	cfg    RegistryConfig

	senders  map[string]*Sender
	receiver *Receiver
	closed   bool
}

func NewRegistry(ctx context.Context, cfg RegistryConfig) (*Registry, error) {
	if cfg.Conn == nil || cfg.Store == nil {
		return nil, errors.New("registry requires a connection and a checkpoint store")
	}
	if cfg.Clock == nil {
		cfg.Clock = RealClock
	}
	ctx, cancel := context.WithCancel(ctx)
	return &Registry{
		ctx:     ctx,
		cancel:  cancel,
		cfg:     cfg,
		senders: make(map[string]*Sender),
	}, nil
}

// Send creates a sender for req and announces the file.
func (g *Registry) Send(ctx context.Context, req SendRequest) (*Sender, error) {
	s, err := NewSender(g.ctx, SenderConfig{
		Conn:             g.cfg.Conn,
		Source:           req.Source,
		Store:            g.cfg.Store,
		Hooks:            g.cfg.Hooks,
		Clock:            g.cfg.Clock,
		Flow:             g.cfg.Flow,
		FileID:           req.FileID,
		Username:         g.cfg.Username,
		CheckpointChunks: g.cfg.CheckpointChunks,
	})
	if err != nil {
		return nil, err
	}

	resumeFrom := -1
	meta := s.Meta()
	if req.Resume {
		rec, found, err := g.cfg.Store.Load(ctx, checkpoint.RoleSend, s.FileID())
		switch {
		case err != nil:
			logrus.WithError(err).WithField("file_id", s.FileID()).Warn("Failed to load send marker, starting fresh")
		case found && rec.SameLayout(meta.FileSize, meta.ChunkSize, meta.CheckpointChunks):
			resumeFrom = rec.LastCheckpoint
		case found:
			logrus.WithField("file_id", s.FileID()).Info("Send marker was written for a different layout, starting fresh")
		}
	}

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil, ErrRegistryClosed
	}
	if prev, ok := g.senders[s.FileID()]; ok && !prev.State().Terminal() {
		g.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", s.FileID(), ErrTransferExists)
	}
	g.senders[s.FileID()] = s
	g.mu.Unlock()

	if err := s.Start(resumeFrom); err != nil {
		return s, err
	}
	return s, nil
}

// Sender returns the outbound transfer with the given id.
func (g *Registry) Sender(fileID string) (*Sender, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.senders[fileID]
	return s, ok
}

// Receiver returns the active inbound transfer, if any.
func (g *Registry) Receiver() (*Receiver, bool) {
	r := g.activeReceiver()
	return r, r != nil
}

// activeReceiver returns the receiver slot, clearing it once the
// receiver is terminal.
func (g *Registry) activeReceiver() *Receiver {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.receiver != nil && g.receiver.State().Terminal() {
		g.receiver = nil
	}
	return g.receiver
}

func (g *Registry) receiverFor(fileID string) (*Receiver, error) {
	r := g.activeReceiver()
	if r == nil || r.FileID() != fileID {
		return nil, fmt.Errorf("inbound %s: %w", fileID, ErrUnknownTransfer)
	}
	return r, nil
}

func (g *Registry) senderFor(fileID string) (*Sender, error) {
	s, ok := g.Sender(fileID)
	if !ok {
		return nil, fmt.Errorf("outbound %s: %w", fileID, ErrUnknownTransfer)
	}
	return s, nil
}

// Accept accepts the pending inbound offer.
func (g *Registry) Accept(ctx context.Context, fileID string) error {
	r, err := g.receiverFor(fileID)
	if err != nil {
		return err
	}
	return r.Accept(ctx)
}

// Reject turns down the pending inbound offer.
func (g *Registry) Reject(fileID, reason string) error {
	r, err := g.receiverFor(fileID)
	if err != nil {
		return err
	}
	return r.Reject(reason)
}

// HandleFrame routes a binary frame to the active receiver.
func (g *Registry) HandleFrame(data []byte) {
	r := g.activeReceiver()
	if r == nil {
		logrus.WithField("function", "Registry.HandleFrame").Debug("Dropping frame with no active receiver")
		return
	}
	r.HandleFrame(data)
}

// HandleControl decodes a control message and routes it by type and
// file id.
func (g *Registry) HandleControl(data []byte) error {
	msg, err := protocol.DecodeMessage(data)
	if err != nil {
		logrus.WithError(err).WithField("function", "Registry.HandleControl").Warn("Dropping invalid control message")
		return err
	}
	log := logrus.WithFields(logrus.Fields{
		"function": "Registry.HandleControl",
		"type":     msg.Type,
	})
	log.Debug("Control message received")

	switch msg.Type {
	case protocol.MsgFileMeta:
		meta, err := protocol.DecodePayload[protocol.FileMeta](msg)
		if err != nil {
			return err
		}
		return g.handleMeta(meta)

	case protocol.MsgTransferAccepted:
		acc, err := protocol.DecodePayload[protocol.TransferAccepted](msg)
		if err != nil {
			return err
		}
		s, err := g.senderFor(acc.FileID)
		if err != nil {
			return err
		}
		return s.HandleAccepted(acc)

	case protocol.MsgCheckpointAck:
		ack, err := protocol.DecodePayload[protocol.CheckpointAck](msg)
		if err != nil {
			return err
		}
		s, err := g.senderFor(ack.FileID)
		if err != nil {
			return err
		}
		s.HandleCheckpointAck(ack.CheckpointIndex)
		return nil

	case protocol.MsgResumeInfo:
		info, err := protocol.DecodePayload[protocol.ResumeInfo](msg)
		if err != nil {
			return err
		}
		s, err := g.senderFor(info.FileID)
		if err != nil {
			return err
		}
		s.HandleResumeInfo(info)
		return nil

	case protocol.MsgResumeRequest:
		ref, err := protocol.DecodePayload[protocol.FileRef](msg)
		if err != nil {
			return err
		}
		s, err := g.senderFor(ref.FileID)
		if err != nil {
			return err
		}
		return s.Resume()

	case protocol.MsgTransferPause:
		ref, err := protocol.DecodePayload[protocol.FileRef](msg)
		if err != nil {
			return err
		}
		r, err := g.receiverFor(ref.FileID)
		if err != nil {
			return err
		}
		r.HandlePause()
		return nil

	case protocol.MsgTransferCancel:
		ref, err := protocol.DecodePayload[protocol.FileRef](msg)
		if err != nil {
			return err
		}
		if r, err := g.receiverFor(ref.FileID); err == nil {
			r.HandleRemoteCancel()
			return nil
		}
		s, err := g.senderFor(ref.FileID)
		if err != nil {
			return err
		}
		s.HandleRemoteCancel()
		return nil

	case protocol.MsgTransferError:
		te, err := protocol.DecodePayload[protocol.TransferError](msg)
		if err != nil {
			return err
		}
		log.WithFields(logrus.Fields{
			"file_id": te.FileID,
			"code":    te.Code,
		}).Warn("Peer reported transfer error: ", te.Message)
		// The same id can be both a finished upload and a live download;
		// the live transfer gets the error.
		s, sendErr := g.senderFor(te.FileID)
		if sendErr == nil && !s.State().Terminal() {
			s.HandleRemoteError(te)
			return nil
		}
		if r, err := g.receiverFor(te.FileID); err == nil {
			r.HandleRemoteError(te)
			return nil
		}
		if sendErr == nil {
			log.WithField("file_id", te.FileID).Debug("Transfer already finished")
			return nil
		}
		return fmt.Errorf("%s: %w", te.FileID, ErrUnknownTransfer)

	case protocol.MsgTransferComplete:
		ref, err := protocol.DecodePayload[protocol.FileRef](msg)
		if err != nil {
			return err
		}
		log.WithField("file_id", ref.FileID).Debug("Sender confirmed completion")
		return nil

	default:
		log.Warn("Unknown control message type")
		return fmt.Errorf("%w: %q", protocol.ErrUnknownMessage, msg.Type)
	}
}

// handleMeta admits a new inbound transfer or forwards a repeated
// announce to the active one. Only one inbound transfer runs at a time.
func (g *Registry) handleMeta(meta protocol.FileMeta) error {
	log := logrus.WithFields(logrus.Fields{
		"function":  "Registry.handleMeta",
		"file_id":   meta.FileID,
		"file_name": meta.FileName,
		"file_size": meta.FileSize,
		"resumed":   meta.Resumed,
	})

	if err := meta.Validate(); err != nil {
		log.WithError(err).Warn("Rejecting invalid file metadata")
		e := newError(meta.FileID, ErrInvalidMetadata, CodeInvalidMeta, err)
		g.reject(meta, CodeInvalidMeta, err)
		g.cfg.Hooks.reportError(e)
		return e
	}
	if g.cfg.Opener == nil {
		g.reject(meta, CodeRejected, errors.New("peer is not receiving"))
		return fmt.Errorf("no opener configured: %w", ErrRejected)
	}

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return ErrRegistryClosed
	}
	if g.receiver != nil && g.receiver.State().Terminal() {
		g.receiver = nil
	}
	if active := g.receiver; active != nil {
		g.mu.Unlock()
		if active.FileID() == meta.FileID {
			active.HandleMeta(meta)
			return nil
		}
		log.WithField("active_file_id", active.FileID()).Warn("Rejecting announce while busy")
		g.reject(meta, CodeBusy, ErrReceiverBusy)
		return ErrReceiverBusy
	}

	r, err := NewReceiver(meta, ReceiverConfig{
		Conn:             g.cfg.Conn,
		Store:            g.cfg.Store,
		Opener:           g.cfg.Opener,
		Hooks:            g.cfg.Hooks,
		Clock:            g.cfg.Clock,
		MaxPendingFrames: g.cfg.MaxPendingFrames,
	})
	if err != nil {
		g.mu.Unlock()
		return err
	}
	g.receiver = r
	g.mu.Unlock()

	r.offer()
	log.Info("Incoming file offer")
	if g.cfg.AutoAccept || meta.Resumed {
		return r.Accept(g.ctx)
	}
	g.cfg.Hooks.offer(meta)
	return nil
}

// reject answers an announce with a transfer-error and notifies
// observers.
func (g *Registry) reject(meta protocol.FileMeta, code string, cause error) {
	if err := sendControl(g.cfg.Conn, protocol.MsgTransferError, protocol.TransferError{
		FileID:  meta.FileID,
		Code:    code,
		Message: cause.Error(),
	}); err != nil {
		logrus.WithError(err).WithField("file_id", meta.FileID).Debug("Failed to send rejection")
	}
	g.cfg.Hooks.rejected(meta, cause)
}

// ConnectionLost suspends every transfer. Markers and partial files are
// kept so the transfers can resume on a new connection.
func (g *Registry) ConnectionLost() {
	for _, s := range g.snapshotSenders() {
		s.ConnectionLost()
	}
	if r := g.activeReceiver(); r != nil {
		r.ConnectionLost()
	}
}

// Close cancels every transfer and refuses new ones.
func (g *Registry) Close() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	r := g.receiver
	g.mu.Unlock()

	for _, s := range g.snapshotSenders() {
		if err := s.Cancel(); err != nil {
			logrus.WithError(err).WithField("file_id", s.FileID()).Warn("Failed to cancel transfer")
		}
		s.Close()
	}
	if r != nil {
		if err := r.Cancel(); err != nil {
			logrus.WithError(err).WithField("file_id", r.FileID()).Warn("Failed to cancel transfer")
		}
	}
	g.cancel()
}

// Wait blocks until every transfer known to the registry is terminal or
// ctx ends.
func (g *Registry) Wait(ctx context.Context) error {
	for _, s := range g.snapshotSenders() {
		select {
		case <-s.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if r := g.activeReceiver(); r != nil {
		select {
		case <-r.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (g *Registry) snapshotSenders() []*Sender {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*Sender, 0, len(g.senders))
	for _, s := range g.senders {
		out = append(out, s)
	}
	return out
}

// Suspended reports transfers left resumable: the sender markers and
// receiver checkpoints in the store, newest first.
func (g *Registry) Suspended(ctx context.Context) ([]checkpoint.Record, error) {
	return g.cfg.Store.List(ctx)
}

