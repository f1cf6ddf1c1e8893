// Package app wires the transfer registry to a WebRTC peer connection
// for the send and receive commands.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"bigxfer/internal/checkpoint"
	"bigxfer/internal/config"
	"bigxfer/internal/file"
	"bigxfer/internal/transfer"
	"bigxfer/internal/transport"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
)

const dataChannelLabel = "bigxfer"

var (
	ErrCancelled = errors.New("transfer cancelled")
	ErrSuspended = errors.New("transfer suspended, run the same command again to resume")
)

// session is one peer connection carrying one registry.
type session struct {
	peerService *transport.PeerService
	peerConn    *webrtc.PeerConnection
	handler     *transport.RegistryHandler
	channel     *transport.Channel
	registry    *transfer.Registry
}

type sessionConfig struct {
	role   string
	store  checkpoint.Store
	opener file.Opener
	hooks  transfer.Hooks
	accept bool
}

func newSession(ctx context.Context, cfg *config.Config, peerService *transport.PeerService, sc sessionConfig) (*session, error) {
	peerConn, err := peerService.CreatePeerConnection()
	if err != nil {
		return nil, err
	}
	peerService.SetupConnectionStateHandler(peerConn, sc.role)

	handler := &transport.RegistryHandler{}
	channel := transport.NewChannel(ctx, cfg, handler)

	registry, err := transfer.NewRegistry(ctx, transfer.RegistryConfig{
		Conn:   channel,
		Store:  sc.store,
		Opener: sc.opener,
		Hooks:  sc.hooks,
		Flow: transfer.Flow{
			HighWatermark: cfg.WebRTC.MaxBufferedAmount,
			LowWatermark:  cfg.WebRTC.BufferedAmountLowThreshold,
			PollInterval:  cfg.Transfer.PollInterval,
		},
		Username:         cfg.Transfer.Username,
		CheckpointChunks: cfg.Transfer.CheckpointChunks,
		MaxPendingFrames: cfg.Transfer.MaxPendingFrames,
		AutoAccept:       sc.accept,
	})
	if err != nil {
		_ = peerService.Close(peerConn)
		return nil, fmt.Errorf("failed to create transfer registry: %w", err)
	}
	handler.Dispatcher = registry

	return &session{
		peerService: peerService,
		peerConn:    peerConn,
		handler:     handler,
		channel:     channel,
		registry:    registry,
	}, nil
}

// suspend keeps every transfer resumable and tears the connection down.
func (s *session) suspend() {
	s.registry.ConnectionLost()
	s.close()
}

func (s *session) close() {
	if err := s.channel.Close(); err != nil {
		logrus.WithError(err).Warn("Error closing data channel")
	}
	if err := s.peerService.Close(s.peerConn); err != nil {
		logrus.WithError(err).Warn("Error closing peer connection")
	}
}

type endReason int

const (
	endDone endReason = iota
	endChannelClosed
	endPeerFailed
	endInterrupted
)

// awaitEnd blocks until a running transfer finishes or loses its
// connection. The error describes a lost connection.
func awaitEnd(ctx context.Context, done <-chan struct{}, loopDone <-chan error, failures <-chan *transport.ConnectionFailureError) (endReason, error) {
	select {
	case <-done:
		return endDone, nil
	case err := <-loopDone:
		if err == nil {
			err = transport.ErrChannelClosed
		}
		return endChannelClosed, err
	case failure := <-failures:
		return endPeerFailed, failure
	case <-ctx.Done():
		return endInterrupted, ctx.Err()
	}
}

// lastError remembers the most recent transfer error reported through
// the hooks.
type lastError struct {
	mu  sync.Mutex
	err *transfer.Error
}

func (l *lastError) wrap(hooks transfer.Hooks) transfer.Hooks {
	next := hooks.OnError
	hooks.OnError = func(err *transfer.Error) {
		l.mu.Lock()
		l.err = err
		l.mu.Unlock()
		if next != nil {
			next(err)
		}
	}
	return hooks
}

func (l *lastError) get() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err == nil {
		return nil
	}
	return l.err
}

// outcome maps a terminal state to the command's result.
func outcome(state transfer.State, last *lastError) error {
	switch state {
	case transfer.StateCompleted:
		return nil
	case transfer.StateCancelled:
		if err := last.get(); err != nil {
			return fmt.Errorf("%w: %v", ErrCancelled, err)
		}
		return ErrCancelled
	default:
		if err := last.get(); err != nil {
			return err
		}
		return fmt.Errorf("transfer ended in state %s", state)
	}
}
