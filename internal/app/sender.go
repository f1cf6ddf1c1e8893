package app

import (
	"context"
	"errors"
	"fmt"
	"os"

	"bigxfer/internal/checkpoint"
	"bigxfer/internal/config"
	"bigxfer/internal/file"
	"bigxfer/internal/protocol"
	"bigxfer/internal/signalling"
	"bigxfer/internal/transfer"
	"bigxfer/internal/transport"
	"bigxfer/internal/ui"

	"github.com/sirupsen/logrus"
)

// SenderOptions configures the sender application behavior
type SenderOptions struct {
	FilePath string // Required: path to file to send
	// Restart ignores a stored send marker and streams from the start.
	Restart bool
}

// SenderApp implements sender application logic
type SenderApp struct {
	config           *config.Config
	peerService      *transport.PeerService
	signalingService *signalling.SignalingService
	store            checkpoint.Store
	ui               *ui.ConsoleUI
}

// NewSenderApp creates a new sender application
func NewSenderApp(
	cfg *config.Config,
	peerService *transport.PeerService,
	signalingService *signalling.SignalingService,
	store checkpoint.Store,
	console *ui.ConsoleUI,
) *SenderApp {
	return &SenderApp{
		config:           cfg,
		peerService:      peerService,
		signalingService: signalingService,
		store:            store,
		ui:               console,
	}
}

// Run sends one file and returns once the receiver has committed every
// checkpoint, the transfer ends, or ctx is cancelled. Cancellation
// suspends the transfer instead of cancelling it.
func (s *SenderApp) Run(ctx context.Context, opts *SenderOptions) error {
	if opts.FilePath == "" {
		return fmt.Errorf("file path is required")
	}

	src, err := file.OpenSource(opts.FilePath, s.config.Transfer.ChunkSize)
	if err != nil {
		return err
	}
	defer src.Close()

	fileID, err := s.identify(src)
	if err != nil {
		return err
	}

	s.ui.ShowMessage(fmt.Sprintf("Preparing to send file: %s", opts.FilePath))

	var last lastError
	progress := ui.NewProgress("Sending", os.Stderr)
	sess, err := newSession(ctx, s.config, s.peerService, sessionConfig{
		role:  "sender",
		store: s.store,
		hooks: last.wrap(progress.Hooks()),
	})
	if err != nil {
		return err
	}

	// The data channel must exist before the offer so the SDP carries it.
	if err := sess.channel.CreateDataChannel(sess.peerConn, dataChannelLabel); err != nil {
		sess.close()
		return err
	}

	senderCh := make(chan *transfer.Sender, 1)
	sess.handler.Ready = func() error {
		sender, err := sess.registry.Send(ctx, transfer.SendRequest{
			Source: src,
			FileID: fileID,
			Resume: !opts.Restart,
		})
		if sender != nil {
			senderCh <- sender
		}
		return err
	}

	s.signalingService.OnCode = s.ui.ShowCode
	code, err := s.signalingService.StartSenderSignallingProcess(ctx, sess.peerConn)
	if code != "" {
		defer s.clearSession(code)
	}
	if err != nil {
		sess.close()
		return fmt.Errorf("failed during signalling process: %w", err)
	}

	loopDone := sess.channel.StartMessageLoop()

	var sender *transfer.Sender
	select {
	case sender = <-senderCh:
	case err := <-loopDone:
		sess.close()
		if err == nil {
			err = transport.ErrChannelClosed
		}
		return fmt.Errorf("data channel: %w", err)
	case failure := <-s.peerService.Failures():
		sess.close()
		return failure
	case <-ctx.Done():
		sess.close()
		return ctx.Err()
	}

	s.ui.ShowMessage(fmt.Sprintf("Offering %s as transfer %s", src.Name(), sender.FileID()))

	reason, cause := awaitEnd(ctx, sender.Done(), loopDone, s.peerService.Failures())
	switch reason {
	case endDone:
		sess.close()
		return outcome(sender.State(), &last)
	case endInterrupted:
		if err := sender.Pause(); err != nil && !errors.Is(err, transfer.ErrInvalidState) {
			logrus.WithError(err).Warn("Failed to notify receiver of pause")
		}
		sess.suspend()
		return ErrSuspended
	default:
		logrus.WithError(cause).Warn("Connection lost, suspending transfer")
		sess.suspend()
		return fmt.Errorf("%w: %v", ErrSuspended, cause)
	}
}

func (s *SenderApp) identify(src *file.Source) (string, error) {
	if s.config.Transfer.Identity != config.IdentityContent {
		return "", nil
	}
	s.ui.ShowMessage("Hashing file contents...")
	id, err := protocol.ContentID(src.Name(), src.Size(), src.Contents())
	if err != nil {
		return "", fmt.Errorf("failed to hash %s: %w", src.Name(), err)
	}
	return id, nil
}

func (s *SenderApp) clearSession(code string) {
	if err := s.signalingService.ClearSession(context.Background(), code); err != nil {
		logrus.WithError(err).WithField("session", code).Warn("Failed to clear signalling session")
	}
}
