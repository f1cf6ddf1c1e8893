package app

import (
	"context"
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

// ReceiverOptions configures the receiver application behavior
type ReceiverOptions struct {
	DestDir string // Required: directory the received file is written to
	// AutoAccept skips the confirmation prompt for new transfers.
	AutoAccept bool
}

// ReceiverApp implements receiver application logic
type ReceiverApp struct {
	config           *config.Config
	peerService      *transport.PeerService
	signalingService *signalling.SignalingService
	store            checkpoint.Store
	ui               *ui.ConsoleUI
}

// NewReceiverApp creates a new receiver application
func NewReceiverApp(
	cfg *config.Config,
	peerService *transport.PeerService,
	signalingService *signalling.SignalingService,
	store checkpoint.Store,
	console *ui.ConsoleUI,
) *ReceiverApp {
	return &ReceiverApp{
		config:           cfg,
		peerService:      peerService,
		signalingService: signalingService,
		store:            store,
		ui:               console,
	}
}

// Run receives one file into opts.DestDir. Cancellation leaves the
// partial file and its checkpoint in place for a later resume.
func (r *ReceiverApp) Run(ctx context.Context, opts *ReceiverOptions) error {
	if opts.DestDir == "" {
		return fmt.Errorf("destination path is required")
	}

	dir, err := file.NewDir(opts.DestDir)
	if err != nil {
		return err
	}

	r.ui.ShowMessage(fmt.Sprintf("Preparing to receive file into: %s", dir.Root()))

	var last lastError
	finished := make(chan error, 1)
	report := func(err error) {
		select {
		case finished <- err:
		default:
		}
	}

	var sess *session
	progress := ui.NewProgress("Receiving", os.Stderr)
	hooks := last.wrap(progress.Hooks())

	onComplete := hooks.OnComplete
	hooks.OnComplete = func(s transfer.Summary) {
		onComplete(s)
		if s.Direction == transfer.DirectionReceive {
			r.ui.ShowMessage(fmt.Sprintf("Saved %s", s.FileName))
			report(nil)
		}
	}
	onState := hooks.OnStateChange
	hooks.OnStateChange = func(fileID string, d transfer.Direction, to, from transfer.State) {
		onState(fileID, d, to, from)
		if d == transfer.DirectionReceive && (to == transfer.StateFailed || to == transfer.StateCancelled) {
			report(outcome(to, &last))
		}
	}
	hooks.OnOffer = func(meta protocol.FileMeta) {
		go r.confirm(ctx, sess, meta)
	}
	hooks.OnRejected = func(meta protocol.FileMeta, err error) {
		logrus.WithError(err).WithField("file_id", meta.FileID).Warn("Refused incoming transfer")
	}

	sess, err = newSession(ctx, r.config, r.peerService, sessionConfig{
		role:   "receiver",
		store:  r.store,
		opener: dir,
		hooks:  hooks,
		accept: opts.AutoAccept || r.config.Transfer.AutoAccept,
	})
	if err != nil {
		return err
	}
	sess.channel.AcceptDataChannel(sess.peerConn)

	code := signalling.ManualSessionID
	if r.config.Signal.Mode == config.SignalFirebase {
		if code, err = r.ui.InputCode(ctx); err != nil {
			sess.close()
			return fmt.Errorf("failed to get code from user: %w", err)
		}
	}

	if err := r.signalingService.StartReceiverSignallingProcess(ctx, sess.peerConn, code); err != nil {
		sess.close()
		r.clearSession(code)
		return fmt.Errorf("failed during signalling process: %w", err)
	}

	loopDone := sess.channel.StartMessageLoop()

	select {
	case err := <-finished:
		sess.close()
		return err
	case err := <-loopDone:
		sess.suspend()
		if err == nil {
			err = transport.ErrChannelClosed
		}
		return fmt.Errorf("data channel: %w", err)
	case failure := <-r.peerService.Failures():
		logrus.WithError(failure).Warn("Connection lost, keeping partial file")
		sess.suspend()
		return fmt.Errorf("%w: %v", ErrSuspended, failure)
	case <-ctx.Done():
		sess.suspend()
		return ErrSuspended
	}
}

// confirm asks the user about a new inbound file.
func (r *ReceiverApp) confirm(ctx context.Context, sess *session, meta protocol.FileMeta) {
	ok, err := r.ui.ConfirmOffer(ctx, meta)
	if err != nil {
		logrus.WithError(err).Warn("No answer to incoming transfer")
		ok = false
	}

	if !ok {
		if err := sess.registry.Reject(meta.FileID, "rejected"); err != nil {
			logrus.WithError(err).WithField("file_id", meta.FileID).Warn("Failed to reject transfer")
		}
		return
	}
	if err := sess.registry.Accept(ctx, meta.FileID); err != nil {
		logrus.WithError(err).WithField("file_id", meta.FileID).Error("Failed to accept transfer")
	}
}

func (r *ReceiverApp) clearSession(code string) {
	if code == signalling.ManualSessionID {
		return
	}
	if err := r.signalingService.ClearSession(context.Background(), code); err != nil {
		logrus.WithError(err).WithField("session", code).Warn("Failed to clear signalling session")
	}
}
