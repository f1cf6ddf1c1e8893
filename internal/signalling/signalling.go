// Package signalling exchanges the SDP offer and answer that set up the
// peer connection, through Firebase Realtime Database or by hand.
package signalling

import (
	"context"
	"fmt"
	"io"

	"bigxfer/internal/config"
	"bigxfer/pkg/utils"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
)

// SignalingServer stores encoded session descriptions under a session code.
type SignalingServer interface {
	CreateSession(ctx context.Context, offer string) (sessionID string, err error)
	GetOffer(ctx context.Context, sessionID string) (offer string, err error)
	UpdateAnswer(ctx context.Context, sessionID, answer string) error
	WaitForAnswer(ctx context.Context, sessionID string) (answer string, err error)
	DeleteSession(ctx context.Context, sessionID string) error
}

// SDPHandler produces complete local descriptions for a peer connection.
type SDPHandler interface {
	Offer(ctx context.Context, peerConn *webrtc.PeerConnection) (webrtc.SessionDescription, error)
	Answer(ctx context.Context, peerConn *webrtc.PeerConnection, offer webrtc.SessionDescription) (webrtc.SessionDescription, error)
	Apply(peerConn *webrtc.PeerConnection, answer webrtc.SessionDescription) error
}

// SignalingService runs the offer/answer exchange for either side.
type SignalingService struct {
	server SignalingServer
	sdp    SDPHandler

	// OnCode is called with the session code the receiver must enter.
	OnCode func(code string)
}

func NewSignalingService(server SignalingServer, sdp SDPHandler) *SignalingService {
	return &SignalingService{
		server: server,
		sdp:    sdp,
	}
}

// NewDefaultSignalingService picks the server named by cfg.Signal.Mode.
// The manual server talks to the user through in and out.
func NewDefaultSignalingService(ctx context.Context, cfg *config.Config, in LineReader, out io.Writer) (*SignalingService, error) {
	switch cfg.Signal.Mode {
	case config.SignalManual:
		return NewSignalingService(NewManualServer(in, out), PionSDP{}), nil
	case config.SignalFirebase:
		server, err := NewFirebaseClient(ctx, &cfg.Firebase, cfg.Signal)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize Firebase client: %w", err)
		}
		return NewSignalingService(server, PionSDP{}), nil
	default:
		return nil, config.ErrInvalidSignalMode
	}
}

// StartSenderSignallingProcess publishes the offer, waits for the answer
// and applies it. It returns the session code.
func (s *SignalingService) StartSenderSignallingProcess(ctx context.Context, peerConn *webrtc.PeerConnection) (string, error) {
	offer, err := s.sdp.Offer(ctx, peerConn)
	if err != nil {
		return "", err
	}

	encodedOffer, err := utils.Encode(offer)
	if err != nil {
		return "", fmt.Errorf("failed to encode offer SDP: %w", err)
	}

	sessionID, err := s.server.CreateSession(ctx, encodedOffer)
	if err != nil {
		return "", fmt.Errorf("failed to create session with offer: %w", err)
	}

	if s.OnCode != nil {
		s.OnCode(sessionID)
	} else {
		logrus.WithField("code", sessionID).Info("Send this code to the receiver")
	}

	encodedAnswer, err := s.server.WaitForAnswer(ctx, sessionID)
	if err != nil {
		return sessionID, fmt.Errorf("failed to wait for answer: %w", err)
	}

	answer, err := utils.Decode[webrtc.SessionDescription](encodedAnswer)
	if err != nil {
		return sessionID, fmt.Errorf("failed to decode answer SDP: %w", err)
	}

	if err := s.sdp.Apply(peerConn, answer); err != nil {
		return sessionID, err
	}
	return sessionID, nil
}

// StartReceiverSignallingProcess answers the offer stored under sessionID.
func (s *SignalingService) StartReceiverSignallingProcess(ctx context.Context, peerConn *webrtc.PeerConnection, sessionID string) error {
	encodedOffer, err := s.server.GetOffer(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("failed to get offer from session: %w", err)
	}

	offer, err := utils.Decode[webrtc.SessionDescription](encodedOffer)
	if err != nil {
		return fmt.Errorf("failed to decode offer SDP: %w", err)
	}

	answer, err := s.sdp.Answer(ctx, peerConn, offer)
	if err != nil {
		return err
	}

	encodedAnswer, err := utils.Encode(answer)
	if err != nil {
		return fmt.Errorf("failed to encode answer SDP: %w", err)
	}

	if err := s.server.UpdateAnswer(ctx, sessionID, encodedAnswer); err != nil {
		return fmt.Errorf("failed to upload answer: %w", err)
	}
	return nil
}

// ClearSession deletes a session by its ID
func (s *SignalingService) ClearSession(ctx context.Context, sessionID string) error {
	return s.server.DeleteSession(ctx, sessionID)
}
