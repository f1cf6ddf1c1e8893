package transport

import (
	"fmt"
	"sync"

	"bigxfer/internal/config"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
)

// ConnectionFailureError reports a peer connection that failed or closed.
type ConnectionFailureError struct {
	State   webrtc.PeerConnectionState
	Role    string
	Message string
}

func (e *ConnectionFailureError) Error() string {
	return fmt.Sprintf("connection %s for %s: %s", e.State.String(), e.Role, e.Message)
}

// PeerService manages WebRTC peer connection lifecycle
type PeerService struct {
	config      *config.Config
	failureChan chan *ConnectionFailureError
	failOnce    sync.Once
}

// NewPeerService creates a new peer service with the given configuration
func NewPeerService(cfg *config.Config) *PeerService {
	return &PeerService{
		config:      cfg,
		failureChan: make(chan *ConnectionFailureError, 1),
	}
}

// CreatePeerConnection creates a peer connection whose SCTP transport
// accepts messages up to the configured maximum.
func (p *PeerService) CreatePeerConnection() (*webrtc.PeerConnection, error) {
	settings := webrtc.SettingEngine{}
	if size := p.config.WebRTC.MaxMessageSize; size > 0 {
		settings.SetSCTPMaxMessageSize(size)
	}
	api := webrtc.NewAPI(webrtc.WithSettingEngine(settings))

	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: p.config.WebRTC.ICEServers,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}
	return pc, nil
}

// SetupConnectionStateHandler logs state changes and reports the first
// failure or close on the failure channel.
func (p *PeerService) SetupConnectionStateHandler(peerConn *webrtc.PeerConnection, role string) {
	peerConn.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		p.handleConnectionStateChange(state, role)
	})
}

// Failures returns a channel that receives connection failures
func (p *PeerService) Failures() <-chan *ConnectionFailureError {
	return p.failureChan
}

// Close gracefully closes the peer connection
func (p *PeerService) Close(peerConn *webrtc.PeerConnection) error {
	if peerConn == nil {
		return nil
	}
	return peerConn.GracefulClose()
}

func (p *PeerService) handleConnectionStateChange(state webrtc.PeerConnectionState, role string) {
	log := logrus.WithFields(logrus.Fields{
		"role":  role,
		"state": state.String(),
	})
	log.Info("Peer connection state changed")

	var message string
	switch state {
	case webrtc.PeerConnectionStateFailed:
		message = "peer connection failed"
	case webrtc.PeerConnectionStateClosed:
		message = "peer connection closed"
	default:
		return
	}

	p.failOnce.Do(func() {
		log.Warn(message)
		p.failureChan <- &ConnectionFailureError{State: state, Role: role, Message: message}
	})
}
