package signalling

import (
	"context"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
)

var errNoLocalDescription = errors.New("local description is nil after ICE gathering")

// PionSDP implements SDPHandler with vanilla ICE: each description is
// returned only after candidate gathering completes.
type PionSDP struct{}

// Offer creates the local offer and returns it with its candidates.
func (PionSDP) Offer(ctx context.Context, peerConn *webrtc.PeerConnection) (webrtc.SessionDescription, error) {
	offer, err := peerConn.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to create offer: %w", err)
	}
	return gather(ctx, peerConn, offer)
}

// Answer applies the remote offer and returns the gathered answer.
func (PionSDP) Answer(ctx context.Context, peerConn *webrtc.PeerConnection, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if err := peerConn.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to set remote description: %w", err)
	}
	answer, err := peerConn.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to create answer: %w", err)
	}
	return gather(ctx, peerConn, answer)
}

// Apply sets the remote answer on the offering side.
func (PionSDP) Apply(peerConn *webrtc.PeerConnection, answer webrtc.SessionDescription) error {
	if err := peerConn.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("failed to set remote description: %w", err)
	}
	return nil
}

func gather(ctx context.Context, peerConn *webrtc.PeerConnection, desc webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	gathered := webrtc.GatheringCompletePromise(peerConn)
	if err := peerConn.SetLocalDescription(desc); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to set local description: %w", err)
	}

	select {
	case <-gathered:
	case <-ctx.Done():
		return webrtc.SessionDescription{}, fmt.Errorf("failed to wait for ICE gathering: %w", ctx.Err())
	}

	local := peerConn.LocalDescription()
	if local == nil {
		return webrtc.SessionDescription{}, errNoLocalDescription
	}
	return *local, nil
}
