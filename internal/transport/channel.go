package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"bigxfer/internal/config"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
)

var (
	ErrChannelClosed   = errors.New("data channel is closed")
	ErrChannelNotReady = errors.New("timeout waiting for data channel to open")
)

const incomingQueueSize = 16

// rawChannel is the part of *webrtc.DataChannel the Channel drives once
// the pion callbacks are wired.
type rawChannel interface {
	Label() string
	Send(data []byte) error
	SendText(s string) error
	BufferedAmount() uint64
	ReadyState() webrtc.DataChannelState
	GracefulClose() error
}

// Channel is an ordered WebRTC data channel carrying transfer frames and
// control messages. It implements transfer.Conn.
type Channel struct {
	ctx    context.Context
	cancel context.CancelFunc
	config *config.Config

	handler MessageHandler

	mu          sync.RWMutex
	dataChannel rawChannel
	isClosed    bool

	readyCh   chan struct{}
	readyOnce sync.Once
	drainedCh chan struct{}

	incomingMsgCh chan webrtc.DataChannelMessage

	closeOnce    sync.Once
	shutdownOnce sync.Once
}

// NewChannel creates a channel that reports to handler. Attach a pion
// data channel with CreateDataChannel or AcceptDataChannel.
func NewChannel(ctx context.Context, cfg *config.Config, handler MessageHandler) *Channel {
	ctx, cancel := context.WithCancel(ctx)
	return &Channel{
		ctx:           ctx,
		cancel:        cancel,
		config:        cfg,
		handler:       handler,
		readyCh:       make(chan struct{}),
		drainedCh:     make(chan struct{}, 1),
		incomingMsgCh: make(chan webrtc.DataChannelMessage, incomingQueueSize),
	}
}

// CreateDataChannel opens an ordered, reliable data channel on peerConn.
func (c *Channel) CreateDataChannel(peerConn *webrtc.PeerConnection, label string) error {
	ordered := true
	dataChannel, err := peerConn.CreateDataChannel(label, &webrtc.DataChannelInit{
		Ordered: &ordered,
	})
	if err != nil {
		return fmt.Errorf("failed to create data channel: %w", err)
	}

	c.attach(dataChannel)
	return nil
}

// AcceptDataChannel attaches the first data channel the remote peer opens.
func (c *Channel) AcceptDataChannel(peerConn *webrtc.PeerConnection) {
	peerConn.OnDataChannel(func(dataChannel *webrtc.DataChannel) {
		c.mu.RLock()
		attached := c.dataChannel != nil
		c.mu.RUnlock()
		if attached {
			logrus.WithField("label", dataChannel.Label()).Warn("Ignoring extra data channel")
			return
		}

		logrus.WithFields(logrus.Fields{
			"label": dataChannel.Label(),
			"id":    dataChannel.ID(),
		}).Info("Received data channel")
		c.attach(dataChannel)
	})
}

func (c *Channel) attach(dataChannel *webrtc.DataChannel) {
	c.mu.Lock()
	c.dataChannel = dataChannel
	c.mu.Unlock()

	dataChannel.OnOpen(func() {
		logrus.WithField("label", dataChannel.Label()).Info("Data channel opened")
		c.markReady()
	})

	dataChannel.OnClose(func() {
		logrus.WithField("label", dataChannel.Label()).Info("Data channel closed")
		c.handleClose()
	})

	dataChannel.OnError(func(err error) {
		logrus.WithError(err).WithField("label", dataChannel.Label()).Error("Data channel error")
		c.handleClose()
	})

	dataChannel.OnMessage(c.enqueue)

	// Drained fires once the buffer falls to the low watermark.
	dataChannel.SetBufferedAmountLowThreshold(c.config.WebRTC.BufferedAmountLowThreshold)
	dataChannel.OnBufferedAmountLow(c.signalDrained)
}

func (c *Channel) enqueue(msg webrtc.DataChannelMessage) {
	select {
	case c.incomingMsgCh <- msg:
	case <-c.ctx.Done():
	}
}

func (c *Channel) signalDrained() {
	select {
	case c.drainedCh <- struct{}{}:
	default:
	}
}

// Ready is closed when the data channel opens.
func (c *Channel) Ready() <-chan struct{} {
	return c.readyCh
}

func (c *Channel) markReady() {
	c.readyOnce.Do(func() { close(c.readyCh) })
}

// StartMessageLoop waits for the channel to open, notifies the handler
// and then dispatches inbound messages in arrival order. The returned
// channel yields the loop's result once and is then closed.
func (c *Channel) StartMessageLoop() <-chan error {
	doneCh := make(chan error, 1)

	go func() {
		defer close(doneCh)

		if err := c.waitForReady(); err != nil {
			doneCh <- err
			c.shutdown()
			return
		}

		if err := c.handler.OnChannelReady(); err != nil {
			doneCh <- fmt.Errorf("channel ready handler: %w", err)
			return
		}

		c.processIncomingMessages()
		doneCh <- nil
	}()

	return doneCh
}

func (c *Channel) waitForReady() error {
	var timeout <-chan time.Time
	if d := c.config.WebRTC.ReadyTimeout; d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-c.readyCh:
		if c.IsClosed() {
			return ErrChannelClosed
		}
		return nil
	case <-c.ctx.Done():
		return fmt.Errorf("cancelled while waiting for channel ready: %w", c.ctx.Err())
	case <-timeout:
		return ErrChannelNotReady
	}
}

func (c *Channel) processIncomingMessages() {
	for {
		select {
		case msg := <-c.incomingMsgCh:
			c.dispatch(msg)
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Channel) dispatch(msg webrtc.DataChannelMessage) {
	if !msg.IsString {
		c.handler.HandleFrame(msg.Data)
		return
	}
	if err := c.handler.HandleControl(msg.Data); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "dispatch",
			"size":     len(msg.Data),
		}).WithError(err).Warn("Failed to handle control message")
	}
}

func (c *Channel) channel() (rawChannel, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.isClosed || c.dataChannel == nil {
		return nil, ErrChannelClosed
	}
	return c.dataChannel, nil
}

// Send writes a binary frame.
func (c *Channel) Send(data []byte) error {
	dc, err := c.channel()
	if err != nil {
		return err
	}
	if err := dc.Send(data); err != nil {
		return fmt.Errorf("failed to send data: %w", err)
	}
	return nil
}

// SendText writes a control message.
func (c *Channel) SendText(s string) error {
	dc, err := c.channel()
	if err != nil {
		return err
	}
	if err := dc.SendText(s); err != nil {
		return fmt.Errorf("failed to send text: %w", err)
	}
	return nil
}

func (c *Channel) BufferedAmount() uint64 {
	dc, err := c.channel()
	if err != nil {
		return 0
	}
	return dc.BufferedAmount()
}

// IsOpen reports whether the data channel can carry messages.
func (c *Channel) IsOpen() bool {
	dc, err := c.channel()
	if err != nil {
		return false
	}
	return dc.ReadyState() == webrtc.DataChannelStateOpen
}

// Drained receives a value each time the send buffer drops to the low
// threshold.
func (c *Channel) Drained() <-chan struct{} {
	return c.drainedCh
}

// IsClosed returns whether the channel is closed
func (c *Channel) IsClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isClosed
}

// handleClose reports a remote or transport-level close to the handler
// exactly once.
func (c *Channel) handleClose() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.isClosed = true
		c.mu.Unlock()

		c.handler.OnChannelClosed()
		c.shutdown()
	})
}

// Close gracefully closes the data channel without notifying the handler.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.isClosed = true
		dc := c.dataChannel
		c.mu.Unlock()

		if dc != nil && dc.ReadyState() == webrtc.DataChannelStateOpen {
			if err := dc.GracefulClose(); err != nil {
				logrus.WithError(err).Warn("Error during graceful close")
			}
		}
	})
	c.shutdown()
	return nil
}

func (c *Channel) shutdown() {
	c.shutdownOnce.Do(func() {
		c.mu.Lock()
		c.isClosed = true
		c.mu.Unlock()

		c.cancel()
		c.markReady()
	})
}
