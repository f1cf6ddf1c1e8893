package transfer

import (
	"context"
	"fmt"
	"time"

	"bigxfer/internal/protocol"

	"github.com/sirupsen/logrus"
)

// DefaultPollInterval bounds how long a backpressure wait sleeps before
// re-reading the buffered amount when no drain signal arrives.
const DefaultPollInterval = 100 * time.Millisecond

// Conn is the ordered duplex message connection both peers share.
// Binary messages carry frames, text messages carry control JSON.
type Conn interface {
	Send(frame []byte) error
	SendText(msg string) error
	// BufferedAmount is the number of bytes queued but not yet sent.
	BufferedAmount() uint64
	IsOpen() bool
	// Drained is signalled when the buffered amount falls below the low
	// watermark. Signals may be coalesced.
	Drained() <-chan struct{}
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// RealClock uses the time package.
var RealClock Clock = realClock{}

// Flow configures backpressure. Zero values select the protocol defaults.
type Flow struct {
	HighWatermark uint64
	LowWatermark  uint64
	PollInterval  time.Duration
}

func (f Flow) withDefaults() Flow {
	if f.HighWatermark == 0 {
		f.HighWatermark = protocol.BufferHighWatermark
	}
	if f.LowWatermark == 0 || f.LowWatermark >= f.HighWatermark {
		f.LowWatermark = min(uint64(protocol.BufferLowWatermark), f.HighWatermark/2)
	}
	if f.PollInterval <= 0 {
		f.PollInterval = DefaultPollInterval
	}
	return f
}

// gate halts a sender while the connection is backed up. Once the
// buffered amount exceeds the high watermark, sending resumes only after
// it drops below the low watermark.
type gate struct {
	conn  Conn
	flow  Flow
	clock Clock
}

func (g gate) wait(ctx context.Context) error {
	if g.conn.BufferedAmount() <= g.flow.HighWatermark {
		return nil
	}

	logrus.WithFields(logrus.Fields{
		"function": "gate.wait",
		"buffered": g.conn.BufferedAmount(),
		"high":     g.flow.HighWatermark,
	}).Debug("Backpressure engaged")

	for g.conn.BufferedAmount() >= g.flow.LowWatermark {
		if !g.conn.IsOpen() {
			return ErrConnectionUnavailable
		}
		select {
		case <-g.conn.Drained():
		case <-g.clock.After(g.flow.PollInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	logrus.WithFields(logrus.Fields{
		"function": "gate.wait",
		"buffered": g.conn.BufferedAmount(),
	}).Debug("Backpressure released")
	return nil
}

// sendControl serializes and sends one control message.
func sendControl(conn Conn, msgType protocol.MessageType, payload any) error {
	data, err := protocol.EncodeMessage(msgType, payload)
	if err != nil {
		return err
	}
	if err := conn.SendText(string(data)); err != nil {
		return fmt.Errorf("send %s: %w", msgType, err)
	}
	return nil
}
