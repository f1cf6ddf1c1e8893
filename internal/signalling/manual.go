package signalling

import (
	"context"
	"fmt"
	"io"
)

// ManualSessionID is the code a ManualServer hands out; there is no
// shared store to key.
const ManualSessionID = "manual"

// LineReader reads one line of user input.
type LineReader interface {
	ReadLine(ctx context.Context) (string, error)
}

// ManualServer exchanges encoded descriptions by copy and paste: it
// prints the local blob to out and reads the remote one from in.
type ManualServer struct {
	in  LineReader
	out io.Writer
}

func NewManualServer(in LineReader, out io.Writer) *ManualServer {
	return &ManualServer{in: in, out: out}
}

func (m *ManualServer) prompt(ctx context.Context, label string) (string, error) {
	fmt.Fprintf(m.out, "Paste the %s from the other peer:\n", label)
	for {
		line, err := m.in.ReadLine(ctx)
		if err != nil {
			return "", fmt.Errorf("failed to read %s: %w", label, err)
		}
		if line != "" {
			return line, nil
		}
	}
}

func (m *ManualServer) CreateSession(ctx context.Context, offer string) (string, error) {
	fmt.Fprintf(m.out, "Offer (send this to the receiver):\n%s\n", offer)
	return ManualSessionID, nil
}

func (m *ManualServer) GetOffer(ctx context.Context, sessionID string) (string, error) {
	return m.prompt(ctx, "offer")
}

func (m *ManualServer) UpdateAnswer(ctx context.Context, sessionID, answer string) error {
	fmt.Fprintf(m.out, "Answer (send this back to the sender):\n%s\n", answer)
	return nil
}

func (m *ManualServer) WaitForAnswer(ctx context.Context, sessionID string) (string, error) {
	return m.prompt(ctx, "answer")
}

func (m *ManualServer) DeleteSession(ctx context.Context, sessionID string) error {
	return nil
}
