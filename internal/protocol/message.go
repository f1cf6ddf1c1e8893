package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies a control message on the data channel.
type MessageType string

const (
	MsgFileMeta         MessageType = "file-meta"
	MsgTransferAccepted MessageType = "transfer-accepted"
	MsgCheckpointAck    MessageType = "checkpoint-ack"
	MsgResumeRequest    MessageType = "resume-request"
	MsgResumeInfo       MessageType = "resume-info"
	MsgTransferComplete MessageType = "transfer-complete"
	MsgTransferError    MessageType = "transfer-error"
	MsgTransferPause    MessageType = "transfer-pause"
	MsgTransferCancel   MessageType = "transfer-cancel"
)

var (
	ErrEmptyMessage   = errors.New("empty control message")
	ErrMissingType    = errors.New("control message has no type")
	ErrMissingFileID  = errors.New("control message has no fileId")
	ErrUnknownMessage = errors.New("unknown control message type")
)

// Message is the JSON envelope of every control message.
type Message struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// FileMeta announces a transfer. Resumed is set when the sender is
// continuing a transfer the receiver may already know about.
type FileMeta struct {
	FileID           string `json:"fileId"`
	FileName         string `json:"fileName"`
	FileSize         int64  `json:"fileSize"`
	ChunkSize        int    `json:"chunkSize"`
	CheckpointChunks int    `json:"checkpointChunks"`
	TotalChunks      int    `json:"totalChunks"`
	Username         string `json:"username,omitempty"`
	Resumed          bool   `json:"resumed,omitempty"`
}

// TotalCheckpoints returns the checkpoint count implied by the metadata.
func (m FileMeta) TotalCheckpoints() int {
	return TotalCheckpoints(m.TotalChunks, m.CheckpointChunks)
}

// Validate checks the metadata is self-consistent.
func (m FileMeta) Validate() error {
	switch {
	case m.FileID == "":
		return ErrMissingFileID
	case m.FileSize < 0:
		return fmt.Errorf("negative file size %d", m.FileSize)
	case m.ChunkSize <= 0 || m.ChunkSize > MaxChunkSize:
		return fmt.Errorf("chunk size %d out of range", m.ChunkSize)
	case m.CheckpointChunks <= 0:
		return fmt.Errorf("checkpoint chunk count %d out of range", m.CheckpointChunks)
	case m.TotalChunks != TotalChunks(m.FileSize, m.ChunkSize):
		return fmt.Errorf("total chunks %d does not match size %d / chunk size %d", m.TotalChunks, m.FileSize, m.ChunkSize)
	}
	return nil
}

// TransferAccepted tells the sender the receiver's sink is ready.
// LastCheckpoint and NextChunk, when present, are the receiver's
// authoritative resume position.
type TransferAccepted struct {
	FileID         string `json:"fileId"`
	LastCheckpoint *int   `json:"lastCheckpoint,omitempty"`
	NextChunk      *int   `json:"nextChunk,omitempty"`
}

type CheckpointAck struct {
	FileID          string `json:"fileId"`
	CheckpointIndex int    `json:"checkpointIndex"`
}

type ResumeInfo struct {
	FileID         string `json:"fileId"`
	LastCheckpoint int    `json:"lastCheckpoint"`
	NextChunk      *int   `json:"nextChunk,omitempty"`
}

type TransferError struct {
	FileID  string `json:"fileId"`
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// FileRef is the payload of messages that carry nothing but the file id:
// transfer-complete, transfer-pause, transfer-cancel and resume-request.
type FileRef struct {
	FileID string `json:"fileId"`
}

// EncodeMessage wraps payload in an envelope and serializes it.
func EncodeMessage(msgType MessageType, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize %s payload: %w", msgType, err)
	}
	data, err := json.Marshal(Message{Type: msgType, Payload: raw})
	if err != nil {
		return nil, fmt.Errorf("failed to serialize %s message: %w", msgType, err)
	}
	return data, nil
}

// DecodeMessage parses an envelope. The payload is left raw; use
// DecodePayload to read it.
func DecodeMessage(data []byte) (Message, error) {
	if len(data) == 0 {
		return Message{}, ErrEmptyMessage
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("failed to deserialize message: %w", err)
	}
	if msg.Type == "" {
		return Message{}, ErrMissingType
	}
	return msg, nil
}

// DecodePayload unmarshals the payload of msg into T.
func DecodePayload[T any](msg Message) (T, error) {
	var payload T
	if len(msg.Payload) == 0 {
		return payload, fmt.Errorf("%s: %w", msg.Type, ErrMissingFileID)
	}
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return payload, fmt.Errorf("failed to deserialize %s payload: %w", msg.Type, err)
	}
	return payload, nil
}

// FileID extracts the correlation id every control message carries.
func (m Message) FileID() (string, error) {
	ref, err := DecodePayload[FileRef](m)
	if err != nil {
		return "", err
	}
	if ref.FileID == "" {
		return "", fmt.Errorf("%s: %w", m.Type, ErrMissingFileID)
	}
	return ref.FileID, nil
}
