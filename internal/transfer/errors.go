package transfer

import (
	"errors"
	"fmt"

	"bigxfer/internal/protocol"
)

// Error kinds. Every failure surfaced by this package wraps one of them,
// so callers can branch with errors.Is.
var (
	ErrInvalidMetadata       = errors.New("invalid metadata")
	ErrMalformedFrame        = protocol.ErrMalformedFrame
	ErrSinkInit              = errors.New("sink initialization failed")
	ErrSinkWrite             = errors.New("sink write failed")
	ErrCheckpointPersist     = errors.New("checkpoint persistence failed")
	ErrConnectionUnavailable = errors.New("connection unavailable")
	ErrSourceRead            = errors.New("source read failed")
	ErrFinalize              = errors.New("finalize failed")
	ErrRejected              = errors.New("transfer rejected by peer")
	ErrRemote                = errors.New("peer reported an error")
)

// Registry and API misuse errors.
var (
	ErrInvalidState    = errors.New("operation not valid in current state")
	ErrUnknownTransfer = errors.New("unknown transfer")
	ErrReceiverBusy    = errors.New("another inbound transfer is active")
	ErrTransferExists  = errors.New("transfer already active")
	ErrRegistryClosed  = errors.New("registry is closed")
)

// Codes carried in transfer-error messages.
const (
	CodeInvalidMeta           = "invalid_meta"
	CodeFileInitError         = "file_init_error"
	CodeFileResumeError       = "file_resume_error"
	CodeChunkWriteError       = "chunk_write_error"
	CodeCheckpointCommitError = "checkpoint_commit_error"
	CodeFinalizeError         = "finalize_error"
	CodeBusy                  = "busy"
	CodeRejected              = "rejected"
)

// Error is a failure tied to one transfer.
type Error struct {
	FileID string
	Kind   error
	// Code is the wire code, empty when the failure is not reported to
	// the peer.
	Code string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("transfer %s: %v", e.FileID, e.Kind)
	}
	return fmt.Sprintf("transfer %s: %v: %v", e.FileID, e.Kind, e.Err)
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newError(fileID string, kind error, code string, err error) *Error {
	return &Error{FileID: fileID, Kind: kind, Code: code, Err: err}
}

// kindForCode maps a peer's transfer-error code to a local error kind.
func kindForCode(code string) error {
	switch code {
	case CodeBusy, CodeRejected:
		return ErrRejected
	default:
		return ErrRemote
	}
}
