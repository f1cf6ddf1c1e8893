// Package checkpoint persists per-transfer resume progress so that a
// transfer interrupted by a crash or restart continues from the last
// committed checkpoint.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// DefaultRetention is how long an abandoned record is kept before Prune
// removes it.
const DefaultRetention = 7 * 24 * time.Hour

var (
	ErrUnknownBackend = errors.New("unknown checkpoint backend")
	ErrInvalidRecord  = errors.New("invalid checkpoint record")
	ErrClosed         = errors.New("checkpoint store is closed")
)

// Role separates the sender's resume marker from the receiver's commit
// record for the same file id.
type Role string

const (
	RoleSend    Role = "send"
	RoleReceive Role = "receive"
)

// Record is the durable progress of one transfer.
type Record struct {
	Role             Role
	FileID           string
	FileName         string
	FileSize         int64
	ChunkSize        int
	CheckpointChunks int
	LastCheckpoint   int
	BytesTransferred int64
	UpdatedAt        time.Time
}

// SameLayout reports whether the record was written for a file of size
// bytes split into chunkSize chunks, k per checkpoint. A checkpoint
// index means nothing under any other layout.
func (r Record) SameLayout(size int64, chunkSize, k int) bool {
	return r.FileSize == size && r.ChunkSize == chunkSize && r.CheckpointChunks == k
}

func (r Record) validate() error {
	if r.Role != RoleSend && r.Role != RoleReceive {
		return fmt.Errorf("%w: role %q", ErrInvalidRecord, r.Role)
	}
	return validateKey(r.FileID)
}

// validateKey rejects ids that cannot double as a file name.
func validateKey(fileID string) error {
	if fileID == "" || fileID == "." || fileID == ".." || strings.ContainsAny(fileID, `/\`+"\x00") {
		return fmt.Errorf("%w: file id %q", ErrInvalidRecord, fileID)
	}
	return nil
}

// Store is a durable map from (role, file id) to Record. Implementations
// are safe for concurrent use and upsert each key atomically.
type Store interface {
	// Save inserts or replaces the record and stamps UpdatedAt. A nil
	// return means the record survives a process restart.
	Save(ctx context.Context, rec Record) error
	// Load returns the record and whether it exists.
	Load(ctx context.Context, role Role, fileID string) (Record, bool, error)
	// Clear removes the record. Clearing a missing record is not an error.
	Clear(ctx context.Context, role Role, fileID string) error
	// List returns every record, most recently updated first.
	List(ctx context.Context) ([]Record, error)
	// Prune removes records not updated within olderThan and reports how
	// many were removed.
	Prune(ctx context.Context, olderThan time.Duration) (int, error)
	Close() error
}

// Config selects and locates a backend.
type Config struct {
	// Backend is "sqlite", "file" or "memory".
	Backend string
	// Path is the database file (sqlite) or directory (file).
	Path string
}

type options struct {
	now func() time.Time
}

// Option configures a store.
type Option func(*options)

// WithNow overrides the clock used to stamp and prune records.
func WithNow(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Open returns the backend named in cfg.
func Open(cfg Config, opts ...Option) (Store, error) {
	switch cfg.Backend {
	case "sqlite", "":
		return OpenSQLite(cfg.Path, opts...)
	case "file":
		return OpenFileStore(cfg.Path, opts...)
	case "memory":
		return NewMemoryStore(opts...), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Backend)
	}
}
