package protocol

import (
	"crypto/sha256"
	"fmt"
	"iter"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"
)

// FileID derives the transfer identity from name, size and modification
// time. The same file yields the same id across sessions.
func FileID(name string, size int64, modTime time.Time) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s-%d-%d", name, size, modTime.UnixMilli())))
	return formatID(sum[:16])
}

// ContentID derives the transfer identity from the file bytes, so two
// files sharing name, size and mtime get different ids. It reads the
// whole file.
func ContentID(name string, size int64, chunks iter.Seq2[[]byte, error]) (string, error) {
	hasher := blake3.New()
	fmt.Fprintf(hasher, "%s-%d\x00", name, size)
	for data, err := range chunks {
		if err != nil {
			return "", fmt.Errorf("failed to hash content: %w", err)
		}
		if _, err := hasher.Write(data); err != nil {
			return "", fmt.Errorf("failed to hash content: %w", err)
		}
	}
	return formatID(hasher.Sum(nil)[:16]), nil
}

// formatID renders 16 digest bytes as 8-4-4-4-12 lowercase hex.
func formatID(b []byte) string {
	id, err := uuid.FromBytes(b)
	if err != nil {
		panic("protocol: digest shorter than 16 bytes")
	}
	return id.String()
}
