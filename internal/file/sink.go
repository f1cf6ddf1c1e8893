package file

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"bigxfer/internal/protocol"

	"github.com/sirupsen/logrus"
)

const partSuffix = ".part"

var (
	// ErrNoPartial means there is nothing to resume: the partial file is
	// missing or shorter than the committed offset.
	ErrNoPartial   = errors.New("no resumable partial file")
	ErrInvalidName = errors.New("invalid file name")
	ErrSinkClosed  = errors.New("sink is closed")
)

// Sink is the receiver's write destination for one transfer.
type Sink interface {
	// WriteAt writes a chunk payload at its absolute file offset.
	WriteAt(p []byte, off int64) (int, error)
	// Flush makes every write so far durable.
	Flush() error
	// Close flushes and publishes the finished artifact.
	Close() error
	// Abort discards the partial artifact.
	Abort() error
	// Detach closes the sink but keeps partial data for a later resume.
	Detach() error
}

// Opener creates sinks for incoming transfers.
type Opener interface {
	// Create opens a fresh sink, discarding any previous partial data.
	Create(meta protocol.FileMeta) (Sink, error)
	// Resume reopens the partial data of an earlier run and drops
	// everything past offset. It returns ErrNoPartial when there is
	// nothing to resume.
	Resume(meta protocol.FileMeta, offset int64) (Sink, error)
}

// Dir stores incoming files under a root directory. Data is written to
// "<name>.<id>.part" and renamed to "<name>" when the transfer completes.
type Dir struct {
	root string
}

// NewDir creates root if needed.
func NewDir(root string) (*Dir, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}
	return &Dir{root: root}, nil
}

// Root returns the destination directory.
func (d *Dir) Root() string {
	return d.root
}

// SafeName strips any directory components from a peer-supplied name.
func SafeName(name string) (string, error) {
	base := filepath.Base(filepath.Clean("/" + name))
	if base == "/" || base == "." || base == ".." || base == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return base, nil
}

func (d *Dir) paths(meta protocol.FileMeta) (part, final string, err error) {
	name, err := SafeName(meta.FileName)
	if err != nil {
		return "", "", err
	}
	id := meta.FileID
	if len(id) > 8 {
		id = id[:8]
	}
	if _, err := SafeName(id); err != nil {
		return "", "", err
	}
	return filepath.Join(d.root, name+"."+id+partSuffix), filepath.Join(d.root, name), nil
}

func (d *Dir) Create(meta protocol.FileMeta) (Sink, error) {
	part, final, err := d.paths(meta)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(part, os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to create file: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Dir.Create",
		"file_id":  meta.FileID,
		"path":     part,
	}).Debug("Created partial file")

	return &partFile{file: f, part: part, final: final}, nil
}

func (d *Dir) Resume(meta protocol.FileMeta, offset int64) (Sink, error) {
	part, final, err := d.paths(meta)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(part, os.O_RDWR, 0)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNoPartial, part)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open partial file: %w", err)
	}

	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to get file info: %w", err)
	}
	if stat.Size() < offset {
		f.Close()
		return nil, fmt.Errorf("%w: %s has %d bytes, committed offset is %d", ErrNoPartial, part, stat.Size(), offset)
	}
	// Anything past the committed offset was never acknowledged.
	if err := f.Truncate(offset); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to truncate partial file: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Dir.Resume",
		"file_id":  meta.FileID,
		"path":     part,
		"offset":   offset,
	}).Debug("Reopened partial file")

	return &partFile{file: f, part: part, final: final}, nil
}

// partFile is a Sink backed by a file that is renamed into place on Close.
type partFile struct {
	mu     sync.Mutex
	file   *os.File
	part   string
	final  string
	closed bool
}

func (p *partFile) WriteAt(b []byte, off int64) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, ErrSinkClosed
	}
	return p.file.WriteAt(b, off)
}

func (p *partFile) Flush() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrSinkClosed
	}
	return p.file.Sync()
}

func (p *partFile) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrSinkClosed
	}
	p.closed = true

	if err := p.file.Sync(); err != nil {
		p.file.Close()
		return fmt.Errorf("failed to sync file: %w", err)
	}
	if err := p.file.Close(); err != nil {
		return fmt.Errorf("failed to close file: %w", err)
	}
	if err := os.Rename(p.part, p.final); err != nil {
		return fmt.Errorf("failed to publish file: %w", err)
	}
	return nil
}

func (p *partFile) Abort() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		p.file.Close()
	}
	if err := os.Remove(p.part); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove partial file: %w", err)
	}
	return nil
}

func (p *partFile) Detach() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	syncErr := p.file.Sync()
	if err := p.file.Close(); err != nil {
		return fmt.Errorf("failed to close file: %w", err)
	}
	return syncErr
}
