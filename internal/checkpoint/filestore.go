package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/sirupsen/logrus"
)

const recordExt = ".cbor"

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("checkpoint: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("checkpoint: CBOR decoder initialization failed: " + err.Error())
	}
}

// diskRecord is the on-disk shape of a Record. Timestamps are stored as
// Unix milliseconds.
type diskRecord struct {
	Role             string `cbor:"1,keyasint"`
	FileID           string `cbor:"2,keyasint"`
	FileName         string `cbor:"3,keyasint"`
	FileSize         int64  `cbor:"4,keyasint"`
	LastCheckpoint   int    `cbor:"5,keyasint"`
	BytesTransferred int64  `cbor:"6,keyasint"`
	UpdatedAt        int64  `cbor:"7,keyasint"`
	ChunkSize        int    `cbor:"8,keyasint"`
	CheckpointChunks int    `cbor:"9,keyasint"`
}

// FileStore keeps one CBOR file per record under dir/<role>/<fileID>.cbor.
// Writes go through a temporary file, fsync and rename, so a reader sees
// either the previous record or the new one.
type FileStore struct {
	mu  sync.Mutex
	dir string
	now func() time.Time
}

// OpenFileStore creates dir if needed.
func OpenFileStore(dir string, opts ...Option) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("checkpoint: file store directory is required")
	}
	for _, role := range []Role{RoleSend, RoleReceive} {
		if err := os.MkdirAll(filepath.Join(dir, string(role)), 0o700); err != nil {
			return nil, fmt.Errorf("checkpoint: creating %s: %w", dir, err)
		}
	}
	o := buildOptions(opts)
	return &FileStore{dir: dir, now: o.now}, nil
}

func (f *FileStore) recordPath(role Role, fileID string) string {
	return filepath.Join(f.dir, string(role), fileID+recordExt)
}

func (f *FileStore) Save(ctx context.Context, rec Record) error {
	if err := rec.validate(); err != nil {
		return err
	}
	data, err := encMode.Marshal(diskRecord{
		Role:             string(rec.Role),
		FileID:           rec.FileID,
		FileName:         rec.FileName,
		FileSize:         rec.FileSize,
		ChunkSize:        rec.ChunkSize,
		CheckpointChunks: rec.CheckpointChunks,
		LastCheckpoint:   rec.LastCheckpoint,
		BytesTransferred: rec.BytesTransferred,
		UpdatedAt:        f.now().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("checkpoint: encoding %s/%s: %w", rec.Role, rec.FileID, err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := writeFileAtomic(f.recordPath(rec.Role, rec.FileID), data); err != nil {
		return fmt.Errorf("checkpoint: save %s/%s: %w", rec.Role, rec.FileID, err)
	}
	return nil
}

func (f *FileStore) Load(ctx context.Context, role Role, fileID string) (Record, bool, error) {
	if err := validateKey(fileID); err != nil {
		return Record{}, false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	rec, err := readRecord(f.recordPath(role, fileID))
	if errors.Is(err, os.ErrNotExist) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("checkpoint: load %s/%s: %w", role, fileID, err)
	}
	return rec, true, nil
}

func (f *FileStore) Clear(ctx context.Context, role Role, fileID string) error {
	if err := validateKey(fileID); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	err := os.Remove(f.recordPath(role, fileID))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("checkpoint: clear %s/%s: %w", role, fileID, err)
	}
	return nil
}

func (f *FileStore) List(ctx context.Context) ([]Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listLocked()
}

func (f *FileStore) listLocked() ([]Record, error) {
	var records []Record
	for _, role := range []Role{RoleSend, RoleReceive} {
		entries, err := os.ReadDir(filepath.Join(f.dir, string(role)))
		if err != nil {
			return nil, fmt.Errorf("checkpoint: list: %w", err)
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), recordExt) {
				continue
			}
			path := filepath.Join(f.dir, string(role), entry.Name())
			rec, err := readRecord(path)
			if err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "FileStore.List",
					"path":     path,
					"error":    err.Error(),
				}).Warn("Skipping unreadable checkpoint record")
				continue
			}
			records = append(records, rec)
		}
	}
	sortRecords(records)
	return records, nil
}

func (f *FileStore) Prune(ctx context.Context, olderThan time.Duration) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	records, err := f.listLocked()
	if err != nil {
		return 0, err
	}
	cutoff := f.now().Add(-olderThan)
	removed := 0
	for _, rec := range records {
		if !rec.UpdatedAt.Before(cutoff) {
			continue
		}
		if err := os.Remove(f.recordPath(rec.Role, rec.FileID)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return removed, fmt.Errorf("checkpoint: prune %s/%s: %w", rec.Role, rec.FileID, err)
		}
		removed++
	}

	logrus.WithFields(logrus.Fields{
		"function":   "FileStore.Prune",
		"older_than": olderThan,
		"removed":    removed,
	}).Info("Pruned stale checkpoints")
	return removed, nil
}

func (f *FileStore) Close() error {
	return nil
}

func readRecord(path string) (Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Record{}, err
	}
	var disk diskRecord
	if err := decMode.Unmarshal(data, &disk); err != nil {
		return Record{}, fmt.Errorf("decoding %s: %w", path, err)
	}
	return Record{
		Role:             Role(disk.Role),
		FileID:           disk.FileID,
		FileName:         disk.FileName,
		FileSize:         disk.FileSize,
		ChunkSize:        disk.ChunkSize,
		CheckpointChunks: disk.CheckpointChunks,
		LastCheckpoint:   disk.LastCheckpoint,
		BytesTransferred: disk.BytesTransferred,
		UpdatedAt:        time.UnixMilli(disk.UpdatedAt),
	}, nil
}

// writeFileAtomic replaces path with data: temp file, fsync, rename,
// then fsync of the parent directory so the rename itself is durable.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}

	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
