package checkpoint

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

const sqlitePoolSize = 4

const schema = `
CREATE TABLE IF NOT EXISTS checkpoints (
	role              TEXT    NOT NULL,
	file_id           TEXT    NOT NULL,
	file_name         TEXT    NOT NULL,
	file_size         INTEGER NOT NULL,
	chunk_size        INTEGER NOT NULL,
	checkpoint_chunks INTEGER NOT NULL,
	last_checkpoint   INTEGER NOT NULL,
	bytes_transferred INTEGER NOT NULL,
	updated_at        INTEGER NOT NULL,
	PRIMARY KEY (role, file_id)
);
CREATE INDEX IF NOT EXISTS checkpoints_updated_at ON checkpoints (updated_at);
`

const selectColumns = `role, file_id, file_name, file_size, chunk_size, checkpoint_chunks, last_checkpoint, bytes_transferred, updated_at`

// SQLiteStore keeps records in a single SQLite database in WAL mode.
// synchronous=FULL makes every committed Save durable across power loss.
type SQLiteStore struct {
	pool *sqlitex.Pool
	path string
	now  func() time.Time
}

// OpenSQLite opens (creating if needed) the database at path.
func OpenSQLite(path string, opts ...Option) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("checkpoint: sqlite path is required")
	}
	o := buildOptions(opts)

	pool, err := sqlitex.NewPool(path, sqlitex.PoolOptions{
		PoolSize:    sqlitePoolSize,
		PrepareConn: prepareConn,
	})
	if err != nil {
		return nil, fmt.Errorf("checkpoint: opening %s: %w", path, err)
	}

	logrus.WithFields(logrus.Fields{
		"function":  "OpenSQLite",
		"path":      path,
		"pool_size": sqlitePoolSize,
	}).Debug("Checkpoint store opened")

	return &SQLiteStore{pool: pool, path: path, now: o.now}, nil
}

func prepareConn(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=FULL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("checkpoint: %s: %w", pragma, err)
		}
	}
	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return fmt.Errorf("checkpoint: creating schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Save(ctx context.Context, rec Record) (err error) {
	if err := rec.validate(); err != nil {
		return err
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("checkpoint: save: %w", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("checkpoint: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	err = sqlitex.Execute(conn, `
		INSERT INTO checkpoints (`+selectColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (role, file_id) DO UPDATE SET
			file_name = excluded.file_name,
			file_size = excluded.file_size,
			chunk_size = excluded.chunk_size,
			checkpoint_chunks = excluded.checkpoint_chunks,
			last_checkpoint = excluded.last_checkpoint,
			bytes_transferred = excluded.bytes_transferred,
			updated_at = excluded.updated_at`,
		&sqlitex.ExecOptions{
			Args: []any{
				string(rec.Role),
				rec.FileID,
				rec.FileName,
				rec.FileSize,
				rec.ChunkSize,
				rec.CheckpointChunks,
				rec.LastCheckpoint,
				rec.BytesTransferred,
				s.now().UnixMilli(),
			},
		})
	if err != nil {
		return fmt.Errorf("checkpoint: save %s/%s: %w", rec.Role, rec.FileID, err)
	}
	return nil
}

func (s *SQLiteStore) Load(ctx context.Context, role Role, fileID string) (Record, bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return Record{}, false, fmt.Errorf("checkpoint: load: %w", err)
	}
	defer s.pool.Put(conn)

	var (
		rec   Record
		found bool
	)
	err = sqlitex.Execute(conn,
		`SELECT `+selectColumns+` FROM checkpoints WHERE role = ? AND file_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{string(role), fileID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				rec = scanRecord(stmt)
				found = true
				return nil
			},
		})
	if err != nil {
		return Record{}, false, fmt.Errorf("checkpoint: load %s/%s: %w", role, fileID, err)
	}
	return rec, found, nil
}

func (s *SQLiteStore) Clear(ctx context.Context, role Role, fileID string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("checkpoint: clear: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`DELETE FROM checkpoints WHERE role = ? AND file_id = ?`,
		&sqlitex.ExecOptions{Args: []any{string(role), fileID}})
	if err != nil {
		return fmt.Errorf("checkpoint: clear %s/%s: %w", role, fileID, err)
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]Record, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: list: %w", err)
	}
	defer s.pool.Put(conn)

	var records []Record
	err = sqlitex.Execute(conn,
		`SELECT `+selectColumns+` FROM checkpoints ORDER BY updated_at DESC, role, file_id`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				records = append(records, scanRecord(stmt))
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("checkpoint: list: %w", err)
	}
	return records, nil
}

func (s *SQLiteStore) Prune(ctx context.Context, olderThan time.Duration) (int, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("checkpoint: prune: %w", err)
	}
	defer s.pool.Put(conn)

	cutoff := s.now().Add(-olderThan).UnixMilli()
	err = sqlitex.Execute(conn,
		`DELETE FROM checkpoints WHERE updated_at < ?`,
		&sqlitex.ExecOptions{Args: []any{cutoff}})
	if err != nil {
		return 0, fmt.Errorf("checkpoint: prune: %w", err)
	}
	removed := conn.Changes()

	logrus.WithFields(logrus.Fields{
		"function":   "SQLiteStore.Prune",
		"older_than": olderThan,
		"removed":    removed,
	}).Info("Pruned stale checkpoints")
	return removed, nil
}

func (s *SQLiteStore) Close() error {
	if err := s.pool.Close(); err != nil {
		return fmt.Errorf("checkpoint: closing %s: %w", s.path, err)
	}
	return nil
}

func scanRecord(stmt *sqlite.Stmt) Record {
	return Record{
		Role:             Role(stmt.ColumnText(0)),
		FileID:           stmt.ColumnText(1),
		FileName:         stmt.ColumnText(2),
		FileSize:         stmt.ColumnInt64(3),
		ChunkSize:        stmt.ColumnInt(4),
		CheckpointChunks: stmt.ColumnInt(5),
		LastCheckpoint:   stmt.ColumnInt(6),
		BytesTransferred: stmt.ColumnInt64(7),
		UpdatedAt:        time.UnixMilli(stmt.ColumnInt64(8)),
	}
}
