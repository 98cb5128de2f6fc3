package duckdb

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// ErrInMemoryStore is returned when snapshotting a store without a file.
var ErrInMemoryStore = errors.New("duckdb: in-memory store cannot be snapshotted")

// DBPath returns the database file, or "" for an in-memory store.
func (s *Store) DBPath() string {
	return s.dbPath
}

// checkpoint folds the WAL into the database file. Holding the write lock
// keeps an AppendResults batch from landing half before the checkpoint.
func (s *Store) checkpoint() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := s.queryCtx()
	defer cancel()
	if _, err := s.db.ExecContext(ctx, "CHECKPOINT"); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	return nil
}

// SnapshotTo writes a consistent copy of the database file to dstPath.
// Queries and appends proceed while the file is copied.
func (s *Store) SnapshotTo(dstPath string) error {
	if s.dbPath == "" {
		return ErrInMemoryStore
	}
	if err := os.MkdirAll(filepath.Dir(dstPath), 0755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}
	if err := s.checkpoint(); err != nil {
		return err
	}

	start := time.Now()
	n, err := copyAtomic(s.dbPath, dstPath)
	if err != nil {
		return fmt.Errorf("copy %s: %w", s.dbPath, err)
	}
	s.log.Debug().
		Str("dst", dstPath).
		Int64("bytes", n).
		Dur("took", time.Since(start)).
		Msg("snapshot written")
	return nil
}

// copyAtomic copies src next to dst under a temporary name and renames it
// into place, so dst is either absent or complete.
func copyAtomic(src, dst string) (n int64, err error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	out, err := os.CreateTemp(filepath.Dir(dst), filepath.Base(dst)+".*.tmp")
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			out.Close()
			os.Remove(out.Name())
		}
	}()

	if n, err = io.Copy(out, in); err != nil {
		return 0, err
	}
	if err = out.Sync(); err != nil {
		return 0, err
	}
	if err = out.Close(); err != nil {
		return 0, err
	}
	if err = os.Rename(out.Name(), dst); err != nil {
		return 0, err
	}
	return n, nil
}
