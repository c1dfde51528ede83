// Package changestore persists the per-file change-detection record
// (FileState) that Phase 1 of the pipeline consults to decide whether a
// file needs reparsing at all. It is deliberately the simplest store in
// the system: one row per kiln-relative path, overwritten atomically.
package changestore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// FileState is the change-detection record for one file. It is written
// last in the persistence phase (after the Merkle tree and graph have
// both landed) so that a crash mid-pipeline is detected on the next run:
// the file's on-disk mtime/size/hash will disagree with whatever partial
// state preceded the crash, forcing reprocessing rather than a silent skip.
type FileState struct {
	Path        string
	ModifiedAt  time.Time
	Size        int64
	ContentHash string // hex-encoded hash.FileHash
}

// Store wraps the SQLite table backing FileState records.
type Store struct {
	db *sql.DB
}

// Open creates or opens the change-detection database at dbPath.
func Open(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("changestore: creating directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=30000")
	if err != nil {
		return nil, fmt.Errorf("changestore: opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("changestore: pinging database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS file_state (
			path TEXT PRIMARY KEY,
			modified_at DATETIME NOT NULL,
			size INTEGER NOT NULL,
			content_hash TEXT NOT NULL
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("changestore: creating schema: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the recorded state for path, or (nil, nil) if none exists.
func (s *Store) Get(ctx context.Context, path string) (*FileState, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT path, modified_at, size, content_hash FROM file_state WHERE path = ?", path)

	var fs FileState
	if err := row.Scan(&fs.Path, &fs.ModifiedAt, &fs.Size, &fs.ContentHash); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("changestore: reading %q: %w", path, err)
	}
	return &fs, nil
}

// Put overwrites the recorded state for a path. It is unconditional: the
// caller (pipeline Phase 5) is responsible for ordering this after every
// other write for the file has landed.
func (s *Store) Put(ctx context.Context, fs FileState) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO file_state (path, modified_at, size, content_hash)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			modified_at = excluded.modified_at,
			size = excluded.size,
			content_hash = excluded.content_hash
	`, fs.Path, fs.ModifiedAt, fs.Size, fs.ContentHash)
	if err != nil {
		return fmt.Errorf("changestore: writing %q: %w", fs.Path, err)
	}
	return nil
}

// Delete removes the recorded state for path, used by the deletion cascade
// when a file disappears from the kiln.
func (s *Store) Delete(ctx context.Context, path string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM file_state WHERE path = ?", path); err != nil {
		return fmt.Errorf("changestore: deleting %q: %w", path, err)
	}
	return nil
}

// AllPaths returns every path currently tracked, used by full-scan mode to
// detect files that vanished since the previous run.
func (s *Store) AllPaths(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT path FROM file_state")
	if err != nil {
		return nil, fmt.Errorf("changestore: listing paths: %w", err)
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("changestore: scanning path: %w", err)
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}

// Unchanged reports whether candidate matches the recorded state exactly:
// size, mtime, and content hash all equal.
func (fs *FileState) Unchanged(candidate FileState) bool {
	if fs == nil {
		return false
	}
	return fs.Size == candidate.Size &&
		fs.ModifiedAt.Equal(candidate.ModifiedAt) &&
		fs.ContentHash == candidate.ContentHash
}
