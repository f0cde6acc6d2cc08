// Package persistence implements atomic write-temp-then-rename snapshots
// with a bounded number of rotated backups, an embedded schema version, and
// tolerant readers.
//
// Writes land in a temp file in the same directory, fsync, then os.Rename
// into place; existing files rotate to integer-suffixed backups first, and
// any failure along the way removes the temp file.
package persistence

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// SchemaVersion is embedded in every snapshot file so a reader can detect
// and skip an incompatible format instead of misinterpreting it.
const SchemaVersion = 1

// envelope wraps the caller's payload with the schema version and write
// time, so Store itself never needs to know the shape of what it persists.
// Timestamp is informational only; loads ignore it, which keeps a
// persist-load-persist cycle byte-identical apart from that one field.
type envelope struct {
	Schema    int             `json:"schema_version"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// Store persists arbitrary JSON-serializable snapshots to a single named
// file with atomic replace and rotated backups. One Store instance owns one
// logical file (e.g. breaker state, or metrics); callers needing several
// independent snapshot files create one Store per file.
type Store struct {
	path       string
	maxBackups int
	logger     *zap.Logger

	mu sync.Mutex
}

// New creates a Store writing to path, keeping up to maxBackups rotated
// copies (path.1, path.2, ...; maxBackups <= 0 disables rotation).
func New(path string, maxBackups int, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{path: path, maxBackups: maxBackups, logger: logger}
}

// Save serializes payload and atomically replaces the store's file:
// marshal -> write to a sibling temp file -> fsync -> rotate existing
// backups -> rename temp into place.
func (s *Store) Save(payload interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("persistence: marshal payload: %w", err)
	}
	data, err := json.MarshalIndent(envelope{Schema: SchemaVersion, Timestamp: time.Now().UTC(), Payload: raw}, "", "  ")
	if err != nil {
		return fmt.Errorf("persistence: marshal envelope: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("persistence: create directory: %w", err)
	}

	tempPath := s.path + ".tmp"
	f, err := os.Create(tempPath)
	if err != nil {
		return fmt.Errorf("persistence: create temp file: %w", err)
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tempPath)
		return fmt.Errorf("persistence: write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tempPath)
		return fmt.Errorf("persistence: fsync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("persistence: close temp file: %w", err)
	}

	if err := s.rotateBackupsLocked(); err != nil {
		s.logger.Warn("persistence: backup rotation failed, continuing with replace", zap.Error(err))
	}

	if err := os.Rename(tempPath, s.path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("persistence: rename into place: %w", err)
	}
	return nil
}

// rotateBackupsLocked shifts path.(N-1) -> path.N ... path -> path.1,
// discarding anything beyond maxBackups. Called with mu held, immediately
// before the new temp file replaces path.
func (s *Store) rotateBackupsLocked() error {
	if s.maxBackups <= 0 {
		return nil
	}
	if _, err := os.Stat(s.path); err != nil {
		return nil // nothing to rotate yet
	}

	oldest := s.backupPath(s.maxBackups)
	os.Remove(oldest)

	for n := s.maxBackups - 1; n >= 1; n-- {
		src := s.backupPath(n)
		if _, err := os.Stat(src); err != nil {
			continue
		}
		if err := os.Rename(src, s.backupPath(n+1)); err != nil {
			return err
		}
	}
	return os.Rename(s.path, s.backupPath(1))
}

func (s *Store) backupPath(n int) string {
	return fmt.Sprintf("%s.%d", s.path, n)
}

// Load reads the store's current file into out:
//   - file absent: returns (false, nil) -- a fresh start, not an error.
//   - file malformed: one retry against the most recent backup (.1); if
//     that is also unreadable, the error is returned, and if no backup
//     exists it returns (false, nil) like a fresh start.
//   - schema mismatch: returns (false, nil) with a warning logged, so the
//     caller starts fresh rather than misinterpreting old data.
func (s *Store) Load(out interface{}) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ok, err := s.loadFrom(s.path, out)
	if err == nil {
		return ok, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}

	s.logger.Warn("persistence: primary file unreadable, retrying from most recent backup",
		zap.String("path", s.path), zap.Error(err))

	backupPath := s.backupPath(1)
	ok, backupErr := s.loadFrom(backupPath, out)
	if backupErr != nil {
		if os.IsNotExist(backupErr) {
			return false, nil
		}
		return false, fmt.Errorf("persistence: primary and backup both unreadable: %w", backupErr)
	}
	return ok, nil
}

func (s *Store) loadFrom(path string, out interface{}) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return false, err
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return false, fmt.Errorf("persistence: malformed file %s: %w", path, err)
	}
	if env.Schema != SchemaVersion {
		s.logger.Warn("persistence: schema version mismatch, skipping",
			zap.String("path", path), zap.Int("found", env.Schema), zap.Int("want", SchemaVersion))
		return false, nil
	}
	if err := json.Unmarshal(env.Payload, out); err != nil {
		return false, fmt.Errorf("persistence: malformed payload in %s: %w", path, err)
	}
	return true, nil
}
