// Package snapshot implements a file-backed "full snapshot + timestamp"
// store with TTL expiry on read. Each key gets its own JSON file; a
// secondary index carries per-key metadata so callers can report cache
// status without deserializing payloads.
//
// Every read or parse failure degrades to a miss. This store never
// fails a caller: the worst case is always "go fetch fresh data".
package snapshot

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Envelope wraps a persisted payload with its capture time and format
// version. Readers treat unknown versions as a cache miss, not an error.
type Envelope[T any] struct {
	CapturedAt int64  `json:"capturedAt"` // epoch-ms
	Payload    []T    `json:"payload"`
	Version    string `json:"version"`
}

// IndexEntry is the per-key metadata kept in the shared index file.
type IndexEntry struct {
	DisplayName string `json:"displayName"`
	CapturedAt  int64  `json:"capturedAt"` // epoch-ms
}

// Store persists one snapshot file per key under dir.
type Store[T any] struct {
	mu      sync.Mutex
	dir     string
	suffix  string
	ttl     time.Duration
	version string
	index   map[string]IndexEntry
	logger  *zap.Logger

	// now is stubbed in tests to probe the TTL boundary.
	now func() time.Time
}

const indexFileName = "index.json"

// New creates a store rooted at dir. Snapshot files are named by the
// sanitized key plus suffix. The index is loaded eagerly; a missing or
// unreadable index simply starts empty.
func New[T any](dir, suffix string, ttl time.Duration, version string, logger *zap.Logger) *Store[T] {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store[T]{
		dir:     dir,
		suffix:  suffix,
		ttl:     ttl,
		version: version,
		index:   make(map[string]IndexEntry),
		logger:  logger,
		now:     time.Now,
	}
	s.loadIndex()
	return s
}

var nonAlnum = regexp.MustCompile(`[^a-zA-Z0-9]`)

// FileName returns the snapshot file name for a key: all non-alphanumeric
// characters replaced with underscores, plus the store suffix.
func (s *Store[T]) FileName(key string) string {
	return nonAlnum.ReplaceAllString(key, "_") + s.suffix
}

func (s *Store[T]) filePath(key string) string {
	return filepath.Join(s.dir, s.FileName(key))
}

func (s *Store[T]) indexPath() string {
	return filepath.Join(s.dir, indexFileName)
}

func (s *Store[T]) loadIndex() {
	data, err := os.ReadFile(s.indexPath())
	if err != nil {
		return
	}
	var idx map[string]IndexEntry
	if err := json.Unmarshal(data, &idx); err != nil {
		s.logger.Warn("snapshot index unreadable, starting empty",
			zap.String("path", s.indexPath()), zap.Error(err))
		return
	}
	s.index = idx
}

func (s *Store[T]) saveIndexLocked() {
	data, err := json.MarshalIndent(s.index, "", "  ")
	if err != nil {
		s.logger.Error("snapshot index encode failed", zap.Error(err))
		return
	}
	if err := writeAtomic(s.indexPath(), data); err != nil {
		s.logger.Error("snapshot index write failed", zap.Error(err))
	}
}

// Save wraps payload in an envelope stamped with the current time and
// writes it, then updates the index entry for key.
func (s *Store[T]) Save(key, displayName string, payload []T) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	capturedAt := s.now().UnixMilli()
	env := Envelope[T]{
		CapturedAt: capturedAt,
		Payload:    payload,
		Version:    s.version,
	}
	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return fmt.Errorf("encode snapshot %q: %w", key, err)
	}
	if err := writeAtomic(s.filePath(key), data); err != nil {
		return fmt.Errorf("write snapshot %q: %w", key, err)
	}

	s.index[key] = IndexEntry{DisplayName: displayName, CapturedAt: capturedAt}
	s.saveIndexLocked()
	return nil
}

// Load returns the payload for key, or a miss when the file is absent,
// unparsable, carries an unknown version, or is older than the TTL.
func (s *Store[T]) Load(key string) ([]T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.filePath(key))
	if err != nil {
		return nil, false
	}
	var env Envelope[T]
	if err := json.Unmarshal(data, &env); err != nil {
		s.logger.Warn("snapshot unreadable, treating as miss",
			zap.String("key", key), zap.Error(err))
		return nil, false
	}
	if env.Version != s.version {
		s.logger.Warn("snapshot version mismatch, treating as miss",
			zap.String("key", key), zap.String("version", env.Version))
		return nil, false
	}
	if s.expiredLocked(env.CapturedAt) {
		return nil, false
	}
	return env.Payload, true
}

// LoadStale returns the payload for key ignoring the TTL. Used by
// fallback paths that prefer an expired snapshot over nothing.
func (s *Store[T]) LoadStale(key string) ([]T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.filePath(key))
	if err != nil {
		return nil, false
	}
	var env Envelope[T]
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, false
	}
	if env.Version != s.version {
		return nil, false
	}
	return env.Payload, true
}

func (s *Store[T]) expiredLocked(capturedAt int64) bool {
	age := s.now().Sub(time.UnixMilli(capturedAt))
	return age >= s.ttl
}

// Exists reports whether an index entry for key exists, without reading
// the snapshot file.
func (s *Store[T]) Exists(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.index[key]
	return ok
}

// AgeOf returns the snapshot age for key. ok is false when no snapshot
// is indexed (callers treat that as infinitely old).
func (s *Store[T]) AgeOf(key string) (age time.Duration, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, found := s.index[key]
	if !found {
		return 0, false
	}
	return s.now().Sub(time.UnixMilli(entry.CapturedAt)), true
}

// Entries returns a copy of the index for enumeration.
func (s *Store[T]) Entries() map[string]IndexEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]IndexEntry, len(s.index))
	for k, v := range s.index {
		out[k] = v
	}
	return out
}

// TTL returns the configured time-to-live.
func (s *Store[T]) TTL() time.Duration {
	return s.ttl
}

// PurgeExpired deletes every indexed snapshot older than the TTL and
// returns how many were removed.
func (s *Store[T]) PurgeExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, entry := range s.index {
		if !s.expiredLocked(entry.CapturedAt) {
			continue
		}
		if err := os.Remove(s.filePath(key)); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("snapshot purge failed", zap.String("key", key), zap.Error(err))
		}
		delete(s.index, key)
		removed++
	}
	if removed > 0 {
		s.saveIndexLocked()
	}
	return removed
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}()

	if _, err := tmp.Write(data); err != nil {
		return err
	}
	if err := tmp.Chmod(0600); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}
