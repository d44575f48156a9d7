package directory

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// diskRecord is the persisted shape, keyed by identifier in one JSON object.
type diskRecord struct {
	Name     string `json:"name,omitempty"`
	Notify   string `json:"notify,omitempty"`
	PushName string `json:"pushName,omitempty"`
}

// Store is the persistent contact directory: an in-memory map with
// debounced, backed-up flushes to a single JSON file. It owns both the
// map and the file; nothing else touches either.
//
// Get and Put never fail; a cold empty cache is always an acceptable
// fallback. Flush errors are logged and swallowed.
type Store struct {
	mu      sync.Mutex
	records map[string]*Record
	order   []string // insertion order, preserved for deterministic resolution

	path       string
	backupPath string
	debounce   time.Duration
	timer      *time.Timer
	dirty      bool
	closed     bool

	logger *zap.Logger
}

// Open loads the directory from path, falling back to the backup file
// and then to an empty map. It never returns an error: load failures
// are logged and the store starts cold.
func Open(path, backupPath string, debounce time.Duration, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		records:    make(map[string]*Record),
		path:       path,
		backupPath: backupPath,
		debounce:   debounce,
		logger:     logger,
	}
	s.load()
	return s
}

func (s *Store) load() {
	if s.loadFrom(s.path) {
		return
	}
	if s.loadFrom(s.backupPath) {
		s.logger.Warn("contact directory restored from backup", zap.String("backup", s.backupPath))
		return
	}
	s.logger.Info("contact directory starting empty", zap.String("path", s.path))
}

func (s *Store) loadFrom(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	records, order, err := decodeOrdered(data)
	if err != nil {
		s.logger.Warn("contact directory unreadable", zap.String("path", path), zap.Error(err))
		return false
	}
	s.records = records
	s.order = order
	return true
}

// decodeOrdered parses the top-level JSON object with a token walk so
// the key order of the file is kept. Unmarshaling into a map would
// scramble it, and resolution precedence rides on insertion order
// surviving restarts.
func decodeOrdered(data []byte) (map[string]*Record, []string, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return nil, nil, err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, nil, fmt.Errorf("expected JSON object, got %v", tok)
	}

	records := make(map[string]*Record)
	var order []string
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, nil, err
		}
		id, ok := keyTok.(string)
		if !ok {
			return nil, nil, fmt.Errorf("expected object key, got %v", keyTok)
		}
		var d diskRecord
		if err := dec.Decode(&d); err != nil {
			return nil, nil, err
		}
		if _, seen := records[id]; !seen {
			order = append(order, id)
		}
		records[id] = &Record{
			Identifier:  id,
			DisplayName: d.Name,
			NotifyName:  d.Notify,
			PushName:    d.PushName,
		}
	}
	if _, err := dec.Token(); err != nil {
		return nil, nil, err
	}
	return records, order, nil
}

// Get returns the record for an identifier.
func (s *Store) Get(identifier string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[identifier]
	if !ok {
		return Record{}, false
	}
	return *r, true
}

// All returns a copy of every record in insertion order.
func (s *Store) All() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.records[id])
	}
	return out
}

// Len returns the number of records.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Put merges partial into the record for identifier, creating it on
// first observation, and schedules a debounced flush. Bursts of Puts
// within the quiet period coalesce into a single write.
func (s *Store) Put(identifier string, partial Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	r, ok := s.records[identifier]
	if !ok {
		r = &Record{Identifier: identifier}
		s.records[identifier] = r
		s.order = append(s.order, identifier)
	}
	r.merge(partial)
	s.dirty = true
	s.scheduleFlushLocked()
}

func (s *Store) scheduleFlushLocked() {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(s.debounce, func() {
		if err := s.Flush(); err != nil {
			s.logger.Error("contact directory flush failed", zap.Error(err))
		}
	})
}

// Flush writes the full mapping to disk. The previous file is copied to
// the backup path first, so the backup holds the pre-flush content even
// if the final write fails. New content lands via rename, never a
// partial overwrite.
func (s *Store) Flush() error {
	s.mu.Lock()
	data, err := s.encodeLocked()
	s.dirty = false
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("encode contacts: %w", err)
	}

	if prev, err := os.ReadFile(s.path); err == nil {
		if err := os.WriteFile(s.backupPath, prev, 0600); err != nil {
			s.logger.Warn("contact backup write failed", zap.Error(err))
		}
	}

	return writeAtomic(s.path, data)
}

// encodeLocked writes the records as one JSON object whose keys follow
// insertion order; json.Marshal of a map would sort them and lose the
// order decodeOrdered restores on the next open.
func (s *Store) encodeLocked() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString("{\n")
	for i, id := range s.order {
		r := s.records[id]
		key, err := json.Marshal(id)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(diskRecord{
			Name:     r.DisplayName,
			Notify:   r.NotifyName,
			PushName: r.PushName,
		})
		if err != nil {
			return nil, err
		}
		buf.WriteString("  ")
		buf.Write(key)
		buf.WriteString(": ")
		buf.Write(val)
		if i < len(s.order)-1 {
			buf.WriteByte(',')
		}
		buf.WriteByte('\n')
	}
	buf.WriteString("}\n")
	return buf.Bytes(), nil
}

// Clear empties the directory and immediately flushes the empty snapshot.
func (s *Store) Clear() {
	s.mu.Lock()
	s.records = make(map[string]*Record)
	s.order = nil
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()
	if err := s.Flush(); err != nil {
		s.logger.Error("contact directory clear flush failed", zap.Error(err))
	}
}

// Close cancels any pending flush timer and performs a final flush if
// there are unwritten changes.
func (s *Store) Close() {
	s.mu.Lock()
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	dirty := s.dirty
	s.mu.Unlock()
	if dirty {
		if err := s.Flush(); err != nil {
			s.logger.Error("contact directory final flush failed", zap.Error(err))
		}
	}
}

// writeAtomic writes data to path via a temp file and rename so a crash
// mid-write leaves the previous content intact.
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
