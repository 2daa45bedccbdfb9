// Package listenstore persists the declared set of conversation names that
// should be monitored. It holds no health information.
package listenstore

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
)

// Store is a file-backed ordered list of conversation names.
// Reads never observe a torn list: the cache is replaced only after the
// file has been durably written.
type Store struct {
	path     string
	onReload func([]string)
	logger   *slog.Logger

	mu     sync.Mutex
	names  []string
	loaded bool
}

type Config struct {
	Path string
	// OnReload runs after Watch picked up an out-of-band edit.
	OnReload func(names []string)
	Logger   *slog.Logger
}

func New(cfg Config) *Store {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Store{path: cfg.Path, onReload: cfg.OnReload, logger: cfg.Logger}
}

// Path returns the backing file.
func (s *Store) Path() string { return s.path }

// Load re-reads the file into the cache. A missing or corrupt file yields
// an empty list; the error is returned for logging only.
func (s *Store) Load() ([]string, error) {
	_, names, err := s.reload()
	return names, err
}

// reload reads the file and swaps the cache in one critical section, so
// an Add or Remove cannot land between the read and the swap.
func (s *Store) reload() (prev, names []string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev = slices.Clone(s.names)
	names, err = s.readFile()
	s.names = names
	s.loaded = true
	return prev, slices.Clone(names), err
}

// List returns a copy of the declared set.
func (s *Store) List() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoadedLocked()
	return slices.Clone(s.names)
}

func (s *Store) Exists(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoadedLocked()
	return slices.Contains(s.names, name)
}

// Add appends name. It returns false with a nil error when name is already
// declared, and false with the write error when persistence fails.
func (s *Store) Add(name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoadedLocked()

	if slices.Contains(s.names, name) {
		return false, nil
	}
	next := append(slices.Clone(s.names), name)
	if err := s.writeFile(next); err != nil {
		return false, err
	}
	s.names = next
	return true, nil
}

// Remove deletes name. It returns false with a nil error when name is not
// declared.
func (s *Store) Remove(name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoadedLocked()

	idx := slices.Index(s.names, name)
	if idx < 0 {
		return false, nil
	}
	next := slices.Delete(slices.Clone(s.names), idx, idx+1)
	if err := s.writeFile(next); err != nil {
		return false, err
	}
	s.names = next
	return true, nil
}

func (s *Store) ensureLoadedLocked() {
	if s.loaded {
		return
	}
	names, err := s.readFile()
	if err != nil {
		s.logger.Warn("listener store unreadable, starting empty", "path", s.path, "err", err)
	}
	s.names = names
	s.loaded = true
}

func (s *Store) readFile() ([]string, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []string{}, nil
		}
		return []string{}, fmt.Errorf("read %s: %w", s.path, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return []string{}, nil
	}
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return []string{}, fmt.Errorf("parse %s: %w", s.path, err)
	}
	out := make([]string, 0, len(names))
	for _, n := range names {
		if n != "" && !slices.Contains(out, n) {
			out = append(out, n)
		}
	}
	return out, nil
}

func (s *Store) writeFile(names []string) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(names); err != nil {
		return fmt.Errorf("encode listener list: %w", err)
	}
	return writeAtomic(s.path, buf.Bytes())
}

// writeAtomic replaces path via a synced temp file in the same directory.
func writeAtomic(path string, content []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create store dir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", path, err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}()

	if _, err := tmp.Write(content); err != nil {
		return fmt.Errorf("write temp for %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp for %s: %w", path, err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		return fmt.Errorf("chmod temp for %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp for %s: %w", path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename temp for %s: %w", path, err)
	}

	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}
