package cachestore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// FileStore persists one JSON document per key.
//
// Directory layout:
//
//	<root>/<key>.json
//
// Keys containing ':' or '/' are flattened with '_'.
type FileStore struct {
	root string
}

func NewFileStore(root string) *FileStore {
	return &FileStore{root: strings.TrimSpace(root)}
}

func (s *FileStore) RootDir() string {
	return s.root
}

// Path returns the document path for key.
func (s *FileStore) Path(key string) string {
	return filepath.Join(s.root, fileName(key))
}

func fileName(key string) string {
	r := strings.NewReplacer("/", "_", ":", "_", string(os.PathSeparator), "_")
	return r.Replace(key) + ".json"
}

func (s *FileStore) ensureRoot() error {
	if s.root == "" {
		return fmt.Errorf("cache root dir is empty")
	}
	return os.MkdirAll(s.root, 0755)
}

func (s *FileStore) Load(key string) (Entry, error) {
	path := s.Path(key)
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Entry{}, ErrEmpty
		}
		return Entry{}, fmt.Errorf("read %s: %w", path, err)
	}

	if strings.TrimSpace(string(b)) == "" {
		return Entry{}, fmt.Errorf("%s is empty: %w", path, ErrCorrupt)
	}

	var e Entry
	if err := json.Unmarshal(b, &e); err != nil {
		return Entry{}, fmt.Errorf("parse %s: %v: %w", path, err, ErrCorrupt)
	}
	if e.Timestamp.IsZero() {
		return Entry{}, fmt.Errorf("%s has no timestamp: %w", path, ErrCorrupt)
	}
	if e.Key == "" {
		e.Key = key
	}

	if info, err := os.Stat(path); err == nil {
		e.ModTime = info.ModTime()
	}
	return e, nil
}

func (s *FileStore) Save(e Entry) error {
	if strings.TrimSpace(e.Key) == "" {
		return fmt.Errorf("cache key is required")
	}
	if err := s.ensureRoot(); err != nil {
		return err
	}

	b, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}
	b = append(b, '\n')

	tmp, err := os.CreateTemp(s.root, fileName(e.Key)+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp cache file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp cache file: %w", err)
	}

	finalPath := s.Path(e.Key)
	if err := os.Rename(tmpName, finalPath); err != nil {
		return fmt.Errorf("rename cache file: %w", err)
	}

	// mtime-based policies must agree with the injected clock.
	if !e.Timestamp.IsZero() {
		_ = os.Chtimes(finalPath, e.Timestamp, e.Timestamp)
	}
	return nil
}

func (s *FileStore) Delete(key string) error {
	err := os.Remove(s.Path(key))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove cache file: %w", err)
	}
	return nil
}

func (s *FileStore) Keys() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read cache root: %w", err)
	}

	var keys []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") || strings.Contains(name, ".tmp.") {
			continue
		}
		stem := strings.TrimSuffix(name, ".json")
		e, err := s.Load(stem)
		if err == nil && e.Key != "" {
			keys = append(keys, e.Key)
			continue
		}
		keys = append(keys, stem)
	}
	sort.Strings(keys)
	return keys, nil
}

var _ Store = (*FileStore)(nil)
