package runregistry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
)

// Store persists RunRecords on disk.
//
// Directory layout:
//
//	<root>/<key>/run.json
//
// Keys containing "/" or ":" are flattened with "_".
type Store struct {
	root string
}

func NewStore(root string) *Store {
	return &Store{root: strings.TrimSpace(root)}
}

func (s *Store) RootDir() string {
	return s.root
}

func (s *Store) RunDir(key string) string {
	return filepath.Join(s.root, strings.NewReplacer("/", "_", ":", "_").Replace(key))
}

func (s *Store) RunPath(key string) string {
	return filepath.Join(s.RunDir(key), "run.json")
}

func (s *Store) ensureRoot() error {
	if strings.TrimSpace(s.root) == "" {
		return fmt.Errorf("run registry root dir is empty")
	}
	return os.MkdirAll(s.root, 0755)
}

func (s *Store) Write(record *RunRecord) error {
	if record == nil {
		return fmt.Errorf("run record is nil")
	}
	key := strings.TrimSpace(record.Key)
	if key == "" {
		return fmt.Errorf("key is required")
	}
	if err := s.ensureRoot(); err != nil {
		return err
	}

	dir := s.RunDir(key)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create run dir: %w", err)
	}

	b, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal run record: %w", err)
	}
	b = append(b, '\n')

	tmp, err := os.CreateTemp(dir, "run.json.tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp run file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp run file: %w", err)
	}

	if err := os.Rename(tmpName, s.RunPath(key)); err != nil {
		return fmt.Errorf("rename run file: %w", err)
	}
	return nil
}

// Get returns the last run for key, or an error wrapping os.ErrNotExist.
func (s *Store) Get(key string) (*RunRecord, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, fmt.Errorf("key is required")
	}
	b, err := os.ReadFile(s.RunPath(key))
	if err != nil {
		return nil, err
	}

	trimmed := strings.TrimSpace(string(b))
	if trimmed == "" {
		return nil, fmt.Errorf("run.json is empty")
	}

	var record RunRecord
	if err := json.Unmarshal([]byte(trimmed), &record); err != nil {
		return nil, fmt.Errorf("parse run.json: %w", err)
	}

	// A run that claims to be running in a process that no longer exists
	// crashed before recording its outcome.
	if record.State == RunStateRunning && record.PID > 0 && !isProcessAlive(record.PID) {
		record.State = RunStateUnknown
		_ = s.Write(&record)
	}

	return &record, nil
}

// List returns the last run of every key, newest first.
func (s *Store) List() ([]RunRecord, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read runs root: %w", err)
	}

	out := make([]RunRecord, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		b, err := os.ReadFile(filepath.Join(s.root, entry.Name(), "run.json"))
		if err != nil {
			continue
		}
		var probe RunRecord
		if json.Unmarshal(b, &probe) != nil || probe.Key == "" {
			continue
		}
		r, err := s.Get(probe.Key)
		if err != nil {
			continue
		}
		out = append(out, *r)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out, nil
}

func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// signal 0 checks for existence without delivering anything.
	if err := p.Signal(syscall.Signal(0)); err != nil {
		return false
	}
	return true
}
