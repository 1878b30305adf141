package slurm

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/3leaps/hpcdash/pkg/filewatch"
)

// CategoryOther is used for partitions with no metadata entry.
const CategoryOther = "Other"

// Text is a scalar that may be written as a string or a number in the
// metadata file ("4" and 4 are the same nodes_per_researcher).
type Text string

func (t *Text) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*t = Text(s)
		return nil
	}
	if string(b) == "null" {
		*t = ""
		return nil
	}
	*t = Text(b)
	return nil
}

func (t *Text) UnmarshalYAML(n *yaml.Node) error {
	*t = Text(n.Value)
	return nil
}

// PartitionMeta is the site-maintained description of one partition.
type PartitionMeta struct {
	Category           string `json:"category" yaml:"category"`
	NodesPerResearcher Text   `json:"nodes_per_researcher" yaml:"nodes_per_researcher"`
	PriorityTier       Text   `json:"priority_tier" yaml:"priority_tier"`
}

// Metadata maps partition names (without the default-partition "*") to
// their description.
type Metadata map[string]PartitionMeta

// Lookup strips a trailing "*" from name before matching.
func (m Metadata) Lookup(name string) (PartitionMeta, bool) {
	for len(name) > 0 && name[len(name)-1] == '*' {
		name = name[:len(name)-1]
	}
	meta, ok := m[name]
	return meta, ok
}

// Category returns the partition's category, or CategoryOther.
func (m Metadata) Category(name string) string {
	if meta, ok := m.Lookup(name); ok && meta.Category != "" {
		return meta.Category
	}
	return CategoryOther
}

// MetadataStore holds the current Metadata and swaps it when the file
// changes.
type MetadataStore struct {
	mu     sync.RWMutex
	meta   Metadata
	logger *zap.Logger
}

func NewMetadataStore(meta Metadata, logger *zap.Logger) *MetadataStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if meta == nil {
		meta = Metadata{}
	}
	return &MetadataStore{meta: meta, logger: logger}
}

// LoadMetadata reads a JSON or YAML metadata file. On error the returned
// store is empty but usable.
func LoadMetadata(path string, logger *zap.Logger) (*MetadataStore, error) {
	s := NewMetadataStore(nil, logger)
	if path == "" {
		return s, nil
	}
	return s, s.Reload(path)
}

// Reload replaces the metadata with path's contents. A file that fails to
// parse or validate leaves the current metadata in place.
func (s *MetadataStore) Reload(path string) error {
	var doc any
	if err := filewatch.DecodeFile(path, &doc); err != nil {
		s.logger.Warn("Partition metadata unavailable", zap.String("path", path), zap.Error(err))
		return err
	}
	if err := ValidateMetadata(doc); err != nil {
		s.logger.Warn("Partition metadata rejected", zap.String("path", path), zap.Error(err))
		return err
	}
	m := Metadata{}
	if err := filewatch.DecodeFile(path, &m); err != nil {
		return err
	}
	s.mu.Lock()
	s.meta = m
	s.mu.Unlock()
	return nil
}

// Watch reloads path on change until ctx ends.
func (s *MetadataStore) Watch(ctx context.Context, path string) error {
	return filewatch.Watch(ctx, path, s.logger, func() error { return s.Reload(path) })
}

// Get returns the current metadata. Callers must not modify it.
func (s *MetadataStore) Get() Metadata {
	if s == nil {
		return Metadata{}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.meta
}
