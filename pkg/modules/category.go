package modules

import (
	"context"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/3leaps/hpcdash/pkg/filewatch"
)

const (
	CategoryMisc       = "Misc"
	CategoryRestricted = "Restricted Modules"
	CategoryGPU        = "GPU Computing"
)

// Categorizer assigns families to display categories from a name→category
// map. It is safe for concurrent use; Watch swaps the map on file changes.
type Categorizer struct {
	mu     sync.RWMutex
	byName map[string]string
	logger *zap.Logger
}

func NewCategorizer(byName map[string]string, logger *zap.Logger) *Categorizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if byName == nil {
		byName = map[string]string{}
	}
	return &Categorizer{byName: byName, logger: logger}
}

// LoadCategorizer reads a JSON or YAML category map. A missing file yields
// an empty map and a warning.
func LoadCategorizer(path string, logger *zap.Logger) (*Categorizer, error) {
	c := NewCategorizer(nil, logger)
	if path == "" {
		return c, nil
	}
	if err := c.Reload(path); err != nil {
		return c, err
	}
	return c, nil
}

// Reload replaces the map with the contents of path.
func (c *Categorizer) Reload(path string) error {
	m := map[string]string{}
	if err := filewatch.DecodeFile(path, &m); err != nil {
		c.logger.Warn("Categories file unavailable", zap.String("path", path), zap.Error(err))
		return err
	}
	c.mu.Lock()
	c.byName = m
	c.mu.Unlock()
	return nil
}

// Watch reloads path on change until ctx ends.
func (c *Categorizer) Watch(ctx context.Context, path string) error {
	return filewatch.Watch(ctx, path, c.logger, func() error { return c.Reload(path) })
}

// Categorize resolves name by exact match, then progressively shorter path
// prefixes (with and without a trailing "/"), then the rc/ and CUDA
// heuristics. Everything else is Misc.
func (c *Categorizer) Categorize(name string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if cat, ok := c.byName[name]; ok {
		return cat
	}

	parts := strings.Split(name, "/")
	for i := len(parts); i > 0; i-- {
		prefix := strings.Join(parts[:i], "/")
		if cat, ok := c.byName[prefix]; ok {
			return cat
		}
		if cat, ok := c.byName[prefix+"/"]; ok {
			return cat
		}
	}

	if strings.HasPrefix(name, "rc/") {
		if cat, ok := c.byName["rc"]; ok {
			return cat
		}
		return CategoryRestricted
	}

	// Toolkit variants such as CUDA-Samples or cuda-compat; plain CUDA is matched
	// exactly above.
	if name != "CUDA" && strings.HasPrefix(strings.ToLower(name), "cuda") {
		if cat, ok := c.byName["CUDA"]; ok {
			return cat
		}
		return CategoryGPU
	}

	return CategoryMisc
}

// CategoryOrder sorts categories alphabetically with Misc last.
func CategoryOrder(categories []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(categories))
	misc := false
	for _, c := range categories {
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		if c == CategoryMisc {
			misc = true
			continue
		}
		out = append(out, c)
	}
	sort.Strings(out)
	if misc {
		out = append(out, CategoryMisc)
	}
	return out
}
