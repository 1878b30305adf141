package handlers

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"strings"

	"github.com/3leaps/hpcdash/pkg/gateway"
)

// ErrDegraded marks a check failure the dashboard can serve through, such
// as a missing SLURM tool while cached data is still available.
var ErrDegraded = stderrors.New("degraded")

// DirChecker fails when Dir exists but is not a writable directory. A
// missing directory is healthy; it is created on first write.
type DirChecker struct {
	Dir string
}

func (c DirChecker) CheckHealth(ctx context.Context) error {
	info, err := os.Stat(c.Dir)
	if stderrors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", c.Dir)
	}
	f, err := os.CreateTemp(c.Dir, ".health-*")
	if err != nil {
		return fmt.Errorf("%s is not writable: %w", c.Dir, err)
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}

// Tool is an external command and the paths it may be installed at.
type Tool struct {
	Name       string
	Candidates []string
}

// ToolChecker reports degraded while any tool cannot be resolved.
type ToolChecker struct {
	Tools []Tool
}

func (c ToolChecker) CheckHealth(ctx context.Context) error {
	var missing []string
	for _, t := range c.Tools {
		if _, ok := gateway.Resolve(t.Candidates); !ok {
			missing = append(missing, t.Name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: not found: %s", ErrDegraded, strings.Join(missing, ", "))
	}
	return nil
}
