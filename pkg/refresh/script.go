package refresh

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/hpcdash/pkg/cachestore"
	"github.com/3leaps/hpcdash/pkg/gateway"
)

// Script runs a site shell script through a login shell and caches its
// parsed output.
type Script struct {
	// Name is the script file under Dir, e.g. "get_disk_quota.sh".
	Name string
	Dir  string

	// OutputFile, when set, is read after the script exits instead of its
	// stdout. Relative paths resolve against WorkDir.
	OutputFile string
	WorkDir    string

	Shells  []string
	Timeout time.Duration

	// Parse turns the script output into the cached payload.
	Parse func(output string) (any, error)
}

// ScriptTask returns a Task.Run that executes s with `bash -l` and writes
// the parsed result to key. A failed run or parse leaves the cache alone.
func ScriptTask(c *cachestore.Cache, runner gateway.Runner, key string, s Script, logger *zap.Logger) func(context.Context) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(ctx context.Context) error {
		path := filepath.Join(s.Dir, s.Name)
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("script %s: %w", s.Name, err)
		}
		shells := s.Shells
		if len(shells) == 0 {
			shells = gateway.DefaultShellCandidates
		}

		logger.Info("Running script", zap.String("script", s.Name))
		res, err := runner.Run(ctx, gateway.Command{
			Name:       s.Name,
			Candidates: shells,
			Args:       []string{"-l", path},
			Timeout:    s.Timeout,
			Env:        scriptEnv(),
			Dir:        s.WorkDir,
			AllowEmpty: s.OutputFile != "",
		})
		if err != nil {
			return err
		}

		out := res.Stdout
		if s.OutputFile != "" {
			file := s.OutputFile
			if !filepath.IsAbs(file) {
				file = filepath.Join(s.WorkDir, file)
			}
			b, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("script %s output file not created: %w", s.Name, err)
			}
			out = string(b)
		}
		logger.Info("Script completed", zap.String("script", s.Name), zap.Int("output_bytes", len(out)))
		if strings.TrimSpace(out) == "" {
			logger.Warn("Script output is empty",
				zap.String("script", s.Name),
				zap.String("stderr", truncate(res.Stderr, 200)))
			return &gateway.CommandError{Kind: gateway.KindEmptyOutput, Command: s.Name}
		}

		payload := any(out)
		if s.Parse != nil {
			if payload, err = s.Parse(out); err != nil {
				return fmt.Errorf("parse %s output: %w", s.Name, err)
			}
		}
		return c.Write(key, payload)
	}
}

func scriptEnv() []string {
	var env []string
	for _, k := range []string{"HOME", "USER", "LOGNAME"} {
		if v, ok := os.LookupEnv(k); ok {
			env = append(env, k+"="+v)
		}
	}
	return env
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
