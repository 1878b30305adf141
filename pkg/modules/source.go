package modules

import (
	"context"
	"time"

	"github.com/3leaps/hpcdash/pkg/gateway"
)

// Source is the module backend.
type Source interface {
	// ListFamilies returns raw `module -t spider` output.
	ListFamilies(ctx context.Context) (string, error)

	// Describe returns the description of one family, or "" when it has none.
	Describe(ctx context.Context, family string) (string, error)
}

// DefaultDetailTimeout bounds each per-family detail query.
const DefaultDetailTimeout = 10 * time.Second

// LmodSource queries Lmod through a login shell.
type LmodSource struct {
	Runner        *gateway.ModuleRunner
	DetailTimeout time.Duration
}

func (s *LmodSource) ListFamilies(ctx context.Context) (string, error) {
	res, err := s.Runner.Run(ctx, "module-spider", "-t", "spider")
	if err != nil {
		return "", err
	}
	return res.Stdout, nil
}

func (s *LmodSource) Describe(ctx context.Context, family string) (string, error) {
	r := *s.Runner
	r.Timeout = s.DetailTimeout
	if r.Timeout <= 0 {
		r.Timeout = DefaultDetailTimeout
	}
	res, err := r.Run(ctx, "module-describe", "--redirect", "spider", family)
	if err != nil {
		return "", err
	}
	return ParseDescription(res.Stdout), nil
}
