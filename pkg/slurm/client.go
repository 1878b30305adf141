// Package slurm queries a SLURM cluster through the command gateway and
// parses sinfo, squeue, sacct and seff output into dashboard records.
package slurm

import (
	"context"
	"fmt"
	"time"

	"github.com/3leaps/hpcdash/pkg/clock"
	"github.com/3leaps/hpcdash/pkg/gateway"
)

const (
	DefaultTimeout     = 30 * time.Second
	DefaultSeffTimeout = 10 * time.Second
	DefaultHistoryDays = 90
)

// Binaries lists candidate absolute paths per SLURM tool.
type Binaries struct {
	Sinfo  []string `mapstructure:"sinfo"`
	Squeue []string `mapstructure:"squeue"`
	Sacct  []string `mapstructure:"sacct"`
	Seff   []string `mapstructure:"seff"`
}

// DefaultBinaries probes the site install first, then common locations.
func DefaultBinaries() Binaries {
	return Binaries{
		Sinfo:  candidates("sinfo"),
		Squeue: candidates("squeue"),
		Sacct:  candidates("sacct"),
		Seff:   candidates("seff"),
	}
}

func candidates(tool string) []string {
	return []string{
		"/cm/shared/apps/slurm/18.08.9/bin/" + tool,
		"/usr/bin/" + tool,
		"/opt/slurm/bin/" + tool,
		"/usr/local/bin/" + tool,
	}
}

// Client runs SLURM commands. The zero value is not usable; Runner is
// required.
type Client struct {
	Runner      gateway.Runner
	Binaries    Binaries
	Clock       clock.Clock
	Timeout     time.Duration
	SeffTimeout time.Duration
	HistoryDays int
}

func (c *Client) timeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return DefaultTimeout
}

// Sinfo returns raw `sinfo -s` output.
func (c *Client) Sinfo(ctx context.Context) (string, error) {
	res, err := c.Runner.Run(ctx, gateway.Command{
		Name:       "sinfo",
		Candidates: c.Binaries.Sinfo,
		Args:       []string{"-s"},
		Timeout:    c.timeout(),
	})
	if err != nil {
		return "", err
	}
	return res.Stdout, nil
}

// Partitions runs sinfo and parses it against meta.
func (c *Client) Partitions(ctx context.Context, meta Metadata) ([]Partition, error) {
	out, err := c.Sinfo(ctx)
	if err != nil {
		return nil, err
	}
	return ParseSinfo(out, meta)
}

// Queue returns user's jobs. An empty queue is not an error.
func (c *Client) Queue(ctx context.Context, user string) (Queue, error) {
	args := []string{QueueFormat}
	if user != "" {
		args = append(args, "-u", user)
	}
	res, err := c.Runner.Run(ctx, gateway.Command{
		Name:       "squeue",
		Candidates: c.Binaries.Squeue,
		Args:       args,
		Timeout:    c.timeout(),
		AllowEmpty: true,
	})
	if err != nil {
		return Queue{}, err
	}
	return ParseSqueue(res.Stdout), nil
}

// History returns user's allocations started within HistoryDays.
func (c *Client) History(ctx context.Context, user string) ([]HistoryJob, error) {
	if user == "" {
		return nil, fmt.Errorf("sacct: no user")
	}
	days := c.HistoryDays
	if days <= 0 {
		days = DefaultHistoryDays
	}
	since := clock.OrReal(c.Clock).Now().AddDate(0, 0, -days).Format("2006-01-02")

	res, err := c.Runner.Run(ctx, gateway.Command{
		Name:       "sacct",
		Candidates: c.Binaries.Sacct,
		Args: []string{
			HistoryFormat,
			"--parsable2",
			"--noheader",
			"--units=M",
			"--allocations",
			"-u", user,
			"--starttime", since,
		},
		Timeout:    c.timeout(),
		AllowEmpty: true,
	})
	if err != nil {
		return nil, err
	}
	return ParseSacct(res.Stdout), nil
}

// Seff returns the raw seff report for jobID.
func (c *Client) Seff(ctx context.Context, jobID string) (string, error) {
	timeout := c.SeffTimeout
	if timeout <= 0 {
		timeout = DefaultSeffTimeout
	}
	res, err := c.Runner.Run(ctx, gateway.Command{
		Name:       "seff",
		Candidates: c.Binaries.Seff,
		Args:       []string{jobID},
		Timeout:    timeout,
	})
	if err != nil {
		return "", err
	}
	return res.Stdout, nil
}
