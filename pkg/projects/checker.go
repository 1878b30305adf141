package projects

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/3leaps/hpcdash/pkg/gateway"
)

// DefaultCheckerTimeout bounds one recursive git-status-checker run.
const DefaultCheckerTimeout = 600 * time.Second

// exitNotFound is what a login shell returns for a missing command.
const exitNotFound = 127

// Flag decodes a JSON bool or number (non-zero is true).
type Flag bool

func (f *Flag) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch string(b) {
	case "true":
		*f = true
		return nil
	case "false", "null":
		*f = false
		return nil
	}
	var n float64
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("flag: %w", err)
	}
	*f = n != 0
	return nil
}

// RepoStatus is one repository entry in the checker report.
type RepoStatus struct {
	Path             string   `json:"path"`
	LocalChanges     []string `json:"local_changes"`
	Ahead            Flag     `json:"ahead"`
	Behind           Flag     `json:"behind"`
	UpToDate         *bool    `json:"up_to_date"`
	HasRemoteChanges Flag     `json:"has_remote_changes"`
}

// CheckerReport is the --json output of git-status-checker.
type CheckerReport struct {
	Repositories []RepoStatus `json:"repositories"`
	Total        int          `json:"total"`
	Outdated     int          `json:"outdated"`
}

// DefaultCheckerCandidates lists where git-status-checker is installed.
func DefaultCheckerCandidates() []string {
	cands := []string{"/usr/local/bin/git-status-checker", "/usr/bin/git-status-checker"}
	if home, err := os.UserHomeDir(); err == nil {
		cands = append(cands, filepath.Join(home, ".local", "bin", "git-status-checker"))
	}
	return cands
}

// Checker runs git-status-checker across project roots.
type Checker struct {
	Runner     gateway.Runner
	Candidates []string
	Timeout    time.Duration
}

// Check scans dirs recursively. A missing tool or an empty report yields
// an empty CheckerReport so callers fall back to walking the tree.
func (c *Checker) Check(ctx context.Context, dirs []string) (CheckerReport, error) {
	empty := CheckerReport{Repositories: []RepoStatus{}}
	if len(dirs) == 0 {
		return empty, nil
	}
	cands := c.Candidates
	if len(cands) == 0 {
		cands = DefaultCheckerCandidates()
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultCheckerTimeout
	}

	args := append([]string{"--json", "--recursive", "--check-fetch", "--ignore-untracked"}, dirs...)
	res, err := c.Runner.Run(ctx, gateway.Command{
		Name:        "git-status-checker",
		Candidates:  cands,
		Args:        args,
		Timeout:     timeout,
		Env:         homeEnv(),
		OKExitCodes: []int{1, exitNotFound},
		AllowEmpty:  true,
	})
	if err != nil {
		if gateway.IsKind(err, gateway.KindBinaryNotFound) {
			return empty, nil
		}
		return empty, err
	}
	if res.ExitCode == exitNotFound || strings.TrimSpace(res.Stdout) == "" {
		return empty, nil
	}

	var report CheckerReport
	if err := json.Unmarshal([]byte(res.Stdout), &report); err != nil {
		return empty, fmt.Errorf("git-status-checker JSON parse error: %w", err)
	}
	if report.Repositories == nil {
		report.Repositories = []RepoStatus{}
	}
	return report, nil
}

// gitInfo converts a checker entry, leaving branch and commit fields for
// Git.describe.
func (r RepoStatus) gitInfo() GitInfo {
	changes := r.LocalChanges
	if changes == nil {
		changes = []string{}
	}
	upToDate := true
	if r.UpToDate != nil {
		upToDate = *r.UpToDate
	}
	return GitInfo{
		Path:             r.Path,
		Name:             filepath.Base(r.Path),
		Dirty:            len(changes) > 0,
		Ahead:            bool(r.Ahead),
		Behind:           bool(r.Behind),
		UpToDate:         upToDate,
		HasRemoteChanges: bool(r.HasRemoteChanges),
		LocalChanges:     changes,
	}
}
