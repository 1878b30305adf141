// Package gateway runs external commands (SLURM, Lmod, git) with a scrubbed
// environment, absolute-path binary resolution and a hard timeout.
//
// Every failure is returned as a *CommandError; nothing in this package
// panics or caches.
package gateway

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"strings"
	"time"
)

// DefaultPath is the only PATH child processes ever see unless a caller
// overrides it explicitly.
const DefaultPath = "PATH=/usr/bin:/bin"

// DefaultTimeout applies when Command.Timeout is zero.
const DefaultTimeout = 30 * time.Second

// waitDelay bounds how long Run waits for pipes after the child is killed.
const waitDelay = 2 * time.Second

// Command describes one external invocation.
type Command struct {
	// Name is used in errors, logs and metrics (e.g. "sinfo").
	Name string

	// Candidates are absolute binary paths probed in priority order.
	Candidates []string

	Args    []string
	Timeout time.Duration

	// Env is appended to DefaultPath. A PATH= entry here replaces it.
	Env []string

	Dir string

	// StderrFallback treats stderr as the payload when stdout is blank.
	// Lmod writes spider output to stderr through the shell function.
	StderrFallback bool

	// OKExitCodes lists nonzero exit codes that still carry a payload.
	OKExitCodes []int

	// AllowEmpty returns an empty Result instead of KindEmptyOutput.
	AllowEmpty bool
}

// Result is a successful command outcome.
type Result struct {
	Path     string
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// Runner executes commands. Tests substitute gatewaytest.Fake.
type Runner interface {
	Run(ctx context.Context, cmd Command) (Result, error)
}

// Observer is notified after every Run. outcome is "ok" or a Kind.
type Observer func(name, outcome string, d time.Duration)

// Exec is the os/exec backed Runner.
type Exec struct {
	observe Observer
}

// Option configures Exec.
type Option func(*Exec)

// WithObserver registers a completion hook (metrics).
func WithObserver(o Observer) Option {
	return func(e *Exec) { e.observe = o }
}

func New(opts ...Option) *Exec {
	e := &Exec{}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Resolve returns the first candidate that is an executable regular file.
func Resolve(candidates []string) (string, bool) {
	for _, c := range candidates {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		info, err := os.Stat(c)
		if err != nil {
			continue
		}
		if info.Mode().IsRegular() && info.Mode().Perm()&0o111 != 0 {
			return c, true
		}
	}
	return "", false
}

func (e *Exec) Run(ctx context.Context, c Command) (Result, error) {
	start := time.Now()
	res, err := e.run(ctx, c)
	res.Duration = time.Since(start)
	if e.observe != nil {
		outcome := "ok"
		if k := KindOf(err); k != "" {
			outcome = string(k)
		}
		e.observe(c.Name, outcome, res.Duration)
	}
	return res, err
}

func (e *Exec) run(ctx context.Context, c Command) (Result, error) {
	path, ok := Resolve(c.Candidates)
	if !ok {
		return Result{}, &CommandError{Kind: KindBinaryNotFound, Command: c.Name}
	}

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, path, c.Args...)
	cmd.Env = buildEnv(c.Env)
	cmd.Dir = c.Dir
	cmd.WaitDelay = waitDelay
	configureKill(cmd)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	res := Result{Path: path, Stdout: stdout.String(), Stderr: stderr.String()}

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return res, &CommandError{Kind: KindTimeout, Command: c.Name, Detail: "timed out after " + timeout.String(), Err: runCtx.Err()}
	}
	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return res, &CommandError{Kind: KindCommandFailed, Command: c.Name, Detail: runErr.Error(), ExitCode: -1, Err: runErr}
		}
		res.ExitCode = exitErr.ExitCode()
		if !containsCode(c.OKExitCodes, res.ExitCode) {
			return res, &CommandError{
				Kind:     KindCommandFailed,
				Command:  c.Name,
				Detail:   strings.TrimSpace(res.Stderr),
				ExitCode: res.ExitCode,
				Err:      runErr,
			}
		}
	}

	if strings.TrimSpace(res.Stdout) == "" && c.StderrFallback && strings.TrimSpace(res.Stderr) != "" {
		res.Stdout = res.Stderr
	}
	if strings.TrimSpace(res.Stdout) == "" && !c.AllowEmpty {
		return res, &CommandError{Kind: KindEmptyOutput, Command: c.Name, ExitCode: res.ExitCode}
	}
	return res, nil
}

func buildEnv(extra []string) []string {
	env := []string{DefaultPath}
	for _, kv := range extra {
		if strings.HasPrefix(kv, "PATH=") {
			env[0] = kv
			continue
		}
		env = append(env, kv)
	}
	return env
}

func containsCode(codes []int, code int) bool {
	for _, c := range codes {
		if c == code {
			return true
		}
	}
	return false
}
