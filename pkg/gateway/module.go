package gateway

import (
	"context"
	"os"
	"strings"
	"time"
)

// DefaultShellCandidates are probed for the login shell used by ModuleRunner.
var DefaultShellCandidates = []string{"/bin/bash", "/usr/bin/bash"}

// ModuleRunner invokes the Lmod `module` shell function through a login
// shell that sources the site init script.
type ModuleRunner struct {
	Runner     Runner
	Shells     []string
	InitScript string
	Timeout    time.Duration
}

// Run executes `module <args...>`. Output is taken from stderr when stdout
// is blank.
func (m *ModuleRunner) Run(ctx context.Context, name string, args ...string) (Result, error) {
	shells := m.Shells
	if len(shells) == 0 {
		shells = DefaultShellCandidates
	}

	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = shellQuote(a)
	}
	script := "module " + strings.Join(quoted, " ")
	if m.InitScript != "" {
		script = "source " + shellQuote(m.InitScript) + " >/dev/null 2>&1; " + script
	}

	return m.Runner.Run(ctx, Command{
		Name:           name,
		Candidates:     shells,
		Args:           []string{"-l", "-c", script},
		Timeout:        m.Timeout,
		Env:            loginEnv(),
		StderrFallback: true,
	})
}

// loginEnv passes the identity variables a login shell needs to find the
// user's profile. Nothing else from the parent environment is inherited.
func loginEnv() []string {
	var env []string
	for _, k := range []string{"HOME", "USER", "LOGNAME"} {
		if v, ok := os.LookupEnv(k); ok {
			env = append(env, k+"="+v)
		}
	}
	return env
}

func shellQuote(s string) string {
	if s != "" && strings.IndexFunc(s, func(r rune) bool {
		return !(r == '-' || r == '_' || r == '/' || r == '.' || r == '+' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'))
	}) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
