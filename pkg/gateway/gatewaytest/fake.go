// Package gatewaytest provides a scripted gateway.Runner for tests.
package gatewaytest

import (
	"context"
	"strings"
	"sync"

	"github.com/3leaps/hpcdash/pkg/gateway"
)

// Response is what Fake returns for a matching command.
type Response struct {
	Result gateway.Result
	Err    error

	// Block, when set, is waited on before returning.
	Block <-chan struct{}
}

// Fake matches commands by Name plus space-joined Args. A response
// registered under Name alone matches any args.
type Fake struct {
	mu        sync.Mutex
	responses map[string]Response
	calls     []gateway.Command
}

func New() *Fake {
	return &Fake{responses: map[string]Response{}}
}

// On registers a stdout payload for name+args.
func (f *Fake) On(name string, stdout string, args ...string) *Fake {
	return f.OnResponse(name, Response{Result: gateway.Result{Stdout: stdout}}, args...)
}

// OnError registers a failure of the given kind.
func (f *Fake) OnError(name string, kind gateway.Kind, detail string, args ...string) *Fake {
	return f.OnResponse(name, Response{Err: &gateway.CommandError{Kind: kind, Command: name, Detail: detail}}, args...)
}

func (f *Fake) OnResponse(name string, r Response, args ...string) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[key(name, args)] = r
	return f
}

func (f *Fake) Run(ctx context.Context, c gateway.Command) (gateway.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, c)
	r, ok := f.responses[key(c.Name, c.Args)]
	if !ok {
		r, ok = f.responses[key(c.Name, nil)]
	}
	f.mu.Unlock()

	if !ok {
		return gateway.Result{}, &gateway.CommandError{Kind: gateway.KindBinaryNotFound, Command: c.Name}
	}
	if r.Block != nil {
		select {
		case <-r.Block:
		case <-ctx.Done():
			return gateway.Result{}, &gateway.CommandError{Kind: gateway.KindTimeout, Command: c.Name, Err: ctx.Err()}
		}
	}
	return r.Result, r.Err
}

// Calls returns a copy of every command seen so far.
func (f *Fake) Calls() []gateway.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]gateway.Command, len(f.calls))
	copy(out, f.calls)
	return out
}

// CallCount counts calls with the given name.
func (f *Fake) CallCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.Name == name {
			n++
		}
	}
	return n
}

func key(name string, args []string) string {
	if len(args) == 0 {
		return name
	}
	return name + " " + strings.Join(args, " ")
}

var _ gateway.Runner = (*Fake)(nil)
