// Package commandtest provides a scripted command.Executor for tests.
package commandtest

import (
	"context"
	"fmt"
	"sync"

	"github.com/mattfleaydaly/raspberry-drinks-relay/internal/command"
	"github.com/mattfleaydaly/raspberry-drinks-relay/internal/fault"
)

// Handler answers one command invocation.
type Handler func(cmd command.Command) (command.Result, error)

// Fake answers commands by their argv string ("git rev-parse HEAD"). Unknown
// commands succeed with empty output unless Strict is set.
type Fake struct {
	mu       sync.Mutex
	handlers map[string]Handler
	fallback Handler
	calls    []command.Command

	Strict bool
}

// New returns an empty Fake.
func New() *Fake {
	return &Fake{handlers: map[string]Handler{}}
}

// On registers a handler for an exact argv string.
func (f *Fake) On(argv string, h Handler) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[argv] = h
	return f
}

// Reply registers canned stdout for argv.
func (f *Fake) Reply(argv, stdout string) *Fake {
	return f.On(argv, func(command.Command) (command.Result, error) {
		return command.Result{Stdout: stdout}, nil
	})
}

// Fail makes argv exit with code and stderr.
func (f *Fake) Fail(argv string, code int, stderr string) *Fake {
	return f.On(argv, func(cmd command.Command) (command.Result, error) {
		return Exit(cmd, code, "", stderr)
	})
}

// Fallback handles every command without a registered handler.
func (f *Fake) Fallback(h Handler) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fallback = h
	return f
}

// Run implements command.Executor.
func (f *Fake) Run(ctx context.Context, cmd command.Command) (command.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, cmd)
	h, ok := f.handlers[cmd.String()]
	if !ok {
		h = f.fallback
	}
	strict := f.Strict
	f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return command.Result{ExitCode: -1}, fault.Wrap(fault.ExternalCommand, cmd.String(), err)
	}
	if h == nil {
		if strict {
			return Exit(cmd, 127, "", "unexpected command")
		}
		return command.Result{}, nil
	}
	return h(cmd)
}

// Calls returns every invocation in order.
func (f *Fake) Calls() []command.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]command.Command(nil), f.calls...)
}

// Argvs returns every invocation as its argv string.
func (f *Fake) Argvs() []string {
	calls := f.Calls()
	out := make([]string, len(calls))
	for i, c := range calls {
		out[i] = c.String()
	}
	return out
}

// Exit builds the result and error an OSExecutor reports for a non-zero exit.
func Exit(cmd command.Command, code int, stdout, stderr string) (command.Result, error) {
	result := command.Result{ExitCode: code, Stdout: stdout, Stderr: stderr}
	if code == 0 {
		return result, nil
	}
	return result, fault.WithOutput(fault.ExternalCommand, cmd.String(), fmt.Errorf("exit status %d", code), result.Combined())
}
