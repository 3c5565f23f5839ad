// Package command runs host tools with structured argument lists. Nothing is
// ever passed through a shell.
package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/mattfleaydaly/raspberry-drinks-relay/internal/fault"
	"github.com/mattfleaydaly/raspberry-drinks-relay/internal/metrics"
	"github.com/mattn/go-shellwords"
	"github.com/rs/zerolog"
)

const (
	defaultTimeout = 2 * time.Minute
	waitDelay      = 5 * time.Second
)

// Command is one invocation of a host tool.
type Command struct {
	Name string
	Args []string
	Dir  string
	Env  []string
}

// New builds a command from a program name and arguments.
func New(name string, args ...string) Command {
	return Command{Name: name, Args: args}
}

// In returns a copy of c that runs in dir.
func (c Command) In(dir string) Command {
	c.Dir = dir
	return c
}

// Argv returns the program name followed by its arguments.
func (c Command) Argv() []string {
	return append([]string{c.Name}, c.Args...)
}

func (c Command) String() string {
	return strings.Join(c.Argv(), " ")
}

// Parse splits a configured command line into a Command.
func Parse(line string) (Command, error) {
	words, err := shellwords.Parse(line)
	if err != nil {
		return Command{}, fmt.Errorf("parse command %q: %w", line, err)
	}
	if len(words) == 0 {
		return Command{}, errors.New("command is empty")
	}
	return New(words[0], words[1:]...), nil
}

// Result is what a finished command produced.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Combined joins stdout and stderr for diagnostics.
func (r Result) Combined() string {
	out := strings.TrimSpace(r.Stdout)
	errOut := strings.TrimSpace(r.Stderr)
	switch {
	case out == "":
		return errOut
	case errOut == "":
		return out
	default:
		return out + "\n" + errOut
	}
}

// Executor runs commands. A non-zero exit yields both the Result and an
// ExternalCommand fault carrying the combined output.
type Executor interface {
	Run(ctx context.Context, cmd Command) (Result, error)
}

// OSExecutor runs commands on the host.
type OSExecutor struct {
	logger  zerolog.Logger
	timeout time.Duration
	metrics *metrics.Metrics
}

// Option customizes an OSExecutor.
type Option func(*OSExecutor)

// WithTimeout bounds every command. Zero disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(e *OSExecutor) {
		e.timeout = d
	}
}

// WithMetrics counts failed commands by tool.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *OSExecutor) {
		e.metrics = m
	}
}

// NewOSExecutor returns a host executor.
func NewOSExecutor(logger zerolog.Logger, opts ...Option) *OSExecutor {
	e := &OSExecutor{logger: logger, timeout: defaultTimeout}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run implements Executor.
func (e *OSExecutor) Run(ctx context.Context, c Command) (Result, error) {
	if c.Name == "" {
		return Result{}, fault.New(fault.Invalid, "run command", "command is empty")
	}
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, c.Name, c.Args...) //nolint:gosec // argv comes from fixed call sites and operator config
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(cmd.Environ(), c.Env...)
	}
	cmd.WaitDelay = waitDelay

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	result := Result{
		ExitCode: 0,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	logger := e.logger.With().Str("command", c.String()).Str("dir", c.Dir).Logger()
	if err == nil {
		logger.Debug().Dur("duration", result.Duration).Msg("command finished")
		return result, nil
	}

	e.metrics.IncCommandFailures(c.Name)

	var exitErr *exec.ExitError
	switch {
	case ctx.Err() != nil:
		result.ExitCode = -1
		logger.Warn().Err(ctx.Err()).Msg("command timed out")
		return result, fault.WithOutput(fault.ExternalCommand, c.String(), fmt.Errorf("command did not finish: %w", ctx.Err()), result.Combined())
	case errors.As(err, &exitErr):
		result.ExitCode = exitErr.ExitCode()
		logger.Warn().Int("exit_code", result.ExitCode).Msg("command failed")
		return result, fault.WithOutput(fault.ExternalCommand, c.String(), fmt.Errorf("exit status %d", result.ExitCode), result.Combined())
	default:
		result.ExitCode = -1
		logger.Warn().Err(err).Msg("command could not start")
		return result, fault.WithOutput(fault.ExternalCommand, c.String(), err, result.Combined())
	}
}
