// Package system asks the host to reboot or halt. The supervisor that starts
// the controller again is outside this process.
package system

import (
	"context"
	"errors"

	"github.com/mattfleaydaly/raspberry-drinks-relay/internal/command"
	"github.com/rs/zerolog"
)

// Power runs the configured reboot and shutdown commands.
type Power struct {
	logger   zerolog.Logger
	exec     command.Executor
	reboot   command.Command
	shutdown command.Command
}

// NewPower validates both commands up front.
func NewPower(logger zerolog.Logger, exec command.Executor, reboot, shutdown command.Command) (*Power, error) {
	if exec == nil {
		return nil, errors.New("power needs an executor")
	}
	if reboot.Name == "" || shutdown.Name == "" {
		return nil, errors.New("reboot and shutdown commands are required")
	}
	return &Power{
		logger:   logger.With().Str("component", "power").Logger(),
		exec:     exec,
		reboot:   reboot,
		shutdown: shutdown,
	}, nil
}

// Reboot restarts the host.
func (p *Power) Reboot(ctx context.Context) error {
	return p.run(ctx, "reboot", p.reboot)
}

// Shutdown halts the host.
func (p *Power) Shutdown(ctx context.Context) error {
	return p.run(ctx, "shutdown", p.shutdown)
}

func (p *Power) run(ctx context.Context, action string, cmd command.Command) error {
	p.logger.Warn().Str("action", action).Str("command", cmd.String()).Msg("host power request")
	_, err := p.exec.Run(ctx, cmd)
	return err
}
