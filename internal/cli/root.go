// Package cli defines the drinks-relay command tree.
package cli

import (
	"fmt"

	"github.com/mattfleaydaly/raspberry-drinks-relay/internal/app"
	"github.com/mattfleaydaly/raspberry-drinks-relay/internal/config"
	"github.com/mattfleaydaly/raspberry-drinks-relay/internal/logging"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	LogLevel string
	Format   string // "json" | "text"

	// AppOptions are applied to every assembled App or Orchestrator.
	AppOptions []app.Option
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command. appOpts replace host-facing
// collaborators such as the relay driver or command executor.
func NewRootCommand(appOpts ...app.Option) *cobra.Command {
	opts := &RootOptions{AppOptions: appOpts}

	cmd := &cobra.Command{
		Use:   "drinks-relay",
		Short: "Relay sequence controller for the drinks machine",
		Long: `Drives the drinks machine relays through self-tests, timed tests and
recipes, and keeps the controller's source tree up to date with rollback.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "log level, overrides DR_LOG_LEVEL")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewUpdateCommand(opts))
	cmd.AddCommand(NewRollbackCommand(opts))
	cmd.AddCommand(NewHistoryCommand(opts))

	return cmd
}

// load reads configuration and builds the process logger.
func (o *RootOptions) load() (config.Config, zerolog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, zerolog.Nop(), fmt.Errorf("load config: %w", err)
	}
	if o.LogLevel != "" {
		cfg.LogLevel = o.LogLevel
	}
	return cfg, logging.NewWithLevel(cfg.LogLevel), nil
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}
