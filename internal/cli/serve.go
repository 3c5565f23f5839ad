package cli

import (
	"github.com/mattfleaydaly/raspberry-drinks-relay/internal/app"
	"github.com/spf13/cobra"
)

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP controller and update schedule",
		Long: `Forces every relay off, then serves the HTTP surface and, when
DR_UPDATE_INTERVAL is set, runs unattended updates until interrupted.
Every relay is driven off again on exit.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := rootOpts.load()
			if err != nil {
				return err
			}

			a, err := app.New(logger, cfg, rootOpts.AppOptions...)
			if err != nil {
				return err
			}
			defer func() {
				if err := a.Close(); err != nil {
					logger.Error().Err(err).Msg("shutdown cleanup failed")
				}
			}()

			return a.Run(cmd.Context())
		},
	}
}
