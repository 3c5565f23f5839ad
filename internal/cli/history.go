package cli

import (
	"fmt"
	"io"

	"github.com/mattfleaydaly/raspberry-drinks-relay/internal/app"
	"github.com/spf13/cobra"
)

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent revisions with the current and recorded markers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit < 0 {
				return fmt.Errorf("--limit must not be negative")
			}
			cfg, logger, err := rootOpts.load()
			if err != nil {
				return err
			}
			orch, _, err := app.NewUpdater(logger, cfg, rootOpts.AppOptions...)
			if err != nil {
				return err
			}

			h, err := orch.History(cmd.Context(), limit)
			if err != nil {
				return err
			}

			f := newFormatter(rootOpts, cmd)
			if f.json() {
				return f.writeJSON(h)
			}
			_, err = io.WriteString(f.out, h.String())
			return err
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "number of revisions to list (0 uses the default)")
	return cmd
}
