package cli

import (
	"context"
	"fmt"

	"github.com/mattfleaydaly/raspberry-drinks-relay/internal/app"
	"github.com/mattfleaydaly/raspberry-drinks-relay/internal/update"
	"github.com/spf13/cobra"
)

// NewUpdateCommand creates the update command.
func NewUpdateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "update",
		Short: "Update the source tree once, rolling back on a failed health check",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAttempt(cmd, rootOpts, (*update.Orchestrator).Run)
		},
	}
}

// NewRollbackCommand creates the rollback command.
func NewRollbackCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rollback",
		Short: "Reset the source tree to the recorded pre-update or last good revision",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAttempt(cmd, rootOpts, (*update.Orchestrator).Rollback)
		},
	}
}

type attempt func(*update.Orchestrator, context.Context) (update.Result, error)

// runAttempt performs one update or rollback without touching the relays,
// prints the result, and returns the attempt's error for the exit code.
func runAttempt(cmd *cobra.Command, rootOpts *RootOptions, run attempt) error {
	cfg, logger, err := rootOpts.load()
	if err != nil {
		return err
	}

	orch, wait, err := app.NewUpdater(logger, cfg, rootOpts.AppOptions...)
	if err != nil {
		return err
	}
	res, runErr := run(orch, cmd.Context())
	// Notifications are sent in the background; let them finish.
	wait()

	f := newFormatter(rootOpts, cmd)
	if err := f.result(res); err != nil {
		return err
	}
	return runErr
}

func (f *formatter) result(res update.Result) error {
	if f.json() {
		return f.writeJSON(res)
	}
	status := "ok"
	if !res.Success {
		status = "failed at " + string(res.Stage)
	}
	_, err := fmt.Fprintf(f.out, "%s: %s\n", status, res.Diagnostic)
	if err != nil {
		return err
	}
	if res.BackupDir != "" {
		_, err = fmt.Fprintf(f.out, "backup: %s\n", res.BackupDir)
	}
	return err
}
