package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/G-Research/slurmflow/internal/slurmflow"
	"github.com/G-Research/slurmflow/internal/slurmflow/zombie"
)

func forceCrashCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "force-crash",
		Short: "Force a workflow run into the crashed state",
		Long:  "Marks one workflow run as crashed, whatever state it is in. Parent and child runs are not affected.",
		Args:  cobra.NoArgs,
	}
	cmd.Flags().String("flow-run-id", "", "Id of the workflow run to crash")
	cmd.Flags().String("message", "", "Optional detail to attach to the crashed state, e.g. explaining why")
	_ = cmd.MarkFlagRequired("flow-run-id")

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, app *slurmflow.App) error {
			runId, _ := cmd.Flags().GetString("flow-run-id")
			message, _ := cmd.Flags().GetString("message")
			run, err := zombie.ForceCrash(ctx, app.Runs, runId, message)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "run %s is now %s (%s)\n", run.Id, run.State, run.StateName)
			return nil
		})
	}
	return cmd
}
