package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/G-Research/slurmflow/internal/common/util"
	"github.com/G-Research/slurmflow/internal/slurmflow"
)

func reconnectZombiesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconnect-zombies",
		Short: "Restart workflows whose cluster jobs outlived them",
		Long: `Finds cluster jobs believed RUNNING whose orchestrating workflow run seems to have died,
crashes that run and its ancestors, and reschedules the top-level run.`,
		Args: cobra.NoArgs,
	}
	cmd.Flags().Int("tolerance-seconds", 0, "How many seconds may have elapsed since a cluster job was last checked for it not to be considered a zombie")
	_ = cmd.MarkFlagRequired("tolerance-seconds")

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, app *slurmflow.App) error {
			seconds, _ := cmd.Flags().GetInt("tolerance-seconds")
			report, err := app.Sweeper(time.Duration(seconds) * time.Second).Sweep(ctx)
			if report != nil {
				w := util.NewTabbedStringBuilder(1, 1, 1, ' ', 0)
				w.Writef("Candidates:\t%d\n", report.Candidates)
				w.Writef("Zombie runs:\t%v\n", report.Zombies)
				w.Writef("Rescheduled:\t%v\n", report.Rescheduled)
				w.Writef("Skipped:\t%d\n", report.Skipped)
				fmt.Fprint(cmd.OutOrStdout(), w.String())
			}
			return err
		})
	}
	return cmd
}
