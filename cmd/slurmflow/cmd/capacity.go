package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/G-Research/slurmflow/internal/slurmflow"
)

func capacityCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "capacity",
		Short: "Print how many more jobs an owner may submit right now",
		Args:  cobra.NoArgs,
	}
	cmd.Flags().String("owner", "", "Scheduler account (defaults to slurm.user)")
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, app *slurmflow.App) error {
			owner, _ := cmd.Flags().GetString("owner")
			if owner == "" {
				owner = app.Config.Slurm.User
			}
			space, err := app.Admission.Capacity(ctx, owner)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d\n", space)
			return nil
		})
	}
	return cmd
}
