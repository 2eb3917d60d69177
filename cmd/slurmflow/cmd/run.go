package cmd

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/G-Research/slurmflow/internal/common"
	"github.com/G-Research/slurmflow/internal/slurmflow"
)

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the slurmflow daemon",
		Long:  "Runs the zombie sweep periodically and serves health checks and metrics until interrupted.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			common.ConfigureLogging()
			config, err := loadConfig(cmd.Flags())
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return slurmflow.StartUp(ctx, config)
		},
	}
	return cmd
}
