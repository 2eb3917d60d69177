package cmd

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/G-Research/slurmflow/internal/common"
	"github.com/G-Research/slurmflow/internal/slurmflow"
	"github.com/G-Research/slurmflow/internal/slurmflow/configuration"
)

const (
	defaultConfigPath = "./config/slurmflow"
	configFlag        = "config"
)

// RootCmd is the root Cobra command that gets called from the main func.
// All other sub-commands should be registered here.
func RootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "slurmflow",
		Short:        "slurmflow orchestrates workflow jobs on a Slurm cluster.",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringSlice(configFlag, nil, "Fully qualified path to application configuration files (for multiple config files repeat this arg or separate paths with commas)")

	cmd.AddCommand(
		runCmd(),
		submitCmd(),
		capacityCmd(),
		reconnectZombiesCmd(),
		forceCrashCmd(),
	)
	return cmd
}

func loadConfig(flags *pflag.FlagSet) (configuration.SlurmflowConfig, error) {
	var config configuration.SlurmflowConfig
	overrides, err := flags.GetStringSlice(configFlag)
	if err != nil {
		return config, err
	}
	common.LoadConfig(&config, defaultConfigPath, overrides)
	return config, nil
}

// withApp loads the config, wires the application and hands it to action.
func withApp(cmd *cobra.Command, action func(ctx context.Context, app *slurmflow.App) error) error {
	config, err := loadConfig(cmd.Flags())
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	app, err := slurmflow.NewApp(ctx, config)
	if err != nil {
		return err
	}
	defer app.Close()
	return action(ctx, app)
}
