package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/G-Research/slurmflow/internal/slurmflow"
	"github.com/G-Research/slurmflow/internal/slurmflow/fingerprint"
	"github.com/G-Research/slurmflow/internal/slurmflow/model"
	"github.com/G-Research/slurmflow/internal/slurmflow/policy"
	"github.com/G-Research/slurmflow/internal/slurmflow/substrate"
)

func submitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a job and wait for it to finish",
		Long: `Registers a workflow run, waits for space on the cluster, submits the command unless an identical job can be reused,
and polls it until it ends. Exits non-zero if the job fails.
Passing the run id of an earlier, interrupted submit resumes it.`,
		Args: cobra.NoArgs,
	}
	cmd.Flags().String("name", "", "Job name")
	cmd.Flags().String("command", "", "Shell command to run")
	cmd.Flags().Duration("time", 0, "Wall-time limit (defaults to slurm.defaultTimeLimit)")
	cmd.Flags().String("memory", "", "Memory, e.g. 100M or 2Gi (defaults to slurm.defaultMemory)")
	cmd.Flags().String("partition", "", "Slurm partition")
	cmd.Flags().String("workdir", "", "Working directory (defaults to slurm.defaultWorkdir)")
	cmd.Flags().String("policy", "", "Resubmission policy: always, if-failed, never, skip-if-ended-within[:window], if-older-than[:window]")
	cmd.Flags().String("owner", "", "Scheduler account to submit as (defaults to slurm.user)")
	cmd.Flags().String("run-id", "", "Workflow run id; repeating a run id returns its earlier submission (defaults to a new id)")
	cmd.Flags().StringToString("env", nil, "Environment variables, e.g. --env TOWER_ACCESS_TOKEN=x")
	cmd.Flags().StringSlice("input", nil, "Input files whose contents identify the job")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("command")

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, app *slurmflow.App) error {
			flags := cmd.Flags()
			name, _ := flags.GetString("name")
			command, _ := flags.GetString("command")
			timeLimit, _ := flags.GetDuration("time")
			memory, _ := flags.GetString("memory")
			partition, _ := flags.GetString("partition")
			workdir, _ := flags.GetString("workdir")
			policyName, _ := flags.GetString("policy")
			owner, _ := flags.GetString("owner")
			runId, _ := flags.GetString("run-id")
			env, _ := flags.GetStringToString("env")
			inputs, _ := flags.GetStringSlice("input")

			config := app.Config.Slurm
			if timeLimit == 0 {
				timeLimit = config.DefaultTimeLimit
			}
			if timeLimit == 0 {
				timeLimit = time.Hour
			}
			if memory == "" {
				memory = config.DefaultMemory.String()
			}
			if partition == "" {
				partition = config.DefaultPartition
			}
			if owner == "" {
				owner = config.User
			}
			if runId == "" {
				runId = uuid.NewString()
			}
			p := app.Policy
			if policyName != "" {
				parsed, err := policy.Parse(policyName)
				if err != nil {
					return err
				}
				p = parsed
			}
			hasher, err := fingerprint.NewFileHasher(len(inputs) + 1)
			if err != nil {
				return err
			}
			hashes, err := hasher.HashFiles(inputs)
			if err != nil {
				return err
			}

			inv := substrate.Invocation{RunId: runId, Owner: owner}
			req := model.JobRequest{
				Name:             name,
				Command:          command,
				Owner:            owner,
				WorkingDirectory: workdir,
				InputFileHashes:  hashes,
				Resources: model.Resources{
					TimeLimit:   timeLimit,
					Memory:      memory,
					Partition:   partition,
					Environment: env,
				},
			}

			sub, status, err := app.RunJob(ctx, inv, req, p)
			if sub != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\n", sub)
				fmt.Fprintf(cmd.OutOrStdout(), "job %d finished with status %s\n", sub.JobId, status)
			}
			return err
		})
	}
	return cmd
}
