package main

import (
	"os"

	"github.com/G-Research/slurmflow/cmd/slurmflow/cmd"
	"github.com/G-Research/slurmflow/internal/common"
)

func main() {
	common.ConfigureCommandLineLogging()
	if err := cmd.RootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
