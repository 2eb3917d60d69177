package configuration

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/api/resource"

	"github.com/G-Research/slurmflow/internal/common"
)

func TestLoadDefaultConfig(t *testing.T) {
	var config SlurmflowConfig
	common.LoadConfig(&config, "../../../config/slurmflow", nil)

	assert.Equal(t, RestSlurmClient, config.Slurm.Client)
	assert.Equal(t, 100, config.Slurm.IncompleteJobLimit)
	assert.Equal(t, uint(100), config.Slurm.AdmissionAttempts)
	assert.Equal(t, 10*time.Second, config.Slurm.AdmissionDelayBetweenAttempts)
	assert.Equal(t, 10*time.Second, config.Slurm.PollInterval)
	assert.Equal(t, 6*time.Hour, config.Slurm.PollTimeLimitSlack)
	assert.Equal(t, "/opt/jobs", config.Slurm.DefaultWorkdir)
	assert.True(t, config.Slurm.DefaultMemory.Equal(resource.MustParse("1Gi")))
	assert.Equal(t, "EMBL", config.Slurm.Tower.Organisation)
	assert.Equal(t, "localhost", config.Records.Postgres.Connection["host"])
	assert.Equal(t, []string{"localhost:6379"}, config.Substrate.Redis.Addrs)
	assert.Equal(t, time.Hour, config.Sweep.Tolerance)

	require.NoError(t, config.Validate())
}

func validConfig() SlurmflowConfig {
	return SlurmflowConfig{
		Slurm: SlurmConfig{
			Client:             FakeSlurmClient,
			User:               "root",
			IncompleteJobLimit: 10,
			AdmissionAttempts:  1,
			PollInterval:       time.Second,
			DefaultWorkdir:     "/opt/jobs",
		},
		Records:   RecordsConfig{Store: MemoryStore},
		Substrate: SubstrateConfig{Store: MemoryStore},
		Sweep:     SweepConfig{Interval: time.Minute, Tolerance: time.Hour},
	}
}

func TestValidate_UnusedStoresAreIgnored(t *testing.T) {
	assert.NoError(t, validConfig().Validate())
}

func TestValidate_Invalid(t *testing.T) {
	tests := map[string]func(c *SlurmflowConfig){
		"unknown client":          func(c *SlurmflowConfig) { c.Slurm.Client = "pyslurm" },
		"rest client without url": func(c *SlurmflowConfig) { c.Slurm.Client = RestSlurmClient },
		"no limit":                func(c *SlurmflowConfig) { c.Slurm.IncompleteJobLimit = 0 },
		"postgres without config": func(c *SlurmflowConfig) { c.Records.Store = PostgresStore },
		"redis without addresses": func(c *SlurmflowConfig) { c.Substrate.Store = RedisStore },
		"unknown record store":    func(c *SlurmflowConfig) { c.Records.Store = RedisStore },
		"no sweep tolerance":      func(c *SlurmflowConfig) { c.Sweep.Tolerance = 0 },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			c := validConfig()
			mutate(&c)
			assert.Error(t, c.Validate())
		})
	}
}
