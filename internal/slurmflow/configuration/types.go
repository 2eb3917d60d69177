package configuration

import (
	"time"

	"github.com/go-playground/validator/v10"
	"k8s.io/apimachinery/pkg/api/resource"

	commonconfig "github.com/G-Research/slurmflow/internal/common/config"
	"github.com/G-Research/slurmflow/internal/slurmflow/slurm"
	"github.com/G-Research/slurmflow/internal/slurmflow/submitter"
)

type StoreKind string

const (
	MemoryStore   StoreKind = "memory"
	PostgresStore StoreKind = "postgres"
	RedisStore    StoreKind = "redis"
)

type SlurmClientKind string

const (
	FakeSlurmClient SlurmClientKind = "fake"
	RestSlurmClient SlurmClientKind = "rest"
)

type SlurmflowConfig struct {
	MetricsPort uint16
	Slurm       SlurmConfig
	Records     RecordsConfig
	Substrate   SubstrateConfig
	Sweep       SweepConfig
}

type SlurmConfig struct {
	Client SlurmClientKind `validate:"oneof=fake rest"`
	Rest   slurm.RestClientConfig
	// Scheduler account that jobs are submitted as unless a request names another owner.
	User string `validate:"required"`
	// Maximum RUNNING plus PENDING jobs per owner before admission waits.
	IncompleteJobLimit int `validate:"gt=0"`
	// How many times admission checks for space, and the wait between checks.
	AdmissionAttempts             uint `validate:"gt=0"`
	AdmissionDelayBetweenAttempts time.Duration
	PollInterval                  time.Duration `validate:"gt=0"`
	// Zero derives the limit from each job's time limit plus PollTimeLimitSlack.
	MaxStatusChecks    int           `validate:"gte=0"`
	PollTimeLimitSlack time.Duration `validate:"gte=0"`
	JobLogTailLines    int           `validate:"gte=0"`
	DefaultWorkdir     string        `validate:"required"`
	// Cancel cluster jobs whose caller stops waiting for them.
	CancelOnAbort    bool
	DefaultMemory    resource.Quantity
	DefaultTimeLimit time.Duration
	DefaultPartition string
	ResubmitPolicy   string
	Tower            submitter.TowerConfig
}

type RecordsConfig struct {
	Store    StoreKind `validate:"oneof=memory postgres"`
	Postgres commonconfig.PostgresConfig
}

type SubstrateConfig struct {
	Store StoreKind `validate:"oneof=memory redis"`
	Redis commonconfig.RedisConfig
	// How long memoized results are kept. Zero keeps them forever.
	MemoTtl time.Duration
}

type SweepConfig struct {
	Interval time.Duration `validate:"gt=0"`
	// A RUNNING job is a zombie candidate once neither it nor its owning run has been updated for this long.
	Tolerance time.Duration `validate:"gt=0"`
}

// Validate checks the config, skipping the settings of stores that are not in use.
func (c SlurmflowConfig) Validate() error {
	var unused []string
	if c.Records.Store != PostgresStore {
		unused = append(unused, "Records.Postgres")
	}
	if c.Substrate.Store != RedisStore {
		unused = append(unused, "Substrate.Redis")
	}
	if c.Slurm.Client != RestSlurmClient {
		unused = append(unused, "Slurm.Rest")
	}
	return validator.New().StructExcept(c, unused...)
}
