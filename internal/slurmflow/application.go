package slurmflow

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-redis/redis"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/G-Research/slurmflow/internal/common/commonerrors"
	commonconfig "github.com/G-Research/slurmflow/internal/common/config"
	"github.com/G-Research/slurmflow/internal/common/database"
	"github.com/G-Research/slurmflow/internal/common/health"
	"github.com/G-Research/slurmflow/internal/common/logging"
	"github.com/G-Research/slurmflow/internal/common/task"
	"github.com/G-Research/slurmflow/internal/common/util"
	"github.com/G-Research/slurmflow/internal/slurmflow/admission"
	"github.com/G-Research/slurmflow/internal/slurmflow/batch"
	"github.com/G-Research/slurmflow/internal/slurmflow/configuration"
	"github.com/G-Research/slurmflow/internal/slurmflow/metrics"
	"github.com/G-Research/slurmflow/internal/slurmflow/model"
	"github.com/G-Research/slurmflow/internal/slurmflow/policy"
	"github.com/G-Research/slurmflow/internal/slurmflow/poller"
	"github.com/G-Research/slurmflow/internal/slurmflow/repository"
	"github.com/G-Research/slurmflow/internal/slurmflow/slurm"
	"github.com/G-Research/slurmflow/internal/slurmflow/submitter"
	"github.com/G-Research/slurmflow/internal/slurmflow/substrate"
	"github.com/G-Research/slurmflow/internal/slurmflow/zombie"
)

const shutdownTimeout = 10 * time.Second

// App holds the wired components of slurmflow.
type App struct {
	Config    configuration.SlurmflowConfig
	Client    slurm.Client
	Records   repository.JobRecordRepository
	Memo      substrate.Memo
	Runs      substrate.RunStore
	Artifacts substrate.ArtifactSink
	Registry  *prometheus.Registry
	Metrics   *metrics.Metrics
	Policy    policy.Policy

	Admission *admission.Controller
	Submitter *submitter.Submitter
	Poller    *poller.Poller
	Batch     *batch.Orchestrator

	clock   util.Clock
	checker *health.MultiChecker
	closers []func()
}

// NewApp connects to the stores and scheduler named in config.
func NewApp(ctx context.Context, config configuration.SlurmflowConfig) (*App, error) {
	if err := config.Validate(); err != nil {
		commonconfig.LogValidationErrors(err)
		return nil, err
	}
	p, err := policy.Parse(config.Slurm.ResubmitPolicy)
	if err != nil {
		return nil, err
	}
	clock := &util.DefaultClock{}
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	app := &App{
		Config:    config,
		Registry:  registry,
		Metrics:   metrics.NewMetrics(registry),
		Artifacts: substrate.LogArtifactSink{},
		Policy:    p,
		clock:     clock,
		checker:   health.NewMultiChecker(),
	}

	switch config.Slurm.Client {
	case configuration.RestSlurmClient:
		app.Client = slurm.NewRestClient(config.Slurm.Rest)
	default:
		log.Warn("using the fake slurm client, no jobs will reach a cluster")
		app.Client = slurm.NewFakeClient()
	}

	switch config.Records.Store {
	case configuration.PostgresStore:
		pool, err := database.OpenPgxPool(ctx, config.Records.Postgres)
		if err != nil {
			return nil, errors.WithMessage(err, "error connecting to postgres")
		}
		app.closers = append(app.closers, pool.Close)
		tableName := config.Records.Postgres.TableName
		if tableName == "" {
			tableName = repository.DefaultTableName
		}
		records, err := repository.NewPostgresJobRecordRepository(pool, tableName)
		if err != nil {
			app.Close()
			return nil, err
		}
		if err := records.EnsureSchema(ctx); err != nil {
			app.Close()
			return nil, err
		}
		app.Records = records
		app.checker.Add(health.CheckerFunc(func() error {
			pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return errors.WithMessage(pool.Ping(pingCtx), "postgres")
		}))
	default:
		records, err := repository.NewMemoryJobRecordRepository()
		if err != nil {
			return nil, err
		}
		app.Records = records
	}

	switch config.Substrate.Store {
	case configuration.RedisStore:
		db := redis.NewUniversalClient(config.Substrate.Redis.AsUniversalOptions())
		if err := db.Ping().Err(); err != nil {
			app.Close()
			return nil, errors.Wrap(err, "error connecting to redis")
		}
		app.closers = append(app.closers, func() {
			if err := db.Close(); err != nil {
				log.WithError(err).Warn("error closing redis client")
			}
		})
		app.Memo = substrate.NewRedisMemo(db, config.Substrate.MemoTtl)
		app.Runs = substrate.NewRedisRuns(db, clock)
		app.checker.Add(health.CheckerFunc(func() error {
			return errors.WithMessage(db.Ping().Err(), "redis")
		}))
	default:
		runs, err := substrate.NewMemoryRuns(clock)
		if err != nil {
			app.Close()
			return nil, err
		}
		app.Memo = substrate.NewMemoryMemo(config.Substrate.MemoTtl)
		app.Runs = runs
	}

	app.Admission = admission.NewController(app.Client, app.Memo, admission.Config{
		IncompleteJobLimit:   config.Slurm.IncompleteJobLimit,
		Attempts:             config.Slurm.AdmissionAttempts,
		DelayBetweenAttempts: config.Slurm.AdmissionDelayBetweenAttempts,
	}, app.Metrics)
	app.Submitter = submitter.NewSubmitter(app.Client, app.Records, app.Memo, app.Artifacts, clock, submitter.Config{
		DefaultWorkingDirectory: config.Slurm.DefaultWorkdir,
		Tower:                   config.Slurm.Tower,
	}, app.Metrics)
	app.Poller = poller.NewPoller(app.Client, app.Records, clock, poller.Config{
		Interval:       config.Slurm.PollInterval,
		MaxChecks:      config.Slurm.MaxStatusChecks,
		TimeLimitSlack: config.Slurm.PollTimeLimitSlack,
		LogTailLines:   config.Slurm.JobLogTailLines,
		CancelOnAbort:  config.Slurm.CancelOnAbort,
	}, app.Metrics)
	app.Batch = batch.NewOrchestrator(app.Admission, app.Submitter, app.Poller, app.Client, app.Artifacts)
	return app, nil
}

// Sweeper returns a zombie sweeper over the app's stores using the given tolerance.
func (a *App) Sweeper(tolerance time.Duration) *zombie.Sweeper {
	return zombie.NewSweeper(a.Records, a.Runs, a.clock, tolerance, a.Metrics)
}

func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// BeginRun records inv's workflow run as RUNNING so that a zombie sweep can recover its cluster jobs if this
// process dies. A run that already exists, e.g. one the sweep rescheduled, is moved back to RUNNING.
func (a *App) BeginRun(ctx context.Context, inv substrate.Invocation, name string) error {
	err := a.Runs.CreateRun(ctx, &substrate.WorkflowRun{
		Id:        inv.RunId,
		Name:      name,
		State:     substrate.RunRunning,
		StateName: "Running",
	})
	var exists *commonerrors.ErrAlreadyExists
	if err == nil || !errors.As(err, &exists) {
		return err
	}
	log.WithField("slurmflow", "App").Infof("resuming workflow run %s", inv.RunId)
	return a.Runs.SetRunState(ctx, inv.RunId, substrate.StateChange{State: substrate.RunRunning, Name: "Running", Force: true})
}

// EndRun records the outcome of a run started with BeginRun.
func (a *App) EndRun(ctx context.Context, inv substrate.Invocation, runErr error) error {
	change := substrate.StateChange{State: substrate.RunCompleted, Name: "Completed"}
	switch {
	case runErr == nil:
	case errors.Is(runErr, context.Canceled):
		change = substrate.StateChange{State: substrate.RunCancelled, Name: "Cancelled", Message: runErr.Error()}
	default:
		change = substrate.StateChange{State: substrate.RunFailed, Name: "Failed", Message: runErr.Error()}
	}
	return a.Runs.SetRunState(ctx, inv.RunId, change)
}

// RunJob runs a single job as its own workflow run: it waits for capacity, submits req and polls the job until
// it ends. The run's final state reflects the job's outcome.
func (a *App) RunJob(ctx context.Context, inv substrate.Invocation, req model.JobRequest, p policy.Policy) (*submitter.Submission, slurm.Status, error) {
	if err := a.BeginRun(ctx, inv, req.Name); err != nil {
		return nil, slurm.Unknown, errors.WithMessagef(err, "error registering workflow run %s", inv.RunId)
	}
	sub, status, err := a.runJob(ctx, inv, req, p)

	// The caller's context may already be cancelled.
	endCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if endErr := a.EndRun(endCtx, inv, err); endErr != nil {
		logging.WithStacktrace(log.WithField("slurmflow", "App"), endErr).Warnf("could not record the end of workflow run %s", inv.RunId)
	}
	return sub, status, err
}

func (a *App) runJob(ctx context.Context, inv substrate.Invocation, req model.JobRequest, p policy.Policy) (*submitter.Submission, slurm.Status, error) {
	space, err := a.Admission.AwaitCapacity(ctx, inv)
	if err != nil {
		return nil, slurm.Unknown, err
	}
	log.WithField("slurmflow", "App").Infof("cluster has space for %d more jobs", space)
	sub, err := a.Submitter.Submit(ctx, inv, req, p)
	if err != nil {
		return nil, slurm.Unknown, err
	}
	status, err := a.Poller.Await(ctx, sub.RecordId)
	return sub, status, err
}

// StartUp runs the daemon until ctx is cancelled: a periodic zombie sweep, plus health and metrics over http.
func StartUp(ctx context.Context, config configuration.SlurmflowConfig) error {
	app, err := NewApp(ctx, config)
	if err != nil {
		return err
	}
	defer app.Close()
	return app.Serve(ctx)
}

func (a *App) Serve(ctx context.Context) error {
	sweeper := a.Sweeper(a.Config.Sweep.Tolerance)
	tasks := task.NewBackgroundTaskManager(metrics.MetricPrefix, a.Registry)
	tasks.Register(func(ctx context.Context) {
		report, err := sweeper.Sweep(ctx)
		if report != nil {
			log.WithField("slurmflow", "ZombieSweep").Infof(
				"sweep found %d candidates, crashed %d zombie runs and rescheduled %d",
				report.Candidates, len(report.Zombies), len(report.Rescheduled))
		}
		if err != nil {
			logging.WithStacktrace(log.WithField("slurmflow", "ZombieSweep"), err).Warn("sweep had errors")
		}
	}, a.Config.Sweep.Interval, "zombie_sweep")

	mux := http.NewServeMux()
	health.SetupHttpMux(mux, a.checker, a.Registry)
	server := &http.Server{Addr: fmt.Sprintf(":%d", a.Config.MetricsPort), Handler: mux}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return tasks.Run(ctx)
	})
	g.Go(func() error {
		log.Infof("serving health and metrics on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.WithStack(err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
