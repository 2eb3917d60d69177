package admission

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/avast/retry-go"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/G-Research/slurmflow/internal/common/logging"
	"github.com/G-Research/slurmflow/internal/slurmflow/metrics"
	"github.com/G-Research/slurmflow/internal/slurmflow/slurm"
	"github.com/G-Research/slurmflow/internal/slurmflow/substrate"
)

// CapacityExceededError is returned when the cluster stayed full for every admission attempt.
// Callers may retry at a higher level.
type CapacityExceededError struct {
	Owner    string
	Limit    int
	Attempts uint
}

func (err *CapacityExceededError) Error() string {
	return fmt.Sprintf("cluster had no space below the limit of %d incomplete jobs for %s after %d attempts", err.Limit, err.Owner, err.Attempts)
}

type Config struct {
	// Maximum number of RUNNING plus PENDING jobs an owner may have on the cluster.
	IncompleteJobLimit int
	// How many times to check for space before giving up.
	Attempts uint
	// Wait between checks.
	DelayBetweenAttempts time.Duration
}

// Controller gates new work on the cluster's current load. The gate is advisory: two invocations that check
// at the same moment can both be admitted and overshoot the limit slightly.
type Controller struct {
	client  slurm.Client
	memo    substrate.Memo
	config  Config
	metrics *metrics.Metrics
}

func NewController(client slurm.Client, memo substrate.Memo, config Config, m *metrics.Metrics) *Controller {
	return &Controller{client: client, memo: memo, config: config, metrics: m}
}

// Capacity returns how many more jobs owner may submit right now. It always asks the scheduler.
func (c *Controller) Capacity(ctx context.Context, owner string) (int, error) {
	jobs, err := c.client.ListJobs(ctx, slurm.JobFilter{User: owner, States: []slurm.Status{slurm.Running, slurm.Pending}})
	if err != nil {
		return 0, errors.Wrap(err, "error talking to slurm")
	}
	log.WithField("slurmflow", "Admission").Debugf("%s has %d running or pending jobs", owner, len(jobs))
	space := c.config.IncompleteJobLimit - len(jobs)
	if space < 0 {
		space = 0
	}
	c.metrics.RecordCapacity(owner, space)
	return space, nil
}

func delayMarkerKey(runId string) string {
	return fmt.Sprintf("cluster-delay-marker-%s", runId)
}

// AwaitCapacity blocks until the cluster has space for inv.Owner, returning the free space.
// Once an invocation has passed the gate it is not held up again: the first result is memoized under
// the invocation's run id and returned on every later call, e.g. when the workflow is retried.
func (c *Controller) AwaitCapacity(ctx context.Context, inv substrate.Invocation) (int, error) {
	logger := log.WithFields(log.Fields{"slurmflow": "Admission", "runId": inv.RunId})
	key := delayMarkerKey(inv.RunId)
	if inv.RunId != "" {
		cached, ok, err := c.memo.Load(ctx, key)
		if err != nil {
			logging.WithStacktrace(logger, err).Warn("could not read admission marker, checking cluster instead")
		} else if ok {
			space, err := strconv.Atoi(string(cached))
			if err == nil {
				logger.Debugf("already admitted with %d free slots", space)
				return space, nil
			}
		}
	}

	start := time.Now()
	attempts := c.config.Attempts
	if attempts == 0 {
		attempts = 1
	}
	var space int
	err := retry.Do(
		func() error {
			s, err := c.Capacity(ctx, inv.Owner)
			if err != nil {
				return err
			}
			if s == 0 {
				return errClusterFull
			}
			space = s
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(c.config.DelayBetweenAttempts),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			if n+1 >= attempts {
				return
			}
			if errors.Is(err, errClusterFull) {
				logger.Infof("cluster is full, waiting %s before attempt %d of %d", c.config.DelayBetweenAttempts, n+2, attempts)
			} else {
				logging.WithStacktrace(logger, err).Warnf("capacity check failed, retrying in %s", c.config.DelayBetweenAttempts)
			}
		}),
	)
	c.metrics.ObserveAdmissionWait(time.Since(start))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return 0, ctxErr
		}
		c.metrics.RecordAdmissionDenied(inv.Owner)
		return 0, errors.WithStack(&CapacityExceededError{Owner: inv.Owner, Limit: c.config.IncompleteJobLimit, Attempts: attempts})
	}

	if inv.RunId != "" {
		if err := c.memo.Store(ctx, key, []byte(strconv.Itoa(space))); err != nil {
			logging.WithStacktrace(logger, err).Warn("could not persist admission marker")
		}
	}
	logger.Infof("cluster has space for %d more jobs", space)
	return space, nil
}

var errClusterFull = errors.New("cluster is at its incomplete job limit")
