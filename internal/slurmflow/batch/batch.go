// Package batch runs a set of jobs under a single admission and waits for all of them in parallel.
package batch

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/G-Research/slurmflow/internal/common/logging"
	"github.com/G-Research/slurmflow/internal/common/util"
	"github.com/G-Research/slurmflow/internal/slurmflow/admission"
	"github.com/G-Research/slurmflow/internal/slurmflow/model"
	"github.com/G-Research/slurmflow/internal/slurmflow/policy"
	"github.com/G-Research/slurmflow/internal/slurmflow/poller"
	"github.com/G-Research/slurmflow/internal/slurmflow/slurm"
	"github.com/G-Research/slurmflow/internal/slurmflow/submitter"
	"github.com/G-Research/slurmflow/internal/slurmflow/substrate"
)

const (
	resultsArtifactKey = "slurm-batch-results"
	cancelTimeout      = 30 * time.Second
)

type Options struct {
	Policy policy.Policy
	// Stop waiting as soon as any job fails. Jobs already on the cluster are left to finish.
	FailFast bool
}

// Result is one row of the batch's outcome table.
type Result struct {
	Name     string
	Command  string
	JobId    slurm.JobId
	RecordId uuid.UUID
	Status   slurm.Status
	// Whether Status is final. False for rows abandoned by a fail-fast abort.
	Terminal bool
	Error    string
}

type Orchestrator struct {
	admission *admission.Controller
	submitter *submitter.Submitter
	// Never cancels on abort, so that a fail-fast abort leaves the other jobs running.
	poller        *poller.Poller
	cancelOnAbort bool
	client        slurm.Client
	artifacts     substrate.ArtifactSink
}

func NewOrchestrator(
	admission *admission.Controller,
	submitter *submitter.Submitter,
	p *poller.Poller,
	client slurm.Client,
	artifacts substrate.ArtifactSink,
) *Orchestrator {
	return &Orchestrator{
		admission:     admission,
		submitter:     submitter,
		poller:        p.WithoutCancelOnAbort(),
		cancelOnAbort: p.CancelsOnAbort(),
		client:        client,
		artifacts:     artifacts,
	}
}

// Run submits reqs once the cluster has space for them and waits until every job ends.
//
// With FailFast the first failed job aborts the wait and its *poller.ClusterJobFailedError is returned along with the
// partial table. Otherwise every row is filled in and job failures are only reported in the table; submission and
// polling errors are aggregated into the returned error.
func (o *Orchestrator) Run(ctx context.Context, inv substrate.Invocation, reqs []model.JobRequest, opts Options) ([]Result, error) {
	logger := log.WithFields(log.Fields{"slurmflow": "Batch", "runId": inv.RunId})
	results := make([]Result, len(reqs))
	for i, req := range reqs {
		results[i] = Result{Name: req.Name, Command: req.Command, Status: slurm.Pending}
	}

	if _, err := o.admission.AwaitCapacity(ctx, inv); err != nil {
		return results, err
	}

	var errs *multierror.Error
	var submitted []int
	for i, req := range reqs {
		sub, err := o.submitter.Submit(ctx, inv, req, opts.Policy)
		if err != nil {
			results[i].Status = slurm.Failed
			results[i].Terminal = true
			results[i].Error = err.Error()
			if opts.FailFast {
				return results, err
			}
			logging.WithStacktrace(logger, err).Warnf("could not submit %s", req.Name)
			errs = multierror.Append(errs, errors.WithMessagef(err, "submitting %s", req.Name))
			continue
		}
		results[i].JobId = sub.JobId
		results[i].RecordId = sub.RecordId
		submitted = append(submitted, i)
	}
	logger.Infof("submitted %d of %d jobs", len(submitted), len(reqs))

	var g *errgroup.Group
	pollCtx := ctx
	if opts.FailFast {
		g, pollCtx = errgroup.WithContext(ctx)
	} else {
		g = &errgroup.Group{}
	}
	var mu sync.Mutex
	for _, i := range submitted {
		i := i
		g.Go(func() error {
			status, err := o.poller.Await(pollCtx, results[i].RecordId)
			results[i].Status = status
			results[i].Terminal = slurm.IsTerminal(status)
			if err == nil {
				return nil
			}
			results[i].Error = err.Error()
			var failed *poller.ClusterJobFailedError
			if errors.As(err, &failed) {
				logger.Warnf("job %s failed with %s", results[i].Name, failed.Status)
				if opts.FailFast {
					return err
				}
				return nil
			}
			if opts.FailFast {
				return err
			}
			mu.Lock()
			errs = multierror.Append(errs, errors.WithMessagef(err, "waiting for %s", results[i].Name))
			mu.Unlock()
			return nil
		})
	}
	err := g.Wait()

	if ctx.Err() != nil && o.cancelOnAbort {
		o.cancelUnfinished(inv, results, logger)
	}
	if artifactErr := o.artifacts.CreateMarkdownArtifact(substrate.WithInvocation(ctx, inv), resultsArtifactKey, FormatResults(results)); artifactErr != nil {
		logging.WithStacktrace(logger, artifactErr).Warn("could not record batch results")
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return results, ctxErr
	}
	if err != nil {
		// Rows abandoned by a fail-fast abort keep the status last seen.
		return results, err
	}
	return results, errs.ErrorOrNil()
}

func (o *Orchestrator) cancelUnfinished(inv substrate.Invocation, results []Result, logger *log.Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), cancelTimeout)
	defer cancel()
	for _, r := range results {
		if r.Terminal || r.JobId == 0 {
			continue
		}
		if _, err := submitter.CancelByName(ctx, o.client, inv.Owner, r.Name); err != nil {
			logging.WithStacktrace(logger, err).Warnf("could not cancel %s", r.Name)
		}
	}
}

// FormatResults renders results as a tab-aligned markdown code block.
func FormatResults(results []Result) string {
	table := util.NewTabbedStringBuilder(1, 1, 2, ' ', 0)
	table.Writef("NAME\tJOB\tSTATUS\tFINAL\tCOMMAND\tERROR\n")
	for _, r := range results {
		jobId := "-"
		if r.JobId != 0 {
			jobId = fmt.Sprintf("%d", r.JobId)
		}
		table.Writef("%s\t%s\t%s\t%t\t%s\t%s\n", r.Name, jobId, r.Status, r.Terminal, oneLine(r.Command), oneLine(r.Error))
	}
	return "# Slurm batch results\n\n~~~\n" + table.String() + "~~~\n"
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Succeeded reports whether every row ended successfully.
func Succeeded(results []Result) bool {
	for _, r := range results {
		if !slurm.IsFinishedSuccessfully(r.Status) {
			return false
		}
	}
	return true
}
