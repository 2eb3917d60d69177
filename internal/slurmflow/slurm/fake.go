package slurm

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/G-Research/slurmflow/internal/common/commonerrors"
)

type fakeJob struct {
	info       JobInfo
	submission JobSubmission
	// Remaining scripted states. The last one sticks.
	states []Status
}

// FakeClient is a deterministic in-memory scheduler. Job ids start at 1 and increase by one per submission.
// Each submitted job walks through a scripted sequence of states, one per Query call, and then stays in the last one.
// It is safe for concurrent use.
type FakeClient struct {
	mu     sync.Mutex
	nextId JobId
	jobs   map[JobId]*fakeJob
	order  []JobId

	// States each new job walks through, unless overridden by ScriptStates.
	DefaultStates []Status
	byName        map[string][]Status

	// Errors to return from the next calls, consumed one per call.
	SubmitErrors []error
	QueryErrors  []error
	ListErrors   []error

	SubmitCalls int
	QueryCalls  int
	ListCalls   int
	CancelCalls int
}

func NewFakeClient() *FakeClient {
	return &FakeClient{
		nextId:        1,
		jobs:          map[JobId]*fakeJob{},
		byName:        map[string][]Status{},
		DefaultStates: []Status{Completed},
	}
}

// ScriptStates sets the states that the next job submitted with the given name will walk through.
func (c *FakeClient) ScriptStates(name string, states ...Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byName[name] = states
}

// SetState forces the current state of an already-submitted job.
func (c *FakeClient) SetState(jobId JobId, state Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if job, ok := c.jobs[jobId]; ok {
		job.info.State = string(state)
		job.states = nil
	}
}

// AddExternalJob registers a job that was not submitted through this client, e.g. to simulate load on the cluster.
func (c *FakeClient) AddExternalJob(user, name string, state Status) JobId {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.allocateId()
	c.jobs[id] = &fakeJob{info: JobInfo{JobId: id, Name: name, User: user, State: string(state)}}
	c.order = append(c.order, id)
	return id
}

// Submissions returns a copy of everything submitted so far, in submission order.
func (c *FakeClient) Submissions() []JobSubmission {
	c.mu.Lock()
	defer c.mu.Unlock()
	var result []JobSubmission
	for _, id := range c.order {
		if job := c.jobs[id]; job.submission.Script != "" {
			result = append(result, job.submission)
		}
	}
	return result
}

func (c *FakeClient) Submit(_ context.Context, submission *JobSubmission) (JobId, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.SubmitCalls++
	if err := popError(&c.SubmitErrors); err != nil {
		return 0, err
	}
	states, ok := c.byName[submission.Name]
	if ok {
		delete(c.byName, submission.Name)
	} else {
		states = c.DefaultStates
	}
	id := c.allocateId()
	copied := *submission
	c.jobs[id] = &fakeJob{
		info: JobInfo{
			JobId:            id,
			Name:             submission.Name,
			User:             submission.User,
			State:            string(Pending),
			WorkingDirectory: submission.WorkingDirectory,
			StdOut:           defaultStdOut(submission.WorkingDirectory, id),
		},
		submission: copied,
		states:     append([]Status(nil), states...),
	}
	c.order = append(c.order, id)
	log.WithField("slurm", "FakeClient").Debugf("Submitted job %s as %d", submission.Name, id)
	return id, nil
}

func (c *FakeClient) Query(_ context.Context, jobId JobId) (*JobInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.QueryCalls++
	if err := popError(&c.QueryErrors); err != nil {
		return nil, err
	}
	job, ok := c.jobs[jobId]
	if !ok {
		return nil, errors.WithStack(&commonerrors.ErrNotFound{Type: "slurm job", Value: fmt.Sprintf("%d", jobId)})
	}
	if len(job.states) > 0 {
		job.info.State = string(job.states[0])
		job.states = job.states[1:]
	}
	info := job.info
	return &info, nil
}

func (c *FakeClient) ListJobs(_ context.Context, filter JobFilter) ([]JobInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ListCalls++
	if err := popError(&c.ListErrors); err != nil {
		return nil, err
	}
	var result []JobInfo
	for _, id := range c.order {
		if info := c.jobs[id].info; filter.Matches(info) {
			result = append(result, info)
		}
	}
	return result, nil
}

func (c *FakeClient) Cancel(_ context.Context, jobId JobId) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CancelCalls++
	job, ok := c.jobs[jobId]
	if !ok {
		return errors.WithStack(&commonerrors.ErrNotFound{Type: "slurm job", Value: fmt.Sprintf("%d", jobId)})
	}
	job.info.State = string(Cancelled)
	job.states = nil
	return nil
}

func (c *FakeClient) allocateId() JobId {
	id := c.nextId
	c.nextId++
	return id
}

// defaultStdOut is where sbatch writes output when no --output is given.
func defaultStdOut(workingDirectory string, id JobId) string {
	if workingDirectory == "" {
		return ""
	}
	return filepath.Join(workingDirectory, fmt.Sprintf("slurm-%d.out", id))
}

func popError(errs *[]error) error {
	if len(*errs) == 0 {
		return nil
	}
	err := (*errs)[0]
	*errs = (*errs)[1:]
	return err
}
