package substrate

import (
	"context"
	"time"
)

// RunState is the lifecycle state of a workflow run, as recorded by the substrate.
type RunState string

const (
	RunScheduled RunState = "SCHEDULED"
	RunPending   RunState = "PENDING"
	RunRunning   RunState = "RUNNING"
	RunCompleted RunState = "COMPLETED"
	RunFailed    RunState = "FAILED"
	RunCancelled RunState = "CANCELLED"
	RunCrashed   RunState = "CRASHED"
)

func (s RunState) IsRunning() bool {
	return s == RunRunning
}

// WorkflowRun is one invocation of a workflow. Subflows point at the run that started them.
type WorkflowRun struct {
	Id   string
	Name string
	// Id of the run that started this one, empty for a top-level run.
	ParentId string
	State    RunState
	// Display name of the state, e.g. "Crashed (Zombie)".
	StateName string
	Message   string
	// When the substrate last heard from the run.
	Updated time.Time
}

// StateChange is a transition requested of the substrate.
type StateChange struct {
	State   RunState
	Name    string
	Message string
	// Force skips the substrate's own transition rules, e.g. to crash a run it believes is running.
	Force bool
}

// Runs is the substrate's record of workflow runs.
type Runs interface {
	ReadRun(ctx context.Context, runId string) (*WorkflowRun, error)
	SetRunState(ctx context.Context, runId string, change StateChange) error
}

// RunStore is a Runs that can also record new runs.
type RunStore interface {
	Runs
	CreateRun(ctx context.Context, run *WorkflowRun) error
}

// allowedWithoutForce lists the transitions the substrate accepts from each state when not forced.
var allowedWithoutForce = map[RunState][]RunState{
	RunScheduled: {RunPending, RunRunning, RunCancelled, RunCrashed},
	RunPending:   {RunRunning, RunCancelled, RunCrashed, RunScheduled},
	RunRunning:   {RunCompleted, RunFailed, RunCancelled},
	RunCompleted: {RunScheduled},
	RunFailed:    {RunScheduled},
	RunCancelled: {RunScheduled},
	RunCrashed:   {RunScheduled},
}

func transitionAllowed(from, to RunState, force bool) bool {
	if force || from == to {
		return true
	}
	for _, s := range allowedWithoutForce[from] {
		if s == to {
			return true
		}
	}
	return false
}
