// Package substrate is the boundary to the task execution substrate: the workflow engine that runs
// our callers, memoizes their results and records their runs.
package substrate

import (
	"context"
)

// Invocation identifies the workflow run on whose behalf work is done.
type Invocation struct {
	// Id of the workflow run. Memoization of admission and submissions is scoped to it.
	RunId string
	// Scheduler account that owns the run's cluster jobs.
	Owner string
}

type invocationKey struct{}

func WithInvocation(ctx context.Context, inv Invocation) context.Context {
	return context.WithValue(ctx, invocationKey{}, inv)
}

func InvocationFrom(ctx context.Context) (Invocation, bool) {
	inv, ok := ctx.Value(invocationKey{}).(Invocation)
	return inv, ok
}
