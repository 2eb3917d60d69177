// Package policy decides whether a job identical to an earlier one should go to the scheduler again.
package policy

import (
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/G-Research/slurmflow/internal/common/commonerrors"
	"github.com/G-Research/slurmflow/internal/slurmflow/slurm"
)

type Kind int

const (
	// ResubmitIfFailed resubmits only when the previous identical job ended in a failure state.
	ResubmitIfFailed Kind = iota
	// AlwaysResubmit ignores previous jobs entirely.
	AlwaysResubmit
	// SkipIfEndedWithin reuses a previous job that ended less than Window ago, and resubmits otherwise.
	SkipIfEndedWithin
	// NeverResubmit always reuses a previous identical job, whatever its outcome.
	NeverResubmit
	// ResubmitIfOlderThan resubmits when the previous job ended at least Window ago, or failed.
	ResubmitIfOlderThan
)

// Policy is a resubmission rule. The zero value is the default policy, ResubmitIfFailed.
type Policy struct {
	Kind   Kind
	Window time.Duration
}

var (
	Default             = Policy{Kind: ResubmitIfFailed}
	Always              = Policy{Kind: AlwaysResubmit}
	Never               = Policy{Kind: NeverResubmit}
	IfOlderThanAWeek    = Policy{Kind: ResubmitIfOlderThan, Window: 7 * 24 * time.Hour}
	defaultRecentWindow = 30 * time.Minute
)

func SkipIfEndedWithinWindow(window time.Duration) Policy {
	return Policy{Kind: SkipIfEndedWithin, Window: window}
}

// ShouldResubmit reports whether a new job should be submitted, given the status of the most recent
// identical job and how long ago it ended. It has no side effects.
// A previous job that is still pending or running is reused by every policy except AlwaysResubmit,
// since resubmitting would run the same work twice concurrently.
func ShouldResubmit(p Policy, previous slurm.Status, elapsedSinceEnded time.Duration) bool {
	if p.Kind == AlwaysResubmit {
		return true
	}
	if slurm.IsRunningOrPending(previous) {
		return false
	}
	failed := slurm.IsFinishedUnsuccessfully(previous)
	switch p.Kind {
	case ResubmitIfFailed:
		return failed
	case SkipIfEndedWithin:
		return elapsedSinceEnded >= p.Window
	case NeverResubmit:
		return false
	case ResubmitIfOlderThan:
		return failed || elapsedSinceEnded >= p.Window
	default:
		panic(fmt.Sprintf("unhandled resubmit policy kind %d", p.Kind))
	}
}

func (p Policy) String() string {
	switch p.Kind {
	case ResubmitIfFailed:
		return "if-failed"
	case AlwaysResubmit:
		return "always"
	case SkipIfEndedWithin:
		return fmt.Sprintf("skip-if-ended-within:%s", p.Window)
	case NeverResubmit:
		return "never"
	case ResubmitIfOlderThan:
		return fmt.Sprintf("if-older-than:%s", p.Window)
	default:
		return fmt.Sprintf("unknown(%d)", p.Kind)
	}
}

// Description is a human readable summary, used in submission artifacts.
func (p Policy) Description() string {
	switch p.Kind {
	case ResubmitIfFailed:
		return "Resubmit if identical job previously failed"
	case AlwaysResubmit:
		return "Resubmit regardless of any previous jobs"
	case SkipIfEndedWithin:
		return fmt.Sprintf("Do not resubmit if an identical job ended within %s", p.Window)
	case NeverResubmit:
		return "Never resubmit if a previous identical job exists"
	case ResubmitIfOlderThan:
		return fmt.Sprintf("Resubmit if identical job failed or ended %s or more ago", p.Window)
	default:
		return p.String()
	}
}

// Parse reads the String form of a policy. A window may be omitted for skip-if-ended-within (30m)
// and if-older-than (one week).
func Parse(s string) (Policy, error) {
	name, window, hasWindow := strings.Cut(strings.TrimSpace(s), ":")
	var duration time.Duration
	if hasWindow {
		d, err := time.ParseDuration(window)
		if err != nil || d < 0 {
			return Policy{}, errors.WithStack(&commonerrors.ErrInvalidArgument{
				Name:    "policy",
				Value:   s,
				Message: "window must be a non-negative duration such as 30m",
			})
		}
		duration = d
	}
	switch name {
	case "", "if-failed":
		return Default, nil
	case "always":
		return Always, nil
	case "never":
		return Never, nil
	case "skip-if-ended-within":
		if !hasWindow {
			duration = defaultRecentWindow
		}
		return SkipIfEndedWithinWindow(duration), nil
	case "if-older-than":
		if !hasWindow {
			return IfOlderThanAWeek, nil
		}
		return Policy{Kind: ResubmitIfOlderThan, Window: duration}, nil
	}
	return Policy{}, errors.WithStack(&commonerrors.ErrInvalidArgument{
		Name:    "policy",
		Value:   s,
		Message: "expected one of always, if-failed, never, skip-if-ended-within[:window], if-older-than[:window]",
	})
}
