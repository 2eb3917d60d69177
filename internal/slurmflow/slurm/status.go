package slurm

import "strings"

// Status is a job state as reported by Slurm (v23), plus UNKNOWN for states we could not determine.
type Status string

const (
	Pending     Status = "PENDING"
	Running     Status = "RUNNING"
	Completing  Status = "COMPLETING"
	Completed   Status = "COMPLETED"
	Failed      Status = "FAILED"
	Terminated  Status = "TERMINATED"
	Suspended   Status = "SUSPENDED"
	Stopped     Status = "STOPPED"
	Timeout     Status = "TIMEOUT"
	Cancelled   Status = "CANCELLED"
	OutOfMemory Status = "OUT_OF_MEMORY"

	// Unknown is used whenever the scheduler could not be asked, or answered with something unrecognised.
	Unknown Status = "UNKNOWN"
)

// Classification partitions Statuses by what a caller waiting on the job should do next.
type Classification int

const (
	NonTerminal Classification = iota
	Success
	Failure
	Undetermined
)

func (c Classification) String() string {
	switch c {
	case NonTerminal:
		return "non_terminal"
	case Success:
		return "success"
	case Failure:
		return "failure"
	default:
		return "unknown"
	}
}

var classifications = map[Status]Classification{
	Pending:     NonTerminal,
	Running:     NonTerminal,
	Completing:  NonTerminal,
	Completed:   Success,
	Failed:      Failure,
	Terminated:  Failure,
	Suspended:   Failure,
	Stopped:     Failure,
	Timeout:     Failure,
	Cancelled:   Failure,
	OutOfMemory: Failure,
	Unknown:     Undetermined,
}

// ParseStatus normalises a raw scheduler state. Slurm decorates some states, e.g. "CANCELLED by 1234",
// so only the leading word is considered. Anything unrecognised is Unknown.
func ParseStatus(raw string) Status {
	fields := strings.Fields(strings.ToUpper(strings.TrimSpace(raw)))
	if len(fields) == 0 {
		return Unknown
	}
	s := Status(strings.TrimSuffix(fields[0], "+"))
	if _, ok := classifications[s]; !ok {
		return Unknown
	}
	return s
}

// Classify maps any scheduler-reported string to a Classification.
// An unparseable status is Undetermined, which callers must treat as non-terminal.
func Classify(raw string) Classification {
	return classifications[ParseStatus(raw)]
}

func (s Status) Classification() Classification {
	return Classify(string(s))
}

func IsFinishedSuccessfully(s Status) bool {
	return s.Classification() == Success
}

func IsFinishedUnsuccessfully(s Status) bool {
	return s.Classification() == Failure
}

// IsRunningOrPending is true for every state that may still change, including Unknown.
func IsRunningOrPending(s Status) bool {
	c := s.Classification()
	return c == NonTerminal || c == Undetermined
}

func IsTerminal(s Status) bool {
	return !IsRunningOrPending(s)
}
