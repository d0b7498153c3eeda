package model

// TargetState is the lifecycle state of a single addon target within an
// archive job.
//
// Normal progression is pending -> checking -> sending -> sent -> success.
// Any non-terminal state may jump directly to one of the terminal failure
// states. A terminal state never changes again.
type TargetState string

const (
	TargetPending  TargetState = "pending"
	TargetChecking TargetState = "checking"
	TargetSending  TargetState = "sending"
	TargetSent     TargetState = "sent"
	TargetSuccess  TargetState = "success"

	TargetFailure       TargetState = "failure"
	TargetSizeExceeded  TargetState = "size_exceeded"
	TargetNetworkError  TargetState = "network_error"
	TargetUncaughtError TargetState = "uncaught_error"
)

type targetStateSpec struct {
	isTerminal bool
	isFailure  bool
	rank       int
}

var targetStates = map[TargetState]targetStateSpec{
	TargetPending:  {rank: 0},
	TargetChecking: {rank: 1},
	TargetSending:  {rank: 2},
	TargetSent:     {rank: 3},
	TargetSuccess:  {rank: 4, isTerminal: true},

	TargetFailure:       {isTerminal: true, isFailure: true},
	TargetSizeExceeded:  {isTerminal: true, isFailure: true},
	TargetNetworkError:  {isTerminal: true, isFailure: true},
	TargetUncaughtError: {isTerminal: true, isFailure: true},
}

// Valid reports whether the state is a known one.
func (s TargetState) Valid() bool {
	_, ok := targetStates[s]
	return ok
}

// Terminal reports whether the state can never change again.
func (s TargetState) Terminal() bool {
	return targetStates[s].isTerminal
}

// Failed reports whether the state is a terminal failure.
func (s TargetState) Failed() bool {
	return targetStates[s].isFailure
}

// CanTransition reports whether a target may move from one state to another.
// Re-applying the current state is always allowed so that updates stay
// idempotent.
func CanTransition(from, to TargetState) bool {
	fromSpec, ok := targetStates[from]
	if !ok {
		return false
	}
	toSpec, ok := targetStates[to]
	if !ok {
		return false
	}
	if from == to {
		return true
	}
	if fromSpec.isTerminal {
		return false
	}
	if toSpec.isFailure {
		return true
	}
	return toSpec.rank == fromSpec.rank+1
}

// JobState is the job-level status derived from the states of a job's
// targets. It is computed on read and never stored.
type JobState string

const (
	JobInProgress JobState = "in_progress"
	JobSucceeded  JobState = "succeeded"
	JobFailed     JobState = "failed"
)

// OverallState derives the job status from its targets: failed as soon as any
// target failed terminally, succeeded once every target is settled, in
// progress otherwise. A target is settled when it reached success or when it
// was skipped for having nothing to copy.
func OverallState(targets []Target) JobState {
	settled := true
	for _, target := range targets {
		if target.State.Failed() {
			return JobFailed
		}
		settled = settled && target.Settled()
	}
	if settled {
		return JobSucceeded
	}
	return JobInProgress
}
