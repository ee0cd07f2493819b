// Package jobsystem implements a cooperative, phase-based job scheduler.
// Work is submitted as Jobs, grouped by execution phase (Init, Main,
// Clean-up) and run to completion cycle by cycle. Unlike a plain worker
// pool, a cycle only advances to its next phase once every synchronous job
// of the current phase has finished, giving callers an init-before-use
// guarantee across jobs running in the same cycle.
package jobsystem

import (
	"sync"
)

// Phase identifies which part of the execution cycle a Job runs in.
type Phase int

const (
	// PhaseInit runs first; use it to prepare resources before they are
	// used elsewhere in the same cycle.
	PhaseInit Phase = iota
	// PhaseMain is where the bulk of a cycle's work happens.
	PhaseMain
	// PhaseCleanUp runs last, after all PhaseMain jobs have completed.
	PhaseCleanUp
)

func (p Phase) String() string {
	switch p {
	case PhaseInit:
		return "init"
	case PhaseMain:
		return "main"
	case PhaseCleanUp:
		return "cleanup"
	default:
		return "unknown"
	}
}

// State tracks a Job's progress through the scheduler.
type State int

const (
	// StateDetached means the job is not currently managed by the
	// scheduler, either because it has never been kicked or because
	// DetachJob removed it from its queue. A job that finished keeps
	// StateExecutionFinished or StateFailed.
	StateDetached State = iota
	// StateQueued means the job is waiting in a phase queue for the
	// current cycle.
	StateQueued
	// StateReservedForNextCycle means the job was queued but could not run
	// in the current cycle and was deferred.
	StateReservedForNextCycle
	// StateAwaitingExecution means a worker has popped the job and is
	// about to run it.
	StateAwaitingExecution
	// StateInExecution means the job's workload is currently running.
	StateInExecution
	// StateExecutionFinished means the workload returned without error.
	StateExecutionFinished
	// StateFailed means the workload panicked or returned an error.
	StateFailed
)

// Continuation decides what happens to a Job once its workload returns.
type Continuation int

const (
	// Dispose detaches the job; it will not run again unless kicked
	// manually.
	Dispose Continuation = iota
	// Requeue schedules the job again for the next cycle. Useful for
	// periodic jobs.
	Requeue
)

// Workload is the function executed by a Job. It receives the Context of
// the cycle it runs in and returns the Continuation to apply afterwards.
type Workload func(ctx *Context) (Continuation, error)

// Job is the unit of work scheduled by a Manager.
type Job struct {
	id    string
	phase Phase
	async bool
	work  Workload
	ready func() bool

	mu      sync.Mutex
	state   State
	counter *Counter
}

// NewJob creates a Job with the given id and workload, to be run in the
// given phase. Synchronous jobs (async=false) block their cycle until they
// finish; asynchronous jobs may finish at any point in the future.
func NewJob(id string, phase Phase, async bool, work Workload) *Job {
	return &Job{id: id, phase: phase, async: async, work: work, state: StateDetached}
}

// readyForExecution reports whether this job may be dispatched in the
// current scheduling window. Jobs are ready by default; TimerJob overrides
// this by installing a ready function.
func (j *Job) readyForExecution() bool {
	if j.ready == nil {
		return true
	}
	return j.ready()
}

// ID returns this job's unique identifier.
func (j *Job) ID() string { return j.id }

// Phase returns the phase this job runs in.
func (j *Job) Phase() Phase { return j.phase }

// IsAsync reports whether the job runs detached from its cycle: the cycle
// does not wait for an async job to finish.
func (j *Job) IsAsync() bool { return j.async }

// State returns the job's current state.
func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

func (j *Job) setState(s State) {
	j.mu.Lock()
	j.state = s
	j.mu.Unlock()
}

// attach registers a counter that tracks this job's completion; it is
// incremented now and decremented once the job finishes.
func (j *Job) attach(counter *Counter) {
	counter.Increase()
	j.mu.Lock()
	j.counter = counter
	j.mu.Unlock()
}

// run executes the workload, adjusting state and notifying its counter.
// It never lets a panic escape; a panicking workload is reported as
// StateFailed.
func (j *Job) run(ctx *Context) (continuation Continuation, err error) {
	j.setState(StateInExecution)
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Job: j.id, Reason: r}
		}
		if err != nil {
			j.setState(StateFailed)
		} else {
			j.setState(StateExecutionFinished)
		}
		j.mu.Lock()
		counter := j.counter
		j.counter = nil
		j.mu.Unlock()
		if counter != nil {
			counter.Decrease()
		}
	}()

	continuation, err = j.work(ctx)
	return continuation, err
}
