package jobsystem

import "time"

// TimerJob wraps a Job so it refuses scheduling until an interval has
// elapsed since it first became eligible, turning an ordinary Requeue-loop
// into a periodic job without the Manager needing any special casing.
type TimerJob struct {
	*Job
	interval time.Duration
	armedAt  time.Time
}

// NewTimerJob creates a Job that only runs once every interval, starting
// from the moment it is first offered to a cycle.
func NewTimerJob(id string, phase Phase, interval time.Duration, work Workload) *TimerJob {
	t := &TimerJob{interval: interval}
	t.Job = NewJob(id, phase, false, func(ctx *Context) (Continuation, error) {
		t.armedAt = time.Time{}
		return work(ctx)
	})
	t.Job.ready = t.readyForExecution
	return t
}

// readyForExecution reports whether enough time has elapsed since this
// timer job was first considered for the current scheduling window. The
// Manager calls this before moving a job from Queued to AwaitingExecution;
// if it returns false the job is reserved for the next cycle instead.
func (t *TimerJob) readyForExecution() bool {
	if t.armedAt.IsZero() {
		t.armedAt = time.Now()
		return t.interval <= 0
	}
	return time.Since(t.armedAt) >= t.interval
}
