package jobsystem

import (
	"context"
	"fmt"
)

// Context carries information relevant to the currently executing cycle and
// lets a running job talk back to the Manager that scheduled it.
type Context struct {
	cycle     uint64
	manager   *Manager
	callerCtx context.Context
}

// CycleNumber returns the number of the cycle the calling job runs in.
func (c *Context) CycleNumber() uint64 { return c.cycle }

// Manager returns the Manager driving the current cycle.
func (c *Context) Manager() *Manager { return c.manager }

// CallerContext returns a context.Context carrying this job invocation's
// caller token, for use with FiberRecursiveMutex.Lock.
func (c *Context) CallerContext() context.Context { return c.callerCtx }

// PanicError wraps a value recovered from a job workload's panic.
type PanicError struct {
	Job    string
	Reason any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("job %q panicked: %v", e.Job, e.Reason)
}
