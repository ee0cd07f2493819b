package services

import (
	"sort"
	"time"

	"github.com/hivecore/hive/internal/telemetry"
	"github.com/hivecore/hive/kernel/jobsystem"
	"github.com/hivecore/hive/kernel/utils"
)

// RetryPolicy controls how a Caller reacts to a Busy or InternalError
// response, or a transport failure, before giving up on a call.
type RetryPolicy struct {
	MaxRetries      int
	RetryInterval   time.Duration
	TryNextExecutor bool
}

// RetryNone issues a call exactly once, never retrying.
var RetryNone = RetryPolicy{}

// Caller holds every executor registered for one service name and routes
// calls across them by round-robin, retrying per a RetryPolicy.
type Caller struct {
	mu          jobsystem.FiberMutex
	serviceName string
	executors   []ServiceExecutor
	index       map[string]int
	rrCursor    int
}

// NewCaller creates an empty Caller for serviceName.
func NewCaller(serviceName string) *Caller {
	return &Caller{serviceName: serviceName, index: make(map[string]int)}
}

func (c *Caller) ServiceName() string { return c.serviceName }

// Register adds exec, or replaces the existing executor with the same id.
func (c *Caller) Register(exec ServiceExecutor) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if i, ok := c.index[exec.ID()]; ok {
		c.executors[i] = exec
		return
	}
	c.index[exec.ID()] = len(c.executors)
	c.executors = append(c.executors, exec)
}

// Unregister removes the executor with the given id, if present.
func (c *Caller) Unregister(executorID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	i, ok := c.index[executorID]
	if !ok {
		return
	}
	c.executors = append(c.executors[:i], c.executors[i+1:]...)
	delete(c.index, executorID)
	for id, j := range c.index {
		if j > i {
			c.index[id] = j - 1
		}
	}
}

// IsCallable reports whether this caller has at least one callable
// executor, restricted to local executors when onlyLocal is set.
func (c *Caller) IsCallable(onlyLocal bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.candidatesLocked(onlyLocal)) > 0
}

func (c *Caller) candidatesLocked(onlyLocal bool) []ServiceExecutor {
	out := make([]ServiceExecutor, 0, len(c.executors))
	for _, e := range c.executors {
		if !e.IsCallable() {
			continue
		}
		if onlyLocal && !e.IsLocal() {
			continue
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return c.index[out[i].ID()] < c.index[out[j].ID()]
	})
	return out
}

// next selects the next callable executor in round-robin order,
// deterministically tie-broken by insertion order, skipping skipID if it is
// not the only candidate. When no executor is callable, local executors
// that are merely at capacity are still returned, so the call resolves
// Busy rather than Gone.
func (c *Caller) next(onlyLocal bool, skipID string) (ServiceExecutor, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	candidates := c.candidatesLocked(onlyLocal)
	if len(candidates) == 0 {
		for _, e := range c.executors {
			if e.IsLocal() {
				candidates = append(candidates, e)
			}
		}
	}
	if len(candidates) == 0 {
		return nil, false
	}
	if skipID != "" && len(candidates) > 1 {
		filtered := candidates[:0:0]
		for _, e := range candidates {
			if e.ID() != skipID {
				filtered = append(filtered, e)
			}
		}
		if len(filtered) > 0 {
			candidates = filtered
		}
	}

	c.rrCursor = (c.rrCursor + 1) % len(candidates)
	return candidates[c.rrCursor], true
}

// Call issues req against this caller, retrying per policy, and returns a
// future resolving with the final ServiceResponse once the call succeeds,
// exhausts its retries, or finds no callable executor.
func (c *Caller) Call(manager *jobsystem.Manager, req *ServiceRequest, policy RetryPolicy, onlyLocal bool) *jobsystem.Future[*ServiceResponse] {
	future := jobsystem.NewFuture[*ServiceResponse]()

	job := jobsystem.NewJob("services.call."+req.TransactionID(), jobsystem.PhaseMain, true,
		func(*jobsystem.Context) (jobsystem.Continuation, error) {
			future.Resolve(c.callLoop(manager, req, policy, onlyLocal))
			return jobsystem.Dispose, nil
		})
	manager.KickJob(job)

	return future
}

func (c *Caller) callLoop(manager *jobsystem.Manager, req *ServiceRequest, policy RetryPolicy, onlyLocal bool) *ServiceResponse {
	attempts := 0
	lastExecID := ""

	for {
		skip := ""
		if policy.TryNextExecutor {
			skip = lastExecID
		}
		exec, ok := c.next(onlyLocal, skip)
		if !ok {
			telemetry.ServiceCallsTotal.WithLabelValues(c.serviceName, Gone.String()).Inc()
			return &ServiceResponse{
				TransactionID:      req.TransactionID(),
				Status:             Gone,
				StatusMessage:      "no callable executor for " + c.serviceName,
				ResolutionAttempts: attempts,
			}
		}

		if !req.markProcessing() {
			req = req.Duplicate()
			req.markProcessing()
		}
		attempts++
		outcome := jobsystem.AwaitFuture(manager, exec.IssueCallAsJob(manager, req, true))
		req.clearProcessing()

		if outcome.err != nil {
			if policy.TryNextExecutor && attempts <= policy.MaxRetries {
				lastExecID = exec.ID()
				waitBeforeRetry(manager, policy.RetryInterval)
				req = req.Duplicate()
				continue
			}
			telemetry.ServiceCallsTotal.WithLabelValues(c.serviceName, InternalError.String()).Inc()
			return &ServiceResponse{
				TransactionID:      req.TransactionID(),
				Status:             InternalError,
				StatusMessage:      utils.WrapError(utils.ErrCallFailed, outcome.err.Error()).Error(),
				ResolutionAttempts: attempts,
			}
		}

		resp := outcome.response
		resp.ResolutionAttempts = attempts
		if (resp.Status == Busy || resp.Status == InternalError) && attempts <= policy.MaxRetries {
			lastExecID = exec.ID()
			waitBeforeRetry(manager, policy.RetryInterval)
			req = req.Duplicate()
			continue
		}
		telemetry.ServiceCallsTotal.WithLabelValues(c.serviceName, resp.Status.String()).Inc()
		return resp
	}
}

func waitBeforeRetry(manager *jobsystem.Manager, interval time.Duration) {
	if interval > 0 {
		manager.WaitForDuration(interval)
	}
}
