package services

import (
	"sync"

	"github.com/hivecore/hive/kernel/jobsystem"
)

// Handler implements a local service: it consumes a request's parameters
// and produces result values, or an error if it cannot.
type Handler func(parameters map[string]string) (results map[string]string, err error)

// callOutcome is what IssueCallAsJob resolves its future with: either a
// ServiceResponse describing how the call concluded, or a transport-level
// error (the connection carrying the call was lost or could not be used).
type callOutcome struct {
	response *ServiceResponse
	err      error
}

// ServiceExecutor is one concrete way to run a named service: locally, or
// by forwarding the call to a remote node.
type ServiceExecutor interface {
	ID() string
	ServiceName() string
	IsCallable() bool
	IsLocal() bool
	Capacity() int
	IssueCallAsJob(manager *jobsystem.Manager, req *ServiceRequest, async bool) *jobsystem.Future[callOutcome]
}

// LocalExecutor runs a service's Handler directly, in-process, subject to a
// concurrency limit.
type LocalExecutor struct {
	id          string
	serviceName string
	capacity    int
	handler     Handler

	mu       sync.Mutex
	inFlight int
}

// NewLocalExecutor creates a LocalExecutor running handler for serviceName,
// allowing up to capacity concurrent calls.
func NewLocalExecutor(id, serviceName string, capacity int, handler Handler) *LocalExecutor {
	return &LocalExecutor{id: id, serviceName: serviceName, capacity: capacity, handler: handler}
}

func (e *LocalExecutor) ID() string          { return e.id }
func (e *LocalExecutor) ServiceName() string { return e.serviceName }
func (e *LocalExecutor) IsLocal() bool       { return true }
func (e *LocalExecutor) Capacity() int       { return e.capacity }

func (e *LocalExecutor) IsCallable() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inFlight < e.capacity
}

// IssueCallAsJob schedules req to run through handler. If the executor is
// already at capacity, it resolves immediately with Busy without ever
// scheduling a job: the executor never queues, leaving back-pressure to the
// caller's retry policy.
func (e *LocalExecutor) IssueCallAsJob(manager *jobsystem.Manager, req *ServiceRequest, async bool) *jobsystem.Future[callOutcome] {
	future := jobsystem.NewFuture[callOutcome]()

	e.mu.Lock()
	if e.inFlight >= e.capacity {
		e.mu.Unlock()
		future.Resolve(callOutcome{response: &ServiceResponse{
			TransactionID: req.TransactionID(),
			Status:        Busy,
			StatusMessage: "executor at capacity",
		}})
		return future
	}
	e.inFlight++
	e.mu.Unlock()

	job := jobsystem.NewJob("services.local."+req.TransactionID(), jobsystem.PhaseMain, async,
		func(*jobsystem.Context) (jobsystem.Continuation, error) {
			defer func() {
				e.mu.Lock()
				e.inFlight--
				e.mu.Unlock()
			}()
			future.Resolve(callOutcome{response: e.run(req)})
			return jobsystem.Dispose, nil
		})
	manager.KickJob(job)

	return future
}

func (e *LocalExecutor) run(req *ServiceRequest) *ServiceResponse {
	results, err := e.handler(req.Parameters())
	if err != nil {
		status := InternalError
		if _, ok := err.(*BadParameterError); ok {
			status = ParameterError
		}
		return &ServiceResponse{TransactionID: req.TransactionID(), Status: status, StatusMessage: err.Error()}
	}
	return &ServiceResponse{TransactionID: req.TransactionID(), Status: Ok, Results: results}
}

// BadParameterError is returned by a Handler to indicate a request
// parameter was missing or malformed, mapped to ServiceResponse status
// ParameterError rather than InternalError.
type BadParameterError struct {
	Reason string
}

func (e *BadParameterError) Error() string { return e.Reason }
