package services

import (
	"context"
	"time"

	"github.com/sony/gobreaker"

	"github.com/hivecore/hive/kernel/jobsystem"
	"github.com/hivecore/hive/kernel/network"
)

// RemoteExecutor represents one remote node's ability to run a named
// service: calling it builds and sends a service-request message and
// waits for the correlated service-response, tracked by the owning
// Registry's pending-request table. Repeated send failures trip a circuit
// breaker so a consistently unreachable peer stops being selected by
// round-robin until it recovers.
type RemoteExecutor struct {
	id           string
	serviceName  string
	capacity     int
	remoteNodeID string

	endpoint *network.Endpoint
	pending  pendingTable

	breaker *gobreaker.CircuitBreaker
}

// pendingTable is the subset of Registry a RemoteExecutor needs: a place to
// register a callback for a transaction id and get it invoked once, either
// by a matching service-response or by the connection closing first.
type pendingTable interface {
	await(transactionID, remoteNodeID string) <-chan callOutcome
}

func newRemoteExecutor(id, serviceName string, capacity int, remoteNodeID string, endpoint *network.Endpoint, pending pendingTable) *RemoteExecutor {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "remote-service:" + id,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     5 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
	return &RemoteExecutor{
		id:           id,
		serviceName:  serviceName,
		capacity:     capacity,
		remoteNodeID: remoteNodeID,
		endpoint:     endpoint,
		pending:      pending,
		breaker:      breaker,
	}
}

func (e *RemoteExecutor) ID() string          { return e.id }
func (e *RemoteExecutor) ServiceName() string { return e.serviceName }
func (e *RemoteExecutor) IsLocal() bool       { return false }
func (e *RemoteExecutor) Capacity() int       { return e.capacity }

func (e *RemoteExecutor) IsCallable() bool {
	return e.breaker.State() != gobreaker.StateOpen && e.endpoint.HasConnectionTo(e.remoteNodeID)
}

func (e *RemoteExecutor) IssueCallAsJob(manager *jobsystem.Manager, req *ServiceRequest, async bool) *jobsystem.Future[callOutcome] {
	future := jobsystem.NewFuture[callOutcome]()

	job := jobsystem.NewJob("services.remote."+req.TransactionID(), jobsystem.PhaseMain, async,
		func(*jobsystem.Context) (jobsystem.Continuation, error) {
			future.Resolve(e.call(req))
			return jobsystem.Dispose, nil
		})
	manager.KickJob(job)

	return future
}

func (e *RemoteExecutor) call(req *ServiceRequest) callOutcome {
	outcome, breakerErr := e.breaker.Execute(func() (interface{}, error) {
		wait := e.pending.await(req.TransactionID(), e.remoteNodeID)

		msg := network.NewMessageWithID(msgServiceRequest, req.TransactionID())
		msg.SetAttribute(attrTransactionID, req.TransactionID())
		msg.SetAttribute(attrService, req.ServiceName())
		for k, v := range req.Parameters() {
			msg.SetAttribute(k, v)
		}

		if err := e.endpoint.Send(context.Background(), e.remoteNodeID, msg); err != nil {
			return callOutcome{err: err}, err
		}

		result := <-wait
		if result.err != nil {
			return result, result.err
		}
		return result, nil
	})

	if breakerErr != nil {
		if co, ok := outcome.(callOutcome); ok {
			return co
		}
		return callOutcome{err: breakerErr}
	}
	return outcome.(callOutcome)
}
