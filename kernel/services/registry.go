package services

import (
	"context"
	"strconv"

	"github.com/hivecore/hive/internal/events"
	"github.com/hivecore/hive/kernel/jobsystem"
	"github.com/hivecore/hive/kernel/network"
	"github.com/hivecore/hive/kernel/utils"
)

// RegistryEvent is published whenever a service is registered or
// unregistered locally.
type RegistryEvent struct {
	ServiceName  string
	Registered   bool
}

type pendingEntry struct {
	remoteNodeID string
	ch           chan callOutcome
}

// Registry is the node-local view of every service this node can call,
// local or remote: it maintains a Caller per service name, keeps remote
// peers informed of locally registered services, and correlates
// service-request/service-response message pairs by transaction id.
type Registry struct {
	selfNodeID string
	manager    *jobsystem.Manager
	endpoint   *network.Endpoint
	logger     *utils.Logger
	events     *events.Bus[RegistryEvent]

	mu      jobsystem.FiberMutex
	callers map[string]*Caller

	pendingMu jobsystem.FiberMutex
	pending   map[string]*pendingEntry

	localMu       jobsystem.FiberMutex
	localExecutors []ServiceExecutor
}

// NewRegistry creates a Registry for selfNodeID, dispatching calls through
// manager and wire messages through endpoint. It subscribes to endpoint's
// connection events and registers its message consumers.
func NewRegistry(selfNodeID string, manager *jobsystem.Manager, endpoint *network.Endpoint, logger *utils.Logger) *Registry {
	if logger == nil {
		logger = utils.DefaultLogger("services")
	}

	r := &Registry{
		selfNodeID: selfNodeID,
		manager:    manager,
		endpoint:   endpoint,
		logger:     logger,
		events:     events.NewBus[RegistryEvent](),
		callers:    make(map[string]*Caller),
		pending:    make(map[string]*pendingEntry),
	}

	endpoint.RegisterConsumer(registerServiceConsumer{r})
	endpoint.RegisterConsumer(serviceRequestConsumer{r})
	endpoint.RegisterConsumer(serviceResponseConsumer{r})

	ch, _ := endpoint.Events().Subscribe(64)
	go r.watchConnections(ch)

	return r
}

// Events returns the bus service-registered/service-unregistered signals
// are published on.
func (r *Registry) Events() *events.Bus[RegistryEvent] {
	return r.events
}

func (r *Registry) watchConnections(ch <-chan network.ConnectionEvent) {
	for ev := range ch {
		if ev.Established {
			r.pushLocalPortfolio(ev.NodeID)
		} else {
			r.rejectPending(ev.NodeID)
		}
	}
}

func (r *Registry) callerFor(name string) *Caller {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.callers[name]
	if !ok {
		c = NewCaller(name)
		r.callers[name] = c
	}
	return c
}

// Find returns the Caller for name if it has at least one callable
// executor (restricted to local executors when onlyLocal is set), wrapping
// ErrNoCallableServiceFound otherwise.
func (r *Registry) Find(name string, onlyLocal bool) (*Caller, error) {
	r.mu.Lock()
	c, ok := r.callers[name]
	r.mu.Unlock()
	if !ok || !c.IsCallable(onlyLocal) {
		return nil, utils.WrapError(utils.ErrNoCallableServiceFound, name)
	}
	return c, nil
}

// Register adds exec to its service's Caller. Local executors are
// broadcast to every connected peer as a register-remote-service message.
func (r *Registry) Register(exec ServiceExecutor) {
	r.callerFor(exec.ServiceName()).Register(exec)

	if exec.IsLocal() {
		r.localMu.Lock()
		r.localExecutors = append(r.localExecutors, exec)
		r.localMu.Unlock()

		if count, err := r.endpoint.Broadcast(context.Background(), registerMessage(exec)); err != nil {
			r.logger.Warn("broadcasting service registration had partial failures",
				utils.String("service", exec.ServiceName()), utils.Int("delivered", count), utils.Err(err))
		}
	}

	r.events.Publish(RegistryEvent{ServiceName: exec.ServiceName(), Registered: true})
}

// Unregister removes executorID from serviceName's Caller.
func (r *Registry) Unregister(serviceName, executorID string) {
	r.mu.Lock()
	c, ok := r.callers[serviceName]
	r.mu.Unlock()
	if !ok {
		return
	}
	c.Unregister(executorID)
	r.events.Publish(RegistryEvent{ServiceName: serviceName, Registered: false})
}

// Call issues req against name's Caller, retrying per policy.
func (r *Registry) Call(name string, req *ServiceRequest, policy RetryPolicy, onlyLocal bool) (*jobsystem.Future[*ServiceResponse], error) {
	caller, err := r.Find(name, onlyLocal)
	if err != nil {
		return nil, err
	}
	return caller.Call(r.manager, req, policy, onlyLocal), nil
}

func (r *Registry) pushLocalPortfolio(nodeID string) {
	r.localMu.Lock()
	executors := append([]ServiceExecutor(nil), r.localExecutors...)
	r.localMu.Unlock()

	for _, exec := range executors {
		if err := r.endpoint.Send(context.Background(), nodeID, registerMessage(exec)); err != nil {
			r.logger.Warn("failed pushing service portfolio entry", utils.String("peer", nodeID),
				utils.String("service", exec.ServiceName()), utils.Err(err))
		}
	}
}

// await registers a waiter for transactionID's eventual service-response (or
// for the connection to remoteNodeID closing first) and returns a channel
// that receives exactly one callOutcome.
func (r *Registry) await(transactionID, remoteNodeID string) <-chan callOutcome {
	ch := make(chan callOutcome, 1)
	r.pendingMu.Lock()
	r.pending[transactionID] = &pendingEntry{remoteNodeID: remoteNodeID, ch: ch}
	r.pendingMu.Unlock()
	return ch
}

func (r *Registry) resolvePending(transactionID string, outcome callOutcome) {
	r.pendingMu.Lock()
	entry, ok := r.pending[transactionID]
	if ok {
		delete(r.pending, transactionID)
	}
	r.pendingMu.Unlock()

	if ok {
		entry.ch <- outcome
	} else {
		r.logger.Debug("dropping service response with no pending call", utils.String("transaction_id", transactionID))
	}
}

func (r *Registry) rejectPending(nodeID string) {
	r.pendingMu.Lock()
	var rejected []*pendingEntry
	for txID, entry := range r.pending {
		if entry.remoteNodeID == nodeID {
			rejected = append(rejected, entry)
			delete(r.pending, txID)
		}
	}
	r.pendingMu.Unlock()

	for _, entry := range rejected {
		entry.ch <- callOutcome{err: utils.ErrServiceEndpointDisconnected}
	}
}

func registerMessage(exec ServiceExecutor) *network.Message {
	msg := network.NewMessage(msgRegisterRemoteService)
	msg.SetAttribute(attrServiceName, exec.ServiceName())
	msg.SetAttribute(attrServiceID, exec.ID())
	msg.SetAttribute(attrCapacity, strconv.Itoa(exec.Capacity()))
	return msg
}

// registerServiceConsumer handles register-remote-service messages from
// peers, constructing a RemoteExecutor bound to the sender without
// re-broadcasting.
type registerServiceConsumer struct{ r *Registry }

func (registerServiceConsumer) MessageType() string { return msgRegisterRemoteService }

func (c registerServiceConsumer) Consume(msg *network.Message, from string) {
	serviceName, _ := msg.Attribute(attrServiceName)
	executorID, _ := msg.Attribute(attrServiceID)
	capacityRaw, _ := msg.Attribute(attrCapacity)
	capacity, err := strconv.Atoi(capacityRaw)
	if err != nil {
		c.r.logger.Warn("dropping malformed service registration", utils.String("from", from), utils.Err(err))
		return
	}

	exec := newRemoteExecutor(executorID, serviceName, capacity, from, c.r.endpoint, c.r)
	c.r.callerFor(serviceName).Register(exec)
}

// serviceRequestConsumer handles service-request messages by running the
// named service against one of this node's own local executors and
// replying with a service-response.
type serviceRequestConsumer struct{ r *Registry }

func (serviceRequestConsumer) MessageType() string { return msgServiceRequest }

func (c serviceRequestConsumer) Consume(msg *network.Message, from string) {
	req := messageToRequest(msg)

	caller, err := c.r.Find(req.serviceName, true)
	if err != nil {
		c.reply(from, &ServiceResponse{TransactionID: req.transactionID, Status: Gone, StatusMessage: err.Error()})
		return
	}

	exec, ok := caller.next(true, "")
	if !ok {
		c.reply(from, &ServiceResponse{TransactionID: req.transactionID, Status: Gone, StatusMessage: "no local executor"})
		return
	}

	outcome := jobsystem.AwaitFuture(c.r.manager, exec.IssueCallAsJob(c.r.manager, req, true))
	if outcome.err != nil {
		c.reply(from, &ServiceResponse{TransactionID: req.transactionID, Status: InternalError, StatusMessage: outcome.err.Error()})
		return
	}
	c.reply(from, outcome.response)
}

func (c serviceRequestConsumer) reply(to string, resp *ServiceResponse) {
	if err := c.r.endpoint.Send(context.Background(), to, responseToMessage(resp)); err != nil {
		c.r.logger.Warn("failed sending service response", utils.String("to", to), utils.Err(err))
	}
}

// serviceResponseConsumer resolves the pending call a service-response
// correlates to, by transaction id.
type serviceResponseConsumer struct{ r *Registry }

func (serviceResponseConsumer) MessageType() string { return msgServiceResponse }

func (c serviceResponseConsumer) Consume(msg *network.Message, from string) {
	resp := messageToResponse(msg)
	c.r.resolvePending(resp.TransactionID, callOutcome{response: resp})
}
