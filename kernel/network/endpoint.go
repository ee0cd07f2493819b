package network

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/hivecore/hive/internal/events"
	"github.com/hivecore/hive/internal/memory"
	"github.com/hivecore/hive/internal/telemetry"
	"github.com/hivecore/hive/kernel/jobsystem"
	"github.com/hivecore/hive/kernel/utils"
)

// Consumer handles messages of a single type delivered by an Endpoint.
type Consumer interface {
	MessageType() string
	Consume(msg *Message, from string)
}

// ConnectionEvent is published on an Endpoint's event bus whenever a
// connection is established or closed.
type ConnectionEvent struct {
	NodeID      string
	Info        ConnectionInfo
	Established bool
}

type connEntry struct {
	info     ConnectionInfo
	conn     Conn
	sendMu   sync.Mutex
	lastSeen time.Time
}

// ConnectionMap is the data an Endpoint exclusively owns: its live
// connections keyed by remote node id.
type ConnectionMap struct {
	mu   sync.RWMutex
	byID map[string]*connEntry
}

func newConnectionMap() *ConnectionMap {
	return &ConnectionMap{byID: make(map[string]*connEntry)}
}

// Config configures an Endpoint.
type Config struct {
	HandshakeTimeout time.Duration
	CleanupInterval  time.Duration
	// IdleTimeout is how long a connection may go without a received frame
	// before it is considered dead and pruned. Once a connection has been
	// idle for half of IdleTimeout, the clean-up job sends it a liveness
	// probe to try to provoke a reply before giving up on it entirely.
	IdleTimeout time.Duration
	Logger      *utils.Logger
}

// Endpoint is a local, addressable participant in the message-oriented
// network: it owns a set of connections to other endpoints, dispatches
// inbound messages to registered Consumers through the job scheduler (never
// on the connection's own read goroutine), and lets callers send to or
// broadcast across those connections.
type Endpoint struct {
	selfID    string
	transport Transport
	manager   *jobsystem.Manager
	logger    *utils.Logger

	connections *memory.Owner[ConnectionMap]

	consumersMu sync.RWMutex
	consumers   map[string]Consumer

	events *events.Bus[ConnectionEvent]

	handshakeTimeout time.Duration
	cleanupInterval  time.Duration
	idleTimeout      time.Duration
}

// NewEndpoint creates an Endpoint identified as selfID, communicating over
// transport and scheduling consumer dispatch through manager.
func NewEndpoint(selfID string, transport Transport, manager *jobsystem.Manager, cfg Config) *Endpoint {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 5 * time.Second
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = utils.DefaultLogger("network")
	}

	return &Endpoint{
		selfID:           selfID,
		transport:        transport,
		manager:          manager,
		logger:           cfg.Logger,
		connections:      memory.NewOwner(*newConnectionMap()),
		consumers:        make(map[string]Consumer),
		events:           events.NewBus[ConnectionEvent](),
		handshakeTimeout: cfg.HandshakeTimeout,
		cleanupInterval:  cfg.CleanupInterval,
		idleTimeout:      cfg.IdleTimeout,
	}
}

// RegisterConsumer registers c to receive every message whose type matches
// c.MessageType(). Registering a second consumer for the same type replaces
// the first.
func (e *Endpoint) RegisterConsumer(c Consumer) {
	e.consumersMu.Lock()
	defer e.consumersMu.Unlock()
	e.consumers[c.MessageType()] = c
}

// Events returns the bus connection-established/connection-closed signals
// are published on.
func (e *Endpoint) Events() *events.Bus[ConnectionEvent] {
	return e.events
}

// Startup begins accepting inbound connections and schedules the
// connection clean-up timer job.
func (e *Endpoint) Startup(ctx context.Context) error {
	if err := e.transport.Listen(ctx, e.handleInboundConnection); err != nil {
		return utils.WrapError(err, "start listening")
	}

	cleanup := jobsystem.NewTimerJob("network.cleanup", jobsystem.PhaseCleanUp, e.cleanupInterval,
		func(*jobsystem.Context) (jobsystem.Continuation, error) {
			e.pruneDeadConnections()
			return jobsystem.Requeue, nil
		})
	e.manager.KickJob(cleanup.Job)

	return nil
}

// Shutdown closes every connection and the underlying transport.
func (e *Endpoint) Shutdown() error {
	conns := e.connections.Get()
	conns.mu.Lock()
	for id, entry := range conns.byID {
		entry.conn.Close()
		delete(conns.byID, id)
	}
	conns.mu.Unlock()

	return e.transport.Close()
}

// EstablishConnectionTo dials addr, completing the transport-level
// handshake within the endpoint's handshake timeout, and registers the
// resulting connection.
func (e *Endpoint) EstablishConnectionTo(ctx context.Context, addr string) (ConnectionInfo, error) {
	dialCtx, cancel := context.WithTimeout(ctx, e.handshakeTimeout)
	defer cancel()

	conn, err := e.transport.Dial(dialCtx, addr)
	if err != nil {
		return ConnectionInfo{}, err
	}

	info := e.registerConnection(conn)
	go e.readLoop(conn)
	return info, nil
}

// CloseConnectionTo closes and forgets the connection to nodeID, if any.
func (e *Endpoint) CloseConnectionTo(nodeID string) {
	conns := e.connections.Get()
	conns.mu.Lock()
	entry, ok := conns.byID[nodeID]
	if ok {
		delete(conns.byID, nodeID)
	}
	count := len(conns.byID)
	conns.mu.Unlock()

	if ok {
		telemetry.ConnectionsActive.Set(float64(count))
		entry.conn.Close()
		e.events.Publish(ConnectionEvent{NodeID: nodeID, Info: entry.info, Established: false})
	}
}

// HasConnectionTo reports whether there is a live connection to nodeID.
func (e *Endpoint) HasConnectionTo(nodeID string) bool {
	conns := e.connections.Get()
	conns.mu.RLock()
	defer conns.mu.RUnlock()
	_, ok := conns.byID[nodeID]
	return ok
}

// ActiveConnectionCount returns the number of live connections.
func (e *Endpoint) ActiveConnectionCount() int {
	conns := e.connections.Get()
	conns.mu.RLock()
	defer conns.mu.RUnlock()
	return len(conns.byID)
}

// Send encodes msg and sends it to nodeID, establishing no new connection:
// ErrNoSuchEndpoint is returned if there is none.
func (e *Endpoint) Send(ctx context.Context, nodeID string, msg *Message) error {
	conns := e.connections.Get()
	conns.mu.RLock()
	entry, ok := conns.byID[nodeID]
	conns.mu.RUnlock()
	if !ok {
		return utils.WrapError(utils.ErrNoSuchEndpoint, nodeID)
	}

	body, contentType, err := EncodeMultipart(msg)
	if err != nil {
		return err
	}

	entry.sendMu.Lock()
	defer entry.sendMu.Unlock()
	return entry.conn.Send(ctx, contentType, body)
}

// Broadcast sends msg to every currently connected peer as a scheduled job,
// returning the count of successful sends and a joined error describing
// the rest, rather than failing outright on the first bad connection.
func (e *Endpoint) Broadcast(ctx context.Context, msg *Message) (int, error) {
	future := jobsystem.NewFuture[broadcastResult]()

	job := jobsystem.NewJob("network.broadcast."+msg.ID(), jobsystem.PhaseMain, false,
		func(*jobsystem.Context) (jobsystem.Continuation, error) {
			future.Resolve(e.broadcastNow(ctx, msg))
			return jobsystem.Dispose, nil
		})
	e.manager.KickJob(job)

	result := jobsystem.AwaitFuture(e.manager, future)
	return result.count, result.err
}

type broadcastResult struct {
	count int
	err   error
}

func (e *Endpoint) broadcastNow(ctx context.Context, msg *Message) broadcastResult {
	body, contentType, err := EncodeMultipart(msg)
	if err != nil {
		return broadcastResult{err: err}
	}

	conns := e.connections.Get()
	conns.mu.RLock()
	entries := make([]*connEntry, 0, len(conns.byID))
	for _, entry := range conns.byID {
		entries = append(entries, entry)
	}
	conns.mu.RUnlock()

	var (
		mu     sync.Mutex
		count  int
		errs   []error
		wg     sync.WaitGroup
	)
	for _, entry := range entries {
		wg.Add(1)
		go func(entry *connEntry) {
			defer wg.Done()
			entry.sendMu.Lock()
			err := entry.conn.Send(ctx, contentType, body)
			entry.sendMu.Unlock()

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
			} else {
				count++
			}
		}(entry)
	}
	wg.Wait()

	return broadcastResult{count: count, err: errors.Join(errs...)}
}

func (e *Endpoint) registerConnection(conn Conn) ConnectionInfo {
	info := ConnectionInfo{Hostname: conn.RemoteAddr(), EndpointID: conn.RemoteID()}

	conns := e.connections.Get()
	conns.mu.Lock()
	if old, ok := conns.byID[conn.RemoteID()]; ok {
		old.conn.Close()
	}
	conns.byID[conn.RemoteID()] = &connEntry{info: info, conn: conn, lastSeen: time.Now()}
	count := len(conns.byID)
	conns.mu.Unlock()

	telemetry.ConnectionsActive.Set(float64(count))
	e.events.Publish(ConnectionEvent{NodeID: conn.RemoteID(), Info: info, Established: true})
	return info
}

func (e *Endpoint) handleInboundConnection(conn Conn) {
	e.registerConnection(conn)
	e.readLoop(conn)
}

// readLoop never runs a consumer directly: each received message is handed
// to the job scheduler as its own job, so a slow or misbehaving consumer
// cannot stall the connection's read path.
func (e *Endpoint) readLoop(conn Conn) {
	ctx := context.Background()
	for {
		contentType, body, err := conn.Receive(ctx)
		if err != nil {
			e.CloseConnectionTo(conn.RemoteID())
			return
		}

		e.touchConnection(conn.RemoteID())

		msg, err := DecodeMultipart(body, contentType)
		if err != nil {
			e.logger.Warn("dropping malformed message", utils.String("from", conn.RemoteID()), utils.Err(err))
			continue
		}

		remoteID := conn.RemoteID()

		switch msg.Type() {
		case livenessPingType:
			go e.replyToPing(remoteID)
			continue
		case livenessPongType:
			continue
		}

		telemetry.MessagesReceivedTotal.WithLabelValues(msg.Type()).Inc()
		dispatchMsg := msg
		job := jobsystem.NewJob("network.deliver."+dispatchMsg.ID(), jobsystem.PhaseMain, true,
			func(*jobsystem.Context) (jobsystem.Continuation, error) {
				e.dispatch(dispatchMsg, remoteID)
				return jobsystem.Dispose, nil
			})
		e.manager.KickJob(job)
	}
}

func (e *Endpoint) dispatch(msg *Message, from string) {
	e.consumersMu.RLock()
	consumer, ok := e.consumers[msg.Type()]
	e.consumersMu.RUnlock()
	if !ok {
		e.logger.Debug("no consumer for message type", utils.String("type", msg.Type()))
		return
	}
	consumer.Consume(msg, from)
}

func (e *Endpoint) touchConnection(nodeID string) {
	conns := e.connections.Get()
	conns.mu.Lock()
	defer conns.mu.Unlock()
	if entry, ok := conns.byID[nodeID]; ok {
		entry.lastSeen = time.Now()
	}
}

const (
	livenessPingType = "hive.network.ping"
	livenessPongType = "hive.network.pong"
)

// pruneDeadConnections runs on the clean-up timer job. A connection idle for
// at least half of idleTimeout is sent a liveness probe, giving it a chance
// to prove itself alive before the next clean-up pass; one idle for the
// whole of idleTimeout without ever answering is considered dead and closed.
func (e *Endpoint) pruneDeadConnections() {
	now := time.Now()
	probeDeadline := e.idleTimeout / 2

	conns := e.connections.Get()
	conns.mu.Lock()
	stale := make([]*connEntry, 0)
	toProbe := make([]string, 0)
	for id, entry := range conns.byID {
		idleFor := now.Sub(entry.lastSeen)
		switch {
		case idleFor >= e.idleTimeout:
			stale = append(stale, entry)
			delete(conns.byID, id)
		case idleFor >= probeDeadline:
			toProbe = append(toProbe, id)
		}
	}
	conns.mu.Unlock()

	for _, id := range toProbe {
		e.sendPing(id)
	}
	for _, entry := range stale {
		entry.conn.Close()
		e.events.Publish(ConnectionEvent{NodeID: entry.info.EndpointID, Info: entry.info, Established: false})
	}
}

// sendPing sends a liveness probe to nodeID, logging a failure rather than
// returning one: an unanswered or failed probe is resolved by the next
// clean-up pass, not by the caller.
func (e *Endpoint) sendPing(nodeID string) {
	if err := e.Send(context.Background(), nodeID, NewMessage(livenessPingType)); err != nil {
		e.logger.Debug("liveness probe failed", utils.String("to", nodeID), utils.Err(err))
	}
}

func (e *Endpoint) replyToPing(nodeID string) {
	if err := e.Send(context.Background(), nodeID, NewMessage(livenessPongType)); err != nil {
		e.logger.Debug("liveness probe reply failed", utils.String("to", nodeID), utils.Err(err))
	}
}
