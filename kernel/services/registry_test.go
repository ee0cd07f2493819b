package services

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hivecore/hive/kernel/jobsystem"
	"github.com/hivecore/hive/kernel/network"
	"github.com/hivecore/hive/kernel/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The following loopback transport mirrors kernel/network's own test
// helper: an in-memory Transport/Conn pair with no real socket, used only
// to exercise two Registries talking across two Endpoints in-process.

type loopbackTransport struct {
	selfID string
	mu     sync.Mutex
	onConn func(network.Conn)
}

var (
	loopbackRegistryMu sync.Mutex
	loopbackRegistry   = make(map[string]*loopbackTransport)
)

func newLoopbackTransport(selfID string) *loopbackTransport {
	t := &loopbackTransport{selfID: selfID}
	loopbackRegistryMu.Lock()
	loopbackRegistry[selfID] = t
	loopbackRegistryMu.Unlock()
	return t
}

func (t *loopbackTransport) Protocol() string { return "loopback" }

func (t *loopbackTransport) Listen(ctx context.Context, onConnection func(network.Conn)) error {
	t.mu.Lock()
	t.onConn = onConnection
	t.mu.Unlock()
	return nil
}

func (t *loopbackTransport) Dial(ctx context.Context, addr string) (network.Conn, error) {
	loopbackRegistryMu.Lock()
	remote, ok := loopbackRegistry[addr]
	loopbackRegistryMu.Unlock()
	if !ok {
		return nil, utils.WrapError(utils.ErrNoSuchEndpoint, addr)
	}

	remote.mu.Lock()
	onConn := remote.onConn
	remote.mu.Unlock()
	if onConn == nil {
		return nil, fmt.Errorf("loopback: %s is not listening", addr)
	}

	a, b := newLoopbackConnPair(t.selfID, remote.selfID)
	onConn(b)
	return a, nil
}

func (t *loopbackTransport) Close() error { return nil }

type loopbackFrame struct {
	contentType string
	body        []byte
}

type loopbackConn struct {
	remoteID  string
	out, in   chan loopbackFrame
	closed    *atomic.Bool
	closeOnce *sync.Once
}

func newLoopbackConnPair(aID, bID string) (*loopbackConn, *loopbackConn) {
	ab := make(chan loopbackFrame, 32)
	ba := make(chan loopbackFrame, 32)
	closed := &atomic.Bool{}
	once := &sync.Once{}
	a := &loopbackConn{remoteID: bID, out: ab, in: ba, closed: closed, closeOnce: once}
	b := &loopbackConn{remoteID: aID, out: ba, in: ab, closed: closed, closeOnce: once}
	return a, b
}

func (c *loopbackConn) RemoteID() string { return c.remoteID }

func (c *loopbackConn) RemoteAddr() string { return "loopback://" + c.remoteID }

func (c *loopbackConn) Send(ctx context.Context, contentType string, body []byte) error {
	if c.closed.Load() {
		return utils.NewError("loopback: connection closed")
	}
	select {
	case c.out <- loopbackFrame{contentType: contentType, body: body}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *loopbackConn) Receive(ctx context.Context) (string, []byte, error) {
	select {
	case f, ok := <-c.in:
		if !ok {
			return "", nil, utils.NewError("connection closed")
		}
		return f.contentType, f.body, nil
	case <-ctx.Done():
		return "", nil, ctx.Err()
	}
}

func (c *loopbackConn) Close() error {
	c.closed.Store(true)
	c.closeOnce.Do(func() { close(c.out) })
	return nil
}

func newTestNode(t *testing.T, selfID string) (*network.Endpoint, *Registry, *jobsystem.Manager) {
	manager := newTestManager(t)
	ep := network.NewEndpoint(selfID, newLoopbackTransport(selfID), manager, network.Config{
		HandshakeTimeout: time.Second,
		CleanupInterval:  50 * time.Millisecond,
	})
	require.NoError(t, ep.Startup(context.Background()))
	t.Cleanup(func() { _ = ep.Shutdown() })

	registry := NewRegistry(selfID, manager, ep, nil)
	return ep, registry, manager
}

func TestRegistry_LocalServiceCall(t *testing.T) {
	_, registry, manager := newTestNode(t, "solo")

	registry.Register(NewLocalExecutor("exec-1", "echo", 1, func(params map[string]string) (map[string]string, error) {
		return map[string]string{"echo": params["text"]}, nil
	}))

	future, err := registry.Call("echo", NewServiceRequest("echo", map[string]string{"text": "hi"}), RetryNone, false)
	require.NoError(t, err)

	resp := jobsystem.AwaitFuture(manager, future)
	assert.Equal(t, Ok, resp.Status)
	assert.Equal(t, "hi", resp.Results["echo"])
}

func TestRegistry_CallUnknownServiceIsGone(t *testing.T) {
	_, registry, _ := newTestNode(t, "empty-node")

	_, err := registry.Call("nothing-here", NewServiceRequest("nothing-here", nil), RetryNone, false)
	assert.Error(t, err)
	assert.ErrorIs(t, err, utils.ErrNoCallableServiceFound)
}

func TestRegistry_RemoteCallAcrossTwoEndpoints(t *testing.T) {
	epA, registryA, managerA := newTestNode(t, "node-a")
	epB, registryB, _ := newTestNode(t, "node-b")

	registryB.Register(NewLocalExecutor("adder", "add", 4, func(params map[string]string) (map[string]string, error) {
		return map[string]string{"sum": params["a"] + "+" + params["b"]}, nil
	}))

	_, err := epA.EstablishConnectionTo(context.Background(), "node-b")
	require.NoError(t, err)
	_ = epB

	// wait for node-b's registration broadcast, sent on connection
	// establishment, to reach node-a's registry
	require.Eventually(t, func() bool {
		_, err := registryA.Find("add", false)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	future, err := registryA.Call("add", NewServiceRequest("add", map[string]string{"a": "1", "b": "2"}), RetryNone, false)
	require.NoError(t, err)

	resp := jobsystem.AwaitFuture(managerA, future)
	assert.Equal(t, Ok, resp.Status)
	assert.Equal(t, "1+2", resp.Results["sum"])
}

func TestRegistry_PendingCallRejectedWhenConnectionCloses(t *testing.T) {
	epA, registryA, managerA := newTestNode(t, "rej-a")
	_, registryB, _ := newTestNode(t, "rej-b")

	registryB.Register(NewLocalExecutor("never-replies", "stuck", 1, func(map[string]string) (map[string]string, error) {
		select {} // block forever; the test closes the connection instead
	}))

	_, err := epA.EstablishConnectionTo(context.Background(), "rej-b")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, err := registryA.Find("stuck", false)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	future, err := registryA.Call("stuck", NewServiceRequest("stuck", nil), RetryNone, false)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	epA.CloseConnectionTo("rej-b")

	resp := jobsystem.AwaitFuture(managerA, future)
	assert.NotEqual(t, Ok, resp.Status)
}
