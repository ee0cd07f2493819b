package network

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/hivecore/hive/kernel/utils"
)

// loopbackTransport is an in-memory Transport used only by this package's
// tests: Dial on one end and Listen on the other are wired directly
// together through buffered channels, with no real socket involved.
type loopbackTransport struct {
	selfID string

	mu          sync.Mutex
	onConn      func(Conn)
	peers       map[string]*loopbackTransport
	closed      bool
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

func (t *loopbackTransport) Listen(ctx context.Context, onConnection func(Conn)) error {
	t.mu.Lock()
	t.onConn = onConnection
	t.mu.Unlock()
	return nil
}

func (t *loopbackTransport) Dial(ctx context.Context, addr string) (Conn, error) {
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

func (t *loopbackTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

type loopbackFrame struct {
	contentType string
	body        []byte
}

// loopbackConn is one end of an in-memory connection pair. Both ends share
// a single closed flag, so closing either end makes Send fail on both:
// real transports behave the same way once a peer tears down its socket.
type loopbackConn struct {
	localID, remoteID string
	out               chan loopbackFrame
	in                chan loopbackFrame
	closed            *atomic.Bool
	closeOnce         *sync.Once
}

func newLoopbackConnPair(aID, bID string) (*loopbackConn, *loopbackConn) {
	ab := make(chan loopbackFrame, 16)
	ba := make(chan loopbackFrame, 16)
	closed := &atomic.Bool{}
	once := &sync.Once{}
	a := &loopbackConn{localID: aID, remoteID: bID, out: ab, in: ba, closed: closed, closeOnce: once}
	b := &loopbackConn{localID: bID, remoteID: aID, out: ba, in: ab, closed: closed, closeOnce: once}
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
	c.closeOnce.Do(func() {
		close(c.out)
	})
	return nil
}
