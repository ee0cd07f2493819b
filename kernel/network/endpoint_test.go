package network

import (
	"context"
	"testing"
	"time"

	"github.com/hivecore/hive/kernel/jobsystem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestEndpoint returns an Endpoint whose Manager cycles continuously in
// the background, the way cmd/hive-node drives it, so that jobs kicked by
// readLoop's message delivery and the clean-up timer actually dispatch
// without every test having to pump cycles by hand.
func newTestEndpoint(t *testing.T, selfID string) (*Endpoint, *jobsystem.Manager) {
	return newTestEndpointWithConfig(t, selfID, Config{
		HandshakeTimeout: time.Second,
		CleanupInterval:  20 * time.Millisecond,
	})
}

func newTestEndpointWithConfig(t *testing.T, selfID string, cfg Config) (*Endpoint, *jobsystem.Manager) {
	manager := jobsystem.NewManager(jobsystem.Config{Concurrency: 2})
	manager.StartExecution()

	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				manager.InvokeCycleAndWait()
			case <-stop:
				return
			}
		}
	}()
	t.Cleanup(func() {
		close(stop)
		manager.StopExecution()
	})

	ep := NewEndpoint(selfID, newLoopbackTransport(selfID), manager, cfg)
	require.NoError(t, ep.Startup(context.Background()))
	t.Cleanup(func() { _ = ep.Shutdown() })
	return ep, manager
}

type recordingConsumer struct {
	msgType string
	ch      chan *Message
}

func newRecordingConsumer(msgType string) *recordingConsumer {
	return &recordingConsumer{msgType: msgType, ch: make(chan *Message, 16)}
}

func (c *recordingConsumer) MessageType() string { return c.msgType }

func (c *recordingConsumer) Consume(msg *Message, from string) {
	// The invariant every consumer relies on: it is only ever handed
	// messages whose type matches the one it registered under.
	if msg.Type() != c.msgType {
		panic("consumer received a message of the wrong type")
	}
	c.ch <- msg
}

func TestEndpoint_EstablishConnectionAndDeliverMessage(t *testing.T) {
	a, _ := newTestEndpoint(t, "node-a")
	b, _ := newTestEndpoint(t, "node-b")

	consumer := newRecordingConsumer("greeting")
	b.RegisterConsumer(consumer)

	_, err := a.EstablishConnectionTo(context.Background(), "node-b")
	require.NoError(t, err)

	assert.True(t, a.HasConnectionTo("node-b"))
	assert.Equal(t, 1, a.ActiveConnectionCount())

	msg := NewMessage("greeting")
	msg.SetAttribute("text", "hi")
	require.NoError(t, a.Send(context.Background(), "node-b", msg))

	select {
	case got := <-consumer.ch:
		text, ok := got.Attribute("text")
		require.True(t, ok)
		assert.Equal(t, "hi", text)
	case <-time.After(time.Second):
		t.Fatal("message was never delivered to its consumer")
	}
}

func TestEndpoint_RegisterConnectionPopulatesHostnameAndEndpointID(t *testing.T) {
	a, _ := newTestEndpoint(t, "node-a")
	_, _ = newTestEndpoint(t, "node-b")

	info, err := a.EstablishConnectionTo(context.Background(), "node-b")
	require.NoError(t, err)

	assert.Equal(t, "node-b", info.EndpointID)
	assert.Equal(t, "loopback://node-b", info.Hostname)
}

func TestEndpoint_IdleConnectionIsProbedThenPruned(t *testing.T) {
	cfg := Config{
		HandshakeTimeout: time.Second,
		CleanupInterval:  5 * time.Millisecond,
		IdleTimeout:      40 * time.Millisecond,
	}
	a, _ := newTestEndpointWithConfig(t, "idle-a", cfg)
	b, _ := newTestEndpointWithConfig(t, "idle-b", cfg)

	_, err := a.EstablishConnectionTo(context.Background(), "idle-b")
	require.NoError(t, err)

	// Neither side sends application traffic, so the only thing keeping the
	// connection alive is b answering a's liveness probes; it should
	// survive well past half the idle timeout.
	time.Sleep(60 * time.Millisecond)
	assert.True(t, a.HasConnectionTo("idle-b"), "a connection answering liveness probes must not be pruned")

	events, unsubscribe := a.Events().Subscribe(8)
	t.Cleanup(unsubscribe)

	// Now sever b's side. Closing one end of a loopback pair also ends a's
	// inbound stream, so a's read loop drops the connection and a must
	// publish a connection-closed event for it.
	b.CloseConnectionTo("idle-a")

	require.Eventually(t, func() bool {
		return !a.HasConnectionTo("idle-b")
	}, 2*time.Second, 5*time.Millisecond, "connection was never pruned as dead")

	select {
	case ev := <-events:
		assert.False(t, ev.Established)
		assert.Equal(t, "idle-b", ev.NodeID)
	case <-time.After(time.Second):
		t.Fatal("no connection-closed event observed for the pruned connection")
	}
}

func TestEndpoint_SendWithoutConnectionFails(t *testing.T) {
	a, _ := newTestEndpoint(t, "node-solo")
	err := a.Send(context.Background(), "nowhere", NewMessage("ping"))
	assert.Error(t, err)
}

func TestEndpoint_BroadcastReportsPartialFailure(t *testing.T) {
	a, _ := newTestEndpoint(t, "broadcaster")
	b, _ := newTestEndpoint(t, "listener-1")
	c, _ := newTestEndpoint(t, "listener-2")

	consumerB := newRecordingConsumer("announce")
	consumerC := newRecordingConsumer("announce")
	b.RegisterConsumer(consumerB)
	c.RegisterConsumer(consumerC)

	_, err := a.EstablishConnectionTo(context.Background(), "listener-1")
	require.NoError(t, err)
	_, err = a.EstablishConnectionTo(context.Background(), "listener-2")
	require.NoError(t, err)

	// Kill the second endpoint's side of the connection from underneath the
	// broadcaster, without telling the broadcaster, so one send fails.
	c.CloseConnectionTo("broadcaster")

	count, err := a.Broadcast(context.Background(), NewMessage("announce"))
	_ = err // a partial failure is expected and reported via count, not necessarily err

	assert.LessOrEqual(t, count, 2)
	assert.GreaterOrEqual(t, count, 1)
}

func TestEndpoint_ConnectionEventsPublishedOnEstablishAndClose(t *testing.T) {
	a, _ := newTestEndpoint(t, "ev-a")
	b, _ := newTestEndpoint(t, "ev-b")

	events, unsubscribe := a.Events().Subscribe(8)
	t.Cleanup(unsubscribe)

	_, err := a.EstablishConnectionTo(context.Background(), "ev-b")
	require.NoError(t, err)
	_ = b

	select {
	case ev := <-events:
		assert.True(t, ev.Established)
		assert.Equal(t, "ev-b", ev.NodeID)
	case <-time.After(time.Second):
		t.Fatal("no connection-established event observed")
	}

	a.CloseConnectionTo("ev-b")
	select {
	case ev := <-events:
		assert.False(t, ev.Established)
	case <-time.After(time.Second):
		t.Fatal("no connection-closed event observed")
	}
}
