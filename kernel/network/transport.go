package network

import "context"

// Transport abstracts the underlying wire: an Endpoint does not care
// whether bytes travel over a libp2p stream or a websocket connection, only
// that it can dial out, accept inbound connections, and exchange
// length-delimited byte frames once connected.
type Transport interface {
	// Protocol returns a short name identifying this transport, e.g.
	// "libp2p" or "websocket".
	Protocol() string

	// Listen starts accepting inbound connections, invoking onConnection for
	// each one. It returns once listening has started; inbound connections
	// keep being accepted in the background until Close is called.
	Listen(ctx context.Context, onConnection func(Conn)) error

	// Dial establishes an outbound connection to addr.
	Dial(ctx context.Context, addr string) (Conn, error)

	// Close shuts the transport down, closing any listener it owns.
	Close() error
}

// Conn is a single connection to a remote peer, used to exchange
// length-delimited byte frames (each one an encoded Message body plus its
// Content-Type).
type Conn interface {
	// RemoteID identifies the peer at the other end of this connection: its
	// own node-uuid, learned from an application-level handshake exchanged
	// once the transport-level connection is up.
	RemoteID() string

	// RemoteAddr returns the transport-level address used to reach the
	// peer (the dialed multiaddr/URL, or the inbound address it connected
	// from).
	RemoteAddr() string

	// Send writes one frame to the peer. Implementations serialize
	// concurrent Send calls on the same Conn internally.
	Send(ctx context.Context, contentType string, body []byte) error

	// Receive blocks until a frame arrives or the connection is closed.
	Receive(ctx context.Context) (contentType string, body []byte, err error)

	// Close closes the connection.
	Close() error
}
