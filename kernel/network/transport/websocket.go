package transport

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/hivecore/hive/kernel/network"
	"github.com/hivecore/hive/kernel/utils"
)

// WebsocketTransport sends and receives messages over websocket
// connections, as a second pluggable backend alongside Libp2pTransport.
type WebsocketTransport struct {
	nodeID   string
	listener *http.Server
	upgrader websocket.Upgrader
	dialer   *websocket.Dialer
}

// NewWebsocketTransport creates a transport identifying itself as nodeID
// to peers during the handshake.
func NewWebsocketTransport(nodeID string) *WebsocketTransport {
	return &WebsocketTransport{
		nodeID: nodeID,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		dialer: websocket.DefaultDialer,
	}
}

func (t *WebsocketTransport) Protocol() string { return "websocket" }

// Listen serves websocket upgrades on listenAddr ("host:port"). The first
// message each peer sends after upgrading must be its handshake frame
// (see handshake below); this lets the accept side learn the peer's node
// id before invoking onConnection.
func (t *WebsocketTransport) Listen(ctx context.Context, onConnection func(network.Conn)) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		conn, err := t.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}

		remoteID, err := readHandshake(conn)
		if err != nil {
			conn.Close()
			return
		}
		if err := writeHandshake(conn, t.nodeID); err != nil {
			conn.Close()
			return
		}

		onConnection(newWebsocketConn(remoteID, r.RemoteAddr, conn))
	})

	t.listener = &http.Server{Handler: mux}

	addr, _ := ctx.Value(listenAddrKey{}).(string)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return utils.WrapError(err, "listen websocket")
	}

	go t.listener.Serve(ln)
	return nil
}

type listenAddrKey struct{}

// WithListenAddr attaches the TCP address Listen should bind to.
func WithListenAddr(ctx context.Context, addr string) context.Context {
	return context.WithValue(ctx, listenAddrKey{}, addr)
}

func (t *WebsocketTransport) Dial(ctx context.Context, addr string) (network.Conn, error) {
	if u, err := url.Parse(addr); err != nil || u.Host == "" {
		return nil, utils.WrapError(utils.ErrCannotResolveHost, addr)
	}

	conn, _, err := t.dialer.DialContext(ctx, addr, nil)
	if err != nil {
		return nil, utils.WrapError(utils.ErrConnectionFailed, err.Error())
	}

	if err := writeHandshake(conn, t.nodeID); err != nil {
		conn.Close()
		return nil, utils.WrapError(utils.ErrConnectionFailed, err.Error())
	}
	remoteID, err := readHandshake(conn)
	if err != nil {
		conn.Close()
		return nil, utils.WrapError(utils.ErrConnectionFailed, err.Error())
	}

	return newWebsocketConn(remoteID, addr, conn), nil
}

func (t *WebsocketTransport) Close() error {
	if t.listener != nil {
		return t.listener.Close()
	}
	return nil
}

type handshakeFrame struct {
	NodeID string `json:"node_id"`
}

func writeHandshake(conn *websocket.Conn, nodeID string) error {
	return conn.WriteJSON(handshakeFrame{NodeID: nodeID})
}

func readHandshake(conn *websocket.Conn) (string, error) {
	var frame handshakeFrame
	if err := conn.ReadJSON(&frame); err != nil {
		return "", err
	}
	return frame.NodeID, nil
}

type envelope struct {
	ContentType string `json:"content_type"`
	Body        []byte `json:"body"`
}

type websocketConn struct {
	remoteID   string
	remoteAddr string
	conn       *websocket.Conn
	sendMu     sync.Mutex
}

func newWebsocketConn(remoteID, remoteAddr string, conn *websocket.Conn) *websocketConn {
	return &websocketConn{remoteID: remoteID, remoteAddr: remoteAddr, conn: conn}
}

func (c *websocketConn) RemoteID() string { return c.remoteID }

func (c *websocketConn) RemoteAddr() string { return c.remoteAddr }

func (c *websocketConn) Send(ctx context.Context, contentType string, body []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	err := c.conn.WriteJSON(envelope{ContentType: contentType, Body: body})
	if err != nil {
		return utils.WrapError(utils.ErrMessageSending, err.Error())
	}
	return nil
}

func (c *websocketConn) Receive(ctx context.Context) (string, []byte, error) {
	var env envelope
	if err := c.conn.ReadJSON(&env); err != nil {
		return "", nil, utils.WrapError(utils.ErrConnectionClosed, err.Error())
	}
	return env.ContentType, env.Body, nil
}

func (c *websocketConn) Close() error {
	return c.conn.Close()
}
