// Package transport provides concrete Transport implementations for
// kernel/network: one over libp2p streams, one over websockets.
package transport

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"io"
	"os"
	"sync"

	libp2p "github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	libp2pnet "github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/hivecore/hive/kernel/network"
	"github.com/hivecore/hive/kernel/utils"
)

const protocolID = "/hive/message/1.0.0"

// PersistentIdentity is a libp2p keypair persisted to disk so a node keeps
// the same peer id across restarts.
type PersistentIdentity struct {
	PrivKey []byte `json:"priv_key"`
	PeerID  string `json:"peer_id"`
}

// LoadOrCreateIdentity reads path, generating and saving a new Ed25519
// identity if none exists yet.
func LoadOrCreateIdentity(path string) (crypto.PrivKey, error) {
	if data, err := os.ReadFile(path); err == nil {
		var id PersistentIdentity
		if err := json.Unmarshal(data, &id); err != nil {
			return nil, utils.WrapError(err, "parse identity file")
		}
		return crypto.UnmarshalPrivateKey(id.PrivKey)
	}

	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, utils.WrapError(err, "generate identity")
	}
	pid, err := peer.IDFromPrivateKey(priv)
	if err != nil {
		return nil, utils.WrapError(err, "derive peer id")
	}
	privBytes, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, utils.WrapError(err, "marshal private key")
	}
	data, err := json.Marshal(PersistentIdentity{PrivKey: privBytes, PeerID: pid.String()})
	if err != nil {
		return nil, utils.WrapError(err, "marshal identity")
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return nil, utils.WrapError(err, "persist identity")
	}
	return priv, nil
}

// Libp2pTransport sends and receives messages over libp2p streams.
type Libp2pTransport struct {
	nodeID string
	host   host.Host
}

// NewLibp2pTransport starts a libp2p host bound to listenAddr (a multiaddr
// string) using the given private key, identifying itself as nodeID to
// peers during the stream handshake.
func NewLibp2pTransport(nodeID, listenAddr string, priv crypto.PrivKey) (*Libp2pTransport, error) {
	opts := []libp2p.Option{libp2p.Identity(priv)}
	if listenAddr != "" {
		opts = append(opts, libp2p.ListenAddrStrings(listenAddr))
	}
	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, utils.WrapError(err, "start libp2p host")
	}
	return &Libp2pTransport{nodeID: nodeID, host: h}, nil
}

func (t *Libp2pTransport) Protocol() string { return "libp2p" }

// Listen accepts streams on protocolID. Before handing a stream to
// onConnection, both sides exchange their node-uuid over the stream itself:
// the accept side reads the dialer's id first, then writes its own, the
// mirror image of Dial's write-then-read so neither side blocks waiting on
// the other.
func (t *Libp2pTransport) Listen(ctx context.Context, onConnection func(network.Conn)) error {
	t.host.SetStreamHandler(protocolID, func(s libp2pnet.Stream) {
		r := bufio.NewReader(s)
		remoteNodeID, err := readFrame(r)
		if err != nil {
			s.Close()
			return
		}
		if err := writeFrame(s, []byte(t.nodeID)); err != nil {
			s.Close()
			return
		}
		onConnection(newLibp2pConn(string(remoteNodeID), s.Conn().RemoteMultiaddr().String(), s, r))
	})
	return nil
}

func (t *Libp2pTransport) Dial(ctx context.Context, addr string) (network.Conn, error) {
	maddr, err := ma.NewMultiaddr(addr)
	if err != nil {
		return nil, utils.WrapError(utils.ErrURLMalformed, err.Error())
	}
	info, err := peer.AddrInfoFromP2pAddr(maddr)
	if err != nil {
		return nil, utils.WrapError(utils.ErrURLMalformed, err.Error())
	}
	if err := t.host.Connect(ctx, *info); err != nil {
		return nil, utils.WrapError(utils.ErrConnectionFailed, err.Error())
	}
	stream, err := t.host.NewStream(ctx, info.ID, protocolID)
	if err != nil {
		return nil, utils.WrapError(utils.ErrConnectionFailed, err.Error())
	}

	if err := writeFrame(stream, []byte(t.nodeID)); err != nil {
		stream.Close()
		return nil, utils.WrapError(utils.ErrConnectionFailed, err.Error())
	}
	r := bufio.NewReader(stream)
	remoteNodeID, err := readFrame(r)
	if err != nil {
		stream.Close()
		return nil, utils.WrapError(utils.ErrConnectionFailed, err.Error())
	}

	return newLibp2pConn(string(remoteNodeID), addr, stream, r), nil
}

func (t *Libp2pTransport) Close() error {
	return t.host.Close()
}

// libp2pConn frames messages on a stream as: 4-byte big-endian
// content-type length, content-type bytes, 4-byte big-endian body length,
// body bytes.
type libp2pConn struct {
	remoteID   string
	remoteAddr string
	stream     libp2pnet.Stream
	r          *bufio.Reader
	sendMu     sync.Mutex
}

func newLibp2pConn(remoteID, remoteAddr string, stream libp2pnet.Stream, r *bufio.Reader) *libp2pConn {
	return &libp2pConn{remoteID: remoteID, remoteAddr: remoteAddr, stream: stream, r: r}
}

func (c *libp2pConn) RemoteID() string { return c.remoteID }

func (c *libp2pConn) RemoteAddr() string { return c.remoteAddr }

func (c *libp2pConn) Send(ctx context.Context, contentType string, body []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if err := writeFrame(c.stream, []byte(contentType)); err != nil {
		return utils.WrapError(utils.ErrMessageSending, err.Error())
	}
	if err := writeFrame(c.stream, body); err != nil {
		return utils.WrapError(utils.ErrMessageSending, err.Error())
	}
	return nil
}

func (c *libp2pConn) Receive(ctx context.Context) (string, []byte, error) {
	contentType, err := readFrame(c.r)
	if err != nil {
		return "", nil, utils.WrapError(utils.ErrConnectionClosed, err.Error())
	}
	body, err := readFrame(c.r)
	if err != nil {
		return "", nil, utils.WrapError(utils.ErrConnectionClosed, err.Error())
	}
	return string(contentType), body, nil
}

func (c *libp2pConn) Close() error {
	return c.stream.Close()
}

func writeFrame(w io.Writer, data []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(lenBuf[:])
	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}
