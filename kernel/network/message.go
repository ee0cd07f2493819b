// Package network implements a message-oriented endpoint connecting nodes
// over a pluggable transport, wire-encoding messages as multipart/form-data.
package network

import (
	"sync"

	"github.com/google/uuid"
)

// Message is passed between endpoints. Every message has a type, used to
// route it to its consumer, and a set of string attributes carrying its
// payload.
type Message struct {
	id         string
	msgType    string
	mu         sync.RWMutex
	attributes map[string]string
}

// NewMessage creates a Message of the given type with a freshly generated
// id.
func NewMessage(msgType string) *Message {
	return NewMessageWithID(msgType, uuid.NewString())
}

// NewMessageWithID creates a Message with an explicit id, used when
// decoding a message received over the wire.
func NewMessageWithID(msgType, id string) *Message {
	return &Message{id: id, msgType: msgType, attributes: make(map[string]string)}
}

// ID returns this message's unique id.
func (m *Message) ID() string { return m.id }

// Type returns this message's type, used by consumers to decide whether
// they handle it.
func (m *Message) Type() string { return m.msgType }

// SetAttribute sets or overwrites an attribute.
func (m *Message) SetAttribute(key, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attributes[key] = value
}

// Attribute returns an attribute's value and whether it was present.
func (m *Message) Attribute(key string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.attributes[key]
	return v, ok
}

// AttributeNames returns the set of attribute keys present on this message.
func (m *Message) AttributeNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.attributes))
	for k := range m.attributes {
		names = append(names, k)
	}
	return names
}

// EqualsTo compares two messages for content equality, ignoring id.
func (m *Message) EqualsTo(other *Message) bool {
	if other == nil || m.msgType != other.msgType {
		return false
	}
	m.mu.RLock()
	other.mu.RLock()
	defer m.mu.RUnlock()
	defer other.mu.RUnlock()
	if len(m.attributes) != len(other.attributes) {
		return false
	}
	for k, v := range m.attributes {
		if ov, ok := other.attributes[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

// ConnectionInfo describes an established connection to a remote endpoint.
type ConnectionInfo struct {
	// Hostname is the transport-level address used to reach the peer: the
	// dialed multiaddr or websocket URL, or, for an inbound connection, the
	// address the peer connected from.
	Hostname string

	// EndpointID is the remote node's own id, learned from the transport
	// handshake rather than derived from Hostname.
	EndpointID string
}
