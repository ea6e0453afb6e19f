package broker

import (
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"voltbridge/internal/identity"
)

// Connection states. Frames are only dispatched in StateOpen.
const (
	StateConnecting     = "connecting"
	StateAuthenticating = "authenticating"
	StateOpen           = "open"
	StateClosed         = "closed"
)

const writeWait = 10 * time.Second

// Transport is the message-oriented socket a connection owns. Satisfied by
// *websocket.Conn; tests substitute an in-memory fake.
type Transport interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Conn is one live charge-point connection. The registry owns it while
// registered; ownership transfers back to the caller on eviction or close.
type Conn struct {
	transport Transport

	Serial      string
	Subprotocol string
	RemoteAddr  string
	SourceHost  string
	ConnectedAt time.Time

	mu           sync.Mutex
	state        string
	registryKey  string
	chargerID    identity.ChargerID
	resolved     bool
	logKey       string
	lastActivity time.Time
	closed       bool
}

// NewConn wraps an accepted transport. The connection starts in
// StateConnecting under the pending identity for its serial.
func NewConn(transport Transport, serial, subprotocol, remoteAddr, sourceHost string) *Conn {
	now := time.Now()
	return &Conn{
		transport:    transport,
		Serial:       serial,
		Subprotocol:  subprotocol,
		RemoteAddr:   remoteAddr,
		SourceHost:   sourceHost,
		ConnectedAt:  now,
		state:        StateConnecting,
		registryKey:  identity.PendingKey(serial),
		chargerID:    identity.ChargerID{Serial: serial},
		logKey:       identity.PendingKey(serial),
		lastActivity: now,
	}
}

// State returns the connection's lifecycle state.
func (c *Conn) State() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetState advances the lifecycle state.
func (c *Conn) SetState(state string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = state
}

// RegistryKey returns the key this connection is currently registered under.
func (c *Conn) RegistryKey() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registryKey
}

// ChargerID returns the resolved identity. Valid only after Resolved()
// reports true.
func (c *Conn) ChargerID() identity.ChargerID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.chargerID
}

// Resolved reports whether the connector is known yet.
func (c *Conn) Resolved() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resolved
}

// LogKey returns the key connection log lines are appended under. It follows
// registry renames so log continuity survives an identity resolve.
func (c *Conn) LogKey() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.logKey
}

// setIdentity is called by the registry inside its rename critical section.
func (c *Conn) setIdentity(id identity.ChargerID, registryKey string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chargerID = id
	c.registryKey = registryKey
	c.logKey = registryKey
	c.resolved = true
}

// LastActivity returns the time of the last read or write on this connection.
func (c *Conn) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// Touch records activity on the connection.
func (c *Conn) Touch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastActivity = time.Now()
}

// Read blocks for the next text frame. Only the connection's read loop may
// call this; frame ordering per connection depends on it.
func (c *Conn) Read() ([]byte, error) {
	_, data, err := c.transport.ReadMessage()
	if err != nil {
		return nil, err
	}
	c.Touch()
	return data, nil
}

// Send writes one text frame with a bounded deadline. Safe for concurrent
// use; writes are serialized by the connection mutex.
func (c *Conn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return fmt.Errorf("connection closed")
	}

	_ = c.transport.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.transport.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	c.lastActivity = time.Now()
	return nil
}

// Close tears down the transport. Idempotent.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.state = StateClosed
	c.mu.Unlock()

	return c.transport.Close()
}
