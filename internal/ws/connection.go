package ws

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

const pingWriteTimeout = 5 * time.Second

// Connection wraps a single upgraded WebSocket connection.
type Connection struct {
	ID        string
	Conn      net.Conn
	CreatedAt time.Time

	lastSeen  atomic.Int64 // unix nanos of the last frame read from the peer
	writeMu   sync.Mutex   // serializes writes to the underlying conn
	closeOnce sync.Once
}

func newConnection(id string, conn net.Conn) *Connection {
	c := &Connection{
		ID:        id,
		Conn:      conn,
		CreatedAt: time.Now(),
	}
	c.Touch()
	return c
}

// Touch records activity from the peer.
func (c *Connection) Touch() {
	c.lastSeen.Store(time.Now().UnixNano())
}

// LastSeen returns when the peer last sent a frame.
func (c *Connection) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

// WriteMessage sends a text frame. A positive timeout bounds the write.
func (c *Connection) WriteMessage(data []byte, timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if timeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(timeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// WritePing sends a protocol-level ping frame (opcode 0x9).
func (c *Connection) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.Conn.SetWriteDeadline(time.Now().Add(pingWriteTimeout))
	defer c.Conn.SetWriteDeadline(time.Time{})
	return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
}

// Close closes the underlying network connection. Only the first call has
// an effect.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.Conn.Close()
	})
	return err
}

// ConnectionManager tracks active connections by ID.
type ConnectionManager struct {
	mu    sync.RWMutex
	conns map[string]*Connection
}

// NewConnectionManager creates an empty ConnectionManager.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{conns: make(map[string]*Connection)}
}

// Add registers c.
func (m *ConnectionManager) Add(c *Connection) {
	m.mu.Lock()
	m.conns[c.ID] = c
	m.mu.Unlock()
}

// Remove unregisters the connection with the given ID and reports whether it
// was present, so concurrent removals clean up only once.
func (m *ConnectionManager) Remove(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.conns[id]; !ok {
		return false
	}
	delete(m.conns, id)
	return true
}

// Count returns the number of active connections.
func (m *ConnectionManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// All returns a snapshot of the active connections.
func (m *ConnectionManager) All() []*Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Connection, 0, len(m.conns))
	for _, c := range m.conns {
		out = append(out, c)
	}
	return out
}
