package ws

import (
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"golang.org/x/time/rate"
)

// Connection is one authenticated WebSocket client. ID is the transport
// handle the presence layer stores; UserID is the verified identity.
type Connection struct {
	ID        string    // connection handle (UUID)
	UserID    string    // verified user id
	Conn      net.Conn  // underlying TCP connection
	Fd        int       // file descriptor for epoll lookups, -1 off linux
	CreatedAt time.Time // when the handshake completed

	reader       io.Reader     // frame source; buffered on the non-linux poller
	lastSeen     atomic.Int64  // unix nanos of the last frame from the client
	limiter      *rate.Limiter // inbound frame budget
	writeTimeout time.Duration // per-frame write deadline, zero for none
	writeMu      sync.Mutex    // serializes writes to this connection
	processing   atomic.Int32  // 0 = idle, 1 = being read by handleConn
}

func newConnection(id, userID string, conn net.Conn, limit rate.Limit, burst int, writeTimeout time.Duration) *Connection {
	now := time.Now()
	c := &Connection{
		ID:        id,
		UserID:    userID,
		Conn:      conn,
		Fd:        socketFD(conn),
		CreatedAt: now,
		reader:    conn,
		limiter:   rate.NewLimiter(limit, burst),

		writeTimeout: writeTimeout,
	}
	c.touch(now)
	return c
}

// WriteMessage sends a WebSocket text frame to this connection. The write
// mutex ensures that concurrent goroutines do not interleave frame bytes,
// and every write is bounded by the connection's write timeout.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	defer c.armWriteDeadline()()
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// WritePing sends a WebSocket protocol-level ping frame (opcode 0x9).
func (c *Connection) WritePing() error {
	return c.writeFrame(ws.NewPingFrame(nil))
}

func (c *Connection) writeFrame(f ws.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	defer c.armWriteDeadline()()
	return ws.WriteFrame(c.Conn, f)
}

// armWriteDeadline sets the write deadline and returns the func that clears
// it. Callers hold writeMu.
func (c *Connection) armWriteDeadline() func() {
	if c.writeTimeout <= 0 {
		return func() {}
	}
	_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return func() { _ = c.Conn.SetWriteDeadline(time.Time{}) }
}

// Close closes the underlying network connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// AllowFrame reports whether the client is within its inbound frame budget.
func (c *Connection) AllowFrame() bool {
	return c.limiter.Allow()
}

// LastSeen returns when the client last sent a frame.
func (c *Connection) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

func (c *Connection) touch(t time.Time) {
	c.lastSeen.Store(t.UnixNano())
}

// ConnectionManager is a thread-safe registry that maps connection handles
// and file descriptors to their Connection.
type ConnectionManager struct {
	mu   sync.RWMutex
	byID map[string]*Connection // handle -> Connection
	byFd map[int]*Connection    // fd -> Connection (linux only)
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID: make(map[string]*Connection),
		byFd: make(map[int]*Connection),
	}
}

// Add registers a new connection.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.ID] = conn
	if conn.Fd >= 0 {
		cm.byFd[conn.Fd] = conn
	}
	cm.mu.Unlock()
}

// Remove removes a connection by handle and closes it. Returns true if the
// connection was found, false if it was already gone.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
		if cm.byFd[conn.Fd] == conn {
			delete(cm.byFd, conn.Fd)
		}
	}
	cm.mu.Unlock()

	if ok {
		conn.Close()
	}
	return ok
}

// Get returns the connection for the given handle, or nil if not found.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	conn := cm.byID[id]
	cm.mu.RUnlock()
	return conn
}

// GetByFd returns the connection for the given file descriptor, or nil if
// not found.
func (cm *ConnectionManager) GetByFd(fd int) *Connection {
	cm.mu.RLock()
	conn := cm.byFd[fd]
	cm.mu.RUnlock()
	return conn
}

// Count returns the current number of active connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
}

// All returns a snapshot of all current connections.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
