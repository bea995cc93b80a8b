// Package ws handles WebSocket connection management: authenticating and
// upgrading HTTP requests, multiplexing reads through epoll onto a bounded
// worker pool, and handing complete frames to the dispatcher.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"golang.org/x/time/rate"

	"github.com/studyhive/hive-realtime/internal/auth"
	"github.com/studyhive/hive-realtime/internal/metrics"
)

// MaxFrameBytes bounds a single inbound data frame.
const MaxFrameBytes = 64 << 10

// Authenticator verifies the credential of an upgrade request.
type Authenticator interface {
	VerifyRequest(r *http.Request) (auth.Identity, error)
}

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // timeout for WebSocket read operations
	WriteTimeout   time.Duration // timeout for WebSocket write operations
	Heartbeat      HeartbeatConfig
	InboundRate    rate.Limit // sustained inbound frames per second per connection
	InboundBurst   int
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		Heartbeat:      DefaultHeartbeatConfig(),
		InboundRate:    20,
		InboundBurst:   40,
	}
}

// Server is the WebSocket server built on gobwas/ws and epoll. Idle
// connections cost no goroutine; ready ones are read by a bounded pool of
// workers.
type Server struct {
	config       ServerConfig
	auth         Authenticator
	poller       *poller
	conns        *ConnectionManager
	workerPool   chan struct{}                       // semaphore limiting concurrent read workers
	onMessage    func(conn *Connection, data []byte) // frame callback
	onConnect    func(conn *Connection) error        // runs before the first frame is read
	onDisconnect func(conn *Connection)              // runs once per removed connection
	healthInfo   func() map[string]int
	httpServer   *http.Server
	done         chan struct{}
	stopOnce     sync.Once
	startedAt    time.Time
}

// NewServer creates a Server. onMessage is called from a worker goroutine
// for every complete text frame.
func NewServer(config ServerConfig, authn Authenticator, onMessage func(conn *Connection, data []byte)) (*Server, error) {
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = 1
	}
	p, err := newPoller()
	if err != nil {
		return nil, fmt.Errorf("ws: failed to create poller: %w", err)
	}
	s := &Server{
		config:     config,
		auth:       authn,
		poller:     p,
		conns:      NewConnectionManager(),
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		onMessage:  onMessage,
		done:       make(chan struct{}),
		startedAt:  time.Now(),
	}
	s.httpServer = &http.Server{
		Addr:              config.ListenAddr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s, nil
}

// SetOnConnect registers the callback run for every authenticated
// connection before its frames are read. A non-nil error closes the
// connection.
func (s *Server) SetOnConnect(fn func(conn *Connection) error) {
	s.onConnect = fn
}

// SetOnDisconnect registers the callback run once when a connection is
// removed, whether by read error, heartbeat timeout, replacement or
// shutdown.
func (s *Server) SetOnDisconnect(fn func(conn *Connection)) {
	s.onDisconnect = fn
}

// SetHealthInfo adds application counters to the /health response.
func (s *Server) SetHealthInfo(fn func() map[string]int) {
	s.healthInfo = fn
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("ws: listen %s: %w", s.config.ListenAddr, err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	go s.startEventLoop()
	s.startHeartbeat(s.config.Heartbeat)

	log.Printf("ws: server listening on %s (workers=%d, max_conns=%d)",
		ln.Addr(), s.config.WorkerPoolSize, s.config.MaxConnections)

	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

func (s *Server) routes() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/ws", s.handleUpgrade).Methods(http.MethodGet)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	return r
}

// handleUpgrade verifies the credential, upgrades the request and registers
// the connection. Nothing is created for a rejected handshake.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.conns.Count() >= s.config.MaxConnections {
		metrics.HandshakeRejected.WithLabelValues("capacity").Inc()
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	identity, err := s.auth.VerifyRequest(r)
	if err != nil {
		metrics.HandshakeRejected.WithLabelValues("auth").Inc()
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		metrics.HandshakeRejected.WithLabelValues("upgrade").Inc()
		log.Printf("ws: upgrade failed user=%s: %v", identity.UserID, err)
		return
	}

	c := newConnection(uuid.New().String(), identity.UserID, conn, s.config.InboundRate, s.config.InboundBurst, s.config.WriteTimeout)
	s.conns.Add(c)
	metrics.ConnectionsActive.Inc()

	if s.onConnect != nil {
		if err := s.onConnect(c); err != nil {
			log.Printf("ws: connect rejected conn=%s user=%s: %v", c.ID, c.UserID, err)
			s.RemoveConnection(c)
			return
		}
	}

	if err := s.poller.Add(c); err != nil {
		log.Printf("ws: poller add failed conn=%s: %v", c.ID, err)
		s.RemoveConnection(c)
		return
	}

	log.Printf("ws: new connection conn=%s user=%s fd=%d (total=%d)", c.ID, c.UserID, c.Fd, s.conns.Count())
}

// handleHealth reports liveness and connection counts as JSON.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := struct {
		Status      string         `json:"status"`
		Connections int            `json:"connections"`
		Uptime      string         `json:"uptime"`
		Presence    map[string]int `json:"presence,omitempty"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}
	if s.healthInfo != nil {
		resp.Presence = s.healthInfo()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}

// startEventLoop hands every ready connection to a worker, blocking while
// the pool is full.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		ready, err := s.poller.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			log.Printf("ws: poller wait error: %v", err)
			continue
		}

		for _, c := range ready {
			s.workerPool <- struct{}{}
			go func(c *Connection) {
				defer func() { <-s.workerPool }()
				s.handleConn(c)
			}(c)
		}
	}
}

// handleConn reads one frame from a ready connection. Read failures and
// close frames remove the connection.
func (s *Server) handleConn(c *Connection) {
	// Guard against duplicate dispatch from level-triggered epoll.
	if !c.processing.CompareAndSwap(0, 1) {
		return
	}
	defer s.poller.Resume(c)
	defer c.processing.Store(0)

	if s.conns.Get(c.ID) != c {
		return
	}

	if s.config.ReadTimeout > 0 {
		_ = c.Conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(c.reader, ws.StateServerSide)
	if err != nil {
		// A timeout here is a stale readiness report; the heartbeat
		// handles dead peers.
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}
	if header.Length > MaxFrameBytes {
		log.Printf("ws: frame too large conn=%s len=%d", c.ID, header.Length)
		s.RemoveConnection(c)
		return
	}

	data := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, data); err != nil {
			s.RemoveConnection(c)
			return
		}
	}
	_ = c.Conn.SetReadDeadline(time.Time{})

	c.touch(time.Now())

	switch {
	case header.OpCode == ws.OpClose:
		s.RemoveConnection(c)
		return
	case header.OpCode == ws.OpPing:
		_ = c.writeFrame(ws.NewPongFrame(data))
		return
	case header.OpCode.IsControl():
		return
	}

	if len(data) == 0 || s.onMessage == nil {
		return
	}
	s.onMessage(c, data)
}

// RemoveConnection unregisters and closes c. The disconnect callback runs
// only for the caller that actually removed it.
func (s *Server) RemoveConnection(c *Connection) {
	_ = s.poller.Remove(c)

	if !s.conns.Remove(c.ID) {
		return
	}
	metrics.ConnectionsActive.Dec()

	if s.onDisconnect != nil {
		s.onDisconnect(c)
	}

	log.Printf("ws: connection closed conn=%s user=%s (total=%d)", c.ID, c.UserID, s.conns.Count())
}

// CloseConnection sends a close frame with reason to the connection with
// the given handle and removes it. It reports whether the handle was live.
func (s *Server) CloseConnection(handle, reason string) bool {
	c := s.conns.Get(handle)
	if c == nil {
		return false
	}
	_ = c.writeFrame(ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusPolicyViolation, reason)))
	s.RemoveConnection(c)
	return true
}

// SendMessage writes a WebSocket text frame to the connection identified by
// handle. It is goroutine-safe thanks to the per-connection write mutex.
func (s *Server) SendMessage(handle string, data []byte) error {
	c := s.conns.Get(handle)
	if c == nil {
		return fmt.Errorf("ws: connection %s not found", handle)
	}
	return c.WriteMessage(data)
}

// Connections returns the ConnectionManager.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops the listener and removes every connection through the
// normal disconnect path.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Println("ws: shutting down server...")
	s.stopOnce.Do(func() { close(s.done) })

	if err := s.httpServer.Shutdown(ctx); err != nil {
		log.Printf("ws: http shutdown error: %v", err)
	}

	for _, c := range s.conns.All() {
		s.RemoveConnection(c)
	}

	_ = s.poller.Close()

	log.Printf("ws: server stopped, all connections closed")
	return nil
}
