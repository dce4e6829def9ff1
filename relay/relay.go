// Package relay fans delivered messages out to WebSocket clients.
//
// Every message is sent to every client as one binary WebSocket message
// holding the framed bytes unchanged, header included. Binary messages
// received from a client are written to the device as-is.
package relay

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ardnew/aapbridge/bridge"
	"github.com/ardnew/aapbridge/pkg"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// DefaultMaxMessageSize bounds inbound messages: one frame header plus
	// the largest body.
	DefaultMaxMessageSize = 4 + 0xFFFF

	// DefaultSendBuffer is the number of messages queued per client before
	// the client is considered too slow and messages to it are dropped.
	DefaultSendBuffer = 256
)

// Writer sends bytes to the device. It returns the number of bytes
// transferred, or -1 on failure.
type Writer interface {
	Write(data []byte) int
}

// Source supplies delivered messages by class.
type Source interface {
	High() <-chan bridge.Message
	Medium() <-chan bridge.Message
	Normal() <-chan bridge.Message
}

// Option configures a Server.
type Option func(*Server)

// WithSendBuffer sets the per-client queue length.
func WithSendBuffer(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.sendBuffer = n
		}
	}
}

// WithMaxMessageSize bounds inbound client messages.
func WithMaxMessageSize(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxMessageSize = n
		}
	}
}

// WithCheckOrigin overrides the upgrader's origin check.
func WithCheckOrigin(f func(*http.Request) bool) Option {
	return func(s *Server) {
		s.upgrader.CheckOrigin = f
	}
}

// Server is an http.Handler that upgrades requests to WebSocket clients.
type Server struct {
	w        Writer
	upgrader websocket.Upgrader

	sendBuffer     int
	maxMessageSize int64

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
	wg      sync.WaitGroup
}

type client struct {
	conn    *websocket.Conn
	addr    string
	send    chan []byte
	done    chan struct{} // closed to stop writePump
	stopped chan struct{} // closed when writePump returns
	once    sync.Once
	missed  uint64 // guarded by Server.mu
}

func (c *client) close() {
	c.once.Do(func() { close(c.done) })
}

// New returns a server writing client messages to w. A nil w makes the
// relay receive-only.
func New(w Writer, opts ...Option) *Server {
	s := &Server{
		w:              w,
		sendBuffer:     DefaultSendBuffer,
		maxMessageSize: DefaultMaxMessageSize,
		clients:        make(map[*client]struct{}),
	}
	s.upgrader.ReadBufferSize = 64 * 1024
	s.upgrader.WriteBufferSize = 64 * 1024
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ServeHTTP upgrades the request and serves the client until it
// disconnects or the server closes.
func (s *Server) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(rw, r, nil)
	if err != nil {
		pkg.LogWarn(pkg.ComponentRelay, "upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := &client{
		conn:    conn,
		addr:    r.RemoteAddr,
		send:    make(chan []byte, s.sendBuffer),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.clients[c] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()

	pkg.LogInfo(pkg.ComponentRelay, "client connected", "remote", c.addr)

	go s.writePump(c)
	s.readPump(c)

	s.mu.Lock()
	delete(s.clients, c)
	missed := c.missed
	s.mu.Unlock()
	c.close()
	<-c.stopped
	s.wg.Done()

	pkg.LogInfo(pkg.ComponentRelay, "client disconnected", "remote", c.addr, "missed", missed)
}

// readPump forwards binary messages to the device until the client goes
// away.
func (s *Server) readPump(c *client) {
	c.conn.SetReadLimit(s.maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		typ, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				pkg.LogWarn(pkg.ComponentRelay, "read failed", "remote", c.addr, "error", err)
			}
			return
		}
		if typ != websocket.BinaryMessage {
			pkg.LogDebug(pkg.ComponentRelay, "ignoring non-binary message", "remote", c.addr, "type", typ)
			continue
		}
		if s.w == nil {
			continue
		}
		if n := s.w.Write(data); n < 0 {
			pkg.LogWarn(pkg.ComponentRelay, "device write failed", "remote", c.addr, "bytes", len(data))
		}
	}
}

// writePump sends queued messages and keepalive pings.
func (s *Server) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		close(c.stopped)
	}()

	for {
		select {
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
			return
		}
	}
}

// Broadcast queues data for every client. A client whose queue is full
// misses the message.
func (s *Server) Broadcast(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		select {
		case c.send <- data:
		default:
			c.missed++
		}
	}
}

// Clients returns the number of connected clients.
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Run broadcasts every message from src until ctx is done or all of src's
// channels are closed.
func (s *Server) Run(ctx context.Context, src Source) {
	high, medium, normal := src.High(), src.Medium(), src.Normal()
	for high != nil || medium != nil || normal != nil {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-high:
			if !ok {
				high = nil
				continue
			}
			s.Broadcast(m.Data)
		case m, ok := <-medium:
			if !ok {
				medium = nil
				continue
			}
			s.Broadcast(m.Data)
		case m, ok := <-normal:
			if !ok {
				normal = nil
				continue
			}
			s.Broadcast(m.Data)
		}
	}
}

// Close disconnects every client and waits for their handlers to return.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
	s.wg.Wait()
	return nil
}
