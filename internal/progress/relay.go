// Package progress relays batch progress snapshots to websocket clients.
package progress

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"curriculum-curator/internal/batch"
)

// EventType distinguishes relay messages.
type EventType string

const (
	EventProgress EventType = "progress"
	EventResult   EventType = "result"
)

// Event is the JSON message sent to clients.
type Event struct {
	Type     EventType       `json:"type"`
	Batch    string          `json:"batch"`
	Progress *batch.Progress `json:"progress,omitempty"`
	Result   *batch.Result   `json:"result,omitempty"`
	Time     time.Time       `json:"time"`
}

// Relay is an http.Handler that upgrades requests to websockets and
// broadcasts events to every connected client. Each client has a bounded
// queue; when it is full the oldest queued message is dropped.
type Relay struct {
	upgrader     websocket.Upgrader
	queueSize    int
	pingInterval time.Duration
	writeTimeout time.Duration
	logger       *slog.Logger

	mu      sync.RWMutex
	clients map[*client]struct{}
	latest  map[string][]byte
	closed  bool
}

// Option configures a Relay.
type Option func(*Relay)

// WithQueueSize sets the per-client queue length.
func WithQueueSize(n int) Option {
	return func(r *Relay) {
		if n > 0 {
			r.queueSize = n
		}
	}
}

// WithPingInterval sets the keepalive interval. Clients that do not answer
// within twice the interval are disconnected.
func WithPingInterval(d time.Duration) Option {
	return func(r *Relay) {
		if d > 0 {
			r.pingInterval = d
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *Relay) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithCheckOrigin overrides the websocket origin check.
func WithCheckOrigin(fn func(*http.Request) bool) Option {
	return func(r *Relay) {
		r.upgrader.CheckOrigin = fn
	}
}

// NewRelay creates a Relay.
func NewRelay(opts ...Option) *Relay {
	r := &Relay{
		upgrader: websocket.Upgrader{
			ReadBufferSize:    1024,
			WriteBufferSize:   4096,
			EnableCompression: true,
		},
		queueSize:    32,
		pingInterval: 30 * time.Second,
		writeTimeout: 10 * time.Second,
		logger:       slog.Default(),
		clients:      make(map[*client]struct{}),
		latest:       make(map[string][]byte),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "progress")
	return r
}

type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
	send chan []byte
	done chan struct{}
	once sync.Once
}

// enqueue adds msg without blocking, discarding the oldest queued message when full.
func (c *client) enqueue(msg []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		select {
		case <-c.done:
			return
		case c.send <- msg:
			return
		default:
		}
		select {
		case <-c.send:
		default:
		}
	}
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// ServeHTTP upgrades the connection and registers the client. The latest
// snapshot of every batch seen so far is sent first.
func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("websocket upgrade failed", "remote", req.RemoteAddr, "error", err)
		return
	}

	c := &client{
		conn: conn,
		send: make(chan []byte, r.queueSize),
		done: make(chan struct{}),
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "relay closed"))
		conn.Close()
		return
	}
	r.clients[c] = struct{}{}
	names := make([]string, 0, len(r.latest))
	for name := range r.latest {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		c.enqueue(r.latest[name])
	}
	r.mu.Unlock()

	r.logger.Info("client connected", "remote", req.RemoteAddr, "clients", r.Clients())

	go r.writePump(c)
	r.readPump(c)
}

// readPump discards client messages and tracks pongs until the connection fails.
func (r *Relay) readPump(c *client) {
	defer r.unregister(c)

	pongWait := 2 * r.pingInterval
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				r.logger.Debug("client read failed", "error", err)
			}
			return
		}
	}
}

func (r *Relay) writePump(c *client) {
	ticker := time.NewTicker(r.pingInterval)
	defer ticker.Stop()
	defer r.unregister(c)

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(r.writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				r.logger.Debug("client write failed", "error", err)
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(r.writeTimeout)); err != nil {
				r.logger.Debug("client ping failed", "error", err)
				return
			}
		}
	}
}

func (r *Relay) unregister(c *client) {
	r.mu.Lock()
	_, ok := r.clients[c]
	delete(r.clients, c)
	remaining := len(r.clients)
	r.mu.Unlock()

	c.close()
	if ok {
		r.logger.Info("client disconnected", "clients", remaining)
	}
}

// Broadcast sends ev to every connected client and remembers it as the
// latest state of its batch.
func (r *Relay) Broadcast(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	msg, err := json.Marshal(ev)
	if err != nil {
		r.logger.Error("encoding progress event", "error", err)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.latest[ev.Batch] = msg
	for c := range r.clients {
		c.enqueue(msg)
	}
}

// Forward broadcasts every snapshot from stream until it is closed or ctx ends.
func (r *Relay) Forward(ctx context.Context, stream *batch.ProgressStream) {
	for {
		select {
		case <-ctx.Done():
			return
		case p, ok := <-stream.C():
			if !ok {
				return
			}
			r.Broadcast(Event{Type: EventProgress, Batch: p.Batch, Progress: &p})
		}
	}
}

// PublishResult broadcasts the final result of a batch.
func (r *Relay) PublishResult(res *batch.Result) {
	if res == nil {
		return
	}
	r.Broadcast(Event{Type: EventResult, Batch: res.Name, Result: res})
}

// Clients returns the number of connected clients.
func (r *Relay) Clients() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// Close disconnects every client and rejects new ones.
func (r *Relay) Close() {
	r.mu.Lock()
	r.closed = true
	clients := make([]*client, 0, len(r.clients))
	for c := range r.clients {
		clients = append(clients, c)
	}
	r.clients = make(map[*client]struct{})
	r.mu.Unlock()

	for _, c := range clients {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "relay closed"), time.Now().Add(time.Second))
		c.close()
	}
}
