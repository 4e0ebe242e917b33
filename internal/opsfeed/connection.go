package opsfeed

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/sheriffbot/sheriff/internal/metrics"
)

// Connection is one moderator console.
type Connection struct {
	ID        string
	Conn      net.Conn
	CreatedAt time.Time

	lastSeen   atomic.Int64 // unix nanos of the last frame read
	processing atomic.Bool
	subscribed atomic.Bool
	chatID     atomic.Int64

	writeMu      sync.Mutex
	writeTimeout time.Duration
}

func newConnection(id string, conn net.Conn, writeTimeout time.Duration) *Connection {
	c := &Connection{ID: id, Conn: conn, CreatedAt: time.Now(), writeTimeout: writeTimeout}
	c.touch()
	return c
}

func (c *Connection) touch() { c.lastSeen.Store(time.Now().UnixNano()) }

// LastSeen returns when the connection last sent a frame.
func (c *Connection) LastSeen() time.Time { return time.Unix(0, c.lastSeen.Load()) }

// Subscribe routes enforcement messages for chatID to this connection. 0
// means every chat.
func (c *Connection) Subscribe(chatID int64) {
	c.chatID.Store(chatID)
	c.subscribed.Store(true)
}

// Wants reports whether a message about chatID should be delivered.
func (c *Connection) Wants(chatID int64) bool {
	if !c.subscribed.Load() {
		return false
	}
	sub := c.chatID.Load()
	return sub == 0 || sub == chatID
}

// WriteMessage sends one text frame.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	if err := wsutil.WriteServerMessage(c.Conn, ws.OpText, data); err != nil {
		return err
	}
	metrics.FeedMessages.WithLabelValues("out").Inc()
	return nil
}

// WritePing sends a protocol-level ping frame.
func (c *Connection) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
}

// Close closes the network connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// Registry tracks live connections by ID and by net.Conn.
type Registry struct {
	mu     sync.RWMutex
	byID   map[string]*Connection
	byConn map[net.Conn]*Connection
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		byID:   make(map[string]*Connection),
		byConn: make(map[net.Conn]*Connection),
	}
}

// Add registers c.
func (r *Registry) Add(c *Connection) {
	r.mu.Lock()
	r.byID[c.ID] = c
	r.byConn[c.Conn] = c
	n := len(r.byID)
	r.mu.Unlock()
	metrics.FeedConnections.Set(float64(n))
}

// Remove unregisters and closes the connection. It reports false when the
// connection was already gone.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	c, ok := r.byID[id]
	if ok {
		delete(r.byID, id)
		delete(r.byConn, c.Conn)
	}
	n := len(r.byID)
	r.mu.Unlock()

	if !ok {
		return false
	}
	metrics.FeedConnections.Set(float64(n))
	_ = c.Close()
	return true
}

// Get returns the connection with id, or nil.
func (r *Registry) Get(id string) *Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byID[id]
}

// GetByConn returns the connection wrapping conn, or nil.
func (r *Registry) GetByConn(conn net.Conn) *Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byConn[conn]
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// All returns a snapshot of the live connections.
func (r *Registry) All() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Connection, 0, len(r.byID))
	for _, c := range r.byID {
		out = append(out, c)
	}
	return out
}

// Fanout writes data to every connection subscribed to chatID and returns
// how many received it. Failed writes are left for the read loop or the
// heartbeat to clean up.
func (r *Registry) Fanout(chatID int64, data []byte) int {
	var sent int
	for _, c := range r.All() {
		if !c.Wants(chatID) {
			continue
		}
		if err := c.WriteMessage(data); err == nil {
			sent++
		}
	}
	return sent
}
