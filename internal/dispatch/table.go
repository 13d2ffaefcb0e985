package dispatch

import (
	"net/netip"
	"sync"

	"github.com/1ureka/udps/internal/protocol"
	"github.com/1ureka/udps/internal/session"
)

// routeKey identifies a responder connection: the peer's address and port
// plus the session id it chose.
type routeKey struct {
	addr netip.AddrPort
	id   protocol.SessionID
}

// table maintains the routeKey → connection map. Incoming datagrams are
// routed through it to the right connection's event loop.
type table struct {
	mu    sync.Mutex
	conns map[routeKey]*session.Conn
	limit int
}

func newTable(limit int) *table {
	return &table{
		conns: make(map[routeKey]*session.Conn),
		limit: limit,
	}
}

// route looks up the connection for key.
func (t *table) route(key routeKey) (*session.Conn, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.conns[key]
	return c, ok
}

// getOrCreate returns the existing connection for key, or stores the one
// built by create. It reports false, creating nothing, when the table is at
// its limit.
func (t *table) getOrCreate(key routeKey, create func() *session.Conn) (c *session.Conn, created, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, exists := t.conns[key]; exists {
		return c, false, true
	}
	if len(t.conns) >= t.limit {
		return nil, false, false
	}
	c = create()
	t.conns[key] = c
	return c, true, true
}

// remove deletes key if it still maps to c.
func (t *table) remove(key routeKey, c *session.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conns[key] == c {
		delete(t.conns, key)
	}
}

func (t *table) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns)
}

func (t *table) snapshot() []*session.Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*session.Conn, 0, len(t.conns))
	for _, c := range t.conns {
		out = append(out, c)
	}
	return out
}
