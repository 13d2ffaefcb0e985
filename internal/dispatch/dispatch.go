// Package dispatch demultiplexes the datagrams of one carrier onto udps
// connections. A Server accepts responder connections; Dial opens a single
// initiator connection.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/1ureka/udps/internal/protocol"
	"github.com/1ureka/udps/internal/session"
	"github.com/1ureka/udps/internal/transport"
	"github.com/1ureka/udps/internal/util"
)

// DefaultMaxConnections is the default cap on concurrent connections.
const DefaultMaxConnections = 16

var (
	ErrServerClosed    = errors.New("dispatch: server closed")
	ErrHandshakeFailed = errors.New("dispatch: handshake failed")
)

// Config controls a Server or a dialed connection.
type Config struct {
	Session        session.Config
	MaxConnections int           // concurrent responder connections
	AcceptRate     float64       // new handshakes per second, 0 = unlimited
	AcceptBurst    int           // handshakes admitted at once
	IdleTimeout    time.Duration // evict stalled connections, 0 = never
}

func (c Config) withDefaults() Config {
	if c.MaxConnections <= 0 {
		c.MaxConnections = DefaultMaxConnections
	}
	if c.AcceptBurst <= 0 {
		c.AcceptBurst = c.MaxConnections
	}
	return c
}

// link sends one connection's datagrams through a shared carrier.
type link struct {
	carrier transport.Carrier
	to      netip.AddrPort
}

func (l link) Send(b []byte, done func(error)) { l.carrier.Send(l.to, b, done) }
func (l link) RemoteAddr() netip.AddrPort      { return l.to }

// decode applies the checks every inbound datagram must pass before it may
// reach a connection.
func decode(b []byte, from netip.AddrPort) (*protocol.Packet, bool) {
	pkt, err := protocol.Decode(b)
	if err != nil {
		util.LogDebug("dispatch: malformed datagram from %s: %v", from, err)
		util.Stats.AddDropped()
		return nil, false
	}
	if pkt.IntegrityErr {
		util.LogDebug("dispatch: checksum mismatch on %s from %s", pkt.Type, from)
		util.Stats.AddDropped()
		return nil, false
	}
	if pkt.SessionID.IsZero() && pkt.Type != protocol.TypeAuthentication {
		util.LogDebug("dispatch: %s without session id from %s", pkt.Type, from)
		util.Stats.AddDropped()
		return nil, false
	}
	return pkt, true
}

// ---------------------------------------------------------------------------
// Server
// ---------------------------------------------------------------------------

// Server accepts udps connections arriving on a carrier.
type Server struct {
	carrier  transport.Carrier
	cfg      Config
	table    *table
	limiter  *rate.Limiter
	accepted chan *session.Conn

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	closeErr  error
}

// Listen starts serving on carrier. The server stops when ctx is cancelled
// or Close is called; either way the carrier is closed.
func Listen(ctx context.Context, carrier transport.Carrier, cfg Config) *Server {
	cfg = cfg.withDefaults()
	limit := rate.Inf
	if cfg.AcceptRate > 0 {
		limit = rate.Limit(cfg.AcceptRate)
	}

	sCtx, cancel := context.WithCancel(ctx)
	s := &Server{
		carrier:  carrier,
		cfg:      cfg,
		table:    newTable(cfg.MaxConnections),
		limiter:  rate.NewLimiter(limit, cfg.AcceptBurst),
		accepted: make(chan *session.Conn, cfg.MaxConnections),
		ctx:      sCtx,
		cancel:   cancel,
	}
	carrier.OnDatagram(s.onDatagram)

	go func() {
		select {
		case <-sCtx.Done():
		case <-carrier.Done():
		}
		s.Close()
	}()
	if cfg.IdleTimeout > 0 {
		go s.evictLoop()
	}

	util.LogInfo("listening on %s (max %d connections)", carrier.LocalAddr(), cfg.MaxConnections)
	return s
}

func (s *Server) onDatagram(b []byte, from netip.AddrPort) {
	pkt, ok := decode(b, from)
	if !ok {
		return
	}
	key := routeKey{addr: from, id: pkt.SessionID}

	if c, ok := s.table.route(key); ok {
		c.Deliver(pkt)
		return
	}
	if pkt.Type != protocol.TypeAuthentication || s.ctx.Err() != nil {
		util.LogDebug("dispatch: %s for unknown session %s from %s", pkt.Type, pkt.SessionID, from)
		util.Stats.AddDropped()
		return
	}
	if !s.limiter.Allow() {
		util.LogDebug("dispatch: handshake rate exceeded, dropping %s", from)
		util.Stats.AddRejected()
		return
	}

	c, created, ok := s.table.getOrCreate(key, func() *session.Conn {
		cfg := s.cfg.Session
		cfg.OnReady = s.onReady
		cfg.OnClose = func(c *session.Conn) { s.table.remove(key, c) }
		return session.NewResponder(link{carrier: s.carrier, to: from}, cfg)
	})
	if !ok {
		util.LogDebug("dispatch: connection table full, dropping %s", from)
		util.Stats.AddRejected()
		return
	}
	if created {
		util.LogDebug("dispatch: new session %s from %s", pkt.SessionID, from)
	}
	c.Deliver(pkt)
}

// onReady runs on the connection's loop.
func (s *Server) onReady(c *session.Conn) {
	select {
	case s.accepted <- c:
	default:
		util.LogWarning("dispatch: accept backlog full, closing %s", c.RemoteAddr())
		go c.Close()
	}
}

// Accept waits for the next connection that completed its handshake.
func (s *Server) Accept(ctx context.Context) (*session.Conn, error) {
	select {
	case c := <-s.accepted:
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.ctx.Done():
		return nil, ErrServerClosed
	}
}

// Conns returns the connections currently in the table.
func (s *Server) Conns() []*session.Conn { return s.table.snapshot() }

func (s *Server) LocalAddr() netip.AddrPort { return s.carrier.LocalAddr() }

// Done is closed once the server stops.
func (s *Server) Done() <-chan struct{} { return s.ctx.Done() }

// Close finalizes every connection, then closes the carrier.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()

		var g errgroup.Group
		for _, c := range s.table.snapshot() {
			g.Go(c.Close)
		}
		_ = g.Wait()

		s.closeErr = s.carrier.Close()
		util.LogInfo("server on %s closed", s.carrier.LocalAddr())
	})
	return s.closeErr
}

// evictLoop closes connections that stopped hearing from their peer.
func (s *Server) evictLoop() {
	ticker := time.NewTicker(s.cfg.IdleTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			for _, c := range s.table.snapshot() {
				if c.Stalled(s.cfg.IdleTimeout) {
					util.LogDebug("dispatch: evicting stalled session %s from %s (%s)", c.SessionID(), c.RemoteAddr(), c.State())
					go c.Close()
				}
			}
		case <-s.ctx.Done():
			return
		}
	}
}

// ---------------------------------------------------------------------------
// Dial
// ---------------------------------------------------------------------------

// Dial opens a connection to remote through carrier and waits for its
// handshake. Only datagrams from remote carrying the connection's current
// session id reach it. The carrier stays owned by the caller.
func Dial(ctx context.Context, carrier transport.Carrier, remote netip.AddrPort, cfg Config) (*session.Conn, error) {
	cfg = cfg.withDefaults()

	var c *session.Conn
	ready := make(chan struct{})
	carrier.OnDatagram(func(b []byte, from netip.AddrPort) {
		<-ready
		if from != remote {
			return
		}
		pkt, ok := decode(b, from)
		if !ok {
			return
		}
		if pkt.SessionID != c.SessionID() {
			util.LogDebug("dispatch: stale session %s from %s", pkt.SessionID, from)
			return
		}
		c.Deliver(pkt)
	})

	c = session.NewInitiator(link{carrier: carrier, to: remote}, cfg.Session)
	close(ready)

	var timeout <-chan time.Time
	if cfg.IdleTimeout > 0 {
		t := time.NewTimer(cfg.IdleTimeout)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case <-c.Ready():
		return c, nil
	case <-ctx.Done():
		c.Close()
		return nil, ctx.Err()
	case <-timeout:
		c.Close()
		return nil, fmt.Errorf("%w: no answer from %s within %s", ErrHandshakeFailed, remote, cfg.IdleTimeout)
	case <-c.Done():
		return nil, fmt.Errorf("%w: %s", ErrHandshakeFailed, remote)
	case <-carrier.Done():
		c.Close()
		return nil, fmt.Errorf("%w: carrier closed", ErrHandshakeFailed)
	}
}
