package dispatch

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/pion/transport/v4/vnet"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/udps/internal/protocol"
	"github.com/1ureka/udps/internal/secure"
	"github.com/1ureka/udps/internal/session"
	"github.com/1ureka/udps/internal/stream"
	"github.com/1ureka/udps/internal/transport"
	"github.com/1ureka/udps/internal/util"
)

// ---------------------------------------------------------------------------
// In-memory carriers
// ---------------------------------------------------------------------------

type hub struct {
	mu       sync.Mutex
	carriers map[netip.AddrPort]*memCarrier
}

func newHub() *hub {
	return &hub{carriers: make(map[netip.AddrPort]*memCarrier)}
}

func (h *hub) attach(t *testing.T, addr string) *memCarrier {
	t.Helper()
	c := &memCarrier{hub: h, addr: netip.MustParseAddrPort(addr), done: make(chan struct{})}
	h.mu.Lock()
	h.carriers[c.addr] = c
	h.mu.Unlock()
	t.Cleanup(func() { _ = c.Close() })
	return c
}

type memCarrier struct {
	hub  *hub
	addr netip.AddrPort

	mu        sync.RWMutex
	handler   transport.Handler
	drop      func(b []byte) bool // outgoing datagrams it returns true for are lost
	done      chan struct{}
	closeOnce sync.Once
}

func (c *memCarrier) Send(to netip.AddrPort, b []byte, done func(error)) {
	select {
	case <-c.done:
		if done != nil {
			go done(transport.ErrClosed)
		}
		return
	default:
	}

	c.mu.RLock()
	drop := c.drop
	c.mu.RUnlock()
	if drop != nil && drop(b) {
		if done != nil {
			go done(nil)
		}
		return
	}

	c.hub.mu.Lock()
	dst := c.hub.carriers[to]
	c.hub.mu.Unlock()
	if dst != nil {
		dst.receive(append([]byte(nil), b...), c.addr)
	}
	if done != nil {
		go done(nil)
	}
}

func (c *memCarrier) receive(b []byte, from netip.AddrPort) {
	select {
	case <-c.done:
		return
	default:
	}
	c.mu.RLock()
	h := c.handler
	c.mu.RUnlock()
	if h != nil {
		h(b, from)
	}
}

func (c *memCarrier) OnDatagram(fn transport.Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = fn
}

func (c *memCarrier) dropWhen(fn func(b []byte) bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.drop = fn
}

func (c *memCarrier) LocalAddr() netip.AddrPort { return c.addr }
func (c *memCarrier) Done() <-chan struct{}     { return c.done }

func (c *memCarrier) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func testConfig() Config {
	return Config{
		Session: session.Config{
			RetryInterval: 50 * time.Millisecond,
			Stream: stream.Config{
				PacketSize:         512,
				WindowSize:         4,
				RetransmitInterval: 50 * time.Millisecond,
			},
		},
	}
}

func dial(t *testing.T, h *hub, addr string, srv netip.AddrPort, cfg Config) (*session.Conn, error) {
	t.Helper()
	carrier := h.attach(t, addr)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, carrier, srv, cfg)
	if err == nil {
		t.Cleanup(func() { _ = c.Close() })
	}
	return c, err
}

func accept(t *testing.T, s *Server) *session.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := s.Accept(ctx)
	require.NoError(t, err)
	return c
}

func waitClosed(t *testing.T, c *session.Conn) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("connection %s still %s", c.SessionID(), c.State())
	}
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestDialAcceptAndExchange(t *testing.T) {
	h := newHub()
	srv := Listen(context.Background(), h.attach(t, "10.0.0.1:9000"), testConfig())
	defer srv.Close()

	client, err := dial(t, h, "10.0.0.2:5555", srv.LocalAddr(), testConfig())
	require.NoError(t, err)
	server := accept(t, srv)

	require.Equal(t, client.SessionID(), server.SessionID())
	require.Equal(t, netip.MustParseAddrPort("10.0.0.2:5555"), server.RemoteAddr())

	// 3000 bytes over window=4, packet=512 arrive byte for byte.
	msg := bytes.Repeat([]byte{0xAB, 0xCD, 0x01}, 1000)
	go func() { _, _ = client.Write(msg) }()
	got := make([]byte, len(msg))
	_, err = io.ReadFull(server, got)
	require.NoError(t, err)
	require.Equal(t, msg, got)

	_, err = server.Write([]byte("reply"))
	require.NoError(t, err)
	reply := make([]byte, 5)
	_, err = io.ReadFull(client, reply)
	require.NoError(t, err)
	require.Equal(t, "reply", string(reply))

	require.NoError(t, client.Close())
	waitClosed(t, server)
	require.Eventually(t, func() bool { return len(srv.Conns()) == 0 }, time.Second, 5*time.Millisecond)
}

func TestConnectionCap(t *testing.T) {
	h := newHub()
	cfg := testConfig()
	cfg.MaxConnections = 2
	srv := Listen(context.Background(), h.attach(t, "10.0.0.1:9000"), cfg)
	defer srv.Close()

	for _, addr := range []string{"10.0.0.2:1", "10.0.0.3:1"} {
		_, err := dial(t, h, addr, srv.LocalAddr(), testConfig())
		require.NoError(t, err)
		accept(t, srv)
	}

	before := util.Stats.Snapshot().Rejected
	dialCfg := testConfig()
	dialCfg.IdleTimeout = 300 * time.Millisecond
	_, err := dial(t, h, "10.0.0.4:1", srv.LocalAddr(), dialCfg)
	require.ErrorIs(t, err, ErrHandshakeFailed)
	require.Len(t, srv.Conns(), 2)
	require.Greater(t, util.Stats.Snapshot().Rejected, before)
}

func TestHandshakeRateLimit(t *testing.T) {
	h := newHub()
	cfg := testConfig()
	cfg.AcceptRate = 0.001
	cfg.AcceptBurst = 1
	srv := Listen(context.Background(), h.attach(t, "10.0.0.1:9000"), cfg)
	defer srv.Close()

	_, err := dial(t, h, "10.0.0.2:1", srv.LocalAddr(), testConfig())
	require.NoError(t, err)

	dialCfg := testConfig()
	dialCfg.IdleTimeout = 300 * time.Millisecond
	_, err = dial(t, h, "10.0.0.3:1", srv.LocalAddr(), dialCfg)
	require.ErrorIs(t, err, ErrHandshakeFailed)
}

func TestInvalidDatagramsCreateNoConnection(t *testing.T) {
	h := newHub()
	srv := Listen(context.Background(), h.attach(t, "10.0.0.1:9000"), testConfig())
	defer srv.Close()
	raw := h.attach(t, "10.0.0.66:66")

	cs, err := secure.NewSession(secure.DefaultCurve, secure.DefaultCipher)
	require.NoError(t, err)
	pub, err := cs.GenerateKeyPair()
	require.NoError(t, err)
	id, err := protocol.NewSessionID()
	require.NoError(t, err)

	// DATA without a session id.
	data := protocol.NewData(0, []byte("x"))
	raw.Send(srv.LocalAddr(), protocol.Encode(data), nil)

	// AUTHENTICATION with a corrupted payload.
	auth := protocol.NewAuthentication(pub, secure.DefaultCurve, secure.DefaultCipher)
	auth.SessionID = id
	wire := protocol.Encode(auth)
	i := bytes.Index(wire, pub)
	require.Positive(t, i)
	wire[i+3] ^= 0x40
	raw.Send(srv.LocalAddr(), wire, nil)

	// Garbage.
	raw.Send(srv.LocalAddr(), []byte{0xff, 0xff, 0xff}, nil)

	// DATA for a session nobody opened.
	data.SessionID = id
	raw.Send(srv.LocalAddr(), protocol.Encode(data), nil)

	require.Empty(t, srv.Conns())
}

func TestIdleEviction(t *testing.T) {
	h := newHub()
	cfg := testConfig()
	cfg.IdleTimeout = 100 * time.Millisecond
	srv := Listen(context.Background(), h.attach(t, "10.0.0.1:9000"), cfg)
	defer srv.Close()
	raw := h.attach(t, "10.0.0.77:77")

	cs, err := secure.NewSession(secure.DefaultCurve, secure.DefaultCipher)
	require.NoError(t, err)
	pub, err := cs.GenerateKeyPair()
	require.NoError(t, err)
	auth := protocol.NewAuthentication(pub, secure.DefaultCurve, secure.DefaultCipher)
	auth.SessionID, err = protocol.NewSessionID()
	require.NoError(t, err)

	replies := make(chan *protocol.Packet, 4)
	raw.OnDatagram(func(b []byte, _ netip.AddrPort) {
		if pkt, err := protocol.Decode(b); err == nil {
			replies <- pkt
		}
	})
	raw.Send(srv.LocalAddr(), protocol.Encode(auth), nil)

	select {
	case pkt := <-replies:
		require.Equal(t, protocol.TypeAuthentication, pkt.Type)
		require.Equal(t, auth.SessionID, pkt.SessionID)
	case <-time.After(5 * time.Second):
		t.Fatal("no reply to AUTHENTICATION")
	}
	require.Len(t, srv.Conns(), 1)
	require.Equal(t, session.StateAwaitSync, srv.Conns()[0].State())

	require.Eventually(t, func() bool { return len(srv.Conns()) == 0 }, 3*time.Second, 10*time.Millisecond)
}

func TestOrphanedResponderIsEvicted(t *testing.T) {
	h := newHub()
	cfg := testConfig()
	cfg.IdleTimeout = 200 * time.Millisecond
	serverSide := h.attach(t, "10.0.0.1:9000")

	// Lose the responder's first final SYNCHRONIZATION: it becomes READY,
	// the initiator retries under a new session id.
	var once sync.Once
	serverSide.dropWhen(func(b []byte) bool {
		pkt, err := protocol.Decode(b)
		if err != nil || pkt.Type != protocol.TypeSynchronization {
			return false
		}
		dropped := false
		once.Do(func() { dropped = true })
		return dropped
	})
	srv := Listen(context.Background(), serverSide, cfg)
	defer srv.Close()

	client, err := dial(t, h, "10.0.0.2:1", srv.LocalAddr(), testConfig())
	require.NoError(t, err)

	orphan := accept(t, srv)
	require.NotEqual(t, client.SessionID(), orphan.SessionID())
	require.Equal(t, session.StateReady, orphan.State())

	// The live connection hears from its peer and must survive.
	_, err = client.Write([]byte("ping"))
	require.NoError(t, err)

	waitClosed(t, orphan)
	require.Eventually(t, func() bool {
		conns := srv.Conns()
		return len(conns) == 1 && conns[0].SessionID() == client.SessionID()
	}, 3*time.Second, 10*time.Millisecond)

	time.Sleep(3 * cfg.IdleTimeout)
	conns := srv.Conns()
	require.Len(t, conns, 1)
	require.Equal(t, session.StateReady, conns[0].State())
}

func TestServerCloseFinalizesClients(t *testing.T) {
	h := newHub()
	srv := Listen(context.Background(), h.attach(t, "10.0.0.1:9000"), testConfig())

	client, err := dial(t, h, "10.0.0.2:1", srv.LocalAddr(), testConfig())
	require.NoError(t, err)
	accept(t, srv)

	require.NoError(t, srv.Close())
	waitClosed(t, client)

	_, err = srv.Accept(context.Background())
	require.ErrorIs(t, err, ErrServerClosed)
}

func TestDialCancelled(t *testing.T) {
	h := newHub()
	carrier := h.attach(t, "10.0.0.2:1")
	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	_, err := Dial(ctx, carrier, netip.MustParseAddrPort("10.0.0.9:9"), testConfig())
	require.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestOverVirtualUDP(t *testing.T) {
	router, err := vnet.NewRouter(&vnet.RouterConfig{CIDR: "192.168.7.0/24", LoggerFactory: util.LoggerFactory})
	require.NoError(t, err)
	netS, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{"192.168.7.1"}})
	require.NoError(t, err)
	netC, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{"192.168.7.2"}})
	require.NoError(t, err)
	require.NoError(t, router.AddNet(netS))
	require.NoError(t, router.AddNet(netC))

	// Drop every fifth datagram on the wire.
	var mu sync.Mutex
	n := 0
	router.AddChunkFilter(func(vnet.Chunk) bool {
		mu.Lock()
		defer mu.Unlock()
		n++
		return n%5 != 0
	})
	require.NoError(t, router.Start())
	defer router.Stop()

	sc, err := transport.ListenUDP(netS, "192.168.7.1:7000")
	require.NoError(t, err)
	cc, err := transport.ListenUDP(netC, "192.168.7.2:0")
	require.NoError(t, err)
	defer cc.Close()

	cfg := testConfig()
	cfg.Session.Curve = secure.CurveX25519
	cfg.Session.Cipher = secure.CipherChaCha20Poly1305
	cfg.Session.RetryInterval = 300 * time.Millisecond
	srv := Listen(context.Background(), sc, testConfig())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client, err := Dial(ctx, cc, sc.LocalAddr(), cfg)
	require.NoError(t, err)
	defer client.Close()

	// Lost final proofs leave ready orphans from earlier attempts behind.
	var server *session.Conn
	for server == nil || server.SessionID() != client.SessionID() {
		server = accept(t, srv)
	}

	msg := bytes.Repeat([]byte("virtual "), 2048)
	go func() { _, _ = client.Write(msg) }()
	got := make([]byte, len(msg))
	_, err = io.ReadFull(server, got)
	require.NoError(t, err)
	require.Equal(t, msg, got)
}
