package session

import (
	"bytes"
	"crypto/rand"
	"errors"
	"io"
	mrand "math/rand/v2"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/1ureka/udps/internal/protocol"
	"github.com/1ureka/udps/internal/secure"
	"github.com/1ureka/udps/internal/stream"
	"github.com/1ureka/udps/internal/util"
)

// fakeLink delivers every datagram straight to the peer connection, after
// an optional filter that may drop, rewrite or duplicate it.
type fakeLink struct {
	addr netip.AddrPort

	mu     sync.Mutex
	peer   *Conn
	filter func(*protocol.Packet) []*protocol.Packet
	fail   func(*protocol.Packet) error // a non-nil result fails the send
	sent   []*protocol.Packet
}

func newFakeLink(addr string) *fakeLink {
	return &fakeLink{addr: netip.MustParseAddrPort(addr)}
}

func (l *fakeLink) RemoteAddr() netip.AddrPort { return l.addr }

func (l *fakeLink) Send(b []byte, done func(error)) {
	pkt, err := protocol.Decode(b)
	if err != nil {
		panic(err)
	}

	l.mu.Lock()
	l.sent = append(l.sent, pkt.Clone())
	peer, filter, fail := l.peer, l.filter, l.fail
	l.mu.Unlock()

	if fail != nil {
		if err := fail(pkt); err != nil {
			if done != nil {
				go done(err)
			}
			return
		}
	}

	out := []*protocol.Packet{pkt}
	if filter != nil {
		out = filter(pkt)
	}
	if peer != nil {
		for _, p := range out {
			peer.Deliver(p)
		}
	}
	if done != nil {
		go done(nil)
	}
}

func (l *fakeLink) setPeer(c *Conn) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.peer = c
}

func (l *fakeLink) setFilter(f func(*protocol.Packet) []*protocol.Packet) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.filter = f
}

func (l *fakeLink) setFail(f func(*protocol.Packet) error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fail = f
}

func (l *fakeLink) sentOf(t protocol.FrameType) []*protocol.Packet {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*protocol.Packet
	for _, p := range l.sent {
		if p.Type == t {
			out = append(out, p)
		}
	}
	return out
}

func testConfig() Config {
	return Config{
		RetryInterval: 50 * time.Millisecond,
		Stream: stream.Config{
			PacketSize:         256,
			WindowSize:         8,
			RetransmitInterval: 30 * time.Millisecond,
		},
	}
}

// newPair wires an initiator and a responder back to back.
func newPair(t *testing.T, cfg Config) (a, b *Conn, ab, ba *fakeLink) {
	t.Helper()
	ab = newFakeLink("10.0.0.2:7000")
	ba = newFakeLink("10.0.0.1:7001")

	b = NewResponder(ba, cfg)
	a = NewInitiator(ab, cfg)
	ba.setPeer(a)
	ab.setPeer(b)

	t.Cleanup(func() {
		ab.setFilter(nil)
		ba.setFilter(nil)
		ba.setFail(nil)
		_ = a.Close()
		_ = b.Close()
	})
	return a, b, ab, ba
}

func waitReady(t *testing.T, c *Conn) {
	t.Helper()
	select {
	case <-c.Ready():
	case <-time.After(5 * time.Second):
		t.Fatalf("%s never became ready (state %s)", c.Role(), c.State())
	}
}

func waitDone(t *testing.T, c *Conn) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("%s never closed (state %s)", c.Role(), c.State())
	}
}

func TestHandshakeAndTransfer(t *testing.T) {
	a, b, _, _ := newPair(t, testConfig())
	waitReady(t, a)
	waitReady(t, b)

	require.Equal(t, StateReady, a.State())
	require.Equal(t, StateReady, b.State())
	require.Equal(t, a.SessionID(), b.SessionID())
	require.False(t, a.SessionID().IsZero())

	data := bytes.Repeat([]byte("udps stream "), 1000)
	got := make(chan []byte, 1)
	go func() {
		buf := make([]byte, len(data))
		_, _ = io.ReadFull(b, buf)
		got <- buf
	}()

	n, err := a.Write(data)
	require.NoError(t, err)
	require.Equal(t, len(data), n)
	require.Equal(t, data, <-got)

	// Peer-initiated close reaches the other side through FINALIZE.
	require.NoError(t, a.Close())
	waitDone(t, b)
	require.Equal(t, StateClosed, b.State())

	_, err = b.Read(make([]byte, 1))
	require.ErrorIs(t, err, io.EOF)
	_, err = a.Write([]byte("late"))
	require.ErrorIs(t, err, ErrClosed)
}

func TestAllCipherSuitesHandshake(t *testing.T) {
	for _, curve := range secure.Curves() {
		for _, cipher := range secure.Ciphers() {
			t.Run(curve+"/"+cipher, func(t *testing.T) {
				cfg := testConfig()
				cfg.Curve, cfg.Cipher = curve, cipher
				a, b, _, _ := newPair(t, cfg)
				waitReady(t, a)
				waitReady(t, b)
			})
		}
	}
}

func TestForgedSynchronizationIsIgnored(t *testing.T) {
	a, b, ab, _ := newPair(t, testConfig())

	ab.setFilter(func(p *protocol.Packet) []*protocol.Packet {
		if p.Type != protocol.TypeSynchronization {
			return []*protocol.Packet{p}
		}
		forged := &protocol.Packet{
			Protocol:  protocol.StateEncrypted,
			Type:      protocol.TypeSynchronization,
			SessionID: p.SessionID,
			Payload:   randomBytes(32),
			IV:        randomBytes(secure.NonceSize),
			AuthTag:   randomBytes(16),
		}
		return []*protocol.Packet{forged}
	})

	require.Eventually(t, func() bool { return b.State() == StateAwaitSync }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(200 * time.Millisecond)

	require.Equal(t, StateAwaitSync, b.State())
	require.Equal(t, StateAwaitPeerKey, a.State())
	select {
	case <-b.Ready():
		t.Fatal("responder accepted a forged proof")
	default:
	}
}

func TestUnsupportedCurveNeverReady(t *testing.T) {
	link := newFakeLink("10.0.0.9:9")
	c := NewResponder(link, testConfig())

	id, err := protocol.NewSessionID()
	require.NoError(t, err)
	auth := protocol.NewAuthentication(randomBytes(133), "garbled-curve", secure.DefaultCipher)
	auth.SessionID = id
	c.Deliver(auth)

	waitDone(t, c)
	require.Equal(t, StateClosed, c.State())
	select {
	case <-c.Ready():
		t.Fatal("connection with an unsupported curve became ready")
	default:
	}
	require.Empty(t, link.sentOf(protocol.TypeAuthentication))
}

func TestRetryRotatesSessionID(t *testing.T) {
	link := newFakeLink("10.0.0.3:3")
	c := NewInitiator(link, testConfig())
	t.Cleanup(func() { _ = c.Close() })

	require.Eventually(t, func() bool {
		return len(link.sentOf(protocol.TypeAuthentication)) >= 3
	}, 2*time.Second, 5*time.Millisecond)

	seen := map[protocol.SessionID]bool{}
	keys := map[string]bool{}
	for _, p := range link.sentOf(protocol.TypeAuthentication) {
		seen[p.SessionID] = true
		keys[string(p.Payload)] = true
	}
	n := len(link.sentOf(protocol.TypeAuthentication))
	require.GreaterOrEqual(t, len(seen), 3)
	require.Len(t, keys, len(seen))
	require.LessOrEqual(t, len(seen), n)
}

func TestDuplicatedHandshakeFrames(t *testing.T) {
	dup := func(p *protocol.Packet) []*protocol.Packet { return []*protocol.Packet{p, p.Clone()} }

	ab := newFakeLink("10.0.0.2:7000")
	ba := newFakeLink("10.0.0.1:7001")
	ab.setFilter(dup)
	ba.setFilter(dup)

	b := NewResponder(ba, testConfig())
	a := NewInitiator(ab, testConfig())
	ba.setPeer(a)
	ab.setPeer(b)
	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})

	waitReady(t, a)
	waitReady(t, b)

	// Every reply the responder sent for this session is the same frame.
	var replies []*protocol.Packet
	for _, p := range ba.sentOf(protocol.TypeAuthentication) {
		if p.SessionID == b.SessionID() {
			replies = append(replies, p)
		}
	}
	require.NotEmpty(t, replies)
	for _, r := range replies[1:] {
		require.True(t, r.Equal(replies[0]))
	}

	// Resent proofs are byte-identical, not re-derived.
	var proofs []*protocol.Packet
	for _, p := range ab.sentOf(protocol.TypeSynchronization) {
		if p.SessionID == a.SessionID() {
			proofs = append(proofs, p)
		}
	}
	require.NotEmpty(t, proofs)
	for _, p := range proofs[1:] {
		require.True(t, p.Equal(proofs[0]))
	}
}

func TestTransferOverLossyLink(t *testing.T) {
	a, b, ab, ba := newPair(t, testConfig())
	waitReady(t, a)
	waitReady(t, b)

	lossy := func(p *protocol.Packet) []*protocol.Packet {
		switch r := mrand.Float64(); {
		case r < 0.2:
			return nil
		case r < 0.3:
			return []*protocol.Packet{p, p.Clone()}
		default:
			return []*protocol.Packet{p}
		}
	}
	ab.setFilter(lossy)
	ba.setFilter(lossy)

	data := randomBytes(32 * 1024)
	got := make(chan []byte, 1)
	go func() {
		buf := make([]byte, len(data))
		_, _ = io.ReadFull(b, buf)
		got <- buf
	}()

	_, err := a.Write(data)
	require.NoError(t, err)
	select {
	case buf := <-got:
		require.Equal(t, data, buf)
	case <-time.After(10 * time.Second):
		t.Fatal("reader did not receive every byte")
	}
}

func TestCloseBeforeReadySendsNoFinalize(t *testing.T) {
	link := newFakeLink("10.0.0.4:4")
	c := NewInitiator(link, testConfig())

	require.Eventually(t, func() bool { return c.State() == StateAwaitPeerKey }, time.Second, time.Millisecond)
	require.NoError(t, c.Close())

	require.Equal(t, StateClosed, c.State())
	require.Empty(t, link.sentOf(protocol.TypeFinalize))

	// The retry timer is gone.
	sent := len(link.sentOf(protocol.TypeAuthentication))
	time.Sleep(150 * time.Millisecond)
	require.Len(t, link.sentOf(protocol.TypeAuthentication), sent)
}

func TestReadyConnectionIgnoresLateAuthentication(t *testing.T) {
	a, b, _, _ := newPair(t, testConfig())
	waitReady(t, a)
	waitReady(t, b)

	id := b.SessionID()
	auth := protocol.NewAuthentication(randomBytes(133), secure.DefaultCurve, secure.DefaultCipher)
	auth.SessionID = id
	b.Deliver(auth)

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, StateReady, b.State())
	require.Equal(t, id, b.SessionID())
}

func randomBytes(n int) []byte {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return b
}

func TestStalledUntilPeerSpeaks(t *testing.T) {
	a, b, _, _ := newPair(t, testConfig())
	waitReady(t, a)
	waitReady(t, b)

	// Nothing arrived since the handshake: indistinguishable from a peer
	// that never saw our final SYNCHRONIZATION.
	require.True(t, b.Stalled(0))
	require.False(t, b.Stalled(time.Hour))

	_, err := a.Write([]byte("hello"))
	require.NoError(t, err)
	require.False(t, b.Stalled(0))
	require.False(t, a.Stalled(0))
}

func TestFailedFinalSynchronizationIsNotCounted(t *testing.T) {
	before := util.Stats.Snapshot()

	cfg := testConfig()
	cfg.RetryInterval = time.Hour
	_, b, _, ba := newPair(t, cfg)
	ba.setFail(func(p *protocol.Packet) error {
		if p.Type == protocol.TypeSynchronization {
			return errors.New("link down")
		}
		return nil
	})

	waitDone(t, b)
	select {
	case <-b.Ready():
		t.Fatal("responder reported ready without sending its proof")
	default:
	}

	after := util.Stats.Snapshot()
	require.Equal(t, before.Sessions, after.Sessions)
	require.Equal(t, before.ClosedSessions, after.ClosedSessions)
}
