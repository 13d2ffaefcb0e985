// Package session implements one udps connection: the authenticated
// key-agreement handshake and the event loop that serializes every packet,
// timer and application request of that connection.
package session

import (
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/1ureka/udps/internal/protocol"
	"github.com/1ureka/udps/internal/secure"
	"github.com/1ureka/udps/internal/stream"
	"github.com/1ureka/udps/internal/util"
)

// ErrClosed is returned by operations on a closed connection.
var ErrClosed = stream.ErrClosed

const (
	DefaultRetryInterval = time.Second
	defaultInboxSize     = 256
)

// Link transmits encoded datagrams to the connection's peer. done, if set,
// is called exactly once when the datagram has been handed to the network or
// failed to be.
type Link interface {
	Send(b []byte, done func(error))
	RemoteAddr() netip.AddrPort
}

// Config holds the per-connection parameters.
type Config struct {
	Curve         string // initiator proposal; the responder adopts the peer's
	Cipher        string
	RetryInterval time.Duration
	Stream        stream.Config
	InboxSize     int

	// OnReady is called on the connection's loop once it is READY.
	OnReady func(*Conn)
	// OnClose is called on the connection's loop once it is CLOSED.
	OnClose func(*Conn)
}

func (c Config) withDefaults() Config {
	if c.Curve == "" {
		c.Curve = secure.DefaultCurve
	}
	if c.Cipher == "" {
		c.Cipher = secure.DefaultCipher
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = DefaultRetryInterval
	}
	if c.InboxSize <= 0 {
		c.InboxSize = defaultInboxSize
	}
	return c
}

// Conn is one udps connection.
type Conn struct {
	role Role
	cfg  Config
	link Link

	inbox     chan func()
	done      chan struct{}
	readyCh   chan struct{}
	stateV    atomic.Int32
	idV       atomic.Value // protocol.SessionID
	lastSeen  atomic.Int64
	closeOnce sync.Once

	// Owned by the loop.
	state     State
	ready     bool
	heard     bool // a frame arrived after READY
	closing   bool
	id        protocol.SessionID
	crypto    *secure.Session
	retry     stream.Timer
	authReply *protocol.Packet // responder: resent on duplicate AUTHENTICATION
	syncProof *protocol.Packet // initiator: resent on duplicate reply
	stream    *stream.Stream
}

func newConn(role Role, link Link, cfg Config) *Conn {
	cfg = cfg.withDefaults()
	c := &Conn{
		role:    role,
		cfg:     cfg,
		link:    link,
		inbox:   make(chan func(), cfg.InboxSize),
		done:    make(chan struct{}),
		readyCh: make(chan struct{}),
	}
	c.idV.Store(protocol.SessionID{})
	c.touch()
	c.stream = stream.New(c, cfg.Stream)
	go c.run()
	return c
}

// NewInitiator creates a connection and starts the handshake towards the
// link's peer.
func NewInitiator(link Link, cfg Config) *Conn {
	c := newConn(Initiator, link, cfg)
	c.post(c.initiate)
	return c
}

// NewResponder creates a connection that waits for the peer's
// AUTHENTICATION. The caller delivers it with Deliver.
func NewResponder(link Link, cfg Config) *Conn {
	return newConn(Responder, link, cfg)
}

// run is the event loop. Every state transition happens here.
func (c *Conn) run() {
	for {
		select {
		case fn := <-c.inbox:
			fn()
			if c.state == StateClosed {
				return
			}
		case <-c.done:
			return
		}
	}
}

// post queues fn on the loop. It gives up once the connection is closed.
func (c *Conn) post(fn func()) {
	select {
	case c.inbox <- fn:
	case <-c.done:
	}
}

// Deliver hands a decoded packet to the connection. Packets are dropped when
// the inbox is full, as the network would.
func (c *Conn) Deliver(pkt *protocol.Packet) {
	c.touch()
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.inbox <- func() { c.handle(pkt) }:
	default:
		util.LogDebug("session %s: inbox full, dropping %s", c.SessionID(), pkt.Type)
		util.Stats.AddDropped()
	}
}

// ---------------------------------------------------------------------------
// Application API
// ---------------------------------------------------------------------------

// Ready is closed once the handshake completes.
func (c *Conn) Ready() <-chan struct{} { return c.readyCh }

// Done is closed once the connection is CLOSED.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Stream returns the connection's byte stream. It carries data only after
// Ready is closed.
func (c *Conn) Stream() *stream.Stream { return c.stream }

// Read reads from the connection's stream.
func (c *Conn) Read(p []byte) (int, error) { return c.stream.Read(p) }

// Write writes to the connection's stream and waits for acknowledgment.
func (c *Conn) Write(p []byte) (int, error) { return c.stream.Write(p) }

func (c *Conn) Role() Role                 { return c.role }
func (c *Conn) RemoteAddr() netip.AddrPort { return c.link.RemoteAddr() }
func (c *Conn) State() State               { return State(c.stateV.Load()) }

// SessionID returns the current session id. An initiator's id changes on
// every handshake retry.
func (c *Conn) SessionID() protocol.SessionID {
	return c.idV.Load().(protocol.SessionID)
}

// LastActivity returns when the connection last received a packet.
func (c *Conn) LastActivity() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

// Close sends FINALIZE if the connection is READY and waits until it is
// CLOSED. Connections that never became ready are torn down locally.
func (c *Conn) Close() error {
	c.post(c.beginClose)
	<-c.done
	return nil
}

// ---------------------------------------------------------------------------
// stream.Owner
// ---------------------------------------------------------------------------

// SendData transmits a sealed DATA frame.
func (c *Conn) SendData(seq uint64, payload []byte) {
	if !c.ready || c.closing {
		return
	}
	c.transmit(protocol.NewData(seq, payload), nil)
}

// SendAck transmits an ACKNOWLEDGMENT frame.
func (c *Conn) SendAck(seq uint64) {
	if !c.ready {
		return
	}
	c.transmit(protocol.NewAcknowledgment(seq), nil)
}

// Do runs fn on the loop and waits for it. It returns ErrClosed, without
// running fn, if the connection is closed first.
func (c *Conn) Do(fn func()) error {
	ran := make(chan struct{})
	select {
	case c.inbox <- func() { fn(); close(ran) }:
	case <-c.done:
		return ErrClosed
	}
	select {
	case <-ran:
		return nil
	case <-c.done:
		select {
		case <-ran:
			return nil
		default:
			return ErrClosed
		}
	}
}

// AfterFunc runs fn on the loop after d.
func (c *Conn) AfterFunc(d time.Duration, fn func()) stream.Timer {
	return time.AfterFunc(d, func() { c.post(fn) })
}

// ---------------------------------------------------------------------------
// Loop internals
// ---------------------------------------------------------------------------

func (c *Conn) touch() { c.lastSeen.Store(time.Now().UnixNano()) }

func (c *Conn) setState(s State) {
	c.state = s
	c.stateV.Store(int32(s))
}

func (c *Conn) setID(id protocol.SessionID) {
	c.id = id
	c.idV.Store(id)
}

// transmit stamps the session id, seals payloads once ready and hands the
// encoded packet to the link.
func (c *Conn) transmit(pkt *protocol.Packet, done func(error)) {
	pkt.SessionID = c.id
	if c.ready && pkt.Payload != nil && pkt.Protocol != protocol.StateEncrypted {
		if err := c.seal(pkt); err != nil {
			util.LogError("session %s: seal %s: %v", c.id, pkt.Type, err)
			if done != nil {
				done(err)
			}
			return
		}
	}
	c.link.Send(protocol.Encode(pkt), done)
}

func (c *Conn) seal(pkt *protocol.Packet) error {
	ct, iv, tag, err := c.crypto.Seal(pkt.Payload)
	if err != nil {
		return err
	}
	pkt.Protocol = protocol.StateEncrypted
	pkt.Payload, pkt.IV, pkt.AuthTag = ct, iv, tag
	return nil
}

// open decrypts an ENCRYPTED packet's payload in place.
func (c *Conn) open(pkt *protocol.Packet) error {
	if pkt.Protocol != protocol.StateEncrypted {
		return secure.ErrAuthenticationFailed
	}
	pt, err := c.crypto.Open(pkt.Payload, pkt.IV, pkt.AuthTag)
	if err != nil {
		return err
	}
	pkt.Protocol = protocol.StateRaw
	pkt.Payload, pkt.IV, pkt.AuthTag = pt, nil, nil
	return nil
}

func (c *Conn) handle(pkt *protocol.Packet) {
	if c.state == StateClosed {
		return
	}
	switch pkt.Type {
	case protocol.TypeAuthentication:
		c.onAuthentication(pkt)
	case protocol.TypeSynchronization:
		c.onSynchronization(pkt)
	case protocol.TypeData, protocol.TypeAcknowledgment:
		c.onStreamFrame(pkt)
	case protocol.TypeFinalize:
		if c.state == StateReady && pkt.SessionID == c.id {
			c.heard = true
			util.LogDebug("session %s: peer finalized", c.id)
			c.teardown()
		}
	}
}

func (c *Conn) onStreamFrame(pkt *protocol.Packet) {
	if c.state != StateReady || pkt.SessionID != c.id {
		return
	}
	if pkt.Type == protocol.TypeAcknowledgment {
		c.heard = true
		c.stream.HandleAck(pkt.Sequence)
		return
	}
	if err := c.open(pkt); err != nil {
		util.LogDebug("session %s: dropping DATA %d: %v", c.id, pkt.Sequence, err)
		util.Stats.AddDropped()
		return
	}
	c.heard = true
	c.stream.HandleData(pkt.Sequence, pkt.Payload)
}

func (c *Conn) beginClose() {
	if c.state == StateClosed || c.closing {
		return
	}
	if c.state != StateReady {
		c.teardown()
		return
	}
	c.closing = true
	c.transmit(protocol.NewFinalize(), func(err error) {
		if err != nil {
			util.LogDebug("session %s: FINALIZE not sent: %v", c.id, err)
		}
		c.post(c.teardown)
	})
}

// teardown moves to CLOSED, cancels every timer and ends the stream.
func (c *Conn) teardown() {
	if c.state == StateClosed {
		return
	}
	accepted := c.accepted()
	c.setState(StateClosed)
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
	c.stream.Shutdown()
	c.closeOnce.Do(func() { close(c.done) })

	if accepted {
		util.Stats.RemoveSession()
		util.LogInfo("session %s with %s closed", c.id, c.RemoteAddr())
	}
	if c.cfg.OnClose != nil {
		c.cfg.OnClose(c)
	}
}

// accepted reports whether the application was told the connection is READY.
func (c *Conn) accepted() bool {
	select {
	case <-c.readyCh:
		return true
	default:
		return false
	}
}

// accept marks the connection READY for the application.
func (c *Conn) accept() {
	if c.state != StateReady || c.accepted() {
		return
	}
	close(c.readyCh)
	util.Stats.AddSession()
	util.LogInfo("session %s with %s ready (%s, %s, %s)", c.id, c.RemoteAddr(), c.role, c.crypto.Curve(), c.crypto.Cipher())
	if c.cfg.OnReady != nil {
		c.cfg.OnReady(c)
	}
}

// Stalled reports whether nothing arrived for d while the connection still
// needs its peer: the handshake is unfinished, sent data is unacknowledged,
// or the peer has not sent a single frame since the handshake. The last case
// covers a responder whose final SYNCHRONIZATION was lost while the
// initiator moved on to a new session id.
func (c *Conn) Stalled(d time.Duration) bool {
	if time.Since(c.LastActivity()) < d {
		return false
	}
	stalled := true
	if err := c.Do(func() {
		stalled = c.state != StateReady || !c.heard || !c.stream.Idle()
	}); err != nil {
		return false
	}
	return stalled
}
