// Package stream implements the windowed reliable-delivery engine that runs
// on top of a ready connection: fragmentation into sequenced DATA frames, a
// fixed in-flight window with per-fragment retransmission, receiver-side
// reordering with per-packet acknowledgments, and the byte-stream surface
// handed to the application.
//
// The engine methods (HandleData, HandleAck, Shutdown) must be called from the
// owning connection's event loop. Write, Read and Close may be called from any
// goroutine.
package stream

import (
	"errors"
	"io"
	"iter"
	"sync"
	"time"

	"github.com/1ureka/udps/internal/util"
)

// ErrClosed is returned by writes that were pending or issued after close.
var ErrClosed = errors.New("stream: closed")

// Defaults used when a Config field is zero.
const (
	DefaultPacketSize         = 1024
	DefaultWindowSize         = 16
	DefaultRetransmitInterval = time.Second
)

// Config fixes the framing of one stream. It is not negotiated.
type Config struct {
	PacketSize         int           // bytes per DATA fragment
	WindowSize         int           // fragments per window and out-of-order bound
	RetransmitInterval time.Duration // fixed resend period
}

func (c Config) withDefaults() Config {
	if c.PacketSize <= 0 {
		c.PacketSize = DefaultPacketSize
	}
	if c.WindowSize <= 0 {
		c.WindowSize = DefaultWindowSize
	}
	if c.RetransmitInterval <= 0 {
		c.RetransmitInterval = DefaultRetransmitInterval
	}
	return c
}

// Owner is the connection a Stream belongs to.
type Owner interface {
	// SendData transmits a DATA frame; the owner seals it.
	SendData(seq uint64, payload []byte)
	// SendAck transmits an ACKNOWLEDGMENT frame.
	SendAck(seq uint64)
	// Do schedules fn on the owner's event loop.
	Do(fn func()) error
	// AfterFunc runs fn on the owner's event loop after d.
	AfterFunc(d time.Duration, fn func()) Timer
	// Close closes the owning connection.
	Close() error
}

// Stream is the byte stream of one ready connection.
type Stream struct {
	owner Owner
	cfg   Config

	send  *sender
	reasm *Reassembler

	// maxUnread bounds bytes delivered but not yet read by the application.
	maxUnread int

	mu     sync.Mutex
	cond   *sync.Cond
	chunks [][]byte
	unread int
	eof    bool
}

// New creates a Stream bound to owner.
func New(owner Owner, cfg Config) *Stream {
	cfg = cfg.withDefaults()
	s := &Stream{
		owner:     owner,
		cfg:       cfg,
		send:      newSender(owner, cfg),
		reasm:     NewReassembler(cfg.WindowSize),
		maxUnread: cfg.WindowSize * cfg.WindowSize * cfg.PacketSize,
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Config returns the stream's framing parameters.
func (s *Stream) Config() Config { return s.cfg }

// ---------------------------------------------------------------------------
// Application side
// ---------------------------------------------------------------------------

// WriteAsync queues p for delivery and returns a channel that receives nil
// once every window carrying p has been acknowledged, or ErrClosed if the
// connection closes first.
func (s *Stream) WriteAsync(p []byte) <-chan error {
	done := make(chan error, 1)
	if len(p) == 0 {
		done <- nil
		return done
	}
	req := &writeReq{data: append([]byte(nil), p...), done: done}
	if err := s.owner.Do(func() { s.send.enqueue(req) }); err != nil {
		done <- ErrClosed
	}
	return done
}

// Write queues p and blocks until the peer has acknowledged all of it.
func (s *Stream) Write(p []byte) (int, error) {
	if err := <-s.WriteAsync(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Read reads delivered bytes in order. It returns io.EOF once the connection
// has closed and every delivered byte has been read.
func (s *Stream) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.chunks) == 0 && !s.eof {
		s.cond.Wait()
	}
	if len(s.chunks) == 0 {
		return 0, io.EOF
	}

	n := copy(p, s.chunks[0])
	if n == len(s.chunks[0]) {
		s.chunks[0] = nil
		s.chunks = s.chunks[1:]
	} else {
		s.chunks[0] = s.chunks[0][n:]
	}
	s.unread -= n
	return n, nil
}

// ReadChunk returns the next delivered chunk as it arrived, or io.EOF.
func (s *Stream) ReadChunk() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.chunks) == 0 && !s.eof {
		s.cond.Wait()
	}
	if len(s.chunks) == 0 {
		return nil, io.EOF
	}

	c := s.chunks[0]
	s.chunks[0] = nil
	s.chunks = s.chunks[1:]
	s.unread -= len(c)
	return c, nil
}

// Chunks yields delivered chunks in order until the connection closes.
func (s *Stream) Chunks() iter.Seq[[]byte] {
	return func(yield func([]byte) bool) {
		for {
			c, err := s.ReadChunk()
			if err != nil || !yield(c) {
				return
			}
		}
	}
}

// Close closes the owning connection.
func (s *Stream) Close() error {
	return s.owner.Close()
}

// ---------------------------------------------------------------------------
// Engine side (owner's event loop)
// ---------------------------------------------------------------------------

// HandleData processes an opened DATA frame.
func (s *Stream) HandleData(seq uint64, payload []byte) {
	if seq < s.reasm.Expected() {
		// Our earlier ack may have been lost; repeat it.
		s.owner.SendAck(seq)
		return
	}
	if s.unreadBytes() >= s.maxUnread {
		util.LogDebug("stream: receive buffer full, dropping seq %d", seq)
		util.Stats.AddDropped()
		return
	}

	ready, verdict := s.reasm.Feed(seq, payload)
	switch verdict {
	case Delivered:
		for _, f := range ready {
			s.deliver(f.Data)
			s.owner.SendAck(f.Seq)
		}
	case Overflow:
		util.LogDebug("stream: out-of-order buffer full, dropping seq %d (expected %d)", seq, s.reasm.Expected())
		util.Stats.AddDropped()
	}
}

// HandleAck processes an ACKNOWLEDGMENT frame.
func (s *Stream) HandleAck(seq uint64) {
	s.send.ack(seq)
}

// Shutdown cancels every retransmission timer, fails pending writes and ends
// the read side. It is idempotent.
func (s *Stream) Shutdown() {
	s.send.shutdown()

	s.mu.Lock()
	s.eof = true
	s.mu.Unlock()
	s.cond.Broadcast()
}

// Idle reports whether no write is queued or in flight.
func (s *Stream) Idle() bool { return s.send.idle() }

func (s *Stream) deliver(b []byte) {
	s.mu.Lock()
	s.chunks = append(s.chunks, b)
	s.unread += len(b)
	s.mu.Unlock()
	s.cond.Broadcast()
	util.Stats.AddRecv(len(b))
}

func (s *Stream) unreadBytes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unread
}
