package transport

import (
	"context"
	"net/netip"
	"sync"
)

const sendBufferSize = 256 // outgoing datagram queue capacity

type outgoing struct {
	to   netip.AddrPort
	b    []byte
	done func(error)
}

// sender is a goroutine-based datagram writer that serializes all writes to
// one socket. Datagrams still queued when the carrier closes complete with
// ErrClosed.
type sender struct {
	inbox chan outgoing
	write func(to netip.AddrPort, b []byte) error

	mu     sync.RWMutex
	sealed bool
	halted chan struct{}
}

// newSender starts the writer loop. It exits when ctx is cancelled.
func newSender(ctx context.Context, write func(netip.AddrPort, []byte) error) *sender {
	s := &sender{
		inbox:  make(chan outgoing, sendBufferSize),
		write:  write,
		halted: make(chan struct{}),
	}
	go s.loop(ctx)
	return s
}

// loop is the single-writer goroutine.
func (s *sender) loop(ctx context.Context) {
	defer close(s.halted)
	for {
		select {
		case out := <-s.inbox:
			complete(out.done, s.write(out.to, out.b))
		case <-ctx.Done():
			s.drain()
			return
		}
	}
}

func (s *sender) drain() {
	// Wait until no send can still enqueue.
	s.mu.Lock()
	s.sealed = true
	s.mu.Unlock()

	for {
		select {
		case out := <-s.inbox:
			complete(out.done, ErrClosed)
		default:
			return
		}
	}
}

// send enqueues a datagram. It blocks while the queue is full and completes
// with ErrClosed once ctx is cancelled.
func (s *sender) send(ctx context.Context, out outgoing) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.sealed {
		complete(out.done, ErrClosed)
		return
	}
	select {
	case s.inbox <- out:
	case <-ctx.Done():
		complete(out.done, ErrClosed)
	}
}
