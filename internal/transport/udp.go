package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"sync"

	pnet "github.com/pion/transport/v4"
	"github.com/pion/transport/v4/stdnet"

	"github.com/1ureka/udps/internal/util"
)

// UDP is a Carrier over one UDP socket.
type UDP struct {
	conn   net.PacketConn
	local  netip.AddrPort
	sender *sender

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	handler Handler

	closeOnce sync.Once
	readDone  chan struct{}
}

// ListenUDP binds a UDP socket on address (host:port, port 0 picks one) in
// the network nw. A nil nw uses the host's network stack.
func ListenUDP(nw pnet.Net, address string) (*UDP, error) {
	if nw == nil {
		std, err := stdnet.NewNet()
		if err != nil {
			return nil, fmt.Errorf("transport: host network: %w", err)
		}
		nw = std
	}

	conn, err := nw.ListenPacket("udp4", address)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", address, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	u := &UDP{
		conn:     conn,
		local:    addrPort(conn.LocalAddr()),
		ctx:      ctx,
		cancel:   cancel,
		readDone: make(chan struct{}),
	}
	u.sender = newSender(ctx, func(to netip.AddrPort, b []byte) error {
		_, err := conn.WriteTo(b, net.UDPAddrFromAddrPort(to))
		return err
	})

	go u.readLoop()
	return u, nil
}

func (u *UDP) readLoop() {
	defer close(u.readDone)
	buf := make([]byte, MaxDatagramSize)
	for {
		n, from, err := u.conn.ReadFrom(buf)
		if errors.Is(err, io.ErrShortBuffer) {
			util.Stats.AddDropped()
			continue
		}
		if err != nil {
			if u.ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				util.LogWarning("udp %s: read failed: %v", u.local, err)
			}
			u.cancel()
			return
		}

		u.mu.RLock()
		h := u.handler
		u.mu.RUnlock()
		if h != nil {
			h(buf[:n], addrPort(from))
		}
	}
}

// Send queues b for to.
func (u *UDP) Send(to netip.AddrPort, b []byte, done func(error)) {
	u.sender.send(u.ctx, outgoing{to: to, b: b, done: done})
}

// OnDatagram registers the receive handler, replacing any previous one.
func (u *UDP) OnDatagram(fn Handler) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.handler = fn
}

func (u *UDP) LocalAddr() netip.AddrPort { return u.local }

// Done is closed once the socket stops reading.
func (u *UDP) Done() <-chan struct{} { return u.ctx.Done() }

// Close stops both loops and closes the socket. Queued datagrams complete
// with ErrClosed.
func (u *UDP) Close() error {
	var err error
	u.closeOnce.Do(func() {
		u.cancel()
		<-u.sender.halted
		err = u.conn.Close()
		<-u.readDone
	})
	return err
}
