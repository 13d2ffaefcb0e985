// Package transport provides the datagram carriers udps connections run on:
// plain UDP through pion's network abstraction, and WebSocket binary
// messages for networks that block UDP.
package transport

import (
	"errors"
	"net"
	"net/netip"
)

var (
	ErrClosed      = errors.New("transport: carrier closed")
	ErrUnknownPeer = errors.New("transport: no route to peer")
)

// MaxDatagramSize bounds one received datagram.
const MaxDatagramSize = 64 * 1024

// Handler receives one datagram. b is only valid for the duration of the call.
type Handler func(b []byte, from netip.AddrPort)

// Carrier is an unreliable datagram socket.
//
// Send never blocks on the network: the datagram is queued and done, when
// non-nil, is called exactly once from another goroutine with the outcome.
type Carrier interface {
	Send(to netip.AddrPort, b []byte, done func(error))
	OnDatagram(fn Handler)
	LocalAddr() netip.AddrPort
	Done() <-chan struct{}
	Close() error
}

// addrPort converts a net.Addr to its netip form, unmapping IPv4-in-IPv6.
func addrPort(a net.Addr) netip.AddrPort {
	var ap netip.AddrPort
	switch v := a.(type) {
	case *net.UDPAddr:
		ap = v.AddrPort()
	case *net.TCPAddr:
		ap = v.AddrPort()
	default:
		if a == nil {
			return netip.AddrPort{}
		}
		ap, _ = netip.ParseAddrPort(a.String())
	}
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}

// complete reports the outcome of a Send without blocking the caller.
func complete(done func(error), err error) {
	if done != nil {
		go done(err)
	}
}
