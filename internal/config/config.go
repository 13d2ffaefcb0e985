// Package config holds the udps runtime configuration: defaults, validation
// and loading from TOML or YAML files.
package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/1ureka/udps/internal/dispatch"
	"github.com/1ureka/udps/internal/secure"
	"github.com/1ureka/udps/internal/session"
	"github.com/1ureka/udps/internal/stream"
)

// Role represents the process's chosen role.
type Role string

const (
	RoleServer Role = "server"
	RoleClient Role = "client"
)

// CarrierKind selects the datagram carrier.
type CarrierKind string

const (
	CarrierUDP       CarrierKind = "udp"
	CarrierWebSocket CarrierKind = "ws"
)

// Limits enforced by Validate.
const (
	MaxPacketSize = 60 * 1024 // leaves room for framing inside a 64 KiB datagram
	MaxWindowSize = 1024
)

var ErrInvalid = errors.New("config: invalid")

// Config stores every parameter of a udps process.
type Config struct {
	Role    Role
	Address string // server: bind host; client: remote host
	Port    int    // server: listen port (0 picks one); client: remote port

	WindowSize int
	PacketSize int

	MaxConnections int
	AcceptRate     float64 // handshakes per second, 0 = unlimited
	AcceptBurst    int

	Curve  string
	Cipher string

	RetryInterval      time.Duration
	RetransmitInterval time.Duration
	IdleTimeout        time.Duration // 0 disables eviction
	StatsInterval      time.Duration // 0 disables the reporter

	Carrier   CarrierKind
	Debug     bool
	LogFormat string // "text" or "json"
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Role:               RoleClient,
		WindowSize:         stream.DefaultWindowSize,
		PacketSize:         stream.DefaultPacketSize,
		MaxConnections:     dispatch.DefaultMaxConnections,
		Curve:              secure.DefaultCurve,
		Cipher:             secure.DefaultCipher,
		RetryInterval:      session.DefaultRetryInterval,
		RetransmitInterval: stream.DefaultRetransmitInterval,
		IdleTimeout:        30 * time.Second,
		StatsInterval:      10 * time.Second,
		Carrier:            CarrierUDP,
		LogFormat:          "text",
	}
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	switch c.Role {
	case RoleServer:
		if c.Port < 0 || c.Port > 65535 {
			bad("port %d out of range", c.Port)
		}
	case RoleClient:
		if c.Address == "" {
			bad("client needs a remote address")
		}
		if c.Port < 1 || c.Port > 65535 {
			bad("port %d out of range", c.Port)
		}
	default:
		bad("role %q", c.Role)
	}

	if c.WindowSize < 1 || c.WindowSize > MaxWindowSize {
		bad("window size %d not in [1, %d]", c.WindowSize, MaxWindowSize)
	}
	if c.PacketSize < 1 || c.PacketSize > MaxPacketSize {
		bad("packet size %d not in [1, %d]", c.PacketSize, MaxPacketSize)
	}
	if c.MaxConnections < 1 {
		bad("max connections %d", c.MaxConnections)
	}
	if c.AcceptRate < 0 {
		bad("accept rate %v", c.AcceptRate)
	}
	if c.AcceptBurst < 0 {
		bad("accept burst %d", c.AcceptBurst)
	}
	if !secure.SupportedCurve(c.Curve) {
		bad("curve %q (supported: %v)", c.Curve, secure.Curves())
	}
	if !secure.SupportedCipher(c.Cipher) {
		bad("cipher %q (supported: %v)", c.Cipher, secure.Ciphers())
	}
	if c.RetryInterval <= 0 {
		bad("retry interval %s", c.RetryInterval)
	}
	if c.RetransmitInterval <= 0 {
		bad("retransmit interval %s", c.RetransmitInterval)
	}
	if c.IdleTimeout < 0 {
		bad("idle timeout %s", c.IdleTimeout)
	}
	if c.StatsInterval < 0 {
		bad("stats interval %s", c.StatsInterval)
	}
	if c.Carrier != CarrierUDP && c.Carrier != CarrierWebSocket {
		bad("carrier %q", c.Carrier)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		bad("log format %q", c.LogFormat)
	}
	return errors.Join(errs...)
}

// HostPort joins Address and Port.
func (c Config) HostPort() string {
	return net.JoinHostPort(c.Address, strconv.Itoa(c.Port))
}

// Dispatch converts the configuration for the dispatch layer.
func (c Config) Dispatch() dispatch.Config {
	return dispatch.Config{
		Session: session.Config{
			Curve:         c.Curve,
			Cipher:        c.Cipher,
			RetryInterval: c.RetryInterval,
			Stream: stream.Config{
				PacketSize:         c.PacketSize,
				WindowSize:         c.WindowSize,
				RetransmitInterval: c.RetransmitInterval,
			},
		},
		MaxConnections: c.MaxConnections,
		AcceptRate:     c.AcceptRate,
		AcceptBurst:    c.AcceptBurst,
		IdleTimeout:    c.IdleTimeout,
	}
}
