package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"sync"

	"github.com/pion/transport/v4/stdnet"
	"golang.org/x/sync/errgroup"

	"github.com/1ureka/udps/internal/config"
	"github.com/1ureka/udps/internal/dispatch"
	"github.com/1ureka/udps/internal/session"
	"github.com/1ureka/udps/internal/transport"
	"github.com/1ureka/udps/internal/util"
)

// errPeerClosed ends a client's pumps once the server closed the stream.
var errPeerClosed = errors.New("connection closed by peer")

// ---------------------------------------------------------------------------
// Run modes
// ---------------------------------------------------------------------------

// runServer accepts connections until ctx is cancelled. Input is sent to
// every open connection; output from all of them is written to out.
func runServer(ctx context.Context, cfg config.Config, in io.Reader, out io.Writer) error {
	carrier, err := listen(cfg)
	if err != nil {
		return err
	}
	srv := dispatch.Listen(ctx, carrier, cfg.Dispatch())
	defer srv.Close()

	util.StartStatsReporter(ctx, cfg.StatsInterval)
	util.LogSuccess("server started on %s (%s)", srv.LocalAddr(), cfg.Carrier)

	b := newBroadcaster()
	go b.run(ctx, readChunks(in, inputChunkSize(cfg)))

	w := &lockedWriter{w: out}
	var g errgroup.Group
	for {
		c, err := srv.Accept(ctx)
		if err != nil {
			break
		}
		util.LogEvent("new connection", "addr", c.RemoteAddr(), "session", c.SessionID())
		b.add(c)

		g.Go(func() error {
			defer b.remove(c)
			if _, err := io.Copy(w, c); err != nil {
				util.LogWarning("connection %s: %v", c.RemoteAddr(), err)
			}
			<-c.Done()
			util.LogInfo("connection closed from %s", c.RemoteAddr())
			return nil
		})
	}

	srv.Close()
	err = g.Wait()
	util.LogInfo("server closed")
	return err
}

// runClient connects to the configured server and pumps in and out until
// either side closes.
func runClient(ctx context.Context, cfg config.Config, in io.Reader, out io.Writer) error {
	carrier, remote, err := dial(ctx, cfg)
	if err != nil {
		return err
	}
	defer carrier.Close()

	util.LogInfo("connecting to %s", cfg.HostPort())
	c, err := dispatch.Dial(ctx, carrier, remote, cfg.Dispatch())
	if err != nil {
		return err
	}
	util.StartStatsReporter(ctx, cfg.StatsInterval)
	util.LogSuccess("connection ready (session %s)", c.SessionID())

	b := newBroadcaster()
	b.add(c)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		b.run(gctx, readChunks(in, inputChunkSize(cfg)))
		return nil
	})
	g.Go(func() error {
		if _, err := io.Copy(out, c); err != nil {
			return err
		}
		return errPeerClosed
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-carrier.Done():
			util.LogWarning("carrier closed")
		}
		return c.Close()
	})

	err = g.Wait()
	util.LogInfo("connection closed")
	if errors.Is(err, errPeerClosed) {
		return nil
	}
	return err
}

// ---------------------------------------------------------------------------
// Carriers
// ---------------------------------------------------------------------------

func listen(cfg config.Config) (transport.Carrier, error) {
	if cfg.Carrier == config.CarrierWebSocket {
		return transport.ListenWebSocket(cfg.HostPort())
	}
	return transport.ListenUDP(nil, cfg.HostPort())
}

// dial opens the client's carrier and returns the address of the server on
// it.
func dial(ctx context.Context, cfg config.Config) (transport.Carrier, netip.AddrPort, error) {
	if cfg.Carrier == config.CarrierWebSocket {
		url := fmt.Sprintf("ws://%s%s", cfg.HostPort(), transport.WebSocketPath)
		ws, err := transport.DialWebSocket(ctx, url)
		if err != nil {
			return nil, netip.AddrPort{}, err
		}
		peers := ws.Peers()
		if len(peers) == 0 {
			ws.Close()
			return nil, netip.AddrPort{}, fmt.Errorf("websocket %s closed during setup", url)
		}
		return ws, peers[0], nil
	}

	nw, err := stdnet.NewNet()
	if err != nil {
		return nil, netip.AddrPort{}, fmt.Errorf("host network: %w", err)
	}
	addr, err := nw.ResolveUDPAddr("udp4", cfg.HostPort())
	if err != nil {
		return nil, netip.AddrPort{}, fmt.Errorf("resolve %s: %w", cfg.HostPort(), err)
	}
	udp, err := transport.ListenUDP(nw, ":0")
	if err != nil {
		return nil, netip.AddrPort{}, err
	}
	remote := addr.AddrPort()
	return udp, netip.AddrPortFrom(remote.Addr().Unmap(), remote.Port()), nil
}

// ---------------------------------------------------------------------------
// Stdio pumps
// ---------------------------------------------------------------------------

// inputChunkSize is one full send window, so every stdin read can go out
// as complete windows instead of one fragment per round trip.
func inputChunkSize(cfg config.Config) int {
	return cfg.WindowSize * cfg.PacketSize
}

// readChunks reads r until EOF in the background. The reader cannot be
// interrupted, so the goroutine lives as long as r blocks.
func readChunks(r io.Reader, size int) <-chan []byte {
	ch := make(chan []byte)
	go func() {
		defer close(ch)
		buf := make([]byte, size)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				ch <- append([]byte(nil), buf[:n]...)
			}
			if err != nil {
				if !errors.Is(err, io.EOF) {
					util.LogWarning("read input: %v", err)
				}
				return
			}
		}
	}()
	return ch
}

// broadcaster writes every input chunk to all registered connections.
type broadcaster struct {
	mu    sync.Mutex
	conns map[*session.Conn]struct{}
}

func newBroadcaster() *broadcaster {
	return &broadcaster{conns: make(map[*session.Conn]struct{})}
}

func (b *broadcaster) add(c *session.Conn) {
	b.mu.Lock()
	b.conns[c] = struct{}{}
	b.mu.Unlock()
}

func (b *broadcaster) remove(c *session.Conn) {
	b.mu.Lock()
	delete(b.conns, c)
	b.mu.Unlock()
}

func (b *broadcaster) snapshot() []*session.Conn {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*session.Conn, 0, len(b.conns))
	for c := range b.conns {
		out = append(out, c)
	}
	return out
}

// run forwards chunks until they run out or ctx is cancelled. A chunk is
// written to all connections in parallel; the next one waits until every
// write was acknowledged. Connections failing a write are dropped.
func (b *broadcaster) run(ctx context.Context, chunks <-chan []byte) {
	for {
		var chunk []byte
		select {
		case <-ctx.Done():
			return
		case c, ok := <-chunks:
			if !ok {
				util.LogDebug("input closed")
				return
			}
			chunk = c
		}

		var g errgroup.Group
		for _, c := range b.snapshot() {
			g.Go(func() error {
				if _, err := c.Write(chunk); err != nil {
					b.remove(c)
				}
				return nil
			})
		}
		_ = g.Wait()
	}
}

// lockedWriter keeps chunks from different connections from interleaving.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
