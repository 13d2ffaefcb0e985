package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/udps/internal/util"
)

// WebSocketPath is where ListenWebSocket serves the carrier.
const WebSocketPath = "/udps"

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WebSocket is a Carrier whose datagrams are WebSocket binary messages. A
// listening carrier serves any number of peers, addressed by their TCP
// address; a dialed carrier has exactly one.
type WebSocket struct {
	local  netip.AddrPort
	sender *sender

	ctx    context.Context
	cancel context.CancelFunc

	listener net.Listener
	server   *http.Server

	mu      sync.RWMutex
	handler Handler
	peers   map[netip.AddrPort]*websocket.Conn

	closeOnce sync.Once
	wg        sync.WaitGroup
}

func newWebSocket() *WebSocket {
	ctx, cancel := context.WithCancel(context.Background())
	w := &WebSocket{
		ctx:    ctx,
		cancel: cancel,
		peers:  make(map[netip.AddrPort]*websocket.Conn),
	}
	w.sender = newSender(ctx, w.write)
	return w
}

// ListenWebSocket serves the carrier on address (host:port).
func ListenWebSocket(address string) (*WebSocket, error) {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", address, err)
	}

	w := newWebSocket()
	w.listener = listener
	w.local = addrPort(listener.Addr())

	mux := http.NewServeMux()
	mux.HandleFunc(WebSocketPath, w.handleUpgrade)
	w.server = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		if err := w.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			util.LogWarning("websocket %s: %v", w.local, err)
		}
		w.cancel()
	}()
	return w, nil
}

// DialWebSocket connects to a listening carrier at url
// (ws://host:port/udps).
func DialWebSocket(ctx context.Context, url string) (*WebSocket, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", url, err)
	}

	w := newWebSocket()
	w.local = addrPort(conn.LocalAddr())
	w.addPeer(conn)

	// Losing the only peer ends the carrier.
	go func() {
		w.wg.Wait()
		w.cancel()
	}()
	return w, nil
}

func (w *WebSocket) handleUpgrade(rw http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(rw, r, nil)
	if err != nil {
		return
	}
	if w.ctx.Err() != nil {
		conn.Close()
		return
	}
	w.addPeer(conn)
}

func (w *WebSocket) addPeer(conn *websocket.Conn) {
	addr := addrPort(conn.RemoteAddr())
	w.mu.Lock()
	w.peers[addr] = conn
	w.mu.Unlock()

	w.wg.Add(1)
	go w.readLoop(addr, conn)
}

func (w *WebSocket) readLoop(addr netip.AddrPort, conn *websocket.Conn) {
	defer w.wg.Done()
	defer func() {
		w.mu.Lock()
		delete(w.peers, addr)
		w.mu.Unlock()
		conn.Close()
	}()

	conn.SetReadLimit(MaxDatagramSize)
	for {
		typ, b, err := conn.ReadMessage()
		if err != nil {
			if w.ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				util.LogDebug("websocket peer %s: %v", addr, err)
			}
			return
		}
		if typ != websocket.BinaryMessage {
			continue
		}

		w.mu.RLock()
		h := w.handler
		w.mu.RUnlock()
		if h != nil {
			h(b, addr)
		}
	}
}

// write runs on the sender goroutine, the only writer of every peer conn.
func (w *WebSocket) write(to netip.AddrPort, b []byte) error {
	w.mu.RLock()
	conn, ok := w.peers[to]
	if !ok && w.listener == nil && len(w.peers) == 1 {
		// A dialed carrier has a single peer whatever it is called.
		for _, c := range w.peers {
			conn, ok = c, true
		}
	}
	w.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, to)
	}
	return conn.WriteMessage(websocket.BinaryMessage, b)
}

// Send queues b for the peer at to.
func (w *WebSocket) Send(to netip.AddrPort, b []byte, done func(error)) {
	w.sender.send(w.ctx, outgoing{to: to, b: b, done: done})
}

// OnDatagram registers the receive handler, replacing any previous one.
func (w *WebSocket) OnDatagram(fn Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handler = fn
}

func (w *WebSocket) LocalAddr() netip.AddrPort { return w.local }

// Peers returns the addresses of the connected peers.
func (w *WebSocket) Peers() []netip.AddrPort {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]netip.AddrPort, 0, len(w.peers))
	for a := range w.peers {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Compare(out[j]) < 0 })
	return out
}

// Done is closed once the carrier stops.
func (w *WebSocket) Done() <-chan struct{} { return w.ctx.Done() }

// Close says goodbye to every peer and stops the carrier.
func (w *WebSocket) Close() error {
	var err error
	w.closeOnce.Do(func() {
		w.cancel()
		<-w.sender.halted

		if w.server != nil {
			err = w.server.Close()
		}

		w.mu.RLock()
		for _, conn := range w.peers {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			conn.Close()
		}
		w.mu.RUnlock()
		w.wg.Wait()
	})
	return err
}
