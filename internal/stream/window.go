package stream

import (
	"github.com/1ureka/udps/internal/util"
)

type fragment struct {
	seq   uint64
	data  []byte
	acked bool
}

// window is one batch of in-flight fragments with consecutive sequences.
type window struct {
	first   uint64
	frags   []*fragment
	unacked int
}

func (w *window) lookup(seq uint64) *fragment {
	if seq < w.first || seq-w.first >= uint64(len(w.frags)) {
		return nil
	}
	return w.frags[seq-w.first]
}

// writeReq is one caller write, cut into windows in order.
type writeReq struct {
	data []byte
	off  int
	done chan error
}

// sender owns the send side: the write queue, the in-flight window and its
// retransmission timers. Only one window is in flight at a time; the next is
// cut once every fragment of the current one is acknowledged.
type sender struct {
	owner      Owner
	packetSize int
	windowSize int
	retrans    *retransmitter

	nextSeq uint64
	queue   []*writeReq
	cur     *writeReq
	win     *window
	closed  bool

	// onWindowDone observes each completed window.
	onWindowDone func(first uint64, n int)
}

func newSender(owner Owner, cfg Config) *sender {
	s := &sender{
		owner:      owner,
		packetSize: cfg.PacketSize,
		windowSize: cfg.WindowSize,
		retrans:    newRetransmitter(owner, cfg.RetransmitInterval),
	}
	s.retrans.onResend = func(uint64) { util.Stats.AddRetransmit() }
	return s
}

func (s *sender) maxWindowBytes() int { return s.packetSize * s.windowSize }

func (s *sender) enqueue(req *writeReq) {
	if s.closed {
		req.done <- ErrClosed
		return
	}
	s.queue = append(s.queue, req)
	s.pump()
}

// pump cuts and sends the next window when none is in flight.
func (s *sender) pump() {
	if s.closed || s.win != nil {
		return
	}
	if s.cur == nil {
		if len(s.queue) == 0 {
			return
		}
		s.cur = s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
	}

	n := min(len(s.cur.data)-s.cur.off, s.maxWindowBytes())
	chunk := s.cur.data[s.cur.off : s.cur.off+n]
	s.cur.off += n
	s.sendWindow(chunk)
}

func (s *sender) sendWindow(buf []byte) {
	w := &window{first: s.nextSeq}
	for len(buf) > 0 {
		n := min(len(buf), s.packetSize)
		w.frags = append(w.frags, &fragment{seq: s.nextSeq, data: buf[:n]})
		s.nextSeq++
		buf = buf[n:]
	}
	w.unacked = len(w.frags)
	s.win = w

	for _, f := range w.frags {
		seq, data := f.seq, f.data
		s.owner.SendData(seq, data)
		s.retrans.arm(seq, func() { s.owner.SendData(seq, data) })
	}
}

// ack marks one sequence acknowledged. When the window is complete the write
// that produced it advances and the next window is cut.
func (s *sender) ack(seq uint64) {
	if s.win == nil {
		return
	}
	f := s.win.lookup(seq)
	if f == nil || f.acked {
		return
	}
	f.acked = true
	s.retrans.cancel(seq)
	s.win.unacked--
	if s.win.unacked > 0 {
		return
	}

	done := s.win
	s.win = nil
	for _, f := range done.frags {
		util.Stats.AddSent(len(f.data))
	}
	if s.onWindowDone != nil {
		s.onWindowDone(done.first, len(done.frags))
	}
	if s.cur != nil && s.cur.off == len(s.cur.data) {
		s.cur.done <- nil
		s.cur = nil
	}
	s.pump()
}

// shutdown cancels every timer and fails the pending writes without
// completing them.
func (s *sender) shutdown() {
	if s.closed {
		return
	}
	s.closed = true
	s.retrans.stopAll()
	s.win = nil
	if s.cur != nil {
		s.cur.done <- ErrClosed
		s.cur = nil
	}
	for _, req := range s.queue {
		req.done <- ErrClosed
	}
	s.queue = nil
}

// idle reports whether nothing is queued or in flight.
func (s *sender) idle() bool {
	return s.win == nil && s.cur == nil && len(s.queue) == 0
}
