package stream

import "time"

// Timer is a cancellable scheduled callback. *time.Timer satisfies it.
type Timer interface {
	Stop() bool
}

// retransmitter is the per-sequence timer registry. Each armed sequence
// resends its frame every interval until cancelled. All methods, and the
// resend callbacks, run on the owning event loop.
type retransmitter struct {
	owner    Owner
	interval time.Duration
	timers   map[uint64]Timer
	onResend func(seq uint64)
}

func newRetransmitter(owner Owner, interval time.Duration) *retransmitter {
	return &retransmitter{
		owner:    owner,
		interval: interval,
		timers:   make(map[uint64]Timer),
	}
}

// arm schedules resend for seq every interval until cancel(seq).
func (r *retransmitter) arm(seq uint64, resend func()) {
	r.timers[seq] = r.owner.AfterFunc(r.interval, func() {
		if _, ok := r.timers[seq]; !ok {
			return
		}
		resend()
		if r.onResend != nil {
			r.onResend(seq)
		}
		r.arm(seq, resend)
	})
}

// cancel stops the timer for seq. It reports whether seq was armed.
func (r *retransmitter) cancel(seq uint64) bool {
	t, ok := r.timers[seq]
	if !ok {
		return false
	}
	t.Stop()
	delete(r.timers, seq)
	return true
}

// stopAll cancels every armed sequence.
func (r *retransmitter) stopAll() {
	for seq, t := range r.timers {
		t.Stop()
		delete(r.timers, seq)
	}
}

func (r *retransmitter) armed() int { return len(r.timers) }
