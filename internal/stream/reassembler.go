package stream

import (
	"container/heap"
)

// Fragment is one sequenced piece of the stream.
type Fragment struct {
	Seq  uint64
	Data []byte
}

// Verdict classifies what Feed did with a fragment.
type Verdict int

const (
	Delivered Verdict = iota // in order; returned with any drained successors
	Buffered                 // ahead of the expected sequence, held
	Duplicate                // already delivered or already held
	Overflow                 // ahead of sequence but the buffer is full, dropped
)

func (v Verdict) String() string {
	switch v {
	case Delivered:
		return "delivered"
	case Buffered:
		return "buffered"
	case Duplicate:
		return "duplicate"
	case Overflow:
		return "overflow"
	default:
		return "unknown"
	}
}

// Reassembler reorders out-of-order fragments of one stream. It holds at
// most limit future fragments; anything beyond that is dropped and left to
// the sender's retransmission. It is owned by the connection's event loop
// and needs no locking.
type Reassembler struct {
	expected uint64
	limit    int
	buffer   fragmentHeap
	held     map[uint64]struct{}
}

// NewReassembler creates a reassembler expecting sequence 0 that buffers at
// most limit out-of-order fragments.
func NewReassembler(limit int) *Reassembler {
	return &Reassembler{
		limit: limit,
		held:  make(map[uint64]struct{}, limit),
	}
}

// Expected returns the next in-order sequence number.
func (r *Reassembler) Expected() uint64 { return r.expected }

// Held returns the number of buffered out-of-order fragments.
func (r *Reassembler) Held() int { return r.buffer.Len() }

// Feed processes an incoming fragment and returns every fragment that can now
// be delivered, in sequence order.
func (r *Reassembler) Feed(seq uint64, data []byte) ([]Fragment, Verdict) {
	if seq < r.expected {
		return nil, Duplicate
	}

	if seq > r.expected {
		if _, ok := r.held[seq]; ok {
			return nil, Duplicate
		}
		if r.buffer.Len() >= r.limit {
			return nil, Overflow
		}
		heap.Push(&r.buffer, Fragment{Seq: seq, Data: data})
		r.held[seq] = struct{}{}
		return nil, Buffered
	}

	result := []Fragment{{Seq: seq, Data: data}}
	r.expected++

	for r.buffer.Len() > 0 && r.buffer[0].Seq == r.expected {
		f := heap.Pop(&r.buffer).(Fragment)
		delete(r.held, f.Seq)
		result = append(result, f)
		r.expected++
	}

	return result, Delivered
}

// fragmentHeap is a min-heap ordered by sequence number.
type fragmentHeap []Fragment

func (h fragmentHeap) Len() int           { return len(h) }
func (h fragmentHeap) Less(i, j int) bool { return h[i].Seq < h[j].Seq }
func (h fragmentHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *fragmentHeap) Push(x any)        { *h = append(*h, x.(Fragment)) }

func (h *fragmentHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = Fragment{}
	*h = old[:n-1]
	return item
}
