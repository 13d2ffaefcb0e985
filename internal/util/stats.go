package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide session/traffic counter.
var Stats = &stats{}

type stats struct {
	Sessions       atomic.Int64 // cumulative sessions that reached READY
	ClosedSessions atomic.Int64 // cumulative sessions torn down
	Rejected       atomic.Int64 // handshakes refused (table full, rate limit, bad proof)
	BytesSent      atomic.Int64 // cumulative application bytes acknowledged by peers
	BytesRecv      atomic.Int64 // cumulative application bytes delivered in order
	Retransmits    atomic.Int64 // DATA frames sent again after a timeout
	Dropped        atomic.Int64 // frames discarded (integrity, buffer limits, unknown session)
}

func (s *stats) AddSession()    { s.Sessions.Add(1) }
func (s *stats) RemoveSession() { s.ClosedSessions.Add(1) }
func (s *stats) AddRejected()   { s.Rejected.Add(1) }
func (s *stats) AddSent(n int)  { s.BytesSent.Add(int64(n)) }
func (s *stats) AddRecv(n int)  { s.BytesRecv.Add(int64(n)) }
func (s *stats) AddRetransmit() { s.Retransmits.Add(1) }
func (s *stats) AddDropped()    { s.Dropped.Add(1) }

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	Sessions, ClosedSessions, Rejected int64
	BytesSent, BytesRecv               int64
	Retransmits, Dropped               int64
}

func (s *stats) Snapshot() Snapshot {
	return Snapshot{
		Sessions:       s.Sessions.Load(),
		ClosedSessions: s.ClosedSessions.Load(),
		Rejected:       s.Rejected.Load(),
		BytesSent:      s.BytesSent.Load(),
		BytesRecv:      s.BytesRecv.Load(),
		Retransmits:    s.Retransmits.Load(),
		Dropped:        s.Dropped.Load(),
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs traffic statistics
// every period. Quiet periods are skipped. It stops when ctx is cancelled.
// A non-positive period disables it.
func StartStatsReporter(ctx context.Context, period time.Duration) {
	if period <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(period)
		defer ticker.Stop()

		prev := Stats.Snapshot()
		for {
			select {
			case <-ticker.C:
				cur := Stats.Snapshot()
				if line, ok := formatStats(prev, cur, period); ok {
					pterm.DefaultLogger.Info(line)
				}
				prev = cur

			case <-ctx.Done():
				return
			}
		}
	}()
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes formats a byte count into a fixed-width (8 chars) string,
// for example "99.0   B", " 1.5 KiB", "98.9 GiB".
func formatBytes(b float64) string {
	unitIdx := 0

	// to prevent "100.0 KiB", which is 9 chars
	for b > 99 && unitIdx < len(byteUnits)-1 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

// formatStats renders the delta between two snapshots. It reports false when
// nothing worth logging happened.
func formatStats(prev, cur Snapshot, period time.Duration) (string, bool) {
	secs := period.Seconds()
	out := float64(cur.BytesSent-prev.BytesSent) / secs
	in := float64(cur.BytesRecv-prev.BytesRecv) / secs
	opened := cur.Sessions - prev.Sessions
	closed := cur.ClosedSessions - prev.ClosedSessions
	resent := cur.Retransmits - prev.Retransmits
	dropped := cur.Dropped - prev.Dropped

	if opened == 0 && closed == 0 && resent == 0 && dropped == 0 && in <= 10 && out <= 10 {
		return "", false
	}
	return fmt.Sprintf("In: %s/s | Out: %s/s | Sess: %2d↑ %2d↓ | Resent: %d | Dropped: %d",
		formatBytes(in),
		formatBytes(out),
		opened,
		closed,
		resent,
		dropped,
	), true
}
