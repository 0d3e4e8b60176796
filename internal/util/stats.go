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

// Stats is the process-wide traffic/mesh counter.
var Stats = &stats{}

type stats struct {
	PeersOpened    atomic.Int64 // cumulative count of established peer sessions
	PeersClosed    atomic.Int64 // cumulative count of closed peer sessions
	BytesSent      atomic.Int64 // cumulative bytes written to any socket
	BytesRecv      atomic.Int64 // cumulative bytes read from any socket
	Relayed        atomic.Int64 // data packets accepted and flooded onward
	Duplicates     atomic.Int64 // data/probe packets dropped as already seen
	VerifyFailures atomic.Int64 // data packets whose signature did not verify
}

func (s *stats) AddPeer()       { s.PeersOpened.Add(1) }
func (s *stats) RemovePeer()    { s.PeersClosed.Add(1) }
func (s *stats) AddSent(n int)  { s.BytesSent.Add(int64(n)) }
func (s *stats) AddRecv(n int)  { s.BytesRecv.Add(int64(n)) }
func (s *stats) AddRelayed()    { s.Relayed.Add(1) }
func (s *stats) AddDuplicate()  { s.Duplicates.Add(1) }
func (s *stats) AddVerifyFail() { s.VerifyFailures.Add(1) }

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

const reportInterval = 60 * time.Second

// StartStatsReporter launches a goroutine that logs mesh statistics every
// minute. Quiet intervals are skipped. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(reportInterval)
		defer ticker.Stop()

		var prev snapshot
		for {
			select {
			case <-ticker.C:
				cur := Stats.snapshot()
				if cur != prev {
					pterm.DefaultLogger.Info(formatStats(cur.sub(prev), cur.peers()))
				}
				prev = cur

			case <-ctx.Done():
				return
			}
		}
	}()
}

type snapshot struct {
	opened, closed, sent, recv, relayed, dups, failures int64
}

func (s *stats) snapshot() snapshot {
	return snapshot{
		opened:   s.PeersOpened.Load(),
		closed:   s.PeersClosed.Load(),
		sent:     s.BytesSent.Load(),
		recv:     s.BytesRecv.Load(),
		relayed:  s.Relayed.Load(),
		dups:     s.Duplicates.Load(),
		failures: s.VerifyFailures.Load(),
	}
}

func (a snapshot) sub(b snapshot) snapshot {
	return snapshot{
		opened:   a.opened - b.opened,
		closed:   a.closed - b.closed,
		sent:     a.sent - b.sent,
		recv:     a.recv - b.recv,
		relayed:  a.relayed - b.relayed,
		dups:     a.dups - b.dups,
		failures: a.failures - b.failures,
	}
}

func (a snapshot) peers() int64 { return a.opened - a.closed }

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes formats a byte count into a human-readable string with fixed width (exactly 8 chars)
// for example: "99.0   B", " 1.5 KiB", " 0.1 MiB", "98.9 GiB", etc.
func formatBytes(b float64) string {
	unitIdx := 0

	// to prevent "100.0 KiB", which is 9 chars
	for b > 99 && unitIdx < 5 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

// formatStats renders one interval's deltas plus the live peer count.
func formatStats(d snapshot, peers int64) string {
	secs := reportInterval.Seconds()
	return fmt.Sprintf("In: %s/s | Out: %s/s | Peers: %2d (%d↑ %d↓) | Relayed: %d | Dup: %d | BadSig: %d",
		formatBytes(float64(d.recv)/secs),
		formatBytes(float64(d.sent)/secs),
		peers,
		d.opened,
		d.closed,
		d.relayed,
		d.dups,
		d.failures,
	)
}
