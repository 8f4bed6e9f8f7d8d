// Package cli prints a periodic human-readable session table to stdout.
// It's read-only: this relay has no control surface on stdin, only the
// gin-based internal/admin endpoint.
package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/simple64/netplay-relay/internal/relay"
)

// SnapshotSource is anything that can produce a relay.Snapshot on demand.
type SnapshotSource interface {
	Snapshot() relay.Snapshot
}

// Ticker prints a session table every interval until ctx is cancelled.
type Ticker struct {
	relay    SnapshotSource
	interval time.Duration
}

// NewTicker constructs a Ticker. interval <= 0 defaults to 30 seconds.
func NewTicker(relaySrc SnapshotSource, interval time.Duration) *Ticker {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Ticker{relay: relaySrc, interval: interval}
}

// Run blocks, printing a table every interval, until ctx is cancelled.
func (t *Ticker) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			t.printStatus()
		}
	}
}

func (t *Ticker) printStatus() {
	snap := t.relay.Snapshot()

	fmt.Printf("\n--- netplay relay status (lag=%d autolag=%v started=%v uptime=%.0fs) ---\n",
		snap.Lag, snap.Autolag, snap.Started, snap.UptimeSec)

	tw := tablewriter.NewWriter(os.Stdout)
	tw.SetHeader([]string{"ID", "Name", "Player", "Latency (ms)", "FPS"})

	for _, sess := range snap.Sessions {
		tw.Append([]string{
			fmt.Sprintf("%d", sess.ID),
			sess.Name,
			fmt.Sprintf("%v", sess.IsPlayer),
			fmt.Sprintf("%d", sess.Latency),
			fmt.Sprintf("%d", sess.FPS),
		})
	}

	tw.Render()
}
