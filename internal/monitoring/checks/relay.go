// Package checks holds the health probes registered by the relay process.
package checks

import (
	"context"
	"fmt"
	"os"

	"github.com/charlesng35/imrelay/internal/monitoring"
	"github.com/charlesng35/imrelay/internal/relay"
)

// RelayObserver is the part of the relay the probes read.
type RelayObserver interface {
	Snapshot(ctx context.Context) (relay.Snapshot, error)
}

// Relay is down when the reactor does not answer a snapshot, and degraded
// while backend sessions are waiting to reconnect.
func Relay(r RelayObserver) monitoring.Check {
	return monitoring.NewCheck("relay", func(ctx context.Context) monitoring.ProbeResult {
		snap, err := r.Snapshot(ctx)
		if err != nil {
			return monitoring.ResultFromError("relay", err, 0)
		}
		if snap.Reconnecting > 0 {
			return monitoring.ProbeResult{
				Status:  monitoring.StatusDegraded,
				Details: fmt.Sprintf("%d backend sessions reconnecting", snap.Reconnecting),
			}
		}
		return monitoring.ProbeResult{
			Status:  monitoring.StatusUp,
			Details: fmt.Sprintf("%d users, %d pending retries", len(snap.Users), snap.RetryDepth),
		}
	})
}

// DataDir is down when the history directory is missing or not a directory.
func DataDir(path string) monitoring.Check {
	return monitoring.NewCheck("storage", func(context.Context) monitoring.ProbeResult {
		info, err := os.Stat(path)
		if err != nil {
			return monitoring.ProbeResult{Status: monitoring.StatusDown, Details: err.Error()}
		}
		if !info.IsDir() {
			return monitoring.ProbeResult{Status: monitoring.StatusDown, Details: path + " is not a directory"}
		}
		return monitoring.ProbeResult{Status: monitoring.StatusUp}
	})
}
