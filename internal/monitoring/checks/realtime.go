package checks

import (
	"context"
	"fmt"

	"github.com/charlesng35/imrelay/internal/monitoring"
)

// RealtimeObserver is the part of the realtime hub the probe reads.
type RealtimeObserver interface {
	Clients() int
}

// Realtime reports the hub as degraded when it is missing.
func Realtime(hub RealtimeObserver) monitoring.Check {
	return monitoring.NewCheck("realtime", func(context.Context) monitoring.ProbeResult {
		if hub == nil {
			return monitoring.ProbeResult{Status: monitoring.StatusDegraded, Details: "realtime hub unavailable"}
		}
		return monitoring.ProbeResult{Status: monitoring.StatusUp, Details: fmt.Sprintf("%d clients", hub.Clients())}
	})
}
