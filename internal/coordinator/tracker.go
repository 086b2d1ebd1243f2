// Package coordinator contains the fleet-side subsystem: device
// connectivity tracking, the rate-limited dispatch loop, the retry and
// expiry sweeps, and the inbound message handlers that reconcile job
// state from device reports.
package coordinator

import (
	"sync"
	"time"

	"github.com/orrn/labelfleet/internal/clock"
)

// Tracker maintains the live view of which devices are reachable. It
// is rebuilt entirely from connect/disconnect/heartbeat events; it is
// never the source of truth for whether a device should exist.
type Tracker struct {
	clk        clock.Clock
	staleAfter time.Duration

	mu       sync.RWMutex
	lastSeen map[string]time.Time

	notify chan struct{}
}

func NewTracker(clk clock.Clock, staleAfter time.Duration) *Tracker {
	return &Tracker{
		clk:        clk,
		staleAfter: staleAfter,
		lastSeen:   make(map[string]time.Time),
		notify:     make(chan struct{}, 1),
	}
}

// Eligible signals when a device becomes reachable so the dispatcher
// can cut its tick short.
func (t *Tracker) Eligible() <-chan struct{} {
	return t.notify
}

func (t *Tracker) Connect(deviceID string) {
	t.mu.Lock()
	t.lastSeen[deviceID] = t.clk.Now()
	t.mu.Unlock()

	select {
	case t.notify <- struct{}{}:
	default:
	}
}

func (t *Tracker) Disconnect(deviceID string) {
	t.mu.Lock()
	delete(t.lastSeen, deviceID)
	t.mu.Unlock()
}

// Heartbeat refreshes liveness without changing membership; a
// heartbeat from an untracked device counts as a connect.
func (t *Tracker) Heartbeat(deviceID string) {
	t.mu.Lock()
	_, known := t.lastSeen[deviceID]
	t.lastSeen[deviceID] = t.clk.Now()
	t.mu.Unlock()

	if !known {
		select {
		case t.notify <- struct{}{}:
		default:
		}
	}
}

func (t *Tracker) IsReachable(deviceID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.lastSeen[deviceID]
	return ok
}

// Reachable returns the current set of reachable device ids.
func (t *Tracker) Reachable() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := make([]string, 0, len(t.lastSeen))
	for id := range t.lastSeen {
		ids = append(ids, id)
	}
	return ids
}

// SweepStale demotes devices whose heartbeats stopped without an
// explicit disconnect, and returns the ids it removed. The staleness
// window is deliberately a multiple of the heartbeat interval so one
// missed beat is not a demotion.
func (t *Tracker) SweepStale() []string {
	now := t.clk.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	var stale []string
	for id, seen := range t.lastSeen {
		if now.Sub(seen) > t.staleAfter {
			stale = append(stale, id)
			delete(t.lastSeen, id)
		}
	}
	return stale
}
