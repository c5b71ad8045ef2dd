// Package gate tracks last-known reachability of the time authority. The
// gate is a scheduling hint only: it decides when a drain is attempted,
// never whether a punch is persisted, and the drain loop must tolerate a
// reachable reading going stale between the check and the request.
package gate

import "sync"

type Gate struct {
	mu        sync.Mutex
	reachable bool
	signal    chan struct{} // buffered 1; coalesces wake-ups
}

func New() *Gate {
	return &Gate{
		signal: make(chan struct{}, 1),
	}
}

func (g *Gate) Reachable() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.reachable
}

// SetReachable records the collaborator-reported state. An offline-to-online
// transition wakes anyone waiting on Changes.
func (g *Gate) SetReachable(v bool) {
	g.mu.Lock()
	wasOffline := !g.reachable
	g.reachable = v
	g.mu.Unlock()

	if v && wasOffline {
		select {
		case g.signal <- struct{}{}:
		default:
		}
	}
}

// Changes returns a channel that signals when connectivity is restored.
// Use with select alongside ctx.Done and a poll ticker.
func (g *Gate) Changes() <-chan struct{} {
	return g.signal
}
