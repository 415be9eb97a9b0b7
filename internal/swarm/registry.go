// Package swarm implements the SwarmRegistry (C6), which tracks every live
// PeerLink for a local peer, and the ChokeController (C7), which runs the
// periodic preferred-neighbor and optimistic-unchoke algorithms over that
// registry.
package swarm

import (
	"sync"

	"github.com/kestrelnet/swarmcast/internal/peer"
)

// Registry holds every currently connected Link, keyed by remote peer id.
// Its own lock protects only the map; per-link state is always read or
// mutated through the link's own exported, lock-guarded methods, never
// while holding the registry lock, so link I/O never blocks registry
// bookkeeping for unrelated peers.
type Registry struct {
	mu    sync.RWMutex
	links map[uint32]*peer.Link
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{links: make(map[uint32]*peer.Link)}
}

// Register adds a link under its remote id. It reports false, leaving the
// registry unchanged, if a link for that id is already registered — per
// the decision that a duplicate handshake loses and its new connection is
// closed rather than replacing the existing one.
func (r *Registry) Register(l *peer.Link) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.links[l.RemoteID()]; exists {
		return false
	}
	r.links[l.RemoteID()] = l
	return true
}

// Deregister removes the link for id, if present. A Link calls this on
// itself as the final step of its run loop.
func (r *Registry) Deregister(id uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.links, id)
}

// Snapshot returns a stable copy of every currently registered link. Callers
// must iterate the snapshot, never the live map, and must not hold the
// registry lock while invoking per-link methods.
func (r *Registry) Snapshot() []*peer.Link {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*peer.Link, 0, len(r.links))
	for _, l := range r.links {
		out = append(out, l)
	}
	return out
}

// BroadcastHave sends a have(piece) frame to every registered link other
// than exceptID. It takes the registry lock only long enough to snapshot,
// then sends outside the lock.
func (r *Registry) BroadcastHave(piece int, exceptID uint32) {
	for _, l := range r.Snapshot() {
		if l.RemoteID() == exceptID {
			continue
		}
		l.SendHave(piece)
	}
}

// AllRemotesComplete reports whether every currently registered link has
// reported a complete file, per the termination check of section 4.8. An
// empty registry is not complete. Only links registered at the time of the
// call are checked; roster entries that have not connected are not
// considered.
func (r *Registry) AllRemotesComplete() bool {
	links := r.Snapshot()
	if len(links) == 0 {
		return false
	}
	for _, l := range links {
		if !l.HasCompleteFile() {
			return false
		}
	}
	return true
}

// Count reports the number of currently registered links.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.links)
}
