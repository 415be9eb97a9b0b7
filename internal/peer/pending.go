package peer

import "sync"

// PendingTracker enforces the cross-link invariant that a piece index is
// requested from at most one peer at a time. It is a leaf lock: it is never
// held while a link's own lock or the registry's lock is held, so it can be
// consulted from inside either without creating a lock-ordering hazard.
type PendingTracker struct {
	mu    sync.Mutex
	owner map[int]uint32
}

// NewPendingTracker returns an empty tracker.
func NewPendingTracker() *PendingTracker {
	return &PendingTracker{owner: make(map[int]uint32)}
}

// TryClaim attempts to record piece as outstanding on behalf of id. It
// fails if some other link already claimed the piece.
func (pt *PendingTracker) TryClaim(piece int, id uint32) bool {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	if _, claimed := pt.owner[piece]; claimed {
		return false
	}
	pt.owner[piece] = id
	return true
}

// Release clears piece's claim, regardless of who holds it. Safe to call
// even if the piece was never claimed.
func (pt *PendingTracker) Release(piece int) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	delete(pt.owner, piece)
}

// IsPending reports whether piece is currently claimed by any link.
func (pt *PendingTracker) IsPending(piece int) bool {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	_, claimed := pt.owner[piece]
	return claimed
}
