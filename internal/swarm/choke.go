package swarm

import (
	"context"
	"log/slog"
	"math/rand"
	"sort"
	"time"

	"github.com/kestrelnet/swarmcast/internal/eventlog"
	"github.com/kestrelnet/swarmcast/internal/peer"
)

// ChokeController runs the two independent periodic tasks of section 4.6
// over a Registry: preferred-neighbor selection and optimistic unchoking.
type ChokeController struct {
	registry *Registry
	events   *eventlog.Log
	log      *slog.Logger

	selfID                      uint32
	numPreferredNeighbors       int
	unchokingInterval           time.Duration
	optimisticUnchokingInterval time.Duration
	selfComplete                func() bool

	preferred  map[uint32]bool
	optimistic uint32
	hasOpt     bool
}

// Config configures a ChokeController.
type Config struct {
	SelfID                      uint32
	NumPreferredNeighbors       int
	UnchokingInterval           time.Duration
	OptimisticUnchokingInterval time.Duration
	// SelfComplete reports whether the local peer already holds the whole
	// file. When true, preferred-neighbor selection is uniform random
	// among interested peers rather than rate-sorted, per section 4.6.
	SelfComplete func() bool
	Events       *eventlog.Log
	Log          *slog.Logger
}

// NewController constructs a ChokeController bound to registry.
func NewController(registry *Registry, cfg Config) *ChokeController {
	return &ChokeController{
		registry:                    registry,
		events:                      cfg.Events,
		log:                         cfg.Log,
		selfID:                      cfg.SelfID,
		numPreferredNeighbors:       cfg.NumPreferredNeighbors,
		unchokingInterval:           cfg.UnchokingInterval,
		optimisticUnchokingInterval: cfg.OptimisticUnchokingInterval,
		selfComplete:                cfg.SelfComplete,
		preferred:                   make(map[uint32]bool),
	}
}

// Run blocks, driving both periodic tasks on independent tickers, until ctx
// is canceled.
func (c *ChokeController) Run(ctx context.Context) {
	unchokeTicker := time.NewTicker(c.unchokingInterval)
	defer unchokeTicker.Stop()

	optimisticTicker := time.NewTicker(c.optimisticUnchokingInterval)
	defer optimisticTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-unchokeTicker.C:
			c.tickPreferredNeighbors()
		case <-optimisticTicker.C:
			c.tickOptimisticUnchoke()
		}
	}
}

type candidate struct {
	link   *peer.Link
	rate   float64
	tiebrk float64
}

// tickPreferredNeighbors implements section 4.6 steps 1-6: resample every
// link's download rate, choose the next preferred set, and unchoke exactly
// that set (plus whatever peer is currently optimistically unchoked).
func (c *ChokeController) tickPreferredNeighbors() {
	links := c.registry.Snapshot()
	seconds := c.unchokingInterval.Seconds()

	candidates := make([]candidate, 0, len(links))
	for _, l := range links {
		rate := l.TakeIntervalRate(seconds)
		if l.PeerInterested() {
			candidates = append(candidates, candidate{link: l, rate: rate, tiebrk: rand.Float64()})
		}
	}

	if c.selfComplete() {
		rand.Shuffle(len(candidates), func(i, j int) { candidates[i], candidates[j] = candidates[j], candidates[i] })
	} else {
		sort.Slice(candidates, func(i, j int) bool {
			if candidates[i].rate != candidates[j].rate {
				return candidates[i].rate > candidates[j].rate
			}
			return candidates[i].tiebrk > candidates[j].tiebrk
		})
	}

	n := c.numPreferredNeighbors
	if n > len(candidates) {
		n = len(candidates)
	}

	newPreferred := make(map[uint32]bool, n)
	ids := make([]uint32, 0, n)
	for i := 0; i < n; i++ {
		id := candidates[i].link.RemoteID()
		newPreferred[id] = true
		ids = append(ids, id)
		if candidates[i].link.AmChoking() {
			candidates[i].link.SendUnchoke()
		}
	}

	for _, l := range links {
		id := l.RemoteID()
		if newPreferred[id] {
			continue
		}
		if c.hasOpt && id == c.optimistic {
			continue
		}
		if !l.AmChoking() {
			l.SendChoke()
		}
	}

	c.preferred = newPreferred
	c.events.PreferredNeighbors(c.selfID, ids)
}

// tickOptimisticUnchoke implements section 4.6 steps 7-9: pick one choked,
// interested, non-preferred peer uniformly at random and unchoke it. The
// peer that previously held the optimistic slot loses that status but is
// not choked here; the next preferred-neighbor tick chokes it if it is not
// preferred.
func (c *ChokeController) tickOptimisticUnchoke() {
	links := c.registry.Snapshot()

	candidates := make([]*peer.Link, 0, len(links))
	for _, l := range links {
		if l.PeerInterested() && l.AmChoking() && !c.preferred[l.RemoteID()] {
			candidates = append(candidates, l)
		}
	}

	// The previous optimistic neighbor always loses its optimistic status
	// this tick. We do not choke it here: if it is no longer preferred
	// either, the next preferred-neighbor tick re-chokes it.
	c.hasOpt = false

	if len(candidates) == 0 {
		return
	}

	pick := candidates[rand.Intn(len(candidates))]
	pick.SendUnchoke()
	c.optimistic = pick.RemoteID()
	c.hasOpt = true
	c.events.OptimisticallyUnchokedNeighbor(c.selfID, pick.RemoteID())
}
