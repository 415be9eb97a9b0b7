// Package peer implements the per-connection protocol engine: the framed
// message loop (PeerLink, C4) and the semantic handling of each message
// type (MessageLogic, C5), including piece-request selection.
package peer

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/kestrelnet/swarmcast/internal/bitfield"
	"github.com/kestrelnet/swarmcast/internal/eventlog"
	"github.com/kestrelnet/swarmcast/internal/protocol"
	"github.com/kestrelnet/swarmcast/internal/store"
)

// Registry is the subset of the swarm registry a Link needs: broadcasting
// have announcements and removing itself on exit. Defined here, rather than
// imported from the swarm package, to keep peer free of a dependency on its
// own caller.
type Registry interface {
	BroadcastHave(piece int, exceptID uint32)
	Deregister(id uint32)
}

// noPendingRequest marks the absence of an outstanding request on a link;
// at most one request may be outstanding per link (no pipelining).
const noPendingRequest = -1

// Link is a single peer connection: socket I/O plus the choked/unchoked x
// interested/not-interested state machine of spec section 4.3.
type Link struct {
	conn     net.Conn
	localID  uint32
	remoteID uint32

	local     *bitfield.Bitfield
	store     *store.Store
	registry  Registry
	pending   *PendingTracker
	events    *eventlog.Log
	log       *slog.Logger
	numPieces int

	outbox    chan protocol.Message
	closeOnce chan struct{}

	mu              sync.Mutex
	peerChoking     bool
	amChoking       bool
	amInterested    bool
	peerInterested  bool
	peerBitfield    *bitfield.Bitfield
	pendingRequest  int
	bytesInInterval int64
	downloadRate    float64
	hasCompleteFile bool
}

// Config bundles the shared collaborators a Link needs; every field is a
// borrowed reference, never owned.
type Config struct {
	LocalID   uint32
	RemoteID  uint32
	NumPieces int
	Local     *bitfield.Bitfield
	Store     *store.Store
	Registry  Registry
	Pending   *PendingTracker
	Events    *eventlog.Log
	Log       *slog.Logger
}

// New constructs a Link over an already-handshaken connection. It does not
// start the message loop; call Start for that.
func New(conn net.Conn, cfg Config) *Link {
	return &Link{
		conn:           conn,
		localID:        cfg.LocalID,
		remoteID:       cfg.RemoteID,
		local:          cfg.Local,
		store:          cfg.Store,
		registry:       cfg.Registry,
		pending:        cfg.Pending,
		events:         cfg.Events,
		log:            cfg.Log.With("remote", cfg.RemoteID),
		numPieces:      cfg.NumPieces,
		outbox:         make(chan protocol.Message, 16),
		closeOnce:      make(chan struct{}),
		amChoking:      true,
		peerChoking:    true,
		pendingRequest: noPendingRequest,
		peerBitfield:   bitfield.New(cfg.NumPieces),
	}
}

// RemoteID returns the id of the peer at the other end of this link.
func (l *Link) RemoteID() uint32 { return l.remoteID }

// Start runs the read and write loops until the socket closes or Close is
// called. It always deregisters the link from the registry before
// returning, per the design note that a link deregisters itself as its
// final action.
func (l *Link) Start() error {
	defer l.registry.Deregister(l.remoteID)
	defer l.conn.Close()

	g := new(errgroup.Group)
	g.Go(l.readLoop)
	g.Go(l.writeLoop)

	// The first outbound frame is always our bitfield.
	l.enqueue(protocol.MessageBitfield(l.local.Encode()))

	return g.Wait()
}

// Close forcibly closes the underlying socket, unblocking both loops.
func (l *Link) Close() {
	select {
	case <-l.closeOnce:
	default:
		close(l.closeOnce)
		l.conn.Close()
	}
}

func (l *Link) enqueue(m protocol.Message) {
	select {
	case l.outbox <- m:
	case <-l.closeOnce:
		l.log.Debug("dropped outbound frame on closed link", "type", m.Type.String())
	}
}

func (l *Link) writeLoop() error {
	for {
		select {
		case m, ok := <-l.outbox:
			if !ok {
				return nil
			}
			if err := protocol.WriteMessage(l.conn, m); err != nil {
				return fmt.Errorf("peer %d: write: %w", l.remoteID, err)
			}
		case <-l.closeOnce:
			return nil
		}
	}
}

func (l *Link) readLoop() error {
	for {
		m, err := protocol.ReadMessage(l.conn)
		if err != nil {
			l.Close() // stops writeLoop so Start can return
			return fmt.Errorf("peer %d: read: %w", l.remoteID, err)
		}

		if err := l.handle(m); err != nil {
			l.log.Warn("dropping malformed message", "type", m.Type.String(), "error", err.Error())
		}
	}
}

// Outbound send helpers (the exported ones are used by the choke controller
// and the registry).

func (l *Link) SendChoke() {
	l.mu.Lock()
	l.amChoking = true
	l.mu.Unlock()
	l.enqueue(protocol.MessageChoke())
}

func (l *Link) SendUnchoke() {
	l.mu.Lock()
	l.amChoking = false
	l.mu.Unlock()
	l.enqueue(protocol.MessageUnchoke())
}

func (l *Link) sendInterested() {
	l.mu.Lock()
	l.amInterested = true
	l.mu.Unlock()
	l.enqueue(protocol.MessageInterested())
}

func (l *Link) sendNotInterested() {
	l.mu.Lock()
	l.amInterested = false
	l.mu.Unlock()
	l.enqueue(protocol.MessageNotInterested())
}

func (l *Link) SendHave(piece int) {
	l.enqueue(protocol.MessageHave(uint32(piece)))
}

func (l *Link) sendRequest(piece int) {
	l.enqueue(protocol.MessageRequest(uint32(piece)))
}

func (l *Link) sendPiece(piece int, data []byte) {
	l.enqueue(protocol.MessagePiece(uint32(piece), data))
}

// State accessors used by the choke controller. Each acquires the link's
// own lock and returns a value, never a reference into link state.

func (l *Link) AmChoking() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.amChoking
}

func (l *Link) PeerInterested() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.peerInterested
}

func (l *Link) HasCompleteFile() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.hasCompleteFile
}

// TakeIntervalRate computes bytes-per-second over the interval in seconds,
// resets the byte counter, and returns the rate. Called once per
// preferred-neighbor tick, per spec section 4.6 step 6.
func (l *Link) TakeIntervalRate(intervalSeconds float64) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	rate := float64(l.bytesInInterval) / intervalSeconds
	l.downloadRate = rate
	l.bytesInInterval = 0
	return rate
}

func (l *Link) DownloadRate() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.downloadRate
}

// handle dispatches a single decoded frame to its semantic handler
// (MessageLogic, C5). Unknown types are logged and discarded without
// returning an error that would close the link.
func (l *Link) handle(m protocol.Message) error {
	if !protocol.KnownType(m.Type) {
		l.log.Debug("unknown message type", "type", uint8(m.Type))
		return nil
	}

	switch m.Type {
	case protocol.Choke:
		return l.onChoke()
	case protocol.Unchoke:
		return l.onUnchoke()
	case protocol.Interested:
		return l.onInterested()
	case protocol.NotInterested:
		return l.onNotInterested()
	case protocol.Have:
		return l.onHave(m)
	case protocol.BitfieldMsg:
		return l.onBitfield(m)
	case protocol.Request:
		return l.onRequest(m)
	case protocol.Piece:
		return l.onPiece(m)
	default:
		return nil
	}
}

func (l *Link) onChoke() error {
	l.mu.Lock()
	l.peerChoking = true
	pending := l.pendingRequest
	l.pendingRequest = noPendingRequest
	l.mu.Unlock()

	if pending != noPendingRequest {
		l.pending.Release(pending)
	}

	l.events.ChokedBy(l.localID, l.remoteID)
	return nil
}

func (l *Link) onUnchoke() error {
	l.mu.Lock()
	l.peerChoking = false
	l.mu.Unlock()

	l.events.UnchokedBy(l.localID, l.remoteID)
	l.tryRequest()
	return nil
}

func (l *Link) onInterested() error {
	l.mu.Lock()
	l.peerInterested = true
	l.mu.Unlock()

	l.events.ReceivedInterested(l.localID, l.remoteID)
	return nil
}

func (l *Link) onNotInterested() error {
	l.mu.Lock()
	l.peerInterested = false
	l.mu.Unlock()

	l.events.ReceivedNotInterested(l.localID, l.remoteID)
	return nil
}

// onHave only ever promotes to interested: a have announcement never
// shrinks what the peer offers, so it can never be the reason to become
// not-interested. A redundant have — a bit already set — changes nothing
// and is not re-evaluated.
func (l *Link) onHave(m protocol.Message) error {
	idx, ok := m.ParseIndex()
	if !ok || int(idx) >= l.numPieces {
		return errors.New("malformed have payload")
	}
	piece := int(idx)

	alreadyHad := l.peerBitfield.Get(piece)
	l.peerBitfield.Set(piece)
	if l.peerBitfield.AllSet() {
		l.mu.Lock()
		l.hasCompleteFile = true
		l.mu.Unlock()
	}

	l.events.ReceivedHave(l.localID, l.remoteID, piece)

	if alreadyHad || l.local.Get(piece) {
		return nil
	}

	l.mu.Lock()
	interested := l.amInterested
	l.mu.Unlock()
	if !interested {
		l.sendInterested()
	}
	return nil
}

// onBitfield always announces interested or not-interested, even if that
// repeats the link's current state: this is the peer's first opportunity
// to learn our status, so unlike onHave it is not transition-gated.
func (l *Link) onBitfield(m protocol.Message) error {
	bf, err := bitfield.Decode(m.Payload, l.numPieces)
	if err != nil {
		return err
	}

	if bf.AllSet() {
		l.mu.Lock()
		l.hasCompleteFile = true
		l.mu.Unlock()
	}
	l.peerBitfield = bf

	if l.hasNeededPiece() {
		l.sendInterested()
	} else {
		l.sendNotInterested()
	}
	return nil
}

func (l *Link) onRequest(m protocol.Message) error {
	idx, ok := m.ParseIndex()
	if !ok || int(idx) >= l.numPieces {
		return errors.New("malformed request payload")
	}
	piece := int(idx)

	l.mu.Lock()
	choking := l.amChoking
	l.mu.Unlock()

	if choking {
		return nil // drop silently per spec open question 4
	}
	if !l.store.Has(piece) {
		return nil
	}

	data, err := l.store.Get(piece)
	if err != nil {
		l.log.Warn("piece read failed, skipping reply", "piece", piece, "error", err.Error())
		return nil
	}

	l.sendPiece(piece, data)
	return nil
}

func (l *Link) onPiece(m protocol.Message) error {
	idx, data, ok := m.ParsePiece()
	if !ok || int(idx) >= l.numPieces {
		return errors.New("malformed piece payload")
	}
	piece := int(idx)

	if err := l.store.Put(piece, data); err != nil {
		l.log.Warn("piece write failed, will re-request", "piece", piece, "error", err.Error())
		l.mu.Lock()
		if l.pendingRequest == piece {
			l.pendingRequest = noPendingRequest
		}
		l.mu.Unlock()
		l.pending.Release(piece)
		l.tryRequest()
		return nil
	}

	l.local.Set(piece)

	l.mu.Lock()
	l.bytesInInterval += int64(len(data))
	if l.pendingRequest == piece {
		l.pendingRequest = noPendingRequest
	}
	l.mu.Unlock()

	l.pending.Release(piece)

	numHeld := l.local.CountSet()
	l.events.DownloadedPiece(l.localID, l.remoteID, piece, numHeld)

	l.registry.BroadcastHave(piece, l.remoteID)
	l.tryRequest()

	if l.local.AllSet() {
		if err := l.store.Assemble(); err != nil {
			l.log.Error("assemble failed", "error", err.Error())
		} else {
			l.events.CompleteFile(l.localID)
		}
	}

	return nil
}

func (l *Link) hasNeededPiece() bool {
	for i := 0; i < l.numPieces; i++ {
		if l.peerBitfield.Get(i) && !l.local.Get(i) {
			return true
		}
	}
	return false
}

// tryRequest implements request selection (C5, spec section 4.4): pick one
// piece uniformly at random among what the peer has, we lack, and nothing
// else has claimed, when unchoked and no request is already outstanding.
func (l *Link) tryRequest() {
	l.mu.Lock()
	choking := l.peerChoking
	busy := l.pendingRequest != noPendingRequest
	l.mu.Unlock()

	if choking || busy {
		return
	}

	candidates := make([]int, 0)
	for i := 0; i < l.numPieces; i++ {
		if l.peerBitfield.Get(i) && !l.local.Get(i) && !l.pending.IsPending(i) {
			candidates = append(candidates, i)
		}
	}

	if len(candidates) == 0 {
		l.mu.Lock()
		interested := l.amInterested
		l.mu.Unlock()
		if interested {
			l.sendNotInterested()
		}
		return
	}

	piece := candidates[rand.Intn(len(candidates))]
	if !l.pending.TryClaim(piece, l.remoteID) {
		// Lost the race to another link; try again next opportunity.
		return
	}

	l.mu.Lock()
	l.pendingRequest = piece
	l.mu.Unlock()

	l.sendRequest(piece)
}
