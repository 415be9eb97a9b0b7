package peer

import (
	"io"
	"net"
	"sync"
	"testing"

	"github.com/kestrelnet/swarmcast/internal/bitfield"
	"github.com/kestrelnet/swarmcast/internal/eventlog"
	"github.com/kestrelnet/swarmcast/internal/logging"
	"github.com/kestrelnet/swarmcast/internal/protocol"
	"github.com/kestrelnet/swarmcast/internal/store"
)

type fakeRegistry struct {
	mu         sync.Mutex
	haves      []int
	deregisted []uint32
}

func (r *fakeRegistry) BroadcastHave(piece int, exceptID uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.haves = append(r.haves, piece)
}

func (r *fakeRegistry) Deregister(id uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deregisted = append(r.deregisted, id)
}

func testLink(t *testing.T, numPieces int) (*Link, *fakeRegistry, net.Conn) {
	t.Helper()

	client, srv := net.Pipe()
	t.Cleanup(func() { client.Close() })

	dir := t.TempDir()
	st, err := store.Open(dir, "out.dat", numPieces, func(i int) int64 { return 4 })
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}

	evlog, err := eventlog.Open(dir, 1)
	if err != nil {
		t.Fatalf("eventlog.Open: %v", err)
	}
	t.Cleanup(func() { evlog.Close() })

	reg := &fakeRegistry{}
	l := New(srv, Config{
		LocalID:   1,
		RemoteID:  2,
		NumPieces: numPieces,
		Local:     bitfield.New(numPieces),
		Store:     st,
		Registry:  reg,
		Pending:   NewPendingTracker(),
		Events:    evlog,
		Log:       logging.New(io.Discard, logging.DefaultOptions()),
	})
	return l, reg, client
}

func TestOnBitfieldAlwaysAnnounces(t *testing.T) {
	l, _, _ := testLink(t, 4)

	peerBF := bitfield.New(4)
	peerBF.Set(2)
	if err := l.onBitfield(protocol.MessageBitfield(peerBF.Encode())); err != nil {
		t.Fatalf("onBitfield: %v", err)
	}

	select {
	case m := <-l.outbox:
		if m.Type != protocol.Interested {
			t.Fatalf("got %s, want interested", m.Type)
		}
	default:
		t.Fatalf("expected an interested message to be queued")
	}

	if !l.amInterestedSnapshot() {
		t.Fatalf("amInterested should be true")
	}

	// Now the peer has nothing we lack: should flip to not-interested.
	l.local.Set(2)
	emptyBF := bitfield.New(4)
	if err := l.onBitfield(protocol.MessageBitfield(emptyBF.Encode())); err != nil {
		t.Fatalf("onBitfield: %v", err)
	}

	select {
	case m := <-l.outbox:
		if m.Type != protocol.NotInterested {
			t.Fatalf("got %s, want not-interested", m.Type)
		}
	default:
		t.Fatalf("expected a not-interested message to be queued")
	}
}

func TestOnHaveOnlyPromotesInterest(t *testing.T) {
	l, _, _ := testLink(t, 4)

	// Initial bitfield is all-zero: local also has nothing, so the link
	// explicitly announces not-interested even though nothing transitioned.
	if err := l.onBitfield(protocol.MessageBitfield(bitfield.New(4).Encode())); err != nil {
		t.Fatalf("onBitfield: %v", err)
	}
	if m := <-l.outbox; m.Type != protocol.NotInterested {
		t.Fatalf("got %s, want not-interested", m.Type)
	}

	// A newly revealed piece we lack promotes us to interested.
	if err := l.onHave(protocol.MessageHave(2)); err != nil {
		t.Fatalf("onHave: %v", err)
	}
	if m := <-l.outbox; m.Type != protocol.Interested {
		t.Fatalf("got %s, want interested", m.Type)
	}

	// Simulate having since acquired piece 2 (e.g. via another link).
	l.local.Set(2)

	// A redundant have for the same piece changes nothing and is a no-op.
	if err := l.onHave(protocol.MessageHave(2)); err != nil {
		t.Fatalf("onHave: %v", err)
	}
	select {
	case m := <-l.outbox:
		t.Fatalf("expected no message for a redundant have, got %s", m.Type)
	default:
	}

	// A newly revealed piece while already interested sends nothing either.
	if err := l.onHave(protocol.MessageHave(0)); err != nil {
		t.Fatalf("onHave: %v", err)
	}
	select {
	case m := <-l.outbox:
		t.Fatalf("expected no message while already interested, got %s", m.Type)
	default:
	}
}

func TestOnChokeClearsPendingRequest(t *testing.T) {
	l, _, _ := testLink(t, 4)

	l.pending.TryClaim(1, l.remoteID)
	l.mu.Lock()
	l.pendingRequest = 1
	l.peerChoking = false
	l.mu.Unlock()

	if err := l.onChoke(); err != nil {
		t.Fatalf("onChoke: %v", err)
	}

	l.mu.Lock()
	pr := l.pendingRequest
	choking := l.peerChoking
	l.mu.Unlock()

	if pr != noPendingRequest {
		t.Fatalf("pendingRequest = %d, want cleared", pr)
	}
	if !choking {
		t.Fatalf("peerChoking should be true after choke")
	}
	if l.pending.IsPending(1) {
		t.Fatalf("piece 1 should have been released")
	}
}

func TestTryRequestRespectsPendingTracker(t *testing.T) {
	l1, _, _ := testLink(t, 2)
	l2, _, _ := testLink(t, 2)

	shared := NewPendingTracker()
	l1.pending = shared
	l2.pending = shared

	peerBF := bitfield.New(2)
	peerBF.Set(0)

	l1.peerBitfield = peerBF
	l2.peerBitfield = peerBF
	l1.peerChoking = false
	l2.peerChoking = false

	l1.tryRequest()
	l2.tryRequest()

	l1.mu.Lock()
	p1 := l1.pendingRequest
	l1.mu.Unlock()
	l2.mu.Lock()
	p2 := l2.pendingRequest
	l2.mu.Unlock()

	if p1 == 0 && p2 == 0 {
		t.Fatalf("both links claimed piece 0: p1=%d p2=%d", p1, p2)
	}
	if p1 != 0 && p2 != 0 {
		t.Fatalf("neither link claimed the only available piece")
	}
}

func TestOnPieceWritesStoreAndBroadcasts(t *testing.T) {
	l, reg, _ := testLink(t, 2)

	l.pending.TryClaim(0, l.remoteID)
	l.mu.Lock()
	l.pendingRequest = 0
	l.mu.Unlock()

	data := []byte{1, 2, 3, 4}
	if err := l.onPiece(protocol.MessagePiece(0, data)); err != nil {
		t.Fatalf("onPiece: %v", err)
	}

	if !l.local.Get(0) {
		t.Fatalf("local bitfield should mark piece 0 possessed")
	}
	if !l.store.Has(0) {
		t.Fatalf("store should have piece 0")
	}
	if l.pending.IsPending(0) {
		t.Fatalf("piece 0 should be released from the tracker")
	}

	reg.mu.Lock()
	haves := append([]int(nil), reg.haves...)
	reg.mu.Unlock()
	if len(haves) != 1 || haves[0] != 0 {
		t.Fatalf("expected a broadcast have(0), got %v", haves)
	}
}

func TestOnRequestDropsWhenChoking(t *testing.T) {
	l, _, _ := testLink(t, 2)

	l.mu.Lock()
	l.amChoking = true
	l.mu.Unlock()

	if err := l.store.Put(0, []byte{9, 9, 9, 9}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	if err := l.onRequest(protocol.MessageRequest(0)); err != nil {
		t.Fatalf("onRequest: %v", err)
	}

	select {
	case m := <-l.outbox:
		t.Fatalf("expected no reply while choking, got %s", m.Type)
	default:
	}
}

func (l *Link) amInterestedSnapshot() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.amInterested
}
