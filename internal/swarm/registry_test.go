package swarm

import (
	"io"
	"net"
	"testing"

	"github.com/kestrelnet/swarmcast/internal/bitfield"
	"github.com/kestrelnet/swarmcast/internal/eventlog"
	"github.com/kestrelnet/swarmcast/internal/logging"
	"github.com/kestrelnet/swarmcast/internal/peer"
	"github.com/kestrelnet/swarmcast/internal/store"
)

func newTestLink(t *testing.T, remoteID uint32, numPieces int, registry peer.Registry) (*peer.Link, net.Conn) {
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

	l := peer.New(srv, peer.Config{
		LocalID:   1,
		RemoteID:  remoteID,
		NumPieces: numPieces,
		Local:     bitfield.New(numPieces),
		Store:     st,
		Registry:  registry,
		Pending:   peer.NewPendingTracker(),
		Events:    evlog,
		Log:       logging.New(io.Discard, logging.DefaultOptions()),
	})
	return l, client
}

func TestRegisterDeregisterDuplicate(t *testing.T) {
	r := New()
	l1, _ := newTestLink(t, 5, 2, r)
	l2, _ := newTestLink(t, 5, 2, r)

	if !r.Register(l1) {
		t.Fatalf("first registration should succeed")
	}
	if r.Register(l2) {
		t.Fatalf("duplicate registration for the same remote id should fail")
	}
	if r.Count() != 1 {
		t.Fatalf("Count() = %d, want 1", r.Count())
	}

	r.Deregister(5)
	if r.Count() != 0 {
		t.Fatalf("Count() after deregister = %d, want 0", r.Count())
	}
}

func TestAllRemotesCompleteEmptyRegistry(t *testing.T) {
	r := New()
	if r.AllRemotesComplete() {
		t.Fatalf("an empty registry must not report complete")
	}
}
