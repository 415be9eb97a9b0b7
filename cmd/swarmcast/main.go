// Command swarmcast runs a single peer in a fixed-size-piece file-sharing
// swarm. It takes the local peer's id, reads the shared Common.cfg and
// PeerInfo.cfg configuration files from the current directory, and either
// seeds a locally present file or downloads one from the rest of the swarm.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/kestrelnet/swarmcast/internal/bitfield"
	"github.com/kestrelnet/swarmcast/internal/bootstrap"
	"github.com/kestrelnet/swarmcast/internal/config"
	"github.com/kestrelnet/swarmcast/internal/eventlog"
	"github.com/kestrelnet/swarmcast/internal/logging"
	"github.com/kestrelnet/swarmcast/internal/peer"
	"github.com/kestrelnet/swarmcast/internal/store"
	"github.com/kestrelnet/swarmcast/internal/swarm"
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s <peerId>\n", os.Args[0])
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	id64, err := strconv.ParseUint(flag.Arg(0), 10, 32)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid peer id %q: %v\n", flag.Arg(0), err)
		os.Exit(2)
	}
	localID := uint32(id64)

	log := logging.New(os.Stderr, logging.DefaultOptions())

	if err := run(localID, log); err != nil {
		log.Error("fatal startup error", "error", err.Error())
		os.Exit(1)
	}
}

func run(localID uint32, log *slog.Logger) error {
	cfg, err := config.LoadCommon("Common.cfg")
	if err != nil {
		return err
	}
	roster, err := config.LoadRoster("PeerInfo.cfg")
	if err != nil {
		return err
	}

	self, err := selfEntry(localID, roster)
	if err != nil {
		return err
	}

	baseDir := filepath.Join(".", "peer_"+strconv.FormatUint(uint64(localID), 10))
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return fmt.Errorf("main: %w", err)
	}

	numPieces := cfg.NumPieces()

	var st *store.Store
	if self.HasFileInitially {
		st, err = store.SeedFromFile(baseDir, cfg.FileName, numPieces, cfg.PieceLen)
	} else {
		st, err = store.Open(baseDir, cfg.FileName, numPieces, cfg.PieceLen)
	}
	if err != nil {
		return err
	}

	local := bitfield.New(numPieces)
	for i := 0; i < numPieces; i++ {
		if st.Has(i) {
			local.Set(i)
		}
	}

	events, err := eventlog.Open(".", localID)
	if err != nil {
		return err
	}
	defer events.Close()

	registry := swarm.New()
	pending := peer.NewPendingTracker()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	selfComplete := func() bool { return local.AllSet() }

	controller := swarm.NewController(registry, swarm.Config{
		SelfID:                      localID,
		NumPreferredNeighbors:       cfg.NumPreferredNeighbors,
		UnchokingInterval:           cfg.UnchokingInterval,
		OptimisticUnchokingInterval: cfg.OptimisticUnchokingInterval,
		SelfComplete:                selfComplete,
		Events:                      events,
		Log:                         log,
	})
	go controller.Run(ctx)

	linkHandler := func(conn net.Conn, remoteID uint32, outbound bool) {
		l := peer.New(conn, peer.Config{
			LocalID:   localID,
			RemoteID:  remoteID,
			NumPieces: numPieces,
			Local:     local,
			Store:     st,
			Registry:  registry,
			Pending:   pending,
			Events:    events,
			Log:       log,
		})

		if !registry.Register(l) {
			conn.Close()
			return
		}

		go func() {
			if err := l.Start(); err != nil {
				log.Debug("link closed", "remote", remoteID, "error", err.Error())
			}
		}()
	}

	go func() {
		if err := bootstrap.Run(ctx, localID, roster, linkHandler, log, events); err != nil {
			log.Error("bootstrap failed", "error", err.Error())
			cancel()
		}
	}()

	err = swarm.WaitForCompletion(ctx, swarm.DefaultTerminationCheckInterval, selfComplete, registry)
	cancel()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

func selfEntry(localID uint32, roster []config.RosterEntry) (config.RosterEntry, error) {
	for _, e := range roster {
		if e.ID == localID {
			return e, nil
		}
	}
	return config.RosterEntry{}, fmt.Errorf("main: peer id %d not found in PeerInfo.cfg", localID)
}
