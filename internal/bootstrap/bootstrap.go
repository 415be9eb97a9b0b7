// Package bootstrap implements swarm startup (C8): listening for inbound
// connections from peers later in the roster, dialing out to peers earlier
// in the roster, and the handshake exchange that arbitrates every link
// before it is handed off to the swarm.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kestrelnet/swarmcast/internal/config"
	"github.com/kestrelnet/swarmcast/internal/eventlog"
	"github.com/kestrelnet/swarmcast/internal/protocol"
)

// LinkHandler is invoked once per established, handshaken connection.
// outbound is true when the local peer initiated the dial.
type LinkHandler func(conn net.Conn, remoteID uint32, outbound bool)

const dialRetryInterval = 500 * time.Millisecond

// Run starts the listener for the local id's configured port and dials
// every roster entry with a strictly smaller id, per the ordering rule: a
// peer dials every peer whose id is lower than its own and accepts
// connections from everyone else. This ordering prevents two peers from
// simultaneously dialing each other.
//
// Run blocks until ctx is canceled or a fatal startup error occurs (for
// example, the local listen address is already in use).
func Run(ctx context.Context, localID uint32, roster []config.RosterEntry, handler LinkHandler, log *slog.Logger, events *eventlog.Log) error {
	self, lower, err := splitRoster(localID, roster)
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", ":"+strconv.Itoa(int(self.Port)))
	if err != nil {
		return fmt.Errorf("bootstrap: listen: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		ln.Close()
		return nil
	})
	g.Go(func() error {
		return acceptLoop(gctx, ln, localID, handler, log, events)
	})

	for _, entry := range lower {
		entry := entry
		g.Go(func() error {
			return dial(gctx, localID, entry, handler, log, events)
		})
	}

	return g.Wait()
}

// splitRoster locates the local peer's entry and returns every entry whose
// id is strictly smaller, which the local peer is responsible for dialing.
func splitRoster(localID uint32, roster []config.RosterEntry) (config.RosterEntry, []config.RosterEntry, error) {
	var self config.RosterEntry
	found := false
	var lower []config.RosterEntry

	for _, entry := range roster {
		if entry.ID == localID {
			self = entry
			found = true
			continue
		}
		if entry.ID < localID {
			lower = append(lower, entry)
		}
	}

	if !found {
		return config.RosterEntry{}, nil, fmt.Errorf("bootstrap: peer id %d not found in roster", localID)
	}
	return self, lower, nil
}

func acceptLoop(ctx context.Context, ln net.Listener, localID uint32, handler LinkHandler, log *slog.Logger, events *eventlog.Log) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("bootstrap: accept: %w", err)
		}

		go acceptOne(conn, localID, handler, log, events)
	}
}

func acceptOne(conn net.Conn, localID uint32, handler LinkHandler, log *slog.Logger, events *eventlog.Log) {
	hs, err := protocol.ReadHandshake(conn)
	if err != nil {
		log.Warn("bad inbound handshake", "error", err.Error())
		conn.Close()
		return
	}

	if err := protocol.WriteHandshake(conn, protocol.Handshake{PeerID: localID}); err != nil {
		log.Warn("handshake reply failed", "remote", hs.PeerID, "error", err.Error())
		conn.Close()
		return
	}

	events.ConnectedFrom(localID, hs.PeerID)
	handler(conn, hs.PeerID, false)
}

// dial retries connecting and handshaking with entry until it succeeds or
// ctx is canceled. A failed connect, handshake, or id mismatch is this
// peer's problem alone: per section 7, runtime errors are local and must
// never tear down the other dialers or the accept loop, so every failure
// here is logged and retried rather than returned.
func dial(ctx context.Context, localID uint32, entry config.RosterEntry, handler LinkHandler, log *slog.Logger, events *eventlog.Log) error {
	addr := net.JoinHostPort(entry.Host, strconv.Itoa(int(entry.Port)))

	for {
		conn, err := net.Dial("tcp", addr)
		if err == nil {
			if err := completeOutbound(conn, localID, entry, handler, events); err != nil {
				log.Warn("outbound handshake failed, retrying", "peer", entry.ID, "error", err.Error())
			} else {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(dialRetryInterval):
		}
	}
}

func completeOutbound(conn net.Conn, localID uint32, entry config.RosterEntry, handler LinkHandler, events *eventlog.Log) error {
	if err := protocol.WriteHandshake(conn, protocol.Handshake{PeerID: localID}); err != nil {
		conn.Close()
		return fmt.Errorf("bootstrap: handshake to peer %d: %w", entry.ID, err)
	}

	hs, err := protocol.ReadHandshake(conn)
	if err != nil {
		conn.Close()
		return fmt.Errorf("bootstrap: handshake reply from peer %d: %w", entry.ID, err)
	}
	if hs.PeerID != entry.ID {
		conn.Close()
		return fmt.Errorf("bootstrap: peer at %s identified as %d, expected %d", conn.RemoteAddr(), hs.PeerID, entry.ID)
	}

	events.MakesConnectionTo(localID, entry.ID)
	handler(conn, entry.ID, true)
	return nil
}
