// Package eventlog implements the per-peer append-only event log required
// by the external-interfaces contract: one line per event, each prefixed
// with a "[YYYY-MM-DD HH:MM:SS]: " timestamp, written with the exact
// literal templates the wire-level log contract specifies. This sink is
// kept separate from the operational logger in internal/logging: its line
// format is tested byte-for-byte and must never pick up slog's key=value
// shape.
package eventlog

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Log is an append-only, line-oriented sink for one peer's log file.
type Log struct {
	mu sync.Mutex
	f  *os.File
	w  *bufio.Writer
	// now is overridable in tests; defaults to time.Now.
	now func() time.Time
}

// Open creates (or appends to) logs/log_peer_<id>.log under dir.
func Open(dir string, peerID uint32) (*Log, error) {
	logsDir := filepath.Join(dir, "logs")
	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		return nil, fmt.Errorf("eventlog: %w", err)
	}

	path := filepath.Join(logsDir, "log_peer_"+strconv.FormatUint(uint64(peerID), 10)+".log")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("eventlog: %w", err)
	}

	return &Log{f: f, w: bufio.NewWriter(f), now: time.Now}, nil
}

// Close flushes and closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.w.Flush(); err != nil {
		l.f.Close()
		return err
	}
	return l.f.Close()
}

func (l *Log) write(msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	fmt.Fprintf(l.w, "[%s]: %s\n", l.now().Format("2006-01-02 15:04:05"), msg)
	l.w.Flush()
}

func (l *Log) MakesConnectionTo(self, other uint32) {
	l.write(fmt.Sprintf("Peer %d makes a connection to Peer %d", self, other))
}

func (l *Log) ConnectedFrom(self, other uint32) {
	l.write(fmt.Sprintf("Peer %d is connected from Peer %d", self, other))
}

func (l *Log) PreferredNeighbors(self uint32, ids []uint32) {
	strs := make([]string, len(ids))
	for i, id := range ids {
		strs[i] = strconv.FormatUint(uint64(id), 10)
	}
	l.write(fmt.Sprintf("Peer %d has the preferred neighbors [%s]", self, strings.Join(strs, ", ")))
}

func (l *Log) OptimisticallyUnchokedNeighbor(self, other uint32) {
	l.write(fmt.Sprintf("Peer %d has the optimistically unchoked neighbor %d", self, other))
}

func (l *Log) UnchokedBy(self, other uint32) {
	l.write(fmt.Sprintf("Peer %d is unchoked by Peer %d", self, other))
}

func (l *Log) ChokedBy(self, other uint32) {
	l.write(fmt.Sprintf("Peer %d is choked by Peer %d", self, other))
}

func (l *Log) ReceivedInterested(self, other uint32) {
	l.write(fmt.Sprintf("Peer %d received the 'interested' message from Peer %d", self, other))
}

func (l *Log) ReceivedNotInterested(self, other uint32) {
	l.write(fmt.Sprintf("Peer %d received the 'not interested' message from Peer %d", self, other))
}

func (l *Log) ReceivedHave(self, other uint32, piece int) {
	l.write(fmt.Sprintf("Peer %d received the 'have' message from Peer %d for the piece %d", self, other, piece))
}

func (l *Log) DownloadedPiece(self, other uint32, piece, numPiecesHeld int) {
	l.write(fmt.Sprintf(
		"Peer %d has downloaded the piece %d from Peer %d. Now the number of pieces it has is %d",
		self, piece, other, numPiecesHeld,
	))
}

func (l *Log) CompleteFile(self uint32) {
	l.write(fmt.Sprintf("Peer %d has downloaded the complete file.", self))
}
