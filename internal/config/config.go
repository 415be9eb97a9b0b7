// Package config ingests the two plain-text files that parameterize a run:
// Common.cfg (choking policy + file layout) and PeerInfo.cfg (the static
// peer roster).
package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"
)

// ErrConfig wraps any malformed-input failure while parsing Common.cfg or
// PeerInfo.cfg. It is always fatal at startup per the error handling design.
type ErrConfig struct {
	File string
	Err  error
}

func (e *ErrConfig) Error() string {
	return fmt.Sprintf("config: %s: %v", e.File, e.Err)
}

func (e *ErrConfig) Unwrap() error { return e.Err }

// Config holds the swarm-wide parameters read from Common.cfg.
type Config struct {
	NumPreferredNeighbors       int
	UnchokingInterval           time.Duration
	OptimisticUnchokingInterval time.Duration
	FileName                    string
	FileSize                    int64
	PieceSize                   int64
}

// NumPieces returns ceil(FileSize / PieceSize).
func (c Config) NumPieces() int {
	if c.PieceSize <= 0 {
		return 0
	}
	return int((c.FileSize + c.PieceSize - 1) / c.PieceSize)
}

// PieceLen returns the length in bytes of piece i, accounting for a short
// final piece.
func (c Config) PieceLen(i int) int64 {
	start := int64(i) * c.PieceSize
	if rem := c.FileSize - start; rem < c.PieceSize {
		return rem
	}
	return c.PieceSize
}

// RosterEntry describes one swarm member as listed in PeerInfo.cfg.
type RosterEntry struct {
	ID               uint32
	Host             string
	Port             uint16
	HasFileInitially bool
}

// requiredKeys enumerates the Common.cfg keys this implementation expects,
// in the order they are conventionally listed.
var requiredKeys = []string{
	"NumberOfPreferredNeighbors",
	"UnchokingInterval",
	"OptimisticUnchokingInterval",
	"FileName",
	"FileSize",
	"PieceSize",
}

// LoadCommon reads Common.cfg from path.
func LoadCommon(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, &ErrConfig{File: path, Err: err}
	}
	defer f.Close()

	values, err := parseKeyValueLines(f)
	if err != nil {
		return Config{}, &ErrConfig{File: path, Err: err}
	}

	for _, k := range requiredKeys {
		if _, ok := values[k]; !ok {
			return Config{}, &ErrConfig{File: path, Err: fmt.Errorf("missing key %q", k)}
		}
	}

	cfg := Config{FileName: values["FileName"]}

	intFields := map[string]*int{
		"NumberOfPreferredNeighbors": &cfg.NumPreferredNeighbors,
	}
	for k, dst := range intFields {
		n, err := strconv.Atoi(values[k])
		if err != nil {
			return Config{}, &ErrConfig{File: path, Err: fmt.Errorf("key %q: %w", k, err)}
		}
		*dst = n
	}

	unchoke, err := strconv.Atoi(values["UnchokingInterval"])
	if err != nil {
		return Config{}, &ErrConfig{File: path, Err: fmt.Errorf("key %q: %w", "UnchokingInterval", err)}
	}
	cfg.UnchokingInterval = time.Duration(unchoke) * time.Second

	optimistic, err := strconv.Atoi(values["OptimisticUnchokingInterval"])
	if err != nil {
		return Config{}, &ErrConfig{File: path, Err: fmt.Errorf("key %q: %w", "OptimisticUnchokingInterval", err)}
	}
	cfg.OptimisticUnchokingInterval = time.Duration(optimistic) * time.Second

	fileSize, err := strconv.ParseInt(values["FileSize"], 10, 64)
	if err != nil {
		return Config{}, &ErrConfig{File: path, Err: fmt.Errorf("key %q: %w", "FileSize", err)}
	}
	cfg.FileSize = fileSize

	pieceSize, err := strconv.ParseInt(values["PieceSize"], 10, 64)
	if err != nil {
		return Config{}, &ErrConfig{File: path, Err: fmt.Errorf("key %q: %w", "PieceSize", err)}
	}
	cfg.PieceSize = pieceSize

	return cfg, nil
}

// LoadRoster reads PeerInfo.cfg from path: one "peerId host port hasFile"
// line per peer.
func LoadRoster(path string) ([]RosterEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &ErrConfig{File: path, Err: err}
	}
	defer f.Close()

	var roster []RosterEntry

	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) != 4 {
			return nil, &ErrConfig{File: path, Err: fmt.Errorf("line %d: want 4 fields, got %d", lineNo, len(fields))}
		}

		id, err := strconv.ParseUint(fields[0], 10, 32)
		if err != nil {
			return nil, &ErrConfig{File: path, Err: fmt.Errorf("line %d: peerId: %w", lineNo, err)}
		}
		port, err := strconv.ParseUint(fields[2], 10, 16)
		if err != nil {
			return nil, &ErrConfig{File: path, Err: fmt.Errorf("line %d: port: %w", lineNo, err)}
		}
		if fields[3] != "0" && fields[3] != "1" {
			return nil, &ErrConfig{File: path, Err: fmt.Errorf("line %d: hasFile must be 0 or 1, got %q", lineNo, fields[3])}
		}

		roster = append(roster, RosterEntry{
			ID:               uint32(id),
			Host:             fields[1],
			Port:             uint16(port),
			HasFileInitially: fields[3] == "1",
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, &ErrConfig{File: path, Err: err}
	}
	if len(roster) == 0 {
		return nil, &ErrConfig{File: path, Err: fmt.Errorf("empty roster")}
	}

	return roster, nil
}

func parseKeyValueLines(r io.Reader) (map[string]string, error) {
	values := make(map[string]string)

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		idx := strings.IndexByte(line, ' ')
		if idx < 0 {
			return nil, fmt.Errorf("line %d: expected \"Key Value\"", lineNo)
		}

		key := line[:idx]
		val := strings.TrimSpace(line[idx+1:])
		if key == "" || val == "" {
			return nil, fmt.Errorf("line %d: expected \"Key Value\"", lineNo)
		}
		values[key] = val
	}

	return values, scanner.Err()
}
