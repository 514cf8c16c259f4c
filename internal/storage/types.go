package storage

import (
	"errors"
	"time"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage.
//
// Driver values:
//   - "memory": process-local map, lost on exit
//   - "file": dependency-free file backend (snapshot + jsonl journal)
//   - "sqlite": SQLite database file (modernc.org/sqlite, no cgo)
//
// If Driver is empty, "memory" is used.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}
