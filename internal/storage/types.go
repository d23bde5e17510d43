package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (jsonl + snapshot)
//   - "sqlite": SQLite database file (optional build tag)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// CheckEntry records one finished catalog check for offline inspection.
// Keep it compact and schema-stable.
type CheckEntry struct {
	At              time.Time
	ChatID          int64
	Name            string
	CatalogID       string
	PreviousVersion string
	NewVersion      string
	UpdateFound     bool
	Error           string
}
