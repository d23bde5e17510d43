package watch

import (
	"errors"
	"time"
)

// DayFormat is the day-granularity layout used for vendor release dates.
// Version comparisons treat two timestamps on the same day as equal.
const DayFormat = "02 January 2006"

// VariesByDevice is the version sentinel some vendors report instead of a
// concrete version string. Updates detected against it get an explicit
// caveat in the notification.
const VariesByDevice = "Varies with device"

var (
	ErrItemNotFound     = errors.New("watch: item not found")
	ErrDuplicateCatalog = errors.New("watch: catalog id already monitored")
	ErrBadInterval      = errors.New("watch: check interval must be positive")
)

// IntervalInput is the structured form the operator typed for a check
// interval. It is kept alongside the normalized duration because the UI
// redisplays the original fields.
type IntervalInput struct {
	Months  int `yaml:"months"`
	Days    int `yaml:"days"`
	Hours   int `yaml:"hours"`
	Minutes int `yaml:"minutes"`
	Seconds int `yaml:"seconds"`
}

// CheckInterval pairs the operator input with its normalized duration.
type CheckInterval struct {
	Input    IntervalInput
	Duration time.Duration
}

// MonitoredItem is one tracked catalog entry.
//
// ID is a stable per-user synthetic identifier: jobs are registered and
// cancelled by it, never by display name or positional index, so renames and
// delete-reindexing cannot redirect a late-firing job to the wrong item.
type MonitoredItem struct {
	ID             uint64
	Name           string
	CatalogID      string
	SourceURL      string
	CurrentVersion string
	// LastUpdate is the vendor-reported release date at day granularity
	// (DayFormat).
	LastUpdate       string
	LastCheckAt      time.Time // zero until the first check runs
	NextCheckAt      time.Time
	CheckInterval    CheckInterval
	NotifyEveryCheck bool
	Suspended        bool
}

// valid reports whether the record carries everything scheduling requires.
// Records failing this are treated as corrupt and repaired by deletion.
func (it *MonitoredItem) valid() bool {
	return it.CatalogID != "" && it.SourceURL != "" && it.CheckInterval.Duration > 0
}

// CheckHistoryEntry is one recorded check outcome. The per-user history keeps
// the most recent HistoryCap entries.
type CheckHistoryEntry struct {
	Time            time.Time
	Name            string
	PreviousVersion string
	NewVersion      string
	UpdateFound     bool
}

// HistoryCap bounds the per-user check history ring.
const HistoryCap = 10

// DefaultSettings pre-fills new items.
type DefaultSettings struct {
	CheckInterval    CheckInterval
	NotifyEveryCheck bool
}

// BackupRecord points at one persisted snapshot file. Records are displayed
// with dense 1..N numbering; the slice position is the display index minus 1.
type BackupRecord struct {
	FileName   string
	BackupTime time.Time
}

// ItemPatch overwrites named fields of an existing item. Nil fields are left
// untouched.
type ItemPatch struct {
	Name             *string
	SourceURL        *string
	CheckInterval    *CheckInterval
	NotifyEveryCheck *bool
}

// CheckJobPayload identifies one check firing. It intentionally carries the
// stable item ID instead of a positional index.
type CheckJobPayload struct {
	ChatID    int64
	ItemID    uint64
	CatalogID string
	SourceURL string
}
