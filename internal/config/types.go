package config

import (
	"errors"
	"fmt"
	"strings"
)

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`

	// Jobs controls the background job runner (workers, timeouts, timezone).
	Jobs JobsConfig `json:"jobs"`

	// Watch holds the defaults applied to newly monitored apps.
	Watch WatchConfig `json:"watch"`

	Notifier *NotifierConfig `json:"notifier,omitempty"`
	Storage  *StorageConfig  `json:"storage,omitempty"`
	Catalog  *CatalogConfig  `json:"catalog,omitempty"`

	Data    DataConfig    `json:"data"`
	Backups BackupsConfig `json:"backups"`
}

type TelegramConfig struct {
	Token        string `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	AdminUserIDs []int64 `json:"admin_user_ids,omitempty"`
	// AllowedUsers may use the bot without being owner/admin. Backup
	// management is gated per user.
	AllowedUsers []AllowedUser `json:"allowed_users,omitempty"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout"`
}

type AllowedUser struct {
	UserID           int64 `json:"user_id"`
	CanManageBackups bool  `json:"can_manage_backups,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ChatID     int64  `json:"chat_id,omitempty"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// JobsConfig controls the job runner.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type JobsConfig struct {
	Workers int `json:"workers"`
	// DefaultTimeout bounds a single check run. Use "0s" to disable.
	DefaultTimeout string `json:"default_timeout"`
	HistorySize    int    `json:"history_size,omitempty"`
	RetryMax       int    `json:"retry_max,omitempty"`
	// Timezone is an IANA TZ name, e.g. "Europe/Rome".
	Timezone string `json:"timezone,omitempty"`
}

// WatchConfig seeds the per-chat item defaults.
type WatchConfig struct {
	// DefaultCheckInterval uses the operator interval format, e.g.
	// "0m1d0h0min0s".
	DefaultCheckInterval    string `json:"default_check_interval"`
	DefaultNotifyEveryCheck bool   `json:"default_notify_every_check"`
}

// NotifierConfig controls the async notification pipeline.
type NotifierConfig struct {
	QueueSize  int     `json:"queue_size,omitempty"`
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
	Burst      int     `json:"burst,omitempty"`
	// DedupWindow is a Go duration string.
	DedupWindow string `json:"dedup_window,omitempty"`
}

// StorageConfig controls the optional persistence layer.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./playwatch_store" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// CatalogConfig overrides the store client defaults, mainly for tests.
type CatalogConfig struct {
	BaseURL   string `json:"base_url,omitempty"`
	Timeout   string `json:"timeout,omitempty"` // Go duration string
	UserAgent string `json:"user_agent,omitempty"`
}

// DataConfig locates the per-chat state files.
type DataConfig struct {
	// Dir holds state/<chat_id>.yml files.
	Dir string `json:"dir"`
	// FirstBoot optionally points at a seed state file imported for the
	// first owner when no state exists yet.
	FirstBoot string `json:"first_boot,omitempty"`
	// AutosaveInterval is a Go duration string; "0s" disables periodic
	// autosave (state is still written after every mutation).
	AutosaveInterval string `json:"autosave_interval,omitempty"`
}

type BackupsConfig struct {
	Dir string `json:"dir"`
	// MaxPerUser caps how many backups one chat may hold; 0 = unlimited.
	MaxPerUser int `json:"max_per_user,omitempty"`
}

// Validate checks the fields nothing can run without. Format-level checks
// (interval syntax, durations) happen where the values are consumed.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		return errors.New("telegram.token is required")
	}
	if len(cfg.Telegram.OwnerUserIDs) == 0 {
		return errors.New("telegram.owner_user_ids must name at least one owner")
	}
	if strings.TrimSpace(cfg.Data.Dir) == "" {
		return errors.New("data.dir is required")
	}
	if strings.TrimSpace(cfg.Backups.Dir) == "" {
		return errors.New("backups.dir is required")
	}
	if cfg.Backups.MaxPerUser < 0 {
		return fmt.Errorf("backups.max_per_user must be >= 0, got %d", cfg.Backups.MaxPerUser)
	}
	if cfg.Storage != nil {
		driver := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
		switch driver {
		case "", "none", "file", "sqlite", "sqlite3":
		default:
			return fmt.Errorf("storage.driver %q is not supported", cfg.Storage.Driver)
		}
		if (driver == "file" || driver == "sqlite" || driver == "sqlite3") &&
			strings.TrimSpace(cfg.Storage.Path) == "" {
			return errors.New("storage.path is required for driver " + driver)
		}
	}
	return nil
}
