package config

import (
	"reflect"
	"sort"
	"strings"

	logx "playwatch/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections and
// (2) safe structured attrs for logging. Secrets (the bot token) are never
// included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 20)

	// Telegram (never log token)
	if strings.TrimSpace(oldCfg.Telegram.PollTimeout) != strings.TrimSpace(newCfg.Telegram.PollTimeout) ||
		!reflect.DeepEqual(oldCfg.Telegram.OwnerUserIDs, newCfg.Telegram.OwnerUserIDs) ||
		!reflect.DeepEqual(oldCfg.Telegram.AdminUserIDs, newCfg.Telegram.AdminUserIDs) ||
		!reflect.DeepEqual(oldCfg.Telegram.AllowedUsers, newCfg.Telegram.AllowedUsers) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.String("telegram.poll_timeout", strings.TrimSpace(newCfg.Telegram.PollTimeout)),
			logx.Int("telegram.owner_count", len(newCfg.Telegram.OwnerUserIDs)),
			logx.Int("telegram.admin_count", len(newCfg.Telegram.AdminUserIDs)),
			logx.Int("telegram.allowed_count", len(newCfg.Telegram.AllowedUsers)),
		)
	}

	// Logging
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logx.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	// Jobs runner
	if !reflect.DeepEqual(oldCfg.Jobs, newCfg.Jobs) {
		changed = append(changed, "jobs")
		attrs = append(attrs,
			logx.Int("jobs.workers", newCfg.Jobs.Workers),
			logx.String("jobs.default_timeout", strings.TrimSpace(newCfg.Jobs.DefaultTimeout)),
			logx.String("jobs.timezone", strings.TrimSpace(newCfg.Jobs.Timezone)),
			logx.Int("jobs.retry_max", newCfg.Jobs.RetryMax),
		)
	}

	// Watch defaults
	if !reflect.DeepEqual(oldCfg.Watch, newCfg.Watch) {
		changed = append(changed, "watch")
		attrs = append(attrs,
			logx.String("watch.default_check_interval", strings.TrimSpace(newCfg.Watch.DefaultCheckInterval)),
			logx.Bool("watch.default_notify_every_check", newCfg.Watch.DefaultNotifyEveryCheck),
		)
	}

	// Notifier (nil section means runtime defaults)
	oldN, newN := derefNotifier(oldCfg.Notifier), derefNotifier(newCfg.Notifier)
	if (oldCfg.Notifier != nil) != (newCfg.Notifier != nil) || !reflect.DeepEqual(oldN, newN) {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Int("notifier.queue_size", newN.QueueSize),
			logx.Any("notifier.rate_per_sec", newN.RatePerSec),
			logx.String("notifier.dedup_window", strings.TrimSpace(newN.DedupWindow)),
		)
	}

	// Storage (nil means disabled)
	var oDriver, nDriver, oBusy, nBusy string
	var oPathSet, nPathSet bool
	if oldCfg.Storage != nil {
		oDriver = strings.TrimSpace(oldCfg.Storage.Driver)
		oBusy = strings.TrimSpace(oldCfg.Storage.BusyTimeout)
		oPathSet = strings.TrimSpace(oldCfg.Storage.Path) != ""
	}
	if newCfg.Storage != nil {
		nDriver = strings.TrimSpace(newCfg.Storage.Driver)
		nBusy = strings.TrimSpace(newCfg.Storage.BusyTimeout)
		nPathSet = strings.TrimSpace(newCfg.Storage.Path) != ""
	}
	if oDriver != nDriver || oBusy != nBusy || oPathSet != nPathSet {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", nDriver),
			logx.Bool("storage.path_set", nPathSet),
			logx.String("storage.busy_timeout", nBusy),
		)
	}

	// Catalog client
	oldC, newC := derefCatalog(oldCfg.Catalog), derefCatalog(newCfg.Catalog)
	if !reflect.DeepEqual(oldC, newC) {
		changed = append(changed, "catalog")
		attrs = append(attrs,
			logx.Bool("catalog.base_url_set", strings.TrimSpace(newC.BaseURL) != ""),
			logx.String("catalog.timeout", strings.TrimSpace(newC.Timeout)),
		)
	}

	// Data + backups locations
	if !reflect.DeepEqual(oldCfg.Data, newCfg.Data) {
		changed = append(changed, "data")
		attrs = append(attrs,
			logx.String("data.dir", strings.TrimSpace(newCfg.Data.Dir)),
			logx.String("data.autosave_interval", strings.TrimSpace(newCfg.Data.AutosaveInterval)),
		)
	}
	if !reflect.DeepEqual(oldCfg.Backups, newCfg.Backups) {
		changed = append(changed, "backups")
		attrs = append(attrs,
			logx.String("backups.dir", strings.TrimSpace(newCfg.Backups.Dir)),
			logx.Int("backups.max_per_user", newCfg.Backups.MaxPerUser),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

func derefNotifier(n *NotifierConfig) NotifierConfig {
	if n == nil {
		return NotifierConfig{}
	}
	return *n
}

func derefCatalog(c *CatalogConfig) CatalogConfig {
	if c == nil {
		return CatalogConfig{}
	}
	return *c
}
