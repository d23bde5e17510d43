package watch

import (
	"fmt"
	"time"
)

// Document layout. The same shape is used for the live state file and for
// backups, so a backup from one deployment restores on another. Timestamps
// travel as RFC3339 strings; durations rely on the statefile duration tag.
//
// Item IDs are runtime-only and deliberately absent from the document: they
// are reassigned on load, which keeps old snapshots loadable forever.

// Document renders the state as a generic nested document.
func (u *UserState) Document() map[string]any {
	u.mu.Lock()
	defer u.mu.Unlock()

	apps := make([]any, len(u.items))
	for i, it := range u.items {
		apps[i] = map[string]any{
			"name":               it.Name,
			"catalog_id":         it.CatalogID,
			"source_url":         it.SourceURL,
			"current_version":    it.CurrentVersion,
			"last_update":        it.LastUpdate,
			"last_check_at":      encodeTime(it.LastCheckAt),
			"next_check_at":      encodeTime(it.NextCheckAt),
			"check_interval":     encodeInterval(it.CheckInterval),
			"notify_every_check": it.NotifyEveryCheck,
			"suspended":          it.Suspended,
		}
	}

	checks := make([]any, len(u.history))
	for i, e := range u.history {
		checks[i] = map[string]any{
			"time":             encodeTime(e.Time),
			"name":             e.Name,
			"previous_version": e.PreviousVersion,
			"new_version":      e.NewVersion,
			"update_found":     e.UpdateFound,
		}
	}

	backups := make([]any, len(u.backups))
	for i, r := range u.backups {
		backups[i] = map[string]any{
			"file_name":   r.FileName,
			"backup_time": encodeTime(r.BackupTime),
		}
	}

	return map[string]any{
		"settings": map[string]any{
			"default_check_interval":     encodeInterval(u.settings.CheckInterval),
			"default_notify_every_check": u.settings.NotifyEveryCheck,
		},
		"apps":        apps,
		"last_checks": checks,
		"backups":     backups,
	}
}

// UserStateFromDocument rebuilds a UserState from a document produced by
// Document. Unknown keys are ignored; structurally broken entries fail the
// whole load so a corrupt backup is refused instead of half-applied.
func UserStateFromDocument(doc map[string]any, fallback DefaultSettings) (*UserState, error) {
	u := NewUserState(fallback)

	if raw, ok := doc["settings"].(map[string]any); ok {
		if iv, ok := raw["default_check_interval"]; ok {
			ci, err := decodeInterval(iv)
			if err != nil {
				return nil, fmt.Errorf("settings.default_check_interval: %w", err)
			}
			u.settings.CheckInterval = ci
		}
		if b, ok := raw["default_notify_every_check"].(bool); ok {
			u.settings.NotifyEveryCheck = b
		}
	}

	if raw, ok := doc["apps"].([]any); ok {
		for i, av := range raw {
			m, ok := av.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("apps[%d]: not a mapping", i)
			}
			it, err := itemFromDoc(m)
			if err != nil {
				return nil, fmt.Errorf("apps[%d]: %w", i, err)
			}
			u.nextItemID++
			it.ID = u.nextItemID
			u.items = append(u.items, &it)
		}
	}

	if raw, ok := doc["last_checks"].([]any); ok {
		for _, cv := range raw {
			m, ok := cv.(map[string]any)
			if !ok {
				continue
			}
			e := CheckHistoryEntry{
				Name:            docString(m, "name"),
				PreviousVersion: docString(m, "previous_version"),
				NewVersion:      docString(m, "new_version"),
			}
			e.Time, _ = decodeTime(m["time"])
			e.UpdateFound, _ = m["update_found"].(bool)
			u.history = append(u.history, e)
		}
		if len(u.history) > HistoryCap {
			u.history = u.history[len(u.history)-HistoryCap:]
		}
	}

	if raw, ok := doc["backups"].([]any); ok {
		for _, bv := range raw {
			m, ok := bv.(map[string]any)
			if !ok {
				continue
			}
			r := BackupRecord{FileName: docString(m, "file_name")}
			r.BackupTime, _ = decodeTime(m["backup_time"])
			if r.FileName != "" {
				u.backups = append(u.backups, r)
			}
		}
	}

	return u, nil
}

func itemFromDoc(m map[string]any) (MonitoredItem, error) {
	it := MonitoredItem{
		Name:           docString(m, "name"),
		CatalogID:      docString(m, "catalog_id"),
		SourceURL:      docString(m, "source_url"),
		CurrentVersion: docString(m, "current_version"),
		LastUpdate:     docString(m, "last_update"),
	}
	it.LastCheckAt, _ = decodeTime(m["last_check_at"])
	it.NextCheckAt, _ = decodeTime(m["next_check_at"])
	it.NotifyEveryCheck, _ = m["notify_every_check"].(bool)
	it.Suspended, _ = m["suspended"].(bool)

	if iv, ok := m["check_interval"]; ok {
		ci, err := decodeInterval(iv)
		if err != nil {
			return MonitoredItem{}, fmt.Errorf("check_interval: %w", err)
		}
		it.CheckInterval = ci
	}
	return it, nil
}

func encodeInterval(ci CheckInterval) map[string]any {
	return map[string]any{
		"input": map[string]any{
			"months":  ci.Input.Months,
			"days":    ci.Input.Days,
			"hours":   ci.Input.Hours,
			"minutes": ci.Input.Minutes,
			"seconds": ci.Input.Seconds,
		},
		"interval": ci.Duration,
	}
}

func decodeInterval(v any) (CheckInterval, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return CheckInterval{}, fmt.Errorf("not a mapping (%T)", v)
	}
	var ci CheckInterval
	if in, ok := m["input"].(map[string]any); ok {
		ci.Input = IntervalInput{
			Months:  docInt(in, "months"),
			Days:    docInt(in, "days"),
			Hours:   docInt(in, "hours"),
			Minutes: docInt(in, "minutes"),
			Seconds: docInt(in, "seconds"),
		}
	}
	if d, ok := m["interval"].(time.Duration); ok {
		ci.Duration = d
	} else {
		// Older snapshots may omit the normalized duration; rebuild it.
		ci.Duration = ci.Input.Duration()
	}
	return ci, nil
}

func encodeTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}

func decodeTime(v any) (time.Time, bool) {
	s, ok := v.(string)
	if !ok || s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func docString(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func docInt(m map[string]any, key string) int {
	switch n := m[key].(type) {
	case int:
		return n
	case int64:
		return int(n)
	case uint64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}
