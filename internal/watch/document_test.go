package watch

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"playwatch/internal/statefile"
)

func populatedState(t *testing.T) *UserState {
	t.Helper()
	u := NewUserState(DefaultSettings{CheckInterval: dayInterval(), NotifyEveryCheck: true})

	it := testItem("PewPew Live", "com.example.pewpew")
	it.CurrentVersion = "1.2.3"
	it.LastUpdate = "15 August 2026"
	it.LastCheckAt = time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	it.NextCheckAt = time.Date(2026, 8, 31, 10, 0, 0, 0, time.UTC)
	it.NotifyEveryCheck = true
	if _, err := u.AddItem(it); err != nil {
		t.Fatalf("AddItem: %v", err)
	}
	it2 := testItem("Other", "com.example.other")
	it2.Suspended = true
	if _, err := u.AddItem(it2); err != nil {
		t.Fatalf("AddItem: %v", err)
	}

	u.AppendHistory(CheckHistoryEntry{
		Time:            time.Date(2026, 8, 30, 10, 0, 1, 0, time.UTC),
		Name:            "PewPew Live",
		PreviousVersion: "1.2.2",
		NewVersion:      "1.2.3",
		UpdateFound:     true,
	})
	u.AddBackup(BackupRecord{
		FileName:   "30_08_2026_09_00_00.yml",
		BackupTime: time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC),
	})
	return u
}

func TestDocumentRoundTripThroughStateFile(t *testing.T) {
	u := populatedState(t)
	path := filepath.Join(t.TempDir(), "42.yml")

	if err := statefile.Dump(u.Document(), path); err != nil {
		t.Fatalf("Dump: %v", err)
	}
	doc, err := statefile.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	got, err := UserStateFromDocument(doc, DefaultSettings{})
	if err != nil {
		t.Fatalf("UserStateFromDocument: %v", err)
	}

	s := got.Settings()
	if s.CheckInterval.Duration != 24*time.Hour || !s.NotifyEveryCheck {
		t.Fatalf("settings not restored: %+v", s)
	}

	items := got.Items()
	if len(items) != 2 {
		t.Fatalf("items len = %d, want 2", len(items))
	}
	first := items[0]
	if first.Name != "PewPew Live" || first.CatalogID != "com.example.pewpew" {
		t.Fatalf("first item: %+v", first)
	}
	if first.CurrentVersion != "1.2.3" || first.LastUpdate != "15 August 2026" {
		t.Fatalf("version fields: %+v", first)
	}
	if !first.NextCheckAt.Equal(time.Date(2026, 8, 31, 10, 0, 0, 0, time.UTC)) {
		t.Fatalf("next check at = %v", first.NextCheckAt)
	}
	if first.CheckInterval.Duration != 24*time.Hour || first.CheckInterval.Input.Days != 1 {
		t.Fatalf("interval: %+v", first.CheckInterval)
	}
	if !items[1].Suspended {
		t.Fatalf("suspension flag lost")
	}

	// IDs are reassigned on load, densely from 1.
	if items[0].ID != 1 || items[1].ID != 2 {
		t.Fatalf("item IDs = %d, %d", items[0].ID, items[1].ID)
	}

	hist := got.History()
	if len(hist) != 1 || !hist[0].UpdateFound || hist[0].NewVersion != "1.2.3" {
		t.Fatalf("history: %+v", hist)
	}

	backups := got.Backups()
	if len(backups) != 1 || backups[0].FileName != "30_08_2026_09_00_00.yml" {
		t.Fatalf("backups: %+v", backups)
	}
}

func TestUserStateFromDocumentRejectsBrokenApp(t *testing.T) {
	doc := map[string]any{
		"apps": []any{"not a mapping"},
	}
	if _, err := UserStateFromDocument(doc, DefaultSettings{}); err == nil {
		t.Fatalf("expected error for broken app entry")
	}

	doc = map[string]any{
		"apps": []any{map[string]any{
			"name":           "App",
			"catalog_id":     "com.example.app",
			"check_interval": "not a mapping",
		}},
	}
	if _, err := UserStateFromDocument(doc, DefaultSettings{}); err == nil {
		t.Fatalf("expected error for broken interval")
	}
}

func TestUserStateFromDocumentRebuildsDurationFromInput(t *testing.T) {
	// Older snapshots carry only the structured input, not the normalized
	// duration.
	doc := map[string]any{
		"apps": []any{map[string]any{
			"name":       "App",
			"catalog_id": "com.example.app",
			"source_url": "https://play.google.com/store/apps/details?id=com.example.app",
			"check_interval": map[string]any{
				"input": map[string]any{"months": 0, "days": 2, "hours": 0, "minutes": 0, "seconds": 0},
			},
		}},
	}
	got, err := UserStateFromDocument(doc, DefaultSettings{})
	if err != nil {
		t.Fatalf("UserStateFromDocument: %v", err)
	}
	it, err := got.Item(1)
	if err != nil {
		t.Fatalf("Item: %v", err)
	}
	if it.CheckInterval.Duration != 48*time.Hour {
		t.Fatalf("rebuilt duration = %v, want 48h", it.CheckInterval.Duration)
	}
}

func TestUserStateFromDocumentTrimsHistory(t *testing.T) {
	var checks []any
	for i := 0; i < HistoryCap+7; i++ {
		checks = append(checks, map[string]any{"name": strings.Repeat("x", i+1)})
	}
	got, err := UserStateFromDocument(map[string]any{"last_checks": checks}, DefaultSettings{})
	if err != nil {
		t.Fatalf("UserStateFromDocument: %v", err)
	}
	if got := len(got.History()); got != HistoryCap {
		t.Fatalf("history len = %d, want %d", got, HistoryCap)
	}
}
