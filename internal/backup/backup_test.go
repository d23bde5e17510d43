package backup

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"playwatch/internal/catalog"
	"playwatch/internal/statefile"
	kit "playwatch/internal/transport"
	"playwatch/internal/watch"
	"playwatch/pkg/logx"
)

type nopCatalog struct{}

func (nopCatalog) Lookup(ctx context.Context, appID string) (catalog.Details, error) {
	return catalog.Details{}, catalog.ErrUnreachable
}
func (nopCatalog) Reachable(ctx context.Context, pageURL string) error {
	return catalog.ErrUnreachable
}

type nopNotifier struct{}

func (nopNotifier) Notify(n kit.Notification) {}

type countingRunner struct {
	added   int
	removed int
}

func (r *countingRunner) AddOnce(name string, at time.Time, job func(ctx context.Context) error) error {
	r.added++
	return nil
}
func (r *countingRunner) AddEvery(name string, every time.Duration, job func(ctx context.Context) error) error {
	r.added++
	return nil
}
func (r *countingRunner) AddEveryAt(name string, every time.Duration, first time.Time, job func(ctx context.Context) error) error {
	r.added++
	return nil
}
func (r *countingRunner) Remove(name string) bool { r.removed++; return false }
func (r *countingRunner) RemovePrefix(prefix string) int {
	r.removed++
	return 0
}

func fixture(t *testing.T, maxPerUser int) (*Service, *watch.Store, *countingRunner) {
	t.Helper()
	defaults := watch.DefaultSettings{
		CheckInterval: watch.CheckInterval{
			Input:    watch.IntervalInput{Days: 1},
			Duration: 24 * time.Hour,
		},
	}
	store := watch.NewStore(defaults)
	runner := &countingRunner{}
	checker := watch.NewChecker(store, nopCatalog{}, nopNotifier{}, nil, logx.Nop())
	sched := watch.NewScheduler(store, runner, checker, logx.Nop())
	svc := New(Config{Dir: t.TempDir(), MaxPerUser: maxPerUser}, store, sched, logx.Nop())
	return svc, store, runner
}

func addItem(t *testing.T, store *watch.Store, chatID int64, name, catalogID string) {
	t.Helper()
	_, err := store.User(chatID).AddItem(watch.MonitoredItem{
		Name:      name,
		CatalogID: catalogID,
		SourceURL: "https://play.google.com/store/apps/details?id=" + catalogID,
		CheckInterval: watch.CheckInterval{
			Input:    watch.IntervalInput{Days: 1},
			Duration: 24 * time.Hour,
		},
	})
	if err != nil {
		t.Fatalf("AddItem: %v", err)
	}
}

func TestCreateWritesFileAndRecord(t *testing.T) {
	svc, store, _ := fixture(t, 0)
	addItem(t, store, 5, "App", "com.example.app")

	rec, err := svc.Create(5)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := time.ParseInLocation(FileTimeLayout, rec.FileName[:len(rec.FileName)-len(".yml")], time.Local); err != nil {
		t.Fatalf("file name %q does not carry a timestamp: %v", rec.FileName, err)
	}

	if _, err := os.Stat(svc.path(5, rec.FileName)); err != nil {
		t.Fatalf("backup file missing: %v", err)
	}
	recs := store.User(5).Backups()
	if len(recs) != 1 || recs[0].FileName != rec.FileName {
		t.Fatalf("records = %+v", recs)
	}
}

func TestCreateEnforcesQuota(t *testing.T) {
	svc, store, _ := fixture(t, 1)
	addItem(t, store, 5, "App", "com.example.app")

	if _, err := svc.Create(5); err != nil {
		t.Fatalf("first Create: %v", err)
	}
	if _, err := svc.Create(5); !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("second Create: got %v, want ErrQuotaExceeded", err)
	}
}

func TestDeleteRemovesFileAndCompactsRecords(t *testing.T) {
	svc, store, _ := fixture(t, 0)
	user := store.User(5)
	user.AddBackup(watch.BackupRecord{FileName: "01_01_2026_00_00_00.yml"})
	user.AddBackup(watch.BackupRecord{FileName: "02_01_2026_00_00_00.yml"})
	if err := statefile.Dump(map[string]any{}, svc.path(5, "01_01_2026_00_00_00.yml")); err != nil {
		t.Fatalf("Dump: %v", err)
	}

	rec, err := svc.Delete(5, 1)
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if rec.FileName != "01_01_2026_00_00_00.yml" {
		t.Fatalf("deleted %q", rec.FileName)
	}
	if _, err := os.Stat(svc.path(5, rec.FileName)); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("file still on disk: %v", err)
	}
	recs := user.Backups()
	if len(recs) != 1 || recs[0].FileName != "02_01_2026_00_00_00.yml" {
		t.Fatalf("records = %+v", recs)
	}

	if _, err := svc.Delete(5, 9); !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestListReconcilesWithDisk(t *testing.T) {
	svc, store, _ := fixture(t, 0)
	user := store.User(5)

	// Recorded and present.
	if _, err := svc.Create(5); err != nil {
		t.Fatalf("Create: %v", err)
	}
	// Recorded but deleted behind the bot's back.
	user.AddBackup(watch.BackupRecord{FileName: "01_01_2020_00_00_00.yml"})
	// On disk but unrecorded, with a parseable timestamp: adopted.
	orphan := "02_02_2021_10_30_00.yml"
	if err := statefile.Dump(map[string]any{}, svc.path(5, orphan)); err != nil {
		t.Fatalf("Dump orphan: %v", err)
	}
	// On disk with a garbage name: ignored.
	if err := os.WriteFile(filepath.Join(svc.userDir(5), "notes.yml"), []byte("x: 1\n"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	records, missing, err := svc.List(5)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(missing) != 1 || missing[0] != "01_01_2020_00_00_00.yml" {
		t.Fatalf("missing = %v", missing)
	}
	if len(records) != 2 {
		t.Fatalf("records = %+v", records)
	}
	// Sorted oldest first; the adopted orphan predates the fresh backup.
	if records[0].FileName != orphan {
		t.Fatalf("records[0] = %q, want adopted orphan", records[0].FileName)
	}
	// The reconciled list replaces the stored records.
	stored := user.Backups()
	if len(stored) != 2 {
		t.Fatalf("stored records = %+v", stored)
	}
}

func TestRestoreSwapsStateAndReschedules(t *testing.T) {
	svc, store, runner := fixture(t, 0)
	addItem(t, store, 5, "Keeper", "com.example.keeper")

	if _, err := svc.Create(5); err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Mutate state after the snapshot.
	if _, err := store.User(5).RemoveItem(1); err != nil {
		t.Fatalf("RemoveItem: %v", err)
	}
	addItem(t, store, 5, "Newcomer", "com.example.newcomer")

	stats, err := svc.Restore(5, 1)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if stats.Scheduled != 1 || stats.Dropped != 0 {
		t.Fatalf("stats = %+v", stats)
	}

	items := store.User(5).Items()
	if len(items) != 1 || items[0].Name != "Keeper" {
		t.Fatalf("restored items = %+v", items)
	}
	if runner.added == 0 {
		t.Fatalf("restore registered no jobs")
	}
}

func TestRestoreKeepsStateOnBadIndex(t *testing.T) {
	svc, store, _ := fixture(t, 0)
	addItem(t, store, 5, "App", "com.example.app")

	if _, err := svc.Restore(5, 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
	if store.User(5).Len() != 1 {
		t.Fatalf("state changed on failed restore")
	}
}

func TestRestoreKeepsStateOnCorruptFile(t *testing.T) {
	svc, store, _ := fixture(t, 0)
	addItem(t, store, 5, "App", "com.example.app")

	name := "03_03_2026_00_00_00.yml"
	if err := os.MkdirAll(svc.userDir(5), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(svc.path(5, name), []byte("{not yaml"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	store.User(5).AddBackup(watch.BackupRecord{FileName: name})

	if _, err := svc.Restore(5, 1); err == nil {
		t.Fatalf("expected error for corrupt backup")
	}
	items := store.User(5).Items()
	if len(items) != 1 || items[0].Name != "App" {
		t.Fatalf("state changed after failed restore: %+v", items)
	}
}
