package app

import (
	"context"
	"testing"
	"time"

	"playwatch/internal/config"
	kit "playwatch/internal/transport"
	"playwatch/internal/watch"
	"playwatch/pkg/logx"
)

type recordingAdapter struct {
	texts []string
}

func (a *recordingAdapter) Start(ctx context.Context, out chan<- kit.Update) error { return nil }
func (a *recordingAdapter) Stop(ctx context.Context) error                         { return nil }

func (a *recordingAdapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	a.texts = append(a.texts, text)
	return kit.MessageRef{}, nil
}

func (a *recordingAdapter) EditText(ctx context.Context, ref kit.MessageRef, text string, opt *kit.SendOptions) error {
	return nil
}

func (a *recordingAdapter) DeleteMessage(ctx context.Context, ref kit.MessageRef) error { return nil }

func (a *recordingAdapter) AnswerCallback(ctx context.Context, callbackID string, text string) error {
	return nil
}

type recordingRunner struct {
	removed  []string
	onRemove func(name string)
}

func (r *recordingRunner) AddOnce(name string, at time.Time, job func(ctx context.Context) error) error {
	return nil
}

func (r *recordingRunner) AddEvery(name string, every time.Duration, job func(ctx context.Context) error) error {
	return nil
}

func (r *recordingRunner) AddEveryAt(name string, every time.Duration, first time.Time, job func(ctx context.Context) error) error {
	return nil
}

func (r *recordingRunner) Remove(name string) bool {
	r.removed = append(r.removed, name)
	if r.onRemove != nil {
		r.onRemove(name)
	}
	return true
}

func (r *recordingRunner) RemovePrefix(prefix string) int { return 0 }

func TestMapStorageConfig(t *testing.T) {
	if _, enabled, err := mapStorageConfig(&config.Config{}); err != nil || enabled {
		t.Fatalf("nil section: enabled=%v err=%v", enabled, err)
	}
	for _, driver := range []string{"", "none", "None"} {
		cfg := &config.Config{Storage: &config.StorageConfig{Driver: driver}}
		if _, enabled, err := mapStorageConfig(cfg); err != nil || enabled {
			t.Fatalf("driver %q: enabled=%v err=%v", driver, enabled, err)
		}
	}

	cfg := &config.Config{Storage: &config.StorageConfig{Driver: "file", Path: " ./db "}}
	sc, enabled, err := mapStorageConfig(cfg)
	if err != nil || !enabled {
		t.Fatalf("file driver: enabled=%v err=%v", enabled, err)
	}
	if sc.Driver != "file" || sc.Path != "./db" {
		t.Fatalf("file config = %+v", sc)
	}

	cfg = &config.Config{Storage: &config.StorageConfig{Driver: "sqlite", Path: "./db"}}
	sc, enabled, err = mapStorageConfig(cfg)
	if err != nil || !enabled {
		t.Fatalf("sqlite driver: enabled=%v err=%v", enabled, err)
	}
	if sc.BusyTimeout != time.Second {
		t.Fatalf("default busy timeout = %v", sc.BusyTimeout)
	}

	cfg = &config.Config{Storage: &config.StorageConfig{Driver: "sqlite"}}
	if _, _, err := mapStorageConfig(cfg); err == nil {
		t.Fatalf("sqlite without path accepted")
	}
	cfg = &config.Config{Storage: &config.StorageConfig{Driver: "bolt", Path: "./db"}}
	if _, _, err := mapStorageConfig(cfg); err == nil {
		t.Fatalf("unknown driver accepted")
	}
}

func TestMapJobsConfig(t *testing.T) {
	cfg := &config.Config{Jobs: config.JobsConfig{
		Workers:        3,
		DefaultTimeout: "45s",
		HistorySize:    20,
		Timezone:       "Europe/Rome",
	}}
	jc, err := mapJobsConfig(cfg)
	if err != nil {
		t.Fatalf("mapJobsConfig: %v", err)
	}
	if jc.Workers != 3 || jc.DefaultTimeout != 45*time.Second || jc.Timezone != "Europe/Rome" {
		t.Fatalf("jobs config = %+v", jc)
	}

	for name, mutate := range map[string]func(*config.Config){
		"negative workers": func(c *config.Config) { c.Jobs.Workers = -1 },
		"negative history": func(c *config.Config) { c.Jobs.HistorySize = -1 },
		"negative retries": func(c *config.Config) { c.Jobs.RetryMax = -1 },
		"bad timeout":      func(c *config.Config) { c.Jobs.DefaultTimeout = "soon" },
	} {
		c := &config.Config{}
		mutate(c)
		if _, err := mapJobsConfig(c); err == nil {
			t.Errorf("%s accepted", name)
		}
	}
}

func TestMapWatchDefaults(t *testing.T) {
	d, err := mapWatchDefaults(&config.Config{})
	if err != nil {
		t.Fatalf("empty interval: %v", err)
	}
	if d.CheckInterval.Duration != 24*time.Hour {
		t.Fatalf("default interval = %v, want 24h", d.CheckInterval.Duration)
	}

	cfg := &config.Config{Watch: config.WatchConfig{
		DefaultCheckInterval:    "0m0d6h0min0s",
		DefaultNotifyEveryCheck: true,
	}}
	d, err = mapWatchDefaults(cfg)
	if err != nil {
		t.Fatalf("mapWatchDefaults: %v", err)
	}
	if d.CheckInterval.Duration != 6*time.Hour || !d.NotifyEveryCheck {
		t.Fatalf("defaults = %+v", d)
	}

	cfg.Watch.DefaultCheckInterval = "6h"
	if _, err := mapWatchDefaults(cfg); err == nil {
		t.Fatalf("short-form interval accepted")
	}
}

func TestMapNotifierConfig(t *testing.T) {
	nc, err := mapNotifierConfig(&config.Config{})
	if err != nil || nc.DedupWindow != 0 {
		t.Fatalf("nil section: %+v err=%v", nc, err)
	}

	cfg := &config.Config{Notifier: &config.NotifierConfig{
		QueueSize:   64,
		RatePerSec:  0.5,
		Burst:       2,
		DedupWindow: "1h",
	}}
	nc, err = mapNotifierConfig(cfg)
	if err != nil {
		t.Fatalf("mapNotifierConfig: %v", err)
	}
	if nc.QueueSize != 64 || nc.RatePerSecond != 0.5 || nc.DedupWindow != time.Hour {
		t.Fatalf("notifier config = %+v", nc)
	}

	cfg.Notifier.QueueSize = -1
	if _, err := mapNotifierConfig(cfg); err == nil {
		t.Fatalf("negative queue size accepted")
	}
}

func TestRouterAccess(t *testing.T) {
	r := &router{}
	r.SetAccess(config.TelegramConfig{
		OwnerUserIDs: []int64{1},
		AdminUserIDs: []int64{2},
		AllowedUsers: []config.AllowedUser{
			{UserID: 3, CanManageBackups: true},
			{UserID: 4},
		},
	})

	for _, id := range []int64{1, 2, 3, 4} {
		if !r.knownUser(id) {
			t.Errorf("user %d should be known", id)
		}
	}
	if r.knownUser(99) {
		t.Errorf("unknown user accepted")
	}

	for _, tc := range []struct {
		id   int64
		want bool
	}{{1, true}, {2, true}, {3, true}, {4, false}, {99, false}} {
		if got := r.canManageBackups(tc.id); got != tc.want {
			t.Errorf("canManageBackups(%d) = %v, want %v", tc.id, got, tc.want)
		}
	}

	// Access tables are replaced wholesale on reload.
	r.SetAccess(config.TelegramConfig{OwnerUserIDs: []int64{5}})
	if r.knownUser(1) || !r.knownUser(5) {
		t.Errorf("access tables not replaced on SetAccess")
	}
}

func TestRemoveCancelsJobsBeforeDroppingItem(t *testing.T) {
	in, err := watch.ParseInterval("0m1d0h0min0s")
	if err != nil {
		t.Fatalf("ParseInterval: %v", err)
	}
	users := watch.NewStore(watch.DefaultSettings{CheckInterval: in.Interval()})
	user := users.User(7)
	if _, err := user.AddItem(watch.MonitoredItem{
		Name:          "PewPew Live",
		CatalogID:     "com.example.pewpew",
		SourceURL:     "https://play.google.com/store/apps/details?id=com.example.pewpew",
		CheckInterval: in.Interval(),
	}); err != nil {
		t.Fatalf("AddItem: %v", err)
	}
	it, err := user.Item(1)
	if err != nil {
		t.Fatalf("Item: %v", err)
	}

	// A check job can fire between cancel and removal; it must still find
	// its item in the store, so the jobs go first.
	runner := &recordingRunner{}
	runner.onRemove = func(name string) {
		if _, _, ok := users.User(7).ItemByID(it.ID); !ok {
			t.Errorf("job %q cancelled after its item was already dropped", name)
		}
	}
	sched := watch.NewScheduler(users, runner, nil, logx.Nop())
	states := newStateManager(t.TempDir(), 0, users, logx.Nop())
	r := newRouter(&recordingAdapter{}, users, sched, nil, nil, states, nil, logx.Nop())

	r.cmdRemove(context.Background(), 7, []string{"1"})

	if _, _, ok := users.User(7).ItemByID(it.ID); ok {
		t.Fatalf("item still stored after removal")
	}
	want := []string{"check:7:1:once", "check:7:1"}
	if len(runner.removed) != 2 || runner.removed[0] != want[0] || runner.removed[1] != want[1] {
		t.Fatalf("cancelled jobs = %v, want %v", runner.removed, want)
	}
}

func TestParseIndex(t *testing.T) {
	if n, err := parseIndex([]string{"3"}); err != nil || n != 3 {
		t.Fatalf("got (%d, %v)", n, err)
	}
	for _, args := range [][]string{nil, {}, {"0"}, {"-1"}, {"two"}} {
		if _, err := parseIndex(args); err == nil {
			t.Errorf("parseIndex(%v) accepted", args)
		}
	}
}
