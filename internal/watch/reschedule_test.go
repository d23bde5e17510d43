package watch

import (
	"context"
	"strings"
	"testing"
	"time"

	"playwatch/pkg/logx"
)

type runnerCall struct {
	kind  string // "once", "every", "every_at"
	name  string
	every time.Duration
	at    time.Time
}

type fakeRunner struct {
	calls   []runnerCall
	removed []string
}

func (f *fakeRunner) AddOnce(name string, at time.Time, job func(ctx context.Context) error) error {
	f.calls = append(f.calls, runnerCall{kind: "once", name: name, at: at})
	return nil
}

func (f *fakeRunner) AddEvery(name string, every time.Duration, job func(ctx context.Context) error) error {
	f.calls = append(f.calls, runnerCall{kind: "every", name: name, every: every})
	return nil
}

func (f *fakeRunner) AddEveryAt(name string, every time.Duration, first time.Time, job func(ctx context.Context) error) error {
	f.calls = append(f.calls, runnerCall{kind: "every_at", name: name, every: every, at: first})
	return nil
}

func (f *fakeRunner) Remove(name string) bool {
	f.removed = append(f.removed, name)
	return false
}

func (f *fakeRunner) RemovePrefix(prefix string) int {
	n := 0
	for _, c := range f.calls {
		if strings.HasPrefix(c.name, prefix) {
			n++
		}
	}
	f.removed = append(f.removed, prefix+"*")
	return n
}

func schedulerFixture() (*Scheduler, *Store, *fakeRunner) {
	store := NewStore(DefaultSettings{CheckInterval: dayInterval()})
	runner := &fakeRunner{}
	checker := NewChecker(store, &fakeCatalog{}, &fakeNotifier{}, nil, logx.Nop())
	return NewScheduler(store, runner, checker, logx.Nop()), store, runner
}

func (f *fakeRunner) byKind(kind string) []runnerCall {
	var out []runnerCall
	for _, c := range f.calls {
		if c.kind == kind {
			out = append(out, c)
		}
	}
	return out
}

func TestScheduleItemOverdueCatchesUpImmediately(t *testing.T) {
	sched, store, runner := schedulerFixture()
	user := store.User(3)

	it := testItem("App", "com.example.app")
	it.NextCheckAt = time.Now().Add(-time.Hour) // overdue
	if _, err := user.AddItem(it); err != nil {
		t.Fatalf("AddItem: %v", err)
	}
	stored, _ := user.Item(1)

	if err := sched.ScheduleItem(3, stored); err != nil {
		t.Fatalf("ScheduleItem: %v", err)
	}

	onces := runner.byKind("once")
	if len(onces) != 1 {
		t.Fatalf("once calls = %d, want 1", len(onces))
	}
	if !strings.HasSuffix(onces[0].name, ":once") {
		t.Fatalf("once job name = %q", onces[0].name)
	}
	if time.Until(onces[0].at) > time.Second {
		t.Fatalf("catch-up not immediate: %v", onces[0].at)
	}

	evs := runner.byKind("every")
	if len(evs) != 1 || evs[0].every != 24*time.Hour {
		t.Fatalf("every calls = %+v", evs)
	}
	if len(runner.byKind("every_at")) != 0 {
		t.Fatalf("overdue item used an anchored recurrence")
	}
}

func TestScheduleItemFutureKeepsAnchor(t *testing.T) {
	sched, store, runner := schedulerFixture()
	user := store.User(3)

	next := time.Now().Add(5 * time.Hour)
	it := testItem("App", "com.example.app")
	it.NextCheckAt = next
	if _, err := user.AddItem(it); err != nil {
		t.Fatalf("AddItem: %v", err)
	}
	stored, _ := user.Item(1)

	if err := sched.ScheduleItem(3, stored); err != nil {
		t.Fatalf("ScheduleItem: %v", err)
	}

	onces := runner.byKind("once")
	if len(onces) != 1 || !onces[0].at.Equal(next) {
		t.Fatalf("once calls = %+v, want anchor %v", onces, next)
	}
	anchored := runner.byKind("every_at")
	if len(anchored) != 1 {
		t.Fatalf("every_at calls = %d, want 1", len(anchored))
	}
	if !anchored[0].at.Equal(next.Add(24 * time.Hour)) {
		t.Fatalf("recurrence anchor = %v, want %v", anchored[0].at, next.Add(24*time.Hour))
	}
	if len(runner.byKind("every")) != 0 {
		t.Fatalf("future item used an unanchored recurrence")
	}
}

func TestScheduleItemRejectsInvalid(t *testing.T) {
	sched, _, _ := schedulerFixture()
	bad := MonitoredItem{ID: 1, Name: "App"} // no catalog id, no interval
	if err := sched.ScheduleItem(3, bad); err == nil {
		t.Fatalf("expected error for unschedulable item")
	}
}

func TestRescheduleUserDropsBrokenRecords(t *testing.T) {
	sched, store, _ := schedulerFixture()
	user := store.User(3)

	if _, err := user.AddItem(testItem("Good", "com.example.good")); err != nil {
		t.Fatalf("AddItem: %v", err)
	}
	broken := testItem("Broken", "com.example.broken")
	broken.SourceURL = ""
	if _, err := user.AddItem(broken); err != nil {
		t.Fatalf("AddItem: %v", err)
	}

	stats := sched.RescheduleUser(3)
	if stats.Scheduled != 1 || stats.Dropped != 1 {
		t.Fatalf("stats = %+v, want 1 scheduled, 1 dropped", stats)
	}
	if user.Len() != 1 {
		t.Fatalf("broken record not removed: %d items", user.Len())
	}
	it, _ := user.Item(1)
	if it.Name != "Good" {
		t.Fatalf("surviving item = %q", it.Name)
	}
}

func TestRescheduleAllCoversEveryChat(t *testing.T) {
	sched, store, _ := schedulerFixture()
	for _, chat := range []int64{1, 2} {
		if _, err := store.User(chat).AddItem(testItem("App", "com.example.app")); err != nil {
			t.Fatalf("AddItem: %v", err)
		}
	}

	stats := sched.RescheduleAll()
	if stats.Scheduled != 2 || stats.Dropped != 0 {
		t.Fatalf("stats = %+v, want 2 scheduled", stats)
	}
}

func TestJobNames(t *testing.T) {
	if got := jobName(7, 3); got != "check:7:3" {
		t.Fatalf("jobName = %q", got)
	}
	if got := userJobPrefix(7); got != "check:7:" {
		t.Fatalf("userJobPrefix = %q", got)
	}
	if !strings.HasPrefix(jobName(7, 3), userJobPrefix(7)) {
		t.Fatalf("job name does not share the user prefix")
	}
}
