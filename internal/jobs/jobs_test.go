package jobs

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"playwatch/pkg/logx"
)

func nopJob(ctx context.Context) error { return nil }

func far() time.Time { return time.Now().Add(24 * time.Hour) }

func TestAddValidation(t *testing.T) {
	s := New(Config{}, logx.Nop())

	if err := s.AddEvery("", time.Minute, nopJob); err == nil {
		t.Fatalf("empty name accepted")
	}
	if err := s.AddEvery("job", 0, nopJob); err == nil {
		t.Fatalf("zero interval accepted")
	}
	if err := s.AddEvery("job", time.Minute, nil); err == nil {
		t.Fatalf("nil job accepted")
	}
	if err := s.AddOnce("job", time.Time{}, nopJob); err == nil {
		t.Fatalf("zero time accepted")
	}
	if err := s.AddEveryAt("job", 0, far(), nopJob); err == nil {
		t.Fatalf("zero interval accepted for anchored job")
	}
}

func TestAddAndRemoveByName(t *testing.T) {
	s := New(Config{}, logx.Nop())

	if err := s.AddEvery("tick", time.Hour, nopJob); err != nil {
		t.Fatalf("AddEvery: %v", err)
	}
	if err := s.AddOnce("fire", far(), nopJob); err != nil {
		t.Fatalf("AddOnce: %v", err)
	}

	snap := s.Snapshot()
	if len(snap.Jobs) != 2 {
		t.Fatalf("jobs = %+v", snap.Jobs)
	}

	if !s.Remove("tick") {
		t.Fatalf("Remove(tick) reported nothing removed")
	}
	if !s.Remove("fire") {
		t.Fatalf("Remove(fire) reported nothing removed")
	}
	if s.Remove("fire") {
		t.Fatalf("second Remove(fire) reported a removal")
	}
	if got := len(s.Snapshot().Jobs); got != 0 {
		t.Fatalf("jobs after removal = %d", got)
	}
}

func TestAddIsUpsert(t *testing.T) {
	s := New(Config{}, logx.Nop())

	if err := s.AddEvery("job", time.Hour, nopJob); err != nil {
		t.Fatalf("AddEvery: %v", err)
	}
	if err := s.AddEvery("job", 2*time.Hour, nopJob); err != nil {
		t.Fatalf("re-AddEvery: %v", err)
	}

	snap := s.Snapshot()
	if len(snap.Jobs) != 1 {
		t.Fatalf("jobs = %+v", snap.Jobs)
	}
	if snap.Jobs[0].Every != 2*time.Hour {
		t.Fatalf("interval = %v, want 2h", snap.Jobs[0].Every)
	}

	// Kind changes too: a once replaces an interval of the same name.
	at := far()
	if err := s.AddOnce("job", at, nopJob); err != nil {
		t.Fatalf("AddOnce: %v", err)
	}
	snap = s.Snapshot()
	if len(snap.Jobs) != 1 || snap.Jobs[0].Kind != "once" {
		t.Fatalf("jobs = %+v", snap.Jobs)
	}
	if !snap.Jobs[0].Next.Equal(at) {
		t.Fatalf("next = %v, want %v", snap.Jobs[0].Next, at)
	}
}

func TestRemovePrefix(t *testing.T) {
	s := New(Config{}, logx.Nop())

	names := []string{"check:7:1", "check:7:1:once", "check:7:2", "check:8:1"}
	for _, n := range names {
		var err error
		if n == "check:7:1:once" {
			err = s.AddOnce(n, far(), nopJob)
		} else {
			err = s.AddEvery(n, time.Hour, nopJob)
		}
		if err != nil {
			t.Fatalf("add %q: %v", n, err)
		}
	}

	if got := s.RemovePrefix("check:7:"); got != 3 {
		t.Fatalf("RemovePrefix removed %d, want 3", got)
	}
	snap := s.Snapshot()
	if len(snap.Jobs) != 1 || snap.Jobs[0].Name != "check:8:1" {
		t.Fatalf("surviving jobs = %+v", snap.Jobs)
	}
	if got := s.RemovePrefix("check:7:"); got != 0 {
		t.Fatalf("second RemovePrefix removed %d", got)
	}
}

func TestOnceJobRunsAndExpires(t *testing.T) {
	s := New(Config{Workers: 1}, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop(context.Background())

	done := make(chan struct{})
	if err := s.AddOnce("fire", time.Now().Add(10*time.Millisecond), func(ctx context.Context) error {
		close(done)
		return nil
	}); err != nil {
		t.Fatalf("AddOnce: %v", err)
	}

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatalf("one-shot job never ran")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if len(s.Snapshot().Jobs) == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("one-shot job still registered after firing: %+v", s.Snapshot().Jobs)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestAnchoredRecurrenceRegistersInterval(t *testing.T) {
	s := New(Config{Workers: 1}, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop(context.Background())

	ran := make(chan struct{}, 1)
	if err := s.AddEveryAt("anchored", time.Hour, time.Now().Add(10*time.Millisecond), func(ctx context.Context) error {
		select {
		case ran <- struct{}{}:
		default:
		}
		return nil
	}); err != nil {
		t.Fatalf("AddEveryAt: %v", err)
	}

	select {
	case <-ran:
	case <-time.After(3 * time.Second):
		t.Fatalf("anchored job never fired")
	}

	// After the anchor fires the job turns into a plain interval.
	deadline := time.Now().Add(2 * time.Second)
	for {
		snap := s.Snapshot()
		if len(snap.Jobs) == 1 && snap.Jobs[0].Kind == "interval" && snap.Jobs[0].Every == time.Hour {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("interval not registered after anchor fired: %+v", snap.Jobs)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRemoveThenAddKeepsSurvivorSchedules(t *testing.T) {
	s := New(Config{Workers: 1}, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop(context.Background())

	var aRuns, bRuns, cRuns atomic.Int64
	if err := s.AddEvery("a", 50*time.Millisecond, func(ctx context.Context) error {
		aRuns.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("AddEvery(a): %v", err)
	}
	if err := s.AddEvery("b", 50*time.Millisecond, func(ctx context.Context) error {
		bRuns.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("AddEvery(b): %v", err)
	}

	// Removing one interval and adding another must not disturb the
	// survivor's schedule or run the removed job again.
	if !s.Remove("a") {
		t.Fatalf("Remove(a) reported nothing removed")
	}
	if err := s.AddEvery("c", time.Hour, func(ctx context.Context) error {
		cRuns.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("AddEvery(c): %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for bRuns.Load() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("surviving interval stopped firing: b ran %d times", bRuns.Load())
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := aRuns.Load(); got != 0 {
		t.Fatalf("removed job ran %d times", got)
	}
	if got := cRuns.Load(); got != 0 {
		t.Fatalf("hour-interval job ran %d times within the test window", got)
	}
}

func TestRunHistoryRecordsOutcome(t *testing.T) {
	s := New(Config{Workers: 1, HistorySize: 10}, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop(context.Background())

	done := make(chan struct{})
	if err := s.AddOnce("record-me", time.Now(), func(ctx context.Context) error {
		close(done)
		return nil
	}); err != nil {
		t.Fatalf("AddOnce: %v", err)
	}
	<-done

	deadline := time.Now().Add(2 * time.Second)
	for {
		snap := s.Snapshot()
		if len(snap.History) > 0 {
			rec := snap.History[len(snap.History)-1]
			if rec.Name != "record-me" || rec.Error != "" {
				t.Fatalf("history record = %+v", rec)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("no run history recorded")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
