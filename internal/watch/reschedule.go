package watch

import (
	"context"
	"fmt"
	"time"

	"playwatch/pkg/logx"
)

// Runner is the slice of the jobs service the scheduler needs. Registration
// by name is an upsert: re-adding a name replaces the previous job.
type Runner interface {
	// AddOnce fires the job once at the given time (immediately when the
	// time is not in the future).
	AddOnce(name string, at time.Time, job func(ctx context.Context) error) error
	// AddEvery fires the job every interval, first at now+every.
	AddEvery(name string, every time.Duration, job func(ctx context.Context) error) error
	// AddEveryAt fires the job every interval, first at the given time.
	AddEveryAt(name string, every time.Duration, first time.Time, job func(ctx context.Context) error) error
	Remove(name string) bool
	RemovePrefix(prefix string) int
}

// Scheduler owns the mapping from monitored items to named jobs.
//
// An item due in the past gets an immediate catch-up run plus a recurring
// job anchored at now; an item due in the future keeps its stored anchor and
// recurs from there. This mirrors how the checks would have run had the
// process never stopped.
type Scheduler struct {
	store   *Store
	runner  Runner
	checker *Checker
	log     logx.Logger
}

func NewScheduler(store *Store, runner Runner, checker *Checker, log logx.Logger) *Scheduler {
	return &Scheduler{
		store:   store,
		runner:  runner,
		checker: checker,
		log:     log.With(logx.String("component", "scheduler")),
	}
}

// RescheduleStats summarizes one reschedule pass.
type RescheduleStats struct {
	Scheduled int
	Dropped   int // structurally broken records removed during the pass
}

// ScheduleItem registers the check jobs for one item, replacing any jobs it
// already has. Suspended items are scheduled too; the checker skips them, so
// resuming needs no scheduler round-trip.
func (s *Scheduler) ScheduleItem(chatID int64, it MonitoredItem) error {
	if !it.valid() {
		return fmt.Errorf("%w: item %d", ErrBadInterval, it.ID)
	}
	s.CancelItem(chatID, it.ID)

	payload := CheckJobPayload{
		ChatID:    chatID,
		ItemID:    it.ID,
		CatalogID: it.CatalogID,
		SourceURL: it.SourceURL,
	}
	job := func(ctx context.Context) error {
		_, err := s.checker.Run(ctx, payload)
		return err
	}

	name := jobName(chatID, it.ID)
	interval := it.CheckInterval.Duration
	now := time.Now()

	if it.NextCheckAt.IsZero() || !it.NextCheckAt.After(now) {
		// Overdue (or never checked): catch up immediately, then recur
		// with the interval anchored at now.
		if err := s.runner.AddOnce(name+":once", now, job); err != nil {
			return err
		}
		if err := s.runner.AddEvery(name, interval, job); err != nil {
			return err
		}
	} else {
		if err := s.runner.AddOnce(name+":once", it.NextCheckAt, job); err != nil {
			return err
		}
		if err := s.runner.AddEveryAt(name, interval, it.NextCheckAt.Add(interval), job); err != nil {
			return err
		}
	}

	s.log.Debug("item scheduled",
		logx.Int64("chat_id", chatID),
		logx.Uint64("item_id", it.ID),
		logx.String("name", it.Name),
		logx.Time("next_check", it.NextCheckAt),
		logx.Duration("interval", interval))
	return nil
}

// RescheduleUser drops every job of the chat and rebuilds them from stored
// state. Records missing the fields scheduling needs are deleted: a record
// that cannot be scheduled would otherwise sit dead forever.
func (s *Scheduler) RescheduleUser(chatID int64) RescheduleStats {
	s.CancelUser(chatID)

	user := s.store.User(chatID)
	var stats RescheduleStats
	for _, it := range user.Items() {
		if !it.valid() {
			user.RemoveItemByID(it.ID)
			stats.Dropped++
			s.log.Warn("dropped unschedulable item",
				logx.Int64("chat_id", chatID),
				logx.String("name", it.Name),
				logx.String("catalog_id", it.CatalogID))
			continue
		}
		if err := s.ScheduleItem(chatID, it); err != nil {
			s.log.Error("schedule failed",
				logx.Int64("chat_id", chatID), logx.String("name", it.Name), logx.Err(err))
			continue
		}
		stats.Scheduled++
	}
	s.log.Info("reschedule finished",
		logx.Int64("chat_id", chatID),
		logx.Int("scheduled", stats.Scheduled),
		logx.Int("dropped", stats.Dropped))
	return stats
}

// RescheduleAll runs RescheduleUser for every known chat. Called once at
// startup after the state files are loaded.
func (s *Scheduler) RescheduleAll() RescheduleStats {
	var total RescheduleStats
	for _, chatID := range s.store.ChatIDs() {
		st := s.RescheduleUser(chatID)
		total.Scheduled += st.Scheduled
		total.Dropped += st.Dropped
	}
	return total
}

// RunCheck executes one check right now, bypassing the job queue's timing.
// Used for operator-requested checks; the regular schedule is untouched.
func (s *Scheduler) RunCheck(ctx context.Context, p CheckJobPayload) (CheckOutcome, error) {
	return s.checker.Run(ctx, p)
}

// CancelItem removes both jobs of one item.
func (s *Scheduler) CancelItem(chatID int64, itemID uint64) {
	name := jobName(chatID, itemID)
	s.runner.Remove(name + ":once")
	s.runner.Remove(name)
}

// CancelUser removes every check job belonging to the chat.
func (s *Scheduler) CancelUser(chatID int64) int {
	return s.runner.RemovePrefix(userJobPrefix(chatID))
}

func jobName(chatID int64, itemID uint64) string {
	return fmt.Sprintf("check:%d:%d", chatID, itemID)
}

func userJobPrefix(chatID int64) string {
	return fmt.Sprintf("check:%d:", chatID)
}
