package jobs

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"playwatch/pkg/logx"
)

var errNameRequired = errors.New("jobs: name required")

// AddEvery registers a recurring job. The first firing is one interval from
// now. Re-adding a name replaces the previous job.
func (s *Service) AddEvery(name string, every time.Duration, job func(ctx context.Context) error) error {
	return s.addInterval(name, every, job)
}

// AddOnce registers a one-shot job fired at the given time. A time in the
// past fires immediately. Re-adding a name replaces the previous job.
func (s *Service) AddOnce(name string, at time.Time, job func(ctx context.Context) error) error {
	return s.addOnce(name, at, job, 0)
}

// AddEveryAt registers a recurring job whose first firing is at the given
// time; later firings follow every interval from there. Cron intervals can
// only anchor at registration, so this runs a one-shot at the anchor which
// fires the job and then registers the interval.
func (s *Service) AddEveryAt(name string, every time.Duration, first time.Time, job func(ctx context.Context) error) error {
	if every <= 0 {
		return errors.New("jobs: interval must be positive")
	}
	return s.addOnce(name, first, job, every)
}

func (s *Service) addInterval(name string, every time.Duration, job Job) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errNameRequired
	}
	if every <= 0 {
		return errors.New("jobs: interval must be positive")
	}
	if job == nil {
		return errors.New("jobs: job required")
	}

	s.removeByName(name)

	s.mu.Lock()
	defer s.mu.Unlock()
	d := &intervalDef{
		name:  name,
		every: every,
		job:   job,
		state: &runState{},
	}
	s.defs = append(s.defs, d)
	if s.c != nil {
		s.registerCronLocked(d)
	}
	return nil
}

func (s *Service) addOnce(name string, at time.Time, job Job, follow time.Duration) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errNameRequired
	}
	if at.IsZero() {
		return errors.New("jobs: time required")
	}
	if job == nil {
		return errors.New("jobs: job required")
	}

	s.removeByName(name)

	s.tmu.Lock()
	defer s.tmu.Unlock()
	d := &onceDef{at: at, job: job, follow: follow, ver: 1}
	s.once[name] = d
	s.armTimerLocked(name, d)
	return nil
}

// armTimerLocked creates the runtime timer for a once definition.
// Call with s.tmu held.
func (s *Service) armTimerLocked(name string, d *onceDef) {
	delay := time.Until(d.at)
	if delay < 0 {
		delay = 0
	}
	ver := d.ver
	s.timers[name] = time.AfterFunc(delay, func() {
		s.fireOnce(name, ver)
	})
}

// fireOnce runs when a once timer elapses. Version mismatch means the job
// was replaced after this timer was armed; the callback is stale and ignored.
func (s *Service) fireOnce(name string, ver uint64) {
	s.tmu.Lock()
	d := s.once[name]
	if d == nil || d.ver != ver {
		s.tmu.Unlock()
		return
	}
	delete(s.timers, name)
	delete(s.once, name)
	s.tmu.Unlock()

	s.enqueue(execution{
		name:    name,
		timeout: s.defaultTimeout(),
		run:     d.job,
		state:   &runState{},
	})
	if d.follow > 0 {
		// Recurrence anchored here: next firing is one interval after
		// the one-shot, not after registration.
		if err := s.addInterval(name, d.follow, d.job); err != nil {
			s.log.Error("follow-up interval register failed", logx.String("job", name), logx.Err(err))
		}
	}
}

// Remove unregisters the named job, whether recurring or one-shot. It
// reports whether anything was removed.
func (s *Service) Remove(name string) bool {
	name = strings.TrimSpace(name)
	if name == "" {
		return false
	}
	removed := s.removeByName(name)
	if removed {
		s.log.Debug("job removed", logx.String("job", name))
	}
	return removed
}

// RemovePrefix unregisters every job whose name starts with prefix and
// returns how many were removed.
func (s *Service) RemovePrefix(prefix string) int {
	if prefix == "" {
		return 0
	}

	var names []string
	s.mu.Lock()
	for _, d := range s.defs {
		if strings.HasPrefix(d.name, prefix) {
			names = append(names, d.name)
		}
	}
	s.mu.Unlock()
	s.tmu.Lock()
	for name := range s.once {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	s.tmu.Unlock()

	n := 0
	for _, name := range names {
		if s.removeByName(name) {
			n++
		}
	}
	if n > 0 {
		s.log.Debug("jobs removed by prefix", logx.String("prefix", prefix), logx.Int("count", n))
	}
	return n
}

func (s *Service) removeByName(name string) bool {
	removed := false

	s.mu.Lock()
	kept := s.defs[:0]
	for _, d := range s.defs {
		if d.name == name {
			if s.c != nil && d.entryID != 0 {
				s.c.Remove(d.entryID)
			}
			removed = true
			continue
		}
		kept = append(kept, d)
	}
	// Clear the compacted tail so removed defs are collectable.
	for i := len(kept); i < len(s.defs); i++ {
		s.defs[i] = nil
	}
	s.defs = kept
	s.mu.Unlock()

	s.tmu.Lock()
	if t, ok := s.timers[name]; ok {
		_ = t.Stop()
		delete(s.timers, name)
		removed = true
	}
	if _, ok := s.once[name]; ok {
		delete(s.once, name)
		removed = true
	}
	s.tmu.Unlock()

	return removed
}

// rebuildTimersLocked re-arms runtime timers from the persisted once
// definitions after a Start. Call with s.mu held.
func (s *Service) rebuildTimersLocked() {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	for _, t := range s.timers {
		_ = t.Stop()
	}
	s.timers = map[string]*time.Timer{}
	for name, d := range s.once {
		d.ver++
		s.armTimerLocked(name, d)
	}
}

// Snapshot reports the registered jobs and recent run history.
func (s *Service) Snapshot() Snapshot {
	var snap Snapshot

	s.mu.Lock()
	snap.Workers = s.cfg.Workers
	if s.queue != nil {
		snap.QueueLen = len(s.queue)
	}
	var entries map[cron.EntryID]time.Time
	if s.c != nil {
		entries = make(map[cron.EntryID]time.Time)
		for _, e := range s.c.Entries() {
			entries[e.ID] = e.Next
		}
	}
	for _, d := range s.defs {
		info := JobInfo{Name: d.name, Kind: "interval", Every: d.every}
		if entries != nil {
			info.Next = entries[d.entryID]
		}
		snap.Jobs = append(snap.Jobs, info)
	}
	s.mu.Unlock()

	s.tmu.Lock()
	for name, d := range s.once {
		snap.Jobs = append(snap.Jobs, JobInfo{Name: name, Kind: "once", Next: d.at})
	}
	s.tmu.Unlock()

	sort.Slice(snap.Jobs, func(i, j int) bool { return snap.Jobs[i].Name < snap.Jobs[j].Name })

	s.hmu.Lock()
	snap.History = append(snap.History, s.history...)
	s.hmu.Unlock()

	return snap
}
