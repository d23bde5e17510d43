package jobs

import (
	"context"
	"math/rand"
	"runtime/debug"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"playwatch/pkg/logx"
)

func New(cfg Config, log logx.Logger) *Service {
	return &Service{
		cfg:    cfg,
		log:    log.With(logx.String("component", "jobs")),
		timers: map[string]*time.Timer{},
		once:   map[string]*onceDef{},
	}
}

func (s *Service) Start(ctx context.Context) {
	// If a Stop() is still draining, wait for it so we never run two pools.
	for {
		s.mu.Lock()
		if s.stopCh == nil {
			break
		}
		done := s.stopDone
		if done == nil {
			s.mu.Unlock()
			return // already running
		}
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
	}
	defer s.mu.Unlock()

	s.stopCh = make(chan struct{})
	s.runCtx, s.runCancel = context.WithCancel(ctx)

	workers := s.cfg.Workers
	if workers <= 0 {
		workers = 2
	}
	// Fresh queue per run so stale work from before a stop/start cycle is
	// never executed.
	s.queue = make(chan execution, 256)

	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithLocation(s.loc))
	for _, d := range s.defs {
		s.registerCronLocked(d)
	}

	runCtx := s.runCtx
	stopCh := s.stopCh
	queue := s.queue

	s.workerWG.Add(workers)
	for i := 0; i < workers; i++ {
		idx := i
		go func() {
			defer s.workerWG.Done()
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("panic in jobs worker",
						logx.Int("worker", idx),
						logx.Any("panic", r),
						logx.String("stack", string(debug.Stack())))
				}
			}()
			s.worker(runCtx, stopCh, queue)
		}()
	}
	s.c.Start()
	s.rebuildTimersLocked()
	s.log.Info("jobs service started",
		logx.Int("workers", workers),
		logx.String("tz", s.loc.String()),
		logx.Int("jobs", len(s.defs)))
}

func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	stopCh := s.stopCh
	cancel := s.runCancel
	c := s.c
	s.c = nil
	s.runCancel = nil
	s.mu.Unlock()

	close(stopCh)
	if cancel != nil {
		cancel()
	}
	if c != nil {
		<-c.Stop().Done()
	}

	// Stop runtime timers; definitions stay so a later Start resumes them.
	s.tmu.Lock()
	for _, t := range s.timers {
		_ = t.Stop()
	}
	s.timers = map[string]*time.Timer{}
	s.tmu.Unlock()

	go func() {
		s.workerWG.Wait()
		s.mu.Lock()
		s.stopCh = nil
		s.runCtx = nil
		s.queue = nil
		s.stopDone = nil
		s.mu.Unlock()
		close(done)
		s.log.Info("jobs service stopped", logx.Duration("took", time.Since(start)))
	}()

	select {
	case <-done:
	case <-ctx.Done():
		// drain continues in background
	}
}

func (s *Service) enqueue(e execution) {
	s.mu.Lock()
	q := s.queue
	s.mu.Unlock()
	if q == nil {
		s.log.Debug("jobs service not running, dropping job", logx.String("job", e.name))
		return
	}
	select {
	case q <- e:
	default:
		s.log.Warn("jobs queue full, dropping job",
			logx.String("job", e.name), logx.Int("queue_len", len(q)))
	}
}

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue <-chan execution) {
	for {
		// Closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case e := <-queue:
			s.execOne(ctx, stopCh, e)
		}
	}
}

func (s *Service) execOne(ctx context.Context, stopCh <-chan struct{}, e execution) {
	start := time.Now()

	if e.state != nil {
		e.state.mu.Lock()
		e.state.running = true
		e.state.mu.Unlock()
		defer func() {
			e.state.mu.Lock()
			e.state.running = false
			e.state.mu.Unlock()
		}()
	}

	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	retry := e.retry.withDefaults(cfg)
	maxAttempts := 1 + retry.Max
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var err error
	attempts := 0
attemptLoop:
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attempts = attempt
		runCtx := ctx
		var cancel func()
		if e.timeout > 0 {
			runCtx, cancel = context.WithTimeout(ctx, e.timeout)
		}
		err = e.run(runCtx)
		if cancel != nil {
			cancel()
		}
		if err == nil || attempt >= maxAttempts {
			break
		}

		delay := backoffDelay(retry, attempt)
		tmr := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			if !tmr.Stop() {
				<-tmr.C
			}
			err = ctx.Err()
			break attemptLoop
		case <-stopCh:
			if !tmr.Stop() {
				<-tmr.C
			}
			break attemptLoop
		case <-tmr.C:
		}
	}

	dur := time.Since(start)
	rec := RunRecord{Name: e.name, Started: start, Duration: dur}
	if err != nil {
		rec.Error = err.Error()
		s.log.Warn("job failed",
			logx.String("job", e.name), logx.Err(err),
			logx.Duration("dur", dur), logx.Int("attempts", attempts))
	} else if dur >= 750*time.Millisecond {
		s.log.Info("job completed", logx.String("job", e.name), logx.Duration("dur", dur))
	} else {
		s.log.Debug("job completed", logx.String("job", e.name), logx.Duration("dur", dur))
	}

	s.hmu.Lock()
	defer s.hmu.Unlock()
	s.history = append(s.history, rec)
	size := cfg.HistorySize
	if size <= 0 {
		size = 200
	}
	if len(s.history) > size {
		s.history = s.history[len(s.history)-size:]
	}
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone, falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

func (s *Service) registerCronLocked(d *intervalDef) {
	if s.c == nil {
		return
	}
	spec := "@every " + d.every.String()
	eid, err := s.c.AddFunc(spec, func() {
		d.state.mu.Lock()
		running := d.state.running
		d.state.mu.Unlock()
		if running {
			s.log.Debug("job firing skipped, previous run still going", logx.String("job", d.name))
			return
		}
		s.enqueue(execution{
			name:    d.name,
			timeout: s.defaultTimeout(),
			run:     d.job,
			state:   d.state,
		})
	})
	if err != nil {
		s.log.Error("interval register failed",
			logx.String("job", d.name), logx.String("spec", spec), logx.Err(err))
		return
	}
	d.entryID = eid
}

func (s *Service) defaultTimeout() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.DefaultTimeout
}

func backoffDelay(o RetryOptions, retry int) time.Duration {
	d := o.Base
	for i := 1; i < retry; i++ {
		d *= 2
		if d > o.MaxDelay {
			break
		}
	}
	if d > o.MaxDelay {
		d = o.MaxDelay
	}
	if o.Jitter > 0 {
		r := (rand.Float64()*2 - 1) * o.Jitter
		d = time.Duration(float64(d) * (1 + r))
		if d < 0 {
			d = 0
		}
	}
	return d
}
