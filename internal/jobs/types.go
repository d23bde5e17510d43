// Package jobs runs named background jobs: recurring interval jobs backed by
// cron and one-shot jobs backed by timers. Execution happens on a bounded
// worker pool with per-job timeout and retry.
//
// Names are the unit of identity: adding a name that already exists replaces
// the previous job, and removal is by name or name prefix.
package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"playwatch/pkg/logx"
)

// Job is the unit of work. The context carries the per-run timeout.
type Job func(ctx context.Context) error

// Config controls the jobs service.
type Config struct {
	Workers        int
	DefaultTimeout time.Duration
	HistorySize    int
	Timezone       string // IANA TZ, e.g. "Europe/Rome"
	RetryMax       int
}

// RetryOptions tune the backoff between failed attempts.
type RetryOptions struct {
	Max      int
	Base     time.Duration
	MaxDelay time.Duration
	Jitter   float64 // 0.2 = 20%
}

func (o RetryOptions) withDefaults(cfg Config) RetryOptions {
	if o.Max <= 0 {
		o.Max = cfg.RetryMax
	}
	if o.Base <= 0 {
		o.Base = 500 * time.Millisecond
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 15 * time.Second
	}
	if o.Jitter <= 0 {
		o.Jitter = 0.2
	}
	return o
}

// runState lets a recurring def skip a firing while the previous run is
// still executing.
type runState struct {
	mu      sync.Mutex
	running bool
}

// RunRecord is one finished execution, kept in a bounded history for the
// status surface.
type RunRecord struct {
	Name     string
	Started  time.Time
	Duration time.Duration
	Error    string
}

type execution struct {
	name    string
	timeout time.Duration
	run     Job
	retry   RetryOptions
	state   *runState
}

// intervalDef is a registered recurring job.
type intervalDef struct {
	name    string
	every   time.Duration
	job     Job
	entryID cron.EntryID
	state   *runState
}

// onceDef is a registered one-shot job. The definition outlives its runtime
// timer across Stop/Start, and ver invalidates callbacks from replaced
// timers.
type onceDef struct {
	at  time.Time
	job Job
	// follow, when non-zero, registers the job as a recurring interval
	// right after the one-shot fires. This anchors the recurrence at the
	// firing time instead of at registration time.
	follow time.Duration
	ver    uint64
}

// Service is the jobs runner.
type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	loc *time.Location

	c *cron.Cron
	// defs holds pointers: cron closures capture their definition, so a def
	// must never move when the slice is compacted by a removal.
	defs []*intervalDef

	queue    chan execution
	stopCh   chan struct{}
	stopDone chan struct{}

	tmu    sync.Mutex
	timers map[string]*time.Timer
	once   map[string]*onceDef

	hmu     sync.Mutex
	history []RunRecord

	runCtx    context.Context
	runCancel context.CancelFunc
	workerWG  sync.WaitGroup
}

// JobInfo describes one registered job for the status surface.
type JobInfo struct {
	Name  string
	Kind  string // "interval" or "once"
	Every time.Duration
	Next  time.Time
}

// Snapshot is a point-in-time view of the service.
type Snapshot struct {
	Workers  int
	QueueLen int
	Jobs     []JobInfo
	History  []RunRecord
}
