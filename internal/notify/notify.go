// Package notify delivers operator-facing messages asynchronously.
//
// Producers enqueue without blocking; a single delivery loop rate-limits
// sends so a burst of check results cannot trip Telegram's flood control.
// Notifications carrying a DedupKey are suppressed when the same key was
// delivered within the dedup window, with the window state kept in storage
// so it survives restarts.
package notify

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"playwatch/internal/storage"
	kit "playwatch/internal/transport"
	"playwatch/pkg/logx"
)

type Config struct {
	QueueSize     int
	RatePerSecond float64
	Burst         int
	DedupWindow   time.Duration
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = 128
	}
	if c.RatePerSecond <= 0 {
		c.RatePerSecond = 0.5
	}
	if c.Burst <= 0 {
		c.Burst = 3
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = 6 * time.Hour
	}
	return c
}

type Service struct {
	cfg     Config
	adapter kit.Adapter
	store   storage.Store // nil when storage is disabled
	log     logx.Logger

	limiter *rate.Limiter
	queue   chan kit.Notification
}

func New(cfg Config, adapter kit.Adapter, store storage.Store, log logx.Logger) *Service {
	cfg = cfg.withDefaults()
	return &Service{
		cfg:     cfg,
		adapter: adapter,
		store:   store,
		log:     log.With(logx.String("component", "notify")),
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		queue:   make(chan kit.Notification, cfg.QueueSize),
	}
}

// Notify enqueues a notification. It never blocks: when the queue is full
// the notification is dropped with a warning.
func (s *Service) Notify(n kit.Notification) {
	select {
	case s.queue <- n:
	default:
		s.log.Warn("notify queue full, dropping",
			logx.Int64("chat_id", n.Target.ChatID),
			logx.String("dedup_key", n.DedupKey))
	}
}

// Run is the delivery loop. It exits when the context is cancelled and is
// meant to run under the supervisor.
func (s *Service) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n := <-s.queue:
			s.deliver(ctx, n)
		}
	}
}

func (s *Service) deliver(ctx context.Context, n kit.Notification) {
	if n.DedupKey != "" && s.suppressed(ctx, n.DedupKey) {
		s.log.Debug("notification suppressed by dedup",
			logx.Int64("chat_id", n.Target.ChatID), logx.String("dedup_key", n.DedupKey))
		return
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return
	}
	if _, err := s.adapter.SendText(ctx, n.Target, n.Text, n.Options); err != nil {
		s.log.Warn("notification send failed",
			logx.Int64("chat_id", n.Target.ChatID), logx.Err(err))
		return
	}
	if n.DedupKey != "" {
		s.markDelivered(ctx, n.DedupKey)
	}
	s.log.Debug("notification sent", logx.Int64("chat_id", n.Target.ChatID))
}

func (s *Service) suppressed(ctx context.Context, key string) bool {
	if s.store == nil {
		return false
	}
	until, ok, err := s.store.GetDedup(ctx, key)
	if err != nil {
		s.log.Debug("dedup lookup failed", logx.String("dedup_key", key), logx.Err(err))
		return false
	}
	return ok && until.After(time.Now())
}

func (s *Service) markDelivered(ctx context.Context, key string) {
	if s.store == nil {
		return
	}
	if err := s.store.PutDedup(ctx, key, time.Now().Add(s.cfg.DedupWindow)); err != nil {
		s.log.Debug("dedup store failed", logx.String("dedup_key", key), logx.Err(err))
	}
}
