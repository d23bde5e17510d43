package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	"playwatch/internal/storage"
	kit "playwatch/internal/transport"
	"playwatch/pkg/logx"
)

type captureAdapter struct {
	mu   sync.Mutex
	sent []string
}

func (a *captureAdapter) Start(ctx context.Context, out chan<- kit.Update) error { return nil }
func (a *captureAdapter) Stop(ctx context.Context) error                         { return nil }

func (a *captureAdapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	a.mu.Lock()
	a.sent = append(a.sent, text)
	a.mu.Unlock()
	return kit.MessageRef{}, nil
}

func (a *captureAdapter) EditText(ctx context.Context, ref kit.MessageRef, text string, opt *kit.SendOptions) error {
	return nil
}
func (a *captureAdapter) DeleteMessage(ctx context.Context, ref kit.MessageRef) error { return nil }
func (a *captureAdapter) AnswerCallback(ctx context.Context, callbackID, text string) error {
	return nil
}

func (a *captureAdapter) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.sent)
}

type memDedup struct {
	mu   sync.Mutex
	keys map[string]time.Time
}

func newMemDedup() *memDedup { return &memDedup{keys: map[string]time.Time{}} }

func (m *memDedup) AppendCheck(ctx context.Context, e storage.CheckEntry) error { return nil }

func (m *memDedup) PutDedup(ctx context.Context, key string, until time.Time) error {
	m.mu.Lock()
	m.keys[key] = until
	m.mu.Unlock()
	return nil
}

func (m *memDedup) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	until, ok := m.keys[key]
	return until, ok, nil
}

func (m *memDedup) Close() error { return nil }

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestDeliversQueuedNotifications(t *testing.T) {
	adapter := &captureAdapter{}
	s := New(Config{RatePerSecond: 1000, Burst: 10}, adapter, nil, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx) }()

	s.Notify(kit.Notification{Target: kit.ChatTarget{ChatID: 1}, Text: "hello"})
	s.Notify(kit.Notification{Target: kit.ChatTarget{ChatID: 1}, Text: "world"})

	waitFor(t, "2 sends", func() bool { return adapter.count() == 2 })
}

func TestDedupSuppressesRepeats(t *testing.T) {
	adapter := &captureAdapter{}
	store := newMemDedup()
	s := New(Config{RatePerSecond: 1000, Burst: 10, DedupWindow: time.Hour}, adapter, store, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx) }()

	n := kit.Notification{Target: kit.ChatTarget{ChatID: 1}, Text: "update", DedupKey: "update:1:2:1.2.3"}
	s.Notify(n)
	waitFor(t, "first send", func() bool { return adapter.count() == 1 })

	s.Notify(n)
	s.Notify(kit.Notification{Target: kit.ChatTarget{ChatID: 1}, Text: "other", DedupKey: "update:1:2:9.9.9"})
	waitFor(t, "second distinct send", func() bool { return adapter.count() == 2 })

	if adapter.count() != 2 {
		t.Fatalf("sends = %d, want 2 (repeat suppressed)", adapter.count())
	}
}

func TestExpiredDedupWindowAllowsResend(t *testing.T) {
	adapter := &captureAdapter{}
	store := newMemDedup()
	s := New(Config{RatePerSecond: 1000, Burst: 10, DedupWindow: time.Hour}, adapter, store, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx) }()

	n := kit.Notification{Target: kit.ChatTarget{ChatID: 1}, Text: "update", DedupKey: "k"}
	s.Notify(n)
	waitFor(t, "first send", func() bool { return adapter.count() == 1 })

	// Age the key out.
	store.mu.Lock()
	store.keys["k"] = time.Now().Add(-time.Minute)
	store.mu.Unlock()

	s.Notify(n)
	waitFor(t, "resend after expiry", func() bool { return adapter.count() == 2 })
}

func TestNotifyDropsWhenQueueFull(t *testing.T) {
	adapter := &captureAdapter{}
	s := New(Config{QueueSize: 1}, adapter, nil, logx.Nop())

	// No Run loop: the queue fills and further sends drop without blocking.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			s.Notify(kit.Notification{Target: kit.ChatTarget{ChatID: 1}, Text: "x"})
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Notify blocked on a full queue")
	}
}
