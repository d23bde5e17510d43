package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"playwatch/internal/statefile"
	"playwatch/internal/watch"
	"playwatch/pkg/logx"
)

// stateManager persists per-chat state as <dir>/<chat_id>.yml. Mutating code
// paths mark a chat dirty; the autosave loop flushes dirty chats on a timer
// and once more on shutdown.
type stateManager struct {
	dir      string
	interval time.Duration
	users    *watch.Store
	log      logx.Logger

	mu    sync.Mutex
	dirty map[int64]bool
}

func newStateManager(dir string, interval time.Duration, users *watch.Store, log logx.Logger) *stateManager {
	if interval <= 0 {
		interval = time.Minute
	}
	return &stateManager{
		dir:      dir,
		interval: interval,
		users:    users,
		log:      log.With(logx.String("component", "state")),
		dirty:    map[int64]bool{},
	}
}

// LoadAll reads every state file in the directory. A file that fails to load
// is skipped with a warning so one corrupt chat cannot take the bot down; the
// file stays on disk untouched. Returns how many chats were loaded.
func (m *stateManager) LoadAll() (int, error) {
	entries, err := os.ReadDir(m.dir)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	loaded := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yml") {
			continue
		}
		chatID, perr := strconv.ParseInt(strings.TrimSuffix(e.Name(), ".yml"), 10, 64)
		if perr != nil {
			continue
		}
		doc, lerr := statefile.Load(filepath.Join(m.dir, e.Name()))
		if lerr != nil {
			m.log.Warn("state file load failed, skipping",
				logx.String("file", e.Name()), logx.Err(lerr))
			continue
		}
		st, derr := watch.UserStateFromDocument(doc, m.users.Defaults())
		if derr != nil {
			m.log.Warn("state file decode failed, skipping",
				logx.String("file", e.Name()), logx.Err(derr))
			continue
		}
		m.users.Put(chatID, st)
		loaded++
	}
	m.log.Info("state loaded", logx.Int("chats", loaded))
	return loaded, nil
}

func (m *stateManager) path(chatID int64) string {
	return filepath.Join(m.dir, strconv.FormatInt(chatID, 10)+".yml")
}

// Save writes one chat's state immediately and clears its dirty flag.
func (m *stateManager) Save(chatID int64) error {
	user := m.users.User(chatID)
	if err := statefile.Dump(user.Document(), m.path(chatID)); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.dirty, chatID)
	m.mu.Unlock()
	return nil
}

// MarkDirty schedules a chat for the next autosave flush.
func (m *stateManager) MarkDirty(chatID int64) {
	m.mu.Lock()
	m.dirty[chatID] = true
	m.mu.Unlock()
}

// FlushDirty saves every chat marked dirty since the last flush.
func (m *stateManager) FlushDirty() {
	m.mu.Lock()
	pending := make([]int64, 0, len(m.dirty))
	for id := range m.dirty {
		pending = append(pending, id)
	}
	m.mu.Unlock()

	for _, id := range pending {
		if err := m.Save(id); err != nil {
			m.log.Warn("state save failed", logx.Int64("chat_id", id), logx.Err(err))
		}
	}
}

// SaveAll persists every known chat regardless of dirty state.
func (m *stateManager) SaveAll() {
	for _, id := range m.users.ChatIDs() {
		if err := m.Save(id); err != nil {
			m.log.Warn("state save failed", logx.Int64("chat_id", id), logx.Err(err))
		}
	}
}

// AutosaveLoop flushes dirty chats on a timer until the context ends, then
// flushes once more so a clean shutdown never loses a marked change.
func (m *stateManager) AutosaveLoop(ctx context.Context) {
	t := time.NewTicker(m.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			m.FlushDirty()
			return
		case <-t.C:
			m.FlushDirty()
		}
	}
}
