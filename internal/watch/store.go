package watch

import (
	"strings"
	"sync"
)

// UserState is the complete in-memory state for one chat: monitored items,
// defaults, check history and backup records. All access goes through
// methods; the mutex guards every field.
//
// Items are held densely: the display index shown to the operator is the
// slice position plus one, and removing an item shifts everything after it
// left. Jobs therefore never reference items by index, only by ID.
type UserState struct {
	mu         sync.Mutex
	items      []*MonitoredItem
	settings   DefaultSettings
	history    []CheckHistoryEntry
	backups    []BackupRecord
	nextItemID uint64
}

// NewUserState returns an empty state with the given item defaults.
func NewUserState(defaults DefaultSettings) *UserState {
	return &UserState{settings: defaults}
}

// AddItem appends an item and returns its display index (1-based). The
// catalog ID must not already be monitored and the interval must be positive.
// The store assigns the stable ID; any caller-provided ID is ignored.
func (u *UserState) AddItem(it MonitoredItem) (int, error) {
	if it.CheckInterval.Duration <= 0 {
		return 0, ErrBadInterval
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	for _, have := range u.items {
		if have.CatalogID == it.CatalogID {
			return 0, ErrDuplicateCatalog
		}
	}
	u.nextItemID++
	it.ID = u.nextItemID
	u.items = append(u.items, &it)
	return len(u.items), nil
}

// EditItem overwrites the patched fields of the item at the 1-based index.
func (u *UserState) EditItem(index int, p ItemPatch) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	it, err := u.atLocked(index)
	if err != nil {
		return err
	}
	if p.Name != nil {
		it.Name = *p.Name
	}
	if p.SourceURL != nil {
		it.SourceURL = *p.SourceURL
	}
	if p.CheckInterval != nil {
		if p.CheckInterval.Duration <= 0 {
			return ErrBadInterval
		}
		it.CheckInterval = *p.CheckInterval
	}
	if p.NotifyEveryCheck != nil {
		it.NotifyEveryCheck = *p.NotifyEveryCheck
	}
	return nil
}

// SetSuspended flips the suspension flag of the item at the 1-based index.
// It reports whether the flag actually changed, plus a copy of the item.
func (u *UserState) SetSuspended(index int, suspended bool) (MonitoredItem, bool, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	it, err := u.atLocked(index)
	if err != nil {
		return MonitoredItem{}, false, err
	}
	changed := it.Suspended != suspended
	it.Suspended = suspended
	return *it, changed, nil
}

// RemoveItem deletes the item at the 1-based index, shifting later items left
// so the numbering stays dense. It returns a copy of the removed item so the
// caller can cancel its jobs.
func (u *UserState) RemoveItem(index int) (MonitoredItem, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	it, err := u.atLocked(index)
	if err != nil {
		return MonitoredItem{}, err
	}
	removed := *it
	i := index - 1
	u.items = append(u.items[:i], u.items[i+1:]...)
	return removed, nil
}

// Item returns a copy of the item at the 1-based index.
func (u *UserState) Item(index int) (MonitoredItem, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	it, err := u.atLocked(index)
	if err != nil {
		return MonitoredItem{}, err
	}
	return *it, nil
}

// ItemByID returns a copy of the item with the given stable ID and its
// current 1-based display index.
func (u *UserState) ItemByID(id uint64) (MonitoredItem, int, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	for i, it := range u.items {
		if it.ID == id {
			return *it, i + 1, true
		}
	}
	return MonitoredItem{}, 0, false
}

// UpdateItemByID applies fn to the item with the given ID while holding the
// state lock. fn must not block. It reports whether the item still exists.
func (u *UserState) UpdateItemByID(id uint64, fn func(*MonitoredItem)) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	for _, it := range u.items {
		if it.ID == id {
			fn(it)
			return true
		}
	}
	return false
}

// RemoveItemByID deletes the item with the given stable ID, keeping the
// numbering dense.
func (u *UserState) RemoveItemByID(id uint64) (MonitoredItem, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	for i, it := range u.items {
		if it.ID == id {
			removed := *it
			u.items = append(u.items[:i], u.items[i+1:]...)
			return removed, true
		}
	}
	return MonitoredItem{}, false
}

// FindByName looks an item up by display name after normalization: both
// sides are lowercased, stripped to letters and spaces, and have runs of
// spaces collapsed. Returns the 1-based index of the first match.
func (u *UserState) FindByName(name string) (MonitoredItem, int, bool) {
	want := NormalizeName(name)
	u.mu.Lock()
	defer u.mu.Unlock()
	for i, it := range u.items {
		if NormalizeName(it.Name) == want {
			return *it, i + 1, true
		}
	}
	return MonitoredItem{}, 0, false
}

// Items returns copies of all items in display order.
func (u *UserState) Items() []MonitoredItem {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]MonitoredItem, len(u.items))
	for i, it := range u.items {
		out[i] = *it
	}
	return out
}

// Len reports the number of monitored items.
func (u *UserState) Len() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.items)
}

// Settings returns the current item defaults.
func (u *UserState) Settings() DefaultSettings {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.settings
}

// SetSettings replaces the item defaults.
func (u *UserState) SetSettings(s DefaultSettings) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.settings = s
}

// AppendHistory records one check outcome, dropping the oldest entry when
// the ring is full.
func (u *UserState) AppendHistory(e CheckHistoryEntry) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.history) >= HistoryCap {
		u.history = append(u.history[:0], u.history[len(u.history)-HistoryCap+1:]...)
	}
	u.history = append(u.history, e)
}

// History returns a copy of the recorded check outcomes, oldest first.
func (u *UserState) History() []CheckHistoryEntry {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]CheckHistoryEntry, len(u.history))
	copy(out, u.history)
	return out
}

// Backups returns a copy of the backup records in display order.
func (u *UserState) Backups() []BackupRecord {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]BackupRecord, len(u.backups))
	copy(out, u.backups)
	return out
}

// AddBackup appends a backup record and returns its display index (1-based).
func (u *UserState) AddBackup(r BackupRecord) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.backups = append(u.backups, r)
	return len(u.backups)
}

// RemoveBackup deletes the backup record at the 1-based index, shifting later
// records left.
func (u *UserState) RemoveBackup(index int) (BackupRecord, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if index < 1 || index > len(u.backups) {
		return BackupRecord{}, ErrItemNotFound
	}
	i := index - 1
	removed := u.backups[i]
	u.backups = append(u.backups[:i], u.backups[i+1:]...)
	return removed, nil
}

// SetBackups replaces the backup records wholesale (filesystem reconcile).
func (u *UserState) SetBackups(rs []BackupRecord) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.backups = append(u.backups[:0:0], rs...)
}

func (u *UserState) atLocked(index int) (*MonitoredItem, error) {
	if index < 1 || index > len(u.items) {
		return nil, ErrItemNotFound
	}
	return u.items[index-1], nil
}

// NormalizeName reduces a display name to its comparison form: lowercase,
// letters and spaces only, single spaces.
func NormalizeName(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	lastSpace := true
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(r)
			lastSpace = false
		case r == ' ':
			if !lastSpace {
				b.WriteByte(' ')
			}
			lastSpace = true
		}
	}
	return strings.TrimRight(b.String(), " ")
}

// Store holds the state of every known chat.
type Store struct {
	mu       sync.RWMutex
	users    map[int64]*UserState
	defaults DefaultSettings
}

// NewStore returns a store that seeds new users with the given defaults.
func NewStore(defaults DefaultSettings) *Store {
	return &Store{users: make(map[int64]*UserState), defaults: defaults}
}

// Defaults returns the settings new users are seeded with.
func (s *Store) Defaults() DefaultSettings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.defaults
}

// User returns the state for a chat, creating it on first use.
func (s *Store) User(chatID int64) *UserState {
	s.mu.RLock()
	u := s.users[chatID]
	s.mu.RUnlock()
	if u != nil {
		return u
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if u = s.users[chatID]; u == nil {
		u = NewUserState(s.defaults)
		s.users[chatID] = u
	}
	return u
}

// Put replaces a chat's state wholesale. Used by restore and state loading.
func (s *Store) Put(chatID int64, u *UserState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[chatID] = u
}

// ChatIDs lists every chat with state.
func (s *Store) ChatIDs() []int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]int64, 0, len(s.users))
	for id := range s.users {
		out = append(out, id)
	}
	return out
}
