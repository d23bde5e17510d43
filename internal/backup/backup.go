// Package backup snapshots per-chat monitoring state to YAML files and
// restores it, re-registering check jobs afterwards.
package backup

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"playwatch/internal/statefile"
	"playwatch/internal/watch"
	"playwatch/pkg/logx"
)

var (
	// ErrQuotaExceeded reports that the chat already holds the maximum
	// number of backups; one must be deleted first.
	ErrQuotaExceeded = errors.New("backup: quota exceeded")
	// ErrNotFound reports a backup index that no longer exists.
	ErrNotFound = errors.New("backup: no such backup")
)

// FileTimeLayout names backup files by creation time, DD_MM_YYYY_HH_MM_SS.
const FileTimeLayout = "02_01_2006_15_04_05"

type Config struct {
	Dir        string // root directory; one subdirectory per chat
	MaxPerUser int    // 0 means unlimited
}

type Service struct {
	cfg       Config
	store     *watch.Store
	scheduler *watch.Scheduler
	log       logx.Logger
}

func New(cfg Config, store *watch.Store, scheduler *watch.Scheduler, log logx.Logger) *Service {
	return &Service{
		cfg:       cfg,
		store:     store,
		scheduler: scheduler,
		log:       log.With(logx.String("component", "backup")),
	}
}

// Create snapshots the chat's current state into a new backup file. The
// record is added only after the file is fully written, so a failed dump
// leaves the backup list untouched.
func (s *Service) Create(chatID int64) (watch.BackupRecord, error) {
	user := s.store.User(chatID)
	if s.cfg.MaxPerUser > 0 && len(user.Backups()) >= s.cfg.MaxPerUser {
		return watch.BackupRecord{}, fmt.Errorf("%w: %d of %d used", ErrQuotaExceeded,
			len(user.Backups()), s.cfg.MaxPerUser)
	}

	now := time.Now()
	rec := watch.BackupRecord{
		FileName:   now.Format(FileTimeLayout) + ".yml",
		BackupTime: now,
	}
	if err := statefile.Dump(user.Document(), s.path(chatID, rec.FileName)); err != nil {
		return watch.BackupRecord{}, fmt.Errorf("backup: write %s: %w", rec.FileName, err)
	}
	user.AddBackup(rec)
	s.log.Info("backup created",
		logx.Int64("chat_id", chatID), logx.String("file", rec.FileName))
	return rec, nil
}

// List reconciles the chat's backup records with the filesystem and returns
// the surviving records plus the names of any that were removed behind the
// bot's back.
func (s *Service) List(chatID int64) (records []watch.BackupRecord, missing []string, err error) {
	user := s.store.User(chatID)
	recorded := user.Backups()

	onDisk := map[string]bool{}
	entries, err := os.ReadDir(s.userDir(chatID))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, nil, err
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yml") {
			continue
		}
		onDisk[e.Name()] = true
	}

	known := map[string]bool{}
	for _, r := range recorded {
		known[r.FileName] = true
		if onDisk[r.FileName] {
			records = append(records, r)
		} else {
			missing = append(missing, r.FileName)
		}
	}
	// Adopt files dropped into the directory out of band, when the name
	// carries a parseable timestamp.
	for name := range onDisk {
		if known[name] {
			continue
		}
		t, perr := time.ParseInLocation(FileTimeLayout, strings.TrimSuffix(name, ".yml"), time.Local)
		if perr != nil {
			continue
		}
		records = append(records, watch.BackupRecord{FileName: name, BackupTime: t})
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].BackupTime.Before(records[j].BackupTime)
	})
	user.SetBackups(records)

	if len(missing) > 0 {
		s.log.Warn("backup files missing from disk",
			logx.Int64("chat_id", chatID), logx.Int("count", len(missing)))
	}
	return records, missing, nil
}

// Delete removes the backup at the 1-based index, record and file both. The
// remaining records keep dense numbering.
func (s *Service) Delete(chatID int64, index int) (watch.BackupRecord, error) {
	user := s.store.User(chatID)
	rec, err := user.RemoveBackup(index)
	if err != nil {
		return watch.BackupRecord{}, ErrNotFound
	}
	if err := os.Remove(s.path(chatID, rec.FileName)); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.log.Warn("backup file delete failed",
			logx.Int64("chat_id", chatID), logx.String("file", rec.FileName), logx.Err(err))
	}
	s.log.Info("backup deleted",
		logx.Int64("chat_id", chatID), logx.String("file", rec.FileName))
	return rec, nil
}

// Restore replaces the chat's state with the backup at the 1-based index and
// rebuilds its check jobs. On any load failure the current state and jobs
// are left exactly as they were.
func (s *Service) Restore(chatID int64, index int) (watch.RescheduleStats, error) {
	user := s.store.User(chatID)
	backups := user.Backups()
	if index < 1 || index > len(backups) {
		return watch.RescheduleStats{}, ErrNotFound
	}
	rec := backups[index-1]

	doc, err := statefile.Load(s.path(chatID, rec.FileName))
	if err != nil {
		return watch.RescheduleStats{}, fmt.Errorf("backup: load %s: %w", rec.FileName, err)
	}
	restored, err := watch.UserStateFromDocument(doc, user.Settings())
	if err != nil {
		return watch.RescheduleStats{}, fmt.Errorf("backup: decode %s: %w", rec.FileName, err)
	}

	// Point of no return: drop the old jobs before swapping state so a
	// late firing cannot check against the outgoing item set.
	s.scheduler.CancelUser(chatID)
	s.store.Put(chatID, restored)
	stats := s.scheduler.RescheduleUser(chatID)

	s.log.Info("backup restored",
		logx.Int64("chat_id", chatID),
		logx.String("file", rec.FileName),
		logx.Int("scheduled", stats.Scheduled),
		logx.Int("dropped", stats.Dropped))
	return stats, nil
}

func (s *Service) userDir(chatID int64) string {
	return filepath.Join(s.cfg.Dir, strconv.FormatInt(chatID, 10))
}

func (s *Service) path(chatID int64, fileName string) string {
	return filepath.Join(s.userDir(chatID), filepath.Base(fileName))
}
