package watch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"playwatch/internal/catalog"
	kit "playwatch/internal/transport"
	"playwatch/pkg/logx"
)

// Catalog is the slice of the catalog client the checker needs.
type Catalog interface {
	Lookup(ctx context.Context, appID string) (catalog.Details, error)
	Reachable(ctx context.Context, pageURL string) error
}

// Notifier delivers operator-facing messages. Implementations queue
// asynchronously; the checker never blocks on Telegram.
type Notifier interface {
	Notify(n kit.Notification)
}

// Auditor records check outcomes for offline inspection. May be nil.
type Auditor interface {
	RecordCheck(ctx context.Context, chatID int64, catalogID string, e CheckHistoryEntry) error
}

// CheckOutcome classifies one check run.
type CheckOutcome string

const (
	OutcomeSkipped     CheckOutcome = "skipped"
	OutcomeUpToDate    CheckOutcome = "up_to_date"
	OutcomeUpdated     CheckOutcome = "updated"
	OutcomeRemoved     CheckOutcome = "removed"
	OutcomeUnreachable CheckOutcome = "unreachable"
)

// Checker runs one scheduled check end to end: reachability probe, catalog
// lookup, comparison, state update, history, notification.
type Checker struct {
	store    *Store
	catalog  Catalog
	notifier Notifier
	auditor  Auditor
	log      logx.Logger

	// OnStateChange, when set, is called after an item's stored fields
	// changed so the owner can persist the user's state.
	OnStateChange func(chatID int64)
}

func NewChecker(store *Store, cat Catalog, notifier Notifier, auditor Auditor, log logx.Logger) *Checker {
	return &Checker{
		store:    store,
		catalog:  cat,
		notifier: notifier,
		auditor:  auditor,
		log:      log.With(logx.String("component", "checker")),
	}
}

// Run executes one check for the payload's item. A missing item is not an
// error: the item was deleted after the job fired and the run is a no-op.
func (c *Checker) Run(ctx context.Context, p CheckJobPayload) (CheckOutcome, error) {
	user := c.store.User(p.ChatID)
	it, _, ok := user.ItemByID(p.ItemID)
	if !ok {
		c.log.Debug("check fired for deleted item",
			logx.Int64("chat_id", p.ChatID), logx.Uint64("item_id", p.ItemID))
		return OutcomeSkipped, nil
	}
	if it.Suspended {
		c.log.Debug("check skipped, item suspended",
			logx.Int64("chat_id", p.ChatID), logx.String("name", it.Name))
		return OutcomeSkipped, nil
	}

	now := time.Now()

	if err := c.catalog.Reachable(ctx, it.SourceURL); err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return c.finishRemoved(ctx, p.ChatID, it)
		}
		// Transient store trouble: leave the item exactly as it was, the
		// recurring job retries at its next firing.
		c.log.Warn("store unreachable, check deferred",
			logx.Int64("chat_id", p.ChatID), logx.String("name", it.Name), logx.Err(err))
		return OutcomeUnreachable, nil
	}

	d, err := c.catalog.Lookup(ctx, it.CatalogID)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return c.finishRemoved(ctx, p.ChatID, it)
		}
		c.log.Warn("catalog lookup failed",
			logx.Int64("chat_id", p.ChatID), logx.String("name", it.Name), logx.Err(err))
		return OutcomeUnreachable, nil
	}

	versionChanged := d.Version != "" && d.Version != it.CurrentVersion
	dateChanged := releaseDayChanged(it.LastUpdate, d.UpdatedOn)
	updated := versionChanged || dateChanged

	prevVersion := it.CurrentVersion
	user.UpdateItemByID(it.ID, func(m *MonitoredItem) {
		if d.Version != "" {
			m.CurrentVersion = d.Version
		}
		if d.UpdatedOn != "" {
			m.LastUpdate = d.UpdatedOn
		}
		m.LastCheckAt = now
		m.NextCheckAt = now.Add(m.CheckInterval.Duration)
	})

	entry := CheckHistoryEntry{
		Time:            now,
		Name:            it.Name,
		PreviousVersion: prevVersion,
		NewVersion:      d.Version,
		UpdateFound:     updated,
	}
	c.audit(ctx, p.ChatID, it.CatalogID, entry)

	// The operator-visible history records changes and explicitly requested
	// quiet checks; a silent up-to-date check leaves it alone.
	outcome := OutcomeUpToDate
	switch {
	case updated:
		outcome = OutcomeUpdated
		user.AppendHistory(entry)
		c.notifier.Notify(kit.Notification{
			Target:  kit.ChatTarget{ChatID: p.ChatID},
			Text:    updateFoundText(it, prevVersion, d, now.Add(it.CheckInterval.Duration)),
			Options: &kit.SendOptions{ParseMode: "HTML", ReplyMarkupAdapter: updateMarkup(it, d)},
			// UpdatedOn is part of the key: date-only updates (the "Varies
			// with device" case) reuse the same version string.
			DedupKey: fmt.Sprintf("update:%d:%d:%s:%s", p.ChatID, it.ID, d.Version, d.UpdatedOn),
		})
	case it.NotifyEveryCheck:
		user.AppendHistory(entry)
		c.notifier.Notify(kit.Notification{
			Target:  kit.ChatTarget{ChatID: p.ChatID},
			Text:    upToDateText(it, d),
			Options: &kit.SendOptions{ParseMode: "HTML"},
		})
	}

	if c.OnStateChange != nil {
		c.OnStateChange(p.ChatID)
	}
	c.log.Info("check finished",
		logx.Int64("chat_id", p.ChatID),
		logx.String("name", it.Name),
		logx.String("outcome", string(outcome)),
		logx.String("version", d.Version))
	return outcome, nil
}

// finishRemoved handles a 404 from the store: the app was pulled. The item
// is left untouched and stays monitored (the operator decides whether to
// drop it), but the operator is told once per disappearance.
func (c *Checker) finishRemoved(ctx context.Context, chatID int64, it MonitoredItem) (CheckOutcome, error) {
	c.audit(ctx, chatID, it.CatalogID, CheckHistoryEntry{
		Time:            time.Now(),
		Name:            it.Name,
		PreviousVersion: it.CurrentVersion,
	})

	c.notifier.Notify(kit.Notification{
		Target:   kit.ChatTarget{ChatID: chatID},
		Text:     removedText(it),
		Options:  &kit.SendOptions{ParseMode: "HTML", ReplyMarkupAdapter: removedMarkup(it)},
		DedupKey: fmt.Sprintf("removed:%d:%d", chatID, it.ID),
	})
	return OutcomeRemoved, nil
}

func (c *Checker) audit(ctx context.Context, chatID int64, catalogID string, e CheckHistoryEntry) {
	if c.auditor == nil {
		return
	}
	if err := c.auditor.RecordCheck(ctx, chatID, catalogID, e); err != nil {
		c.log.Warn("audit record failed", logx.Int64("chat_id", chatID), logx.Err(err))
	}
}

// releaseDayChanged compares two vendor release dates at day granularity.
// When both parse in the store's "02 January 2006" format the calendar days
// are compared; otherwise it falls back to a string comparison.
func releaseDayChanged(prev, next string) bool {
	if next == "" || prev == next {
		return false
	}
	if prev == "" {
		return false // first observation is a baseline, not a change
	}
	pt, errP := time.Parse(DayFormat, prev)
	nt, errN := time.Parse(DayFormat, next)
	if errP == nil && errN == nil {
		py, pm, pd := pt.Date()
		ny, nm, nd := nt.Date()
		return py != ny || pm != nm || pd != nd
	}
	return true
}
