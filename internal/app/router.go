package app

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"playwatch/internal/backup"
	"playwatch/internal/catalog"
	"playwatch/internal/config"
	"playwatch/internal/jobs"
	kit "playwatch/internal/transport"
	"playwatch/internal/watch"
	"playwatch/pkg/logx"
	"playwatch/pkg/tgui"
)

// router dispatches incoming updates to command and callback handlers.
// Access is allowlist-only: updates from unknown users are dropped.
type router struct {
	adapter kit.Adapter
	users   *watch.Store
	sched   *watch.Scheduler
	backups *backup.Service
	jobs    *jobs.Service
	states  *stateManager
	cat     *catalog.Client
	log     logx.Logger

	mu             sync.RWMutex
	owners         map[int64]bool
	admins         map[int64]bool
	allowed        map[int64]bool
	backupManagers map[int64]bool
}

func newRouter(adapter kit.Adapter, users *watch.Store, sched *watch.Scheduler,
	backups *backup.Service, jobsSvc *jobs.Service, states *stateManager,
	cat *catalog.Client, log logx.Logger) *router {
	return &router{
		adapter: adapter,
		users:   users,
		sched:   sched,
		backups: backups,
		jobs:    jobsSvc,
		states:  states,
		cat:     cat,
		log:     log.With(logx.String("component", "router")),
	}
}

// SetAccess rebuilds the permission tables from config. Owners and admins
// may always manage backups; allowed users only with the per-user flag.
func (r *router) SetAccess(tg config.TelegramConfig) {
	owners := map[int64]bool{}
	for _, id := range tg.OwnerUserIDs {
		owners[id] = true
	}
	admins := map[int64]bool{}
	for _, id := range tg.AdminUserIDs {
		admins[id] = true
	}
	allowed := map[int64]bool{}
	managers := map[int64]bool{}
	for _, u := range tg.AllowedUsers {
		allowed[u.UserID] = true
		if u.CanManageBackups {
			managers[u.UserID] = true
		}
	}

	r.mu.Lock()
	r.owners = owners
	r.admins = admins
	r.allowed = allowed
	r.backupManagers = managers
	r.mu.Unlock()
}

func (r *router) knownUser(id int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.owners[id] || r.admins[id] || r.allowed[id]
}

func (r *router) canManageBackups(id int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.owners[id] || r.admins[id] || r.backupManagers[id]
}

// Dispatch consumes updates until the context ends.
func (r *router) Dispatch(ctx context.Context, updates <-chan kit.Update) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			r.handle(ctx, up)
		}
	}
}

func (r *router) handle(ctx context.Context, up kit.Update) {
	hctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	switch up.Kind {
	case kit.UpdateMessage:
		if up.Message == nil || !r.knownUser(up.Message.FromID) {
			return
		}
		r.handleMessage(hctx, up.Message)
	case kit.UpdateCallback:
		if up.Callback == nil || !r.knownUser(up.Callback.FromID) {
			return
		}
		r.handleCallback(hctx, up.Callback)
	}
}

func (r *router) handleMessage(ctx context.Context, msg *kit.Message) {
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") {
		return
	}
	fields := strings.Fields(text)
	cmd := fields[0]
	if at := strings.IndexByte(cmd, '@'); at > 0 {
		cmd = cmd[:at]
	}
	args := fields[1:]

	switch cmd {
	case "/start", "/help":
		r.reply(ctx, msg.ChatID, helpText())
	case "/status":
		r.cmdStatus(ctx, msg.ChatID)
	case "/list":
		r.cmdList(ctx, msg.ChatID)
	case "/history":
		r.cmdHistory(ctx, msg.ChatID)
	case "/add":
		r.cmdAdd(ctx, msg.ChatID, args)
	case "/remove":
		r.cmdRemove(ctx, msg.ChatID, args)
	case "/check":
		r.cmdCheck(ctx, msg.ChatID, args)
	case "/suspend":
		r.cmdSuspend(ctx, msg.ChatID, args, true)
	case "/resume":
		r.cmdSuspend(ctx, msg.ChatID, args, false)
	case "/interval":
		r.cmdInterval(ctx, msg.ChatID, args)
	case "/notify":
		r.cmdNotify(ctx, msg.ChatID, args)
	case "/defaults":
		r.cmdDefaults(ctx, msg.ChatID, args)
	case "/backup":
		r.cmdBackup(ctx, msg.ChatID, msg.FromID)
	case "/backups":
		r.cmdBackups(ctx, msg.ChatID, msg.FromID)
	case "/backup_delete":
		r.cmdBackupDelete(ctx, msg.ChatID, msg.FromID, args)
	case "/restore":
		r.cmdRestore(ctx, msg.ChatID, msg.FromID, args)
	default:
		r.reply(ctx, msg.ChatID, "Unknown command. Try /help.")
	}
}

func helpText() string {
	return strings.Join([]string{
		tgui.B("playwatch").String() + " watches Play Store apps for new versions.",
		"",
		"/add &lt;store link&gt; [interval] — start watching an app",
		"/list — watched apps",
		"/remove &lt;n|name&gt; — stop watching",
		"/check &lt;n|name&gt; — check now",
		"/suspend &lt;n|name&gt; / /resume &lt;n|name&gt;",
		"/interval &lt;n|name&gt; &lt;0m1d0h0min0s&gt; — change check interval",
		"/notify &lt;n|name&gt; on|off — message even when nothing changed",
		"/defaults &lt;0m1d0h0min0s&gt; [on|off] — defaults for new apps",
		"/history — recent check results",
		"/status — scheduler overview",
		"",
		"/backup — snapshot current state",
		"/backups — list snapshots",
		"/backup_delete &lt;n&gt; / /restore &lt;n&gt;",
	}, "\n")
}

func (r *router) cmdStatus(ctx context.Context, chatID int64) {
	user := r.users.User(chatID)
	items := user.Items()
	suspended := 0
	var next time.Time
	for _, it := range items {
		if it.Suspended {
			suspended++
			continue
		}
		if next.IsZero() || (!it.NextCheckAt.IsZero() && it.NextCheckAt.Before(next)) {
			next = it.NextCheckAt
		}
	}

	snap := r.jobs.Snapshot()
	jobCount := 0
	prefix := fmt.Sprintf("check:%d:", chatID)
	for _, j := range snap.Jobs {
		if strings.HasPrefix(j.Name, prefix) {
			jobCount++
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", tgui.B("Status"))
	fmt.Fprintf(&b, "Watched apps: %d (%d suspended)\n", len(items), suspended)
	fmt.Fprintf(&b, "Registered check jobs: %d\n", jobCount)
	if !next.IsZero() {
		fmt.Fprintf(&b, "Next check: %s\n", tgui.Esc(next.Format("15:04:05 02 Jan 2006")))
	}
	fmt.Fprintf(&b, "Backups: %d", len(user.Backups()))
	r.reply(ctx, chatID, b.String())
}

func (r *router) cmdList(ctx context.Context, chatID int64) {
	items := r.users.User(chatID).Items()
	if len(items) == 0 {
		r.reply(ctx, chatID, "No apps are being watched. Add one with /add.")
		return
	}
	var b strings.Builder
	for i, it := range items {
		mark := ""
		if it.Suspended {
			mark = " ⏸"
		}
		fmt.Fprintf(&b, "%d. %s — %s%s\n", i+1, tgui.B(it.Name), tgui.Code(it.CurrentVersion), mark)
		fmt.Fprintf(&b, "   every %s", tgui.Esc(it.CheckInterval.Input.String()))
		if !it.NextCheckAt.IsZero() && !it.Suspended {
			fmt.Fprintf(&b, ", next %s", tgui.Esc(it.NextCheckAt.Format("15:04 02 Jan")))
		}
		b.WriteString("\n")
	}
	r.reply(ctx, chatID, strings.TrimRight(b.String(), "\n"))
}

func (r *router) cmdHistory(ctx context.Context, chatID int64) {
	hist := r.users.User(chatID).History()
	if len(hist) == 0 {
		r.reply(ctx, chatID, "No checks have run yet.")
		return
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", tgui.B("Recent checks"))
	for i := len(hist) - 1; i >= 0; i-- {
		e := hist[i]
		if e.UpdateFound {
			fmt.Fprintf(&b, "🆕 %s %s → %s (%s)\n",
				tgui.Esc(e.Name), tgui.Code(e.PreviousVersion), tgui.Code(e.NewVersion),
				tgui.Esc(e.Time.Format("15:04 02 Jan")))
		} else {
			fmt.Fprintf(&b, "▫️ %s (%s)\n",
				tgui.Esc(e.Name), tgui.Esc(e.Time.Format("15:04 02 Jan")))
		}
	}
	r.reply(ctx, chatID, strings.TrimRight(b.String(), "\n"))
}

func (r *router) cmdAdd(ctx context.Context, chatID int64, args []string) {
	if len(args) < 1 {
		r.reply(ctx, chatID, "Usage: /add &lt;store link&gt; [interval like 0m1d0h0min0s]")
		return
	}
	appID, err := catalog.AppIDFromURL(args[0])
	if err != nil {
		r.reply(ctx, chatID, "That doesn't look like a Play Store app link.")
		return
	}

	user := r.users.User(chatID)
	defaults := user.Settings()
	interval := defaults.CheckInterval
	if len(args) >= 2 {
		in, perr := watch.ParseInterval(args[1])
		if perr != nil {
			r.reply(ctx, chatID, "Interval must look like 0m1d0h0min0s with every unit present.")
			return
		}
		interval = in.Interval()
	}

	d, err := r.cat.Lookup(ctx, appID)
	switch {
	case errors.Is(err, catalog.ErrNotFound):
		r.reply(ctx, chatID, "The store has no app with that id.")
		return
	case err != nil:
		r.reply(ctx, chatID, "The store could not be reached. Try again later.")
		return
	}

	name := d.Title
	if name == "" {
		name = appID
	}
	// Store titles can get absurdly long; keep list output readable.
	name = tgui.TruncRunes(name, 64)
	now := time.Now()
	idx, err := user.AddItem(watch.MonitoredItem{
		Name:             name,
		CatalogID:        appID,
		SourceURL:        d.URL,
		CurrentVersion:   d.Version,
		LastUpdate:       d.UpdatedOn,
		NextCheckAt:      now.Add(interval.Duration),
		CheckInterval:    interval,
		NotifyEveryCheck: defaults.NotifyEveryCheck,
	})
	if errors.Is(err, watch.ErrDuplicateCatalog) {
		r.reply(ctx, chatID, fmt.Sprintf("%s is already being watched.", tgui.B(name)))
		return
	}
	if err != nil {
		r.reply(ctx, chatID, "Could not add that app: "+tgui.Esc(err.Error()).String())
		return
	}

	it, _ := user.Item(idx)
	if err := r.sched.ScheduleItem(chatID, it); err != nil {
		r.log.Error("schedule after add failed", logx.Int64("chat_id", chatID), logx.Err(err))
	}
	r.saveState(chatID)
	r.reply(ctx, chatID, fmt.Sprintf("Now watching %s (%s), checking every %s.",
		tgui.B(name), tgui.Code(d.Version), tgui.Esc(interval.Input.String())))
}

func (r *router) cmdRemove(ctx context.Context, chatID int64, args []string) {
	if len(args) < 1 {
		r.reply(ctx, chatID, "Usage: /remove &lt;n|name&gt;")
		return
	}
	user := r.users.User(chatID)
	it, idx, err := r.resolveItem(user, strings.Join(args, " "))
	if err != nil {
		r.reply(ctx, chatID, "No watched app matches that.")
		return
	}
	// Cancel first so a job that fires mid-removal still finds its item; a
	// check for a deleted item is a no-op, the reverse order races.
	r.sched.CancelItem(chatID, it.ID)
	removed, err := user.RemoveItem(idx)
	if err != nil {
		r.reply(ctx, chatID, "No watched app matches that.")
		return
	}
	r.saveState(chatID)
	r.reply(ctx, chatID, fmt.Sprintf("Stopped watching %s.", tgui.B(removed.Name)))
}

func (r *router) cmdCheck(ctx context.Context, chatID int64, args []string) {
	if len(args) < 1 {
		r.reply(ctx, chatID, "Usage: /check &lt;n|name&gt;")
		return
	}
	user := r.users.User(chatID)
	it, _, err := r.resolveItem(user, strings.Join(args, " "))
	if err != nil {
		r.reply(ctx, chatID, "No watched app matches that.")
		return
	}
	if it.Suspended {
		r.reply(ctx, chatID, fmt.Sprintf("%s is suspended; /resume it first.", tgui.B(it.Name)))
		return
	}
	payload := watch.CheckJobPayload{
		ChatID:    chatID,
		ItemID:    it.ID,
		CatalogID: it.CatalogID,
		SourceURL: it.SourceURL,
	}
	name := fmt.Sprintf("manual:%d:%d:%d", chatID, it.ID, time.Now().UnixNano())
	err = r.jobs.AddOnce(name, time.Now(), func(jctx context.Context) error {
		_, cerr := r.sched.RunCheck(jctx, payload)
		return cerr
	})
	if err != nil {
		r.reply(ctx, chatID, "Could not queue the check.")
		return
	}
	r.reply(ctx, chatID, fmt.Sprintf("Checking %s now…", tgui.B(it.Name)))
}

func (r *router) cmdSuspend(ctx context.Context, chatID int64, args []string, suspend bool) {
	verb := "/suspend"
	if !suspend {
		verb = "/resume"
	}
	if len(args) < 1 {
		r.reply(ctx, chatID, "Usage: "+verb+" &lt;n|name&gt;")
		return
	}
	user := r.users.User(chatID)
	_, idx, err := r.resolveItem(user, strings.Join(args, " "))
	if err != nil {
		r.reply(ctx, chatID, "No watched app matches that.")
		return
	}
	it, changed, err := user.SetSuspended(idx, suspend)
	if err != nil {
		r.reply(ctx, chatID, "No watched app matches that.")
		return
	}
	r.saveState(chatID)
	switch {
	case !changed && suspend:
		r.reply(ctx, chatID, fmt.Sprintf("%s was already suspended.", tgui.B(it.Name)))
	case !changed:
		r.reply(ctx, chatID, fmt.Sprintf("%s was not suspended.", tgui.B(it.Name)))
	case suspend:
		r.reply(ctx, chatID, fmt.Sprintf("Suspended checks for %s.", tgui.B(it.Name)))
	default:
		r.reply(ctx, chatID, fmt.Sprintf("Resumed checks for %s.", tgui.B(it.Name)))
	}
}

func (r *router) cmdInterval(ctx context.Context, chatID int64, args []string) {
	if len(args) < 2 {
		r.reply(ctx, chatID, "Usage: /interval &lt;n|name&gt; &lt;0m1d0h0min0s&gt;")
		return
	}
	in, err := watch.ParseInterval(args[len(args)-1])
	if err != nil {
		r.reply(ctx, chatID, "Interval must look like 0m1d0h0min0s with every unit present.")
		return
	}
	user := r.users.User(chatID)
	_, idx, rerr := r.resolveItem(user, strings.Join(args[:len(args)-1], " "))
	if rerr != nil {
		r.reply(ctx, chatID, "No watched app matches that.")
		return
	}
	ci := in.Interval()
	if err := user.EditItem(idx, watch.ItemPatch{CheckInterval: &ci}); err != nil {
		r.reply(ctx, chatID, "Could not update the interval.")
		return
	}
	it, _ := user.Item(idx)
	// Re-anchor: the next check is one new interval from now.
	user.UpdateItemByID(it.ID, func(m *watch.MonitoredItem) {
		m.NextCheckAt = time.Now().Add(ci.Duration)
	})
	it, _ = user.Item(idx)
	if err := r.sched.ScheduleItem(chatID, it); err != nil {
		r.log.Error("reschedule after interval change failed",
			logx.Int64("chat_id", chatID), logx.Err(err))
	}
	r.saveState(chatID)
	r.reply(ctx, chatID, fmt.Sprintf("%s is now checked every %s.",
		tgui.B(it.Name), tgui.Esc(in.String())))
}

func (r *router) cmdNotify(ctx context.Context, chatID int64, args []string) {
	if len(args) < 2 {
		r.reply(ctx, chatID, "Usage: /notify &lt;n|name&gt; on|off")
		return
	}
	var on bool
	switch strings.ToLower(args[len(args)-1]) {
	case "on":
		on = true
	case "off":
		on = false
	default:
		r.reply(ctx, chatID, "Usage: /notify &lt;n|name&gt; on|off")
		return
	}
	user := r.users.User(chatID)
	_, idx, err := r.resolveItem(user, strings.Join(args[:len(args)-1], " "))
	if err != nil {
		r.reply(ctx, chatID, "No watched app matches that.")
		return
	}
	if err := user.EditItem(idx, watch.ItemPatch{NotifyEveryCheck: &on}); err != nil {
		r.reply(ctx, chatID, "Could not update the setting.")
		return
	}
	it, _ := user.Item(idx)
	r.saveState(chatID)
	if on {
		r.reply(ctx, chatID, fmt.Sprintf("You'll hear about every check of %s.", tgui.B(it.Name)))
	} else {
		r.reply(ctx, chatID, fmt.Sprintf("You'll only hear about %s when something changes.", tgui.B(it.Name)))
	}
}

func (r *router) cmdDefaults(ctx context.Context, chatID int64, args []string) {
	user := r.users.User(chatID)
	if len(args) == 0 {
		s := user.Settings()
		r.reply(ctx, chatID, fmt.Sprintf("Defaults for new apps: every %s, notify every check: %t.",
			tgui.Esc(s.CheckInterval.Input.String()), s.NotifyEveryCheck))
		return
	}
	in, err := watch.ParseInterval(args[0])
	if err != nil {
		r.reply(ctx, chatID, "Interval must look like 0m1d0h0min0s with every unit present.")
		return
	}
	s := user.Settings()
	s.CheckInterval = in.Interval()
	if len(args) >= 2 {
		switch strings.ToLower(args[1]) {
		case "on":
			s.NotifyEveryCheck = true
		case "off":
			s.NotifyEveryCheck = false
		}
	}
	user.SetSettings(s)
	r.saveState(chatID)
	r.reply(ctx, chatID, fmt.Sprintf("New apps will be checked every %s (notify every check: %t).",
		tgui.Esc(s.CheckInterval.Input.String()), s.NotifyEveryCheck))
}

func (r *router) cmdBackup(ctx context.Context, chatID, fromID int64) {
	if !r.canManageBackups(fromID) {
		r.reply(ctx, chatID, "You are not allowed to manage backups.")
		return
	}
	rec, err := r.backups.Create(chatID)
	if errors.Is(err, backup.ErrQuotaExceeded) {
		r.reply(ctx, chatID, "Backup quota reached. Delete one with /backup_delete first.")
		return
	}
	if err != nil {
		r.log.Error("backup create failed", logx.Int64("chat_id", chatID), logx.Err(err))
		r.reply(ctx, chatID, "The backup could not be written.")
		return
	}
	r.saveState(chatID)
	r.reply(ctx, chatID, fmt.Sprintf("Backup %s created.", tgui.Code(rec.FileName)))
}

func (r *router) cmdBackups(ctx context.Context, chatID, fromID int64) {
	if !r.canManageBackups(fromID) {
		r.reply(ctx, chatID, "You are not allowed to manage backups.")
		return
	}
	records, missing, err := r.backups.List(chatID)
	if err != nil {
		r.reply(ctx, chatID, "Could not read the backup directory.")
		return
	}
	if len(records) == 0 && len(missing) == 0 {
		r.reply(ctx, chatID, "No backups yet. Create one with /backup.")
		return
	}
	var b strings.Builder
	for i, rec := range records {
		fmt.Fprintf(&b, "%d. %s (%s)\n", i+1, tgui.Code(rec.FileName),
			tgui.Esc(rec.BackupTime.Format("15:04 02 Jan 2006")))
	}
	for _, name := range missing {
		fmt.Fprintf(&b, "⚠️ %s was removed from disk\n", tgui.Code(name))
	}
	r.saveState(chatID)
	r.reply(ctx, chatID, strings.TrimRight(b.String(), "\n"))
}

func (r *router) cmdBackupDelete(ctx context.Context, chatID, fromID int64, args []string) {
	if !r.canManageBackups(fromID) {
		r.reply(ctx, chatID, "You are not allowed to manage backups.")
		return
	}
	idx, err := parseIndex(args)
	if err != nil {
		r.reply(ctx, chatID, "Usage: /backup_delete &lt;n&gt;")
		return
	}
	rec, err := r.backups.Delete(chatID, idx)
	if err != nil {
		r.reply(ctx, chatID, "No backup with that number.")
		return
	}
	r.saveState(chatID)
	r.reply(ctx, chatID, fmt.Sprintf("Backup %s deleted.", tgui.Code(rec.FileName)))
}

// Callback component and actions for the restore confirmation keyboard.
const (
	backupComponent     = "backup"
	backupActionRestore = "restore"
	backupActionCancel  = "cancel"
)

// cmdRestore only asks for confirmation; the restore itself runs from the
// callback so a mistyped index cannot silently replace the current state.
func (r *router) cmdRestore(ctx context.Context, chatID, fromID int64, args []string) {
	if !r.canManageBackups(fromID) {
		r.reply(ctx, chatID, "You are not allowed to manage backups.")
		return
	}
	idx, err := parseIndex(args)
	if err != nil {
		r.reply(ctx, chatID, "Usage: /restore &lt;n&gt;")
		return
	}
	records := r.users.User(chatID).Backups()
	if idx > len(records) {
		r.reply(ctx, chatID, "No backup with that number.")
		return
	}
	rec := records[idx-1]

	markup := tgui.ConfirmInline(
		tgui.Btn("Restore", tgui.Data(backupComponent, backupActionRestore, strconv.Itoa(idx))),
		tgui.Btn("Cancel", tgui.Data(backupComponent, backupActionCancel, "")),
	).Markup()
	text := fmt.Sprintf("Restore backup %s from %s? Your current list will be replaced.",
		tgui.Code(rec.FileName), tgui.Esc(rec.BackupTime.Format("15:04 02 Jan 2006")))
	opt := htmlOpts()
	opt.ReplyMarkupAdapter = markup
	if _, err := r.adapter.SendText(ctx, kit.ChatTarget{ChatID: chatID}, text, opt); err != nil {
		r.log.Warn("reply failed", logx.Int64("chat_id", chatID), logx.Err(err))
	}
}

func (r *router) handleCallback(ctx context.Context, cb *kit.Callback) {
	component, action, payload := tgui.Split(cb.Data)
	switch component {
	case watch.CallbackComponent:
		r.watchCallback(ctx, cb, action, payload)
	case backupComponent:
		r.backupCallback(ctx, cb, action, payload)
	}
}

func (r *router) watchCallback(ctx context.Context, cb *kit.Callback, action, payload string) {
	user := r.users.User(cb.ChatID)

	switch action {
	case watch.ActionSuspend, watch.ActionResume:
		id, err := strconv.ParseUint(payload, 10, 64)
		if err != nil {
			_ = r.adapter.AnswerCallback(ctx, cb.ID, "")
			return
		}
		suspend := action == watch.ActionSuspend
		found := user.UpdateItemByID(id, func(m *watch.MonitoredItem) {
			m.Suspended = suspend
		})
		if !found {
			_ = r.adapter.AnswerCallback(ctx, cb.ID, "That app is no longer watched")
			return
		}
		r.saveState(cb.ChatID)
		if suspend {
			_ = r.adapter.AnswerCallback(ctx, cb.ID, "Checks suspended")
		} else {
			_ = r.adapter.AnswerCallback(ctx, cb.ID, "Checks resumed")
		}
	case watch.ActionSettings:
		id, err := strconv.ParseUint(payload, 10, 64)
		if err != nil {
			_ = r.adapter.AnswerCallback(ctx, cb.ID, "")
			return
		}
		it, _, ok := user.ItemByID(id)
		if !ok {
			_ = r.adapter.AnswerCallback(ctx, cb.ID, "That app is no longer watched")
			return
		}
		r.reply(ctx, cb.ChatID, watch.ItemSettingsText(it))
		_ = r.adapter.AnswerCallback(ctx, cb.ID, "")
	case watch.ActionDismiss:
		_ = r.adapter.DeleteMessage(ctx, kit.MessageRef{ChatID: cb.ChatID, MessageID: cb.MessageID})
		_ = r.adapter.AnswerCallback(ctx, cb.ID, "")
	}
}

func (r *router) backupCallback(ctx context.Context, cb *kit.Callback, action, payload string) {
	if !r.canManageBackups(cb.FromID) {
		_ = r.adapter.AnswerCallback(ctx, cb.ID, "You are not allowed to manage backups")
		return
	}
	ref := kit.MessageRef{ChatID: cb.ChatID, MessageID: cb.MessageID}

	switch action {
	case backupActionRestore:
		idx, err := strconv.Atoi(payload)
		if err != nil || idx < 1 {
			_ = r.adapter.AnswerCallback(ctx, cb.ID, "")
			return
		}
		stats, err := r.backups.Restore(cb.ChatID, idx)
		if err != nil {
			r.log.Warn("restore failed", logx.Int64("chat_id", cb.ChatID), logx.Err(err))
			_ = r.adapter.EditText(ctx, ref,
				"That backup could not be restored; your current state is unchanged.", htmlOpts())
			_ = r.adapter.AnswerCallback(ctx, cb.ID, "Restore failed")
			return
		}
		r.saveState(cb.ChatID)
		msg := fmt.Sprintf("Backup restored: %d app(s) rescheduled.", stats.Scheduled)
		if stats.Dropped > 0 {
			msg += fmt.Sprintf(" %d broken record(s) were dropped.", stats.Dropped)
		}
		_ = r.adapter.EditText(ctx, ref, msg, htmlOpts())
		_ = r.adapter.AnswerCallback(ctx, cb.ID, "Restored")
	case backupActionCancel:
		_ = r.adapter.EditText(ctx, ref, "Restore cancelled.", htmlOpts())
		_ = r.adapter.AnswerCallback(ctx, cb.ID, "")
	}
}

// resolveItem accepts a 1-based display index or a display name.
func (r *router) resolveItem(user *watch.UserState, arg string) (watch.MonitoredItem, int, error) {
	arg = strings.TrimSpace(arg)
	if n, err := strconv.Atoi(arg); err == nil {
		it, ierr := user.Item(n)
		if ierr != nil {
			return watch.MonitoredItem{}, 0, ierr
		}
		return it, n, nil
	}
	it, idx, ok := user.FindByName(arg)
	if !ok {
		return watch.MonitoredItem{}, 0, watch.ErrItemNotFound
	}
	return it, idx, nil
}

func parseIndex(args []string) (int, error) {
	if len(args) < 1 {
		return 0, errors.New("missing index")
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n < 1 {
		return 0, errors.New("bad index")
	}
	return n, nil
}

func (r *router) saveState(chatID int64) {
	if err := r.states.Save(chatID); err != nil {
		r.log.Warn("state save failed", logx.Int64("chat_id", chatID), logx.Err(err))
		r.states.MarkDirty(chatID)
	}
}

func htmlOpts() *kit.SendOptions {
	return &kit.SendOptions{ParseMode: "HTML", DisablePreview: true}
}

func (r *router) reply(ctx context.Context, chatID int64, html string) {
	_, err := r.adapter.SendText(ctx, kit.ChatTarget{ChatID: chatID}, html, htmlOpts())
	if err != nil {
		r.log.Warn("reply failed", logx.Int64("chat_id", chatID), logx.Err(err))
	}
}
