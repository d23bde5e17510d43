package watch

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"playwatch/internal/catalog"
	"playwatch/pkg/tgui"
)

// Callback component and actions for inline buttons on check notifications.
const (
	CallbackComponent = "watch"
	ActionSuspend     = "suspend"
	ActionResume      = "resume"
	ActionDismiss     = "dismiss"
	ActionSettings    = "settings"
)

func updateFoundText(it MonitoredItem, prevVersion string, d catalog.Details, nextCheck time.Time) string {
	name := it.Name
	if name == "" {
		name = d.Title
	}
	var b strings.Builder
	fmt.Fprintf(&b, "🆕 %s has a new version!\n", tgui.B(name))
	if prevVersion != "" {
		fmt.Fprintf(&b, "Version: %s → %s\n", tgui.Code(prevVersion), tgui.Code(d.Version))
	} else {
		fmt.Fprintf(&b, "Version: %s\n", tgui.Code(d.Version))
	}
	if d.UpdatedOn != "" {
		fmt.Fprintf(&b, "Released: %s\n", tgui.Esc(d.UpdatedOn))
	}
	if d.Version == VariesByDevice {
		b.WriteString("\n⚠️ The store lists the version as \"Varies with device\"; the release date changed, so the installed build may or may not differ.\n")
		fmt.Fprintf(&b, "Next check: %s\n", tgui.Esc(nextCheck.Format("15:04 02 Jan 2006")))
	}
	return strings.TrimRight(b.String(), "\n")
}

func upToDateText(it MonitoredItem, d catalog.Details) string {
	version := d.Version
	if version == "" {
		version = it.CurrentVersion
	}
	return fmt.Sprintf("✅ %s is up to date (%s).", tgui.B(it.Name), tgui.Code(version))
}

func removedText(it MonitoredItem) string {
	return fmt.Sprintf("⚠️ %s can no longer be found in the store. It may have been unpublished or removed.",
		tgui.B(it.Name))
}

func updateMarkup(it MonitoredItem, d catalog.Details) *tele.ReplyMarkup {
	id := strconv.FormatUint(it.ID, 10)
	return tgui.NewInline().
		Row(tgui.URLBtn("Open in store", storeURL(it, d))).
		Row(
			tgui.Btn("Settings", tgui.Data(CallbackComponent, ActionSettings, id)),
			tgui.Btn("Suspend checks", tgui.Data(CallbackComponent, ActionSuspend, id)),
		).
		Row(tgui.Btn("Dismiss", tgui.Data(CallbackComponent, ActionDismiss, ""))).
		Markup()
}

func removedMarkup(it MonitoredItem) *tele.ReplyMarkup {
	id := strconv.FormatUint(it.ID, 10)
	return tgui.NewInline().
		Row(
			tgui.Btn("Suspend checks", tgui.Data(CallbackComponent, ActionSuspend, id)),
			tgui.Btn("Dismiss", tgui.Data(CallbackComponent, ActionDismiss, "")),
		).
		Markup()
}

// ItemSettingsText renders the read-only settings view shown from the
// notification's Settings button.
func ItemSettingsText(it MonitoredItem) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", tgui.B(it.Name))
	fmt.Fprintf(&b, "Version: %s\n", tgui.Code(it.CurrentVersion))
	if it.LastUpdate != "" {
		fmt.Fprintf(&b, "Released: %s\n", tgui.Esc(it.LastUpdate))
	}
	fmt.Fprintf(&b, "Check interval: %s\n", tgui.Esc(it.CheckInterval.Input.String()))
	fmt.Fprintf(&b, "Notify every check: %t\n", it.NotifyEveryCheck)
	if it.Suspended {
		b.WriteString("Checks: suspended\n")
	} else if !it.NextCheckAt.IsZero() {
		fmt.Fprintf(&b, "Next check: %s\n", tgui.Esc(it.NextCheckAt.Format("15:04 02 Jan 2006")))
	}
	return strings.TrimRight(b.String(), "\n")
}

func storeURL(it MonitoredItem, d catalog.Details) string {
	if d.URL != "" {
		return d.URL
	}
	return it.SourceURL
}
