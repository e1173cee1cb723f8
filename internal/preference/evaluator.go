// Package preference evaluates a recipient's delivery settings into a
// per-channel dispatch plan. Evaluation is pure; the orchestrator supplies
// the clock.
package preference

import (
	"log/slog"
	"time"

	"github.com/brightfeed/notify/internal/channel"
	"github.com/brightfeed/notify/internal/database"
	"github.com/brightfeed/notify/internal/events"
)

// Notification categories. Every event type maps to exactly one category;
// marketing exists only for externally produced campaigns.
const (
	CategoryActivity  = "activity"
	CategorySocial    = "social"
	CategoryMarketing = "marketing"
)

// Category returns the preference category an event type falls under.
func Category(t events.EventType) string {
	if t == events.TypeFollow {
		return CategorySocial
	}
	return CategoryActivity
}

// Skip reasons recorded in the plan and in channel_results.
const (
	ReasonCategoryOff = "category_disabled"
	ReasonOptedOut    = "opted_out"
	ReasonNoAddress   = "no_address"
	ReasonDND         = "dnd"
)

// Plan is the channel dispatch decision for one notification.
type Plan struct {
	// Channels to attempt, in dispatch order.
	Channels []string
	// Skipped maps each suppressed channel to the reason.
	Skipped map[string]string
	// DNDSuppressed is true when quiet hours silenced every channel.
	DNDSuppressed bool
}

// Evaluate resolves the recipient's preferences into a plan. High priority
// notifications cut through DND; everything else is silenced during the
// recipient's quiet hours.
func Evaluate(t events.EventType, priority events.Priority, pref *database.NotificationPreference, now time.Time) Plan {
	plan := Plan{Skipped: make(map[string]string)}

	if !categoryEnabled(Category(t), pref) {
		for _, name := range channel.Names {
			plan.Skipped[name] = ReasonCategoryOff
		}
		return plan
	}

	optedIn := make([]string, 0, len(channel.Names))
	if pref.PushEnabled {
		optedIn = append(optedIn, channel.Push)
	} else {
		plan.Skipped[channel.Push] = ReasonOptedOut
	}
	switch {
	case !pref.EmailEnabled:
		plan.Skipped[channel.Email] = ReasonOptedOut
	case pref.EmailAddr == "":
		plan.Skipped[channel.Email] = ReasonNoAddress
	default:
		optedIn = append(optedIn, channel.Email)
	}
	switch {
	case !pref.SMSEnabled:
		plan.Skipped[channel.SMS] = ReasonOptedOut
	case pref.Phone == "":
		plan.Skipped[channel.SMS] = ReasonNoAddress
	default:
		optedIn = append(optedIn, channel.SMS)
	}

	if pref.DNDEnabled && priority != events.PriorityHigh && InQuietHours(pref, now) {
		for _, name := range optedIn {
			plan.Skipped[name] = ReasonDND
		}
		plan.DNDSuppressed = true
		return plan
	}

	plan.Channels = optedIn
	return plan
}

func categoryEnabled(category string, pref *database.NotificationPreference) bool {
	switch category {
	case CategoryMarketing:
		return pref.MarketingEnabled
	case CategorySocial:
		return pref.SocialEnabled
	default:
		return pref.ActivityEnabled
	}
}

// InQuietHours reports whether now falls inside the recipient's DND window,
// evaluated in their timezone. Windows may wrap midnight (e.g. 22:00-07:00).
func InQuietHours(pref *database.NotificationPreference, now time.Time) bool {
	start, okStart := parseClock(pref.DNDStart)
	end, okEnd := parseClock(pref.DNDEnd)
	if !okStart || !okEnd || start == end {
		return false
	}

	loc := time.UTC
	if pref.Timezone != "" {
		l, err := time.LoadLocation(pref.Timezone)
		if err != nil {
			slog.Warn("Invalid timezone in preferences, using UTC",
				"user_id", pref.UserID,
				"timezone", pref.Timezone,
			)
		} else {
			loc = l
		}
	}

	local := now.In(loc)
	minute := local.Hour()*60 + local.Minute()

	if start < end {
		return minute >= start && minute < end
	}
	// Window wraps midnight.
	return minute >= start || minute < end
}

// parseClock converts "HH:MM" to minutes since midnight.
func parseClock(s string) (int, bool) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, false
	}
	return t.Hour()*60 + t.Minute(), true
}
