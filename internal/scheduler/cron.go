package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// graceWindow is how long after a cron fire the window may still be
// started. Older misses are never retro-fired; they wait for the next
// natural window.
const graceWindow = 10 * time.Minute

// maxLookback bounds the backwards search for the previous fire. Standard
// five-field specs can have gaps up to a year (rare month/day combos), so
// anything further back is treated as "no previous fire".
const maxLookback = 370 * 24 * time.Hour

// ParseSpec parses a standard five-field cron expression evaluated in the
// given IANA timezone. An empty timezone means UTC.
func ParseSpec(expr, tz string) (cron.Schedule, error) {
	if tz == "" {
		tz = "UTC"
	}
	if _, err := time.LoadLocation(tz); err != nil {
		return nil, fmt.Errorf("unknown timezone %q: %w", tz, err)
	}
	sched, err := cron.ParseStandard("CRON_TZ=" + tz + " " + expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return sched, nil
}

// NextFire returns the first fire strictly after the given instant.
func NextFire(expr, tz string, after time.Time) (time.Time, error) {
	sched, err := ParseSpec(expr, tz)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}

// prevFire finds the last fire at or before now. cron only computes Next,
// so the search doubles a lookback window until it contains a fire, then
// walks forward to the last one not after now.
func prevFire(sched cron.Schedule, now time.Time) (time.Time, bool) {
	for lookback := 2 * time.Minute; lookback <= maxLookback; lookback *= 2 {
		t := sched.Next(now.Add(-lookback))
		if t.IsZero() || t.After(now) {
			continue
		}
		for {
			next := sched.Next(t)
			if next.IsZero() || next.After(now) {
				return t, true
			}
			t = next
		}
	}
	return time.Time{}, false
}

// Preset is a canned cron choice offered by the schedule UI.
type Preset struct {
	Label      string `json:"label"`
	Expression string `json:"expression"`
}

// CronPresets are the suggestions served by the schedule config endpoint.
var CronPresets = []Preset{
	{Label: "Every hour", Expression: "0 * * * *"},
	{Label: "Every 6 hours", Expression: "0 */6 * * *"},
	{Label: "Daily at 2am", Expression: "0 2 * * *"},
	{Label: "Daily at 6am", Expression: "0 6 * * *"},
	{Label: "Weekly on Sunday at 3am", Expression: "0 3 * * 0"},
	{Label: "Monthly on the 1st at 4am", Expression: "0 4 1 * *"},
}
