// Package schedule implements the timezone-aware eligibility sweep that
// decides, once per tick, which subjects get a generation job created.
//
// All window math is done in the subject's local timezone and converted to
// UTC instants at the edges. The process itself always runs in UTC.
package schedule

import (
	"fmt"
	"time"

	"fablecast/internal/types"
)

// DefaultTimezone is the fallback when a subject has no timezone configured.
const DefaultTimezone = "UTC"

// DefaultPreferredTime is the fallback delivery time, "HH:MM" in 24h local.
const DefaultPreferredTime = "08:00"

// ParseTimeOfDay parses a "HH:MM" string into hour and minute components.
// The input must be exactly in HH:MM format (5 characters). Trailing content
// is rejected to prevent ambiguity.
func ParseTimeOfDay(s string) (int, int, error) {
	if len(s) != 5 || s[2] != ':' {
		return 0, 0, fmt.Errorf("expected format HH:MM, got %q", s)
	}
	var hour, minute int
	n, err := fmt.Sscanf(s, "%d:%d", &hour, &minute)
	if err != nil || n != 2 {
		return 0, 0, fmt.Errorf("expected format HH:MM, got %q", s)
	}
	if hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("hour %d out of range [0,23]", hour)
	}
	if minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("minute %d out of range [0,59]", minute)
	}
	return hour, minute, nil
}

// loadLocation resolves a subject timezone with the UTC fallback, returning a
// typed validation error for unknown zone names.
func loadLocation(tz string) (*time.Location, error) {
	if tz == "" {
		tz = DefaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidTimezone,
			fmt.Sprintf("invalid timezone %q", tz), err)
	}
	return loc, nil
}

// DeliveryInstantToday returns today's occurrence of the preferred local time
// as a UTC instant, where "today" is the calendar day of now in the subject's
// timezone. The instant may be in the past; eligibility deliberately looks at
// today only, never tomorrow, because a missed window is skipped, not
// backfilled.
//
// time.Date in a concrete Location makes this DST-correct: on a spring-forward
// day a 02:30 preference resolves to the instant the clock actually reaches.
func DeliveryInstantToday(now time.Time, tz string, preferred string) (time.Time, error) {
	loc, err := loadLocation(tz)
	if err != nil {
		return time.Time{}, err
	}

	if preferred == "" {
		preferred = DefaultPreferredTime
	}
	hour, minute, err := ParseTimeOfDay(preferred)
	if err != nil {
		return time.Time{}, types.NewAppError(types.ErrCodeValidationInvalidTime,
			fmt.Sprintf("invalid preferred delivery time %q", preferred), err)
	}

	localNow := now.In(loc)
	local := time.Date(localNow.Year(), localNow.Month(), localNow.Day(), hour, minute, 0, 0, loc)
	return local.UTC(), nil
}

// IsGenerationDue reports whether now falls inside the generation trigger
// window for the subject's delivery today. The window opens lead before the
// delivery instant and stays open for width:
//
//	[deliverAt - lead, deliverAt - lead + width)
//
// Returns the delivery instant alongside so the caller can schedule the
// delivery without recomputing it.
func IsGenerationDue(now time.Time, tz string, preferred string, lead, width time.Duration) (bool, time.Time, error) {
	deliverAt, err := DeliveryInstantToday(now, tz, preferred)
	if err != nil {
		return false, time.Time{}, err
	}

	windowStart := deliverAt.Add(-lead)
	windowEnd := windowStart.Add(width)
	due := !now.Before(windowStart) && now.Before(windowEnd)
	return due, deliverAt, nil
}

// LocalDayBounds returns the UTC instants bounding the subject's current
// local calendar day. Used for once-per-day checks against completed jobs and
// sent deliveries.
func LocalDayBounds(now time.Time, tz string) (start, end time.Time, err error) {
	loc, err := loadLocation(tz)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}

	localNow := now.In(loc)
	dayStart := time.Date(localNow.Year(), localNow.Month(), localNow.Day(), 0, 0, 0, 0, loc)
	return dayStart.UTC(), dayStart.AddDate(0, 0, 1).UTC(), nil
}

// CompletedToday reports whether lastCompletion falls on the subject's
// current local day. A nil lastCompletion means the subject has never
// completed a generation.
func CompletedToday(lastCompletion *time.Time, now time.Time, tz string) (bool, error) {
	if lastCompletion == nil {
		return false, nil
	}
	loc, err := loadLocation(tz)
	if err != nil {
		return false, err
	}

	ly, lm, ld := lastCompletion.In(loc).Date()
	ny, nm, nd := now.In(loc).Date()
	return ly == ny && lm == nm && ld == nd, nil
}

// ComputeDeliveryTime resolves when a completed job's story should be sent.
// Immediate deliveries go out now. Scheduled deliveries target the preferred
// local time; if generation finished after that instant already passed (a
// late retry, say), the send happens immediately rather than waiting a day.
func ComputeDeliveryTime(now time.Time, tz string, preferred string, immediate bool) (time.Time, error) {
	if immediate {
		return now.UTC(), nil
	}

	deliverAt, err := DeliveryInstantToday(now, tz, preferred)
	if err != nil {
		return time.Time{}, err
	}
	if deliverAt.Before(now) {
		return now.UTC(), nil
	}
	return deliverAt, nil
}
