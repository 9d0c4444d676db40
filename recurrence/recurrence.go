// Package recurrence computes the next scheduled run of a project.
//
// All calculations happen in the project's own timezone and are converted to
// an absolute epoch at the end, so DST transitions shift the wall-clock
// instant rather than skipping or doubling a run.
package recurrence

import (
	"strconv"
	"strings"
	"time"

	"github.com/hexfield/digest/errors"
)

// Next returns the next occurrence of the schedule strictly after now, as
// epoch milliseconds. A zero return means no further occurrence (frequency
// "once"); the caller schedules a single delayed run instead.
//
// dayOfWeek (0=Sunday..6=Saturday) applies to weekly schedules; nil defaults
// to now's weekday in the project timezone. dayOfMonth (1-31) applies to
// monthly schedules; days past the end of a month clamp to the month's last
// day, so day 31 in a 30-day month runs on the 30th.
func Next(frequency, deliveryTime, timezone string, dayOfWeek, dayOfMonth *int, now time.Time) (int64, error) {
	if frequency == "once" {
		return 0, nil
	}

	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid timezone %q", timezone)
	}

	hour, minute, err := parseDeliveryTime(deliveryTime)
	if err != nil {
		return 0, err
	}

	local := now.In(loc)

	switch frequency {
	case "daily":
		return nextDaily(local, hour, minute, loc), nil
	case "weekly":
		target := int(local.Weekday())
		if dayOfWeek != nil {
			target = *dayOfWeek
		}
		if target < 0 || target > 6 {
			return 0, errors.Newf("day of week out of range: %d", target)
		}
		return nextWeekly(local, hour, minute, target, loc), nil
	case "monthly":
		target := local.Day()
		if dayOfMonth != nil {
			target = *dayOfMonth
		}
		if target < 1 || target > 31 {
			return 0, errors.Newf("day of month out of range: %d", target)
		}
		return nextMonthly(local, hour, minute, target, loc), nil
	default:
		return 0, errors.Newf("unknown frequency: %q", frequency)
	}
}

func nextDaily(local time.Time, hour, minute int, loc *time.Location) int64 {
	candidate := time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, loc)
	if !candidate.After(local) {
		candidate = time.Date(local.Year(), local.Month(), local.Day()+1, hour, minute, 0, 0, loc)
	}
	return candidate.UnixMilli()
}

func nextWeekly(local time.Time, hour, minute, targetWeekday int, loc *time.Location) int64 {
	daysAhead := (targetWeekday - int(local.Weekday()) + 7) % 7
	candidate := time.Date(local.Year(), local.Month(), local.Day()+daysAhead, hour, minute, 0, 0, loc)
	if !candidate.After(local) {
		candidate = time.Date(candidate.Year(), candidate.Month(), candidate.Day()+7, hour, minute, 0, 0, loc)
	}
	return candidate.UnixMilli()
}

func nextMonthly(local time.Time, hour, minute, targetDay int, loc *time.Location) int64 {
	candidate := monthlyOccurrence(local.Year(), local.Month(), targetDay, hour, minute, loc)
	if !candidate.After(local) {
		next := time.Date(local.Year(), local.Month()+1, 1, 0, 0, 0, 0, loc)
		candidate = monthlyOccurrence(next.Year(), next.Month(), targetDay, hour, minute, loc)
	}
	return candidate.UnixMilli()
}

// monthlyOccurrence places targetDay within the given month, clamping to the
// month's last day when the month is shorter.
func monthlyOccurrence(year int, month time.Month, targetDay, hour, minute int, loc *time.Location) time.Time {
	day := targetDay
	if last := daysInMonth(year, month); day > last {
		day = last
	}
	return time.Date(year, month, day, hour, minute, 0, 0, loc)
}

func daysInMonth(year int, month time.Month) int {
	// Day 0 of the next month is the last day of this month
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

func parseDeliveryTime(s string) (hour, minute int, err error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, 0, errors.Newf("invalid delivery time %q, expected HH:MM", s)
	}

	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, errors.Newf("invalid delivery hour in %q", s)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, errors.Newf("invalid delivery minute in %q", s)
	}

	return hour, minute, nil
}
