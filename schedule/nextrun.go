package schedule

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/scrat-backup/scrat/metadata"
)

// computeNextRun returns the next time sc should fire strictly after
// after, or the zero time for frequencies with no periodic schedule
// (startup/shutdown fire from lifecycle hooks, not a clock).
func computeNextRun(sc metadata.Schedule, after time.Time) (time.Time, error) {
	switch sc.Frequency {
	case metadata.FrequencyDaily:
		return cronNext(fmt.Sprintf("%d %d * * *", sc.AtMinute, sc.AtHour), after)
	case metadata.FrequencyWeekly:
		return cronNext(fmt.Sprintf("%d %d * * %d", sc.AtMinute, sc.AtHour, sc.DayOfWeek), after)
	case metadata.FrequencyMonthly:
		return nextMonthly(sc, after), nil
	case metadata.FrequencyStartup, metadata.FrequencyShutdown:
		return time.Time{}, nil
	default:
		return time.Time{}, fmt.Errorf("unknown schedule frequency %q", sc.Frequency)
	}
}

func cronNext(expr string, after time.Time) (time.Time, error) {
	s, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", expr, err)
	}
	return s.Next(after), nil
}

// nextMonthly returns the next occurrence of sc.DayOfMonth at
// AtHour:AtMinute strictly after after, clamping to the last day of a
// shorter month rather than skipping it the way a bare cron DOM field
// would (a monthly schedule pinned to the 31st should still fire every
// month, on the 30th or 28th/29th where that month has no 31st).
func nextMonthly(sc metadata.Schedule, after time.Time) time.Time {
	candidate := clampedMonthlyTime(after.Year(), int(after.Month()), sc, after.Location())
	if candidate.After(after) {
		return candidate
	}
	year, month := after.Year(), int(after.Month())+1
	if month > 12 {
		month = 1
		year++
	}
	return clampedMonthlyTime(year, month, sc, after.Location())
}

func clampedMonthlyTime(year, month int, sc metadata.Schedule, loc *time.Location) time.Time {
	lastDay := daysInMonth(year, month)
	day := sc.DayOfMonth
	if day <= 0 || day > lastDay {
		day = lastDay
	}
	return time.Date(year, time.Month(month), day, sc.AtHour, sc.AtMinute, 0, 0, loc)
}

func daysInMonth(year, month int) int {
	return time.Date(year, time.Month(month+1), 0, 0, 0, 0, 0, time.UTC).Day()
}
