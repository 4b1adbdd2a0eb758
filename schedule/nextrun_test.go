package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/scrat-backup/scrat/metadata"
)

func TestComputeNextRunDaily(t *testing.T) {
	sc := metadata.Schedule{Frequency: metadata.FrequencyDaily, AtHour: 2, AtMinute: 30}
	after := time.Date(2026, 7, 30, 10, 0, 0, 0, time.UTC)
	next, err := computeNextRun(sc, after)
	require.NoError(t, err)
	require.Equal(t, time.Date(2026, 7, 31, 2, 30, 0, 0, time.UTC), next)
}

func TestComputeNextRunWeekly(t *testing.T) {
	// DayOfWeek 0 = Sunday, matching cron's convention.
	sc := metadata.Schedule{Frequency: metadata.FrequencyWeekly, AtHour: 3, AtMinute: 0, DayOfWeek: 0}
	after := time.Date(2026, 7, 30, 10, 0, 0, 0, time.UTC) // a Thursday
	next, err := computeNextRun(sc, after)
	require.NoError(t, err)
	require.Equal(t, time.August, next.Month())
	require.Equal(t, 2, next.Day())
	require.Equal(t, time.Sunday, next.Weekday())
}

func TestComputeNextRunMonthlyClampsShortMonth(t *testing.T) {
	sc := metadata.Schedule{Frequency: metadata.FrequencyMonthly, AtHour: 1, AtMinute: 0, DayOfMonth: 31}
	after := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC) // February has 28 days in 2026
	next, err := computeNextRun(sc, after)
	require.NoError(t, err)
	require.Equal(t, time.Date(2026, 2, 28, 1, 0, 0, 0, time.UTC), next)
}

func TestComputeNextRunMonthlyRollsToNextMonth(t *testing.T) {
	sc := metadata.Schedule{Frequency: metadata.FrequencyMonthly, AtHour: 1, AtMinute: 0, DayOfMonth: 15}
	after := time.Date(2026, 3, 15, 2, 0, 0, 0, time.UTC) // already past this month's occurrence
	next, err := computeNextRun(sc, after)
	require.NoError(t, err)
	require.Equal(t, time.Date(2026, 4, 15, 1, 0, 0, 0, time.UTC), next)
}

func TestComputeNextRunStartupShutdownAreNotPeriodic(t *testing.T) {
	after := time.Now()
	for _, freq := range []metadata.Frequency{metadata.FrequencyStartup, metadata.FrequencyShutdown} {
		next, err := computeNextRun(metadata.Schedule{Frequency: freq}, after)
		require.NoError(t, err)
		require.True(t, next.IsZero())
	}
}
