package schedule

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/scrat-backup/scrat/backup"
	"github.com/scrat-backup/scrat/destination"
	"github.com/scrat-backup/scrat/events"
	"github.com/scrat-backup/scrat/metadata"
)

func newTestStore(t *testing.T) *metadata.Store {
	t.Helper()
	s, err := metadata.Open(filepath.Join(t.TempDir(), "scrat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStartFiresStartupScheduleImmediately(t *testing.T) {
	sourceDir := t.TempDir()
	destDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(sourceDir, "a.txt"), []byte("hello"), 0o644))

	store := newTestStore(t)
	rootsBytes, err := json.Marshal([]string{sourceDir})
	require.NoError(t, err)
	require.NoError(t, store.InsertSource(metadata.Source{
		ID: "src1", Name: "home", RootsJSON: string(rootsBytes), FiltersJSON: "{}", Enabled: true, CreatedAt: time.Now(),
	}))
	require.NoError(t, store.InsertDestination(metadata.Destination{
		ID: "dst1", Name: "local", Kind: string(destination.KindLocal),
		ConfigJSON: `{"kind":"local","root":"` + destDir + `"}`, CreatedAt: time.Now(),
	}))
	require.NoError(t, store.UpsertSchedule(metadata.Schedule{
		ID: "sch1", SourceID: "src1", DestinationID: "dst1", Frequency: metadata.FrequencyStartup,
		Enabled: true, CreatedAt: time.Now(),
	}))

	bus := events.NewBus(context.Background())
	engine := backup.NewEngine(store, bus)
	sched := NewScheduler(store, engine, bus)
	sched.SetPassphrase("src1", "correct horse")

	require.NoError(t, sched.Start(context.Background()))
	t.Cleanup(sched.Stop)

	require.Eventually(t, func() bool {
		backups, err := store.ListBackupsForDestination("dst1")
		return err == nil && len(backups) == 1 && backups[0].Status == metadata.BackupStatusCompleted
	}, 2*time.Second, 20*time.Millisecond)
}

func TestStartRecoversMissedDailySchedule(t *testing.T) {
	sourceDir := t.TempDir()
	destDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(sourceDir, "a.txt"), []byte("hello"), 0o644))

	store := newTestStore(t)
	rootsBytes, err := json.Marshal([]string{sourceDir})
	require.NoError(t, err)
	require.NoError(t, store.InsertSource(metadata.Source{
		ID: "src1", Name: "home", RootsJSON: string(rootsBytes), FiltersJSON: "{}", Enabled: true, CreatedAt: time.Now(),
	}))
	require.NoError(t, store.InsertDestination(metadata.Destination{
		ID: "dst1", Name: "local", Kind: string(destination.KindLocal),
		ConfigJSON: `{"kind":"local","root":"` + destDir + `"}`, CreatedAt: time.Now(),
	}))
	// A daily schedule whose next run was yesterday: simulates the
	// process having been down when it should have fired.
	yesterday := time.Now().Add(-24 * time.Hour)
	require.NoError(t, store.UpsertSchedule(metadata.Schedule{
		ID: "sch1", SourceID: "src1", DestinationID: "dst1", Frequency: metadata.FrequencyDaily,
		AtHour: 2, AtMinute: 0, Enabled: true, CreatedAt: time.Now(),
	}))
	require.NoError(t, store.SetScheduleRunTimes("sch1", time.Time{}, yesterday))

	bus := events.NewBus(context.Background())
	engine := backup.NewEngine(store, bus)
	sched := NewScheduler(store, engine, bus)
	sched.SetPassphrase("src1", "correct horse")

	require.NoError(t, sched.Start(context.Background()))
	t.Cleanup(sched.Stop)

	require.Eventually(t, func() bool {
		backups, err := store.ListBackupsForDestination("dst1")
		return err == nil && len(backups) == 1
	}, 2*time.Second, 20*time.Millisecond)
}
