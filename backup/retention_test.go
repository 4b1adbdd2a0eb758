package backup

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/scrat-backup/scrat/core"
	"github.com/scrat-backup/scrat/events"
	"github.com/scrat-backup/scrat/metadata"
)

func TestRetentionPrunesUnreferencedOldBackups(t *testing.T) {
	sourceDir := t.TempDir()
	destDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(sourceDir, "a.txt"), []byte("hello"), 0o644))

	store := newTestStore(t)
	srcID, dstID := registerSourceAndDest(t, store, sourceDir, destDir)
	scheduleID := "sch1"
	require.NoError(t, store.UpsertSchedule(metadata.Schedule{
		ID: scheduleID, SourceID: srcID, DestinationID: dstID, Frequency: metadata.FrequencyDaily,
		RetentionJSON: `{"keepCount":1}`, Enabled: true, CreatedAt: time.Now(),
	}))

	bus := events.NewBus(context.Background())
	engine := NewEngine(store, bus)

	firstID, err := engine.Run(context.Background(), Request{
		SourceID: srcID, DestinationID: dstID, ScheduleID: &scheduleID, Passphrase: "correct horse",
		Algorithm: core.AlgoAES256GCM, Compression: core.CompressionFast,
	})
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(sourceDir, "b.txt"), []byte("world"), 0o644))

	secondID, err := engine.Run(context.Background(), Request{
		SourceID: srcID, DestinationID: dstID, ScheduleID: &scheduleID, Passphrase: "correct horse",
		ForceFull: true, Algorithm: core.AlgoAES256GCM, Compression: core.CompressionFast,
	})
	require.NoError(t, err)

	// The first, independent full backup is no one's base, so it falls
	// outside keepCount=1 and gets pruned once the second full completes.
	_, err = store.GetBackup(firstID)
	require.ErrorIs(t, err, metadata.ErrNotFound)

	kept, err := store.GetBackup(secondID)
	require.NoError(t, err)
	require.Equal(t, metadata.BackupStatusCompleted, kept.Status)
}

func TestRetentionKeepsBackupsReferencedAsBase(t *testing.T) {
	sourceDir := t.TempDir()
	destDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(sourceDir, "a.txt"), []byte("hello"), 0o644))

	store := newTestStore(t)
	srcID, dstID := registerSourceAndDest(t, store, sourceDir, destDir)
	scheduleID := "sch1"
	require.NoError(t, store.UpsertSchedule(metadata.Schedule{
		ID: scheduleID, SourceID: srcID, DestinationID: dstID, Frequency: metadata.FrequencyDaily,
		RetentionJSON: `{"keepCount":1}`, Enabled: true, CreatedAt: time.Now(),
	}))

	bus := events.NewBus(context.Background())
	engine := NewEngine(store, bus)

	fullID, err := engine.Run(context.Background(), Request{
		SourceID: srcID, DestinationID: dstID, ScheduleID: &scheduleID, Passphrase: "correct horse",
		Algorithm: core.AlgoAES256GCM, Compression: core.CompressionFast,
	})
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(sourceDir, "a.txt"), []byte("hello again"), 0o644))

	incID, err := engine.Run(context.Background(), Request{
		SourceID: srcID, DestinationID: dstID, ScheduleID: &scheduleID, Passphrase: "correct horse",
		Algorithm: core.AlgoAES256GCM, Compression: core.CompressionFast,
	})
	require.NoError(t, err)

	// fullID is incID's base, so it survives retention even though
	// keepCount=1 would otherwise put it outside the kept window.
	full, err := store.GetBackup(fullID)
	require.NoError(t, err)
	require.Equal(t, metadata.BackupStatusCompleted, full.Status)

	inc, err := store.GetBackup(incID)
	require.NoError(t, err)
	require.Equal(t, fullID, *inc.BaseBackupID)
}
