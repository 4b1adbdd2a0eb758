package backup

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/scrat-backup/scrat/core"
	"github.com/scrat-backup/scrat/destination"
	"github.com/scrat-backup/scrat/errs"
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

func registerSourceAndDest(t *testing.T, store *metadata.Store, sourceDir, destDir string) (string, string) {
	t.Helper()
	srcID, dstID := "src1", "dst1"
	rootsBytes, err := json.Marshal([]string{sourceDir})
	require.NoError(t, err)
	require.NoError(t, store.InsertSource(metadata.Source{
		ID: srcID, Name: "home", RootsJSON: string(rootsBytes), FiltersJSON: "{}", Enabled: true, CreatedAt: time.Now(),
	}))
	cfg := `{"kind":"local","root":"` + destDir + `"}`
	require.NoError(t, store.InsertDestination(metadata.Destination{
		ID: dstID, Name: "local", Kind: string(destination.KindLocal), ConfigJSON: cfg, CreatedAt: time.Now(),
	}))
	return srcID, dstID
}

func TestFullThenIncrementalBackup(t *testing.T) {
	sourceDir := t.TempDir()
	destDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(sourceDir, "a.txt"), []byte("hello"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(sourceDir, "b.txt"), []byte("world!!"), 0o644))

	store := newTestStore(t)
	srcID, dstID := registerSourceAndDest(t, store, sourceDir, destDir)

	bus := events.NewBus(context.Background())
	engine := NewEngine(store, bus)

	fullID, err := engine.Run(context.Background(), Request{
		SourceID: srcID, DestinationID: dstID, Passphrase: "correct horse",
		Algorithm: core.AlgoAES256GCM, Compression: core.CompressionFast,
	})
	require.NoError(t, err)
	require.NotEmpty(t, fullID)

	full, err := store.GetBackup(fullID)
	require.NoError(t, err)
	require.Equal(t, metadata.BackupTypeFull, full.BackupType)
	require.Equal(t, metadata.BackupStatusCompleted, full.Status)
	require.Equal(t, int64(2), full.FileCount)

	entries, err := os.ReadDir(destDir)
	require.NoError(t, err)
	require.NotEmpty(t, entries)

	// Mutate the source: change one file, delete the other, add a new one.
	require.NoError(t, os.WriteFile(filepath.Join(sourceDir, "a.txt"), []byte("hello again, much longer now"), 0o644))
	require.NoError(t, os.Remove(filepath.Join(sourceDir, "b.txt")))
	require.NoError(t, os.WriteFile(filepath.Join(sourceDir, "c.txt"), []byte("new"), 0o644))

	incID, err := engine.Run(context.Background(), Request{
		SourceID: srcID, DestinationID: dstID, Passphrase: "correct horse",
		Algorithm: core.AlgoAES256GCM, Compression: core.CompressionFast,
	})
	require.NoError(t, err)

	inc, err := store.GetBackup(incID)
	require.NoError(t, err)
	require.Equal(t, metadata.BackupTypeIncremental, inc.BackupType)
	require.NotNil(t, inc.BaseBackupID)
	require.Equal(t, fullID, *inc.BaseBackupID)
	require.Equal(t, int64(2), inc.FileCount) // a.txt (changed) + c.txt (new)

	files, err := store.ListFilesForBackup(incID)
	require.NoError(t, err)
	var sawDeletedB bool
	for _, f := range files {
		if f.RelativePath == "b.txt" && f.Deleted {
			sawDeletedB = true
		}
	}
	require.True(t, sawDeletedB)

	chain, err := engine.chainIDs(incID)
	require.NoError(t, err)
	require.Equal(t, []string{fullID, incID}, chain)
}

func TestIncrementalRejectsWrongPassphrase(t *testing.T) {
	sourceDir := t.TempDir()
	destDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(sourceDir, "a.txt"), []byte("hello"), 0o644))

	store := newTestStore(t)
	srcID, dstID := registerSourceAndDest(t, store, sourceDir, destDir)
	bus := events.NewBus(context.Background())
	engine := NewEngine(store, bus)

	_, err := engine.Run(context.Background(), Request{
		SourceID: srcID, DestinationID: dstID, Passphrase: "correct horse",
		Algorithm: core.AlgoAES256GCM, Compression: core.CompressionFast,
	})
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(sourceDir, "a.txt"), []byte("changed"), 0o644))

	_, err = engine.Run(context.Background(), Request{
		SourceID: srcID, DestinationID: dstID, Passphrase: "wrong passphrase",
		Algorithm: core.AlgoAES256GCM, Compression: core.CompressionFast,
	})
	require.Error(t, err)
	var passErr *errs.PassphraseError
	require.ErrorAs(t, err, &passErr)
}

func TestFullBackupIDIsSortableTimestamp(t *testing.T) {
	sourceDir := t.TempDir()
	destDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(sourceDir, "a.txt"), []byte("hello"), 0o644))

	store := newTestStore(t)
	srcID, dstID := registerSourceAndDest(t, store, sourceDir, destDir)
	bus := events.NewBus(context.Background())
	engine := NewEngine(store, bus)

	fullID, err := engine.Run(context.Background(), Request{
		SourceID: srcID, DestinationID: dstID, Passphrase: "correct horse",
		Algorithm: core.AlgoAES256GCM, Compression: core.CompressionFast,
	})
	require.NoError(t, err)
	require.Regexp(t, `^\d{8}_\d{6}_full$`, fullID)
}

func TestRunWritesManifestAndRecoveryInfoToDestination(t *testing.T) {
	sourceDir := t.TempDir()
	destDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(sourceDir, "a.txt"), []byte("hello"), 0o644))

	store := newTestStore(t)
	srcID, dstID := registerSourceAndDest(t, store, sourceDir, destDir)
	bus := events.NewBus(context.Background())
	engine := NewEngine(store, bus)

	backupID, err := engine.Run(context.Background(), Request{
		SourceID: srcID, DestinationID: dstID, Passphrase: "correct horse",
		Algorithm: core.AlgoAES256GCM, Compression: core.CompressionFast,
	})
	require.NoError(t, err)

	manifestPath := filepath.Join(destDir, "scrat-backup", "backups", backupID, "manifest.json.enc")
	require.FileExists(t, manifestPath)

	segmentPath := filepath.Join(destDir, "scrat-backup", "backups", backupID, "data.001.scrat")
	require.FileExists(t, segmentPath)

	require.FileExists(t, filepath.Join(destDir, "scrat-backup", "recovery_info.txt"))

	archives, err := store.ListArchives(backupID)
	require.NoError(t, err)
	require.Len(t, archives, 1)
	require.Equal(t, 1, archives[0].Sequence)
}

func TestEmptySourceCompletesAsEmptyBackup(t *testing.T) {
	sourceDir := t.TempDir()
	destDir := t.TempDir()

	store := newTestStore(t)
	srcID, dstID := registerSourceAndDest(t, store, sourceDir, destDir)
	bus := events.NewBus(context.Background())
	engine := NewEngine(store, bus)

	backupID, err := engine.Run(context.Background(), Request{
		SourceID: srcID, DestinationID: dstID, Passphrase: "correct horse",
		Algorithm: core.AlgoAES256GCM, Compression: core.CompressionFast,
	})
	require.NoError(t, err)

	b, err := store.GetBackup(backupID)
	require.NoError(t, err)
	require.Equal(t, metadata.BackupStatusCompleted, b.Status)
	require.Equal(t, int64(0), b.FileCount)
}

func TestNoChangesReturnsErrNoChanges(t *testing.T) {
	sourceDir := t.TempDir()
	destDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(sourceDir, "a.txt"), []byte("hello"), 0o644))

	store := newTestStore(t)
	srcID, dstID := registerSourceAndDest(t, store, sourceDir, destDir)
	bus := events.NewBus(context.Background())
	engine := NewEngine(store, bus)

	_, err := engine.Run(context.Background(), Request{
		SourceID: srcID, DestinationID: dstID, Passphrase: "correct horse",
		Algorithm: core.AlgoAES256GCM, Compression: core.CompressionFast,
	})
	require.NoError(t, err)

	_, err = engine.Run(context.Background(), Request{
		SourceID: srcID, DestinationID: dstID, Passphrase: "correct horse",
		Algorithm: core.AlgoAES256GCM, Compression: core.CompressionFast,
	})
	require.ErrorIs(t, err, errs.ErrNoChanges)
}
