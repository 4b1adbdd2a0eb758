package restore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/scrat-backup/scrat/backup"
	"github.com/scrat-backup/scrat/core"
	"github.com/scrat-backup/scrat/events"
)

// Two incrementals writing the same path in quick succession can land in
// the same wall-clock second; allocateBackupID still keeps their ids
// strictly increasing, and resolveChain's oldest-first merge always lets
// the later chain member win regardless of how close their finished_at
// values are. This pins that last-writer-wins-by-chain-order behavior,
// which is how this implementation realizes spec.md's "ties broken by
// backup_id lexicographic order" rule.
func TestResolveChainLastWriterWinsOnRapidIncrementals(t *testing.T) {
	sourceDir := t.TempDir()
	destDir := t.TempDir()
	restoreDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(sourceDir, "a.txt"), []byte("v1"), 0o644))

	store := newTestStore(t)
	srcID, dstID := registerSourceAndDest(t, store, sourceDir, destDir)
	bus := events.NewBus(context.Background())
	backupEngine := backup.NewEngine(store, bus)
	restoreEngine := NewEngine(store, bus)

	fullID, err := backupEngine.Run(context.Background(), backup.Request{
		SourceID: srcID, DestinationID: dstID, Passphrase: "correct horse",
		Algorithm: core.AlgoAES256GCM, Compression: core.CompressionFast,
	})
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(sourceDir, "a.txt"), []byte("v2"), 0o644))
	incID1, err := backupEngine.Run(context.Background(), backup.Request{
		SourceID: srcID, DestinationID: dstID, Passphrase: "correct horse",
		Algorithm: core.AlgoAES256GCM, Compression: core.CompressionFast,
	})
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(sourceDir, "a.txt"), []byte("v3, the latest write"), 0o644))
	incID2, err := backupEngine.Run(context.Background(), backup.Request{
		SourceID: srcID, DestinationID: dstID, Passphrase: "correct horse",
		Algorithm: core.AlgoAES256GCM, Compression: core.CompressionFast,
	})
	require.NoError(t, err)

	// ids must strictly increase even when minted within the same second.
	require.True(t, fullID < incID1)
	require.True(t, incID1 < incID2)

	_, err = restoreEngine.Run(context.Background(), Request{
		BackupID: incID2, TargetDir: restoreDir, Passphrase: "correct horse",
	})
	require.NoError(t, err)

	got, err := os.ReadFile(filepath.Join(restoreDir, "a.txt"))
	require.NoError(t, err)
	require.Equal(t, "v3, the latest write", string(got))
}
