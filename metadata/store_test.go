package metadata

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBackupLifecycleAndRotationGuard(t *testing.T) {
	s := openTestStore(t)

	src := Source{ID: "src1", Name: "home", RootsJSON: `["/home/me"]`, FiltersJSON: `{}`, Enabled: true, CreatedAt: time.Now()}
	require.NoError(t, s.InsertSource(src))
	dst := Destination{ID: "dst1", Name: "local", Kind: "local", ConfigJSON: `{}`, CreatedAt: time.Now()}
	require.NoError(t, s.InsertDestination(dst))

	full := Backup{
		ID: "b1", SourceID: src.ID, DestinationID: dst.ID, BackupType: BackupTypeFull,
		Status: BackupStatusRunning, Algorithm: 1, Compression: "fast", Salt: []byte("01234567890123456789012345678901"),
		Verifier: "abcd", KDFIterations: 200000, StartedAt: time.Now(),
	}
	require.NoError(t, s.InsertBackup(full))
	require.NoError(t, s.FinishBackup("b1", BackupStatusCompleted, 10, 1000, time.Now(), ""))

	incBase := "b1"
	inc := Backup{
		ID: "b2", SourceID: src.ID, DestinationID: dst.ID, BackupType: BackupTypeIncremental,
		BaseBackupID: &incBase, Status: BackupStatusRunning, Algorithm: 1, Compression: "fast",
		Salt: full.Salt, Verifier: "abcd", KDFIterations: 200000, StartedAt: time.Now(),
	}
	require.NoError(t, s.InsertBackup(inc))

	referenced, err := s.IsReferencedAsBase("b1")
	require.NoError(t, err)
	require.True(t, referenced)

	referenced, err = s.IsReferencedAsBase("b2")
	require.NoError(t, err)
	require.False(t, referenced)

	got, err := s.GetBackup("b1")
	require.NoError(t, err)
	require.Equal(t, BackupStatusCompleted, got.Status)
	require.Equal(t, int64(10), got.FileCount)

	list, err := s.ListBackupsForDestination("dst1")
	require.NoError(t, err)
	require.Len(t, list, 2)
}

func TestBackupFilesAndPriorState(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.InsertSource(Source{ID: "src1", Name: "n", RootsJSON: "[]", FiltersJSON: "{}", CreatedAt: time.Now()}))
	require.NoError(t, s.InsertDestination(Destination{ID: "dst1", Name: "n", Kind: "local", ConfigJSON: "{}", CreatedAt: time.Now()}))
	require.NoError(t, s.InsertBackup(Backup{
		ID: "b1", SourceID: "src1", DestinationID: "dst1", BackupType: BackupTypeFull,
		Status: BackupStatusCompleted, Algorithm: 1, Compression: "fast", Salt: []byte("x"), Verifier: "v",
		KDFIterations: 200000, StartedAt: time.Now(),
	}))
	require.NoError(t, s.InsertArchive(Archive{ID: "a1", BackupID: "b1", Sequence: 0, DestinationKey: "seg-0", IVSeed: []byte("seed")}))
	require.NoError(t, s.InsertBackupFile(BackupFile{
		BackupID: "b1", ArchiveID: "a1", RelativePath: "a.txt", SourceRoot: "/home/me",
		ByteOffset: 0, ByteLength: 40, Size: 10, Mode: 0o644, ModTimeUnixNano: 123,
	}))

	prior, err := s.PriorFileState([]string{"b1"}, "/home/me")
	require.NoError(t, err)
	require.Contains(t, prior, "a.txt")
	require.Equal(t, int64(10), prior["a.txt"].Size)

	versions, err := s.FindFileVersions([]string{"b1"}, "/home/me", "a.txt")
	require.NoError(t, err)
	require.Len(t, versions, 1)
	require.Equal(t, "a1", versions[0].ArchiveID)
}
