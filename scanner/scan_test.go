package scanner

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path string, contents string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
}

func TestScanFiltersAndSorts(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "b.txt"), "bbb")
	writeFile(t, filepath.Join(dir, "a.txt"), "a")
	writeFile(t, filepath.Join(dir, "skip.tmp"), "nope")

	res, err := Scan(context.Background(), []string{dir}, FilterConfig{
		ExcludeNames: []string{"*.tmp"},
		MaxSize:      -1,
	})
	require.NoError(t, err)

	var rels []string
	for _, e := range res.Entries {
		rels = append(rels, e.RelPath)
	}
	require.Equal(t, []string{"a.txt", "b.txt"}, rels)
	require.Equal(t, 2, res.FileCount)
}

func TestScanNoRootsFails(t *testing.T) {
	_, err := Scan(context.Background(), nil, FilterConfig{})
	require.ErrorIs(t, err, ErrNoFilesSelected)
}

func TestDiffDetectsChangedAndDeleted(t *testing.T) {
	entries := []Entry{
		{RelPath: "keep.txt", Size: 10, ModTime: 100},
		{RelPath: "changed.txt", Size: 20, ModTime: 200},
		{RelPath: "new.txt", Size: 5, ModTime: 300},
	}
	prior := map[string]PriorFile{
		"keep.txt":    {RelPath: "keep.txt", Size: 10, ModTime: 100},
		"changed.txt": {RelPath: "changed.txt", Size: 99, ModTime: 200},
		"gone.txt":    {RelPath: "gone.txt", Size: 1, ModTime: 1},
	}

	cs := Diff(entries, prior)

	var changedPaths []string
	for _, e := range cs.Changed {
		changedPaths = append(changedPaths, e.RelPath)
	}
	require.ElementsMatch(t, []string{"changed.txt", "new.txt"}, changedPaths)
	require.Equal(t, []string{"gone.txt"}, cs.Deleted)
}
