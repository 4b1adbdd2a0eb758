package scanner

// PriorFile is the slice of a prior backup's BackupFile row the scanner
// needs to decide whether a path changed: size and mtime only, never a
// content hash.
type PriorFile struct {
	RelPath string
	Size    int64
	ModTime int64
}

// ChangeSet is the result of diffing a fresh scan against the file state
// recorded by the chain of backups an incremental is based on.
type ChangeSet struct {
	Changed []Entry // new or modified regular files and new directories/symlinks
	Deleted []string
}

// Diff compares entries against prior (the reconstructed last-known
// state of every relative path from the incremental chain) and reports
// what changed. A file is considered changed if its size or mtime
// differs, or if it didn't previously exist; a directory or symlink
// entry is "changed" whenever it didn't previously exist, since the
// engine doesn't version directory metadata beyond presence.
func Diff(entries []Entry, prior map[string]PriorFile) ChangeSet {
	var cs ChangeSet
	seen := make(map[string]struct{}, len(entries))

	for _, e := range entries {
		seen[e.RelPath] = struct{}{}
		p, existed := prior[e.RelPath]
		switch {
		case e.IsDir || e.IsLink:
			if !existed {
				cs.Changed = append(cs.Changed, e)
			}
		default:
			if !existed || p.Size != e.Size || p.ModTime != e.ModTime {
				cs.Changed = append(cs.Changed, e)
			}
		}
	}

	for relPath := range prior {
		if _, ok := seen[relPath]; !ok {
			cs.Deleted = append(cs.Deleted, relPath)
		}
	}

	return cs
}
