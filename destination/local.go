package destination

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

// Local is the simplest Destination: a directory on the machine running
// the engine, or a mounted network share (used for smb.go below).
type Local struct {
	Root string
}

func NewLocal(root string) *Local { return &Local{Root: root} }

func (l *Local) Kind() string { return string(KindLocal) }

func (l *Local) Connect(ctx context.Context) error {
	return os.MkdirAll(l.Root, 0o755)
}

func (l *Local) resolve(key string) (string, error) {
	clean := filepath.Clean("/" + key)
	full := filepath.Join(l.Root, clean)
	if !strings.HasPrefix(full, filepath.Clean(l.Root)+string(filepath.Separator)) && full != filepath.Clean(l.Root) {
		return "", fmt.Errorf("key escapes destination root: %s", key)
	}
	return full, nil
}

func (l *Local) PutStream(ctx context.Context, key string, r io.Reader) error {
	path, err := l.resolve(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir for %s: %w", key, err)
	}
	tmp := path + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create %s: %w", key, err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write %s: %w", key, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("finalize %s: %w", key, err)
	}
	return nil
}

func (l *Local) GetStream(ctx context.Context, key string) (io.ReadCloser, error) {
	path, err := l.resolve(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", key, err)
	}
	return f, nil
}

func (l *Local) List(ctx context.Context, prefix string) ([]string, error) {
	base, err := l.resolve(prefix)
	if err != nil {
		return nil, err
	}
	var keys []string
	err = filepath.Walk(filepath.Dir(base), func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(l.Root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if strings.HasPrefix(rel, strings.TrimPrefix(prefix, "/")) {
			keys = append(keys, rel)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}
	return keys, nil
}

func (l *Local) Delete(ctx context.Context, key string) error {
	path, err := l.resolve(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (l *Local) Stat(ctx context.Context, key string) (Info, error) {
	path, err := l.resolve(key)
	if err != nil {
		return Info{}, err
	}
	fi, err := os.Stat(path)
	if err != nil {
		return Info{}, fmt.Errorf("stat %s: %w", key, err)
	}
	return Info{Key: key, Size: fi.Size(), ModTime: fi.ModTime()}, nil
}

func (l *Local) FreeSpace(ctx context.Context) (int64, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(l.Root, &stat); err != nil {
		return -1, nil
	}
	return int64(stat.Bavail) * int64(stat.Bsize), nil
}

func (l *Local) Test(ctx context.Context) error {
	probe := filepath.Join(l.Root, fmt.Sprintf(".scrat-probe-%d", time.Now().UnixNano()))
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return fmt.Errorf("destination not writable: %w", err)
	}
	return os.Remove(probe)
}

func (l *Local) Close() error { return nil }
