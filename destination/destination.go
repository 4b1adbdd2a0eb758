// Package destination implements the C1 Destination Interface: a single
// object-store-like contract that every backup/restore operation goes
// through regardless of where the bytes actually live.
package destination

import (
	"context"
	"io"
	"time"
)

// Info describes one stored object.
type Info struct {
	Key     string
	Size    int64
	ModTime time.Time
}

// Destination is the uniform contract C1 exposes to the backup and
// restore engines. Every method takes a context so a slow remote
// transport can be cancelled alongside the rest of a run.
type Destination interface {
	// Kind identifies the destination variant for logging and errors.
	Kind() string
	// Connect establishes whatever session/connection the destination
	// needs; idempotent, safe to call again after Close.
	Connect(ctx context.Context) error
	// PutStream uploads r under key, replacing any existing object.
	PutStream(ctx context.Context, key string, r io.Reader) error
	// GetStream opens key for reading; caller must Close the result.
	GetStream(ctx context.Context, key string) (io.ReadCloser, error)
	// List returns every key with the given prefix.
	List(ctx context.Context, prefix string) ([]string, error)
	// Delete removes key; missing keys are not an error.
	Delete(ctx context.Context, key string) error
	// Stat returns metadata for key.
	Stat(ctx context.Context, key string) (Info, error)
	// FreeSpace reports remaining capacity in bytes, or -1 if unknown.
	FreeSpace(ctx context.Context) (int64, error)
	// Test verifies the destination is reachable and writable.
	Test(ctx context.Context) error
	Close() error
}

// Kind enumerates the destination variants the engine ships with.
type Kind string

const (
	KindLocal             Kind = "local"
	KindSFTP              Kind = "sftp"
	KindSMB               Kind = "smb"
	KindWebDAV            Kind = "webdav"
	KindShelledMultiCloud Kind = "shelled_multi_cloud"
)

// RetryPolicy governs retries for TransientIOError-classified failures
// against remote destinations: 3 attempts, base delay 2s, capped at 30s.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy matches the engine's error-handling design.
var DefaultRetryPolicy = RetryPolicy{MaxAttempts: 3, BaseDelay: 2 * time.Second, MaxDelay: 30 * time.Second}

func (p RetryPolicy) delayFor(attempt int) time.Duration {
	d := p.BaseDelay
	for i := 0; i < attempt; i++ {
		d *= 2
		if d > p.MaxDelay {
			return p.MaxDelay
		}
	}
	return d
}
