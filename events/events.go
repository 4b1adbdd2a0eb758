// Package events is the C9 Event Stream: typed progress and lifecycle
// events emitted over the same pub-sub primitive the original prototype
// used for its UI (wails runtime.EventsEmit/EventsOn), narrowed here to
// just that primitive rather than the whole webview/bindings stack.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/wailsapp/wails/v2/pkg/runtime"
)

type Kind string

const (
	BackupStarted         Kind = "backup_started"
	BackupProgress        Kind = "backup_progress"
	BackupCompleted       Kind = "backup_completed"
	BackupFailed          Kind = "backup_failed"
	RestoreStarted        Kind = "restore_started"
	RestoreProgress       Kind = "restore_progress"
	RestoreCompleted      Kind = "restore_completed"
	RestoreFailed         Kind = "restore_failed"
	StorageConnected      Kind = "storage_connected"
	StorageDisconnected   Kind = "storage_disconnected"
	ConfigChanged         Kind = "config_changed"
	MissedRunsDiscovered  Kind = "missed_runs_discovered"
	ConflictDetected      Kind = "conflict_detected"
)

// Event is the envelope carried on every emission. RunID correlates
// every event from the same backup/restore run.
type Event struct {
	Kind      Kind           `json:"kind"`
	RunID     string         `json:"runId"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Bus throttles progress events to at most one per throttleInterval per
// run, while always letting non-progress (lifecycle) events through
// immediately — the same rationale the original manager.go had for
// its atomic-based progress debounce, generalized to a shared event bus.
type Bus struct {
	ctx               context.Context
	throttleInterval  time.Duration
	mu                sync.Mutex
	lastProgressEmit  map[string]time.Time
}

func NewBus(ctx context.Context) *Bus {
	return &Bus{
		ctx:              ctx,
		throttleInterval: 100 * time.Millisecond, // at most 10 progress events per second per run
		lastProgressEmit: make(map[string]time.Time),
	}
}

func (b *Bus) Emit(kind Kind, runID string, payload map[string]any) {
	if kind == BackupProgress || kind == RestoreProgress {
		if !b.allowProgress(runID) {
			return
		}
	}
	// runtime.EventsEmit panics when ctx carries no live wails
	// application (plain CLI runs, tests); guarded the same way
	// the original emitLog/emitProgress helpers were.
	defer func() { _ = recover() }()
	runtime.EventsEmit(b.ctx, string(kind), Event{
		Kind:      kind,
		RunID:     runID,
		Timestamp: time.Now(),
		Payload:   payload,
	})
}

func (b *Bus) allowProgress(runID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	if last, ok := b.lastProgressEmit[runID]; ok && now.Sub(last) < b.throttleInterval {
		return false
	}
	b.lastProgressEmit[runID] = now
	return true
}

// Forget drops the throttle state for a finished run.
func (b *Bus) Forget(runID string) {
	b.mu.Lock()
	delete(b.lastProgressEmit, runID)
	b.mu.Unlock()
}

// On subscribes to a single event kind, mirroring runtime.EventsOn.
func On(ctx context.Context, kind Kind, handler func(optionalData ...any)) {
	runtime.EventsOn(ctx, string(kind), handler)
}
