// Package schedule is the C8 Scheduler: it fires backup runs on a
// per-Schedule cadence (daily/weekly/monthly, plus startup/shutdown
// lifecycle hooks) and recovers missed runs from however long the
// process was down, the way the teacher's core/taskrunner.go combined a
// cron runner with a source-watch trigger into one runner. Unlike the
// teacher's one-cron-entry-per-task design, schedules are resolved to
// next-run timestamps stored in the metadata store and checked on a
// single wake loop, so a crashed or stopped process catches up on
// whatever it missed the next time it starts rather than silently
// skipping it.
package schedule

import (
	"context"
	"errors"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/scrat-backup/scrat/backup"
	"github.com/scrat-backup/scrat/errs"
	"github.com/scrat-backup/scrat/events"
	"github.com/scrat-backup/scrat/metadata"
)

const (
	wakeInterval  = 60 * time.Second
	watchDebounce = 500 * time.Millisecond
	jobQueueDepth = 32
)

type job struct {
	sc metadata.Schedule
}

type watchState struct {
	watcher  *fsnotify.Watcher
	done     chan struct{}
	debounce *time.Timer
}

// Scheduler drives every enabled Schedule against a shared backup.Engine.
type Scheduler struct {
	Store  *metadata.Store
	Engine *backup.Engine
	Events *events.Bus

	mu          sync.Mutex
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	jobs        chan job
	watchers    map[string]*watchState
	passphrases map[string]string
}

func NewScheduler(store *metadata.Store, engine *backup.Engine, bus *events.Bus) *Scheduler {
	return &Scheduler{
		Store:       store,
		Engine:      engine,
		Events:      bus,
		jobs:        make(chan job, jobQueueDepth),
		watchers:    make(map[string]*watchState),
		passphrases: make(map[string]string),
	}
}

// SetPassphrase registers the passphrase used for a source's scheduled
// and watch-triggered runs; a Schedule row never stores one itself.
func (s *Scheduler) SetPassphrase(sourceID, passphrase string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.passphrases[sourceID] = passphrase
}

// Start begins the wake loop, fires startup-frequency schedules once,
// recovers any schedule whose next run time has already passed, and
// arms fsnotify watches for every watch-enabled source.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return nil
	}
	runnerCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(2)
	go s.runWorker(runnerCtx)
	go s.wakeLoop(runnerCtx)

	if err := s.startWatches(); err != nil {
		log.Printf("scheduler: start watches: %v", err)
	}

	schedules, err := s.Store.ListSchedules()
	if err != nil {
		return err
	}
	now := time.Now()
	for _, sc := range schedules {
		if !sc.Enabled {
			continue
		}
		switch sc.Frequency {
		case metadata.FrequencyStartup:
			s.enqueue(sc)
		case metadata.FrequencyShutdown:
			// fires from Stop, not here
		default:
			if sc.NextRunAt == nil {
				if err := s.scheduleNext(sc, now); err != nil {
					log.Printf("scheduler: schedule %s: %v", sc.ID, err)
				}
			} else if !sc.NextRunAt.After(now) {
				s.enqueue(sc) // missed run(s) while the process was down
			}
		}
	}
	return nil
}

// Stop runs every enabled shutdown-frequency schedule synchronously,
// then tears down the wake loop and every watch.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}

	if schedules, err := s.Store.ListSchedules(); err == nil {
		for _, sc := range schedules {
			if sc.Enabled && sc.Frequency == metadata.FrequencyShutdown {
				s.runNow(context.Background(), sc)
			}
		}
	}

	cancel()
	s.stopWatches()
	close(s.jobs)
	s.wg.Wait()
}

// Upsert persists sc, primes its NextRunAt if it doesn't have one yet,
// and arms a watch for its source if the scheduler is already running
// and the source asks for one but isn't being watched yet.
func (s *Scheduler) Upsert(sc metadata.Schedule) error {
	if sc.NextRunAt == nil {
		next, err := computeNextRun(sc, time.Now())
		if err != nil {
			return err
		}
		if !next.IsZero() {
			sc.NextRunAt = &next
		}
	}
	if err := s.Store.UpsertSchedule(sc); err != nil {
		return err
	}

	s.mu.Lock()
	running := s.cancel != nil
	_, watching := s.watchers[sc.SourceID]
	s.mu.Unlock()
	if running && !watching {
		if src, err := s.Store.GetSource(sc.SourceID); err == nil && src.Enabled && src.WatchEnabled {
			if err := s.startWatch(src); err != nil {
				log.Printf("scheduler: watch for source %s: %v", src.ID, err)
			}
		}
	}
	return nil
}

// Remove deletes a schedule. Its source's watch, if any, stays armed in
// case other schedules still reference that source.
func (s *Scheduler) Remove(scheduleID string) error {
	return s.Store.DeleteSchedule(scheduleID)
}

// RunNow enqueues an immediate out-of-band run of scheduleID.
func (s *Scheduler) RunNow(scheduleID string) error {
	sc, err := s.Store.GetSchedule(scheduleID)
	if err != nil {
		return err
	}
	s.enqueue(sc)
	return nil
}

func (s *Scheduler) wakeLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(wakeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.checkDue()
		}
	}
}

func (s *Scheduler) checkDue() {
	schedules, err := s.Store.ListSchedules()
	if err != nil {
		log.Printf("scheduler: list schedules: %v", err)
		return
	}
	now := time.Now()
	for _, sc := range schedules {
		if !sc.Enabled || sc.Frequency == metadata.FrequencyStartup || sc.Frequency == metadata.FrequencyShutdown {
			continue
		}
		if sc.NextRunAt != nil && !sc.NextRunAt.After(now) {
			s.enqueue(sc)
		}
	}
}

func (s *Scheduler) enqueue(sc metadata.Schedule) {
	select {
	case s.jobs <- job{sc: sc}:
	default:
		log.Printf("scheduler: job queue full, dropping this run for schedule %s", sc.ID)
	}
}

// runWorker is the single sequential worker: schedules never run
// concurrently against each other, matching the teacher's single-flight
// runTask guard (st.running/st.pending) but expressed as one queue
// instead of a per-task pending flag.
func (s *Scheduler) runWorker(ctx context.Context) {
	defer s.wg.Done()
	for j := range s.jobs {
		s.runNow(ctx, j.sc)
	}
}

func (s *Scheduler) runNow(ctx context.Context, sc metadata.Schedule) {
	s.mu.Lock()
	pass := s.passphrases[sc.SourceID]
	s.mu.Unlock()

	scheduleID := sc.ID
	_, err := s.Engine.Run(ctx, backup.Request{
		SourceID: sc.SourceID, DestinationID: sc.DestinationID, ScheduleID: &scheduleID, Passphrase: pass,
	})
	if err != nil && !errors.Is(err, errs.ErrNoChanges) {
		log.Printf("scheduler: run for schedule %s failed: %v", sc.ID, err)
	}

	if sc.Frequency == metadata.FrequencyStartup || sc.Frequency == metadata.FrequencyShutdown {
		return
	}
	now := time.Now()
	if err := s.scheduleNext(sc, now); err != nil {
		log.Printf("scheduler: reschedule %s: %v", sc.ID, err)
	}
}

func (s *Scheduler) scheduleNext(sc metadata.Schedule, after time.Time) error {
	next, err := computeNextRun(sc, after)
	if err != nil {
		return err
	}
	if next.IsZero() {
		return nil
	}
	return s.Store.SetScheduleRunTimes(sc.ID, after, next)
}

func (s *Scheduler) startWatches() error {
	sources, err := s.Store.ListSources()
	if err != nil {
		return err
	}
	for _, src := range sources {
		if !src.Enabled || !src.WatchEnabled {
			continue
		}
		if err := s.startWatch(src); err != nil {
			log.Printf("scheduler: watch for source %s: %v", src.ID, err)
		}
	}
	return nil
}

func (s *Scheduler) startWatch(src metadata.Source) error {
	roots, err := decodeRoots(src.RootsJSON)
	if err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	for _, root := range roots {
		if err := addWatchRecursive(watcher, root); err != nil {
			_ = watcher.Close()
			return err
		}
	}

	ws := &watchState{watcher: watcher, done: make(chan struct{})}
	s.mu.Lock()
	s.watchers[src.ID] = ws
	s.mu.Unlock()

	go s.watchLoop(src.ID, ws)
	return nil
}

func (s *Scheduler) watchLoop(sourceID string, ws *watchState) {
	for {
		select {
		case <-ws.done:
			return
		case event, ok := <-ws.watcher.Events:
			if !ok {
				return
			}
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = addWatchRecursive(ws.watcher, event.Name)
				}
			}
			s.requestWatchRun(sourceID, ws)
		case _, ok := <-ws.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

func (s *Scheduler) requestWatchRun(sourceID string, ws *watchState) {
	s.mu.Lock()
	if ws.debounce != nil {
		ws.debounce.Stop()
	}
	ws.debounce = time.AfterFunc(watchDebounce, func() { s.enqueueSourceSchedules(sourceID) })
	s.mu.Unlock()
}

func (s *Scheduler) enqueueSourceSchedules(sourceID string) {
	schedules, err := s.Store.ListSchedules()
	if err != nil {
		log.Printf("scheduler: list schedules for watch trigger: %v", err)
		return
	}
	for _, sc := range schedules {
		if sc.Enabled && sc.SourceID == sourceID {
			s.enqueue(sc)
		}
	}
}

func (s *Scheduler) stopWatches() {
	s.mu.Lock()
	watchers := s.watchers
	s.watchers = make(map[string]*watchState)
	s.mu.Unlock()

	for _, ws := range watchers {
		if ws.debounce != nil {
			ws.debounce.Stop()
		}
		close(ws.done)
		_ = ws.watcher.Close()
	}
}

func addWatchRecursive(w *fsnotify.Watcher, root string) error {
	info, err := os.Stat(root)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return w.Add(filepath.Dir(root))
	}
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.Add(path)
		}
		return nil
	})
}
