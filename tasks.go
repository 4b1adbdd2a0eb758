package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/scrat-backup/scrat/destination"
	"github.com/scrat-backup/scrat/metadata"
	"github.com/scrat-backup/scrat/scanner"
	"github.com/scrat-backup/scrat/schedule"
)

// TaskType mirrors the frontend's distinction between a timed schedule
// and a live filesystem watch; a Task can be either or, for a watched
// source, implicitly both (the watch fires in addition to whatever
// periodic frequency is configured).
type TaskType string

const (
	TaskTypeSchedule TaskType = "schedule"
	TaskTypeWatch    TaskType = "watch"
)

// TaskConfig is the flat, frontend-facing shape for one backup task; it
// is unpacked into a Source/Destination/Schedule triple in the metadata
// store and handed to the Scheduler.
type TaskConfig struct {
	SourcePaths    []string             `json:"sourcePaths"`
	DestinationDir string               `json:"destinationDir"`
	Filters        scanner.FilterConfig `json:"filters"`
	UseCompression bool                 `json:"useCompression"`
	UseEncryption  bool                 `json:"useEncryption"`
	Algorithm      string               `json:"algorithm"`
	Password       string               `json:"password"`

	Frequency  metadata.Frequency `json:"frequency"`
	AtHour     int                `json:"atHour"`
	AtMinute   int                `json:"atMinute"`
	DayOfWeek  int                `json:"dayOfWeek"`
	DayOfMonth int                `json:"dayOfMonth"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// BackupTask is one user-configured recurring backup: a Source, a
// Destination and a Schedule sharing one id.
type BackupTask struct {
	ID      string     `json:"id"`
	Name    string     `json:"name"`
	Type    TaskType   `json:"type"`
	Enabled bool       `json:"enabled"`
	Config  TaskConfig `json:"config"`
}

// initScheduler starts the scheduler. Passphrases are never persisted,
// so a task's periodic runs start locked until its owning CreateTask/
// UpdateTask call (or some future unlock call) re-registers one via
// SetPassphrase for this process's lifetime; a locked run logs a
// passphrase error from the engine and is retried on its next fire.
func (a *App) initScheduler() {
	a.scheduler = schedule.NewScheduler(a.store, a.backupEngine, a.bus)
	if err := a.scheduler.Start(a.ctx); err != nil {
		log.Printf("Warning: could not start scheduler: %v", err)
	}
}

func (a *App) shutdownScheduler() {
	if a.scheduler != nil {
		a.scheduler.Stop()
		a.scheduler = nil
	}
}

func sourceIDForTask(taskID string) string      { return "task-src-" + taskID }
func destinationIDForTask(taskID string) string { return "task-dst-" + taskID }

func (a *App) GetTasks() ([]BackupTask, error) {
	schedules, err := a.store.ListSchedules()
	if err != nil {
		return nil, err
	}
	tasks := make([]BackupTask, 0, len(schedules))
	for _, sc := range schedules {
		task, err := a.taskFromSchedule(sc)
		if err != nil {
			log.Printf("Warning: could not load task %s: %v", sc.ID, err)
			continue
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

func (a *App) taskFromSchedule(sc metadata.Schedule) (BackupTask, error) {
	src, err := a.store.GetSource(sc.SourceID)
	if err != nil {
		return BackupTask{}, fmt.Errorf("load source: %w", err)
	}
	dst, err := a.store.GetDestination(sc.DestinationID)
	if err != nil {
		return BackupTask{}, fmt.Errorf("load destination: %w", err)
	}

	var roots []string
	if err := json.Unmarshal([]byte(src.RootsJSON), &roots); err != nil {
		return BackupTask{}, fmt.Errorf("decode source roots: %w", err)
	}
	var filters scanner.FilterConfig
	if err := json.Unmarshal([]byte(src.FiltersJSON), &filters); err != nil {
		return BackupTask{}, fmt.Errorf("decode source filters: %w", err)
	}
	var destCfg destination.Config
	if err := json.Unmarshal([]byte(dst.ConfigJSON), &destCfg); err != nil {
		return BackupTask{}, fmt.Errorf("decode destination config: %w", err)
	}

	taskType := TaskTypeSchedule
	if src.WatchEnabled {
		taskType = TaskTypeWatch
	}

	return BackupTask{
		ID: sc.ID, Name: src.Name, Type: taskType, Enabled: sc.Enabled,
		Config: TaskConfig{
			SourcePaths: roots, DestinationDir: destCfg.Root, Filters: filters,
			Frequency: sc.Frequency, AtHour: sc.AtHour, AtMinute: sc.AtMinute,
			DayOfWeek: sc.DayOfWeek, DayOfMonth: sc.DayOfMonth, CreatedAt: src.CreatedAt,
		},
	}, nil
}

func (a *App) CreateTask(task BackupTask) (BackupTask, error) {
	if strings.TrimSpace(task.Name) == "" {
		return BackupTask{}, errors.New("task name cannot be empty")
	}
	if task.Type != TaskTypeSchedule && task.Type != TaskTypeWatch {
		return BackupTask{}, fmt.Errorf("invalid task type: %s", task.Type)
	}
	if len(task.Config.SourcePaths) == 0 {
		return BackupTask{}, errors.New("sourcePaths is required")
	}
	if strings.TrimSpace(task.Config.DestinationDir) == "" {
		return BackupTask{}, errors.New("destinationDir is required")
	}

	task.ID = uuid.New().String()
	now := time.Now()
	task.Config.CreatedAt = now
	task.Config.UpdatedAt = now

	if err := a.writeTask(task, now); err != nil {
		return BackupTask{}, err
	}
	return task, nil
}

func (a *App) UpdateTask(task BackupTask) error {
	if task.ID == "" {
		return errors.New("task id is required")
	}
	existing, err := a.store.GetSource(sourceIDForTask(task.ID))
	if err != nil {
		return fmt.Errorf("load existing task: %w", err)
	}
	task.Config.UpdatedAt = time.Now()
	return a.writeTask(task, existing.CreatedAt)
}

func (a *App) writeTask(task BackupTask, createdAt time.Time) error {
	sourceID := sourceIDForTask(task.ID)
	destID := destinationIDForTask(task.ID)

	rootsJSON, err := json.Marshal(task.Config.SourcePaths)
	if err != nil {
		return err
	}
	filtersJSON, err := json.Marshal(task.Config.Filters)
	if err != nil {
		return err
	}
	if err := a.store.UpsertSource(metadata.Source{
		ID: sourceID, Name: task.Name, RootsJSON: string(rootsJSON), FiltersJSON: string(filtersJSON),
		Enabled: task.Enabled, WatchEnabled: task.Type == TaskTypeWatch, CreatedAt: createdAt,
	}); err != nil {
		return fmt.Errorf("save source: %w", err)
	}

	destCfgJSON, err := json.Marshal(destination.Config{Kind: destination.KindLocal, Root: task.Config.DestinationDir})
	if err != nil {
		return err
	}
	if err := a.store.UpsertDestination(metadata.Destination{
		ID: destID, Name: task.Name, Kind: string(destination.KindLocal), ConfigJSON: string(destCfgJSON), CreatedAt: createdAt,
	}); err != nil {
		return fmt.Errorf("save destination: %w", err)
	}

	frequency := task.Config.Frequency
	if frequency == "" {
		frequency = metadata.FrequencyDaily
	}
	sc := metadata.Schedule{
		ID: task.ID, SourceID: sourceID, DestinationID: destID, Frequency: frequency,
		AtHour: task.Config.AtHour, AtMinute: task.Config.AtMinute,
		DayOfWeek: task.Config.DayOfWeek, DayOfMonth: task.Config.DayOfMonth,
		RetentionJSON: "{}", Enabled: task.Enabled, CreatedAt: createdAt,
	}
	if a.scheduler != nil {
		a.scheduler.SetPassphrase(sourceID, task.Config.Password)
		if err := a.scheduler.Upsert(sc); err != nil {
			return fmt.Errorf("schedule task: %w", err)
		}
	} else if err := a.store.UpsertSchedule(sc); err != nil {
		return fmt.Errorf("save schedule: %w", err)
	}
	return nil
}

func (a *App) DeleteTask(taskID string) error {
	if a.scheduler != nil {
		if err := a.scheduler.Remove(taskID); err != nil {
			return err
		}
	} else if err := a.store.DeleteSchedule(taskID); err != nil {
		return err
	}
	if err := a.store.DeleteSource(sourceIDForTask(taskID)); err != nil {
		log.Printf("Warning: could not delete source for task %s: %v", taskID, err)
	}
	if err := a.store.DeleteDestination(destinationIDForTask(taskID)); err != nil {
		log.Printf("Warning: could not delete destination for task %s: %v", taskID, err)
	}
	return nil
}

func (a *App) RunTaskNow(taskID string) error {
	if a.scheduler == nil {
		return errors.New("scheduler not initialized")
	}
	return a.scheduler.RunNow(taskID)
}
