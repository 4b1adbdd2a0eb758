// app.go
package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/wailsapp/wails/v2/pkg/runtime"

	"github.com/scrat-backup/scrat/backup"
	"github.com/scrat-backup/scrat/core"
	"github.com/scrat-backup/scrat/destination"
	"github.com/scrat-backup/scrat/errs"
	"github.com/scrat-backup/scrat/events"
	"github.com/scrat-backup/scrat/metadata"
	"github.com/scrat-backup/scrat/restore"
	"github.com/scrat-backup/scrat/scanner"
	"github.com/scrat-backup/scrat/schedule"
)

type App struct {
	ctx    context.Context
	store  *metadata.Store
	bus    *events.Bus
	cancel context.CancelFunc // 打断备份/恢复操作

	backupEngine  *backup.Engine
	restoreEngine *restore.Engine
	scheduler     *schedule.Scheduler

	conflictRequests map[string]*conflictRequest
	conflictMutex    sync.Mutex
	requestIDCounter int64
}

func NewApp() *App {
	return &App{
		conflictRequests: make(map[string]*conflictRequest),
	}
}

func (a *App) startup(ctx context.Context) {
	a.ctx = ctx
	store, err := InitializeDatabase(ctx)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	a.store = store
	a.bus = InitializeEventBus(ctx)
	a.backupEngine = backup.NewEngine(store, a.bus)
	a.restoreEngine = restore.NewEngine(store, a.bus)
	a.initScheduler()
}

func (a *App) shutdown(ctx context.Context) {
	a.shutdownScheduler()
	if a.store != nil {
		a.store.Close()
	}
}

// --- Dialogs ---

func (a *App) SelectFiles(selectDirectories bool) ([]string, error) {
	if selectDirectories {
		dir, err := runtime.OpenDirectoryDialog(a.ctx, runtime.OpenDialogOptions{
			Title: "Select Directory",
		})
		if err != nil {
			return nil, err
		}
		if dir == "" {
			return []string{}, nil
		}
		return []string{dir}, nil
	}
	return runtime.OpenMultipleFilesDialog(a.ctx, runtime.OpenDialogOptions{
		Title: "Select Files",
	})
}

func (a *App) SelectDirectory() (string, error) {
	return runtime.OpenDirectoryDialog(a.ctx, runtime.OpenDialogOptions{
		Title: "Select Directory",
	})
}

func (a *App) OpenInExplorer(path string) {
	runtime.BrowserOpenURL(a.ctx, "file://"+path)
}

type FileInfo struct {
	Path    string    `json:"path"`
	Name    string    `json:"name"`
	Size    int64     `json:"size"`
	Mode    string    `json:"mode"`
	ModTime time.Time `json:"modTime"`
	IsDir   bool      `json:"isDir"`
}

func (a *App) GetFileMetadata(paths []string) ([]FileInfo, error) {
	var results []FileInfo
	for _, path := range paths {
		info, err := os.Lstat(path)
		if err != nil {
			log.Printf("Could not stat path %s: %v", path, err)
			continue
		}
		results = append(results, FileInfo{
			Path:    path,
			Name:    info.Name(),
			Size:    info.Size(),
			Mode:    info.Mode().String(),
			ModTime: info.ModTime(),
			IsDir:   info.IsDir(),
		})
	}
	return results, nil
}

func (a *App) StopOperation() {
	if a.cancel != nil {
		log.Println("Received stop signal from frontend.")
		a.cancel()
	}
}

// --- Backup ---

type BackupConfig struct {
	SourcePaths         []string             `json:"sourcePaths"`
	DestinationDir      string               `json:"destinationDir"`
	Filters             scanner.FilterConfig `json:"filters"`
	UseCompression      bool                 `json:"useCompression"`
	UseEncryption       bool                 `json:"useEncryption"`
	EncryptionAlgorithm string               `json:"encryptionAlgorithm"`
	EncryptionPassword  string               `json:"encryptionPassword"`
}

// ensureAdHocPair finds or creates the Source/Destination pair backing a
// one-off StartBackup call. The pair is keyed off its
// config so repeated backups of the same paths to the same directory
// land on the same (source, destination), letting later runs diff
// incrementally against the prior one instead of always going full.
func (a *App) ensureAdHocPair(paths []string, filters scanner.FilterConfig, destDir string) (sourceID, destID string, err error) {
	sorted := append([]string(nil), paths...)
	sort.Strings(sorted)
	rootsJSON, err := json.Marshal(sorted)
	if err != nil {
		return "", "", err
	}
	filtersJSON, err := json.Marshal(filters)
	if err != nil {
		return "", "", err
	}

	sourceID = "adhoc-src-" + shortHash(string(rootsJSON), string(filtersJSON))
	destID = "adhoc-dst-" + shortHash(destDir)

	if _, err := a.store.GetSource(sourceID); errors.Is(err, metadata.ErrNotFound) {
		if err := a.store.InsertSource(metadata.Source{
			ID: sourceID, Name: sourceID, RootsJSON: string(rootsJSON), FiltersJSON: string(filtersJSON),
			Enabled: true, CreatedAt: time.Now(),
		}); err != nil {
			return "", "", err
		}
	} else if err != nil {
		return "", "", err
	}

	if _, err := a.store.GetDestination(destID); errors.Is(err, metadata.ErrNotFound) {
		cfgJSON, err := json.Marshal(destination.Config{Kind: destination.KindLocal, Root: destDir})
		if err != nil {
			return "", "", err
		}
		if err := a.store.InsertDestination(metadata.Destination{
			ID: destID, Name: destID, Kind: string(destination.KindLocal), ConfigJSON: string(cfgJSON), CreatedAt: time.Now(),
		}); err != nil {
			return "", "", err
		}
	} else if err != nil {
		return "", "", err
	}

	return sourceID, destID, nil
}

func shortHash(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

func algorithmFromName(name string) (core.Algorithm, error) {
	switch name {
	case "", "AES-256":
		return core.AlgoAES256GCM, nil
	case "ChaCha20":
		return core.AlgoChaCha20Poly1305, nil
	default:
		return 0, fmt.Errorf("unsupported algorithm: %s", name)
	}
}

func (a *App) StartBackup(config BackupConfig) (string, error) {
	opCtx, cancel := context.WithCancel(a.ctx)
	a.cancel = cancel
	defer func() { a.cancel = nil }()

	log.Printf("Starting backup with %d source paths.", len(config.SourcePaths))

	sourceID, destID, err := a.ensureAdHocPair(config.SourcePaths, config.Filters, config.DestinationDir)
	if err != nil {
		return "", fmt.Errorf("prepare backup: %w", err)
	}

	algo, err := algorithmFromName(config.EncryptionAlgorithm)
	if err != nil {
		return "", err
	}
	compression := core.CompressionNone
	if config.UseCompression {
		compression = core.CompressionBalanced
	}

	runtime.EventsEmit(a.ctx, "log_message", fmt.Sprintf("Backing up %d source paths to %s", len(config.SourcePaths), config.DestinationDir))

	backupID, err := a.backupEngine.Run(opCtx, backup.Request{
		SourceID: sourceID, DestinationID: destID, Passphrase: config.EncryptionPassword,
		Algorithm: algo, Compression: compression,
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			log.Println("Backup was cancelled by user.")
			return "Backup cancelled.", nil
		}
		if errors.Is(err, errs.ErrNoChanges) {
			log.Println("No changes since last backup.")
			return "没有检测到变化，跳过本次备份。", nil
		}
		log.Printf("Backup failed: %v\n", err)
		return "", fmt.Errorf("backup failed: %w", err)
	}

	log.Printf("Backup %s completed successfully.", backupID)
	return "备份成功！", nil
}

// --- Restore ---

type RestoreConfig struct {
	BackupID   string `json:"backupId"`
	RestoreDir string `json:"restoreDir"`
	Password   string `json:"password"`
}

// ResolveConflict is called by the frontend to resolve a file conflict.
func (a *App) ResolveConflict(requestID string, resolution string) error {
	a.conflictMutex.Lock()
	defer a.conflictMutex.Unlock()

	req, ok := a.conflictRequests[requestID]
	if !ok {
		return fmt.Errorf("no pending conflict request with ID: %s", requestID)
	}

	var action restore.ConflictAction
	switch resolution {
	case "overwrite":
		action = restore.ActionOverwrite
	case "keep_both":
		action = restore.ActionKeepBoth
	case "skip":
		action = restore.ActionSkip
	default:
		return fmt.Errorf("invalid resolution: %s", resolution)
	}

	req.responseChan <- action
	delete(a.conflictRequests, requestID)
	return nil
}

func (a *App) StartRestore(config RestoreConfig) (string, error) {
	opCtx, cancel := context.WithCancel(a.ctx)
	a.cancel = cancel
	defer func() {
		a.cancel = nil
		// 清理任何悬而未决的冲突请求
		a.conflictMutex.Lock()
		for id, req := range a.conflictRequests {
			close(req.responseChan)
			delete(a.conflictRequests, id)
		}
		a.conflictMutex.Unlock()
	}()

	log.Printf("Starting restore of %s to %s", config.BackupID, config.RestoreDir)

	handler := func(path string) (restore.ConflictAction, error) {
		a.conflictMutex.Lock()
		a.requestIDCounter++
		requestID := strconv.FormatInt(a.requestIDCounter, 10)
		req := &conflictRequest{
			responseChan: make(chan restore.ConflictAction, 1),
		}
		a.conflictRequests[requestID] = req
		a.conflictMutex.Unlock()

		runtime.EventsEmit(a.ctx, "conflict_detected", map[string]string{
			"path":      path,
			"requestID": requestID,
		})

		// 等待前端的响应或操作被取消
		select {
		case <-opCtx.Done():
			return restore.ActionSkip, opCtx.Err() // 如果操作被取消，默认跳过并返回错误
		case action := <-req.responseChan:
			return action, nil
		}
	}

	_, err := a.restoreEngine.Run(opCtx, restore.Request{
		BackupID: config.BackupID, TargetDir: config.RestoreDir, Passphrase: config.Password, ConflictHandler: handler,
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			log.Println("Restore was cancelled by user.")
			return "Restore cancelled.", nil
		}
		var passErr *errs.PassphraseError
		if errors.As(err, &passErr) {
			log.Println("Password required for restore")
			return "", fmt.Errorf("password_required")
		}
		log.Printf("Restore failed: %v\n", err)
		return "", fmt.Errorf("restore failed: %w", err)
	}

	log.Println("Restore completed successfully.")
	return "恢复备份成功！", nil
}

// --- History ---

type BackupRecord struct {
	ID         string    `json:"ID"`
	FileName   string    `json:"FileName"`
	BackupPath string    `json:"BackupPath"`
	CreatedAt  time.Time `json:"CreatedAt"`
}

func (a *App) GetBackupHistory() ([]BackupRecord, error) {
	backups, err := a.store.ListAllBackups(50)
	if err != nil {
		return nil, err
	}
	records := make([]BackupRecord, 0, len(backups))
	for _, b := range backups {
		dst, err := a.store.GetDestination(b.DestinationID)
		if err != nil {
			log.Printf("backup %s references missing destination %s: %v", b.ID, b.DestinationID, err)
			continue
		}
		records = append(records, BackupRecord{
			ID:         b.ID,
			FileName:   string(b.BackupType),
			BackupPath: dst.Name,
			CreatedAt:  b.StartedAt,
		})
	}
	return records, nil
}

type conflictRequest struct {
	responseChan chan restore.ConflictAction
}
