// Package backup is the C6 Backup Engine: it scans a Source, diffs
// against the metadata store's record of the prior chain, and streams
// the result through the Archiver, Cryptor and Destination layers,
// recording everything needed for a later restore. It keeps the
// original prototype's throttled-progress shape from
// core/manager.go, generalized from a single local output file to any
// Destination and from an in-memory manifest to the metadata store.
package backup

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/scrat-backup/scrat/core"
	"github.com/scrat-backup/scrat/destination"
	"github.com/scrat-backup/scrat/errs"
	"github.com/scrat-backup/scrat/events"
	"github.com/scrat-backup/scrat/metadata"
	"github.com/scrat-backup/scrat/scanner"
)

const progressThrottle = 150 * time.Millisecond

// defaultSegmentThreshold bounds how much plaintext container data one
// archive segment holds before the engine rolls to a new segment; the
// roll only ever happens between whole files, never mid-file.
const defaultSegmentThreshold = 512 * 1024 * 1024

const copyBufferSize = 256 * 1024

// Engine drives backup runs against the shared metadata store.
type Engine struct {
	Store  *metadata.Store
	Events *events.Bus
}

func NewEngine(store *metadata.Store, bus *events.Bus) *Engine {
	return &Engine{Store: store, Events: bus}
}

// Request configures one backup run.
type Request struct {
	SourceID         string
	DestinationID    string
	ScheduleID       *string
	Passphrase       string
	ForceFull        bool
	Algorithm        core.Algorithm
	Compression      core.CompressionLevel
	SegmentThreshold int64
}

// Run executes a single backup: full if no prior completed backup
// exists for this (source, destination) pair or ForceFull is set,
// incremental otherwise. It returns the new backup's id.
func (e *Engine) Run(ctx context.Context, req Request) (string, error) {
	runID := uuid.New().String()
	if req.SegmentThreshold <= 0 {
		req.SegmentThreshold = defaultSegmentThreshold
	}
	if req.Algorithm == 0 {
		req.Algorithm = core.AlgoAES256GCM
	}

	src, err := e.Store.GetSource(req.SourceID)
	if err != nil {
		return "", fmt.Errorf("load source: %w", err)
	}
	dst, err := e.Store.GetDestination(req.DestinationID)
	if err != nil {
		return "", fmt.Errorf("load destination: %w", err)
	}

	roots, filters, err := decodeSource(src)
	if err != nil {
		return "", err
	}

	dest, err := destination.New(dst.ConfigJSON)
	if err != nil {
		return "", err
	}
	if err := dest.Connect(ctx); err != nil {
		return "", err
	}
	defer dest.Close()

	e.Events.Emit(events.BackupStarted, runID, map[string]any{"sourceId": req.SourceID, "destinationId": req.DestinationID})

	prevID, prevBackup, hasPrev, err := e.latestCompleted(req.DestinationID, req.SourceID)
	if err != nil {
		return "", err
	}

	backupType := metadata.BackupTypeFull
	var baseID *string
	var salt []byte
	var verifier string
	algo := req.Algorithm
	iterations := core.KDFIterations

	if hasPrev && !req.ForceFull {
		backupType = metadata.BackupTypeIncremental
		baseID = &prevID
		salt = prevBackup.Salt
		verifier = prevBackup.Verifier
		algo = core.Algorithm(prevBackup.Algorithm)
		iterations = prevBackup.KDFIterations

		verifyKey := core.DeriveKey(req.Passphrase, salt, iterations)
		ok, err := core.CheckVerifier(algo, verifyKey, verifier)
		core.SecureZero(verifyKey)
		if err != nil {
			return "", &errs.PassphraseError{BackupID: prevID, Err: err}
		}
		if !ok {
			return "", &errs.PassphraseError{BackupID: prevID, Err: errs.ErrPassphraseWrong}
		}
	} else {
		salt, err = core.NewSalt()
		if err != nil {
			return "", err
		}
		newKey := core.DeriveKey(req.Passphrase, salt, iterations)
		verifier, err = core.DeriveVerifier(algo, newKey)
		core.SecureZero(newKey)
		if err != nil {
			return "", err
		}
	}

	scanRes, err := scanner.Scan(ctx, roots, filters)
	if err != nil {
		return "", err
	}

	var changed []scanner.Entry
	var deleted []string
	sourceRoot := roots[0]
	if backupType == metadata.BackupTypeFull {
		changed = scanRes.Entries
	} else {
		chain, err := e.chainIDs(*baseID)
		if err != nil {
			return "", err
		}
		prior, err := e.Store.PriorFileState(chain, sourceRoot)
		if err != nil {
			return "", err
		}
		priorForDiff := make(map[string]scanner.PriorFile, len(prior))
		for path, st := range prior {
			priorForDiff[path] = scanner.PriorFile{RelPath: path, Size: st.Size, ModTime: st.ModTime}
		}
		cs := scanner.Diff(scanRes.Entries, priorForDiff)
		changed, deleted = cs.Changed, cs.Deleted
		if len(changed) == 0 && len(deleted) == 0 {
			return "", errs.ErrNoChanges
		}
	}

	backupID, now, err := e.allocateBackupID(time.Now(), backupType)
	if err != nil {
		return "", err
	}
	backupRow := metadata.Backup{
		ID: backupID, ScheduleID: req.ScheduleID, SourceID: req.SourceID, DestinationID: req.DestinationID,
		BackupType: backupType, BaseBackupID: baseID, Status: metadata.BackupStatusRunning,
		Algorithm: uint8(algo), Compression: string(req.Compression), Salt: salt, Verifier: verifier,
		KDFIterations: iterations, StartedAt: now,
	}
	if err := e.Store.InsertBackup(backupRow); err != nil {
		return "", err
	}

	key := core.DeriveKey(req.Passphrase, salt, iterations)
	defer core.SecureZero(key)

	fileCount, totalBytes, archives, runErr := e.writeSegments(ctx, runID, backupID, sourceRoot, dest, req, algo, key, salt, changed, deleted)

	finishedAt := time.Now()
	if runErr == nil {
		if err := e.writeManifest(ctx, dest, backupID, src, roots, backupType, baseID, now, finishedAt, algo, key, salt, archives, fileCount, totalBytes, verifier); err != nil {
			runErr = fmt.Errorf("write manifest: %w", err)
		}
	}

	status := metadata.BackupStatusCompleted
	errMsg := ""
	if runErr != nil {
		status = metadata.BackupStatusFailed
		if ctx.Err() != nil {
			status = metadata.BackupStatusCancelled
		}
		errMsg = runErr.Error()
	}
	if err := e.Store.FinishBackup(backupID, status, fileCount, totalBytes, finishedAt, errMsg); err != nil {
		return backupID, err
	}

	if runErr != nil {
		e.Events.Emit(events.BackupFailed, runID, map[string]any{"error": runErr.Error()})
		e.Events.Forget(runID)
		return backupID, runErr
	}

	if err := writeRecoveryInfo(ctx, dest); err != nil {
		log.Printf("recovery info: %v", err)
	}

	e.Events.Emit(events.BackupCompleted, runID, map[string]any{"backupId": backupID, "fileCount": fileCount, "totalBytes": totalBytes})
	e.Events.Forget(runID)

	if req.ScheduleID != nil {
		if sc, scErr := e.Store.GetSchedule(*req.ScheduleID); scErr == nil {
			if policy, polErr := parseRetentionPolicy(sc.RetentionJSON); polErr == nil {
				if err := e.applyRetention(ctx, dest, req.SourceID, req.DestinationID, policy); err != nil {
					log.Printf("retention: %v", err)
				}
			} else {
				log.Printf("retention: invalid policy for schedule %s: %v", sc.ID, polErr)
			}
		}
	}

	return backupID, nil
}

// allocateBackupID generates the spec's sortable id, YYYYMMDD_HHMMSS_<full|incr>,
// and bumps the clock forward a second at a time until it finds one free —
// two backups landing in the same second (as a ForceFull run right after a
// scheduled one can) would otherwise collide on the backups table's primary key.
func (e *Engine) allocateBackupID(now time.Time, backupType metadata.BackupType) (string, time.Time, error) {
	kind := "full"
	if backupType == metadata.BackupTypeIncremental {
		kind = "incr"
	}
	for {
		id := fmt.Sprintf("%s_%s", now.Format("20060102_150405"), kind)
		_, err := e.Store.GetBackup(id)
		if errors.Is(err, metadata.ErrNotFound) {
			return id, now, nil
		}
		if err != nil {
			return "", time.Time{}, err
		}
		now = now.Add(time.Second)
	}
}

func (e *Engine) latestCompleted(destID, sourceID string) (id string, b metadata.Backup, ok bool, err error) {
	backups, err := e.Store.ListBackupsForDestination(destID)
	if err != nil {
		return "", metadata.Backup{}, false, err
	}
	for i := len(backups) - 1; i >= 0; i-- {
		if backups[i].SourceID == sourceID && backups[i].Status == metadata.BackupStatusCompleted {
			return backups[i].ID, backups[i], true, nil
		}
	}
	return "", metadata.Backup{}, false, nil
}

// chainIDs walks backward from id to the full backup it descends from,
// returning every id in the chain oldest-first.
func (e *Engine) chainIDs(id string) ([]string, error) {
	var reversed []string
	seen := make(map[string]bool)
	cur := id
	for {
		if seen[cur] {
			return nil, errs.ErrChainCycle
		}
		seen[cur] = true
		b, err := e.Store.GetBackup(cur)
		if err != nil {
			return nil, fmt.Errorf("resolve chain: %w", err)
		}
		reversed = append(reversed, b.ID)
		if b.BackupType == metadata.BackupTypeFull || b.BaseBackupID == nil {
			break
		}
		cur = *b.BaseBackupID
	}
	out := make([]string, len(reversed))
	for i, v := range reversed {
		out[len(reversed)-1-i] = v
	}
	return out, nil
}

// segment holds the in-progress writers for one archive segment: the
// archiver writes a container stream into the compressor, which feeds
// the AEAD stream writer, which accumulates into a memory buffer that
// is uploaded whole once the segment closes. Buffering a segment
// (bounded by SegmentThreshold) trades perfect streaming-to-destination
// for a pipeline that can't deadlock against a slow remote transport.
type segment struct {
	encryptedBuf  *bytes.Buffer
	crypt         *core.StreamWriter
	comp          io.WriteCloser
	archiveWriter *core.ArchiveWriter
	containerLen  *int64
}

func (e *Engine) newSegment(algo core.Algorithm, key, salt []byte, level core.CompressionLevel) (*segment, error) {
	encBuf := &bytes.Buffer{}
	crypt, err := core.NewStreamWriter(encBuf, algo, key, salt, 0)
	if err != nil {
		return nil, err
	}
	comp, err := core.NewCompressWriter(crypt, level)
	if err != nil {
		return nil, err
	}
	var n int64
	counter := &countingWriter{w: comp, n: &n}
	return &segment{
		encryptedBuf:  encBuf,
		crypt:         crypt,
		comp:          comp,
		archiveWriter: core.NewArchiveWriter(counter),
		containerLen:  &n,
	}, nil
}

type countingWriter struct {
	w io.Writer
	n *int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	*c.n += int64(n)
	return n, err
}

func (s *segment) close() error {
	if err := s.comp.Close(); err != nil {
		return err
	}
	return s.crypt.Close()
}

// archiveSummary carries just enough about a sealed segment to build the
// backup's manifest once every segment has been written.
type archiveSummary struct {
	Ordinal    int
	Name       string
	StoredSize int64
	IVSeed     []byte
	FilesCount int64
}

func (e *Engine) writeSegments(ctx context.Context, runID, backupID, sourceRoot string, dest destination.Destination,
	req Request, algo core.Algorithm, key, salt []byte, changed []scanner.Entry, deleted []string) (fileCount, totalBytes int64, archives []archiveSummary, err error) {

	totalWork := int64(len(changed) + len(deleted))
	var doneWork int64
	var doneBytes int64
	var lastEmit int64

	emitProgress := func(force bool) {
		now := time.Now().UnixNano()
		if !force {
			last := atomic.LoadInt64(&lastEmit)
			if last != 0 && now-last < int64(progressThrottle) {
				return
			}
			if !atomic.CompareAndSwapInt64(&lastEmit, last, now) {
				return
			}
		} else {
			atomic.StoreInt64(&lastEmit, now)
		}
		e.Events.Emit(events.BackupProgress, runID, map[string]any{
			"filesDone": atomic.LoadInt64(&doneWork), "filesTotal": totalWork, "bytesDone": atomic.LoadInt64(&doneBytes),
		})
	}

	segBuffer := make([]byte, copyBufferSize)
	sequence := 1 // Archive.Sequence / manifest ordinal are 1-based, per data.NNN.scrat naming
	segFiles := int64(0)
	var segRows []metadata.BackupFile // inserted after the segment's archives row exists
	seg, err := e.newSegment(algo, key, salt, req.Compression)
	if err != nil {
		return 0, 0, nil, err
	}
	archiveID := fmt.Sprintf("%s-seg-%04d", backupID, sequence)

	flush := func() error {
		if err := seg.close(); err != nil {
			return err
		}
		destName := fmt.Sprintf("data.%03d.scrat", sequence)
		destKey := fmt.Sprintf("scrat-backup/backups/%s/%s", backupID, destName)
		if err := dest.PutStream(ctx, destKey, bytes.NewReader(seg.encryptedBuf.Bytes())); err != nil {
			return err
		}
		storedSize := int64(seg.encryptedBuf.Len())
		if err := e.Store.InsertArchive(metadata.Archive{
			ID: archiveID, BackupID: backupID, Sequence: sequence, DestinationKey: destKey,
			IVSeed: salt, PlainBytes: *seg.containerLen, StoredBytes: storedSize,
		}); err != nil {
			return err
		}
		for _, row := range segRows {
			if err := e.Store.InsertBackupFile(row); err != nil {
				return err
			}
		}
		segRows = segRows[:0]
		archives = append(archives, archiveSummary{
			Ordinal: sequence, Name: destName, StoredSize: storedSize, IVSeed: salt, FilesCount: segFiles,
		})
		return nil
	}

	writeEntry := func(entry scanner.Entry, isDeleted bool) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		meta := core.FileMetadata{
			Path: entry.RelPath, Size: entry.Size, Mode: entry.Mode, ModTime: time.Unix(0, entry.ModTime), IsDir: entry.IsDir,
			IsLink: entry.IsLink, LinkDest: entry.LinkDest, Deleted: isDeleted,
		}
		var data io.Reader
		var f *os.File
		if !isDeleted && entry.Mode.IsRegular() {
			opened, openErr := os.Open(entry.AbsPath)
			if openErr != nil {
				return &errs.SourceError{Path: entry.AbsPath, Err: openErr}
			}
			f = opened
			data = opened
		}

		offset, length, writeErr := seg.archiveWriter.WriteEntry(meta, data, segBuffer, func(n int64) {
			atomic.AddInt64(&doneBytes, n)
			emitProgress(false)
		})
		if f != nil {
			f.Close()
		}
		if writeErr != nil {
			return writeErr
		}

		segRows = append(segRows, metadata.BackupFile{
			BackupID: backupID, ArchiveID: archiveID, RelativePath: entry.RelPath, SourceRoot: sourceRoot,
			ByteOffset: offset, ByteLength: length, Size: entry.Size, Mode: uint32(entry.Mode),
			ModTimeUnixNano: entry.ModTime, IsDir: entry.IsDir, IsLink: entry.IsLink, LinkDest: entry.LinkDest, Deleted: isDeleted,
		})

		if !entry.IsDir && !isDeleted {
			atomic.AddInt64(&fileCount, 1)
			atomic.AddInt64(&totalBytes, entry.Size)
			segFiles++
		}
		atomic.AddInt64(&doneWork, 1)
		emitProgress(true)

		if *seg.containerLen >= req.SegmentThreshold {
			if err := flush(); err != nil {
				return err
			}
			sequence++
			segFiles = 0
			newSeg, newSegErr := e.newSegment(algo, key, salt, req.Compression)
			if newSegErr != nil {
				return newSegErr
			}
			seg = newSeg
			archiveID = fmt.Sprintf("%s-seg-%04d", backupID, sequence)
		}
		return nil
	}

	for _, entry := range changed {
		if err := writeEntry(entry, false); err != nil {
			return fileCount, totalBytes, archives, err
		}
	}
	for _, relPath := range deleted {
		if err := writeEntry(scanner.Entry{RelPath: relPath}, true); err != nil {
			return fileCount, totalBytes, archives, err
		}
	}

	if err := flush(); err != nil {
		return fileCount, totalBytes, archives, err
	}

	return fileCount, totalBytes, archives, nil
}
