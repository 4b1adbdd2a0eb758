package backup

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/scrat-backup/scrat/core"
	"github.com/scrat-backup/scrat/destination"
	"github.com/scrat-backup/scrat/metadata"
)

const manifestFormatVersion = 1

// ManifestSource names one root path a backup drew from.
type ManifestSource struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// ManifestArchive is one sealed segment's catalog entry within a manifest.
type ManifestArchive struct {
	Ordinal    int    `json:"ordinal"`
	Name       string `json:"name"`
	StoredSize int64  `json:"stored_size"`
	IVSeed     string `json:"iv_seed"`
	FilesCount int64  `json:"files_count"`
}

// ManifestStats summarizes a backup run for disaster-recovery review
// without needing the local metadata store.
type ManifestStats struct {
	FilesTotal      int64   `json:"files_total"`
	SizeOriginal    int64   `json:"size_original"`
	SizeStored      int64   `json:"size_stored"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// Manifest is the plaintext document sealed into manifest.json.enc
// alongside a backup's archives — enough to rebuild the catalog for that
// one backup without the sqlite store.
type Manifest struct {
	BackupID      string            `json:"backup_id"`
	Kind          string            `json:"kind"`
	Timestamp     string            `json:"timestamp"`
	BaseBackupID  *string           `json:"base_backup_id"`
	FormatVersion int               `json:"format_version"`
	Sources       []ManifestSource  `json:"sources"`
	Archives      []ManifestArchive `json:"archives"`
	Stats         ManifestStats     `json:"stats"`
	Verifier      string            `json:"verifier"`
}

// writeManifest builds a backup's manifest, seals it with the same
// AEAD key/algorithm/salt used for its archive segments, and uploads it
// next to them as manifest.json.enc.
func (e *Engine) writeManifest(ctx context.Context, dest destination.Destination, backupID string, src metadata.Source, roots []string,
	backupType metadata.BackupType, baseID *string, startedAt, finishedAt time.Time, algo core.Algorithm, key, salt []byte,
	archives []archiveSummary, fileCount, totalBytes int64, verifier string) error {

	kind := "full"
	if backupType == metadata.BackupTypeIncremental {
		kind = "incr"
	}

	sources := make([]ManifestSource, len(roots))
	for i, root := range roots {
		sources[i] = ManifestSource{Name: src.Name, Path: root}
	}

	var sizeStored int64
	manArchives := make([]ManifestArchive, len(archives))
	for i, a := range archives {
		manArchives[i] = ManifestArchive{
			Ordinal: a.Ordinal, Name: a.Name, StoredSize: a.StoredSize,
			IVSeed: hex.EncodeToString(a.IVSeed), FilesCount: a.FilesCount,
		}
		sizeStored += a.StoredSize
	}

	m := Manifest{
		BackupID: backupID, Kind: kind, Timestamp: startedAt.UTC().Format(time.RFC3339),
		BaseBackupID: baseID, FormatVersion: manifestFormatVersion, Sources: sources, Archives: manArchives,
		Stats: ManifestStats{
			FilesTotal: fileCount, SizeOriginal: totalBytes, SizeStored: sizeStored,
			DurationSeconds: finishedAt.Sub(startedAt).Seconds(),
		},
		Verifier: verifier,
	}

	body, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}

	var sealed bytes.Buffer
	w, err := core.NewStreamWriter(&sealed, algo, key, salt, 0)
	if err != nil {
		return fmt.Errorf("open manifest cryptor: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("seal manifest: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("seal manifest: %w", err)
	}

	destKey := fmt.Sprintf("scrat-backup/backups/%s/manifest.json.enc", backupID)
	return dest.PutStream(ctx, destKey, bytes.NewReader(sealed.Bytes()))
}

const recoveryInfoBody = `scrat-backup recovery info
format_version: 1

This destination holds scrat-backup archives under backups/<backup_id>/.
Each backup directory contains an encrypted manifest, manifest.json.enc,
and one or more sealed segments, data.NNN.scrat. The manifest is sealed
with the backup's passphrase and lists the backup's id, kind, base
backup, sources, segments and totals; it does not hold per-file
placements. A scrat-backup restore run reads those placements from the
local metadata store and does not read the manifest.
`

// writeRecoveryInfo (re)writes the destination-root recovery instructions;
// idempotent, so every successful backup run is free to call it.
func writeRecoveryInfo(ctx context.Context, dest destination.Destination) error {
	return dest.PutStream(ctx, "scrat-backup/recovery_info.txt", strings.NewReader(recoveryInfoBody))
}
