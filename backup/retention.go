package backup

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/scrat-backup/scrat/destination"
	"github.com/scrat-backup/scrat/metadata"
)

// RetentionPolicy bounds how many completed backups a (source,
// destination) pair keeps. Zero means unbounded for that dimension; a
// policy with both fields zero disables rotation entirely.
type RetentionPolicy struct {
	KeepCount int `json:"keepCount"`
	KeepDays  int `json:"keepDays"`
}

func parseRetentionPolicy(retentionJSON string) (RetentionPolicy, error) {
	var p RetentionPolicy
	if retentionJSON == "" || retentionJSON == "{}" {
		return p, nil
	}
	if err := json.Unmarshal([]byte(retentionJSON), &p); err != nil {
		return RetentionPolicy{}, err
	}
	return p, nil
}

// applyRetention prunes completed backups for (sourceID, destinationID)
// that fall outside the policy, oldest first. A backup still referenced
// as another backup's base is never pruned, since deleting it would
// break every incremental descending from it; such a backup is skipped
// and counts against neither KeepCount nor KeepDays for the purpose of
// deciding what else to prune.
func (e *Engine) applyRetention(ctx context.Context, dest destination.Destination, sourceID, destinationID string, policy RetentionPolicy) error {
	if policy.KeepCount <= 0 && policy.KeepDays <= 0 {
		return nil
	}

	backups, err := e.Store.ListBackupsForDestination(destinationID)
	if err != nil {
		return err
	}
	var completed []metadata.Backup
	for _, b := range backups {
		if b.SourceID == sourceID && b.Status == metadata.BackupStatusCompleted {
			completed = append(completed, b)
		}
	}

	cutoff := time.Time{}
	if policy.KeepDays > 0 {
		cutoff = time.Now().AddDate(0, 0, -policy.KeepDays)
	}

	// completed is oldest-first; keep the newest KeepCount unconditionally.
	keepFromCount := 0
	if policy.KeepCount > 0 {
		keepFromCount = policy.KeepCount
		if keepFromCount > len(completed) {
			keepFromCount = len(completed)
		}
	}
	boundary := len(completed) - keepFromCount

	for i := 0; i < boundary; i++ {
		b := completed[i]
		if policy.KeepDays > 0 && b.StartedAt.After(cutoff) {
			continue
		}
		referenced, err := e.Store.IsReferencedAsBase(b.ID)
		if err != nil {
			return err
		}
		if referenced {
			continue
		}
		if err := e.deleteBackup(ctx, dest, b.ID); err != nil {
			log.Printf("retention: could not delete backup %s: %v", b.ID, err)
		}
	}
	return nil
}

func (e *Engine) deleteBackup(ctx context.Context, dest destination.Destination, backupID string) error {
	archives, err := e.Store.ListArchives(backupID)
	if err != nil {
		return err
	}
	for _, a := range archives {
		if err := dest.Delete(ctx, a.DestinationKey); err != nil {
			return err
		}
	}
	if err := dest.Delete(ctx, fmt.Sprintf("scrat-backup/backups/%s/manifest.json.enc", backupID)); err != nil {
		return err
	}
	return e.Store.DeleteBackup(backupID)
}
