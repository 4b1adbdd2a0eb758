package metadata

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var ErrNotFound = errors.New("metadata: record not found")

func (s *Store) InsertSource(src Source) error {
	_, err := s.db.Exec(
		`INSERT INTO sources (id, name, roots_json, filters_json, enabled, watch_enabled, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		src.ID, src.Name, src.RootsJSON, src.FiltersJSON, boolToInt(src.Enabled), boolToInt(src.WatchEnabled), src.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert source: %w", err)
	}
	return nil
}

func (s *Store) InsertDestination(dst Destination) error {
	_, err := s.db.Exec(
		`INSERT INTO destinations (id, name, kind, config_json, created_at) VALUES (?, ?, ?, ?, ?)`,
		dst.ID, dst.Name, dst.Kind, dst.ConfigJSON, dst.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert destination: %w", err)
	}
	return nil
}

func (s *Store) GetDestination(id string) (Destination, error) {
	var d Destination
	row := s.db.QueryRow(`SELECT id, name, kind, config_json, created_at FROM destinations WHERE id = ?`, id)
	if err := row.Scan(&d.ID, &d.Name, &d.Kind, &d.ConfigJSON, &d.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Destination{}, ErrNotFound
		}
		return Destination{}, fmt.Errorf("get destination: %w", err)
	}
	return d, nil
}

func (s *Store) UpsertSource(src Source) error {
	_, err := s.db.Exec(
		`INSERT INTO sources (id, name, roots_json, filters_json, enabled, watch_enabled, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name=excluded.name, roots_json=excluded.roots_json,
			filters_json=excluded.filters_json, enabled=excluded.enabled, watch_enabled=excluded.watch_enabled`,
		src.ID, src.Name, src.RootsJSON, src.FiltersJSON, boolToInt(src.Enabled), boolToInt(src.WatchEnabled), src.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert source: %w", err)
	}
	return nil
}

func (s *Store) DeleteSource(id string) error {
	_, err := s.db.Exec(`DELETE FROM sources WHERE id = ?`, id)
	return err
}

func (s *Store) UpsertDestination(dst Destination) error {
	_, err := s.db.Exec(
		`INSERT INTO destinations (id, name, kind, config_json, created_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name=excluded.name, kind=excluded.kind, config_json=excluded.config_json`,
		dst.ID, dst.Name, dst.Kind, dst.ConfigJSON, dst.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert destination: %w", err)
	}
	return nil
}

func (s *Store) DeleteDestination(id string) error {
	_, err := s.db.Exec(`DELETE FROM destinations WHERE id = ?`, id)
	return err
}

func (s *Store) GetSource(id string) (Source, error) {
	var src Source
	var enabled, watch int
	row := s.db.QueryRow(`SELECT id, name, roots_json, filters_json, enabled, watch_enabled, created_at FROM sources WHERE id = ?`, id)
	if err := row.Scan(&src.ID, &src.Name, &src.RootsJSON, &src.FiltersJSON, &enabled, &watch, &src.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Source{}, ErrNotFound
		}
		return Source{}, fmt.Errorf("get source: %w", err)
	}
	src.Enabled = enabled != 0
	src.WatchEnabled = watch != 0
	return src, nil
}

func (s *Store) ListSources() ([]Source, error) {
	rows, err := s.db.Query(`SELECT id, name, roots_json, filters_json, enabled, watch_enabled, created_at FROM sources`)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	defer rows.Close()

	var out []Source
	for rows.Next() {
		var src Source
		var enabled, watch int
		if err := rows.Scan(&src.ID, &src.Name, &src.RootsJSON, &src.FiltersJSON, &enabled, &watch, &src.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan source: %w", err)
		}
		src.Enabled = enabled != 0
		src.WatchEnabled = watch != 0
		out = append(out, src)
	}
	return out, rows.Err()
}

func (s *Store) ListSchedules() ([]Schedule, error) {
	rows, err := s.db.Query(`SELECT id, source_id, destination_id, frequency, at_minute, at_hour, day_of_week,
		day_of_month, retention_json, enabled, last_run_at, next_run_at, created_at FROM schedules`)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()

	var out []Schedule
	for rows.Next() {
		var sc Schedule
		var enabled int
		var lastRun, nextRun sql.NullTime
		if err := rows.Scan(&sc.ID, &sc.SourceID, &sc.DestinationID, &sc.Frequency, &sc.AtMinute, &sc.AtHour,
			&sc.DayOfWeek, &sc.DayOfMonth, &sc.RetentionJSON, &enabled, &lastRun, &nextRun, &sc.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		sc.Enabled = enabled != 0
		if lastRun.Valid {
			sc.LastRunAt = &lastRun.Time
		}
		if nextRun.Valid {
			sc.NextRunAt = &nextRun.Time
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

func (s *Store) GetSchedule(id string) (Schedule, error) {
	var sc Schedule
	var enabled int
	var lastRun, nextRun sql.NullTime
	row := s.db.QueryRow(`SELECT id, source_id, destination_id, frequency, at_minute, at_hour, day_of_week,
		day_of_month, retention_json, enabled, last_run_at, next_run_at, created_at FROM schedules WHERE id = ?`, id)
	if err := row.Scan(&sc.ID, &sc.SourceID, &sc.DestinationID, &sc.Frequency, &sc.AtMinute, &sc.AtHour,
		&sc.DayOfWeek, &sc.DayOfMonth, &sc.RetentionJSON, &enabled, &lastRun, &nextRun, &sc.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Schedule{}, ErrNotFound
		}
		return Schedule{}, fmt.Errorf("get schedule: %w", err)
	}
	sc.Enabled = enabled != 0
	if lastRun.Valid {
		sc.LastRunAt = &lastRun.Time
	}
	if nextRun.Valid {
		sc.NextRunAt = &nextRun.Time
	}
	return sc, nil
}

func (s *Store) UpsertSchedule(sc Schedule) error {
	_, err := s.db.Exec(
		`INSERT INTO schedules (id, source_id, destination_id, frequency, at_minute, at_hour, day_of_week,
			day_of_month, retention_json, enabled, last_run_at, next_run_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET source_id=excluded.source_id, destination_id=excluded.destination_id,
			frequency=excluded.frequency, at_minute=excluded.at_minute, at_hour=excluded.at_hour,
			day_of_week=excluded.day_of_week, day_of_month=excluded.day_of_month,
			retention_json=excluded.retention_json, enabled=excluded.enabled`,
		sc.ID, sc.SourceID, sc.DestinationID, sc.Frequency, sc.AtMinute, sc.AtHour, sc.DayOfWeek, sc.DayOfMonth,
		sc.RetentionJSON, boolToInt(sc.Enabled), sc.LastRunAt, sc.NextRunAt, sc.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert schedule: %w", err)
	}
	return nil
}

func (s *Store) DeleteSchedule(id string) error {
	_, err := s.db.Exec(`DELETE FROM schedules WHERE id = ?`, id)
	return err
}

func (s *Store) SetScheduleRunTimes(id string, lastRun, nextRun time.Time) error {
	_, err := s.db.Exec(`UPDATE schedules SET last_run_at = ?, next_run_at = ? WHERE id = ?`, lastRun, nextRun, id)
	return err
}

func (s *Store) InsertBackup(b Backup) error {
	_, err := s.db.Exec(
		`INSERT INTO backups (id, schedule_id, source_id, destination_id, backup_type, base_backup_id, status,
			algorithm, compression, salt, verifier, kdf_iterations, file_count, total_bytes, started_at, finished_at, error_message)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.ScheduleID, b.SourceID, b.DestinationID, b.BackupType, b.BaseBackupID, b.Status,
		b.Algorithm, b.Compression, b.Salt, b.Verifier, b.KDFIterations, b.FileCount, b.TotalBytes,
		b.StartedAt, b.FinishedAt, b.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("insert backup: %w", err)
	}
	return nil
}

func (s *Store) FinishBackup(id string, status BackupStatus, fileCount, totalBytes int64, finishedAt time.Time, errMsg string) error {
	_, err := s.db.Exec(
		`UPDATE backups SET status = ?, file_count = ?, total_bytes = ?, finished_at = ?, error_message = ? WHERE id = ?`,
		status, fileCount, totalBytes, finishedAt, errMsg, id,
	)
	return err
}

func (s *Store) GetBackup(id string) (Backup, error) {
	var b Backup
	row := s.db.QueryRow(
		`SELECT id, schedule_id, source_id, destination_id, backup_type, base_backup_id, status, algorithm,
			compression, salt, verifier, kdf_iterations, file_count, total_bytes, started_at, finished_at, error_message
		 FROM backups WHERE id = ?`, id)
	if err := scanBackup(row, &b); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Backup{}, ErrNotFound
		}
		return Backup{}, fmt.Errorf("get backup: %w", err)
	}
	return b, nil
}

// ListBackupsForDestination returns every backup targeting destID,
// ordered oldest-first, for rotation and restore-point listing.
func (s *Store) ListBackupsForDestination(destID string) ([]Backup, error) {
	rows, err := s.db.Query(
		`SELECT id, schedule_id, source_id, destination_id, backup_type, base_backup_id, status, algorithm,
			compression, salt, verifier, kdf_iterations, file_count, total_bytes, started_at, finished_at, error_message
		 FROM backups WHERE destination_id = ? ORDER BY started_at ASC`, destID)
	if err != nil {
		return nil, fmt.Errorf("list backups: %w", err)
	}
	defer rows.Close()

	var out []Backup
	for rows.Next() {
		var b Backup
		if err := scanBackup(rows, &b); err != nil {
			return nil, fmt.Errorf("scan backup: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// ListAllBackups returns every backup across every destination, newest
// first, for a history view.
func (s *Store) ListAllBackups(limit int) ([]Backup, error) {
	rows, err := s.db.Query(
		`SELECT id, schedule_id, source_id, destination_id, backup_type, base_backup_id, status, algorithm,
			compression, salt, verifier, kdf_iterations, file_count, total_bytes, started_at, finished_at, error_message
		 FROM backups ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list all backups: %w", err)
	}
	defer rows.Close()

	var out []Backup
	for rows.Next() {
		var b Backup
		if err := scanBackup(rows, &b); err != nil {
			return nil, fmt.Errorf("scan backup: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBackup(row rowScanner, b *Backup) error {
	var finished sql.NullTime
	var scheduleID, baseID sql.NullString
	if err := row.Scan(&b.ID, &scheduleID, &b.SourceID, &b.DestinationID, &b.BackupType, &baseID, &b.Status,
		&b.Algorithm, &b.Compression, &b.Salt, &b.Verifier, &b.KDFIterations, &b.FileCount, &b.TotalBytes,
		&b.StartedAt, &finished, &b.ErrorMessage); err != nil {
		return err
	}
	if scheduleID.Valid {
		b.ScheduleID = &scheduleID.String
	}
	if baseID.Valid {
		b.BaseBackupID = &baseID.String
	}
	if finished.Valid {
		b.FinishedAt = &finished.Time
	}
	return nil
}

func (s *Store) DeleteBackup(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`DELETE FROM backup_files WHERE backup_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM archives WHERE backup_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM backups WHERE id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

// IsReferencedAsBase reports whether id is used as another backup's
// base_backup_id — the rotation policy must never delete such a backup.
func (s *Store) IsReferencedAsBase(id string) (bool, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM backups WHERE base_backup_id = ?`, id).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check base reference: %w", err)
	}
	return n > 0, nil
}

func (s *Store) InsertArchive(a Archive) error {
	_, err := s.db.Exec(
		`INSERT INTO archives (id, backup_id, sequence, destination_key, iv_seed, plain_bytes, stored_bytes)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.BackupID, a.Sequence, a.DestinationKey, a.IVSeed, a.PlainBytes, a.StoredBytes,
	)
	if err != nil {
		return fmt.Errorf("insert archive: %w", err)
	}
	return nil
}

func (s *Store) ListArchives(backupID string) ([]Archive, error) {
	rows, err := s.db.Query(
		`SELECT id, backup_id, sequence, destination_key, iv_seed, plain_bytes, stored_bytes
		 FROM archives WHERE backup_id = ? ORDER BY sequence ASC`, backupID)
	if err != nil {
		return nil, fmt.Errorf("list archives: %w", err)
	}
	defer rows.Close()

	var out []Archive
	for rows.Next() {
		var a Archive
		if err := rows.Scan(&a.ID, &a.BackupID, &a.Sequence, &a.DestinationKey, &a.IVSeed, &a.PlainBytes, &a.StoredBytes); err != nil {
			return nil, fmt.Errorf("scan archive: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) InsertBackupFile(f BackupFile) error {
	_, err := s.db.Exec(
		`INSERT INTO backup_files (backup_id, archive_id, relative_path, source_root, byte_offset, byte_length,
			size, mode, mod_time_unix_nano, is_dir, is_link, link_dest, deleted)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.BackupID, f.ArchiveID, f.RelativePath, f.SourceRoot, f.ByteOffset, f.ByteLength,
		f.Size, f.Mode, f.ModTimeUnixNano, boolToInt(f.IsDir), boolToInt(f.IsLink), f.LinkDest, boolToInt(f.Deleted),
	)
	if err != nil {
		return fmt.Errorf("insert backup file: %w", err)
	}
	return nil
}

// PriorFileState reconstructs the last-known state of every relative
// path recorded by a chain of backups (oldest first), so the scanner
// can diff against it without hashing content. Later backups in the
// chain override earlier ones for the same path.
func (s *Store) PriorFileState(backupIDs []string, sourceRoot string) (map[string]struct {
	Size    int64
	ModTime int64
	Deleted bool
}, error) {
	type state struct {
		Size    int64
		ModTime int64
		Deleted bool
	}
	out := make(map[string]state)

	for _, id := range backupIDs {
		rows, err := s.db.Query(
			`SELECT relative_path, size, mod_time_unix_nano, is_dir, is_link, deleted
			 FROM backup_files WHERE backup_id = ? AND source_root = ?`, id, sourceRoot)
		if err != nil {
			return nil, fmt.Errorf("query prior file state: %w", err)
		}
		for rows.Next() {
			var relPath string
			var size, modTime int64
			var isDir, isLink, deleted int
			if err := rows.Scan(&relPath, &size, &modTime, &isDir, &isLink, &deleted); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan prior file state: %w", err)
			}
			out[relPath] = state{Size: size, ModTime: modTime, Deleted: deleted != 0}
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}

	result := make(map[string]struct {
		Size    int64
		ModTime int64
		Deleted bool
	}, len(out))
	for k, v := range out {
		if v.Deleted {
			continue
		}
		result[k] = struct {
			Size    int64
			ModTime int64
			Deleted bool
		}{v.Size, v.ModTime, v.Deleted}
	}
	return result, nil
}

// FindFileVersions returns every recorded row of relPath under sourceRoot
// among backupIDs, deletion markers included, in no particular order;
// picking the last writer is left to the caller.
func (s *Store) FindFileVersions(backupIDs []string, sourceRoot, relPath string) ([]BackupFile, error) {
	if len(backupIDs) == 0 {
		return nil, nil
	}
	query := `SELECT backup_id, archive_id, relative_path, source_root, byte_offset, byte_length, size, mode,
		mod_time_unix_nano, is_dir, is_link, link_dest, deleted FROM backup_files
		WHERE source_root = ? AND relative_path = ? AND backup_id IN (` + placeholders(len(backupIDs)) + `)`
	args := make([]any, 0, len(backupIDs)+2)
	args = append(args, sourceRoot, relPath)
	for _, id := range backupIDs {
		args = append(args, id)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("find file versions: %w", err)
	}
	defer rows.Close()

	var out []BackupFile
	for rows.Next() {
		var f BackupFile
		var isDir, isLink, deleted int
		if err := rows.Scan(&f.BackupID, &f.ArchiveID, &f.RelativePath, &f.SourceRoot, &f.ByteOffset, &f.ByteLength,
			&f.Size, &f.Mode, &f.ModTimeUnixNano, &isDir, &isLink, &f.LinkDest, &deleted); err != nil {
			return nil, fmt.Errorf("scan file version: %w", err)
		}
		f.IsDir, f.IsLink, f.Deleted = isDir != 0, isLink != 0, deleted != 0
		out = append(out, f)
	}
	return out, rows.Err()
}

// ListFilesForBackup returns every BackupFile row recorded for a single
// backup_id, used by full restores and by chain replay.
func (s *Store) ListFilesForBackup(backupID string) ([]BackupFile, error) {
	rows, err := s.db.Query(
		`SELECT backup_id, archive_id, relative_path, source_root, byte_offset, byte_length, size, mode,
			mod_time_unix_nano, is_dir, is_link, link_dest, deleted FROM backup_files WHERE backup_id = ?`, backupID)
	if err != nil {
		return nil, fmt.Errorf("list files for backup: %w", err)
	}
	defer rows.Close()

	var out []BackupFile
	for rows.Next() {
		var f BackupFile
		var isDir, isLink, deleted int
		if err := rows.Scan(&f.BackupID, &f.ArchiveID, &f.RelativePath, &f.SourceRoot, &f.ByteOffset, &f.ByteLength,
			&f.Size, &f.Mode, &f.ModTimeUnixNano, &isDir, &isLink, &f.LinkDest, &deleted); err != nil {
			return nil, fmt.Errorf("scan backup file: %w", err)
		}
		f.IsDir, f.IsLink, f.Deleted = isDir != 0, isLink != 0, deleted != 0
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *Store) AppendLogEvent(runID, kind, payloadJSON string, createdAt time.Time) error {
	_, err := s.db.Exec(`INSERT INTO log_ring (run_id, kind, payload_json, created_at) VALUES (?, ?, ?, ?)`,
		runID, kind, payloadJSON, createdAt)
	return err
}

func placeholders(n int) string {
	b := make([]byte, 0, n*2)
	for i := 0; i < n; i++ {
		if i > 0 {
			b = append(b, ',')
		}
		b = append(b, '?')
	}
	return string(b)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
