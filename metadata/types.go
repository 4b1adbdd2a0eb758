package metadata

import "time"

type BackupType string

const (
	BackupTypeFull        BackupType = "full"
	BackupTypeIncremental BackupType = "incremental"
)

type BackupStatus string

const (
	BackupStatusRunning   BackupStatus = "running"
	BackupStatusCompleted BackupStatus = "completed"
	BackupStatusFailed    BackupStatus = "failed"
	BackupStatusCancelled BackupStatus = "cancelled"
)

type Frequency string

const (
	FrequencyDaily    Frequency = "daily"
	FrequencyWeekly   Frequency = "weekly"
	FrequencyMonthly  Frequency = "monthly"
	FrequencyStartup  Frequency = "startup"
	FrequencyShutdown Frequency = "shutdown"
)

// Source is a named set of root paths and filters a Schedule backs up.
type Source struct {
	ID           string
	Name         string
	RootsJSON    string
	FiltersJSON  string
	Enabled      bool
	WatchEnabled bool
	CreatedAt    time.Time
}

// Destination is a configured backup target of a given Kind.
type Destination struct {
	ID         string
	Name       string
	Kind       string
	ConfigJSON string
	CreatedAt  time.Time
}

// Schedule binds a Source to a Destination with a firing Frequency and
// a retention policy.
type Schedule struct {
	ID            string
	SourceID      string
	DestinationID string
	Frequency     Frequency
	AtMinute      int
	AtHour        int
	DayOfWeek     int
	DayOfMonth    int
	RetentionJSON string
	Enabled       bool
	LastRunAt     *time.Time
	NextRunAt     *time.Time
	CreatedAt     time.Time
}

// Backup is one full or incremental backup run.
type Backup struct {
	ID            string
	ScheduleID    *string
	SourceID      string
	DestinationID string
	BackupType    BackupType
	BaseBackupID  *string
	Status        BackupStatus
	Algorithm     uint8
	Compression   string
	Salt          []byte
	Verifier      string
	KDFIterations int
	FileCount     int64
	TotalBytes    int64
	StartedAt     time.Time
	FinishedAt    *time.Time
	ErrorMessage  string
}

// Archive is one sealed container segment within a Backup.
type Archive struct {
	ID             string
	BackupID       string
	Sequence       int
	DestinationKey string
	IVSeed         []byte
	PlainBytes     int64
	StoredBytes    int64
}

// BackupFile is one path's placement within an Archive, enough to locate
// and restore a single file without replaying the whole archive.
type BackupFile struct {
	BackupID        string
	ArchiveID       string
	RelativePath    string
	SourceRoot      string
	ByteOffset      int64
	ByteLength      int64
	Size            int64
	Mode            uint32
	ModTimeUnixNano int64
	IsDir           bool
	IsLink          bool
	LinkDest        string
	Deleted         bool
}
