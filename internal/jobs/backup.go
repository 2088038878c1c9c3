package jobs

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tis24dev/datadance/internal/chain"
	"github.com/tis24dev/datadance/internal/logging"
	"github.com/tis24dev/datadance/internal/source"
	"github.com/tis24dev/datadance/internal/storage"
	"github.com/tis24dev/datadance/internal/tunnel"
	"github.com/tis24dev/datadance/internal/types"
	"github.com/tis24dev/datadance/pkg/utils"
)

// BackupPhase is the discrete state of a backup job.
type BackupPhase string

const (
	BackupInitial   BackupPhase = "Initial"
	BackupStarted   BackupPhase = "Started"
	BackupUploading BackupPhase = "Uploading"
	BackupFinished  BackupPhase = "Finished"
)

// UploadProgress exposes the live counters of an upload. The counters are
// atomics owned by the transfer; reading them never blocks it.
type UploadProgress struct {
	read        *tunnel.Counter
	written     *tunnel.Counter
	compression types.CompressionLevel
	encrypted   bool
	finishing   atomic.Bool
}

type backupState struct {
	phase     BackupPhase
	startedAt time.Time
	progress  *UploadProgress
}

// BackupStatus is a point-in-time view of a running backup.
type BackupStatus struct {
	JobID            string                 `json:"job_id"`
	Phase            BackupPhase            `json:"phase"`
	StartedAt        time.Time              `json:"started_at,omitempty"`
	BytesRead        uint64                 `json:"bytes_read"`
	BytesWritten     uint64                 `json:"bytes_written"`
	CompressionLevel types.CompressionLevel `json:"compression_level,omitempty"`
	Encrypted        bool                   `json:"encrypted"`
	// Finishing means the counters are final and the job is storing
	// metadata or cleaning up.
	Finishing bool `json:"finishing"`
}

// BackupResult describes a completed backup.
type BackupResult struct {
	ID               uint32                 `json:"id"`
	Parent           *uint32                `json:"parent"`
	RemoteFilename   string                 `json:"remote_filename"`
	LocalSnapshot    string                 `json:"local_snapshot"`
	BytesRead        uint64                 `json:"bytes_read"`
	BytesWritten     uint64                 `json:"bytes_written"`
	CompressionLevel types.CompressionLevel `json:"compression_level"`
	Encrypted        bool                   `json:"encrypted"`
	OrphansRemoved   int                    `json:"orphans_removed"`
	Warnings         []string               `json:"warnings,omitempty"`
}

// BackupOptions wires a backup job.
type BackupOptions struct {
	Source      source.Service
	Destination storage.Destination
	Compression types.CompressionLevel
	Encryption  tunnel.Encryption
	Logger      *logging.Logger
	// Now defaults to time.Now; the new entry id derives from it.
	Now func() time.Time
}

// BackupJob uploads one incremental (or full) backup and records it in the
// remote ledger.
type BackupJob struct {
	id   string
	opts BackupOptions
	log  *logging.Logger

	mu    sync.Mutex
	state backupState
}

// NewBackupJob prepares a job; nothing happens until Execute.
func NewBackupJob(opts BackupOptions) *BackupJob {
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Compression == "" {
		opts.Compression = types.CompressionBalanced
	}
	return &BackupJob{
		id:    newJobID(),
		opts:  opts,
		log:   opts.Logger.WithComponent("backup"),
		state: backupState{phase: BackupInitial},
	}
}

func (j *BackupJob) ID() string { return j.id }

func (j *BackupJob) Kind() Kind { return KindBackup }

// updateState applies fn to a copy of the state when the current phase is
// expect, then swaps the copy in.
func (j *BackupJob) updateState(expect BackupPhase, fn func(*backupState)) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state.phase != expect {
		return &ConcurrentStateError{Job: KindBackup, Expected: string(expect), Actual: string(j.state.phase)}
	}
	next := j.state
	fn(&next)
	j.state = next
	return nil
}

// Status returns a snapshot of the job's progress.
func (j *BackupJob) Status() BackupStatus {
	j.mu.Lock()
	state := j.state
	j.mu.Unlock()

	status := BackupStatus{JobID: j.id, Phase: state.phase, StartedAt: state.startedAt}
	if p := state.progress; p != nil {
		status.BytesRead = p.read.Load()
		status.BytesWritten = p.written.Load()
		status.CompressionLevel = p.compression
		status.Encrypted = p.encrypted
		status.Finishing = p.finishing.Load()
	}
	return status
}

// Execute implements Job.
func (j *BackupJob) Execute(ctx context.Context) JobResult {
	result := JobResult{JobID: j.id, Kind: KindBackup, StartedAt: j.opts.Now()}
	backup, err := j.Run(ctx)
	if err != nil {
		j.log.Error("Backup failed: %v", err)
	}
	result.Backup = backup
	return finish(result, j.opts.Now(), err)
}

// Run performs the backup and returns its result or a stage-tagged error.
func (j *BackupJob) Run(ctx context.Context) (*BackupResult, error) {
	startedAt := j.opts.Now()
	if err := j.updateState(BackupInitial, func(s *backupState) {
		s.phase = BackupStarted
		s.startedAt = startedAt
	}); err != nil {
		return nil, err
	}
	dst := j.opts.Destination

	j.log.Step("Fetching backup history from %s", dst.Name())
	history, err := dst.BackupHistory(ctx)
	if err != nil {
		return nil, stageError(KindBackup, StageFetchingMetadata, err)
	}
	j.log.Debug("History holds %d entries", history.Len())

	j.log.Step("Creating snapshot")
	backup, err := j.opts.Source.BackupSource(ctx, history)
	if err != nil {
		return nil, stageError(KindBackup, StageCreatingSnapshot, err)
	}
	remoteFilename := chain.RemoteFilename(backup.LocalSnapshot, backup.ParentID != nil)
	if backup.ParentID != nil {
		j.log.Info("Incremental backup of %s against entry %d", backup.LocalSnapshot, *backup.ParentID)
	} else {
		j.log.Info("Full backup of %s", backup.LocalSnapshot)
	}

	writer, err := dst.BackupWriter(ctx, remoteFilename)
	if err != nil {
		_ = backup.Data.Close()
		return nil, stageError(KindBackup, StageUploading, err)
	}
	transfer := tunnel.Track(tunnel.Encoder{
		Compression: j.opts.Compression,
		Encryption:  j.opts.Encryption,
	}, backup.Data, writer)

	progress := &UploadProgress{
		read:        transfer.ReadCounter(),
		written:     transfer.WrittenCounter(),
		compression: j.opts.Compression,
		encrypted:   j.opts.Encryption.Enabled(),
	}
	if err := j.updateState(BackupStarted, func(s *backupState) {
		s.phase = BackupUploading
		s.progress = progress
	}); err != nil {
		_ = backup.Data.Close()
		discard(writer)
		return nil, err
	}

	j.log.Step("Uploading %s", remoteFilename)
	if err := transfer.Run(); err != nil {
		return nil, stageError(KindBackup, StageUploading, err)
	}
	progress.finishing.Store(true)

	entry := chain.NewEntry(j.opts.Now(), backup.ParentID, backup.LocalSnapshot)
	updated, err := history.Append(entry)
	if err != nil {
		return nil, stageError(KindBackup, StageStoringMetadata, err)
	}
	j.log.Step("Storing backup history (%d entries)", updated.Len())
	if err := dst.SetBackupHistory(ctx, updated); err != nil {
		return nil, stageError(KindBackup, StageStoringMetadata, err)
	}

	result := &BackupResult{
		ID:               entry.ID,
		Parent:           entry.Parent,
		RemoteFilename:   entry.RemoteFilename,
		LocalSnapshot:    entry.LocalSnapshot,
		BytesRead:        transfer.BytesRead(),
		BytesWritten:     transfer.BytesWritten(),
		CompressionLevel: j.opts.Compression,
		Encrypted:        progress.encrypted,
	}

	j.log.Step("Clearing local snapshots")
	if err := j.opts.Source.ClearLocalSnapshots(ctx, updated); err != nil {
		result.Warnings = append(result.Warnings, j.warn(StageClearingSnapshots, err))
	}
	j.log.Step("Clearing orphaned backups")
	removed, err := dst.ClearOrphanedBackups(ctx, updated)
	result.OrphansRemoved = removed
	if err != nil {
		result.Warnings = append(result.Warnings, j.warn(StageClearingOrphanedBackups, err))
	}

	if err := j.updateState(BackupUploading, func(s *backupState) {
		s.phase = BackupFinished
	}); err != nil {
		return result, err
	}
	j.log.Info("Backup %d stored as %s (%s read, %s written)",
		result.ID, result.RemoteFilename, utils.FormatBytes(result.BytesRead), utils.FormatBytes(result.BytesWritten))
	return result, nil
}

func (j *BackupJob) warn(stage Stage, err error) string {
	msg := stageError(KindBackup, stage, err).Error()
	j.log.Warning("%s", msg)
	return msg
}

// discard drops a writer that must not be committed.
func discard(w io.WriteCloser) {
	if a, ok := w.(tunnel.Aborter); ok {
		_ = a.Abort()
		return
	}
	_ = w.Close()
}

// IsStage reports whether err is a StageError for stage.
func IsStage(err error, stage Stage) bool {
	var stageErr *StageError
	return errors.As(err, &stageErr) && stageErr.Stage == stage
}
