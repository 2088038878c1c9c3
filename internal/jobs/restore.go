package jobs

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"time"

	"github.com/tis24dev/datadance/internal/logging"
	"github.com/tis24dev/datadance/internal/safefs"
	"github.com/tis24dev/datadance/internal/source"
	"github.com/tis24dev/datadance/internal/storage"
	"github.com/tis24dev/datadance/internal/tunnel"
	"github.com/tis24dev/datadance/internal/types"
	"github.com/tis24dev/datadance/pkg/utils"
)

// RestorePhase is the discrete state of a restore job.
type RestorePhase string

const (
	RestoreInitial   RestorePhase = "Initial"
	RestoreStarted   RestorePhase = "Started"
	RestoreRestoring RestorePhase = "Restoring"
	RestoreFinished  RestorePhase = "Finished"
)

// RestoreParams selects what to restore and where.
type RestoreParams struct {
	BackupID     uint32
	TargetFolder string
}

// RestoreOptions wires a restore job.
type RestoreOptions struct {
	Source      source.Service
	Destination storage.Destination
	Compression types.CompressionLevel
	Encryption  tunnel.Encryption
	// JobsFolder receives the restore_<job id>.json progress record.
	JobsFolder string
	Logger     *logging.Logger
	Now        func() time.Time
}

type restoreState struct {
	phase           RestorePhase
	startedAt       time.Time
	entriesTotal    int
	entriesApplied  int
	currentID       *uint32
	currentSnapshot string
	bytesRead       uint64
	bytesWritten    uint64
	transfer        *tunnel.TrackedTransfer
}

// RestoreStatus is a point-in-time view of a running restore.
type RestoreStatus struct {
	JobID           string       `json:"job_id"`
	Phase           RestorePhase `json:"phase"`
	StartedAt       time.Time    `json:"started_at,omitempty"`
	TargetBackupID  uint32       `json:"target_backup_id"`
	CurrentBackupID *uint32      `json:"current_backup_id"`
	CurrentSnapshot string       `json:"current_snapshot,omitempty"`
	EntriesApplied  int          `json:"entries_applied"`
	EntriesTotal    int          `json:"entries_total"`
	BytesRead       uint64       `json:"bytes_read"`
	BytesWritten    uint64       `json:"bytes_written"`
}

// RestoreResult describes a completed restore.
type RestoreResult struct {
	TargetBackupID   uint32                 `json:"target_backup_id"`
	EntriesApplied   int                    `json:"entries_applied"`
	BytesRead        uint64                 `json:"bytes_read"`
	BytesWritten     uint64                 `json:"bytes_written"`
	CompressionLevel types.CompressionLevel `json:"compression_level"`
	Encrypted        bool                   `json:"encrypted"`
}

// restoreRecord is the progress file written next to the job log. Nothing
// reads it back.
type restoreRecord struct {
	JobID           string  `json:"job_id"`
	TargetBackupID  uint32  `json:"target_backup_id"`
	CurrentBackupID *uint32 `json:"current_backup_id"`
	CurrentSnapshot *string `json:"current_snapshot"`
}

// RestoreJob downloads the chain leading to one backup and applies it entry
// by entry in a local folder.
type RestoreJob struct {
	id     string
	params RestoreParams
	opts   RestoreOptions
	log    *logging.Logger

	mu    sync.Mutex
	state restoreState
}

// NewRestoreJob prepares a job; nothing happens until Execute.
func NewRestoreJob(params RestoreParams, opts RestoreOptions) *RestoreJob {
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &RestoreJob{
		id:     newJobID(),
		params: params,
		opts:   opts,
		log:    opts.Logger.WithComponent("restore"),
		state:  restoreState{phase: RestoreInitial},
	}
}

func (j *RestoreJob) ID() string { return j.id }

func (j *RestoreJob) Kind() Kind { return KindRestore }

// ProgressFile is where the progress record is written.
func (j *RestoreJob) ProgressFile() string {
	return filepath.Join(j.opts.JobsFolder, "restore_"+j.id+".json")
}

func (j *RestoreJob) updateState(expect RestorePhase, fn func(*restoreState)) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state.phase != expect {
		return &ConcurrentStateError{Job: KindRestore, Expected: string(expect), Actual: string(j.state.phase)}
	}
	next := j.state
	fn(&next)
	j.state = next
	return nil
}

// Status returns a snapshot of the job's progress.
func (j *RestoreJob) Status() RestoreStatus {
	j.mu.Lock()
	state := j.state
	j.mu.Unlock()

	status := RestoreStatus{
		JobID:           j.id,
		Phase:           state.phase,
		StartedAt:       state.startedAt,
		TargetBackupID:  j.params.BackupID,
		CurrentBackupID: state.currentID,
		CurrentSnapshot: state.currentSnapshot,
		EntriesApplied:  state.entriesApplied,
		EntriesTotal:    state.entriesTotal,
		BytesRead:       state.bytesRead,
		BytesWritten:    state.bytesWritten,
	}
	if state.transfer != nil {
		status.BytesRead += state.transfer.BytesRead()
		status.BytesWritten += state.transfer.BytesWritten()
	}
	return status
}

// Execute implements Job.
func (j *RestoreJob) Execute(ctx context.Context) JobResult {
	result := JobResult{JobID: j.id, Kind: KindRestore, StartedAt: j.opts.Now()}
	restore, err := j.Run(ctx)
	if err != nil {
		j.log.Error("Restore failed: %v", err)
	}
	result.Restore = restore
	return finish(result, j.opts.Now(), err)
}

// Run restores the chain up to params.BackupID. A failure leaves whatever
// was already applied on disk.
func (j *RestoreJob) Run(ctx context.Context) (*RestoreResult, error) {
	startedAt := j.opts.Now()
	if err := j.updateState(RestoreInitial, func(s *restoreState) {
		s.phase = RestoreStarted
		s.startedAt = startedAt
	}); err != nil {
		return nil, err
	}
	if j.params.TargetFolder == "" {
		return nil, stageError(KindRestore, StageFetchingMetadata, errors.New("restore target folder not set"))
	}
	dst, src := j.opts.Destination, j.opts.Source
	target := j.params.BackupID

	j.log.Step("Fetching backup history from %s", dst.Name())
	history, err := dst.BackupHistory(ctx)
	if err != nil {
		return nil, stageError(KindRestore, StageFetchingMetadata, err)
	}
	links, err := history.UpTo(target)
	if err != nil {
		return nil, stageError(KindRestore, StageFetchingMetadata, err)
	}
	j.log.Info("Restoring backup %d through %d history entries into %s", target, len(links), j.params.TargetFolder)

	record := restoreRecord{JobID: j.id, TargetBackupID: target}
	j.writeRecord(record)

	if err := j.updateState(RestoreStarted, func(s *restoreState) {
		s.phase = RestoreRestoring
		s.entriesTotal = len(links)
	}); err != nil {
		return nil, err
	}

	result := &RestoreResult{
		TargetBackupID:   target,
		CompressionLevel: j.opts.Compression,
		Encrypted:        j.opts.Encryption.Enabled(),
	}
	decoder := tunnel.Decoder{Compression: j.opts.Compression, Encryption: j.opts.Encryption}
	var received []string
	previous := ""
	keep := ""

	for _, entry := range links {
		j.log.Step("Restoring entry %d (%s)", entry.ID, entry.RemoteFilename)

		reader, err := dst.BackupReader(ctx, entry.RemoteFilename)
		if err != nil {
			return result, entryError(StageRestoringData, entry.ID, err)
		}
		writer, err := src.RestoreWriter(ctx, j.params.TargetFolder, entry.LocalSnapshot)
		if err != nil {
			_ = reader.Close()
			return result, entryError(StageRestoringData, entry.ID, err)
		}

		transfer := tunnel.Track(decoder, reader, writer)
		id := entry.ID
		if err := j.updateState(RestoreRestoring, func(s *restoreState) {
			s.currentID = &id
			s.currentSnapshot = entry.LocalSnapshot
			s.transfer = transfer
		}); err != nil {
			_ = reader.Close()
			discard(writer)
			return result, err
		}

		runErr := transfer.Run()
		result.BytesRead += transfer.BytesRead()
		result.BytesWritten += transfer.BytesWritten()
		if runErr != nil {
			return result, entryError(StageRestoringData, entry.ID, runErr)
		}
		received = append(received, entry.LocalSnapshot)

		if err := src.ApplyRestoredSnapshot(ctx, j.params.TargetFolder, previous, entry.LocalSnapshot); err != nil {
			return result, entryError(StageRestoringData, entry.ID, err)
		}
		result.EntriesApplied++

		if err := j.updateState(RestoreRestoring, func(s *restoreState) {
			s.entriesApplied++
			s.bytesRead += transfer.BytesRead()
			s.bytesWritten += transfer.BytesWritten()
			s.transfer = nil
		}); err != nil {
			return result, err
		}

		snapshot := entry.LocalSnapshot
		record.CurrentBackupID = &id
		record.CurrentSnapshot = &snapshot
		j.writeRecord(record)

		previous = entry.LocalSnapshot
		if entry.ID == target {
			keep = entry.LocalSnapshot
			break
		}
	}

	j.log.Step("Clearing intermediate snapshots")
	if err := src.ClearRestoredSnapshots(ctx, j.params.TargetFolder, received, keep); err != nil {
		return result, stageError(KindRestore, StageClearingSnapshots, err)
	}

	if err := j.updateState(RestoreRestoring, func(s *restoreState) {
		s.phase = RestoreFinished
	}); err != nil {
		return result, err
	}
	j.log.Info("Restored backup %d: %d entries applied (%s read, %s written)",
		target, result.EntriesApplied, utils.FormatBytes(result.BytesRead), utils.FormatBytes(result.BytesWritten))
	return result, nil
}

// writeRecord stores the progress record; failures are logged only.
func (j *RestoreJob) writeRecord(record restoreRecord) {
	if j.opts.JobsFolder == "" {
		return
	}
	if err := safefs.WriteJSON(j.ProgressFile(), record); err != nil {
		j.log.Warning("Cannot write restore progress record: %v", err)
	}
}
