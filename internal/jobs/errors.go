package jobs

import (
	"errors"
	"fmt"
)

// ErrJobAlreadyRunning is returned by Submit when the slot for the job's
// kind is occupied.
var ErrJobAlreadyRunning = errors.New("a job of this kind is already running")

// ErrExecutorClosed is returned by Submit after Close.
var ErrExecutorClosed = errors.New("executor is closed")

// Stage names the step a job was in when it failed.
type Stage string

const (
	StageFetchingMetadata        Stage = "FetchingMetadata"
	StageCreatingSnapshot        Stage = "CreatingSnapshot"
	StageUploading               Stage = "Uploading"
	StageStoringMetadata         Stage = "StoringMetadata"
	StageClearingSnapshots       Stage = "ClearingSnapshots"
	StageClearingOrphanedBackups Stage = "ClearingOrphanedBackups"
	StageRestoringData           Stage = "RestoringData"
)

// StageError is an IO failure tagged with the job stage it happened in.
// Entry is set for restore stages that work on one chain entry.
type StageError struct {
	Job   Kind
	Stage Stage
	Entry *uint32
	Err   error
}

func (e *StageError) Error() string {
	if e.Entry != nil {
		return fmt.Sprintf("%s job: %s(entry %d) failed: %v", e.Job, e.Stage, *e.Entry, e.Err)
	}
	return fmt.Sprintf("%s job: %s failed: %v", e.Job, e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

func stageError(job Kind, stage Stage, err error) error {
	return &StageError{Job: job, Stage: stage, Err: err}
}

func entryError(stage Stage, id uint32, err error) error {
	return &StageError{Job: KindRestore, Stage: stage, Entry: &id, Err: err}
}

// ConcurrentStateError reports a state transition whose precursor no longer
// matches the job's current state.
type ConcurrentStateError struct {
	Job      Kind
	Expected string
	Actual   string
}

func (e *ConcurrentStateError) Error() string {
	return fmt.Sprintf("%s job: concurrent state manipulation: expected %s, found %s", e.Job, e.Expected, e.Actual)
}
