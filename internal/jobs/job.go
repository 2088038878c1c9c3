// Package jobs runs backup and restore jobs against a source and a
// destination and keeps the single-flight slots and the job-result log.
package jobs

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Kind is a job category. Each kind has its own single-flight slot.
type Kind string

const (
	KindBackup  Kind = "backup"
	KindRestore Kind = "restore"
)

// Outcome is the terminal status of a job.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeError   Outcome = "error"
)

// Job is something the Executor can run.
type Job interface {
	ID() string
	Kind() Kind
	// Execute runs the job to completion. Failures are reported inside the
	// result, never returned.
	Execute(ctx context.Context) JobResult
}

// JobResult is one record of the job-result log.
type JobResult struct {
	JobID      string         `json:"job_id"`
	Kind       Kind           `json:"kind"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Outcome    Outcome        `json:"outcome"`
	Error      string         `json:"error,omitempty"`
	Backup     *BackupResult  `json:"backup,omitempty"`
	Restore    *RestoreResult `json:"restore,omitempty"`
}

// Succeeded reports whether the job finished without error.
func (r JobResult) Succeeded() bool {
	return r.Outcome == OutcomeSuccess
}

// Duration is the wall time the job took.
func (r JobResult) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

func newJobID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func finish(result JobResult, now time.Time, err error) JobResult {
	result.FinishedAt = now
	if err != nil {
		result.Outcome = OutcomeError
		result.Error = err.Error()
		return result
	}
	result.Outcome = OutcomeSuccess
	return result
}
