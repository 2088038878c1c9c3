package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/tis24dev/datadance/internal/jobs"
	"github.com/tis24dev/datadance/internal/types"
)

func sampleBackupResult() jobs.JobResult {
	parent := uint32(20)
	start := time.Date(2024, 1, 3, 12, 0, 0, 0, time.UTC)
	return jobs.JobResult{
		JobID:      "job-1",
		Kind:       jobs.KindBackup,
		StartedAt:  start,
		FinishedAt: start.Add(1500 * time.Millisecond),
		Outcome:    jobs.OutcomeSuccess,
		Backup: &jobs.BackupResult{
			ID:               1704283200,
			Parent:           &parent,
			RemoteFilename:   "2024_01_03_12_00_00.dbin",
			CompressionLevel: types.CompressionBalanced,
			OrphansRemoved:   2,
			Warnings:         []string{"ClearingSnapshots: busy"},
		},
	}
}

func TestWriteResultBackup(t *testing.T) {
	var buf bytes.Buffer
	writeResult(&buf, sampleBackupResult())
	out := buf.String()

	for _, want := range []string{
		"Backup job job-1: Success in 1.5s",
		"backup 1704283200 (Incremental) -> 2024_01_03_12_00_00.dbin",
		"compression Balanced",
		"removed 2 orphaned",
		"warning: ClearingSnapshots: busy",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
}

func TestWriteResultFailure(t *testing.T) {
	result := jobs.JobResult{
		JobID:   "job-2",
		Kind:    jobs.KindRestore,
		Outcome: jobs.OutcomeError,
		Error:   "restore job: FetchingMetadata failed: unknown backup 3",
	}
	var buf bytes.Buffer
	writeResult(&buf, result)
	if !strings.Contains(buf.String(), "Restore job job-2: Error") || !strings.Contains(buf.String(), "unknown backup 3") {
		t.Fatalf("unexpected output:\n%s", buf.String())
	}
}

func TestExitCodeFor(t *testing.T) {
	tests := []struct {
		kind    jobs.Kind
		outcome jobs.Outcome
		want    types.ExitCode
	}{
		{jobs.KindBackup, jobs.OutcomeSuccess, types.ExitSuccess},
		{jobs.KindBackup, jobs.OutcomeError, types.ExitBackupError},
		{jobs.KindRestore, jobs.OutcomeSuccess, types.ExitSuccess},
		{jobs.KindRestore, jobs.OutcomeError, types.ExitRestoreError},
	}
	for _, tt := range tests {
		got := exitCodeFor(jobs.JobResult{Kind: tt.kind, Outcome: tt.outcome})
		if got != tt.want {
			t.Fatalf("exitCodeFor(%s, %s) = %v, want %v", tt.kind, tt.outcome, got, tt.want)
		}
	}
}

func TestDescribeStatus(t *testing.T) {
	if got := describeStatus(jobs.ActiveJobs{}); got != "" {
		t.Fatalf("describeStatus(idle) = %q, want empty", got)
	}

	active := jobs.ActiveJobs{
		Backup: &jobs.BackupStatus{Phase: jobs.BackupUploading, BytesRead: 2048, Finishing: true},
		Restore: &jobs.RestoreStatus{
			Phase:           jobs.RestoreRestoring,
			EntriesApplied:  1,
			EntriesTotal:    3,
			CurrentSnapshot: "snapshot_2",
		},
	}
	got := describeStatus(active)
	for _, want := range []string{"Backup: Uploading", "finishing", "Restore: Restoring 2/3 (snapshot_2)"} {
		if !strings.Contains(got, want) {
			t.Fatalf("describeStatus() = %q, missing %q", got, want)
		}
	}
}

func TestWriteJobLog(t *testing.T) {
	var buf bytes.Buffer
	if err := writeJobLog(&buf, jobs.JobLog{}); err != nil {
		t.Fatalf("writeJobLog(empty): %v", err)
	}
	if !strings.Contains(buf.String(), "No jobs recorded") {
		t.Fatalf("unexpected empty output: %q", buf.String())
	}

	buf.Reset()
	log := jobs.JobLog{Results: []jobs.JobResult{sampleBackupResult()}}
	if err := writeJobLog(&buf, log); err != nil {
		t.Fatalf("writeJobLog: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "JOB") || !strings.Contains(out, "job-1") || !strings.Contains(out, "2024_01_03_12_00_00.dbin") {
		t.Fatalf("unexpected job log output:\n%s", out)
	}
}
