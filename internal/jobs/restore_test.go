package jobs

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/tis24dev/datadance/internal/chain"
	"github.com/tis24dev/datadance/internal/safefs"
	"github.com/tis24dev/datadance/internal/types"
)

func TestRestoreAppliesChainUpToTarget(t *testing.T) {
	f := newFixture(t, "")
	first := f.runBackup(t, "s1/")
	second := f.runBackup(t, "s2/")
	third := f.runBackup(t, "s3/")
	if second.Parent == nil || *second.Parent != first.ID || *third.Parent != second.ID {
		t.Fatalf("chain not linked: %+v %+v %+v", first, second, third)
	}

	job := f.restoreJob(t, second.ID)
	result, err := job.Run(context.Background())
	if err != nil {
		t.Fatalf("restore: %v", err)
	}

	applied := f.source.Applied()
	want := [][2]string{{"", "s1/"}, {"s1/", "s2/"}}
	if len(applied) != len(want) || applied[0] != want[0] || applied[1] != want[1] {
		t.Fatalf("applied = %v, want %v", applied, want)
	}
	opened := f.dest.Opened()
	if len(opened) != 2 || opened[0] != "s1.bin" || opened[1] != "s2.dbin" {
		t.Fatalf("opened blobs = %v, want [s1.bin s2.dbin]", opened)
	}
	if result.EntriesApplied != 2 || result.TargetBackupID != second.ID {
		t.Fatalf("unexpected result %+v", result)
	}
	if cleared := f.source.ClearedRestored(); len(cleared) != 1 || cleared[0] != "s1/" {
		t.Fatalf("cleared restored = %v, want [s1/]", cleared)
	}
}

func TestRestoreRoundTripsEncryptedData(t *testing.T) {
	f := newFixture(t, "correct horse battery staple")
	backup := f.runBackup(t, "only/")

	if _, err := f.restoreJob(t, backup.ID).Run(context.Background()); err != nil {
		t.Fatalf("restore: %v", err)
	}
	got, ok := f.source.Restored("only/")
	if !ok {
		t.Fatalf("snapshot never received")
	}
	if !bytes.Equal(got, fakeData(t, 64<<10)) {
		t.Fatalf("restored %d bytes that differ from the source", len(got))
	}
}

func TestRestoreWithWrongPasswordFails(t *testing.T) {
	f := newFixture(t, "right")
	backup := f.runBackup(t, "only/")

	wrong := newFixture(t, "wrong")
	wrong.source = f.source
	wrong.memory = f.memory
	wrong.dest = f.dest
	_, err := wrong.restoreJob(t, backup.ID).Run(context.Background())
	if !IsStage(err, StageRestoringData) {
		t.Fatalf("err = %v, want RestoringData", err)
	}
	var stageErr *StageError
	if !errors.As(err, &stageErr) || stageErr.Entry == nil || *stageErr.Entry != backup.ID {
		t.Fatalf("stage error does not name entry %d: %v", backup.ID, err)
	}
	if len(f.source.Applied()) != 0 {
		t.Fatalf("snapshot applied despite decode failure")
	}
}

func TestRestoreUnknownTargetFailsBeforeDownload(t *testing.T) {
	f := newFixture(t, "")
	f.runBackup(t, "s1/")

	_, err := f.restoreJob(t, 4242).Run(context.Background())
	if !IsStage(err, StageFetchingMetadata) || !errors.Is(err, chain.ErrEntryNotFound) {
		t.Fatalf("err = %v, want FetchingMetadata/ErrEntryNotFound", err)
	}
	if opened := f.dest.Opened(); len(opened) != 0 {
		t.Fatalf("downloaded %v for an unknown target", opened)
	}
}

func TestRestoreStopsAtFailingEntry(t *testing.T) {
	f := newFixture(t, "")
	f.runBackup(t, "s1/")
	second := f.runBackup(t, "s2/")
	third := f.runBackup(t, "s3/")
	f.source.FailApply("s2/", errors.New("subvolume missing"))

	result, err := f.restoreJob(t, third.ID).Run(context.Background())
	var stageErr *StageError
	if !errors.As(err, &stageErr) || stageErr.Stage != StageRestoringData || *stageErr.Entry != second.ID {
		t.Fatalf("err = %v, want RestoringData on entry %d", err, second.ID)
	}
	if result.EntriesApplied != 1 {
		t.Fatalf("entries applied = %d, want 1", result.EntriesApplied)
	}
	if opened := f.dest.Opened(); len(opened) != 2 {
		t.Fatalf("opened = %v, want two downloads", opened)
	}
}

func TestRestoreWritesProgressRecord(t *testing.T) {
	f := newFixture(t, "")
	f.runBackup(t, "s1/")
	second := f.runBackup(t, "s2/")

	job := f.restoreJob(t, second.ID)
	if _, err := job.Run(context.Background()); err != nil {
		t.Fatalf("restore: %v", err)
	}

	var record restoreRecord
	found, err := safefs.ReadJSON(job.ProgressFile(), &record)
	if err != nil || !found {
		t.Fatalf("progress record: found=%v err=%v", found, err)
	}
	if record.JobID != job.ID() || record.TargetBackupID != second.ID {
		t.Fatalf("unexpected record %+v", record)
	}
	if record.CurrentBackupID == nil || *record.CurrentBackupID != second.ID {
		t.Fatalf("current id = %v, want %d", record.CurrentBackupID, second.ID)
	}
	if record.CurrentSnapshot == nil || *record.CurrentSnapshot != "s2/" {
		t.Fatalf("current snapshot = %v", record.CurrentSnapshot)
	}

	status := job.Status()
	if status.Phase != RestoreFinished || status.EntriesApplied != 2 || status.EntriesTotal != 2 {
		t.Fatalf("status = %+v", status)
	}
	if status.BytesRead == 0 || status.BytesWritten != 2*(64<<10) {
		t.Fatalf("status counters = %d/%d", status.BytesRead, status.BytesWritten)
	}
}

func TestRestoreRequiresTargetFolder(t *testing.T) {
	f := newFixture(t, "")
	job := NewRestoreJob(RestoreParams{BackupID: 1}, RestoreOptions{Source: f.source, Destination: f.dest})
	if _, err := job.Run(context.Background()); !IsStage(err, StageFetchingMetadata) {
		t.Fatalf("err = %v, want FetchingMetadata", err)
	}
}

func TestRestoreWalksEveryOlderEntry(t *testing.T) {
	f := newFixture(t, "")
	f.runBackup(t, "s1/")
	f.runBackup(t, "s2/")
	third := f.runBackup(t, "s3/")

	history, err := f.memory.BackupHistory(context.Background())
	if err != nil {
		t.Fatalf("BackupHistory: %v", err)
	}
	for i := range history.Entries {
		if history.Entries[i].LocalSnapshot == "s2/" {
			history.Entries[i].Parent = nil
			history.Entries[i].BackupType = types.BackupFull
		}
	}
	if err := f.memory.SetBackupHistory(context.Background(), history); err != nil {
		t.Fatalf("SetBackupHistory: %v", err)
	}

	result, err := f.restoreJob(t, third.ID).Run(context.Background())
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	opened := f.dest.Opened()
	if len(opened) != 3 || opened[0] != "s1.bin" || opened[1] != "s2.dbin" || opened[2] != "s3.dbin" {
		t.Fatalf("opened blobs = %v, want every entry up to s3", opened)
	}
	if result.EntriesApplied != 3 {
		t.Fatalf("entries applied = %d, want 3", result.EntriesApplied)
	}
}

func TestRestoreSurvivesProgressRecordFailure(t *testing.T) {
	f := newFixture(t, "")
	backup := f.runBackup(t, "s1/")

	jobsFolder := filepath.Join(t.TempDir(), "not-a-dir")
	if err := os.WriteFile(jobsFolder, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	job := NewRestoreJob(RestoreParams{BackupID: backup.ID, TargetFolder: t.TempDir()}, RestoreOptions{
		Source:      f.source,
		Destination: f.dest,
		Compression: types.CompressionFast,
		JobsFolder:  jobsFolder,
		Now:         f.now,
	})
	result, err := job.Run(context.Background())
	if err != nil {
		t.Fatalf("restore failed because of the progress record: %v", err)
	}
	if result.EntriesApplied != 1 {
		t.Fatalf("entries applied = %d, want 1", result.EntriesApplied)
	}
	if _, err := os.Stat(job.ProgressFile()); err == nil {
		t.Fatalf("progress record unexpectedly written to %s", job.ProgressFile())
	}
	if status := job.Status(); status.Phase != RestoreFinished {
		t.Fatalf("phase = %v, want finished", status.Phase)
	}
}
