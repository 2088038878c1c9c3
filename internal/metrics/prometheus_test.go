package metrics

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/tis24dev/datadance/internal/jobs"
	"github.com/tis24dev/datadance/internal/logging"
	"github.com/tis24dev/datadance/internal/types"
)

func readTextfile(t *testing.T, exporter *PrometheusExporter) string {
	t.Helper()
	data, err := os.ReadFile(exporter.Path())
	if err != nil {
		t.Fatalf("Failed to read metrics file: %v", err)
	}
	return string(data)
}

func TestPrometheusExporterRecordsBackup(t *testing.T) {
	dir := t.TempDir()
	exporter := NewPrometheusExporter(dir, logging.New(types.LogLevelError, false))

	exporter.RecordJob(jobs.JobResult{
		JobID:      "job-1",
		Kind:       jobs.KindBackup,
		StartedAt:  time.Unix(1000, 0),
		FinishedAt: time.Unix(1100, 0),
		Outcome:    jobs.OutcomeSuccess,
		Backup: &jobs.BackupResult{
			ID:             1704283200,
			RemoteFilename: "2024_01_03_12_00_00.dbin",
			BytesRead:      123456789,
			BytesWritten:   98765432,
			OrphansRemoved: 1,
			Warnings:       []string{"ClearingSnapshots failed"},
		},
	})

	content := readTextfile(t, exporter)
	for _, expected := range []string{
		`datadance_job_start_time_seconds{kind="backup"} 1000`,
		`datadance_job_end_time_seconds{kind="backup"} 1100`,
		`datadance_job_duration_seconds{kind="backup"} 100`,
		`datadance_job_status{kind="backup"} 1`,
		`datadance_job_runs_total{kind="backup",outcome="success"} 1`,
		`datadance_job_bytes_read{kind="backup"} 1.23456789e+08`,
		`datadance_backup_last_id 1.7042832e+09`,
		`datadance_backup_orphans_removed 1`,
		`datadance_backup_warnings 1`,
	} {
		if !strings.Contains(content, expected) {
			t.Fatalf("metrics output missing %q\n%s", expected, content)
		}
	}
}

func TestPrometheusExporterRecordsFailedRestore(t *testing.T) {
	dir := t.TempDir()
	exporter := NewPrometheusExporter(dir, nil)

	for i := 0; i < 2; i++ {
		exporter.RecordJob(jobs.JobResult{
			Kind:       jobs.KindRestore,
			StartedAt:  time.Unix(2000, 0),
			FinishedAt: time.Unix(2005, 0),
			Outcome:    jobs.OutcomeError,
			Error:      "restore job: FetchingMetadata failed",
		})
	}

	content := readTextfile(t, exporter)
	for _, expected := range []string{
		`datadance_job_status{kind="restore"} 2`,
		`datadance_job_runs_total{kind="restore",outcome="error"} 2`,
	} {
		if !strings.Contains(content, expected) {
			t.Fatalf("metrics output missing %q\n%s", expected, content)
		}
	}
	if strings.Contains(content, "datadance_restore_entries_applied 1") {
		t.Fatalf("failed restore should not update entries applied\n%s", content)
	}
}

func TestPrometheusExporterRequiresDirectory(t *testing.T) {
	if err := NewPrometheusExporter("", nil).Export(); err == nil {
		t.Fatal("expected error for empty directory")
	}
}

func TestNilExporterIgnoresJobs(t *testing.T) {
	var exporter *PrometheusExporter
	exporter.RecordJob(jobs.JobResult{Kind: jobs.KindBackup})
}
