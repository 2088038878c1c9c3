package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/tis24dev/datadance/internal/jobs"
	"github.com/tis24dev/datadance/internal/types"
	"github.com/tis24dev/datadance/pkg/utils"
)

var titleCaser = cases.Title(language.English)

func title(s string) string {
	return titleCaser.String(s)
}

func exitCodeFor(result jobs.JobResult) types.ExitCode {
	if result.Succeeded() {
		return types.ExitSuccess
	}
	if result.Kind == jobs.KindRestore {
		return types.ExitRestoreError
	}
	return types.ExitBackupError
}

// describeStatus renders the live progress line for the running jobs.
// It returns "" when nothing is running.
func describeStatus(active jobs.ActiveJobs) string {
	var parts []string
	if b := active.Backup; b != nil {
		line := fmt.Sprintf("%s: %s", title(string(jobs.KindBackup)), b.Phase)
		if b.Phase == jobs.BackupUploading {
			line += fmt.Sprintf(", read %s, wrote %s", utils.FormatBytes(b.BytesRead), utils.FormatBytes(b.BytesWritten))
			if b.Finishing {
				line += ", finishing"
			}
		}
		parts = append(parts, line)
	}
	if r := active.Restore; r != nil {
		line := fmt.Sprintf("%s: %s", title(string(jobs.KindRestore)), r.Phase)
		if r.Phase == jobs.RestoreRestoring {
			line += fmt.Sprintf(" %d/%d", r.EntriesApplied+1, r.EntriesTotal)
			if r.CurrentSnapshot != "" {
				line += " (" + r.CurrentSnapshot + ")"
			}
			line += fmt.Sprintf(", read %s", utils.FormatBytes(r.BytesRead))
		}
		parts = append(parts, line)
	}
	return strings.Join(parts, "; ")
}

// writeResult prints the summary of one finished job.
func writeResult(w io.Writer, result jobs.JobResult) {
	fmt.Fprintf(w, "%s job %s: %s in %s\n", title(string(result.Kind)), result.JobID,
		title(string(result.Outcome)), result.Duration().Round(time.Millisecond))
	if result.Error != "" {
		fmt.Fprintf(w, "  error: %s\n", result.Error)
	}
	if b := result.Backup; b != nil {
		kind := types.BackupFull
		if b.Parent != nil {
			kind = types.BackupIncremental
		}
		fmt.Fprintf(w, "  backup %d (%s) -> %s\n", b.ID, kind, b.RemoteFilename)
		fmt.Fprintf(w, "  read %s, wrote %s, compression %s, encrypted %t\n",
			utils.FormatBytes(b.BytesRead), utils.FormatBytes(b.BytesWritten), b.CompressionLevel, b.Encrypted)
		if b.OrphansRemoved > 0 {
			fmt.Fprintf(w, "  removed %d orphaned backup file(s)\n", b.OrphansRemoved)
		}
		for _, warning := range b.Warnings {
			fmt.Fprintf(w, "  warning: %s\n", warning)
		}
	}
	if r := result.Restore; r != nil {
		fmt.Fprintf(w, "  restored backup %d from %d entries, read %s, wrote %s\n",
			r.TargetBackupID, r.EntriesApplied, utils.FormatBytes(r.BytesRead), utils.FormatBytes(r.BytesWritten))
	}
}

// writeJobLog prints the job-result log, oldest first.
func writeJobLog(w io.Writer, log jobs.JobLog) error {
	if len(log.Results) == 0 {
		_, err := fmt.Fprintln(w, "No jobs recorded")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "JOB\tKIND\tSTARTED\tDURATION\tOUTCOME\tDETAIL")
	for _, r := range log.Results {
		detail := r.Error
		switch {
		case detail != "":
		case r.Backup != nil:
			detail = r.Backup.RemoteFilename
		case r.Restore != nil:
			detail = fmt.Sprintf("restored %d", r.Restore.TargetBackupID)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", r.JobID, title(string(r.Kind)),
			r.StartedAt.UTC().Format(time.RFC3339), r.Duration().Round(time.Second),
			title(string(r.Outcome)), detail)
	}
	return tw.Flush()
}
