package jobs

import (
	"fmt"

	"github.com/tis24dev/datadance/internal/safefs"
)

// JobLogName is the job-result log inside the jobs folder.
const JobLogName = "history.json"

// JobLog is the append-only list of finished jobs, oldest first.
type JobLog struct {
	Results []JobResult `json:"results"`
}

// Last returns the most recent result of kind, if any.
func (l JobLog) Last(kind Kind) (JobResult, bool) {
	for i := len(l.Results) - 1; i >= 0; i-- {
		if l.Results[i].Kind == kind {
			return l.Results[i], true
		}
	}
	return JobResult{}, false
}

// Result returns the record of the job with the given id.
func (l JobLog) Result(jobID string) (JobResult, bool) {
	for i := len(l.Results) - 1; i >= 0; i-- {
		if l.Results[i].JobID == jobID {
			return l.Results[i], true
		}
	}
	return JobResult{}, false
}

// LoadJobLog reads the log at path; a missing file is an empty log.
func LoadJobLog(path string) (JobLog, error) {
	var log JobLog
	if _, err := safefs.ReadJSON(path, &log); err != nil {
		return JobLog{}, fmt.Errorf("read job log: %w", err)
	}
	return log, nil
}

// AppendJobLog reads the log, appends result and rewrites it atomically.
// Callers serialize access.
func AppendJobLog(path string, result JobResult) error {
	log, err := LoadJobLog(path)
	if err != nil {
		return err
	}
	log.Results = append(log.Results, result)
	if err := safefs.WriteJSON(path, log); err != nil {
		return fmt.Errorf("write job log: %w", err)
	}
	return nil
}
