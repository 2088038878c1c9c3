package jobs

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/tis24dev/datadance/internal/logging"
)

// Recorder receives every finished job, e.g. to export metrics.
type Recorder interface {
	RecordJob(result JobResult)
}

// ExecutorOptions configures an Executor.
type ExecutorOptions struct {
	// JobsFolder holds history.json; empty disables the log.
	JobsFolder string
	Logger     *logging.Logger
	Recorder   Recorder
}

// ActiveJobs describes the occupied slots; nil means idle.
type ActiveJobs struct {
	Backup  *BackupStatus  `json:"backup"`
	Restore *RestoreStatus `json:"restore"`
}

type slot struct {
	mu  sync.Mutex
	job Job
}

func (s *slot) current() Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.job
}

// Executor runs at most one backup and at most one restore at a time. The
// two kinds do not block each other.
type Executor struct {
	ctx      context.Context
	logPath  string
	logger   *logging.Logger
	recorder Recorder

	backup  slot
	restore slot

	logMu   sync.Mutex
	logErrs chan error
	wg      sync.WaitGroup

	closeMu sync.Mutex
	closed  bool
}

// NewExecutor returns an idle executor. Jobs see the values of ctx but not
// its cancellation: a submitted job always runs to completion.
func NewExecutor(ctx context.Context, opts ExecutorOptions) *Executor {
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	e := &Executor{
		ctx:      context.WithoutCancel(ctx),
		logger:   opts.Logger.WithComponent("executor"),
		recorder: opts.Recorder,
		logErrs:  make(chan error, 16),
	}
	if opts.JobsFolder != "" {
		e.logPath = filepath.Join(opts.JobsFolder, JobLogName)
	}
	return e
}

func (e *Executor) slotFor(kind Kind) (*slot, error) {
	switch kind {
	case KindBackup:
		return &e.backup, nil
	case KindRestore:
		return &e.restore, nil
	}
	return nil, fmt.Errorf("unknown job kind %q", kind)
}

// Submit starts job on its own goroutine and returns at once. It fails with
// ErrJobAlreadyRunning when a job of the same kind is in flight.
func (e *Executor) Submit(job Job) error {
	s, err := e.slotFor(job.Kind())
	if err != nil {
		return err
	}

	e.closeMu.Lock()
	defer e.closeMu.Unlock()
	if e.closed {
		return ErrExecutorClosed
	}

	s.mu.Lock()
	if s.job != nil {
		running := s.job.ID()
		s.mu.Unlock()
		return fmt.Errorf("%s job %s: %w", job.Kind(), running, ErrJobAlreadyRunning)
	}
	s.job = job
	s.mu.Unlock()

	e.logger.Info("Started %s job %s", job.Kind(), job.ID())
	e.wg.Add(1)
	go e.work(s, job)
	return nil
}

func (e *Executor) work(s *slot, job Job) {
	defer e.wg.Done()
	defer func() {
		s.mu.Lock()
		s.job = nil
		s.mu.Unlock()
	}()

	result := job.Execute(e.ctx)
	if result.Succeeded() {
		e.logger.Info("%s job %s finished in %s", job.Kind(), job.ID(), result.Duration().Round(time.Millisecond))
	} else {
		e.logger.Warning("%s job %s failed: %s", job.Kind(), job.ID(), result.Error)
	}

	e.appendLog(result)
	if e.recorder != nil {
		e.recorder.RecordJob(result)
	}
}

func (e *Executor) appendLog(result JobResult) {
	if e.logPath == "" {
		return
	}
	e.logMu.Lock()
	err := AppendJobLog(e.logPath, result)
	e.logMu.Unlock()
	if err == nil {
		return
	}
	e.logger.Error("Cannot record %s job %s: %v", result.Kind, result.JobID, err)
	select {
	case e.logErrs <- err:
	default:
	}
}

// ActiveJobs snapshots the live progress of each occupied slot.
func (e *Executor) ActiveJobs() ActiveJobs {
	var active ActiveJobs
	if job, ok := e.backup.current().(*BackupJob); ok {
		status := job.Status()
		active.Backup = &status
	}
	if job, ok := e.restore.current().(*RestoreJob); ok {
		status := job.Status()
		active.Restore = &status
	}
	return active
}

// History returns the job-result log.
func (e *Executor) History() (JobLog, error) {
	if e.logPath == "" {
		return JobLog{}, nil
	}
	e.logMu.Lock()
	defer e.logMu.Unlock()
	return LoadJobLog(e.logPath)
}

// LogErrors delivers job-log write failures. Errors are dropped when nobody
// drains the channel. The channel is closed by Close.
func (e *Executor) LogErrors() <-chan error {
	return e.logErrs
}

// Wait blocks until every submitted job has finished.
func (e *Executor) Wait() {
	e.wg.Wait()
}

// Close refuses new jobs, waits for the running ones and closes the
// LogErrors channel. It is safe to call more than once.
func (e *Executor) Close() {
	e.closeMu.Lock()
	already := e.closed
	e.closed = true
	e.closeMu.Unlock()
	if already {
		return
	}
	e.wg.Wait()
	close(e.logErrs)
}
