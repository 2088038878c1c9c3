// Package orchestrator resolves the configured source and destination once
// and exposes the job boundary used by the command line.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/tis24dev/datadance/internal/config"
	"github.com/tis24dev/datadance/internal/jobs"
	"github.com/tis24dev/datadance/internal/logging"
	"github.com/tis24dev/datadance/internal/metrics"
	"github.com/tis24dev/datadance/internal/schedule"
	"github.com/tis24dev/datadance/internal/source"
	"github.com/tis24dev/datadance/internal/storage"
	"github.com/tis24dev/datadance/internal/tunnel"
)

// Orchestrator owns the source, the destination and the executor for the
// lifetime of the process.
type Orchestrator struct {
	cfg         *config.Config
	logger      *logging.Logger
	source      source.Service
	destination storage.Destination
	executor    *jobs.Executor
	exporter    *metrics.PrometheusExporter
	scheduler   *schedule.Scheduler
	now         func() time.Time
}

// New wires an orchestrator from deps. The configuration must be valid.
func New(ctx context.Context, deps Deps) (*Orchestrator, error) {
	if deps.Config == nil {
		return nil, errors.New("orchestrator: configuration is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	o := &Orchestrator{
		cfg:         deps.Config,
		logger:      logger,
		source:      deps.Source,
		destination: deps.Destination,
		now:         deps.Now,
	}
	if o.now == nil {
		o.now = time.Now
	}

	if o.source == nil {
		src, err := NewSource(o.cfg, logger)
		if err != nil {
			return nil, err
		}
		o.source = src
	}
	if o.destination == nil {
		dst, err := NewDestination(ctx, o.cfg, logger)
		if err != nil {
			o.closeSource()
			return nil, err
		}
		o.destination = dst
	}

	var recorder jobs.Recorder
	if o.cfg.MetricsEnabled {
		o.exporter = metrics.NewPrometheusExporter(o.cfg.MetricsPath, logger)
		recorder = o.exporter
	}
	o.executor = jobs.NewExecutor(ctx, jobs.ExecutorOptions{
		JobsFolder: o.cfg.JobsFolder,
		Logger:     logger,
		Recorder:   recorder,
	})

	logger.Debug("Source %s, destination %s", o.cfg.SourceType, o.destination.Name())
	return o, nil
}

func (o *Orchestrator) encryption() tunnel.Encryption {
	return tunnel.Encryption{
		Password:   o.cfg.EncryptionPassword,
		WorkFactor: o.cfg.EncryptionWorkFactor,
	}
}

// SubmitBackup starts a backup and returns its job id.
func (o *Orchestrator) SubmitBackup() (string, error) {
	job := jobs.NewBackupJob(jobs.BackupOptions{
		Source:      o.source,
		Destination: o.destination,
		Compression: o.cfg.CompressionLevel,
		Encryption:  o.encryption(),
		Logger:      o.logger,
		Now:         o.now,
	})
	if err := o.executor.Submit(job); err != nil {
		return "", err
	}
	return job.ID(), nil
}

// SubmitRestore starts a restore and returns its job id.
func (o *Orchestrator) SubmitRestore(params jobs.RestoreParams) (string, error) {
	job := jobs.NewRestoreJob(params, jobs.RestoreOptions{
		Source:      o.source,
		Destination: o.destination,
		Compression: o.cfg.CompressionLevel,
		Encryption:  o.encryption(),
		JobsFolder:  o.cfg.JobsFolder,
		Logger:      o.logger,
		Now:         o.now,
	})
	if err := o.executor.Submit(job); err != nil {
		return "", err
	}
	return job.ID(), nil
}

// ActiveJobs reports the running jobs.
func (o *Orchestrator) ActiveJobs() jobs.ActiveJobs {
	return o.executor.ActiveJobs()
}

// History returns the job-result log.
func (o *Orchestrator) History() (jobs.JobLog, error) {
	return o.executor.History()
}

// BackupHistory reads the remote ledger.
func (o *Orchestrator) BackupHistory(ctx context.Context) (BackupListing, error) {
	history, err := o.destination.BackupHistory(ctx)
	if err != nil {
		return BackupListing{}, err
	}
	return BackupListing{Destination: o.destination.Name(), History: history}, nil
}

// LogErrors forwards job-log write failures.
func (o *Orchestrator) LogErrors() <-chan error {
	return o.executor.LogErrors()
}

// StartSchedule submits backups on BACKUP_SCHEDULE until Close.
func (o *Orchestrator) StartSchedule() error {
	if o.cfg.BackupSchedule == "" {
		return errors.New("BACKUP_SCHEDULE is not set")
	}
	scheduler, err := schedule.New(o.cfg.BackupSchedule, func() error {
		_, err := o.SubmitBackup()
		return err
	}, o.logger)
	if err != nil {
		return err
	}
	o.scheduler = scheduler
	scheduler.Start()
	return nil
}

// Wait blocks until submitted jobs finish.
func (o *Orchestrator) Wait() {
	o.executor.Wait()
}

// Close stops the schedule, waits for running jobs and releases the
// destination and source.
func (o *Orchestrator) Close() error {
	if o.scheduler != nil {
		<-o.scheduler.Stop().Done()
	}
	o.executor.Close()

	var errs []error
	if err := o.destination.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close destination: %w", err))
	}
	if err := o.closeSource(); err != nil {
		errs = append(errs, fmt.Errorf("close source: %w", err))
	}
	return errors.Join(errs...)
}

func (o *Orchestrator) closeSource() error {
	if c, ok := o.source.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
