// Package metrics exports job outcomes in the Prometheus textfile format for
// node_exporter's textfile collector.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tis24dev/datadance/internal/jobs"
	"github.com/tis24dev/datadance/internal/logging"
)

// TextfileName is the file written inside the textfile directory.
const TextfileName = "datadance.prom"

// PrometheusExporter keeps the last outcome of each job kind and rewrites the
// textfile after every job.
type PrometheusExporter struct {
	textfileDir string
	logger      *logging.Logger

	mu       sync.Mutex
	registry *prometheus.Registry

	startTime    *prometheus.GaugeVec
	endTime      *prometheus.GaugeVec
	duration     *prometheus.GaugeVec
	status       *prometheus.GaugeVec
	runs         *prometheus.CounterVec
	bytesRead    *prometheus.GaugeVec
	bytesWritten *prometheus.GaugeVec

	backupID       prometheus.Gauge
	orphansRemoved prometheus.Gauge
	backupWarnings prometheus.Gauge
	entriesApplied prometheus.Gauge
}

// NewPrometheusExporter creates an exporter writing into textfileDir.
func NewPrometheusExporter(textfileDir string, logger *logging.Logger) *PrometheusExporter {
	if logger == nil {
		logger = logging.Discard()
	}
	kind := []string{"kind"}
	pe := &PrometheusExporter{
		textfileDir: strings.TrimRight(textfileDir, "/"),
		logger:      logger.WithComponent("metrics"),
		registry:    prometheus.NewRegistry(),

		startTime: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "datadance_job_start_time_seconds",
			Help: "Unix timestamp of the last job start",
		}, kind),
		endTime: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "datadance_job_end_time_seconds",
			Help: "Unix timestamp of the last job end",
		}, kind),
		duration: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "datadance_job_duration_seconds",
			Help: "Duration of the last job in seconds",
		}, kind),
		status: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "datadance_job_status",
			Help: "Status of the last job (0=success,1=warning,2=error)",
		}, kind),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "datadance_job_runs_total",
			Help: "Jobs finished by this process",
		}, []string{"kind", "outcome"}),
		bytesRead: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "datadance_job_bytes_read",
			Help: "Bytes read from the source side of the tunnel in the last successful job",
		}, kind),
		bytesWritten: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "datadance_job_bytes_written",
			Help: "Bytes written to the sink side of the tunnel in the last successful job",
		}, kind),

		backupID: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "datadance_backup_last_id",
			Help: "Ledger id of the last successful backup",
		}),
		orphansRemoved: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "datadance_backup_orphans_removed",
			Help: "Orphaned blobs removed by the last successful backup",
		}),
		backupWarnings: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "datadance_backup_warnings",
			Help: "Cleanup warnings raised by the last successful backup",
		}),
		entriesApplied: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "datadance_restore_entries_applied",
			Help: "Chain entries applied by the last successful restore",
		}),
	}
	pe.registry.MustRegister(
		pe.startTime, pe.endTime, pe.duration, pe.status, pe.runs,
		pe.bytesRead, pe.bytesWritten,
		pe.backupID, pe.orphansRemoved, pe.backupWarnings, pe.entriesApplied,
	)
	return pe
}

// Path returns the textfile location.
func (pe *PrometheusExporter) Path() string {
	return filepath.Join(pe.textfileDir, TextfileName)
}

// RecordJob implements jobs.Recorder. Export failures are logged.
func (pe *PrometheusExporter) RecordJob(result jobs.JobResult) {
	if pe == nil {
		return
	}
	pe.observe(result)
	if err := pe.Export(); err != nil {
		pe.logger.Warning("Failed to export metrics: %v", err)
	}
}

func (pe *PrometheusExporter) observe(result jobs.JobResult) {
	pe.mu.Lock()
	defer pe.mu.Unlock()

	kind := string(result.Kind)
	pe.startTime.WithLabelValues(kind).Set(float64(result.StartedAt.Unix()))
	pe.endTime.WithLabelValues(kind).Set(float64(result.FinishedAt.Unix()))
	pe.duration.WithLabelValues(kind).Set(result.Duration().Seconds())
	pe.runs.WithLabelValues(kind, string(result.Outcome)).Inc()

	// 0=success, 1=warning, 2=error
	status := 0.0
	switch {
	case !result.Succeeded():
		status = 2
	case result.Backup != nil && len(result.Backup.Warnings) > 0:
		status = 1
	}
	pe.status.WithLabelValues(kind).Set(status)

	if !result.Succeeded() {
		return
	}
	if b := result.Backup; b != nil {
		pe.bytesRead.WithLabelValues(kind).Set(float64(b.BytesRead))
		pe.bytesWritten.WithLabelValues(kind).Set(float64(b.BytesWritten))
		pe.backupID.Set(float64(b.ID))
		pe.orphansRemoved.Set(float64(b.OrphansRemoved))
		pe.backupWarnings.Set(float64(len(b.Warnings)))
	}
	if r := result.Restore; r != nil {
		pe.bytesRead.WithLabelValues(kind).Set(float64(r.BytesRead))
		pe.bytesWritten.WithLabelValues(kind).Set(float64(r.BytesWritten))
		pe.entriesApplied.Set(float64(r.EntriesApplied))
	}
}

// Export writes the current values to the textfile.
func (pe *PrometheusExporter) Export() error {
	if pe.textfileDir == "" {
		return fmt.Errorf("metrics textfile directory is empty")
	}
	if err := os.MkdirAll(pe.textfileDir, 0o755); err != nil {
		return fmt.Errorf("create metrics directory %s: %w", pe.textfileDir, err)
	}

	pe.mu.Lock()
	defer pe.mu.Unlock()
	if err := prometheus.WriteToTextfile(pe.Path(), pe.registry); err != nil {
		return fmt.Errorf("write metrics file %s: %w", pe.Path(), err)
	}
	pe.logger.Debug("Prometheus metrics exported to %s", pe.Path())
	return nil
}
