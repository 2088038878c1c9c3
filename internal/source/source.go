// Package source produces local snapshots for backup and materializes
// downloaded snapshots during restore.
package source

import (
	"context"
	"io"

	"github.com/tis24dev/datadance/internal/chain"
)

// RetainedSnapshots is how many of the newest chain entries keep their local
// snapshot. The newest is the parent of the next incremental backup; the
// one before it covers a backup whose ledger write is still in doubt.
const RetainedSnapshots = 2

// Backup is the outcome of snapshotting the source.
type Backup struct {
	// ParentID is the entry the stream is a delta against; nil for a full backup.
	ParentID *uint32
	// LocalSnapshot identifies the new snapshot, e.g. "snapshot_2024-01-03-12-00-00/".
	LocalSnapshot string
	// Data is the snapshot stream. Closing it releases the producer.
	Data io.ReadCloser
}

// Service is a local snapshot provider.
type Service interface {
	// BackupSource creates a new read-only snapshot and returns its stream,
	// relative to the newest history entry whose snapshot still exists locally.
	BackupSource(ctx context.Context, history chain.BackupHistory) (*Backup, error)

	// ClearLocalSnapshots deletes local snapshots not referenced by the
	// RetainedSnapshots newest entries. Individual failures are logged only.
	ClearLocalSnapshots(ctx context.Context, history chain.BackupHistory) error

	// RestoreWriter returns a writer that receives the decoded stream of
	// snapshot into folder.
	RestoreWriter(ctx context.Context, folder, snapshot string) (io.WriteCloser, error)

	// ApplyRestoredSnapshot finalizes current on top of previous ("" for a
	// chain root) once its stream has been written.
	ApplyRestoredSnapshot(ctx context.Context, folder, previous, current string) error

	// ClearRestoredSnapshots removes the intermediate snapshots received
	// during a restore, keeping keep.
	ClearRestoredSnapshots(ctx context.Context, folder string, received []string, keep string) error
}

func isRetained(name string, retained []string) bool {
	for _, r := range retained {
		if trimSlash(r) == trimSlash(name) {
			return true
		}
	}
	return false
}

func trimSlash(s string) string {
	for len(s) > 1 && s[len(s)-1] == '/' {
		s = s[:len(s)-1]
	}
	return s
}
