package source

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/tis24dev/datadance/internal/chain"
	"github.com/tis24dev/datadance/internal/logging"
	"github.com/tis24dev/datadance/internal/process"
	"github.com/tis24dev/datadance/internal/safefs"
	"github.com/tis24dev/datadance/pkg/utils"
)

const (
	snapshotPrefix     = "snapshot_"
	snapshotTimeLayout = "2006-01-02-15-04-05"
	fsTimeout          = 30 * time.Second
)

// BtrfsConfig configures the btrfs source.
type BtrfsConfig struct {
	// SnapshotsFolder holds the read-only snapshots; it must be on the same
	// filesystem as SourceFolder.
	SnapshotsFolder string
	// SourceFolder is the subvolume being backed up.
	SourceFolder string
	// SendCompressed passes --compressed-data to btrfs send.
	SendCompressed bool
}

// Btrfs drives the btrfs CLI: snapshot, send, receive and delete.
type Btrfs struct {
	cfg     BtrfsConfig
	logger  *logging.Logger
	command process.CommandFunc
	now     func() time.Time
	group   *process.Group
}

// NewBtrfs returns a btrfs source.
func NewBtrfs(cfg BtrfsConfig, logger *logging.Logger) *Btrfs {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Btrfs{
		cfg:     cfg,
		logger:  logger.WithComponent("btrfs"),
		command: exec.CommandContext,
		now:     time.Now,
		group:   process.NewGroup(),
	}
}

// Close kills any btrfs child still running.
func (b *Btrfs) Close() error {
	b.group.KillAll()
	return nil
}

func (b *Btrfs) btrfs(ctx context.Context, args ...string) *exec.Cmd {
	return b.command(ctx, "btrfs", args...)
}

func (b *Btrfs) snapshotPath(name string) string {
	return filepath.Join(b.cfg.SnapshotsFolder, trimSlash(name))
}

// BackupSource implements Service.
func (b *Btrfs) BackupSource(ctx context.Context, history chain.BackupHistory) (*Backup, error) {
	if ok, err := safefs.IsBtrfs(ctx, b.cfg.SnapshotsFolder, fsTimeout); err == nil && !ok {
		b.logger.Warning("Snapshots folder %s does not look like btrfs; snapshot creation will likely fail", b.cfg.SnapshotsFolder)
	}

	name := snapshotPrefix + b.now().UTC().Format(snapshotTimeLayout) + "/"
	target := b.snapshotPath(name)
	b.logger.Debug("Creating read-only snapshot %s of %s", target, b.cfg.SourceFolder)
	if err := process.Run(b.btrfs(ctx, "subvolume", "snapshot", "-r", b.cfg.SourceFolder, target), b.group); err != nil {
		return nil, fmt.Errorf("create snapshot %s: %w", target, err)
	}

	var parent *chain.BackupEntry
	for _, entry := range history.Newest() {
		exists, err := safefs.DirExists(ctx, b.snapshotPath(entry.LocalSnapshot), fsTimeout)
		if err != nil {
			b.logger.Warning("Cannot check local snapshot %s: %v", entry.LocalSnapshot, err)
			continue
		}
		if exists {
			e := entry
			parent = &e
			break
		}
	}

	args := []string{"send"}
	if b.cfg.SendCompressed {
		args = append(args, "--compressed-data")
	}
	var parentID *uint32
	if parent != nil {
		args = append(args, "-p", b.snapshotPath(parent.LocalSnapshot))
		id := parent.ID
		parentID = &id
		b.logger.Info("Incremental send of %s against backup %d (%s)", name, parent.ID, parent.LocalSnapshot)
	} else {
		b.logger.Info("Full send of %s (no parent snapshot available locally)", name)
	}
	args = append(args, target)

	stream, err := process.StartReader(b.btrfs(ctx, args...), b.group)
	if err != nil {
		return nil, fmt.Errorf("start btrfs send: %w", err)
	}

	return &Backup{ParentID: parentID, LocalSnapshot: name, Data: stream}, nil
}

// ClearLocalSnapshots implements Service.
func (b *Btrfs) ClearLocalSnapshots(ctx context.Context, history chain.BackupHistory) error {
	entries, err := safefs.ReadDir(ctx, b.cfg.SnapshotsFolder, fsTimeout)
	if err != nil {
		return fmt.Errorf("list snapshots in %s: %w", b.cfg.SnapshotsFolder, err)
	}

	retained := history.RetainedSnapshots(RetainedSnapshots)
	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() || isRetained(entry.Name(), retained) {
			continue
		}
		path := filepath.Join(b.cfg.SnapshotsFolder, entry.Name())
		if err := process.Run(b.btrfs(ctx, "subvolume", "delete", "-c", path), b.group); err != nil {
			b.logger.Warning("Failed to remove snapshot %s: %v", path, err)
			continue
		}
		removed++
	}
	b.logger.Debug("Removed %d expired snapshot(s), kept %v", removed, retained)
	return nil
}

// RestoreWriter implements Service.
func (b *Btrfs) RestoreWriter(ctx context.Context, folder, snapshot string) (io.WriteCloser, error) {
	if err := utils.EnsureDir(folder); err != nil {
		return nil, err
	}
	b.logger.Debug("Receiving %s into %s", snapshot, folder)
	w, err := process.StartWriter(b.btrfs(ctx, "receive", folder), b.group)
	if err != nil {
		return nil, fmt.Errorf("start btrfs receive: %w", err)
	}
	return w, nil
}

// ApplyRestoredSnapshot implements Service. btrfs receive already resolved
// the parent, so this only checks that the subvolume exists.
func (b *Btrfs) ApplyRestoredSnapshot(ctx context.Context, folder, previous, current string) error {
	path := filepath.Join(folder, trimSlash(current))
	if err := process.Run(b.btrfs(ctx, "subvolume", "show", path), b.group); err != nil {
		return fmt.Errorf("restored snapshot %s (parent %q) missing: %w", path, previous, err)
	}
	return nil
}

// ClearRestoredSnapshots implements Service.
func (b *Btrfs) ClearRestoredSnapshots(ctx context.Context, folder string, received []string, keep string) error {
	var failed int
	for _, name := range received {
		if trimSlash(name) == trimSlash(keep) {
			continue
		}
		path := filepath.Join(folder, trimSlash(name))
		if err := process.Run(b.btrfs(ctx, "subvolume", "delete", "-c", path), b.group); err != nil {
			b.logger.Warning("Failed to remove intermediate snapshot %s: %v", path, err)
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d intermediate snapshot(s) could not be removed from %s", failed, folder)
	}
	return nil
}
