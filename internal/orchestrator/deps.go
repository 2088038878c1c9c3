package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/tis24dev/datadance/internal/config"
	"github.com/tis24dev/datadance/internal/logging"
	"github.com/tis24dev/datadance/internal/source"
	"github.com/tis24dev/datadance/internal/storage"
	"github.com/tis24dev/datadance/internal/types"
)

// Deps groups optional orchestrator dependencies. Nil Source or Destination
// are built from Config.
type Deps struct {
	Logger      *logging.Logger
	Config      *config.Config
	Source      source.Service
	Destination storage.Destination
	Now         func() time.Time
}

// NewSource builds the configured snapshot source.
func NewSource(cfg *config.Config, logger *logging.Logger) (source.Service, error) {
	switch cfg.SourceType {
	case types.SourceBtrfs:
		return source.NewBtrfs(source.BtrfsConfig{
			SnapshotsFolder: cfg.SnapshotsFolder,
			SourceFolder:    cfg.SourceFolder,
			SendCompressed:  cfg.BtrfsSendCompressed,
		}, logger), nil
	case types.SourceFake:
		return source.NewFake(cfg.FakeSnapshotName, cfg.FakeBackupSize), nil
	}
	return nil, fmt.Errorf("unknown source type %q", cfg.SourceType)
}

// NewDestination builds the configured destination. The sftp destination
// connects immediately; the others connect per operation.
func NewDestination(ctx context.Context, cfg *config.Config, logger *logging.Logger) (storage.Destination, error) {
	opts := storage.Options{Logger: logger}
	switch cfg.DestinationType {
	case types.DestinationLocal:
		return storage.NewFilesystem(cfg.DestinationFolder, opts)
	case types.DestinationSSH:
		return storage.NewSSH(storage.SSHConfig{
			Host:         cfg.SSHHost,
			User:         cfg.SSHUser,
			Port:         cfg.SSHPort,
			IdentityFile: cfg.SSHIdentityFile,
			Folder:       cfg.DestinationFolder,
		}, opts)
	case types.DestinationSFTP:
		return storage.DialSFTP(ctx, storage.SFTPConfig{
			Host:         cfg.SSHHost,
			User:         cfg.SSHUser,
			Port:         cfg.SSHPort,
			IdentityFile: cfg.SSHIdentityFile,
			KnownHosts:   cfg.SSHKnownHosts,
			Folder:       cfg.DestinationFolder,
		}, opts)
	case types.DestinationFake:
		return storage.NewMemory(opts), nil
	}
	return nil, fmt.Errorf("unknown destination type %q", cfg.DestinationType)
}
