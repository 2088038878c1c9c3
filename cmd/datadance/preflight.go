package main

import (
	"path/filepath"

	"github.com/tis24dev/datadance/internal/checks"
	"github.com/tis24dev/datadance/internal/cli"
	"github.com/tis24dev/datadance/internal/config"
	"github.com/tis24dev/datadance/internal/types"
)

// preflightConfig returns the local checks for modes that run jobs, or nil
// for the read-only modes.
func preflightConfig(cfg *config.Config, args *cli.Args) *checks.CheckerConfig {
	switch args.Mode {
	case cli.ModeList, cli.ModeHistory:
		return nil
	}

	pc := &checks.CheckerConfig{
		CreateDirs:   []string{cfg.JobsFolder},
		WritableDirs: []string{cfg.JobsFolder},
		MinFreeGB:    cfg.MinFreeSpaceGB,
		SecretFiles:  []string{cfg.ConfigPath, cfg.SSHIdentityFile},
		LockFilePath: filepath.Join(cfg.JobsFolder, checks.LockFileName),
	}
	if cfg.SourceType == types.SourceBtrfs {
		if args.Mode == cli.ModeRestore {
			pc.RequiredDirs = append(pc.RequiredDirs, args.TargetFolder)
			pc.SpaceDirs = append(pc.SpaceDirs, args.TargetFolder)
		} else {
			pc.CreateDirs = append(pc.CreateDirs, cfg.SnapshotsFolder)
			pc.RequiredDirs = append(pc.RequiredDirs, cfg.SourceFolder)
		}
	}
	if cfg.DestinationType == types.DestinationLocal && args.Mode != cli.ModeRestore {
		pc.CreateDirs = append(pc.CreateDirs, cfg.DestinationFolder)
		pc.SpaceDirs = append(pc.SpaceDirs, cfg.DestinationFolder)
	}
	return pc
}
