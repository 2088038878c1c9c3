package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/tis24dev/datadance/internal/checks"
	"github.com/tis24dev/datadance/internal/cli"
	"github.com/tis24dev/datadance/internal/config"
	"github.com/tis24dev/datadance/internal/input"
	"github.com/tis24dev/datadance/internal/jobs"
	"github.com/tis24dev/datadance/internal/logging"
	"github.com/tis24dev/datadance/internal/orchestrator"
	"github.com/tis24dev/datadance/internal/types"
)

const progressInterval = 5 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	bootstrap := logging.New(types.LogLevelInfo, isTerminal(os.Stdout))

	defer func() {
		if r := recover(); r != nil {
			bootstrap.Error("PANIC: %v", r)
			fmt.Fprintf(os.Stderr, "panic: %v\n%s\n", r, debug.Stack())
			os.Exit(types.ExitGenericError.Int())
		}
	}()

	args := cli.Parse()

	if args.ShowVersion {
		cli.ShowVersion()
		return types.ExitSuccess.Int()
	}
	if args.ShowHelp {
		cli.ShowHelp()
		return types.ExitSuccess.Int()
	}
	if err := args.Validate(); err != nil {
		bootstrap.Error("ERROR: %v", err)
		return types.ExitConfigError.Int()
	}

	bootstrap.Debug("Configuration %s (%s)", args.ConfigPath, args.ConfigPathSource)
	cfg, err := config.LoadConfig(args.ConfigPath)
	if err != nil {
		bootstrap.Error("ERROR: %v", err)
		return types.ExitConfigError.Int()
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if args.AskPassword {
		password, err := promptPassword(ctx, os.Stdin, os.Stderr)
		if err != nil {
			if input.IsAborted(err) {
				bootstrap.Info("Password prompt aborted")
				return types.ExitGenericError.Int()
			}
			bootstrap.Error("ERROR: %v", err)
			return types.ExitConfigError.Int()
		}
		cfg.EncryptionPassword = password
	}
	if err := cfg.Validate(); err != nil {
		bootstrap.Error("Invalid configuration %s:\n%v", args.ConfigPath, err)
		return types.ExitConfigError.Int()
	}

	logger := newLogger(cfg, args)
	defer func() {
		if err := logger.CloseLogFile(); err != nil {
			bootstrap.Warning("Closing log file: %v", err)
		}
	}()

	if args.Mode == cli.ModeHistory {
		return runHistory(cfg, logger)
	}

	if pc := preflightConfig(cfg, args); pc != nil {
		checker := checks.NewChecker(logger, pc)
		if _, err := checker.RunAllChecks(ctx); err != nil {
			logger.Error("Preflight: %v", err)
			if checks.IsLockHeld(err) {
				return types.ExitJobBusy.Int()
			}
			return types.ExitConfigError.Int()
		}
		defer func() {
			if err := checker.ReleaseLock(); err != nil {
				logger.Warning("%v", err)
			}
		}()
	}

	orch, err := orchestrator.New(ctx, orchestrator.Deps{Logger: logger, Config: cfg})
	if err != nil {
		logger.Error("Cannot open %s destination: %v", cfg.DestinationType, err)
		return types.ExitStorageError.Int()
	}
	defer func() {
		if err := orch.Close(); err != nil {
			logger.Warning("Shutdown: %v", err)
		}
	}()
	go drainLogErrors(orch.LogErrors(), logger)

	switch args.Mode {
	case cli.ModeList:
		return runList(ctx, orch, logger)
	case cli.ModeRestore:
		return runJob(ctx, orch, logger, func() (string, error) {
			logger.Step("Restoring backup %d into %s", args.RestoreID, args.TargetFolder)
			return orch.SubmitRestore(jobs.RestoreParams{BackupID: args.RestoreID, TargetFolder: args.TargetFolder})
		})
	case cli.ModeDaemon:
		return runDaemon(ctx, orch, cfg, logger)
	default:
		return runJob(ctx, orch, logger, func() (string, error) {
			logger.Step("Starting backup of %s", describeSource(cfg))
			return orch.SubmitBackup()
		})
	}
}

func newLogger(cfg *config.Config, args *cli.Args) *logging.Logger {
	level := cfg.DebugLevel
	if args.LogLevel != types.LogLevelNone {
		level = args.LogLevel
	}
	logger := logging.New(level, cfg.UseColor && isTerminal(os.Stdout))
	if cfg.LogFile != "" {
		if err := logger.OpenLogFile(cfg.LogFile); err != nil {
			logger.Warning("Cannot open log file %s: %v", cfg.LogFile, err)
		}
	}
	logging.SetDefaultLogger(logger)
	return logger
}

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

func promptPassword(ctx context.Context, in *os.File, out io.Writer) (types.SensitiveString, error) {
	if !isTerminal(in) {
		return types.SensitiveString{}, errors.New("--ask-password needs an interactive terminal")
	}
	return input.Password(ctx, out, "Encryption password", int(in.Fd()), term.ReadPassword)
}

func describeSource(cfg *config.Config) string {
	if cfg.SourceType == types.SourceBtrfs {
		return cfg.SourceFolder
	}
	return string(cfg.SourceType) + " source"
}

func runHistory(cfg *config.Config, logger *logging.Logger) int {
	log, err := jobs.LoadJobLog(filepath.Join(cfg.JobsFolder, jobs.JobLogName))
	if err != nil {
		logger.Error("%v", err)
		return types.ExitGenericError.Int()
	}
	if err := writeJobLog(os.Stdout, log); err != nil {
		return types.ExitGenericError.Int()
	}
	return types.ExitSuccess.Int()
}

func runList(ctx context.Context, orch *orchestrator.Orchestrator, logger *logging.Logger) int {
	listing, err := orch.BackupHistory(ctx)
	if err != nil {
		logger.Error("Reading backup history: %v", err)
		return types.ExitStorageError.Int()
	}
	if err := listing.Write(os.Stdout); err != nil {
		return types.ExitGenericError.Int()
	}
	return types.ExitSuccess.Int()
}

// runJob submits one job, reports progress until it finishes and maps its
// result to an exit code. Jobs are not cancellable: a signal only stops the
// progress output.
func runJob(ctx context.Context, orch *orchestrator.Orchestrator, logger *logging.Logger, submit func() (string, error)) int {
	jobID, err := submit()
	if err != nil {
		logger.Error("%v", err)
		if errors.Is(err, jobs.ErrJobAlreadyRunning) {
			return types.ExitJobBusy.Int()
		}
		return types.ExitGenericError.Int()
	}
	logger.Debug("Job %s submitted", jobID)

	done := make(chan struct{})
	go func() {
		orch.Wait()
		close(done)
	}()

	ticker := time.NewTicker(progressInterval)
	defer ticker.Stop()
	interrupted := ctx.Done()
	for waiting := true; waiting; {
		select {
		case <-done:
			waiting = false
		case <-interrupted:
			logger.Warning("Interrupted; waiting for job %s to finish", jobID)
			interrupted = nil
		case <-ticker.C:
			if line := describeStatus(orch.ActiveJobs()); line != "" {
				logger.Info("%s", line)
			}
		}
	}

	log, err := orch.History()
	if err != nil {
		logger.Error("%v", err)
		return types.ExitGenericError.Int()
	}
	result, ok := log.Result(jobID)
	if !ok {
		logger.Error("Job %s finished but is missing from the job log", jobID)
		return types.ExitGenericError.Int()
	}
	writeResult(os.Stdout, result)
	return exitCodeFor(result).Int()
}

func runDaemon(ctx context.Context, orch *orchestrator.Orchestrator, cfg *config.Config, logger *logging.Logger) int {
	if err := orch.StartSchedule(); err != nil {
		logger.Error("Cannot start schedule: %v", err)
		return types.ExitConfigError.Int()
	}
	logger.Info("Running backups on schedule %q", cfg.BackupSchedule)
	<-ctx.Done()
	logger.Info("Shutting down; waiting for running jobs")
	return types.ExitSuccess.Int()
}

func drainLogErrors(errs <-chan error, logger *logging.Logger) {
	for err := range errs {
		logger.Debug("job log: %v", err)
	}
}
