package cli

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/tis24dev/datadance/internal/config"
	"github.com/tis24dev/datadance/internal/types"
	"github.com/tis24dev/datadance/internal/version"
)

const (
	configSourceDefault = "default path"
	configSourceEnv     = "from " + config.ConfigPathEnv
	configSourceFlag    = "specified via --config/-c flag"
)

// Mode is the action requested on the command line.
type Mode string

const (
	ModeBackup  Mode = "backup"
	ModeRestore Mode = "restore"
	ModeList    Mode = "list"
	ModeHistory Mode = "history"
	ModeDaemon  Mode = "daemon"
)

// Args holds the parsed command-line arguments
type Args struct {
	ConfigPath       string
	ConfigPathSource string
	LogLevel         types.LogLevel
	Mode             Mode
	RestoreID        uint32
	TargetFolder     string
	AskPassword      bool
	ShowVersion      bool
	ShowHelp         bool

	errs []error
}

// Parse parses command-line arguments and returns Args struct
func Parse() *Args {
	args := &Args{}

	configFlag := newStringFlag("")
	flag.Var(configFlag, "config", "Path to configuration file")
	flag.Var(configFlag, "c", "Path to configuration file (shorthand)")

	var logLevelStr string
	flag.StringVar(&logLevelStr, "log-level", "",
		"Log level (debug|info|warning|error|critical)")
	flag.StringVar(&logLevelStr, "l", "",
		"Log level (shorthand)")

	var backup, list, history, daemon bool
	flag.BoolVar(&backup, "backup", false,
		"Run one incremental backup (default action)")
	restoreFlag := &backupIDFlag{}
	flag.Var(restoreFlag, "restore",
		"Restore the chain ending at the given backup ID")
	flag.StringVar(&args.TargetFolder, "target", "",
		"Folder that receives restored snapshots (required with --restore)")
	flag.BoolVar(&list, "list", false,
		"Print the backup history stored at the destination")
	flag.BoolVar(&history, "history", false,
		"Print the local job result log")
	flag.BoolVar(&daemon, "daemon", false,
		"Stay in the foreground and run backups on BACKUP_SCHEDULE")

	flag.BoolVar(&args.AskPassword, "ask-password", false,
		"Prompt for the encryption password instead of reading ENCRYPTION_PASSWORD")

	flag.BoolVar(&args.ShowVersion, "version", false,
		"Show version information")
	flag.BoolVar(&args.ShowVersion, "v", false,
		"Show version information (shorthand)")

	flag.BoolVar(&args.ShowHelp, "help", false,
		"Show help message")
	flag.BoolVar(&args.ShowHelp, "h", false,
		"Show help message (shorthand)")

	flag.Usage = func() {
		printHelp(os.Stderr, os.Args[0])
	}

	flag.Parse()

	args.ConfigPath = config.ResolvePath(configFlag.value)
	switch {
	case configFlag.set:
		args.ConfigPathSource = configSourceFlag
	case strings.TrimSpace(os.Getenv(config.ConfigPathEnv)) != "":
		args.ConfigPathSource = configSourceEnv
	default:
		args.ConfigPathSource = configSourceDefault
	}

	if logLevelStr != "" {
		level, err := types.ParseLogLevel(logLevelStr)
		if err != nil {
			args.errs = append(args.errs, fmt.Errorf("--log-level: %w", err))
		}
		args.LogLevel = level
	} else {
		args.LogLevel = types.LogLevelNone // Will be overridden by config
	}

	var modes []Mode
	if backup {
		modes = append(modes, ModeBackup)
	}
	if restoreFlag.set {
		modes = append(modes, ModeRestore)
		args.RestoreID = restoreFlag.value
	}
	if list {
		modes = append(modes, ModeList)
	}
	if history {
		modes = append(modes, ModeHistory)
	}
	if daemon {
		modes = append(modes, ModeDaemon)
	}

	switch len(modes) {
	case 0:
		args.Mode = ModeBackup
	case 1:
		args.Mode = modes[0]
	default:
		args.Mode = modes[0]
		args.errs = append(args.errs, fmt.Errorf("only one of --backup, --restore, --list, --history, --daemon may be given (got %d)", len(modes)))
	}

	return args
}

// Validate reports every argument problem found by Parse and the
// cross-flag checks.
func (a *Args) Validate() error {
	errs := append([]error(nil), a.errs...)
	if a.Mode == ModeRestore && strings.TrimSpace(a.TargetFolder) == "" {
		errs = append(errs, errors.New("--restore requires --target"))
	}
	if a.Mode != ModeRestore && a.TargetFolder != "" {
		errs = append(errs, errors.New("--target is only valid with --restore"))
	}
	return errors.Join(errs...)
}

// ShowHelp displays help message and exits
func ShowHelp() {
	printHelp(os.Stderr, os.Args[0])
	os.Exit(0)
}

// ShowVersion displays version information and exits
func ShowVersion() {
	printVersion(os.Stdout)
	os.Exit(0)
}

func printHelp(w io.Writer, argv0 string) {
	fmt.Fprintf(w, "Usage: %s [options]\n\n", argv0)
	fmt.Fprintln(w, "datadance: incremental btrfs backups to a remote store")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Options:")
	flag.PrintDefaults()
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Examples:")
	fmt.Fprintf(w, "  %s -c /path/to/backup.env\n", argv0)
	fmt.Fprintf(w, "  %s --list\n", argv0)
	fmt.Fprintf(w, "  %s --restore 1704283200 --target /mnt/restore\n", argv0)
	fmt.Fprintf(w, "  %s --daemon --log-level debug\n", argv0)
}

func printVersion(w io.Writer) {
	fmt.Fprintln(w, version.Describe())
	fmt.Fprintln(w, "Author: tis24dev")
}

type stringFlag struct {
	value string
	set   bool
}

func newStringFlag(defaultValue string) *stringFlag {
	return &stringFlag{value: defaultValue}
}

func (s *stringFlag) String() string {
	return s.value
}

func (s *stringFlag) Set(val string) error {
	s.value = val
	s.set = true
	return nil
}

// backupIDFlag accepts a backup ID (Unix seconds).
type backupIDFlag struct {
	value uint32
	set   bool
}

func (b *backupIDFlag) String() string {
	if b == nil || !b.set {
		return ""
	}
	return strconv.FormatUint(uint64(b.value), 10)
}

func (b *backupIDFlag) Set(val string) error {
	id, err := strconv.ParseUint(strings.TrimSpace(val), 10, 32)
	if err != nil {
		return fmt.Errorf("invalid backup ID %q", val)
	}
	b.value = uint32(id)
	b.set = true
	return nil
}
