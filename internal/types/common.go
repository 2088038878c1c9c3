package types

import (
	"encoding/json"
	"fmt"
	"strings"
)

// LogLevel represents the logging level.
type LogLevel int

const (
	// LogLevelDebug - Debug logs (maximum detail)
	LogLevelDebug LogLevel = 5

	// LogLevelInfo - General information
	LogLevelInfo LogLevel = 4

	// LogLevelWarning - Warnings
	LogLevelWarning LogLevel = 3

	// LogLevelError - Errors
	LogLevelError LogLevel = 2

	// LogLevelCritical - Critical errors
	LogLevelCritical LogLevel = 1

	// LogLevelNone - No logs
	LogLevelNone LogLevel = 0
)

// String returns the string representation of the log level.
func (l LogLevel) String() string {
	switch l {
	case LogLevelDebug:
		return "DEBUG"
	case LogLevelInfo:
		return "INFO"
	case LogLevelWarning:
		return "WARNING"
	case LogLevelError:
		return "ERROR"
	case LogLevelCritical:
		return "CRITICAL"
	case LogLevelNone:
		return "NONE"
	default:
		return "UNKNOWN"
	}
}

// ParseLogLevel accepts either a level name ("debug", "info", ...) or its numeric value.
func ParseLogLevel(value string) (LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "debug", "5":
		return LogLevelDebug, nil
	case "info", "4", "":
		return LogLevelInfo, nil
	case "warning", "warn", "3":
		return LogLevelWarning, nil
	case "error", "2":
		return LogLevelError, nil
	case "critical", "1":
		return LogLevelCritical, nil
	case "none", "0":
		return LogLevelNone, nil
	default:
		return LogLevelInfo, fmt.Errorf("invalid log level %q", value)
	}
}

// CompressionLevel selects one of the fixed codec presets used by the data tunnel.
type CompressionLevel string

const (
	CompressionNone     CompressionLevel = "None"
	CompressionFast     CompressionLevel = "Fast"
	CompressionBalanced CompressionLevel = "Balanced"
	CompressionBest     CompressionLevel = "Best"
)

// CompressionLevels lists every supported preset, weakest first.
var CompressionLevels = []CompressionLevel{CompressionNone, CompressionFast, CompressionBalanced, CompressionBest}

// String returns the string representation of the compression level.
func (c CompressionLevel) String() string {
	return string(c)
}

// ParseCompressionLevel is case-insensitive; an empty value selects Balanced.
func ParseCompressionLevel(value string) (CompressionLevel, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "none", "off":
		return CompressionNone, nil
	case "fast":
		return CompressionFast, nil
	case "balanced", "":
		return CompressionBalanced, nil
	case "best":
		return CompressionBest, nil
	default:
		return CompressionBalanced, fmt.Errorf("invalid compression level %q (want none, fast, balanced or best)", value)
	}
}

// BackupType distinguishes chain roots from incremental entries.
type BackupType string

const (
	// BackupFull - root of a chain, no parent
	BackupFull BackupType = "Full"

	// BackupIncremental - delta against the parent entry
	BackupIncremental BackupType = "Incremental"
)

// String returns the string representation of the backup type.
func (b BackupType) String() string {
	return string(b)
}

// SourceKind names a local snapshot source implementation.
type SourceKind string

const (
	SourceBtrfs SourceKind = "btrfs"
	SourceFake  SourceKind = "fake"
)

// DestinationKind names a remote destination implementation.
type DestinationKind string

const (
	DestinationLocal DestinationKind = "local"
	DestinationSSH   DestinationKind = "ssh"
	DestinationSFTP  DestinationKind = "sftp"
	DestinationFake  DestinationKind = "fake"
)

// String returns the string representation of the destination kind.
func (d DestinationKind) String() string {
	return string(d)
}

// redacted is what a SensitiveString prints instead of its value.
const redacted = "?"

// SensitiveString holds a secret that must never be printed or serialized.
// Use Reveal only where the value is handed to a key derivation.
type SensitiveString struct {
	value string
}

// NewSensitiveString wraps a secret value.
func NewSensitiveString(value string) SensitiveString {
	return SensitiveString{value: value}
}

// Reveal returns the wrapped secret.
func (s SensitiveString) Reveal() string {
	return s.value
}

// IsEmpty reports whether no secret is set.
func (s SensitiveString) IsEmpty() bool {
	return s.value == ""
}

func (s SensitiveString) String() string {
	return redacted
}

func (s SensitiveString) GoString() string {
	return redacted
}

func (s SensitiveString) MarshalText() ([]byte, error) {
	return []byte(redacted), nil
}

func (s SensitiveString) MarshalJSON() ([]byte, error) {
	return json.Marshal(redacted)
}
