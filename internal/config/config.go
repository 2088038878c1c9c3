package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/tis24dev/datadance/internal/types"
	"github.com/tis24dev/datadance/pkg/utils"
)

const (
	// ConfigPathEnv names the environment variable that points at the config file.
	ConfigPathEnv = "DATA_DANCE_CONFIG"

	// DefaultConfigPath is used when neither a flag nor ConfigPathEnv is set.
	DefaultConfigPath = "/opt/datadance/backup.env"

	defaultWorkFactor = 18
	defaultSSHPort    = 22
)

// Config holds the process-wide settings read from backup.env.
type Config struct {
	ConfigPath string

	// Logging
	DebugLevel types.LogLevel
	UseColor   bool
	LogFile    string

	// Local state
	JobsFolder     string
	MinFreeSpaceGB float64

	// Source
	SourceType          types.SourceKind
	SnapshotsFolder     string
	SourceFolder        string
	BtrfsSendCompressed bool
	FakeBackupSize      uint64
	FakeSnapshotName    string

	// Destination
	DestinationType   types.DestinationKind
	DestinationFolder string
	SSHHost           string
	SSHUser           string
	SSHPort           int
	SSHIdentityFile   string
	SSHKnownHosts     string

	// Data tunnel
	EncryptionPassword   types.SensitiveString
	EncryptionWorkFactor int
	CompressionLevel     types.CompressionLevel

	// Scheduling and metrics
	BackupSchedule string
	MetricsEnabled bool
	MetricsPath    string

	raw       map[string]string
	parseErrs []error
}

// envKeys lists every key that may be overridden from the process environment.
var envKeys = []string{
	"DEBUG_LEVEL", "USE_COLOR", "LOG_FILE", "JOBS_FOLDER", "MIN_FREE_SPACE_GB",
	"SOURCE_TYPE", "SNAPSHOTS_FOLDER", "SOURCE_FOLDER", "BTRFS_SEND_COMPRESSED",
	"FAKE_BACKUP_SIZE", "FAKE_SNAPSHOT_NAME",
	"DESTINATION_TYPE", "DESTINATION_FOLDER",
	"SSH_HOST", "SSH_USER", "SSH_PORT", "SSH_IDENTITY_FILE", "SSH_KNOWN_HOSTS",
	"ENCRYPTION_PASSWORD", "ENCRYPTION_WORK_FACTOR", "COMPRESSION_LEVEL",
	"BACKUP_SCHEDULE", "METRICS_ENABLED", "METRICS_PATH",
}

// ResolvePath picks the configuration file: explicit flag, then
// DATA_DANCE_CONFIG, then DefaultConfigPath.
func ResolvePath(flagValue string) string {
	if p := strings.TrimSpace(flagValue); p != "" {
		return p
	}
	if p := strings.TrimSpace(os.Getenv(ConfigPathEnv)); p != "" {
		return p
	}
	return DefaultConfigPath
}

// LoadConfig reads a backup.env file, applies environment overrides and
// parses the result. Validation is separate (see Validate).
func LoadConfig(configPath string) (*Config, error) {
	if !utils.FileExists(configPath) {
		return nil, fmt.Errorf("configuration file not found: %s", configPath)
	}

	rawValues, err := parseEnvFile(configPath)
	if err != nil {
		return nil, err
	}
	return FromValues(configPath, rawValues)
}

// FromValues builds a Config from already-split KEY=VALUE pairs. Environment
// variables still take precedence.
func FromValues(configPath string, values map[string]string) (*Config, error) {
	raw := make(map[string]string, len(values))
	for k, v := range values {
		raw[k] = v
	}
	cfg := &Config{ConfigPath: configPath, raw: raw}
	cfg.loadEnvOverrides()

	if err := cfg.parse(); err != nil {
		return nil, fmt.Errorf("error parsing configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) loadEnvOverrides() {
	for _, key := range envKeys {
		if envValue := os.Getenv(key); envValue != "" {
			c.raw[key] = envValue
		}
	}
}

func (c *Config) parse() error {
	c.DebugLevel = c.getLogLevel("DEBUG_LEVEL", types.LogLevelInfo)
	c.UseColor = c.getBool("USE_COLOR", true)
	c.LogFile = c.getString("LOG_FILE", "")
	c.JobsFolder = c.getString("JOBS_FOLDER", "/var/lib/datadance/jobs")
	c.MinFreeSpaceGB = c.getFloat("MIN_FREE_SPACE_GB", 0)

	c.SourceType = types.SourceKind(strings.ToLower(c.getString("SOURCE_TYPE", string(types.SourceBtrfs))))
	c.SnapshotsFolder = c.getString("SNAPSHOTS_FOLDER", "")
	c.SourceFolder = c.getString("SOURCE_FOLDER", "")
	c.BtrfsSendCompressed = c.getBool("BTRFS_SEND_COMPRESSED", false)
	c.FakeBackupSize = c.getSize("FAKE_BACKUP_SIZE", 10<<20)
	c.FakeSnapshotName = c.getString("FAKE_SNAPSHOT_NAME", "fake_snapshot/")

	c.DestinationType = types.DestinationKind(strings.ToLower(c.getString("DESTINATION_TYPE", string(types.DestinationLocal))))
	c.DestinationFolder = c.getString("DESTINATION_FOLDER", "")
	c.SSHHost = c.getString("SSH_HOST", "")
	c.SSHUser = c.getString("SSH_USER", "root")
	c.SSHPort = c.getInt("SSH_PORT", defaultSSHPort)
	c.SSHIdentityFile = c.getString("SSH_IDENTITY_FILE", "")
	c.SSHKnownHosts = c.getString("SSH_KNOWN_HOSTS", "")

	c.EncryptionPassword = types.NewSensitiveString(c.raw["ENCRYPTION_PASSWORD"])
	delete(c.raw, "ENCRYPTION_PASSWORD")
	c.EncryptionWorkFactor = c.getInt("ENCRYPTION_WORK_FACTOR", defaultWorkFactor)
	level, err := types.ParseCompressionLevel(c.raw["COMPRESSION_LEVEL"])
	if err != nil {
		c.parseErrs = append(c.parseErrs, err)
	}
	c.CompressionLevel = level

	c.BackupSchedule = c.getString("BACKUP_SCHEDULE", "")
	c.MetricsEnabled = c.getBool("METRICS_ENABLED", false)
	c.MetricsPath = c.getString("METRICS_PATH", "/var/lib/prometheus/node-exporter")

	return errors.Join(c.parseErrs...)
}

// Validate reports every inconsistency at once.
func (c *Config) Validate() error {
	var problems []error
	add := func(format string, args ...interface{}) {
		problems = append(problems, fmt.Errorf(format, args...))
	}

	if c.JobsFolder == "" {
		add("JOBS_FOLDER must not be empty")
	}
	if c.MinFreeSpaceGB < 0 {
		add("MIN_FREE_SPACE_GB %.2f cannot be negative", c.MinFreeSpaceGB)
	}

	switch c.SourceType {
	case types.SourceBtrfs:
		if c.SnapshotsFolder == "" {
			add("SNAPSHOTS_FOLDER is required for the btrfs source")
		}
		if c.SourceFolder == "" {
			add("SOURCE_FOLDER is required for the btrfs source")
		}
	case types.SourceFake:
		if c.FakeBackupSize == 0 {
			add("FAKE_BACKUP_SIZE must be greater than zero")
		}
	default:
		add("unknown SOURCE_TYPE %q (want btrfs or fake)", c.SourceType)
	}

	switch c.DestinationType {
	case types.DestinationLocal:
		if c.DestinationFolder == "" {
			add("DESTINATION_FOLDER is required for the local destination")
		}
	case types.DestinationSSH, types.DestinationSFTP:
		if c.SSHHost == "" {
			add("SSH_HOST is required for the %s destination", c.DestinationType)
		}
		if c.SSHUser == "" {
			add("SSH_USER is required for the %s destination", c.DestinationType)
		}
		if c.SSHPort <= 0 || c.SSHPort > 65535 {
			add("SSH_PORT %d is out of range", c.SSHPort)
		}
		if c.DestinationFolder == "" {
			add("DESTINATION_FOLDER is required for the %s destination", c.DestinationType)
		}
		if c.DestinationType == types.DestinationSFTP && c.SSHIdentityFile == "" {
			add("SSH_IDENTITY_FILE is required for the sftp destination")
		}
	case types.DestinationFake:
	default:
		add("unknown DESTINATION_TYPE %q (want local, ssh, sftp or fake)", c.DestinationType)
	}

	if !c.EncryptionPassword.IsEmpty() && (c.EncryptionWorkFactor < 1 || c.EncryptionWorkFactor > 30) {
		add("ENCRYPTION_WORK_FACTOR %d must be between 1 and 30", c.EncryptionWorkFactor)
	}
	if c.MetricsEnabled && c.MetricsPath == "" {
		add("METRICS_PATH is required when METRICS_ENABLED=true")
	}

	return errors.Join(problems...)
}

// Get returns a raw configuration value.
func (c *Config) Get(key string) (string, bool) {
	v, ok := c.raw[key]
	return v, ok
}

func (c *Config) getString(key, defaultValue string) string {
	if val, ok := c.raw[key]; ok && val != "" {
		return os.ExpandEnv(val)
	}
	return defaultValue
}

func (c *Config) getBool(key string, defaultValue bool) bool {
	if val, ok := c.raw[key]; ok && val != "" {
		return utils.ParseBool(val)
	}
	return defaultValue
}

func (c *Config) getInt(key string, defaultValue int) int {
	val, ok := c.raw[key]
	if !ok || val == "" {
		return defaultValue
	}
	intVal, err := strconv.Atoi(strings.TrimSpace(val))
	if err != nil {
		c.parseErrs = append(c.parseErrs, fmt.Errorf("%s: %q is not a number", key, val))
		return defaultValue
	}
	return intVal
}

func (c *Config) getFloat(key string, defaultValue float64) float64 {
	val, ok := c.raw[key]
	if !ok || val == "" {
		return defaultValue
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
	if err != nil {
		c.parseErrs = append(c.parseErrs, fmt.Errorf("%s: %q is not a number", key, val))
		return defaultValue
	}
	return f
}

func (c *Config) getSize(key string, defaultValue uint64) uint64 {
	val, ok := c.raw[key]
	if !ok || val == "" {
		return defaultValue
	}
	size, err := utils.ParseSize(val)
	if err != nil {
		c.parseErrs = append(c.parseErrs, fmt.Errorf("%s: %w", key, err))
		return defaultValue
	}
	return size
}

func (c *Config) getLogLevel(key string, defaultValue types.LogLevel) types.LogLevel {
	val, ok := c.raw[key]
	if !ok {
		return defaultValue
	}
	level, err := types.ParseLogLevel(val)
	if err != nil {
		c.parseErrs = append(c.parseErrs, fmt.Errorf("%s: %w", key, err))
		return defaultValue
	}
	return level
}

func parseEnvFile(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("cannot open config file: %w", err)
	}
	defer file.Close()

	raw := make(map[string]string)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if utils.IsComment(line) {
			continue
		}
		key, value, ok := utils.SplitKeyValue(line)
		if !ok || key == "" {
			continue
		}
		raw[key] = value
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}
	return raw, nil
}
