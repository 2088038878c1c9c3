// Package checks runs the local preflight checks before a job is submitted.
package checks

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/tis24dev/datadance/internal/logging"
	"github.com/tis24dev/datadance/internal/safefs"
)

// LockFileName is the per-host process lock inside the jobs folder.
const LockFileName = "datadance.lock"

// Result codes for failed checks.
const (
	CodeLockHeld         = "LOCK_HELD"
	CodePermissionDenied = "PERMISSION_DENIED"
	CodeReadOnly         = "FS_READONLY"
	CodeDiskSpace        = "DISK_SPACE"
	CodeNotDirectory     = "NOT_DIRECTORY"
	CodeMissing          = "MISSING"
)

var (
	osStat      = os.Stat
	osRemove    = os.Remove
	osOpenFile  = os.OpenFile
	osMkdirAll  = os.MkdirAll
	osReadFile  = os.ReadFile
	createProbe = os.Create
	syncFile    = func(f *os.File) error { return f.Sync() }

	// processAlive reports whether pid still runs on this host.
	processAlive = func(pid int) bool {
		err := syscall.Kill(pid, 0)
		return err == nil || errors.Is(err, syscall.EPERM)
	}

	statfsTimeout = 5 * time.Second
)

// CheckerConfig lists what a job needs on the local host.
type CheckerConfig struct {
	// CreateDirs are created (0700) when missing.
	CreateDirs []string
	// RequiredDirs must already exist.
	RequiredDirs []string
	// WritableDirs are probed with a temporary file.
	WritableDirs []string
	// SpaceDirs must have at least MinFreeGB available.
	SpaceDirs []string
	MinFreeGB float64

	// SecretFiles should not be readable by group or others. Findings are
	// warnings only.
	SecretFiles []string

	LockFilePath        string
	SkipPermissionCheck bool
}

// Validate checks if the checker configuration is valid
func (c *CheckerConfig) Validate() error {
	if c.MinFreeGB < 0 {
		return fmt.Errorf("minimum free space cannot be negative")
	}
	if c.LockFilePath == "" {
		return fmt.Errorf("lock file path cannot be empty")
	}
	return nil
}

// CheckResult holds the result of a validation check
type CheckResult struct {
	Name    string
	Passed  bool
	Message string
	Error   error
	Code    string
}

// CheckError is returned by RunAllChecks for the first failed check.
type CheckError struct {
	Result CheckResult
}

func (e *CheckError) Error() string {
	return fmt.Sprintf("%s check failed: %s", strings.ToLower(e.Result.Name), e.Result.Message)
}

func (e *CheckError) Unwrap() error {
	return e.Result.Error
}

// IsLockHeld reports whether err means another datadance process holds the lock.
func IsLockHeld(err error) bool {
	var checkErr *CheckError
	return errors.As(err, &checkErr) && checkErr.Result.Code == CodeLockHeld
}

// Checker performs the preflight checks and owns the lock once acquired.
type Checker struct {
	logger *logging.Logger
	config *CheckerConfig
	locked bool
}

// NewChecker creates a new preflight checker
func NewChecker(logger *logging.Logger, config *CheckerConfig) *Checker {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Checker{
		logger: logger.WithComponent("checks"),
		config: config,
	}
}

// RunAllChecks runs directories, disk space, permissions and finally the
// lock, stopping at the first failure.
func (c *Checker) RunAllChecks(ctx context.Context) ([]CheckResult, error) {
	if err := c.config.Validate(); err != nil {
		return nil, err
	}
	c.logger.Debug("Running preflight checks")

	steps := []func(context.Context) CheckResult{
		func(context.Context) CheckResult { return c.CheckDirectories() },
		c.CheckDiskSpace,
	}
	if !c.config.SkipPermissionCheck {
		steps = append(steps, func(context.Context) CheckResult { return c.CheckPermissions() })
	}
	steps = append(steps,
		func(context.Context) CheckResult { return c.CheckSecretFiles() },
		func(context.Context) CheckResult { return c.CheckLockFile() },
	)

	var results []CheckResult
	for _, step := range steps {
		result := step(ctx)
		results = append(results, result)
		if !result.Passed {
			return results, &CheckError{Result: result}
		}
	}
	c.logger.Debug("All preflight checks passed")
	return results, nil
}

// CheckDirectories creates missing working directories and verifies the
// required ones.
func (c *Checker) CheckDirectories() CheckResult {
	result := CheckResult{Name: "Directories"}

	for _, dir := range cleanDirs(c.config.CreateDirs) {
		info, err := osStat(dir)
		if err == nil {
			if !info.IsDir() {
				return c.fail(result, CodeNotDirectory, fmt.Errorf("required path is not a directory: %s", dir))
			}
			continue
		}
		if !os.IsNotExist(err) {
			return c.fail(result, "", fmt.Errorf("failed to stat directory %s: %w", dir, err))
		}
		if err := osMkdirAll(dir, 0o700); err != nil {
			return c.fail(result, "", fmt.Errorf("failed to create directory %s: %w", dir, err))
		}
		c.logger.Info("Created missing directory: %s", dir)
	}

	for _, dir := range cleanDirs(c.config.RequiredDirs) {
		info, err := osStat(dir)
		switch {
		case os.IsNotExist(err):
			return c.fail(result, CodeMissing, fmt.Errorf("directory does not exist: %s", dir))
		case err != nil:
			return c.fail(result, "", fmt.Errorf("failed to stat directory %s: %w", dir, err))
		case !info.IsDir():
			return c.fail(result, CodeNotDirectory, fmt.Errorf("required path is not a directory: %s", dir))
		}
	}

	return c.pass(result, "All required directories exist")
}

// CheckDiskSpace verifies MinFreeGB on every SpaceDirs entry.
func (c *Checker) CheckDiskSpace(ctx context.Context) CheckResult {
	result := CheckResult{Name: "Disk Space"}
	if c.config.MinFreeGB <= 0 {
		return c.pass(result, "Disk space check disabled")
	}
	for _, dir := range cleanDirs(c.config.SpaceDirs) {
		available, err := diskSpaceGB(ctx, dir)
		if err != nil {
			return c.fail(result, "", fmt.Errorf("disk space check failed (%s): %w", dir, err))
		}
		c.logger.Debug("%s: %.2f GB available, %.2f GB required", dir, available, c.config.MinFreeGB)
		if available < c.config.MinFreeGB {
			return c.fail(result, CodeDiskSpace, fmt.Errorf("disk space insufficient on %s: %.2f GB available, %.2f GB required",
				dir, available, c.config.MinFreeGB))
		}
	}
	return c.pass(result, "Sufficient disk space")
}

// CheckPermissions verifies write permissions on WritableDirs.
func (c *Checker) CheckPermissions() CheckResult {
	result := CheckResult{Name: "Permissions"}

	for _, dir := range cleanDirs(c.config.WritableDirs) {
		probe := filepath.Join(dir, fmt.Sprintf(".permission_test_%d", os.Getpid()))
		f, err := createProbe(probe)
		if err != nil {
			code, reason := "", "failed to test write permission"
			switch {
			case errors.Is(err, os.ErrPermission) || errors.Is(err, syscall.EACCES) || errors.Is(err, syscall.EPERM):
				code, reason = CodePermissionDenied, "no write permission"
			case errors.Is(err, syscall.EROFS):
				code, reason = CodeReadOnly, "filesystem is read-only"
			}
			return c.fail(result, code, fmt.Errorf("%s in %s: %w", reason, dir, err))
		}
		f.Close()
		if err := osRemove(probe); err != nil {
			c.logger.Warning("Failed to remove test file %s: %v", probe, err)
		}
	}
	return c.pass(result, "All directories are writable")
}

// CheckSecretFiles warns about secrets that group or others can read. It
// never fails.
func (c *Checker) CheckSecretFiles() CheckResult {
	result := CheckResult{Name: "Secret Files"}
	exposed := 0
	for _, path := range c.config.SecretFiles {
		if path == "" {
			continue
		}
		info, err := osStat(path)
		if err != nil {
			c.logger.Warning("Cannot stat %s: %v", path, err)
			continue
		}
		if perm := info.Mode().Perm(); perm&0o077 != 0 {
			c.logger.Warning("%s should have permissions 600 (current %o)", path, perm)
			exposed++
		}
	}
	if exposed > 0 {
		return c.pass(result, fmt.Sprintf("%d secret file(s) readable by other users", exposed))
	}
	return c.pass(result, "Secret files are private")
}

// CheckLockFile takes the process lock. A lock left by a dead process is
// removed; a live owner fails the check with CodeLockHeld.
func (c *Checker) CheckLockFile() CheckResult {
	result := CheckResult{Name: "Lock File"}
	lockPath := c.config.LockFilePath

	if data, err := osReadFile(lockPath); err == nil {
		pid := lockOwner(data)
		if pid > 0 && pid != os.Getpid() && processAlive(pid) {
			return c.fail(result, CodeLockHeld, fmt.Errorf("another datadance process (pid %d) holds %s", pid, lockPath))
		}
		c.logger.Warning("Removing stale lock file %s (pid %d)", lockPath, pid)
		if err := osRemove(lockPath); err != nil && !os.IsNotExist(err) {
			return c.fail(result, "", fmt.Errorf("failed to remove stale lock: %w", err))
		}
	} else if !os.IsNotExist(err) {
		return c.fail(result, "", fmt.Errorf("failed to read lock file: %w", err))
	}

	f, err := osOpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		if os.IsExist(err) {
			return c.fail(result, CodeLockHeld, errors.New("another datadance process acquired the lock"))
		}
		return c.fail(result, "", fmt.Errorf("failed to create lock file: %w", err))
	}
	defer f.Close()

	hostname, _ := os.Hostname()
	content := fmt.Sprintf("pid=%d\nhost=%s\ntime=%s\n", os.Getpid(), hostname, time.Now().Format(time.RFC3339))
	if _, err := f.WriteString(content); err != nil {
		return c.fail(result, "", fmt.Errorf("failed to write lock file: %w", err))
	}
	if err := syncFile(f); err != nil {
		c.logger.Warning("Failed to sync lock file %s: %v", lockPath, err)
	}
	c.locked = true
	return c.pass(result, "Lock file acquired successfully")
}

// ReleaseLock removes the lock file if this checker took it.
func (c *Checker) ReleaseLock() error {
	if !c.locked {
		return nil
	}
	if err := osRemove(c.config.LockFilePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	c.locked = false
	c.logger.Debug("Lock file released: %s", c.config.LockFilePath)
	return nil
}

func (c *Checker) pass(result CheckResult, message string) CheckResult {
	result.Passed = true
	result.Message = message
	c.logger.Debug("%s", message)
	return result
}

func (c *Checker) fail(result CheckResult, code string, err error) CheckResult {
	result.Passed = false
	result.Code = code
	result.Error = err
	result.Message = err.Error()
	c.logger.Error("%s", result.Message)
	return result
}

func lockOwner(data []byte) int {
	for _, line := range strings.Split(string(data), "\n") {
		if v, ok := strings.CutPrefix(strings.TrimSpace(line), "pid="); ok {
			pid, err := strconv.Atoi(v)
			if err == nil {
				return pid
			}
		}
	}
	return 0
}

func cleanDirs(paths []string) []string {
	seen := make(map[string]struct{}, len(paths))
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if strings.TrimSpace(p) == "" {
			continue
		}
		cleaned := filepath.Clean(p)
		if cleaned == "." || cleaned == "/" {
			continue
		}
		if _, dup := seen[cleaned]; dup {
			continue
		}
		seen[cleaned] = struct{}{}
		out = append(out, cleaned)
	}
	return out
}

func diskSpaceGB(ctx context.Context, path string) (float64, error) {
	stat, err := safefs.Statfs(ctx, path, statfsTimeout)
	if err != nil {
		return 0, err
	}
	return float64(stat.Bavail*uint64(stat.Bsize)) / (1024 * 1024 * 1024), nil
}
