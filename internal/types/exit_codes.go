// Package types defines shared application data types.
package types

// ExitCode represents the application's exit codes.
type ExitCode int

const (
	// ExitSuccess - Execution completed successfully.
	ExitSuccess ExitCode = 0

	// ExitGenericError - Unspecified generic error.
	ExitGenericError ExitCode = 1

	// ExitConfigError - Configuration error.
	ExitConfigError ExitCode = 2

	// ExitBackupError - The backup job finished with an error.
	ExitBackupError ExitCode = 4

	// ExitStorageError - The destination could not be opened or queried.
	ExitStorageError ExitCode = 5

	// ExitRestoreError - The restore job finished with an error.
	ExitRestoreError ExitCode = 6

	// ExitJobBusy - A job of the same kind is already running.
	ExitJobBusy ExitCode = 7
)

// String returns a human-readable description of the exit code.
func (e ExitCode) String() string {
	switch e {
	case ExitSuccess:
		return "success"
	case ExitGenericError:
		return "generic error"
	case ExitConfigError:
		return "configuration error"
	case ExitBackupError:
		return "backup error"
	case ExitStorageError:
		return "storage error"
	case ExitRestoreError:
		return "restore error"
	case ExitJobBusy:
		return "job already running"
	default:
		return "unknown error"
	}
}

// Int returns the exit code as an int.
func (e ExitCode) Int() int {
	return int(e)
}
