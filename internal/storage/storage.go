// Package storage provides the remote side of a backup chain: immutable
// backup blobs plus the backup_history.json ledger, on a local path, over
// ssh, over sftp or in memory.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/juju/clock"
	jujuerrors "github.com/juju/errors"

	"github.com/tis24dev/datadance/internal/chain"
	"github.com/tis24dev/datadance/internal/logging"
)

const (
	// LedgerName is the canonical ledger file.
	LedgerName = "backup_history.json"
	// LedgerTempName receives a new ledger before it is verified and renamed.
	LedgerTempName = "backup_history.json.tmp"

	defaultLedgerAttempts = 6
	defaultLedgerDelay    = time.Second
)

var (
	// ErrAlreadyExists is returned when a backup blob name is taken. Blobs are
	// never overwritten.
	ErrAlreadyExists = jujuerrors.AlreadyExists

	// ErrNotFound is returned when a backup blob does not exist.
	ErrNotFound = jujuerrors.NotFound

	// ErrLedgerVerification means the ledger read back from the temporary
	// name did not match what was written.
	ErrLedgerVerification = errors.New("ledger verification failed")
)

// Destination stores backup blobs and the ledger.
type Destination interface {
	// Name describes the destination for logs.
	Name() string

	// BackupHistory reads the ledger; a missing ledger is an empty history.
	BackupHistory(ctx context.Context) (chain.BackupHistory, error)

	// SetBackupHistory replaces the ledger wholesale through the verified
	// write protocol, retrying with backoff.
	SetBackupHistory(ctx context.Context, history chain.BackupHistory) error

	// BackupWriter creates a new blob. It fails with ErrAlreadyExists when
	// name is taken.
	BackupWriter(ctx context.Context, name string) (io.WriteCloser, error)

	// BackupReader opens an existing blob.
	BackupReader(ctx context.Context, name string) (io.ReadCloser, error)

	// ClearOrphanedBackups removes blobs not referenced by history and returns
	// how many were deleted. Individual deletion failures are skipped.
	ClearOrphanedBackups(ctx context.Context, history chain.BackupHistory) (int, error)

	// Close releases connections and reaps outstanding child processes.
	Close() error
}

// Options carries the collaborators shared by every destination.
type Options struct {
	Logger *logging.Logger
	// Clock drives ledger retry backoff; defaults to the wall clock.
	Clock clock.Clock
	// LedgerAttempts is the total number of ledger write attempts (default 6).
	LedgerAttempts int
	// LedgerDelay is the first backoff delay, doubled after each attempt (default 1s).
	LedgerDelay time.Duration
}

func (o Options) withDefaults(component string) Options {
	if o.Logger == nil {
		o.Logger = logging.Discard()
	}
	o.Logger = o.Logger.WithComponent(component)
	if o.Clock == nil {
		o.Clock = clock.WallClock
	}
	if o.LedgerAttempts <= 0 {
		o.LedgerAttempts = defaultLedgerAttempts
	}
	if o.LedgerDelay <= 0 {
		o.LedgerDelay = defaultLedgerDelay
	}
	return o
}

// DestinationError describes a failed destination operation.
type DestinationError struct {
	Backend   string
	Operation string
	Path      string
	Err       error
}

func (e *DestinationError) Error() string {
	return fmt.Sprintf("%s destination: %s %s: %v", e.Backend, e.Operation, e.Path, e.Err)
}

func (e *DestinationError) Unwrap() error {
	return e.Err
}

func opError(backend, op, path string, err error) error {
	if err == nil {
		return nil
	}
	return &DestinationError{Backend: backend, Operation: op, Path: path, Err: err}
}

func alreadyExists(backend, name string) error {
	return opError(backend, "create", name, fmt.Errorf("backup %q: %w", name, ErrAlreadyExists))
}

func notFound(backend, name string) error {
	return opError(backend, "open", name, fmt.Errorf("backup %q: %w", name, ErrNotFound))
}
