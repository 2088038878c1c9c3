package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"

	"github.com/juju/retry"

	"github.com/tis24dev/datadance/internal/chain"
	"github.com/tis24dev/datadance/internal/logging"
)

// objectStore is the small set of whole-file primitives the ledger protocol
// needs from a backend.
type objectStore interface {
	// readFile returns an error wrapping fs.ErrNotExist for missing files.
	readFile(ctx context.Context, name string) ([]byte, error)
	// writeFile creates or truncates name.
	writeFile(ctx context.Context, name string, data []byte) error
	// rename atomically replaces to with from.
	rename(ctx context.Context, from, to string) error
}

// ledger implements read and verified write of backup_history.json on top
// of an objectStore.
type ledger struct {
	store objectStore
	opts  Options
}

func newLedger(store objectStore, opts Options) *ledger {
	return &ledger{store: store, opts: opts}
}

func (l *ledger) load(ctx context.Context) (chain.BackupHistory, error) {
	data, err := l.store.readFile(ctx, LedgerName)
	if errors.Is(err, fs.ErrNotExist) {
		l.opts.Logger.Debug("No %s yet, starting with an empty history", LedgerName)
		return chain.BackupHistory{}, nil
	}
	if err != nil {
		return chain.BackupHistory{}, fmt.Errorf("read %s: %w", LedgerName, err)
	}
	return decodeHistory(data)
}

func decodeHistory(data []byte) (chain.BackupHistory, error) {
	var history chain.BackupHistory
	if err := json.Unmarshal(data, &history); err != nil {
		return chain.BackupHistory{}, fmt.Errorf("decode %s: %w", LedgerName, err)
	}
	return history, nil
}

// save writes history to the temporary name, reads it back, compares it and
// only then renames it over the canonical ledger. Every failure restarts the
// sequence after a doubling delay until the attempts are used up.
func (l *ledger) save(ctx context.Context, history chain.BackupHistory) error {
	data, err := json.MarshalIndent(history, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", LedgerName, err)
	}

	var lastErr error
	err = retry.Call(retry.CallArgs{
		Func: func() error {
			lastErr = l.writeVerified(ctx, history, data)
			return lastErr
		},
		IsFatalError: func(error) bool {
			return ctx.Err() != nil
		},
		NotifyFunc: func(err error, attempt int) {
			if attempt < l.opts.LedgerAttempts {
				l.opts.Logger.Warning("Ledger write attempt %d/%d failed: %v", attempt, l.opts.LedgerAttempts, err)
			}
		},
		Attempts:    l.opts.LedgerAttempts,
		Delay:       l.opts.LedgerDelay,
		BackoffFunc: retry.DoubleDelay,
		Clock:       l.opts.Clock,
	})
	if err == nil {
		return nil
	}
	if retry.IsAttemptsExceeded(err) && lastErr != nil {
		return fmt.Errorf("write %s failed after %d attempts: %w", LedgerName, l.opts.LedgerAttempts, lastErr)
	}
	if lastErr != nil {
		return fmt.Errorf("write %s: %w", LedgerName, lastErr)
	}
	return fmt.Errorf("write %s: %w", LedgerName, err)
}

func (l *ledger) writeVerified(ctx context.Context, want chain.BackupHistory, data []byte) (err error) {
	done := logging.DebugStart(l.opts.Logger, "ledger write", "%d entries", want.Len())
	defer func() { done(err) }()

	if err := l.store.writeFile(ctx, LedgerTempName, data); err != nil {
		return fmt.Errorf("write %s: %w", LedgerTempName, err)
	}

	readBack, err := l.store.readFile(ctx, LedgerTempName)
	if err != nil {
		return fmt.Errorf("read back %s: %w", LedgerTempName, err)
	}
	if !bytes.Equal(readBack, data) {
		got, decodeErr := decodeHistory(readBack)
		if decodeErr != nil || !got.Equal(want) {
			return fmt.Errorf("%s: %w", LedgerTempName, ErrLedgerVerification)
		}
	}

	if err := l.store.rename(ctx, LedgerTempName, LedgerName); err != nil {
		return fmt.Errorf("rename %s to %s: %w", LedgerTempName, LedgerName, err)
	}
	return nil
}
