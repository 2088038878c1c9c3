package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/tis24dev/datadance/internal/chain"
	"github.com/tis24dev/datadance/internal/safefs"
)

const (
	localBackend = "local"

	// dirTimeout bounds directory stats on possibly stale mounts.
	dirTimeout = 30 * time.Second
)

// Filesystem keeps blobs and the ledger in a directory, typically a mounted
// backup disk.
type Filesystem struct {
	root   string
	opts   Options
	ledger *ledger
}

// NewFilesystem returns a destination rooted at dir. The directory is
// created on first use.
func NewFilesystem(dir string, opts Options) (*Filesystem, error) {
	if dir == "" {
		return nil, opError(localBackend, "init", dir, errors.New("destination folder not set"))
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, opError(localBackend, "init", dir, err)
	}
	f := &Filesystem{root: abs, opts: opts.withDefaults("local")}
	f.ledger = newLedger(f, f.opts)
	return f, nil
}

func (f *Filesystem) Name() string {
	return "local:" + f.root
}

func (f *Filesystem) path(name string) string {
	return filepath.Join(f.root, filepath.Base(name))
}

func (f *Filesystem) ensureRoot(ctx context.Context) error {
	exists, err := safefs.DirExists(ctx, f.root, dirTimeout)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return os.MkdirAll(f.root, 0o700)
}

func (f *Filesystem) BackupHistory(ctx context.Context) (chain.BackupHistory, error) {
	history, err := f.ledger.load(ctx)
	if err != nil {
		return chain.BackupHistory{}, opError(localBackend, "read ledger", f.path(LedgerName), err)
	}
	return history, nil
}

func (f *Filesystem) SetBackupHistory(ctx context.Context, history chain.BackupHistory) error {
	if err := f.ensureRoot(ctx); err != nil {
		return opError(localBackend, "write ledger", f.root, err)
	}
	return opError(localBackend, "write ledger", f.path(LedgerName), f.ledger.save(ctx, history))
}

func (f *Filesystem) BackupWriter(ctx context.Context, name string) (io.WriteCloser, error) {
	if err := f.ensureRoot(ctx); err != nil {
		return nil, opError(localBackend, "create", f.root, err)
	}
	path := f.path(name)
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if errors.Is(err, fs.ErrExist) {
		return nil, alreadyExists(localBackend, name)
	}
	if err != nil {
		return nil, opError(localBackend, "create", path, err)
	}
	f.opts.Logger.Debug("Created %s", path)
	return &fileWriter{file: file, path: path}, nil
}

func (f *Filesystem) BackupReader(ctx context.Context, name string) (io.ReadCloser, error) {
	path := f.path(name)
	file, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, notFound(localBackend, name)
	}
	if err != nil {
		return nil, opError(localBackend, "open", path, err)
	}
	return file, nil
}

func (f *Filesystem) ClearOrphanedBackups(ctx context.Context, history chain.BackupHistory) (int, error) {
	n, err := clearOrphans(ctx, f, history, f.opts.Logger)
	return n, opError(localBackend, "clear orphans", f.root, err)
}

func (f *Filesystem) Close() error {
	return nil
}

func (f *Filesystem) readFile(ctx context.Context, name string) ([]byte, error) {
	return os.ReadFile(f.path(name))
}

func (f *Filesystem) writeFile(ctx context.Context, name string, data []byte) error {
	file, err := os.OpenFile(f.path(name), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := file.Write(data); err != nil {
		_ = file.Close()
		return err
	}
	if err := file.Sync(); err != nil {
		_ = file.Close()
		return err
	}
	return file.Close()
}

func (f *Filesystem) rename(ctx context.Context, from, to string) error {
	if err := os.Rename(f.path(from), f.path(to)); err != nil {
		return err
	}
	return syncDir(f.root)
}

func (f *Filesystem) listBlobs(ctx context.Context) ([]string, error) {
	entries, err := safefs.ReadDir(ctx, f.root, dirTimeout)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var names []string
	for _, entry := range entries {
		if entry.Type().IsRegular() && chain.IsBlobName(entry.Name()) {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func (f *Filesystem) remove(ctx context.Context, name string) error {
	return os.Remove(f.path(name))
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("sync %s: %w", dir, err)
	}
	return nil
}

// fileWriter is a blob being written. Abort removes the partial file.
type fileWriter struct {
	file *os.File
	path string
}

func (w *fileWriter) Write(p []byte) (int, error) {
	return w.file.Write(p)
}

func (w *fileWriter) Close() error {
	if err := w.file.Sync(); err != nil {
		_ = w.file.Close()
		return err
	}
	return w.file.Close()
}

func (w *fileWriter) Abort() error {
	_ = w.file.Close()
	return os.Remove(w.path)
}
