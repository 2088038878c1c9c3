package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"sort"
	"sync"

	"github.com/tis24dev/datadance/internal/chain"
)

const memoryBackend = "memory"

// Memory is an in-process destination used by the fake destination type and
// by tests. The Fail* hooks inject errors into individual primitives.
type Memory struct {
	mu     sync.Mutex
	files  map[string][]byte
	opts   Options
	ledger *ledger

	// FailWrite makes writes of the named file fail.
	FailWrite func(name string) error
	// CorruptRead lets a test alter data read back from the named file.
	CorruptRead func(name string, data []byte) []byte
	// FailRemove makes removal of the named blob fail.
	FailRemove func(name string) error
}

// NewMemory returns an empty destination.
func NewMemory(opts Options) *Memory {
	m := &Memory{files: make(map[string][]byte), opts: opts.withDefaults("memory")}
	m.ledger = newLedger(m, m.opts)
	return m
}

func (m *Memory) Name() string {
	return "memory"
}

// Files returns a sorted snapshot of the stored file names.
func (m *Memory) Files() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.files))
	for name := range m.files {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// File returns a copy of a stored file.
func (m *Memory) File(name string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.files[name]
	return bytes.Clone(data), ok
}

// Put stores a file directly, bypassing every contract.
func (m *Memory) Put(name string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[name] = bytes.Clone(data)
}

func (m *Memory) BackupHistory(ctx context.Context) (chain.BackupHistory, error) {
	history, err := m.ledger.load(ctx)
	if err != nil {
		return chain.BackupHistory{}, opError(memoryBackend, "read ledger", LedgerName, err)
	}
	return history, nil
}

func (m *Memory) SetBackupHistory(ctx context.Context, history chain.BackupHistory) error {
	return opError(memoryBackend, "write ledger", LedgerName, m.ledger.save(ctx, history))
}

func (m *Memory) BackupWriter(ctx context.Context, name string) (io.WriteCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.files[name]; ok {
		return nil, alreadyExists(memoryBackend, name)
	}
	if m.FailWrite != nil {
		if err := m.FailWrite(name); err != nil {
			return nil, opError(memoryBackend, "create", name, err)
		}
	}
	m.files[name] = nil
	return &memoryWriter{mem: m, name: name}, nil
}

func (m *Memory) BackupReader(ctx context.Context, name string) (io.ReadCloser, error) {
	data, err := m.readFile(ctx, name)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, notFound(memoryBackend, name)
	}
	if err != nil {
		return nil, opError(memoryBackend, "open", name, err)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *Memory) ClearOrphanedBackups(ctx context.Context, history chain.BackupHistory) (int, error) {
	n, err := clearOrphans(ctx, m, history, m.opts.Logger)
	return n, opError(memoryBackend, "clear orphans", "", err)
}

func (m *Memory) Close() error {
	return nil
}

func (m *Memory) readFile(ctx context.Context, name string) ([]byte, error) {
	m.mu.Lock()
	data, ok := m.files[name]
	corrupt := m.CorruptRead
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, fs.ErrNotExist)
	}
	data = bytes.Clone(data)
	if corrupt != nil {
		data = corrupt(name, data)
	}
	return data, nil
}

func (m *Memory) writeFile(ctx context.Context, name string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrite != nil {
		if err := m.FailWrite(name); err != nil {
			return err
		}
	}
	m.files[name] = bytes.Clone(data)
	return nil
}

func (m *Memory) rename(ctx context.Context, from, to string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.files[from]
	if !ok {
		return fmt.Errorf("%s: %w", from, fs.ErrNotExist)
	}
	m.files[to] = data
	delete(m.files, from)
	return nil
}

func (m *Memory) listBlobs(ctx context.Context) ([]string, error) {
	var names []string
	for _, name := range m.Files() {
		if chain.IsBlobName(name) {
			names = append(names, name)
		}
	}
	return names, nil
}

func (m *Memory) remove(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailRemove != nil {
		if err := m.FailRemove(name); err != nil {
			return err
		}
	}
	if _, ok := m.files[name]; !ok {
		return fmt.Errorf("%s: %w", name, fs.ErrNotExist)
	}
	delete(m.files, name)
	return nil
}

type memoryWriter struct {
	mem    *Memory
	name   string
	buf    bytes.Buffer
	closed bool
}

func (w *memoryWriter) Write(p []byte) (int, error) {
	if w.closed {
		return 0, fs.ErrClosed
	}
	return w.buf.Write(p)
}

// Close publishes the blob contents.
func (w *memoryWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	w.mem.mu.Lock()
	defer w.mem.mu.Unlock()
	w.mem.files[w.name] = bytes.Clone(w.buf.Bytes())
	return nil
}

// Abort leaves the partially written blob in place, like a remote that lost
// its connection.
func (w *memoryWriter) Abort() error {
	if w.closed {
		return nil
	}
	w.closed = true
	w.mem.mu.Lock()
	defer w.mem.mu.Unlock()
	w.mem.files[w.name] = bytes.Clone(w.buf.Bytes())
	return nil
}
