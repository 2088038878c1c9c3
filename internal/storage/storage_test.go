package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock"

	"github.com/tis24dev/datadance/internal/chain"
)

// instantClock fires every After immediately and records the requested delays.
type instantClock struct {
	clock.Clock
	mu    sync.Mutex
	waits []time.Duration
}

func (c *instantClock) Now() time.Time {
	return time.Unix(1704283200, 0)
}

func (c *instantClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.waits = append(c.waits, d)
	c.mu.Unlock()
	ch := make(chan time.Time, 1)
	ch <- c.Now()
	return ch
}

func (c *instantClock) Waits() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.waits...)
}

func testOptions(clk clock.Clock) Options {
	return Options{Clock: clk}
}

func sampleHistory() chain.BackupHistory {
	root := chain.NewEntry(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC), nil, "2024_01_01_12_00_00/")
	parent := root.ID
	child := chain.NewEntry(time.Date(2024, 1, 2, 12, 0, 0, 0, time.UTC), &parent, "2024_01_02_12_00_00/")
	return chain.BackupHistory{Entries: []chain.BackupEntry{root, child}}
}

func writeBlob(t *testing.T, dst Destination, name string, data []byte) {
	t.Helper()
	w, err := dst.BackupWriter(context.Background(), name)
	if err != nil {
		t.Fatalf("BackupWriter(%s): %v", name, err)
	}
	if _, err := w.Write(data); err != nil {
		t.Fatalf("Write(%s): %v", name, err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close(%s): %v", name, err)
	}
}

func readBlob(t *testing.T, dst Destination, name string) []byte {
	t.Helper()
	r, err := dst.BackupReader(context.Background(), name)
	if err != nil {
		t.Fatalf("BackupReader(%s): %v", name, err)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("read %s: %v", name, err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("close reader %s: %v", name, err)
	}
	return data
}

// exerciseDestination runs the behaviour every destination shares.
func exerciseDestination(t *testing.T, dst Destination) {
	t.Helper()
	ctx := context.Background()

	empty, err := dst.BackupHistory(ctx)
	if err != nil {
		t.Fatalf("BackupHistory on empty destination: %v", err)
	}
	if empty.Len() != 0 {
		t.Fatalf("empty destination has %d entries", empty.Len())
	}

	history := sampleHistory()
	root, child := history.Entries[0], history.Entries[1]
	payload := bytes.Repeat([]byte("chunk-"), 4096)
	writeBlob(t, dst, root.RemoteFilename, payload)
	writeBlob(t, dst, child.RemoteFilename, []byte("delta"))

	if got := readBlob(t, dst, root.RemoteFilename); !bytes.Equal(got, payload) {
		t.Fatalf("read back %d bytes, want %d", len(got), len(payload))
	}

	if _, err := dst.BackupWriter(ctx, root.RemoteFilename); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("second BackupWriter err = %v, want ErrAlreadyExists", err)
	}
	if got := readBlob(t, dst, root.RemoteFilename); !bytes.Equal(got, payload) {
		t.Fatalf("existing blob changed after rejected overwrite")
	}

	if _, err := dst.BackupReader(ctx, "missing.dbin"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("BackupReader(missing) err = %v, want ErrNotFound", err)
	}

	if err := dst.SetBackupHistory(ctx, history); err != nil {
		t.Fatalf("SetBackupHistory: %v", err)
	}
	got, err := dst.BackupHistory(ctx)
	if err != nil {
		t.Fatalf("BackupHistory: %v", err)
	}
	if !got.Equal(history) {
		t.Fatalf("BackupHistory() = %+v, want %+v", got, history)
	}

	writeBlob(t, dst, "2024_01_03_12_00_00.dbin", []byte("orphan"))
	removed, err := dst.ClearOrphanedBackups(ctx, history)
	if err != nil {
		t.Fatalf("ClearOrphanedBackups: %v", err)
	}
	if removed != 1 {
		t.Fatalf("ClearOrphanedBackups removed %d, want 1", removed)
	}
	if _, err := dst.BackupReader(ctx, "2024_01_03_12_00_00.dbin"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("orphan still readable: %v", err)
	}
	readBlob(t, dst, root.RemoteFilename)
	readBlob(t, dst, child.RemoteFilename)

	again, err := dst.ClearOrphanedBackups(ctx, history)
	if err != nil || again != 0 {
		t.Fatalf("second ClearOrphanedBackups = %d, %v; want 0, nil", again, err)
	}
}

func TestMemoryDestination(t *testing.T) {
	mem := NewMemory(testOptions(&instantClock{}))
	exerciseDestination(t, mem)
	for _, name := range mem.Files() {
		if name == LedgerTempName {
			t.Fatalf("temporary ledger left behind: %v", mem.Files())
		}
	}
}

func TestClearOrphansCountsOnlySuccessfulDeletes(t *testing.T) {
	mem := NewMemory(testOptions(&instantClock{}))
	mem.Put("kept.bin", []byte("a"))
	mem.Put("stuck.dbin", []byte("b"))
	mem.Put("gone.dbin", []byte("c"))
	mem.Put("notes.txt", []byte("d"))
	mem.FailRemove = func(name string) error {
		if name == "stuck.dbin" {
			return errors.New("permission denied")
		}
		return nil
	}

	history := chain.BackupHistory{Entries: []chain.BackupEntry{{ID: 1, RemoteFilename: "kept.bin"}}}
	removed, err := mem.ClearOrphanedBackups(context.Background(), history)
	if err != nil {
		t.Fatalf("ClearOrphanedBackups: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	want := []string{"kept.bin", "notes.txt", "stuck.dbin"}
	if got := mem.Files(); !equalNames(got, want) {
		t.Fatalf("Files() = %v, want %v", got, want)
	}
}

func TestDestinationErrorUnwraps(t *testing.T) {
	err := alreadyExists("ssh", "a.bin")
	var destErr *DestinationError
	if !errors.As(err, &destErr) {
		t.Fatalf("expected *DestinationError, got %T", err)
	}
	if destErr.Backend != "ssh" || destErr.Operation != "create" {
		t.Fatalf("unexpected error fields: %+v", destErr)
	}
	if !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("errors.Is(ErrAlreadyExists) = false for %v", err)
	}
	if opError("ssh", "x", "y", nil) != nil {
		t.Fatalf("opError(nil) should be nil")
	}
}

func equalNames(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
