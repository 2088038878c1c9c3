package jobs

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/tis24dev/datadance/internal/chain"
	"github.com/tis24dev/datadance/internal/source"
	"github.com/tis24dev/datadance/internal/storage"
	"github.com/tis24dev/datadance/internal/tunnel"
	"github.com/tis24dev/datadance/internal/types"
)

const testWorkFactor = 10

func steppingClock(start time.Time) func() time.Time {
	var mu sync.Mutex
	current := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		current = current.Add(time.Second)
		return current
	}
}

// recordingDestination notes which blobs were opened for reading.
type recordingDestination struct {
	storage.Destination
	mu     sync.Mutex
	opened []string
}

func (r *recordingDestination) BackupReader(ctx context.Context, name string) (io.ReadCloser, error) {
	r.mu.Lock()
	r.opened = append(r.opened, name)
	r.mu.Unlock()
	return r.Destination.BackupReader(ctx, name)
}

func (r *recordingDestination) Opened() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.opened...)
}

type fixture struct {
	source *source.Fake
	memory *storage.Memory
	dest   *recordingDestination
	now    func() time.Time
	enc    tunnel.Encryption
}

func newFixture(t *testing.T, password string) *fixture {
	t.Helper()
	mem := storage.NewMemory(storage.Options{LedgerAttempts: 1})
	enc := tunnel.Encryption{}
	if password != "" {
		enc = tunnel.Symmetric(password)
		enc.WorkFactor = testWorkFactor
	}
	return &fixture{
		source: source.NewFake("2024_01_03_12_00_00/", 64<<10),
		memory: mem,
		dest:   &recordingDestination{Destination: mem},
		now:    steppingClock(time.Date(2024, 1, 3, 12, 0, 0, 0, time.UTC)),
		enc:    enc,
	}
}

func (f *fixture) backupJob() *BackupJob {
	return NewBackupJob(BackupOptions{
		Source:      f.source,
		Destination: f.dest,
		Compression: types.CompressionFast,
		Encryption:  f.enc,
		Now:         f.now,
	})
}

func (f *fixture) restoreJob(t *testing.T, id uint32) *RestoreJob {
	return NewRestoreJob(RestoreParams{BackupID: id, TargetFolder: t.TempDir()}, RestoreOptions{
		Source:      f.source,
		Destination: f.dest,
		Compression: types.CompressionFast,
		Encryption:  f.enc,
		JobsFolder:  t.TempDir(),
		Now:         f.now,
	})
}

func (f *fixture) runBackup(t *testing.T, snapshot string) *BackupResult {
	t.Helper()
	f.source.LocalSnapshot = snapshot
	result, err := f.backupJob().Run(context.Background())
	if err != nil {
		t.Fatalf("backup of %s: %v", snapshot, err)
	}
	return result
}

func (f *fixture) seedHistory(t *testing.T, entries ...chain.BackupEntry) {
	t.Helper()
	for _, e := range entries {
		f.memory.Put(e.RemoteFilename, []byte("stale"))
	}
	if err := f.memory.SetBackupHistory(context.Background(), chain.BackupHistory{Entries: entries}); err != nil {
		t.Fatalf("seed history: %v", err)
	}
}

func fakeData(t *testing.T, size uint64) []byte {
	t.Helper()
	data, err := io.ReadAll(source.NewRandomReader(1, size))
	if err != nil {
		t.Fatalf("read fake data: %v", err)
	}
	return data
}

func ptr(v uint32) *uint32 { return &v }

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
