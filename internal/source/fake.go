package source

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"sync"

	"github.com/tis24dev/datadance/internal/chain"
)

// Fake is an in-process source producing deterministic pseudo-random data.
// It records what the jobs asked of it so tests can assert on it.
type Fake struct {
	Size          uint64
	LocalSnapshot string
	Seed          uint64

	mu               sync.Mutex
	clearedHistories []chain.BackupHistory
	restored         map[string][]byte
	applied          [][2]string
	clearedRestored  []string
	backupErr        error
	clearErr         error
	applyErr         map[string]error
}

// NewFake returns a fake source emitting size bytes under snapshot.
func NewFake(snapshot string, size uint64) *Fake {
	return &Fake{Size: size, LocalSnapshot: snapshot, Seed: 1}
}

// FailBackup makes the next BackupSource calls fail with err.
func (f *Fake) FailBackup(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.backupErr = err
}

// FailClear makes ClearLocalSnapshots fail with err.
func (f *Fake) FailClear(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clearErr = err
}

// FailApply makes ApplyRestoredSnapshot fail for snapshot.
func (f *Fake) FailApply(snapshot string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.applyErr == nil {
		f.applyErr = make(map[string]error)
	}
	f.applyErr[snapshot] = err
}

// BackupSource implements Service. The parent is simply the newest entry.
func (f *Fake) BackupSource(_ context.Context, history chain.BackupHistory) (*Backup, error) {
	f.mu.Lock()
	err := f.backupErr
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}

	var parentID *uint32
	if latest, ok := history.Latest(); ok {
		id := latest.ID
		parentID = &id
	}
	return &Backup{
		ParentID:      parentID,
		LocalSnapshot: f.LocalSnapshot,
		Data:          io.NopCloser(NewRandomReader(f.Seed, f.Size)),
	}, nil
}

// ClearLocalSnapshots implements Service.
func (f *Fake) ClearLocalSnapshots(_ context.Context, history chain.BackupHistory) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clearedHistories = append(f.clearedHistories, history)
	return f.clearErr
}

// Cleared reports how many times ClearLocalSnapshots ran.
func (f *Fake) Cleared() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clearedHistories)
}

type fakeRestoreWriter struct {
	bytes.Buffer
	fake     *Fake
	snapshot string
}

func (w *fakeRestoreWriter) Close() error {
	w.fake.mu.Lock()
	defer w.fake.mu.Unlock()
	w.fake.restored[w.snapshot] = w.Bytes()
	return nil
}

// RestoreWriter implements Service. The stream is kept in memory.
func (f *Fake) RestoreWriter(_ context.Context, _ string, snapshot string) (io.WriteCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.restored == nil {
		f.restored = make(map[string][]byte)
	}
	return &fakeRestoreWriter{fake: f, snapshot: snapshot}, nil
}

// ApplyRestoredSnapshot implements Service.
func (f *Fake) ApplyRestoredSnapshot(_ context.Context, _ string, previous, current string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.applyErr[current]; err != nil {
		return err
	}
	if _, ok := f.restored[current]; !ok {
		return fmt.Errorf("snapshot %s was never received", current)
	}
	f.applied = append(f.applied, [2]string{previous, current})
	return nil
}

// ClearRestoredSnapshots implements Service.
func (f *Fake) ClearRestoredSnapshots(_ context.Context, _ string, received []string, keep string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, name := range received {
		if name != keep {
			f.clearedRestored = append(f.clearedRestored, name)
		}
	}
	return nil
}

// Restored returns the bytes received for snapshot.
func (f *Fake) Restored(snapshot string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.restored[snapshot]
	return data, ok
}

// Applied returns the (previous, current) pairs in application order.
func (f *Fake) Applied() [][2]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][2]string(nil), f.applied...)
}

// ClearedRestored returns the intermediate snapshots removed after restores.
func (f *Fake) ClearedRestored() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.clearedRestored...)
}

// RandomReader yields a fixed number of PCG-generated bytes.
type RandomReader struct {
	rng       *rand.PCG
	remaining uint64
	pending   [8]byte
	buffered  int
}

// NewRandomReader returns a reader of size bytes; equal seeds give equal streams.
func NewRandomReader(seed, size uint64) *RandomReader {
	return &RandomReader{rng: rand.NewPCG(seed, seed^0x9e3779b97f4a7c15), remaining: size}
}

func (r *RandomReader) Read(p []byte) (int, error) {
	if r.remaining == 0 {
		return 0, io.EOF
	}
	if uint64(len(p)) > r.remaining {
		p = p[:r.remaining]
	}
	n := 0
	for n < len(p) {
		if r.buffered == 0 {
			v := r.rng.Uint64()
			for i := range r.pending {
				r.pending[i] = byte(v >> (8 * i))
			}
			r.buffered = len(r.pending)
		}
		p[n] = r.pending[len(r.pending)-r.buffered]
		r.buffered--
		n++
	}
	r.remaining -= uint64(n)
	return n, nil
}
