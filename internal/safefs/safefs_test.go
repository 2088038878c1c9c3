package safefs

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"
)

func TestStat_ReturnsTimeoutError(t *testing.T) {
	prev := osStat
	defer func() { osStat = prev }()

	osStat = func(string) (os.FileInfo, error) {
		select {}
	}

	start := time.Now()
	_, err := Stat(context.Background(), "/does/not/matter", 25*time.Millisecond)
	if err == nil || !errors.Is(err, ErrTimeout) {
		t.Fatalf("Stat err = %v; want timeout", err)
	}
	if time.Since(start) > 250*time.Millisecond {
		t.Fatalf("Stat took too long: %s", time.Since(start))
	}
}

func TestReadDir_ReturnsTimeoutError(t *testing.T) {
	prev := osReadDir
	defer func() { osReadDir = prev }()

	osReadDir = func(string) ([]os.DirEntry, error) {
		select {}
	}

	_, err := ReadDir(context.Background(), "/does/not/matter", 25*time.Millisecond)
	var timeoutErr *TimeoutError
	if !errors.As(err, &timeoutErr) || timeoutErr.Op != "readdir" {
		t.Fatalf("ReadDir err = %v; want readdir timeout", err)
	}
}

func TestIsBtrfs_UsesFilesystemMagic(t *testing.T) {
	prev := syscallStatfs
	defer func() { syscallStatfs = prev }()

	syscallStatfs = func(_ string, st *syscall.Statfs_t) error {
		st.Type = btrfsSuperMagic
		return nil
	}
	ok, err := IsBtrfs(context.Background(), "/snapshots", 0)
	if err != nil || !ok {
		t.Fatalf("IsBtrfs = %v, %v; want true", ok, err)
	}

	syscallStatfs = func(_ string, st *syscall.Statfs_t) error {
		st.Type = 0xEF53 // ext4
		return nil
	}
	ok, err = IsBtrfs(context.Background(), "/snapshots", 0)
	if err != nil || ok {
		t.Fatalf("IsBtrfs = %v, %v; want false", ok, err)
	}
}

func TestStat_PropagatesContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Stat(ctx, "/does/not/matter", 50*time.Millisecond)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Stat err = %v; want context.Canceled", err)
	}
}

func TestDirExists(t *testing.T) {
	dir := t.TempDir()
	ok, err := DirExists(context.Background(), dir, time.Second)
	if err != nil || !ok {
		t.Fatalf("DirExists(%s) = %v, %v", dir, ok, err)
	}
	ok, err = DirExists(context.Background(), filepath.Join(dir, "missing"), time.Second)
	if err != nil || ok {
		t.Fatalf("DirExists(missing) = %v, %v", ok, err)
	}
}

func TestWriteJSONRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs", "state.json")
	type record struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}

	var missing record
	found, err := ReadJSON(path, &missing)
	if err != nil || found {
		t.Fatalf("ReadJSON on missing file = %v, %v", found, err)
	}

	if err := WriteJSON(path, record{Name: "a", Count: 1}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	if err := WriteJSON(path, record{Name: "b", Count: 2}); err != nil {
		t.Fatalf("WriteJSON overwrite: %v", err)
	}

	var got record
	found, err = ReadJSON(path, &got)
	if err != nil || !found {
		t.Fatalf("ReadJSON = %v, %v", found, err)
	}
	if got.Name != "b" || got.Count != 2 {
		t.Fatalf("unexpected record %+v", got)
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("temporary files left behind: %v", entries)
	}
}

func TestWriteFileAtomicKeepsOldContentOnRenameFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.json")
	if err := os.WriteFile(path, []byte("old"), 0o644); err != nil {
		t.Fatal(err)
	}

	prev := osRename
	defer func() { osRename = prev }()
	osRename = func(string, string) error { return errors.New("rename refused") }

	if err := WriteFileAtomic(path, []byte("new"), 0o644); err == nil {
		t.Fatal("expected rename failure")
	}
	data, err := os.ReadFile(path)
	if err != nil || string(data) != "old" {
		t.Fatalf("content = %q, %v; want old", data, err)
	}
}
