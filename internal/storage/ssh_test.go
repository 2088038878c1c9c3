package storage

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"

	"github.com/kballard/go-shellquote"
)

// localRemote runs the remote command line of each ssh invocation through a
// local shell and records the ssh arguments.
type localRemote struct {
	mu      sync.Mutex
	calls   [][]string
	rewrite func(commandLine string) string
}

func (l *localRemote) command(ctx context.Context, name string, args ...string) *exec.Cmd {
	l.mu.Lock()
	l.calls = append(l.calls, append([]string{name}, args...))
	rewrite := l.rewrite
	l.mu.Unlock()

	commandLine := args[len(args)-1]
	if rewrite != nil {
		commandLine = rewrite(commandLine)
	}
	return exec.CommandContext(ctx, "sh", "-c", commandLine)
}

func (l *localRemote) lastCall() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls[len(l.calls)-1]
}

func newTestSSH(t *testing.T, opts Options) (*SSH, *localRemote, string) {
	t.Helper()
	folder := filepath.Join(t.TempDir(), "remote backups")
	dst, err := NewSSH(SSHConfig{
		Host:         "backup.example.org",
		User:         "root",
		Port:         2222,
		IdentityFile: "/root/.ssh/id_ed25519",
		Folder:       folder,
	}, opts)
	if err != nil {
		t.Fatalf("NewSSH: %v", err)
	}
	remote := &localRemote{}
	dst.command = remote.command
	t.Cleanup(func() { _ = dst.Close() })
	return dst, remote, folder
}

func TestSSHDestination(t *testing.T) {
	dst, _, _ := newTestSSH(t, testOptions(&instantClock{}))
	exerciseDestination(t, dst)
	if n := dst.group.Len(); n != 0 {
		t.Fatalf("%d ssh children left unreaped", n)
	}
}

func TestSSHCommandShape(t *testing.T) {
	dst, remote, folder := newTestSSH(t, testOptions(&instantClock{}))
	if _, err := dst.BackupHistory(context.Background()); err != nil {
		t.Fatalf("BackupHistory: %v", err)
	}

	call := remote.lastCall()
	want := []string{
		"ssh", "-p", "2222", "-i", "/root/.ssh/id_ed25519",
		"-o", "Compression no", "-o", "BatchMode=yes",
		"root@backup.example.org",
		shellquote.Join("test", "-e", filepath.Join(folder, LedgerName)),
	}
	if !equalNames(call, want) {
		t.Fatalf("ssh call = %q, want %q", call, want)
	}
}

func TestSSHVerificationMismatchKeepsCanonical(t *testing.T) {
	dst, remote, folder := newTestSSH(t, Options{Clock: &instantClock{}, LedgerAttempts: 2})
	ctx := context.Background()

	original := sampleHistory()
	if err := dst.SetBackupHistory(ctx, original); err != nil {
		t.Fatalf("seed ledger: %v", err)
	}
	before, err := os.ReadFile(filepath.Join(folder, LedgerName))
	if err != nil {
		t.Fatalf("read ledger: %v", err)
	}

	readTemp := shellquote.Join("cat", filepath.Join(folder, LedgerTempName))
	remote.mu.Lock()
	remote.rewrite = func(commandLine string) string {
		if commandLine == readTemp {
			return `printf '{"entries":[]}'`
		}
		return commandLine
	}
	remote.mu.Unlock()

	grown, err := original.Append(newerEntry(original))
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := dst.SetBackupHistory(ctx, grown); !errors.Is(err, ErrLedgerVerification) {
		t.Fatalf("SetBackupHistory err = %v, want ErrLedgerVerification", err)
	}
	after, err := os.ReadFile(filepath.Join(folder, LedgerName))
	if err != nil {
		t.Fatalf("read ledger: %v", err)
	}
	if string(after) != string(before) {
		t.Fatalf("canonical ledger changed after verification failure")
	}
}

func TestSSHCloseReapsOpenReaders(t *testing.T) {
	dst, _, _ := newTestSSH(t, testOptions(&instantClock{}))
	writeBlob(t, dst, "a.bin", []byte("payload"))

	r, err := dst.BackupReader(context.Background(), "a.bin")
	if err != nil {
		t.Fatalf("BackupReader: %v", err)
	}
	if dst.group.Len() == 0 {
		t.Fatalf("reader child not tracked")
	}
	if err := dst.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if n := dst.group.Len(); n != 0 {
		t.Fatalf("%d ssh children left after Close", n)
	}
	_ = r.Close()
}

func TestSSHTransportFailureIsNotMissingFile(t *testing.T) {
	dst, remote, _ := newTestSSH(t, testOptions(&instantClock{}))
	remote.rewrite = func(string) string { return "echo 'ssh: connect to host: Connection refused' >&2; exit 255" }

	_, err := dst.BackupReader(context.Background(), "a.bin")
	if err == nil || errors.Is(err, ErrNotFound) {
		t.Fatalf("BackupReader err = %v, want transport error", err)
	}
}

func TestNewSSHRequiresHost(t *testing.T) {
	if _, err := NewSSH(SSHConfig{Folder: "/srv"}, Options{}); err == nil {
		t.Fatal("expected error for missing host")
	}
}
