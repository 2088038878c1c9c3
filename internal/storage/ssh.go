package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os/exec"
	"path"
	"strconv"
	"strings"

	"github.com/kballard/go-shellquote"

	"github.com/tis24dev/datadance/internal/chain"
	"github.com/tis24dev/datadance/internal/process"
)

const sshBackend = "ssh"

// SSHConfig addresses a folder on a remote host reachable with the ssh client.
type SSHConfig struct {
	Host         string
	User         string
	Port         int
	IdentityFile string
	Folder       string
}

// SSH runs one ssh client process per remote operation. Blob transfers
// stream through the child's stdin or stdout.
type SSH struct {
	cfg     SSHConfig
	opts    Options
	command process.CommandFunc
	group   *process.Group
	ledger  *ledger
}

// NewSSH returns an ssh destination. No connection is made until the first
// operation.
func NewSSH(cfg SSHConfig, opts Options) (*SSH, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, opError(sshBackend, "init", cfg.Folder, errors.New("SSH_HOST not set"))
	}
	if strings.TrimSpace(cfg.Folder) == "" {
		return nil, opError(sshBackend, "init", cfg.Host, errors.New("destination folder not set"))
	}
	s := &SSH{
		cfg:     cfg,
		opts:    opts.withDefaults("ssh"),
		command: exec.CommandContext,
		group:   process.NewGroup(),
	}
	s.ledger = newLedger(s, s.opts)
	return s, nil
}

func (s *SSH) Name() string {
	return fmt.Sprintf("ssh:%s:%s", s.target(), s.cfg.Folder)
}

func (s *SSH) target() string {
	if s.cfg.User == "" {
		return s.cfg.Host
	}
	return s.cfg.User + "@" + s.cfg.Host
}

func (s *SSH) remotePath(name string) string {
	return path.Join(s.cfg.Folder, path.Base(name))
}

// remote builds the ssh invocation for an already quoted remote command line.
func (s *SSH) remote(ctx context.Context, commandLine string) *exec.Cmd {
	args := make([]string, 0, 10)
	if s.cfg.Port > 0 {
		args = append(args, "-p", strconv.Itoa(s.cfg.Port))
	}
	if s.cfg.IdentityFile != "" {
		args = append(args, "-i", s.cfg.IdentityFile)
	}
	args = append(args, "-o", "Compression no", "-o", "BatchMode=yes", s.target(), commandLine)
	s.opts.Logger.Debug("ssh %s: %s", s.target(), commandLine)
	return s.command(ctx, "ssh", args...)
}

// redirect renders `words > file`, optionally after `mkdir -p dir`.
func redirect(dir string, noclobber bool, file string) string {
	var b strings.Builder
	if dir != "" {
		b.WriteString(shellquote.Join("mkdir", "-p", dir))
		b.WriteString(" && ")
	}
	if noclobber {
		b.WriteString("set -C && ")
	}
	b.WriteString("cat > ")
	b.WriteString(shellquote.Join(file))
	return b.String()
}

// exists reports whether remote path p exists. test exits 1 for a missing
// path; anything else (ssh uses 255) is a transport failure.
func (s *SSH) exists(ctx context.Context, p string) (bool, error) {
	err := process.Run(s.remote(ctx, shellquote.Join("test", "-e", p)), s.group)
	if err == nil {
		return true, nil
	}
	var exitErr *process.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
		return false, nil
	}
	return false, err
}

func (s *SSH) BackupHistory(ctx context.Context) (chain.BackupHistory, error) {
	history, err := s.ledger.load(ctx)
	if err != nil {
		return chain.BackupHistory{}, opError(sshBackend, "read ledger", s.remotePath(LedgerName), err)
	}
	return history, nil
}

func (s *SSH) SetBackupHistory(ctx context.Context, history chain.BackupHistory) error {
	return opError(sshBackend, "write ledger", s.remotePath(LedgerName), s.ledger.save(ctx, history))
}

func (s *SSH) BackupWriter(ctx context.Context, name string) (io.WriteCloser, error) {
	p := s.remotePath(name)
	found, err := s.exists(ctx, p)
	if err != nil {
		return nil, opError(sshBackend, "create", p, err)
	}
	if found {
		return nil, alreadyExists(sshBackend, name)
	}
	w, err := process.StartWriter(s.remote(ctx, redirect(s.cfg.Folder, true, p)), s.group)
	if err != nil {
		return nil, opError(sshBackend, "create", p, err)
	}
	return w, nil
}

func (s *SSH) BackupReader(ctx context.Context, name string) (io.ReadCloser, error) {
	p := s.remotePath(name)
	found, err := s.exists(ctx, p)
	if err != nil {
		return nil, opError(sshBackend, "open", p, err)
	}
	if !found {
		return nil, notFound(sshBackend, name)
	}
	r, err := process.StartReader(s.remote(ctx, shellquote.Join("cat", p)), s.group)
	if err != nil {
		return nil, opError(sshBackend, "open", p, err)
	}
	return r, nil
}

func (s *SSH) ClearOrphanedBackups(ctx context.Context, history chain.BackupHistory) (int, error) {
	n, err := clearOrphans(ctx, s, history, s.opts.Logger)
	return n, opError(sshBackend, "clear orphans", s.cfg.Folder, err)
}

// Close kills and reaps every ssh child still running.
func (s *SSH) Close() error {
	s.group.KillAll()
	return nil
}

func (s *SSH) readFile(ctx context.Context, name string) ([]byte, error) {
	p := s.remotePath(name)
	found, err := s.exists(ctx, p)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%s: %w", p, fs.ErrNotExist)
	}
	return process.Output(s.remote(ctx, shellquote.Join("cat", p)), s.group)
}

func (s *SSH) writeFile(ctx context.Context, name string, data []byte) error {
	cmd := s.remote(ctx, redirect(s.cfg.Folder, false, s.remotePath(name)))
	cmd.Stdin = bytes.NewReader(data)
	return process.Run(cmd, s.group)
}

func (s *SSH) rename(ctx context.Context, from, to string) error {
	return process.Run(s.remote(ctx, shellquote.Join("mv", "-f", s.remotePath(from), s.remotePath(to))), s.group)
}

func (s *SSH) listBlobs(ctx context.Context) ([]string, error) {
	found, err := s.exists(ctx, s.cfg.Folder)
	if err != nil || !found {
		return nil, err
	}
	out, err := process.Output(s.remote(ctx, shellquote.Join("ls", "-1", s.cfg.Folder)), s.group)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if chain.IsBlobName(line) {
			names = append(names, line)
		}
	}
	return names, nil
}

func (s *SSH) remove(ctx context.Context, name string) error {
	return process.Run(s.remote(ctx, shellquote.Join("rm", s.remotePath(name))), s.group)
}
