package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/tis24dev/datadance/internal/chain"
)

const (
	sftpBackend = "sftp"

	sftpDialTimeout = 30 * time.Second
)

// SFTPConfig addresses a remote folder over the SFTP subsystem.
type SFTPConfig struct {
	Host         string
	User         string
	Port         int
	IdentityFile string
	// KnownHosts defaults to ~/.ssh/known_hosts.
	KnownHosts string
	Folder     string
}

// SFTP keeps one SSH connection open and runs every operation over SFTP.
type SFTP struct {
	client *sftp.Client
	conn   io.Closer
	folder string
	label  string
	opts   Options
	ledger *ledger
}

// DialSFTP connects and authenticates with the identity file. Host keys are
// checked against known_hosts.
func DialSFTP(ctx context.Context, cfg SFTPConfig, opts Options) (*SFTP, error) {
	if cfg.Host == "" {
		return nil, opError(sftpBackend, "dial", cfg.Folder, errors.New("SSH_HOST not set"))
	}
	if cfg.Folder == "" {
		return nil, opError(sftpBackend, "dial", cfg.Host, errors.New("destination folder not set"))
	}
	port := cfg.Port
	if port <= 0 {
		port = 22
	}
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(port))

	clientConfig, err := sshClientConfig(cfg)
	if err != nil {
		return nil, opError(sftpBackend, "dial", addr, err)
	}

	dialer := net.Dialer{Timeout: sftpDialTimeout}
	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, opError(sftpBackend, "dial", addr, err)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, clientConfig)
	if err != nil {
		_ = netConn.Close()
		return nil, opError(sftpBackend, "handshake", addr, err)
	}
	sshClient := ssh.NewClient(sshConn, chans, reqs)

	client, err := sftp.NewClient(sshClient)
	if err != nil {
		_ = sshClient.Close()
		return nil, opError(sftpBackend, "start subsystem", addr, err)
	}
	return newSFTP(client, sshClient, fmt.Sprintf("%s@%s", clientConfig.User, addr), cfg.Folder, opts), nil
}

func sshClientConfig(cfg SFTPConfig) (*ssh.ClientConfig, error) {
	if cfg.IdentityFile == "" {
		return nil, errors.New("SSH_IDENTITY_FILE is required for sftp destinations")
	}
	key, err := os.ReadFile(cfg.IdentityFile)
	if err != nil {
		return nil, fmt.Errorf("read identity file: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("parse identity file %s: %w", cfg.IdentityFile, err)
	}

	knownHostsPath := cfg.KnownHosts
	if knownHostsPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("locate known_hosts: %w", err)
		}
		knownHostsPath = filepath.Join(home, ".ssh", "known_hosts")
	}
	hostKeyCallback, err := knownhosts.New(knownHostsPath)
	if err != nil {
		return nil, fmt.Errorf("load known_hosts: %w", err)
	}

	user := cfg.User
	if user == "" {
		user = "root"
	}
	return &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeyCallback,
		Timeout:         sftpDialTimeout,
	}, nil
}

// newSFTP wraps an established client. conn, if not nil, is closed after
// the client.
func newSFTP(client *sftp.Client, conn io.Closer, label, folder string, opts Options) *SFTP {
	s := &SFTP{
		client: client,
		conn:   conn,
		folder: folder,
		label:  label,
		opts:   opts.withDefaults("sftp"),
	}
	s.ledger = newLedger(s, s.opts)
	return s
}

func (s *SFTP) Name() string {
	return fmt.Sprintf("sftp:%s:%s", s.label, s.folder)
}

func (s *SFTP) remotePath(name string) string {
	return path.Join(s.folder, path.Base(name))
}

func (s *SFTP) BackupHistory(ctx context.Context) (chain.BackupHistory, error) {
	history, err := s.ledger.load(ctx)
	if err != nil {
		return chain.BackupHistory{}, opError(sftpBackend, "read ledger", s.remotePath(LedgerName), err)
	}
	return history, nil
}

func (s *SFTP) SetBackupHistory(ctx context.Context, history chain.BackupHistory) error {
	if err := s.client.MkdirAll(s.folder); err != nil {
		return opError(sftpBackend, "write ledger", s.folder, err)
	}
	return opError(sftpBackend, "write ledger", s.remotePath(LedgerName), s.ledger.save(ctx, history))
}

func (s *SFTP) BackupWriter(ctx context.Context, name string) (io.WriteCloser, error) {
	p := s.remotePath(name)
	if _, err := s.client.Stat(p); err == nil {
		return nil, alreadyExists(sftpBackend, name)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, opError(sftpBackend, "create", p, err)
	}
	if err := s.client.MkdirAll(s.folder); err != nil {
		return nil, opError(sftpBackend, "create", s.folder, err)
	}
	file, err := s.client.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_EXCL)
	if errors.Is(err, fs.ErrExist) {
		return nil, alreadyExists(sftpBackend, name)
	}
	if err != nil {
		return nil, opError(sftpBackend, "create", p, err)
	}
	return &sftpWriter{file: file, client: s.client, path: p}, nil
}

func (s *SFTP) BackupReader(ctx context.Context, name string) (io.ReadCloser, error) {
	p := s.remotePath(name)
	file, err := s.client.Open(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, notFound(sftpBackend, name)
	}
	if err != nil {
		return nil, opError(sftpBackend, "open", p, err)
	}
	return file, nil
}

func (s *SFTP) ClearOrphanedBackups(ctx context.Context, history chain.BackupHistory) (int, error) {
	n, err := clearOrphans(ctx, s, history, s.opts.Logger)
	return n, opError(sftpBackend, "clear orphans", s.folder, err)
}

func (s *SFTP) Close() error {
	err := s.client.Close()
	if s.conn != nil {
		if cerr := s.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

func (s *SFTP) readFile(ctx context.Context, name string) ([]byte, error) {
	file, err := s.client.Open(s.remotePath(name))
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return io.ReadAll(file)
}

func (s *SFTP) writeFile(ctx context.Context, name string, data []byte) error {
	file, err := s.client.OpenFile(s.remotePath(name), os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return err
	}
	if _, err := file.Write(data); err != nil {
		_ = file.Close()
		return err
	}
	return file.Close()
}

func (s *SFTP) rename(ctx context.Context, from, to string) error {
	return s.client.PosixRename(s.remotePath(from), s.remotePath(to))
}

func (s *SFTP) listBlobs(ctx context.Context) ([]string, error) {
	infos, err := s.client.ReadDir(s.folder)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var names []string
	for _, info := range infos {
		if info.Mode().IsRegular() && chain.IsBlobName(info.Name()) {
			names = append(names, info.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func (s *SFTP) remove(ctx context.Context, name string) error {
	return s.client.Remove(s.remotePath(name))
}

type sftpWriter struct {
	file   *sftp.File
	client *sftp.Client
	path   string
}

func (w *sftpWriter) Write(p []byte) (int, error) {
	return w.file.Write(p)
}

func (w *sftpWriter) Close() error {
	return w.file.Close()
}

// Abort drops the partial blob.
func (w *sftpWriter) Abort() error {
	_ = w.file.Close()
	return w.client.Remove(w.path)
}
