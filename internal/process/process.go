// Package process wraps child processes whose stdout or stdin is used as a
// stream. Every handle waits for its child when closed, on every path, so no
// zombie is left behind.
package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// CommandFunc builds a command. exec.CommandContext satisfies it; tests
// substitute their own.
type CommandFunc func(ctx context.Context, name string, args ...string) *exec.Cmd

const (
	// stderrLimit bounds how much stderr is kept for error messages.
	stderrLimit = 4096

	// waitDelay bounds how long Wait keeps draining pipes held open by
	// grandchildren after the child itself exited.
	waitDelay = 10 * time.Second
)

// ExitError reports a child that failed, with the tail of its stderr.
type ExitError struct {
	Command string
	Stderr  string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("%s: %v: %s", e.Command, e.Err, e.Stderr)
	}
	return fmt.Sprintf("%s: %v", e.Command, e.Err)
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// ExitCode returns the child's exit status, or -1 when it did not exit normally.
func (e *ExitError) ExitCode() int {
	var exitErr *exec.ExitError
	if errors.As(e.Err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// tailBuffer keeps the last stderrLimit bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - stderrLimit; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(string(t.buf))
}

// proc is a started child that is waited for exactly once.
type proc struct {
	cmd    *exec.Cmd
	stderr *tailBuffer
	group  *Group
	once   sync.Once
	err    error
}

func start(cmd *exec.Cmd, group *Group) (*proc, error) {
	p := &proc{cmd: cmd, stderr: &tailBuffer{}, group: group}
	if cmd.Stderr == nil {
		cmd.Stderr = p.stderr
	}
	if cmd.WaitDelay == 0 {
		cmd.WaitDelay = waitDelay
	}
	if err := cmd.Start(); err != nil {
		return nil, &ExitError{Command: describe(cmd), Err: err}
	}
	group.add(p)
	return p, nil
}

func (p *proc) wait() error {
	p.once.Do(func() {
		if err := p.cmd.Wait(); err != nil {
			p.err = &ExitError{Command: describe(p.cmd), Stderr: p.stderr.String(), Err: err}
		}
		p.group.remove(p)
	})
	return p.err
}

func (p *proc) kill() {
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
}

func describe(cmd *exec.Cmd) string {
	return strings.Join(cmd.Args, " ")
}

// Reader streams a child's stdout.
type Reader struct {
	proc   *proc
	stdout io.ReadCloser
}

// StartReader starts cmd with its stdout connected to the returned Reader.
func StartReader(cmd *exec.Cmd, group *Group) (*Reader, error) {
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	p, err := start(cmd, group)
	if err != nil {
		return nil, err
	}
	return &Reader{proc: p, stdout: stdout}, nil
}

func (r *Reader) Read(b []byte) (int, error) {
	return r.stdout.Read(b)
}

// Close closes the pipe and waits for the child. Closing before EOF usually
// makes the child fail with a broken pipe, which is reported.
func (r *Reader) Close() error {
	_ = r.stdout.Close()
	return r.proc.wait()
}

// Writer streams into a child's stdin.
type Writer struct {
	proc  *proc
	stdin io.WriteCloser
}

// StartWriter starts cmd with its stdin connected to the returned Writer.
func StartWriter(cmd *exec.Cmd, group *Group) (*Writer, error) {
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	p, err := start(cmd, group)
	if err != nil {
		return nil, err
	}
	return &Writer{proc: p, stdin: stdin}, nil
}

func (w *Writer) Write(b []byte) (int, error) {
	n, err := w.stdin.Write(b)
	if err != nil {
		// The child probably died; its exit status is more useful than EPIPE.
		if waitErr := w.proc.wait(); waitErr != nil {
			return n, waitErr
		}
	}
	return n, err
}

// Close signals EOF on stdin and waits for the child. A non-zero exit is
// returned as an *ExitError.
func (w *Writer) Close() error {
	_ = w.stdin.Close()
	return w.proc.wait()
}

// Abort kills the child before closing, so it does not treat the partial
// input as complete.
func (w *Writer) Abort() error {
	w.proc.kill()
	_ = w.stdin.Close()
	_ = w.proc.wait()
	return nil
}

// Output runs cmd to completion and returns its stdout.
func Output(cmd *exec.Cmd, group *Group) ([]byte, error) {
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	p, err := start(cmd, group)
	if err != nil {
		return nil, err
	}
	if err := p.wait(); err != nil {
		return stdout.Bytes(), err
	}
	return stdout.Bytes(), nil
}

// Run runs cmd to completion, discarding stdout.
func Run(cmd *exec.Cmd, group *Group) error {
	_, err := Output(cmd, group)
	return err
}

// Group tracks live children so their owner can kill and reap all of them.
// A nil *Group tracks nothing.
type Group struct {
	mu   sync.Mutex
	live map[*proc]struct{}
}

// NewGroup returns an empty group.
func NewGroup() *Group {
	return &Group{live: make(map[*proc]struct{})}
}

func (g *Group) add(p *proc) {
	if g == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.live[p] = struct{}{}
}

func (g *Group) remove(p *proc) {
	if g == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.live, p)
}

// Len returns the number of children not yet reaped.
func (g *Group) Len() int {
	if g == nil {
		return 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.live)
}

// KillAll kills every live child and waits for it.
func (g *Group) KillAll() {
	if g == nil {
		return
	}
	g.mu.Lock()
	procs := make([]*proc, 0, len(g.live))
	for p := range g.live {
		procs = append(procs, p)
	}
	g.mu.Unlock()

	for _, p := range procs {
		p.kill()
		_ = p.wait()
	}
}
