package tunnel

import (
	"errors"
	"io"
	"sync/atomic"
)

// ErrAlreadyTaken is returned by a second call to TrackedTransfer.Run.
var ErrAlreadyTaken = errors.New("tracked transfer already taken")

// Counter is a monotonically increasing byte count safe to read from any
// goroutine while a transfer updates it.
type Counter struct {
	n atomic.Uint64
}

// Load returns the current count.
func (c *Counter) Load() uint64 {
	if c == nil {
		return 0
	}
	return c.n.Load()
}

func (c *Counter) add(n int) {
	if n > 0 {
		c.n.Add(uint64(n))
	}
}

type countingReader struct {
	r io.Reader
	c *Counter
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	cr.c.add(n)
	return n, err
}

type countingWriter struct {
	w io.Writer
	c *Counter
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.c.add(n)
	return n, err
}

// Aborter is implemented by writers that can discard a partial stream
// instead of committing it on Close.
type Aborter interface {
	Abort() error
}

// TrackedTransfer runs a Tunnel once between a reader and a writer and
// exposes how many bytes crossed each end.
type TrackedTransfer struct {
	tunnel  Tunnel
	reader  io.Reader
	writer  io.Writer
	read    Counter
	written Counter
	taken   atomic.Bool
}

// Track prepares a transfer. Nothing is read or written until Run.
func Track(t Tunnel, r io.Reader, w io.Writer) *TrackedTransfer {
	return &TrackedTransfer{tunnel: t, reader: r, writer: w}
}

// BytesRead returns the bytes consumed from the reader so far.
func (t *TrackedTransfer) BytesRead() uint64 {
	return t.read.Load()
}

// BytesWritten returns the bytes handed to the writer so far.
func (t *TrackedTransfer) BytesWritten() uint64 {
	return t.written.Load()
}

// ReadCounter exposes the reader-side counter for progress views.
func (t *TrackedTransfer) ReadCounter() *Counter {
	return &t.read
}

// WrittenCounter exposes the writer-side counter for progress views.
func (t *TrackedTransfer) WrittenCounter() *Counter {
	return &t.written
}

// Run performs the transfer and then closes the reader and writer when they
// implement io.Closer. Closing the writer is part of success: a remote
// writer may only report failure when it is closed. After a failed transfer
// a writer implementing Aborter is aborted instead of closed.
func (t *TrackedTransfer) Run() error {
	if !t.taken.CompareAndSwap(false, true) {
		return ErrAlreadyTaken
	}

	transferErr := t.tunnel.Transfer(
		&countingReader{r: t.reader, c: &t.read},
		&countingWriter{w: t.writer, c: &t.written},
	)

	var closeErrs []error
	if a, ok := t.writer.(Aborter); ok && transferErr != nil {
		if err := a.Abort(); err != nil {
			closeErrs = append(closeErrs, err)
		}
	} else if c, ok := t.writer.(io.Closer); ok {
		if err := c.Close(); err != nil {
			closeErrs = append(closeErrs, err)
		}
	}
	if c, ok := t.reader.(io.Closer); ok {
		if err := c.Close(); err != nil && transferErr == nil {
			closeErrs = append(closeErrs, err)
		}
	}
	t.reader, t.writer = nil, nil

	if transferErr != nil {
		return errors.Join(append([]error{transferErr}, closeErrs...)...)
	}
	return errors.Join(closeErrs...)
}
