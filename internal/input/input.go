// Package input reads secrets from the controlling terminal.
package input

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/tis24dev/datadance/internal/types"
)

// ErrInputAborted signals that the prompt was interrupted (Ctrl+C cancelled
// the context or stdin was closed).
var ErrInputAborted = errors.New("input aborted")

// ErrEmptyPassword is returned when the user just presses enter.
var ErrEmptyPassword = errors.New("empty password")

// IsAborted reports whether err means the user gave up on the prompt.
func IsAborted(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrInputAborted) || errors.Is(err, context.Canceled)
}

// MapInputError normalizes common stdin errors (EOF/closed fd) into ErrInputAborted.
func MapInputError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
		return ErrInputAborted
	}
	errStr := strings.ToLower(err.Error())
	if strings.Contains(errStr, "use of closed file") ||
		strings.Contains(errStr, "bad file descriptor") ||
		strings.Contains(errStr, "file already closed") {
		return ErrInputAborted
	}
	return err
}

// ReadPasswordFunc matches term.ReadPassword.
type ReadPasswordFunc func(fd int) ([]byte, error)

// Password writes label to out and reads a secret from fd without echo.
// Cancelling ctx returns ErrInputAborted; a deadline returns
// context.DeadlineExceeded.
func Password(ctx context.Context, out io.Writer, label string, fd int, readPassword ReadPasswordFunc) (types.SensitiveString, error) {
	if readPassword == nil {
		return types.SensitiveString{}, errors.New("readPassword function is nil")
	}
	fmt.Fprintf(out, "%s: ", label)
	raw, err := readPasswordContext(ctx, readPassword, fd)
	fmt.Fprintln(out)
	if err != nil {
		return types.SensitiveString{}, err
	}
	if len(raw) == 0 {
		return types.SensitiveString{}, ErrEmptyPassword
	}
	return types.NewSensitiveString(string(raw)), nil
}

func readPasswordContext(ctx context.Context, readPassword ReadPasswordFunc, fd int) ([]byte, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	type result struct {
		b   []byte
		err error
	}
	ch := make(chan result, 1)
	go func() {
		b, err := readPassword(fd)
		ch <- result{b: b, err: MapInputError(err)}
	}()
	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, context.DeadlineExceeded
		}
		return nil, ErrInputAborted
	case res := <-ch:
		return res.b, res.err
	}
}
