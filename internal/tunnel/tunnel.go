// Package tunnel moves a byte stream between a reader and a writer while
// compressing and encrypting it (Encoder) or undoing both (Decoder).
package tunnel

import (
	"errors"
	"fmt"
	"io"

	"github.com/tis24dev/datadance/internal/types"
)

// Tunnel copies everything from r into w, transforming it on the way. A nil
// error means the whole writer stack has been flushed.
type Tunnel interface {
	Transfer(r io.Reader, w io.Writer) error
}

// CodecError reports a failure inside the compression or encryption layer,
// including password and format mismatches.
type CodecError struct {
	Codec string
	Op    string
	Err   error
}

func (e *CodecError) Error() string {
	return fmt.Sprintf("%s %s failed: %v", e.Codec, e.Op, e.Err)
}

func (e *CodecError) Unwrap() error {
	return e.Err
}

// Encoder compresses, then encrypts.
type Encoder struct {
	Compression types.CompressionLevel
	Encryption  Encryption
}

// Transfer implements Tunnel.
func (e Encoder) Transfer(r io.Reader, w io.Writer) (err error) {
	sink, finalizeEncryption, err := e.Encryption.wrapEncryptionWriter(w)
	if err != nil {
		return err
	}
	finalized := false
	defer func() {
		if !finalized {
			_ = finalizeEncryption()
		}
	}()

	gz, err := newCompressor(sink, e.Compression)
	if err != nil {
		return err
	}

	if _, err := io.Copy(gz, r); err != nil {
		_ = gz.Close()
		return fmt.Errorf("encode stream: %w", err)
	}
	if err := gz.Close(); err != nil {
		return &CodecError{Codec: "gzip", Op: "flush", Err: err}
	}

	finalized = true
	if err := finalizeEncryption(); err != nil {
		return &CodecError{Codec: "age", Op: "flush", Err: err}
	}
	return nil
}

// Decoder decrypts, then decompresses. Its Compression field is informative
// only: the gzip frame describes itself.
type Decoder struct {
	Compression types.CompressionLevel
	Encryption  Encryption
}

// Transfer implements Tunnel.
func (d Decoder) Transfer(r io.Reader, w io.Writer) error {
	plain, err := d.Encryption.wrapDecryptionReader(r)
	if err != nil {
		return err
	}

	gz, err := newDecompressor(plain)
	if err != nil {
		return err
	}
	defer gz.Close()

	if _, err := io.Copy(w, gz); err != nil {
		var codecErr *CodecError
		if errors.As(err, &codecErr) {
			return err
		}
		return &CodecError{Codec: "gzip", Op: "decode", Err: err}
	}
	return nil
}

// PassThrough copies bytes unchanged.
type PassThrough struct{}

// Transfer implements Tunnel.
func (PassThrough) Transfer(r io.Reader, w io.Writer) error {
	_, err := io.Copy(w, r)
	return err
}
