package tunnel

import (
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"

	"github.com/tis24dev/datadance/internal/types"
)

// GzipLevel maps a preset onto the codec's numeric level. Every preset,
// including None, still emits a gzip frame, so a stream can be decoded
// whatever level the reader is configured with.
func GzipLevel(level types.CompressionLevel) (int, error) {
	switch level {
	case types.CompressionNone:
		return gzip.NoCompression, nil
	case types.CompressionFast:
		return gzip.BestSpeed, nil
	case types.CompressionBalanced, "":
		return 6, nil
	case types.CompressionBest:
		return gzip.BestCompression, nil
	default:
		return 0, fmt.Errorf("unknown compression level %q", level)
	}
}

func newCompressor(w io.Writer, level types.CompressionLevel) (*gzip.Writer, error) {
	numeric, err := GzipLevel(level)
	if err != nil {
		return nil, err
	}
	gz, err := gzip.NewWriterLevel(w, numeric)
	if err != nil {
		return nil, &CodecError{Codec: "gzip", Op: "init", Err: err}
	}
	return gz, nil
}

func newDecompressor(r io.Reader) (*gzip.Reader, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, &CodecError{Codec: "gzip", Op: "read header", Err: err}
	}
	return gz, nil
}
