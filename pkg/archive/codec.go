package archive

import (
	"bytes"
	"compress/bzip2"
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/klauspost/compress/gzip"
	"github.com/treeverse/srcprep/pkg/pipeline"
	"github.com/ulikunitz/xz"
	"github.com/ulikunitz/xz/lzma"
)

// SniffLen is the number of leading bytes Sniff needs to recognize every supported format.
const SniffLen = 512

var (
	magicGzip     = []byte{0x1f, 0x8b}
	magicBzip2    = []byte("BZh")
	magicXz       = []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}
	magicLzma     = []byte{0x5d, 0x00, 0x00}
	magicZip      = []byte("PK\x03\x04")
	magicZipEmpty = []byte("PK\x05\x06")
	magicUstar    = []byte("ustar")
)

const ustarMagicOffset = 257

// Sniff guesses the container and compression of a file from its first bytes.  Compressed streams
// are assumed to hold a tar archive.
func Sniff(header []byte) (Format, Compression) {
	switch {
	case bytes.HasPrefix(header, magicGzip):
		return FormatTar, CompressionGzip
	case bytes.HasPrefix(header, magicBzip2):
		return FormatTar, CompressionBzip2
	case bytes.HasPrefix(header, magicXz):
		return FormatTar, CompressionXz
	case bytes.HasPrefix(header, magicZip), bytes.HasPrefix(header, magicZipEmpty):
		return FormatZip, CompressionZip
	case len(header) >= ustarMagicOffset+len(magicUstar) &&
		bytes.Equal(header[ustarMagicOffset:ustarMagicOffset+len(magicUstar)], magicUstar):
		return FormatTar, CompressionNone
	case bytes.HasPrefix(header, magicLzma):
		return FormatTar, CompressionLzma
	}
	return FormatUnknown, CompressionNone
}

// NewReader returns a reader decompressing r.  Zip archives are not streams and are rejected.
func NewReader(r io.Reader, c Compression) (io.ReadCloser, error) {
	switch c {
	case CompressionNone:
		return io.NopCloser(r), nil
	case CompressionGzip:
		return gzip.NewReader(r)
	case CompressionBzip2:
		return io.NopCloser(bzip2.NewReader(r)), nil
	case CompressionXz:
		xr, err := xz.NewReader(r)
		if err != nil {
			return nil, err
		}
		return io.NopCloser(xr), nil
	case CompressionLzma:
		lr, err := lzma.NewReader(r)
		if err != nil {
			return nil, err
		}
		return io.NopCloser(lr), nil
	default:
		return nil, fmt.Errorf("%w: cannot stream %s", ErrUnknownCompression, c)
	}
}

// NewWriter returns a writer compressing into w.  Level 0 selects the compressor's default.
// Compressors without a Go implementation run as an external filter bound to ctx.  Closing the
// returned writer flushes the compressor but does not close w.
func NewWriter(ctx context.Context, w io.Writer, c Compression, level int) (io.WriteCloser, error) {
	switch c {
	case CompressionNone:
		return nopWriteCloser{w}, nil
	case CompressionGzip:
		if level == 0 {
			level = gzip.DefaultCompression
		}
		return gzip.NewWriterLevel(w, level)
	case CompressionXz:
		return xz.NewWriter(w)
	case CompressionLzma:
		return lzma.NewWriter(w)
	case CompressionBzip2:
		args := []string{"-c"}
		if level > 0 {
			args = append(args, "-"+strconv.Itoa(level))
		}
		return pipeline.NewFilterWriter(ctx, w, pipeline.Command(c.Program(), args...))
	default:
		return nil, fmt.Errorf("%w: cannot stream %s", ErrUnknownCompression, c)
	}
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error {
	return nil
}
