package archive

import (
	"archive/tar"
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/flate"
)

const blockSize = 512

// Catenate appends the members of the src archive to dst, leaving dst a single valid archive.
func Catenate(format Format, dst, src string) error {
	switch format {
	case FormatTar:
		return CatenateTar(dst, src)
	case FormatZip:
		return CatenateZip(dst, src)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
}

// CatenateTar appends the members of the uncompressed tar archive src to dst.  The end-of-archive
// blocks (and any record padding) of dst are overwritten, the data of src is copied without its
// own trailer, and a single trailer closes the result.
func CatenateTar(dst, src string) (retErr error) {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	srcEnd, err := tarDataEnd(in)
	if err != nil {
		return fmt.Errorf("%s: %w", src, err)
	}
	if _, err := in.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("%s: %w", src, err)
	}

	out, err := os.OpenFile(dst, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer func() {
		if e := out.Close(); retErr == nil {
			retErr = e
		}
	}()
	end, err := tarDataEnd(out)
	if err != nil {
		return fmt.Errorf("%s: %w", dst, err)
	}
	if err := out.Truncate(end); err != nil {
		return fmt.Errorf("%s: %w", dst, err)
	}
	if _, err := out.Seek(end, io.SeekStart); err != nil {
		return fmt.Errorf("%s: %w", dst, err)
	}
	if _, err := io.CopyN(out, in, srcEnd); err != nil {
		return fmt.Errorf("append %s to %s: %w", src, dst, err)
	}
	var trailer [2 * blockSize]byte
	if _, err := out.Write(trailer[:]); err != nil {
		return fmt.Errorf("%s: %w", dst, err)
	}
	return nil
}

// tarDataEnd returns the offset just past the last member of the tar stream read from r, which
// is where its end-of-archive marker starts.
func tarDataEnd(r io.Reader) (int64, error) {
	cr := &countingReader{r: r}
	tr := tar.NewReader(cr)
	var end int64
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return end, nil
		}
		if err != nil {
			return 0, err
		}
		// the reader stops right after the header (or after consumed extended header data), so
		// the member ends at the next block boundary past its data
		end = alignBlock(cr.n + hdr.Size)
	}
}

func alignBlock(n int64) int64 {
	return (n + blockSize - 1) / blockSize * blockSize
}

// countingReader hides any Seek method so the tar reader consumes every byte through it.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// CatenateZip merges the entries of the zip archive src into dst, producing one central
// directory.  Entries are copied raw, without recompression; the comment of dst is kept.
func CatenateZip(dst, src string) (retErr error) {
	dstReader, err := zip.OpenReader(dst)
	if err != nil {
		return fmt.Errorf("%s: %w", dst, err)
	}
	defer dstReader.Close()
	srcReader, err := zip.OpenReader(src)
	if err != nil {
		return fmt.Errorf("%s: %w", src, err)
	}
	defer srcReader.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), filepath.Base(dst)+".merge-*")
	if err != nil {
		return err
	}
	defer func() {
		if retErr != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	w := zip.NewWriter(tmp)
	for _, f := range append(append([]*zip.File{}, dstReader.File...), srcReader.File...) {
		if err := w.Copy(f); err != nil {
			return fmt.Errorf("copy %s: %w", f.Name, err)
		}
	}
	if err := w.SetComment(dstReader.Comment); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dst)
}

func newZipWriter(w io.Writer) *zip.Writer {
	zw := zip.NewWriter(w)
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, flate.DefaultCompression)
	})
	return zw
}

func registerZipDecompressor(zr *zip.Reader) {
	zr.RegisterDecompressor(zip.Deflate, flate.NewReader)
}
