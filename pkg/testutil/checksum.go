package testutil

import (
	"hash/crc64"
	"io"
	"os"
	"testing"
)

var table = crc64.MakeTable(crc64.ECMA)

// ChecksumReader returns the checksum (CRC-64) of the contents of reader.
func ChecksumReader(reader io.Reader) (uint64, error) {
	h := crc64.New(table)
	if _, err := io.Copy(h, reader); err != nil {
		return 0, err
	}
	return h.Sum64(), nil
}

// ChecksumFile returns the checksum of the file at path, following symlinks.
func ChecksumFile(t testing.TB, path string) uint64 {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %s", path, err)
	}
	defer f.Close()
	sum, err := ChecksumReader(f)
	if err != nil {
		t.Fatalf("read %s: %s", path, err)
	}
	return sum
}
