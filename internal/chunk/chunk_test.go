package chunk

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/lherron/siteporter/internal/domain"
	"github.com/lherron/siteporter/internal/testutil"
)

func TestReadWriteRoundTrip(t *testing.T) {
	content := strings.Repeat("abcdefgh", 1024) // 8KB
	srcRoot := testutil.TempTree(t, map[string]string{"uploads/data.bin": content})
	dstRoot := t.TempDir()

	const size = 3000
	var offset int64
	for offset < int64(len(content)) {
		c, err := Read(srcRoot, "uploads/data.bin", offset, offset+size)
		if err != nil {
			t.Fatalf("Read at %d failed: %v", offset, err)
		}
		n, err := Write(dstRoot, c)
		if err != nil {
			t.Fatalf("Write at %d failed: %v", offset, err)
		}
		if n != c.End-c.Start {
			t.Fatalf("Write wrote %d bytes, want %d", n, c.End-c.Start)
		}
		offset += n
	}

	got := testutil.ReadFile(t, filepath.Join(dstRoot, "uploads", "data.bin"))
	if got != content {
		t.Errorf("destination content mismatch: %d bytes vs %d", len(got), len(content))
	}

	info, err := os.Stat(filepath.Join(dstRoot, "uploads", "data.bin"))
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != FileMode {
		t.Errorf("file mode = %v, want %v", info.Mode().Perm(), FileMode)
	}
}

func TestWriteRejectsBadChecksum(t *testing.T) {
	srcRoot := testutil.TempTree(t, map[string]string{"f.txt": "payload"})
	dstRoot := t.TempDir()

	c, err := Read(srcRoot, "f.txt", 0, 7)
	if err != nil {
		t.Fatal(err)
	}
	c.MD5Checksum = strings.Repeat("0", 32)

	_, err = Write(dstRoot, c)
	var mismatch *domain.ChecksumMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("Write error = %v, want ChecksumMismatchError", err)
	}

	// No byte may have been written.
	if _, err := os.Stat(filepath.Join(dstRoot, "f.txt")); !os.IsNotExist(err) {
		t.Error("destination file exists after checksum rejection")
	}
}

func TestWriteOffsetZeroTruncates(t *testing.T) {
	srcRoot := testutil.TempTree(t, map[string]string{"f.txt": "short"})
	dstRoot := testutil.TempTree(t, map[string]string{"f.txt": "a much longer pre-existing file"})

	c, err := Read(srcRoot, "f.txt", 0, 5)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Write(dstRoot, c); err != nil {
		t.Fatal(err)
	}

	got := testutil.ReadFile(t, filepath.Join(dstRoot, "f.txt"))
	if got != "short" {
		t.Errorf("content = %q, want %q (offset 0 must truncate)", got, "short")
	}
}

func TestWriteRejectsUnsafePath(t *testing.T) {
	dstRoot := t.TempDir()
	c := &domain.Chunk{
		Path:        "../../etc/passwd",
		Start:       0,
		End:         4,
		PayloadB64:  "dGVzdA==",
		MD5Checksum: "098f6bcd4621d373cade4e832627b4f6",
	}
	_, err := Write(dstRoot, c)
	var violation *domain.PathViolationError
	if !errors.As(err, &violation) {
		t.Fatalf("Write error = %v, want PathViolationError", err)
	}
}

func TestReadClampsEnd(t *testing.T) {
	srcRoot := testutil.TempTree(t, map[string]string{"f.txt": "12345"})
	c, err := Read(srcRoot, "f.txt", 3, 100)
	if err != nil {
		t.Fatal(err)
	}
	if c.End != 5 {
		t.Errorf("End = %d, want clamped to 5", c.End)
	}
}
