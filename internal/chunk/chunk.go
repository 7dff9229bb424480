// Package chunk implements the checksummed chunk transport: byte-range
// reads on the source side and verified, lock-exclusive writes on the
// destination side.
package chunk

import (
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/lherron/siteporter/internal/domain"
	"github.com/lherron/siteporter/internal/paths"
)

// DefaultSize is the chunk size and the large-file threshold (files above
// it are transferred chunk by chunk instead of bundled).
const DefaultSize int64 = 2 * 1024 * 1024

// FileMode is applied to every destination file after each write, not just
// the last, so an interrupted transfer never leaves stray permissions.
const FileMode os.FileMode = 0644

// Read reads the byte range [start, end) of root/rel and returns it as a
// wire chunk with its md5 checksum. end is clamped to the file size.
func Read(root, rel string, start, end int64) (*domain.Chunk, error) {
	abs, err := paths.Resolve(root, rel)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", rel, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", rel, err)
	}
	if start < 0 || start > info.Size() {
		return nil, fmt.Errorf("chunk start %d out of range for %s (size %d)", start, rel, info.Size())
	}
	if end > info.Size() {
		end = info.Size()
	}
	if end < start {
		return nil, fmt.Errorf("invalid chunk range [%d, %d) for %s", start, end, rel)
	}

	payload := make([]byte, end-start)
	if _, err := f.ReadAt(payload, start); err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to read %s at %d: %w", rel, start, err)
	}

	sum := md5.Sum(payload)
	return &domain.Chunk{
		Path:        rel,
		Start:       start,
		End:         end,
		PayloadB64:  base64.StdEncoding.EncodeToString(payload),
		MD5Checksum: hex.EncodeToString(sum[:]),
	}, nil
}

// Write applies one chunk under root. The payload checksum is verified
// before any byte touches the filesystem. Offset zero truncates and
// creates; a non-zero offset appends at the file's current end (the file
// is re-seeked rather than trusting the offset, tolerating re-requested
// chunks after a partial failure). The write holds an exclusive advisory
// lock released only after the handle closes.
func Write(root string, c *domain.Chunk) (int64, error) {
	abs, err := paths.Resolve(root, c.Path)
	if err != nil {
		return 0, err
	}

	payload, err := base64.StdEncoding.DecodeString(c.PayloadB64)
	if err != nil {
		return 0, fmt.Errorf("invalid chunk payload for %s: %w", c.Path, err)
	}

	sum := md5.Sum(payload)
	actual := hex.EncodeToString(sum[:])
	if actual != c.MD5Checksum {
		return 0, &domain.ChecksumMismatchError{Path: c.Path, Expected: c.MD5Checksum, Actual: actual}
	}

	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		return 0, fmt.Errorf("failed to create parent directory for %s: %w", c.Path, err)
	}

	flags := os.O_WRONLY | os.O_CREATE
	if c.Start == 0 {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(abs, flags, FileMode)
	if err != nil {
		return 0, fmt.Errorf("failed to open %s for writing: %w", c.Path, err)
	}
	defer f.Close()

	if err := lockExclusive(f); err != nil {
		return 0, fmt.Errorf("failed to lock %s: %w", c.Path, err)
	}
	// The lock is tied to the descriptor; Close releases it after the
	// write is durable, so there is no unlock/close window.

	if c.Start > 0 {
		if _, err := f.Seek(0, io.SeekEnd); err != nil {
			return 0, fmt.Errorf("failed to seek %s: %w", c.Path, err)
		}
	}

	n, err := f.Write(payload)
	if err != nil {
		return int64(n), fmt.Errorf("failed to write %s: %w", c.Path, err)
	}

	if err := f.Chmod(FileMode); err != nil {
		return int64(n), fmt.Errorf("failed to chmod %s: %w", c.Path, err)
	}

	return int64(n), nil
}
