// Package bundle groups small files into compressed archive batches for
// transfer, and expands received archives entry by entry with path-safety
// enforcement.
package bundle

import (
	"archive/tar"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/gzip"

	"github.com/lherron/siteporter/internal/chunk"
	"github.com/lherron/siteporter/internal/domain"
	"github.com/lherron/siteporter/internal/paths"
)

const (
	// MaxArchiveBytes bounds the uncompressed payload of one batch.
	MaxArchiveBytes int64 = 4 * 1024 * 1024
	// MaxFilesPerBatch independently bounds the entry count so a batch of
	// thousands of tiny files can't produce an oversized request.
	MaxFilesPerBatch = 200
)

// Plan splits manifest entries into archive batches and a list of large
// files that must go through the chunk transport instead. Batches are
// bounded by both total bytes and file count.
func Plan(entries []domain.ManifestEntry) (batches [][]domain.ManifestEntry, large []domain.ManifestEntry) {
	var cur []domain.ManifestEntry
	var curBytes int64

	flush := func() {
		if len(cur) > 0 {
			batches = append(batches, cur)
			cur = nil
			curBytes = 0
		}
	}

	for _, e := range entries {
		if e.IsLarge {
			large = append(large, e)
			continue
		}
		if len(cur) >= MaxFilesPerBatch || (curBytes+e.SizeBytes > MaxArchiveBytes && len(cur) > 0) {
			flush()
		}
		cur = append(cur, e)
		curBytes += e.SizeBytes
	}
	flush()
	return batches, large
}

// Create builds a gzip-compressed tar archive of the given files under
// root. Each requested path is safety-checked before being read.
func Create(root string, relPaths []string) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	for _, rel := range relPaths {
		abs, err := paths.Resolve(root, rel)
		if err != nil {
			return nil, err
		}
		info, err := os.Stat(abs)
		if err != nil {
			return nil, fmt.Errorf("failed to stat %s: %w", rel, err)
		}
		hdr := &tar.Header{
			Name:    filepath.ToSlash(rel),
			Mode:    int64(chunk.FileMode),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, fmt.Errorf("failed to write archive header for %s: %w", rel, err)
		}
		f, err := os.Open(abs)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", rel, err)
		}
		if _, err := io.Copy(tw, f); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to archive %s: %w", rel, err)
		}
		f.Close()
	}

	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish archive: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish compression: %w", err)
	}
	return buf.Bytes(), nil
}

// SkippedEntry is one archive entry that was not extracted, with the
// reason. Partial extraction is surfaced per file, not just as a count.
type SkippedEntry struct {
	Path   string
	Reason string
}

// ExtractResult reports one archive expansion.
type ExtractResult struct {
	Extracted []string
	Skipped   []SkippedEntry
}

// Extract expands an archive under root. Every entry path is independently
// validated; unsafe and duplicate entries are skipped and reported, never
// fatal to the batch.
func Extract(root string, archive []byte) (*ExtractResult, error) {
	gz, err := gzip.NewReader(bytes.NewReader(archive))
	if err != nil {
		return nil, fmt.Errorf("failed to open compressed archive: %w", err)
	}
	defer gz.Close()

	res := &ExtractResult{}
	seen := make(map[string]bool)
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return res, fmt.Errorf("failed to read archive entry: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			res.Skipped = append(res.Skipped, SkippedEntry{Path: hdr.Name, Reason: "not a regular file"})
			continue
		}

		abs, err := paths.Resolve(root, hdr.Name)
		if err != nil {
			res.Skipped = append(res.Skipped, SkippedEntry{Path: hdr.Name, Reason: err.Error()})
			continue
		}
		if seen[abs] {
			res.Skipped = append(res.Skipped, SkippedEntry{Path: hdr.Name, Reason: "duplicate entry"})
			continue
		}
		seen[abs] = true

		if err := writeEntry(abs, tr); err != nil {
			res.Skipped = append(res.Skipped, SkippedEntry{Path: hdr.Name, Reason: err.Error()})
			continue
		}
		res.Extracted = append(res.Extracted, hdr.Name)
	}
	return res, nil
}

func writeEntry(abs string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		return fmt.Errorf("failed to create parent directory: %w", err)
	}
	f, err := os.OpenFile(abs, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, chunk.FileMode)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer f.Close()
	if _, err := io.Copy(f, r); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	return f.Chmod(chunk.FileMode)
}
