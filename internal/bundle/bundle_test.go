package bundle

import (
	"archive/tar"
	"bytes"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"

	"github.com/lherron/siteporter/internal/domain"
	"github.com/lherron/siteporter/internal/testutil"
)

func TestPlanBounds(t *testing.T) {
	var entries []domain.ManifestEntry
	// 250 small files of 1KB: must split on the 200-file bound.
	for i := 0; i < 250; i++ {
		entries = append(entries, domain.ManifestEntry{
			RelativePath: fmt.Sprintf("small/f%03d.txt", i),
			SizeBytes:    1024,
		})
	}
	// One large file passes through.
	entries = append(entries, domain.ManifestEntry{RelativePath: "big.bin", SizeBytes: 10 << 20, IsLarge: true})
	// Three 2MB files: must split on the byte bound.
	for i := 0; i < 3; i++ {
		entries = append(entries, domain.ManifestEntry{
			RelativePath: fmt.Sprintf("medium/m%d.bin", i),
			SizeBytes:    2 << 20,
		})
	}

	batches, large := Plan(entries)
	if len(large) != 1 || large[0].RelativePath != "big.bin" {
		t.Fatalf("large = %+v, want just big.bin", large)
	}

	for i, b := range batches {
		if len(b) > MaxFilesPerBatch {
			t.Errorf("batch %d has %d files, above bound %d", i, len(b), MaxFilesPerBatch)
		}
		var total int64
		for _, e := range b {
			total += e.SizeBytes
		}
		if total > MaxArchiveBytes && len(b) > 1 {
			t.Errorf("batch %d holds %d bytes, above bound %d", i, total, MaxArchiveBytes)
		}
	}

	var count int
	for _, b := range batches {
		count += len(b)
	}
	if count != 253 {
		t.Errorf("batched %d files, want 253", count)
	}
}

func TestCreateExtractRoundTrip(t *testing.T) {
	files := map[string]string{
		"index.html":         "<html>home</html>",
		"assets/style.css":   "body { color: red }",
		"uploads/2024/a.txt": "aaa",
		"uploads/2024/b.txt": "bbb",
	}
	srcRoot := testutil.TempTree(t, files)
	dstRoot := t.TempDir()

	rels := make([]string, 0, len(files))
	for rel := range files {
		rels = append(rels, rel)
	}

	archive, err := Create(srcRoot, rels)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	res, err := Extract(dstRoot, archive)
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if len(res.Skipped) != 0 {
		t.Fatalf("unexpected skips: %+v", res.Skipped)
	}
	if len(res.Extracted) != len(files) {
		t.Fatalf("extracted %d entries, want %d", len(res.Extracted), len(files))
	}

	for rel, want := range files {
		got := testutil.ReadFile(t, filepath.Join(dstRoot, filepath.FromSlash(rel)))
		if got != want {
			t.Errorf("%s content = %q, want %q", rel, got, want)
		}
	}
}

func TestExtractSkipsUnsafeAndDuplicateEntries(t *testing.T) {
	// Build a hostile archive by hand.
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	write := func(name, content string) {
		if err := tw.WriteHeader(&tar.Header{Name: name, Mode: 0644, Size: int64(len(content))}); err != nil {
			t.Fatal(err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	write("ok.txt", "fine")
	write("../../etc/passwd", "evil")
	write("ok.txt", "duplicate")
	write("/abs.txt", "evil")

	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := gz.Close(); err != nil {
		t.Fatal(err)
	}

	dstRoot := t.TempDir()
	res, err := Extract(dstRoot, buf.Bytes())
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}

	if len(res.Extracted) != 1 || res.Extracted[0] != "ok.txt" {
		t.Errorf("Extracted = %v, want [ok.txt]", res.Extracted)
	}
	if len(res.Skipped) != 3 {
		t.Fatalf("Skipped = %+v, want 3 entries", res.Skipped)
	}

	got := testutil.ReadFile(t, filepath.Join(dstRoot, "ok.txt"))
	if got != "fine" {
		t.Errorf("ok.txt = %q, want first write preserved", got)
	}
}
