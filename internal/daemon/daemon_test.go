package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/lherron/siteporter/internal/bundle"
	"github.com/lherron/siteporter/internal/chunk"
	"github.com/lherron/siteporter/internal/domain"
	"github.com/lherron/siteporter/internal/source"
	"github.com/lherron/siteporter/internal/testutil"
)

const testSecret = "test-secret"

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// newTestDaemon stands up a seeded daemon over httptest. The returned
// counter sees every request that reached the handler, rejected ones
// included.
func newTestDaemon(t *testing.T, files map[string]string) (string, *atomic.Int64) {
	t.Helper()

	database := testutil.TempDB(t)
	testutil.SeedSiteDB(t, database, "wp_")
	testutil.InsertOption(t, database, "wp_", "siteurl", "http://src.example")
	if _, err := database.Exec(`INSERT INTO wp_posts (post_title) VALUES ('one'), ('two'), ('three')`); err != nil {
		t.Fatal(err)
	}

	s := &server{
		db: database,
		opts: Options{
			SiteRoot:    testutil.TempTree(t, files),
			BaseURL:     "http://src.example",
			TablePrefix: "wp_",
			Secret:      testSecret,
			ChunkBytes:  32,
			Version:     "test",
		},
		log: quietLogger(),
	}

	requests := &atomic.Int64{}
	handler := s.handler()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(ts.Close)
	return ts.URL, requests
}

func newTestClient(t *testing.T, files map[string]string) *source.Client {
	t.Helper()
	url, _ := newTestDaemon(t, files)
	return source.New(url, testSecret, quietLogger())
}

func TestDaemonRejectsBadSecretWithoutRetry(t *testing.T) {
	url, requests := newTestDaemon(t, nil)

	client := source.New(url, "wrong-secret", quietLogger())
	_, err := client.Handshake(context.Background())

	var authErr *domain.AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("Handshake with bad secret = %v, want AuthError", err)
	}
	// Auth failures are terminal, never retried.
	if got := requests.Load(); got != 1 {
		t.Errorf("server saw %d requests, want 1", got)
	}
}

func TestDaemonHandshake(t *testing.T) {
	client := newTestClient(t, nil)

	info, err := client.Handshake(context.Background())
	if err != nil {
		t.Fatalf("Handshake failed: %v", err)
	}
	if info.Version != "test" {
		t.Errorf("Version = %q", info.Version)
	}
	if info.SiteURL != "http://src.example" {
		t.Errorf("SiteURL = %q", info.SiteURL)
	}
	if info.TablePrefix != "wp_" {
		t.Errorf("TablePrefix = %q", info.TablePrefix)
	}
}

func TestDaemonHandshakeEchoesAllowedOrigin(t *testing.T) {
	database := testutil.TempDB(t)
	testutil.SeedSiteDB(t, database, "wp_")
	s := &server{
		db: database,
		opts: Options{
			SiteRoot:       t.TempDir(),
			Secret:         testSecret,
			ChunkBytes:     32,
			AllowedOrigins: []string{"https://panel.example"},
		},
		log: quietLogger(),
	}
	ts := httptest.NewServer(s.handler())
	defer ts.Close()

	handshake := func(origin string) (domain.SourceInfo, string) {
		req, err := http.NewRequest(http.MethodPost, ts.URL+"/handshake", nil)
		if err != nil {
			t.Fatal(err)
		}
		req.Header.Set(source.SecretHeader, testSecret)
		if origin != "" {
			req.Header.Set("Origin", origin)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("handshake request failed: %v", err)
		}
		defer resp.Body.Close()
		var info domain.SourceInfo
		if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
			t.Fatalf("failed to decode handshake response: %v", err)
		}
		return info, resp.Header.Get("Access-Control-Allow-Origin")
	}

	info, acao := handshake("https://panel.example")
	if info.Origin != "https://panel.example" {
		t.Errorf("allow-listed origin echo = %q", info.Origin)
	}
	if acao != "https://panel.example" {
		t.Errorf("Access-Control-Allow-Origin = %q", acao)
	}

	info, acao = handshake("https://elsewhere.example")
	if info.Origin != "" || acao != "" {
		t.Errorf("unlisted origin echoed: origin %q, header %q", info.Origin, acao)
	}

	info, acao = handshake("")
	if info.Origin != "" || acao != "" {
		t.Errorf("absent origin echoed: origin %q, header %q", info.Origin, acao)
	}
}

func TestDaemonManifestAppliesExcludes(t *testing.T) {
	client := newTestClient(t, map[string]string{
		"index.html":       "<html></html>",
		"uploads/big.bin":  strings.Repeat("x", 64),
		"cache/page.html":  "cached",
		"debug.log":        "noise",
		"uploads/safe.txt": "keep",
	})

	entries, err := client.Manifest(context.Background())
	if err != nil {
		t.Fatalf("Manifest failed: %v", err)
	}

	byPath := make(map[string]domain.ManifestEntry, len(entries))
	for _, e := range entries {
		byPath[e.RelativePath] = e
	}
	for _, excluded := range []string{"cache/page.html", "debug.log"} {
		if _, ok := byPath[excluded]; ok {
			t.Errorf("%s should have been excluded", excluded)
		}
	}
	for _, kept := range []string{"index.html", "uploads/big.bin", "uploads/safe.txt"} {
		if _, ok := byPath[kept]; !ok {
			t.Errorf("%s missing from manifest", kept)
		}
	}
	if !byPath["uploads/big.bin"].IsLarge {
		t.Error("64-byte file should be large at a 32-byte threshold")
	}
	if byPath["index.html"].IsLarge {
		t.Error("13-byte file marked large")
	}
}

func TestDaemonTablesAndSchema(t *testing.T) {
	client := newTestClient(t, nil)
	ctx := context.Background()

	tables, err := client.Tables(ctx)
	if err != nil {
		t.Fatalf("Tables failed: %v", err)
	}
	counts := make(map[string]int64, len(tables))
	for _, tbl := range tables {
		counts[tbl.SourceName] = tbl.RowCount
	}
	if counts["wp_posts"] != 3 {
		t.Errorf("wp_posts row count = %d, want 3", counts["wp_posts"])
	}

	schema, err := client.SchemaSQL(ctx, "wp_posts")
	if err != nil {
		t.Fatalf("SchemaSQL failed: %v", err)
	}
	if !strings.Contains(schema, "wp_posts") || !strings.Contains(schema, "post_title") {
		t.Errorf("schema = %q", schema)
	}

	if _, err := client.SchemaSQL(ctx, "wp_posts; DROP TABLE wp_users"); err == nil {
		t.Error("schema request for a non-scanned table name succeeded")
	}
}

func TestDaemonRowsPaging(t *testing.T) {
	client := newTestClient(t, nil)
	ctx := context.Background()

	first, err := client.Rows(ctx, "wp_posts", "", 2)
	if err != nil {
		t.Fatalf("Rows failed: %v", err)
	}
	if len(first.Rows) != 2 || !first.HasMore || first.NextCursor == "" {
		t.Fatalf("first page: %d rows, hasMore %v, cursor %q", len(first.Rows), first.HasMore, first.NextCursor)
	}

	second, err := client.Rows(ctx, "wp_posts", first.NextCursor, 2)
	if err != nil {
		t.Fatalf("Rows page 2 failed: %v", err)
	}
	if len(second.Rows) != 1 || second.HasMore {
		t.Fatalf("second page: %d rows, hasMore %v", len(second.Rows), second.HasMore)
	}
	title := second.Rows[0]["post_title"]
	if title.Value == nil || *title.Value != "three" {
		t.Errorf("second page row = %v", second.Rows[0])
	}
}

func TestDaemonFileChunkRoundTrip(t *testing.T) {
	content := strings.Repeat("abcdefgh", 8)
	client := newTestClient(t, map[string]string{"uploads/big.bin": content})
	ctx := context.Background()

	dest := t.TempDir()
	for offset := int64(0); offset < int64(len(content)); offset += 32 {
		c, err := client.FileChunk(ctx, "uploads/big.bin", offset, offset+32)
		if err != nil {
			t.Fatalf("FileChunk at %d failed: %v", offset, err)
		}
		if _, err := chunk.Write(dest, c); err != nil {
			t.Fatalf("chunk.Write at %d failed: %v", offset, err)
		}
	}
	if got := testutil.ReadFile(t, filepath.Join(dest, "uploads", "big.bin")); got != content {
		t.Error("reassembled file does not match source")
	}

	if _, err := client.FileChunk(ctx, "../etc/passwd", 0, 32); err == nil {
		t.Error("path escaping the root was served")
	}
}

func TestDaemonFileBatchRoundTrip(t *testing.T) {
	files := map[string]string{
		"index.html":     "<html>hi</html>",
		"assets/app.css": "body { margin: 0 }",
	}
	client := newTestClient(t, files)

	archive, err := client.FileBatch(context.Background(), []string{"index.html", "assets/app.css"})
	if err != nil {
		t.Fatalf("FileBatch failed: %v", err)
	}

	dest := t.TempDir()
	res, err := bundle.Extract(dest, archive)
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if len(res.Extracted) != 2 {
		t.Fatalf("extracted %d files, want 2", len(res.Extracted))
	}
	if len(res.Skipped) != 0 {
		t.Errorf("skipped entries: %v", res.Skipped)
	}
	for rel, want := range files {
		if got := testutil.ReadFile(t, filepath.Join(dest, filepath.FromSlash(rel))); got != want {
			t.Errorf("%s = %q, want %q", rel, got, want)
		}
	}
}
