package transfer

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/lherron/siteporter/internal/domain"
	"github.com/lherron/siteporter/internal/testutil"
)

// fakeSource serves canned schema and row pages and records which calls
// were made.
type fakeSource struct {
	schemas     map[string]string
	pages       map[string]map[string]*domain.RowBatch
	schemaCalls []string
	rowsCursors []string
}

func (f *fakeSource) Handshake(ctx context.Context) (*domain.SourceInfo, error) {
	return &domain.SourceInfo{Version: "test", SiteURL: "http://src.example", TablePrefix: "wp_"}, nil
}

func (f *fakeSource) Manifest(ctx context.Context) ([]domain.ManifestEntry, error) {
	return nil, nil
}

func (f *fakeSource) Tables(ctx context.Context) ([]domain.Table, error) {
	return nil, nil
}

func (f *fakeSource) SchemaSQL(ctx context.Context, table string) (string, error) {
	f.schemaCalls = append(f.schemaCalls, table)
	schema, ok := f.schemas[table]
	if !ok {
		return "", fmt.Errorf("no schema for %s", table)
	}
	return schema, nil
}

func (f *fakeSource) Rows(ctx context.Context, table, cursor string, batchSize int) (*domain.RowBatch, error) {
	f.rowsCursors = append(f.rowsCursors, cursor)
	batch, ok := f.pages[table][cursor]
	if !ok {
		return nil, fmt.Errorf("no page for %s cursor %q", table, cursor)
	}
	return batch, nil
}

func (f *fakeSource) FileChunk(ctx context.Context, path string, start, end int64) (*domain.Chunk, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeSource) FileBatch(ctx context.Context, paths []string) ([]byte, error) {
	return nil, errors.New("not implemented")
}

func col(v string) domain.ColumnValue {
	return domain.ColumnValue{Value: &v}
}

func row(id, title string) domain.Row {
	return domain.Row{"id": col(id), "title": col(title)}
}

// pagedSource builds a fake with one table served as two keyset pages.
func pagedSource(srcTable string, withPK bool) *fakeSource {
	pk := ""
	if withPK {
		pk = " PRIMARY KEY"
	}
	return &fakeSource{
		schemas: map[string]string{
			srcTable: fmt.Sprintf("CREATE TABLE %s (id INTEGER%s, title TEXT)", srcTable, pk),
		},
		pages: map[string]map[string]*domain.RowBatch{
			srcTable: {
				"": {
					Table:      srcTable,
					Rows:       []domain.Row{row("1", "one"), row("2", "two")},
					NextCursor: "p1",
					HasMore:    true,
				},
				"p1": {
					Table:   srcTable,
					Rows:    []domain.Row{row("3", "three")},
					HasMore: false,
				},
			},
		},
	}
}

func TestDatabaseTransferFull(t *testing.T) {
	dest := testutil.TempDB(t)
	src := pagedSource("wp_items", true)

	sess := &domain.Session{
		Tables: []domain.Table{{SourceName: "wp_items", DestName: "site_items", RowCount: 3}},
	}
	dt := &DatabaseTransfer{Source: src, Dest: dest, BatchSize: 2}

	if err := dt.Run(context.Background(), sess, Control{}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	var n int64
	if err := dest.QueryRow("SELECT COUNT(*) FROM site_items").Scan(&n); err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if n != 3 {
		t.Errorf("got %d rows, want 3", n)
	}
	if sess.Stats.RowsTransferred != 3 {
		t.Errorf("RowsTransferred = %d, want 3", sess.Stats.RowsTransferred)
	}

	cur := sess.DatabaseCursor
	if cur.TableIndex != 1 || cur.LastKey != "" || cur.SchemaApplied {
		t.Errorf("cursor not reset after table: %+v", cur)
	}
}

func TestDatabaseTransferResumeSkipsDoneWork(t *testing.T) {
	dest := testutil.TempDB(t)
	// No primary key: re-applying already-transferred rows would show up
	// as duplicates.
	src := pagedSource("wp_items", false)

	// Simulate the state after page one was applied and persisted.
	if _, err := dest.Exec("CREATE TABLE site_items (id INTEGER, title TEXT)"); err != nil {
		t.Fatal(err)
	}
	if _, err := dest.Exec("INSERT INTO site_items (id, title) VALUES (1, 'one'), (2, 'two')"); err != nil {
		t.Fatal(err)
	}

	sess := &domain.Session{
		Tables: []domain.Table{{SourceName: "wp_items", DestName: "site_items", RowCount: 3}},
		DatabaseCursor: domain.DatabaseCursor{
			TableIndex:    0,
			LastKey:       "p1",
			SchemaApplied: true,
		},
	}
	dt := &DatabaseTransfer{Source: src, Dest: dest, BatchSize: 2}

	if err := dt.Run(context.Background(), sess, Control{}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(src.schemaCalls) != 0 {
		t.Errorf("schema re-fetched on resume: %v", src.schemaCalls)
	}
	if len(src.rowsCursors) != 1 || src.rowsCursors[0] != "p1" {
		t.Errorf("resume fetched cursors %v, want [p1]", src.rowsCursors)
	}

	var n int64
	if err := dest.QueryRow("SELECT COUNT(*) FROM site_items").Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("got %d rows after resume, want 3 (no duplicates)", n)
	}
}

func TestDatabaseTransferReplayIsIdempotent(t *testing.T) {
	dest := testutil.TempDB(t)

	run := func() {
		src := pagedSource("wp_items", true)
		sess := &domain.Session{
			Tables: []domain.Table{{SourceName: "wp_items", DestName: "site_items", RowCount: 3}},
		}
		dt := &DatabaseTransfer{Source: src, Dest: dest, BatchSize: 2}
		if err := dt.Run(context.Background(), sess, Control{}); err != nil {
			t.Fatalf("Run failed: %v", err)
		}
	}

	run()
	run()

	var n int64
	if err := dest.QueryRow("SELECT COUNT(*) FROM site_items").Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("got %d rows after replay, want 3", n)
	}
}

func TestDatabaseTransferSkipsUndecodableRow(t *testing.T) {
	dest := testutil.TempDB(t)
	bad := domain.Row{
		"id":    {Value: strPtr("2"), Base64: false},
		"title": {Value: strPtr("!!not-base64!!"), Base64: true},
	}
	src := &fakeSource{
		schemas: map[string]string{
			"wp_items": "CREATE TABLE wp_items (id INTEGER PRIMARY KEY, title TEXT)",
		},
		pages: map[string]map[string]*domain.RowBatch{
			"wp_items": {
				"": {
					Table:   "wp_items",
					Rows:    []domain.Row{row("1", "one"), bad, row("3", "three")},
					HasMore: false,
				},
			},
		},
	}

	sess := &domain.Session{
		Tables: []domain.Table{{SourceName: "wp_items", DestName: "site_items", RowCount: 3}},
	}
	dt := &DatabaseTransfer{Source: src, Dest: dest, BatchSize: 10}

	if err := dt.Run(context.Background(), sess, Control{}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	var n int64
	if err := dest.QueryRow("SELECT COUNT(*) FROM site_items").Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("got %d rows, want 2 (bad row skipped)", n)
	}
	if len(sess.Stats.Errors) != 1 {
		t.Errorf("got %d logged errors, want 1", len(sess.Stats.Errors))
	}
	if sess.Stats.RowsTransferred != 2 {
		t.Errorf("RowsTransferred = %d, want 2", sess.Stats.RowsTransferred)
	}
}

func TestDatabaseTransferStopsAtBatchBoundary(t *testing.T) {
	dest := testutil.TempDB(t)
	src := pagedSource("wp_items", true)

	stop := errors.New("stop requested")
	checks := 0
	ctl := Control{
		CheckStop: func() error {
			checks++
			// Allow the table loop and the first batch, then stop.
			if checks >= 3 {
				return stop
			}
			return nil
		},
	}

	sess := &domain.Session{
		Tables: []domain.Table{{SourceName: "wp_items", DestName: "site_items", RowCount: 3}},
	}
	dt := &DatabaseTransfer{Source: src, Dest: dest, BatchSize: 2}

	err := dt.Run(context.Background(), sess, ctl)
	if !errors.Is(err, stop) {
		t.Fatalf("Run returned %v, want stop signal", err)
	}

	// The first page committed before the stop took effect.
	var n int64
	if err := dest.QueryRow("SELECT COUNT(*) FROM site_items").Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("got %d rows at stop, want 2", n)
	}
	if sess.DatabaseCursor.LastKey != "p1" {
		t.Errorf("cursor LastKey = %q, want p1", sess.DatabaseCursor.LastKey)
	}
}

func strPtr(s string) *string { return &s }

func TestFailedBatchDoesNotDuplicateSkipLogs(t *testing.T) {
	dest := testutil.TempDB(t)
	if _, err := dest.Exec(`CREATE TABLE items (id INTEGER PRIMARY KEY, title TEXT NOT NULL)`); err != nil {
		t.Fatal(err)
	}
	dt := &DatabaseTransfer{Dest: dest, BatchSize: 10}

	undecodable := domain.ColumnValue{Value: strPtr("!!not-base64!!"), Base64: true}

	// One row that cannot decode plus one that violates NOT NULL: both
	// attempts roll back, so nothing may reach the error log.
	failing := &domain.RowBatch{
		Table: "items",
		Rows: []domain.Row{
			{"id": col("1"), "title": undecodable},
			{"id": col("2"), "title": domain.ColumnValue{}},
		},
	}
	var stats domain.Stats
	if _, err := dt.applyBatch("items", failing, &stats); err == nil {
		t.Fatal("batch with a constraint violation did not fail")
	}
	if stats.RetryCount != 1 {
		t.Errorf("RetryCount = %d, want 1", stats.RetryCount)
	}
	if len(stats.Errors) != 0 {
		t.Errorf("failed batch logged %d unit errors, want 0", len(stats.Errors))
	}

	// A committing batch logs the skipped row exactly once.
	committing := &domain.RowBatch{
		Table: "items",
		Rows: []domain.Row{
			{"id": col("1"), "title": undecodable},
			{"id": col("2"), "title": col("two")},
		},
	}
	applied, err := dt.applyBatch("items", committing, &stats)
	if err != nil {
		t.Fatalf("applyBatch failed: %v", err)
	}
	if applied != 1 {
		t.Errorf("applied = %d, want 1", applied)
	}
	if len(stats.Errors) != 1 {
		t.Errorf("committed batch logged %d unit errors, want 1", len(stats.Errors))
	}
}
