package session

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/lherron/siteporter/internal/domain"
)

func tempStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(filepath.Join(t.TempDir(), "session.json"))
}

func TestStoreSaveLoadRoundTrip(t *testing.T) {
	store := tempStore(t)

	sess := NewSession("http://src.example", "s3cret", "wp_", "site_")
	sess.Phase = domain.PhaseTransferringDatabase
	sess.Tables = []domain.Table{{SourceName: "wp_posts", DestName: "site_posts", RowCount: 42}}
	sess.DatabaseCursor.TableIndex = 1
	sess.DatabaseCursor.LastKey = "abc"
	sess.FileCursor.MarkCompleted("index.html")
	sess.Stats.RowsTransferred = 42

	if err := store.Save(sess); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got, err := store.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got.ID != sess.ID {
		t.Errorf("ID = %q, want %q", got.ID, sess.ID)
	}
	if got.Phase != domain.PhaseTransferringDatabase {
		t.Errorf("Phase = %q, want %q", got.Phase, domain.PhaseTransferringDatabase)
	}
	if got.DatabaseCursor.LastKey != "abc" || got.DatabaseCursor.TableIndex != 1 {
		t.Errorf("cursor = %+v", got.DatabaseCursor)
	}
	if !got.FileCursor.Completed["index.html"] {
		t.Error("completed file set lost")
	}
	if got.Stats.RowsTransferred != 42 {
		t.Errorf("RowsTransferred = %d, want 42", got.Stats.RowsTransferred)
	}
}

func TestStoreLoadMissing(t *testing.T) {
	store := tempStore(t)
	if _, err := store.Load(); !errors.Is(err, ErrNoSession) {
		t.Errorf("Load = %v, want ErrNoSession", err)
	}
}

func TestStoreRejectsUnknownVersion(t *testing.T) {
	store := tempStore(t)
	blob := `{"version": 99, "session": {}}`
	if err := os.WriteFile(store.Path(), []byte(blob), 0600); err != nil {
		t.Fatal(err)
	}
	_, err := store.Load()
	if err == nil || !strings.Contains(err.Error(), "unsupported session state version") {
		t.Errorf("Load = %v, want unsupported version error", err)
	}
}

func TestStoreRejectsUnknownFields(t *testing.T) {
	store := tempStore(t)

	sess := NewSession("http://src.example", "s3cret", "wp_", "site_")
	if err := store.Save(sess); err != nil {
		t.Fatal(err)
	}

	// Inject a field the current schema does not define.
	blob, err := os.ReadFile(store.Path())
	if err != nil {
		t.Fatal(err)
	}
	var env struct {
		Version int                    `json:"version"`
		Session map[string]interface{} `json:"session"`
	}
	if err := json.Unmarshal(blob, &env); err != nil {
		t.Fatal(err)
	}
	env.Session["surprise_field"] = true
	tampered, err := json.Marshal(env)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(store.Path(), tampered, 0600); err != nil {
		t.Fatal(err)
	}

	if _, err := store.Load(); err == nil {
		t.Error("Load accepted a blob with unknown fields")
	}
}

func TestStoreMigratesV1(t *testing.T) {
	store := tempStore(t)

	v1 := `{
		"version": 1,
		"session": {
			"id": "legacy-1",
			"phase": "transferring_files",
			"source_url": "http://src.example",
			"source_secret": "s",
			"prefix_source": "wp_",
			"prefix_dest": "site_",
			"file_cursor": {
				"file_index": 2,
				"byte_offset": 1024,
				"completed": ["a.txt", "b.txt"]
			},
			"started_at": "2026-01-01T00:00:00Z",
			"updated_at": "2026-01-01T01:00:00Z"
		}
	}`
	if err := os.WriteFile(store.Path(), []byte(v1), 0600); err != nil {
		t.Fatal(err)
	}

	sess, err := store.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if sess.ID != "legacy-1" {
		t.Errorf("ID = %q, want legacy-1", sess.ID)
	}
	if sess.Phase != domain.PhaseTransferringFiles {
		t.Errorf("Phase = %q", sess.Phase)
	}
	if sess.FileCursor.ByteOffset != 1024 {
		t.Errorf("ByteOffset = %d, want 1024", sess.FileCursor.ByteOffset)
	}
	if !sess.FileCursor.Completed["a.txt"] || !sess.FileCursor.Completed["b.txt"] {
		t.Errorf("completed list not migrated: %+v", sess.FileCursor.Completed)
	}
}

func TestStoreClearRemovesSignal(t *testing.T) {
	store := tempStore(t)

	sess := NewSession("http://src.example", "s", "wp_", "site_")
	if err := store.Save(sess); err != nil {
		t.Fatal(err)
	}
	if err := store.Signal(SignalPause); err != nil {
		t.Fatal(err)
	}
	if err := store.Clear(); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if _, err := store.Load(); !errors.Is(err, ErrNoSession) {
		t.Errorf("session survived Clear: %v", err)
	}
	if err := store.CheckSignal(); err != nil {
		t.Errorf("signal survived Clear: %v", err)
	}
}

func TestLockConflict(t *testing.T) {
	store := tempStore(t)

	if err := store.AcquireLock("session-a"); err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}

	err := store.AcquireLock("session-b")
	var conflict *domain.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("second acquire = %v, want ConflictError", err)
	}
	if conflict.ActiveSessionID != "session-a" {
		t.Errorf("ActiveSessionID = %q, want session-a", conflict.ActiveSessionID)
	}

	// Re-acquiring by the owner refreshes instead of conflicting.
	if err := store.AcquireLock("session-a"); err != nil {
		t.Errorf("owner re-acquire failed: %v", err)
	}
}

func TestLockStaleIsBroken(t *testing.T) {
	store := tempStore(t)

	expired, _ := json.Marshal(lockFile{
		SessionID: "dead-session",
		ExpiresAt: time.Now().Add(-time.Minute),
	})
	if err := os.WriteFile(store.lockPath(), expired, 0600); err != nil {
		t.Fatal(err)
	}

	if err := store.AcquireLock("session-b"); err != nil {
		t.Errorf("stale lock not broken: %v", err)
	}
}

func TestReleaseLockOnlyOwner(t *testing.T) {
	store := tempStore(t)

	if err := store.AcquireLock("session-a"); err != nil {
		t.Fatal(err)
	}
	if err := store.ReleaseLock("session-b"); err != nil {
		t.Fatalf("foreign release errored: %v", err)
	}

	// The lock must still be held by session-a.
	err := store.AcquireLock("session-c")
	var conflict *domain.ConflictError
	if !errors.As(err, &conflict) {
		t.Errorf("lock was released by a non-owner: %v", err)
	}

	if err := store.ReleaseLock("session-a"); err != nil {
		t.Fatal(err)
	}
	if err := store.AcquireLock("session-c"); err != nil {
		t.Errorf("acquire after owner release failed: %v", err)
	}
}

func TestSignalRoundTrip(t *testing.T) {
	store := tempStore(t)

	if err := store.CheckSignal(); err != nil {
		t.Errorf("CheckSignal with no signal = %v", err)
	}

	if err := store.Signal(SignalPause); err != nil {
		t.Fatal(err)
	}
	if err := store.CheckSignal(); !errors.Is(err, ErrPaused) {
		t.Errorf("CheckSignal = %v, want ErrPaused", err)
	}

	if err := store.Signal(SignalCancel); err != nil {
		t.Fatal(err)
	}
	if err := store.CheckSignal(); !errors.Is(err, ErrCancelled) {
		t.Errorf("CheckSignal = %v, want ErrCancelled", err)
	}

	if err := store.ClearSignal(); err != nil {
		t.Fatal(err)
	}
	if err := store.CheckSignal(); err != nil {
		t.Errorf("CheckSignal after clear = %v", err)
	}

	if err := store.Signal("explode"); err == nil {
		t.Error("Signal accepted an unknown kind")
	}
}
