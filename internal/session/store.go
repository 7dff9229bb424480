// Package session owns the migration state machine: the versioned
// persisted session blob, the destination exclusivity lock, cooperative
// pause/cancel signalling, and the phase driver.
package session

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/lherron/siteporter/internal/domain"
)

// CurrentVersion is the persisted blob schema version. Bumps require an
// explicit migration function; unknown fields and unknown versions are
// rejected rather than merged.
const CurrentVersion = 2

// envelope is the on-disk shape wrapping the session.
type envelope struct {
	Version int             `json:"version"`
	Session json.RawMessage `json:"session"`
}

// Store persists session state to durable client-side storage.
type Store struct {
	path string
}

// NewStore creates a store rooted at the given state file path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the state file path.
func (s *Store) Path() string { return s.path }

// Save writes the session blob atomically (write-then-rename).
func (s *Store) Save(sess *domain.Session) error {
	sess.UpdatedAt = time.Now().UTC()

	raw, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	blob, err := json.MarshalIndent(envelope{Version: CurrentVersion, Session: raw}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal session envelope: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, blob, 0600); err != nil {
		return fmt.Errorf("failed to write session state: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to commit session state: %w", err)
	}
	return nil
}

// ErrNoSession is returned by Load when no persisted session exists.
var ErrNoSession = errors.New("no persisted session")

// Load reads and validates the persisted session, migrating older blob
// versions forward. Unknown fields are an error, not a merge.
func (s *Store) Load() (*domain.Session, error) {
	blob, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoSession
		}
		return nil, fmt.Errorf("failed to read session state: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(blob, &env); err != nil {
		return nil, fmt.Errorf("corrupt session envelope: %w", err)
	}

	switch env.Version {
	case CurrentVersion:
	case 1:
		migrated, err := migrateV1(env.Session)
		if err != nil {
			return nil, fmt.Errorf("failed to migrate v1 session: %w", err)
		}
		env.Session = migrated
	default:
		return nil, fmt.Errorf("unsupported session state version %d", env.Version)
	}

	dec := json.NewDecoder(bytes.NewReader(env.Session))
	dec.DisallowUnknownFields()
	var sess domain.Session
	if err := dec.Decode(&sess); err != nil {
		return nil, fmt.Errorf("invalid session state: %w", err)
	}
	return &sess, nil
}

// Clear removes the persisted session and any pending signal.
func (s *Store) Clear() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to clear session state: %w", err)
	}
	_ = os.Remove(s.signalPath())
	return nil
}

// migrateV1 converts a version-1 blob to the current shape. Version 1
// stored the completed-file set as a list and had no retry counter.
func migrateV1(raw json.RawMessage) (json.RawMessage, error) {
	var v1 struct {
		ID             string                `json:"id"`
		Phase          domain.Phase          `json:"phase"`
		SourceURL      string                `json:"source_url"`
		SourceSecret   string                `json:"source_secret"`
		PrefixSource   string                `json:"prefix_source"`
		PrefixDest     string                `json:"prefix_dest"`
		Tables         []domain.Table        `json:"tables"`
		DatabaseCursor domain.DatabaseCursor `json:"database_cursor"`
		FileCursor     struct {
			FileIndex  int      `json:"file_index"`
			ByteOffset int64    `json:"byte_offset"`
			Completed  []string `json:"completed"`
		} `json:"file_cursor"`
		Paused    bool         `json:"paused"`
		Cancelled bool         `json:"cancelled"`
		LastError string       `json:"last_error"`
		Stats     domain.Stats `json:"stats"`
		StartedAt time.Time    `json:"started_at"`
		UpdatedAt time.Time    `json:"updated_at"`
	}
	if err := json.Unmarshal(raw, &v1); err != nil {
		return nil, err
	}

	sess := domain.Session{
		ID:             v1.ID,
		Phase:          v1.Phase,
		SourceURL:      v1.SourceURL,
		SourceSecret:   v1.SourceSecret,
		PrefixSource:   v1.PrefixSource,
		PrefixDest:     v1.PrefixDest,
		Tables:         v1.Tables,
		DatabaseCursor: v1.DatabaseCursor,
		Paused:         v1.Paused,
		Cancelled:      v1.Cancelled,
		LastError:      v1.LastError,
		Stats:          v1.Stats,
		StartedAt:      v1.StartedAt,
		UpdatedAt:      v1.UpdatedAt,
	}
	sess.FileCursor.FileIndex = v1.FileCursor.FileIndex
	sess.FileCursor.ByteOffset = v1.FileCursor.ByteOffset
	for _, p := range v1.FileCursor.Completed {
		sess.FileCursor.MarkCompleted(p)
	}
	return json.Marshal(&sess)
}
