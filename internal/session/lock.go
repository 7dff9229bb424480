package session

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/lherron/siteporter/internal/domain"
)

// LockTTL bounds how long a crashed driver can hold the destination
// exclusive. Persisting progress refreshes the lock, so a healthy session
// never expires mid-run.
const LockTTL = 2 * time.Minute

type lockFile struct {
	SessionID string    `json:"session_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (s *Store) lockPath() string { return s.path + ".lock" }

// AcquireLock takes the per-destination mutual-exclusion lock for the
// given session. A live lock held by another session fails fast with a
// ConflictError; a stale one is broken.
func (s *Store) AcquireLock(sessionID string) error {
	existing, err := s.readLock()
	if err != nil {
		return err
	}
	if existing != nil && existing.SessionID != sessionID && time.Now().Before(existing.ExpiresAt) {
		return &domain.ConflictError{ActiveSessionID: existing.SessionID}
	}
	return s.RefreshLock(sessionID)
}

// RefreshLock extends the lock's TTL for the owning session.
func (s *Store) RefreshLock(sessionID string) error {
	blob, err := json.Marshal(lockFile{SessionID: sessionID, ExpiresAt: time.Now().Add(LockTTL)})
	if err != nil {
		return err
	}
	if err := os.WriteFile(s.lockPath(), blob, 0600); err != nil {
		return fmt.Errorf("failed to write session lock: %w", err)
	}
	return nil
}

// ReleaseLock drops the lock if the session owns it.
func (s *Store) ReleaseLock(sessionID string) error {
	existing, err := s.readLock()
	if err != nil {
		return err
	}
	if existing == nil || existing.SessionID != sessionID {
		return nil
	}
	if err := os.Remove(s.lockPath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to release session lock: %w", err)
	}
	return nil
}

func (s *Store) readLock() (*lockFile, error) {
	blob, err := os.ReadFile(s.lockPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read session lock: %w", err)
	}
	var lf lockFile
	if err := json.Unmarshal(blob, &lf); err != nil {
		// A corrupt lock is treated as stale.
		return nil, nil
	}
	return &lf, nil
}
