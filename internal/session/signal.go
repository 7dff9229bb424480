package session

import (
	"errors"
	"os"
	"strings"
)

// ErrPaused and ErrCancelled are the cooperative stop signals surfaced at
// unit-of-work boundaries. They are control flow, not failures.
var (
	ErrPaused    = errors.New("migration paused")
	ErrCancelled = errors.New("migration cancelled")
)

// Signal kinds accepted by Signal.
const (
	SignalPause  = "pause"
	SignalCancel = "cancel"
)

func (s *Store) signalPath() string { return s.path + ".signal" }

// Signal requests a pause or cancel from another process. The running
// driver observes it at its next unit boundary; a write in progress is
// never interrupted.
func (s *Store) Signal(kind string) error {
	if kind != SignalPause && kind != SignalCancel {
		return errors.New("signal must be pause or cancel")
	}
	return os.WriteFile(s.signalPath(), []byte(kind), 0600)
}

// ClearSignal removes any pending signal.
func (s *Store) ClearSignal() error {
	err := os.Remove(s.signalPath())
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// CheckSignal returns ErrPaused or ErrCancelled when a signal is pending,
// nil otherwise.
func (s *Store) CheckSignal() error {
	blob, err := os.ReadFile(s.signalPath())
	if err != nil {
		return nil
	}
	switch strings.TrimSpace(string(blob)) {
	case SignalPause:
		return ErrPaused
	case SignalCancel:
		return ErrCancelled
	}
	return nil
}
