package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/lherron/siteporter/internal/db"
	"github.com/lherron/siteporter/internal/domain"
	"github.com/lherron/siteporter/internal/replace"
	"github.com/lherron/siteporter/internal/smartmerge"
	"github.com/lherron/siteporter/internal/transfer"
)

// Runner advances one migration session through its phases. A single
// logical driver owns the session: phases run strictly sequentially, and
// the store's lock keeps a second driver out.
type Runner struct {
	Source        transfer.Source
	Dest          *db.DB
	DestRoot      string
	DestSiteURL   string
	Store         *Store
	Merger        *smartmerge.Merger
	BatchSize     int
	ChunkBytes    int64
	PersistEveryN int
	Log           *logrus.Logger
}

// NewSession builds a fresh session for the given source connection.
func NewSession(sourceURL, secret, prefixSource, prefixDest string) *domain.Session {
	return &domain.Session{
		ID:           uuid.NewString(),
		Phase:        domain.PhaseIdle,
		SourceURL:    sourceURL,
		SourceSecret: secret,
		PrefixSource: prefixSource,
		PrefixDest:   prefixDest,
		StartedAt:    time.Now().UTC(),
	}
}

// Run drives the session until completion, pause, cancellation, or error.
// It acquires the destination exclusivity lock first and fails fast with a
// ConflictError if another session holds it.
func (r *Runner) Run(ctx context.Context, sess *domain.Session) error {
	if sess.Phase.Terminal() {
		return fmt.Errorf("session %s is %s and cannot run", sess.ID, sess.Phase)
	}
	if err := r.Store.AcquireLock(sess.ID); err != nil {
		return err
	}

	log := r.log()
	ctl := transfer.Control{
		Persist: func() error {
			if err := r.Store.RefreshLock(sess.ID); err != nil {
				return err
			}
			return r.Store.Save(sess)
		},
		CheckStop: func() error {
			if err := ctx.Err(); err != nil {
				return ErrPaused
			}
			return r.Store.CheckSignal()
		},
	}

	for {
		if err := ctl.CheckStop(); err != nil {
			return r.interrupt(sess, err)
		}

		before := sess.Phase
		err := r.step(ctx, sess, ctl)
		if err != nil {
			if errors.Is(err, ErrPaused) || errors.Is(err, ErrCancelled) {
				return r.interrupt(sess, err)
			}
			sess.LastError = err.Error()
			if perr := r.Store.Save(sess); perr != nil {
				log.WithError(perr).Error("failed to persist session after error")
			}
			_ = r.Store.ReleaseLock(sess.ID)
			log.WithError(err).WithField("phase", before).Error("migration failed")
			return err
		}

		if err := ctl.Persist(); err != nil {
			return err
		}
		log.WithFields(logrus.Fields{"from": before, "to": sess.Phase}).Info("phase transition")

		if sess.Phase == domain.PhaseComplete {
			_ = r.Store.ReleaseLock(sess.ID)
			if err := r.Store.Clear(); err != nil {
				return err
			}
			log.WithField("session", sess.ID).Info("migration complete")
			return nil
		}
	}
}

// interrupt persists the session's final cursor and marks it paused or
// cancelled. Cancelled sessions keep their last state on disk for
// inspection but can never resume.
func (r *Runner) interrupt(sess *domain.Session, signal error) error {
	if errors.Is(signal, ErrCancelled) {
		sess.Cancelled = true
		sess.Phase = domain.PhaseCancelled
	} else {
		sess.Paused = true
	}
	if err := r.Store.Save(sess); err != nil {
		return err
	}
	_ = r.Store.ClearSignal()
	_ = r.Store.ReleaseLock(sess.ID)
	r.log().WithFields(logrus.Fields{"session": sess.ID, "state": sess.EffectivePhase()}).Info("migration interrupted")
	return signal
}

// step runs one phase to completion and advances the phase enum.
func (r *Runner) step(ctx context.Context, sess *domain.Session, ctl transfer.Control) error {
	switch sess.Phase {
	case domain.PhaseIdle:
		sess.Phase = domain.PhaseScanning
		return nil

	case domain.PhaseScanning:
		if err := r.scan(ctx, sess); err != nil {
			return err
		}
		sess.Phase = domain.PhaseScanComplete
		return nil

	case domain.PhaseScanComplete:
		sess.Phase = domain.PhaseTransferringDatabase
		return nil

	case domain.PhaseTransferringDatabase:
		dt := &transfer.DatabaseTransfer{
			Source:    r.Source,
			Dest:      r.Dest,
			Merger:    r.Merger,
			BatchSize: r.BatchSize,
		}
		if err := dt.Run(ctx, sess, ctl); err != nil {
			return err
		}
		sess.Phase = domain.PhaseTransferringFiles
		return nil

	case domain.PhaseTransferringFiles:
		// The manifest is never persisted; every entry into this phase
		// re-fetches it from the source.
		manifest, err := r.Source.Manifest(ctx)
		if err != nil {
			return fmt.Errorf("failed to fetch manifest: %w", err)
		}
		ft := &transfer.FileTransfer{
			Source:        r.Source,
			DestRoot:      r.DestRoot,
			ChunkBytes:    r.ChunkBytes,
			PersistEveryN: r.PersistEveryN,
		}
		if err := ft.Run(ctx, sess, manifest, ctl); err != nil {
			return err
		}
		sess.Phase = domain.PhaseFinalizing
		return nil

	case domain.PhaseFinalizing:
		if err := r.finalize(sess); err != nil {
			return err
		}
		sess.Phase = domain.PhaseComplete
		return nil
	}

	return fmt.Errorf("cannot advance from phase %s", sess.Phase)
}

// scan performs the handshake and builds the table plan. File enumeration
// happens lazily at the files phase since the manifest is not persisted.
func (r *Runner) scan(ctx context.Context, sess *domain.Session) error {
	info, err := r.Source.Handshake(ctx)
	if err != nil {
		return fmt.Errorf("source handshake failed: %w", err)
	}
	sess.SourceSiteURL = info.SiteURL
	if sess.PrefixSource == "" {
		sess.PrefixSource = info.TablePrefix
	}

	tables, err := r.Source.Tables(ctx)
	if err != nil {
		return fmt.Errorf("failed to list source tables: %w", err)
	}
	for i := range tables {
		tables[i].DestName = transfer.TranslateTableName(tables[i].SourceName, sess.PrefixSource, sess.PrefixDest)
	}
	sess.Tables = tables
	r.log().WithField("tables", len(tables)).Info("scan complete")
	return nil
}

// finalize rewrites embedded URLs, flushes derived caches, and then
// restores the Smart-Merge snapshot. The restore runs last so restored
// protected options are never clobbered by the rewrite pass.
func (r *Runner) finalize(sess *domain.Session) error {
	engine := replace.NewEngine(r.Dest, sess.PrefixDest, r.BatchSize)

	if sess.SourceSiteURL != "" && r.DestSiteURL != "" {
		subs := replace.BuildSubstitutions(sess.SourceSiteURL, r.DestSiteURL)
		stats, err := engine.Run(subs)
		if err != nil {
			return fmt.Errorf("search-replace failed: %w", err)
		}
		for _, msg := range stats.Errors {
			sess.Stats.LogError("search-replace", msg)
		}
		r.log().WithFields(logrus.Fields{
			"tables":  stats.TablesProcessed,
			"rows":    stats.RowsProcessed,
			"changed": stats.RowsChanged,
		}).Info("search-replace complete")
	}

	if _, err := engine.FlushDerivedCaches(); err != nil {
		return err
	}

	if r.Merger != nil {
		if err := r.Merger.Restore(); err != nil {
			return fmt.Errorf("smart-merge restore failed: %w", err)
		}
	}
	return nil
}

func (r *Runner) log() *logrus.Logger {
	if r.Log != nil {
		return r.Log
	}
	return logrus.StandardLogger()
}
