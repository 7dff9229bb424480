package cli

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/lherron/siteporter/internal/config"
	"github.com/lherron/siteporter/internal/db"
	"github.com/lherron/siteporter/internal/domain"
	"github.com/lherron/siteporter/internal/session"
	"github.com/lherron/siteporter/internal/smartmerge"
	"github.com/lherron/siteporter/internal/source"
)

// operatorLogin resolves the destination account that must survive a
// migration: the --operator flag, then SITEPORTER_OPERATOR, then "admin".
func operatorLogin(cmd *cobra.Command) string {
	if f := cmd.Flag("operator"); f != nil && f.Value.String() != "" {
		return f.Value.String()
	}
	if v := os.Getenv("SITEPORTER_OPERATOR"); v != "" {
		return v
	}
	return "admin"
}

// buildRunner wires a session runner against the configured destination.
// The caller owns closing the returned database.
func buildRunner(cmd *cobra.Command, cfg *config.Config, sess *domain.Session, log *logrus.Logger) (*session.Runner, *db.DB, error) {
	if cfg.DBPath == "" {
		return nil, nil, fmt.Errorf("destination database path required (set SITEPORTER_DB_PATH or --db)")
	}
	if cfg.SiteRoot == "" {
		return nil, nil, fmt.Errorf("destination site root required (set SITEPORTER_SITE_ROOT or --root)")
	}

	database, err := db.Open(cfg.DBPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open destination database: %w", err)
	}

	prot := smartmerge.DefaultProtected(cfg.TablePrefix, operatorLogin(cmd))
	runner := &session.Runner{
		Source:        source.New(sess.SourceURL, sess.SourceSecret, log),
		Dest:          database,
		DestRoot:      cfg.SiteRoot,
		DestSiteURL:   cfg.BaseURL,
		Store:         session.NewStore(cfg.StatePath),
		Merger:        smartmerge.New(database, prot),
		BatchSize:     cfg.RowBatchSize,
		ChunkBytes:    cfg.ChunkBytes,
		PersistEveryN: cfg.PersistEveryN,
		Log:           log,
	}
	return runner, database, nil
}

// runMigration drives the runner and turns the cooperative stop signals
// into operator-facing messages instead of errors.
func runMigration(ctx context.Context, runner *session.Runner, sess *domain.Session) error {
	err := runner.Run(ctx, sess)
	switch {
	case err == nil:
		fmt.Printf("migration complete: %d tables, %d files\n", len(sess.Tables), sess.Stats.FilesTransferred)
		return nil
	case errors.Is(err, session.ErrPaused):
		fmt.Printf("migration paused at %s; resume with 'siteporter resume'\n", sess.Phase)
		return nil
	case errors.Is(err, session.ErrCancelled):
		fmt.Println("migration cancelled")
		return nil
	default:
		return err
	}
}
