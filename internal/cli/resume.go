package cli

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/lherron/siteporter/internal/session"
)

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume a paused or failed migration",
	Long: `Resumes the persisted session from its saved cursors. Completed work
is never repeated: schema application, rows up to the database cursor, and
files marked complete are all skipped.`,
	Args: cobra.NoArgs,
	RunE: runResume,
}

func init() {
	rootCmd.AddCommand(resumeCmd)
	resumeCmd.Flags().String("operator", "", "Destination account login to preserve (default admin)")
}

func runResume(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	log := newLogger(cmd)

	store := session.NewStore(cfg.StatePath)
	sess, err := store.Load()
	if err != nil {
		return fmt.Errorf("no session to resume: %w", err)
	}
	if sess.Cancelled {
		return fmt.Errorf("session %s was cancelled; start a new migration", sess.ID)
	}
	if sess.Phase.Terminal() {
		return fmt.Errorf("session %s already finished (%s)", sess.ID, sess.Phase)
	}

	sess.Paused = false
	sess.LastError = ""
	if err := store.ClearSignal(); err != nil {
		return fmt.Errorf("failed to clear stop signal: %w", err)
	}

	runner, database, err := buildRunner(cmd, cfg, sess, log)
	if err != nil {
		return err
	}
	defer database.Close()

	log.WithFields(logrus.Fields{
		"session": sess.ID,
		"phase":   sess.Phase,
	}).Info("resuming migration")

	return runMigration(cmd.Context(), runner, sess)
}
