package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lherron/siteporter/internal/config"
	"github.com/lherron/siteporter/internal/session"
)

var startCmd = &cobra.Command{
	Use:   "start <connection>",
	Short: "Start a migration pull from a source",
	Long: `Starts a new migration session against the source identified by the
connection string (url|secret, as printed by 'siteporter secret' on the
source). The session is persisted and can be paused and resumed.`,
	Args: cobra.ExactArgs(1),
	RunE: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)
	startCmd.Flags().String("operator", "", "Destination account login to preserve (default admin)")
	startCmd.Flags().Bool("force", false, "Discard a previous unfinished session")
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	log := newLogger(cmd)

	sourceURL, secret, err := config.ParseConnection(args[0])
	if err != nil {
		return err
	}

	store := session.NewStore(cfg.StatePath)
	force, _ := cmd.Flags().GetBool("force")
	if prev, err := store.Load(); err == nil {
		if !prev.Phase.Terminal() && !prev.Cancelled && !force {
			return fmt.Errorf("session %s is %s: resume it, cancel it, or pass --force", prev.ID, prev.EffectivePhase())
		}
		if err := store.Clear(); err != nil {
			return fmt.Errorf("failed to clear previous session: %w", err)
		}
	} else if !errors.Is(err, session.ErrNoSession) {
		return fmt.Errorf("failed to read session state: %w", err)
	}

	sess := session.NewSession(sourceURL, secret, "", cfg.TablePrefix)
	runner, database, err := buildRunner(cmd, cfg, sess, log)
	if err != nil {
		return err
	}
	defer database.Close()

	if err := runner.Store.Save(sess); err != nil {
		return fmt.Errorf("failed to persist session: %w", err)
	}

	return runMigration(cmd.Context(), runner, sess)
}
