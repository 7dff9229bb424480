package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lherron/siteporter/internal/session"
)

var pauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Pause the running migration at the next unit boundary",
	Args:  cobra.NoArgs,
	RunE:  runPause,
}

var cancelCmd = &cobra.Command{
	Use:   "cancel",
	Short: "Cancel the migration; partial destination state is left as-is",
	Args:  cobra.NoArgs,
	RunE:  runCancel,
}

func init() {
	rootCmd.AddCommand(pauseCmd)
	rootCmd.AddCommand(cancelCmd)
}

func runPause(cmd *cobra.Command, args []string) error {
	return signalSession(cmd, session.SignalPause, "pause requested; takes effect at the next batch or chunk boundary")
}

func runCancel(cmd *cobra.Command, args []string) error {
	return signalSession(cmd, session.SignalCancel, "cancel requested; takes effect at the next batch or chunk boundary")
}

func signalSession(cmd *cobra.Command, kind, message string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	store := session.NewStore(cfg.StatePath)
	sess, err := store.Load()
	if err != nil {
		if errors.Is(err, session.ErrNoSession) {
			return fmt.Errorf("no migration session found")
		}
		return err
	}
	if sess.Phase.Terminal() || sess.Cancelled {
		return fmt.Errorf("session %s already finished (%s)", sess.ID, sess.EffectivePhase())
	}

	if err := store.Signal(kind); err != nil {
		return fmt.Errorf("failed to signal session: %w", err)
	}
	fmt.Println(message)
	return nil
}
