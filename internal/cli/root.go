package cli

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/lherron/siteporter/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "siteporter",
	Short: "Pull-based site migration between SQLite-backed sites",
	Long: `siteporter migrates a site's database and file tree from a source
running siteporterd to this machine. Transfers are resumable, checksummed,
and preserve the destination operator's account across the cutover.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().String("db", "", "Path to destination database (overrides SITEPORTER_DB_PATH)")
	rootCmd.PersistentFlags().String("root", "", "Destination site root (overrides SITEPORTER_SITE_ROOT)")
	rootCmd.PersistentFlags().String("state", "", "Session state file path (overrides SITEPORTER_STATE_PATH)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Debug logging")
}

// loadConfig loads configuration and applies the global flag overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if v := cmd.Flag("db").Value.String(); v != "" {
		cfg.DBPath = v
	}
	if v := cmd.Flag("root").Value.String(); v != "" {
		cfg.SiteRoot = v
	}
	if v := cmd.Flag("state").Value.String(); v != "" {
		cfg.StatePath = v
	}
	return cfg, nil
}

func newLogger(cmd *cobra.Command) *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if v, _ := cmd.Flags().GetBool("verbose"); v {
		log.SetLevel(logrus.DebugLevel)
	}
	return log
}
