package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lherron/siteporter/internal/daemon"
	"github.com/lherron/siteporter/internal/paths"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the source-side read API daemon",
	Long: `Serves this site's database and file tree to a pulling destination.
Requires a shared secret; generate one with 'siteporter secret'.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

var serveAddr string

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (default 127.0.0.1:7373)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.SharedSecret == "" {
		return fmt.Errorf("no shared secret configured: run 'siteporter secret' and set SITEPORTER_SECRET")
	}

	addr := cfg.ListenAddr
	if serveAddr != "" {
		addr = serveAddr
	}

	excludes := paths.DefaultExcludes()
	excludes.PathPrefixes = append(excludes.PathPrefixes, cfg.ExcludePrefixes...)
	excludes.Extensions = append(excludes.Extensions, cfg.ExcludeExtensions...)
	excludes.Names = append(excludes.Names, cfg.ExcludeNames...)

	return daemon.Serve(daemon.Options{
		Addr:           addr,
		DBPath:         cfg.DBPath,
		SiteRoot:       cfg.SiteRoot,
		BaseURL:        cfg.BaseURL,
		TablePrefix:    cfg.TablePrefix,
		Secret:         cfg.SharedSecret,
		ChunkBytes:     cfg.ChunkBytes,
		Excludes:       excludes,
		AllowedOrigins: cfg.AllowedOrigins,
		Version:        Version,
		Log:            newLogger(cmd),
	})
}
