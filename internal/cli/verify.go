package cli

import (
	"errors"
	"fmt"

	"github.com/pmezard/go-difflib/difflib"
	"github.com/spf13/cobra"

	"github.com/lherron/siteporter/internal/config"
	"github.com/lherron/siteporter/internal/db"
	"github.com/lherron/siteporter/internal/session"
	"github.com/lherron/siteporter/internal/source"
	"github.com/lherron/siteporter/internal/transfer"
)

var verifyCmd = &cobra.Command{
	Use:   "verify [connection]",
	Short: "Compare source and destination tables after a migration",
	Long: `Fetches the source's table list and compares row counts and schema
text against the destination, accounting for the table prefix translation.
With no argument the saved session's source connection is used.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runVerify,
}

func init() {
	rootCmd.AddCommand(verifyCmd)
}

func runVerify(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	// Opening an empty path would hand sqlite a private scratch database
	// and report every table missing.
	if cfg.DBPath == "" {
		return fmt.Errorf("destination database path required (set SITEPORTER_DB_PATH or --db)")
	}
	log := newLogger(cmd)

	var sourceURL, secret, prefixSource string
	if len(args) == 1 {
		sourceURL, secret, err = config.ParseConnection(args[0])
		if err != nil {
			return err
		}
	} else {
		sess, err := session.NewStore(cfg.StatePath).Load()
		if err != nil {
			if errors.Is(err, session.ErrNoSession) {
				return fmt.Errorf("no session found; pass a connection string")
			}
			return err
		}
		sourceURL, secret, prefixSource = sess.SourceURL, sess.SourceSecret, sess.PrefixSource
	}

	client := source.New(sourceURL, secret, log)
	ctx := cmd.Context()

	info, err := client.Handshake(ctx)
	if err != nil {
		return fmt.Errorf("handshake failed: %w", err)
	}
	if prefixSource == "" {
		prefixSource = info.TablePrefix
	}

	database, err := db.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open destination database: %w", err)
	}
	defer database.Close()

	tables, err := client.Tables(ctx)
	if err != nil {
		return fmt.Errorf("failed to list source tables: %w", err)
	}

	mismatches := 0
	for _, t := range tables {
		destName := transfer.TranslateTableName(t.SourceName, prefixSource, cfg.TablePrefix)

		exists, err := database.TableExists(destName)
		if err != nil {
			return err
		}
		if !exists {
			fmt.Printf("MISSING  %s (expected %s)\n", t.SourceName, destName)
			mismatches++
			continue
		}

		var destCount int64
		if err := database.QueryRow("SELECT COUNT(*) FROM " + db.QuoteIdent(destName)).Scan(&destCount); err != nil {
			return fmt.Errorf("failed to count %s: %w", destName, err)
		}
		if destCount != t.RowCount {
			fmt.Printf("COUNT    %s: source %d, destination %d\n", destName, t.RowCount, destCount)
			mismatches++
		}

		srcSchema, err := client.SchemaSQL(ctx, t.SourceName)
		if err != nil {
			return fmt.Errorf("failed to fetch schema for %s: %w", t.SourceName, err)
		}
		destSchema, err := database.SchemaSQL(destName)
		if err != nil {
			return fmt.Errorf("failed to read schema for %s: %w", destName, err)
		}

		want := transfer.RewriteSchema(srcSchema, prefixSource, cfg.TablePrefix)
		if want != destSchema {
			diff, _ := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
				A:        difflib.SplitLines(want),
				B:        difflib.SplitLines(destSchema),
				FromFile: "source/" + t.SourceName,
				ToFile:   "dest/" + destName,
				Context:  2,
			})
			fmt.Printf("SCHEMA   %s\n%s", destName, diff)
			mismatches++
		}
	}

	if mismatches > 0 {
		return fmt.Errorf("%d mismatch(es) across %d tables", mismatches, len(tables))
	}
	fmt.Printf("ok: %d tables match\n", len(tables))
	return nil
}
