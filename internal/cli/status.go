package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/lherron/siteporter/internal/session"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show migration session progress",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

var statusJSON bool

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Output as JSON")
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	store := session.NewStore(cfg.StatePath)
	sess, err := store.Load()
	if err != nil {
		if errors.Is(err, session.ErrNoSession) {
			fmt.Println("no migration session")
			return nil
		}
		return err
	}

	if statusJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(sess)
	}

	fmt.Printf("session:  %s\n", sess.ID)
	fmt.Printf("phase:    %s\n", sess.EffectivePhase())
	fmt.Printf("source:   %s\n", sess.SourceURL)
	fmt.Printf("started:  %s (%s)\n", sess.StartedAt.Format("2006-01-02 15:04:05"), humanize.Time(sess.StartedAt))
	if !sess.UpdatedAt.IsZero() {
		fmt.Printf("updated:  %s\n", humanize.Time(sess.UpdatedAt))
	}
	if sess.LastError != "" {
		fmt.Printf("error:    %s\n", sess.LastError)
	}

	if len(sess.Tables) > 0 {
		fmt.Printf("database: table %d/%d, %s rows\n",
			sess.DatabaseCursor.TableIndex, len(sess.Tables),
			humanize.Comma(sess.Stats.RowsTransferred))
	}
	fmt.Printf("files:    %s transferred, %s\n",
		humanize.Comma(sess.Stats.FilesTransferred),
		humanize.Bytes(uint64(sess.Stats.BytesTransferred)))
	if sess.Stats.RetryCount > 0 {
		fmt.Printf("retries:  %d\n", sess.Stats.RetryCount)
	}

	if n := len(sess.Stats.Errors); n > 0 {
		fmt.Printf("unit errors: %d\n", n)
		start := n - 5
		if start < 0 {
			start = 0
		}
		for _, e := range sess.Stats.Errors[start:] {
			fmt.Printf("  %s  %s: %s\n", e.At.Format("15:04:05"), e.Subject, e.Message)
		}
	}
	return nil
}
