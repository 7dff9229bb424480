package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lherron/siteporter/internal/config"
)

var secretCmd = &cobra.Command{
	Use:   "secret",
	Short: "Generate a shared secret and connection string",
	Long: `Generates a fresh shared secret. Run on the source: set the secret in
SITEPORTER_SECRET for 'siteporter serve' and hand the printed connection
string to the destination operator.`,
	Args: cobra.NoArgs,
	RunE: runSecret,
}

var secretURL string

func init() {
	rootCmd.AddCommand(secretCmd)
	secretCmd.Flags().StringVar(&secretURL, "url", "", "Public URL the destination will reach this source at")
}

func runSecret(cmd *cobra.Command, args []string) error {
	secret, err := config.GenerateSecret()
	if err != nil {
		return err
	}

	fmt.Printf("secret: %s\n", secret)

	url := secretURL
	if url == "" {
		cfg, err := loadConfig(cmd)
		if err == nil && cfg.BaseURL != "" {
			url = cfg.BaseURL
		}
	}
	if url != "" {
		fmt.Printf("connection: %s\n", config.FormatConnection(url, secret))
	} else {
		fmt.Println("pass --url to also print the full connection string")
	}
	return nil
}
