package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	serverURL    string
	outputFormat string
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "costsentry",
	Short: "CostSentry CLI - cloud cost anomaly monitoring",
	Long: `CostSentry watches normalized cloud and LLM billing feeds, flags
cost anomalies against a rolling baseline, and tracks the optimization
actions proposed for them.

This CLI tool allows you to:
- Browse detected anomalies and their severity
- Review, approve, and reject proposed optimization actions
- Inspect aggregated spend by provider and service`,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", getEnvOrDefault("COSTSENTRY_URL", "http://localhost:8080"), "CostSentry server URL")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "Output format (table, json)")
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
