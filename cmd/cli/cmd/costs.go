package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var (
	costsProvider string
	costsService  string
	costsStart    string
	costsEnd      string
)

var costsCmd = &cobra.Command{
	Use:   "costs",
	Short: "View cost information",
	Long:  `View aggregated spend across providers and services.`,
}

var costsSummaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "View cost summary",
	RunE:  runCostsSummary,
}

func init() {
	rootCmd.AddCommand(costsCmd)
	costsCmd.AddCommand(costsSummaryCmd)

	costsSummaryCmd.Flags().StringVarP(&costsProvider, "provider", "p", "", "Filter by provider")
	costsSummaryCmd.Flags().StringVarP(&costsService, "service", "s", "", "Filter by service")
	costsSummaryCmd.Flags().StringVar(&costsStart, "start", "", "Period start (RFC3339)")
	costsSummaryCmd.Flags().StringVar(&costsEnd, "end", "", "Period end (RFC3339)")
}

func runCostsSummary(cmd *cobra.Command, args []string) error {
	params := url.Values{}
	if costsProvider != "" {
		params.Set("provider", costsProvider)
	}
	if costsService != "" {
		params.Set("service", costsService)
	}
	if costsStart != "" {
		params.Set("start", costsStart)
	}
	if costsEnd != "" {
		params.Set("end", costsEnd)
	}

	reqURL := fmt.Sprintf("%s/api/v1/costs/summary", serverURL)
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	resp, err := http.Get(reqURL)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server error: %s", string(body))
	}

	var summary CostSummary
	if err := json.NewDecoder(resp.Body).Decode(&summary); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	if outputFormat == "json" {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(summary)
	}

	printCostSummary(summary)
	return nil
}

func printCostSummary(summary CostSummary) {
	fmt.Println("Cost Summary")
	fmt.Println("============")
	fmt.Println()

	fmt.Printf("Total Cost:    $%.2f\n", summary.TotalCost)
	fmt.Printf("Samples:       %d\n", summary.SampleCount)

	if !isZeroTime(summary.PeriodStart) && !isZeroTime(summary.PeriodEnd) {
		fmt.Printf("Period:        %s to %s\n", summary.PeriodStart, summary.PeriodEnd)
	}

	if len(summary.ByProvider) > 0 {
		fmt.Println("\nBy Provider:")
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		for provider, cost := range summary.ByProvider {
			fmt.Fprintf(w, "  %s\t$%.2f\n", provider, cost)
		}
		w.Flush()
	}

	if len(summary.ByService) > 0 {
		fmt.Println("\nBy Service:")
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		for service, cost := range summary.ByService {
			fmt.Fprintf(w, "  %s\t$%.2f\n", service, cost)
		}
		w.Flush()
	}
}
