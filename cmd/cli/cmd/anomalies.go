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
	anomaliesProvider string
	anomaliesStatus   string
	anomaliesLimit    int
)

var anomaliesCmd = &cobra.Command{
	Use:   "anomalies",
	Short: "List and inspect cost anomalies",
	Long:  `List and inspect detected cost anomalies.`,
}

var anomaliesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List anomalies",
	RunE:  runAnomaliesList,
}

var anomaliesGetCmd = &cobra.Command{
	Use:   "get [anomaly-id]",
	Short: "Get anomaly details",
	Args:  cobra.ExactArgs(1),
	RunE:  runAnomaliesGet,
}

func init() {
	rootCmd.AddCommand(anomaliesCmd)

	anomaliesCmd.AddCommand(anomaliesListCmd)
	anomaliesCmd.AddCommand(anomaliesGetCmd)

	anomaliesListCmd.Flags().StringVarP(&anomaliesProvider, "provider", "p", "", "Filter by provider")
	anomaliesListCmd.Flags().StringVarP(&anomaliesStatus, "status", "s", "", "Filter by status (open, resolved)")
	anomaliesListCmd.Flags().IntVarP(&anomaliesLimit, "limit", "n", 0, "Maximum number of results")
}

func runAnomaliesList(cmd *cobra.Command, args []string) error {
	params := url.Values{}
	if anomaliesProvider != "" {
		params.Set("provider", anomaliesProvider)
	}
	if anomaliesStatus != "" {
		params.Set("status", anomaliesStatus)
	}
	if anomaliesLimit > 0 {
		params.Set("limit", fmt.Sprintf("%d", anomaliesLimit))
	}

	reqURL := fmt.Sprintf("%s/api/v1/anomalies", serverURL)
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

	var result struct {
		Anomalies []Anomaly `json:"anomalies"`
		Count     int       `json:"count"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	if outputFormat == "json" {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(result)
	}

	if len(result.Anomalies) == 0 {
		fmt.Println("No anomalies found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPROVIDER\tSERVICE\tSEVERITY\tOBSERVED\tEXPECTED\tDEVIATION\tSTATUS")
	fmt.Fprintln(w, "--\t--------\t-------\t--------\t--------\t--------\t---------\t------")

	for _, a := range result.Anomalies {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t$%.2f\t$%.2f\t%.0f%%\t%s\n",
			a.ID,
			a.Provider,
			a.Service,
			a.Severity,
			a.ObservedCost,
			a.ExpectedCost,
			a.DeviationPercent,
			a.Status,
		)
	}
	w.Flush()

	fmt.Printf("\nTotal: %d anomalies\n", result.Count)
	return nil
}

func runAnomaliesGet(cmd *cobra.Command, args []string) error {
	anomalyID := args[0]

	reqURL := fmt.Sprintf("%s/api/v1/anomalies/%s", serverURL, anomalyID)
	resp, err := http.Get(reqURL)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("anomaly not found: %s", anomalyID)
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server error: %s", string(body))
	}

	var a Anomaly
	if err := json.NewDecoder(resp.Body).Decode(&a); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	if outputFormat == "json" {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(a)
	}

	fmt.Printf("Anomaly ID:     %s\n", a.ID)
	fmt.Printf("Provider:       %s\n", a.Provider)
	fmt.Printf("Service:        %s\n", a.Service)
	fmt.Printf("Severity:       %s\n", a.Severity)
	fmt.Printf("Status:         %s\n", a.Status)
	fmt.Printf("Observed Cost:  $%.2f/day\n", a.ObservedCost)
	fmt.Printf("Expected Cost:  $%.2f/day\n", a.ExpectedCost)
	fmt.Printf("Deviation:      %.1f%%\n", a.DeviationPercent)
	fmt.Printf("Detected At:    %s\n", a.DetectedAt)

	if a.ResolvedAt != "" {
		fmt.Printf("Resolved At:    %s\n", a.ResolvedAt)
	}
	if a.Description != "" {
		fmt.Printf("\n%s\n", a.Description)
	}

	return nil
}
