package cmd

import (
	"bytes"
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
	actionsStatus    string
	actionsAnomalyID string
	actionsLimit     int
	decisionApprover string
)

var actionsCmd = &cobra.Command{
	Use:   "actions",
	Short: "List and review optimization actions",
	Long:  `List proposed optimization actions and record approval decisions.`,
}

var actionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List actions",
	RunE:  runActionsList,
}

var actionsGetCmd = &cobra.Command{
	Use:   "get [action-id]",
	Short: "Get action details",
	Args:  cobra.ExactArgs(1),
	RunE:  runActionsGet,
}

var actionsApproveCmd = &cobra.Command{
	Use:   "approve [action-id]",
	Short: "Approve a pending action",
	Args:  cobra.ExactArgs(1),
	RunE:  runActionsApprove,
}

var actionsRejectCmd = &cobra.Command{
	Use:   "reject [action-id]",
	Short: "Reject a pending action",
	Args:  cobra.ExactArgs(1),
	RunE:  runActionsReject,
}

func init() {
	rootCmd.AddCommand(actionsCmd)

	actionsCmd.AddCommand(actionsListCmd)
	actionsCmd.AddCommand(actionsGetCmd)
	actionsCmd.AddCommand(actionsApproveCmd)
	actionsCmd.AddCommand(actionsRejectCmd)

	actionsListCmd.Flags().StringVarP(&actionsStatus, "status", "s", "", "Filter by status")
	actionsListCmd.Flags().StringVarP(&actionsAnomalyID, "anomaly", "a", "", "Filter by anomaly ID")
	actionsListCmd.Flags().IntVarP(&actionsLimit, "limit", "n", 0, "Maximum number of results")

	actionsApproveCmd.Flags().StringVar(&decisionApprover, "approver", "", "Approver identity (required)")
	actionsRejectCmd.Flags().StringVar(&decisionApprover, "approver", "", "Approver identity (required)")
}

func runActionsList(cmd *cobra.Command, args []string) error {
	params := url.Values{}
	if actionsStatus != "" {
		params.Set("status", actionsStatus)
	}
	if actionsAnomalyID != "" {
		params.Set("anomaly_id", actionsAnomalyID)
	}
	if actionsLimit > 0 {
		params.Set("limit", fmt.Sprintf("%d", actionsLimit))
	}

	reqURL := fmt.Sprintf("%s/api/v1/actions", serverURL)
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
		Actions []Action `json:"actions"`
		Count   int      `json:"count"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	if outputFormat == "json" {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(result)
	}

	if len(result.Actions) == 0 {
		fmt.Println("No actions found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTYPE\tSTATUS\tRISK\tSAVINGS/DAY\tAPPROVER")
	fmt.Fprintln(w, "--\t----\t------\t----\t-----------\t--------")

	for _, a := range result.Actions {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t$%.2f\t%s\n",
			a.ID,
			a.ActionType,
			a.Status,
			a.RiskLevel,
			a.EstimatedSavings,
			a.Approver,
		)
	}
	w.Flush()

	fmt.Printf("\nTotal: %d actions\n", result.Count)
	return nil
}

func runActionsGet(cmd *cobra.Command, args []string) error {
	actionID := args[0]

	reqURL := fmt.Sprintf("%s/api/v1/actions/%s", serverURL, actionID)
	resp, err := http.Get(reqURL)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("action not found: %s", actionID)
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server error: %s", string(body))
	}

	var a Action
	if err := json.NewDecoder(resp.Body).Decode(&a); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	if outputFormat == "json" {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(a)
	}

	fmt.Printf("Action ID:      %s\n", a.ID)
	fmt.Printf("Anomaly ID:     %s\n", a.AnomalyID)
	fmt.Printf("Type:           %s\n", a.ActionType)
	fmt.Printf("Status:         %s\n", a.Status)
	fmt.Printf("Risk Level:     %s\n", a.RiskLevel)
	fmt.Printf("Est. Savings:   $%.2f/day\n", a.EstimatedSavings)
	fmt.Printf("Auto-Approved:  %t\n", a.AutoApproved)
	fmt.Printf("Created At:     %s\n", a.CreatedAt)

	if a.Approver != "" {
		fmt.Printf("Approver:       %s\n", a.Approver)
	}
	if a.ExternalWorkflowRef != "" {
		fmt.Printf("Workflow Ref:   %s\n", a.ExternalWorkflowRef)
	}
	if a.FailureReason != "" {
		fmt.Printf("Failure:        %s\n", a.FailureReason)
	}
	if a.Description != "" {
		fmt.Printf("\n%s\n", a.Description)
	}

	return nil
}

func runActionsApprove(cmd *cobra.Command, args []string) error {
	return postDecision(args[0], "approve")
}

func runActionsReject(cmd *cobra.Command, args []string) error {
	return postDecision(args[0], "reject")
}

func postDecision(actionID, decision string) error {
	if decisionApprover == "" {
		return fmt.Errorf("--approver is required")
	}

	jsonBody, _ := json.Marshal(map[string]string{"approver": decisionApprover})

	reqURL := fmt.Sprintf("%s/api/v1/actions/%s/%s", serverURL, actionID, decision)
	resp, err := http.Post(reqURL, "application/json", bytes.NewReader(jsonBody))
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return fmt.Errorf("action not found: %s", actionID)
	case http.StatusConflict:
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("decision rejected: %s", string(body))
	default:
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server error: %s", string(body))
	}

	var a Action
	if err := json.NewDecoder(resp.Body).Decode(&a); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	fmt.Printf("Action %s is now %s (decision by %s).\n", a.ID, a.Status, decisionApprover)
	return nil
}
