package cmd

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// captureStdout runs fn and returns what it wrote to stdout
func captureStdout(t *testing.T, fn func() error) (string, error) {
	t.Helper()

	old := os.Stdout
	r, w, err := os.Pipe()
	require.NoError(t, err)
	os.Stdout = w

	runErr := fn()

	w.Close()
	os.Stdout = old

	out, err := io.ReadAll(r)
	require.NoError(t, err)
	return string(out), runErr
}

// resetFlags restores the package-level flag state between tests
func resetFlags() {
	outputFormat = "table"
	anomaliesProvider = ""
	anomaliesStatus = ""
	anomaliesLimit = 0
	actionsStatus = ""
	actionsAnomalyID = ""
	actionsLimit = 0
	decisionApprover = ""
	costsProvider = ""
	costsService = ""
	costsStart = ""
	costsEnd = ""
}

func TestAnomaliesList_Table(t *testing.T) {
	resetFlags()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/anomalies", r.URL.Path)
		assert.Equal(t, "gcp", r.URL.Query().Get("provider"))
		assert.Equal(t, "open", r.URL.Query().Get("status"))

		json.NewEncoder(w).Encode(map[string]any{
			"anomalies": []Anomaly{{
				ID:               "anomaly-1",
				Provider:         "gcp",
				Service:          "bigquery-job",
				Severity:         "critical",
				ObservedCost:     350,
				ExpectedCost:     100,
				DeviationPercent: 250,
				Status:           "open",
			}},
			"count": 1,
		})
	}))
	defer server.Close()

	serverURL = server.URL
	anomaliesProvider = "gcp"
	anomaliesStatus = "open"

	out, err := captureStdout(t, func() error {
		return runAnomaliesList(anomaliesListCmd, nil)
	})
	require.NoError(t, err)

	assert.Contains(t, out, "anomaly-1")
	assert.Contains(t, out, "bigquery-job")
	assert.Contains(t, out, "critical")
	assert.Contains(t, out, "250%")
	assert.Contains(t, out, "Total: 1 anomalies")
}

func TestAnomaliesList_Empty(t *testing.T) {
	resetFlags()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"anomalies": []Anomaly{}, "count": 0})
	}))
	defer server.Close()

	serverURL = server.URL
	out, err := captureStdout(t, func() error {
		return runAnomaliesList(anomaliesListCmd, nil)
	})
	require.NoError(t, err)
	assert.Contains(t, out, "No anomalies found.")
}

func TestAnomaliesGet_NotFound(t *testing.T) {
	resetFlags()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	serverURL = server.URL
	_, err := captureStdout(t, func() error {
		return runAnomaliesGet(anomaliesGetCmd, []string{"missing"})
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "anomaly not found")
}

func TestActionsList_JSONOutput(t *testing.T) {
	resetFlags()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"actions": []Action{{
				ID:               "action-1",
				ActionType:       "scale_down",
				Status:           "pending_approval",
				RiskLevel:        "high",
				EstimatedSavings: 125,
			}},
			"count": 1,
		})
	}))
	defer server.Close()

	serverURL = server.URL
	outputFormat = "json"

	out, err := captureStdout(t, func() error {
		return runActionsList(actionsListCmd, nil)
	})
	require.NoError(t, err)

	var decoded struct {
		Actions []Action `json:"actions"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &decoded))
	require.Len(t, decoded.Actions, 1)
	assert.Equal(t, "scale_down", decoded.Actions[0].ActionType)
}

func TestActionsApprove(t *testing.T) {
	resetFlags()

	var gotBody map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/actions/action-1/approve", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		json.NewDecoder(r.Body).Decode(&gotBody)

		json.NewEncoder(w).Encode(Action{
			ID:       "action-1",
			Status:   "approved",
			Approver: "alice@example.com",
		})
	}))
	defer server.Close()

	serverURL = server.URL
	decisionApprover = "alice@example.com"

	out, err := captureStdout(t, func() error {
		return runActionsApprove(actionsApproveCmd, []string{"action-1"})
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"approver": "alice@example.com"}, gotBody)
	assert.Contains(t, out, "approved")
}

func TestActionsApprove_RequiresApprover(t *testing.T) {
	resetFlags()

	_, err := captureStdout(t, func() error {
		return runActionsApprove(actionsApproveCmd, []string{"action-1"})
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--approver is required")
}

func TestActionsReject_Conflict(t *testing.T) {
	resetFlags()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]string{
			"error": "invalid transition: cannot reject action action-1 in status executed",
		})
	}))
	defer server.Close()

	serverURL = server.URL
	decisionApprover = "bob@example.com"

	_, err := captureStdout(t, func() error {
		return runActionsReject(actionsRejectCmd, []string{"action-1"})
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decision rejected")
}

func TestCostsSummary_Table(t *testing.T) {
	resetFlags()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/costs/summary", r.URL.Path)
		assert.Equal(t, "aws", r.URL.Query().Get("provider"))

		json.NewEncoder(w).Encode(CostSummary{
			TotalCost:   420.5,
			SampleCount: 12,
			ByProvider:  map[string]float64{"aws": 420.5},
			ByService:   map[string]float64{"ec2": 400, "s3": 20.5},
		})
	}))
	defer server.Close()

	serverURL = server.URL
	costsProvider = "aws"

	out, err := captureStdout(t, func() error {
		return runCostsSummary(costsSummaryCmd, nil)
	})
	require.NoError(t, err)

	assert.Contains(t, out, "$420.50")
	assert.Contains(t, out, "Samples:       12")
	assert.Contains(t, out, "ec2")
	assert.NotContains(t, out, "0001-01-01")
}

func TestServerUnreachable(t *testing.T) {
	resetFlags()
	serverURL = "http://127.0.0.1:1"

	_, err := captureStdout(t, func() error {
		return runAnomaliesList(anomaliesListCmd, nil)
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect")
}
