package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/costsentry/costsentry/internal/service/action"
	"github.com/costsentry/costsentry/internal/storage"
	"github.com/costsentry/costsentry/pkg/models"
)

// Mocks

type mockAnomalyReader struct {
	mu        sync.Mutex
	anomalies map[string]*models.Anomaly
	gotFilter storage.AnomalyFilter
}

func newMockAnomalyReader() *mockAnomalyReader {
	return &mockAnomalyReader{anomalies: make(map[string]*models.Anomaly)}
}

func (m *mockAnomalyReader) Get(ctx context.Context, id string) (*models.Anomaly, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.anomalies[id]; ok {
		return a, nil
	}
	return nil, storage.ErrNotFound
}

func (m *mockAnomalyReader) List(ctx context.Context, filter storage.AnomalyFilter) ([]*models.Anomaly, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gotFilter = filter
	var out []*models.Anomaly
	for _, a := range m.anomalies {
		if filter.Provider != "" && a.Provider != filter.Provider {
			continue
		}
		if filter.Status != "" && a.Status != filter.Status {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

type mockActionReader struct {
	mu      sync.Mutex
	actions map[string]*models.Action
}

func newMockActionReader() *mockActionReader {
	return &mockActionReader{actions: make(map[string]*models.Action)}
}

func (m *mockActionReader) Get(ctx context.Context, id string) (*models.Action, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.actions[id]; ok {
		return a, nil
	}
	return nil, storage.ErrNotFound
}

func (m *mockActionReader) List(ctx context.Context, filter storage.ActionFilter) ([]*models.Action, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Action
	for _, a := range m.actions {
		if filter.Status != "" && a.Status != filter.Status {
			continue
		}
		if filter.AnomalyID != "" && a.AnomalyID != filter.AnomalyID {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

// mockLifecycle returns scripted results and records the calls it saw
type mockLifecycle struct {
	mu        sync.Mutex
	action    *models.Action
	err       error
	approvers []string
	outcomes  []models.ActionStatus
	refs      []string
}

func (m *mockLifecycle) Approve(ctx context.Context, id, approver string) (*models.Action, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.approvers = append(m.approvers, approver)
	return m.action, m.err
}

func (m *mockLifecycle) Reject(ctx context.Context, id, approver string) (*models.Action, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.approvers = append(m.approvers, approver)
	return m.action, m.err
}

func (m *mockLifecycle) BeginExecution(ctx context.Context, id, workflowRef string) (*models.Action, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refs = append(m.refs, workflowRef)
	return m.action, m.err
}

func (m *mockLifecycle) CompleteExecution(ctx context.Context, id string, outcome models.ActionStatus) (*models.Action, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, outcome)
	return m.action, m.err
}

type mockSampleStore struct {
	mu       sync.Mutex
	appended []models.CostSample
	summary  *models.CostSummary
	gotQuery models.CostQuery
}

func (m *mockSampleStore) Append(ctx context.Context, sample *models.CostSample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appended = append(m.appended, *sample)
	return nil
}

func (m *mockSampleStore) GetSummary(ctx context.Context, query models.CostQuery) (*models.CostSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gotQuery = query
	if m.summary != nil {
		return m.summary, nil
	}
	return &models.CostSummary{}, nil
}

type testFixture struct {
	server    *Server
	anomalies *mockAnomalyReader
	actions   *mockActionReader
	lifecycle *mockLifecycle
	samples   *mockSampleStore
}

func newTestServer(t *testing.T) *testFixture {
	t.Helper()
	f := &testFixture{
		anomalies: newMockAnomalyReader(),
		actions:   newMockActionReader(),
		lifecycle: &mockLifecycle{},
		samples:   &mockSampleStore{},
	}
	f.server = New(f.anomalies, f.actions, f.lifecycle, f.samples)
	f.server.SetReady(true)
	return f
}

func (f *testFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.server.Router().ServeHTTP(w, req)
	return w
}

// Tests

func TestHealth_ReadyAndNot(t *testing.T) {
	f := newTestServer(t)

	w := f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	f.server.SetReady(false)
	w = f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = f.do(t, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHealth_ReportsComponentStatus(t *testing.T) {
	f := &testFixture{
		anomalies: newMockAnomalyReader(),
		actions:   newMockActionReader(),
		lifecycle: &mockLifecycle{},
		samples:   &mockSampleStore{},
	}
	f.server = New(f.anomalies, f.actions, f.lifecycle, f.samples,
		WithStatusCheck("poller", func() bool { return true }),
		WithStatusCheck("lifecycle", func() bool { return false }))
	f.server.SetReady(true)

	w := f.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "running", resp.Services["poller"])
	assert.Equal(t, "stopped", resp.Services["lifecycle"])
}

func TestRequestID_EchoedAndGenerated(t *testing.T) {
	f := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "req-abc.123")
	w := httptest.NewRecorder()
	f.server.Router().ServeHTTP(w, req)
	assert.Equal(t, "req-abc.123", w.Header().Get("X-Request-ID"))

	// Invalid IDs are replaced with a generated one
	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "bad id with spaces")
	w = httptest.NewRecorder()
	f.server.Router().ServeHTTP(w, req)
	got := w.Header().Get("X-Request-ID")
	assert.NotEmpty(t, got)
	assert.NotEqual(t, "bad id with spaces", got)
}

func TestListAnomalies_Filters(t *testing.T) {
	f := newTestServer(t)
	f.anomalies.anomalies["a1"] = &models.Anomaly{
		ID: "a1", Provider: "aws", Service: "ec2", Status: models.AnomalyOpen,
	}
	f.anomalies.anomalies["a2"] = &models.Anomaly{
		ID: "a2", Provider: "gcp", Service: "bigquery-job", Status: models.AnomalyResolved,
	}

	w := f.do(t, http.MethodGet, "/api/v1/anomalies?provider=aws&status=open&limit=10", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Anomalies []models.Anomaly `json:"anomalies"`
		Count     int              `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.Count)
	assert.Equal(t, "a1", resp.Anomalies[0].ID)
	assert.Equal(t, 10, f.anomalies.gotFilter.Limit)
}

func TestListAnomalies_InvalidParams(t *testing.T) {
	f := newTestServer(t)

	w := f.do(t, http.MethodGet, "/api/v1/anomalies?status=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodGet, "/api/v1/anomalies?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodGet, "/api/v1/anomalies?limit=-1", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetAnomaly_NotFound(t *testing.T) {
	f := newTestServer(t)

	w := f.do(t, http.MethodGet, "/api/v1/anomalies/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.RequestID)
}

func TestListActions_InvalidStatus(t *testing.T) {
	f := newTestServer(t)
	w := f.do(t, http.MethodGet, "/api/v1/actions?status=sideways", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestApproveAction(t *testing.T) {
	f := newTestServer(t)
	f.lifecycle.action = &models.Action{
		ID:       "action-001",
		Status:   models.ActionApproved,
		Approver: "alice@example.com",
	}

	w := f.do(t, http.MethodPost, "/api/v1/actions/action-001/approve",
		DecisionRequest{Approver: "alice@example.com"})
	require.Equal(t, http.StatusOK, w.Code)

	var got models.Action
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, models.ActionApproved, got.Status)
	assert.Equal(t, []string{"alice@example.com"}, f.lifecycle.approvers)
}

func TestApproveAction_MissingApprover(t *testing.T) {
	f := newTestServer(t)

	w := f.do(t, http.MethodPost, "/api/v1/actions/action-001/approve", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, f.lifecycle.approvers)
}

func TestApproveAction_ErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
	}{
		{"not found", &action.ActionNotFoundError{ID: "action-001"}, http.StatusNotFound},
		{"invalid transition", &action.InvalidTransitionError{
			ActionID: "action-001", From: models.ActionRejected, Event: "approve",
		}, http.StatusConflict},
		{"internal", fmt.Errorf("db went away"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newTestServer(t)
			f.lifecycle.err = tt.err

			w := f.do(t, http.MethodPost, "/api/v1/actions/action-001/approve",
				DecisionRequest{Approver: "alice@example.com"})
			assert.Equal(t, tt.wantCode, w.Code)
		})
	}
}

func TestRejectAction(t *testing.T) {
	f := newTestServer(t)
	f.lifecycle.action = &models.Action{ID: "action-001", Status: models.ActionRejected}

	w := f.do(t, http.MethodPost, "/api/v1/actions/action-001/reject",
		DecisionRequest{Approver: "bob@example.com"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"bob@example.com"}, f.lifecycle.approvers)
}

func TestExecutionStarted(t *testing.T) {
	f := newTestServer(t)
	f.lifecycle.action = &models.Action{
		ID:                  "action-001",
		Status:              models.ActionExecuting,
		ExternalWorkflowRef: "wf-42",
	}

	w := f.do(t, http.MethodPost, "/api/v1/callbacks/execution-started",
		ExecutionStartedRequest{ActionID: "action-001", WorkflowRef: "wf-42"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"wf-42"}, f.lifecycle.refs)

	// Missing workflow_ref is rejected before touching the lifecycle
	w = f.do(t, http.MethodPost, "/api/v1/callbacks/execution-started",
		map[string]string{"action_id": "action-001"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Len(t, f.lifecycle.refs, 1)
}

func TestExecutionCallback_Applied(t *testing.T) {
	f := newTestServer(t)
	f.lifecycle.action = &models.Action{ID: "action-001", Status: models.ActionExecuted}

	w := f.do(t, http.MethodPost, "/api/v1/callbacks/execution", map[string]string{
		"event":     "execution_complete",
		"action_id": "action-001",
		"status":    "executed",
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []models.ActionStatus{models.ActionExecuted}, f.lifecycle.outcomes)
}

func TestExecutionCallback_BadPayload(t *testing.T) {
	tests := []struct {
		name string
		body map[string]string
	}{
		{"wrong event", map[string]string{
			"event": "something_else", "action_id": "a", "status": "executed",
		}},
		{"bad status", map[string]string{
			"event": "execution_complete", "action_id": "a", "status": "done",
		}},
		{"missing action_id", map[string]string{
			"event": "execution_complete", "status": "executed",
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newTestServer(t)
			w := f.do(t, http.MethodPost, "/api/v1/callbacks/execution", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Empty(t, f.lifecycle.outcomes)
		})
	}
}

func TestExecutionCallback_UnknownAction(t *testing.T) {
	f := newTestServer(t)
	f.lifecycle.err = &action.ActionNotFoundError{ID: "ghost"}

	w := f.do(t, http.MethodPost, "/api/v1/callbacks/execution", map[string]string{
		"event":     "execution_complete",
		"action_id": "ghost",
		"status":    "executed",
	})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestExecutionCallback_ConflictingOutcome(t *testing.T) {
	f := newTestServer(t)
	f.lifecycle.err = fmt.Errorf("action action-001 already executed: %w",
		action.ErrConflictingCompletion)

	w := f.do(t, http.MethodPost, "/api/v1/callbacks/execution", map[string]string{
		"event":     "execution_complete",
		"action_id": "action-001",
		"status":    "failed",
	})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestGetCostSummary(t *testing.T) {
	f := newTestServer(t)
	f.samples.summary = &models.CostSummary{
		TotalCost:   120.5,
		SampleCount: 3,
		ByProvider:  map[string]float64{"aws": 120.5},
	}

	w := f.do(t, http.MethodGet,
		"/api/v1/costs/summary?provider=aws&start=2026-08-01T00:00:00Z&end=2026-08-08T00:00:00Z", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var got models.CostSummary
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.InDelta(t, 120.5, got.TotalCost, 0.001)

	assert.Equal(t, "aws", f.samples.gotQuery.Provider)
	assert.Equal(t, time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC), f.samples.gotQuery.StartTime)
}

func TestGetCostSummary_InvalidTime(t *testing.T) {
	f := newTestServer(t)
	w := f.do(t, http.MethodGet, "/api/v1/costs/summary?start=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestIngestSample(t *testing.T) {
	f := newTestServer(t)

	w := f.do(t, http.MethodPost, "/api/v1/samples", IngestSampleRequest{
		Provider:  "aws",
		Service:   "ec2",
		Timestamp: time.Date(2026, 8, 10, 11, 0, 0, 0, time.UTC),
		Cost:      42.5,
	})
	require.Equal(t, http.StatusCreated, w.Code)
	require.Len(t, f.samples.appended, 1)
	assert.Equal(t, "aws", f.samples.appended[0].Provider)
	assert.InDelta(t, 42.5, f.samples.appended[0].Cost, 0.001)
}

func TestIngestSample_Invalid(t *testing.T) {
	f := newTestServer(t)

	// Negative cost fails domain validation after binding succeeds
	w := f.do(t, http.MethodPost, "/api/v1/samples", IngestSampleRequest{
		Provider:  "aws",
		Service:   "ec2",
		Timestamp: time.Date(2026, 8, 10, 11, 0, 0, 0, time.UTC),
		Cost:      -1,
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, f.samples.appended)

	// Missing provider fails binding
	w = f.do(t, http.MethodPost, "/api/v1/samples", map[string]any{
		"service": "ec2", "timestamp": "2026-08-10T11:00:00Z", "cost": 1,
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newTestServer(t)

	// Prime the request counters so the vec has children to expose
	f.do(t, http.MethodGet, "/health", nil)

	w := f.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "http_requests_total")
}
