package action

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/costsentry/costsentry/internal/storage"
	"github.com/costsentry/costsentry/pkg/models"
)

// mockStore is an in-memory Store with the same conditional transition
// semantics as the sqlite store
type mockStore struct {
	mu      sync.Mutex
	actions map[string]models.Action
	nextID  int
}

func newMockStore() *mockStore {
	return &mockStore{actions: make(map[string]models.Action)}
}

func (s *mockStore) Create(ctx context.Context, action *models.Action) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if action.ID == "" {
		s.nextID++
		action.ID = fmt.Sprintf("action-%03d", s.nextID)
	}
	s.actions[action.ID] = *action
	return nil
}

func (s *mockStore) Get(ctx context.Context, id string) (*models.Action, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.actions[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	copied := a
	return &copied, nil
}

func (s *mockStore) Transition(ctx context.Context, action *models.Action, fromStatus models.ActionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.actions[action.ID]
	if !ok {
		return storage.ErrNotFound
	}
	if current.Status != fromStatus {
		return storage.ErrStatusConflict
	}
	s.actions[action.ID] = *action
	return nil
}

func (s *mockStore) GetStale(ctx context.Context, status models.ActionStatus, cutoff time.Time) ([]*models.Action, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var stale []*models.Action
	for _, a := range s.actions {
		if a.Status == status && a.UpdatedAt.Before(cutoff) {
			copied := a
			stale = append(stale, &copied)
		}
	}
	return stale, nil
}

// mockNotifier counts deliveries and can fail them
type mockNotifier struct {
	mu    sync.Mutex
	sent  []string
	fail  bool
	delay time.Duration
}

func (n *mockNotifier) NotifyApproved(ctx context.Context, action *models.Action) error {
	if n.delay > 0 {
		time.Sleep(n.delay)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fail {
		return errors.New("orchestrator unreachable")
	}
	n.sent = append(n.sent, action.ID)
	return nil
}

func (n *mockNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

// mockHandler records terminal actions
type mockHandler struct {
	mu       sync.Mutex
	terminal []*models.Action
}

func (h *mockHandler) OnActionTerminal(action *models.Action) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.terminal = append(h.terminal, action)
}

func (h *mockHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.terminal)
}

func candidate(autoApproved bool) *models.Action {
	return &models.Action{
		AnomalyID:        "anomaly-001",
		ActionType:       models.ActionScaleDown,
		EstimatedSavings: 50,
		RiskLevel:        models.RiskMedium,
		RequiresApproval: !autoApproved,
		AutoApproved:     autoApproved,
	}
}

func TestEngine_Propose_RequiresApproval(t *testing.T) {
	store := newMockStore()
	notifier := &mockNotifier{}
	e := NewEngine(store, WithNotifier(notifier))

	a, err := e.Propose(context.Background(), candidate(false))
	require.NoError(t, err)

	assert.Equal(t, models.ActionPendingApproval, a.Status)
	assert.Empty(t, a.Approver)
	assert.Zero(t, notifier.count(), "no notification before approval")
}

func TestEngine_Propose_AutoApproved(t *testing.T) {
	store := newMockStore()
	notifier := &mockNotifier{}
	e := NewEngine(store, WithNotifier(notifier))

	a, err := e.Propose(context.Background(), candidate(true))
	require.NoError(t, err)

	assert.Equal(t, models.ActionApproved, a.Status)
	assert.Equal(t, AutoApprover, a.Approver)
	assert.False(t, a.ApprovedAt.IsZero())

	// Auto-approval triggers the same notification as a human approval
	require.Eventually(t, func() bool { return notifier.count() == 1 },
		time.Second, 10*time.Millisecond)
}

func TestEngine_Approve(t *testing.T) {
	store := newMockStore()
	notifier := &mockNotifier{}
	e := NewEngine(store, WithNotifier(notifier))
	ctx := context.Background()

	a, err := e.Propose(ctx, candidate(false))
	require.NoError(t, err)

	approved, err := e.Approve(ctx, a.ID, "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, models.ActionApproved, approved.Status)
	assert.Equal(t, "alice@example.com", approved.Approver)
	assert.False(t, approved.ApprovedAt.IsZero())

	require.Eventually(t, func() bool { return notifier.count() == 1 },
		time.Second, 10*time.Millisecond)
}

func TestEngine_Approve_IdempotentSingleNotification(t *testing.T) {
	store := newMockStore()
	notifier := &mockNotifier{}
	e := NewEngine(store, WithNotifier(notifier))
	ctx := context.Background()

	a, err := e.Propose(ctx, candidate(false))
	require.NoError(t, err)

	first, err := e.Approve(ctx, a.ID, "alice@example.com")
	require.NoError(t, err)

	second, err := e.Approve(ctx, a.ID, "bob@example.com")
	require.NoError(t, err)

	// The first approver stands
	assert.Equal(t, first.Approver, second.Approver)

	require.Eventually(t, func() bool { return notifier.count() == 1 },
		time.Second, 10*time.Millisecond)
	assert.Never(t, func() bool { return notifier.count() > 1 },
		200*time.Millisecond, 20*time.Millisecond,
		"repeat approval must not send a second notification")
}

func TestEngine_Approve_ConcurrentApproversOneNotification(t *testing.T) {
	store := newMockStore()
	notifier := &mockNotifier{}
	e := NewEngine(store, WithNotifier(notifier))
	ctx := context.Background()

	a, err := e.Propose(ctx, candidate(false))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := e.Approve(ctx, a.ID, fmt.Sprintf("approver-%d", n))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	require.Eventually(t, func() bool { return notifier.count() == 1 },
		time.Second, 10*time.Millisecond)
	assert.Never(t, func() bool { return notifier.count() > 1 },
		200*time.Millisecond, 20*time.Millisecond)
}

func TestEngine_Approve_NotFound(t *testing.T) {
	e := NewEngine(newMockStore())

	_, err := e.Approve(context.Background(), "nonexistent", "alice")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
}

func TestEngine_Approve_AfterReject_Invalid(t *testing.T) {
	store := newMockStore()
	e := NewEngine(store)
	ctx := context.Background()

	a, err := e.Propose(ctx, candidate(false))
	require.NoError(t, err)

	_, err = e.Reject(ctx, a.ID, "alice")
	require.NoError(t, err)

	_, err = e.Approve(ctx, a.ID, "bob")
	require.Error(t, err)
	assert.True(t, IsInvalidTransition(err))

	var ite *InvalidTransitionError
	require.ErrorAs(t, err, &ite)
	assert.Equal(t, models.ActionRejected, ite.From)

	// The rejection stands
	current, err := store.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ActionRejected, current.Status)
}

func TestEngine_Reject(t *testing.T) {
	store := newMockStore()
	handler := &mockHandler{}
	e := NewEngine(store, WithEventHandler(handler))
	ctx := context.Background()

	a, err := e.Propose(ctx, candidate(false))
	require.NoError(t, err)

	rejected, err := e.Reject(ctx, a.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, models.ActionRejected, rejected.Status)
	assert.Equal(t, 1, handler.count())

	// Idempotent
	_, err = e.Reject(ctx, a.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, 1, handler.count())
}

func TestEngine_BeginExecution(t *testing.T) {
	store := newMockStore()
	e := NewEngine(store)
	ctx := context.Background()

	a, err := e.Propose(ctx, candidate(false))
	require.NoError(t, err)
	_, err = e.Approve(ctx, a.ID, "alice")
	require.NoError(t, err)

	executing, err := e.BeginExecution(ctx, a.ID, "wf-123")
	require.NoError(t, err)
	assert.Equal(t, models.ActionExecuting, executing.Status)
	assert.Equal(t, "wf-123", executing.ExternalWorkflowRef)

	// Same workflow handle again is a no-op
	_, err = e.BeginExecution(ctx, a.ID, "wf-123")
	require.NoError(t, err)

	// A second workflow for the same action is rejected
	_, err = e.BeginExecution(ctx, a.ID, "wf-456")
	require.Error(t, err)
	assert.True(t, IsInvalidTransition(err))
}

func TestEngine_BeginExecution_BeforeApproval_Invalid(t *testing.T) {
	store := newMockStore()
	e := NewEngine(store)
	ctx := context.Background()

	a, err := e.Propose(ctx, candidate(false))
	require.NoError(t, err)

	_, err = e.BeginExecution(ctx, a.ID, "wf-123")
	require.Error(t, err)
	assert.True(t, IsInvalidTransition(err))
}

func executeAction(t *testing.T, e *Engine, ctx context.Context) *models.Action {
	t.Helper()
	a, err := e.Propose(ctx, candidate(false))
	require.NoError(t, err)
	_, err = e.Approve(ctx, a.ID, "alice")
	require.NoError(t, err)
	_, err = e.BeginExecution(ctx, a.ID, "wf-123")
	require.NoError(t, err)
	return a
}

func TestEngine_CompleteExecution_Executed(t *testing.T) {
	store := newMockStore()
	handler := &mockHandler{}
	e := NewEngine(store, WithEventHandler(handler))
	ctx := context.Background()

	a := executeAction(t, e, ctx)

	done, err := e.CompleteExecution(ctx, a.ID, models.ActionExecuted)
	require.NoError(t, err)
	assert.Equal(t, models.ActionExecuted, done.Status)
	assert.Empty(t, done.FailureReason)
	assert.Equal(t, 1, handler.count())
}

func TestEngine_CompleteExecution_Failed(t *testing.T) {
	store := newMockStore()
	e := NewEngine(store)
	ctx := context.Background()

	a := executeAction(t, e, ctx)

	done, err := e.CompleteExecution(ctx, a.ID, models.ActionFailed)
	require.NoError(t, err)
	assert.Equal(t, models.ActionFailed, done.Status)
	assert.Equal(t, models.ReasonExecutionFailed, done.FailureReason)
}

func TestEngine_CompleteExecution_DuplicateIsNoOp(t *testing.T) {
	store := newMockStore()
	handler := &mockHandler{}
	e := NewEngine(store, WithEventHandler(handler))
	ctx := context.Background()

	a := executeAction(t, e, ctx)

	_, err := e.CompleteExecution(ctx, a.ID, models.ActionExecuted)
	require.NoError(t, err)

	again, err := e.CompleteExecution(ctx, a.ID, models.ActionExecuted)
	require.NoError(t, err)
	assert.Equal(t, models.ActionExecuted, again.Status)
	assert.Equal(t, 1, handler.count(), "duplicate completion fires no second event")
}

func TestEngine_CompleteExecution_ConflictingOutcome(t *testing.T) {
	store := newMockStore()
	e := NewEngine(store)
	ctx := context.Background()

	a := executeAction(t, e, ctx)

	_, err := e.CompleteExecution(ctx, a.ID, models.ActionExecuted)
	require.NoError(t, err)

	_, err = e.CompleteExecution(ctx, a.ID, models.ActionFailed)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConflictingCompletion)

	// The first recorded outcome stands
	current, err := store.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ActionExecuted, current.Status)
}

func TestEngine_CompleteExecution_BadOutcome(t *testing.T) {
	e := NewEngine(newMockStore())

	_, err := e.CompleteExecution(context.Background(), "action-001", models.ActionApproved)
	assert.Error(t, err)
}

func TestEngine_NotificationUndeliverable(t *testing.T) {
	store := newMockStore()
	notifier := &mockNotifier{fail: true}
	handler := &mockHandler{}
	e := NewEngine(store, WithNotifier(notifier), WithEventHandler(handler))
	ctx := context.Background()

	a, err := e.Propose(ctx, candidate(false))
	require.NoError(t, err)
	_, err = e.Approve(ctx, a.ID, "alice")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		current, err := store.Get(ctx, a.ID)
		return err == nil && current.Status == models.ActionFailed
	}, time.Second, 10*time.Millisecond)

	current, err := store.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ReasonNotificationUndeliverable, current.FailureReason)
	assert.Equal(t, 1, handler.count())
}

func TestEngine_SweepTimeouts_ApprovalSLA(t *testing.T) {
	store := newMockStore()
	handler := &mockHandler{}

	now := time.Date(2026, 8, 10, 12, 0, 0, 0, time.UTC)
	e := NewEngine(store,
		WithEventHandler(handler),
		WithTimeFunc(func() time.Time { return now }))
	ctx := context.Background()

	// 25 hours in pending_approval: past the 24h SLA
	stale := candidate(false)
	stale.Status = models.ActionPendingApproval
	stale.CreatedAt = now.Add(-25 * time.Hour)
	stale.UpdatedAt = now.Add(-25 * time.Hour)
	require.NoError(t, store.Create(ctx, stale))

	// 1 hour in pending_approval: inside SLA
	fresh := candidate(false)
	fresh.Status = models.ActionPendingApproval
	fresh.CreatedAt = now.Add(-time.Hour)
	fresh.UpdatedAt = now.Add(-time.Hour)
	require.NoError(t, store.Create(ctx, fresh))

	expired := e.SweepTimeouts(ctx)
	assert.Equal(t, 1, expired)

	current, err := store.Get(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ActionExpired, current.Status)

	untouched, err := store.Get(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ActionPendingApproval, untouched.Status)

	assert.Equal(t, 1, handler.count())
}

func TestEngine_SweepTimeouts_ExecutionSLA(t *testing.T) {
	store := newMockStore()

	now := time.Date(2026, 8, 10, 12, 0, 0, 0, time.UTC)
	e := NewEngine(store, WithTimeFunc(func() time.Time { return now }))
	ctx := context.Background()

	stuck := candidate(false)
	stuck.Status = models.ActionExecuting
	stuck.ExternalWorkflowRef = "wf-123"
	stuck.CreatedAt = now.Add(-3 * time.Hour)
	stuck.UpdatedAt = now.Add(-3 * time.Hour)
	require.NoError(t, store.Create(ctx, stuck))

	expired := e.SweepTimeouts(ctx)
	assert.Equal(t, 1, expired)

	current, err := store.Get(ctx, stuck.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ActionExpired, current.Status)
}

func TestEngine_SweepTimeouts_DecisionWinsOverSweep(t *testing.T) {
	store := newMockStore()

	now := time.Date(2026, 8, 10, 12, 0, 0, 0, time.UTC)
	e := NewEngine(store, WithTimeFunc(func() time.Time { return now }))
	ctx := context.Background()

	stale := candidate(false)
	stale.Status = models.ActionPendingApproval
	stale.CreatedAt = now.Add(-25 * time.Hour)
	stale.UpdatedAt = now.Add(-25 * time.Hour)
	require.NoError(t, store.Create(ctx, stale))

	// A rejection lands between the stale query and the expiry commit
	_, err := e.Reject(ctx, stale.ID, "alice")
	require.NoError(t, err)

	expired := e.SweepTimeouts(ctx)
	assert.Zero(t, expired)

	current, err := store.Get(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ActionRejected, current.Status)
}

func TestEngine_StartStop(t *testing.T) {
	store := newMockStore()
	e := NewEngine(store, WithSweepInterval(10*time.Millisecond))

	require.NoError(t, e.Start(context.Background()))
	assert.True(t, e.IsRunning())

	// Double start is a no-op
	require.NoError(t, e.Start(context.Background()))

	e.Stop()
	assert.False(t, e.IsRunning())

	// Double stop is safe
	e.Stop()
}
