package action

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/costsentry/costsentry/internal/logging"
	"github.com/costsentry/costsentry/internal/metrics"
	"github.com/costsentry/costsentry/internal/storage"
	"github.com/costsentry/costsentry/pkg/models"
)

const (
	// DefaultSweepInterval is how often the timeout sweep runs
	DefaultSweepInterval = 1 * time.Minute

	// DefaultApprovalSLA is how long an action may wait for a human decision
	DefaultApprovalSLA = 24 * time.Hour

	// DefaultExecutionSLA is how long an orchestrator workflow may run
	DefaultExecutionSLA = 2 * time.Hour

	// AutoApprover is recorded as the approver on auto-approved actions
	AutoApprover = "auto-approval"
)

// Store is the action persistence surface the engine needs. Transition must
// be conditional on the caller's read status and report a lost race as
// storage.ErrStatusConflict.
type Store interface {
	Create(ctx context.Context, action *models.Action) error
	Get(ctx context.Context, id string) (*models.Action, error)
	Transition(ctx context.Context, action *models.Action, fromStatus models.ActionStatus) error
	GetStale(ctx context.Context, status models.ActionStatus, cutoff time.Time) ([]*models.Action, error)
}

// Notifier delivers approval notifications to the external orchestrator.
// It returns only after delivery succeeded or retries are exhausted.
type Notifier interface {
	NotifyApproved(ctx context.Context, action *models.Action) error
}

// noopNotifier is the default when no orchestrator is configured
type noopNotifier struct{}

func (noopNotifier) NotifyApproved(ctx context.Context, action *models.Action) error { return nil }

// EventHandler receives lifecycle events
type EventHandler interface {
	OnActionTerminal(action *models.Action)
}

// noopEventHandler is a default handler that does nothing
type noopEventHandler struct{}

func (n *noopEventHandler) OnActionTerminal(action *models.Action) {}

// Engine owns the action lifecycle. Every status mutation in the system
// passes through it: mutations are serialized per action ID, and the commit
// point is the store's conditional transition, so concurrent callers cannot
// both win.
type Engine struct {
	store    Store
	notifier Notifier
	handler  EventHandler
	logger   *slog.Logger

	sweepInterval time.Duration
	approvalSLA   time.Duration
	executionSLA  time.Duration

	// For time mocking in tests
	now func() time.Time

	// Per-action serialization
	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	// In-flight async notifications
	notifyWG sync.WaitGroup

	// Shutdown coordination
	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// Option configures the engine
type Option func(*Engine)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithNotifier sets the orchestrator notifier
func WithNotifier(n Notifier) Option {
	return func(e *Engine) {
		e.notifier = n
	}
}

// WithEventHandler sets a custom event handler
func WithEventHandler(h EventHandler) Option {
	return func(e *Engine) {
		e.handler = h
	}
}

// WithSweepInterval sets how often the timeout sweep runs
func WithSweepInterval(d time.Duration) Option {
	return func(e *Engine) {
		e.sweepInterval = d
	}
}

// WithApprovalSLA sets the pending approval timeout
func WithApprovalSLA(d time.Duration) Option {
	return func(e *Engine) {
		e.approvalSLA = d
	}
}

// WithExecutionSLA sets the execution timeout
func WithExecutionSLA(d time.Duration) Option {
	return func(e *Engine) {
		e.executionSLA = d
	}
}

// WithTimeFunc sets a custom time function (for testing)
func WithTimeFunc(fn func() time.Time) Option {
	return func(e *Engine) {
		e.now = fn
	}
}

// NewEngine creates a lifecycle engine
func NewEngine(store Store, opts ...Option) *Engine {
	e := &Engine{
		store:         store,
		notifier:      noopNotifier{},
		handler:       &noopEventHandler{},
		logger:        slog.Default(),
		sweepInterval: DefaultSweepInterval,
		approvalSLA:   DefaultApprovalSLA,
		executionSLA:  DefaultExecutionSLA,
		now:           time.Now,
		locks:         make(map[string]*sync.Mutex),
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// lockFor returns the mutex serializing mutations of one action
func (e *Engine) lockFor(id string) *sync.Mutex {
	e.locksMu.Lock()
	defer e.locksMu.Unlock()
	if l, ok := e.locks[id]; ok {
		return l
	}
	l := &sync.Mutex{}
	e.locks[id] = l
	return l
}

// Propose persists a new action candidate and routes it: auto-approved
// candidates enter approved directly and trigger the same orchestrator
// notification as a human approval, everything else waits in
// pending_approval.
func (e *Engine) Propose(ctx context.Context, candidate *models.Action) (*models.Action, error) {
	now := e.now()
	candidate.Status = models.ActionProposed
	candidate.CreatedAt = now
	candidate.UpdatedAt = now

	if err := e.store.Create(ctx, candidate); err != nil {
		return nil, fmt.Errorf("failed to create action: %w", err)
	}

	ctx = logging.WithActionID(ctx, candidate.ID)
	metrics.RecordActionCreated(string(candidate.ActionType))
	metrics.RecordTransition("", string(models.ActionProposed))
	logging.Audit(ctx, "action_proposed",
		"anomaly_id", candidate.AnomalyID,
		"action_type", candidate.ActionType,
		"estimated_savings", candidate.EstimatedSavings,
		"risk_level", candidate.RiskLevel,
		"auto_approved", candidate.AutoApproved)

	if candidate.AutoApproved {
		candidate.Status = models.ActionApproved
		candidate.Approver = AutoApprover
		candidate.ApprovedAt = now
		if err := e.store.Transition(ctx, candidate, models.ActionProposed); err != nil {
			return nil, fmt.Errorf("failed to auto-approve action: %w", err)
		}
		metrics.RecordTransition(string(models.ActionProposed), string(models.ActionApproved))
		metrics.RecordAutoApproval()
		logging.Audit(ctx, "action_auto_approved",
			"estimated_savings", candidate.EstimatedSavings)
		e.dispatchNotification(candidate)
		return candidate, nil
	}

	candidate.Status = models.ActionPendingApproval
	if err := e.store.Transition(ctx, candidate, models.ActionProposed); err != nil {
		return nil, fmt.Errorf("failed to route action for approval: %w", err)
	}
	metrics.RecordTransition(string(models.ActionProposed), string(models.ActionPendingApproval))

	return candidate, nil
}

// Approve records a human approval and dispatches the orchestrator
// notification. Approving an already-approved action is an idempotent
// no-op: exactly one notification goes out per approval.
func (e *Engine) Approve(ctx context.Context, id, approver string) (*models.Action, error) {
	lock := e.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	ctx = logging.WithActionID(ctx, id)

	a, err := e.getAction(ctx, id)
	if err != nil {
		return nil, err
	}

	switch a.Status {
	case models.ActionApproved, models.ActionExecuting, models.ActionExecuted:
		// Approval already happened and possibly progressed; repeat calls
		// succeed without side effects
		logging.Debug(ctx, "approve is a no-op", "status", a.Status)
		return a, nil
	case models.ActionPendingApproval:
	default:
		metrics.RecordInvalidTransition("approve")
		return nil, &InvalidTransitionError{ActionID: id, From: a.Status, Event: "approve"}
	}

	from := a.Status
	now := e.now()
	a.Status = models.ActionApproved
	a.Approver = approver
	a.ApprovedAt = now
	a.UpdatedAt = now

	if err := e.commit(ctx, a, from, "approve"); err != nil {
		return nil, err
	}

	logging.Audit(ctx, "action_approved", "approver", approver)
	e.dispatchNotification(a)

	return a, nil
}

// Reject records a human rejection. Terminal.
func (e *Engine) Reject(ctx context.Context, id, approver string) (*models.Action, error) {
	lock := e.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	ctx = logging.WithActionID(ctx, id)

	a, err := e.getAction(ctx, id)
	if err != nil {
		return nil, err
	}

	if a.Status == models.ActionRejected {
		return a, nil
	}
	if a.Status != models.ActionPendingApproval {
		metrics.RecordInvalidTransition("reject")
		return nil, &InvalidTransitionError{ActionID: id, From: a.Status, Event: "reject"}
	}

	from := a.Status
	now := e.now()
	a.Status = models.ActionRejected
	a.Approver = approver
	a.UpdatedAt = now

	if err := e.commit(ctx, a, from, "reject"); err != nil {
		return nil, err
	}

	logging.Audit(ctx, "action_rejected", "approver", approver)
	e.handler.OnActionTerminal(a)

	return a, nil
}

// BeginExecution marks an approved action as executing and records the
// orchestrator's workflow handle. At most one workflow per action: a repeat
// call with the same handle is a no-op, a different handle is rejected.
func (e *Engine) BeginExecution(ctx context.Context, id, workflowRef string) (*models.Action, error) {
	lock := e.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	ctx = logging.WithActionID(ctx, id)

	a, err := e.getAction(ctx, id)
	if err != nil {
		return nil, err
	}

	if a.Status == models.ActionExecuting {
		if a.ExternalWorkflowRef == workflowRef {
			return a, nil
		}
		metrics.RecordInvalidTransition("begin_execution")
		return nil, &InvalidTransitionError{ActionID: id, From: a.Status, Event: "begin_execution"}
	}
	if a.Status != models.ActionApproved {
		metrics.RecordInvalidTransition("begin_execution")
		return nil, &InvalidTransitionError{ActionID: id, From: a.Status, Event: "begin_execution"}
	}

	from := a.Status
	a.Status = models.ActionExecuting
	a.ExternalWorkflowRef = workflowRef
	a.UpdatedAt = e.now()

	if err := e.commit(ctx, a, from, "begin_execution"); err != nil {
		return nil, err
	}

	logging.Audit(ctx, "action_execution_started", "workflow_ref", workflowRef)

	return a, nil
}

// CompleteExecution records the orchestrator's terminal outcome. The first
// recorded outcome stands: a repeat of the same outcome is an idempotent
// no-op, a contradicting one returns ErrConflictingCompletion.
func (e *Engine) CompleteExecution(ctx context.Context, id string, outcome models.ActionStatus) (*models.Action, error) {
	if outcome != models.ActionExecuted && outcome != models.ActionFailed {
		return nil, fmt.Errorf("unsupported completion outcome %q", outcome)
	}

	lock := e.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	ctx = logging.WithActionID(ctx, id)

	a, err := e.getAction(ctx, id)
	if err != nil {
		return nil, err
	}

	if a.IsTerminal() {
		if recorded, ok := a.CompletionOutcome(); ok && recorded == outcome {
			logging.Debug(ctx, "duplicate completion", "outcome", outcome)
			return a, nil
		}
		return nil, fmt.Errorf("action %s already %s: %w", id, a.Status, ErrConflictingCompletion)
	}
	if a.Status != models.ActionExecuting {
		metrics.RecordInvalidTransition("complete_execution")
		return nil, &InvalidTransitionError{ActionID: id, From: a.Status, Event: "complete_execution"}
	}

	from := a.Status
	a.Status = outcome
	if outcome == models.ActionFailed {
		a.FailureReason = models.ReasonExecutionFailed
	}
	a.UpdatedAt = e.now()

	if err := e.commit(ctx, a, from, "complete_execution"); err != nil {
		return nil, err
	}

	logging.Audit(ctx, "action_execution_completed", "outcome", outcome)
	e.handler.OnActionTerminal(a)

	return a, nil
}

// SweepTimeouts expires actions stuck past their stage SLA. Returns the
// number of actions expired.
func (e *Engine) SweepTimeouts(ctx context.Context) int {
	expired := 0
	expired += e.expireStale(ctx, models.ActionPendingApproval, e.approvalSLA, "approval")
	expired += e.expireStale(ctx, models.ActionExecuting, e.executionSLA, "execution")
	return expired
}

func (e *Engine) expireStale(ctx context.Context, status models.ActionStatus, sla time.Duration, stage string) int {
	cutoff := e.now().Add(-sla)

	stale, err := e.store.GetStale(ctx, status, cutoff)
	if err != nil {
		e.logger.Error("failed to list stale actions",
			slog.String("status", string(status)),
			slog.String("error", err.Error()))
		return 0
	}

	expired := 0
	for _, a := range stale {
		if e.expireOne(ctx, a.ID, status, stage) {
			expired++
		}
	}
	return expired
}

// expireOne re-reads the action under its lock so a decision or callback
// that landed after the stale query wins over the sweep.
func (e *Engine) expireOne(ctx context.Context, id string, from models.ActionStatus, stage string) bool {
	lock := e.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	ctx = logging.WithActionID(ctx, id)

	a, err := e.getAction(ctx, id)
	if err != nil {
		logging.Error(ctx, "failed to load action for expiry", "error", err.Error())
		return false
	}
	if a.Status != from {
		return false
	}

	a.Status = models.ActionExpired
	a.UpdatedAt = e.now()

	if err := e.commit(ctx, a, from, "expire"); err != nil {
		logging.Warn(ctx, "expiry lost a race", "stage", stage, "error", err.Error())
		return false
	}

	metrics.RecordActionExpired(stage)
	logging.Audit(ctx, "action_expired", "stage", stage, "sla_status", string(from))
	e.handler.OnActionTerminal(a)

	return true
}

// Start begins the timeout sweep loop
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = true
	e.stopCh = make(chan struct{})
	e.doneCh = make(chan struct{})
	e.mu.Unlock()

	e.logger.Info("lifecycle engine starting",
		slog.Duration("sweep_interval", e.sweepInterval),
		slog.Duration("approval_sla", e.approvalSLA),
		slog.Duration("execution_sla", e.executionSLA))

	go e.run(ctx)
	return nil
}

// Stop gracefully stops the sweep loop and waits for in-flight
// notifications to settle.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	close(e.stopCh)
	<-e.doneCh
	e.notifyWG.Wait()

	e.mu.Lock()
	e.running = false
	e.mu.Unlock()

	e.logger.Info("lifecycle engine stopped")
}

// IsRunning returns whether the sweep loop is active
func (e *Engine) IsRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

func (e *Engine) run(ctx context.Context) {
	defer close(e.doneCh)

	ticker := time.NewTicker(e.sweepInterval)
	defer ticker.Stop()

	e.SweepTimeouts(ctx)

	for {
		select {
		case <-ticker.C:
			e.SweepTimeouts(ctx)
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// dispatchNotification delivers the approval notification without blocking
// the caller: a hung orchestrator must never stall an approval request or
// the driver loop. The notifier owns retries; any error it returns means
// delivery is permanently undeliverable.
func (e *Engine) dispatchNotification(a *models.Action) {
	action := *a
	e.notifyWG.Add(1)
	go func() {
		defer e.notifyWG.Done()

		ctx := logging.WithActionID(context.Background(), action.ID)
		if err := e.notifier.NotifyApproved(ctx, &action); err != nil {
			logging.Error(ctx, "approval notification undeliverable", "error", err.Error())
			e.markNotificationFailed(ctx, action.ID)
		}
	}()
}

// markNotificationFailed moves an approved action to failed with reason
// NotificationUndeliverable. If the action progressed in the meantime the
// notification evidently arrived, so nothing is done.
func (e *Engine) markNotificationFailed(ctx context.Context, id string) {
	lock := e.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	a, err := e.getAction(ctx, id)
	if err != nil {
		logging.Error(ctx, "failed to load action after notification failure", "error", err.Error())
		return
	}
	if a.Status != models.ActionApproved {
		return
	}

	from := a.Status
	a.Status = models.ActionFailed
	a.FailureReason = models.ReasonNotificationUndeliverable
	a.UpdatedAt = e.now()

	if err := e.commit(ctx, a, from, "notification_failed"); err != nil {
		logging.Warn(ctx, "failed to record notification failure", "error", err.Error())
		return
	}

	logging.Audit(ctx, "action_notification_failed",
		"failure_reason", models.ReasonNotificationUndeliverable)
	e.handler.OnActionTerminal(a)
}

// commit writes the transition through the store's conditional update. A
// status conflict means another writer moved the action between our read
// and write; the caller's event is reported as invalid.
func (e *Engine) commit(ctx context.Context, a *models.Action, from models.ActionStatus, event string) error {
	err := e.store.Transition(ctx, a, from)
	if err == nil {
		metrics.RecordTransition(string(from), string(a.Status))
		return nil
	}
	if errors.Is(err, storage.ErrStatusConflict) {
		metrics.RecordInvalidTransition(event)
		return &InvalidTransitionError{ActionID: a.ID, From: from, Event: event}
	}
	if errors.Is(err, storage.ErrNotFound) {
		return &ActionNotFoundError{ID: a.ID}
	}
	return fmt.Errorf("failed to commit %s transition: %w", event, err)
}

func (e *Engine) getAction(ctx context.Context, id string) (*models.Action, error) {
	a, err := e.store.Get(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, &ActionNotFoundError{ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load action: %w", err)
	}
	return a, nil
}
