package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"remedyd/internal/evidence"
	"remedyd/internal/notify"
	"remedyd/internal/remediation"
	"remedyd/internal/rollback"
)

var (
	ErrWorkflowNotFound  = errors.New("workflow definition not found")
	ErrExecutionTerminal = errors.New("execution already in a terminal state")
)

// Config holds engine tuning knobs.
type Config struct {
	DefaultStepTimeout     time.Duration
	DefaultApprovalTimeout time.Duration
	ApprovalSweepInterval  time.Duration
	RetryBackoffUnit       time.Duration
	RollbackTTL            time.Duration
	EscalationRole         string
}

// DefaultEngineConfig returns production defaults.
func DefaultEngineConfig() Config {
	return Config{
		DefaultStepTimeout:     5 * time.Minute,
		DefaultApprovalTimeout: 4 * time.Hour,
		ApprovalSweepInterval:  time.Minute,
		RetryBackoffUnit:       2 * time.Second,
		RollbackTTL:            rollback.DefaultTTL,
		EscalationRole:         "security-lead",
	}
}

// Engine orchestrates workflow runs: sequential steps, approval suspension
// and resumption, conditional branching, parallel fan-out, retries, and
// transaction rollback on failure. Runs are serialized per execution id.
type Engine struct {
	mu   sync.RWMutex
	defs map[string]*Definition

	executions  ExecutionStore
	approvals   ApprovalStore
	executor    *remediation.Executor
	coordinator *rollback.Coordinator
	directory   notify.Directory
	notifier    *notify.Dispatcher
	ledger      *evidence.Ledger
	publisher   Publisher
	logger      *slog.Logger
	cfg         Config

	// runLocks serializes all mutation of one run's state: the driving
	// loop, approval decisions, cancellation, and the expiry sweep.
	runLocks sync.Map // execution id -> *sync.Mutex

	// cancelRequested is checked at step boundaries by the driving loop.
	cancelMu        sync.Mutex
	cancelRequested map[string]string // execution id -> reason

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Deps bundles the engine's collaborators.
type Deps struct {
	Executions  ExecutionStore
	Approvals   ApprovalStore
	Executor    *remediation.Executor
	Coordinator *rollback.Coordinator
	Directory   notify.Directory
	Notifier    *notify.Dispatcher
	Ledger      *evidence.Ledger
	Publisher   Publisher
	Logger      *slog.Logger
}

// NewEngine creates an engine. Publisher and Ledger may be nil.
func NewEngine(cfg Config, deps Deps) *Engine {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	pub := deps.Publisher
	if pub == nil {
		pub = NopPublisher{}
	}
	if cfg.DefaultStepTimeout <= 0 {
		cfg.DefaultStepTimeout = 5 * time.Minute
	}
	if cfg.DefaultApprovalTimeout <= 0 {
		cfg.DefaultApprovalTimeout = 4 * time.Hour
	}
	if cfg.RetryBackoffUnit <= 0 {
		cfg.RetryBackoffUnit = 2 * time.Second
	}
	if cfg.RollbackTTL <= 0 {
		cfg.RollbackTTL = rollback.DefaultTTL
	}
	return &Engine{
		defs:            make(map[string]*Definition),
		executions:      deps.Executions,
		approvals:       deps.Approvals,
		executor:        deps.Executor,
		coordinator:     deps.Coordinator,
		directory:       deps.Directory,
		notifier:        deps.Notifier,
		ledger:          deps.Ledger,
		publisher:       pub,
		logger:          logger.With("component", "workflow_engine"),
		cfg:             cfg,
		cancelRequested: make(map[string]string),
		stopCh:          make(chan struct{}),
	}
}

// RegisterDefinition makes a definition executable. A later registration
// with the same id replaces the earlier one.
func (e *Engine) RegisterDefinition(def *Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	e.defs[def.ID] = def
	e.mu.Unlock()
	e.logger.Info("workflow registered", "workflow_id", def.ID, "version", def.Version, "steps", len(def.Steps))
	return nil
}

// Definition returns a registered definition.
func (e *Engine) Definition(workflowID string) (*Definition, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	def, ok := e.defs[workflowID]
	return def, ok
}

// ExecuteOptions carries the per-run inputs.
type ExecuteOptions struct {
	OrgID          string
	TriggeredBy    string
	Context        map[string]interface{}
	DryRun         bool
	TargetIdentity string
	ThreatRef      string
}

// Execute starts a run and drives it until it completes, fails, or suspends
// on an approval step. The returned execution reflects the state at return.
func (e *Engine) Execute(ctx context.Context, workflowID string, opts ExecuteOptions) (*Execution, error) {
	def, ok := e.Definition(workflowID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, workflowID)
	}

	runCtx := opts.Context
	if runCtx == nil {
		runCtx = make(map[string]interface{})
	}

	exec := &Execution{
		ID:             uuid.NewString(),
		WorkflowID:     workflowID,
		OrgID:          opts.OrgID,
		Status:         ExecutionPending,
		CurrentStep:    0,
		StepResults:    make([]StepResult, 0, len(def.Steps)),
		Context:        runCtx,
		TriggeredBy:    opts.TriggeredBy,
		TargetIdentity: opts.TargetIdentity,
		ThreatRef:      opts.ThreatRef,
		DryRun:         opts.DryRun,
		StartedAt:      time.Now().UTC(),
	}
	if !opts.DryRun && e.coordinator != nil {
		exec.TransactionID = e.coordinator.Begin(opts.OrgID).ID
	}

	if err := e.executions.Insert(ctx, exec); err != nil {
		return nil, fmt.Errorf("failed to persist execution: %w", err)
	}

	e.appendEvidence(ctx, exec, "workflow.started", "", map[string]interface{}{
		"workflow_id": workflowID,
		"dry_run":     opts.DryRun,
	})
	e.publish(ctx, EventExecutionStarted, exec, "", nil)

	lock := e.runLock(exec.ID)
	lock.Lock()
	defer lock.Unlock()

	exec.Status = ExecutionRunning
	if err := e.executions.Update(ctx, exec); err != nil {
		return nil, fmt.Errorf("failed to persist execution: %w", err)
	}

	e.runFrom(ctx, def, exec, 0)
	return e.executions.Get(ctx, exec.ID)
}

// GetExecution returns a run scoped to an organization.
func (e *Engine) GetExecution(ctx context.Context, executionID, orgID string) (*Execution, error) {
	exec, err := e.executions.Get(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if orgID != "" && exec.OrgID != orgID {
		return nil, ErrExecutionNotFound
	}
	return exec, nil
}

// Cancel stops a run. Completed steps are not rolled back; pending approvals
// for the run are purged. Returns false when the run is already terminal.
func (e *Engine) Cancel(ctx context.Context, executionID, userID, reason string) (bool, error) {
	lock := e.runLock(executionID)
	if !lock.TryLock() {
		// The driving loop owns the run right now; flag the request and it
		// finalizes at the next step boundary.
		e.cancelMu.Lock()
		e.cancelRequested[executionID] = reason
		e.cancelMu.Unlock()
		return true, nil
	}
	defer lock.Unlock()

	exec, err := e.executions.Get(ctx, executionID)
	if err != nil {
		return false, err
	}
	if exec.Status.Terminal() {
		return false, nil
	}

	purged := e.approvals.DeleteByExecution(ctx, executionID)
	e.finalize(ctx, exec, ExecutionCancelled, reason)
	e.appendEvidence(ctx, exec, "workflow.cancelled", userID, map[string]interface{}{
		"reason":           reason,
		"purged_approvals": purged,
	})
	e.publish(ctx, EventExecutionCancelled, exec, "", map[string]interface{}{"reason": reason, "actor": userID})
	return true, nil
}

// runFrom drives steps sequentially starting at index. The caller holds the
// run lock. Returns when the run reaches a terminal state or suspends.
func (e *Engine) runFrom(ctx context.Context, def *Definition, exec *Execution, index int) {
	for index < len(def.Steps) {
		if e.applyQueuedCancel(ctx, exec) {
			return
		}
		if def.Timeout > 0 && time.Since(exec.StartedAt) > def.Timeout {
			e.failRun(ctx, def, exec, "workflow timeout exceeded", def.RollbackOnFailure)
			return
		}

		step := &def.Steps[index]
		exec.CurrentStep = index

		switch step.Type {
		case StepTypeApproval:
			e.suspendForApproval(ctx, def, exec, index, step)
			// A cancel queued while this step suspended would otherwise sit
			// unconsumed until the run resumes or the approval expires.
			e.applyQueuedCancel(ctx, exec)
			return

		case StepTypeCondition:
			next, ok := e.evalConditionStep(ctx, exec, step)
			e.saveProgress(ctx, exec)
			if !ok {
				// Branch target names step ids; "" means fall through.
				index++
				continue
			}
			target := def.StepIndex(next)
			if target < 0 {
				index++
				continue
			}
			index = target
			continue

		default:
			result := e.runStep(ctx, exec, step)
			exec.StepResults = append(exec.StepResults, *result)

			if result.Status == StepCompleted || result.Status == StepSkipped {
				e.registerRollback(exec, step, result)
				e.saveProgress(ctx, exec)
				e.appendEvidence(ctx, exec, "workflow.step_completed", "", map[string]interface{}{
					"step_id": step.ID,
					"status":  string(result.Status),
				})
				e.publish(ctx, EventStepCompleted, exec, step.ID, nil)
				index++
				continue
			}

			// Step failed (timeout included). Apply its policy.
			e.appendEvidence(ctx, exec, "workflow.step_failed", "", map[string]interface{}{
				"step_id": step.ID,
				"error":   result.Error,
			})
			e.publish(ctx, EventStepFailed, exec, step.ID, map[string]interface{}{"error": result.Error})

			switch step.Policy() {
			case FailContinue:
				e.saveProgress(ctx, exec)
				index++
				continue
			case FailRollback:
				e.failRun(ctx, def, exec, fmt.Sprintf("step %s failed: %s", step.ID, result.Error), true)
				return
			default:
				e.failRun(ctx, def, exec, fmt.Sprintf("step %s failed: %s", step.ID, result.Error), def.RollbackOnFailure)
				return
			}
		}
	}

	e.complete(ctx, exec)
}

// runStep executes one non-approval, non-condition step with retries. Each
// attempt gets its own timeout; backoff grows linearly with the attempt.
func (e *Engine) runStep(ctx context.Context, exec *Execution, step *Step) *StepResult {
	result := &StepResult{
		StepID:    step.ID,
		StepName:  step.Name,
		Status:    StepRunning,
		StartedAt: time.Now().UTC(),
	}

	timeout := step.Timeout
	if timeout <= 0 {
		timeout = e.cfg.DefaultStepTimeout
	}

	attempts := step.RetryCount + 1
	var lastErr string
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			result.Retries = attempt
			select {
			case <-time.After(time.Duration(attempt) * e.cfg.RetryBackoffUnit):
			case <-ctx.Done():
				lastErr = ctx.Err().Error()
				attempt = attempts
				continue
			}
		}

		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		err := e.attemptStep(stepCtx, exec, step, result)
		cancel()
		if err == nil {
			now := time.Now().UTC()
			result.Status = StepCompleted
			result.CompletedAt = &now
			return result
		}
		lastErr = err.Error()
		e.logger.Warn("step attempt failed",
			"execution_id", exec.ID,
			"step_id", step.ID,
			"attempt", attempt+1,
			"error", err)
	}

	now := time.Now().UTC()
	result.Status = StepFailed
	result.Error = lastErr
	result.CompletedAt = &now
	return result
}

func (e *Engine) attemptStep(ctx context.Context, exec *Execution, step *Step, result *StepResult) error {
	switch step.Type {
	case StepTypeAction:
		return e.attemptAction(ctx, exec, step.Action, result)
	case StepTypeParallel:
		return e.attemptParallel(ctx, exec, step, result)
	case StepTypeNotification:
		e.sendNotification(ctx, exec, step.Notification)
		result.Output = map[string]interface{}{"notified": true}
		return nil
	}
	return fmt.Errorf("unsupported step type %s", step.Type)
}

func (e *Engine) attemptAction(ctx context.Context, exec *Execution, cfg *ActionConfig, result *StepResult) error {
	action := e.buildAction(exec, cfg)
	res := e.executor.Execute(ctx, action, remediation.Context{
		OrgID:       exec.OrgID,
		TriggeredBy: exec.TriggeredBy,
		ExecutionID: exec.ID,
		WorkflowID:  exec.WorkflowID,
		DryRun:      exec.DryRun,
		Approved:    exec.Approved,
	})

	result.Output = map[string]interface{}{
		"action_id": res.ActionID,
		"status":    string(res.Status),
		"message":   res.Message,
	}
	for k, v := range res.Details {
		result.Output[k] = v
	}

	if res.Status == remediation.StatusRequiresApproval {
		// The definition should have routed through an approval step first;
		// reaching the executor gate unapproved is a policy failure.
		return fmt.Errorf("action %s requires approval but none was granted", action.Type)
	}
	if !res.Success && res.Status != remediation.StatusDryRun {
		return fmt.Errorf("%s", res.Message)
	}
	if res.RollbackPossible {
		result.RollbackData = res.RollbackData
	}
	return nil
}

// attemptParallel fans branch steps out concurrently and waits for all of
// them or the parent context deadline. Branch failures are captured per
// branch; only a branch marked stop fails the parent.
func (e *Engine) attemptParallel(ctx context.Context, exec *Execution, step *Step, result *StepResult) error {
	branches := step.Parallel.Steps
	results := make([]*StepResult, len(branches))
	var wg sync.WaitGroup
	for i := range branches {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = e.runStep(ctx, exec, &branches[i])
		}(i)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("parallel step timed out: %w", ctx.Err())
	}

	output := make(map[string]interface{}, len(branches))
	var stopErr error
	for i, br := range results {
		output[branches[i].ID] = map[string]interface{}{
			"status": string(br.Status),
			"error":  br.Error,
		}
		if br.RollbackData != nil {
			e.registerRollback(exec, &branches[i], br)
			if result.RollbackData == nil {
				result.RollbackData = br.RollbackData
			}
		}
		if br.Status == StepFailed && branches[i].Policy() == FailStop && stopErr == nil {
			stopErr = fmt.Errorf("branch %s failed: %s", branches[i].ID, br.Error)
		}
	}
	result.Output = output
	return stopErr
}

func (e *Engine) buildAction(exec *Execution, cfg *ActionConfig) *remediation.Action {
	target := cfg.Target
	if cfg.TargetFrom != "" {
		if v, err := lookupField(exec.Context, cfg.TargetFrom); err == nil {
			target = fmt.Sprintf("%v", v)
		}
	}
	return &remediation.Action{
		ID:               uuid.NewString(),
		Type:             remediation.ActionType(cfg.ActionType),
		Target:           target,
		Parameters:       cfg.Parameters,
		CloudProvider:    cfg.Provider,
		RequiresApproval: cfg.RequiresApproval,
		BlastRadius:      remediation.BlastRadius(cfg.BlastRadius),
	}
}

// registerRollback attaches a completed step's rollback data to the run's
// transaction. Dry runs register nothing.
func (e *Engine) registerRollback(exec *Execution, step *Step, result *StepResult) {
	if exec.DryRun || exec.TransactionID == "" || result.RollbackData == nil || e.coordinator == nil {
		return
	}
	if step.Action == nil {
		return
	}
	ttl := step.Action.RollbackTTL
	if ttl <= 0 {
		ttl = e.cfg.RollbackTTL
	}
	actionID, _ := result.Output["action_id"].(string)
	target := step.Action.Target
	if _, err := e.coordinator.AddAction(exec.TransactionID, actionID,
		remediation.ActionType(step.Action.ActionType), target, result.RollbackData, ttl); err != nil {
		e.logger.Warn("failed to register rollback entry",
			"execution_id", exec.ID,
			"step_id", step.ID,
			"error", err)
	}
}

func (e *Engine) evalConditionStep(ctx context.Context, exec *Execution, step *Step) (string, bool) {
	now := time.Now().UTC()
	result := StepResult{
		StepID:    step.ID,
		StepName:  step.Name,
		Status:    StepCompleted,
		StartedAt: now,
	}
	verdict, err := EvalCondition(step.Condition.Expression, exec.Context)
	if err != nil {
		// Evaluation failures take the false branch.
		e.logger.Warn("condition evaluation failed",
			"execution_id", exec.ID,
			"step_id", step.ID,
			"error", err)
		verdict = false
	}
	result.Output = map[string]interface{}{"verdict": verdict}
	completed := time.Now().UTC()
	result.CompletedAt = &completed
	exec.StepResults = append(exec.StepResults, result)

	branch := step.Condition.FalseStep
	if verdict {
		branch = step.Condition.TrueStep
	}
	if branch == "" {
		return "", false
	}
	return branch, true
}

// suspendForApproval persists a pending approval, notifies the approver
// role, and leaves the run awaiting-approval. No goroutine blocks.
func (e *Engine) suspendForApproval(ctx context.Context, def *Definition, exec *Execution, index int, step *Step) {
	cfg := step.Approval
	required := cfg.Required
	if required <= 0 {
		required = 1
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = e.cfg.DefaultApprovalTimeout
	}

	now := time.Now().UTC()
	pa := &PendingApproval{
		ID:           uuid.NewString(),
		ExecutionID:  exec.ID,
		WorkflowID:   exec.WorkflowID,
		OrgID:        exec.OrgID,
		StepID:       step.ID,
		StepIndex:    index,
		ApproverRole: cfg.ApproverRole,
		Required:     required,
		Message:      cfg.Message,
		EscalateTo:   cfg.EscalateTo,
		Status:       ApprovalPending,
		CreatedAt:    now,
		ExpiresAt:    now.Add(timeout),
	}
	if err := e.approvals.Insert(ctx, pa); err != nil {
		e.failRun(ctx, def, exec, fmt.Sprintf("failed to persist approval: %v", err), def.RollbackOnFailure)
		return
	}

	exec.StepResults = append(exec.StepResults, StepResult{
		StepID:    step.ID,
		StepName:  step.Name,
		Status:    StepAwaitingApproval,
		StartedAt: now,
		Output:    map[string]interface{}{"approval_id": pa.ID},
	})
	exec.Status = ExecutionAwaitingApproval
	e.saveProgress(ctx, exec)

	e.notifyRole(ctx, cfg.ApproverRole, &notify.Message{
		Subject:  fmt.Sprintf("Approval required: %s", def.Name),
		Body:     approvalBody(pa, exec),
		Priority: notify.PriorityHigh,
		Data: map[string]interface{}{
			"approval_id":  pa.ID,
			"execution_id": exec.ID,
			"workflow_id":  exec.WorkflowID,
			"expires_at":   pa.ExpiresAt.Format(time.RFC3339),
		},
	})

	e.appendEvidence(ctx, exec, "workflow.approval_requested", "", map[string]interface{}{
		"step_id":       step.ID,
		"approval_id":   pa.ID,
		"approver_role": cfg.ApproverRole,
		"required":      required,
	})
	e.publish(ctx, EventApprovalRequested, exec, step.ID, map[string]interface{}{"approval_id": pa.ID})
	e.logger.Info("run suspended for approval",
		"execution_id", exec.ID,
		"approval_id", pa.ID,
		"approver_role", cfg.ApproverRole,
		"required", required)
}

// Decision is the outcome of a ProcessApproval call.
type Decision struct {
	Success         bool `json:"success"`
	WorkflowResumed bool `json:"workflow_resumed"`
}

// ProcessApproval records one approver's verdict. Reject fails the run
// immediately. Approve counts toward the quorum; when the quorum is met the
// run resumes from the step after the approval gate, synchronously, so the
// caller observes the post-resumption state. First transition wins: a
// resolved approval id refuses further decisions.
func (e *Engine) ProcessApproval(ctx context.Context, approvalID, approverID, approverEmail string, approved bool, comment string) (*Decision, error) {
	pa, err := e.approvals.Get(ctx, approvalID)
	if err != nil {
		return nil, err
	}

	lock := e.runLock(pa.ExecutionID)
	lock.Lock()
	defer lock.Unlock()

	// Re-read under the run lock; the expiry sweep may have won the race.
	pa, err = e.approvals.Get(ctx, approvalID)
	if err != nil {
		return nil, err
	}
	if pa.Status != ApprovalPending {
		return nil, fmt.Errorf("%w: %s", ErrApprovalResolved, pa.Status)
	}
	if time.Now().After(pa.ExpiresAt) {
		return nil, fmt.Errorf("%w: expired", ErrApprovalResolved)
	}
	if pa.HasApprover(approverID) {
		return &Decision{Success: true, WorkflowResumed: false}, nil
	}

	record := ApprovalRecord{
		ApproverID:    approverID,
		ApproverEmail: approverEmail,
		Approved:      approved,
		Comment:       comment,
		Timestamp:     time.Now().UTC(),
	}
	pa.Approvals = append(pa.Approvals, record)

	exec, err := e.executions.Get(ctx, pa.ExecutionID)
	if err != nil {
		return nil, err
	}
	def, ok := e.Definition(pa.WorkflowID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, pa.WorkflowID)
	}
	e.recordApprovalOnStep(exec, pa.StepID, record)

	if !approved {
		pa.Status = ApprovalRejected
		if err := e.approvals.Update(ctx, pa); err != nil {
			return nil, err
		}
		e.markStepStatus(exec, pa.StepID, StepFailed, fmt.Sprintf("rejected by %s", approverID))
		e.appendEvidence(ctx, exec, "workflow.approval_rejected", approverID, map[string]interface{}{
			"approval_id": approvalID,
			"step_id":     pa.StepID,
			"comment":     comment,
		})
		e.publish(ctx, EventApprovalRejected, exec, pa.StepID, map[string]interface{}{"approver_id": approverID})
		e.failRun(ctx, def, exec, fmt.Sprintf("approval rejected by %s: %s", approverID, comment), def.RollbackOnFailure)
		return &Decision{Success: true, WorkflowResumed: false}, nil
	}

	if pa.ApprovedCount() < pa.Required {
		if err := e.approvals.Update(ctx, pa); err != nil {
			return nil, err
		}
		e.saveProgress(ctx, exec)
		e.appendEvidence(ctx, exec, "workflow.approval_granted", approverID, map[string]interface{}{
			"approval_id": approvalID,
			"step_id":     pa.StepID,
			"granted":     pa.ApprovedCount(),
			"required":    pa.Required,
		})
		e.publish(ctx, EventApprovalGranted, exec, pa.StepID, map[string]interface{}{"approver_id": approverID})
		// A cancel may have arrived while this decision held the run lock.
		e.applyQueuedCancel(ctx, exec)
		return &Decision{Success: true, WorkflowResumed: false}, nil
	}

	// Quorum met.
	pa.Status = ApprovalApproved
	if err := e.approvals.Update(ctx, pa); err != nil {
		return nil, err
	}
	e.markStepStatus(exec, pa.StepID, StepCompleted, "")
	exec.Status = ExecutionRunning
	exec.Approved = true
	e.saveProgress(ctx, exec)

	e.appendEvidence(ctx, exec, "workflow.approval_granted", approverID, map[string]interface{}{
		"approval_id": approvalID,
		"step_id":     pa.StepID,
		"granted":     pa.ApprovedCount(),
		"required":    pa.Required,
		"quorum_met":  true,
	})
	e.publish(ctx, EventApprovalGranted, exec, pa.StepID, map[string]interface{}{"approver_id": approverID, "quorum_met": true})
	e.logger.Info("approval quorum met, resuming run",
		"execution_id", exec.ID,
		"approval_id", approvalID)

	e.runFrom(ctx, def, exec, pa.StepIndex+1)
	return &Decision{Success: true, WorkflowResumed: true}, nil
}

// StartSweep launches the periodic approval-expiry sweep.
func (e *Engine) StartSweep(ctx context.Context) {
	interval := e.cfg.ApprovalSweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				e.SweepApprovals(ctx)
			case <-e.stopCh:
				return
			}
		}
	}()
}

// Stop halts the sweep loop.
func (e *Engine) Stop() {
	close(e.stopCh)
	e.wg.Wait()
}

// SweepApprovals expires overdue pending approvals: the run fails with
// "approval timeout expired" and an escalation notification goes to the
// escalation target on top of the original approver role.
func (e *Engine) SweepApprovals(ctx context.Context) int {
	pending, err := e.approvals.ListPending(ctx)
	if err != nil {
		e.logger.Warn("approval sweep failed", "error", err)
		return 0
	}

	now := time.Now()
	expired := 0
	for _, pa := range pending {
		if now.Before(pa.ExpiresAt) {
			continue
		}
		if e.expireApproval(ctx, pa) {
			expired++
		}
	}
	if expired > 0 {
		e.logger.Info("expired approvals swept", "count", expired)
	}
	return expired
}

func (e *Engine) expireApproval(ctx context.Context, pa *PendingApproval) bool {
	lock := e.runLock(pa.ExecutionID)
	lock.Lock()
	defer lock.Unlock()

	// Re-read: a decision call may have resolved it first.
	current, err := e.approvals.Get(ctx, pa.ID)
	if err != nil || current.Status != ApprovalPending {
		return false
	}
	current.Status = ApprovalExpired
	if err := e.approvals.Update(ctx, current); err != nil {
		return false
	}

	exec, err := e.executions.Get(ctx, pa.ExecutionID)
	if err != nil {
		return true
	}
	def, ok := e.Definition(pa.WorkflowID)
	rollbackOnFailure := ok && def.RollbackOnFailure

	e.markStepStatus(exec, pa.StepID, StepFailed, "approval timeout expired")
	e.appendEvidence(ctx, exec, "workflow.approval_expired", "", map[string]interface{}{
		"approval_id": pa.ID,
		"step_id":     pa.StepID,
	})
	e.publish(ctx, EventApprovalExpired, exec, pa.StepID, map[string]interface{}{"approval_id": pa.ID})
	e.failRun(ctx, def, exec, "approval timeout expired", rollbackOnFailure)

	escalation := &notify.Message{
		Subject:  fmt.Sprintf("Approval expired, run failed: %s", pa.WorkflowID),
		Body:     fmt.Sprintf("Approval %s for execution %s expired at %s without reaching quorum. The run was failed.", pa.ID, pa.ExecutionID, pa.ExpiresAt.Format(time.RFC3339)),
		Priority: notify.PriorityCritical,
	}
	e.notifyRole(ctx, pa.ApproverRole, escalation)
	target := pa.EscalateTo
	if target == "" {
		target = e.cfg.EscalationRole
	}
	if target != "" && target != pa.ApproverRole {
		e.notifyRole(ctx, target, escalation)
	}
	return true
}

// failRun marks the run failed and, when requested, rolls the transaction
// back. A successful rollback moves the run to rolled-back; a partial one
// leaves it failed with the partial outcome recorded.
func (e *Engine) failRun(ctx context.Context, def *Definition, exec *Execution, reason string, doRollback bool) {
	e.approvals.DeleteByExecution(ctx, exec.ID)
	e.finalize(ctx, exec, ExecutionFailed, reason)
	e.appendEvidence(ctx, exec, "workflow.failed", "", map[string]interface{}{"reason": reason})
	e.publish(ctx, EventExecutionFailed, exec, "", map[string]interface{}{"reason": reason})

	if !doRollback || exec.DryRun || exec.TransactionID == "" || e.coordinator == nil {
		return
	}

	txRes, err := e.coordinator.Rollback(ctx, exec.TransactionID)
	if err != nil {
		e.logger.Error("transaction rollback failed",
			"execution_id", exec.ID,
			"transaction_id", exec.TransactionID,
			"error", err)
		return
	}

	// Match per-entry outcomes back to their steps so a partial rollback
	// shows exactly which compensations failed and need manual cleanup.
	outcomes := make(map[string]*rollback.Result, len(txRes.Results))
	for _, res := range txRes.Results {
		if res.ActionID != "" {
			outcomes[res.ActionID] = res
		}
	}
	for i := range exec.StepResults {
		sr := &exec.StepResults[i]
		if sr.Status != StepCompleted || sr.RollbackData == nil {
			continue
		}
		actionID, _ := sr.Output["action_id"].(string)
		res, ok := outcomes[actionID]
		if !ok {
			continue
		}
		if res.Success {
			sr.Status = StepRolledBack
			continue
		}
		msg := res.Error
		if msg == "" {
			msg = res.Message
		}
		sr.Error = fmt.Sprintf("rollback failed: %s", msg)
	}
	if txRes.Status == rollback.TxRolledBack {
		exec.Status = ExecutionRolledBack
	}
	e.saveProgress(ctx, exec)

	e.appendEvidence(ctx, exec, "workflow.rolled_back", "", map[string]interface{}{
		"transaction_id": exec.TransactionID,
		"status":         string(txRes.Status),
		"failed":         txRes.Failed,
	})
	e.publish(ctx, EventExecutionRolledBack, exec, "", map[string]interface{}{
		"transaction_id": exec.TransactionID,
		"status":         string(txRes.Status),
	})
}

func (e *Engine) complete(ctx context.Context, exec *Execution) {
	if !exec.DryRun && exec.TransactionID != "" && e.coordinator != nil {
		if err := e.coordinator.Commit(exec.TransactionID); err != nil {
			e.logger.Warn("transaction commit failed",
				"execution_id", exec.ID,
				"transaction_id", exec.TransactionID,
				"error", err)
		}
	}
	e.finalize(ctx, exec, ExecutionCompleted, "")
	e.appendEvidence(ctx, exec, "workflow.completed", "", map[string]interface{}{
		"steps": len(exec.StepResults),
	})
	e.publish(ctx, EventExecutionCompleted, exec, "", nil)
	e.logger.Info("run completed",
		"execution_id", exec.ID,
		"workflow_id", exec.WorkflowID,
		"steps", len(exec.StepResults),
		"elapsed", time.Since(exec.StartedAt))
}

func (e *Engine) finalize(ctx context.Context, exec *Execution, status ExecutionStatus, reason string) {
	now := time.Now().UTC()
	exec.Status = status
	exec.CompletedAt = &now
	if reason != "" {
		exec.Error = reason
	}
	e.saveProgress(ctx, exec)

	// The run is terminal; its lock and any unconsumed cancel flag are
	// garbage from here on.
	e.runLocks.Delete(exec.ID)
	e.cancelMu.Lock()
	delete(e.cancelRequested, exec.ID)
	e.cancelMu.Unlock()
}

func (e *Engine) saveProgress(ctx context.Context, exec *Execution) {
	if err := e.executions.Update(ctx, exec); err != nil {
		e.logger.Error("failed to persist execution state",
			"execution_id", exec.ID,
			"error", err)
	}
}

func (e *Engine) recordApprovalOnStep(exec *Execution, stepID string, record ApprovalRecord) {
	for i := range exec.StepResults {
		if exec.StepResults[i].StepID == stepID {
			exec.StepResults[i].Approvals = append(exec.StepResults[i].Approvals, record)
			return
		}
	}
}

func (e *Engine) markStepStatus(exec *Execution, stepID string, status StepStatus, errMsg string) {
	for i := range exec.StepResults {
		if exec.StepResults[i].StepID == stepID {
			now := time.Now().UTC()
			exec.StepResults[i].Status = status
			exec.StepResults[i].CompletedAt = &now
			if errMsg != "" {
				exec.StepResults[i].Error = errMsg
			}
			return
		}
	}
}

func (e *Engine) sendNotification(ctx context.Context, exec *Execution, cfg *NotificationConfig) {
	if e.notifier == nil {
		return
	}
	e.notifier.Send(ctx, &notify.Message{
		Subject:    cfg.Subject,
		Body:       cfg.Message,
		Priority:   notify.Priority(cfg.Priority),
		Recipients: cfg.Recipients,
		Data: map[string]interface{}{
			"execution_id": exec.ID,
			"workflow_id":  exec.WorkflowID,
		},
	})
}

func (e *Engine) notifyRole(ctx context.Context, role string, msg *notify.Message) {
	if e.notifier == nil {
		return
	}
	if e.directory != nil {
		members, err := e.directory.ResolveRole(ctx, role)
		if err != nil {
			e.logger.Warn("approver role resolution failed", "role", role, "error", err)
		}
		for _, m := range members {
			if m.Email != "" {
				msg.Recipients = append(msg.Recipients, m.Email)
			}
		}
	}
	e.notifier.Send(ctx, msg)
}

func (e *Engine) appendEvidence(ctx context.Context, exec *Execution, action, actor string, payload map[string]interface{}) {
	if e.ledger == nil {
		return
	}
	if payload == nil {
		payload = make(map[string]interface{})
	}
	payload["execution_id"] = exec.ID
	payload["workflow_id"] = exec.WorkflowID
	if actor == "" {
		actor = exec.TriggeredBy
	}
	e.ledger.Record(ctx, &evidence.Entry{
		OrgID:        exec.OrgID,
		Actor:        actor,
		Action:       action,
		ResourceType: "workflow_execution",
		ResourceID:   exec.ID,
		Payload:      payload,
	})
}

func (e *Engine) publish(ctx context.Context, eventType EventType, exec *Execution, stepID string, details map[string]interface{}) {
	event := &Event{
		Type:        eventType,
		ExecutionID: exec.ID,
		WorkflowID:  exec.WorkflowID,
		OrgID:       exec.OrgID,
		StepID:      stepID,
		Actor:       exec.TriggeredBy,
		Details:     details,
		Timestamp:   time.Now().UTC(),
	}
	if err := e.publisher.Publish(ctx, event); err != nil {
		e.logger.Warn("event publish failed", "type", eventType, "execution_id", exec.ID, "error", err)
	}
}

func (e *Engine) runLock(executionID string) *sync.Mutex {
	v, _ := e.runLocks.LoadOrStore(executionID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// applyQueuedCancel consumes a cancel request that was queued while the
// caller held the run lock, finalizing the run as cancelled. The caller
// holds the run lock. Returns true when the run was cancelled.
func (e *Engine) applyQueuedCancel(ctx context.Context, exec *Execution) bool {
	reason, ok := e.takeCancelRequest(exec.ID)
	if !ok || exec.Status.Terminal() {
		return false
	}
	purged := e.approvals.DeleteByExecution(ctx, exec.ID)
	e.finalize(ctx, exec, ExecutionCancelled, reason)
	e.appendEvidence(ctx, exec, "workflow.cancelled", "", map[string]interface{}{
		"reason":           reason,
		"purged_approvals": purged,
	})
	e.publish(ctx, EventExecutionCancelled, exec, "", map[string]interface{}{"reason": reason})
	return true
}

func (e *Engine) takeCancelRequest(executionID string) (string, bool) {
	e.cancelMu.Lock()
	defer e.cancelMu.Unlock()
	reason, ok := e.cancelRequested[executionID]
	if ok {
		delete(e.cancelRequested, executionID)
	}
	return reason, ok
}

func approvalBody(pa *PendingApproval, exec *Execution) string {
	msg := pa.Message
	if msg == "" {
		msg = "A remediation workflow is waiting for your approval."
	}
	return fmt.Sprintf("%s\n\nWorkflow: %s\nExecution: %s\nOrganization: %s\nRequired approvals: %d\nExpires: %s",
		msg, pa.WorkflowID, exec.ID, exec.OrgID, pa.Required, pa.ExpiresAt.Format(time.RFC3339))
}
